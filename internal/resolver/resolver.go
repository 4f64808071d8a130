// Package resolver maps upstream user accounts to contributor rows. Every
// capture function funnels authors through here so a user seen on a review,
// a comment, and a pull request resolves to the same internal id.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/storage"
	"github.com/sirupsen/logrus"
)

// ExternalUser is the minimal account shape the resolver needs. Capture
// functions build it from whatever API payload they hold.
type ExternalUser struct {
	GitHubID  int64
	Login     string
	AvatarURL string
	Type      string
}

// Resolver creates contributors on first sight and returns internal ids.
type Resolver struct {
	store  storage.Store
	logger logrus.FieldLogger
}

// New creates a Resolver backed by the given store.
func New(store storage.Store, logger logrus.FieldLogger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// IsBotAccount applies the bot heuristic: the API marks service accounts with
// type "Bot", and app-owned accounts carry a "[bot]" login suffix.
func IsBotAccount(user ExternalUser) bool {
	return user.Type == "Bot" || strings.Contains(user.Login, "[bot]")
}

// ResolveOrCreate returns the internal contributor id for an upstream user,
// creating the row on first sight. A lost upsert race falls back to reading
// the row the other writer created.
func (r *Resolver) ResolveOrCreate(ctx context.Context, user ExternalUser) (int64, error) {
	if user.GitHubID == 0 {
		return 0, fmt.Errorf("resolve contributor: missing github id for login %q", user.Login)
	}

	id, err := r.store.UpsertContributor(ctx, &models.Contributor{
		GitHubID:  user.GitHubID,
		Login:     user.Login,
		AvatarURL: user.AvatarURL,
		IsBot:     IsBotAccount(user),
	})
	if err == nil {
		return id, nil
	}

	existing, readErr := r.store.GetContributorByGitHubID(ctx, user.GitHubID)
	if readErr == nil {
		return existing.ID, nil
	}
	if errors.Is(readErr, storage.ErrNotFound) {
		return 0, fmt.Errorf("resolve contributor %s: %w", user.Login, err)
	}

	r.logger.WithFields(logrus.Fields{
		"login":     user.Login,
		"github_id": user.GitHubID,
	}).WithError(readErr).Warn("contributor fallback read failed")
	return 0, fmt.Errorf("resolve contributor %s: %w", user.Login, err)
}
