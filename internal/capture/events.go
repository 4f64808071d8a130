// Package capture holds the pipeline functions that pull GitHub activity
// into the store. Each function reacts to one event, breaks its work into
// durable steps, and records its outcome in a sync log.
package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/gitpulse/gitpulse/internal/github"
	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/resolver"
	"github.com/gitpulse/gitpulse/internal/steprt"
	"github.com/gitpulse/gitpulse/internal/storage"
	"github.com/gitpulse/gitpulse/internal/synclog"
	"github.com/sirupsen/logrus"
)

// Event names routed through the step runtime.
const (
	EventRepoDiscover  = "repo.discover"
	EventRepoSync      = "repo.sync"
	EventRepoClassify  = "repo.classify"
	EventPRDetails     = "capture.pr_details"
	EventPRReviews     = "capture.pr_reviews"
	EventPRComments    = "capture.pr_comments"
	EventIssueComments = "capture.issue_comments"
	EventRepoEvents    = "capture.repo_events"
)

// RepoDiscoverPayload asks for a repository to be looked up upstream,
// created locally, and optionally marked tracked.
type RepoDiscoverPayload struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
	Track bool   `json:"track"`
}

// RepoPayload addresses an already-discovered repository.
type RepoPayload struct {
	RepositoryID int64 `json:"repository_id"`
	// Days overrides the sync lookback window when positive.
	Days int `json:"days,omitempty"`
}

// PRPayload addresses one pull request of a repository.
type PRPayload struct {
	RepositoryID int64 `json:"repository_id"`
	PRID         int64 `json:"pr_id"`
	PRNumber     int   `json:"pr_number"`
}

// IssuePayload addresses one issue of a repository.
type IssuePayload struct {
	RepositoryID int64 `json:"repository_id"`
	IssueID      int64 `json:"issue_id"`
	IssueNumber  int   `json:"issue_number"`
}

// Service wires the capture functions to their dependencies.
type Service struct {
	store    storage.Store
	gh       *github.Client
	resolver *resolver.Resolver
	logs     *synclog.Logger
	logger   logrus.FieldLogger

	// lookbackDays is the default sync window.
	lookbackDays int
}

// NewService creates the capture service.
func NewService(store storage.Store, gh *github.Client, logger logrus.FieldLogger) *Service {
	return &Service{
		store:        store,
		gh:           gh,
		resolver:     resolver.New(store, logger),
		logs:         synclog.New(store, logger),
		logger:       logger,
		lookbackDays: 30,
	}
}

// SetLookbackDays overrides the default sync window.
func (s *Service) SetLookbackDays(days int) {
	if days > 0 {
		s.lookbackDays = days
	}
}

// openRun opens (or on retry, reattaches to) the sync log row for a run. The
// row id is checkpointed so one run never produces two rows. A nil return
// means no-log degraded mode; all Run methods tolerate it.
func (s *Service) openRun(ctx context.Context, sc *steprt.StepContext, syncType models.SyncType, repositoryID int64) *synclog.Run {
	id, err := steprt.RunStep(ctx, sc, "init-sync-log", func(ctx context.Context) (string, error) {
		run := s.logs.Start(ctx, syncType, repositoryID)
		if run == nil {
			return "", nil
		}
		return run.ID, nil
	})
	if err != nil || id == "" {
		return nil
	}
	return s.logs.Attach(id, syncType)
}

// getRepository loads the repository a payload addresses. A missing row is a
// precondition failure, not a transient one.
func (s *Service) getRepository(ctx context.Context, sc *steprt.StepContext, repositoryID int64) (*models.Repository, error) {
	return steprt.RunStep(ctx, sc, "get-repository", func(ctx context.Context) (*models.Repository, error) {
		repo, err := s.store.GetRepository(ctx, repositoryID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, steprt.NonRetriable(fmt.Errorf("repository %d not in store", repositoryID))
		}
		return repo, err
	})
}

// failAndReturn closes the run as failed and passes the error back to the
// runtime for retry classification.
func failAndReturn(ctx context.Context, run *synclog.Run, err error) error {
	run.Fail(ctx, err)
	return err
}
