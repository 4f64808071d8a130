package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/gitpulse/gitpulse/internal/capture"
	"github.com/gitpulse/gitpulse/internal/config"
	"github.com/gitpulse/gitpulse/internal/github"
	"github.com/gitpulse/gitpulse/internal/steprt"
	"github.com/gitpulse/gitpulse/internal/storage"
)

// openStore opens the configured storage backend.
func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			return nil, fmt.Errorf("storage type postgres requires postgres_dsn (or POSTGRES_DSN)")
		}
		return storage.NewPostgresStore(cfg.Storage.PostgresDSN, logger)
	case "sqlite", "":
		return storage.NewSQLiteStore(cfg.Storage.LocalPath, logger)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

// session is one CLI invocation's wiring: store, client, and a runtime with
// in-memory checkpoints (a one-shot command has nothing to resume).
type session struct {
	store   storage.Store
	runtime *steprt.Runtime
	service *capture.Service
}

func newSession(ctx context.Context) (*session, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	client, err := github.NewClient(github.Config{
		Token:             cfg.GitHub.Token,
		RequestsPerSecond: cfg.GitHub.RateLimit,
	}, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	service := capture.NewService(store, client, logger)
	service.SetLookbackDays(cfg.Worker.LookbackDays)

	rt := steprt.New(steprt.Options{
		Workers: cfg.Worker.Workers,
		Logger:  logger,
	})
	if err := service.Register(rt); err != nil {
		store.Close()
		return nil, err
	}
	rt.Start(ctx)

	return &session{store: store, runtime: rt, service: service}, nil
}

func (s *session) close() {
	s.runtime.Stop()
	s.store.Close()
}

// splitRepoArg parses an OWNER/NAME argument.
func splitRepoArg(arg string) (owner, name string, err error) {
	parts := strings.Split(arg, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("expected OWNER/NAME, got %q", arg)
	}
	return parts[0], parts[1], nil
}
