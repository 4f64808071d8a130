// gitpulse-worker is the long-running capture worker: it processes capture
// events with durable checkpoints and periodically re-syncs every tracked
// repository.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/gitpulse/gitpulse/internal/capture"
	"github.com/gitpulse/gitpulse/internal/config"
	"github.com/gitpulse/gitpulse/internal/github"
	"github.com/gitpulse/gitpulse/internal/steprt"
	"github.com/gitpulse/gitpulse/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	cfgFile := flag.String("config", "", "config file (default: .gitpulse/config.yaml)")
	verbose := flag.Bool("verbose", false, "verbose output")
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	if err := run(*cfgFile, logger); err != nil {
		logger.WithError(err).Fatal("worker exited")
	}
}

func run(cfgFile string, logger *logrus.Logger) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Warn("Failed to load config, using defaults")
		cfg = config.Default()
	}

	var store storage.Store
	switch cfg.Storage.Type {
	case "postgres":
		store, err = storage.NewPostgresStore(cfg.Storage.PostgresDSN, logger)
	default:
		store, err = storage.NewSQLiteStore(cfg.Storage.LocalPath, logger)
	}
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := github.NewClient(github.Config{
		Token:             cfg.GitHub.Token,
		RequestsPerSecond: cfg.GitHub.RateLimit,
	}, logger)
	if err != nil {
		return err
	}

	checkpoints, err := steprt.NewBoltCheckpoints(cfg.Worker.CheckpointPath)
	if err != nil {
		return err
	}
	defer checkpoints.Close()

	// With Redis configured, all workers share one throttle window.
	var window steprt.Window
	if cfg.Redis.Addr != "" {
		window = steprt.NewRedisWindow(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}))
		logger.WithField("addr", cfg.Redis.Addr).Info("using shared Redis throttle")
	}

	service := capture.NewService(store, client, logger)
	service.SetLookbackDays(cfg.Worker.LookbackDays)

	rt := steprt.New(steprt.Options{
		Workers:     cfg.Worker.Workers,
		Checkpoints: checkpoints,
		Window:      window,
		Logger:      logger,
	})
	if err := service.Register(rt); err != nil {
		return err
	}

	// Periodic re-sync of everything tracked.
	err = rt.Register(steprt.FunctionSpec{
		ID:      "scheduled-sync",
		Trigger: "sync.tick",
		Cron:    cfg.Worker.SyncInterval,
		Retries: 1,
		Handler: func(ctx context.Context, sc *steprt.StepContext, evt steprt.Event) error {
			repos, err := store.ListTrackedRepositories(ctx)
			if err != nil {
				return err
			}
			for _, repo := range repos {
				child, err := steprt.NewEvent(capture.EventRepoSync, capture.RepoPayload{RepositoryID: repo.ID})
				if err != nil {
					return err
				}
				if err := sc.SendEvent(ctx, child); err != nil {
					return err
				}
			}
			sc.Logger().WithField("repositories", len(repos)).Info("scheduled sync dispatched")
			return nil
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt.Start(ctx)
	logger.WithFields(logrus.Fields{
		"workers":       cfg.Worker.Workers,
		"sync_interval": cfg.Worker.SyncInterval.String(),
		"storage":       cfg.Storage.Type,
	}).Info("worker started")

	<-ctx.Done()
	logger.Info("shutting down")
	rt.Stop()
	return nil
}
