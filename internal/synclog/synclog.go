// Package synclog records the progress of capture runs. Every capture
// function opens a run before touching the API and closes it with a terminal
// status, so the sync_logs table is a complete audit of what ran, what it
// cost, and how it ended.
package synclog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/storage"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/sirupsen/logrus"
)

// Logger opens sync log runs against the store.
type Logger struct {
	store  storage.Store
	logger logrus.FieldLogger
}

// New creates a sync log Logger.
func New(store storage.Store, logger logrus.FieldLogger) *Logger {
	return &Logger{store: store, logger: logger}
}

// Run is a handle on one open sync log row. All methods are safe on a nil
// receiver, so a capture run degraded to no-log mode needs no branching at
// call sites. A Run accepts exactly one terminal transition; later Complete,
// Fail, or Update calls warn and do nothing.
type Run struct {
	ID string

	logger   logrus.FieldLogger
	store    storage.Store
	syncType models.SyncType

	mu       sync.Mutex
	counters models.SyncCounters
	metadata map[string]any
	terminal bool
}

// Start creates a sync log row in the started state. If the insert fails the
// run degrades to a nil handle: the capture proceeds, it just leaves no
// progress record.
func (l *Logger) Start(ctx context.Context, syncType models.SyncType, repositoryID int64) *Run {
	id := uuid.NewString()
	err := l.store.CreateSyncLog(ctx, &models.SyncLog{
		ID:           id,
		SyncType:     syncType,
		RepositoryID: repositoryID,
		Status:       models.SyncStatusStarted,
		StartedAt:    time.Now().UTC(),
	})
	if err != nil {
		l.logger.WithFields(logrus.Fields{
			"sync_type":     syncType,
			"repository_id": repositoryID,
		}).WithError(err).Warn("sync log unavailable, continuing without progress record")
		return nil
	}

	return l.Attach(id, syncType)
}

// Attach returns a handle on an existing sync log row. A retried run that
// checkpointed its row's id reattaches instead of opening a second row.
func (l *Logger) Attach(id string, syncType models.SyncType) *Run {
	return &Run{
		ID:       id,
		logger:   l.logger.WithFields(logrus.Fields{"sync_log_id": id, "sync_type": syncType}),
		store:    l.store,
		syncType: syncType,
		metadata: make(map[string]any),
	}
}

// Add merges counters into the run.
func (r *Run) Add(c models.SyncCounters) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters.Add(c)
}

// Counters returns a snapshot of the accumulated counters.
func (r *Run) Counters() models.SyncCounters {
	if r == nil {
		return models.SyncCounters{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

// SetMetadata records a key in the run's metadata document.
func (r *Run) SetMetadata(key string, value any) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

func (r *Run) metadataJSON() types.JSONText {
	if len(r.metadata) == 0 {
		return nil
	}
	raw, err := json.Marshal(r.metadata)
	if err != nil {
		r.logger.WithError(err).Warn("sync log metadata not serializable, dropping")
		return nil
	}
	return types.JSONText(raw)
}

// Update persists the current counters without changing status.
func (r *Run) Update(ctx context.Context) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		r.logger.Warn("sync log update after terminal status ignored")
		return
	}
	if err := r.store.UpdateSyncLog(ctx, r.ID, r.counters, r.metadataJSON()); err != nil {
		r.logger.WithError(err).Warn("sync log update failed")
	}
}

// Complete marks the run completed.
func (r *Run) Complete(ctx context.Context) {
	r.finish(ctx, models.SyncStatusCompleted, "")
}

// Fail marks the run failed with the given cause.
func (r *Run) Fail(ctx context.Context, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	r.finish(ctx, models.SyncStatusFailed, msg)
}

func (r *Run) finish(ctx context.Context, status models.SyncStatus, errorMessage string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		r.logger.WithField("status", status).Warn("sync log already terminal, transition ignored")
		return
	}
	r.terminal = true

	if err := r.store.FinishSyncLog(ctx, r.ID, status, errorMessage, r.counters, r.metadataJSON()); err != nil {
		r.logger.WithError(err).WithField("status", status).Warn("sync log finish failed")
	}
}
