package synclog

import (
	"context"
	"errors"
	"testing"

	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/storage"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) (*Logger, storage.Store, *logrustest.Hook) {
	t.Helper()
	log, hook := logrustest.NewNullLogger()
	store, err := storage.NewSQLiteStore(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, log), store, hook
}

func seedRepo(t *testing.T, store storage.Store) int64 {
	t.Helper()
	repo, err := store.CreateRepository(context.Background(), &models.Repository{
		GitHubID: 1, Owner: "acme", Name: "widgets", FullName: "acme/widgets",
	})
	require.NoError(t, err)
	return repo.ID
}

func TestRunCompleteLifecycle(t *testing.T) {
	logger, store, _ := newTestLogger(t)
	ctx := context.Background()
	repoID := seedRepo(t, store)

	run := logger.Start(ctx, models.SyncTypePRReviews, repoID)
	require.NotNil(t, run)

	run.Add(models.SyncCounters{Processed: 2, Inserted: 2, APICalls: 1})
	run.SetMetadata("pr_number", 42)
	run.Complete(ctx)

	got, err := store.GetSyncLog(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusCompleted, got.Status)
	assert.Equal(t, 2, got.RecordsProcessed)
	assert.Equal(t, 1, got.GitHubAPICallsUsed)
	assert.JSONEq(t, `{"pr_number":42}`, string(got.Metadata))
	require.NotNil(t, got.CompletedAt)
}

func TestRunFailRecordsCause(t *testing.T) {
	logger, store, _ := newTestLogger(t)
	ctx := context.Background()
	repoID := seedRepo(t, store)

	run := logger.Start(ctx, models.SyncTypePRDetails, repoID)
	require.NotNil(t, run)

	run.Fail(ctx, errors.New("upstream exploded"))

	got, err := store.GetSyncLog(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "upstream exploded", *got.ErrorMessage)
}

func TestRunSecondTerminalTransitionIgnored(t *testing.T) {
	logger, store, hook := newTestLogger(t)
	ctx := context.Background()
	repoID := seedRepo(t, store)

	run := logger.Start(ctx, models.SyncTypeRepoSync, repoID)
	require.NotNil(t, run)

	run.Complete(ctx)
	hook.Reset()
	run.Fail(ctx, errors.New("late failure"))

	got, err := store.GetSyncLog(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusCompleted, got.Status)
	assert.Nil(t, got.ErrorMessage)

	warned := false
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = true
		}
	}
	assert.True(t, warned, "expected a warning for the ignored transition")
}

func TestNilRunIsSafe(t *testing.T) {
	var run *Run

	run.Add(models.SyncCounters{Processed: 1})
	run.SetMetadata("k", "v")
	run.Update(context.Background())
	run.Complete(context.Background())
	run.Fail(context.Background(), errors.New("x"))
	assert.Equal(t, models.SyncCounters{}, run.Counters())
}
