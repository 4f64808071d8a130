package storage

import (
	"context"
	"testing"
	"time"

	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/jmoiron/sqlx/types"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger, _ := logrustest.NewNullLogger()
	store, err := NewSQLiteStore(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedRepository(t *testing.T, store *SQLiteStore) *models.Repository {
	t.Helper()
	repo, err := store.CreateRepository(context.Background(), &models.Repository{
		GitHubID:  1001,
		Owner:     "acme",
		Name:      "widgets",
		FullName:  "acme/widgets",
		SizeClass: models.SizeClassSmall,
	})
	require.NoError(t, err)
	return repo
}

func seedContributor(t *testing.T, store *SQLiteStore, githubID int64, login string) int64 {
	t.Helper()
	id, err := store.UpsertContributor(context.Background(), &models.Contributor{
		GitHubID: githubID,
		Login:    login,
	})
	require.NoError(t, err)
	return id
}

func TestCreateRepositoryToleratesDuplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := seedRepository(t, store)

	second, err := store.CreateRepository(ctx, &models.Repository{
		GitHubID: 1001,
		Owner:    "acme",
		Name:     "widgets",
		FullName: "acme/widgets",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	repos, err := store.ListTrackedRepositories(ctx)
	require.NoError(t, err)
	assert.Empty(t, repos)

	require.NoError(t, store.SetRepositoryTracked(ctx, first.ID, true))
	repos, err = store.ListTrackedRepositories(ctx)
	require.NoError(t, err)
	assert.Len(t, repos, 1)
}

func TestUpsertPullRequestsCountsAndPreservesStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	repo := seedRepository(t, store)
	authorID := seedContributor(t, store, 501, "octocat")

	now := time.Now().UTC().Truncate(time.Second)
	pr := &models.PullRequest{
		GitHubID:     9001,
		RepositoryID: repo.ID,
		Number:       42,
		State:        "open",
		Title:        "Add widget polish",
		AuthorID:     &authorID,
		Additions:    120,
		Deletions:    30,
		ChangedFiles: 5,
		Commits:      3,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	stats, err := store.UpsertPullRequests(ctx, []*models.PullRequest{pr}, true)
	require.NoError(t, err)
	assert.Equal(t, UpsertStats{Inserted: 1}, stats)

	// A list-endpoint refresh carries no stats. It must update state but
	// leave the captured diff stats alone.
	listed := &models.PullRequest{
		GitHubID:     9001,
		RepositoryID: repo.ID,
		Number:       42,
		State:        "closed",
		Title:        "Add widget polish",
		CreatedAt:    now,
		UpdatedAt:    now.Add(time.Hour),
	}
	stats, err = store.UpsertPullRequests(ctx, []*models.PullRequest{listed}, false)
	require.NoError(t, err)
	assert.Equal(t, UpsertStats{Updated: 1}, stats)

	got, err := store.GetPullRequestByNumber(ctx, repo.ID, 42)
	require.NoError(t, err)
	assert.Equal(t, "closed", got.State)
	assert.Equal(t, 120, got.Additions)
	assert.Equal(t, 5, got.ChangedFiles)
	assert.True(t, got.HasDetails())
	require.NotNil(t, got.AuthorID)
	assert.Equal(t, authorID, *got.AuthorID)
}

func TestUpsertReviewsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	repo := seedRepository(t, store)
	reviewerID := seedContributor(t, store, 502, "reviewer")
	authorID := seedContributor(t, store, 501, "octocat")

	now := time.Now().UTC().Truncate(time.Second)
	_, err := store.UpsertPullRequests(ctx, []*models.PullRequest{{
		GitHubID: 9001, RepositoryID: repo.ID, Number: 42, State: "open",
		Title: "x", AuthorID: &authorID, CreatedAt: now, UpdatedAt: now,
	}}, false)
	require.NoError(t, err)

	pr, err := store.GetPullRequestByNumber(ctx, repo.ID, 42)
	require.NoError(t, err)

	review := &models.Review{
		GitHubID:      7001,
		PullRequestID: pr.ID,
		ReviewerID:    reviewerID,
		State:         "APPROVED",
		SubmittedAt:   &now,
	}

	stats, err := store.UpsertReviews(ctx, []*models.Review{review})
	require.NoError(t, err)
	assert.Equal(t, UpsertStats{Inserted: 1}, stats)

	stats, err = store.UpsertReviews(ctx, []*models.Review{review})
	require.NoError(t, err)
	assert.Equal(t, UpsertStats{Updated: 1}, stats)

	stored, err := store.GetReviewByGitHubID(ctx, 7001)
	require.NoError(t, err)
	assert.Equal(t, pr.ID, stored.PullRequestID)
	assert.Equal(t, reviewerID, stored.ReviewerID)
	assert.Equal(t, "APPROVED", stored.State)

	_, err = store.GetReviewByGitHubID(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertContributorNeverDowngrades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.UpsertContributor(ctx, &models.Contributor{
		GitHubID:  601,
		Login:     "dependabot[bot]",
		AvatarURL: "https://example.com/a.png",
		IsBot:     true,
	})
	require.NoError(t, err)

	// A later sighting without avatar or bot flag keeps both.
	second, err := store.UpsertContributor(ctx, &models.Contributor{
		GitHubID: 601,
		Login:    "dependabot[bot]",
	})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	got, err := store.GetContributorByGitHubID(ctx, 601)
	require.NoError(t, err)
	assert.True(t, got.IsBot)
	assert.Equal(t, "https://example.com/a.png", got.AvatarURL)
}

func TestUpsertCommentsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	repo := seedRepository(t, store)
	commenterID := seedContributor(t, store, 503, "commenter")

	now := time.Now().UTC().Truncate(time.Second)
	comment := &models.Comment{
		GitHubID:     8001,
		RepositoryID: repo.ID,
		CommenterID:  commenterID,
		CommentType:  models.CommentTypeIssue,
		Body:         "looks good",
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	stats, err := store.UpsertComments(ctx, []*models.Comment{comment})
	require.NoError(t, err)
	assert.Equal(t, UpsertStats{Inserted: 1}, stats)

	comment.Body = "looks great"
	stats, err = store.UpsertComments(ctx, []*models.Comment{comment})
	require.NoError(t, err)
	assert.Equal(t, UpsertStats{Updated: 1}, stats)
}

func TestSyncLogLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	repo := seedRepository(t, store)

	log := &models.SyncLog{
		ID:           "run-1",
		SyncType:     models.SyncTypePRComments,
		RepositoryID: repo.ID,
		Status:       models.SyncStatusStarted,
		StartedAt:    time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.CreateSyncLog(ctx, log))

	counters := models.SyncCounters{Processed: 3, Inserted: 3, APICalls: 2}
	require.NoError(t, store.UpdateSyncLog(ctx, "run-1", counters, nil))

	meta := types.JSONText(`{"pr_number":42}`)
	require.NoError(t, store.FinishSyncLog(ctx, "run-1", models.SyncStatusCompleted, "", counters, meta))

	got, err := store.GetSyncLog(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusCompleted, got.Status)
	assert.Equal(t, 3, got.RecordsProcessed)
	assert.Equal(t, 2, got.GitHubAPICallsUsed)
	assert.Nil(t, got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)

	logs, err := store.ListSyncLogs(ctx, repo.ID, []models.SyncStatus{models.SyncStatusCompleted}, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "run-1", logs[0].ID)

	logs, err = store.ListSyncLogs(ctx, repo.ID, []models.SyncStatus{models.SyncStatusFailed}, 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestGetPullRequestNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetPullRequest(context.Background(), 12345)
	assert.ErrorIs(t, err, ErrNotFound)
}
