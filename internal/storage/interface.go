// Package storage is the relational store behind the capture pipeline. All
// writes are upserts keyed by the upstream external id, which makes
// concurrent writers commutative: re-running any capture function is a no-op
// beyond a timestamp refresh.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/jmoiron/sqlx/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// writeTimeout bounds any single write so a hung connection cannot stall a
// worker slot. Expiry surfaces as context.DeadlineExceeded, which the step
// runtime treats as retriable.
const writeTimeout = 10 * time.Second

// UpsertStats reports how a batch upsert landed.
type UpsertStats struct {
	Inserted int
	Updated  int
}

// Store is the storage interface shared by the Postgres and SQLite
// implementations.
type Store interface {
	Close() error

	// Repositories
	GetRepository(ctx context.Context, id int64) (*models.Repository, error)
	GetRepositoryByFullName(ctx context.Context, owner, name string) (*models.Repository, error)
	// CreateRepository inserts a repository row, tolerating a concurrent
	// insert of the same external id: on conflict it returns the row the
	// other writer created.
	CreateRepository(ctx context.Context, repo *models.Repository) (*models.Repository, error)
	UpdateRepositoryMetadata(ctx context.Context, repo *models.Repository) error
	SetRepositoryTracked(ctx context.Context, id int64, tracked bool) error
	SetRepositorySizeClass(ctx context.Context, id int64, class models.SizeClass) error
	TouchRepositorySynced(ctx context.Context, id int64, at time.Time) error
	ListTrackedRepositories(ctx context.Context) ([]*models.Repository, error)

	// Pull requests
	GetPullRequest(ctx context.Context, id int64) (*models.PullRequest, error)
	GetPullRequestByNumber(ctx context.Context, repoID int64, number int) (*models.PullRequest, error)
	// UpsertPullRequests upserts by external id. When withStats is false
	// (list-endpoint data, which never carries diff stats), the stats
	// columns of existing rows are left untouched.
	UpsertPullRequests(ctx context.Context, prs []*models.PullRequest, withStats bool) (UpsertStats, error)
	TouchPullRequest(ctx context.Context, id int64) error

	// Reviews, comments, issues
	UpsertReviews(ctx context.Context, reviews []*models.Review) (UpsertStats, error)
	GetReviewByGitHubID(ctx context.Context, githubID int64) (*models.Review, error)
	UpsertComments(ctx context.Context, comments []*models.Comment) (UpsertStats, error)
	UpsertIssues(ctx context.Context, issues []*models.Issue) (UpsertStats, error)
	GetIssueByNumber(ctx context.Context, repoID int64, number int) (*models.Issue, error)
	TouchIssue(ctx context.Context, id int64) error

	// Contributors
	// UpsertContributor creates or refreshes a contributor keyed by the
	// external user id and returns the internal id. The update never
	// downgrades known data (avatar, bot flag).
	UpsertContributor(ctx context.Context, c *models.Contributor) (int64, error)
	GetContributorByGitHubID(ctx context.Context, githubID int64) (*models.Contributor, error)

	// Sync logs
	CreateSyncLog(ctx context.Context, log *models.SyncLog) error
	UpdateSyncLog(ctx context.Context, id string, counters models.SyncCounters, metadata types.JSONText) error
	FinishSyncLog(ctx context.Context, id string, status models.SyncStatus, errorMessage string, counters models.SyncCounters, metadata types.JSONText) error
	GetSyncLog(ctx context.Context, id string) (*models.SyncLog, error)
	ListSyncLogs(ctx context.Context, repoID int64, statuses []models.SyncStatus, limit int) ([]*models.SyncLog, error)
}
