package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// SQLiteStore implements Store on SQLite, used for local single-machine runs
// and tests. It mirrors the PostgreSQL semantics: same conflict targets, same
// non-destructive update rules.
type SQLiteStore struct {
	db     *sqlx.DB
	logger logrus.FieldLogger
}

// NewSQLiteStore opens (or creates) a SQLite database at path. Use
// ":memory:" for an in-process throwaway store.
func NewSQLiteStore(path string, logger logrus.FieldLogger) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection keeps an in-memory database alive and serializes
	// writers, which SQLite requires anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Repository operations

func (s *SQLiteStore) GetRepository(ctx context.Context, id int64) (*models.Repository, error) {
	var repo models.Repository
	err := s.db.GetContext(ctx, &repo, `SELECT * FROM repositories WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get repository: %w", err)
	}
	return &repo, nil
}

func (s *SQLiteStore) GetRepositoryByFullName(ctx context.Context, owner, name string) (*models.Repository, error) {
	var repo models.Repository
	err := s.db.GetContext(ctx, &repo, `SELECT * FROM repositories WHERE owner = ? AND name = ?`, owner, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get repository by full name: %w", err)
	}
	return &repo, nil
}

func (s *SQLiteStore) getRepositoryByGitHubID(ctx context.Context, githubID int64) (*models.Repository, error) {
	var repo models.Repository
	err := s.db.GetContext(ctx, &repo, `SELECT * FROM repositories WHERE github_id = ?`, githubID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get repository by github id: %w", err)
	}
	return &repo, nil
}

func (s *SQLiteStore) CreateRepository(ctx context.Context, repo *models.Repository) (*models.Repository, error) {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	now := time.Now().UTC()
	// The tolerance is scoped to the github_id conflict, mirroring the
	// PostgreSQL twin: any other constraint violation surfaces as an error.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO repositories (
			github_id, owner, name, full_name, description, default_branch,
			stars, forks, size, size_class, has_discussions, is_tracked,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (github_id) DO NOTHING
	`, repo.GitHubID, repo.Owner, repo.Name, repo.FullName, repo.Description, repo.DefaultBranch,
		repo.Stars, repo.Forks, repo.Size, repo.SizeClass, repo.HasDiscussions, repo.IsTracked,
		now, now)
	if err != nil {
		return nil, fmt.Errorf("create repository: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race to another writer; converge on its row.
		return s.getRepositoryByGitHubID(ctx, repo.GitHubID)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create repository id: %w", err)
	}
	return s.GetRepository(ctx, id)
}

func (s *SQLiteStore) UpdateRepositoryMetadata(ctx context.Context, repo *models.Repository) error {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE repositories SET
			description = ?, default_branch = ?, stars = ?, forks = ?,
			size = ?, has_discussions = ?, last_event_at = ?, updated_at = ?
		WHERE id = ?
	`, repo.Description, repo.DefaultBranch, repo.Stars, repo.Forks,
		repo.Size, repo.HasDiscussions, repo.LastEventAt, time.Now().UTC(), repo.ID)
	if err != nil {
		return fmt.Errorf("update repository metadata: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetRepositoryTracked(ctx context.Context, id int64, tracked bool) error {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE repositories SET is_tracked = ?, updated_at = ? WHERE id = ?`,
		tracked, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set repository tracked: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetRepositorySizeClass(ctx context.Context, id int64, class models.SizeClass) error {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE repositories SET size_class = ?, updated_at = ? WHERE id = ?`,
		class, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set repository size class: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TouchRepositorySynced(ctx context.Context, id int64, at time.Time) error {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE repositories SET last_synced_at = ?, updated_at = ? WHERE id = ?`,
		at, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch repository synced: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTrackedRepositories(ctx context.Context) ([]*models.Repository, error) {
	var repos []*models.Repository
	err := s.db.SelectContext(ctx, &repos,
		`SELECT * FROM repositories WHERE is_tracked = 1 ORDER BY full_name`)
	if err != nil {
		return nil, fmt.Errorf("list tracked repositories: %w", err)
	}
	return repos, nil
}

// Pull request operations

func (s *SQLiteStore) GetPullRequest(ctx context.Context, id int64) (*models.PullRequest, error) {
	var pr models.PullRequest
	err := s.db.GetContext(ctx, &pr, `SELECT * FROM pull_requests WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pull request: %w", err)
	}
	return &pr, nil
}

func (s *SQLiteStore) GetPullRequestByNumber(ctx context.Context, repoID int64, number int) (*models.PullRequest, error) {
	var pr models.PullRequest
	err := s.db.GetContext(ctx, &pr,
		`SELECT * FROM pull_requests WHERE repository_id = ? AND number = ?`, repoID, number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pull request by number: %w", err)
	}
	return &pr, nil
}

// rowExists reports whether a row with the given external id exists. SQLite
// has no equivalent of xmax, so insert-vs-update is decided by a pre-check
// inside the same transaction.
func rowExists(ctx context.Context, tx *sqlx.Tx, table string, githubID int64) (bool, error) {
	var exists bool
	err := tx.GetContext(ctx, &exists,
		fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE github_id = ?)`, table), githubID)
	if err != nil {
		return false, fmt.Errorf("check %s existence: %w", table, err)
	}
	return exists, nil
}

func (s *SQLiteStore) UpsertPullRequests(ctx context.Context, prs []*models.PullRequest, withStats bool) (UpsertStats, error) {
	var stats UpsertStats
	if len(prs) == 0 {
		return stats, nil
	}

	ctx, cancel := writeCtx(ctx)
	defer cancel()

	statsSet := ""
	if withStats {
		statsSet = `
			additions = excluded.additions,
			deletions = excluded.deletions,
			changed_files = excluded.changed_files,
			commits = excluded.commits,`
	}

	query := fmt.Sprintf(`
		INSERT INTO pull_requests (
			github_id, repository_id, number, state, title, draft, author_id,
			additions, deletions, changed_files, commits,
			merged, merged_at, merge_commit_sha, created_at, updated_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (github_id) DO UPDATE SET
			state = excluded.state,
			title = excluded.title,
			draft = excluded.draft,
			author_id = COALESCE(excluded.author_id, pull_requests.author_id),%s
			merged = excluded.merged,
			merged_at = excluded.merged_at,
			merge_commit_sha = COALESCE(excluded.merge_commit_sha, pull_requests.merge_commit_sha),
			updated_at = excluded.updated_at,
			closed_at = excluded.closed_at
	`, statsSet)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, pr := range prs {
		exists, err := rowExists(ctx, tx, "pull_requests", pr.GitHubID)
		if err != nil {
			return stats, err
		}
		_, err = tx.ExecContext(ctx, query,
			pr.GitHubID, pr.RepositoryID, pr.Number, pr.State, pr.Title, pr.Draft, pr.AuthorID,
			pr.Additions, pr.Deletions, pr.ChangedFiles, pr.Commits,
			pr.Merged, pr.MergedAt, pr.MergeCommitSHA, pr.CreatedAt, pr.UpdatedAt, pr.ClosedAt)
		if err != nil {
			return stats, fmt.Errorf("upsert pull request #%d: %w", pr.Number, err)
		}
		if exists {
			stats.Updated++
		} else {
			stats.Inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit pull requests: %w", err)
	}
	return stats, nil
}

func (s *SQLiteStore) TouchPullRequest(ctx context.Context, id int64) error {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE pull_requests SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch pull request: %w", err)
	}
	return nil
}

// Review operations

func (s *SQLiteStore) UpsertReviews(ctx context.Context, reviews []*models.Review) (UpsertStats, error) {
	var stats UpsertStats
	if len(reviews) == 0 {
		return stats, nil
	}

	ctx, cancel := writeCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, review := range reviews {
		exists, err := rowExists(ctx, tx, "reviews", review.GitHubID)
		if err != nil {
			return stats, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO reviews (github_id, pull_request_id, reviewer_id, state, body, submitted_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (github_id) DO UPDATE SET
				state = excluded.state,
				body = excluded.body,
				submitted_at = excluded.submitted_at
		`, review.GitHubID, review.PullRequestID, review.ReviewerID, review.State, review.Body, review.SubmittedAt)
		if err != nil {
			return stats, fmt.Errorf("upsert review %d: %w", review.GitHubID, err)
		}
		if exists {
			stats.Updated++
		} else {
			stats.Inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit reviews: %w", err)
	}
	return stats, nil
}

func (s *SQLiteStore) GetReviewByGitHubID(ctx context.Context, githubID int64) (*models.Review, error) {
	var review models.Review
	err := s.db.GetContext(ctx, &review, `SELECT * FROM reviews WHERE github_id = ?`, githubID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get review: %w", err)
	}
	return &review, nil
}

// Comment operations

func (s *SQLiteStore) UpsertComments(ctx context.Context, comments []*models.Comment) (UpsertStats, error) {
	var stats UpsertStats
	if len(comments) == 0 {
		return stats, nil
	}

	ctx, cancel := writeCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, comment := range comments {
		exists, err := rowExists(ctx, tx, "comments", comment.GitHubID)
		if err != nil {
			return stats, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO comments (
				github_id, repository_id, pull_request_id, issue_id, commenter_id,
				comment_type, body, in_reply_to_id, path, position, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (github_id) DO UPDATE SET
				body = excluded.body,
				in_reply_to_id = excluded.in_reply_to_id,
				path = excluded.path,
				position = excluded.position,
				updated_at = excluded.updated_at
		`, comment.GitHubID, comment.RepositoryID, comment.PullRequestID, comment.IssueID, comment.CommenterID,
			comment.CommentType, comment.Body, comment.InReplyToID, comment.Path, comment.Position,
			comment.CreatedAt, comment.UpdatedAt)
		if err != nil {
			return stats, fmt.Errorf("upsert comment %d: %w", comment.GitHubID, err)
		}
		if exists {
			stats.Updated++
		} else {
			stats.Inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit comments: %w", err)
	}
	return stats, nil
}

// Issue operations

func (s *SQLiteStore) UpsertIssues(ctx context.Context, issues []*models.Issue) (UpsertStats, error) {
	var stats UpsertStats
	if len(issues) == 0 {
		return stats, nil
	}

	ctx, cancel := writeCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, issue := range issues {
		exists, err := rowExists(ctx, tx, "issues", issue.GitHubID)
		if err != nil {
			return stats, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO issues (
				github_id, repository_id, number, state, title, author_id,
				comment_count, created_at, updated_at, closed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (github_id) DO UPDATE SET
				state = excluded.state,
				title = excluded.title,
				author_id = COALESCE(excluded.author_id, issues.author_id),
				comment_count = excluded.comment_count,
				updated_at = excluded.updated_at,
				closed_at = excluded.closed_at
		`, issue.GitHubID, issue.RepositoryID, issue.Number, issue.State, issue.Title, issue.AuthorID,
			issue.CommentCount, issue.CreatedAt, issue.UpdatedAt, issue.ClosedAt)
		if err != nil {
			return stats, fmt.Errorf("upsert issue #%d: %w", issue.Number, err)
		}
		if exists {
			stats.Updated++
		} else {
			stats.Inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit issues: %w", err)
	}
	return stats, nil
}

func (s *SQLiteStore) GetIssueByNumber(ctx context.Context, repoID int64, number int) (*models.Issue, error) {
	var issue models.Issue
	err := s.db.GetContext(ctx, &issue,
		`SELECT * FROM issues WHERE repository_id = ? AND number = ?`, repoID, number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get issue by number: %w", err)
	}
	return &issue, nil
}

func (s *SQLiteStore) TouchIssue(ctx context.Context, id int64) error {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE issues SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch issue: %w", err)
	}
	return nil
}

// Contributor operations

func (s *SQLiteStore) UpsertContributor(ctx context.Context, c *models.Contributor) (int64, error) {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contributors (github_id, login, avatar_url, is_bot)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (github_id) DO UPDATE SET
			login = excluded.login,
			avatar_url = CASE WHEN excluded.avatar_url <> '' THEN excluded.avatar_url ELSE contributors.avatar_url END,
			is_bot = contributors.is_bot OR excluded.is_bot
	`, c.GitHubID, c.Login, c.AvatarURL, c.IsBot)
	if err != nil {
		return 0, fmt.Errorf("upsert contributor %s: %w", c.Login, err)
	}

	var id int64
	if err := s.db.GetContext(ctx, &id, `SELECT id FROM contributors WHERE github_id = ?`, c.GitHubID); err != nil {
		return 0, fmt.Errorf("read back contributor %s: %w", c.Login, err)
	}
	return id, nil
}

func (s *SQLiteStore) GetContributorByGitHubID(ctx context.Context, githubID int64) (*models.Contributor, error) {
	var c models.Contributor
	err := s.db.GetContext(ctx, &c, `SELECT * FROM contributors WHERE github_id = ?`, githubID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get contributor: %w", err)
	}
	return &c, nil
}

// Sync log operations

func (s *SQLiteStore) CreateSyncLog(ctx context.Context, log *models.SyncLog) error {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_logs (
			id, sync_type, repository_id, status,
			records_processed, records_inserted, records_updated, records_failed,
			github_api_calls_used, metadata, error_message, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, log.ID, log.SyncType, log.RepositoryID, log.Status,
		log.RecordsProcessed, log.RecordsInserted, log.RecordsUpdated, log.RecordsFailed,
		log.GitHubAPICallsUsed, log.Metadata, log.ErrorMessage, log.StartedAt, log.CompletedAt)
	if err != nil {
		return fmt.Errorf("create sync log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSyncLog(ctx context.Context, id string, counters models.SyncCounters, metadata types.JSONText) error {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_logs SET
			records_processed = ?, records_inserted = ?, records_updated = ?,
			records_failed = ?, github_api_calls_used = ?, metadata = ?
		WHERE id = ?
	`, counters.Processed, counters.Inserted, counters.Updated,
		counters.Failed, counters.APICalls, metadata, id)
	if err != nil {
		return fmt.Errorf("update sync log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FinishSyncLog(ctx context.Context, id string, status models.SyncStatus, errorMessage string, counters models.SyncCounters, metadata types.JSONText) error {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	var errMsg *string
	if errorMessage != "" {
		errMsg = &errorMessage
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_logs SET
			status = ?, error_message = ?,
			records_processed = ?, records_inserted = ?, records_updated = ?,
			records_failed = ?, github_api_calls_used = ?, metadata = ?,
			completed_at = ?
		WHERE id = ?
	`, status, errMsg,
		counters.Processed, counters.Inserted, counters.Updated,
		counters.Failed, counters.APICalls, metadata,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finish sync log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSyncLog(ctx context.Context, id string) (*models.SyncLog, error) {
	var log models.SyncLog
	err := s.db.GetContext(ctx, &log, `SELECT * FROM sync_logs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get sync log: %w", err)
	}
	return &log, nil
}

func (s *SQLiteStore) ListSyncLogs(ctx context.Context, repoID int64, statuses []models.SyncStatus, limit int) ([]*models.SyncLog, error) {
	if limit <= 0 {
		limit = 50
	}

	var logs []*models.SyncLog
	if len(statuses) == 0 {
		err := s.db.SelectContext(ctx, &logs, `
			SELECT * FROM sync_logs WHERE repository_id = ?
			ORDER BY started_at DESC LIMIT ?
		`, repoID, limit)
		if err != nil {
			return nil, fmt.Errorf("list sync logs: %w", err)
		}
		return logs, nil
	}

	query, args, err := sqlx.In(`
		SELECT * FROM sync_logs
		WHERE repository_id = ? AND status IN (?)
		ORDER BY started_at DESC LIMIT ?
	`, repoID, statuses, limit)
	if err != nil {
		return nil, fmt.Errorf("build sync log query: %w", err)
	}

	err = s.db.SelectContext(ctx, &logs, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list sync logs: %w", err)
	}
	return logs, nil
}
