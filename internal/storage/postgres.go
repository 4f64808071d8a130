package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gitpulse/gitpulse/internal/models"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db     *sqlx.DB
	logger logrus.FieldLogger
}

// NewPostgresStore connects to PostgreSQL.
func NewPostgresStore(dsn string, logger logrus.FieldLogger) (*PostgresStore, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, writeTimeout)
}

// Repository operations

func (s *PostgresStore) GetRepository(ctx context.Context, id int64) (*models.Repository, error) {
	var repo models.Repository
	err := s.db.GetContext(ctx, &repo, `SELECT * FROM repositories WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get repository: %w", err)
	}
	return &repo, nil
}

func (s *PostgresStore) GetRepositoryByFullName(ctx context.Context, owner, name string) (*models.Repository, error) {
	var repo models.Repository
	err := s.db.GetContext(ctx, &repo, `SELECT * FROM repositories WHERE owner = $1 AND name = $2`, owner, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get repository by full name: %w", err)
	}
	return &repo, nil
}

func (s *PostgresStore) getRepositoryByGitHubID(ctx context.Context, githubID int64) (*models.Repository, error) {
	var repo models.Repository
	err := s.db.GetContext(ctx, &repo, `SELECT * FROM repositories WHERE github_id = $1`, githubID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get repository by github id: %w", err)
	}
	return &repo, nil
}

func (s *PostgresStore) CreateRepository(ctx context.Context, repo *models.Repository) (*models.Repository, error) {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	query := `
		INSERT INTO repositories (
			github_id, owner, name, full_name, description, default_branch,
			stars, forks, size, size_class, has_discussions, is_tracked,
			created_at, updated_at
		) VALUES (
			:github_id, :owner, :name, :full_name, :description, :default_branch,
			:stars, :forks, :size, :size_class, :has_discussions, :is_tracked,
			NOW(), NOW()
		)
		ON CONFLICT (github_id) DO NOTHING
		RETURNING id
	`

	q, args, err := s.db.BindNamed(query, repo)
	if err != nil {
		return nil, fmt.Errorf("bind repository: %w", err)
	}

	var id int64
	err = s.db.QueryRowxContext(ctx, q, args...).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// A concurrent discovery won the insert; converge on its row.
			return s.getRepositoryByGitHubID(ctx, repo.GitHubID)
		}
		return nil, fmt.Errorf("create repository: %w", err)
	}

	return s.GetRepository(ctx, id)
}

func (s *PostgresStore) UpdateRepositoryMetadata(ctx context.Context, repo *models.Repository) error {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	query := `
		UPDATE repositories SET
			description = :description,
			default_branch = :default_branch,
			stars = :stars,
			forks = :forks,
			size = :size,
			has_discussions = :has_discussions,
			last_event_at = :last_event_at,
			updated_at = NOW()
		WHERE id = :id
	`
	if _, err := s.db.NamedExecContext(ctx, query, repo); err != nil {
		return fmt.Errorf("update repository metadata: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetRepositoryTracked(ctx context.Context, id int64, tracked bool) error {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE repositories SET is_tracked = $1, updated_at = NOW() WHERE id = $2`, tracked, id)
	if err != nil {
		return fmt.Errorf("set repository tracked: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetRepositorySizeClass(ctx context.Context, id int64, class models.SizeClass) error {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE repositories SET size_class = $1, updated_at = NOW() WHERE id = $2`, class, id)
	if err != nil {
		return fmt.Errorf("set repository size class: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchRepositorySynced(ctx context.Context, id int64, at time.Time) error {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE repositories SET last_synced_at = $1, updated_at = NOW() WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("touch repository synced: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTrackedRepositories(ctx context.Context) ([]*models.Repository, error) {
	var repos []*models.Repository
	err := s.db.SelectContext(ctx, &repos,
		`SELECT * FROM repositories WHERE is_tracked = TRUE ORDER BY full_name`)
	if err != nil {
		return nil, fmt.Errorf("list tracked repositories: %w", err)
	}
	return repos, nil
}

// Pull request operations

func (s *PostgresStore) GetPullRequest(ctx context.Context, id int64) (*models.PullRequest, error) {
	var pr models.PullRequest
	err := s.db.GetContext(ctx, &pr, `SELECT * FROM pull_requests WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pull request: %w", err)
	}
	return &pr, nil
}

func (s *PostgresStore) GetPullRequestByNumber(ctx context.Context, repoID int64, number int) (*models.PullRequest, error) {
	var pr models.PullRequest
	err := s.db.GetContext(ctx, &pr,
		`SELECT * FROM pull_requests WHERE repository_id = $1 AND number = $2`, repoID, number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pull request by number: %w", err)
	}
	return &pr, nil
}

const prUpsertWithStats = `
	INSERT INTO pull_requests (
		github_id, repository_id, number, state, title, draft, author_id,
		additions, deletions, changed_files, commits,
		merged, merged_at, merge_commit_sha, created_at, updated_at, closed_at
	) VALUES (
		:github_id, :repository_id, :number, :state, :title, :draft, :author_id,
		:additions, :deletions, :changed_files, :commits,
		:merged, :merged_at, :merge_commit_sha, :created_at, :updated_at, :closed_at
	)
	ON CONFLICT (github_id) DO UPDATE SET
		state = EXCLUDED.state,
		title = EXCLUDED.title,
		draft = EXCLUDED.draft,
		author_id = COALESCE(EXCLUDED.author_id, pull_requests.author_id),
		additions = EXCLUDED.additions,
		deletions = EXCLUDED.deletions,
		changed_files = EXCLUDED.changed_files,
		commits = EXCLUDED.commits,
		merged = EXCLUDED.merged,
		merged_at = EXCLUDED.merged_at,
		merge_commit_sha = COALESCE(EXCLUDED.merge_commit_sha, pull_requests.merge_commit_sha),
		updated_at = EXCLUDED.updated_at,
		closed_at = EXCLUDED.closed_at
	RETURNING (xmax = 0) AS inserted
`

// prUpsertWithoutStats leaves the stats columns of existing rows untouched:
// list-endpoint payloads never carry diff stats, and a partial update must
// not zero out data the details capture already wrote.
const prUpsertWithoutStats = `
	INSERT INTO pull_requests (
		github_id, repository_id, number, state, title, draft, author_id,
		additions, deletions, changed_files, commits,
		merged, merged_at, merge_commit_sha, created_at, updated_at, closed_at
	) VALUES (
		:github_id, :repository_id, :number, :state, :title, :draft, :author_id,
		:additions, :deletions, :changed_files, :commits,
		:merged, :merged_at, :merge_commit_sha, :created_at, :updated_at, :closed_at
	)
	ON CONFLICT (github_id) DO UPDATE SET
		state = EXCLUDED.state,
		title = EXCLUDED.title,
		draft = EXCLUDED.draft,
		author_id = COALESCE(EXCLUDED.author_id, pull_requests.author_id),
		merged = EXCLUDED.merged,
		merged_at = EXCLUDED.merged_at,
		merge_commit_sha = COALESCE(EXCLUDED.merge_commit_sha, pull_requests.merge_commit_sha),
		updated_at = EXCLUDED.updated_at,
		closed_at = EXCLUDED.closed_at
	RETURNING (xmax = 0) AS inserted
`

func (s *PostgresStore) UpsertPullRequests(ctx context.Context, prs []*models.PullRequest, withStats bool) (UpsertStats, error) {
	var stats UpsertStats
	if len(prs) == 0 {
		return stats, nil
	}

	ctx, cancel := writeCtx(ctx)
	defer cancel()

	query := prUpsertWithoutStats
	if withStats {
		query = prUpsertWithStats
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, pr := range prs {
		q, args, err := tx.BindNamed(query, pr)
		if err != nil {
			return stats, fmt.Errorf("bind pull request: %w", err)
		}
		var inserted bool
		if err := tx.QueryRowxContext(ctx, q, args...).Scan(&inserted); err != nil {
			return stats, fmt.Errorf("upsert pull request #%d: %w", pr.Number, err)
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit pull requests: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) TouchPullRequest(ctx context.Context, id int64) error {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE pull_requests SET updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch pull request: %w", err)
	}
	return nil
}

// Review operations

func (s *PostgresStore) UpsertReviews(ctx context.Context, reviews []*models.Review) (UpsertStats, error) {
	var stats UpsertStats
	if len(reviews) == 0 {
		return stats, nil
	}

	ctx, cancel := writeCtx(ctx)
	defer cancel()

	query := `
		INSERT INTO reviews (github_id, pull_request_id, reviewer_id, state, body, submitted_at)
		VALUES (:github_id, :pull_request_id, :reviewer_id, :state, :body, :submitted_at)
		ON CONFLICT (github_id) DO UPDATE SET
			state = EXCLUDED.state,
			body = EXCLUDED.body,
			submitted_at = EXCLUDED.submitted_at
		RETURNING (xmax = 0) AS inserted
	`

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, review := range reviews {
		q, args, err := tx.BindNamed(query, review)
		if err != nil {
			return stats, fmt.Errorf("bind review: %w", err)
		}
		var inserted bool
		if err := tx.QueryRowxContext(ctx, q, args...).Scan(&inserted); err != nil {
			return stats, fmt.Errorf("upsert review %d: %w", review.GitHubID, err)
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit reviews: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) GetReviewByGitHubID(ctx context.Context, githubID int64) (*models.Review, error) {
	var review models.Review
	err := s.db.GetContext(ctx, &review, `SELECT * FROM reviews WHERE github_id = $1`, githubID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get review: %w", err)
	}
	return &review, nil
}

// Comment operations

func (s *PostgresStore) UpsertComments(ctx context.Context, comments []*models.Comment) (UpsertStats, error) {
	var stats UpsertStats
	if len(comments) == 0 {
		return stats, nil
	}

	ctx, cancel := writeCtx(ctx)
	defer cancel()

	query := `
		INSERT INTO comments (
			github_id, repository_id, pull_request_id, issue_id, commenter_id,
			comment_type, body, in_reply_to_id, path, position, created_at, updated_at
		) VALUES (
			:github_id, :repository_id, :pull_request_id, :issue_id, :commenter_id,
			:comment_type, :body, :in_reply_to_id, :path, :position, :created_at, :updated_at
		)
		ON CONFLICT (github_id) DO UPDATE SET
			body = EXCLUDED.body,
			in_reply_to_id = EXCLUDED.in_reply_to_id,
			path = EXCLUDED.path,
			position = EXCLUDED.position,
			updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0) AS inserted
	`

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, comment := range comments {
		q, args, err := tx.BindNamed(query, comment)
		if err != nil {
			return stats, fmt.Errorf("bind comment: %w", err)
		}
		var inserted bool
		if err := tx.QueryRowxContext(ctx, q, args...).Scan(&inserted); err != nil {
			return stats, fmt.Errorf("upsert comment %d: %w", comment.GitHubID, err)
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit comments: %w", err)
	}
	return stats, nil
}

// Issue operations

func (s *PostgresStore) UpsertIssues(ctx context.Context, issues []*models.Issue) (UpsertStats, error) {
	var stats UpsertStats
	if len(issues) == 0 {
		return stats, nil
	}

	ctx, cancel := writeCtx(ctx)
	defer cancel()

	query := `
		INSERT INTO issues (
			github_id, repository_id, number, state, title, author_id,
			comment_count, created_at, updated_at, closed_at
		) VALUES (
			:github_id, :repository_id, :number, :state, :title, :author_id,
			:comment_count, :created_at, :updated_at, :closed_at
		)
		ON CONFLICT (github_id) DO UPDATE SET
			state = EXCLUDED.state,
			title = EXCLUDED.title,
			author_id = COALESCE(EXCLUDED.author_id, issues.author_id),
			comment_count = EXCLUDED.comment_count,
			updated_at = EXCLUDED.updated_at,
			closed_at = EXCLUDED.closed_at
		RETURNING (xmax = 0) AS inserted
	`

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, issue := range issues {
		q, args, err := tx.BindNamed(query, issue)
		if err != nil {
			return stats, fmt.Errorf("bind issue: %w", err)
		}
		var inserted bool
		if err := tx.QueryRowxContext(ctx, q, args...).Scan(&inserted); err != nil {
			return stats, fmt.Errorf("upsert issue #%d: %w", issue.Number, err)
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit issues: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) GetIssueByNumber(ctx context.Context, repoID int64, number int) (*models.Issue, error) {
	var issue models.Issue
	err := s.db.GetContext(ctx, &issue,
		`SELECT * FROM issues WHERE repository_id = $1 AND number = $2`, repoID, number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get issue by number: %w", err)
	}
	return &issue, nil
}

func (s *PostgresStore) TouchIssue(ctx context.Context, id int64) error {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `UPDATE issues SET updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch issue: %w", err)
	}
	return nil
}

// Contributor operations

func (s *PostgresStore) UpsertContributor(ctx context.Context, c *models.Contributor) (int64, error) {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	// The update side never downgrades known data: a blank avatar does not
	// clear a stored one, and the bot flag is sticky.
	query := `
		INSERT INTO contributors (github_id, login, avatar_url, is_bot)
		VALUES (:github_id, :login, :avatar_url, :is_bot)
		ON CONFLICT (github_id) DO UPDATE SET
			login = EXCLUDED.login,
			avatar_url = CASE WHEN EXCLUDED.avatar_url <> '' THEN EXCLUDED.avatar_url ELSE contributors.avatar_url END,
			is_bot = contributors.is_bot OR EXCLUDED.is_bot
		RETURNING id
	`

	q, args, err := s.db.BindNamed(query, c)
	if err != nil {
		return 0, fmt.Errorf("bind contributor: %w", err)
	}

	var id int64
	if err := s.db.QueryRowxContext(ctx, q, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("upsert contributor %s: %w", c.Login, err)
	}
	return id, nil
}

func (s *PostgresStore) GetContributorByGitHubID(ctx context.Context, githubID int64) (*models.Contributor, error) {
	var c models.Contributor
	err := s.db.GetContext(ctx, &c, `SELECT * FROM contributors WHERE github_id = $1`, githubID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get contributor: %w", err)
	}
	return &c, nil
}

// Sync log operations

func (s *PostgresStore) CreateSyncLog(ctx context.Context, log *models.SyncLog) error {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	query := `
		INSERT INTO sync_logs (
			id, sync_type, repository_id, status,
			records_processed, records_inserted, records_updated, records_failed,
			github_api_calls_used, metadata, error_message, started_at, completed_at
		) VALUES (
			:id, :sync_type, :repository_id, :status,
			:records_processed, :records_inserted, :records_updated, :records_failed,
			:github_api_calls_used, :metadata, :error_message, :started_at, :completed_at
		)
	`
	if _, err := s.db.NamedExecContext(ctx, query, log); err != nil {
		return fmt.Errorf("create sync log: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSyncLog(ctx context.Context, id string, counters models.SyncCounters, metadata types.JSONText) error {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_logs SET
			records_processed = $1,
			records_inserted = $2,
			records_updated = $3,
			records_failed = $4,
			github_api_calls_used = $5,
			metadata = $6
		WHERE id = $7
	`, counters.Processed, counters.Inserted, counters.Updated, counters.Failed, counters.APICalls, metadata, id)
	if err != nil {
		return fmt.Errorf("update sync log: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinishSyncLog(ctx context.Context, id string, status models.SyncStatus, errorMessage string, counters models.SyncCounters, metadata types.JSONText) error {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	var errMsg *string
	if errorMessage != "" {
		errMsg = &errorMessage
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_logs SET
			status = $1,
			error_message = $2,
			records_processed = $3,
			records_inserted = $4,
			records_updated = $5,
			records_failed = $6,
			github_api_calls_used = $7,
			metadata = $8,
			completed_at = NOW()
		WHERE id = $9
	`, status, errMsg, counters.Processed, counters.Inserted, counters.Updated, counters.Failed, counters.APICalls, metadata, id)
	if err != nil {
		return fmt.Errorf("finish sync log: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSyncLog(ctx context.Context, id string) (*models.SyncLog, error) {
	var log models.SyncLog
	err := s.db.GetContext(ctx, &log, `SELECT * FROM sync_logs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get sync log: %w", err)
	}
	return &log, nil
}

func (s *PostgresStore) ListSyncLogs(ctx context.Context, repoID int64, statuses []models.SyncStatus, limit int) ([]*models.SyncLog, error) {
	if limit <= 0 {
		limit = 50
	}

	var logs []*models.SyncLog
	if len(statuses) == 0 {
		err := s.db.SelectContext(ctx, &logs, `
			SELECT * FROM sync_logs WHERE repository_id = $1
			ORDER BY started_at DESC LIMIT $2
		`, repoID, limit)
		if err != nil {
			return nil, fmt.Errorf("list sync logs: %w", err)
		}
		return logs, nil
	}

	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	err := s.db.SelectContext(ctx, &logs, `
		SELECT * FROM sync_logs
		WHERE repository_id = $1 AND status = ANY($2)
		ORDER BY started_at DESC LIMIT $3
	`, repoID, pq.Array(names), limit)
	if err != nil {
		return nil, fmt.Errorf("list sync logs: %w", err)
	}
	return logs, nil
}
