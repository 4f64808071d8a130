package storage

// sqliteSchema is applied on every open. All statements are idempotent so an
// existing database is left untouched. The PostgreSQL equivalent lives in
// scripts/schema/postgres.sql and is applied out of band.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS repositories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	github_id INTEGER NOT NULL UNIQUE,
	owner TEXT NOT NULL,
	name TEXT NOT NULL,
	full_name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	default_branch TEXT NOT NULL DEFAULT 'main',
	stars INTEGER NOT NULL DEFAULT 0,
	forks INTEGER NOT NULL DEFAULT 0,
	size INTEGER NOT NULL DEFAULT 0,
	size_class TEXT NOT NULL DEFAULT 'small',
	has_discussions INTEGER NOT NULL DEFAULT 0,
	is_tracked INTEGER NOT NULL DEFAULT 0,
	last_synced_at TIMESTAMP,
	last_event_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_repositories_full_name ON repositories(owner, name);

CREATE TABLE IF NOT EXISTS contributors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	github_id INTEGER NOT NULL UNIQUE,
	login TEXT NOT NULL,
	avatar_url TEXT NOT NULL DEFAULT '',
	is_bot INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS pull_requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	github_id INTEGER NOT NULL UNIQUE,
	repository_id INTEGER NOT NULL REFERENCES repositories(id),
	number INTEGER NOT NULL,
	state TEXT NOT NULL,
	title TEXT NOT NULL,
	draft INTEGER NOT NULL DEFAULT 0,
	author_id INTEGER REFERENCES contributors(id),
	additions INTEGER NOT NULL DEFAULT 0,
	deletions INTEGER NOT NULL DEFAULT 0,
	changed_files INTEGER NOT NULL DEFAULT 0,
	commits INTEGER NOT NULL DEFAULT 0,
	merged INTEGER NOT NULL DEFAULT 0,
	merged_at TIMESTAMP,
	merge_commit_sha TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	closed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_pull_requests_repo_number ON pull_requests(repository_id, number);

CREATE TABLE IF NOT EXISTS reviews (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	github_id INTEGER NOT NULL UNIQUE,
	pull_request_id INTEGER NOT NULL REFERENCES pull_requests(id),
	reviewer_id INTEGER NOT NULL REFERENCES contributors(id),
	state TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	submitted_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_reviews_pull_request ON reviews(pull_request_id);

CREATE TABLE IF NOT EXISTS issues (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	github_id INTEGER NOT NULL UNIQUE,
	repository_id INTEGER NOT NULL REFERENCES repositories(id),
	number INTEGER NOT NULL,
	state TEXT NOT NULL,
	title TEXT NOT NULL,
	author_id INTEGER REFERENCES contributors(id),
	comment_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	closed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_issues_repo_number ON issues(repository_id, number);

CREATE TABLE IF NOT EXISTS comments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	github_id INTEGER NOT NULL UNIQUE,
	repository_id INTEGER NOT NULL REFERENCES repositories(id),
	pull_request_id INTEGER REFERENCES pull_requests(id),
	issue_id INTEGER REFERENCES issues(id),
	commenter_id INTEGER NOT NULL REFERENCES contributors(id),
	comment_type TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	in_reply_to_id INTEGER,
	path TEXT,
	position INTEGER,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_comments_pull_request ON comments(pull_request_id);
CREATE INDEX IF NOT EXISTS idx_comments_issue ON comments(issue_id);

CREATE TABLE IF NOT EXISTS sync_logs (
	id TEXT PRIMARY KEY,
	sync_type TEXT NOT NULL,
	repository_id INTEGER NOT NULL REFERENCES repositories(id),
	status TEXT NOT NULL,
	records_processed INTEGER NOT NULL DEFAULT 0,
	records_inserted INTEGER NOT NULL DEFAULT 0,
	records_updated INTEGER NOT NULL DEFAULT 0,
	records_failed INTEGER NOT NULL DEFAULT 0,
	github_api_calls_used INTEGER NOT NULL DEFAULT 0,
	metadata TEXT,
	error_message TEXT,
	started_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sync_logs_repo_started ON sync_logs(repository_id, started_at);
`
