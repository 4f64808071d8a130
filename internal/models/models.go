package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// SyncType identifies which capture pipeline produced a sync log.
type SyncType string

const (
	SyncTypePRDetails     SyncType = "pr_details"
	SyncTypePRReviews     SyncType = "pr_reviews"
	SyncTypePRComments    SyncType = "pr_comments"
	SyncTypeIssueComments SyncType = "issue_comments"
	SyncTypeRepoEvents    SyncType = "repo_events"
	SyncTypeRepoSync      SyncType = "repo_sync"
	SyncTypeRepoDiscovery SyncType = "repo_discovery"
)

// SyncStatus is the sync log state machine: started -> completed | failed.
type SyncStatus string

const (
	SyncStatusStarted   SyncStatus = "started"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
)

// CommentType distinguishes diff-anchored review comments from plain
// conversation comments.
type CommentType string

const (
	CommentTypeReview CommentType = "review_comment"
	CommentTypeIssue  CommentType = "issue_comment"
)

// SizeClass buckets repositories by their reported size (KB).
type SizeClass string

const (
	SizeClassSmall  SizeClass = "small"
	SizeClassMedium SizeClass = "medium"
	SizeClassLarge  SizeClass = "large"
	SizeClassXL     SizeClass = "xl"
)

// ClassifySize maps the GitHub-reported repository size in KB to a bucket.
func ClassifySize(sizeKB int) SizeClass {
	switch {
	case sizeKB < 10_000:
		return SizeClassSmall
	case sizeKB < 100_000:
		return SizeClassMedium
	case sizeKB < 1_000_000:
		return SizeClassLarge
	default:
		return SizeClassXL
	}
}

// Repository is a tracked source repository. Created on first discovery,
// refreshed by every sync, never deleted.
type Repository struct {
	ID             int64      `db:"id"`
	GitHubID       int64      `db:"github_id"`
	Owner          string     `db:"owner"`
	Name           string     `db:"name"`
	FullName       string     `db:"full_name"`
	Description    string     `db:"description"`
	DefaultBranch  string     `db:"default_branch"`
	Stars          int        `db:"stars"`
	Forks          int        `db:"forks"`
	Size           int        `db:"size"`
	SizeClass      SizeClass  `db:"size_class"`
	HasDiscussions bool       `db:"has_discussions"`
	IsTracked      bool       `db:"is_tracked"`
	LastSyncedAt   *time.Time `db:"last_synced_at"`
	LastEventAt    *time.Time `db:"last_event_at"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// PullRequest mirrors one upstream pull request. GitHubID is the global
// idempotency key; diff stats arrive only from the details endpoint, so a
// list-based upsert must leave them untouched.
type PullRequest struct {
	ID             int64      `db:"id"`
	GitHubID       int64      `db:"github_id"`
	RepositoryID   int64      `db:"repository_id"`
	Number         int        `db:"number"`
	State          string     `db:"state"`
	Title          string     `db:"title"`
	Draft          bool       `db:"draft"`
	AuthorID       *int64     `db:"author_id"`
	Additions      int        `db:"additions"`
	Deletions      int        `db:"deletions"`
	ChangedFiles   int        `db:"changed_files"`
	Commits        int        `db:"commits"`
	Merged         bool       `db:"merged"`
	MergedAt       *time.Time `db:"merged_at"`
	MergeCommitSHA *string    `db:"merge_commit_sha"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
	ClosedAt       *time.Time `db:"closed_at"`
}

// HasDetails reports whether the diff stats for this row have ever been
// captured. A real pull request always carries at least one commit, so an
// all-zero row can only come from the list endpoint, which never includes
// stats.
func (pr *PullRequest) HasDetails() bool {
	return pr.Additions != 0 || pr.Deletions != 0 || pr.ChangedFiles != 0 || pr.Commits != 0
}

// Review is one pull request review. SubmittedAt is nil for PENDING reviews,
// which GitHub returns without a submission time.
type Review struct {
	ID            int64      `db:"id"`
	GitHubID      int64      `db:"github_id"`
	PullRequestID int64      `db:"pull_request_id"`
	ReviewerID    int64      `db:"reviewer_id"`
	State         string     `db:"state"`
	Body          string     `db:"body"`
	SubmittedAt   *time.Time `db:"submitted_at"`
}

// Comment is a review or issue comment. Exactly one of PullRequestID and
// IssueID is set. Path/Position are populated for review comments only.
type Comment struct {
	ID            int64       `db:"id"`
	GitHubID      int64       `db:"github_id"`
	RepositoryID  int64       `db:"repository_id"`
	PullRequestID *int64      `db:"pull_request_id"`
	IssueID       *int64      `db:"issue_id"`
	CommenterID   int64       `db:"commenter_id"`
	CommentType   CommentType `db:"comment_type"`
	Body          string      `db:"body"`
	InReplyToID   *int64      `db:"in_reply_to_id"`
	Path          *string     `db:"path"`
	Position      *int        `db:"position"`
	CreatedAt     time.Time   `db:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at"`
}

// Issue mirrors one upstream issue (pull requests are excluded).
type Issue struct {
	ID           int64      `db:"id"`
	GitHubID     int64      `db:"github_id"`
	RepositoryID int64      `db:"repository_id"`
	Number       int        `db:"number"`
	State        string     `db:"state"`
	Title        string     `db:"title"`
	AuthorID     *int64     `db:"author_id"`
	CommentCount int        `db:"comment_count"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	ClosedAt     *time.Time `db:"closed_at"`
}

// Contributor is an upstream user account, created lazily the first time any
// capture function encounters it as an author. Never deleted.
type Contributor struct {
	ID        int64  `db:"id"`
	GitHubID  int64  `db:"github_id"`
	Login     string `db:"login"`
	AvatarURL string `db:"avatar_url"`
	IsBot     bool   `db:"is_bot"`
}

// SyncCounters are the progress counters accumulated over one capture run.
type SyncCounters struct {
	Processed int `json:"records_processed"`
	Inserted  int `json:"records_inserted"`
	Updated   int `json:"records_updated"`
	Failed    int `json:"records_failed"`
	APICalls  int `json:"github_api_calls_used"`
}

// Add merges another set of counters into this one.
func (c *SyncCounters) Add(other SyncCounters) {
	c.Processed += other.Processed
	c.Inserted += other.Inserted
	c.Updated += other.Updated
	c.Failed += other.Failed
	c.APICalls += other.APICalls
}

// SyncLog is the append/update-only progress record for one capture-function
// execution.
type SyncLog struct {
	ID                 string         `db:"id"`
	SyncType           SyncType       `db:"sync_type"`
	RepositoryID       int64          `db:"repository_id"`
	Status             SyncStatus     `db:"status"`
	RecordsProcessed   int            `db:"records_processed"`
	RecordsInserted    int            `db:"records_inserted"`
	RecordsUpdated     int            `db:"records_updated"`
	RecordsFailed      int            `db:"records_failed"`
	GitHubAPICallsUsed int            `db:"github_api_calls_used"`
	Metadata           types.JSONText `db:"metadata"`
	ErrorMessage       *string        `db:"error_message"`
	StartedAt          time.Time      `db:"started_at"`
	CompletedAt        *time.Time     `db:"completed_at"`
}
