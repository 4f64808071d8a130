package capture

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gitpulse/gitpulse/internal/github"
	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/steprt"
	"github.com/gitpulse/gitpulse/internal/storage"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *storage.SQLiteStore
	service *Service
	runtime *steprt.Runtime
}

func newFixture(t *testing.T, handler http.Handler) *fixture {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger, _ := logrustest.NewNullLogger()

	store, err := storage.NewSQLiteStore(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client, err := github.NewClient(github.Config{
		Token:             "test-token",
		RequestsPerSecond: 1000,
		BaseURL:           srv.URL + "/",
	}, logger)
	require.NoError(t, err)

	service := NewService(store, client, logger)
	rt := steprt.New(steprt.Options{Workers: 4, Logger: logger})
	require.NoError(t, service.Register(rt))

	rt.Start(context.Background())
	t.Cleanup(rt.Stop)

	return &fixture{store: store, service: service, runtime: rt}
}

func (f *fixture) send(t *testing.T, name string, payload any) {
	t.Helper()
	evt, err := steprt.NewEvent(name, payload)
	require.NoError(t, err)
	require.NoError(t, f.runtime.Send(context.Background(), evt))
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, f.runtime.RunUntilIdle(ctx))
}

func (f *fixture) logsOfType(t *testing.T, repoID int64, st models.SyncType) []*models.SyncLog {
	t.Helper()
	all, err := f.store.ListSyncLogs(context.Background(), repoID, nil, 100)
	require.NoError(t, err)
	var out []*models.SyncLog
	for _, l := range all {
		if l.SyncType == st {
			out = append(out, l)
		}
	}
	return out
}

func seedRepoAndPR(t *testing.T, f *fixture) (*models.Repository, *models.PullRequest) {
	t.Helper()
	ctx := context.Background()

	repo, err := f.store.CreateRepository(ctx, &models.Repository{
		GitHubID: 1001, Owner: "acme", Name: "widgets", FullName: "acme/widgets",
	})
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	_, err = f.store.UpsertPullRequests(ctx, []*models.PullRequest{{
		GitHubID: 9042, RepositoryID: repo.ID, Number: 42,
		State: "open", Title: "Add widget polish", CreatedAt: now, UpdatedAt: now,
	}}, false)
	require.NoError(t, err)

	pr, err := f.store.GetPullRequestByNumber(ctx, repo.ID, 42)
	require.NoError(t, err)
	return repo, pr
}

func TestCapturePRCommentsBothSurfaces(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls/42/comments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"id":8001,"body":"nit: rename this","path":"widget.go","position":3,
			 "user":{"id":501,"login":"octocat","type":"User"},
			 "created_at":"2026-08-01T10:00:00Z","updated_at":"2026-08-01T10:00:00Z"},
			{"id":8002,"body":"same here","path":"widget.go","position":9,"in_reply_to_id":8001,
			 "user":{"id":501,"login":"octocat","type":"User"},
			 "created_at":"2026-08-01T10:05:00Z","updated_at":"2026-08-01T10:05:00Z"}
		]`)
	})
	mux.HandleFunc("/repos/acme/widgets/issues/42/comments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"id":8003,"body":"CI is green",
			 "user":{"id":601,"login":"ci-runner[bot]","type":"Bot"},
			 "created_at":"2026-08-01T11:00:00Z","updated_at":"2026-08-01T11:00:00Z"}
		]`)
	})

	f := newFixture(t, mux)
	repo, pr := seedRepoAndPR(t, f)

	f.send(t, EventPRComments, PRPayload{RepositoryID: repo.ID, PRID: pr.ID, PRNumber: 42})
	f.drain(t)

	logs := f.logsOfType(t, repo.ID, models.SyncTypePRComments)
	require.Len(t, logs, 1)
	log := logs[0]
	assert.Equal(t, models.SyncStatusCompleted, log.Status)
	assert.Equal(t, 3, log.RecordsProcessed)
	assert.Equal(t, 3, log.RecordsInserted)
	assert.Equal(t, 0, log.RecordsFailed)
	assert.Equal(t, 2, log.GitHubAPICallsUsed)

	ctx := context.Background()
	bot, err := f.store.GetContributorByGitHubID(ctx, 601)
	require.NoError(t, err)
	assert.True(t, bot.IsBot)

	human, err := f.store.GetContributorByGitHubID(ctx, 501)
	require.NoError(t, err)
	assert.False(t, human.IsBot)
}

func TestCapturePRReviewsNormalizesState(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls/42/reviews", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"id":7001,"state":"approved","body":"ship it",
			 "user":{"id":502,"login":"reviewer","type":"User"},
			 "submitted_at":"2026-08-02T09:00:00Z"}
		]`)
	})

	f := newFixture(t, mux)
	repo, pr := seedRepoAndPR(t, f)

	f.send(t, EventPRReviews, PRPayload{RepositoryID: repo.ID, PRID: pr.ID, PRNumber: 42})
	f.drain(t)

	logs := f.logsOfType(t, repo.ID, models.SyncTypePRReviews)
	require.Len(t, logs, 1)
	assert.Equal(t, models.SyncStatusCompleted, logs[0].Status)
	assert.Equal(t, 1, logs[0].RecordsInserted)

	ctx := context.Background()
	review, err := f.store.GetReviewByGitHubID(ctx, 7001)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewStateApproved, review.State, "lowercase upstream state must be folded before storing")
	assert.Equal(t, pr.ID, review.PullRequestID)

	reviewer, err := f.store.GetContributorByGitHubID(ctx, 502)
	require.NoError(t, err)
	assert.Equal(t, "reviewer", reviewer.Login)
	assert.Equal(t, reviewer.ID, review.ReviewerID, "the review must point at the one contributor row for its author")
}

func TestCapturePRDetailsMissingUpstreamCompletes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls/42", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
	})

	f := newFixture(t, mux)
	repo, pr := seedRepoAndPR(t, f)

	f.send(t, EventPRDetails, PRPayload{RepositoryID: repo.ID, PRID: pr.ID, PRNumber: 42})
	f.drain(t)

	logs := f.logsOfType(t, repo.ID, models.SyncTypePRDetails)
	require.Len(t, logs, 1)
	assert.Equal(t, models.SyncStatusCompleted, logs[0].Status)
	assert.Equal(t, 0, logs[0].RecordsProcessed)
	assert.Equal(t, 1, logs[0].GitHubAPICallsUsed)
	assert.Contains(t, string(logs[0].Metadata), "missing_upstream")
}

func TestCapturePRReviewsUnknownPullRequestFails(t *testing.T) {
	f := newFixture(t, http.NewServeMux())
	repo, _ := seedRepoAndPR(t, f)

	f.send(t, EventPRReviews, PRPayload{RepositoryID: repo.ID, PRNumber: 7})
	f.drain(t)

	logs := f.logsOfType(t, repo.ID, models.SyncTypePRReviews)
	require.Len(t, logs, 1, "a single attempt, no retries for a missing precondition")
	assert.Equal(t, models.SyncStatusFailed, logs[0].Status)
	require.NotNil(t, logs[0].ErrorMessage)
	assert.Contains(t, *logs[0].ErrorMessage, "not in store")
}

func TestSyncRepositoryGoneUpstreamFailsFast(t *testing.T) {
	var pullsHits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&pullsHits, 1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
	})

	f := newFixture(t, mux)
	repo, _ := seedRepoAndPR(t, f)

	f.send(t, EventRepoSync, RepoPayload{RepositoryID: repo.ID})
	f.drain(t)

	assert.Equal(t, int32(1), atomic.LoadInt32(&pullsHits),
		"a vanished repository must fail fast, not burn retries")

	logs := f.logsOfType(t, repo.ID, models.SyncTypeRepoSync)
	require.Len(t, logs, 1)
	assert.Equal(t, models.SyncStatusFailed, logs[0].Status)
	require.NotNil(t, logs[0].ErrorMessage)
	assert.Contains(t, *logs[0].ErrorMessage, "gone upstream")
}

func TestCaptureRepoEventsGoneUpstreamFailsFast(t *testing.T) {
	var repoHits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&repoHits, 1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
	})

	f := newFixture(t, mux)
	repo, _ := seedRepoAndPR(t, f)

	f.send(t, EventRepoEvents, RepoPayload{RepositoryID: repo.ID})
	f.drain(t)

	assert.Equal(t, int32(1), atomic.LoadInt32(&repoHits))

	logs := f.logsOfType(t, repo.ID, models.SyncTypeRepoEvents)
	require.Len(t, logs, 1)
	assert.Equal(t, models.SyncStatusFailed, logs[0].Status)
	require.NotNil(t, logs[0].ErrorMessage)
	assert.Contains(t, *logs[0].ErrorMessage, "gone upstream")
}

func TestDiscoverRepositoryConcurrentSendsOneRow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":1001,"name":"widgets","full_name":"acme/widgets",
			"owner":{"id":1,"login":"acme"},"default_branch":"main","size":5000,
			"stargazers_count":12,"forks_count":3}`)
	})
	// The follow-up sync finds nothing to do.
	mux.HandleFunc("/repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})
	mux.HandleFunc("/repos/acme/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})
	mux.HandleFunc("/repos/acme/widgets/events", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})

	f := newFixture(t, mux)

	for i := 0; i < 4; i++ {
		f.send(t, EventRepoDiscover, RepoDiscoverPayload{Owner: "acme", Name: "widgets", Track: true})
	}
	f.drain(t)

	ctx := context.Background()
	repo, err := f.store.GetRepositoryByFullName(ctx, "acme", "widgets")
	require.NoError(t, err)
	assert.True(t, repo.IsTracked)

	tracked, err := f.store.ListTrackedRepositories(ctx)
	require.NoError(t, err)
	assert.Len(t, tracked, 1)
}

func TestSyncRepositoryEndToEnd(t *testing.T) {
	recent := time.Now().UTC().Add(-2 * time.Hour).Format(time.RFC3339)

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":1001,"name":"widgets","full_name":"acme/widgets",
			"owner":{"id":1,"login":"acme"},"default_branch":"main","size":5000,
			"stargazers_count":12,"forks_count":3}`)
	})
	mux.HandleFunc("/repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[
			{"id":9042,"number":42,"state":"open","title":"Add widget polish",
			 "user":{"id":501,"login":"octocat","type":"User"},
			 "created_at":%[1]q,"updated_at":%[1]q}
		]`, recent)
	})
	mux.HandleFunc("/repos/acme/widgets/pulls/42", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"id":9042,"number":42,"state":"open","title":"Add widget polish",
			"user":{"id":501,"login":"octocat","type":"User"},
			"additions":120,"deletions":30,"changed_files":5,"commits":3,
			"created_at":%[1]q,"updated_at":%[1]q}`, recent)
	})
	mux.HandleFunc("/repos/acme/widgets/pulls/42/reviews", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":7001,"state":"APPROVED","user":{"id":502,"login":"reviewer","type":"User"},
			"submitted_at":"2026-08-02T09:00:00Z"}]`)
	})
	mux.HandleFunc("/repos/acme/widgets/pulls/42/comments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":8001,"body":"nit","path":"widget.go","position":3,
			"user":{"id":501,"login":"octocat","type":"User"},
			"created_at":"2026-08-01T10:00:00Z","updated_at":"2026-08-01T10:00:00Z"}]`)
	})
	mux.HandleFunc("/repos/acme/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[
			{"id":5005,"number":5,"state":"open","title":"Widget falls over","comments":1,
			 "user":{"id":501,"login":"octocat","type":"User"},
			 "created_at":%[1]q,"updated_at":%[1]q}
		]`, recent)
	})
	mux.HandleFunc("/repos/acme/widgets/issues/42/comments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})
	mux.HandleFunc("/repos/acme/widgets/issues/5/comments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":8003,"body":"repro attached",
			"user":{"id":601,"login":"ci-runner[bot]","type":"Bot"},
			"created_at":"2026-08-01T11:00:00Z","updated_at":"2026-08-01T11:00:00Z"}]`)
	})
	mux.HandleFunc("/repos/acme/widgets/events", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[{"id":"1","type":"WatchEvent","created_at":%q}]`, recent)
	})

	f := newFixture(t, mux)

	f.send(t, EventRepoDiscover, RepoDiscoverPayload{Owner: "acme", Name: "widgets", Track: true})
	f.drain(t)

	ctx := context.Background()
	repo, err := f.store.GetRepositoryByFullName(ctx, "acme", "widgets")
	require.NoError(t, err)
	assert.True(t, repo.IsTracked)
	require.NotNil(t, repo.LastSyncedAt)
	assert.Equal(t, 12, repo.Stars)

	pr, err := f.store.GetPullRequestByNumber(ctx, repo.ID, 42)
	require.NoError(t, err)
	assert.True(t, pr.HasDetails(), "details capture should have filled the stats")
	assert.Equal(t, 120, pr.Additions)
	require.NotNil(t, pr.AuthorID)

	issue, err := f.store.GetIssueByNumber(ctx, repo.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, issue.CommentCount)

	for _, st := range []models.SyncType{
		models.SyncTypeRepoDiscovery,
		models.SyncTypeRepoSync,
		models.SyncTypePRDetails,
		models.SyncTypePRReviews,
		models.SyncTypePRComments,
		models.SyncTypeIssueComments,
		models.SyncTypeRepoEvents,
	} {
		logs := f.logsOfType(t, repo.ID, st)
		require.NotEmpty(t, logs, "expected a %s sync log", st)
		for _, l := range logs {
			assert.Equal(t, models.SyncStatusCompleted, l.Status, "sync log %s/%s", st, l.ID)
		}
	}
}
