package github

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger, _ := logrustest.NewNullLogger()
	client, err := NewClient(Config{
		Token:             "test-token",
		RequestsPerSecond: 1000,
		BaseURL:           srv.URL + "/",
	}, logger)
	require.NoError(t, err)
	return client, srv
}

func TestGetRepositoryNotFound(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
	}))

	_, calls, err := client.GetRepository(context.Background(), "acme", "gone")
	assert.Equal(t, 1, calls)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsRetriable(err))
}

func TestListReviewsRateLimited(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message":"API rate limit exceeded"}`)
	}))

	_, _, err := client.ListReviews(context.Background(), "acme", "widgets", 7)
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.True(t, IsRetriable(err))
	assert.False(t, IsNotFound(err))
}

func TestServerErrorIsRetriable(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, _, err := client.GetPullRequest(context.Background(), "acme", "widgets", 1)
	require.Error(t, err)
	assert.True(t, IsRetriable(err))
	assert.False(t, IsNotFound(err))
	assert.False(t, IsRateLimited(err))
}

func TestCallTimeoutClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(w, `{}`)
	}))
	t.Cleanup(srv.Close)

	logger, _ := logrustest.NewNullLogger()
	client, err := NewClient(Config{
		Token:             "test-token",
		RequestsPerSecond: 1000,
		CallTimeout:       20 * time.Millisecond,
		BaseURL:           srv.URL + "/",
	}, logger)
	require.NoError(t, err)

	_, _, err = client.GetRepository(context.Background(), "acme", "widgets")
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.True(t, IsRetriable(err))
}

func TestListIssueCommentsPaginationCountsCalls(t *testing.T) {
	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/issues/5/comments", func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		if page == "" || page == "1" {
			w.Header().Set("Link", fmt.Sprintf(`<%s/repos/acme/widgets/issues/5/comments?page=2>; rel="next"`, server.URL))
			fmt.Fprint(w, `[{"id":1,"body":"first"},{"id":2,"body":"second"}]`)
			return
		}
		fmt.Fprint(w, `[{"id":3,"body":"third"}]`)
	})
	client, srv := newTestClient(t, mux)
	server = srv

	comments, calls, err := client.ListIssueComments(context.Background(), "acme", "widgets", 5)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, comments, 3)
}

func TestListIssuesSkipsPullRequests(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"id":10,"number":1,"title":"real issue"},
			{"id":11,"number":2,"title":"actually a PR","pull_request":{"url":"https://api.github.com/repos/acme/widgets/pulls/2"}}
		]`)
	})
	client, _ := newTestClient(t, mux)

	issues, calls, err := client.ListIssues(context.Background(), "acme", "widgets", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	require.Len(t, issues, 1)
	assert.Equal(t, int64(10), issues[0].GetID())
}
