// Package github wraps the upstream REST API behind a client that paces,
// times out, and classifies every call. Retry policy lives in the step
// runtime, not here: the client only reports what kind of failure occurred.
package github

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// defaultCallTimeout bounds a single REST call so a hung connection
	// cannot stall a worker slot.
	defaultCallTimeout = 15 * time.Second

	perPage = 100
)

// Config holds client construction parameters.
type Config struct {
	Token             string
	RequestsPerSecond int
	CallTimeout       time.Duration
	// BaseURL overrides the API endpoint (tests point this at a fake
	// server). Must end with a slash when set.
	BaseURL string
}

// Client issues authenticated REST calls with client-side pacing. Every
// fetch method returns the number of REST calls it made so capture runs can
// account API usage.
type Client struct {
	gh      *github.Client
	limiter *rate.Limiter
	timeout time.Duration
	logger  logrus.FieldLogger
}

// NewClient creates a GitHub client. An empty token degrades to
// unauthenticated calls (60 req/hour upstream), logged once here.
func NewClient(cfg Config, logger logrus.FieldLogger) (*Client, error) {
	gh := github.NewClient(nil)
	if cfg.Token != "" {
		gh = gh.WithAuthToken(cfg.Token)
	} else {
		logger.Warn("no GitHub token configured, falling back to unauthenticated API limits")
	}

	if cfg.BaseURL != "" {
		base, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base URL: %w", err)
		}
		if !strings.HasSuffix(base.Path, "/") {
			base.Path += "/"
		}
		gh.BaseURL = base
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	return &Client{
		gh:      gh,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		timeout: timeout,
		logger:  logger,
	}, nil
}

// call paces one REST call and runs fn under the per-call deadline.
func (c *Client) call(ctx context.Context, path string, fn func(ctx context.Context) (*github.Response, error)) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := fn(callCtx)
	c.logRateLimit(resp)
	return classify(path, resp, err)
}

// GetRepository fetches repository metadata.
func (c *Client) GetRepository(ctx context.Context, owner, name string) (*github.Repository, int, error) {
	var repo *github.Repository
	path := fmt.Sprintf("repos/%s/%s", owner, name)

	err := c.call(ctx, path, func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		repo, resp, err = c.gh.Repositories.Get(ctx, owner, name)
		return resp, err
	})
	if err != nil {
		return nil, 1, err
	}
	return repo, 1, nil
}

// GetPullRequest fetches one pull request with full diff stats.
func (c *Client) GetPullRequest(ctx context.Context, owner, name string, number int) (*github.PullRequest, int, error) {
	var pr *github.PullRequest
	path := fmt.Sprintf("repos/%s/%s/pulls/%d", owner, name, number)

	err := c.call(ctx, path, func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		pr, resp, err = c.gh.PullRequests.Get(ctx, owner, name, number)
		return resp, err
	})
	if err != nil {
		return nil, 1, err
	}
	return pr, 1, nil
}

// ListPullRequests returns pull requests updated since the given time,
// newest first. Pagination stops at the first PR older than the window.
func (c *Client) ListPullRequests(ctx context.Context, owner, name string, since time.Time) ([]*github.PullRequest, int, error) {
	opts := &github.PullRequestListOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	path := fmt.Sprintf("repos/%s/%s/pulls", owner, name)

	var all []*github.PullRequest
	calls := 0
	for {
		var page []*github.PullRequest
		var resp *github.Response

		calls++
		err := c.call(ctx, path, func(ctx context.Context) (*github.Response, error) {
			var err error
			page, resp, err = c.gh.PullRequests.List(ctx, owner, name, opts)
			return resp, err
		})
		if err != nil {
			return nil, calls, err
		}

		for _, pr := range page {
			if pr.GetUpdatedAt().Time.Before(since) {
				return all, calls, nil
			}
			all = append(all, pr)
		}

		if resp.NextPage == 0 {
			return all, calls, nil
		}
		opts.Page = resp.NextPage
	}
}

// ListReviews returns all reviews on a pull request.
func (c *Client) ListReviews(ctx context.Context, owner, name string, number int) ([]*github.PullRequestReview, int, error) {
	opts := &github.ListOptions{PerPage: perPage}
	path := fmt.Sprintf("repos/%s/%s/pulls/%d/reviews", owner, name, number)

	var all []*github.PullRequestReview
	calls := 0
	for {
		var page []*github.PullRequestReview
		var resp *github.Response

		calls++
		err := c.call(ctx, path, func(ctx context.Context) (*github.Response, error) {
			var err error
			page, resp, err = c.gh.PullRequests.ListReviews(ctx, owner, name, number, opts)
			return resp, err
		})
		if err != nil {
			return nil, calls, err
		}

		all = append(all, page...)
		if resp.NextPage == 0 {
			return all, calls, nil
		}
		opts.Page = resp.NextPage
	}
}

// ListReviewComments returns the diff-anchored review comments on a pull
// request.
func (c *Client) ListReviewComments(ctx context.Context, owner, name string, number int) ([]*github.PullRequestComment, int, error) {
	opts := &github.PullRequestListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	path := fmt.Sprintf("repos/%s/%s/pulls/%d/comments", owner, name, number)

	var all []*github.PullRequestComment
	calls := 0
	for {
		var page []*github.PullRequestComment
		var resp *github.Response

		calls++
		err := c.call(ctx, path, func(ctx context.Context) (*github.Response, error) {
			var err error
			page, resp, err = c.gh.PullRequests.ListComments(ctx, owner, name, number, opts)
			return resp, err
		})
		if err != nil {
			return nil, calls, err
		}

		all = append(all, page...)
		if resp.NextPage == 0 {
			return all, calls, nil
		}
		opts.Page = resp.NextPage
	}
}

// ListIssueComments returns the conversation comments on an issue or pull
// request (the issues endpoint serves both).
func (c *Client) ListIssueComments(ctx context.Context, owner, name string, number int) ([]*github.IssueComment, int, error) {
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	path := fmt.Sprintf("repos/%s/%s/issues/%d/comments", owner, name, number)

	var all []*github.IssueComment
	calls := 0
	for {
		var page []*github.IssueComment
		var resp *github.Response

		calls++
		err := c.call(ctx, path, func(ctx context.Context) (*github.Response, error) {
			var err error
			page, resp, err = c.gh.Issues.ListComments(ctx, owner, name, number, opts)
			return resp, err
		})
		if err != nil {
			return nil, calls, err
		}

		all = append(all, page...)
		if resp.NextPage == 0 {
			return all, calls, nil
		}
		opts.Page = resp.NextPage
	}
}

// ListIssues returns issues updated since the given time. Pull requests are
// filtered out (the issues endpoint returns both).
func (c *Client) ListIssues(ctx context.Context, owner, name string, since time.Time) ([]*github.Issue, int, error) {
	opts := &github.IssueListByRepoOptions{
		State:       "all",
		Since:       since,
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	path := fmt.Sprintf("repos/%s/%s/issues", owner, name)

	var all []*github.Issue
	calls := 0
	for {
		var page []*github.Issue
		var resp *github.Response

		calls++
		err := c.call(ctx, path, func(ctx context.Context) (*github.Response, error) {
			var err error
			page, resp, err = c.gh.Issues.ListByRepo(ctx, owner, name, opts)
			return resp, err
		})
		if err != nil {
			return nil, calls, err
		}

		for _, issue := range page {
			if issue.IsPullRequest() {
				continue
			}
			all = append(all, issue)
		}

		if resp.NextPage == 0 {
			return all, calls, nil
		}
		opts.Page = resp.NextPage
	}
}

// ListRepositoryEvents returns the most recent public events (stars, forks,
// pushes) for a repository. The events API only serves the recent window, so
// one page is fetched.
func (c *Client) ListRepositoryEvents(ctx context.Context, owner, name string) ([]*github.Event, int, error) {
	opts := &github.ListOptions{PerPage: perPage}
	path := fmt.Sprintf("repos/%s/%s/events", owner, name)

	var events []*github.Event
	err := c.call(ctx, path, func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		events, resp, err = c.gh.Activity.ListRepositoryEvents(ctx, owner, name, opts)
		return resp, err
	})
	if err != nil {
		return nil, 1, err
	}
	return events, 1, nil
}

// logRateLimit warns when the remaining upstream quota runs low.
func (c *Client) logRateLimit(resp *github.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Limit > 0 && resp.Rate.Remaining < 100 {
		c.logger.WithFields(logrus.Fields{
			"remaining": resp.Rate.Remaining,
			"limit":     resp.Rate.Limit,
		}).Warn("GitHub rate limit running low")
	}
}
