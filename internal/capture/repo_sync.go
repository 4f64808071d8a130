package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/gitpulse/gitpulse/internal/github"
	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/steprt"
	"github.com/gitpulse/gitpulse/internal/storage"

	gh "github.com/google/go-github/v57/github"
)

// prFanOut is what the orchestrator needs to know about a stored pull
// request to decide which capture events to emit for it.
type prFanOut struct {
	PRID         int64 `json:"pr_id"`
	Number       int   `json:"number"`
	NeedsDetails bool  `json:"needs_details"`
}

type issueFanOut struct {
	IssueID  int64 `json:"issue_id"`
	Number   int   `json:"number"`
	Comments int   `json:"comments"`
}

// SyncRepository is the orchestrator: it lists recently updated pull
// requests and issues, upserts the shells, and fans out one capture event
// per entity surface. The per-entity functions do the expensive work under
// their own concurrency and throttle limits.
func (s *Service) SyncRepository(ctx context.Context, sc *steprt.StepContext, evt steprt.Event) error {
	var p RepoPayload
	if err := evt.Decode(&p); err != nil {
		return steprt.NonRetriable(err)
	}

	run := s.openRun(ctx, sc, models.SyncTypeRepoSync, p.RepositoryID)

	repo, err := s.getRepository(ctx, sc, p.RepositoryID)
	if err != nil {
		return failAndReturn(ctx, run, err)
	}

	days := p.Days
	if days <= 0 {
		days = s.lookbackDays
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	run.SetMetadata("lookback_days", days)

	type prFetch struct {
		PRs   []*gh.PullRequest
		Calls int
	}
	fetchedPRs, err := steprt.RunStep(ctx, sc, "fetch-pull-requests", func(ctx context.Context) (prFetch, error) {
		prs, calls, err := s.gh.ListPullRequests(ctx, repo.Owner, repo.Name, since)
		if github.IsNotFound(err) {
			// The repository itself is gone upstream; retrying cannot heal that.
			return prFetch{}, steprt.NonRetriable(fmt.Errorf("repository %s gone upstream: %w", repo.FullName, err))
		}
		if err != nil {
			return prFetch{}, err
		}
		return prFetch{PRs: prs, Calls: calls}, nil
	})
	if err != nil {
		return failAndReturn(ctx, run, err)
	}
	run.Add(models.SyncCounters{APICalls: fetchedPRs.Calls})

	type prStore struct {
		Stats  storage.UpsertStats
		Failed int
		FanOut []prFanOut
	}
	storedPRs, err := steprt.RunStep(ctx, sc, "store-pull-requests", func(ctx context.Context) (prStore, error) {
		var out prStore
		rows := make([]*models.PullRequest, 0, len(fetchedPRs.PRs))
		for _, pr := range fetchedPRs.PRs {
			authorID, ok := s.resolveAuthor(ctx, pr.User)
			if !ok {
				out.Failed++
			}
			rows = append(rows, mapPullRequest(repo.ID, pr, authorID))
		}

		stats, err := s.store.UpsertPullRequests(ctx, rows, false)
		if err != nil {
			return prStore{}, err
		}
		out.Stats = stats

		for _, row := range rows {
			stored, err := s.store.GetPullRequestByNumber(ctx, repo.ID, row.Number)
			if err != nil {
				return prStore{}, err
			}
			out.FanOut = append(out.FanOut, prFanOut{
				PRID:         stored.ID,
				Number:       stored.Number,
				NeedsDetails: !stored.HasDetails(),
			})
		}
		return out, nil
	})
	if err != nil {
		return failAndReturn(ctx, run, err)
	}
	run.Add(models.SyncCounters{
		Processed: len(fetchedPRs.PRs),
		Inserted:  storedPRs.Stats.Inserted,
		Updated:   storedPRs.Stats.Updated,
		Failed:    storedPRs.Failed,
	})

	for _, pr := range storedPRs.FanOut {
		payload := PRPayload{RepositoryID: repo.ID, PRID: pr.PRID, PRNumber: pr.Number}
		names := []string{EventPRReviews, EventPRComments}
		if pr.NeedsDetails {
			names = append(names, EventPRDetails)
		}
		for _, name := range names {
			child, err := steprt.NewEvent(name, payload)
			if err != nil {
				return failAndReturn(ctx, run, err)
			}
			if err := sc.SendEvent(ctx, child); err != nil {
				return failAndReturn(ctx, run, err)
			}
		}
	}

	type issueFetch struct {
		Issues []*gh.Issue
		Calls  int
	}
	fetchedIssues, err := steprt.RunStep(ctx, sc, "fetch-issues", func(ctx context.Context) (issueFetch, error) {
		issues, calls, err := s.gh.ListIssues(ctx, repo.Owner, repo.Name, since)
		if github.IsNotFound(err) {
			return issueFetch{}, steprt.NonRetriable(fmt.Errorf("repository %s gone upstream: %w", repo.FullName, err))
		}
		if err != nil {
			return issueFetch{}, err
		}
		return issueFetch{Issues: issues, Calls: calls}, nil
	})
	if err != nil {
		return failAndReturn(ctx, run, err)
	}
	run.Add(models.SyncCounters{APICalls: fetchedIssues.Calls})

	type issueStore struct {
		Stats  storage.UpsertStats
		Failed int
		FanOut []issueFanOut
	}
	storedIssues, err := steprt.RunStep(ctx, sc, "store-issues", func(ctx context.Context) (issueStore, error) {
		var out issueStore
		rows := make([]*models.Issue, 0, len(fetchedIssues.Issues))
		for _, is := range fetchedIssues.Issues {
			authorID, ok := s.resolveAuthor(ctx, is.User)
			if !ok {
				out.Failed++
			}
			rows = append(rows, mapIssue(repo.ID, is, authorID))
		}

		stats, err := s.store.UpsertIssues(ctx, rows)
		if err != nil {
			return issueStore{}, err
		}
		out.Stats = stats

		for _, row := range rows {
			stored, err := s.store.GetIssueByNumber(ctx, repo.ID, row.Number)
			if err != nil {
				return issueStore{}, err
			}
			out.FanOut = append(out.FanOut, issueFanOut{
				IssueID:  stored.ID,
				Number:   stored.Number,
				Comments: stored.CommentCount,
			})
		}
		return out, nil
	})
	if err != nil {
		return failAndReturn(ctx, run, err)
	}
	run.Add(models.SyncCounters{
		Processed: len(fetchedIssues.Issues),
		Inserted:  storedIssues.Stats.Inserted,
		Updated:   storedIssues.Stats.Updated,
		Failed:    storedIssues.Failed,
	})

	for _, is := range storedIssues.FanOut {
		if is.Comments == 0 {
			continue
		}
		child, err := steprt.NewEvent(EventIssueComments, IssuePayload{
			RepositoryID: repo.ID,
			IssueID:      is.IssueID,
			IssueNumber:  is.Number,
		})
		if err != nil {
			return failAndReturn(ctx, run, err)
		}
		if err := sc.SendEvent(ctx, child); err != nil {
			return failAndReturn(ctx, run, err)
		}
	}

	eventsEvt, err := steprt.NewEvent(EventRepoEvents, RepoPayload{RepositoryID: repo.ID})
	if err != nil {
		return failAndReturn(ctx, run, err)
	}
	if err := sc.SendEvent(ctx, eventsEvt); err != nil {
		return failAndReturn(ctx, run, err)
	}

	if err := s.store.TouchRepositorySynced(ctx, repo.ID, time.Now().UTC()); err != nil {
		return failAndReturn(ctx, run, err)
	}

	run.Complete(ctx)
	return nil
}
