package capture

import (
	"context"

	gh "github.com/google/go-github/v57/github"

	"github.com/gitpulse/gitpulse/internal/github"
	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/steprt"
	"github.com/gitpulse/gitpulse/internal/storage"
)

// CapturePRDetails fetches one pull request from the details endpoint (the
// only source of diff stats) and upserts it with stats.
func (s *Service) CapturePRDetails(ctx context.Context, sc *steprt.StepContext, evt steprt.Event) error {
	var p PRPayload
	if err := evt.Decode(&p); err != nil {
		return steprt.NonRetriable(err)
	}

	run := s.openRun(ctx, sc, models.SyncTypePRDetails, p.RepositoryID)
	run.SetMetadata("pr_number", p.PRNumber)

	repo, err := s.getRepository(ctx, sc, p.RepositoryID)
	if err != nil {
		return failAndReturn(ctx, run, err)
	}

	type fetchResult struct {
		PR    *gh.PullRequest
		Calls int
	}
	fetched, err := steprt.RunStep(ctx, sc, "fetch-pull-request", func(ctx context.Context) (fetchResult, error) {
		pr, calls, err := s.gh.GetPullRequest(ctx, repo.Owner, repo.Name, p.PRNumber)
		if github.IsNotFound(err) {
			// Deleted upstream. Not an error: the run completes with
			// nothing to store.
			return fetchResult{Calls: calls}, nil
		}
		if err != nil {
			return fetchResult{}, err
		}
		return fetchResult{PR: pr, Calls: calls}, nil
	})
	if err != nil {
		return failAndReturn(ctx, run, err)
	}
	run.Add(models.SyncCounters{APICalls: fetched.Calls})

	if fetched.PR == nil {
		run.SetMetadata("missing_upstream", true)
		run.Complete(ctx)
		return nil
	}

	type storeResult struct {
		Stats  storage.UpsertStats
		Failed int
	}
	stored, err := steprt.RunStep(ctx, sc, "store-pull-request", func(ctx context.Context) (storeResult, error) {
		authorID, ok := s.resolveAuthor(ctx, fetched.PR.User)
		failed := 0
		if !ok {
			failed++
		}
		stats, err := s.store.UpsertPullRequests(ctx, []*models.PullRequest{
			mapPullRequest(repo.ID, fetched.PR, authorID),
		}, true)
		return storeResult{Stats: stats, Failed: failed}, err
	})
	if err != nil {
		return failAndReturn(ctx, run, err)
	}

	run.Add(models.SyncCounters{
		Processed: 1,
		Inserted:  stored.Stats.Inserted,
		Updated:   stored.Stats.Updated,
		Failed:    stored.Failed,
	})
	run.Complete(ctx)
	return nil
}
