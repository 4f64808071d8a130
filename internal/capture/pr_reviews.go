package capture

import (
	"context"
	"errors"
	"fmt"

	gh "github.com/google/go-github/v57/github"

	"github.com/gitpulse/gitpulse/internal/github"
	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/steprt"
	"github.com/gitpulse/gitpulse/internal/storage"
)

// getLocalPullRequest resolves the payload's pull request to its local row.
// The row must exist (the orchestrator upserts the PR before fanning out),
// so a miss is a precondition failure.
func (s *Service) getLocalPullRequest(ctx context.Context, sc *steprt.StepContext, p PRPayload) (*models.PullRequest, error) {
	return steprt.RunStep(ctx, sc, "get-pull-request", func(ctx context.Context) (*models.PullRequest, error) {
		var pr *models.PullRequest
		var err error
		if p.PRID != 0 {
			pr, err = s.store.GetPullRequest(ctx, p.PRID)
		} else {
			pr, err = s.store.GetPullRequestByNumber(ctx, p.RepositoryID, p.PRNumber)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, steprt.NonRetriable(fmt.Errorf("pull request #%d not in store", p.PRNumber))
		}
		return pr, err
	})
}

// CapturePRReviews fetches all reviews on a pull request and upserts them.
// Reviews whose reviewer cannot be resolved are skipped and counted failed.
func (s *Service) CapturePRReviews(ctx context.Context, sc *steprt.StepContext, evt steprt.Event) error {
	var p PRPayload
	if err := evt.Decode(&p); err != nil {
		return steprt.NonRetriable(err)
	}

	run := s.openRun(ctx, sc, models.SyncTypePRReviews, p.RepositoryID)
	run.SetMetadata("pr_number", p.PRNumber)

	repo, err := s.getRepository(ctx, sc, p.RepositoryID)
	if err != nil {
		return failAndReturn(ctx, run, err)
	}

	pr, err := s.getLocalPullRequest(ctx, sc, p)
	if err != nil {
		return failAndReturn(ctx, run, err)
	}

	type fetchResult struct {
		Reviews []*gh.PullRequestReview
		Calls   int
	}
	fetched, err := steprt.RunStep(ctx, sc, "fetch-reviews", func(ctx context.Context) (fetchResult, error) {
		reviews, calls, err := s.gh.ListReviews(ctx, repo.Owner, repo.Name, pr.Number)
		if github.IsNotFound(err) {
			return fetchResult{Calls: calls}, nil
		}
		if err != nil {
			return fetchResult{}, err
		}
		return fetchResult{Reviews: reviews, Calls: calls}, nil
	})
	if err != nil {
		return failAndReturn(ctx, run, err)
	}
	run.Add(models.SyncCounters{APICalls: fetched.Calls})

	type storeResult struct {
		Stats  storage.UpsertStats
		Failed int
	}
	stored, err := steprt.RunStep(ctx, sc, "store-reviews", func(ctx context.Context) (storeResult, error) {
		var out storeResult
		rows := make([]*models.Review, 0, len(fetched.Reviews))
		for _, rv := range fetched.Reviews {
			reviewerID, ok := s.resolveAuthor(ctx, rv.User)
			if !ok {
				out.Failed++
				continue
			}
			if reviewerID == nil {
				// Ghost account: nothing to attribute the review to.
				continue
			}
			rows = append(rows, mapReview(pr.ID, rv, *reviewerID, sc.Logger()))
		}
		stats, err := s.store.UpsertReviews(ctx, rows)
		out.Stats = stats
		return out, err
	})
	if err != nil {
		return failAndReturn(ctx, run, err)
	}

	if err := s.store.TouchPullRequest(ctx, pr.ID); err != nil {
		sc.Logger().WithError(err).Warn("pull request touch failed")
	}

	run.Add(models.SyncCounters{
		Processed: len(fetched.Reviews),
		Inserted:  stored.Stats.Inserted,
		Updated:   stored.Stats.Updated,
		Failed:    stored.Failed,
	})
	run.Complete(ctx)
	return nil
}
