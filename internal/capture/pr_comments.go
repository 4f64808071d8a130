package capture

import (
	"context"

	gh "github.com/google/go-github/v57/github"

	"github.com/gitpulse/gitpulse/internal/github"
	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/steprt"
	"github.com/gitpulse/gitpulse/internal/storage"
)

// CapturePRComments fetches both comment surfaces of a pull request: the
// diff-anchored review comments (pulls endpoint) and the conversation
// comments (issues endpoint, which serves PRs too). Both land in the
// comments table distinguished by comment_type.
func (s *Service) CapturePRComments(ctx context.Context, sc *steprt.StepContext, evt steprt.Event) error {
	var p PRPayload
	if err := evt.Decode(&p); err != nil {
		return steprt.NonRetriable(err)
	}

	run := s.openRun(ctx, sc, models.SyncTypePRComments, p.RepositoryID)
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
		Review       []*gh.PullRequestComment
		Conversation []*gh.IssueComment
		Calls        int
	}
	fetched, err := steprt.RunStep(ctx, sc, "fetch-comments", func(ctx context.Context) (fetchResult, error) {
		var out fetchResult

		reviewComments, calls, err := s.gh.ListReviewComments(ctx, repo.Owner, repo.Name, pr.Number)
		out.Calls += calls
		if err != nil && !github.IsNotFound(err) {
			return fetchResult{}, err
		}
		out.Review = reviewComments

		conversation, calls, err := s.gh.ListIssueComments(ctx, repo.Owner, repo.Name, pr.Number)
		out.Calls += calls
		if err != nil && !github.IsNotFound(err) {
			return fetchResult{}, err
		}
		out.Conversation = conversation

		return out, nil
	})
	if err != nil {
		return failAndReturn(ctx, run, err)
	}
	run.Add(models.SyncCounters{APICalls: fetched.Calls})

	type storeResult struct {
		Stats  storage.UpsertStats
		Failed int
	}
	stored, err := steprt.RunStep(ctx, sc, "store-comments", func(ctx context.Context) (storeResult, error) {
		var out storeResult
		rows := make([]*models.Comment, 0, len(fetched.Review)+len(fetched.Conversation))

		for _, c := range fetched.Review {
			commenterID, ok := s.resolveAuthor(ctx, c.User)
			if !ok {
				out.Failed++
				continue
			}
			if commenterID == nil {
				continue
			}
			rows = append(rows, mapReviewComment(repo.ID, pr.ID, c, *commenterID))
		}
		for _, c := range fetched.Conversation {
			commenterID, ok := s.resolveAuthor(ctx, c.User)
			if !ok {
				out.Failed++
				continue
			}
			if commenterID == nil {
				continue
			}
			rows = append(rows, mapConversationComment(repo.ID, &pr.ID, nil, c, *commenterID))
		}

		stats, err := s.store.UpsertComments(ctx, rows)
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
		Processed: len(fetched.Review) + len(fetched.Conversation),
		Inserted:  stored.Stats.Inserted,
		Updated:   stored.Stats.Updated,
		Failed:    stored.Failed,
	})
	run.Complete(ctx)
	return nil
}
