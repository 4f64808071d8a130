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

// CaptureIssueComments fetches the conversation comments on one issue.
func (s *Service) CaptureIssueComments(ctx context.Context, sc *steprt.StepContext, evt steprt.Event) error {
	var p IssuePayload
	if err := evt.Decode(&p); err != nil {
		return steprt.NonRetriable(err)
	}

	run := s.openRun(ctx, sc, models.SyncTypeIssueComments, p.RepositoryID)
	run.SetMetadata("issue_number", p.IssueNumber)

	repo, err := s.getRepository(ctx, sc, p.RepositoryID)
	if err != nil {
		return failAndReturn(ctx, run, err)
	}

	issue, err := steprt.RunStep(ctx, sc, "get-issue", func(ctx context.Context) (*models.Issue, error) {
		issue, err := s.store.GetIssueByNumber(ctx, p.RepositoryID, p.IssueNumber)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, steprt.NonRetriable(fmt.Errorf("issue #%d not in store", p.IssueNumber))
		}
		return issue, err
	})
	if err != nil {
		return failAndReturn(ctx, run, err)
	}

	type fetchResult struct {
		Comments []*gh.IssueComment
		Calls    int
	}
	fetched, err := steprt.RunStep(ctx, sc, "fetch-comments", func(ctx context.Context) (fetchResult, error) {
		comments, calls, err := s.gh.ListIssueComments(ctx, repo.Owner, repo.Name, issue.Number)
		if github.IsNotFound(err) {
			return fetchResult{Calls: calls}, nil
		}
		if err != nil {
			return fetchResult{}, err
		}
		return fetchResult{Comments: comments, Calls: calls}, nil
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
		rows := make([]*models.Comment, 0, len(fetched.Comments))
		for _, c := range fetched.Comments {
			commenterID, ok := s.resolveAuthor(ctx, c.User)
			if !ok {
				out.Failed++
				continue
			}
			if commenterID == nil {
				continue
			}
			rows = append(rows, mapConversationComment(repo.ID, nil, &issue.ID, c, *commenterID))
		}
		stats, err := s.store.UpsertComments(ctx, rows)
		out.Stats = stats
		return out, err
	})
	if err != nil {
		return failAndReturn(ctx, run, err)
	}

	if err := s.store.TouchIssue(ctx, issue.ID); err != nil {
		sc.Logger().WithError(err).Warn("issue touch failed")
	}

	run.Add(models.SyncCounters{
		Processed: len(fetched.Comments),
		Inserted:  stored.Stats.Inserted,
		Updated:   stored.Stats.Updated,
		Failed:    stored.Failed,
	})
	run.Complete(ctx)
	return nil
}
