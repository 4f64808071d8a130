package capture

import (
	"context"
	"fmt"

	gh "github.com/google/go-github/v57/github"

	"github.com/gitpulse/gitpulse/internal/github"
	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/steprt"
)

// CaptureRepoEvents refreshes a repository's activity signals: current star
// and fork counts from the repository endpoint, and the recent public event
// feed folded into last_event_at plus per-kind counts in the run metadata.
// Events are not stored row by row; the feed only serves a trailing window,
// so only its aggregate is durable.
func (s *Service) CaptureRepoEvents(ctx context.Context, sc *steprt.StepContext, evt steprt.Event) error {
	var p RepoPayload
	if err := evt.Decode(&p); err != nil {
		return steprt.NonRetriable(err)
	}

	run := s.openRun(ctx, sc, models.SyncTypeRepoEvents, p.RepositoryID)

	repo, err := s.getRepository(ctx, sc, p.RepositoryID)
	if err != nil {
		return failAndReturn(ctx, run, err)
	}

	type fetchResult struct {
		Upstream *gh.Repository
		Events   []*gh.Event
		Calls    int
	}
	fetched, err := steprt.RunStep(ctx, sc, "fetch-events", func(ctx context.Context) (fetchResult, error) {
		var out fetchResult

		upstream, calls, err := s.gh.GetRepository(ctx, repo.Owner, repo.Name)
		out.Calls += calls
		if github.IsNotFound(err) {
			// The repository itself is gone upstream; retrying cannot heal that.
			return fetchResult{}, steprt.NonRetriable(fmt.Errorf("repository %s gone upstream: %w", repo.FullName, err))
		}
		if err != nil {
			return fetchResult{}, err
		}
		out.Upstream = upstream

		events, calls, err := s.gh.ListRepositoryEvents(ctx, repo.Owner, repo.Name)
		out.Calls += calls
		if err != nil && !github.IsNotFound(err) {
			return fetchResult{}, err
		}
		out.Events = events

		return out, nil
	})
	if err != nil {
		return failAndReturn(ctx, run, err)
	}
	run.Add(models.SyncCounters{APICalls: fetched.Calls})

	kinds := make(map[string]int, 8)
	for _, e := range fetched.Events {
		kinds[e.GetType()]++
		at := e.GetCreatedAt().Time
		if repo.LastEventAt == nil || at.After(*repo.LastEventAt) {
			repo.LastEventAt = &at
		}
	}
	run.SetMetadata("event_counts", kinds)

	_, err = steprt.RunStep(ctx, sc, "update-repository", func(ctx context.Context) (struct{}, error) {
		repo.Description = fetched.Upstream.GetDescription()
		repo.DefaultBranch = fetched.Upstream.GetDefaultBranch()
		repo.Stars = fetched.Upstream.GetStargazersCount()
		repo.Forks = fetched.Upstream.GetForksCount()
		repo.Size = fetched.Upstream.GetSize()
		repo.HasDiscussions = fetched.Upstream.GetHasDiscussions()
		return struct{}{}, s.store.UpdateRepositoryMetadata(ctx, repo)
	})
	if err != nil {
		return failAndReturn(ctx, run, err)
	}

	run.Add(models.SyncCounters{Processed: len(fetched.Events), Updated: 1})
	run.Complete(ctx)
	return nil
}
