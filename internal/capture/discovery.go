package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/gitpulse/gitpulse/internal/github"
	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/steprt"
	"github.com/gitpulse/gitpulse/internal/storage"
)

// DiscoverRepository looks a repository up upstream, creates its local row,
// and kicks off classification and a first sync. Discovery of an
// already-known repository is a cheap no-op beyond the follow-up events.
func (s *Service) DiscoverRepository(ctx context.Context, sc *steprt.StepContext, evt steprt.Event) error {
	var p RepoDiscoverPayload
	if err := evt.Decode(&p); err != nil {
		return steprt.NonRetriable(err)
	}
	if p.Owner == "" || p.Name == "" {
		return steprt.NonRetriable(fmt.Errorf("discover repository: missing owner or name"))
	}

	// Existing rows short-circuit the upstream fetch.
	existingID, err := steprt.RunStep(ctx, sc, "check-existing", func(ctx context.Context) (int64, error) {
		repo, err := s.store.GetRepositoryByFullName(ctx, p.Owner, p.Name)
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return repo.ID, nil
	})
	if err != nil {
		return err
	}

	repoID := existingID
	apiCalls := 0
	if repoID == 0 {
		type createResult struct {
			RepositoryID int64
			Calls        int
		}
		created, err := steprt.RunStep(ctx, sc, "create-repository", func(ctx context.Context) (createResult, error) {
			upstream, calls, err := s.gh.GetRepository(ctx, p.Owner, p.Name)
			if github.IsNotFound(err) {
				return createResult{}, steprt.NonRetriable(fmt.Errorf("repository %s/%s not found upstream", p.Owner, p.Name))
			}
			if err != nil {
				return createResult{Calls: calls}, err
			}

			repo, err := s.store.CreateRepository(ctx, mapRepository(upstream))
			if err != nil {
				return createResult{Calls: calls}, err
			}
			return createResult{RepositoryID: repo.ID, Calls: calls}, nil
		})
		if err != nil {
			return err
		}
		repoID = created.RepositoryID
		apiCalls = created.Calls
	}

	run := s.openRun(ctx, sc, models.SyncTypeRepoDiscovery, repoID)
	run.SetMetadata("full_name", p.Owner+"/"+p.Name)
	run.SetMetadata("already_known", existingID != 0)
	run.Add(models.SyncCounters{APICalls: apiCalls, Processed: 1})
	if existingID == 0 {
		run.Add(models.SyncCounters{Inserted: 1})
	}

	if p.Track {
		if err := s.store.SetRepositoryTracked(ctx, repoID, true); err != nil {
			return failAndReturn(ctx, run, err)
		}
	}

	_, err = steprt.RunStep(ctx, sc, "emit-followups", func(ctx context.Context) (struct{}, error) {
		classify, err := steprt.NewEvent(EventRepoClassify, RepoPayload{RepositoryID: repoID})
		if err != nil {
			return struct{}{}, err
		}
		if err := sc.SendEvent(ctx, classify); err != nil {
			return struct{}{}, err
		}

		sync, err := steprt.NewEvent(EventRepoSync, RepoPayload{RepositoryID: repoID})
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, sc.SendEvent(ctx, sync)
	})
	if err != nil {
		return failAndReturn(ctx, run, err)
	}

	run.Complete(ctx)
	return nil
}

// ClassifyRepository re-buckets a repository by its reported size.
func (s *Service) ClassifyRepository(ctx context.Context, sc *steprt.StepContext, evt steprt.Event) error {
	var p RepoPayload
	if err := evt.Decode(&p); err != nil {
		return steprt.NonRetriable(err)
	}

	repo, err := s.getRepository(ctx, sc, p.RepositoryID)
	if err != nil {
		return err
	}

	class := models.ClassifySize(repo.Size)
	if class == repo.SizeClass {
		return nil
	}
	return s.store.SetRepositorySizeClass(ctx, repo.ID, class)
}
