package capture

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gitpulse/gitpulse/internal/steprt"
)

// repoKey buckets events by repository so per-repository concurrency limits
// hold across all payload shapes (they all carry repository_id).
func repoKey(evt steprt.Event) string {
	var p struct {
		RepositoryID int64 `json:"repository_id"`
	}
	if err := evt.Decode(&p); err != nil {
		return ""
	}
	return strconv.FormatInt(p.RepositoryID, 10)
}

// Register wires every capture function onto the runtime. Per-entity capture
// functions run a few at a time per repository and share a sliding-window
// throttle sized well under the authenticated API quota.
func (s *Service) Register(rt *steprt.Runtime) error {
	specs := []steprt.FunctionSpec{
		{
			ID:      "repo-discover",
			Trigger: EventRepoDiscover,
			Retries: 2,
			Handler: s.DiscoverRepository,
		},
		{
			ID:      "repo-classify",
			Trigger: EventRepoClassify,
			Retries: 1,
			Handler: s.ClassifyRepository,
		},
		{
			ID:          "repo-sync",
			Trigger:     EventRepoSync,
			Retries:     2,
			Concurrency: &steprt.ConcurrencySpec{Limit: 1, Key: repoKey},
			Throttle:    &steprt.ThrottleSpec{Limit: 10, Period: time.Minute},
			Handler:     s.SyncRepository,
		},
		{
			ID:          "capture-pr-details",
			Trigger:     EventPRDetails,
			Retries:     3,
			Concurrency: &steprt.ConcurrencySpec{Limit: 4, Key: repoKey},
			Throttle:    &steprt.ThrottleSpec{Limit: 60, Period: time.Minute},
			Handler:     s.CapturePRDetails,
		},
		{
			ID:          "capture-pr-reviews",
			Trigger:     EventPRReviews,
			Retries:     3,
			Concurrency: &steprt.ConcurrencySpec{Limit: 4, Key: repoKey},
			Throttle:    &steprt.ThrottleSpec{Limit: 60, Period: time.Minute},
			Handler:     s.CapturePRReviews,
		},
		{
			ID:          "capture-pr-comments",
			Trigger:     EventPRComments,
			Retries:     3,
			Concurrency: &steprt.ConcurrencySpec{Limit: 4, Key: repoKey},
			Throttle:    &steprt.ThrottleSpec{Limit: 60, Period: time.Minute},
			Handler:     s.CapturePRComments,
		},
		{
			ID:          "capture-issue-comments",
			Trigger:     EventIssueComments,
			Retries:     3,
			Concurrency: &steprt.ConcurrencySpec{Limit: 4, Key: repoKey},
			Throttle:    &steprt.ThrottleSpec{Limit: 60, Period: time.Minute},
			Handler:     s.CaptureIssueComments,
		},
		{
			ID:          "capture-repo-events",
			Trigger:     EventRepoEvents,
			Retries:     2,
			Concurrency: &steprt.ConcurrencySpec{Limit: 1, Key: repoKey},
			Throttle:    &steprt.ThrottleSpec{Limit: 30, Period: time.Minute},
			Handler:     s.CaptureRepoEvents,
		},
	}

	for _, spec := range specs {
		if err := rt.Register(spec); err != nil {
			return fmt.Errorf("register %s: %w", spec.ID, err)
		}
	}
	return nil
}
