package main

import (
	"context"
	"fmt"

	"github.com/gitpulse/gitpulse/internal/capture"
	"github.com/gitpulse/gitpulse/internal/steprt"
	"github.com/spf13/cobra"
)

var trackCmd = &cobra.Command{
	Use:   "track OWNER/NAME",
	Short: "Discover a repository and start tracking it",
	Long: `Look a repository up on GitHub, create its local record, mark it
tracked, and run a first sync of its recent activity.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrack,
}

func runTrack(cmd *cobra.Command, args []string) error {
	owner, name, err := splitRepoArg(args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	sess, err := newSession(ctx)
	if err != nil {
		return err
	}
	defer sess.close()

	evt, err := steprt.NewEvent(capture.EventRepoDiscover, capture.RepoDiscoverPayload{
		Owner: owner,
		Name:  name,
		Track: true,
	})
	if err != nil {
		return err
	}
	if err := sess.runtime.Send(ctx, evt); err != nil {
		return err
	}

	fmt.Printf("Discovering %s/%s ...\n", owner, name)
	if err := sess.runtime.RunUntilIdle(ctx); err != nil {
		return err
	}

	repo, err := sess.store.GetRepositoryByFullName(ctx, owner, name)
	if err != nil {
		return fmt.Errorf("repository was not captured, check the log output: %w", err)
	}

	fmt.Printf("✓ Tracking %s (%d ★, %s)\n", repo.FullName, repo.Stars, repo.SizeClass)
	return nil
}
