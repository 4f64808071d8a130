package main

import (
	"context"
	"fmt"

	"github.com/gitpulse/gitpulse/internal/capture"
	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/steprt"
	"github.com/spf13/cobra"
)

var syncDays int

var syncCmd = &cobra.Command{
	Use:   "sync [OWNER/NAME]",
	Short: "Sync recent activity for one or all tracked repositories",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().IntVar(&syncDays, "days", 0, "lookback window in days (default: configured lookback)")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	sess, err := newSession(ctx)
	if err != nil {
		return err
	}
	defer sess.close()

	var targets []*models.Repository
	if len(args) == 1 {
		owner, name, err := splitRepoArg(args[0])
		if err != nil {
			return err
		}
		repo, err := sess.store.GetRepositoryByFullName(ctx, owner, name)
		if err != nil {
			return fmt.Errorf("repository %s/%s is not tracked yet, run 'gitpulse track' first", owner, name)
		}
		targets = append(targets, repo)
	} else {
		targets, err = sess.store.ListTrackedRepositories(ctx)
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			fmt.Println("No tracked repositories. Run 'gitpulse track OWNER/NAME' first.")
			return nil
		}
	}

	for _, repo := range targets {
		evt, err := steprt.NewEvent(capture.EventRepoSync, capture.RepoPayload{
			RepositoryID: repo.ID,
			Days:         syncDays,
		})
		if err != nil {
			return err
		}
		if err := sess.runtime.Send(ctx, evt); err != nil {
			return err
		}
		fmt.Printf("Syncing %s ...\n", repo.FullName)
	}

	if err := sess.runtime.RunUntilIdle(ctx); err != nil {
		return err
	}
	fmt.Printf("✓ Synced %d repositor%s\n", len(targets), pluralY(len(targets)))
	return nil
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
