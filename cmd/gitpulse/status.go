package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/spf13/cobra"
)

var (
	statusLimit  int
	statusFailed bool
)

var statusCmd = &cobra.Command{
	Use:   "status OWNER/NAME",
	Short: "Show recent sync runs for a repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "number of runs to show")
	statusCmd.Flags().BoolVar(&statusFailed, "failed", false, "show only failed runs")
}

func runStatus(cmd *cobra.Command, args []string) error {
	owner, name, err := splitRepoArg(args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	repo, err := store.GetRepositoryByFullName(ctx, owner, name)
	if err != nil {
		return fmt.Errorf("repository %s/%s is not tracked", owner, name)
	}

	var statuses []models.SyncStatus
	if statusFailed {
		statuses = []models.SyncStatus{models.SyncStatusFailed}
	}

	logs, err := store.ListSyncLogs(ctx, repo.ID, statuses, statusLimit)
	if err != nil {
		return err
	}

	fmt.Printf("%s", repo.FullName)
	if repo.LastSyncedAt != nil {
		fmt.Printf(" (last synced %s)", repo.LastSyncedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Println()

	if len(logs) == 0 {
		fmt.Println("No sync runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tTYPE\tSTATUS\tPROCESSED\tINSERTED\tUPDATED\tFAILED\tAPI CALLS\tERROR")
	for _, l := range logs {
		errMsg := ""
		if l.ErrorMessage != nil {
			errMsg = *l.ErrorMessage
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			l.StartedAt.Format("2006-01-02 15:04:05"),
			l.SyncType, l.Status,
			l.RecordsProcessed, l.RecordsInserted, l.RecordsUpdated, l.RecordsFailed,
			l.GitHubAPICallsUsed, errMsg)
	}
	return w.Flush()
}
