package main

import (
	"fmt"

	"github.com/gitpulse/gitpulse/internal/config"
	"github.com/spf13/cobra"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored GitHub token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.DeleteGitHubToken(); err != nil {
			return err
		}
		fmt.Println("✓ Stored GitHub token removed")
		return nil
	},
}
