package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/gitpulse/gitpulse/internal/config"
	"github.com/pkg/browser"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const tokenSettingsURL = "https://github.com/settings/tokens/new?scopes=repo&description=GitPulse"

var loginToken string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store a GitHub token for API access",
	Long: `Store a GitHub personal access token in the OS keychain (or a local
credentials file on systems without one).

Without --token, your browser opens on the GitHub token creation page and
the token is read from an interactive prompt.`,
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().StringVar(&loginToken, "token", "", "GitHub token (skips the interactive prompt)")
}

func runLogin(cmd *cobra.Command, args []string) error {
	token := strings.TrimSpace(loginToken)

	if token == "" {
		fmt.Println("GitPulse needs a GitHub personal access token with the 'repo' scope.")
		fmt.Println()
		if err := browser.OpenURL(tokenSettingsURL); err != nil {
			fmt.Printf("Create one at: %s\n", tokenSettingsURL)
		} else {
			fmt.Println("Opened the token creation page in your browser.")
		}
		fmt.Println()
		fmt.Print("Paste token (input hidden): ")

		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		token = strings.TrimSpace(string(raw))
	}

	if token == "" {
		return fmt.Errorf("no token provided")
	}

	location, err := config.SaveGitHubToken(token)
	if err != nil {
		return err
	}

	fmt.Printf("✓ Token %s saved to %s\n", config.MaskToken(token), location)
	if location == "file" {
		fmt.Fprintf(os.Stderr, "Note: no OS keychain available, token stored in %s\n", config.CredentialsPath())
	}
	return nil
}
