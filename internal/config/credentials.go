package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// credentialsFile is the plaintext fallback for systems without a keychain.
type credentialsFile struct {
	GitHubToken string `yaml:"github_token"`
}

// CredentialsPath returns the fallback credentials file location.
func CredentialsPath() string {
	return filepath.Join(ConfigDir(), "credentials.yaml")
}

// ResolveGitHubToken resolves the token with the precedence
// env var > OS keychain > credentials file > config file value.
func ResolveGitHubToken(configValue string) string {
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		return token
	}
	if token := os.Getenv("GH_TOKEN"); token != "" {
		return token
	}

	km := NewKeyringManager()
	if km.IsAvailable() {
		if token, err := km.GetGitHubToken(); err == nil && token != "" {
			return token
		}
	}

	if token := readCredentialsFileToken(); token != "" {
		return token
	}

	return configValue
}

// SaveGitHubToken stores the token in the keychain, falling back to the
// credentials file on keychain-less systems. It reports where the token
// landed ("keychain" or "file").
func SaveGitHubToken(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("github token cannot be empty")
	}

	km := NewKeyringManager()
	if km.IsAvailable() {
		if err := km.SetGitHubToken(token); err == nil {
			return "keychain", nil
		}
	}

	path := CredentialsPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create credentials directory: %w", err)
	}
	data, err := yaml.Marshal(credentialsFile{GitHubToken: token})
	if err != nil {
		return "", fmt.Errorf("encode credentials: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write credentials file: %w", err)
	}
	return "file", nil
}

// DeleteGitHubToken removes the stored token from both the keychain and the
// credentials file.
func DeleteGitHubToken() error {
	km := NewKeyringManager()
	if km.IsAvailable() {
		if err := km.DeleteGitHubToken(); err != nil {
			return err
		}
	}

	path := CredentialsPath()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credentials file: %w", err)
	}
	return nil
}

func readCredentialsFileToken() string {
	data, err := os.ReadFile(CredentialsPath())
	if err != nil {
		return ""
	}
	var creds credentialsFile
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return ""
	}
	return creds.GitHubToken
}
