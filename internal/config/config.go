// Package config loads GitPulse configuration from YAML files, .env files,
// and the environment, in that order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all runtime settings.
type Config struct {
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`
	GitHub  GitHubConfig  `yaml:"github" mapstructure:"github"`
	Redis   RedisConfig   `yaml:"redis" mapstructure:"redis"`
	Worker  WorkerConfig  `yaml:"worker" mapstructure:"worker"`
}

// StorageConfig selects the relational backend.
type StorageConfig struct {
	Type        string `yaml:"type" mapstructure:"type"` // "postgres" or "sqlite"
	PostgresDSN string `yaml:"postgres_dsn" mapstructure:"postgres_dsn"`
	LocalPath   string `yaml:"local_path" mapstructure:"local_path"`
}

// GitHubConfig configures the API client.
type GitHubConfig struct {
	Token string `yaml:"token" mapstructure:"token"`
	// RateLimit is the client-side pacing in requests per second.
	RateLimit int `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// RedisConfig configures the optional shared throttle backend. An empty Addr
// keeps throttling in-process.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// WorkerConfig tunes the step runtime.
type WorkerConfig struct {
	Workers        int           `yaml:"workers" mapstructure:"workers"`
	CheckpointPath string        `yaml:"checkpoint_path" mapstructure:"checkpoint_path"`
	LookbackDays   int           `yaml:"lookback_days" mapstructure:"lookback_days"`
	SyncInterval   time.Duration `yaml:"sync_interval" mapstructure:"sync_interval"`
}

// ConfigDir returns the per-user GitPulse directory.
func ConfigDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".gitpulse")
}

// Default returns the default configuration.
func Default() *Config {
	dir := ConfigDir()
	return &Config{
		Storage: StorageConfig{
			Type:      "sqlite",
			LocalPath: filepath.Join(dir, "gitpulse.db"),
		},
		GitHub: GitHubConfig{
			RateLimit: 5,
		},
		Worker: WorkerConfig{
			Workers:        4,
			CheckpointPath: filepath.Join(dir, "checkpoints.db"),
			LookbackDays:   30,
			SyncInterval:   time.Hour,
		},
	}
}

// Load reads configuration. An empty path searches the working directory and
// ~/.gitpulse for config.yaml; a missing file falls back to defaults.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	v := viper.New()
	v.SetConfigType("yaml")

	cfg := Default()
	v.SetDefault("storage", cfg.Storage)
	v.SetDefault("github", cfg.GitHub)
	v.SetDefault("redis", cfg.Redis)
	v.SetDefault("worker", cfg.Worker)

	v.SetEnvPrefix("GITPULSE")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".gitpulse")
		v.AddConfigPath(".")
		v.AddConfigPath(ConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// loadEnvFiles loads .env files in order of precedence.
func loadEnvFiles() {
	for _, file := range []string{".env.local", ".env"} {
		if _, err := os.Stat(file); err == nil {
			godotenv.Load(file)
		}
	}
	homeEnvFile := filepath.Join(ConfigDir(), ".env")
	if _, err := os.Stat(homeEnvFile); err == nil {
		godotenv.Load(homeEnvFile)
	}
}

// applyEnvOverrides applies plain (unprefixed) environment variables that
// operators conventionally set.
func applyEnvOverrides(cfg *Config) {
	if token := ResolveGitHubToken(cfg.GitHub.Token); token != "" {
		cfg.GitHub.Token = token
	}
	if rate := os.Getenv("GITHUB_RATE_LIMIT"); rate != "" {
		if n, err := strconv.Atoi(rate); err == nil {
			cfg.GitHub.RateLimit = n
		}
	}

	if storageType := os.Getenv("STORAGE_TYPE"); storageType != "" {
		cfg.Storage.Type = storageType
	}
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		cfg.Storage.PostgresDSN = dsn
	}
	if path := os.Getenv("LOCAL_DB_PATH"); path != "" {
		cfg.Storage.LocalPath = expandPath(path)
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}

	if days := os.Getenv("SYNC_LOOKBACK_DAYS"); days != "" {
		if n, err := strconv.Atoi(days); err == nil && n > 0 {
			cfg.Worker.LookbackDays = n
		}
	}
	if interval := os.Getenv("SYNC_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil && d > 0 {
			cfg.Worker.SyncInterval = d
		}
	}
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, path[1:])
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	v := viper.New()
	v.SetConfigType("yaml")

	v.Set("storage", c.Storage)
	v.Set("github", c.GitHub)
	v.Set("redis", c.Redis)
	v.Set("worker", c.Worker)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
