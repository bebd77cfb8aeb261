package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Storage StorageConfig
	Log     LogConfig
	Server  ServerConfig
	Sync    SyncConfig
	Sources SourcesConfig
	Secrets SecretsConfig
}

type StorageConfig struct {
	// Target is a data directory for SQLite or a postgres:// DSN.
	Target string
}

type LogConfig struct {
	Level string
	JSON  bool
}

type ServerConfig struct {
	Port  int
	Token string
}

type SyncConfig struct {
	Interval       string
	Concurrency    int
	JobBudget      int
	HTTPTimeout    string
	ReenrichWindow string
	ReenrichLimit  int
}

type SourcesConfig struct {
	Path string
}

// SecretsConfig holds provider credentials. They are never written to the
// config file; they come from the environment or the secrets file.
type SecretsConfig struct {
	GitHubToken         string
	SpotifyClientID     string
	SpotifyClientSecret string
	GoogleClientID      string
	GoogleClientSecret  string
	SteamAPIKey         string
	TrelloAPIKey        string
	TrelloToken         string
}

func defaults() Config {
	return Config{
		Storage: StorageConfig{Target: defaultDataDir()},
		Log:     LogConfig{Level: "info"},
		Server:  ServerConfig{Port: 4100},
		Sync: SyncConfig{
			Interval:       "15m",
			Concurrency:    1,
			JobBudget:      50,
			HTTPTimeout:    "30s",
			ReenrichWindow: "168h",
			ReenrichLimit:  100,
		},
		Sources: SourcesConfig{Path: filepath.Join(configDir(), "sources.yaml")},
	}
}

// Load reads configuration in layers: defaults, the JSON config file at
// $XDG_CONFIG_HOME/journal/config.json, a .env file in the working
// directory, JOURNAL_* environment variables, then the secrets file for
// any secret still unset.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not read .env: %v\n", err)
	}
	return loadWith(newFileBackend(configFilePath()), newFileSecrets(secretsFilePath()))
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	for key, raw := range map[string]string{
		"sync.interval":        c.Sync.Interval,
		"sync.http_timeout":    c.Sync.HTTPTimeout,
		"sync.reenrich_window": c.Sync.ReenrichWindow,
	} {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, raw)
		}
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1, got %d", c.Sync.Concurrency)
	}
	if c.Sync.ReenrichLimit < 0 || c.Sync.JobBudget < 0 {
		return errors.New("sync.reenrich_limit and sync.job_budget must not be negative")
	}
	return nil
}

// Durations below are validated by Load.

func (s SyncConfig) IntervalDuration() time.Duration       { return mustDuration(s.Interval) }
func (s SyncConfig) HTTPTimeoutDuration() time.Duration    { return mustDuration(s.HTTPTimeout) }
func (s SyncConfig) ReenrichWindowDuration() time.Duration { return mustDuration(s.ReenrichWindow) }

func mustDuration(raw string) time.Duration {
	d, _ := time.ParseDuration(raw)
	return d
}

func configDir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "journal")
}

func configFilePath() string {
	return filepath.Join(configDir(), "config.json")
}

func dataHome() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "."
		}
	}
	return dir
}

func defaultDataDir() string {
	return filepath.Join(dataHome(), "journal")
}

func secretsFilePath() string {
	return filepath.Join(dataHome(), "journal", "secrets.json")
}
