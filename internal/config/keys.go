package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "storage.target", typ: kString, env: "JOURNAL_STORAGE_TARGET",
		apply:   func(cfg *Config, v any) { cfg.Storage.Target = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Target },
	},
	{
		key: "log.level", typ: kString, env: "JOURNAL_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.json", typ: kBool, env: "JOURNAL_LOG_JSON",
		apply:   func(cfg *Config, v any) { cfg.Log.JSON = v.(bool) },
		extract: func(cfg Config) any { return cfg.Log.JSON },
	},
	{
		key: "server.port", typ: kInt, env: "JOURNAL_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "sync.interval", typ: kString, env: "JOURNAL_SYNC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.Interval = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.Interval },
	},
	{
		key: "sync.concurrency", typ: kInt, env: "JOURNAL_SYNC_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Sync.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.Concurrency },
	},
	{
		key: "sync.job_budget", typ: kInt, env: "JOURNAL_SYNC_JOB_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Sync.JobBudget = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.JobBudget },
	},
	{
		key: "sync.http_timeout", typ: kString, env: "JOURNAL_SYNC_HTTP_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Sync.HTTPTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.HTTPTimeout },
	},
	{
		key: "sync.reenrich_window", typ: kString, env: "JOURNAL_SYNC_REENRICH_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Sync.ReenrichWindow = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.ReenrichWindow },
	},
	{
		key: "sync.reenrich_limit", typ: kInt, env: "JOURNAL_SYNC_REENRICH_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Sync.ReenrichLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.ReenrichLimit },
	},
	{
		key: "sources.path", typ: kString, env: "JOURNAL_SOURCES_PATH",
		apply:   func(cfg *Config, v any) { cfg.Sources.Path = v.(string) },
		extract: func(cfg Config) any { return cfg.Sources.Path },
	},
	{
		key: "server.token", typ: kString, env: "JOURNAL_SERVER_TOKEN", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "github.token", typ: kString, env: "JOURNAL_GITHUB_TOKEN", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Secrets.GitHubToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Secrets.GitHubToken },
	},
	{
		key: "spotify.client_id", typ: kString, env: "JOURNAL_SPOTIFY_CLIENT_ID", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Secrets.SpotifyClientID = v.(string) },
		extract: func(cfg Config) any { return cfg.Secrets.SpotifyClientID },
	},
	{
		key: "spotify.client_secret", typ: kString, env: "JOURNAL_SPOTIFY_CLIENT_SECRET", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Secrets.SpotifyClientSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Secrets.SpotifyClientSecret },
	},
	{
		key: "google.client_id", typ: kString, env: "JOURNAL_GOOGLE_CLIENT_ID", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Secrets.GoogleClientID = v.(string) },
		extract: func(cfg Config) any { return cfg.Secrets.GoogleClientID },
	},
	{
		key: "google.client_secret", typ: kString, env: "JOURNAL_GOOGLE_CLIENT_SECRET", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Secrets.GoogleClientSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Secrets.GoogleClientSecret },
	},
	{
		key: "steam.api_key", typ: kString, env: "JOURNAL_STEAM_API_KEY", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Secrets.SteamAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Secrets.SteamAPIKey },
	},
	{
		key: "trello.api_key", typ: kString, env: "JOURNAL_TRELLO_API_KEY", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Secrets.TrelloAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Secrets.TrelloAPIKey },
	},
	{
		key: "trello.token", typ: kString, env: "JOURNAL_TRELLO_TOKEN", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Secrets.TrelloToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Secrets.TrelloToken },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

// secretService namespaces entries in the secrets file.
const secretService = "journal"

// applySecrets fills secrets the environment left empty from the secrets
// file, where they are stored by key name.
func applySecrets(cfg *Config, store secretStore) {
	if store == nil {
		return
	}
	for _, s := range specs {
		if !s.secret || s.extract(*cfg).(string) != "" {
			continue
		}
		if v, err := store.Get(secretService, s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
