package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/dethbird/journal-sub000/internal/config"
	"github.com/dethbird/journal-sub000/internal/credential"
	"github.com/dethbird/journal-sub000/internal/enrich"
	"github.com/dethbird/journal-sub000/internal/ingest"
	"github.com/dethbird/journal-sub000/internal/orchestrator"
	"github.com/dethbird/journal-sub000/internal/providers/github"
	"github.com/dethbird/journal-sub000/internal/providers/gmail"
	"github.com/dethbird/journal-sub000/internal/providers/location"
	"github.com/dethbird/journal-sub000/internal/providers/spotify"
	"github.com/dethbird/journal-sub000/internal/providers/statements"
	"github.com/dethbird/journal-sub000/internal/providers/steam"
	"github.com/dethbird/journal-sub000/internal/providers/trello"
	"github.com/dethbird/journal-sub000/internal/source"
	"github.com/dethbird/journal-sub000/internal/storage"
)

// app is everything a command needs, built once from config.
type app struct {
	cfg      config.Config
	sources  config.Sources
	store    *storage.Store
	registry *source.Registry
	resolver *credential.Resolver
	builders map[string]source.Builder
	http     *http.Client
}

func setupLogging(cfg config.Config) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.JSON {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
}

// loadApp loads config and sources, opens storage and builds the registry.
// Callers must call close.
func loadApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg)

	sources, err := config.LoadSources(cfg.Sources.Path)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg.Storage.Target)
	if err != nil {
		return nil, err
	}

	a, err := newApp(cfg, sources, store, &http.Client{Timeout: cfg.Sync.HTTPTimeoutDuration()})
	if err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

// openStore opens storage. Failure is fatal: no provider can run without it.
func openStore(target string) (*storage.Store, error) {
	store, err := storage.Open(target)
	if err != nil {
		return nil, &source.FatalError{Err: fmt.Errorf("opening storage: %w", err)}
	}
	return store, nil
}

func newApp(cfg config.Config, sources config.Sources, store *storage.Store, httpClient *http.Client) (*app, error) {
	a := &app{
		cfg:      cfg,
		sources:  sources,
		store:    store,
		registry: source.NewRegistry(),
		builders: map[string]source.Builder{enrich.KindLinkPreview: enrich.NewLinkPreview(httpClient)},
		http:     httpClient,
	}

	refreshers := make(map[string]credential.Refresher)
	if cfg.Secrets.SpotifyClientID != "" {
		refreshers[spotify.Provider] = credential.SpotifyRefresher(cfg.Secrets.SpotifyClientID, cfg.Secrets.SpotifyClientSecret, httpClient)
	}
	if cfg.Secrets.GoogleClientID != "" {
		refreshers[gmail.Provider] = credential.GoogleRefresher(cfg.Secrets.GoogleClientID, cfg.Secrets.GoogleClientSecret, httpClient)
	}
	a.resolver = credential.NewResolver(store, refreshers)

	if err := a.registerProviders(); err != nil {
		return nil, &source.FatalError{Err: fmt.Errorf("registering providers: %w", err)}
	}
	return a, nil
}

// registerProviders registers every provider enabled in the sources file.
func (a *app) registerProviders() error {
	s, cfg := a.sources, a.cfg

	if s.GitHub != nil && s.GitHub.Enabled {
		c := github.New(github.Config{
			User:     s.GitHub.User,
			Token:    cfg.Secrets.GitHubToken,
			BaseURL:  s.GitHub.BaseURL,
			MaxPages: s.GitHub.MaxPages,
		}, a.http)
		if err := github.Register(a.registry, c, cfg.Sync.ReenrichWindowDuration(), cfg.Sync.ReenrichLimit); err != nil {
			return err
		}
		a.builders[github.KindPushDetail] = c.PushDetailBuilder()
	}

	if s.Spotify != nil && s.Spotify.Enabled {
		c := spotify.New(spotify.Config{BaseURL: s.Spotify.BaseURL, MaxPages: s.Spotify.MaxPages}, a.http)
		if err := spotify.Register(a.registry, c); err != nil {
			return err
		}
	}

	if s.Steam != nil && s.Steam.Enabled {
		c := steam.New(steam.Config{APIKey: cfg.Secrets.SteamAPIKey, SteamID: s.Steam.SteamID, BaseURL: s.Steam.BaseURL}, a.http)
		if err := steam.Register(a.registry, c); err != nil {
			return err
		}
	}

	if s.Location != nil && s.Location.Enabled {
		c, err := location.New(location.Config{ExportDir: s.Location.ExportDir})
		if err != nil {
			return err
		}
		if err := location.Register(a.registry, c); err != nil {
			return err
		}
	}

	if s.Trello != nil && s.Trello.Enabled {
		c := trello.New(trello.Config{
			APIKey:   cfg.Secrets.TrelloAPIKey,
			Token:    cfg.Secrets.TrelloToken,
			Boards:   s.Trello.Boards,
			BaseURL:  s.Trello.BaseURL,
			MaxPages: s.Trello.MaxPages,
		}, a.http)
		if err := trello.Register(a.registry, c); err != nil {
			return err
		}
	}

	if s.Gmail != nil && s.Gmail.Enabled {
		c := gmail.New(gmail.Config{Query: s.Gmail.Query, MaxPages: s.Gmail.MaxPages}, a.http)
		if err := gmail.Register(a.registry, c); err != nil {
			return err
		}
	}

	if s.Statements != nil && s.Statements.Enabled {
		c := statements.New(statements.Config{InboxDir: s.Statements.InboxDir, Account: s.Statements.Account})
		if err := statements.Register(a.registry, c); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) orchestrator(providers ...string) *orchestrator.Orchestrator {
	return orchestrator.New(a.registry, a.store, a.resolver, orchestrator.Config{
		Concurrency:  a.cfg.Sync.Concurrency,
		BuildTimeout: a.cfg.Sync.HTTPTimeoutDuration(),
		Providers:    providers,
	})
}

func (a *app) worker() *ingest.Worker {
	return ingest.NewWorker(a.store, a.builders, 0)
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}
