package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Sources is the per-provider settings file. A provider is registered only
// when its section is present and enabled.
type Sources struct {
	GitHub     *GitHubSource     `yaml:"github"`
	Spotify    *SpotifySource    `yaml:"spotify"`
	Steam      *SteamSource      `yaml:"steam"`
	Location   *LocationSource   `yaml:"location"`
	Trello     *TrelloSource     `yaml:"trello"`
	Gmail      *GmailSource      `yaml:"gmail"`
	Statements *StatementsSource `yaml:"statements"`
}

type GitHubSource struct {
	Enabled  bool   `yaml:"enabled"`
	User     string `yaml:"user"`
	MaxPages int    `yaml:"max_pages"`
	BaseURL  string `yaml:"base_url"`
}

type SpotifySource struct {
	Enabled  bool   `yaml:"enabled"`
	MaxPages int    `yaml:"max_pages"`
	BaseURL  string `yaml:"base_url"`
}

type SteamSource struct {
	Enabled bool   `yaml:"enabled"`
	SteamID string `yaml:"steam_id"`
	BaseURL string `yaml:"base_url"`
}

type LocationSource struct {
	Enabled   bool   `yaml:"enabled"`
	ExportDir string `yaml:"export_dir"`
}

type TrelloSource struct {
	Enabled  bool     `yaml:"enabled"`
	Boards   []string `yaml:"boards"`
	MaxPages int      `yaml:"max_pages"`
	BaseURL  string   `yaml:"base_url"`
}

type GmailSource struct {
	Enabled  bool   `yaml:"enabled"`
	Query    string `yaml:"query"`
	MaxPages int    `yaml:"max_pages"`
}

type StatementsSource struct {
	Enabled  bool   `yaml:"enabled"`
	InboxDir string `yaml:"inbox_dir"`
	Account  string `yaml:"account"`
}

// LoadSources reads the sources file. A missing file yields an empty
// Sources, so nothing is registered.
func LoadSources(path string) (Sources, error) {
	var s Sources
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return s, fmt.Errorf("reading sources file: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parsing sources file %s: %w", path, err)
	}
	if err := s.validate(); err != nil {
		return s, fmt.Errorf("sources file %s: %w", path, err)
	}
	if s.Location != nil {
		s.Location.ExportDir = expandHome(s.Location.ExportDir)
	}
	if s.Statements != nil {
		s.Statements.InboxDir = expandHome(s.Statements.InboxDir)
	}
	return s, nil
}

func (s Sources) validate() error {
	if s.GitHub != nil && s.GitHub.Enabled && s.GitHub.User == "" {
		return errors.New("github.user is required")
	}
	if s.Steam != nil && s.Steam.Enabled && s.Steam.SteamID == "" {
		return errors.New("steam.steam_id is required")
	}
	if s.Location != nil && s.Location.Enabled && s.Location.ExportDir == "" {
		return errors.New("location.export_dir is required")
	}
	if s.Trello != nil && s.Trello.Enabled && len(s.Trello.Boards) == 0 {
		return errors.New("trello.boards must name at least one board")
	}
	if s.Statements != nil && s.Statements.Enabled && s.Statements.InboxDir == "" {
		return errors.New("statements.inbox_dir is required")
	}
	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
