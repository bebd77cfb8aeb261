// Package steam records a daily snapshot of recently played games.
package steam

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dethbird/journal-sub000/internal/cursor"
	"github.com/dethbird/journal-sub000/internal/providers/apiclient"
	"github.com/dethbird/journal-sub000/internal/source"
)

const (
	Provider = "steam"

	EventGameSnapshot = "game_snapshot"

	DefaultBaseURL = "https://api.steampowered.com"
)

type Config struct {
	APIKey  string
	SteamID string
	BaseURL string
}

// Collector takes at most one snapshot per UTC day. The cursor holds the
// start of the last snapshotted day.
type Collector struct {
	cfg    Config
	client *apiclient.Client
	now    func() time.Time
}

var _ source.GlobalCollector = (*Collector)(nil)

func New(cfg Config, httpClient *http.Client) *Collector {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	return &Collector{
		cfg:    cfg,
		client: apiclient.New(Provider, cfg.BaseURL, httpClient),
		now:    time.Now,
	}
}

func Register(reg *source.Registry, c *Collector) error {
	return reg.Register(Provider, source.Global{Collector: c}, source.WithCursor(cursor.ISOSpec))
}

type recentGames struct {
	Response struct {
		TotalCount int `json:"total_count"`
		Games      []struct {
			AppID           int64  `json:"appid"`
			Name            string `json:"name"`
			Playtime2Weeks  int    `json:"playtime_2weeks"`
			PlaytimeForever int    `json:"playtime_forever"`
			IconURL         string `json:"img_icon_url"`
		} `json:"games"`
	} `json:"response"`
}

// Snapshot is the payload of a game_snapshot event.
type Snapshot struct {
	SteamID         string `json:"steam_id"`
	AppID           int64  `json:"app_id"`
	Name            string `json:"name"`
	Date            string `json:"date"`
	Playtime2Weeks  int    `json:"playtime_2weeks_minutes"`
	PlaytimeForever int    `json:"playtime_forever_minutes"`
	IconURL         string `json:"icon_url,omitempty"`
}

func (c *Collector) Collect(ctx context.Context, cur cursor.Cursor) (source.Result, error) {
	if c.cfg.APIKey == "" || c.cfg.SteamID == "" {
		return source.Result{}, &source.ConfigurationError{Provider: Provider, Message: "steam api key and steam id are required"}
	}
	now := c.now().UTC()
	today := now.Truncate(24 * time.Hour)
	if last, ok := cur.(cursor.Timestamp); ok && !last.IsZero() && !last.At.Before(today) {
		return source.Result{Next: cur}, nil
	}

	var resp recentGames
	q := url.Values{"key": {c.cfg.APIKey}, "steamid": {c.cfg.SteamID}, "format": {"json"}}
	if err := c.client.GetJSON(ctx, "/IPlayerService/GetRecentlyPlayedGames/v1/", q, nil, &resp); err != nil {
		return source.Result{}, err
	}

	day := today.Format("2006-01-02")
	items := make([]source.Item, 0, len(resp.Response.Games))
	for _, g := range resp.Response.Games {
		snap := Snapshot{
			SteamID:         c.cfg.SteamID,
			AppID:           g.AppID,
			Name:            g.Name,
			Date:            day,
			Playtime2Weeks:  g.Playtime2Weeks,
			PlaytimeForever: g.PlaytimeForever,
		}
		if g.IconURL != "" {
			snap.IconURL = "https://media.steampowered.com/steamcommunity/public/images/apps/" +
				strconv.FormatInt(g.AppID, 10) + "/" + g.IconURL + ".jpg"
		}
		items = append(items, source.Item{
			ExternalID: c.cfg.SteamID + ":" + strconv.FormatInt(g.AppID, 10) + ":" + day,
			EventType:  EventGameSnapshot,
			OccurredAt: now,
			Payload:    snap,
		})
	}
	return source.Result{Items: items, Next: cursor.NewTimestamp(today, cursor.LayoutISO)}, nil
}
