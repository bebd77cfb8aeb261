// Package spotify collects recently played tracks for each connected
// account and backfills artist genres onto stored plays.
package spotify

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dethbird/journal-sub000/internal/cursor"
	"github.com/dethbird/journal-sub000/internal/providers/apiclient"
	"github.com/dethbird/journal-sub000/internal/source"
)

const (
	Provider = "spotify"

	EventTrackPlayed = "track_played"

	DefaultBaseURL  = "https://api.spotify.com/v1"
	defaultMaxPages = 10
	pageSize        = 50
)

type Config struct {
	BaseURL  string
	MaxPages int
}

// Collector reads /me/player/recently-played with the account's token.
type Collector struct {
	cfg    Config
	client *apiclient.Client
	logger *slog.Logger
}

var _ source.AccountCollector = (*Collector)(nil)

func New(cfg Config, httpClient *http.Client) *Collector {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	return &Collector{
		cfg:    cfg,
		client: apiclient.New(Provider, cfg.BaseURL, httpClient),
		logger: slog.Default().With("provider", Provider),
	}
}

func Register(reg *source.Registry, c *Collector) error {
	return reg.Register(Provider, source.PerAccount{Collector: c}, source.WithCursor(cursor.MillisSpec))
}

type artist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type playHistory struct {
	Track struct {
		ID         string   `json:"id"`
		Name       string   `json:"name"`
		DurationMS int      `json:"duration_ms"`
		Explicit   bool     `json:"explicit"`
		Artists    []artist `json:"artists"`
		Album      struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"album"`
		ExternalURLs struct {
			Spotify string `json:"spotify"`
		} `json:"external_urls"`
	} `json:"track"`
	PlayedAt time.Time `json:"played_at"`
	Context  *struct {
		Type string `json:"type"`
		URI  string `json:"uri"`
	} `json:"context"`
}

type recentlyPlayed struct {
	Items   []playHistory `json:"items"`
	Next    string        `json:"next"`
	Cursors *struct {
		After  string `json:"after"`
		Before string `json:"before"`
	} `json:"cursors"`
}

// Play is the stored payload of a track_played event.
type Play struct {
	TrackID    string   `json:"track_id"`
	TrackName  string   `json:"track_name"`
	Artists    []string `json:"artists"`
	ArtistIDs  []string `json:"artist_ids"`
	Album      string   `json:"album,omitempty"`
	DurationMS int      `json:"duration_ms"`
	PlayedAt   string   `json:"played_at"`
	ContextURI string   `json:"context_uri,omitempty"`
	URL        string   `json:"url,omitempty"`
	Genres     []string `json:"genres,omitempty"`
}

// CollectForAccount pages forward from the cursor with the after parameter.
func (c *Collector) CollectForAccount(ctx context.Context, acct source.Account, cur cursor.Cursor) (source.Result, error) {
	if acct.Auth == nil {
		return source.Result{}, &source.ConfigurationError{Provider: Provider, Message: "account " + acct.ID + " has no credential session"}
	}
	last, _ := cur.(cursor.Timestamp)
	last.Layout = cursor.LayoutMillis

	var items []source.Item
	next := last
	after := int64(0)
	if !last.IsZero() {
		after = last.At.UnixMilli()
	}

	for page := 0; page < c.cfg.MaxPages; page++ {
		var resp recentlyPlayed
		q := url.Values{"limit": {strconv.Itoa(pageSize)}, "after": {strconv.FormatInt(after, 10)}}
		err := acct.Auth.Do(ctx, func(ctx context.Context, token string) error {
			return c.client.GetJSON(ctx, "/me/player/recently-played", q, apiclient.Bearer(token), &resp)
		})
		if err != nil {
			return source.Result{}, err
		}

		newest := after
		for _, p := range resp.Items {
			ms := p.PlayedAt.UnixMilli()
			if !last.IsZero() && ms <= last.At.UnixMilli() {
				continue
			}
			if p.Track.ID == "" {
				continue
			}
			items = append(items, toItem(acct, p))
			if ms > newest {
				newest = ms
			}
			if next.IsZero() || p.PlayedAt.After(next.At) {
				next = cursor.NewTimestamp(p.PlayedAt.UTC(), cursor.LayoutMillis)
			}
		}

		if len(resp.Items) < pageSize || newest <= after {
			break
		}
		after = newest
	}

	return source.Result{Items: items, Next: next}, nil
}

func toItem(acct source.Account, p playHistory) source.Item {
	play := Play{
		TrackID:    p.Track.ID,
		TrackName:  p.Track.Name,
		Album:      p.Track.Album.Name,
		DurationMS: p.Track.DurationMS,
		PlayedAt:   p.PlayedAt.UTC().Format(time.RFC3339Nano),
		URL:        p.Track.ExternalURLs.Spotify,
	}
	for _, a := range p.Track.Artists {
		play.Artists = append(play.Artists, a.Name)
		play.ArtistIDs = append(play.ArtistIDs, a.ID)
	}
	if p.Context != nil {
		play.ContextURI = p.Context.URI
	}
	return source.Item{
		// played_at is unique per listener, not across listeners.
		ExternalID: acct.ID + ":" + strconv.FormatInt(p.PlayedAt.UnixMilli(), 10) + ":" + p.Track.ID,
		EventType:  EventTrackPlayed,
		OccurredAt: p.PlayedAt,
		Payload:    play,
		OwnerID:    acct.OwnerID,
	}
}
