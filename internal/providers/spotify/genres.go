package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/dethbird/journal-sub000/internal/providers/apiclient"
	"github.com/dethbird/journal-sub000/internal/storage"
)

const (
	artistBatchSize   = 50
	defaultBatchDelay = 250 * time.Millisecond
)

// EventStore is what the backfill reads and rewrites.
type EventStore interface {
	ListEvents(ctx context.Context, f storage.EventFilter) ([]storage.Event, error)
	UpdateEventPayload(ctx context.Context, id string, payload json.RawMessage) error
}

// GenreBackfill adds artist genres to stored plays that lack them. Artist
// lookups use an app token from the client-credentials flow, so no listener
// credential is involved.
type GenreBackfill struct {
	store      EventStore
	client     *apiclient.Client
	tokens     oauth2.TokenSource
	batchDelay time.Duration
	logger     *slog.Logger
}

// TokenURL is the Spotify accounts token endpoint.
const TokenURL = "https://accounts.spotify.com/api/token"

// NewClientCredentials returns the app token source for the artists API.
// Token requests go through httpClient when it is non-nil.
func NewClientCredentials(ctx context.Context, clientID, clientSecret, tokenURL string, httpClient *http.Client) oauth2.TokenSource {
	if tokenURL == "" {
		tokenURL = TokenURL
	}
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
	}
	return cfg.TokenSource(ctx)
}

func NewGenreBackfill(store EventStore, tokens oauth2.TokenSource, baseURL string, httpClient *http.Client) *GenreBackfill {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &GenreBackfill{
		store:      store,
		client:     apiclient.New(Provider, baseURL, httpClient),
		tokens:     tokens,
		batchDelay: defaultBatchDelay,
		logger:     slog.Default().With("provider", Provider, "job", "genre-backfill"),
	}
}

// Run backfills up to limit plays that occurred after since and still
// have no genres, newest first, and returns how many payloads were
// rewritten. Plays without artist ids get an empty list so they are not
// picked again.
func (g *GenreBackfill) Run(ctx context.Context, since time.Time, limit int) (int, error) {
	events, err := g.store.ListEvents(ctx, storage.EventFilter{
		Provider:   Provider,
		EventType:  EventTrackPlayed,
		Since:      since,
		MissingKey: "genres",
		Limit:      limit,
	})
	if err != nil {
		return 0, fmt.Errorf("listing plays: %w", err)
	}

	type pending struct {
		event storage.Event
		play  map[string]any
		ids   []string
	}
	var todo []pending
	seen := make(map[string]bool)
	var artistIDs []string
	for _, ev := range events {
		var play map[string]any
		if err := json.Unmarshal(ev.Payload, &play); err != nil {
			g.logger.Warn("skipping unreadable play", "event_id", ev.ID, "error", err)
			continue
		}
		var ids []string
		if raw, ok := play["artist_ids"].([]any); ok {
			for _, v := range raw {
				if id, ok := v.(string); ok && id != "" {
					ids = append(ids, id)
					if !seen[id] {
						seen[id] = true
						artistIDs = append(artistIDs, id)
					}
				}
			}
		}
		todo = append(todo, pending{event: ev, play: play, ids: ids})
	}
	if len(todo) == 0 {
		return 0, nil
	}

	genres := map[string][]string{}
	if len(artistIDs) > 0 {
		if genres, err = g.lookupGenres(ctx, artistIDs); err != nil {
			return 0, err
		}
	}

	updated := 0
	for _, p := range todo {
		set := make(map[string]bool)
		for _, id := range p.ids {
			for _, genre := range genres[id] {
				set[genre] = true
			}
		}
		list := make([]string, 0, len(set))
		for genre := range set {
			list = append(list, genre)
		}
		sort.Strings(list)
		p.play["genres"] = list

		raw, err := json.Marshal(p.play)
		if err != nil {
			return updated, fmt.Errorf("encoding play %s: %w", p.event.ID, err)
		}
		if err := g.store.UpdateEventPayload(ctx, p.event.ID, raw); err != nil {
			return updated, fmt.Errorf("updating play %s: %w", p.event.ID, err)
		}
		updated++
	}
	g.logger.Info("genre backfill finished", "plays", updated, "artists", len(artistIDs))
	return updated, nil
}

// lookupGenres fetches artists in batches, pausing between batches to stay
// under the rate limit.
func (g *GenreBackfill) lookupGenres(ctx context.Context, ids []string) (map[string][]string, error) {
	tok, err := g.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("fetching app token: %w", err)
	}

	out := make(map[string][]string, len(ids))
	for start := 0; start < len(ids); start += artistBatchSize {
		if start > 0 {
			if err := apiclient.Pause(ctx, g.batchDelay); err != nil {
				return nil, err
			}
		}
		end := min(start+artistBatchSize, len(ids))

		var resp struct {
			Artists []struct {
				ID     string   `json:"id"`
				Genres []string `json:"genres"`
			} `json:"artists"`
		}
		q := url.Values{"ids": {strings.Join(ids[start:end], ",")}}
		if err := g.client.GetJSON(ctx, "/artists", q, apiclient.Bearer(tok.AccessToken), &resp); err != nil {
			return nil, fmt.Errorf("fetching artists: %w", err)
		}
		for _, a := range resp.Artists {
			out[a.ID] = a.Genres
		}
	}
	return out, nil
}
