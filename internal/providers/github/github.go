// Package github collects a user's public activity feed.
package github

import (
	"context"
	"encoding/json"
	"fmt"
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
	Provider = "github"

	// KindPushDetail is the enrichment attached to PushEvent records.
	KindPushDetail = "push-detail"

	EventPush = "PushEvent"

	DefaultBaseURL  = "https://api.github.com"
	defaultMaxPages = 10
	perPage         = 100
)

// Config configures the collector.
type Config struct {
	User     string
	Token    string
	BaseURL  string
	MaxPages int
}

// Collector reads /users/{user}/events, which is served newest first.
type Collector struct {
	cfg    Config
	client *apiclient.Client
	logger *slog.Logger
}

var _ source.GlobalCollector = (*Collector)(nil)

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

// Register adds the collector to reg along with the push-detail
// re-enrichment policy.
func Register(reg *source.Registry, c *Collector, window time.Duration, limit int) error {
	return reg.Register(Provider, source.Global{Collector: c},
		source.WithCursor(cursor.IntegerSpec),
		source.WithRefreshOnRecent(EventPush),
		source.WithReenrichment(source.ReenrichPolicy{
			EventType: EventPush,
			Kind:      KindPushDetail,
			Window:    window,
			Limit:     limit,
			Builder:   c.PushDetailBuilder(),
			Delay:     apiclient.DefaultRequestDelay,
		}),
	)
}

type event struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Actor struct {
		Login string `json:"login"`
	} `json:"actor"`
	Repo struct {
		Name string `json:"name"`
	} `json:"repo"`
	Payload   json.RawMessage `json:"payload"`
	Public    bool            `json:"public"`
	CreatedAt time.Time       `json:"created_at"`
}

type pushPayload struct {
	PushID       int64  `json:"push_id"`
	Ref          string `json:"ref"`
	Head         string `json:"head"`
	Before       string `json:"before"`
	Size         int    `json:"size"`
	DistinctSize int    `json:"distinct_size"`
	Commits      []struct {
		SHA     string `json:"sha"`
		Message string `json:"message"`
		Author  struct {
			Name string `json:"name"`
		} `json:"author"`
	} `json:"commits"`
}

// PushDetail is the push-detail enrichment payload.
type PushDetail struct {
	Repo    string   `json:"repo"`
	Ref     string   `json:"ref"`
	Head    string   `json:"head"`
	Before  string   `json:"before"`
	Commits []Commit `json:"commits"`
	Source  string   `json:"source"`
}

type Commit struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
	Author  string `json:"author,omitempty"`
}

// Collect pages through the feed until it reaches an event at or before the
// cursor, runs out of events, or hits the page ceiling.
func (c *Collector) Collect(ctx context.Context, cur cursor.Cursor) (source.Result, error) {
	if c.cfg.User == "" {
		return source.Result{}, &source.ConfigurationError{Provider: Provider, Message: "github user is not set"}
	}
	last, _ := cur.(cursor.Integer)

	var (
		items   []source.Item
		maxSeen = last
	)
	headers := c.headers()

pages:
	for page := 1; page <= c.cfg.MaxPages; page++ {
		var events []event
		q := url.Values{"per_page": {strconv.Itoa(perPage)}, "page": {strconv.Itoa(page)}}
		path := "/users/" + url.PathEscape(c.cfg.User) + "/events"
		if err := c.client.GetJSON(ctx, path, q, headers, &events); err != nil {
			return source.Result{}, err
		}
		if len(events) == 0 {
			break
		}

		for _, ev := range events {
			id, err := strconv.ParseInt(ev.ID, 10, 64)
			if err != nil {
				c.logger.Warn("skipping event with non-numeric id", "id", ev.ID)
				continue
			}
			if last.Valid && id <= last.Value {
				break pages
			}
			if !maxSeen.Valid || id > maxSeen.Value {
				maxSeen = cursor.NewInteger(id)
			}
			items = append(items, toItem(ev))
		}
		if len(events) < perPage {
			break
		}
	}

	// Oldest first, so a partial ingest leaves the earliest records stored.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return source.Result{Items: items, Next: maxSeen}, nil
}

func (c *Collector) headers() http.Header {
	h := apiclient.Bearer(c.cfg.Token)
	h.Set("Accept", "application/vnd.github+json")
	h.Set("X-GitHub-Api-Version", "2022-11-28")
	return h
}

func toItem(ev event) source.Item {
	raw, _ := json.Marshal(ev)
	item := source.Item{
		ExternalID: ev.ID,
		EventType:  ev.Type,
		OccurredAt: ev.CreatedAt,
		Payload:    json.RawMessage(raw),
	}
	if ev.Type == EventPush {
		if d := inlinePushDetail(ev); d != nil {
			item.Enrichment = &source.Enrichment{Kind: KindPushDetail, Data: d}
		}
	}
	return item
}

// inlinePushDetail builds push-detail from the commits embedded in the feed
// payload. The feed omits them for large pushes, in which case the
// re-enrichment pass fills them in from the compare API.
func inlinePushDetail(ev event) *PushDetail {
	var p pushPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil
	}
	d := &PushDetail{
		Repo:    ev.Repo.Name,
		Ref:     p.Ref,
		Head:    p.Head,
		Before:  p.Before,
		Commits: make([]Commit, 0, len(p.Commits)),
		Source:  "feed",
	}
	for _, cm := range p.Commits {
		d.Commits = append(d.Commits, Commit{SHA: cm.SHA, Message: cm.Message, Author: cm.Author.Name})
	}
	return d
}

// PushDetailBuilder returns a builder that resolves the full commit list of
// a stored push through the compare API.
func (c *Collector) PushDetailBuilder() source.Builder {
	return source.BuilderFunc(func(ctx context.Context, ev source.StoredEvent) *source.Enrichment {
		d, err := c.pushDetail(ctx, ev)
		if err != nil {
			c.logger.Debug("push detail unavailable", "event_id", ev.ID, "error", err)
			return nil
		}
		return &source.Enrichment{Kind: KindPushDetail, Data: d}
	})
}

func (c *Collector) pushDetail(ctx context.Context, stored source.StoredEvent) (*PushDetail, error) {
	var ev event
	if err := json.Unmarshal(stored.Payload, &ev); err != nil {
		return nil, fmt.Errorf("decoding stored event: %w", err)
	}
	var p pushPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, fmt.Errorf("decoding push payload: %w", err)
	}
	if ev.Repo.Name == "" || p.Head == "" || p.Before == "" {
		return nil, fmt.Errorf("push %s has no commit range", stored.ExternalID)
	}

	var cmp struct {
		Commits []struct {
			SHA    string `json:"sha"`
			Commit struct {
				Message string `json:"message"`
				Author  struct {
					Name string `json:"name"`
				} `json:"author"`
			} `json:"commit"`
		} `json:"commits"`
	}
	path := fmt.Sprintf("/repos/%s/compare/%s...%s", ev.Repo.Name, url.PathEscape(p.Before), url.PathEscape(p.Head))
	if err := c.client.GetJSON(ctx, path, nil, c.headers(), &cmp); err != nil {
		return nil, err
	}

	d := &PushDetail{
		Repo:    ev.Repo.Name,
		Ref:     p.Ref,
		Head:    p.Head,
		Before:  p.Before,
		Commits: make([]Commit, 0, len(cmp.Commits)),
		Source:  "compare",
	}
	for _, cm := range cmp.Commits {
		d.Commits = append(d.Commits, Commit{SHA: cm.SHA, Message: cm.Commit.Message, Author: cm.Commit.Author.Name})
	}
	return d, nil
}
