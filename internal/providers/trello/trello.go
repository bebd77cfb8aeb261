// Package trello collects board actions. The cursor keeps the newest action
// id seen per board, so boards can be added without rescanning the others.
package trello

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dethbird/journal-sub000/internal/cursor"
	"github.com/dethbird/journal-sub000/internal/providers/apiclient"
	"github.com/dethbird/journal-sub000/internal/source"
)

const (
	Provider = "trello"

	DefaultBaseURL  = "https://api.trello.com"
	defaultMaxPages = 5
	pageSize        = 200
)

type Config struct {
	APIKey   string
	Token    string
	Boards   []string
	BaseURL  string
	MaxPages int
}

type Collector struct {
	cfg    Config
	client *apiclient.Client
}

var _ source.GlobalCollector = (*Collector)(nil)

func New(cfg Config, httpClient *http.Client) *Collector {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	return &Collector{cfg: cfg, client: apiclient.New(Provider, cfg.BaseURL, httpClient)}
}

func Register(reg *source.Registry, c *Collector) error {
	return reg.Register(Provider, source.Global{Collector: c}, source.WithCursor(cursor.StructuredSpec))
}

type action struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Date            time.Time       `json:"date"`
	IDMemberCreator string          `json:"idMemberCreator"`
	Data            json.RawMessage `json:"data"`
	MemberCreator   *struct {
		Username string `json:"username"`
		FullName string `json:"fullName"`
	} `json:"memberCreator"`
}

// Action is the stored payload of a board action.
type Action struct {
	Board  string          `json:"board"`
	Type   string          `json:"type"`
	Member string          `json:"member,omitempty"`
	Date   time.Time       `json:"date"`
	Data   json.RawMessage `json:"data"`
}

// Collect walks each board newest first until it reaches the board's mark.
// A failure on any board abandons the whole invocation so no mark moves
// past actions that were never returned.
func (c *Collector) Collect(ctx context.Context, cur cursor.Cursor) (source.Result, error) {
	if c.cfg.APIKey == "" || c.cfg.Token == "" {
		return source.Result{}, &source.ConfigurationError{Provider: Provider, Message: "trello api key and token are required"}
	}
	if len(c.cfg.Boards) == 0 {
		return source.Result{}, &source.ConfigurationError{Provider: Provider, Message: "no boards configured"}
	}
	prev, _ := cur.(cursor.Structured)
	next := prev

	var items []source.Item
	for _, board := range c.cfg.Boards {
		boardItems, newest, err := c.collectBoard(ctx, board, prev.Get(board))
		if err != nil {
			return source.Result{}, err
		}
		items = append(items, boardItems...)
		if newest != "" {
			next = next.With(board, newest)
		}
	}
	return source.Result{Items: items, Next: next}, nil
}

func (c *Collector) collectBoard(ctx context.Context, board, last string) ([]source.Item, string, error) {
	var (
		items  []source.Item
		newest string
		before string
	)
	for page := 0; page < c.cfg.MaxPages; page++ {
		q := url.Values{
			"key":           {c.cfg.APIKey},
			"token":         {c.cfg.Token},
			"limit":         {strconv.Itoa(pageSize)},
			"memberCreator": {"true"},
		}
		if last != "" {
			q.Set("since", last)
		}
		if before != "" {
			q.Set("before", before)
		}

		var actions []action
		if err := c.client.GetJSON(ctx, "/1/boards/"+url.PathEscape(board)+"/actions", q, nil, &actions); err != nil {
			return nil, "", err
		}
		if len(actions) == 0 {
			break
		}

		reached := false
		for _, a := range actions {
			if !cursor.MarkAfter(a.ID, last) {
				reached = true
				break
			}
			if newest == "" || cursor.MarkAfter(a.ID, newest) {
				newest = a.ID
			}
			items = append(items, toItem(board, a))
			before = a.ID
		}
		if reached || len(actions) < pageSize {
			break
		}
	}
	return items, newest, nil
}

func toItem(board string, a action) source.Item {
	p := Action{Board: board, Type: a.Type, Date: a.Date, Data: a.Data}
	if a.MemberCreator != nil {
		p.Member = a.MemberCreator.Username
	}
	return source.Item{
		ExternalID: a.ID,
		EventType:  a.Type,
		OccurredAt: a.Date,
		Payload:    p,
	}
}
