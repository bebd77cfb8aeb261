// Package gmail turns links found in bookmarked mail into bookmark events.
// Each connected mailbox is collected with its own credential; a message
// matching the bookmark query yields one event per distinct http(s) link.
package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"
	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/dethbird/journal-sub000/internal/canonical"
	"github.com/dethbird/journal-sub000/internal/cursor"
	"github.com/dethbird/journal-sub000/internal/enrich"
	"github.com/dethbird/journal-sub000/internal/providers/apiclient"
	"github.com/dethbird/journal-sub000/internal/source"
)

const (
	Provider = "gmail"

	EventBookmark = "bookmark"

	DefaultQuery    = "label:bookmarks"
	defaultMaxPages = 5
	pageSize        = 50
	maxBodySize     = 1 << 20
)

type Config struct {
	Query    string
	MaxPages int
	// Endpoint overrides the API base URL.
	Endpoint string
}

type Collector struct {
	cfg        Config
	httpClient *http.Client
	// fetchDelay spaces the per-message fetches of one invocation.
	fetchDelay time.Duration
	logger     *slog.Logger
}

var _ source.AccountCollector = (*Collector)(nil)

func New(cfg Config, httpClient *http.Client) *Collector {
	if cfg.Query == "" {
		cfg.Query = DefaultQuery
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Collector{
		cfg:        cfg,
		httpClient: httpClient,
		fetchDelay: apiclient.DefaultRequestDelay,
		logger:     slog.Default().With("provider", Provider),
	}
}

// Register adds the collector with link previews built asynchronously for
// every new bookmark.
func Register(reg *source.Registry, c *Collector) error {
	return reg.Register(Provider, source.PerAccount{Collector: c},
		source.WithCursor(cursor.MillisSpec),
		source.WithAsyncEnrichment(EventBookmark, enrich.KindLinkPreview),
	)
}

// Bookmark is the stored payload of a bookmark event.
type Bookmark struct {
	URL        string    `json:"url"`
	Subject    string    `json:"subject,omitempty"`
	From       string    `json:"from,omitempty"`
	MessageID  string    `json:"message_id"`
	ReceivedAt time.Time `json:"received_at"`
}

func (c *Collector) service(ctx context.Context, token string) (*gmailapi.Service, error) {
	base := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	client := oauth2.NewClient(base, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if c.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.cfg.Endpoint))
	}
	return gmailapi.NewService(ctx, opts...)
}

func (c *Collector) CollectForAccount(ctx context.Context, acct source.Account, cur cursor.Cursor) (source.Result, error) {
	if acct.Auth == nil {
		return source.Result{}, &source.ConfigurationError{Provider: Provider, Message: "account " + acct.ID + " has no credential session"}
	}
	last, _ := cur.(cursor.Timestamp)
	last.Layout = cursor.LayoutMillis
	next := last

	query := c.cfg.Query
	if !last.IsZero() {
		query += " after:" + strconv.FormatInt(last.At.Unix(), 10)
	}

	var items []source.Item
	err := acct.Auth.Do(ctx, func(ctx context.Context, token string) error {
		items = items[:0]
		next = last

		svc, err := c.service(ctx, token)
		if err != nil {
			return fmt.Errorf("creating gmail service: %w", err)
		}

		fetched := 0
		pageToken := ""
		for page := 0; page < c.cfg.MaxPages; page++ {
			call := svc.Users.Messages.List("me").Q(query).MaxResults(pageSize).Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			resp, err := call.Do()
			if err != nil {
				return classify(err)
			}

			for _, ref := range resp.Messages {
				if fetched > 0 {
					if err := apiclient.Pause(ctx, c.fetchDelay); err != nil {
						return err
					}
				}
				fetched++
				msg, err := svc.Users.Messages.Get("me", ref.Id).Format("raw").Context(ctx).Do()
				if err != nil {
					return classify(err)
				}
				received := time.UnixMilli(msg.InternalDate).UTC()
				if !last.IsZero() && !received.After(last.At) {
					continue
				}
				marks, err := c.bookmarks(acct, msg)
				if err != nil {
					c.logger.Warn("skipping unreadable message", "account", acct.ID, "message_id", msg.Id, "error", err)
					continue
				}
				items = append(items, marks...)
				if received.After(next.At) {
					next = cursor.NewTimestamp(received, cursor.LayoutMillis)
				}
			}

			if resp.NextPageToken == "" {
				break
			}
			pageToken = resp.NextPageToken
		}
		return nil
	})
	if err != nil {
		return source.Result{}, err
	}
	return source.Result{Items: items, Next: next}, nil
}

func (c *Collector) bookmarks(acct source.Account, msg *gmailapi.Message) ([]source.Item, error) {
	raw, err := decodeRaw(msg.Raw)
	if err != nil {
		return nil, err
	}
	parsed, err := ParseMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	received := time.UnixMilli(msg.InternalDate).UTC()
	items := make([]source.Item, 0, len(parsed.URLs))
	for _, u := range parsed.URLs {
		items = append(items, source.Item{
			ExternalID: canonical.New("bookmark").
				String("account", acct.ID).
				String("message", msg.Id).
				String("url", u).
				ID(canonical.DomainBookmark),
			EventType:  EventBookmark,
			OccurredAt: received,
			OwnerID:    acct.OwnerID,
			Payload: Bookmark{
				URL:        u,
				Subject:    parsed.Subject,
				From:       parsed.From,
				MessageID:  msg.Id,
				ReceivedAt: received,
			},
		})
	}
	return items, nil
}

func decodeRaw(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding raw message: %w", err)
	}
	return b, nil
}

// classify maps a Gmail API failure onto the source error types.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return apiclient.StatusError(Provider, gerr.Code, gerr.Message)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &source.TransientProviderError{Provider: Provider, Err: err}
}

// Message is the part of a mail message bookmarks are built from.
type Message struct {
	Subject string
	From    string
	Date    time.Time
	URLs    []string
}

// urlPattern finds links in plain text; HTML parts are tokenized instead.
var urlPattern = regexp.MustCompile(`https?://[^\s<>"'()\[\]]+`)

// ParseMessage reads an RFC 5322 message and collects the distinct http(s)
// links in its text parts, in order of first appearance. Only anchor hrefs
// count in HTML parts, so images and stylesheets are left out.
func ParseMessage(r io.Reader) (*Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	defer mr.Close()

	out := &Message{}
	out.Subject, _ = mr.Header.Subject()
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		out.From = from[0].Address
	}
	out.Date, _ = mr.Header.Date()

	seen := make(map[string]bool)
	addURL := func(raw string) {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return
		}
		if !seen[raw] {
			seen[raw] = true
			out.URLs = append(out.URLs, raw)
		}
	}
	addText := func(text string) {
		for _, m := range urlPattern.FindAllString(text, -1) {
			addURL(strings.TrimRight(m, ".,;:!?"))
		}
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading message part: %w", err)
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		if ct != "" && !strings.HasPrefix(ct, "text/") {
			continue
		}
		body, err := io.ReadAll(io.LimitReader(p.Body, maxBodySize))
		if err != nil {
			return nil, fmt.Errorf("reading message body: %w", err)
		}
		if ct == "text/html" {
			for _, href := range anchorLinks(bytes.NewReader(body)) {
				addURL(href)
			}
			continue
		}
		addText(string(body))
	}
	if len(out.URLs) == 0 {
		addText(out.Subject)
	}
	return out, nil
}

// anchorLinks returns the href of every <a> and <area> element.
func anchorLinks(r io.Reader) []string {
	var out []string
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return out
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if tag := string(name); tag != "a" && tag != "area" {
				continue
			}
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				if string(key) == "href" {
					out = append(out, strings.TrimSpace(string(val)))
				}
			}
		}
	}
}
