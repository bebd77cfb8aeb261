// Package enrich holds enrichment builders that derive metadata from a
// stored event, usually by fetching something the event points at.
package enrich

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/dethbird/journal-sub000/internal/source"
)

// KindLinkPreview is the enrichment kind produced by LinkPreview.
const KindLinkPreview = "link-preview"

const maxPreviewFetchSize = 2 << 20 // 2MB

// Preview is the data stored for a link-preview enrichment.
type Preview struct {
	URL         string `json:"url"`
	FinalURL    string `json:"final_url,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
	SiteName    string `json:"site_name,omitempty"`
}

// LinkPreview fetches the page named by the event payload's "url" field and
// extracts its title, description and preview image.
type LinkPreview struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

var _ source.Builder = (*LinkPreview)(nil)

// NewLinkPreview creates a LinkPreview. client may be nil to use
// http.DefaultClient; callers bound each fetch through the context.
func NewLinkPreview(client *http.Client) *LinkPreview {
	if client == nil {
		client = http.DefaultClient
	}
	return &LinkPreview{
		client:    client,
		userAgent: "journal-link-preview/1.0",
		logger:    slog.Default(),
	}
}

func (lp *LinkPreview) Build(ctx context.Context, ev source.StoredEvent) *source.Enrichment {
	var payload struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil || payload.URL == "" {
		return nil
	}
	u, err := url.Parse(payload.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil
	}

	p, err := lp.fetch(ctx, u)
	if err != nil {
		lp.logger.Debug("link preview unavailable", "url", payload.URL, "event_id", ev.ID, "error", err)
		return nil
	}
	if p.Title == "" && p.Description == "" && p.Image == "" {
		return nil
	}
	return &source.Enrichment{Kind: KindLinkPreview, Data: p}
}

func (lp *LinkPreview) fetch(ctx context.Context, u *url.URL) (Preview, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Preview{}, err
	}
	req.Header.Set("User-Agent", lp.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := lp.client.Do(req)
	if err != nil {
		return Preview{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Preview{}, &statusError{code: resp.StatusCode}
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "" && mt != "text/html" && mt != "application/xhtml+xml" {
		return Preview{}, &contentTypeError{got: mt}
	}

	p := parsePreview(io.LimitReader(resp.Body, maxPreviewFetchSize), resp.Request.URL)
	p.URL = u.String()
	if final := resp.Request.URL.String(); final != p.URL {
		p.FinalURL = final
	}
	return p, nil
}

// parsePreview scans the document head. Open Graph values win over the
// plain <title> and description meta tag.
func parsePreview(r io.Reader, base *url.URL) Preview {
	var p Preview
	var title, description string
	z := html.NewTokenizer(r)
	inTitle := false

	for {
		switch z.Next() {
		case html.ErrorToken:
			return finishPreview(p, title, description, base)
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "title":
				inTitle = title == ""
			case "meta":
				key, content := metaPair(tok)
				switch key {
				case "og:title":
					p.Title = content
				case "og:description":
					p.Description = content
				case "og:image", "og:image:url", "twitter:image":
					if p.Image == "" {
						p.Image = content
					}
				case "og:site_name":
					p.SiteName = content
				case "description":
					description = content
				}
			case "body":
				return finishPreview(p, title, description, base)
			}
		case html.TextToken:
			if inTitle {
				title += string(z.Text())
			}
		case html.EndTagToken:
			if tok := z.Token(); tok.Data == "title" {
				inTitle = false
			} else if tok.Data == "head" {
				return finishPreview(p, title, description, base)
			}
		}
	}
}

func finishPreview(p Preview, title, description string, base *url.URL) Preview {
	if p.Title == "" {
		p.Title = title
	}
	if p.Description == "" {
		p.Description = description
	}
	p.Title = collapseSpace(p.Title)
	p.Description = collapseSpace(p.Description)
	if p.Image != "" && base != nil {
		if ref, err := url.Parse(p.Image); err == nil {
			p.Image = base.ResolveReference(ref).String()
		}
	}
	return p
}

func metaPair(tok html.Token) (key, content string) {
	for _, a := range tok.Attr {
		switch strings.ToLower(a.Key) {
		case "property", "name":
			if key == "" {
				key = strings.ToLower(strings.TrimSpace(a.Val))
			}
		case "content":
			content = strings.TrimSpace(a.Val)
		}
	}
	return key, content
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

type statusError struct{ code int }

func (e *statusError) Error() string { return "unexpected status " + http.StatusText(e.code) }

type contentTypeError struct{ got string }

func (e *contentTypeError) Error() string { return "not an html page: " + e.got }
