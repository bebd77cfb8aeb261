// Package apiclient is the small JSON-over-HTTP client shared by provider
// collectors. It maps response statuses onto the source error types and
// never retries; a failed page is picked up again on the next cycle.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dethbird/journal-sub000/internal/source"
)

// DefaultTimeout bounds one request when the caller's context has no deadline.
const DefaultTimeout = 30 * time.Second

const maxErrorBody = 4 << 10

// HTTPError is a non-success response that is neither an auth failure nor
// transient.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Client issues GET requests against one provider's API.
type Client struct {
	provider  string
	baseURL   string
	http      *http.Client
	userAgent string
	timeout   time.Duration
}

// New creates a Client. httpClient may be nil.
func New(provider, baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		provider:  provider,
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      httpClient,
		userAgent: "journal/1.0",
		timeout:   DefaultTimeout,
	}
}

// Provider returns the provider name used in errors.
func (c *Client) Provider() string { return c.provider }

// Bearer returns an Authorization header for token.
func Bearer(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

// GetJSON fetches path (relative to the base URL, or absolute) and decodes
// the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, headers http.Header, out any) error {
	body, err := c.Get(ctx, path, query, headers)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decoding %s: %w", c.provider, path, err)
	}
	return nil
}

// Get fetches path and returns the raw body of a 2xx response.
func (c *Client) Get(ctx context.Context, path string, query url.Values, headers http.Header) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.baseURL + "/" + strings.TrimLeft(path, "/")
	}
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: building request: %w", c.provider, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, &source.TransientProviderError{Provider: c.provider, Err: err}
		}
		if ctx.Err() == nil {
			// Connection refused, reset and DNS failures are worth another cycle.
			return nil, &source.TransientProviderError{Provider: c.provider, Err: err}
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &source.TransientProviderError{Provider: c.provider, Err: fmt.Errorf("reading body: %w", err)}
		}
		return body, nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, c.statusError(resp.StatusCode, raw)
}

// StatusError maps a non-2xx status to the matching source error. Provider
// SDK clients that bypass Get use it to classify their own failures.
func StatusError(provider string, status int, message string) error {
	herr := &HTTPError{StatusCode: status, Message: message}
	switch {
	case status == http.StatusUnauthorized:
		return &source.AuthExpiredError{Provider: provider, Err: herr}
	case status == http.StatusTooManyRequests, status >= 500:
		return &source.TransientProviderError{Provider: provider, StatusCode: status, Err: herr}
	default:
		return herr
	}
}

func (c *Client) statusError(status int, raw []byte) error {
	return StatusError(c.provider, status, errorMessage(raw, status))
}

// errorMessage pulls a human-readable message out of the common error body
// shapes, falling back to the status text.
func errorMessage(raw []byte, status int) string {
	var body struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		switch e := body.Error.(type) {
		case string:
			return e
		case map[string]any:
			if m, ok := e["message"].(string); ok {
				return m
			}
		}
	}
	if s := strings.TrimSpace(string(raw)); s != "" && len(s) < 200 {
		return s
	}
	return http.StatusText(status)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// DefaultRequestDelay spaces successive sub-requests to one provider.
const DefaultRequestDelay = 100 * time.Millisecond

// Pause waits d before the next request to the same provider. It returns
// early with the context's error on cancellation.
func Pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
