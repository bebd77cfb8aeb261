package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dethbird/journal-sub000/internal/cursor"
	"github.com/dethbird/journal-sub000/internal/source"
)

type staticToken string

func (s staticToken) Do(ctx context.Context, call func(ctx context.Context, accessToken string) error) error {
	return call(ctx, string(s))
}

const plainMessage = "From: Alice <alice@example.com>\r\n" +
	"To: me@example.com\r\n" +
	"Subject: Read later\r\n" +
	"Date: Wed, 01 Jan 2025 10:00:00 +0000\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Have a look at https://example.com/article?id=1. Also https://go.dev/blog and again https://example.com/article?id=1\r\n"

const multipartMessage = "From: bob@example.com\r\n" +
	"Subject: Links\r\n" +
	"Content-Type: multipart/alternative; boundary=XYZ\r\n" +
	"\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"see https://one.example/a\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<a href=\"https://two.example/b?x=1&amp;y=2\">two</a>\r\n" +
	"--XYZ--\r\n"

func TestParseMessagePlain(t *testing.T) {
	m, err := ParseMessage(strings.NewReader(plainMessage))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if m.Subject != "Read later" || m.From != "alice@example.com" {
		t.Errorf("unexpected header fields %+v", m)
	}
	want := []string{"https://example.com/article?id=1", "https://go.dev/blog"}
	if len(m.URLs) != len(want) {
		t.Fatalf("URLs = %v, want %v", m.URLs, want)
	}
	for i := range want {
		if m.URLs[i] != want[i] {
			t.Errorf("URLs[%d] = %q, want %q", i, m.URLs[i], want[i])
		}
	}
}

func TestParseMessageMultipart(t *testing.T) {
	m, err := ParseMessage(strings.NewReader(multipartMessage))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if len(m.URLs) != 2 || m.URLs[1] != "https://two.example/b?x=1&y=2" {
		t.Errorf("URLs = %v", m.URLs)
	}
}

const trackedHTMLMessage = "From: news@example.com\r\n" +
	"Subject: Weekly\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<html><head><link rel=\"stylesheet\" href=\"https://cdn.example/site.css\">" +
	"<style>@import url(https://fonts.example/font.css);</style></head>" +
	"<body><img src=\"https://track.example/pixel.gif?u=1\">" +
	"<p>Read <a href=\"https://blog.example/post?a=1&amp;b=2\">this</a> and " +
	"<a href=\"mailto:me@example.com\">mail me</a>.</p>" +
	"<map><area href=\"https://maps.example/spot\"></map>" +
	"<p>Plain mention https://ignored.example/text</p></body></html>\r\n"

func TestParseMessageHTMLAnchorsOnly(t *testing.T) {
	m, err := ParseMessage(strings.NewReader(trackedHTMLMessage))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	want := []string{"https://blog.example/post?a=1&b=2", "https://maps.example/spot"}
	if strings.Join(m.URLs, " ") != strings.Join(want, " ") {
		t.Errorf("URLs = %v, want %v", m.URLs, want)
	}
}

type fakeMessage struct {
	id       string
	internal time.Time
	raw      string
}

func gmailServer(t *testing.T, msgs []fakeMessage, status int) *httptest.Server {
	t.Helper()
	return gmailServerWithLog(t, msgs, status, nil)
}

// gmailServerWithLog records the time of each message fetch in fetches.
func gmailServerWithLog(t *testing.T, msgs []fakeMessage, status int, fetches func(time.Time)) *httptest.Server {
	t.Helper()
	byID := map[string]fakeMessage{}
	for _, m := range msgs {
		byID[m.id] = m
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": "denied"}})
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer mail-token" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/gmail/v1/users/me/messages":
			if !strings.Contains(r.URL.Query().Get("q"), "label:bookmarks") {
				t.Errorf("q = %q", r.URL.Query().Get("q"))
			}
			var refs []map[string]string
			for _, m := range msgs {
				refs = append(refs, map[string]string{"id": m.id, "threadId": m.id})
			}
			json.NewEncoder(w).Encode(map[string]any{"messages": refs})
		case strings.HasPrefix(r.URL.Path, "/gmail/v1/users/me/messages/"):
			if fetches != nil {
				fetches(time.Now())
			}
			id := strings.TrimPrefix(r.URL.Path, "/gmail/v1/users/me/messages/")
			m, ok := byID[id]
			if !ok {
				http.NotFound(w, r)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"id":           m.id,
				"internalDate": strconv.FormatInt(m.internal.UnixMilli(), 10),
				"raw":          base64.URLEncoding.EncodeToString([]byte(m.raw)),
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestCollectForAccount(t *testing.T) {
	t1 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	srv := gmailServer(t, []fakeMessage{
		{id: "m2", internal: t2, raw: multipartMessage},
		{id: "m1", internal: t1, raw: plainMessage},
	}, 0)
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL + "/"}, srv.Client())
	acct := source.Account{ID: "acct-1", OwnerID: "owner", Auth: staticToken("mail-token")}

	res, err := c.CollectForAccount(context.Background(), acct, cursor.Timestamp{Layout: cursor.LayoutMillis})
	if err != nil {
		t.Fatalf("CollectForAccount: %v", err)
	}
	if len(res.Items) != 4 {
		t.Fatalf("got %d items, want 4", len(res.Items))
	}
	for _, it := range res.Items {
		if it.EventType != EventBookmark || len(it.ExternalID) != 64 || it.OwnerID != "owner" {
			t.Errorf("unexpected item %+v", it)
		}
	}
	if want := strconv.FormatInt(t2.UnixMilli(), 10); res.Next.String() != want {
		t.Errorf("Next = %q, want %s", res.Next.String(), want)
	}

	// Messages at or before the cursor are skipped.
	res, err = c.CollectForAccount(context.Background(), acct, res.Next)
	if err != nil {
		t.Fatalf("second CollectForAccount: %v", err)
	}
	if len(res.Items) != 0 {
		t.Errorf("got %d items after cursor, want 0", len(res.Items))
	}
}

func TestCollectForAccountMapsErrors(t *testing.T) {
	tests := []struct {
		status    int
		auth      bool
		transient bool
	}{
		{http.StatusUnauthorized, true, false},
		{http.StatusTooManyRequests, false, true},
		{http.StatusInternalServerError, false, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := gmailServer(t, nil, tt.status)
			defer srv.Close()

			c := New(Config{Endpoint: srv.URL + "/"}, srv.Client())
			_, err := c.CollectForAccount(context.Background(), source.Account{ID: "a", Auth: staticToken("mail-token")}, cursor.Timestamp{})
			if source.IsAuthExpired(err) != tt.auth || source.IsTransient(err) != tt.transient {
				t.Errorf("status %d mapped to %v", tt.status, err)
			}
		})
	}
}

func TestCollectForAccountSpacesMessageFetches(t *testing.T) {
	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	var msgs []fakeMessage
	for i := 0; i < 3; i++ {
		msgs = append(msgs, fakeMessage{id: "m" + strconv.Itoa(i), internal: base.Add(time.Duration(i) * time.Minute), raw: plainMessage})
	}

	var mu sync.Mutex
	var times []time.Time
	srv := gmailServerWithLog(t, msgs, 0, func(at time.Time) {
		mu.Lock()
		times = append(times, at)
		mu.Unlock()
	})
	defer srv.Close()

	const delay = 40 * time.Millisecond
	c := New(Config{Endpoint: srv.URL + "/"}, srv.Client())
	c.fetchDelay = delay

	acct := source.Account{ID: "acct-1", Auth: staticToken("mail-token")}
	if _, err := c.CollectForAccount(context.Background(), acct, cursor.Timestamp{}); err != nil {
		t.Fatalf("CollectForAccount: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(times) != 3 {
		t.Fatalf("message fetches = %d, want 3", len(times))
	}
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < delay {
			t.Errorf("fetch %d followed the previous one after %v, want at least %v", i, gap, delay)
		}
	}
}

func TestCollectForAccountStopsPausingOnCancel(t *testing.T) {
	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	srv := gmailServer(t, []fakeMessage{
		{id: "m1", internal: base, raw: plainMessage},
		{id: "m2", internal: base.Add(time.Minute), raw: plainMessage},
	}, 0)
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL + "/"}, srv.Client())
	c.fetchDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	acct := source.Account{ID: "acct-1", Auth: staticToken("mail-token")}
	if _, err := c.CollectForAccount(ctx, acct, cursor.Timestamp{}); err == nil {
		t.Fatal("expected the cancelled pause to end the invocation")
	}
}
