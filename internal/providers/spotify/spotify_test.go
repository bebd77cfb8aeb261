package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/dethbird/journal-sub000/internal/cursor"
	"github.com/dethbird/journal-sub000/internal/source"
	"github.com/dethbird/journal-sub000/internal/storage"
)

type staticToken string

func (s staticToken) Do(ctx context.Context, call func(ctx context.Context, accessToken string) error) error {
	return call(ctx, string(s))
}

func play(trackID string, at time.Time, artistIDs ...string) map[string]any {
	artists := make([]map[string]any, 0, len(artistIDs))
	for _, id := range artistIDs {
		artists = append(artists, map[string]any{"id": id, "name": "Artist " + id})
	}
	return map[string]any{
		"played_at": at.UTC().Format(time.RFC3339Nano),
		"track": map[string]any{
			"id":          trackID,
			"name":        "Track " + trackID,
			"duration_ms": 180000,
			"artists":     artists,
			"album":       map[string]any{"id": "al", "name": "Album"},
		},
	}
}

func TestCollectForAccountFiltersAtCursor(t *testing.T) {
	base := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	var gotAfter string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/me/player/recently-played" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer acc-token" {
			t.Errorf("Authorization = %q", got)
		}
		gotAfter = r.URL.Query().Get("after")
		json.NewEncoder(w).Encode(map[string]any{"items": []any{
			play("t3", base.Add(3*time.Minute), "a1"),
			play("t2", base.Add(2*time.Minute), "a1"),
			play("t1", base, "a2"),
		}})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, srv.Client())
	acct := source.Account{ID: "acct-1", OwnerID: "owner-1", Auth: staticToken("acc-token")}
	res, err := c.CollectForAccount(context.Background(), acct, cursor.NewTimestamp(base, cursor.LayoutMillis))
	if err != nil {
		t.Fatalf("CollectForAccount: %v", err)
	}
	if gotAfter != strconv.FormatInt(base.UnixMilli(), 10) {
		t.Errorf("after = %q, want %d", gotAfter, base.UnixMilli())
	}
	if len(res.Items) != 2 {
		t.Fatalf("got %d items, want 2", len(res.Items))
	}
	want := fmt.Sprintf("acct-1:%d:t3", base.Add(3*time.Minute).UnixMilli())
	if res.Items[0].ExternalID != want {
		t.Errorf("ExternalID = %q, want %q", res.Items[0].ExternalID, want)
	}
	if res.Items[0].OwnerID != "owner-1" {
		t.Errorf("OwnerID = %q", res.Items[0].OwnerID)
	}
	if res.Next.String() != strconv.FormatInt(base.Add(3*time.Minute).UnixMilli(), 10) {
		t.Errorf("Next = %q", res.Next.String())
	}
}

func TestCollectForAccountEmptyKeepsCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	prev, _ := cursor.MillisSpec.Parse("1000")
	c := New(Config{BaseURL: srv.URL}, srv.Client())
	res, err := c.CollectForAccount(context.Background(), source.Account{ID: "a", Auth: staticToken("x")}, prev)
	if err != nil {
		t.Fatalf("CollectForAccount: %v", err)
	}
	if res.Next.String() != "1000" {
		t.Errorf("Next = %q, want 1000", res.Next.String())
	}
}

func TestCollectForAccountWithoutSession(t *testing.T) {
	c := New(Config{}, nil)
	_, err := c.CollectForAccount(context.Background(), source.Account{ID: "a"}, cursor.Timestamp{})
	if !source.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestCollectForAccountUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"status":401,"message":"The access token expired"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, srv.Client())
	_, err := c.CollectForAccount(context.Background(), source.Account{ID: "a", Auth: staticToken("x")}, cursor.Timestamp{})
	if !source.IsAuthExpired(err) {
		t.Fatalf("expected auth-expired error, got %v", err)
	}
}

func TestGenreBackfill(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	now := time.Now().UTC()
	// 60 distinct artists forces two batches.
	for i := 0; i < 60; i++ {
		payload, _ := json.Marshal(Play{
			TrackID:   fmt.Sprintf("t%d", i),
			ArtistIDs: []string{fmt.Sprintf("ar%d", i), "shared"},
		})
		_, _, err := store.InsertEvent(ctx, storage.Event{
			Provider: Provider, ExternalID: fmt.Sprintf("x%d", i), EventType: EventTrackPlayed,
			OccurredAt: now.Add(-time.Duration(i) * time.Minute), Payload: payload,
		})
		if err != nil {
			t.Fatalf("InsertEvent: %v", err)
		}
	}

	var batches int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/artists" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer app-token" {
			t.Errorf("Authorization = %q", got)
		}
		atomic.AddInt32(&batches, 1)
		ids := strings.Split(r.URL.Query().Get("ids"), ",")
		if len(ids) > artistBatchSize {
			t.Errorf("batch of %d exceeds %d", len(ids), artistBatchSize)
		}
		var artists []map[string]any
		for _, id := range ids {
			genres := []string{"genre-" + id}
			if id == "shared" {
				genres = []string{"ambient"}
			}
			artists = append(artists, map[string]any{"id": id, "genres": genres})
		}
		json.NewEncoder(w).Encode(map[string]any{"artists": artists})
	}))
	defer srv.Close()

	g := NewGenreBackfill(store, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "app-token"}), srv.URL, srv.Client())
	g.batchDelay = time.Millisecond

	n, err := g.Run(ctx, now.Add(-24*time.Hour), 100)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 60 {
		t.Errorf("updated %d plays, want 60", n)
	}
	if got := atomic.LoadInt32(&batches); got != 2 {
		t.Errorf("artist batches = %d, want 2", got)
	}

	ev, err := store.GetEventByExternalID(ctx, Provider, "x0")
	if err != nil {
		t.Fatalf("GetEventByExternalID: %v", err)
	}
	var p Play
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if len(p.Genres) != 2 || p.Genres[0] != "ambient" || p.Genres[1] != "genre-ar0" {
		t.Errorf("Genres = %v", p.Genres)
	}

	// A second run has nothing left to do.
	n, err = g.Run(ctx, now.Add(-24*time.Hour), 100)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if n != 0 {
		t.Errorf("second run updated %d plays, want 0", n)
	}
}

func TestGenreBackfillReachesOlderPlays(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		ids := []string{fmt.Sprintf("ar%d", i)}
		if i == 2 {
			ids = nil
		}
		payload, _ := json.Marshal(Play{TrackID: fmt.Sprintf("t%d", i), ArtistIDs: ids})
		_, _, err := store.InsertEvent(ctx, storage.Event{
			Provider: Provider, ExternalID: fmt.Sprintf("x%d", i), EventType: EventTrackPlayed,
			OccurredAt: now.Add(-time.Duration(i) * time.Minute), Payload: payload,
		})
		if err != nil {
			t.Fatalf("InsertEvent: %v", err)
		}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var artists []map[string]any
		for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
			artists = append(artists, map[string]any{"id": id, "genres": []string{"genre-" + id}})
		}
		json.NewEncoder(w).Encode(map[string]any{"artists": artists})
	}))
	defer srv.Close()

	g := NewGenreBackfill(store, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "app-token"}), srv.URL, srv.Client())
	g.batchDelay = 0
	since := now.Add(-time.Hour)

	for run, want := range []int{2, 2, 1, 0} {
		n, err := g.Run(ctx, since, 2)
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		if n != want {
			t.Errorf("run %d updated %d plays, want %d", run, n, want)
		}
	}

	ev, err := store.GetEventByExternalID(ctx, Provider, "x4")
	if err != nil {
		t.Fatalf("GetEventByExternalID: %v", err)
	}
	var p Play
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if len(p.Genres) != 1 || p.Genres[0] != "genre-ar4" {
		t.Errorf("oldest play Genres = %v", p.Genres)
	}
}

func TestNewClientCredentialsUsesClient(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if user, _, ok := r.BasicAuth(); !ok || user != "app-id" {
			if err := r.ParseForm(); err != nil || r.Form.Get("client_id") != "app-id" {
				t.Errorf("client id not sent")
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"app-token","token_type":"bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	tokens := NewClientCredentials(context.Background(), "app-id", "app-secret", srv.URL, srv.Client())
	tok, err := tokens.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != "app-token" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("token endpoint calls = %d", calls)
	}
}
