package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dethbird/journal-sub000/internal/config"
	"github.com/dethbird/journal-sub000/internal/enrich"
	"github.com/dethbird/journal-sub000/internal/orchestrator"
	"github.com/dethbird/journal-sub000/internal/providers/github"
	"github.com/dethbird/journal-sub000/internal/source"
	"github.com/dethbird/journal-sub000/internal/storage"
)

const statementCSV = "date,description,amount\n" +
	"2025-03-01,Bakery,-3.20\n" +
	"2025-03-02,Refund,10.00\n"

func testConfig() config.Config {
	return config.Config{
		Storage: config.StorageConfig{Target: ":memory:"},
		Log:     config.LogConfig{Level: "error"},
		Server:  config.ServerConfig{Port: 4100},
		Sync: config.SyncConfig{
			Interval:       "15m",
			Concurrency:    1,
			JobBudget:      10,
			HTTPTimeout:    "5s",
			ReenrichWindow: "168h",
			ReenrichLimit:  10,
		},
	}
}

func newTestApp(t *testing.T, sources config.Sources) *app {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	a, err := newApp(testConfig(), sources, store, http.DefaultClient)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	return a
}

func statementsSources(t *testing.T) (config.Sources, string) {
	t.Helper()
	dir := t.TempDir()
	return config.Sources{
		Statements: &config.StatementsSource{Enabled: true, InboxDir: dir, Account: "checking"},
	}, dir
}

func TestExitCode(t *testing.T) {
	if got := exitCode(nil); got != 0 {
		t.Errorf("exitCode(nil) = %d, want 0", got)
	}
	if got := exitCode(errors.New("boom")); got != 1 {
		t.Errorf("exitCode(plain) = %d, want 1", got)
	}
	if got := exitCode(&source.FatalError{Err: errors.New("store down")}); got != 2 {
		t.Errorf("exitCode(fatal) = %d, want 2", got)
	}
}

func TestOpenStoreFailureIsFatal(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := openStore(filepath.Join(file, "data"))
	if err == nil {
		t.Fatal("expected error opening storage under a regular file")
	}
	if got := exitCode(err); got != 2 {
		t.Errorf("exitCode = %d, want 2 for %v", got, err)
	}
}

func TestColorize(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if result := colorize(colorRed, "hello"); result != "hello" {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	if result := colorize(colorRed, "hello"); !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestNewApp_RegistersEnabledProviders(t *testing.T) {
	inbox := t.TempDir()
	a := newTestApp(t, config.Sources{
		GitHub:     &config.GitHubSource{Enabled: true, User: "octocat"},
		Spotify:    &config.SpotifySource{Enabled: true},
		Steam:      &config.SteamSource{Enabled: false, SteamID: "1"},
		Location:   &config.LocationSource{Enabled: true, ExportDir: t.TempDir()},
		Trello:     &config.TrelloSource{Enabled: true, Boards: []string{"b1"}},
		Gmail:      &config.GmailSource{Enabled: true},
		Statements: &config.StatementsSource{Enabled: true, InboxDir: inbox},
	})

	got := strings.Join(a.registry.Names(), ",")
	for _, want := range []string{"github", "spotify", "location", "trello", "gmail", "statements"} {
		if !strings.Contains(got, want) {
			t.Errorf("registry %q missing %s", got, want)
		}
	}
	if strings.Contains(got, "steam") {
		t.Errorf("disabled steam was registered: %q", got)
	}
	if _, ok := a.builders[enrich.KindLinkPreview]; !ok {
		t.Error("link-preview builder missing")
	}
	if _, ok := a.builders[github.KindPushDetail]; !ok {
		t.Error("push-detail builder missing")
	}
}

func TestNewApp_NoSources(t *testing.T) {
	a := newTestApp(t, config.Sources{})
	if n := len(a.registry.Names()); n != 0 {
		t.Errorf("registered %d providers, want 0", n)
	}
}

func TestRunSync_StatementsIdempotent(t *testing.T) {
	sources, inbox := statementsSources(t)
	if err := os.WriteFile(filepath.Join(inbox, "march.csv"), []byte(statementCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	a := newTestApp(t, sources)
	ctx := context.Background()

	var out bytes.Buffer
	sum, err := runSync(ctx, a, &out, nil)
	if err != nil {
		t.Fatalf("runSync: %v", err)
	}
	if sum.Created() != 2 {
		t.Fatalf("created = %d, want 2; output:\n%s", sum.Created(), out.String())
	}
	if !strings.Contains(out.String(), "statements") {
		t.Errorf("summary output missing provider row:\n%s", out.String())
	}

	sum, err = runSync(ctx, a, &out, nil)
	if err != nil {
		t.Fatalf("second runSync: %v", err)
	}
	if sum.Created() != 0 {
		t.Errorf("second cycle created = %d, want 0", sum.Created())
	}
	n, err := a.store.CountEvents(ctx, "statements")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("stored events = %d, want 2", n)
	}

	runs, err := a.store.ListSyncRuns(ctx, "statements", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("sync runs = %d, want 2", len(runs))
	}
}

func TestListCursors(t *testing.T) {
	a := newTestApp(t, config.Sources{})
	ctx := context.Background()

	var out bytes.Buffer
	if err := listCursors(ctx, a.store, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "No cursors") {
		t.Errorf("empty output = %q", out.String())
	}

	a.store.SetCursor(ctx, "github", "", "42")
	a.store.SetCursor(ctx, "spotify", "acct-1", "")
	out.Reset()
	if err := listCursors(ctx, a.store, &out); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"github", "42", "acct-1", "(empty)"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestSetCursor(t *testing.T) {
	sources, _ := statementsSources(t)
	a := newTestApp(t, sources)
	ctx := context.Background()

	if err := setCursor(ctx, a, "statements", "", `{"march.csv":"1700000000000"}`); err != nil {
		t.Fatalf("setCursor: %v", err)
	}
	cur, err := a.store.EnsureCursor(ctx, "statements", "")
	if err != nil {
		t.Fatal(err)
	}
	if cur.Value != `{"march.csv":"1700000000000"}` {
		t.Errorf("cursor value = %q", cur.Value)
	}

	if err := setCursor(ctx, a, "statements", "", "not json"); err == nil {
		t.Error("expected error for unparseable cursor")
	}
	if err := setCursor(ctx, a, "statements", "acct-1", ""); err == nil {
		t.Error("expected error for --account on a global provider")
	}
	if err := setCursor(ctx, a, "github", "", "1"); err == nil {
		t.Error("expected error for unregistered provider")
	}
}

func TestConnectAccount(t *testing.T) {
	sources, _ := statementsSources(t)
	sources.Spotify = &config.SpotifySource{Enabled: true}
	a := newTestApp(t, sources)
	ctx := context.Background()

	acct, err := connectAccount(ctx, a, connectInput{
		Provider:     "spotify",
		OwnerID:      "me",
		ExternalUser: "alice",
		RefreshToken: "rt",
	})
	if err != nil {
		t.Fatalf("connectAccount: %v", err)
	}
	cred, err := a.store.LatestCredential(ctx, acct.ID)
	if err != nil {
		t.Fatalf("LatestCredential: %v", err)
	}
	if cred.RefreshToken != "rt" || cred.ExpiresAt.After(time.Now()) {
		t.Errorf("credential = %+v, want refresh token and immediate expiry", cred)
	}

	tests := []connectInput{
		{Provider: "statements", OwnerID: "me", AccessToken: "x"},
		{Provider: "gmail", OwnerID: "me", AccessToken: "x"},
		{Provider: "spotify", OwnerID: "me"},
	}
	for _, in := range tests {
		if _, err := connectAccount(ctx, a, in); err == nil {
			t.Errorf("connectAccount(%+v) succeeded, want error", in)
		}
	}
}

func TestWriteSummary(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	start := time.Now()
	sum := orchestrator.Summary{
		CycleID:    "cycle-1",
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Providers: []orchestrator.ProviderSummary{
			{Provider: "github", Status: orchestrator.StatusOK, Created: 4},
			{Provider: "trello", Status: orchestrator.StatusFailed, Errors: []string{"board b1: timeout"}},
		},
	}
	var out bytes.Buffer
	writeSummary(&out, sum)

	for _, want := range []string{"github", "ok", "trello", "failed", "board b1: timeout", "cycle-1", "1.5s"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("summary missing %q:\n%s", want, out.String())
		}
	}
}

func TestTriggerRemote(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if r.Method != http.MethodPost || r.URL.Path != "/sync" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status":"triggered"}`))
	}))
	t.Cleanup(srv.Close)

	c := &apiClient{baseURL: srv.URL, token: "tok", httpClient: srv.Client()}
	if err := triggerRemote(context.Background(), c); err != nil {
		t.Fatalf("triggerRemote: %v", err)
	}
	if auth != "Bearer tok" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestTriggerRemote_ServerDown(t *testing.T) {
	c := &apiClient{baseURL: "http://127.0.0.1:1", httpClient: &http.Client{Timeout: time.Second}}
	if err := triggerRemote(context.Background(), c); err == nil {
		t.Fatal("expected error when server is down")
	}
	if c.healthy(context.Background()) {
		t.Error("healthy = true for unreachable server")
	}
}

func TestWatchInbox_ImportsNewFile(t *testing.T) {
	sources, inbox := statementsSources(t)
	a := newTestApp(t, sources)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watchInbox(ctx, a, inbox, 50*time.Millisecond) }()

	// Give the watcher time to register before writing.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(inbox, "april.csv"), []byte(statementCSV), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := a.store.CountEvents(context.Background(), "statements")
		if err == nil && n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("events = %d after waiting, want 2", n)
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watchInbox: %v", err)
	}
}
