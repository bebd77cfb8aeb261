package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestAccount(t *testing.T, s *Store, provider string) Account {
	t.Helper()
	a, err := s.CreateAccount(context.Background(), Account{Provider: provider, OwnerID: "user-1", Active: true})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return a
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_events_provider_type", "idx_credentials_account", "idx_jobs_claim", "idx_sync_runs_started"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestRebind(t *testing.T) {
	s := &Store{dialect: dialectPostgres}
	got := s.rebind("SELECT a FROM t WHERE b = ? AND c IN (?, ?)")
	want := "SELECT a FROM t WHERE b = $1 AND c IN ($2, $3)"
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}

	s.dialect = dialectSQLite
	if got := s.rebind("x = ?"); got != "x = ?" {
		t.Errorf("sqlite rebind = %q, want unchanged", got)
	}
}

func TestInsertEvent_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := Event{Provider: "alpha", ExternalID: "E1", EventType: "push", Payload: json.RawMessage(`{"n":1}`)}
	first, inserted, err := s.InsertEvent(ctx, e)
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if !inserted {
		t.Fatal("first insert reported inserted=false")
	}

	e.Payload = json.RawMessage(`{"n":2}`)
	second, inserted, err := s.InsertEvent(ctx, e)
	if err != nil {
		t.Fatalf("second InsertEvent: %v", err)
	}
	if inserted {
		t.Error("second insert reported inserted=true")
	}
	if second.ID != first.ID {
		t.Errorf("second ID = %q, want %q", second.ID, first.ID)
	}
	if string(second.Payload) != `{"n":1}` {
		t.Errorf("payload = %s, want original", second.Payload)
	}

	n, err := s.CountEvents(ctx, "alpha")
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("CountEvents = %d, want 1", n)
	}
}

func TestInsertEvent_ConcurrentSameKey(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	insertedCount := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, inserted, err := s.InsertEvent(ctx, Event{Provider: "alpha", ExternalID: "E1", EventType: "push"})
			if err != nil {
				t.Errorf("InsertEvent: %v", err)
				return
			}
			if inserted {
				mu.Lock()
				insertedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if insertedCount != 1 {
		t.Errorf("inserted count = %d, want 1", insertedCount)
	}
}

func TestInsertEvent_DefaultsOccurredAt(t *testing.T) {
	s := openTestStore(t)
	before := time.Now().Add(-time.Second)

	e, _, err := s.InsertEvent(context.Background(), Event{Provider: "alpha", ExternalID: "E2", EventType: "x"})
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if e.OccurredAt.Before(before) {
		t.Errorf("OccurredAt = %v, want ingestion time", e.OccurredAt)
	}
	if string(e.Payload) != "{}" {
		t.Errorf("Payload = %s, want {}", e.Payload)
	}
}

func TestGetEvent_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetEvent(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetEvent error = %v, want ErrNotFound", err)
	}
}

func TestListEvents_FilterAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		typ := "PushEvent"
		if i%2 == 1 {
			typ = "WatchEvent"
		}
		_, _, err := s.InsertEvent(ctx, Event{
			Provider:   "github",
			ExternalID: fmt.Sprintf("%d", i),
			EventType:  typ,
			OccurredAt: base.Add(time.Duration(i) * time.Hour),
			OwnerID:    "user-1",
		})
		if err != nil {
			t.Fatalf("InsertEvent %d: %v", i, err)
		}
	}

	got, err := s.ListEvents(ctx, EventFilter{Provider: "github", EventType: "PushEvent", Since: base.Add(time.Hour)})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ExternalID != "4" || got[1].ExternalID != "2" {
		t.Errorf("order = [%s %s], want [4 2]", got[0].ExternalID, got[1].ExternalID)
	}
	if got[0].OwnerID != "user-1" {
		t.Errorf("OwnerID = %q, want user-1", got[0].OwnerID)
	}
}

func TestListEvents_MissingKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	payloads := []string{`{"genres":["jazz"]}`, `{"track":"a"}`, `{"genres":[]}`, `{"track":"b"}`}
	for i, p := range payloads {
		_, _, err := s.InsertEvent(ctx, Event{
			Provider:   "spotify",
			ExternalID: fmt.Sprintf("%d", i),
			EventType:  "track_played",
			OccurredAt: base.Add(time.Duration(i) * time.Hour),
			Payload:    json.RawMessage(p),
		})
		if err != nil {
			t.Fatalf("InsertEvent %d: %v", i, err)
		}
	}

	got, err := s.ListEvents(ctx, EventFilter{Provider: "spotify", MissingKey: "genres"})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(got) != 2 || got[0].ExternalID != "3" || got[1].ExternalID != "1" {
		ids := make([]string, len(got))
		for i, e := range got {
			ids[i] = e.ExternalID
		}
		t.Errorf("got %v, want [3 1]", ids)
	}
}

func TestUpdateEventPayload(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e, _, err := s.InsertEvent(ctx, Event{Provider: "spotify", ExternalID: "t1", EventType: "track_played"})
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if err := s.UpdateEventPayload(ctx, e.ID, json.RawMessage(`{"genres":["jazz"]}`)); err != nil {
		t.Fatalf("UpdateEventPayload: %v", err)
	}
	got, err := s.GetEvent(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if string(got.Payload) != `{"genres":["jazz"]}` {
		t.Errorf("Payload = %s", got.Payload)
	}

	if err := s.UpdateEventPayload(ctx, "missing", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateEventPayload(missing) = %v, want ErrNotFound", err)
	}
}

func TestUpsertEnrichment_Replaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e, _, err := s.InsertEvent(ctx, Event{Provider: "github", ExternalID: "1", EventType: "PushEvent"})
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	t1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	if err := s.UpsertEnrichment(ctx, Enrichment{EventID: e.ID, Kind: "push-detail", Data: json.RawMessage(`{"commits":1}`), FetchedAt: t1}); err != nil {
		t.Fatalf("UpsertEnrichment: %v", err)
	}
	if err := s.UpsertEnrichment(ctx, Enrichment{EventID: e.ID, Kind: "push-detail", Data: json.RawMessage(`{"commits":3}`), FetchedAt: t2}); err != nil {
		t.Fatalf("second UpsertEnrichment: %v", err)
	}

	all, err := s.ListEnrichments(ctx, e.ID)
	if err != nil {
		t.Fatalf("ListEnrichments: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("len = %d, want 1", len(all))
	}
	if string(all[0].Data) != `{"commits":3}` {
		t.Errorf("Data = %s, want second write", all[0].Data)
	}
	if !all[0].FetchedAt.Equal(t2) {
		t.Errorf("FetchedAt = %v, want %v", all[0].FetchedAt, t2)
	}
}

func TestEnsureCursor_CreatesOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, err := s.EnsureCursor(ctx, "github", "")
	if err != nil {
		t.Fatalf("EnsureCursor: %v", err)
	}
	if c.Value != "" {
		t.Errorf("new cursor Value = %q, want empty", c.Value)
	}

	if err := s.SetCursor(ctx, "github", "", "42"); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	c, err = s.EnsureCursor(ctx, "github", "")
	if err != nil {
		t.Fatalf("EnsureCursor: %v", err)
	}
	if c.Value != "42" {
		t.Errorf("Value = %q, want 42", c.Value)
	}

	if _, err := s.EnsureCursor(ctx, "github", "acct-1"); err != nil {
		t.Fatalf("EnsureCursor(account): %v", err)
	}
	all, err := s.ListCursors(ctx)
	if err != nil {
		t.Fatalf("ListCursors: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("cursor count = %d, want 2", len(all))
	}
}

func TestLatestCredential(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := createTestAccount(t, s, "spotify")

	if _, err := s.LatestCredential(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LatestCredential(empty) = %v, want ErrNotFound", err)
	}

	old := time.Now().Add(-time.Hour)
	if _, err := s.InsertCredential(ctx, Credential{AccountID: a.ID, AccessToken: "old", UpdatedAt: old, CreatedAt: old}); err != nil {
		t.Fatalf("InsertCredential: %v", err)
	}
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)
	if _, err := s.InsertCredential(ctx, Credential{AccountID: a.ID, AccessToken: "new", RefreshToken: "r", ExpiresAt: exp}); err != nil {
		t.Fatalf("InsertCredential: %v", err)
	}

	got, err := s.LatestCredential(ctx, a.ID)
	if err != nil {
		t.Fatalf("LatestCredential: %v", err)
	}
	if got.AccessToken != "new" {
		t.Errorf("AccessToken = %q, want new", got.AccessToken)
	}
	if !got.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, exp)
	}
}

func TestListActiveAccounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := createTestAccount(t, s, "spotify")
	b := createTestAccount(t, s, "spotify")
	createTestAccount(t, s, "gmail")

	if err := s.SetAccountActive(ctx, b.ID, false); err != nil {
		t.Fatalf("SetAccountActive: %v", err)
	}
	got, err := s.ListActiveAccounts(ctx, "spotify")
	if err != nil {
		t.Fatalf("ListActiveAccounts: %v", err)
	}
	if len(got) != 1 || got[0].ID != a.ID {
		t.Errorf("ListActiveAccounts = %+v, want only %s", got, a.ID)
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "job-1", Type: "enrich_event", PayloadJSON: `{"event_id":"e1"}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	job, err := s.ClaimNextJob(ctx, []string{"enrich_event"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if job.Status != "running" {
		t.Errorf("Status = %q, want running", job.Status)
	}
	if job.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", job.MaxAttempts)
	}

	again, err := s.ClaimNextJob(ctx, []string{"enrich_event"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if again != nil {
		t.Errorf("second claim returned job %s, want nil", again.ID)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "later", Type: "enrich_event", RunAfter: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	job, err := s.ClaimNextJob(ctx, []string{"enrich_event"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job != nil {
		t.Errorf("claimed future job %s", job.ID)
	}
}

func TestFailJob_BackoffThenFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j", Type: "enrich_event", MaxAttempts: 2}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"enrich_event"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	before := time.Now()
	if err := s.FailJob(ctx, "j", "boom"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	j, err := s.GetJob(ctx, "j")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != "pending" || j.Attempts != 1 || j.LastError != "boom" {
		t.Errorf("after first fail: status=%q attempts=%d last_error=%q", j.Status, j.Attempts, j.LastError)
	}
	if !j.RunAfter.After(before.Add(time.Second)) {
		t.Errorf("RunAfter = %v, want backoff of at least 2s", j.RunAfter)
	}

	if err := s.FailJob(ctx, "j", "boom again"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	j, err = s.GetJob(ctx, "j")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != "failed" {
		t.Errorf("Status = %q, want failed", j.Status)
	}
}

func TestSyncRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, p := range []string{"github", "spotify", "github"} {
		r := SyncRun{CycleID: "c", Provider: p, Status: "ok", Created: i, StartedAt: base.Add(time.Duration(i) * time.Minute), FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second)}
		if err := s.SaveSyncRun(ctx, r); err != nil {
			t.Fatalf("SaveSyncRun: %v", err)
		}
	}

	runs, err := s.ListSyncRuns(ctx, "github", 10)
	if err != nil {
		t.Fatalf("ListSyncRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len = %d, want 2", len(runs))
	}
	if runs[0].Created != 2 {
		t.Errorf("first run Created = %d, want newest (2)", runs[0].Created)
	}
}
