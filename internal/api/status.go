package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dethbird/journal-sub000/internal/storage"
)

// Store is the read side the status API and MCP tools need.
type Store interface {
	Ping(ctx context.Context) error
	ListEvents(ctx context.Context, f storage.EventFilter) ([]storage.Event, error)
	GetEvent(ctx context.Context, id string) (storage.Event, error)
	ListEnrichments(ctx context.Context, eventID string) ([]storage.Enrichment, error)
	ListCursors(ctx context.Context) ([]storage.Cursor, error)
	ListSyncRuns(ctx context.Context, provider string, limit int) ([]storage.SyncRun, error)
	ListAccounts(ctx context.Context) ([]storage.Account, error)
	CountJobs(ctx context.Context, status string) (int, error)
}

type StatusDeps struct {
	Store Store
	Token string
	// Trigger requests a sync cycle. It reports false when one is already
	// pending. Nil disables POST /sync.
	Trigger func() bool
	// Providers lists the registered provider names.
	Providers []string
}

// NewStatusHandler serves /health unauthenticated and everything else
// behind the bearer token.
func NewStatusHandler(deps StatusDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Get("/providers", handleProviders(deps))
		r.Get("/runs", handleListRuns(deps))
		r.Get("/events", handleListEvents(deps))
		r.Get("/events/{id}", handleGetEvent(deps))
		r.Get("/cursors", handleListCursors(deps))
		r.Get("/accounts", handleListAccounts(deps))
		r.Post("/sync", handleTriggerSync(deps))
	})
	return r
}

type eventView struct {
	ID          string           `json:"id"`
	Provider    string           `json:"provider"`
	ExternalID  string           `json:"external_id"`
	EventType   string           `json:"event_type"`
	OccurredAt  time.Time        `json:"occurred_at"`
	OwnerID     string           `json:"owner_id,omitempty"`
	Payload     json.RawMessage  `json:"payload"`
	CreatedAt   time.Time        `json:"created_at"`
	Enrichments []enrichmentView `json:"enrichments,omitempty"`
}

type enrichmentView struct {
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data"`
	FetchedAt time.Time       `json:"fetched_at"`
}

type runView struct {
	CycleID    string    `json:"cycle_id"`
	Provider   string    `json:"provider"`
	Status     string    `json:"status"`
	Targets    int       `json:"targets"`
	Fetched    int       `json:"fetched"`
	Created    int       `json:"created"`
	Duplicates int       `json:"duplicates"`
	Enriched   int       `json:"enriched"`
	Reenriched int       `json:"reenriched"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type cursorView struct {
	Provider  string    `json:"provider"`
	AccountID string    `json:"account_id,omitempty"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

type accountView struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	OwnerID      string    `json:"owner_id"`
	ExternalUser string    `json:"external_user,omitempty"`
	Label        string    `json:"label,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

func newEventView(e storage.Event) eventView {
	return eventView{
		ID:         e.ID,
		Provider:   e.Provider,
		ExternalID: e.ExternalID,
		EventType:  e.EventType,
		OccurredAt: e.OccurredAt,
		OwnerID:    e.OwnerID,
		Payload:    e.Payload,
		CreatedAt:  e.CreatedAt,
	}
}

func newRunView(r storage.SyncRun) runView {
	return runView{
		CycleID:    r.CycleID,
		Provider:   r.Provider,
		Status:     r.Status,
		Targets:    r.Targets,
		Fetched:    r.Fetched,
		Created:    r.Created,
		Duplicates: r.Duplicates,
		Enriched:   r.Enriched,
		Reenriched: r.Reenriched,
		Failed:     r.Failed,
		Error:      r.Error,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

func handleHealth(deps StatusDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Ping(r.Context()); err != nil {
			httpError(w, http.StatusServiceUnavailable, "storage_error", "store unreachable: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleProviders(deps StatusDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names := deps.Providers
		if names == nil {
			names = []string{}
		}
		writeJSON(w, http.StatusOK, names)
	}
}

func handleListRuns(deps StatusDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 200)
		runs, err := deps.Store.ListSyncRuns(r.Context(), r.URL.Query().Get("provider"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}
		out := make([]runView, len(runs))
		for i, run := range runs {
			out[i] = newRunView(run)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleListEvents(deps StatusDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := storage.EventFilter{
			Provider:  q.Get("provider"),
			EventType: q.Get("type"),
			OwnerID:   q.Get("owner"),
			Limit:     parseIntParam(r, "limit", 50, 500),
		}
		if s := q.Get("since"); s != "" {
			since, err := time.Parse(time.RFC3339, s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "since must be RFC 3339: %v", err)
				return
			}
			f.Since = since
		}

		events, err := deps.Store.ListEvents(r.Context(), f)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list events: %v", err)
			return
		}
		out := make([]eventView, len(events))
		for i, e := range events {
			out[i] = newEventView(e)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetEvent(deps StatusDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := loadEvent(r.Context(), deps.Store, chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "event not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get event: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// loadEvent returns an event with its enrichments attached.
func loadEvent(ctx context.Context, store Store, id string) (eventView, error) {
	e, err := store.GetEvent(ctx, id)
	if err != nil {
		return eventView{}, err
	}
	ens, err := store.ListEnrichments(ctx, id)
	if err != nil {
		return eventView{}, err
	}
	view := newEventView(e)
	for _, en := range ens {
		view.Enrichments = append(view.Enrichments, enrichmentView{Kind: en.Kind, Data: en.Data, FetchedAt: en.FetchedAt})
	}
	return view, nil
}

func handleListCursors(deps StatusDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cursors, err := deps.Store.ListCursors(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list cursors: %v", err)
			return
		}
		out := make([]cursorView, len(cursors))
		for i, c := range cursors {
			out[i] = cursorView{Provider: c.Provider, AccountID: c.AccountID, Value: c.Value, UpdatedAt: c.UpdatedAt}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleListAccounts(deps StatusDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts, err := deps.Store.ListAccounts(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list accounts: %v", err)
			return
		}
		out := make([]accountView, len(accounts))
		for i, a := range accounts {
			out[i] = accountView{
				ID:           a.ID,
				Provider:     a.Provider,
				OwnerID:      a.OwnerID,
				ExternalUser: a.ExternalUser,
				Label:        a.Label,
				Active:       a.Active,
				CreatedAt:    a.CreatedAt,
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleTriggerSync(deps StatusDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Trigger == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "scheduler not running")
			return
		}
		if !deps.Trigger() {
			writeJSON(w, http.StatusConflict, map[string]string{"status": "already_pending"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
