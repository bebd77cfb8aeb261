package storage

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Event is one ingested activity record. (Provider, ExternalID) is unique.
type Event struct {
	ID         string
	Provider   string
	ExternalID string
	EventType  string
	OccurredAt time.Time
	Payload    json.RawMessage
	OwnerID    string // empty when the event has no owner
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Enrichment is derived metadata attached to an event. (EventID, Kind) is unique.
type Enrichment struct {
	ID        string
	EventID   string
	Kind      string
	Data      json.RawMessage
	FetchedAt time.Time
}

// Cursor is the persisted resume token for a provider and optional account.
type Cursor struct {
	Provider  string
	AccountID string // empty for global collectors
	Value     string
	UpdatedAt time.Time
}

// Credential is one entry in an account's append-only token history.
type Credential struct {
	ID           string
	AccountID    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // zero when the provider did not report an expiry
	IssuedRaw    string    // token endpoint response as JSON
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Account is an external account connected for a per-account provider.
type Account struct {
	ID           string
	Provider     string
	OwnerID      string
	ExternalUser string
	Label        string
	Active       bool
	CreatedAt    time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// SyncRun is the persisted summary of one provider within one cycle.
type SyncRun struct {
	ID         string
	CycleID    string
	Provider   string
	Status     string // "ok", "partial", "failed", "skipped"
	Targets    int
	Fetched    int
	Created    int
	Duplicates int
	Enriched   int
	Reenriched int
	Failed     int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// EventFilter narrows ListEvents. Zero fields are ignored.
type EventFilter struct {
	Provider  string
	EventType string
	OwnerID   string
	Since     time.Time
	// MissingKey keeps only events whose payload has no such top-level key.
	MissingKey string
	Limit      int
}
