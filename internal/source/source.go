// Package source defines what a provider collector returns and how
// collectors are registered with the orchestrator.
package source

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dethbird/journal-sub000/internal/cursor"
)

// Item is one normalized record produced by a collector.
type Item struct {
	ExternalID string
	EventType  string
	OccurredAt time.Time // zero means "now" at ingest
	Payload    any       // marshaled to JSON at ingest
	OwnerID    string
	Enrichment *Enrichment
}

// Enrichment is derived metadata attached to an event under Kind.
type Enrichment struct {
	Kind string
	Data any
}

// Result is the outcome of one collector invocation. Next must be at least
// as far as the cursor the collector was given.
type Result struct {
	Items []Item
	Next  cursor.Cursor
}

// Authorizer runs a provider call with the account's access token and owns
// the refresh-once-on-401 rule.
type Authorizer interface {
	Do(ctx context.Context, call func(ctx context.Context, accessToken string) error) error
}

// Account is a connected account handed to per-account collectors.
type Account struct {
	ID           string
	Provider     string
	OwnerID      string
	ExternalUser string
	Auth         Authorizer
}

// GlobalCollector collects for a single configured identity.
type GlobalCollector interface {
	Collect(ctx context.Context, cur cursor.Cursor) (Result, error)
}

// AccountCollector collects once per active connected account.
type AccountCollector interface {
	CollectForAccount(ctx context.Context, acct Account, cur cursor.Cursor) (Result, error)
}

// GlobalFunc adapts a function to GlobalCollector.
type GlobalFunc func(ctx context.Context, cur cursor.Cursor) (Result, error)

func (f GlobalFunc) Collect(ctx context.Context, cur cursor.Cursor) (Result, error) {
	return f(ctx, cur)
}

// AccountFunc adapts a function to AccountCollector.
type AccountFunc func(ctx context.Context, acct Account, cur cursor.Cursor) (Result, error)

func (f AccountFunc) CollectForAccount(ctx context.Context, acct Account, cur cursor.Cursor) (Result, error) {
	return f(ctx, acct, cur)
}

// Source is either Global or PerAccount.
type Source interface {
	isSource()
}

// Global wraps a collector with one account-less cursor.
type Global struct {
	Collector GlobalCollector
}

// PerAccount wraps a collector with one cursor per connected account.
type PerAccount struct {
	Collector AccountCollector
}

func (Global) isSource()     {}
func (PerAccount) isSource() {}

// Builder produces an enrichment for a stored event. It returns nil when no
// result can be produced and never fails the caller.
type Builder interface {
	Build(ctx context.Context, ev StoredEvent) *Enrichment
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(ctx context.Context, ev StoredEvent) *Enrichment

func (f BuilderFunc) Build(ctx context.Context, ev StoredEvent) *Enrichment {
	return f(ctx, ev)
}

// StoredEvent is the view of a persisted event given to builders.
type StoredEvent struct {
	ID         string
	Provider   string
	ExternalID string
	EventType  string
	OccurredAt time.Time
	Payload    json.RawMessage
	OwnerID    string
}
