// Package ingest stores collector items idempotently and runs enrichment
// builders for stored events.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dethbird/journal-sub000/internal/source"
	"github.com/dethbird/journal-sub000/internal/storage"
)

// RecentWindow is how old a duplicate's occurrence may be and still count
// as recent for re-enrichment.
const RecentWindow = 7 * 24 * time.Hour

// EventStore is the persistence the ingester needs.
type EventStore interface {
	InsertEvent(ctx context.Context, e storage.Event) (storage.Event, bool, error)
	UpsertEnrichment(ctx context.Context, en storage.Enrichment) error
}

// Outcome describes what Ingest did with one item.
type Outcome struct {
	Event storage.Event
	// IsNew is true when this call created the event.
	IsNew bool
	// IsRecent is true for a duplicate whose occurrence is within RecentWindow.
	IsRecent bool
}

// Ingester writes items and enrichments.
type Ingester struct {
	store EventStore
	now   func() time.Time
}

func NewIngester(store EventStore) *Ingester {
	return &Ingester{store: store, now: time.Now}
}

// Ingest stores item under provider unless (provider, ExternalID) already
// exists, in which case the stored event is returned unchanged.
func (in *Ingester) Ingest(ctx context.Context, provider string, item source.Item) (Outcome, error) {
	if item.ExternalID == "" {
		return Outcome{}, fmt.Errorf("%s item has no external id", provider)
	}
	payload, err := marshalJSON(item.Payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("encoding payload for %s/%s: %w", provider, item.ExternalID, err)
	}

	ev, inserted, err := in.store.InsertEvent(ctx, storage.Event{
		Provider:   provider,
		ExternalID: item.ExternalID,
		EventType:  item.EventType,
		OccurredAt: item.OccurredAt,
		Payload:    payload,
		OwnerID:    item.OwnerID,
	})
	if err != nil {
		return Outcome{}, err
	}
	if inserted {
		return Outcome{Event: ev, IsNew: true}, nil
	}
	return Outcome{Event: ev, IsRecent: in.now().Sub(ev.OccurredAt) <= RecentWindow}, nil
}

// AttachEnrichment creates or replaces the enrichment (eventID, kind).
func (in *Ingester) AttachEnrichment(ctx context.Context, eventID, kind string, data any) error {
	raw, err := marshalJSON(data)
	if err != nil {
		return fmt.Errorf("encoding %s enrichment: %w", kind, err)
	}
	return in.store.UpsertEnrichment(ctx, storage.Enrichment{
		EventID:   eventID,
		Kind:      kind,
		Data:      raw,
		FetchedAt: in.now(),
	})
}

func marshalJSON(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return t, nil
	case []byte:
		return json.RawMessage(t), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// StoredEvent converts a persisted event to the view builders receive.
func StoredEvent(e storage.Event) source.StoredEvent {
	return source.StoredEvent{
		ID:         e.ID,
		Provider:   e.Provider,
		ExternalID: e.ExternalID,
		EventType:  e.EventType,
		OccurredAt: e.OccurredAt,
		Payload:    e.Payload,
		OwnerID:    e.OwnerID,
	}
}
