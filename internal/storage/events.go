package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const eventColumns = `id, provider, external_id, event_type, occurred_at, payload, owner_id, created_at, updated_at`

// InsertEvent stores e unless an event with the same (provider, external_id)
// already exists. It returns the stored row and whether this call created it.
// The unique constraint is the only serialization point, so concurrent
// callers racing on one key observe exactly one inserted=true.
func (s *Store) InsertEvent(ctx context.Context, e Event) (Event, bool, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage(`{}`)
	}
	e.CreatedAt, e.UpdatedAt = now, now

	res, err := s.exec(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, external_id) DO NOTHING`,
		e.ID, e.Provider, e.ExternalID, e.EventType, formatTime(e.OccurredAt),
		string(e.Payload), nullString(e.OwnerID), formatTime(now), formatTime(now),
	)
	if err != nil {
		return Event{}, false, fmt.Errorf("inserting event %s/%s: %w", e.Provider, e.ExternalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Event{}, false, fmt.Errorf("checking inserted rows: %w", err)
	}
	if n == 1 {
		return e, true, nil
	}

	existing, err := s.GetEventByExternalID(ctx, e.Provider, e.ExternalID)
	if err != nil {
		return Event{}, false, fmt.Errorf("loading existing event %s/%s: %w", e.Provider, e.ExternalID, err)
	}
	return existing, false, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (Event, error) {
	row := s.queryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	return scanEvent(row)
}

func (s *Store) GetEventByExternalID(ctx context.Context, provider, externalID string) (Event, error) {
	row := s.queryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE provider = ? AND external_id = ?`, provider, externalID)
	return scanEvent(row)
}

// ListEvents returns events matching f, newest occurrence first.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	var where []string
	var args []any
	if f.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if !f.Since.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if f.MissingKey != "" {
		if s.dialect == dialectPostgres {
			where = append(where, "(payload::jsonb -> ?) IS NULL")
			args = append(args, f.MissingKey)
		} else {
			where = append(where, "json_extract(payload, ?) IS NULL")
			args = append(args, "$."+f.MissingKey)
		}
	}

	q := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY occurred_at DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// UpdateEventPayload replaces an event's payload. Only auxiliary backfill
// jobs call this; the sync cycle never mutates stored events.
func (s *Store) UpdateEventPayload(ctx context.Context, id string, payload json.RawMessage) error {
	res, err := s.exec(ctx, `UPDATE events SET payload = ?, updated_at = ? WHERE id = ?`,
		string(payload), formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountEvents returns the number of stored events for provider, or all
// events when provider is empty.
func (s *Store) CountEvents(ctx context.Context, provider string) (int, error) {
	var n int
	var err error
	if provider == "" {
		err = s.queryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	} else {
		err = s.queryRow(ctx, `SELECT COUNT(*) FROM events WHERE provider = ?`, provider).Scan(&n)
	}
	return n, err
}

func scanEvent(r rowScanner) (Event, error) {
	var e Event
	var occurredAt, createdAt, updatedAt, payload string
	var owner sql.NullString
	err := r.Scan(&e.ID, &e.Provider, &e.ExternalID, &e.EventType, &occurredAt, &payload, &owner, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, err
	}
	e.Payload = json.RawMessage(payload)
	e.OwnerID = owner.String
	if e.OccurredAt, err = parseTime(occurredAt); err != nil {
		return Event{}, fmt.Errorf("parsing occurred_at: %w", err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return Event{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Event{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return e, nil
}
