package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertEnrichment creates or replaces the enrichment keyed by (EventID, Kind).
// A replacement keeps the original row id and overwrites data and fetched_at.
func (s *Store) UpsertEnrichment(ctx context.Context, en Enrichment) error {
	if en.ID == "" {
		en.ID = uuid.New().String()
	}
	if en.FetchedAt.IsZero() {
		en.FetchedAt = time.Now()
	}
	if len(en.Data) == 0 {
		en.Data = json.RawMessage(`{}`)
	}
	_, err := s.exec(ctx, `
		INSERT INTO enrichments (id, event_id, kind, data, fetched_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(event_id, kind) DO UPDATE SET data = excluded.data, fetched_at = excluded.fetched_at`,
		en.ID, en.EventID, en.Kind, string(en.Data), formatTime(en.FetchedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting enrichment %s for event %s: %w", en.Kind, en.EventID, err)
	}
	return nil
}

func (s *Store) GetEnrichment(ctx context.Context, eventID, kind string) (Enrichment, error) {
	row := s.queryRow(ctx, `SELECT id, event_id, kind, data, fetched_at FROM enrichments WHERE event_id = ? AND kind = ?`, eventID, kind)
	return scanEnrichment(row)
}

// ListEnrichments returns every enrichment attached to eventID ordered by kind.
func (s *Store) ListEnrichments(ctx context.Context, eventID string) ([]Enrichment, error) {
	rows, err := s.query(ctx, `SELECT id, event_id, kind, data, fetched_at FROM enrichments WHERE event_id = ? ORDER BY kind ASC`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Enrichment
	for rows.Next() {
		en, err := scanEnrichment(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, en)
	}
	return results, rows.Err()
}

func scanEnrichment(r rowScanner) (Enrichment, error) {
	var en Enrichment
	var data, fetchedAt string
	err := r.Scan(&en.ID, &en.EventID, &en.Kind, &data, &fetchedAt)
	if err == sql.ErrNoRows {
		return Enrichment{}, ErrNotFound
	}
	if err != nil {
		return Enrichment{}, err
	}
	en.Data = json.RawMessage(data)
	if en.FetchedAt, err = parseTime(fetchedAt); err != nil {
		return Enrichment{}, fmt.Errorf("parsing fetched_at: %w", err)
	}
	return en, nil
}
