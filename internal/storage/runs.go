package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

func (s *Store) SaveSyncRun(ctx context.Context, r SyncRun) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	_, err := s.exec(ctx, `
		INSERT INTO sync_runs (id, cycle_id, provider, status, targets, fetched, created, duplicates, enriched, reenriched, failed, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CycleID, r.Provider, r.Status, r.Targets, r.Fetched, r.Created, r.Duplicates,
		r.Enriched, r.Reenriched, r.Failed, r.Error, formatTime(r.StartedAt), formatTime(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("saving sync run for %s: %w", r.Provider, err)
	}
	return nil
}

// ListSyncRuns returns the most recent runs first, optionally for one provider.
func (s *Store) ListSyncRuns(ctx context.Context, provider string, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, cycle_id, provider, status, targets, fetched, created, duplicates, enriched, reenriched, failed, error, started_at, finished_at
		FROM sync_runs`
	var args []any
	if provider != "" {
		q += ` WHERE provider = ?`
		args = append(args, provider)
	}
	q += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SyncRun
	for rows.Next() {
		var r SyncRun
		var startedAt, finishedAt string
		if err := rows.Scan(&r.ID, &r.CycleID, &r.Provider, &r.Status, &r.Targets, &r.Fetched, &r.Created,
			&r.Duplicates, &r.Enriched, &r.Reenriched, &r.Failed, &r.Error, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if r.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
