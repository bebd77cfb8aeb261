package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EnsureCursor returns the cursor for (provider, accountID), creating an
// empty one on first use. accountID is empty for global collectors.
func (s *Store) EnsureCursor(ctx context.Context, provider, accountID string) (Cursor, error) {
	_, err := s.exec(ctx, `
		INSERT INTO cursors (provider, account_id, value, updated_at) VALUES (?, ?, '', ?)
		ON CONFLICT(provider, account_id) DO NOTHING`,
		provider, accountID, formatTime(time.Now()),
	)
	if err != nil {
		return Cursor{}, fmt.Errorf("creating cursor %s/%s: %w", provider, accountID, err)
	}
	return s.GetCursor(ctx, provider, accountID)
}

func (s *Store) GetCursor(ctx context.Context, provider, accountID string) (Cursor, error) {
	row := s.queryRow(ctx, `SELECT provider, account_id, value, updated_at FROM cursors WHERE provider = ? AND account_id = ?`, provider, accountID)
	return scanCursor(row)
}

// SetCursor overwrites the stored value. Callers are responsible for never
// moving a cursor backward.
func (s *Store) SetCursor(ctx context.Context, provider, accountID, value string) error {
	_, err := s.exec(ctx, `
		INSERT INTO cursors (provider, account_id, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(provider, account_id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		provider, accountID, value, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("saving cursor %s/%s: %w", provider, accountID, err)
	}
	return nil
}

func (s *Store) ListCursors(ctx context.Context) ([]Cursor, error) {
	rows, err := s.query(ctx, `SELECT provider, account_id, value, updated_at FROM cursors ORDER BY provider ASC, account_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Cursor
	for rows.Next() {
		c, err := scanCursor(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

func scanCursor(r rowScanner) (Cursor, error) {
	var c Cursor
	var updatedAt string
	err := r.Scan(&c.Provider, &c.AccountID, &c.Value, &updatedAt)
	if err == sql.ErrNoRows {
		return Cursor{}, ErrNotFound
	}
	if err != nil {
		return Cursor{}, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Cursor{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}
