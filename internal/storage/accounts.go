package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// --- Accounts ---

func (s *Store) CreateAccount(ctx context.Context, a Account) (Account, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	active := 0
	if a.Active {
		active = 1
	}
	_, err := s.exec(ctx, `
		INSERT INTO accounts (id, provider, owner_id, external_user, label, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Provider, a.OwnerID, a.ExternalUser, a.Label, active, formatTime(a.CreatedAt),
	)
	if err != nil {
		return Account{}, fmt.Errorf("creating account: %w", err)
	}
	return a, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (Account, error) {
	row := s.queryRow(ctx, `SELECT id, provider, owner_id, external_user, label, active, created_at FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// ListActiveAccounts returns the active accounts for provider in creation order.
func (s *Store) ListActiveAccounts(ctx context.Context, provider string) ([]Account, error) {
	return s.listAccounts(ctx, `
		SELECT id, provider, owner_id, external_user, label, active, created_at
		FROM accounts WHERE provider = ? AND active = 1 ORDER BY created_at ASC, id ASC`, provider)
}

func (s *Store) ListAccounts(ctx context.Context) ([]Account, error) {
	return s.listAccounts(ctx, `
		SELECT id, provider, owner_id, external_user, label, active, created_at
		FROM accounts ORDER BY provider ASC, created_at ASC`)
}

func (s *Store) SetAccountActive(ctx context.Context, id string, active bool) error {
	v := 0
	if active {
		v = 1
	}
	res, err := s.exec(ctx, `UPDATE accounts SET active = ? WHERE id = ?`, v, id)
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

func (s *Store) listAccounts(ctx context.Context, q string, args ...any) ([]Account, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

func scanAccount(r rowScanner) (Account, error) {
	var a Account
	var active int
	var createdAt string
	err := r.Scan(&a.ID, &a.Provider, &a.OwnerID, &a.ExternalUser, &a.Label, &active, &createdAt)
	if err == sql.ErrNoRows {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}
	a.Active = active == 1
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return Account{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return a, nil
}

// --- Credentials ---

// InsertCredential appends a credential record. History is never rewritten.
func (s *Store) InsertCredential(ctx context.Context, c Credential) (Credential, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	_, err := s.exec(ctx, `
		INSERT INTO credentials (id, account_id, access_token, refresh_token, expires_at, issued_raw, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AccountID, c.AccessToken, c.RefreshToken, formatOptionalTime(c.ExpiresAt),
		c.IssuedRaw, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return Credential{}, fmt.Errorf("inserting credential for account %s: %w", c.AccountID, err)
	}
	return c, nil
}

// LatestCredential returns the most recently updated credential for accountID.
func (s *Store) LatestCredential(ctx context.Context, accountID string) (Credential, error) {
	var c Credential
	var expiresAt, createdAt, updatedAt string
	err := s.queryRow(ctx, `
		SELECT id, account_id, access_token, refresh_token, expires_at, issued_raw, created_at, updated_at
		FROM credentials WHERE account_id = ?
		ORDER BY updated_at DESC, created_at DESC LIMIT 1`, accountID,
	).Scan(&c.ID, &c.AccountID, &c.AccessToken, &c.RefreshToken, &expiresAt, &c.IssuedRaw, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, err
	}
	if c.ExpiresAt, err = parseOptionalTime(expiresAt); err != nil {
		return Credential{}, fmt.Errorf("parsing expires_at: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Credential{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Credential{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}
