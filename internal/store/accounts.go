package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mschirtzinger/todosync/internal/account"
)

const accountColumns = `id, server_url, username, credential_kind, secret, active, created_at`

// UpsertAccount inserts or updates an account. The active flag is only
// changed through SetActiveAccount.
func (s *Store) UpsertAccount(ctx context.Context, a *account.Account) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid account: %w", err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO accounts (`+accountColumns+`)
	VALUES (?, ?, ?, ?, ?, 0, ?)
	ON CONFLICT(id) DO UPDATE SET
		server_url = excluded.server_url,
		username = excluded.username,
		credential_kind = excluded.credential_kind,
		secret = excluded.secret
	`, a.ID, a.ServerURL, a.Username, string(a.Kind), a.Secret, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", a.ID, err)
	}
	return nil
}

// GetAccount returns the account with the given id, or ErrNotFound.
func (s *Store) GetAccount(ctx context.Context, id string) (*account.Account, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAccounts returns all accounts ordered by creation time.
func (s *Store) ListAccounts(ctx context.Context) ([]*account.Account, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []*account.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return out, nil
}

// SetActiveAccount makes id the only active account.
func (s *Store) SetActiveAccount(ctx context.Context, id string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET active = 0 WHERE active != 0`); err != nil {
		return fmt.Errorf("failed to clear active account: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE accounts SET active = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to activate account %s: %w", id, err)
	}
	if err := checkRowsAffected(res); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ActiveAccount implements account.Provider.
func (s *Store) ActiveAccount(ctx context.Context) (*account.Account, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE active != 0 LIMIT 1`)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, account.ErrNoActiveAccount
	}
	return a, err
}

func scanAccount(sc scanner) (*account.Account, error) {
	var (
		a         account.Account
		kind      string
		active    int
		createdAt string
	)
	if err := sc.Scan(&a.ID, &a.ServerURL, &a.Username, &kind, &a.Secret, &active, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	a.Kind = account.CredentialKind(kind)
	a.Active = active != 0

	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &a, nil
}
