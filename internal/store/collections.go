package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mschirtzinger/todosync/internal/task"
)

// UpsertCollection inserts or updates a collection of an account.
func (s *Store) UpsertCollection(ctx context.Context, c *task.Collection) error {
	if c.AccountID == "" || c.Href == "" {
		return fmt.Errorf("invalid collection: account_id and href are required")
	}
	components, err := json.Marshal(c.Components)
	if err != nil {
		return fmt.Errorf("failed to marshal components: %w", err)
	}

	_, err = s.conn.ExecContext(ctx, `
	INSERT INTO collections (account_id, href, display_name, components, color, sort_order, etag)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(account_id, href) DO UPDATE SET
		display_name = excluded.display_name,
		components = excluded.components,
		color = excluded.color,
		sort_order = excluded.sort_order,
		etag = excluded.etag
	`, c.AccountID, c.Href, c.DisplayName, string(components), c.Color, c.Order, c.ETag)
	if err != nil {
		return fmt.Errorf("failed to upsert collection %s: %w", c.Href, err)
	}
	return nil
}

// ListCollections returns the account's collections in display order.
func (s *Store) ListCollections(ctx context.Context, accountID string) ([]*task.Collection, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT account_id, href, display_name, components, color, sort_order, etag
	FROM collections
	WHERE account_id = ?
	ORDER BY sort_order ASC, display_name ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var out []*task.Collection
	for rows.Next() {
		var (
			c          task.Collection
			components string
		)
		if err := rows.Scan(&c.AccountID, &c.Href, &c.DisplayName, &components, &c.Color, &c.Order, &c.ETag); err != nil {
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		if err := json.Unmarshal([]byte(components), &c.Components); err != nil {
			return nil, fmt.Errorf("failed to unmarshal components: %w", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating collections: %w", err)
	}
	return out, nil
}

// DeleteCollection removes a collection and every task stored in it.
// Returns the number of tasks removed.
func (s *Store) DeleteCollection(ctx context.Context, accountID, href string) (int64, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE account_id = ? AND list_id = ?`, accountID, href)
	if err != nil {
		return 0, fmt.Errorf("failed to delete tasks of collection %s: %w", href, err)
	}
	removed, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE account_id = ? AND href = ?`, accountID, href); err != nil {
		return 0, fmt.Errorf("failed to delete collection %s: %w", href, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return removed, nil
}
