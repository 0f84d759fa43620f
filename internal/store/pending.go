package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mschirtzinger/todosync/internal/task"
)

const pendingColumns = `id, account_id, task_id, operation_type, payload, created_at, retry_count, last_error`

// ReplacePendingOperation stores op as the only pending operation for its
// (account, task) pair. Any existing entry is deleted in the same
// transaction. op.ID is set to the new row id.
func (s *Store) ReplacePendingOperation(ctx context.Context, op *task.PendingOperation) error {
	if op.AccountID == "" || op.TaskID == "" {
		return fmt.Errorf("invalid pending operation: account_id and task_id are required")
	}
	if !op.Type.IsValid() {
		return fmt.Errorf("invalid pending operation type %q", op.Type)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_operations WHERE account_id = ? AND task_id = ?`,
		op.AccountID, op.TaskID); err != nil {
		return fmt.Errorf("failed to delete superseded operation for task %s: %w", op.TaskID, err)
	}

	res, err := tx.ExecContext(ctx, `
	INSERT INTO pending_operations (account_id, task_id, operation_type, payload, created_at, retry_count, last_error)
	VALUES (?, ?, ?, ?, ?, 0, '')
	`, op.AccountID, op.TaskID, string(op.Type), string(op.Payload), formatTime(op.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert pending operation for task %s: %w", op.TaskID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read pending operation id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	op.ID = id
	op.RetryCount = 0
	op.LastError = ""
	return nil
}

// ListPendingOperations returns the account's pending operations in creation
// order.
func (s *Store) ListPendingOperations(ctx context.Context, accountID string) ([]*task.PendingOperation, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT `+pendingColumns+`
	FROM pending_operations
	WHERE account_id = ?
	ORDER BY id ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending operations: %w", err)
	}
	defer rows.Close()

	var out []*task.PendingOperation
	for rows.Next() {
		op, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending operations: %w", err)
	}
	return out, nil
}

// PendingOperationForTask returns the pending operation of one task, or
// ErrNotFound.
func (s *Store) PendingOperationForTask(ctx context.Context, accountID, taskID string) (*task.PendingOperation, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_operations WHERE account_id = ? AND task_id = ?`,
		accountID, taskID)
	op, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return op, err
}

// DeletePendingOperation removes the entry with the given id. Returns nil if
// it was already removed or superseded.
func (s *Store) DeletePendingOperation(ctx context.Context, id int64) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete pending operation %d: %w", id, err)
	}
	return nil
}

// RecordPendingFailure increments the retry count of an entry and stores the
// error message. It returns the new retry count, or ErrNotFound when the
// entry was superseded in the meantime.
func (s *Store) RecordPendingFailure(ctx context.Context, id int64, lastError string) (int, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE pending_operations SET retry_count = retry_count + 1, last_error = ? WHERE id = ?`,
		lastError, id)
	if err != nil {
		return 0, fmt.Errorf("failed to record failure of pending operation %d: %w", id, err)
	}
	if err := checkRowsAffected(res); err != nil {
		return 0, err
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT retry_count FROM pending_operations WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to read retry count of pending operation %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return count, nil
}

// CountPendingOperations returns the number of pending entries of an account.
func (s *Store) CountPendingOperations(ctx context.Context, accountID string) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_operations WHERE account_id = ?`, accountID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return count, nil
}

func scanPending(sc scanner) (*task.PendingOperation, error) {
	var (
		op        task.PendingOperation
		typ       string
		payload   string
		createdAt string
	)
	if err := sc.Scan(&op.ID, &op.AccountID, &op.TaskID, &typ, &payload, &createdAt, &op.RetryCount, &op.LastError); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan pending operation: %w", err)
	}
	op.Type = task.OperationType(typ)
	op.Payload = []byte(payload)

	var err error
	if op.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &op, nil
}
