package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mschirtzinger/todosync/internal/task"
)

const taskColumns = `id, account_id, list_id, title, description, completed, status,
	priority, due_at, completed_at, tags, parent_uid, updated_at,
	uid, etag, href, base_snapshot`

// UpsertTask inserts or replaces a task row.
func (s *Store) UpsertTask(ctx context.Context, t *task.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %w", task.ErrInvalid, err)
	}

	tagsJSON, err := json.Marshal(task.NormalizeTags(t.Tags))
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	snapshot, err := task.MarshalSnapshot(t.BaseSnapshot)
	if err != nil {
		return err
	}

	var priority sql.NullInt64
	if t.Priority != nil {
		priority = sql.NullInt64{Int64: int64(*t.Priority), Valid: true}
	}

	query := `
	INSERT INTO tasks (` + taskColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		account_id = excluded.account_id,
		list_id = excluded.list_id,
		title = excluded.title,
		description = excluded.description,
		completed = excluded.completed,
		status = excluded.status,
		priority = excluded.priority,
		due_at = excluded.due_at,
		completed_at = excluded.completed_at,
		tags = excluded.tags,
		parent_uid = excluded.parent_uid,
		updated_at = excluded.updated_at,
		uid = excluded.uid,
		etag = excluded.etag,
		href = excluded.href,
		base_snapshot = excluded.base_snapshot
	`

	_, err = s.conn.ExecContext(ctx, query,
		t.ID,
		t.AccountID,
		t.ListID,
		t.Title,
		t.Description,
		boolToInt(t.Completed),
		string(t.Status),
		priority,
		timeToNullString(t.DueAt),
		timeToNullString(t.CompletedAt),
		string(tagsJSON),
		t.ParentUID,
		formatTime(t.UpdatedAt),
		t.UID,
		t.ETag,
		t.Href,
		snapshot,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask returns the task with the given id, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTaskRow(row)
}

// TaskByUID returns the account's task with the given iCalendar UID.
func (s *Store) TaskByUID(ctx context.Context, accountID, uid string) (*task.Task, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE account_id = ? AND uid = ? LIMIT 1`, accountID, uid)
	return scanTaskRow(row)
}

// TaskByHref returns the account's task stored at the given server href.
func (s *Store) TaskByHref(ctx context.Context, accountID, href string) (*task.Task, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE account_id = ? AND href = ? AND href != '' LIMIT 1`, accountID, href)
	return scanTaskRow(row)
}

// TaskFilter configures ListTasks.
type TaskFilter struct {
	// AccountID is required.
	AccountID string
	// ListID restricts to one collection (empty = all)
	ListID string
	// HideCompleted drops completed tasks
	HideCompleted bool
	// Tag filters by tag (empty = all tags)
	Tag string
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListTasks returns tasks matching filter, ordered by completion, due date,
// priority and title.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*task.Task, error) {
	conditions := []string{"t.account_id = ?"}
	args := []any{filter.AccountID}

	if filter.ListID != "" {
		conditions = append(conditions, "t.list_id = ?")
		args = append(args, filter.ListID)
	}
	if filter.HideCompleted {
		conditions = append(conditions, "t.completed = 0")
	}

	selectClause := "SELECT"
	from := " FROM tasks t"
	if filter.Tag != "" {
		selectClause += " DISTINCT"
		from += ", json_each(t.tags)"
		conditions = append(conditions, "json_each.value = ?")
		args = append(args, filter.Tag)
	}

	query := selectClause + " " + qualify("t", taskColumns) + from +
		" WHERE " + strings.Join(conditions, " AND ") +
		" ORDER BY t.completed ASC, t.due_at IS NULL, t.due_at ASC, COALESCE(t.priority, 10) ASC, t.title ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// DeleteTask removes a task. Returns nil if the task doesn't exist.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

// MarkSynced records a confirmed server write: the new href and etag, and the
// snapshot of what the server now holds. Content columns are untouched so a
// local edit made while the request was in flight is kept.
func (s *Store) MarkSynced(ctx context.Context, id, href, etag string, snap *task.Snapshot) error {
	data, err := task.MarshalSnapshot(snap)
	if err != nil {
		return err
	}
	res, err := s.conn.ExecContext(ctx,
		`UPDATE tasks SET href = ?, etag = ?, base_snapshot = ? WHERE id = ?`,
		href, etag, data, id)
	if err != nil {
		return fmt.Errorf("failed to mark task %s synced: %w", id, err)
	}
	return checkRowsAffected(res)
}

// qualify prefixes every column of a comma-separated list with alias.
func qualify(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func scanTaskRow(row *sql.Row) (*task.Task, error) {
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func scanTask(sc scanner) (*task.Task, error) {
	var (
		t                   task.Task
		completed           int
		status              string
		priority            sql.NullInt64
		dueAt, completedAt  sql.NullString
		tagsJSON, updatedAt string
		snapshot            string
	)

	err := sc.Scan(
		&t.ID,
		&t.AccountID,
		&t.ListID,
		&t.Title,
		&t.Description,
		&completed,
		&status,
		&priority,
		&dueAt,
		&completedAt,
		&tagsJSON,
		&t.ParentUID,
		&updatedAt,
		&t.UID,
		&t.ETag,
		&t.Href,
		&snapshot,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	t.Completed = completed != 0
	t.Status = task.Status(status)
	if priority.Valid {
		t.Priority = task.PriorityPtr(int(priority.Int64))
	}
	t.DueAt = nullStringToTime(dueAt)
	t.CompletedAt = nullStringToTime(completedAt)

	if tagsJSON != "" && tagsJSON != "null" {
		if err := json.Unmarshal([]byte(tagsJSON), &t.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}
	t.Tags = task.NormalizeTags(t.Tags)

	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if t.BaseSnapshot, err = task.UnmarshalSnapshot(snapshot); err != nil {
		return nil, err
	}
	return &t, nil
}
