// Package backup exports the tasks of an account as JSON Lines and imports
// them back.
//
// An export holds one task.Task per line, CalDAV identity included. Import
// recreates each task through the edits service, so restored tasks are
// queued as creations and reach the server on the next drain. Tasks whose
// UID already exists locally are skipped, which makes repeated imports of the
// same file harmless.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mschirtzinger/todosync/internal/edits"
	"github.com/mschirtzinger/todosync/internal/store"
	"github.com/mschirtzinger/todosync/internal/task"
)

// Editor creates and completes tasks. *edits.Service implements it.
type Editor interface {
	Create(ctx context.Context, d edits.Draft) (*task.Task, error)
	SetCompleted(ctx context.Context, id string, done bool) (*task.Task, error)
}

// ImportOptions configures Import.
type ImportOptions struct {
	AccountID string
	DryRun    bool // count without creating
}

// Result contains statistics about an import.
type Result struct {
	Read     int      `json:"read" yaml:"read"`
	Imported int      `json:"imported" yaml:"imported"`
	Skipped  int      `json:"skipped" yaml:"skipped"`
	Errors   []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Export writes every task of accountID to path, replacing the file
// atomically. It returns the number of tasks written.
func Export(ctx context.Context, st *store.Store, accountID, path string) (int, error) {
	tasks, err := st.ListTasks(ctx, store.TaskFilter{AccountID: accountID})
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	if err := WriteJSONL(f, tasks); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return 0, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return len(tasks), nil
}

// WriteJSONL encodes tasks one per line.
func WriteJSONL(w io.Writer, tasks []*task.Task) error {
	enc := json.NewEncoder(w)
	for _, t := range tasks {
		if err := enc.Encode(t); err != nil {
			return fmt.Errorf("failed to encode task %s: %w", t.ID, err)
		}
	}
	return nil
}

// ReadJSONL decodes tasks written by WriteJSONL.
func ReadJSONL(r io.Reader) ([]*task.Task, error) {
	var tasks []*task.Task
	dec := json.NewDecoder(r)
	for line := 1; ; line++ {
		var t task.Task
		if err := dec.Decode(&t); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", line, err)
		}
		tasks = append(tasks, &t)
	}
	return tasks, nil
}

// Import recreates the tasks read from r in opts.AccountID. A task keeps its
// list when the account still has it, and goes to the default list
// otherwise. Per-task failures are collected in the result.
func Import(ctx context.Context, r io.Reader, st *store.Store, editor Editor, opts ImportOptions) (*Result, error) {
	tasks, err := ReadJSONL(r)
	if err != nil {
		return nil, err
	}

	cols, err := st.ListCollections(ctx, opts.AccountID)
	if err != nil {
		return nil, err
	}
	lists := make(map[string]bool, len(cols))
	for _, c := range cols {
		lists[c.Href] = true
	}

	res := &Result{Read: len(tasks)}
	for _, t := range tasks {
		if t.UID != "" {
			if _, err := st.TaskByUID(ctx, opts.AccountID, t.UID); err == nil {
				res.Skipped++
				continue
			} else if !errors.Is(err, store.ErrNotFound) {
				return res, err
			}
		}
		if opts.DryRun {
			res.Imported++
			continue
		}

		d := edits.Draft{
			Title:       t.Title,
			Description: t.Description,
			Priority:    t.Priority,
			DueAt:       t.DueAt,
			Tags:        t.Tags,
			ParentUID:   t.ParentUID,
			UID:         t.UID,
		}
		if lists[t.ListID] {
			d.ListID = t.ListID
		}
		created, err := editor.Create(ctx, d)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("failed to import %q: %v", t.Title, err))
			continue
		}
		if t.Completed {
			if _, err := editor.SetCompleted(ctx, created.ID, true); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("failed to complete %q: %v", t.Title, err))
			}
		}
		res.Imported++
	}
	return res, nil
}
