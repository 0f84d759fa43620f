// Package merge reconciles a task fetched from the server with the local,
// possibly unsynced, copy of the same task.
//
// The merge is three-way and per field: the local task's BaseSnapshot is the
// common ancestor. A field edited only locally keeps the local value, a field
// edited only on the server takes the server value, and a field edited on
// both sides to different values is a conflict that the server wins.
package merge

import (
	"fmt"
	"slices"
	"time"

	"github.com/mschirtzinger/todosync/internal/task"
)

// Decision records how one field was resolved.
type Decision int

const (
	// Unchanged means neither side changed the field.
	Unchanged Decision = iota
	// TakeServer means only the server changed the field.
	TakeServer
	// TakeLocal means only the local copy changed the field.
	TakeLocal
	// Converged means both sides changed the field to the same value.
	Converged
	// ServerWins means both sides changed the field to different values.
	ServerWins
)

// String returns string representation of the decision
func (d Decision) String() string {
	switch d {
	case Unchanged:
		return "unchanged"
	case TakeServer:
		return "take_server"
	case TakeLocal:
		return "take_local"
	case Converged:
		return "converged"
	case ServerWins:
		return "server_wins"
	default:
		return "unknown"
	}
}

// Conflict describes a field both sides changed differently. The local value
// was discarded.
type Conflict struct {
	Field  string
	Local  string
	Server string
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s: local=%s server=%s", c.Field, c.Local, c.Server)
}

// Result is the outcome of Merge.
type Result struct {
	Task      *task.Task
	Decisions map[string]Decision
	Conflicts []Conflict
}

// Merge combines server and local into a new task.
//
// The result carries the server's UID, Href, ETag and UpdatedAt, keeps the
// local ID and AccountID, and has a fresh BaseSnapshot taken from server.
// When local is nil or has no BaseSnapshot, the server version is taken as is.
// Neither argument is modified.
func Merge(server, local *task.Task) Result {
	merged := server.Clone()
	merged.BaseSnapshot = server.Snapshot()

	if local == nil {
		return Result{Task: merged}
	}
	merged.ID = local.ID
	merged.AccountID = local.AccountID
	if merged.ListID == "" {
		merged.ListID = local.ListID
	}
	if local.BaseSnapshot == nil {
		return Result{Task: merged}
	}

	m := &merger{
		base:      local.BaseSnapshot,
		decisions: make(map[string]Decision),
	}

	merged.Title = resolve(m, "title", m.base.Title, local.Title, server.Title, eq[string])
	merged.Description = resolve(m, "description", m.base.Description, local.Description, server.Description, eq[string])
	merged.Completed = resolve(m, "completed", m.base.Completed, local.Completed, server.Completed, eq[bool])
	merged.Status = resolve(m, "status", m.base.Status, local.Status, server.Status, eq[task.Status])
	merged.Priority = resolve(m, "priority", m.base.Priority, local.Priority, server.Priority, eqIntPtr)
	merged.DueAt = resolve(m, "due", m.base.DueAt, local.DueAt, server.DueAt, eqTimePtr)
	merged.CompletedAt = resolve(m, "completed_at", m.base.CompletedAt, local.CompletedAt, server.CompletedAt, eqTimePtr)
	merged.ParentUID = resolve(m, "parent_uid", m.base.ParentUID, local.ParentUID, server.ParentUID, eq[string])
	merged.Tags = resolve(m, "tags", m.base.Tags, task.NormalizeTags(local.Tags), task.NormalizeTags(server.Tags), slices.Equal[[]string])

	reconcileCompletion(merged, local, server)

	// Deep-copy whatever was taken from local.
	merged = merged.Clone()
	return Result{Task: merged, Decisions: m.decisions, Conflicts: m.conflicts}
}

type merger struct {
	base      *task.Snapshot
	decisions map[string]Decision
	conflicts []Conflict
}

// resolve applies the three-way rule to one field.
func resolve[T any](m *merger, field string, base, local, server T, equal func(a, b T) bool) T {
	localChanged := !equal(local, base)
	serverChanged := !equal(server, base)

	switch {
	case !localChanged && !serverChanged:
		m.decisions[field] = Unchanged
		return server
	case !localChanged:
		m.decisions[field] = TakeServer
		return server
	case !serverChanged:
		m.decisions[field] = TakeLocal
		return local
	case equal(local, server):
		m.decisions[field] = Converged
		return server
	default:
		m.decisions[field] = ServerWins
		m.conflicts = append(m.conflicts, Conflict{
			Field:  field,
			Local:  format(local),
			Server: format(server),
		})
		return server
	}
}

// reconcileCompletion keeps Completed, Status and CompletedAt consistent after
// they were resolved independently. The completed flag decides.
func reconcileCompletion(merged, local, server *task.Task) {
	if merged.Completed {
		merged.Status = task.StatusCompleted
		if merged.CompletedAt == nil {
			switch {
			case local.CompletedAt != nil && local.Completed:
				merged.CompletedAt = local.CompletedAt
			case server.CompletedAt != nil:
				merged.CompletedAt = server.CompletedAt
			default:
				at := merged.UpdatedAt
				merged.CompletedAt = &at
			}
		}
		return
	}
	if merged.Status == task.StatusCompleted {
		merged.Status = task.StatusNeedsAction
	}
	merged.CompletedAt = nil
}

func eq[T comparable](a, b T) bool { return a == b }

func eqIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Truncate(time.Second).Equal(b.Truncate(time.Second))
}

func format(v any) string {
	switch x := v.(type) {
	case *int:
		if x == nil {
			return "<none>"
		}
		return fmt.Sprint(*x)
	case *time.Time:
		if x == nil {
			return "<none>"
		}
		return x.UTC().Format(time.RFC3339)
	case string:
		return fmt.Sprintf("%q", x)
	default:
		return fmt.Sprint(x)
	}
}
