// Package task provides the domain types shared by the sync engine: tasks,
// their merge snapshots, pending queue operations and calendar collections.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ErrInvalid marks a task rejected by Validate.
var ErrInvalid = errors.New("invalid task")

// Status is the iCalendar VTODO status of a task.
type Status string

const (
	StatusNeedsAction Status = "NEEDS-ACTION"
	StatusInProcess   Status = "IN-PROCESS"
	StatusCompleted   Status = "COMPLETED"
)

// IsValid reports whether s is one of the statuses the engine understands.
func (s Status) IsValid() bool {
	switch s {
	case StatusNeedsAction, StatusInProcess, StatusCompleted:
		return true
	default:
		return false
	}
}

// Task is a single to-do item as stored locally and exchanged with the server.
//
// The CalDAV identity fields follow two rules:
//   - Href == "" means the task has never been created on the server
//   - ETag == "" means the task has never been confirmed synced
type Task struct {
	// ===== Local Identification =====
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	ListID    string `json:"list_id"` // href of the owning calendar collection

	// ===== Task Content =====
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Completed   bool       `json:"completed"`
	Status      Status     `json:"status"`
	Priority    *int       `json:"priority,omitempty"` // 1 (highest) - 9 (lowest)
	DueAt       *time.Time `json:"due_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	ParentUID   string     `json:"parent_uid,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// ===== CalDAV Identity =====
	UID  string `json:"uid"`
	ETag string `json:"etag,omitempty"`
	Href string `json:"href,omitempty"`

	// BaseSnapshot is the last server-confirmed state of the mergeable fields.
	// nil means there is no merge history.
	BaseSnapshot *Snapshot `json:"base_snapshot,omitempty"`
}

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	if t.ListID == "" {
		return fmt.Errorf("list_id is required")
	}
	if len(t.Title) > 1000 {
		return fmt.Errorf("title must be 1000 characters or less (got %d)", len(t.Title))
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("invalid status %q", t.Status)
	}
	if t.Priority != nil && (*t.Priority < 1 || *t.Priority > 9) {
		return fmt.Errorf("priority must be between 1 and 9 (got %d)", *t.Priority)
	}
	if t.Completed != (t.Status == StatusCompleted) {
		return fmt.Errorf("completed flag %t does not match status %s", t.Completed, t.Status)
	}
	return nil
}

// Filename returns the resource name used when the task is first created on
// the server: {uid}.ics
func (t *Task) Filename() string {
	return t.UID + ".ics"
}

// SetCompleted flips the completed flag and keeps Status and CompletedAt
// consistent with it.
func (t *Task) SetCompleted(done bool, now time.Time) {
	t.Completed = done
	if done {
		t.Status = StatusCompleted
		at := now.UTC()
		t.CompletedAt = &at
		return
	}
	if t.Status == StatusCompleted {
		t.Status = StatusNeedsAction
	}
	t.CompletedAt = nil
}

// SetDefaults applies default values for optional fields.
func (t *Task) SetDefaults() {
	if t.Status == "" {
		if t.Completed {
			t.Status = StatusCompleted
		} else {
			t.Status = StatusNeedsAction
		}
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
}

// Touch sets UpdatedAt to the current time.
// This should be called whenever a local edit is made.
func (t *Task) Touch() {
	t.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Priority != nil {
		p := *t.Priority
		c.Priority = &p
	}
	c.DueAt = cloneTime(t.DueAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.Tags = slices.Clone(t.Tags)
	if t.BaseSnapshot != nil {
		s := t.BaseSnapshot.Clone()
		c.BaseSnapshot = &s
	}
	return &c
}

// Snapshot captures the mergeable fields of the task.
func (t *Task) Snapshot() *Snapshot {
	s := Snapshot{
		Title:       t.Title,
		Description: t.Description,
		Completed:   t.Completed,
		Status:      t.Status,
		Priority:    clonePriority(t.Priority),
		DueAt:       cloneTime(t.DueAt),
		CompletedAt: cloneTime(t.CompletedAt),
		ParentUID:   t.ParentUID,
		Tags:        NormalizeTags(t.Tags),
	}
	return &s
}

// Snapshot is an immutable copy of a task's mergeable fields, captured when
// the task was last known to match the server.
type Snapshot struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Completed   bool       `json:"completed"`
	Status      Status     `json:"status"`
	Priority    *int       `json:"priority,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ParentUID   string     `json:"parent_uid,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	s.Priority = clonePriority(s.Priority)
	s.DueAt = cloneTime(s.DueAt)
	s.CompletedAt = cloneTime(s.CompletedAt)
	s.Tags = slices.Clone(s.Tags)
	return s
}

// MarshalSnapshot encodes a snapshot for storage. A nil snapshot encodes to
// an empty string.
func MarshalSnapshot(s *Snapshot) (string, error) {
	if s == nil {
		return "", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return string(data), nil
}

// UnmarshalSnapshot is the inverse of MarshalSnapshot.
func UnmarshalSnapshot(data string) (*Snapshot, error) {
	if data == "" {
		return nil, nil
	}
	var s Snapshot
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &s, nil
}

// NormalizeTags trims, de-duplicates and sorts tag names so that two tag sets
// can be compared for equality.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || slices.Contains(out, tag) {
			continue
		}
		out = append(out, tag)
	}
	slices.Sort(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// PriorityPtr is a convenience for building optional priorities.
func PriorityPtr(p int) *int {
	return &p
}

func clonePriority(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
