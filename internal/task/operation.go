package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// OperationType is the kind of intent recorded in the pending queue.
type OperationType string

const (
	OpCreate OperationType = "CREATE"
	OpUpdate OperationType = "UPDATE"
	OpDelete OperationType = "DELETE"
)

// IsValid reports whether op is a known operation type.
func (op OperationType) IsValid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// PendingOperation is a durable queue entry describing the latest intended
// server-side outcome for one task.
//
// At most one PendingOperation exists per (AccountID, TaskID).
type PendingOperation struct {
	ID         int64           `json:"id"`
	AccountID  string          `json:"account_id"`
	TaskID     string          `json:"task_id"`
	Type       OperationType   `json:"operation_type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error,omitempty"`
}

// NewPendingOperation builds a queue entry whose payload is the JSON encoding
// of t at the time of the call.
func NewPendingOperation(t *Task, typ OperationType, now time.Time) (*PendingOperation, error) {
	if !typ.IsValid() {
		return nil, fmt.Errorf("invalid operation type %q", typ)
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload for task %s: %w", t.ID, err)
	}
	return &PendingOperation{
		AccountID: t.AccountID,
		TaskID:    t.ID,
		Type:      typ,
		Payload:   payload,
		CreatedAt: now.UTC(),
	}, nil
}

// Task decodes the payload back into the task state captured at enqueue time.
func (op *PendingOperation) Task() (*Task, error) {
	var t Task
	if err := json.Unmarshal(op.Payload, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload of operation %d: %w", op.ID, err)
	}
	return &t, nil
}
