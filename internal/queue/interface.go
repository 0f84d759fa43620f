package queue

import (
	"context"

	"github.com/mschirtzinger/todosync/internal/caldav"
	"github.com/mschirtzinger/todosync/internal/task"
)

// Store is the durable state the processor reads and writes.
//
// *store.Store implements this interface.
type Store interface {
	// GetTask returns the current local task, or an error wrapping
	// store.ErrNotFound when it was deleted locally.
	GetTask(ctx context.Context, id string) (*task.Task, error)

	// UpsertTask writes a whole task row. Used after a conflict merge.
	UpsertTask(ctx context.Context, t *task.Task) error

	// MarkSynced records the href, etag and snapshot of a confirmed server
	// write without touching the task's content columns.
	MarkSynced(ctx context.Context, id, href, etag string, snap *task.Snapshot) error

	// ReplacePendingOperation atomically swaps the pending entry of
	// (op.AccountID, op.TaskID) for op.
	ReplacePendingOperation(ctx context.Context, op *task.PendingOperation) error

	// ListPendingOperations returns an account's entries in creation order.
	ListPendingOperations(ctx context.Context, accountID string) ([]*task.PendingOperation, error)

	// DeletePendingOperation removes one entry by id. Removing an entry that
	// is already gone is not an error.
	DeletePendingOperation(ctx context.Context, id int64) error

	// RecordPendingFailure bumps the retry count of an entry and returns the
	// new count. It returns store.ErrNotFound when the entry was superseded.
	RecordPendingFailure(ctx context.Context, id int64, lastError string) (int, error)

	// CountPendingOperations returns the number of entries of an account.
	CountPendingOperations(ctx context.Context, accountID string) (int, error)
}

// Remote is the subset of the CalDAV client used to replay operations.
//
// *caldav.Client implements this interface.
type Remote interface {
	// GetResource downloads one object. Used to re-read a resource after a
	// conflicting write.
	GetResource(ctx context.Context, href string) (*caldav.Resource, error)

	// CreateResource PUTs a new object with If-None-Match: * and returns its
	// href and etag.
	CreateResource(ctx context.Context, collection, filename, data string) (href, etag string, err error)

	// UpdateResource PUTs over an existing object, conditional on knownETag
	// when it is set, and returns the new etag.
	UpdateResource(ctx context.Context, href, data, knownETag string) (string, error)

	// DeleteResource removes an object. A resource that is already gone is
	// reported as success.
	DeleteResource(ctx context.Context, href, knownETag string) error
}

var (
	_ Remote = (*caldav.Client)(nil)
)
