// Package queue holds local edits that still have to reach the CalDAV server
// and replays them when the server is reachable.
//
// The queue stores intent, not history: there is at most one entry per
// (account, task), and enqueueing replaces whatever was there. A drain walks
// the entries of one account in creation order and sends each one
// independently, so a failing entry never blocks the ones behind it. Every
// failure bumps the entry's retry count; an entry that reaches MaxRetries is
// abandoned (removed) and the local task keeps its last known state.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mschirtzinger/todosync/internal/caldav"
	"github.com/mschirtzinger/todosync/internal/merge"
	"github.com/mschirtzinger/todosync/internal/store"
	"github.com/mschirtzinger/todosync/internal/task"
	"github.com/mschirtzinger/todosync/internal/vtodo"
)

// DefaultMaxRetries is the number of failed attempts after which an entry is
// abandoned.
const DefaultMaxRetries = 5

var _ Store = (*store.Store)(nil)

// Config holds configuration for the processor.
type Config struct {
	// MaxRetries is the retry ceiling per entry
	MaxRetries int

	// Logger for queue activity
	Logger *log.Logger

	// Now returns the enqueue timestamp
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries: DefaultMaxRetries,
		Logger:     log.New(os.Stderr, "[queue] ", log.LstdFlags),
		Now:        time.Now,
	}
}

// Status is the sync indicator of one account.
type Status struct {
	AccountID   string `json:"account_id" yaml:"account_id"`
	Pending     int    `json:"pending" yaml:"pending"`
	HasUnsynced bool   `json:"has_unsynced" yaml:"has_unsynced"`
}

// Result summarizes one drain pass.
type Result struct {
	Processed int `json:"processed" yaml:"processed"`
	Succeeded int `json:"succeeded" yaml:"succeeded"`
	Failed    int `json:"failed" yaml:"failed"`
	Abandoned int `json:"abandoned" yaml:"abandoned"`
	Dropped   int `json:"dropped" yaml:"dropped"`
	Merged    int `json:"merged" yaml:"merged"`
}

// Processor owns the pending-operations queue.
type Processor struct {
	store  Store
	config *Config

	// drainMu serializes drain passes so an entry is never sent twice.
	drainMu sync.Mutex

	watchMu  sync.Mutex
	watchers map[chan Status]struct{}
}

// New creates a processor on top of st. A nil config uses DefaultConfig.
//
// Example:
//
//	p := queue.New(st, nil)
//	if err := p.Enqueue(ctx, t, task.OpUpdate); err != nil {
//	    return err
//	}
//	res, err := p.Drain(ctx, client, t.AccountID)
func New(st Store, config *Config) *Processor {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}
	return &Processor{
		store:    st,
		config:   config,
		watchers: make(map[chan Status]struct{}),
	}
}

// Enqueue records typ as the latest intent for t, replacing any earlier
// entry of the same task. The payload is t as it is now.
//
// An UPDATE for a task that was never created on the server is stored as a
// CREATE, so that edits made before the first successful push still create
// the resource.
func (p *Processor) Enqueue(ctx context.Context, t *task.Task, typ task.OperationType) error {
	if typ == task.OpUpdate && t.Href == "" {
		typ = task.OpCreate
	}

	op, err := task.NewPendingOperation(t, typ, p.config.Now())
	if err != nil {
		return err
	}
	if err := p.store.ReplacePendingOperation(ctx, op); err != nil {
		return fmt.Errorf("failed to enqueue %s for task %s: %w", typ, t.ID, err)
	}

	p.config.Logger.Printf("Enqueued %s for task %s", typ, t.ID)
	p.publish(ctx, t.AccountID)
	return nil
}

// PendingCount returns the number of queued entries of an account.
func (p *Processor) PendingCount(ctx context.Context, accountID string) (int, error) {
	return p.store.CountPendingOperations(ctx, accountID)
}

// HasUnsyncedChanges reports whether the account has anything queued.
func (p *Processor) HasUnsyncedChanges(ctx context.Context, accountID string) (bool, error) {
	n, err := p.PendingCount(ctx, accountID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Status returns the current indicator of an account.
func (p *Processor) Status(ctx context.Context, accountID string) (Status, error) {
	n, err := p.PendingCount(ctx, accountID)
	if err != nil {
		return Status{}, err
	}
	return Status{AccountID: accountID, Pending: n, HasUnsynced: n > 0}, nil
}

// PendingDeletions returns the hrefs and UIDs of tasks whose deletion has not
// reached the server yet. A refresh must not bring these back.
func (p *Processor) PendingDeletions(ctx context.Context, accountID string) (map[string]bool, error) {
	ops, err := p.store.ListPendingOperations(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, op := range ops {
		if op.Type != task.OpDelete {
			continue
		}
		t, err := op.Task()
		if err != nil {
			continue
		}
		if t.Href != "" {
			out[t.Href] = true
		}
		if t.UID != "" {
			out[t.UID] = true
		}
	}
	return out, nil
}

// Watch returns a channel that receives the account status after every
// enqueue and drain. Only the latest status is buffered. The channel is
// closed when ctx is done.
func (p *Processor) Watch(ctx context.Context) <-chan Status {
	ch := make(chan Status, 1)

	p.watchMu.Lock()
	p.watchers[ch] = struct{}{}
	p.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		p.watchMu.Lock()
		delete(p.watchers, ch)
		close(ch)
		p.watchMu.Unlock()
	}()
	return ch
}

func (p *Processor) publish(ctx context.Context, accountID string) {
	status, err := p.Status(ctx, accountID)
	if err != nil {
		p.config.Logger.Printf("Warning: failed to count pending operations: %v", err)
		return
	}

	p.watchMu.Lock()
	defer p.watchMu.Unlock()
	for ch := range p.watchers {
		// Replace a status nobody has read yet.
		select {
		case <-ch:
		default:
		}
		ch <- status
	}
}

// Drain sends every pending entry of accountID to remote.
//
// Entries are processed one at a time in creation order. The returned error
// is non-nil only when the queue could not be read or ctx was cancelled;
// per-entry failures are counted in the Result and recorded on the entry.
func (p *Processor) Drain(ctx context.Context, remote Remote, accountID string) (*Result, error) {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()
	defer p.publish(context.WithoutCancel(ctx), accountID)

	ops, err := p.store.ListPendingOperations(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending operations: %w", err)
	}

	res := &Result{}
	if len(ops) == 0 {
		return res, nil
	}
	p.config.Logger.Printf("Draining %d pending operations for account %s", len(ops), accountID)

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Processed++

		outcome, err := p.process(ctx, remote, op)
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled mid-request: leave the entry untouched.
				return res, ctx.Err()
			}
			p.fail(ctx, op, err, res)
			continue
		}

		if err := p.store.DeletePendingOperation(ctx, op.ID); err != nil {
			p.config.Logger.Printf("Warning: failed to remove completed operation %d: %v", op.ID, err)
		}
		switch outcome {
		case outcomeDropped:
			res.Dropped++
		case outcomeMerged:
			res.Merged++
			res.Succeeded++
		default:
			res.Succeeded++
		}
	}

	p.config.Logger.Printf("Drain complete: processed=%d succeeded=%d failed=%d abandoned=%d dropped=%d",
		res.Processed, res.Succeeded, res.Failed, res.Abandoned, res.Dropped)
	return res, nil
}

// fail records a failed attempt and abandons the entry at the ceiling.
func (p *Processor) fail(ctx context.Context, op *task.PendingOperation, cause error, res *Result) {
	res.Failed++

	count, err := p.store.RecordPendingFailure(ctx, op.ID, cause.Error())
	if errors.Is(err, store.ErrNotFound) {
		// Superseded by a newer enqueue while the request was in flight.
		return
	}
	if err != nil {
		p.config.Logger.Printf("Warning: failed to record failure of operation %d: %v", op.ID, err)
		return
	}

	if count < p.config.MaxRetries {
		p.config.Logger.Printf("%s of task %s failed (attempt %d/%d): %v",
			op.Type, op.TaskID, count, p.config.MaxRetries, cause)
		return
	}

	p.config.Logger.Printf("Warning: abandoning %s of task %s after %d attempts: %v",
		op.Type, op.TaskID, count, cause)
	if err := p.store.DeletePendingOperation(ctx, op.ID); err != nil {
		p.config.Logger.Printf("Warning: failed to remove abandoned operation %d: %v", op.ID, err)
		return
	}
	res.Abandoned++
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeMerged
	outcomeDropped
)

func (p *Processor) process(ctx context.Context, remote Remote, op *task.PendingOperation) (outcome, error) {
	switch op.Type {
	case task.OpCreate, task.OpUpdate:
		// Always send the freshest local state, not the enqueued payload.
		current, err := p.store.GetTask(ctx, op.TaskID)
		if errors.Is(err, store.ErrNotFound) {
			p.config.Logger.Printf("Task %s no longer exists locally, dropping %s", op.TaskID, op.Type)
			return outcomeDropped, nil
		}
		if err != nil {
			return outcomeSent, err
		}
		if current.Href == "" {
			return p.create(ctx, remote, current)
		}
		return p.update(ctx, remote, current)

	case task.OpDelete:
		return p.delete(ctx, remote, op)

	default:
		p.config.Logger.Printf("Warning: dropping operation %d with unknown type %q", op.ID, op.Type)
		return outcomeDropped, nil
	}
}

func (p *Processor) create(ctx context.Context, remote Remote, t *task.Task) (outcome, error) {
	hadUID := t.UID != ""
	body, err := vtodo.Encode(t)
	if err != nil {
		return outcomeSent, err
	}
	if !hadUID {
		// Persist the generated UID before the resource exists under it.
		if err := p.store.UpsertTask(ctx, t); err != nil {
			return outcomeSent, fmt.Errorf("failed to store generated uid: %w", err)
		}
	}

	href, etag, err := remote.CreateResource(ctx, t.ListID, t.Filename(), body)
	var conflict *caldav.ConflictError
	if errors.As(err, &conflict) {
		// A resource with our name already exists, most likely from an
		// earlier attempt whose response was lost.
		t.Href = conflict.Href
		return p.reconcile(ctx, remote, t)
	}
	if err != nil {
		return outcomeSent, err
	}

	err = p.store.MarkSynced(ctx, t.ID, href, etag, t.Snapshot())
	if errors.Is(err, store.ErrNotFound) {
		// Deleted locally while the PUT was in flight.
		p.config.Logger.Printf("Task %s was deleted during create, removing %s", t.ID, href)
		return outcomeSent, remote.DeleteResource(ctx, href, etag)
	}
	if err != nil {
		return outcomeSent, err
	}
	p.config.Logger.Printf("Created %s (%s)", href, t.Title)
	return outcomeSent, nil
}

func (p *Processor) update(ctx context.Context, remote Remote, t *task.Task) (outcome, error) {
	body, err := vtodo.Encode(t)
	if err != nil {
		return outcomeSent, err
	}

	etag, err := remote.UpdateResource(ctx, t.Href, body, t.ETag)
	if caldav.IsConflict(err) {
		return p.reconcile(ctx, remote, t)
	}
	if err != nil {
		return outcomeSent, err
	}

	if err := p.markSynced(ctx, t, etag); err != nil {
		return outcomeSent, err
	}
	p.config.Logger.Printf("Updated %s (%s)", t.Href, t.Title)
	return outcomeSent, nil
}

// reconcile handles a lost update: it re-reads the server copy, merges the
// local task into it, stores the result and retries the PUT once against the
// new etag.
func (p *Processor) reconcile(ctx context.Context, remote Remote, local *task.Task) (outcome, error) {
	res, err := remote.GetResource(ctx, local.Href)
	if err != nil {
		return outcomeSent, fmt.Errorf("failed to re-read %s after conflict: %w", local.Href, err)
	}
	server, err := vtodo.Decode(res.Data)
	if err != nil {
		return outcomeSent, fmt.Errorf("failed to decode %s after conflict: %w", local.Href, err)
	}
	server.Href = local.Href
	server.ETag = res.ETag
	server.ListID = local.ListID

	result := merge.Merge(server, local)
	for _, c := range result.Conflicts {
		p.config.Logger.Printf("Warning: conflict on task %s, server wins: %s", local.ID, c)
	}
	merged := result.Task
	if err := p.store.UpsertTask(ctx, merged); err != nil {
		return outcomeSent, fmt.Errorf("failed to store merged task %s: %w", merged.ID, err)
	}

	body, err := vtodo.Encode(merged)
	if err != nil {
		return outcomeSent, err
	}
	etag, err := remote.UpdateResource(ctx, merged.Href, body, merged.ETag)
	if err != nil {
		return outcomeSent, err
	}
	if err := p.markSynced(ctx, merged, etag); err != nil {
		return outcomeSent, err
	}

	p.config.Logger.Printf("Updated %s after merge (%s)", merged.Href, merged.Title)
	return outcomeMerged, nil
}

func (p *Processor) markSynced(ctx context.Context, t *task.Task, etag string) error {
	err := p.store.MarkSynced(ctx, t.ID, t.Href, etag, t.Snapshot())
	if errors.Is(err, store.ErrNotFound) {
		// Deleted locally in the meantime; the pending DELETE takes over.
		return nil
	}
	return err
}

func (p *Processor) delete(ctx context.Context, remote Remote, op *task.PendingOperation) (outcome, error) {
	t, err := op.Task()
	if err != nil {
		p.config.Logger.Printf("Warning: dropping DELETE %d with unreadable payload: %v", op.ID, err)
		return outcomeDropped, nil
	}
	if t.Href == "" {
		// Never reached the server.
		return outcomeDropped, nil
	}

	err = remote.DeleteResource(ctx, t.Href, t.ETag)
	if caldav.IsConflict(err) {
		// Changed on the server since we last saw it. The user still asked
		// for it to go.
		p.config.Logger.Printf("Warning: %s changed on server, deleting anyway", t.Href)
		err = remote.DeleteResource(ctx, t.Href, "")
	}
	if err != nil {
		return outcomeSent, err
	}
	p.config.Logger.Printf("Deleted %s", t.Href)
	return outcomeSent, nil
}
