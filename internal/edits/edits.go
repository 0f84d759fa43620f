// Package edits applies user changes to tasks.
//
// Every change is written to the local store first, so the user sees it
// immediately whether or not the server is reachable. The change is then
// queued as the task's latest intent and, when online, pushed right away by
// draining the queue. A failed push leaves the entry queued for the next
// drain.
package edits

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mschirtzinger/todosync/internal/account"
	"github.com/mschirtzinger/todosync/internal/queue"
	"github.com/mschirtzinger/todosync/internal/store"
	"github.com/mschirtzinger/todosync/internal/task"
)

// ErrNoCollection is returned by Create when the account has no collection
// to put the task in.
var ErrNoCollection = errors.New("edits: no task collection available")

// Pusher sends queued changes to the server. syncer.Syncer implements it.
type Pusher interface {
	Drain(ctx context.Context) (*queue.Result, error)
}

// Config holds configuration for the service.
type Config struct {
	// Logger for edit activity
	Logger *log.Logger

	// Now returns the time stamped on edits
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger: log.New(os.Stderr, "[edits] ", log.LstdFlags),
		Now:    time.Now,
	}
}

// Draft holds the user-supplied fields of a new task.
type Draft struct {
	Title       string
	Description string
	ListID      string // empty = first collection of the account
	Priority    *int
	DueAt       *time.Time
	Tags        []string
	ParentUID   string
	UID         string // empty = new UID
}

// Service applies local edits and hands them to the queue.
type Service struct {
	store     *store.Store
	processor *queue.Processor
	accounts  account.Provider
	pusher    Pusher
	config    *Config
}

// New creates a Service. pusher may be nil, in which case changes are only
// queued.
func New(st *store.Store, processor *queue.Processor, accounts account.Provider, pusher Pusher, config *Config) *Service {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}
	return &Service{
		store:     st,
		processor: processor,
		accounts:  accounts,
		pusher:    pusher,
		config:    config,
	}
}

// Create stores a new task in the active account and queues its creation.
func (s *Service) Create(ctx context.Context, d Draft) (*task.Task, error) {
	acct, err := s.accounts.ActiveAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve active account: %w", err)
	}

	listID := d.ListID
	if listID == "" {
		cols, err := s.store.ListCollections(ctx, acct.ID)
		if err != nil {
			return nil, err
		}
		if len(cols) == 0 {
			return nil, ErrNoCollection
		}
		listID = cols[0].Href
	}

	uid := d.UID
	if uid == "" {
		uid = uuid.NewString()
	}
	t := &task.Task{
		ID:          uuid.NewString(),
		AccountID:   acct.ID,
		ListID:      listID,
		Title:       d.Title,
		Description: d.Description,
		Status:      task.StatusNeedsAction,
		Priority:    d.Priority,
		DueAt:       d.DueAt,
		Tags:        task.NormalizeTags(d.Tags),
		ParentUID:   d.ParentUID,
		UID:         uid,
		UpdatedAt:   s.config.Now().UTC(),
	}
	if err := s.save(ctx, t, task.OpCreate); err != nil {
		return nil, err
	}
	return t, nil
}

// Update applies fn to the stored task id and queues the result.
//
// Example:
//
//	t, err := svc.Update(ctx, id, func(t *task.Task) {
//	    t.Title = "Buy milk and eggs"
//	})
func (s *Service) Update(ctx context.Context, id string, fn func(*task.Task)) (*task.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	fn(t)
	t.Tags = task.NormalizeTags(t.Tags)
	t.UpdatedAt = s.config.Now().UTC()

	if err := s.save(ctx, t, task.OpUpdate); err != nil {
		return nil, err
	}
	return t, nil
}

// SetCompleted marks a task done or not done.
func (s *Service) SetCompleted(ctx context.Context, id string, done bool) (*task.Task, error) {
	now := s.config.Now()
	return s.Update(ctx, id, func(t *task.Task) {
		t.SetCompleted(done, now)
	})
}

// Delete removes a task locally and queues its removal from the server.
// A task that never reached the server still gets a DELETE entry, which
// supersedes its queued CREATE and is dropped on the next drain.
func (s *Service) Delete(ctx context.Context, id string) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	if err := s.processor.Enqueue(ctx, t, task.OpDelete); err != nil {
		return err
	}
	s.push(ctx)
	return nil
}

func (s *Service) save(ctx context.Context, t *task.Task, typ task.OperationType) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	if err := s.store.UpsertTask(ctx, t); err != nil {
		return err
	}
	if err := s.processor.Enqueue(ctx, t, typ); err != nil {
		return err
	}
	s.push(ctx)
	return nil
}

// push drains the queue when a pusher is configured. The local change is
// already durable, so a failure here is only logged.
func (s *Service) push(ctx context.Context) {
	if s.pusher == nil {
		return
	}
	res, err := s.pusher.Drain(ctx)
	if err != nil {
		s.config.Logger.Printf("Warning: push failed, change stays queued: %v", err)
		return
	}
	if res != nil && res.Failed > 0 {
		s.config.Logger.Printf("Warning: %d change(s) could not be pushed and stay queued", res.Failed)
	}
}
