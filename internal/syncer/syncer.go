package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/mschirtzinger/todosync/internal/account"
	"github.com/mschirtzinger/todosync/internal/caldav"
	"github.com/mschirtzinger/todosync/internal/connectivity"
	"github.com/mschirtzinger/todosync/internal/merge"
	"github.com/mschirtzinger/todosync/internal/queue"
	"github.com/mschirtzinger/todosync/internal/store"
	"github.com/mschirtzinger/todosync/internal/task"
	"github.com/mschirtzinger/todosync/internal/vtodo"
)

// DialFunc builds the CalDAV client for an account.
type DialFunc func(ctx context.Context, acct *account.Account) (Remote, error)

// ClientDialer returns a DialFunc that builds a *caldav.Client with opts and
// the account's credentials.
func ClientDialer(opts *caldav.Options) DialFunc {
	return func(ctx context.Context, acct *account.Account) (Remote, error) {
		hc := acct.HTTPClient(ctx, &http.Client{})
		client, err := caldav.NewClient(hc, acct.ServerURL, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to create CalDAV client for account %s: %w", acct.ID, err)
		}
		return client, nil
	}
}

// Config holds configuration for the syncer.
type Config struct {
	// Attempts is the number of refresh attempts before giving up
	Attempts int

	// BackoffBase is the wait before the second attempt; it doubles after
	// every further attempt
	BackoffBase time.Duration

	// Dial builds the CalDAV client; nil uses ClientDialer(nil)
	Dial DialFunc

	// Logger for sync activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Attempts:    3,
		BackoffBase: time.Second,
		Logger:      log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Report counts what one refresh did.
type Report struct {
	AccountID          string        `json:"account_id" yaml:"account_id"`
	Attempts           int           `json:"attempts" yaml:"attempts"`
	Collections        int           `json:"collections" yaml:"collections"`
	RemovedCollections int           `json:"removed_collections" yaml:"removed_collections"`
	Fetched            int           `json:"fetched" yaml:"fetched"`
	Upserted           int           `json:"upserted" yaml:"upserted"`
	Unchanged          int           `json:"unchanged" yaml:"unchanged"`
	Deleted            int           `json:"deleted" yaml:"deleted"`
	Skipped            int           `json:"skipped" yaml:"skipped"`
	Malformed          int           `json:"malformed" yaml:"malformed"`
	Conflicts          int           `json:"conflicts" yaml:"conflicts"`
	Drained            *queue.Result `json:"drained,omitempty" yaml:"drained,omitempty"`
	StartedAt          time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt         time.Time     `json:"finished_at" yaml:"finished_at"`
}

// RefreshError is returned by Refresh once every attempt has failed.
type RefreshError struct {
	AccountID string
	Attempts  int
	Err       error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh of account %s failed after %d attempt(s): %v", e.AccountID, e.Attempts, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// syncer implements the Syncer interface.
type syncer struct {
	store     *store.Store
	processor *queue.Processor
	monitor   connectivity.Monitor
	accounts  account.Provider
	config    *Config

	group singleflight.Group
	locks accountLocks
}

// accountLocks serializes refreshes and drains of one account, so a drain
// never pushes between a refresh's fetch and its merge.
type accountLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func (l *accountLocks) lock(ctx context.Context, accountID string) (func(), error) {
	l.mu.Lock()
	if l.slots == nil {
		l.slots = make(map[string]chan struct{})
	}
	slot, ok := l.slots[accountID]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[accountID] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// New creates a new Syncer.
//
// The store must be open with its schema created. accounts is usually the
// store itself.
//
// If config is nil, DefaultConfig is used.
//
// Example:
//
//	st, err := store.Open(dbPath)
//	if err != nil {
//	    return err
//	}
//	s := syncer.New(st, queue.New(st, nil), connectivity.NewStatic(true), st, nil)
//	report, err := s.Refresh(ctx)
func New(st *store.Store, processor *queue.Processor, monitor connectivity.Monitor, accounts account.Provider, config *Config) Syncer {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Attempts <= 0 {
		config.Attempts = defaults.Attempts
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = defaults.BackoffBase
	}
	if config.Dial == nil {
		config.Dial = ClientDialer(nil)
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &syncer{
		store:     st,
		processor: processor,
		monitor:   monitor,
		accounts:  accounts,
		config:    config,
	}
}

// SyncOnStart implements Syncer.SyncOnStart.
func (s *syncer) SyncOnStart(ctx context.Context) (*Report, error) {
	s.config.Logger.Println("Sync on start")
	return s.Refresh(ctx)
}

// Refresh implements Syncer.Refresh.
func (s *syncer) Refresh(ctx context.Context) (*Report, error) {
	acct, err := account.Resolve(ctx, s.accounts)
	if account.IsUnavailable(err) {
		s.config.Logger.Printf("Skipping refresh: %v", err)
		return &Report{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve active account: %w", err)
	}

	v, err, shared := s.group.Do(acct.ID, func() (any, error) {
		return s.refreshWithRetry(ctx, acct)
	})
	if shared {
		s.config.Logger.Printf("Joined running refresh of account %s", acct.ID)
	}
	if err != nil {
		return nil, err
	}
	return v.(*Report), nil
}

func (s *syncer) refreshWithRetry(ctx context.Context, acct *account.Account) (*Report, error) {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt < s.config.Attempts; attempt++ {
		if attempt > 0 {
			delay := s.config.BackoffBase << (attempt - 1)
			s.config.Logger.Printf("Retrying refresh in %s (attempt %d/%d)", delay, attempt+1, s.config.Attempts)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		attempts++
		report, err := s.refreshOnce(ctx, acct)
		if err == nil {
			report.Attempts = attempts
			return report, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		if !caldav.IsTransient(err) {
			break
		}
		s.config.Logger.Printf("Refresh attempt %d failed: %v", attempts, err)
	}

	s.config.Logger.Printf("Refresh of account %s failed: %v", acct.ID, lastErr)
	return nil, &RefreshError{AccountID: acct.ID, Attempts: attempts, Err: lastErr}
}

func (s *syncer) refreshOnce(ctx context.Context, acct *account.Account) (*Report, error) {
	unlock, err := s.locks.lock(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	report := &Report{AccountID: acct.ID, StartedAt: time.Now().UTC()}

	remote, err := s.config.Dial(ctx, acct)
	if err != nil {
		return nil, err
	}

	if s.monitor.Online() {
		res, err := s.processor.Drain(ctx, remote, acct.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to drain pending operations: %w", err)
		}
		report.Drained = res
	}

	principal, err := remote.DiscoverPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to discover principal: %w", err)
	}
	home, err := remote.DiscoverCalendarHome(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("failed to discover calendar home: %w", err)
	}
	collections, err := remote.EnumerateCollections(ctx, home)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate collections: %w", err)
	}
	report.Collections = len(collections)

	deleting, err := s.processor.PendingDeletions(ctx, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending deletions: %w", err)
	}

	var errs []error
	listed := make(map[string]bool, len(collections))
	for i := range collections {
		col := &collections[i]
		col.AccountID = acct.ID
		listed[col.Href] = true

		if err := s.store.UpsertCollection(ctx, col); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.syncCollection(ctx, remote, acct.ID, col.Href, deleting, report); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.config.Logger.Printf("Warning: failed to sync collection %s: %v", col.Href, err)
			errs = append(errs, err)
		}
	}

	if err := s.removeStaleCollections(ctx, acct.ID, listed, report); err != nil {
		errs = append(errs, err)
	}

	report.FinishedAt = time.Now().UTC()
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	s.config.Logger.Printf("Refresh complete: collections=%d fetched=%d upserted=%d unchanged=%d deleted=%d malformed=%d conflicts=%d",
		report.Collections, report.Fetched, report.Upserted, report.Unchanged, report.Deleted, report.Malformed, report.Conflicts)
	return report, nil
}

// syncCollection pulls one collection into the store.
func (s *syncer) syncCollection(ctx context.Context, remote Remote, accountID, href string, deleting map[string]bool, report *Report) error {
	resources, err := remote.FetchResources(ctx, href)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", href, err)
	}
	report.Fetched += len(resources)

	present := make(map[string]bool, len(resources))
	for _, res := range resources {
		present[res.Href] = true
		if deleting[res.Href] {
			report.Skipped++
			continue
		}

		decoded, err := vtodo.DecodeAll(res.Data)
		if err != nil {
			report.Malformed += vtodo.MalformedCount(err)
			s.config.Logger.Printf("Warning: skipping malformed data in %s: %v", res.Href, err)
		}
		if len(decoded) == 0 {
			continue
		}
		// One calendar object holds one task.
		server := decoded[0]
		if deleting[server.UID] {
			report.Skipped++
			continue
		}
		server.AccountID = accountID
		server.ListID = href
		server.Href = res.Href
		server.ETag = res.ETag

		if err := s.apply(ctx, server, report); err != nil {
			if !errors.Is(err, task.ErrInvalid) {
				return err
			}
			// Decodes fine but breaks a local limit such as title length.
			report.Malformed++
			s.config.Logger.Printf("Warning: skipping task %s in %s: %v", server.UID, res.Href, err)
		}
	}

	// Remote deletion: anything we pushed earlier that the server no longer
	// lists is gone. Tasks never pushed (no href) are left alone.
	locals, err := s.store.ListTasks(ctx, store.TaskFilter{AccountID: accountID, ListID: href})
	if err != nil {
		return err
	}
	for _, t := range locals {
		if t.Href == "" || present[t.Href] {
			continue
		}
		if err := s.store.DeleteTask(ctx, t.ID); err != nil {
			return err
		}
		s.config.Logger.Printf("Removed task %s (%s): deleted on server", t.ID, t.Title)
		report.Deleted++
	}
	return nil
}

// apply merges one server task into the store.
func (s *syncer) apply(ctx context.Context, server *task.Task, report *Report) error {
	local, err := s.localFor(ctx, server)
	if err != nil {
		return err
	}
	if local != nil && local.ETag != "" && local.ETag == server.ETag && local.Href == server.Href {
		// Server copy unchanged since we last saw it.
		report.Unchanged++
		return nil
	}
	if local == nil {
		server.ID = uuid.NewString()
	}

	result := merge.Merge(server, local)
	for _, c := range result.Conflicts {
		s.config.Logger.Printf("Warning: conflict on task %s, server wins: %s", result.Task.ID, c)
	}
	report.Conflicts += len(result.Conflicts)

	if err := s.store.UpsertTask(ctx, result.Task); err != nil {
		return err
	}
	report.Upserted++
	return nil
}

// localFor finds the stored counterpart of a server task by href, then by
// UID. It returns nil when there is none.
func (s *syncer) localFor(ctx context.Context, server *task.Task) (*task.Task, error) {
	local, err := s.store.TaskByHref(ctx, server.AccountID, server.Href)
	if err == nil {
		return local, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	local, err = s.store.TaskByUID(ctx, server.AccountID, server.UID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return local, err
}

func (s *syncer) removeStaleCollections(ctx context.Context, accountID string, listed map[string]bool, report *Report) error {
	stored, err := s.store.ListCollections(ctx, accountID)
	if err != nil {
		return err
	}
	for _, col := range stored {
		if listed[col.Href] {
			continue
		}
		removed, err := s.store.DeleteCollection(ctx, accountID, col.Href)
		if err != nil {
			return err
		}
		s.config.Logger.Printf("Removed collection %s and %d tasks: no longer on server", col.Href, removed)
		report.RemovedCollections++
		report.Deleted += int(removed)
	}
	return nil
}

// Drain implements Syncer.Drain.
func (s *syncer) Drain(ctx context.Context) (*queue.Result, error) {
	if !s.monitor.Online() {
		return nil, nil
	}
	acct, err := account.Resolve(ctx, s.accounts)
	if account.IsUnavailable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve active account: %w", err)
	}

	unlock, err := s.locks.lock(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	remote, err := s.config.Dial(ctx, acct)
	if err != nil {
		return nil, err
	}
	return s.processor.Drain(ctx, remote, acct.ID)
}

// Listen implements Syncer.Listen.
func (s *syncer) Listen(ctx context.Context) {
	online := false
	for now := range s.monitor.Watch(ctx) {
		if now && !online {
			s.config.Logger.Println("Back online, draining pending operations")
			if _, err := s.Drain(ctx); err != nil && ctx.Err() == nil {
				s.config.Logger.Printf("Error draining pending operations: %v", err)
			}
		}
		online = now
	}
}
