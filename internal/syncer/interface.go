package syncer

import (
	"context"

	"github.com/mschirtzinger/todosync/internal/caldav"
	"github.com/mschirtzinger/todosync/internal/queue"
	"github.com/mschirtzinger/todosync/internal/task"
)

// Syncer keeps the local store in step with the active account's server.
//
// A refresh pushes queued local edits first, then pulls every VTODO
// collection and merges what it finds into the store. Refreshes of the same
// account never overlap: a caller that asks for a refresh while one is
// running waits for it and shares its result.
//
// The syncer is resilient: a malformed resource or a failing collection is
// logged and counted, and the remaining collections are still processed.
type Syncer interface {
	// Refresh runs a full refresh of the active account, retrying transient
	// failures with exponential backoff.
	//
	// Returns an empty Report and nil when there is no active account or it
	// has no server configured. After the last attempt fails the error is a
	// *RefreshError. Cancelling ctx stops both the refresh and any pending
	// backoff wait, and returns ctx.Err().
	//
	// Example:
	//   report, err := s.Refresh(ctx)
	//   if err != nil {
	//       return err
	//   }
	//   fmt.Printf("%d tasks updated\n", report.Upserted)
	Refresh(ctx context.Context) (*Report, error)

	// SyncOnStart is the refresh run when the application starts. It behaves
	// exactly like Refresh and is logged separately.
	SyncOnStart(ctx context.Context) (*Report, error)

	// Drain pushes the active account's queued edits if the server is
	// reachable. Returns a nil Result when offline or when there is no
	// active account. A drain waits for a running refresh of the same
	// account to finish before it pushes anything.
	//
	// Example:
	//   res, err := s.Drain(ctx)
	Drain(ctx context.Context) (*queue.Result, error)

	// Listen drains the queue every time connectivity changes to online.
	// It blocks until ctx is done.
	Listen(ctx context.Context)
}

// Remote is the CalDAV surface a refresh needs.
//
// *caldav.Client implements this interface.
type Remote interface {
	queue.Remote

	// DiscoverPrincipal returns the current-user-principal href.
	DiscoverPrincipal(ctx context.Context) (string, error)

	// DiscoverCalendarHome returns the calendar-home-set of a principal.
	DiscoverCalendarHome(ctx context.Context, principal string) (string, error)

	// EnumerateCollections returns the VTODO calendars under home.
	EnumerateCollections(ctx context.Context, home string) ([]task.Collection, error)

	// FetchResources returns every VTODO object of a collection.
	FetchResources(ctx context.Context, collection string) ([]caldav.Resource, error)
}
