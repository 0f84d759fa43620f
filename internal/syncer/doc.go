// Package syncer reconciles the local task store with a CalDAV server.
//
// Overview
//
// A refresh runs these steps for the active account:
//
//	drain queued edits (only when online)
//	     ↓
//	discover principal → discover calendar home → enumerate VTODO collections
//	     ↓
//	for each collection:
//	     fetch resources → decode VTODOs → merge with local → upsert
//	     delete local tasks whose href the server no longer lists
//	     ↓
//	remove collections the server no longer lists, with their tasks
//
// Each task write is its own unit: a refresh that fails half way leaves the
// tasks it already wrote in place, and the next refresh picks up from the
// server state again.
//
// Retry
//
// Refresh retries transient failures (timeouts, connection errors, 5xx, 408
// and 429) up to Config.Attempts times, sleeping BackoffBase, 2*BackoffBase,
// 4*BackoffBase ... between attempts. Other failures are returned after the
// first attempt. Either way the final error is a *RefreshError.
//
// Usage
//
//	st, _ := store.Open(dbPath)
//	proc := queue.New(st, nil)
//	monitor := connectivity.NewProber(&connectivity.Config{URL: serverURL})
//	s := syncer.New(st, proc, monitor, st, nil)
//
//	go monitor.Run(ctx)
//	go s.Listen(ctx)
//
//	report, err := s.SyncOnStart(ctx)
//
// Tasks that still have a DELETE queued are never re-created from the
// server, so an offline delete survives a refresh that runs before the
// queue drains.
package syncer
