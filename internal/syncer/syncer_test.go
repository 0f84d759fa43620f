package syncer

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mschirtzinger/todosync/internal/account"
	"github.com/mschirtzinger/todosync/internal/caldav"
	"github.com/mschirtzinger/todosync/internal/caldav/caldavtest"
	"github.com/mschirtzinger/todosync/internal/connectivity"
	"github.com/mschirtzinger/todosync/internal/queue"
	"github.com/mschirtzinger/todosync/internal/store"
	"github.com/mschirtzinger/todosync/internal/task"
	"github.com/mschirtzinger/todosync/internal/vtodo"
)

const testAccount = "acct"

type fixture struct {
	st      *store.Store
	proc    *queue.Processor
	monitor *connectivity.Static
	srv     *caldavtest.Server
	s       Syncer
	list    string
}

// setup creates a store with one active account pointed at a fake server.
func setup(t *testing.T, online bool) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	srv := caldavtest.NewServer(t)
	acct := &account.Account{ID: testAccount, ServerURL: srv.URL, Username: "alice", Kind: account.Basic, Secret: "pw"}
	if err := st.UpsertAccount(ctx, acct); err != nil {
		t.Fatalf("UpsertAccount() failed: %v", err)
	}
	if err := st.SetActiveAccount(ctx, testAccount); err != nil {
		t.Fatalf("SetActiveAccount() failed: %v", err)
	}

	discard := log.New(io.Discard, "", 0)
	proc := queue.New(st, &queue.Config{Logger: discard})
	monitor := connectivity.NewStatic(online)
	client := srv.Client(t)

	f := &fixture{
		st:      st,
		proc:    proc,
		monitor: monitor,
		srv:     srv,
		list:    srv.AddCalendar("tasks"),
	}
	f.s = New(st, proc, monitor, st, &Config{
		BackoffBase: time.Millisecond,
		Logger:      discard,
		Dial: func(context.Context, *account.Account) (Remote, error) {
			return client, nil
		},
	})
	return f
}

// serverTask stores a VTODO on the fake server and returns its href.
func (f *fixture) serverTask(t *testing.T, uid, title string) string {
	t.Helper()
	body, err := vtodo.Encode(&task.Task{UID: uid, Title: title, Status: task.StatusNeedsAction})
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	href := f.list + uid + ".ics"
	f.srv.PutObject(href, body)
	return href
}

func (f *fixture) refresh(t *testing.T) *Report {
	t.Helper()
	report, err := f.s.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	return report
}

func (f *fixture) tasks(t *testing.T) []*task.Task {
	t.Helper()
	tasks, err := f.st.ListTasks(context.Background(), store.TaskFilter{AccountID: testAccount})
	if err != nil {
		t.Fatalf("ListTasks() failed: %v", err)
	}
	return tasks
}

// TestRefresh_PullsTasks tests a first refresh against a populated server.
func TestRefresh_PullsTasks(t *testing.T) {
	f := setup(t, true)

	f.srv.AddCalendar("events", "VEVENT")
	trash := f.srv.AddCalendar("old", "VTODO")
	f.srv.TrashCalendar(trash)
	href := f.serverTask(t, "uid-1", "Buy milk")
	f.serverTask(t, "uid-2", "Call mom")

	report := f.refresh(t)
	if report.Collections != 1 || report.Fetched != 2 || report.Upserted != 2 || report.Attempts != 1 {
		t.Errorf("report = %+v", report)
	}

	tasks := f.tasks(t)
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}
	got, err := f.st.TaskByHref(context.Background(), testAccount, href)
	if err != nil {
		t.Fatalf("TaskByHref() failed: %v", err)
	}
	_, etag, _ := f.srv.Object(href)
	if got.Title != "Buy milk" || got.ETag != etag || got.ListID != f.list || got.ID == "" {
		t.Errorf("task = %+v", got)
	}
	if got.BaseSnapshot == nil || got.BaseSnapshot.Title != "Buy milk" {
		t.Errorf("BaseSnapshot = %+v", got.BaseSnapshot)
	}

	cols, err := f.st.ListCollections(context.Background(), testAccount)
	if err != nil || len(cols) != 1 || cols[0].Href != f.list {
		t.Errorf("collections = %v, %v", cols, err)
	}

	// A second refresh finds nothing new.
	again := f.refresh(t)
	if again.Unchanged != 2 || again.Upserted != 0 {
		t.Errorf("second report = %+v", again)
	}
	if n := len(f.tasks(t)); n != 2 {
		t.Errorf("got %d tasks after second refresh, want 2", n)
	}
}

// TestRefresh_MergesOfflineEdit tests the offline-complete / remote-rename
// scenario end to end.
func TestRefresh_MergesOfflineEdit(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	href := f.serverTask(t, "uid-milk", "Buy milk")
	f.refresh(t)

	local, err := f.st.TaskByHref(ctx, testAccount, href)
	if err != nil {
		t.Fatalf("TaskByHref() failed: %v", err)
	}
	local.SetCompleted(true, time.Now())
	if err := f.st.UpsertTask(ctx, local); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	if err := f.proc.Enqueue(ctx, local, task.OpUpdate); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	f.serverTask(t, "uid-milk", "Buy milk and eggs")
	report := f.refresh(t)
	if report.Upserted != 1 || report.Conflicts != 0 || report.Drained != nil {
		t.Errorf("report = %+v", report)
	}

	merged, _ := f.st.GetTask(ctx, local.ID)
	_, serverETag, _ := f.srv.Object(href)
	if merged.Title != "Buy milk and eggs" || !merged.Completed || merged.ETag != serverETag {
		t.Errorf("merged = %q completed=%t etag=%q", merged.Title, merged.Completed, merged.ETag)
	}

	f.monitor.Set(true)
	res, err := f.s.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if res == nil || res.Succeeded != 1 {
		t.Fatalf("Drain() = %+v", res)
	}

	data, _, _ := f.srv.Object(href)
	onServer, err := vtodo.Decode(data)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if onServer.Title != "Buy milk and eggs" || !onServer.Completed {
		t.Errorf("server = %q completed=%t", onServer.Title, onServer.Completed)
	}
}

// TestRefresh_ConflictServerWins tests that a field changed on both sides
// takes the server value.
func TestRefresh_ConflictServerWins(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	href := f.serverTask(t, "uid-1", "original")
	f.refresh(t)

	local, _ := f.st.TaskByHref(ctx, testAccount, href)
	local.Title = "local title"
	_ = f.st.UpsertTask(ctx, local)

	f.serverTask(t, "uid-1", "server title")
	report := f.refresh(t)
	if report.Conflicts != 1 {
		t.Errorf("Conflicts = %d, want 1", report.Conflicts)
	}
	got, _ := f.st.GetTask(ctx, local.ID)
	if got.Title != "server title" {
		t.Errorf("Title = %q, want server title", got.Title)
	}
}

// TestRefresh_RemoteDeletion tests that tasks missing from the server are
// removed locally while never-pushed tasks stay.
func TestRefresh_RemoteDeletion(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	gone := f.serverTask(t, "uid-gone", "gone")
	f.serverTask(t, "uid-kept", "kept")
	f.refresh(t)

	draft := &task.Task{ID: "draft", AccountID: testAccount, ListID: f.list, Title: "draft",
		Status: task.StatusNeedsAction, UID: "uid-draft", UpdatedAt: time.Now()}
	if err := f.st.UpsertTask(ctx, draft); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}

	f.srv.DeleteObject(gone)
	report := f.refresh(t)
	if report.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", report.Deleted)
	}
	if _, err := f.st.TaskByHref(ctx, testAccount, gone); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("deleted task still present: %v", err)
	}
	if _, err := f.st.GetTask(ctx, "draft"); err != nil {
		t.Errorf("never-pushed task removed: %v", err)
	}
}

// TestRefresh_PendingDeleteNotResurrected tests that an offline delete is
// not undone by a refresh before the queue drains.
func TestRefresh_PendingDeleteNotResurrected(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	href := f.serverTask(t, "uid-1", "delete me")
	f.refresh(t)

	local, _ := f.st.TaskByHref(ctx, testAccount, href)
	_ = f.st.DeleteTask(ctx, local.ID)
	if err := f.proc.Enqueue(ctx, local, task.OpDelete); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	report := f.refresh(t)
	if report.Skipped != 1 || report.Upserted != 0 {
		t.Errorf("report = %+v", report)
	}
	if n := len(f.tasks(t)); n != 0 {
		t.Errorf("got %d tasks, want 0", n)
	}
}

func TestRefresh_SkipsMalformed(t *testing.T) {
	f := setup(t, true)

	f.srv.PutObject(f.list+"broken.ics", "BEGIN:VCALENDAR\r\nBEGIN:VTODO\r\nSUMMARY:no uid\r\nEND:VTODO\r\nEND:VCALENDAR\r\n")
	f.serverTask(t, "uid-ok", "fine")

	report := f.refresh(t)
	if report.Malformed != 1 || report.Upserted != 1 {
		t.Errorf("report = %+v", report)
	}
}

// TestRefresh_SkipsInvalidTask tests that a server task the store rejects is
// counted as malformed without stopping the rest of the collection.
func TestRefresh_SkipsInvalidTask(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	gone := f.serverTask(t, "uid-ok", "fine")
	f.refresh(t)

	f.srv.DeleteObject(gone)
	f.serverTask(t, "uid-long", strings.Repeat("x", 1001))
	f.serverTask(t, "uid-ok2", "also fine")

	report, err := f.s.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if report.Malformed != 1 || report.Upserted != 1 || report.Deleted != 1 {
		t.Errorf("report = %+v, want 1 malformed, 1 upserted, 1 deleted", report)
	}
	if _, err := f.st.TaskByHref(ctx, testAccount, gone); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("task deleted on server still present: %v", err)
	}
	if _, err := f.st.TaskByUID(ctx, testAccount, "uid-ok2"); err != nil {
		t.Errorf("uid-ok2 not pulled: %v", err)
	}
	if _, err := f.st.TaskByUID(ctx, testAccount, "uid-long"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("over-long task stored: %v", err)
	}
}

func TestRefresh_RemovedCollection(t *testing.T) {
	f := setup(t, true)

	f.serverTask(t, "uid-1", "one")
	f.serverTask(t, "uid-2", "two")
	f.refresh(t)

	f.srv.RemoveCalendar(f.list)
	report := f.refresh(t)
	if report.RemovedCollections != 1 || report.Deleted != 2 {
		t.Errorf("report = %+v", report)
	}
	if n := len(f.tasks(t)); n != 0 {
		t.Errorf("got %d tasks, want 0", n)
	}
}

// TestRefresh_DrainsFirst tests that queued edits are pushed before pulling.
func TestRefresh_DrainsFirst(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	tk := &task.Task{ID: "new", AccountID: testAccount, ListID: f.list, Title: "made offline",
		Status: task.StatusNeedsAction, UID: "uid-new", UpdatedAt: time.Now()}
	_ = f.st.UpsertTask(ctx, tk)
	if err := f.proc.Enqueue(ctx, tk, task.OpCreate); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	report := f.refresh(t)
	if report.Drained == nil || report.Drained.Succeeded != 1 {
		t.Fatalf("Drained = %+v", report.Drained)
	}
	if report.Unchanged != 1 || report.Upserted != 0 {
		t.Errorf("report = %+v, want the pushed task to be unchanged", report)
	}
	if n := len(f.tasks(t)); n != 1 {
		t.Errorf("got %d tasks, want 1", n)
	}
}

func TestRefresh_Retry(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		times        int
		wantErr      bool
		wantAttempts int
	}{
		{"transient then ok", http.StatusServiceUnavailable, 2, false, 3},
		{"transient forever", http.StatusServiceUnavailable, -1, true, 3},
		{"rate limited once", http.StatusTooManyRequests, 1, false, 2},
		{"unauthorized", http.StatusUnauthorized, -1, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, true)
			f.srv.Fail("PROPFIND", caldav.DefaultRootPath, tt.status, tt.times)

			report, err := f.s.Refresh(context.Background())
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Refresh() failed: %v", err)
				}
				if report.Attempts != tt.wantAttempts {
					t.Errorf("Attempts = %d, want %d", report.Attempts, tt.wantAttempts)
				}
				return
			}

			var rerr *RefreshError
			if !errors.As(err, &rerr) {
				t.Fatalf("Refresh() error = %v, want *RefreshError", err)
			}
			if rerr.Attempts != tt.wantAttempts || rerr.AccountID != testAccount {
				t.Errorf("RefreshError = %+v", rerr)
			}
			if caldav.StatusCode(err) != tt.status {
				t.Errorf("StatusCode() = %d, want %d", caldav.StatusCode(err), tt.status)
			}
			if n := len(f.srv.Requests("PROPFIND")); n != tt.wantAttempts {
				t.Errorf("got %d PROPFIND requests, want %d", n, tt.wantAttempts)
			}
		})
	}
}

// TestRefresh_CancelDuringBackoff tests that a backoff wait ends on cancel.
func TestRefresh_CancelDuringBackoff(t *testing.T) {
	f := setup(t, true)
	f.srv.Fail("PROPFIND", caldav.DefaultRootPath, http.StatusBadGateway, -1)

	slow := New(f.st, f.proc, f.monitor, f.st, &Config{
		BackoffBase: time.Hour,
		Logger:      log.New(io.Discard, "", 0),
		Dial: func(context.Context, *account.Account) (Remote, error) {
			return f.srv.Client(t), nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := slow.Refresh(ctx)
		done <- err
	}()

	// Wait for the first attempt to fail.
	deadline := time.Now().Add(2 * time.Second)
	for len(f.srv.Requests("PROPFIND")) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Refresh() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Refresh did not return after cancel")
	}
}

func TestRefresh_NoActiveAccount(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "empty.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	defer st.Close()
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	discard := log.New(io.Discard, "", 0)
	s := New(st, queue.New(st, &queue.Config{Logger: discard}), connectivity.NewStatic(true), st, &Config{
		Logger: discard,
		Dial: func(context.Context, *account.Account) (Remote, error) {
			t.Error("Dial called without an account")
			return nil, errors.New("unexpected")
		},
	})

	report, err := s.Refresh(context.Background())
	if err != nil || report == nil {
		t.Errorf("Refresh() = %v, %v; want empty report", report, err)
	}
	res, err := s.Drain(context.Background())
	if err != nil || res != nil {
		t.Errorf("Drain() = %v, %v; want nil, nil", res, err)
	}
}

// TestRefresh_NoOverlap tests that concurrent refreshes of one account share
// a single run.
func TestRefresh_NoOverlap(t *testing.T) {
	f := setup(t, true)
	f.serverTask(t, "uid-1", "one")
	f.srv.ResetRequests()
	f.srv.SetDelay(50 * time.Millisecond)

	var wg sync.WaitGroup
	reports := make([]*Report, 2)
	start := func(i int) {
		defer wg.Done()
		r, err := f.s.Refresh(context.Background())
		if err != nil {
			t.Errorf("Refresh() failed: %v", err)
		}
		reports[i] = r
	}

	wg.Add(2)
	go start(0)
	deadline := time.Now().Add(2 * time.Second)
	for len(f.srv.Requests("PROPFIND")) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	go start(1)
	wg.Wait()

	if n := len(f.srv.Requests("REPORT")); n != 1 {
		t.Errorf("got %d REPORT requests, want 1", n)
	}
	if reports[0] != reports[1] {
		t.Error("concurrent callers got different reports")
	}
}

// TestListen_DrainsOnReconnect tests the connectivity listener.
func TestListen_DrainsOnReconnect(t *testing.T) {
	f := setup(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tk := &task.Task{ID: "t1", AccountID: testAccount, ListID: f.list, Title: "offline",
		Status: task.StatusNeedsAction, UID: "uid-t1", UpdatedAt: time.Now()}
	_ = f.st.UpsertTask(ctx, tk)
	if err := f.proc.Enqueue(ctx, tk, task.OpCreate); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		f.s.Listen(ctx)
		close(done)
	}()

	f.monitor.Set(true)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := f.proc.PendingCount(ctx, testAccount); n == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n, _ := f.proc.PendingCount(ctx, testAccount); n != 0 {
		t.Fatalf("pending = %d after reconnect, want 0", n)
	}
	if puts := f.srv.Requests(http.MethodPut); len(puts) != 1 {
		t.Errorf("got %d PUT requests, want 1", len(puts))
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

// TestListen_DrainWaitsForRefresh tests that a reconnect during a refresh
// pushes only after the refresh has merged, so the pushed edit stays local.
func TestListen_DrainWaitsForRefresh(t *testing.T) {
	f := setup(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	href := f.serverTask(t, "uid-1", "original")
	f.refresh(t)

	local, err := f.st.TaskByHref(ctx, testAccount, href)
	if err != nil {
		t.Fatalf("TaskByHref() failed: %v", err)
	}
	local.Title = "edited offline"
	local.UpdatedAt = time.Now()
	if err := f.st.UpsertTask(ctx, local); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	if err := f.proc.Enqueue(ctx, local, task.OpUpdate); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		f.s.Listen(ctx)
		close(done)
	}()

	f.srv.ResetRequests()
	f.srv.SetDelay(30 * time.Millisecond)
	refreshed := make(chan error, 1)
	go func() {
		_, err := f.s.Refresh(ctx)
		refreshed <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(f.srv.Requests("PROPFIND")) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	f.monitor.Set(true)

	select {
	case err := <-refreshed:
		if err != nil {
			t.Fatalf("Refresh() failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Refresh did not return")
	}

	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := f.proc.PendingCount(ctx, testAccount); n == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n, _ := f.proc.PendingCount(ctx, testAccount); n != 0 {
		t.Fatalf("pending = %d after reconnect, want 0", n)
	}

	lastReport, firstPut := -1, -1
	for i, r := range f.srv.Requests("") {
		switch {
		case r.Method == "REPORT":
			lastReport = i
		case r.Method == http.MethodPut && firstPut < 0:
			firstPut = i
		}
	}
	if lastReport < 0 || firstPut < lastReport {
		t.Errorf("PUT at request %d, REPORT at %d: drain ran inside the refresh", firstPut, lastReport)
	}

	got, err := f.st.TaskByHref(ctx, testAccount, href)
	if err != nil {
		t.Fatalf("TaskByHref() failed: %v", err)
	}
	_, etag, _ := f.srv.Object(href)
	if got.Title != "edited offline" || got.ETag != etag {
		t.Errorf("local = %q etag %q, want pushed edit with server etag %q", got.Title, got.ETag, etag)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}
