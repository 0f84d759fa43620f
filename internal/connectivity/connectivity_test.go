package connectivity

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func next(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("no state received")
		return false
	}
}

func expectNothing(t *testing.T, ch <-chan bool) {
	t.Helper()
	select {
	case v := <-ch:
		t.Errorf("unexpected state %t", v)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestStatic tests that watchers get the initial state and only changes.
func TestStatic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewStatic(false)
	ch := m.Watch(ctx)
	if next(t, ch) {
		t.Fatal("initial state = true, want false")
	}

	m.Set(false)
	expectNothing(t, ch)

	m.Set(true)
	if !next(t, ch) {
		t.Error("state after Set(true) = false")
	}
	if !m.Online() {
		t.Error("Online() = false after Set(true)")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("channel still open after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Error("channel not closed after cancel")
	}
}

// TestStatic_SlowReader tests that an unread state is replaced by the latest.
func TestStatic_SlowReader(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewStatic(false)
	ch := m.Watch(ctx)
	m.Set(true)
	m.Set(false)
	m.Set(true)

	if !next(t, ch) {
		t.Error("latest state = false, want true")
	}
	expectNothing(t, ch)
}

func TestProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		// Any status counts as reachable.
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewProber(&Config{
		URL:     srv.URL,
		Timeout: time.Second,
		Logger:  log.New(io.Discard, "", 0),
	})
	ctx := context.Background()

	if p.Online() {
		t.Fatal("prober online before first probe")
	}
	if !p.Probe(ctx) || !p.Online() {
		t.Fatal("Probe() = false against a live server")
	}

	srv.Close()
	if p.Probe(ctx) || p.Online() {
		t.Error("Probe() = true against a closed server")
	}
}

func TestProber_NoURL(t *testing.T) {
	p := NewProber(&Config{Logger: log.New(io.Discard, "", 0)})
	if p.Probe(context.Background()) {
		t.Error("Probe() = true without a URL")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	p.SetURL(srv.URL)
	if p.URL() != srv.URL || !p.Probe(context.Background()) {
		t.Error("Probe() = false after SetURL")
	}
}

// TestProber_Run tests that Run publishes the first probe and stops on cancel.
func TestProber_Run(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	p := NewProber(&Config{
		URL:      srv.URL,
		Interval: 10 * time.Millisecond,
		Logger:   log.New(io.Discard, "", 0),
	})

	ctx, cancel := context.WithCancel(context.Background())
	ch := p.Watch(ctx)
	if next(t, ch) {
		t.Fatal("initial state = true, want false")
	}

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	if !next(t, ch) {
		t.Error("state after Run = false, want true")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
