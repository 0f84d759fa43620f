// Package connectivity reports whether the CalDAV server can be reached.
//
// A Monitor exposes the last known state and a stream of changes. The
// Prober implementation decides reachability by sending a HEAD request to a
// URL: any HTTP response, whatever its status, means the network path to the
// server works. Link-up alone is not enough.
package connectivity

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// Monitor is a live "is currently online" signal.
type Monitor interface {
	// Online returns the last known state.
	Online() bool

	// Watch returns a channel that first receives the current state and then
	// every change. The channel is closed when ctx is done.
	Watch(ctx context.Context) <-chan bool
}

// state tracks the current value and fans changes out to watchers.
type state struct {
	mu       sync.Mutex
	online   bool
	known    bool
	watchers map[chan bool]struct{}
}

func newState(initial bool) *state {
	return &state{online: initial, watchers: make(map[chan bool]struct{})}
}

func (s *state) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// set stores online and notifies watchers if it changed. It reports whether
// it did.
func (s *state) set(online bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.known && s.online == online {
		return false
	}
	s.known = true
	s.online = online
	for ch := range s.watchers {
		send(ch, online)
	}
	return true
}

func (s *state) Watch(ctx context.Context) <-chan bool {
	ch := make(chan bool, 1)

	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	ch <- s.online
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

// send replaces an unread value so a slow reader only sees the latest state.
func send(ch chan bool, v bool) {
	select {
	case <-ch:
	default:
	}
	ch <- v
}

// Static is a Monitor whose state is set by hand, for simulating going on
// and offline.
type Static struct {
	*state
}

// NewStatic returns a Static monitor with the given initial state.
func NewStatic(online bool) *Static {
	s := &Static{state: newState(online)}
	s.known = true
	return s
}

// Set changes the state, notifying watchers on change.
func (s *Static) Set(online bool) {
	s.set(online)
}

// Config holds configuration for the prober.
type Config struct {
	// URL is the address probed with HEAD
	URL string

	// Interval between probes
	Interval time.Duration

	// Timeout bounds a single probe
	Timeout time.Duration

	// Client sends the probes; nil uses a plain http.Client
	Client *http.Client

	// Logger for state changes
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults. URL must still be set.
func DefaultConfig() *Config {
	return &Config{
		Interval: 10 * time.Second,
		Timeout:  5 * time.Second,
		Logger:   log.New(os.Stderr, "[connectivity] ", log.LstdFlags),
	}
}

// Prober polls a URL and turns the results into a Monitor. It starts
// offline until the first probe succeeds.
type Prober struct {
	*state
	config *Config

	mu  sync.RWMutex
	url string
}

// NewProber creates a prober. Call Run to start polling.
func NewProber(config *Config) *Prober {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Client == nil {
		config.Client = &http.Client{}
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Prober{state: newState(false), config: config, url: config.URL}
}

// URL returns the probed address.
func (p *Prober) URL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.url
}

// SetURL changes the probed address, e.g. after the active account
// switched servers. The next probe uses it.
func (p *Prober) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}

// Run probes immediately and then every Interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

// Probe performs a single check, updates the state and returns it.
func (p *Prober) Probe(ctx context.Context) bool {
	online := p.reachable(ctx)
	if ctx.Err() != nil {
		return p.Online()
	}
	if p.set(online) {
		if online {
			p.config.Logger.Printf("Server reachable: %s", p.URL())
		} else {
			p.config.Logger.Printf("Server unreachable: %s", p.URL())
		}
	}
	return online
}

func (p *Prober) reachable(ctx context.Context) bool {
	url := p.URL()
	if url == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.config.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
