package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mschirtzinger/todosync/internal/syncer"
)

// Runner is a background loop such as connectivity.Prober.
type Runner interface {
	Run(ctx context.Context)
}

// Observer receives the outcome of every refresh. dashboard.Handler
// implements it.
type Observer interface {
	OnRefresh(report *syncer.Report, err error)
}

// Config holds configuration for the daemon.
type Config struct {
	// RefreshInterval is how often a full refresh runs
	RefreshInterval time.Duration

	// DebounceInterval is how long the config file has to stay quiet before
	// a change is acted on. Editors often write a file in several steps.
	DebounceInterval time.Duration

	// ConfigFile is watched for changes; empty disables the watch
	ConfigFile string

	// Reload is called after the config file changed; a refresh follows
	Reload func(ctx context.Context) error

	// Prober keeps the connectivity state current; may be nil
	Prober Runner

	// Observer is told about refreshes; may be nil
	Observer Observer

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RefreshInterval:  15 * time.Minute,
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon keeps an account in sync while the application runs.
type Daemon struct {
	syncer syncer.Syncer
	config *Config

	watcher *FileWatcher
	trigger chan struct{}

	refreshMu   sync.Mutex
	lastRefresh time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a new Daemon instance.
//
// Use Start() to begin syncing.
func New(s syncer.Syncer, config *Config) (*Daemon, error) {
	if s == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = defaults.RefreshInterval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	d := &Daemon{
		syncer:  s,
		config:  config,
		trigger: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	if config.ConfigFile != "" {
		w, err := NewFileWatcher()
		if err != nil {
			return nil, err
		}
		d.watcher = w
	}
	return d, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
//  1. Run the sync-on-start refresh
//  2. Probe connectivity and drain the queue on every transition to online
//  3. Refresh every RefreshInterval and whenever Trigger is called
//  4. Reload settings when the config file changes
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if d.watcher != nil {
		if err := d.watcher.Start(d.config.ConfigFile); err != nil {
			return fmt.Errorf("failed to watch config file: %w", err)
		}
		d.config.Logger.Printf("Watching: %s", d.config.ConfigFile)

		d.wg.Add(1)
		go d.watchConfig()
	}

	if d.config.Prober != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.config.Prober.Run(d.ctx)
		}()
	}

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.syncer.Listen(d.ctx)
	}()
	go d.refreshLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. A refresh in flight is cancelled.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")
		d.cancel()

		if d.watcher != nil {
			if err := d.watcher.Stop(); err != nil {
				d.config.Logger.Printf("Error closing watcher: %v", err)
			}
		}

		d.wg.Wait()
		d.config.Logger.Println("Daemon stopped")
	})
	return nil
}

// Trigger requests a refresh as soon as the current one (if any) is done.
// Requests made while one is already pending are merged.
func (d *Daemon) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// LastRefresh returns when the last successful refresh finished.
func (d *Daemon) LastRefresh() time.Time {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()
	return d.lastRefresh
}

// refreshLoop runs the start-up refresh, then refreshes on every tick and
// trigger.
func (d *Daemon) refreshLoop() {
	defer d.wg.Done()

	d.refresh(true)

	ticker := time.NewTicker(d.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.refresh(false)
		case <-d.trigger:
			d.refresh(false)
		}
	}
}

func (d *Daemon) refresh(onStart bool) {
	var (
		report *syncer.Report
		err    error
	)
	if onStart {
		report, err = d.syncer.SyncOnStart(d.ctx)
	} else {
		report, err = d.syncer.Refresh(d.ctx)
	}
	if d.ctx.Err() != nil {
		return
	}

	if err != nil {
		d.config.Logger.Printf("Error refreshing: %v", err)
	} else {
		d.refreshMu.Lock()
		d.lastRefresh = time.Now()
		d.refreshMu.Unlock()
	}
	if d.config.Observer != nil {
		d.config.Observer.OnRefresh(report, err)
	}
}

// watchConfig debounces config file events and reloads.
func (d *Daemon) watchConfig() {
	defer d.wg.Done()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.config.Logger.Printf("File event: %s %s", event.Op, event.Path)
			if event.Op == OpDelete {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(d.config.DebounceInterval)
			pending = timer.C

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)

		case <-pending:
			pending = nil
			d.reload()
		}
	}
}

func (d *Daemon) reload() {
	d.config.Logger.Println("Config file changed, reloading")
	if d.config.Reload != nil {
		if err := d.config.Reload(d.ctx); err != nil {
			d.config.Logger.Printf("Warning: failed to reload config: %v", err)
			return
		}
	}
	d.Trigger()
}
