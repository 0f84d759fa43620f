// Command todosync is an offline-first CalDAV task client.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/todosync/internal/account"
	"github.com/mschirtzinger/todosync/internal/caldav"
	"github.com/mschirtzinger/todosync/internal/config"
	"github.com/mschirtzinger/todosync/internal/connectivity"
	"github.com/mschirtzinger/todosync/internal/edits"
	"github.com/mschirtzinger/todosync/internal/logging"
	"github.com/mschirtzinger/todosync/internal/queue"
	"github.com/mschirtzinger/todosync/internal/store"
	"github.com/mschirtzinger/todosync/internal/syncer"
)

var (
	cfgFile string
	loader  *config.Loader
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "todosync",
	Short: "Offline-first CalDAV task sync",
	Long: `todosync keeps a local copy of your CalDAV task lists (VTODO) and works
fully offline. Edits are saved locally first and queued; they are pushed to
the server as soon as it is reachable.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		loader, err = config.NewLoader(cfgFile)
		if err != nil {
			return err
		}
		v := loader.Viper()
		if err := v.BindPFlag("log.verbose", cmd.Root().PersistentFlags().Lookup("verbose")); err != nil {
			return err
		}
		if err := v.BindPFlag("database_path", cmd.Root().PersistentFlags().Lookup("db")); err != nil {
			return err
		}
		// config init must work even when the existing file is broken.
		if cmd.Name() == "init" && cmd.Parent() != nil && cmd.Parent().Name() == "config" {
			return nil
		}
		cfg, err = loader.Load()
		return err
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Tasks:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $XDG_CONFIG_HOME/todosync/config.toml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log sync activity to stderr")
	rootCmd.PersistentFlags().String("db", "", "database path (overrides database_path)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles the components a command works with.
type app struct {
	logs      *logging.Logging
	store     *store.Store
	processor *queue.Processor
	prober    *connectivity.Prober
	syncer    syncer.Syncer
	edits     *edits.Service
}

// openApp opens the store and builds the sync stack. stderr forces log
// output to stderr (the daemon always logs).
func openApp(stderr bool) (*app, error) {
	logs, err := logging.New(cfg.Log, stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	a := &app{logs: logs, store: st}
	a.processor = queue.New(st, &queue.Config{
		MaxRetries: cfg.Queue.MaxRetries,
		Logger:     logs.Logger("queue"),
	})
	a.prober = connectivity.NewProber(&connectivity.Config{
		URL:      a.probeURL(context.Background()),
		Interval: cfg.Connectivity.Interval,
		Timeout:  cfg.Connectivity.Timeout,
		Logger:   logs.Logger("connectivity"),
	})
	a.syncer = syncer.New(st, a.processor, a.prober, st, &syncer.Config{
		Attempts:    cfg.Sync.Attempts,
		BackoffBase: cfg.Sync.BackoffBase,
		Dial: syncer.ClientDialer(&caldav.Options{
			RootPath: cfg.CalDAV.RootPath,
			Timeout:  cfg.CalDAV.Timeout,
			Logger:   logs.Logger("caldav"),
			Verbose:  cfg.Log.Verbose,
		}),
		Logger: logs.Logger("sync"),
	})
	a.edits = edits.New(st, a.processor, st, a.syncer, &edits.Config{Logger: logs.Logger("edits")})
	return a, nil
}

// probeURL is the configured probe URL, or the active account's server.
func (a *app) probeURL(ctx context.Context) string {
	if cfg.Connectivity.ProbeURL != "" {
		return cfg.Connectivity.ProbeURL
	}
	acct, err := account.Resolve(ctx, a.store)
	if err != nil {
		return ""
	}
	return acct.ServerURL
}

// activeAccount returns the active account or a hint on how to add one.
func (a *app) activeAccount(ctx context.Context) (*account.Account, error) {
	acct, err := account.Resolve(ctx, a.store)
	if account.IsUnavailable(err) {
		return nil, fmt.Errorf("%w (run 'todosync account add')", err)
	}
	return acct, err
}

func (a *app) Close() {
	_ = a.store.Close()
	_ = a.logs.Close()
}

// printStructured writes v as JSON or YAML when the matching flag is set and
// reports whether it did.
func printStructured(cmd *cobra.Command, v any) (bool, error) {
	asJSON, _ := cmd.Flags().GetBool("json")
	asYAML, _ := cmd.Flags().GetBool("yaml")
	switch {
	case asJSON:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case asYAML:
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(v)
	}
	return false, nil
}

func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("json", false, "output JSON")
	cmd.Flags().Bool("yaml", false, "output YAML")
	cmd.MarkFlagsMutuallyExclusive("json", "yaml")
}
