package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/todosync/internal/daemon"
	"github.com/mschirtzinger/todosync/internal/dashboard"
	"github.com/mschirtzinger/todosync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep the active account in sync (foreground)",
	Long: `Run the sync daemon in the foreground.

The daemon will:
  1. Refresh the active account on start and every sync.refresh_interval
  2. Probe the server every connectivity.interval
  3. Push queued edits as soon as the server becomes reachable
  4. Reload the config file when it changes

With --dashboard, sync status is also served over WebSocket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		port, _ := cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("port") {
			port = cfg.Dashboard.Port
		}
		return runDaemon(cmd.Context(), withDashboard, port)
	},
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "sync",
	Short:   "Run the sync daemon with the WebSocket status dashboard",
	Long: `Start the sync daemon together with a WebSocket dashboard.

WebSocket messages include:
- state: full state, sent once on connect
- queue_status: pending count and unsynced flag of an account
- connectivity: server became reachable or unreachable
- refresh_complete / refresh_failed: outcome of a refresh
- drain_complete: outcome of pushing the queue

Example usage:
  todosync dashboard                # default port from config (8080)
  todosync dashboard --port 9000

Connect with a WebSocket client:
  ws://localhost:8080/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("port") {
			port = cfg.Dashboard.Port
		}
		return runDaemon(cmd.Context(), true, port)
	},
}

func runDaemon(parent context.Context, withDashboard bool, port int) error {
	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(parent)
	defer cancel()

	dcfg := &daemon.Config{
		RefreshInterval: cfg.Sync.RefreshInterval,
		ConfigFile:      cfg.File, // empty when no file exists: nothing to watch
		Prober:          a.prober,
		Logger:          a.logs.Logger("daemon"),
		Reload: func(ctx context.Context) error {
			next, err := loader.Load()
			if err != nil {
				return err
			}
			cfg = next
			a.prober.SetURL(a.probeURL(ctx))
			return nil
		},
	}

	if withDashboard {
		server := dashboard.NewServer(&dashboard.Config{Port: port, Logger: a.logs.Logger("dashboard")})
		handler := dashboard.NewHandler(server, a.logs.Logger("dashboard"))
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		defer server.Stop()

		go handler.Run(ctx, a.processor.Watch(ctx), a.prober.Watch(ctx))
		dcfg.Observer = handler

		fmt.Printf("Dashboard: http://%s  (WebSocket /ws, health /health)\n", server.GetAddr())
	}

	d, err := daemon.New(a.syncer, dcfg)
	if err != nil {
		return err
	}

	fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
	fmt.Printf("   Database: %s\n", cfg.DatabasePath)
	fmt.Printf("   Config: %s\n", loader.Path())
	fmt.Printf("\nPress Ctrl+C to stop\n\n")

	return d.Start(ctx)
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "also serve the WebSocket dashboard")
	daemonCmd.Flags().IntP("port", "p", 8080, "dashboard port")
	dashboardCmd.Flags().IntP("port", "p", 8080, "port to listen on")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(dashboardCmd)
}
