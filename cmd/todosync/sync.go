package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/todosync/internal/syncer"
	"github.com/mschirtzinger/todosync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Push queued edits and pull all task lists",
	Long: `Run one full refresh of the active account:
  1. Push queued local edits (when the server is reachable)
  2. Discover the calendar home and its task lists
  3. Pull every task and merge it with local changes
  4. Remove tasks and lists deleted on the server

Transient failures are retried with exponential backoff. Ctrl+C cancels the
refresh, including any backoff wait.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		if _, err := a.activeAccount(ctx); err != nil {
			return err
		}
		if !a.prober.Probe(ctx) {
			fmt.Printf("%s Server unreachable, queued edits stay queued\n", ui.RenderWarn("⚠"))
		}

		fmt.Printf("%s Syncing...\n", ui.RenderAccent("🔄"))
		start := time.Now()
		report, err := a.syncer.Refresh(ctx)
		if err != nil {
			var rerr *syncer.RefreshError
			if errors.As(err, &rerr) {
				return fmt.Errorf("sync failed after %d attempt(s): %w", rerr.Attempts, rerr.Err)
			}
			return err
		}

		if ok, err := printStructured(cmd, report); ok {
			return err
		}
		printReport(report, time.Since(start))
		return nil
	},
}

func printReport(r *syncer.Report, elapsed time.Duration) {
	fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), elapsed.Round(time.Millisecond))
	if r.Drained != nil {
		fmt.Printf("   Pushed: %d (failed %d, abandoned %d)\n", r.Drained.Succeeded, r.Drained.Failed, r.Drained.Abandoned)
	}
	fmt.Printf("   Lists: %d\n", r.Collections)
	fmt.Printf("   Tasks: %d fetched, %d updated, %d unchanged, %d deleted\n", r.Fetched, r.Upserted, r.Unchanged, r.Deleted)
	if r.Conflicts > 0 {
		fmt.Printf("   %s %d conflicting field(s) resolved in favor of the server\n", ui.RenderWarn("⚠"), r.Conflicts)
	}
	if r.Malformed > 0 {
		fmt.Printf("   %s %d malformed task(s) skipped\n", ui.RenderWarn("⚠"), r.Malformed)
	}
	if r.Attempts > 1 {
		fmt.Printf("   Attempts: %d\n", r.Attempts)
	}
}

// signalContext returns a context cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func init() {
	addOutputFlags(syncCmd)
	rootCmd.AddCommand(syncCmd)
}
