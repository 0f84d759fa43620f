package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/todosync/internal/account"
	"github.com/mschirtzinger/todosync/internal/store"
	"github.com/mschirtzinger/todosync/internal/task"
	"github.com/mschirtzinger/todosync/internal/ui"
)

// statusView is the output of the status command.
type statusView struct {
	Account     string `json:"account" yaml:"account"`
	Server      string `json:"server" yaml:"server"`
	Online      bool   `json:"online" yaml:"online"`
	Lists       int    `json:"lists" yaml:"lists"`
	Tasks       int    `json:"tasks" yaml:"tasks"`
	Pending     int    `json:"pending" yaml:"pending"`
	HasUnsynced bool   `json:"has_unsynced" yaml:"has_unsynced"`
	Database    string `json:"database" yaml:"database"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show account, connectivity and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		view := statusView{Database: cfg.DatabasePath}
		acct, err := account.Resolve(ctx, a.store)
		if err != nil && !account.IsUnavailable(err) {
			return err
		}
		if acct != nil {
			view.Account = acct.ID
			view.Server = acct.ServerURL
			view.Online = a.prober.Probe(ctx)

			cols, err := a.store.ListCollections(ctx, acct.ID)
			if err != nil {
				return err
			}
			view.Lists = len(cols)
			tasks, err := a.store.ListTasks(ctx, store.TaskFilter{AccountID: acct.ID})
			if err != nil {
				return err
			}
			view.Tasks = len(tasks)

			st, err := a.processor.Status(ctx, acct.ID)
			if err != nil {
				return err
			}
			view.Pending = st.Pending
			view.HasUnsynced = st.HasUnsynced
		}

		if ok, err := printStructured(cmd, view); ok {
			return err
		}

		fmt.Printf("\n%s todosync status\n\n", ui.RenderAccent("📊"))
		if view.Account == "" {
			fmt.Printf("%s No active account (run 'todosync account add')\n\n", ui.RenderWarn("⚠"))
			return nil
		}
		online := ui.RenderFail("offline")
		if view.Online {
			online = ui.RenderPass("online")
		}
		fmt.Printf("Account: %s\n", view.Account)
		fmt.Printf("Server: %s (%s)\n", view.Server, online)
		fmt.Printf("Lists: %d\n", view.Lists)
		fmt.Printf("Tasks: %d\n", view.Tasks)
		if view.HasUnsynced {
			fmt.Printf("Unsynced changes: %s\n", ui.RenderWarn(fmt.Sprintf("%d queued", view.Pending)))
		} else {
			fmt.Printf("Unsynced changes: %s\n", ui.RenderPass("none"))
		}
		fmt.Printf("Database: %s\n\n", view.Database)
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect and push queued edits",
}

var queueLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List queued edits of the active account",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		acct, err := a.activeAccount(ctx)
		if err != nil {
			return err
		}
		ops, err := a.store.ListPendingOperations(ctx, acct.ID)
		if err != nil {
			return err
		}

		if ok, err := printStructured(cmd, queueView(ops)); ok {
			return err
		}
		if len(ops) == 0 {
			fmt.Printf("%s Nothing queued\n", ui.RenderPass("✓"))
			return nil
		}
		for _, op := range ops {
			title := ""
			if t, err := op.Task(); err == nil {
				title = t.Title
			}
			line := fmt.Sprintf("%-6s %s  %s  queued %s", op.Type, ui.ShortID(op.TaskID), title,
				op.CreatedAt.Local().Format("2006-01-02 15:04"))
			if op.RetryCount > 0 {
				line += ui.RenderWarn(fmt.Sprintf("  retries %d/%d: %s", op.RetryCount, cfg.Queue.MaxRetries, op.LastError))
			}
			fmt.Println(line)
		}
		return nil
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Push queued edits now",
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
			return fmt.Errorf("server unreachable, edits stay queued")
		}
		res, err := a.syncer.Drain(ctx)
		if err != nil {
			return err
		}
		if ok, err := printStructured(cmd, res); ok {
			return err
		}
		fmt.Printf("%s Pushed %d of %d (failed %d, abandoned %d, dropped %d, merged %d)\n",
			ui.RenderPass("✓"), res.Succeeded, res.Processed, res.Failed, res.Abandoned, res.Dropped, res.Merged)
		return nil
	},
}

// queueEntry is the structured form of a queue entry.
type queueEntry struct {
	ID         int64     `json:"id" yaml:"id"`
	TaskID     string    `json:"task_id" yaml:"task_id"`
	Type       string    `json:"operation" yaml:"operation"`
	Title      string    `json:"title,omitempty" yaml:"title,omitempty"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
	RetryCount int       `json:"retry_count" yaml:"retry_count"`
	LastError  string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

func queueView(ops []*task.PendingOperation) []queueEntry {
	out := make([]queueEntry, 0, len(ops))
	for _, op := range ops {
		e := queueEntry{
			ID:         op.ID,
			TaskID:     op.TaskID,
			Type:       string(op.Type),
			CreatedAt:  op.CreatedAt,
			RetryCount: op.RetryCount,
			LastError:  op.LastError,
		}
		if t, err := op.Task(); err == nil {
			e.Title = t.Title
		}
		out = append(out, e)
	}
	return out
}

func init() {
	addOutputFlags(statusCmd)
	addOutputFlags(queueLsCmd)
	addOutputFlags(queueDrainCmd)

	queueCmd.AddCommand(queueLsCmd)
	queueCmd.AddCommand(queueDrainCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
}
