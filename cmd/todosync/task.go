package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/todosync/internal/account"
	"github.com/mschirtzinger/todosync/internal/edits"
	"github.com/mschirtzinger/todosync/internal/store"
	"github.com/mschirtzinger/todosync/internal/task"
	"github.com/mschirtzinger/todosync/internal/ui"
)

var dueParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDue accepts an ISO date, an RFC 3339 timestamp or a natural-language
// phrase such as "tomorrow 5pm". A bare date is due at the end of that day.
func parseDue(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty due date")
	}
	if t, err := time.ParseInLocation("2006-01-02", s, now.Location()); err == nil {
		return t.Add(23*time.Hour + 59*time.Minute), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	r, err := dueParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse due date %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized due date %q", s)
	}
	return r.Time, nil
}

// resolveTask finds a task of the active account by full ID or unique ID
// prefix.
func resolveTask(ctx context.Context, a *app, ref string) (*task.Task, error) {
	if t, err := a.store.GetTask(ctx, ref); err == nil {
		return t, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	acct, err := a.activeAccount(ctx)
	if err != nil {
		return nil, err
	}
	all, err := a.store.ListTasks(ctx, store.TaskFilter{AccountID: acct.ID})
	if err != nil {
		return nil, err
	}
	var match *task.Task
	for _, t := range all {
		if !strings.HasPrefix(t.ID, ref) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("task id %q is ambiguous", ref)
		}
		match = t
	}
	if match == nil {
		return nil, fmt.Errorf("task %q not found", ref)
	}
	return match, nil
}

// resolveList maps a list display name or href to its href.
func resolveList(ctx context.Context, a *app, acct *account.Account, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	cols, err := a.store.ListCollections(ctx, acct.ID)
	if err != nil {
		return "", err
	}
	for _, c := range cols {
		if c.Href == ref || strings.EqualFold(c.DisplayName, ref) {
			return c.Href, nil
		}
	}
	return "", fmt.Errorf("list %q not found (run 'todosync sync' to refresh lists)", ref)
}

// isQueued reports whether t still has an edit waiting for the server.
func isQueued(ctx context.Context, a *app, t *task.Task) bool {
	_, err := a.store.PendingOperationForTask(ctx, t.AccountID, t.ID)
	return err == nil
}

func priorityFlag(cmd *cobra.Command) (*int, error) {
	if !cmd.Flags().Changed("priority") {
		return nil, nil
	}
	p, _ := cmd.Flags().GetInt("priority")
	if p == 0 {
		return nil, nil
	}
	if p < 1 || p > 9 {
		return nil, fmt.Errorf("priority must be between 1 and 9 (0 clears it)")
	}
	return task.PriorityPtr(p), nil
}

var taskAddCmd = &cobra.Command{
	Use:     "add <title>",
	GroupID: "tasks",
	Short:   "Create a task",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()
		a.prober.Probe(ctx)

		acct, err := a.activeAccount(ctx)
		if err != nil {
			return err
		}
		d := edits.Draft{Title: strings.Join(args, " ")}
		d.Description, _ = cmd.Flags().GetString("description")
		d.Tags, _ = cmd.Flags().GetStringSlice("tag")
		d.ParentUID, _ = cmd.Flags().GetString("parent")
		if d.Priority, err = priorityFlag(cmd); err != nil {
			return err
		}
		if due, _ := cmd.Flags().GetString("due"); due != "" {
			t, err := parseDue(due, time.Now())
			if err != nil {
				return err
			}
			d.DueAt = &t
		}
		list, _ := cmd.Flags().GetString("list")
		if d.ListID, err = resolveList(ctx, a, acct, list); err != nil {
			return err
		}

		t, err := a.edits.Create(ctx, d)
		if err != nil {
			return err
		}
		if ok, err := printStructured(cmd, t); ok {
			return err
		}
		fmt.Printf("%s Created %s\n", ui.RenderPass("✓"), ui.RenderTask(t, isQueued(ctx, a, t)))
		return nil
	},
}

var taskEditCmd = &cobra.Command{
	Use:     "edit <id>",
	GroupID: "tasks",
	Short:   "Change fields of a task",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()
		a.prober.Probe(ctx)

		target, err := resolveTask(ctx, a, args[0])
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		prio, err := priorityFlag(cmd)
		if err != nil {
			return err
		}
		var due *time.Time
		clearDue := false
		if flags.Changed("due") {
			s, _ := flags.GetString("due")
			if s == "" || s == "none" {
				clearDue = true
			} else {
				t, err := parseDue(s, time.Now())
				if err != nil {
					return err
				}
				due = &t
			}
		}

		updated, err := a.edits.Update(ctx, target.ID, func(t *task.Task) {
			if flags.Changed("title") {
				t.Title, _ = flags.GetString("title")
			}
			if flags.Changed("description") {
				t.Description, _ = flags.GetString("description")
			}
			if flags.Changed("tag") {
				t.Tags, _ = flags.GetStringSlice("tag")
			}
			if flags.Changed("priority") {
				t.Priority = prio
			}
			if clearDue {
				t.DueAt = nil
			} else if due != nil {
				t.DueAt = due
			}
		})
		if err != nil {
			return err
		}
		if ok, err := printStructured(cmd, updated); ok {
			return err
		}
		fmt.Printf("%s Updated %s\n", ui.RenderPass("✓"), ui.RenderTask(updated, isQueued(ctx, a, updated)))
		return nil
	},
}

func completeCmd(use, short string, done bool) *cobra.Command {
	return &cobra.Command{
		Use:     use + " <id>...",
		GroupID: "tasks",
		Short:   short,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			a.prober.Probe(ctx)

			for _, ref := range args {
				target, err := resolveTask(ctx, a, ref)
				if err != nil {
					return err
				}
				t, err := a.edits.SetCompleted(ctx, target.ID, done)
				if err != nil {
					return err
				}
				fmt.Println(ui.RenderTask(t, isQueued(ctx, a, t)))
			}
			return nil
		},
	}
}

var taskRmCmd = &cobra.Command{
	Use:     "rm <id>...",
	GroupID: "tasks",
	Short:   "Delete tasks",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()
		a.prober.Probe(ctx)

		for _, ref := range args {
			target, err := resolveTask(ctx, a, ref)
			if err != nil {
				return err
			}
			if err := a.edits.Delete(ctx, target.ID); err != nil {
				return err
			}
			fmt.Printf("%s Deleted %s (%s)\n", ui.RenderPass("✓"), target.Title, ui.ShortID(target.ID))
		}
		return nil
	},
}

var taskLsCmd = &cobra.Command{
	Use:     "ls",
	GroupID: "tasks",
	Short:   "List tasks",
	Long: `List tasks of the active account, grouped by list.

Tasks with edits that have not reached the server yet are marked with ↑.`,
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
		filter := store.TaskFilter{AccountID: acct.ID}
		all, _ := cmd.Flags().GetBool("all")
		filter.HideCompleted = !all
		filter.Tag, _ = cmd.Flags().GetString("tag")
		filter.Limit, _ = cmd.Flags().GetInt("limit")
		list, _ := cmd.Flags().GetString("list")
		if filter.ListID, err = resolveList(ctx, a, acct, list); err != nil {
			return err
		}

		tasks, err := a.store.ListTasks(ctx, filter)
		if err != nil {
			return err
		}
		if ok, err := printStructured(cmd, tasks); ok {
			return err
		}

		ops, err := a.store.ListPendingOperations(ctx, acct.ID)
		if err != nil {
			return err
		}
		queued := make(map[string]bool, len(ops))
		for _, op := range ops {
			queued[op.TaskID] = true
		}
		cols, err := a.store.ListCollections(ctx, acct.ID)
		if err != nil {
			return err
		}

		if len(tasks) == 0 {
			fmt.Println(ui.RenderMuted("No tasks"))
			return nil
		}
		byList := make(map[string][]*task.Task)
		for _, t := range tasks {
			byList[t.ListID] = append(byList[t.ListID], t)
		}
		for _, c := range cols {
			group := byList[c.Href]
			if len(group) == 0 {
				continue
			}
			fmt.Printf("\n%s\n", ui.RenderAccent(c.DisplayName))
			for _, t := range group {
				fmt.Printf("  %s\n", ui.RenderTask(t, queued[t.ID]))
			}
		}
		fmt.Println()
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{taskAddCmd, taskEditCmd} {
		c.Flags().StringP("description", "d", "", "task description")
		c.Flags().String("due", "", `due date ("2026-03-01", "tomorrow 5pm", "none" clears on edit)`)
		c.Flags().IntP("priority", "p", 0, "priority 1 (highest) to 9 (lowest), 0 for none")
		c.Flags().StringSliceP("tag", "t", nil, "tags (repeat or comma-separate)")
		addOutputFlags(c)
	}
	taskAddCmd.Flags().StringP("list", "l", "", "list name or href (default: first list)")
	taskAddCmd.Flags().String("parent", "", "UID of the parent task")
	taskEditCmd.Flags().String("title", "", "new title")

	taskLsCmd.Flags().BoolP("all", "a", false, "include completed tasks")
	taskLsCmd.Flags().StringP("list", "l", "", "only this list")
	taskLsCmd.Flags().StringP("tag", "t", "", "only tasks with this tag")
	taskLsCmd.Flags().IntP("limit", "n", 0, "maximum number of tasks")
	addOutputFlags(taskLsCmd)

	rootCmd.AddCommand(taskAddCmd)
	rootCmd.AddCommand(taskEditCmd)
	rootCmd.AddCommand(completeCmd("done", "Mark tasks completed", true))
	rootCmd.AddCommand(completeCmd("undone", "Mark tasks not completed", false))
	rootCmd.AddCommand(taskRmCmd)
	rootCmd.AddCommand(taskLsCmd)
}
