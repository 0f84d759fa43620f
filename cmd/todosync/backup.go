package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/todosync/internal/backup"
	"github.com/mschirtzinger/todosync/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export <file>",
	GroupID: "setup",
	Short:   "Export tasks of the active account as JSON Lines",
	Args:    cobra.ExactArgs(1),
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
		n, err := backup.Export(ctx, a.store, acct.ID, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s Exported %d task(s) to %s\n", ui.RenderPass("✓"), n, args[0])
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "setup",
	Short:   "Import tasks from a JSON Lines export",
	Long: `Recreate tasks from a file written by 'todosync export'.

Tasks whose UID already exists are skipped. Imported tasks are queued as new
and pushed to the server on the next sync.`,
	Args: cobra.ExactArgs(1),
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
		// #nosec G304 - controlled path from CLI
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer f.Close()

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		res, err := backup.Import(ctx, f, a.store, a.edits, backup.ImportOptions{
			AccountID: acct.ID,
			DryRun:    dryRun,
		})
		if err != nil {
			return err
		}
		if ok, err := printStructured(cmd, res); ok {
			return err
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d of %d task(s), %d already present\n", ui.RenderPass("✓"), verb, res.Imported, res.Read, res.Skipped)
		for _, e := range res.Errors {
			fmt.Printf("   %s %s\n", ui.RenderWarn("⚠"), e)
		}
		return nil
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "count tasks without importing")
	addOutputFlags(importCmd)

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
