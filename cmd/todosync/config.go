package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/todosync/internal/config"
	"github.com/mschirtzinger/todosync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		path := loader.Path()
		if err := config.WriteDefault(path, force); err != nil {
			if !force {
				return fmt.Errorf("%w (use --force to overwrite)", err)
			}
			return err
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective settings",
	Long: `Show every setting after applying defaults, the config file,
TODOSYNC_* environment variables and flags, in that order of precedence.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		v := loader.Viper()
		settings := make(map[string]any)
		for _, key := range config.Keys() {
			settings[key] = v.Get(key)
		}
		if ok, err := printStructured(cmd, settings); ok {
			return err
		}

		source := loader.Path()
		if cfg.File == "" {
			source += ui.RenderMuted(" (not found, using defaults)")
		}
		fmt.Printf("Config file: %s\n\n", source)
		for _, key := range config.Keys() {
			fmt.Printf("%s = %v\n", key, settings[key])
		}
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolP("force", "f", false, "overwrite an existing file")
	addOutputFlags(configShowCmd)

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
