package main

import (
	"fmt"

	"github.com/jonathan/cifix/internal/learning"
	"github.com/spf13/cobra"
)

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Manage the learned pattern corpus",
}

var patternsRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Discard learned patterns and replay every decided failure",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := requirePostgres(cmd.Context(), cfg.Database)
		if err != nil {
			return err
		}
		defer database.Close()

		engine := learning.NewEngine(database, learningConfig(cfg.Learning))
		n, err := engine.Rebuild(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rebuilt pattern corpus from %d decided failures\n", n)
		return nil
	},
}

func init() {
	patternsCmd.AddCommand(patternsRebuildCmd)
	rootCmd.AddCommand(patternsCmd)
}
