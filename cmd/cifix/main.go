// Package main provides the entry point for the cifix service and its
// maintenance commands.
package main

import (
	"fmt"
	"os"

	"github.com/jonathan/cifix/internal/config"
	"github.com/jonathan/cifix/internal/learning"
	"github.com/jonathan/cifix/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "cifix",
	Short: "CI failure analysis and fix lifecycle service",
	Long: "cifix ingests failed GitHub Actions runs, analyzes them with an LLM, " +
		"tracks suggested fixes through approval and learns from every decision.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default cifix.yaml if present)")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and installs the default logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("config error: 'logging.level': %w", err)
	}
	logging.Init(level, cfg.Logging.Format, nil)
	return cfg, nil
}

func learningConfig(c config.LearningConfig) learning.Config {
	return learning.Config{
		MinSimilarity:        c.MinSimilarity,
		EnhanceMinConfidence: c.EnhanceMinConfidence,
		HalfLife:             c.HalfLife,
		PredictionThreshold:  c.PredictionThreshold,
	}
}
