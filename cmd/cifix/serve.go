package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonathan/cifix/internal/analyzer"
	"github.com/jonathan/cifix/internal/config"
	"github.com/jonathan/cifix/internal/dispatch"
	"github.com/jonathan/cifix/internal/github"
	"github.com/jonathan/cifix/internal/learning"
	"github.com/jonathan/cifix/internal/lifecycle"
	"github.com/jonathan/cifix/internal/llm"
	"github.com/jonathan/cifix/internal/logging"
	"github.com/jonathan/cifix/internal/metrics"
	"github.com/jonathan/cifix/internal/profile"
	"github.com/jonathan/cifix/internal/server"
	"github.com/jonathan/cifix/internal/server/ratelimit"
	"github.com/jonathan/cifix/internal/webhook"
	"github.com/spf13/cobra"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long:  `Start an HTTP server that ingests webhook deliveries, runs analyses in the background and exposes the fix lifecycle and learning endpoints.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	logger := logging.New("serve")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, storeKind, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()
	if storeKind == storeMemory {
		logger.Warn("DATABASE_URL not set, using in-memory store; data is lost on exit")
	}

	verifier := webhook.NewVerifier(cfg.Webhook.Secret)
	if verifier.Permissive() {
		logger.Warn("GITHUB_WEBHOOK_SECRET not set, webhook signatures are not verified")
	}

	jwtCfg, err := config.NewJWTConfig(cfg.Auth)
	if err != nil {
		return err
	}
	if jwtCfg == nil {
		logger.Warn("JWT_SECRET not set, fix decisions are not authenticated")
	}

	if cfg.Analyzer.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}
	llmClient, err := llm.NewGeminiClient(ctx, llm.DefaultConfig().WithModel(llm.TierDeep, cfg.Analyzer.Model), cfg.Analyzer.APIKey)
	if err != nil {
		return err
	}
	defer llmClient.Close()

	m := metrics.New()
	gh := github.NewClient(&github.ExecRunner{Token: cfg.GitHub.Token}, cfg.Analyzer.MaxLogBytes)

	dispatcher := dispatch.New(analyzer.NewLLMAnalyzer(llmClient, gh), store, m, dispatch.Config{
		Workers: cfg.Dispatch.Workers,
		Timeout: cfg.Dispatch.Timeout,
	})
	engine := learning.NewEngine(store, learningConfig(cfg.Learning))
	fixes := lifecycle.NewManager(store, gh, engine, m, lifecycle.Config{
		Timeout:  cfg.Apply.Timeout,
		Attempts: cfg.Apply.Attempts,
		Backoff:  cfg.Apply.Backoff,
		Deadline: cfg.ApplyDeadline(),
	})

	srv, err := server.New(server.Config{
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		RateLimit:    ratelimit.FromSettings(cfg.RateLimit),
	}, server.Deps{
		Store:      store,
		Verifier:   verifier,
		Dispatcher: dispatcher,
		Fixes:      fixes,
		Engine:     engine,
		Profiles:   profile.NewBuilder(store),
		Metrics:    m,
		JWT:        jwtCfg,
		StoreKind:  storeKind,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	runErr := srv.Run(ctx)

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatch.Timeout+30*time.Second)
	defer cancel()
	if err := dispatcher.Close(drainCtx); err != nil {
		logger.Error("analyses still running at shutdown", slog.String("error", err.Error()))
	}
	return runErr
}
