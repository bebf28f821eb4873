// Package main is the entry point for the fleetline-agent binary. It wires
// the command gate and rate limiter together with the WebSocket client and
// starts the connection loop.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Build the command validator and rate limiter
//  4. Build the WebSocket client
//  5. Run the connection loop until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cbabil/fleetline/agent/internal/gate"
	"github.com/cbabil/fleetline/agent/internal/wsclient"
)

var (
	version = "dev"
	commit  = "none"
)

type config struct {
	serverURL        string
	registrationCode string
	stateDir         string
	logLevel         string
	maxPerMinute     int
	maxConcurrent    int
	heartbeatInterval time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "fleetline-agent",
		Short: "fleetline agent — runs on a managed host, executes dispatched commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.serverURL, "server-url", envOrDefault("FLEETLINE_SERVER_URL", "wss://localhost:8443/v1/agents/connect"), "fleetline server WebSocket connect URL")
	root.PersistentFlags().StringVar(&cfg.registrationCode, "registration-code", envOrDefault("FLEETLINE_REGISTRATION_CODE", ""), "one-time registration code, used only on first connection")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("FLEETLINE_STATE_DIR", defaultStateDir()), "directory for agent state (agent-state.json)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FLEETLINE_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&cfg.maxPerMinute, "max-commands-per-minute", 60, "rolling-window admission cap")
	root.PersistentFlags().IntVar(&cfg.maxConcurrent, "max-concurrent-commands", 4, "concurrency semaphore cap")
	root.PersistentFlags().DurationVar(&cfg.heartbeatInterval, "heartbeat-interval", 30*time.Second, "interval between agent.heartbeat notifications")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetline-agent %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting fleetline agent",
		zap.String("version", version),
		zap.String("server_url", cfg.serverURL),
		zap.String("state_dir", cfg.stateDir),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	validator := gate.NewValidator(gate.DefaultPatterns())
	limiter := gate.NewRateLimiter(cfg.maxPerMinute, cfg.maxConcurrent)

	client := wsclient.New(wsclient.Config{
		ServerURL:         cfg.serverURL,
		RegistrationCode:  cfg.registrationCode,
		StateDir:          cfg.stateDir,
		Version:           version,
		HeartbeatInterval: cfg.heartbeatInterval,
	}, validator, limiter, logger)

	client.Run(ctx)

	logger.Info("fleetline agent stopped")
	return nil
}

// defaultStateDir returns the platform-appropriate default state directory.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.fleetline-agent"
	}
	return ".fleetline-agent"
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
