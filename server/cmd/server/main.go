package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/cbabil/fleetline/tokencrypto"
	"github.com/cbabil/fleetline/server/internal/httpapi"
	"github.com/cbabil/fleetline/server/internal/lifecycle"
	"github.com/cbabil/fleetline/server/internal/metrics"
	"github.com/cbabil/fleetline/server/internal/replay"
	"github.com/cbabil/fleetline/server/internal/router"
	"github.com/cbabil/fleetline/server/internal/session"
	"github.com/cbabil/fleetline/server/internal/sshfallback"
	"github.com/cbabil/fleetline/server/internal/store"
)

var (
	version = "dev"
	commit  = "none"
)

type config struct {
	httpAddr        string
	dbDSN           string
	secretKey       string
	logLevel        string
	preferAgent     bool
	minAgentVersion string
	sshStrict       bool
	sshKnownHosts   string
	ipFailThreshold int
	ipFailWindow    time.Duration
	ipBanDuration   time.Duration
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
		Use:   "fleetline-server",
		Short: "fleetline server — control plane for a fleet of agent-managed hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("FLEETLINE_HTTP_ADDR", ":8443"), "HTTP listen address (agent connect, healthz, metrics)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("FLEETLINE_DB_DSN", "./fleetline.db"), "SQLite database file path")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("FLEETLINE_SECRET_KEY", ""), "Master passphrase for encrypting tokens and credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FLEETLINE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&cfg.preferAgent, "prefer-agent", envOrDefault("FLEETLINE_PREFER_AGENT", "true") == "true", "Prefer agent dispatch over SSH fallback when both are available")
	root.PersistentFlags().StringVar(&cfg.minAgentVersion, "min-agent-version", envOrDefault("FLEETLINE_MIN_AGENT_VERSION", ""), "Minimum agent major version (soft gate, logs a warning only)")
	root.PersistentFlags().BoolVar(&cfg.sshStrict, "ssh-strict-host-key-checking", envOrDefault("FLEETLINE_SSH_STRICT", "true") == "true", "Verify remote host keys against --ssh-known-hosts")
	root.PersistentFlags().StringVar(&cfg.sshKnownHosts, "ssh-known-hosts", envOrDefault("FLEETLINE_SSH_KNOWN_HOSTS", ""), "known_hosts file path, required when strict checking is enabled")
	root.PersistentFlags().IntVar(&cfg.ipFailThreshold, "handshake-fail-threshold", 5, "Failed handshake attempts from one IP before a temporary ban")
	root.PersistentFlags().DurationVar(&cfg.ipFailWindow, "handshake-fail-window", 5*time.Minute, "Window over which handshake failures are counted")
	root.PersistentFlags().DurationVar(&cfg.ipBanDuration, "handshake-ban-duration", 15*time.Minute, "Ban duration once the failure threshold is reached")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newIssueCodeCmd(cfg))
	root.AddCommand(newAddServerCmd(cfg))

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetline-server %s (commit: %s)\n", version, commit)
		},
	}
}

func newIssueCodeCmd(cfg *config) *cobra.Command {
	var serverID string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "issue-code",
		Short: "Mint a single-use registration code for an agent to exchange during its handshake",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			gormDB, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			codes := store.NewRegistrationCodeStore(gormDB)

			code, err := codes.Issue(cmd.Context(), serverID, ttl)
			if err != nil {
				return err
			}
			fmt.Println(code)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverID, "server-id", "", "logical server id the agent will report for")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "how long the code remains valid")
	_ = cmd.MarkFlagRequired("server-id")
	return cmd
}

func newAddServerCmd(cfg *config) *cobra.Command {
	var serverID, host, user, authType, credential string
	var port int

	cmd := &cobra.Command{
		Use:   "add-server",
		Short: "Register the direct-shell connection info for a server the SSH fallback can dial",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			if err := initServerCredentialEncryption(cfg.secretKey); err != nil {
				return err
			}
			gormDB, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			servers := store.NewServerStore(gormDB)

			return servers.Register(cmd.Context(), serverID, host, port, user, sshfallback.AuthType(authType), credential)
		},
	}
	cmd.Flags().StringVar(&serverID, "server-id", "", "logical server id the router will look this up by")
	cmd.Flags().StringVar(&host, "host", "", "SSH host or IP")
	cmd.Flags().IntVar(&port, "port", 22, "SSH port")
	cmd.Flags().StringVar(&user, "user", "root", "SSH user")
	cmd.Flags().StringVar(&authType, "auth-type", "password", "\"password\" or \"key\"")
	cmd.Flags().StringVar(&credential, "credential", "", "password, or PEM-encoded private key when --auth-type=key")
	_ = cmd.MarkFlagRequired("server-id")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("credential")
	return cmd
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or FLEETLINE_SECRET_KEY")
	}

	logger.Info("starting fleetline server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	crypto, err := buildEncryptor(cfg.secretKey)
	if err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}
	if err := initServerCredentialEncryption(cfg.secretKey); err != nil {
		return fmt.Errorf("failed to initialize server credential encryption: %w", err)
	}

	gormDB, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	agentStore := store.NewAgentStore(gormDB)
	codeStore := store.NewRegistrationCodeStore(gormDB)
	serverStore := store.NewServerStore(gormDB)

	mgr := session.New(logger)
	replayGuard := replay.New(replay.DefaultWindow, replay.DefaultFutureSkew, 0)

	lc := lifecycle.New(mgr, agentStore, codeStore, crypto, nil, replayGuard, lifecycle.Config{
		MinAgentVersion: cfg.minAgentVersion,
	}, logger)

	if err := lc.ReconcileStaleStatuses(ctx); err != nil {
		return fmt.Errorf("failed to reconcile agent statuses at startup: %w", err)
	}

	sshPool, err := sshfallback.NewPool(sshfallback.Config{
		StrictHostKeyChecking: cfg.sshStrict,
		KnownHostsPath:        cfg.sshKnownHosts,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize SSH fallback pool: %w", err)
	}
	defer sshPool.Close()

	m := metrics.New()

	_ = router.New(mgr, agentStore, serverStore, sshPool, router.Config{
		PreferAgent: cfg.preferAgent,
		Recorder:    m,
	}, logger)
	// The router is constructed but not retained; nothing in this binary
	// calls its Execute methods.

	go pollConnectedAgents(ctx, mgr, m)

	ipGate := lifecycle.NewIPLimiter(cfg.ipFailThreshold, cfg.ipFailWindow, cfg.ipBanDuration)

	handler := httpapi.NewRouter(httpapi.Config{
		Lifecycle: lc,
		Metrics:   m,
		Health:    dbHealthChecker{gormDB},
		IPGate:    ipGate,
		Logger:    logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down fleetline server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("fleetline server stopped")
	return nil
}

// pollConnectedAgents refreshes the connected-agents gauge on a short
// interval rather than on every register/unregister call, keeping the
// session registry free of a direct metrics dependency.
func pollConnectedAgents(ctx context.Context, mgr *session.Manager, m *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetAgentsConnected(mgr.ConnectedCount())
		}
	}
}

type dbHealthChecker struct {
	db *gorm.DB
}

func (h dbHealthChecker) Ping(ctx context.Context) error {
	return store.Ping(ctx, h.db)
}

func openStore(cfg *config, logger *zap.Logger) (*gorm.DB, error) {
	return store.Open(store.Config{
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
}

func buildEncryptor(secretKey string) (*tokencrypto.Encryptor, error) {
	return tokencrypto.New([]byte(secretKey))
}

// initServerCredentialEncryption derives the AES-256 key store.EncryptedString
// needs from the same operator-supplied secret key, via SHA-256. Unlike
// tokencrypto, EncryptedString takes a raw fixed-length key rather than
// deriving one per call, so the hash gives it the exact length AES-256
// requires regardless of the secret key's own length.
func initServerCredentialEncryption(secretKey string) error {
	sum := sha256.Sum256([]byte(secretKey))
	return store.InitEncryption(sum[:])
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
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
