// Package main is the entry point for the orchestrator control plane
// binary (orchestratord). It wires the persistence layer, dispatcher,
// runtime lifecycle manager, event dispatcher, scheduled-task trigger, and
// the thin caller-facing HTTP API together.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Open the store (migrations applied automatically)
//  4. Build the lifecycle manager, dispatcher, event dispatcher, scheduler
//  5. Register any statically-configured runtimes
//  6. Start the event dispatcher loop, the task scheduler, the reconciler
//  7. Start the HTTP server
//  8. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/agentforge/orchestrator/controlplane/internal/api"
	"github.com/agentforge/orchestrator/controlplane/internal/auth"
	"github.com/agentforge/orchestrator/controlplane/internal/dispatcher"
	"github.com/agentforge/orchestrator/controlplane/internal/eventdispatcher"
	"github.com/agentforge/orchestrator/controlplane/internal/lifecycle"
	"github.com/agentforge/orchestrator/controlplane/internal/reconciler"
	"github.com/agentforge/orchestrator/controlplane/internal/store"
	"github.com/agentforge/orchestrator/controlplane/internal/tasksched"
	"github.com/agentforge/orchestrator/wire/model"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr                string
	dbDriver                string
	dbDSN                   string
	encryptionKey           string
	logLevel                string
	dataDir                 string
	issuer                  string
	maxQueueDepth           int
	maxGlobalConcurrentRuns int
	perRepoConcurrencyLimit int
	defaultTaskParallelRuns int
	runtimeStaleSeconds     int
	eventBufferSize         int
	queueRetrySeconds       int
	lifecycleSweepSeconds   int
	staticRuntimes          string
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
		Use:   "orchestratord",
		Short: "orchestratord — agent-run orchestrator control plane",
		Long: `orchestratord accepts run submissions, admits and dispatches them to
runtime workers over gRPC, fans out their event streams to subscribed
callers, and fires scheduled tasks on their cron expression.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("ORCHESTRATORD_HTTP_ADDR", ":8080"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("ORCHESTRATORD_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("ORCHESTRATORD_DB_DSN", "./orchestratord.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.encryptionKey, "encryption-key", envOrDefault("ORCHESTRATORD_ENCRYPTION_KEY", ""), "Master key for encrypting secret values at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("ORCHESTRATORD_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("ORCHESTRATORD_DATA_DIR", "./data"), "Directory for control plane data (RSA keys, etc.)")
	root.PersistentFlags().StringVar(&cfg.issuer, "jwt-issuer", envOrDefault("ORCHESTRATORD_JWT_ISSUER", "orchestratord"), "JWT issuer claim required of caller bearer tokens")
	root.PersistentFlags().IntVar(&cfg.maxQueueDepth, "max-queue-depth", envOrDefaultInt("ORCHESTRATORD_MAX_QUEUE_DEPTH", 0), "Global queue depth above which new runs fail admission (0 = unbounded)")
	root.PersistentFlags().IntVar(&cfg.maxGlobalConcurrentRuns, "max-global-concurrent-runs", envOrDefaultInt("ORCHESTRATORD_MAX_GLOBAL_CONCURRENT_RUNS", 0), "Global concurrent Running cap (0 = unbounded)")
	root.PersistentFlags().IntVar(&cfg.perRepoConcurrencyLimit, "per-repo-concurrency-limit", envOrDefaultInt("ORCHESTRATORD_PER_REPO_CONCURRENCY_LIMIT", 0), "Per-repository concurrent Running cap (0 = unbounded)")
	root.PersistentFlags().IntVar(&cfg.defaultTaskParallelRuns, "default-task-parallel-runs", envOrDefaultInt("ORCHESTRATORD_DEFAULT_TASK_PARALLEL_RUNS", 1), "Slots requested when a task sets no ConcurrencyLimit")
	root.PersistentFlags().IntVar(&cfg.runtimeStaleSeconds, "runtime-stale-seconds", envOrDefaultInt("ORCHESTRATORD_RUNTIME_STALE_SECONDS", 90), "Heartbeat age after which a runtime is marked Faulted")
	root.PersistentFlags().IntVar(&cfg.eventBufferSize, "event-buffer-size", envOrDefaultInt("ORCHESTRATORD_EVENT_BUFFER_SIZE", 64), "Per-connection event stream buffer size before disconnect")
	root.PersistentFlags().IntVar(&cfg.queueRetrySeconds, "queue-retry-seconds", envOrDefaultInt("ORCHESTRATORD_QUEUE_RETRY_SECONDS", 5), "Interval between deferred queue-head retry passes")
	root.PersistentFlags().IntVar(&cfg.lifecycleSweepSeconds, "lifecycle-sweep-seconds", envOrDefaultInt("ORCHESTRATORD_LIFECYCLE_SWEEP_SECONDS", 15), "Interval between runtime staleness/reconciliation passes")
	root.PersistentFlags().StringVar(&cfg.staticRuntimes, "static-runtimes", envOrDefault("ORCHESTRATORD_STATIC_RUNTIMES", ""), "Comma-separated runtimeId=grpcEndpoint[:maxSlots] list registered at startup")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orchestratord %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.encryptionKey == "" {
		return fmt.Errorf("encryption key is required — set --encryption-key or ORCHESTRATORD_ENCRYPTION_KEY")
	}

	logger.Info("starting orchestratord",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	// InitEncryption must be called before opening the store so that
	// EncryptedString fields can encrypt/decrypt transparently on read/write.
	// The key is padded or truncated to exactly 32 bytes (AES-256).
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.encryptionKey))
	if err := store.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Store ---
	st, err := store.New(store.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	// --- 3. Auth ---
	// In development (no data dir or missing key files), ephemeral keys are
	// generated in memory. In production, persistent PEM files are used so
	// tokens survive restarts.
	jwtManager, err := buildJWTManager(cfg.dataDir, cfg.issuer, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}

	// --- 4. Lifecycle manager ---
	lifecycleMgr := lifecycle.New(time.Duration(cfg.runtimeStaleSeconds)*time.Second, logger)
	if err := registerStaticRuntimes(lifecycleMgr, cfg.staticRuntimes, logger); err != nil {
		return fmt.Errorf("failed to register static runtimes: %w", err)
	}

	// --- 5. Dispatcher ---
	d := dispatcher.New(dispatcher.Config{
		MaxQueueDepth:           cfg.maxQueueDepth,
		MaxGlobalConcurrentRuns: cfg.maxGlobalConcurrentRuns,
		PerRepoConcurrencyLimit: cfg.perRepoConcurrencyLimit,
		DefaultTaskParallelRuns: cfg.defaultTaskParallelRuns,
	}, st, lifecycleMgr, logger)

	// --- 6. Event dispatcher ---
	events := eventdispatcher.New(cfg.eventBufferSize, logger)
	go events.Run(ctx)

	// --- 7. Scheduled task trigger ---
	sched, err := tasksched.New(st, d.Dispatch, logger)
	if err != nil {
		return fmt.Errorf("failed to create task scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task scheduler: %w", err)
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("task scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 8. Reconciler ---
	recon := reconciler.New(reconciler.Config{
		QueueRetryInterval:     time.Duration(cfg.queueRetrySeconds) * time.Second,
		LifecycleSweepInterval: time.Duration(cfg.lifecycleSweepSeconds) * time.Second,
		StaleThreshold:         time.Duration(cfg.runtimeStaleSeconds) * time.Second,
	}, st, d, lifecycleMgr, logger)
	go recon.Run(ctx)

	// --- 9. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Store:           st,
		Dispatcher:      d,
		EventDispatcher: events,
		JWTManager:      jwtManager,
		Logger:          logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down orchestratord")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("orchestratord stopped")
	return nil
}

// registerStaticRuntimes parses --static-runtimes and registers each entry
// with the lifecycle manager at startup. Format per entry:
// runtimeId=grpcEndpoint[:maxSlots] (maxSlots defaults to 4).
func registerStaticRuntimes(mgr *lifecycle.Manager, raw string, logger *zap.Logger) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		idAndRest := strings.SplitN(entry, "=", 2)
		if len(idAndRest) != 2 {
			return fmt.Errorf("invalid static runtime entry %q: expected runtimeId=endpoint[:maxSlots]", entry)
		}
		runtimeId := idAndRest[0]

		endpoint := idAndRest[1]
		maxSlots := 4
		if idx := strings.LastIndex(endpoint, ":"); idx != -1 && strings.Contains(endpoint[:idx], ":") {
			if n, err := strconv.Atoi(endpoint[idx+1:]); err == nil {
				maxSlots = n
				endpoint = endpoint[:idx]
			}
		}

		now := time.Now()
		if err := mgr.Register(model.TaskRuntimeInstance{
			RuntimeId:       runtimeId,
			LifecycleState:  model.RuntimeReady,
			GrpcEndpoint:    endpoint,
			MaxSlots:        maxSlots,
			LastHeartbeatAt: now,
		}); err != nil {
			return fmt.Errorf("registering runtime %s: %w", runtimeId, err)
		}
		logger.Info("registered static runtime",
			zap.String("runtime_id", runtimeId), zap.String("endpoint", endpoint), zap.Int("max_slots", maxSlots))
	}
	return nil
}

// buildJWTManager loads RSA keys from the data directory if available, or
// generates ephemeral in-memory keys for development.
func buildJWTManager(dataDir, issuer string, logger *zap.Logger) (*auth.JWTManager, error) {
	privPath := filepath.Join(dataDir, "jwt_private.pem")
	pubPath := filepath.Join(dataDir, "jwt_public.pem")

	if _, err := os.Stat(privPath); err == nil {
		logger.Info("loading JWT keys from disk", zap.String("private", privPath))
		return auth.NewJWTManagerFromFiles(privPath, pubPath, issuer)
	}

	logger.Warn("JWT key files not found — using ephemeral in-memory keys (tokens will be invalidated on restart)",
		zap.String("expected_private", privPath),
	)
	return auth.NewJWTManagerGenerated(issuer)
}

// gormLogLevel maps the application log level string to a GORM logger level.
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
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
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

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
