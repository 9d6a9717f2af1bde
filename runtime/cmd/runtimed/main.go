// Package main is the entry point for the orchestrator runtime worker
// binary (runtimed). It wires all internal packages together and starts
// the gRPC server the control plane dials into.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Optionally connect to Docker (non-fatal if unavailable)
//  4. Build the job queue, event bus, sequencer, workspace guard
//  5. Build the command service, artifact streamer, harness adapter registry
//  6. Build the RPC server and register it on a gRPC listener
//  7. Start the supervise loop and the gRPC server
//  8. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/agentforge/orchestrator/runtime/internal/artifact"
	"github.com/agentforge/orchestrator/runtime/internal/command"
	"github.com/agentforge/orchestrator/runtime/internal/docker"
	"github.com/agentforge/orchestrator/runtime/internal/eventbus"
	"github.com/agentforge/orchestrator/runtime/internal/harness"
	"github.com/agentforge/orchestrator/runtime/internal/queue"
	"github.com/agentforge/orchestrator/runtime/internal/rpcserver"
	"github.com/agentforge/orchestrator/runtime/internal/workspace"
	"github.com/agentforge/orchestrator/wire/model"
	"github.com/agentforge/orchestrator/wire/rpc"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	listenAddr                   string
	dockerSocket                 string
	workspacesRoot               string
	logLevel                     string
	maxSlots                     int
	artifactChunkBytes           int
	readFileHardCapBytes         int64
	commandDefaultTimeoutSeconds int
	commandMaxTimeoutSeconds     int
	commandMaxOutputBytes        int64
	containerStopTimeoutSeconds  int
	codexBinary                  string
	openCodeBinary               string
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
		Use:   "runtimed",
		Short: "runtimed — orchestrator runtime worker",
		Long: `runtimed executes agent-run harnesses (Codex, OpenCode) on behalf of
the orchestrator control plane. The control plane dials in over gRPC and
dispatches runs, streams commands and file operations, and subscribes to
the run's event stream.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.listenAddr, "listen-addr", envOrDefault("RUNTIMED_LISTEN_ADDR", ":7070"), "gRPC listen address (host:port)")
	root.PersistentFlags().StringVar(&cfg.dockerSocket, "docker-socket", envOrDefault("RUNTIMED_DOCKER_SOCKET", ""), "Docker socket path (empty = platform default)")
	root.PersistentFlags().StringVar(&cfg.workspacesRoot, "workspaces-root", envOrDefault("RUNTIMED_WORKSPACES_ROOT", defaultWorkspacesRoot()), "Directory under which per-repository/task workspaces are created")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("RUNTIMED_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&cfg.maxSlots, "max-slots", envOrDefaultInt("RUNTIMED_MAX_SLOTS", 4), "Maximum concurrent runs this worker admits")
	root.PersistentFlags().IntVar(&cfg.artifactChunkBytes, "artifact-chunk-bytes", envOrDefaultInt("RUNTIMED_ARTIFACT_CHUNK_BYTES", 256*1024), "Artifact streaming chunk size in bytes (clamped to [4KiB, 1MiB])")
	root.PersistentFlags().Int64Var(&cfg.readFileHardCapBytes, "read-file-hard-cap-bytes", envOrDefaultInt64("RUNTIMED_READ_FILE_HARD_CAP_BYTES", 8*1024*1024), "Hard cap on ReadRuntimeFile response size in bytes")
	root.PersistentFlags().IntVar(&cfg.commandDefaultTimeoutSeconds, "command-default-timeout-seconds", envOrDefaultInt("RUNTIMED_COMMAND_DEFAULT_TIMEOUT_SECONDS", 300), "Default StartCommand timeout when unspecified")
	root.PersistentFlags().IntVar(&cfg.commandMaxTimeoutSeconds, "command-max-timeout-seconds", envOrDefaultInt("RUNTIMED_COMMAND_MAX_TIMEOUT_SECONDS", 3600), "Upper bound a StartCommand caller may request")
	root.PersistentFlags().Int64Var(&cfg.commandMaxOutputBytes, "command-max-output-bytes", envOrDefaultInt64("RUNTIMED_COMMAND_MAX_OUTPUT_BYTES", 2*1024*1024), "Captured stdout+stderr budget per command")
	root.PersistentFlags().IntVar(&cfg.containerStopTimeoutSeconds, "container-stop-timeout-seconds", envOrDefaultInt("RUNTIMED_CONTAINER_STOP_TIMEOUT_SECONDS", 20), "Grace period before a forced container stop is escalated")
	root.PersistentFlags().StringVar(&cfg.codexBinary, "codex-binary", envOrDefault("RUNTIMED_CODEX_BINARY", "codex"), "Path to the Codex harness binary")
	root.PersistentFlags().StringVar(&cfg.openCodeBinary, "opencode-binary", envOrDefault("RUNTIMED_OPENCODE_BINARY", "opencode"), "Path to the OpenCode harness binary")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("runtimed %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting runtimed",
		zap.String("version", version),
		zap.String("listen_addr", cfg.listenAddr),
		zap.String("workspaces_root", cfg.workspacesRoot),
		zap.Int("max_slots", cfg.maxSlots),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Docker client (optional) ---
	// Docker is best-effort: if the socket is unavailable or the daemon is
	// not running, the worker starts normally but ListRuntimeContainers
	// always reports empty and container reconciliation is skipped.
	var dockerClient *docker.Client
	dc, err := docker.NewClient(cfg.dockerSocket)
	if err != nil {
		logger.Warn("failed to create Docker client, container reconciliation unavailable", zap.Error(err))
	} else if pingErr := dc.Ping(ctx); pingErr != nil {
		logger.Warn("Docker daemon unreachable, container reconciliation unavailable", zap.Error(pingErr))
		dc.Close()
	} else {
		dockerClient = dc
		defer dockerClient.Close()
		logger.Info("Docker daemon reachable, container reconciliation available")
	}

	// --- Core components ---
	jobQueue := queue.New(cfg.maxSlots)
	bus := eventbus.New(logger)
	seq := eventbus.NewSequencer()
	guard := workspace.New(cfg.workspacesRoot)

	commands := command.New(command.Limits{
		DefaultTimeoutSeconds: cfg.commandDefaultTimeoutSeconds,
		MaxTimeoutSeconds:     cfg.commandMaxTimeoutSeconds,
		MaxOutputBytes:        cfg.commandMaxOutputBytes,
	}, bus, seq, logger)

	streamer := artifact.New(cfg.artifactChunkBytes, bus, seq, logger)

	runtimes := map[model.HarnessType]harness.Runtime{
		model.HarnessCodex:    &harness.CodexAdapter{BinaryPath: cfg.codexBinary, Logger: logger},
		model.HarnessOpenCode: &harness.OpenCodeAdapter{BinaryPath: cfg.openCodeBinary, Logger: logger, HTTPClient: &http.Client{Timeout: 60 * time.Second}},
	}
	fallback := runtimes[model.HarnessCodex]

	srv := rpcserver.New(rpcserver.Config{
		ReadRuntimeFileHardCap: cfg.readFileHardCapBytes,
		FileOpTimeout:          30 * time.Second,
		ContainerStopTimeout:   time.Duration(cfg.containerStopTimeoutSeconds) * time.Second,
	}, jobQueue, runtimes, fallback, commands, streamer, bus, seq, guard, dockerClient, logger)

	// --- gRPC listener ---
	lis, err := net.Listen("tcp", cfg.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.listenAddr, err)
	}

	// The json subtype codec registers itself via encoding.RegisterCodec in
	// wire/rpc's init(); grpc resolves it per-call from the client's
	// content-subtype header, so the server needs no codec option here.
	grpcServer := grpc.NewServer()
	rpc.RegisterWorkerServiceServer(grpcServer, srv)

	// --- Start ---
	// The supervise loop and the gRPC server run concurrently. Both
	// respect ctx cancellation for graceful shutdown.
	go srv.Supervise(ctx)

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.listenAddr))
		serveErrCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down runtimed")
		grpcServer.GracefulStop()
	case err := <-serveErrCh:
		if err != nil {
			return fmt.Errorf("gRPC server stopped: %w", err)
		}
	}

	logger.Info("runtimed stopped")
	return nil
}

// defaultWorkspacesRoot returns the platform-appropriate default workspaces
// directory: ~/.runtimed/workspaces, falling back to a relative path if the
// home directory cannot be determined.
func defaultWorkspacesRoot() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.runtimed/workspaces"
	}
	return ".runtimed/workspaces"
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

func envOrDefaultInt64(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}
