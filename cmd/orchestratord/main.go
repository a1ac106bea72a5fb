// Command orchestratord is the Madrox orchestrator daemon: it wires
// together the Instance Registry, Lifecycle Manager, Messaging Broker,
// Health Supervisor, and the RPC surface those expose to agent CLIs, and
// it serves the shared-state daemon protocol spawned stdio subprocesses
// dial back into: load config, build the shared infrastructure, wire each
// subsystem on top of it, start background loops, then block for a
// shutdown signal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/barkain/madrox/internal/common/config"
	"github.com/barkain/madrox/internal/common/logger"
	"github.com/barkain/madrox/internal/events"
	"github.com/barkain/madrox/internal/orchestrator/broker"
	"github.com/barkain/madrox/internal/orchestrator/daemon"
	"github.com/barkain/madrox/internal/orchestrator/health"
	"github.com/barkain/madrox/internal/orchestrator/lifecycle"
	"github.com/barkain/madrox/internal/orchestrator/monitoring"
	"github.com/barkain/madrox/internal/orchestrator/pane"
	"github.com/barkain/madrox/internal/orchestrator/prompts"
	"github.com/barkain/madrox/internal/orchestrator/registry"
	"github.com/barkain/madrox/internal/orchestrator/rpcserver"
	"github.com/barkain/madrox/internal/orchestrator/template"
	"github.com/barkain/madrox/internal/orchestrator/toolserver"
	"github.com/barkain/madrox/internal/orchestrator/tracing"
	"go.uber.org/zap"
)

// monitoringSweepInterval is how often the activity-summary generator
// re-captures every instance's pane.
const monitoringSweepInterval = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting madrox orchestrator daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, eventsCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer eventsCleanup()

	for _, dir := range []string{cfg.Orchestrator.WorkspaceBaseDir, cfg.Orchestrator.ArtifactsDir, cfg.Orchestrator.PromptsDir, cfg.Orchestrator.TemplatesDir, cfg.Orchestrator.MonitoringStateDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal("failed to create orchestrator directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	reg := registry.New()
	mux := pane.NewTmuxMultiplexer(cfg.Multiplexer.Binary, log)

	claudeBin := envOr("MADROX_CLAUDE_BIN", "claude")
	codexBin := envOr("MADROX_CODEX_BIN", "codex")

	tools := toolserver.New(mux, codexBin, "", cfg.Daemon, toolserver.DefaultSelfBin)
	promptLoader := prompts.New(cfg.Orchestrator.PromptsDir)
	templateLoader := template.NewLoader(cfg.Orchestrator.TemplatesDir)

	lifecycleMgr := lifecycle.New(reg, mux, tools, promptLoader, eventBus.Bus, log, cfg.Orchestrator, cfg.Multiplexer, claudeBin, codexBin)
	templateSpawner := template.New(lifecycleMgr)

	// The shared-state daemon is served in-process: its backing
	// InProcessClient is handed to the Broker directly (no network hop for
	// this process's own traffic) while also being reachable over the
	// wire by spawned stdio subprocesses carrying the same address and
	// auth key (see toolserver.Configurator.selfEntry).
	daemonAddr := cfg.Daemon.SocketPath
	daemonNetwork := "unix"
	if daemonAddr == "" {
		daemonAddr = fmt.Sprintf("%s:%d", cfg.Daemon.Host, cfg.Daemon.Port)
		daemonNetwork = "tcp"
	}
	daemonServer := daemon.NewServer(daemonNetwork, daemonAddr, cfg.Daemon.AuthKeyBase64, log)
	go func() {
		if err := daemonServer.Serve(ctx); err != nil {
			log.Error("shared-state daemon stopped", zap.Error(err))
		}
	}()
	defer daemonServer.Close()

	brk := broker.New(reg, mux, eventBus.Bus, log, daemonServer.Backing())

	// No external daemon to watch liveness on in single-binary mode: this
	// process is the daemon. health.New's nil client makes
	// RunDaemonLivenessLoop a no-op, matching its documented contract.
	healthSup := health.New(reg, mux, brk, nil, eventBus.Bus, log)

	tracker, err := monitoring.NewPositionTracker(cfg.Orchestrator.MonitoringStateDir)
	if err != nil {
		log.Fatal("failed to initialize position tracker", zap.Error(err))
	}
	generator := monitoring.NewGenerator(reg, mux, tracker, log)

	rpcSrv := rpcserver.New(rpcserver.Config{Port: cfg.Server.Port}, reg, lifecycleMgr, brk, healthSup, mux, generator, templateSpawner, templateLoader, log)

	go lifecycleMgr.RunResourceSweep(ctx, brk.Cleanup)
	go healthSup.RunDaemonLivenessLoop(ctx)
	go runMonitoringSweep(ctx, generator)

	if err := rpcSrv.Start(ctx); err != nil {
		log.Fatal("failed to start rpc server", zap.Error(err))
	}
	log.Info("madrox orchestrator daemon ready", zap.Int("port", cfg.Server.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down madrox orchestrator daemon")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := rpcSrv.Stop(shutdownCtx); err != nil {
		log.Error("rpc server shutdown error", zap.Error(err))
	}
	if err := daemonServer.Close(); err != nil {
		log.Error("daemon server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing provider shutdown error", zap.Error(err))
	}

	log.Info("madrox orchestrator daemon stopped")
}

func runMonitoringSweep(ctx context.Context, gen *monitoring.Generator) {
	ticker := time.NewTicker(monitoringSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gen.Sweep(ctx)
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
