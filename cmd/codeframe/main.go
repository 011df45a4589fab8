// Command codeframe is the orchestration core's daemon entrypoint: load
// config, init the logger, open the store with a crash-recovery pass, then
// wire every subsystem before blocking on a signal context. CodeFRAME has
// no chat surface of its own (transport is out of scope); operators
// observe the daemon through the /healthz endpoint and structured logs
// instead of a terminal UI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/frankbria/codeframe/internal/agentruntime"
	"github.com/frankbria/codeframe/internal/blocker"
	"github.com/frankbria/codeframe/internal/checkpoint"
	"github.com/frankbria/codeframe/internal/config"
	"github.com/frankbria/codeframe/internal/contextmem"
	"github.com/frankbria/codeframe/internal/events"
	"github.com/frankbria/codeframe/internal/llmclient"
	"github.com/frankbria/codeframe/internal/maintenance"
	"github.com/frankbria/codeframe/internal/notify"
	otelpkg "github.com/frankbria/codeframe/internal/otel"
	"github.com/frankbria/codeframe/internal/qualitygate"
	"github.com/frankbria/codeframe/internal/reviewcache"
	"github.com/frankbria/codeframe/internal/sandboxexec"
	"github.com/frankbria/codeframe/internal/scheduler"
	"github.com/frankbria/codeframe/internal/store"
	"github.com/frankbria/codeframe/internal/telemetry"
	"github.com/frankbria/codeframe/internal/workspace"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=...".
var Version = "v0.1-dev"

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message)
	}
	os.Exit(1)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.ToLower(strings.TrimSpace(host))
		if h != "127.0.0.1" && h != "localhost" && h != "::1" {
			logger.Warn("bind_addr is non-loopback; ensure your transport adapter enforces its own auth", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: &cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	bus := events.New(logger, st)

	budget := contextmem.Budget{
		HotTokens:    cfg.Context.HotBudgetTokens,
		WarmTokens:   cfg.Context.WarmBudgetTokens,
		ModelWindow:  200000,
		HeadroomFrac: cfg.Context.FlashSaveHeadroomRatio,
	}
	memory := contextmem.New(st, bus, budget)

	blockers := blocker.New(st, bus)
	checkpoints := checkpoint.New(st, bus)
	reviews := reviewcache.New(st, bus, 24*time.Hour, time.Hour)

	sandbox, err := sandboxexec.New(sandboxexec.Config{
		Image:       cfg.Sandbox.Image,
		MemoryMB:    cfg.Sandbox.MemoryMB,
		CPUs:        cfg.Sandbox.CPUs,
		NetworkMode: cfg.Sandbox.NetworkMode,
	})
	if err != nil {
		fatalStartup(logger, "E_SANDBOX_INIT", err)
	}
	defer sandbox.Close()

	gate := qualitygate.New(sandbox, reviews, cfg.WorkspaceRoot)
	sched := scheduler.New(st, bus, blockers, gate, logger)
	sched.SetMaxSelfCorrectionAttempts(cfg.MaxSelfCorrectAttempts)

	llm := llmclient.NewGenkitClient(ctx, llmclient.GenkitConfig{
		Provider:                 cfg.LLMProviderKey,
		Model:                    cfg.LLMModel,
		APIKey:                   cfg.APIKey(),
		OpenAICompatibleProvider: cfg.LLMProviderKey,
	})

	ws := workspace.New(cfg.WorkspaceRoot)
	runtime := agentruntime.New(st, bus, memory, blockers, sched, llm, ws, logger)
	runtime.SetModel(cfg.LLMModel)

	if metrics, err := otelpkg.NewMetrics(otelProvider.Meter); err != nil {
		logger.Warn("metrics instrument init failed; continuing without metrics", "error", err)
	} else {
		gate.SetTelemetry(otelProvider.Tracer, metrics)
		runtime.SetTelemetry(otelProvider.Tracer, metrics)
	}

	_ = checkpoints // wired into the transport adapter's Checkpoints operations, not the dispatch loop itself

	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		allowedIDs, err := notify.ParseAllowedIDs(cfg.Telegram.AllowedIDs)
		if err != nil {
			logger.Error("invalid telegram allowed_ids", "error", err)
		} else {
			notifier := notify.New(cfg.Telegram.Token, allowedIDs, blockers, st, bus, logger)
			go func() {
				if err := notifier.Start(ctx); err != nil {
					logger.Error("telegram notifier stopped", "error", err)
				}
			}()
		}
	}

	sweep := maintenance.New(maintenance.Config{
		Store:            st,
		Scheduler:        sched,
		Blockers:         blockers,
		Logger:           logger,
		Interval:         time.Duration(cfg.Maintenance.IntervalSeconds) * time.Second,
		EventRetention:   time.Duration(cfg.Maintenance.EventRetentionDays) * 24 * time.Hour,
		BlockerRetention: time.Duration(cfg.Maintenance.BlockerRetentionDays) * 24 * time.Hour,
	})
	sweep.RunOnce(ctx) // crash-recovery pass before the first dispatch tick
	sweep.Start(ctx)
	defer sweep.Stop()

	go serveHealth(ctx, cfg.BindAddr, st, logger)

	disp := newDispatcher(st, sched, runtime, gateConfigFromConfig(cfg), logger)
	logger.Info("startup phase", "phase", "dispatch_loop_started", "bind_addr", cfg.BindAddr)
	disp.Run(ctx)

	logger.Info("shutdown complete")
}

// serveHealth exposes a minimal liveness endpoint — not the full operations
// surface, which belongs to a transport adapter this module doesn't implement.
func serveHealth(ctx context.Context, bindAddr string, st *store.Store, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "db unreachable: %v", err)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	srv := &http.Server{Addr: bindAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("health server stopped", "error", err)
	}
}
