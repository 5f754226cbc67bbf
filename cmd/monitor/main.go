package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/auth"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/config"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/events"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/flags"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/store"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/stream"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/telemetry"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/upstream"
	"github.com/auctiondeck/auction-monitor-backend/internal/metrics"
	"github.com/auctiondeck/auction-monitor-backend/internal/service/monitor"
	"github.com/auctiondeck/auction-monitor-backend/internal/service/scheduler"
)

// pollingScheduler is the slice of either scheduler mode main needs.
type pollingScheduler interface {
	Add(id string, timeRemaining int, isWinning bool)
	Remove(id string)
	Start(ctx context.Context)
	Status() scheduler.Status
}

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, err := telemetry.SetupLogger(cfg.LogLevel)
	if err != nil {
		slog.Error("failed to setup logger", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("monitor failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting auction monitor backend",
		"version", cfg.Version,
		"environment", cfg.Environment,
		"ops_addr", cfg.Ops.ListenAddr)

	zlog, err := telemetry.NewZapLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return err
	}
	defer func() { _ = zlog.Sync() }()

	provider, err := telemetry.InitializeOpenTelemetry(ctx, &telemetry.Config{
		ServiceName:    "auction-monitor",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return err
	}

	registry, err := metrics.NewRegistry("auction-monitor")
	if err != nil {
		return err
	}

	// Infrastructure, in dependency order.
	st, err := store.New(store.Options{
		Redis:   cfg.Redis,
		Secret:  cfg.Auth.Secret,
		Logger:  zlog.Named("store"),
		Metrics: registry,
	})
	if err != nil {
		return err
	}
	st.Start(ctx)

	bus := events.NewBus(zlog.Named("events"), registry)

	vault := auth.NewVault(st, bus, registry, zlog.Named("auth"))
	vault.Recover(ctx)

	flagReg := flags.NewRegistry(st, cfg.Flags, zlog.Named("flags"))
	flagReg.Resolve(ctx)
	flagReg.Start(ctx)

	client := upstream.NewClient(cfg.Upstream, vault, zlog.Named("upstream"))
	breaker := upstream.NewBreaker(client, cfg.Breaker, zlog.Named("breaker"), upstream.BreakerOptions{
		Enabled: func() bool { return flagReg.Enabled(flags.UseCircuitBreaker) },
		Metrics: registry,
	})

	svc := monitor.NewService(cfg.Monitor, st, breaker, flagReg, vault, bus,
		zlog.Named("monitor"), monitor.Options{Metrics: registry})

	var sched pollingScheduler
	if flagReg.Enabled(flags.UsePollingQueue) {
		sched = scheduler.New(cfg.Scheduler, svc, zlog.Named("scheduler"),
			scheduler.Options{Metrics: registry})
	} else {
		sched = scheduler.NewLegacy(cfg.Scheduler, svc, zlog.Named("scheduler"))
	}

	streams := stream.NewManager(cfg.Stream, vault, svc, zlog.Named("stream"),
		stream.Options{Metrics: registry})

	svc.Attach(sched, streams)

	if err := svc.Initialize(ctx); err != nil {
		return err
	}
	sched.Start(ctx)
	streams.Start(ctx)
	svc.Start(ctx)

	startSampler(ctx, samplerDeps{
		svc:     svc,
		sched:   sched,
		streams: streams,
		breaker: breaker,
		bus:     bus,
		store:   st,
	})

	ops := opsServer(cfg.Ops.ListenAddr, zlog, st, bus, svc, sched, streams, breaker, flagReg)
	go func() {
		if err := ops.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Error("ops listener failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down gracefully")

	grace := cfg.Scheduler.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	shutCtx, done := context.WithTimeout(context.Background(), grace)
	defer done()

	_ = ops.Shutdown(shutCtx)
	svc.Shutdown(shutCtx)
	bus.Close()
	if err := provider.Shutdown(shutCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}
	return nil
}

func opsServer(addr string, zlog *zap.Logger, st *store.Store, bus *events.Bus,
	svc *monitor.Service, sched pollingScheduler, streams *stream.Manager,
	breaker *upstream.Breaker, flagReg *flags.Registry) *http.Server {

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", events.ServeWS(bus, zlog.Named("ws"), events.DefaultWebSocketConfig()))

	// Memory fallback keeps the process serviceable, so a Redis outage
	// still reports healthy; the store stats carry the degradation.
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"store":     st.GetStats(),
			"monitored": svc.GetMonitoredCount(),
		})
	})

	mux.HandleFunc("/statusz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"memory":    svc.GetMemoryStats(),
			"scheduler": sched.Status(),
			"streams":   streams.Status(),
			"breaker":   breaker.Stats(),
			"events":    bus.Stats(),
			"flags":     flagReg.All(),
			"auth":      svc.GetAuthStatus(),
		})
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
