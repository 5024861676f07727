// Package app wires every subsystem of voxrelay together: the record sink,
// session cache, gate registries, upstream manager, relay server, and the
// single HTTP server that fronts the WebSocket entry point, the gate
// callback endpoints, health probes, and /metrics.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/voxrelay/voxrelay/internal/botreg"
	"github.com/voxrelay/voxrelay/internal/cache"
	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/egress"
	"github.com/voxrelay/voxrelay/internal/executor"
	"github.com/voxrelay/voxrelay/internal/gate"
	"github.com/voxrelay/voxrelay/internal/health"
	"github.com/voxrelay/voxrelay/internal/observe"
	"github.com/voxrelay/voxrelay/internal/ratelimit"
	"github.com/voxrelay/voxrelay/internal/relay"
	"github.com/voxrelay/voxrelay/internal/sink"
	"github.com/voxrelay/voxrelay/internal/upstream"
)

// readHeaderTimeout bounds slow-header attacks on the HTTP listener.
const readHeaderTimeout = 10 * time.Second

// App is the assembled voxrelay process.
type App struct {
	cfg *config.Config

	pg       *sink.PostgresWriter
	sink     *sink.Sink
	store    *cache.Cache
	limiter  *ratelimit.Limiter
	idem     *gate.Idempotency
	registry *gate.Registry
	waiters  *gate.Waiters
	manager  *upstream.Manager
	relaySrv *relay.Server

	httpServer      *http.Server
	metricsShutdown func(context.Context) error
}

// New builds the full application graph. It connects to the record store and
// fails when the database is unreachable: a relay that cannot audit is not
// allowed to start.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	metricsShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voxrelay",
	})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: create metrics: %w", err)
	}

	pg, err := sink.NewPostgresWriter(ctx, cfg.Sink.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("app: connect record store: %w", err)
	}
	snk := sink.New(sink.Config{
		Writer:        pg,
		FlushInterval: cfg.Sink.FlushInterval,
		OnDrop: func(sink.Kind) {
			metrics.SinkDrops.Add(context.Background(), 1)
		},
	})

	store := cache.New(cache.Config{Recorder: snk})
	limiter := ratelimit.New(cfg.RateLimit.Limit, cfg.RateLimit.Window)
	idem := gate.NewIdempotency(cfg.Callbacks.IdempotencyTTL)
	registry := gate.NewRegistry(cfg.Callbacks.RegistryTTL)
	waiters := gate.NewWaiters(cfg.Callbacks.Gate2Timeout)
	manager := upstream.NewManager(cfg.Upstream, metrics)

	exec := executor.New(executor.Config{
		Tools:     cfg.Tools,
		Callbacks: cfg.Callbacks,
		Registry:  registry,
		Waiters:   waiters,
		Store:     store,
		Recorder:  snk,
		Analytics: pg,
		Metrics:   metrics,
	})

	relaySrv := relay.NewServer(relay.ServerConfig{
		Manager:            manager,
		Executor:           exec,
		Registry:           registry,
		Waiters:            waiters,
		Store:              store,
		Recorder:           snk,
		Metrics:            metrics,
		TTS:                egress.NewTTSClient(cfg.Egress.TTSURL),
		Bots:               botreg.NewClient(cfg.Egress.BotRegistryURL),
		AudioLossThreshold: cfg.Audio.LossThreshold,
	})

	gateHandler := gate.NewHandler(gate.HandlerConfig{
		Limiter:      limiter,
		Verifier:     gate.NewVerifier(cfg.Callbacks.HMACSecret),
		Idem:         idem,
		Registry:     registry,
		Waiters:      waiters,
		Store:        store,
		Recorder:     snk,
		Metrics:      metrics,
		SessionCount: relaySrv.SessionCount,
	})

	healthHandler := health.New(
		health.Checker{Name: "database", Check: pg.Ping},
		health.Checker{Name: "upstream_breaker", Check: health.BreakerCheck(manager.Breaker())},
	)

	// The WebSocket entry point bypasses the HTTP middleware: an upgraded
	// connection lives for the whole session.
	inner := http.NewServeMux()
	gateHandler.Register(inner)
	healthHandler.Register(inner)
	inner.Handle("GET /metrics", promhttp.Handler())

	mux := http.NewServeMux()
	relaySrv.Register(mux)
	mux.Handle("/", observe.Middleware(metrics)(inner))

	return &App{
		cfg:      cfg,
		pg:       pg,
		sink:     snk,
		store:    store,
		limiter:  limiter,
		idem:     idem,
		registry: registry,
		waiters:  waiters,
		manager:  manager,
		relaySrv: relaySrv,
		httpServer: &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		metricsShutdown: metricsShutdown,
	}, nil
}

// Run serves until ctx is cancelled or the listener fails. Background
// workers (sink flusher, registry reapers) share the same lifecycle.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.sink.Run(ctx) })
	g.Go(func() error { a.store.Run(ctx); return nil })
	g.Go(func() error { a.limiter.Run(ctx); return nil })
	g.Go(func() error { a.idem.Run(ctx); return nil })
	g.Go(func() error { a.registry.Run(ctx); return nil })
	g.Go(func() error { a.waiters.Run(ctx); return nil })

	g.Go(func() error {
		slog.Info("listening", "addr", a.cfg.Server.ListenAddr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown releases everything Run left open: live sessions close, suspended
// confirmations resolve, and the record store disconnects.
func (a *App) Shutdown(ctx context.Context) error {
	a.relaySrv.Shutdown(ctx)

	var errs []error
	if a.metricsShutdown != nil {
		if err := a.metricsShutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.pg.Close()
	return errors.Join(errs...)
}
