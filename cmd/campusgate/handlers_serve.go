package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/campusgate/internal/access"
	"github.com/haasonsaas/campusgate/internal/auth"
	"github.com/haasonsaas/campusgate/internal/backend"
	"github.com/haasonsaas/campusgate/internal/config"
	"github.com/haasonsaas/campusgate/internal/gateway"
	"github.com/haasonsaas/campusgate/internal/mcp"
	"github.com/haasonsaas/campusgate/internal/models"
	"github.com/haasonsaas/campusgate/internal/observability"
	"github.com/haasonsaas/campusgate/internal/proxy"
	"github.com/haasonsaas/campusgate/internal/ratelimit"
	"github.com/haasonsaas/campusgate/internal/sessions"
	"github.com/haasonsaas/campusgate/internal/supervisor"
)

const shutdownTimeout = 30 * time.Second

// =============================================================================
// Serve Command Handler
// =============================================================================

// app holds everything runServe starts, in shutdown order.
type app struct {
	server     *gateway.Server
	supervisor *supervisor.Supervisor
	watcher    *mcp.Watcher
	sessions   sessions.Index
	shutdownTr func(context.Context) error
	logger     *slog.Logger
}

// runServe implements the serve command logic.
// It handles configuration loading, service initialization, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)

	logger.Info("starting campusgate",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.server.Start(); err != nil {
		a.shutdown()
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	logger.Info("campusgate ready",
		"addr", a.server.Addr(),
		"runtime", cfg.Runtime.Command,
		"store", cfg.Providers.StorePath,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	a.shutdown()
	logger.Info("campusgate stopped")
	return nil
}

// buildApp wires every component from cfg. The runtime is not started here;
// the supervisor spawns it on first use.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)
	var metricsHandler http.Handler
	if cfg.Observability.MetricsOn() {
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
	}

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		Attributes:     cfg.Observability.Tracing.Attributes,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})
	journal := observability.NewEventRecorder(observability.NewMemoryEventStore(observability.DefaultJournalSize))

	store := mcp.NewStore(cfg.Providers.StorePath, logger, mcp.WithSyncRecorder(metrics))
	if store.Load(true) {
		logger.Info("provider store loaded", "path", store.Path(), "providers", len(store.Names()))
	}

	sup, err := supervisor.New(supervisor.Config{
		Command:        cfg.Runtime.Command,
		Args:           cfg.Runtime.Args,
		Env:            cfg.Runtime.Env,
		WorkDir:        cfg.Runtime.WorkDir,
		Hostname:       cfg.Runtime.Hostname,
		Port:           cfg.Runtime.Port,
		PortPinned:     cfg.Runtime.PortPinned,
		StartupTimeout: cfg.Runtime.StartupTimeout,
		ReadyPattern:   cfg.Runtime.ReadyPattern,
		OnReady: func(ctx context.Context, h *supervisor.Handle) {
			report := store.SyncInto(ctx, h.Client)
			journalSync(journal, "startup", report)
		},
		Metrics: metrics,
	}, logger)
	if err != nil {
		_ = shutdownTracer(context.Background())
		return nil, fmt.Errorf("failed to create supervisor: %w", err)
	}

	acquire := func(ctx context.Context) (*backend.Client, error) {
		h, err := sup.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return h.Client, nil
	}

	a := &app{
		supervisor: sup,
		shutdownTr: shutdownTracer,
		logger:     logger,
	}

	if cfg.Providers.WatchEnabled() {
		watcher, err := store.Watch(ctx, cfg.Providers.Debounce, func(ctx context.Context) {
			journal.Record(ctx, &observability.Event{
				Type: observability.EventTypeProviderReload,
				Name: store.Path(),
				Data: map[string]any{"providers": len(store.Names())},
			})
			// A stopped runtime picks the new state up on its next spawn.
			if !sup.Status().Running {
				return
			}
			client, err := acquire(ctx)
			if err != nil {
				logger.Warn("runtime unavailable after store reload", "error", err)
				return
			}
			journalSync(journal, "reload", store.SyncInto(ctx, client))
		})
		if err != nil {
			logger.Warn("provider store watch disabled", "path", store.Path(), "error", err)
		} else {
			a.watcher = watcher
		}
	}

	resolver, err := models.NewResolver(models.Config{
		ProviderID:       cfg.Models.ProviderID,
		ModelID:          cfg.Models.ModelID,
		RuntimePattern:   cfg.Models.RuntimePattern,
		PreferredPattern: cfg.Models.PreferredPattern,
	}, func(ctx context.Context) (*backend.ProviderCatalog, error) {
		client, err := acquire(ctx)
		if err != nil {
			return nil, err
		}
		return client.Providers(ctx)
	}, logger)
	if err != nil {
		a.shutdown()
		return nil, fmt.Errorf("invalid model settings: %w", err)
	}

	index, err := openSessions(ctx, cfg.Sessions, logger)
	if err != nil {
		a.shutdown()
		return nil, err
	}
	a.sessions = index

	policy := access.NewPolicy(cfg.Access.RoleProviders())

	chat, err := proxy.New(proxy.Config{
		TurnTimeout:        cfg.Proxy.TurnTimeout,
		DefaultAgent:       cfg.Proxy.DefaultAgent,
		AskAgent:           cfg.Proxy.AskAgent,
		SystemPrompt:       cfg.Proxy.SystemPrompt,
		StructuredKeywords: cfg.Proxy.StructuredKeywords,
	}, proxy.Deps{
		Runtime: func(ctx context.Context) (proxy.Runtime, error) {
			client, err := acquire(ctx)
			if err != nil {
				return nil, err
			}
			return proxy.ClientRuntime{Client: client}, nil
		},
		Providers: store,
		Policy:    policy,
		Models:    resolver,
		Sessions:  index,
		Metrics:   metrics,
		Journal:   journal,
		Tracer:    tracer,
		Logger:    logger,
	})
	if err != nil {
		a.shutdown()
		return nil, fmt.Errorf("failed to create chat service: %w", err)
	}

	server, err := gateway.NewServer(gateway.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.HTTPPort,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		CORSOrigins:       cfg.Server.CORSOrigins,
	}, gateway.Deps{
		Chat:     chat,
		Runtime:  sup,
		Store:    store,
		Policy:   policy,
		Models:   resolver,
		Sessions: index,
		Journal:  journal,
		Auth:     auth.NewService(cfg.Auth.Service()),
		Limiter: ratelimit.NewLimiter(ratelimit.Config{
			PerMinute: cfg.Server.RateLimit.TurnsPerMinute,
			Burst:     cfg.Server.RateLimit.Burst,
		}),
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		Logger:         logger,
	})
	if err != nil {
		a.shutdown()
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}
	a.server = server
	return a, nil
}

// openSessions picks the session index backend. Only sqlite persists; an
// empty DSN or the "memory" driver keeps sessions in memory.
func openSessions(ctx context.Context, cfg config.SessionsConfig, logger *slog.Logger) (sessions.Index, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "memory" || strings.TrimSpace(cfg.DSN) == "" {
		logger.Info("session index kept in memory")
		return sessions.NewMemoryIndex(), nil
	}
	if driver != "sqlite" {
		return nil, fmt.Errorf("unsupported sessions driver %q", cfg.Driver)
	}
	index, err := sessions.NewSQLIndex(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open session index: %w", err)
	}
	logger.Info("session index opened", "driver", driver)
	return index, nil
}

// shutdown stops components in reverse start order. Every step runs even if
// an earlier one fails.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.server != nil {
		a.server.Stop(ctx)
	}
	var errs []error
	if a.watcher != nil {
		errs = append(errs, a.watcher.Close())
	}
	if a.supervisor != nil {
		errs = append(errs, a.supervisor.Release())
	}
	if a.sessions != nil {
		errs = append(errs, a.sessions.Close())
	}
	if a.shutdownTr != nil {
		errs = append(errs, a.shutdownTr(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown finished with errors", "error", err)
	}
}

func journalSync(journal *observability.EventRecorder, trigger string, report mcp.SyncReport) {
	ev := &observability.Event{
		Type: observability.EventTypeProviderSync,
		Name: trigger,
		Data: map[string]any{
			"added":        len(report.Added),
			"connected":    len(report.Connected),
			"disconnected": len(report.Disconnected),
			"failures":     len(report.Failures),
		},
	}
	if !report.OK() {
		ev.Error = fmt.Sprintf("%d provider calls failed", len(report.Failures))
	}
	journal.Record(context.Background(), ev)
}
