// Package gateway serves the campusgate HTTP API: chat turns over NDJSON and
// WebSocket, tool provider administration, role-filtered tool listings and
// health/metrics endpoints.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/campusgate/internal/access"
	"github.com/haasonsaas/campusgate/internal/auth"
	"github.com/haasonsaas/campusgate/internal/backend"
	"github.com/haasonsaas/campusgate/internal/mcp"
	"github.com/haasonsaas/campusgate/internal/observability"
	"github.com/haasonsaas/campusgate/internal/proxy"
	"github.com/haasonsaas/campusgate/internal/ratelimit"
	"github.com/haasonsaas/campusgate/internal/sessions"
	"github.com/haasonsaas/campusgate/internal/supervisor"
)

// ChatService runs chat turns. proxy.Service implements it.
type ChatService interface {
	Turn(ctx context.Context, caller access.Caller, req proxy.ChatRequest) <-chan proxy.StreamEvent
}

// RuntimeSource hands out the running runtime, starting it on demand.
// supervisor.Supervisor implements it.
type RuntimeSource interface {
	Acquire(ctx context.Context) (*supervisor.Handle, error)
	Status() supervisor.Status
}

// ModelSource resolves the default model. models.Resolver implements it.
type ModelSource interface {
	ResolveDefault(ctx context.Context) *backend.ModelRef
}

// Config holds the listener settings.
type Config struct {
	Host              string
	Port              int
	ReadHeaderTimeout time.Duration
	// CORSOrigins lists allowed browser origins; "*" allows any.
	CORSOrigins []string
}

// Deps are the collaborators of a Server. Chat, Runtime, Store and Policy are
// required.
type Deps struct {
	Chat     ChatService
	Runtime  RuntimeSource
	Store    *mcp.Store
	Policy   *access.Policy
	Models   ModelSource
	Sessions sessions.Index
	Journal  *observability.EventRecorder
	Auth     *auth.Service
	Limiter  *ratelimit.Limiter
	Metrics  *observability.Metrics
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
	Tracer         *observability.Tracer
	Logger         *slog.Logger
}

// Server is the campusgate HTTP gateway.
type Server struct {
	cfg      Config
	chat     ChatService
	runtime  RuntimeSource
	store    *mcp.Store
	policy   *access.Policy
	models   ModelSource
	sessions sessions.Index
	journal  *observability.EventRecorder
	auth     *auth.Service
	limiter  *ratelimit.Limiter
	metrics  *observability.Metrics
	metricsH http.Handler
	tracer   *observability.Tracer
	logger   *slog.Logger
	upgrader websocket.Upgrader

	startTime time.Time
	handler   http.Handler

	httpServer   *http.Server
	httpListener net.Listener
}

// NewServer wires the router. Nothing listens until Start.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Chat == nil {
		return nil, errors.New("chat service is required")
	}
	if deps.Runtime == nil {
		return nil, errors.New("runtime source is required")
	}
	if deps.Store == nil {
		return nil, errors.New("provider store is required")
	}
	if deps.Policy == nil {
		return nil, errors.New("access policy is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Auth == nil {
		deps.Auth = auth.NewService(auth.Config{AllowHeaderIdentity: true})
	}
	if deps.Sessions == nil {
		deps.Sessions = sessions.NewMemoryIndex()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{ServiceName: observability.DefaultServiceName})
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}

	s := &Server{
		cfg:       cfg,
		chat:      deps.Chat,
		runtime:   deps.Runtime,
		store:     deps.Store,
		policy:    deps.Policy,
		models:    deps.Models,
		sessions:  deps.Sessions,
		journal:   deps.Journal,
		auth:      deps.Auth,
		limiter:   deps.Limiter,
		metrics:   deps.Metrics,
		metricsH:  deps.MetricsHandler,
		tracer:    tracer,
		logger:    logger.With("component", "gateway"),
		startTime: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     s.checkOrigin,
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(middleware.RealIP)
	r.Use(s.instrument)
	r.Use(s.recoverer)
	r.Use(s.cors)

	r.Get("/healthz", s.handleHealthz)
	if s.metricsH != nil {
		r.Handle("/metrics", s.metricsH)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(s.auth, s.logger))

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Post("/chat/stream", s.handleChatStream)
		})
		// WebSocket turns are limited per chat.send frame.
		r.Get("/chat/ws", s.handleChatWS)

		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}/timeline", s.handleSessionTimeline)

		r.Route("/mcp", func(r chi.Router) {
			r.Get("/", s.handleMCPStatus)
			r.Get("/{name}/tools", s.handleProviderTools)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireElevated)
				r.Get("/config", s.handleMCPConfig)
				r.Post("/", s.handleMCPUpsert)
				r.Delete("/{name}", s.handleMCPRemove)
				r.Post("/{name}/rename", s.handleMCPRename)
				r.Post("/{name}/connect", s.handleMCPConnect)
				r.Post("/{name}/disconnect", s.handleMCPDisconnect)
			})
		})

		r.Get("/tools", s.handleListTools)
		r.Get("/tools/ids", s.handleListToolIDs)
		r.Get("/models/default", s.handleDefaultModel)
	})
	return r
}

// allowedProviders is the caller's effective provider set.
func (s *Server) allowedProviders(caller access.Caller) []string {
	return s.policy.ProvidersFor(caller, s.store.ListEnabled())
}

// acquire returns a client for the runtime, mapping failures to
// errRuntimeUnavailable.
func (s *Server) acquire(ctx context.Context) (*backend.Client, error) {
	handle, err := s.runtime.Acquire(ctx)
	if err != nil {
		return nil, runtimeUnavailable(err)
	}
	return handle.Client, nil
}
