// Package proxy runs chat turns against the agent runtime and re-emits the
// runtime's event stream as a normalized sequence of StreamEvents.
//
// A turn always ends with exactly one done event. meta precedes every delta
// and tool event, and at most one of assistant_error or error is emitted,
// immediately before done.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/campusgate/internal/access"
	"github.com/haasonsaas/campusgate/internal/backend"
	"github.com/haasonsaas/campusgate/internal/observability"
	"github.com/haasonsaas/campusgate/internal/sessions"
)

const (
	DefaultTurnTimeout  = 120 * time.Second
	DefaultAgent        = "build"
	DefaultAskAgent     = "general"
	DefaultBufferSize   = 64
	recordTimeout       = 5 * time.Second
	unknownSessionError = `{"name":"UnknownError","data":{"message":"the assistant reported an error"}}`
)

// EventSource is an open runtime event subscription.
type EventSource interface {
	Next() (backend.Event, error)
	Close() error
}

// Runtime is the part of the runtime API a turn needs.
type Runtime interface {
	CreateSession(ctx context.Context, title string) (*backend.Session, error)
	PromptAsync(ctx context.Context, sessionID string, req backend.PromptRequest) error
	Messages(ctx context.Context, sessionID string) ([]backend.Message, error)
	Subscribe(ctx context.Context) (EventSource, error)
}

// RuntimeFunc returns the running runtime, starting it if needed.
type RuntimeFunc func(ctx context.Context) (Runtime, error)

// ClientRuntime adapts backend.Client to Runtime.
type ClientRuntime struct {
	*backend.Client
}

// Subscribe opens the runtime event stream.
func (c ClientRuntime) Subscribe(ctx context.Context) (EventSource, error) {
	stream, err := c.Client.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// ProviderSource exposes the configured tool providers. mcp.Store implements it.
type ProviderSource interface {
	ListEnabled() []string
	KnownNames() []string
	ToolPolicy() json.RawMessage
}

// ModelSource resolves the default model. models.Resolver implements it.
type ModelSource interface {
	ResolveDefault(ctx context.Context) *backend.ModelRef
}

// TurnRecorder receives turn metrics. observability.Metrics implements it.
type TurnRecorder interface {
	TurnStarted()
	RecordTurn(outcome string, durationSeconds float64)
	RecordStreamEvent(eventType string)
}

// Config tunes turns.
type Config struct {
	TurnTimeout        time.Duration
	DefaultAgent       string
	AskAgent           string
	SystemPrompt       string
	StructuredKeywords []string
	// BufferSize is the capacity of each turn's output channel.
	BufferSize int
}

// Deps are the collaborators of a Service. Runtime, Providers and Policy are
// required.
type Deps struct {
	Runtime   RuntimeFunc
	Providers ProviderSource
	Policy    *access.Policy
	Models    ModelSource
	Sessions  sessions.Index
	Metrics   TurnRecorder
	Journal   *observability.EventRecorder
	Tracer    *observability.Tracer
	Logger    *slog.Logger
}

// Service runs turns.
type Service struct {
	cfg       Config
	runtime   RuntimeFunc
	providers ProviderSource
	policy    *access.Policy
	models    ModelSource
	sessions  sessions.Index
	metrics   TurnRecorder
	journal   *observability.EventRecorder
	tracer    *observability.Tracer
	logger    *slog.Logger
}

// New builds a Service, filling config defaults.
func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Runtime == nil {
		return nil, errors.New("runtime func is required")
	}
	if deps.Providers == nil {
		return nil, errors.New("provider source is required")
	}
	if deps.Policy == nil {
		return nil, errors.New("access policy is required")
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.DefaultAgent == "" {
		cfg.DefaultAgent = DefaultAgent
	}
	if cfg.AskAgent == "" {
		cfg.AskAgent = DefaultAskAgent
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.StructuredKeywords == nil {
		cfg.StructuredKeywords = DefaultStructuredKeywords
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{ServiceName: "campusgate"})
	}
	return &Service{
		cfg:       cfg,
		runtime:   deps.Runtime,
		providers: deps.Providers,
		policy:    deps.Policy,
		models:    deps.Models,
		sessions:  deps.Sessions,
		metrics:   deps.Metrics,
		journal:   deps.Journal,
		tracer:    tracer,
		logger:    logger.With("component", "proxy"),
	}, nil
}

// Turn starts a chat turn and returns its event stream. The channel is closed
// after the done event. Callers must drain it; cancelling ctx (for example on
// client disconnect) ends the turn early.
func (s *Service) Turn(ctx context.Context, caller access.Caller, req ChatRequest) <-chan StreamEvent {
	out := make(chan StreamEvent, s.cfg.BufferSize)
	go s.run(ctx, caller, req, out)
	return out
}

// Collect runs a turn to completion and returns every event.
func (s *Service) Collect(ctx context.Context, caller access.Caller, req ChatRequest) []StreamEvent {
	var events []StreamEvent
	for ev := range s.Turn(ctx, caller, req) {
		events = append(events, ev)
	}
	return events
}

func (s *Service) run(ctx context.Context, caller access.Caller, req ChatRequest, out chan<- StreamEvent) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "proxy.turn", observability.SpanOptions{
		Kind: trace.SpanKindServer,
		Attributes: []attribute.KeyValue{
			attribute.String("caller.role", caller.Role.String()),
			attribute.Bool("session.resumed", req.SessionID != ""),
		},
	})

	t := &turn{
		svc:               s,
		ctx:               ctx,
		span:              span,
		out:               out,
		userID:            caller.ID,
		tools:             newToolTracker(),
		userMessages:      map[string]bool{},
		assistantMessages: map[string]bool{},
		partTypes:         map[string]string{},
		textSeen:          map[string]int{},
	}
	if s.metrics != nil {
		s.metrics.TurnStarted()
	}
	outcome := "completed"
	defer func() {
		s.tracer.SetAttributes(span, "turn.outcome", outcome, "session.id", t.sessionID)
		span.End()
		t.journal(observability.EventTypeTurnEnd, outcome, time.Since(start), nil)
		if s.metrics != nil {
			s.metrics.RecordTurn(outcome, time.Since(start).Seconds())
		}
		s.logger.InfoContext(t.ctx, "turn finished",
			"user_id", caller.ID,
			"outcome", outcome,
			"duration", time.Since(start))
		t.emit(doneEvent())
		close(out)
	}()

	if err := req.Validate(); err != nil {
		outcome = "invalid"
		t.emit(errorEvent("%v", err))
		return
	}

	// The deadline covers the whole turn, runtime spawn included.
	turnCtx, cancel := context.WithTimeoutCause(ctx, s.cfg.TurnTimeout, ErrTurnTimeout)
	defer cancel()

	base, err := s.runtime(turnCtx)
	if err != nil {
		outcome = s.interrupted(turnCtx, t)
		if outcome == "" {
			outcome = "runtime_unavailable"
			s.tracer.RecordError(span, err)
			s.logger.ErrorContext(ctx, "agent runtime unavailable", "error", err)
			t.emit(errorEvent("agent runtime unavailable: %v", err))
		}
		return
	}

	rt := tracedRuntime{rt: base, tracer: s.tracer}

	sessionID, err := s.resolveSession(turnCtx, rt, caller, req)
	if err != nil {
		outcome = s.interrupted(turnCtx, t)
		if outcome == "" {
			outcome = "error"
			s.tracer.RecordError(span, err)
			t.emit(errorEvent("%v", err))
		}
		return
	}
	t.sessionID = sessionID
	turnCtx = observability.AddSessionID(turnCtx, sessionID)
	t.ctx = turnCtx
	t.emit(metaEvent(sessionID))
	t.journal(observability.EventTypeTurnStart, "turn", 0, map[string]any{
		"role":    caller.Role.String(),
		"resumed": req.SessionID != "",
	})

	allowed := s.policy.ProvidersFor(caller, s.providers.ListEnabled())
	prompt, err := s.buildPrompt(turnCtx, caller, req, allowed)
	if err != nil {
		outcome = "error"
		t.emit(errorEvent("%v", err))
		return
	}

	t.stream(turnCtx, rt, prompt)

	aborted := turnCtx.Err() != nil
	timedOut := errors.Is(context.Cause(turnCtx), ErrTurnTimeout)
	if !aborted {
		t.reconcile(turnCtx, rt)
	}

	switch {
	case t.sessionErr != nil:
		outcome = "assistant_error"
		t.emit(StreamEvent{Type: EventAssistantError, Error: t.sessionErr})
	case timedOut:
		outcome = "timeout"
		if !t.streamedText {
			t.emit(s.timeoutEvent())
		}
	case aborted:
		// The client went away; the disconnect is the explanation.
		outcome = "canceled"
	case t.fatal != nil:
		outcome = "error"
		s.tracer.RecordError(span, t.fatal)
		s.logger.WarnContext(t.ctx, "turn failed", "error", t.fatal)
		t.emit(errorEvent("%v", t.fatal))
	}
}

// resolveSession reuses the caller's session or creates one, and keeps the
// session index current. Index failures never fail the turn.
func (s *Service) resolveSession(ctx context.Context, rt Runtime, caller access.Caller, req ChatRequest) (string, error) {
	now := time.Now()
	if req.SessionID != "" {
		if s.sessions != nil {
			rec, err := s.sessions.Get(ctx, req.SessionID)
			switch {
			case err == nil && rec.UserID != "" && caller.ID != "" && rec.UserID != caller.ID:
				return "", ErrSessionForeign
			case err == nil:
				s.touch(req.SessionID, now)
			case errors.Is(err, sessions.ErrNotFound):
				s.record(caller, req.SessionID, req.Title, now)
			default:
				s.logger.Warn("session index lookup failed", "session_id", req.SessionID, "error", err)
			}
		}
		return req.SessionID, nil
	}

	session, err := rt.CreateSession(ctx, req.Title)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	s.record(caller, session.ID, req.Title, now)
	return session.ID, nil
}

func (s *Service) record(caller access.Caller, sessionID, title string, at time.Time) {
	if s.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	rec := sessions.Record{
		SessionID:  sessionID,
		UserID:     caller.ID,
		Role:       caller.Role.String(),
		Title:      title,
		CreatedAt:  at,
		LastTurnAt: at,
		Turns:      1,
	}
	if err := s.sessions.Record(ctx, rec); err != nil {
		s.logger.Warn("failed to index session", "session_id", sessionID, "error", err)
	}
}

func (s *Service) touch(sessionID string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.sessions.Touch(ctx, sessionID, at); err != nil {
		s.logger.Warn("failed to touch session", "session_id", sessionID, "error", err)
	}
}

func (s *Service) buildPrompt(ctx context.Context, caller access.Caller, req ChatRequest, allowed []string) (backend.PromptRequest, error) {
	prompt := backend.NewTextPrompt(req.Message)
	prompt.Agent = agentFor(req, s.cfg.DefaultAgent, s.cfg.AskAgent)
	prompt.System = buildSystemPrompt(
		s.cfg.SystemPrompt,
		caller.Role,
		allowed,
		wantsStructured(req.Message, s.cfg.StructuredKeywords),
	)

	tools, err := access.ToolExposure(caller.Role, s.providers.ToolPolicy(), allowed, s.providers.KnownNames())
	if err != nil {
		return prompt, fmt.Errorf("build tool policy: %w", err)
	}
	prompt.Tools = tools

	if ref := req.modelRef(); ref != nil {
		prompt.Model = ref
	} else if s.models != nil {
		prompt.Model = s.models.ResolveDefault(ctx)
	}
	return prompt, nil
}

// interrupted reports the outcome of a turn whose context ended before the
// runtime answered, or "" when it is still live. A timeout is reported to the
// client; a disconnect is not.
func (s *Service) interrupted(turnCtx context.Context, t *turn) string {
	switch {
	case errors.Is(context.Cause(turnCtx), ErrTurnTimeout):
		t.emit(s.timeoutEvent())
		return "timeout"
	case turnCtx.Err() != nil:
		return "canceled"
	default:
		return ""
	}
}

func (s *Service) timeoutEvent() StreamEvent {
	return errorEvent("Timed out after %ds", int(math.Ceil(s.cfg.TurnTimeout.Seconds())))
}
