package proxy

import (
	"context"

	"github.com/haasonsaas/campusgate/internal/backend"
	"github.com/haasonsaas/campusgate/internal/observability"
)

// tracedRuntime opens a client span around every runtime call of a turn.
type tracedRuntime struct {
	rt     Runtime
	tracer *observability.Tracer
}

func (r tracedRuntime) CreateSession(ctx context.Context, title string) (*backend.Session, error) {
	ctx, span := r.tracer.TraceRuntimeCall(ctx, "create_session")
	defer span.End()
	session, err := r.rt.CreateSession(ctx, title)
	r.tracer.RecordError(span, err)
	return session, err
}

func (r tracedRuntime) PromptAsync(ctx context.Context, sessionID string, req backend.PromptRequest) error {
	ctx, span := r.tracer.TraceRuntimeCall(ctx, "prompt_async")
	defer span.End()
	r.tracer.SetAttributes(span, "session.id", sessionID, "agent", req.Agent)
	err := r.rt.PromptAsync(ctx, sessionID, req)
	r.tracer.RecordError(span, err)
	return err
}

func (r tracedRuntime) Messages(ctx context.Context, sessionID string) ([]backend.Message, error) {
	ctx, span := r.tracer.TraceRuntimeCall(ctx, "messages")
	defer span.End()
	messages, err := r.rt.Messages(ctx, sessionID)
	r.tracer.RecordError(span, err)
	r.tracer.SetAttributes(span, "messages.count", len(messages))
	return messages, err
}

// Subscribe traces opening the stream only; the stream outlives the span.
func (r tracedRuntime) Subscribe(ctx context.Context) (EventSource, error) {
	ctx, span := r.tracer.TraceRuntimeCall(ctx, "subscribe")
	defer span.End()
	src, err := r.rt.Subscribe(ctx)
	r.tracer.RecordError(span, err)
	return src, err
}
