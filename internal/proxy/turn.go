package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/campusgate/internal/backend"
	"github.com/haasonsaas/campusgate/internal/observability"
)

// turn is the per-turn state of the stream loop.
type turn struct {
	svc *Service
	// ctx carries the caller and, once known, the session id for logs and
	// the journal. It may already be done when the turn winds down.
	ctx       context.Context
	span      trace.Span
	out       chan<- StreamEvent
	sessionID string
	userID    string
	tools     *toolTracker

	streamedText bool
	sessionErr   json.RawMessage
	fatal        error

	userMessages      map[string]bool
	assistantMessages map[string]bool
	partTypes         map[string]string
	// textSeen counts the bytes of each text part already emitted.
	textSeen map[string]int
}

type pulled struct {
	ev  backend.Event
	err error
}

func (t *turn) emit(ev StreamEvent) {
	t.out <- ev
	if t.svc.metrics != nil {
		t.svc.metrics.RecordStreamEvent(string(ev.Type))
	}
	switch ev.Type {
	case EventTool:
		t.svc.tracer.AddEvent(t.span, "tool.update", "tool", ev.Name, "status", ev.Status)
		t.journal(observability.EventTypeToolUpdate, ev.Name, 0, map[string]any{
			"call_id": ev.CallID,
			"status":  ev.Status,
		})
	case EventAssistantError:
		t.journalError(string(ev.Error))
	case EventError:
		t.journalError(ev.Message)
	}
}

// journal records a turn event once the session is known.
func (t *turn) journal(typ observability.EventType, name string, d time.Duration, data map[string]any) {
	if t.svc.journal == nil || t.sessionID == "" {
		return
	}
	t.svc.journal.Record(t.ctx, &observability.Event{
		Type:      typ,
		UserID:    t.userID,
		Name:      name,
		Data:      data,
		Duration:  d,
	})
}

func (t *turn) journalError(msg string) {
	if t.svc.journal == nil || t.sessionID == "" {
		return
	}
	t.svc.journal.Record(t.ctx, &observability.Event{
		Type:      observability.EventTypeTurnError,
		UserID:    t.userID,
		Name:      "turn",
		Error:     msg,
	})
}

// stream subscribes to runtime events, submits the prompt concurrently and
// translates events until the session goes idle, the submission fails, the
// stream breaks or ctx ends. The subscription is open before the prompt is
// submitted so early events are not lost.
func (t *turn) stream(ctx context.Context, rt Runtime, prompt backend.PromptRequest) {
	src, err := rt.Subscribe(ctx)
	if err != nil {
		if ctx.Err() == nil {
			t.fatal = fmt.Errorf("subscribe to runtime events: %w", err)
		}
		return
	}
	defer src.Close()

	events := make(chan pulled, 16)
	go pump(ctx, src, events)

	submitResult := make(chan error, 1)
	go func() {
		submitResult <- rt.PromptAsync(ctx, t.sessionID, prompt)
	}()

	submitted := submitResult
	submitDone := false
	var submitErr error

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-submitted:
			submitDone = true
			submitted = nil
			if err != nil {
				submitErr = err
				break loop
			}
		case p, ok := <-events:
			if !ok {
				break loop
			}
			if p.err != nil {
				if !errors.Is(p.err, io.EOF) && ctx.Err() == nil {
					t.fatal = fmt.Errorf("runtime event stream: %w", p.err)
				}
				break loop
			}
			if t.handle(p.ev) {
				break loop
			}
		}
	}
	_ = src.Close()

	// Await the submission so a rejection is not lost.
	if !submitDone {
		submitErr = <-submitResult
	}
	if submitErr != nil && t.fatal == nil && ctx.Err() == nil {
		t.fatal = fmt.Errorf("submit prompt: %w", submitErr)
	}
}

func pump(ctx context.Context, src EventSource, out chan<- pulled) {
	defer close(out)
	for {
		ev, err := src.Next()
		select {
		case out <- pulled{ev: ev, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// handle translates one runtime event. It reports whether the session
// signalled the end of the turn.
func (t *turn) handle(ev backend.Event) bool {
	switch ev.Type {
	case backend.EventMessageUpdated:
		var payload backend.MessageUpdated
		if !t.decode(ev, &payload) || payload.Info.SessionID != t.sessionID {
			return false
		}
		switch payload.Info.Role {
		case "user":
			t.userMessages[payload.Info.ID] = true
		case "assistant":
			t.assistantMessages[payload.Info.ID] = true
		}

	case backend.EventPartUpdated:
		var payload backend.PartUpdated
		if !t.decode(ev, &payload) || payload.Part.SessionID != t.sessionID {
			return false
		}
		part := payload.Part
		t.partTypes[part.ID] = part.Type
		switch part.Type {
		case "text":
			t.handleText(part, payload.Delta)
		case "tool":
			if out, ok := t.tools.observe(part); ok {
				t.emit(out)
			}
		}

	case backend.EventPartDelta:
		var payload backend.PartDelta
		if !t.decode(ev, &payload) || payload.SessionID != t.sessionID {
			return false
		}
		if payload.Field != "" && payload.Field != "text" {
			return false
		}
		if typ, ok := t.partTypes[payload.PartID]; ok && typ != "text" {
			return false
		}
		if t.userMessages[payload.MessageID] {
			return false
		}
		t.emitText(payload.PartID, payload.Delta)

	case backend.EventSessionError:
		var payload backend.SessionSignal
		if !t.decode(ev, &payload) || payload.SessionID != t.sessionID {
			return false
		}
		t.captureSessionError(payload.Error)

	case backend.EventSessionIdle:
		var payload backend.SessionSignal
		return t.decode(ev, &payload) && payload.SessionID == t.sessionID

	case backend.EventSessionState:
		var payload backend.SessionStatus
		return t.decode(ev, &payload) && payload.SessionID == t.sessionID && payload.Status.Type == "idle"
	}
	return false
}

func (t *turn) decode(ev backend.Event, into any) bool {
	if err := json.Unmarshal(ev.Properties, into); err != nil {
		t.svc.logger.Debug("skipping undecodable runtime event", "type", ev.Type, "error", err)
		return false
	}
	return true
}

// handleText emits the increment of a text part. An explicit delta is used
// as is; without one, the unseen suffix of the full text is emitted, but only
// for parts of messages known to come from the assistant.
func (t *turn) handleText(part backend.Part, delta string) {
	if t.userMessages[part.MessageID] {
		return
	}
	if delta != "" {
		t.emitText(part.ID, delta)
		return
	}
	if !t.assistantMessages[part.MessageID] {
		return
	}
	if seen := t.textSeen[part.ID]; len(part.Text) > seen {
		t.emitText(part.ID, part.Text[seen:])
	}
}

func (t *turn) emitText(partID, text string) {
	if text == "" {
		return
	}
	t.textSeen[partID] += len(text)
	t.streamedText = true
	t.emit(deltaEvent(text))
}

func (t *turn) captureSessionError(payload json.RawMessage) {
	if t.sessionErr != nil {
		return
	}
	if len(payload) == 0 || string(payload) == "null" {
		payload = json.RawMessage(unknownSessionError)
	}
	t.sessionErr = append(json.RawMessage(nil), payload...)
}

// reconcile runs after the stream loop. When nothing streamed it emits the
// last assistant message's full text as one delta, then it emits tool calls
// the live stream missed.
func (t *turn) reconcile(ctx context.Context, rt Runtime) {
	messages, err := rt.Messages(ctx, t.sessionID)
	if err != nil {
		t.svc.logger.WarnContext(t.ctx, "failed to fetch session messages", "error", err)
		return
	}
	last := lastAssistant(messages)
	if last == nil {
		return
	}
	if !t.streamedText {
		if text := last.Text(); text != "" {
			t.streamedText = true
			t.emit(deltaEvent(text))
		}
	}
	for _, part := range last.Parts {
		if part.Type != "tool" {
			continue
		}
		if out, ok := t.tools.observeNew(part); ok {
			t.emit(out)
		}
	}
	if len(last.Info.Error) > 0 && string(last.Info.Error) != "null" {
		t.captureSessionError(last.Info.Error)
	}
}

func lastAssistant(messages []backend.Message) *backend.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Info.Role == "assistant" {
			return &messages[i]
		}
	}
	return nil
}
