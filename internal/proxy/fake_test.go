package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/campusgate/internal/access"
	"github.com/haasonsaas/campusgate/internal/backend"
	"github.com/haasonsaas/campusgate/internal/observability"
	"github.com/haasonsaas/campusgate/internal/sessions"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource is a scripted event subscription.
type fakeSource struct {
	ctx    context.Context
	events chan backend.Event
	closed chan struct{}
	once   sync.Once
}

func (s *fakeSource) Next() (backend.Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return backend.Event{}, io.EOF
		}
		return ev, nil
	case <-s.closed:
		return backend.Event{}, errors.New("stream closed")
	case <-s.ctx.Done():
		return backend.Event{}, s.ctx.Err()
	}
}

func (s *fakeSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSource) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fakeRuntime records calls and replays a script once the prompt arrives.
type fakeRuntime struct {
	mu         sync.Mutex
	created    []string
	prompts    []backend.PromptRequest
	order      []string
	source     *fakeSource
	messages   []backend.Message
	messagesN  atomic.Int32
	promptErr  error
	createErr  error
	onPrompt   func(send func(backend.Event))
	subscribed chan struct{}
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{subscribed: make(chan struct{})}
}

func (f *fakeRuntime) CreateSession(ctx context.Context, title string) (*backend.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, title)
	return &backend.Session{ID: "ses_new"}, nil
}

func (f *fakeRuntime) PromptAsync(ctx context.Context, sessionID string, req backend.PromptRequest) error {
	f.mu.Lock()
	f.order = append(f.order, "prompt")
	f.prompts = append(f.prompts, req)
	src := f.source
	onPrompt := f.onPrompt
	f.mu.Unlock()
	if f.promptErr != nil {
		return f.promptErr
	}
	if onPrompt != nil && src != nil {
		go onPrompt(func(ev backend.Event) {
			select {
			case src.events <- ev:
			case <-src.closed:
			}
		})
	}
	return nil
}

func (f *fakeRuntime) Messages(ctx context.Context, sessionID string) ([]backend.Message, error) {
	f.messagesN.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages, nil
}

func (f *fakeRuntime) Subscribe(ctx context.Context) (EventSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, "subscribe")
	f.source = &fakeSource{ctx: ctx, events: make(chan backend.Event, 64), closed: make(chan struct{})}
	select {
	case <-f.subscribed:
	default:
		close(f.subscribed)
	}
	return f.source, nil
}

func (f *fakeRuntime) lastPrompt(t *testing.T) backend.PromptRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		t.Fatal("no prompt submitted")
	}
	return f.prompts[len(f.prompts)-1]
}

type staticProviders struct {
	enabled []string
	names   []string
	policy  json.RawMessage
}

func (p staticProviders) ListEnabled() []string { return p.enabled }
func (p staticProviders) KnownNames() []string { return p.names }
func (p staticProviders) ToolPolicy() json.RawMessage { return p.policy }

type fixedModel struct {
	ref *backend.ModelRef
}

func (m fixedModel) ResolveDefault(ctx context.Context) *backend.ModelRef {
	return m.ref
}

type turnCounter struct {
	mu       sync.Mutex
	started  int
	outcomes []string
	events   map[string]int
}

func (c *turnCounter) TurnStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started++
}

func (c *turnCounter) RecordTurn(outcome string, _ float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, outcome)
}

func (c *turnCounter) RecordStreamEvent(eventType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events == nil {
		c.events = map[string]int{}
	}
	c.events[eventType]++
}

type harness struct {
	svc     *Service
	rt      *fakeRuntime
	index   *sessions.MemoryIndex
	metrics *turnCounter
	journal *observability.EventRecorder
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	rt := newFakeRuntime()
	h := &harness{
		rt:      rt,
		index:   sessions.NewMemoryIndex(),
		metrics: &turnCounter{},
		journal: observability.NewEventRecorder(observability.NewMemoryEventStore(100)),
	}
	svc, err := New(cfg, Deps{
		Runtime: func(ctx context.Context) (Runtime, error) { return rt, nil },
		Providers: staticProviders{
			enabled: []string{"faculty", "student_2022", "student_2024"},
			names:   []string{"faculty", "student_2022", "student_2024"},
		},
		Policy:   access.NewPolicy(nil),
		Models:   fixedModel{ref: &backend.ModelRef{ProviderID: "opencode", ModelID: "claude-sonnet-4"}},
		Sessions: h.index,
		Metrics:  h.metrics,
		Journal:  h.journal,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.svc = svc
	return h
}

func props(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func messageUpdated(t *testing.T, sid, id, role string) backend.Event {
	return backend.Event{Type: backend.EventMessageUpdated, Properties: props(t, backend.MessageUpdated{
		Info: backend.MessageInfo{ID: id, SessionID: sid, Role: role},
	})}
}

func textPart(t *testing.T, sid, msg, part, text, delta string) backend.Event {
	return backend.Event{Type: backend.EventPartUpdated, Properties: props(t, backend.PartUpdated{
		Part:  backend.Part{ID: part, SessionID: sid, MessageID: msg, Type: "text", Text: text},
		Delta: delta,
	})}
}

func partDelta(t *testing.T, sid, msg, part, delta string) backend.Event {
	return backend.Event{Type: backend.EventPartDelta, Properties: props(t, backend.PartDelta{
		SessionID: sid, MessageID: msg, PartID: part, Field: "text", Delta: delta,
	})}
}

func toolPart(t *testing.T, sid, msg, tool, call, status string) backend.Event {
	return backend.Event{Type: backend.EventPartUpdated, Properties: props(t, backend.PartUpdated{
		Part: backend.Part{
			ID: "prt_" + tool, SessionID: sid, MessageID: msg, Type: "tool",
			Tool: tool, CallID: call, State: &backend.ToolState{Status: status},
		},
	})}
}

func idle(t *testing.T, sid string) backend.Event {
	return backend.Event{Type: backend.EventSessionIdle, Properties: props(t, backend.SessionSignal{SessionID: sid})}
}

func sessionError(t *testing.T, sid string, payload string) backend.Event {
	return backend.Event{Type: backend.EventSessionError, Properties: props(t, backend.SessionSignal{
		SessionID: sid, Error: json.RawMessage(payload),
	})}
}

// checkShape asserts the guarantees every turn must satisfy.
func checkShape(t *testing.T, events []StreamEvent) {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	dones, failures, metas := 0, 0, 0
	for i, ev := range events {
		switch ev.Type {
		case EventDone:
			dones++
			if i != len(events)-1 {
				t.Fatalf("done at %d of %d", i, len(events))
			}
		case EventError, EventAssistantError:
			failures++
			if i != len(events)-2 {
				t.Fatalf("%s at %d, expected just before done", ev.Type, i)
			}
		case EventMeta:
			metas++
			if i != 0 {
				t.Fatalf("meta at %d, expected first", i)
			}
		case EventDelta, EventTool:
			if metas == 0 {
				t.Fatalf("%s before meta", ev.Type)
			}
		}
	}
	if dones != 1 {
		t.Fatalf("done events = %d, want 1", dones)
	}
	if failures > 1 {
		t.Fatalf("failure events = %d, want at most 1", failures)
	}
	if metas > 1 {
		t.Fatalf("meta events = %d, want at most 1", metas)
	}
}

func types(events []StreamEvent) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func student() access.Caller {
	return access.Caller{ID: "u1", Role: access.RoleStudent}
}

func waitClosed(t *testing.T, src *fakeSource) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !src.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("subscription was not closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
