package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/haasonsaas/campusgate/internal/access"
	"github.com/haasonsaas/campusgate/internal/backend"
	"github.com/haasonsaas/campusgate/internal/observability"
)

func TestTurnStreamsDeltasAndTools(t *testing.T) {
	h := newHarness(t, Config{})
	sid := "ses_new"
	h.rt.onPrompt = func(send func(backend.Event)) {
		send(messageUpdated(t, sid, "msg_user", "user"))
		send(textPart(t, sid, "msg_user", "prt_user", "what is my timetable?", ""))
		send(messageUpdated(t, sid, "msg_a", "assistant"))
		send(toolPart(t, sid, "msg_a", "student_2024_query", "call_1", "pending"))
		send(textPart(t, sid, "msg_a", "prt_1", "Hel", "Hel"))
		send(partDelta(t, sid, "msg_a", "prt_1", "lo"))
		send(toolPart(t, sid, "msg_a", "student_2024_query", "call_1", "completed"))
		send(toolPart(t, sid, "msg_a", "student_2024_query", "call_1", "completed"))
		send(textPart(t, "ses_other", "msg_x", "prt_x", "noise", "noise"))
		send(idle(t, "ses_other"))
		send(idle(t, sid))
	}
	h.rt.messages = []backend.Message{{
		Info: backend.MessageInfo{ID: "msg_a", SessionID: sid, Role: "assistant"},
		Parts: []backend.Part{
			{Type: "text", Text: "Hello"},
			{Type: "tool", Tool: "student_2024_query", CallID: "call_1", MessageID: "msg_a", State: &backend.ToolState{Status: "completed"}},
			{Type: "tool", Tool: "student_2022_query", MessageID: "msg_a", State: &backend.ToolState{Status: "completed", Title: "2022 cohort"}},
		},
	}}

	events := h.svc.Collect(context.Background(), student(), ChatRequest{Message: "what is my timetable?", Title: "Timetable"})
	checkShape(t, events)

	want := []EventType{EventMeta, EventTool, EventDelta, EventDelta, EventTool, EventTool, EventDone}
	if got := types(events); !reflect.DeepEqual(got, want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	if events[0].SessionID != sid {
		t.Fatalf("meta session = %q", events[0].SessionID)
	}
	if events[2].Text+events[3].Text != "Hello" {
		t.Fatalf("deltas = %q + %q", events[2].Text, events[3].Text)
	}
	if events[1].CallID != "call_1" || events[1].Status != "pending" || events[4].Status != "completed" {
		t.Fatalf("tool events = %+v, %+v", events[1], events[4])
	}
	missed := events[5]
	if missed.CallID != "student_2022_query:msg_a" || missed.Title != "2022 cohort" {
		t.Fatalf("completeness tool event = %+v", missed)
	}

	h.rt.mu.Lock()
	order := append([]string(nil), h.rt.order...)
	created := append([]string(nil), h.rt.created...)
	h.rt.mu.Unlock()
	if order[0] != "subscribe" || order[1] != "prompt" {
		t.Fatalf("call order = %v, want subscribe before prompt", order)
	}
	if !reflect.DeepEqual(created, []string{"Timetable"}) {
		t.Fatalf("created sessions = %v", created)
	}

	rec, err := h.index.Get(context.Background(), sid)
	if err != nil || rec.UserID != "u1" || rec.Title != "Timetable" {
		t.Fatalf("indexed session = %+v, %v", rec, err)
	}
	if h.metrics.outcomes[0] != "completed" || h.metrics.events["done"] != 1 {
		t.Fatalf("metrics = %v %v", h.metrics.outcomes, h.metrics.events)
	}
}

func TestTurnFallbackEmitsFinalText(t *testing.T) {
	h := newHarness(t, Config{})
	sid := "ses_new"
	h.rt.onPrompt = func(send func(backend.Event)) {
		send(idle(t, sid))
	}
	h.rt.messages = []backend.Message{
		{Info: backend.MessageInfo{Role: "user"}, Parts: []backend.Part{{Type: "text", Text: "hi"}}},
		{Info: backend.MessageInfo{Role: "assistant"}, Parts: []backend.Part{
			{Type: "text", Text: "Full "},
			{Type: "reasoning", Text: "thinking"},
			{Type: "text", Text: "answer"},
		}},
	}

	events := h.svc.Collect(context.Background(), student(), ChatRequest{Message: "hi"})
	checkShape(t, events)
	if got, want := types(events), []EventType{EventMeta, EventDelta, EventDone}; !reflect.DeepEqual(got, want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	if events[1].Text != "Full answer" {
		t.Fatalf("fallback text = %q", events[1].Text)
	}
}

func TestTurnSynthesizesDeltaFromFullText(t *testing.T) {
	h := newHarness(t, Config{})
	sid := "ses_new"
	h.rt.onPrompt = func(send func(backend.Event)) {
		send(messageUpdated(t, sid, "msg_a", "assistant"))
		send(textPart(t, sid, "msg_a", "prt_1", "Good", ""))
		send(textPart(t, sid, "msg_a", "prt_1", "Good morning", ""))
		send(idle(t, sid))
	}
	events := h.svc.Collect(context.Background(), student(), ChatRequest{Message: "hi"})
	checkShape(t, events)
	var text string
	for _, ev := range events {
		if ev.Type == EventDelta {
			text += ev.Text
		}
	}
	if text != "Good morning" {
		t.Fatalf("streamed text = %q", text)
	}
}

func TestTurnAssistantError(t *testing.T) {
	h := newHarness(t, Config{})
	sid := "ses_new"
	payload := `{"name":"ProviderAuthError","data":{"message":"invalid api key"}}`
	h.rt.onPrompt = func(send func(backend.Event)) {
		send(sessionError(t, "ses_other", `{"name":"Other"}`))
		send(sessionError(t, sid, payload))
		send(idle(t, sid))
	}

	events := h.svc.Collect(context.Background(), student(), ChatRequest{Message: "hi"})
	checkShape(t, events)
	if got, want := types(events), []EventType{EventMeta, EventAssistantError, EventDone}; !reflect.DeepEqual(got, want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	if string(events[1].Error) != payload {
		t.Fatalf("assistant error = %s", events[1].Error)
	}
}

func TestTurnJournalTimeline(t *testing.T) {
	h := newHarness(t, Config{})
	sid := "ses_new"
	h.rt.onPrompt = func(send func(backend.Event)) {
		send(messageUpdated(t, sid, "msg_a", "assistant"))
		send(toolPart(t, sid, "msg_a", "student_2024_query", "call_1", "running"))
		send(sessionError(t, sid, `{"name":"ProviderAuthError"}`))
		send(idle(t, sid))
	}

	h.svc.Collect(context.Background(), student(), ChatRequest{Message: "hi"})

	tl := h.journal.Session(sid)
	got := make([]observability.EventType, 0, len(tl.Events))
	for _, e := range tl.Events {
		got = append(got, e.Type)
		if e.UserID != "u1" {
			t.Errorf("event %s user = %q", e.Type, e.UserID)
		}
	}
	want := []observability.EventType{
		observability.EventTypeTurnStart,
		observability.EventTypeToolUpdate,
		observability.EventTypeTurnError,
		observability.EventTypeTurnEnd,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("journal = %v, want %v", got, want)
	}
	if tl.Events[3].Name != "assistant_error" {
		t.Fatalf("turn end outcome = %q", tl.Events[3].Name)
	}
	if tl.Summary.Turns != 1 || tl.Summary.ErrorCount != 1 {
		t.Fatalf("summary = %+v", tl.Summary)
	}
}

func TestTurnTracesRuntimeCalls(t *testing.T) {
	h := newHarness(t, Config{})
	rec := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	h.svc.tracer = observability.NewTracerWithProvider(provider, "test")

	sid := "ses_new"
	h.rt.onPrompt = func(send func(backend.Event)) {
		send(messageUpdated(t, sid, "msg_a", "assistant"))
		send(toolPart(t, sid, "msg_a", "student_2024_query", "call_1", "running"))
		send(idle(t, sid))
	}
	h.svc.Collect(context.Background(), student(), ChatRequest{Message: "hi"})

	spans := map[string]sdktrace.ReadOnlySpan{}
	for _, span := range rec.Ended() {
		spans[span.Name()] = span
	}
	root, ok := spans["proxy.turn"]
	if !ok {
		t.Fatalf("no turn span among %v", spans)
	}
	for _, name := range []string{"runtime.create_session", "runtime.subscribe", "runtime.prompt_async", "runtime.messages"} {
		span, ok := spans[name]
		if !ok {
			t.Fatalf("missing span %s", name)
		}
		if span.Parent().SpanID() != root.SpanContext().SpanID() {
			t.Fatalf("%s is not a child of the turn span", name)
		}
	}
	events := root.Events()
	if len(events) != 1 || events[0].Name != "tool.update" {
		t.Fatalf("turn span events = %+v", events)
	}
}

func TestTurnTimeoutWithoutOutput(t *testing.T) {
	h := newHarness(t, Config{TurnTimeout: 100 * time.Millisecond})

	events := h.svc.Collect(context.Background(), student(), ChatRequest{Message: "hi"})
	checkShape(t, events)
	if got, want := types(events), []EventType{EventMeta, EventError, EventDone}; !reflect.DeepEqual(got, want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	if events[1].Message != "Timed out after 1s" {
		t.Fatalf("timeout message = %q", events[1].Message)
	}
	if h.rt.messagesN.Load() != 0 {
		t.Fatal("fallback must not run after an aborted turn")
	}
	waitClosed(t, h.rt.source)
}

func TestTurnTimeoutAfterOutputIsClean(t *testing.T) {
	h := newHarness(t, Config{TurnTimeout: 150 * time.Millisecond})
	sid := "ses_new"
	h.rt.onPrompt = func(send func(backend.Event)) {
		send(textPart(t, sid, "msg_a", "prt_1", "partial", "partial"))
	}

	events := h.svc.Collect(context.Background(), student(), ChatRequest{Message: "hi"})
	checkShape(t, events)
	if got, want := types(events), []EventType{EventMeta, EventDelta, EventDone}; !reflect.DeepEqual(got, want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
}

func TestTurnClientDisconnect(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	out := h.svc.Turn(ctx, student(), ChatRequest{Message: "hi"})

	first := <-out
	if first.Type != EventMeta {
		t.Fatalf("first event = %v", first.Type)
	}
	<-h.rt.subscribed
	cancel()

	var rest []StreamEvent
	for ev := range out {
		rest = append(rest, ev)
	}
	all := append([]StreamEvent{first}, rest...)
	checkShape(t, all)
	if got, want := types(all), []EventType{EventMeta, EventDone}; !reflect.DeepEqual(got, want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	waitClosed(t, h.rt.source)
	if h.metrics.outcomes[0] != "canceled" {
		t.Fatalf("outcome = %v", h.metrics.outcomes)
	}
}

func TestTurnSubmitFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.rt.promptErr = errors.New("model not found")

	events := h.svc.Collect(context.Background(), student(), ChatRequest{Message: "hi"})
	checkShape(t, events)
	if got, want := types(events), []EventType{EventMeta, EventError, EventDone}; !reflect.DeepEqual(got, want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	if !strings.Contains(events[1].Message, "model not found") {
		t.Fatalf("error message = %q", events[1].Message)
	}
}

func TestTurnRuntimeUnavailable(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.runtime = func(ctx context.Context) (Runtime, error) {
		return nil, errors.New("startup timed out")
	}
	events := h.svc.Collect(context.Background(), student(), ChatRequest{Message: "hi"})
	checkShape(t, events)
	if got, want := types(events), []EventType{EventError, EventDone}; !reflect.DeepEqual(got, want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
}

// blockingRuntime stands in for a runtime that is still spawning.
func blockingRuntime(started chan<- struct{}) RuntimeFunc {
	return func(ctx context.Context) (Runtime, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func TestTurnDisconnectWhileRuntimeStarts(t *testing.T) {
	h := newHarness(t, Config{})
	started := make(chan struct{})
	h.svc.runtime = blockingRuntime(started)

	ctx, cancel := context.WithCancel(context.Background())
	out := h.svc.Turn(ctx, student(), ChatRequest{Message: "hi"})
	<-started
	cancel()

	var events []StreamEvent
	for ev := range out {
		events = append(events, ev)
	}
	checkShape(t, events)
	if got, want := types(events), []EventType{EventDone}; !reflect.DeepEqual(got, want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	if h.metrics.outcomes[0] != "canceled" {
		t.Fatalf("outcome = %v", h.metrics.outcomes)
	}
}

func TestTurnDeadlineCoversRuntimeStart(t *testing.T) {
	h := newHarness(t, Config{TurnTimeout: 100 * time.Millisecond})
	h.svc.runtime = blockingRuntime(make(chan struct{}))

	events := h.svc.Collect(context.Background(), student(), ChatRequest{Message: "hi"})
	checkShape(t, events)
	if got, want := types(events), []EventType{EventError, EventDone}; !reflect.DeepEqual(got, want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	if events[0].Message != "Timed out after 1s" {
		t.Fatalf("timeout message = %q", events[0].Message)
	}
	if h.metrics.outcomes[0] != "timeout" {
		t.Fatalf("outcome = %v", h.metrics.outcomes)
	}
}

func TestTurnCreateSessionFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.rt.createErr = errors.New("boom")
	events := h.svc.Collect(context.Background(), student(), ChatRequest{Message: "hi"})
	checkShape(t, events)
	if got, want := types(events), []EventType{EventError, EventDone}; !reflect.DeepEqual(got, want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
}

func TestTurnEmptyMessage(t *testing.T) {
	h := newHarness(t, Config{})
	events := h.svc.Collect(context.Background(), student(), ChatRequest{Message: "   "})
	checkShape(t, events)
	if events[0].Type != EventError || events[0].Message != ErrEmptyMessage.Error() {
		t.Fatalf("events = %+v", events)
	}
}

func TestTurnReusesSession(t *testing.T) {
	h := newHarness(t, Config{})
	h.rt.onPrompt = func(send func(backend.Event)) {
		send(idle(t, "ses_existing"))
	}
	events := h.svc.Collect(context.Background(), student(), ChatRequest{SessionID: "ses_existing", Message: "again"})
	checkShape(t, events)
	if events[0].SessionID != "ses_existing" {
		t.Fatalf("meta session = %q", events[0].SessionID)
	}
	if len(h.rt.created) != 0 {
		t.Fatal("an existing session must not be recreated")
	}
	if _, err := h.index.Get(context.Background(), "ses_existing"); err != nil {
		t.Fatalf("session not indexed: %v", err)
	}
}

func TestTurnRejectsForeignSession(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.record(access.Caller{ID: "someone-else", Role: access.RoleStudent}, "ses_theirs", "", time.Now())

	events := h.svc.Collect(context.Background(), student(), ChatRequest{SessionID: "ses_theirs", Message: "hi"})
	checkShape(t, events)
	if got, want := types(events), []EventType{EventError, EventDone}; !reflect.DeepEqual(got, want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	if events[0].Message != ErrSessionForeign.Error() {
		t.Fatalf("error = %q", events[0].Message)
	}
}

func TestTurnPromptForStudent(t *testing.T) {
	h := newHarness(t, Config{})
	h.rt.onPrompt = func(send func(backend.Event)) { send(idle(t, "ses_new")) }

	caller := access.Caller{ID: "u1", Role: access.RoleStudent, VerifiedAllow: []string{"student_2024"}}
	h.svc.Collect(context.Background(), caller, ChatRequest{
		Message:       "Show my marks as a table",
		AgentOverride: "plan",
	})

	prompt := h.rt.lastPrompt(t)
	if prompt.Agent != "plan" {
		t.Fatalf("agent = %q", prompt.Agent)
	}
	if prompt.Model == nil || prompt.Model.ModelID != "claude-sonnet-4" {
		t.Fatalf("model = %+v", prompt.Model)
	}
	if !strings.Contains(prompt.System, restrictedGuidance) {
		t.Fatal("missing restricted-role guidance")
	}
	if !strings.Contains(prompt.System, structuredGuidance) {
		t.Fatal("missing structured-output guidance")
	}
	if !strings.Contains(prompt.System, "Only the student_2024 knowledge base") {
		t.Fatalf("system prompt = %q", prompt.System)
	}
	var tools map[string]bool
	if err := json.Unmarshal(prompt.Tools, &tools); err != nil {
		t.Fatalf("tools policy: %v", err)
	}
	if want := map[string]bool{"faculty_*": false, "student_2022_*": false}; !reflect.DeepEqual(tools, want) {
		t.Fatalf("tools = %v, want %v", tools, want)
	}
	if len(prompt.Parts) != 1 || prompt.Parts[0].Text != "Show my marks as a table" {
		t.Fatalf("parts = %+v", prompt.Parts)
	}
}

func TestTurnPromptAskModeAndExplicitModel(t *testing.T) {
	h := newHarness(t, Config{})
	h.rt.onPrompt = func(send func(backend.Event)) { send(idle(t, "ses_new")) }

	caller := access.Caller{ID: "admin", Role: access.RoleAdmin}
	h.svc.Collect(context.Background(), caller, ChatRequest{
		Message:       "hello",
		Mode:          "ask",
		AgentOverride: "plan",
		Model:         &ModelSelection{ProviderID: "anthropic", ModelID: "claude-opus"},
	})

	prompt := h.rt.lastPrompt(t)
	if prompt.Agent != DefaultAskAgent {
		t.Fatalf("agent = %q, want %q", prompt.Agent, DefaultAskAgent)
	}
	if prompt.Model == nil || prompt.Model.ProviderID != "anthropic" || prompt.Model.ModelID != "claude-opus" {
		t.Fatalf("model = %+v", prompt.Model)
	}
	if prompt.Tools != nil {
		t.Fatalf("admin tools = %s, want stored policy (none)", prompt.Tools)
	}
	if strings.Contains(prompt.System, restrictedGuidance) {
		t.Fatal("admin must not get restricted guidance")
	}
	if !strings.Contains(prompt.System, "Consult every one") {
		t.Fatal("missing multi-source guidance")
	}
}

func TestNewRequiresDeps(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Fatal("expected error for missing deps")
	}
}
