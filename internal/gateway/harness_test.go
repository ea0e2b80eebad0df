package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

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

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAgent is an httptest stand-in for the agent runtime's HTTP API.
type fakeAgent struct {
	mu     sync.Mutex
	calls  []string
	status map[string]backend.MCPStatus
	tools  []backend.Tool
	ids    []string
	srv    *httptest.Server
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	a := &fakeAgent{
		status: map[string]backend.MCPStatus{
			"student_2022": {Status: "connected"},
			"faculty":      {Status: "connected"},
			"lab":          {Status: "disabled"},
		},
		tools: []backend.Tool{
			{ID: "student_2022_timetable"},
			{ID: "faculty_marks"},
			{ID: "bash"},
		},
		ids: []string{"student_2022_timetable", "student_2022_notes", "faculty_marks", "bash"},
	}
	a.srv = httptest.NewServer(http.HandlerFunc(a.serve))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *fakeAgent) serve(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	call := r.Method + " " + r.URL.Path
	if r.URL.RawQuery != "" {
		call += "?" + r.URL.RawQuery
	}
	a.calls = append(a.calls, call)
	a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/mcp":
		_ = json.NewEncoder(w).Encode(a.status)
	case r.Method == http.MethodPost && (r.URL.Path == "/mcp" || strings.HasPrefix(r.URL.Path, "/mcp/")):
		_, _ = io.WriteString(w, "true")
	case r.URL.Path == "/experimental/tool":
		_ = json.NewEncoder(w).Encode(a.tools)
	case r.URL.Path == "/experimental/tool/ids":
		_ = json.NewEncoder(w).Encode(a.ids)
	default:
		http.NotFound(w, r)
	}
}

func (a *fakeAgent) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

// fakeRuntime satisfies RuntimeSource.
type fakeRuntime struct {
	mu       sync.Mutex
	running  bool
	client   *backend.Client
	err      error
	acquires int
}

func (f *fakeRuntime) Acquire(ctx context.Context) (*supervisor.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if f.err != nil {
		return nil, f.err
	}
	f.running = true
	return &supervisor.Handle{BaseURL: f.client.BaseURL(), Client: f.client}, nil
}

func (f *fakeRuntime) set(running bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = running
	f.err = err
}

func (f *fakeRuntime) Acquires() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquires
}

func (f *fakeRuntime) Status() supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return supervisor.Status{Running: f.running}
}

// fakeChat satisfies ChatService. With block set, a turn waits for its
// context to end before finishing.
type fakeChat struct {
	mu      sync.Mutex
	events  []proxy.StreamEvent
	block   bool
	callers []access.Caller
	reqs    []proxy.ChatRequest
	started chan struct{}
}

func newFakeChat(events ...proxy.StreamEvent) *fakeChat {
	return &fakeChat{events: events, started: make(chan struct{}, 16)}
}

func (f *fakeChat) Turn(ctx context.Context, caller access.Caller, req proxy.ChatRequest) <-chan proxy.StreamEvent {
	f.mu.Lock()
	f.callers = append(f.callers, caller)
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	out := make(chan proxy.StreamEvent)
	go func() {
		defer close(out)
		defer func() { out <- proxy.StreamEvent{Type: proxy.EventDone} }()
		select {
		case f.started <- struct{}{}:
		default:
		}
		for _, ev := range f.events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if f.block {
			<-ctx.Done()
		}
	}()
	return out
}

func (f *fakeChat) Callers() []access.Caller {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]access.Caller(nil), f.callers...)
}

func (f *fakeChat) Requests() []proxy.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]proxy.ChatRequest(nil), f.reqs...)
}

type staticModel struct{ ref *backend.ModelRef }

func (m staticModel) ResolveDefault(context.Context) *backend.ModelRef { return m.ref }

type testEnv struct {
	server  *Server
	http    *httptest.Server
	agent   *fakeAgent
	runtime *fakeRuntime
	chat    *fakeChat
	store   *mcp.Store
	index   *sessions.MemoryIndex
	journal *observability.EventRecorder
	metrics *observability.Metrics
}

type envOption func(*Config, *Deps)

func withLimiter(cfg ratelimit.Config) envOption {
	return func(_ *Config, d *Deps) { d.Limiter = ratelimit.NewLimiter(cfg) }
}

func withAuth(cfg auth.Config) envOption {
	return func(_ *Config, d *Deps) { d.Auth = auth.NewService(cfg) }
}

func withCORS(origins ...string) envOption {
	return func(c *Config, _ *Deps) { c.CORSOrigins = origins }
}

func withChat(chat *fakeChat) envOption {
	return func(_ *Config, d *Deps) { d.Chat = chat }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	agent := newFakeAgent(t)
	rt := &fakeRuntime{client: backend.New(agent.srv.URL)}

	store := mcp.NewStore(filepath.Join(t.TempDir(), "providers.json"), discardLogger())
	for name, cfg := range map[string]mcp.ToolProviderConfig{
		"student_2022": {Type: mcp.TypeRemote, URL: "http://127.0.0.1:9001/mcp", Headers: map[string]string{"Authorization": "Bearer s3cret"}},
		"faculty":      {Type: mcp.TypeRemote, URL: "http://127.0.0.1:9002/mcp"},
		"lab":          (mcp.ToolProviderConfig{Type: mcp.TypeLocal, Command: "lab-server"}).WithEnabled(false),
	} {
		if err := store.Upsert(name, cfg); err != nil {
			t.Fatalf("Upsert(%s) error = %v", name, err)
		}
	}

	chat := newFakeChat(
		proxy.StreamEvent{Type: proxy.EventMeta, SessionID: "ses_1"},
		proxy.StreamEvent{Type: proxy.EventDelta, Text: "hello"},
	)
	index := sessions.NewMemoryIndex()
	journal := observability.NewEventRecorder(observability.NewMemoryEventStore(100))
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	cfg := Config{Host: "127.0.0.1", Port: 0}
	deps := Deps{
		Chat:     chat,
		Runtime:  rt,
		Store:    store,
		Policy:   access.NewPolicy(nil),
		Models:   staticModel{ref: &backend.ModelRef{ProviderID: "campus", ModelID: "tutor-1"}},
		Sessions: index,
		Journal:  journal,
		Metrics:  metrics,
		Logger:   discardLogger(),
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	if c, ok := deps.Chat.(*fakeChat); ok {
		chat = c
	}

	server, err := NewServer(cfg, deps)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		server:  server,
		http:    ts,
		agent:   agent,
		runtime: rt,
		chat:    chat,
		store:   store,
		index:   index,
		journal: journal,
		metrics: metrics,
	}
}

func student(userID string) http.Header {
	h := http.Header{}
	h.Set(auth.HeaderUserID, userID)
	h.Set(auth.HeaderUserRole, "student")
	return h
}

func admin(userID string) http.Header {
	h := http.Header{}
	h.Set(auth.HeaderUserID, userID)
	h.Set(auth.HeaderUserRole, "admin")
	return h
}

func (e *testEnv) do(t *testing.T, method, path string, header http.Header, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, want, strings.TrimSpace(string(data)))
	}
}

var errBoom = errors.New("boom")
