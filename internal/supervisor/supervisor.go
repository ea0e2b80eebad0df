// Package supervisor owns the lifecycle of the single agent runtime process.
//
// The runtime is spawned lazily on the first Acquire, shared by every caller
// for the lifetime of the process, and respawned on the next Acquire after it
// dies. Concurrent callers during a spawn all wait on the same attempt.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/campusgate/internal/backend"
)

const (
	DefaultHostname       = "127.0.0.1"
	DefaultStartupTimeout = 15 * time.Second
	DefaultReadyPattern   = `(?i)listening on(?:\s+(https?://\S+))?`

	outputTailLines = 50
	releaseTimeout  = 5 * time.Second
	readyHookLimit  = 30 * time.Second
)

// SpawnRecorder receives spawn outcomes. observability.Metrics implements it.
type SpawnRecorder interface {
	RecordRuntimeSpawn(result string, durationSeconds float64)
}

// Config describes how to launch the runtime.
type Config struct {
	Command string
	Args    []string
	Env     map[string]string
	WorkDir string

	Hostname string
	// Port is the preferred listen port; 0 picks a free one.
	Port int
	// PortPinned turns a busy Port into a startup failure instead of a fallback.
	PortPinned bool

	StartupTimeout time.Duration
	// ReadyPattern matches the runtime's "listening" line. The first capture
	// group, when present, is the base URL.
	ReadyPattern string

	// OnReady runs after a successful spawn, before waiting callers are released.
	OnReady func(ctx context.Context, h *Handle)

	ClientOptions []backend.Option
	Metrics       SpawnRecorder
}

// Handle is the shared reference to a running runtime.
type Handle struct {
	BaseURL   string
	PID       int
	Port      int
	StartedAt time.Time
	Client    *backend.Client

	cmd     *exec.Cmd
	exited  chan struct{}
	exitErr error
}

// Alive reports whether the process is still running.
func (h *Handle) Alive() bool {
	if h == nil {
		return false
	}
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

// Exited is closed when the process exits.
func (h *Handle) Exited() <-chan struct{} {
	return h.exited
}

// attempt is a spawn in flight. done is closed once handle/err are set.
type attempt struct {
	done   chan struct{}
	handle *Handle
	err    error
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	Running   bool      `json:"running"`
	Starting  bool      `json:"starting"`
	BaseURL   string    `json:"base_url,omitempty"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Spawns    int64     `json:"spawns"`
}

// Supervisor spawns and tracks the runtime process.
type Supervisor struct {
	cfg    Config
	ready  *regexp.Regexp
	logger *slog.Logger

	mu      sync.Mutex
	current *Handle
	pending *attempt

	spawns atomic.Int64
}

// New validates cfg and returns an idle supervisor. Nothing is spawned until
// the first Acquire.
func New(cfg Config, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("runtime command is required")
	}
	if cfg.Hostname == "" {
		cfg.Hostname = DefaultHostname
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.ReadyPattern == "" {
		cfg.ReadyPattern = DefaultReadyPattern
	}
	ready, err := regexp.Compile(cfg.ReadyPattern)
	if err != nil {
		return nil, fmt.Errorf("ready pattern: %w", err)
	}
	return &Supervisor{
		cfg:    cfg,
		ready:  ready,
		logger: logger.With("component", "supervisor"),
	}, nil
}

// Acquire returns the running runtime, spawning it if needed. Concurrent
// callers share one spawn attempt. A failed attempt is not cached; the next
// Acquire starts over.
func (s *Supervisor) Acquire(ctx context.Context) (*Handle, error) {
	s.mu.Lock()
	if s.current != nil {
		if s.current.Alive() {
			h := s.current
			s.mu.Unlock()
			return h, nil
		}
		s.current = nil
	}
	a := s.pending
	if a == nil {
		a = &attempt{done: make(chan struct{})}
		s.pending = a
		go s.run(a)
	}
	s.mu.Unlock()

	select {
	case <-a.done:
		return a.handle, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Supervisor) run(a *attempt) {
	start := time.Now()
	h, err := s.spawn()
	if s.cfg.Metrics != nil {
		result := "ready"
		var se *StartupError
		if errors.As(err, &se) {
			result = string(se.Kind)
		} else if err != nil {
			result = "error"
		}
		s.cfg.Metrics.RecordRuntimeSpawn(result, time.Since(start).Seconds())
	}

	if err == nil && s.cfg.OnReady != nil {
		hookCtx, cancel := context.WithTimeout(context.Background(), readyHookLimit)
		s.cfg.OnReady(hookCtx, h)
		cancel()
	}

	s.mu.Lock()
	s.pending = nil
	if err == nil && h.Alive() {
		s.current = h
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("runtime failed to start", "error", err)
	}
	a.handle, a.err = h, err
	close(a.done)
}

func (s *Supervisor) spawn() (*Handle, error) {
	host := s.cfg.Hostname
	port, err := ResolvePort(host, s.cfg.Port, s.cfg.PortPinned, s.logger)
	if err != nil {
		return nil, &StartupError{Kind: KindPortUnavailable, Err: err}
	}

	args := append([]string{}, s.cfg.Args...)
	args = append(args, "--hostname", host, "--port", strconv.Itoa(port))

	cmd := exec.Command(s.cfg.Command, args...)
	cmd.Env = mergeEnv(os.Environ(), s.cfg.Env)
	if s.cfg.WorkDir != "" {
		cmd.Dir = s.cfg.WorkDir
	}
	setProcessGroup(cmd)

	// stdout and stderr share one pipe so lines arrive in emission order.
	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, &StartupError{Kind: KindProcessExited, Err: fmt.Errorf("output pipe: %w", err)}
	}
	cmd.Stdout = writer
	cmd.Stderr = writer

	if err := cmd.Start(); err != nil {
		reader.Close()
		writer.Close()
		return nil, &StartupError{Kind: KindProcessExited, Err: fmt.Errorf("start %s: %w", s.cfg.Command, err)}
	}
	writer.Close()
	s.spawns.Add(1)

	h := &Handle{
		PID:       cmd.Process.Pid,
		Port:      port,
		StartedAt: time.Now(),
		cmd:       cmd,
		exited:    make(chan struct{}),
	}
	s.logger.Info("spawned runtime", "command", s.cfg.Command, "pid", h.PID, "port", port)

	tail := newLineRing(outputTailLines)
	urlCh := make(chan string, 1)
	go s.scanOutput(reader, tail, urlCh, port)

	go func() {
		h.exitErr = cmd.Wait()
		close(h.exited)
		s.handleExit(h)
	}()

	timer := time.NewTimer(s.cfg.StartupTimeout)
	defer timer.Stop()

	select {
	case baseURL := <-urlCh:
		h.BaseURL = baseURL
		h.Client = backend.New(baseURL, s.clientOptions()...)
		s.logger.Info("runtime ready", "url", baseURL, "pid", h.PID)
		return h, nil
	case <-h.exited:
		return nil, &StartupError{Kind: KindProcessExited, Output: tail.String(), Err: h.exitErr}
	case <-timer.C:
		_ = killProcessTree(cmd)
		return nil, &StartupError{
			Kind:   KindStartupTimeout,
			Output: tail.String(),
			Err:    fmt.Errorf("no ready line within %s", s.cfg.StartupTimeout),
		}
	}
}

func (s *Supervisor) clientOptions() []backend.Option {
	opts := []backend.Option{backend.WithLogger(s.logger)}
	return append(opts, s.cfg.ClientOptions...)
}

func (s *Supervisor) scanOutput(reader *os.File, tail *lineRing, urlCh chan<- string, port int) {
	defer reader.Close()
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	found := false
	for scanner.Scan() {
		line := scanner.Text()
		tail.Add(line)
		s.logger.Debug("runtime output", "line", line)
		if found {
			continue
		}
		match := s.ready.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		found = true
		baseURL := fmt.Sprintf("http://%s:%d", s.cfg.Hostname, port)
		if len(match) > 1 && match[1] != "" {
			baseURL = strings.TrimRight(match[1], "/.,;")
		}
		urlCh <- baseURL
	}
}

func (s *Supervisor) handleExit(h *Handle) {
	s.mu.Lock()
	wasCurrent := s.current == h
	if wasCurrent {
		s.current = nil
	}
	s.mu.Unlock()
	if wasCurrent {
		s.logger.Warn("runtime exited; it will be respawned on next use", "pid", h.PID, "error", h.exitErr)
	}
}

// Release kills the running runtime, if any. It is best-effort.
func (s *Supervisor) Release() error {
	s.mu.Lock()
	h := s.current
	s.current = nil
	s.mu.Unlock()
	if h == nil {
		return nil
	}

	s.logger.Info("stopping runtime", "pid", h.PID)
	err := killProcessTree(h.cmd)
	select {
	case <-h.exited:
	case <-time.After(releaseTimeout):
		s.logger.Warn("runtime did not exit after kill", "pid", h.PID)
	}
	return err
}

// Status reports the current runtime state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := Status{
		Starting: s.pending != nil,
		Spawns:   s.spawns.Load(),
	}
	if s.current != nil && s.current.Alive() {
		status.Running = true
		status.BaseURL = s.current.BaseURL
		status.PID = s.current.PID
		status.StartedAt = s.current.StartedAt
	}
	return status
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := append([]string{}, base...)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

// lineRing keeps the last n lines of output for diagnostics.
type lineRing struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newLineRing(max int) *lineRing {
	return &lineRing{max: max}
}

func (r *lineRing) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > r.max {
		r.lines = r.lines[len(r.lines)-r.max:]
	}
}

func (r *lineRing) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.lines, "\n")
}
