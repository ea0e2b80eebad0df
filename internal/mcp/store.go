package mcp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/yosuke-furukawa/json5/encoding/json5"
)

// DefaultStorePath is used when no store path is configured.
const DefaultStorePath = "./mcp-providers.json"

// Provider pairs a provider name with its config.
type Provider struct {
	Name   string             `json:"name"`
	Config ToolProviderConfig `json:"config"`
}

// SyncRecorder receives per-call sync outcomes. observability.Metrics
// implements it.
type SyncRecorder interface {
	RecordConfigSync(op, result string)
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithSyncRecorder records sync outcomes.
func WithSyncRecorder(r SyncRecorder) StoreOption {
	return func(s *Store) {
		s.recorder = r
	}
}

// storeFile is the on-disk document.
type storeFile struct {
	Providers map[string]ToolProviderConfig `json:"providers"`
	Tools     json.RawMessage               `json:"tools,omitempty"`
}

// Store holds provider configs in memory and persists them to one file.
type Store struct {
	path     string
	logger   *slog.Logger
	recorder SyncRecorder

	mu        sync.RWMutex
	providers map[string]ToolProviderConfig
	tools     json.RawMessage
	// retired holds names dropped from the store that the runtime has not
	// yet confirmed disconnected.
	retired map[string]struct{}
	// lastHash is the digest of the file content last loaded or saved.
	lastHash string

	watchMu sync.Mutex
	watcher *Watcher
}

// NewStore creates an empty store backed by path. Call Load to read it.
func NewStore(path string, logger *slog.Logger, opts ...StoreOption) *Store {
	if path == "" {
		path = DefaultStorePath
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:      path,
		logger:    logger.With("component", "mcp-store"),
		providers: make(map[string]ToolProviderConfig),
		retired:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the store file. With replace, existing entries are dropped
// first; otherwise file entries are merged over them. A missing or malformed
// file leaves the store unchanged and returns false.
func (s *Store) Load(replace bool) bool {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug("store file not found", "path", s.path)
		} else {
			s.logger.Warn("failed to read store file", "path", s.path, "error", err)
		}
		return false
	}
	if err := s.apply(data, replace); err != nil {
		s.logger.Error("store file is malformed; keeping previous state", "path", s.path, "error", err)
		return false
	}
	return true
}

// reloadIfChanged replaces the store from disk unless the content matches
// what was last loaded or saved.
func (s *Store) reloadIfChanged() bool {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to read store file", "path", s.path, "error", err)
		}
		return false
	}
	s.mu.RLock()
	unchanged := s.lastHash == digest(data)
	s.mu.RUnlock()
	if unchanged {
		s.logger.Debug("store file unchanged; skipping reload", "path", s.path)
		return false
	}
	if err := s.apply(data, true); err != nil {
		s.logger.Error("store file is malformed; keeping previous state", "path", s.path, "error", err)
		return false
	}
	s.logger.Info("reloaded store file", "path", s.path)
	return true
}

func (s *Store) apply(data []byte, replace bool) error {
	parsed, err := ParseStore(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if replace {
		for name := range s.providers {
			if _, kept := parsed.Providers[name]; !kept {
				s.retired[name] = struct{}{}
			}
		}
		s.providers = make(map[string]ToolProviderConfig, len(parsed.Providers))
		s.tools = nil
	}
	for name, cfg := range parsed.Providers {
		s.providers[name] = cfg
		delete(s.retired, name)
	}
	if len(parsed.Tools) > 0 {
		s.tools = parsed.Tools
	}
	s.lastHash = digest(data)
	return nil
}

// ParseStore decodes and validates a store document. JSON5 is accepted.
func ParseStore(data []byte) (*storeFile, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return &storeFile{Providers: map[string]ToolProviderConfig{}}, nil
	}
	var doc any
	if err := json5.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse store: %w", err)
	}
	if err := validateDocument(doc); err != nil {
		return nil, err
	}
	// Round-trip through encoding/json so JSON5 input lands in typed fields.
	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("normalize store: %w", err)
	}
	var parsed storeFile
	if err := json.Unmarshal(normalized, &parsed); err != nil {
		return nil, fmt.Errorf("decode store: %w", err)
	}
	if parsed.Providers == nil {
		parsed.Providers = map[string]ToolProviderConfig{}
	}
	for name, cfg := range parsed.Providers {
		if err := cfg.Validate(name); err != nil {
			return nil, err
		}
	}
	if bytes.Equal(bytes.TrimSpace(parsed.Tools), []byte("null")) {
		parsed.Tools = nil
	}
	return &parsed, nil
}

// Save writes the current entries atomically (temp file then rename).
func (s *Store) Save() error {
	s.mu.RLock()
	doc := storeFile{
		Providers: make(map[string]ToolProviderConfig, len(s.providers)),
		Tools:     s.tools,
	}
	for name, cfg := range s.providers {
		doc.Providers[name] = cfg
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp store: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp store: %w", err)
	}
	// Record the hash before the rename so the watcher skips our own write.
	s.mu.Lock()
	s.lastHash = digest(data)
	s.mu.Unlock()
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}

// Upsert adds or replaces a provider config.
func (s *Store) Upsert(name string, cfg ToolProviderConfig) error {
	if err := cfg.Validate(name); err != nil {
		return err
	}
	s.mu.Lock()
	s.providers[name] = cfg
	delete(s.retired, name)
	s.mu.Unlock()
	return nil
}

// Get returns the config for name.
func (s *Store) Get(name string) (ToolProviderConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.providers[name]
	return cfg, ok
}

// Remove deletes a provider config.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[name]; !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	delete(s.providers, name)
	s.retired[name] = struct{}{}
	return nil
}

// Rename moves a provider config to a new name.
func (s *Store) Rename(oldName, newName string) error {
	if err := ValidateName(newName); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.providers[oldName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, oldName)
	}
	if oldName == newName {
		return nil
	}
	if _, exists := s.providers[newName]; exists {
		return fmt.Errorf("%w: %s", ErrProviderExists, newName)
	}
	delete(s.providers, oldName)
	s.providers[newName] = cfg
	s.retired[oldName] = struct{}{}
	delete(s.retired, newName)
	return nil
}

// SetEnabled flips the enabled flag of a provider.
func (s *Store) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.providers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	s.providers[name] = cfg.WithEnabled(enabled)
	return nil
}

// List returns every provider sorted by name.
func (s *Store) List() []Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Provider, 0, len(s.providers))
	for name, cfg := range s.providers {
		out = append(out, Provider{Name: name, Config: cfg})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns every provider name, enabled or not, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.providers))
	for name := range s.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// KnownNames returns every provider name plus the removed ones still awaiting
// a runtime disconnect, sorted. Tool ownership and denial use this set so a
// removed provider's tools stay attributed until the runtime drops them.
func (s *Store) KnownNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.providers)+len(s.retired))
	for name := range s.providers {
		out = append(out, name)
	}
	for name := range s.retired {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Retired returns the removed names still awaiting a runtime disconnect.
func (s *Store) Retired() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.retired))
	for name := range s.retired {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ListEnabled returns the names of enabled providers, sorted.
func (s *Store) ListEnabled() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.providers))
	for name, cfg := range s.providers {
		if cfg.IsEnabled() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ToolPolicy returns the stored tool-exposure policy, or nil.
func (s *Store) ToolPolicy() json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.tools) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), s.tools...)
}

// SetToolPolicy replaces the stored tool-exposure policy. Empty clears it.
func (s *Store) SetToolPolicy(policy json.RawMessage) error {
	if len(bytes.TrimSpace(policy)) > 0 && !json.Valid(policy) {
		return fmt.Errorf("%w: tool policy is not valid JSON", ErrInvalidConfig)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(bytes.TrimSpace(policy)) == 0 {
		s.tools = nil
		return nil
	}
	s.tools = append(json.RawMessage(nil), policy...)
	return nil
}

// Syncer is the runtime side of a sync. backend.Client implements it.
type Syncer interface {
	AddMCP(ctx context.Context, name string, config any) error
	ConnectMCP(ctx context.Context, name string) error
	DisconnectMCP(ctx context.Context, name string) error
}

// SyncFailure records one failed runtime call.
type SyncFailure struct {
	Name string `json:"name"`
	Op   string `json:"op"`
	Err  string `json:"error"`
}

// SyncReport summarizes a sync.
type SyncReport struct {
	Added        []string      `json:"added"`
	Connected    []string      `json:"connected"`
	Disconnected []string      `json:"disconnected"`
	Failures     []SyncFailure `json:"failures,omitempty"`
}

// OK reports whether every call succeeded.
func (r SyncReport) OK() bool {
	return len(r.Failures) == 0
}

// SyncInto pushes every entry into the runtime and disconnects removed
// ones. Each call is best effort: failures are logged and recorded, and the
// sync continues.
func (s *Store) SyncInto(ctx context.Context, syncer Syncer) SyncReport {
	var report SyncReport
	for _, p := range s.List() {
		s.syncEntry(ctx, syncer, p.Name, p.Config, &report)
	}
	s.disconnectRetired(ctx, syncer, &report)
	s.logger.Info("synced providers into runtime",
		"added", len(report.Added),
		"connected", len(report.Connected),
		"disconnected", len(report.Disconnected),
		"failures", len(report.Failures))
	return report
}

// SyncOne pushes a single entry into the runtime.
func (s *Store) SyncOne(ctx context.Context, syncer Syncer, name string) (SyncReport, error) {
	var report SyncReport
	cfg, ok := s.Get(name)
	if !ok {
		return report, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	s.syncEntry(ctx, syncer, name, cfg, &report)
	return report, nil
}

// SyncRetired disconnects every removed provider the runtime may still hold.
func (s *Store) SyncRetired(ctx context.Context, syncer Syncer) SyncReport {
	var report SyncReport
	s.disconnectRetired(ctx, syncer, &report)
	return report
}

// disconnectRetired forgets a retired name only once the runtime confirmed
// the disconnect, so a failed call is retried on the next sync.
func (s *Store) disconnectRetired(ctx context.Context, syncer Syncer, report *SyncReport) {
	for _, name := range s.Retired() {
		if err := syncer.DisconnectMCP(ctx, name); err != nil {
			s.syncFailed(report, name, "disconnect", err)
			continue
		}
		s.record("disconnect", "success")
		report.Disconnected = append(report.Disconnected, name)
		s.mu.Lock()
		if _, back := s.providers[name]; !back {
			delete(s.retired, name)
		}
		s.mu.Unlock()
	}
}

func (s *Store) syncEntry(ctx context.Context, syncer Syncer, name string, cfg ToolProviderConfig, report *SyncReport) {
	if err := syncer.AddMCP(ctx, name, cfg.RuntimeConfig()); err != nil {
		s.syncFailed(report, name, "add", err)
	} else {
		s.record("add", "success")
		report.Added = append(report.Added, name)
	}

	if cfg.IsEnabled() {
		if err := syncer.ConnectMCP(ctx, name); err != nil {
			s.syncFailed(report, name, "connect", err)
			return
		}
		s.record("connect", "success")
		report.Connected = append(report.Connected, name)
		return
	}
	if err := syncer.DisconnectMCP(ctx, name); err != nil {
		s.syncFailed(report, name, "disconnect", err)
		return
	}
	s.record("disconnect", "success")
	report.Disconnected = append(report.Disconnected, name)
}

func (s *Store) syncFailed(report *SyncReport, name, op string, err error) {
	s.logger.Warn("provider sync failed", "provider", name, "op", op, "error", err)
	s.record(op, "failure")
	report.Failures = append(report.Failures, SyncFailure{Name: name, Op: op, Err: err.Error()})
}

func (s *Store) record(op, result string) {
	if s.recorder != nil {
		s.recorder.RecordConfigSync(op, result)
	}
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
