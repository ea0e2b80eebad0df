package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/campusgate/internal/config"
	"github.com/haasonsaas/campusgate/internal/mcp"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "providers", "config"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestProvidersLifecycle(t *testing.T) {
	store := filepath.Join(t.TempDir(), "providers.json")

	out, err := execute(t, "providers", "list", "--store", store)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "No providers") {
		t.Fatalf("list output = %q", out)
	}

	if _, err := execute(t, "providers", "add", "student_2024", "--store", store,
		"--type", "remote", "--url", "https://mcp.example.edu/2024",
		"--header", "Authorization=Bearer secret"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := execute(t, "providers", "add", "student_2024", "--store", store,
		"--url", "https://mcp.example.edu/other"); err == nil {
		t.Fatal("adding an existing provider without --replace should fail")
	}
	if _, err := execute(t, "providers", "disable", "student_2024", "--store", store); err != nil {
		t.Fatalf("disable: %v", err)
	}

	loaded := mcp.NewStore(store, nil)
	if !loaded.Load(true) {
		t.Fatal("store file not readable")
	}
	cfg, ok := loaded.Get("student_2024")
	if !ok {
		t.Fatal("provider not saved")
	}
	if cfg.IsEnabled() || cfg.Headers["Authorization"] != "Bearer secret" {
		t.Fatalf("saved config = %+v", cfg)
	}

	out, err = execute(t, "providers", "list", "--store", store, "--json")
	if err != nil {
		t.Fatalf("list --json: %v", err)
	}
	if strings.Contains(out, "Bearer secret") {
		t.Fatalf("list --json leaked a header value: %s", out)
	}
	var listed []mcp.Provider
	if err := json.Unmarshal([]byte(out), &listed); err != nil || len(listed) != 1 {
		t.Fatalf("list --json = %q (%v)", out, err)
	}

	if _, err := execute(t, "providers", "remove", "student_2024", "--store", store); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := execute(t, "providers", "remove", "student_2024", "--store", store); err == nil {
		t.Fatal("removing a missing provider should fail")
	}
}

func TestProvidersAddRejectsBadInput(t *testing.T) {
	store := filepath.Join(t.TempDir(), "providers.json")
	tests := []struct {
		name string
		args []string
	}{
		{"bad header", []string{"--url", "https://mcp.example.edu", "--header", "novalue"}},
		{"missing url", []string{"--type", "remote"}},
		{"unknown type", []string{"--type", "carrier-pigeon"}},
		{"shell in args", []string{"--type", "local", "--command", "/bin/server", "--arg", "a;rm -rf /"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"providers", "add", "p1", "--store", store}, tt.args...)
			if _, err := execute(t, args...); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
	if _, err := os.Stat(store); !os.IsNotExist(err) {
		t.Fatalf("store file written after failed adds: %v", err)
	}
}

func TestProvidersRefusesMalformedStore(t *testing.T) {
	store := filepath.Join(t.TempDir(), "providers.json")
	if err := os.WriteFile(store, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "providers", "add", "p1", "--store", store, "--url", "https://x.example.edu"); err == nil {
		t.Fatal("expected an error for a malformed store")
	}
	data, _ := os.ReadFile(store)
	if string(data) != "{not json" {
		t.Fatalf("malformed store was overwritten: %q", data)
	}
}

func TestProvidersStorePathFromConfig(t *testing.T) {
	dir := t.TempDir()
	store := filepath.Join(dir, "from-config.json")
	cfgPath := filepath.Join(dir, "campusgate.yaml")
	if err := os.WriteFile(cfgPath, []byte("providers:\n  store_path: "+store+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "providers", "add", "faculty", "--config", cfgPath, "--url", "https://mcp.example.edu/faculty"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := os.Stat(store); err != nil {
		t.Fatalf("store not written at configured path: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("server:\n  http_port: 9000\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "config", "validate", "--config", good)
	if err != nil {
		t.Fatalf("validate good: %v", err)
	}
	if !strings.Contains(out, "Configuration OK") || !strings.Contains(out, ":9000") {
		t.Fatalf("output = %q", out)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("server:\n  http_port: 70000\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err = execute(t, "config", "validate", "--config", bad)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(out, "server.http_port") {
		t.Fatalf("output = %q", out)
	}
}

func TestConfigSchema(t *testing.T) {
	out, err := execute(t, "config", "schema")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if _, ok := doc["$schema"]; !ok {
		t.Fatalf("schema missing $schema: %v", doc)
	}
}

func TestOpenSessionsSelectsBackend(t *testing.T) {
	logger := discardLogger()
	ctx := t.Context()

	mem, err := openSessions(ctx, config.SessionsConfig{Driver: "sqlite"}, logger)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	mem.Close()

	if _, err := openSessions(ctx, config.SessionsConfig{Driver: "postgres", DSN: "x"}, logger); err == nil {
		t.Fatal("expected unsupported driver error")
	}

	sql, err := openSessions(ctx, config.SessionsConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "sessions.db")}, logger)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	sql.Close()
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("CAMPUSGATE_CONFIG", "/etc/campusgate/env.yaml")
	if got := resolveConfigPath(" flag.yaml "); got != "flag.yaml" {
		t.Fatalf("flag path = %q", got)
	}
	if got := resolveConfigPath(""); got != "/etc/campusgate/env.yaml" {
		t.Fatalf("env path = %q", got)
	}
}
