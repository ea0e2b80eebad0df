package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewMetrics(reg), reg
}

func TestNewMetricsRegistersWithRegistry(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordRuntimeSpawn("ready", 0.5)
	m.RecordTurn("completed", 1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"campusgate_runtime_spawns_total",
		"campusgate_runtime_startup_duration_seconds",
		"campusgate_turns_total",
		"campusgate_turn_duration_seconds",
		"campusgate_active_turns",
	} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

func TestNewMetricsTwiceOnSameRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	defer func() {
		if recover() == nil {
			t.Fatal("expected duplicate registration to panic")
		}
	}()
	NewMetrics(reg)
}

func TestRecordRuntimeSpawn(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.RecordRuntimeSpawn("ready", 1.2)
	m.RecordRuntimeSpawn("startup_timeout", 15)
	m.RecordRuntimeSpawn("ready", 0.8)

	expected := `
		# HELP campusgate_runtime_spawns_total Total number of runtime launch attempts by result
		# TYPE campusgate_runtime_spawns_total counter
		campusgate_runtime_spawns_total{result="ready"} 2
		campusgate_runtime_spawns_total{result="startup_timeout"} 1
	`
	if err := testutil.CollectAndCompare(m.RuntimeSpawns, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
	if count := testutil.CollectAndCount(m.RuntimeStartupDuration); count != 2 {
		t.Errorf("expected 2 histogram series, got %d", count)
	}
}

func TestRecordConfigSync(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.RecordConfigSync("add", "success")
	m.RecordConfigSync("connect", "failure")
	m.RecordConfigSync("add", "success")

	if got := testutil.ToFloat64(m.ConfigSyncs.WithLabelValues("add", "success")); got != 2 {
		t.Errorf("add/success = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ConfigSyncs.WithLabelValues("connect", "failure")); got != 1 {
		t.Errorf("connect/failure = %v, want 1", got)
	}
}

func TestTurnGaugeBalances(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.TurnStarted()
	m.TurnStarted()
	if got := testutil.ToFloat64(m.ActiveTurns); got != 2 {
		t.Fatalf("active turns = %v, want 2", got)
	}

	m.RecordTurn("completed", 3)
	m.RecordTurn("timeout", 120)
	if got := testutil.ToFloat64(m.ActiveTurns); got != 0 {
		t.Errorf("active turns = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.TurnCounter.WithLabelValues("timeout")); got != 1 {
		t.Errorf("timeout turns = %v, want 1", got)
	}
}

func TestRecordStreamEvent(t *testing.T) {
	m, _ := newTestMetrics(t)
	for _, typ := range []string{"meta", "delta", "delta", "done"} {
		m.RecordStreamEvent(typ)
	}

	tests := []struct {
		typ  string
		want float64
	}{
		{"meta", 1},
		{"delta", 2},
		{"done", 1},
		{"tool", 0},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(m.StreamEvents.WithLabelValues(tt.typ)); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.typ, got, tt.want)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.RecordHTTPRequest("POST", "/api/chat", 200, 2.5)
	m.RecordHTTPRequest("GET", "/api/tools", 403, 0.01)
	m.RecordRateLimited("/api/chat")

	if got := testutil.ToFloat64(m.HTTPRequestCounter.WithLabelValues("GET", "/api/tools", "403")); got != 1 {
		t.Errorf("GET 403 = %v, want 1", got)
	}
	if count := testutil.CollectAndCount(m.HTTPRequestDuration); count != 2 {
		t.Errorf("expected 2 histogram series, got %d", count)
	}
	if got := testutil.ToFloat64(m.RateLimited.WithLabelValues("/api/chat")); got != 1 {
		t.Errorf("rate limited = %v, want 1", got)
	}
}

func TestRecordError(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.RecordError("gateway", "encode")
	if got := testutil.ToFloat64(m.ErrorCounter.WithLabelValues("gateway", "encode")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
}
