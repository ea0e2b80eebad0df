package debounce

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerCoalescesBurst(t *testing.T) {
	var calls atomic.Int32
	timer := New(40*time.Millisecond, func() { calls.Add(1) })

	for i := 0; i < 10; i++ {
		timer.Trigger()
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(150 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 call after burst, got %d", got)
	}
}

func TestTimerSeparateBursts(t *testing.T) {
	var calls atomic.Int32
	timer := New(20*time.Millisecond, func() { calls.Add(1) })

	timer.Trigger()
	time.Sleep(100 * time.Millisecond)
	timer.Trigger()
	time.Sleep(100 * time.Millisecond)

	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
}

func TestTimerStopCancelsPending(t *testing.T) {
	var calls atomic.Int32
	timer := New(30*time.Millisecond, func() { calls.Add(1) })

	timer.Trigger()
	if !timer.Pending() {
		t.Fatal("expected pending run after trigger")
	}
	timer.Stop()
	timer.Trigger()

	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Fatalf("expected no calls after stop, got %d", got)
	}
	if timer.Pending() {
		t.Fatal("expected nothing pending after stop")
	}
}

func TestTimerFlush(t *testing.T) {
	var calls atomic.Int32
	timer := New(time.Hour, func() { calls.Add(1) })

	timer.Flush()
	if got := calls.Load(); got != 0 {
		t.Fatalf("flush without pending run should be a no-op, got %d calls", got)
	}

	timer.Trigger()
	timer.Flush()
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected flush to run once, got %d", got)
	}
	if timer.Pending() {
		t.Fatal("expected nothing pending after flush")
	}
}

func TestNewNilFunc(t *testing.T) {
	timer := New(-time.Second, nil)
	timer.Trigger()
	time.Sleep(10 * time.Millisecond)
	timer.Stop()
}
