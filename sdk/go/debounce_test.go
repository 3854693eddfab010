package caselinesdk

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDebouncerCoalescesBursts(t *testing.T) {
	var fired int32
	d := NewDebouncer(30 * time.Millisecond)
	for i := 0; i < 5; i++ {
		d.Trigger(func() { atomic.AddInt32(&fired, 1) })
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&fired); got != 1 {
		t.Fatalf("expected one invocation, got %d", got)
	}
}

func TestDebouncerStopCancelsPending(t *testing.T) {
	var fired int32
	d := NewDebouncer(30 * time.Millisecond)
	d.Trigger(func() { atomic.AddInt32(&fired, 1) })
	if !d.Stop() {
		t.Fatalf("expected a pending call to cancel")
	}
	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&fired); got != 0 {
		t.Fatalf("expected no invocation, got %d", got)
	}
	if d.Stop() {
		t.Fatalf("second stop should find nothing pending")
	}
}

func TestDebouncerFlushRunsImmediately(t *testing.T) {
	var fired int32
	d := NewDebouncer(time.Hour)
	d.Trigger(func() { atomic.AddInt32(&fired, 1) })
	d.Flush()
	if got := atomic.LoadInt32(&fired); got != 1 {
		t.Fatalf("expected immediate invocation, got %d", got)
	}
	// Flush with nothing pending is a no-op.
	d.Flush()
	if got := atomic.LoadInt32(&fired); got != 1 {
		t.Fatalf("expected no extra invocation, got %d", got)
	}
}
