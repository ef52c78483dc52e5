package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestIntervalManager_ImmediateAndRepeat(t *testing.T) {
	m := NewIntervalManager()
	var calls int32
	m.Register("job", func(ctx context.Context) {
		atomic.AddInt32(&calls, 1)
	}, 10*time.Millisecond, true, 1)

	time.Sleep(55 * time.Millisecond)
	m.Shutdown()

	if got := atomic.LoadInt32(&calls); got < 3 {
		t.Fatalf("expected at least 3 invocations (1 immediate + repeats), got %d", got)
	}
}

func TestIntervalManager_DoubleRegisterReplaces(t *testing.T) {
	m := NewIntervalManager()
	var firstCalls, secondCalls int32

	m.Register("job", func(ctx context.Context) { atomic.AddInt32(&firstCalls, 1) }, 10*time.Millisecond, true, 1)
	time.Sleep(15 * time.Millisecond)
	m.Register("job", func(ctx context.Context) { atomic.AddInt32(&secondCalls, 1) }, 10*time.Millisecond, true, 1)
	time.Sleep(35 * time.Millisecond)
	m.Shutdown()

	if atomic.LoadInt32(&secondCalls) == 0 {
		t.Fatal("expected the replacement callback to have run")
	}
	before := atomic.LoadInt32(&firstCalls)
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&firstCalls) != before {
		t.Fatal("expected the replaced callback to stop running")
	}
}

func TestIntervalManager_UnregisterStopsJob(t *testing.T) {
	m := NewIntervalManager()
	var calls int32
	h := m.Register("job", func(ctx context.Context) { atomic.AddInt32(&calls, 1) }, 10*time.Millisecond, true, 1)

	time.Sleep(15 * time.Millisecond)
	h.Unregister()
	after := atomic.LoadInt32(&calls)
	time.Sleep(30 * time.Millisecond)

	if atomic.LoadInt32(&calls) != after {
		t.Fatal("expected no further invocations after Unregister")
	}
	m.Shutdown()
}

func TestIntervalManager_MaxConcurrentSkipsOverlap(t *testing.T) {
	m := NewIntervalManager()
	var running int32
	var sawOverlap int32
	var wg sync.WaitGroup
	wg.Add(1)

	m.Register("slow", func(ctx context.Context) {
		if atomic.AddInt32(&running, 1) > 1 {
			atomic.StoreInt32(&sawOverlap, 1)
		}
		defer atomic.AddInt32(&running, -1)
		time.Sleep(30 * time.Millisecond)
	}, 5*time.Millisecond, true, 1)

	time.Sleep(80 * time.Millisecond)
	m.Shutdown()
	wg.Done()

	if atomic.LoadInt32(&sawOverlap) != 0 {
		t.Fatal("expected max_concurrent=1 to prevent overlapping invocations")
	}
}

func TestIntervalManager_ShutdownDoesNotAwaitPendingCallback(t *testing.T) {
	m := NewIntervalManager()
	started := make(chan struct{})
	release := make(chan struct{})

	m.Register("blocking", func(ctx context.Context) {
		close(started)
		<-release
	}, 5*time.Millisecond, true, 1)

	<-started
	done := make(chan struct{})
	go func() {
		m.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Shutdown blocked on a pending callback instead of returning immediately")
	}
	close(release)
}
