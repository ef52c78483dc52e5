package concurrency

import (
	"context"
	"testing"
	"time"
)

func TestManager_AcquireReleaseAccountSlot(t *testing.T) {
	mgr := NewManager(ConcurrencyConfig{
		AccountMax:   2,
		MaxWaitQueue: 1,
		WaitTimeout:  100 * time.Millisecond,
		BackoffBase:  time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
	}).(*concurrencyManager)
	defer mgr.Close()

	ctx := context.Background()
	r1, err := mgr.AcquireAccountSlot(ctx, "acct-a")
	if err != nil || !r1.Acquired {
		t.Fatalf("expected first slot acquired, got %+v err=%v", r1, err)
	}
	r2, err := mgr.AcquireAccountSlot(ctx, "acct-a")
	if err != nil || !r2.Acquired {
		t.Fatalf("expected second slot acquired, got %+v err=%v", r2, err)
	}

	load := mgr.GetAccountLoad([]string{"acct-a"})
	if load["acct-a"].Current != 2 {
		t.Fatalf("expected current load 2, got %d", load["acct-a"].Current)
	}

	mgr.ReleaseAccountSlot("acct-a")
	mgr.ReleaseAccountSlot("acct-a")

	load = mgr.GetAccountLoad([]string{"acct-a"})
	if load["acct-a"].Current != 0 {
		t.Fatalf("expected load back to 0 after release, got %d", load["acct-a"].Current)
	}
}

// TestNextBackoff_JitterVaries guards against a jitter formula that always
// cancels out to the same value: without real randomness every waiter on a
// contended slot retries on the identical schedule.
func TestNextBackoff_JitterVaries(t *testing.T) {
	mgr := &concurrencyManager{config: ConcurrencyConfig{BackoffMax: time.Second, BackoffJitter: 0.5}}

	seen := map[time.Duration]bool{}
	for i := 0; i < 50; i++ {
		seen[mgr.nextBackoff(100*time.Millisecond)] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected varying backoff durations from jitter, got a single value across 50 calls: %v", seen)
	}
}

func TestNextBackoff_RespectsMax(t *testing.T) {
	mgr := &concurrencyManager{config: ConcurrencyConfig{BackoffMax: 200 * time.Millisecond, BackoffJitter: 0.2}}

	next := mgr.nextBackoff(500 * time.Millisecond)
	if next > 200*time.Millisecond+40*time.Millisecond {
		t.Fatalf("expected backoff capped near BackoffMax plus jitter, got %v", next)
	}
}
