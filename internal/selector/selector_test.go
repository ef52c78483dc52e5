package selector

import (
	"testing"
	"time"

	"btrproxy/internal/store"
)

type fakeResetter struct {
	resetCalls map[string]int64
}

func newFakeResetter() *fakeResetter {
	return &fakeResetter{resetCalls: make(map[string]int64)}
}

func (f *fakeResetter) ResetSession(id string, nowMs int64) error {
	f.resetCalls[id] = nowMs
	return nil
}

func acct(id string, priority int) *store.Account {
	return &store.Account{ID: id, Name: id, Priority: priority, IsActive: true, ProviderKind: store.ProviderAnthropicOAuth}
}

func TestSelect_PriorityFailover(t *testing.T) {
	const now int64 = 1000000

	until := now + 60000
	a := acct("A", 0)
	a.RateLimitedUntil = &until
	b := acct("B", 1)

	sel := New(newFakeResetter(), 0)
	got := sel.Select([]*store.Account{a, b}, now, false)

	if len(got) != 1 || got[0].ID != "B" {
		t.Fatalf("expected [B], got %v", ids(got))
	}
}

func TestSelect_AutoFallbackReclaim(t *testing.T) {
	const now int64 = 1000000

	reset := int64(999000)
	a := acct("A", 0)
	a.AutoFallbackEnabled = true
	a.RateLimitReset = &reset

	sessionStart := int64(999500)
	b := acct("B", 1)
	b.SessionStart = &sessionStart

	sel := New(newFakeResetter(), time.Hour)
	got := sel.Select([]*store.Account{a, b}, now, false)

	if len(got) != 2 || got[0].ID != "A" || got[1].ID != "B" {
		t.Fatalf("expected [A,B], got %v", ids(got))
	}
}

func TestSelect_StickySessionPreferred(t *testing.T) {
	const now int64 = 1000000

	a := acct("A", 0)
	sessionStart := now - 1000
	b := acct("B", 1)
	b.SessionStart = &sessionStart

	sel := New(newFakeResetter(), time.Hour)
	got := sel.Select([]*store.Account{a, b}, now, false)

	if len(got) != 2 || got[0].ID != "B" {
		t.Fatalf("expected sticky account B first, got %v", ids(got))
	}
}

func TestSelect_FreshSelectionResetsExpiredSession(t *testing.T) {
	const now int64 = 1000000

	a := acct("A", 0)
	oldStart := now - 10_000_000
	a.SessionStart = &oldStart

	resetter := newFakeResetter()
	sel := New(resetter, time.Hour)
	got := sel.Select([]*store.Account{a}, now, false)

	if len(got) != 1 || got[0].ID != "A" {
		t.Fatalf("expected [A], got %v", ids(got))
	}
	if _, ok := resetter.resetCalls["A"]; !ok {
		t.Fatal("expected ResetSession to be called for an expired session")
	}
}

func TestSelect_EmptyInputReturnsEmpty(t *testing.T) {
	sel := New(newFakeResetter(), 0)
	if got := sel.Select(nil, 0, false); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestSelect_NoAvailableAccountsReturnsEmpty(t *testing.T) {
	a := acct("A", 0)
	a.Paused = true

	sel := New(newFakeResetter(), 0)
	if got := sel.Select([]*store.Account{a}, 0, false); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestSelect_StableTieBreak(t *testing.T) {
	const now int64 = 1000000
	a := acct("A", 5)
	b := acct("B", 5)

	sel := New(newFakeResetter(), 0)
	got := sel.Select([]*store.Account{a, b}, now, false)

	if len(got) != 2 || got[0].ID != "A" || got[1].ID != "B" {
		t.Fatalf("expected input order preserved for equal priority, got %v", ids(got))
	}
}

func ids(accounts []*store.Account) []string {
	out := make([]string, len(accounts))
	for i, a := range accounts {
		out[i] = a.ID
	}
	return out
}
