// Package selector implements the Selector (Session Strategy) from base spec
// §4.4: given an ordered account pool and the current time, produce an
// ordered candidate list, best first, rest as failover.
package selector

import (
	"sort"
	"time"

	"btrproxy/internal/store"
)

// SessionResetter is the narrow Store capability the Selector's fresh-
// selection step needs (reset_session atomically before returning).
type SessionResetter interface {
	ResetSession(id string, nowMs int64) error
}

// Selector holds only configuration; it is stateless across calls (base §8:
// "applying Selector.select twice in a row with no state changes returns the
// same ordering").
type Selector struct {
	store             SessionResetter
	sessionDurationMs int64
}

func New(store SessionResetter, sessionDuration time.Duration) *Selector {
	return &Selector{store: store, sessionDurationMs: sessionDuration.Milliseconds()}
}

func isAvailable(a *store.Account, nowMs int64) bool {
	return a.IsAvailable(nowMs)
}

// stableSortByPriority sorts ascending by priority, preserving input order
// for ties (stable sort required, base §4.4 "Tie-breaks").
func stableSortByPriority(accounts []*store.Account) {
	sort.SliceStable(accounts, func(i, j int) bool {
		return accounts[i].Priority < accounts[j].Priority
	})
}

// Select runs the three-step algorithm and returns the ordered candidate
// list. bypassSticky suppresses step 2 without disabling its absence from
// disabling step 3's session-reset side effect, used by the Dispatcher for
// scheduler-injected auto-refresh traffic (base §4.4 edge case, §4.7).
func (s *Selector) Select(accounts []*store.Account, nowMs int64, bypassSticky bool) []*store.Account {
	if len(accounts) == 0 {
		return nil
	}

	available := make([]*store.Account, 0, len(accounts))
	for _, a := range accounts {
		if isAvailable(a, nowMs) {
			available = append(available, a)
		}
	}
	if len(available) == 0 {
		return nil
	}

	// Step 1: auto-fallback reclaim.
	var fallbackReady []*store.Account
	var rest []*store.Account
	for _, a := range available {
		if a.AutoFallbackEnabled && a.RateLimitReset != nil && *a.RateLimitReset <= nowMs &&
			(a.RateLimitedUntil == nil || *a.RateLimitedUntil <= nowMs) {
			fallbackReady = append(fallbackReady, a)
		} else {
			rest = append(rest, a)
		}
	}
	if len(fallbackReady) > 0 {
		stableSortByPriority(fallbackReady)
		stableSortByPriority(rest)
		return append(fallbackReady, rest...)
	}

	// Step 2: sticky session.
	if !bypassSticky {
		var mostRecent *store.Account
		for _, a := range available {
			if !a.HasSessionTracking() {
				continue
			}
			if !a.SessionActive(nowMs, s.sessionDurationMs) {
				continue
			}
			if mostRecent == nil || *a.SessionStart > *mostRecent.SessionStart {
				mostRecent = a
			}
		}
		if mostRecent != nil {
			others := removeAccount(available, mostRecent.ID)
			stableSortByPriority(others)
			return append([]*store.Account{mostRecent}, others...)
		}
	}

	// Step 3: fresh selection.
	stableSortByPriority(available)
	chosen := available[0]
	if chosen.HasSessionTracking() && !chosen.SessionActive(nowMs, s.sessionDurationMs) {
		_ = s.store.ResetSession(chosen.ID, nowMs)
	}
	others := available[1:]
	return append([]*store.Account{chosen}, others...)
}

func removeAccount(accounts []*store.Account, id string) []*store.Account {
	out := make([]*store.Account, 0, len(accounts))
	for _, a := range accounts {
		if a.ID != id {
			out = append(out, a)
		}
	}
	return out
}
