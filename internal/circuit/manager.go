package circuit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// idleEvictionInterval and idleEvictionFactor mirror internal/pool's
// cleanup() sweep: accounts get deleted or deactivated over the life of a
// deployment, and a breaker map with no eviction grows without bound. A
// breaker is only ever interesting while it carries state (open, or
// recently failing); one that's been closed and untouched for this many
// open-timeouts is indistinguishable from one that was never created.
const (
	idleEvictionInterval = 5 * time.Minute
	idleEvictionFactor   = 20
)

// Manager manages circuit breakers for multiple accounts
type Manager interface {
	// GetBreaker returns the circuit breaker for an account
	GetBreaker(accountID string) Breaker
	// IsAvailable returns true if the account is available (breaker not open)
	IsAvailable(accountID string) bool
	// GetAvailableAccounts filters accounts to only those available
	GetAvailableAccounts(accountIDs []string) []string
	// RecordSuccess records a successful request for an account
	RecordSuccess(accountID string)
	// RecordFailure records a failed request for an account
	RecordFailure(accountID string)
	// Reset resets the breaker for an account
	Reset(accountID string)
	// Stats returns statistics for all breakers
	Stats() map[string]BreakerStats
	// Close closes the manager
	Close()
}

// breakerManager implements Manager
type breakerManager struct {
	config   BreakerConfig
	breakers map[string]Breaker
	mu       sync.RWMutex
	closed   bool
	stopCh   chan struct{}
}

// NewManager creates a new circuit breaker manager
func NewManager(config BreakerConfig) Manager {
	m := &breakerManager{
		config:   config,
		breakers: make(map[string]Breaker),
		stopCh:   make(chan struct{}),
	}
	go m.evictIdle()
	return m
}

// evictIdle periodically drops breakers that have sat closed and untouched
// long enough that keeping them around no longer serves any purpose.
func (m *breakerManager) evictIdle() {
	ticker := time.NewTicker(idleEvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.evictIdleOnce() {
				return
			}
		}
	}
}

// evictIdleOnce runs a single sweep and reports whether the manager was
// found closed (in which case the caller should stop ticking).
func (m *breakerManager) evictIdleOnce() bool {
	idleAfter := m.config.OpenTimeout * idleEvictionFactor
	if idleAfter <= 0 {
		idleAfter = idleEvictionInterval * idleEvictionFactor
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return true
	}

	now := time.Now()
	for id, breaker := range m.breakers {
		stats := breaker.Stats()
		if stats.State != StateClosed {
			continue
		}
		lastActivity := stats.LastSuccess
		if stats.LastFailure.After(lastActivity) {
			lastActivity = stats.LastFailure
		}
		if lastActivity.IsZero() || now.Sub(lastActivity) > idleAfter {
			delete(m.breakers, id)
		}
	}
	return false
}

// GetBreaker returns the circuit breaker for an account
func (m *breakerManager) GetBreaker(accountID string) Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		// Return a no-op breaker if closed
		return NewBreaker(BreakerConfig{Enabled: false})
	}

	if breaker, ok := m.breakers[accountID]; ok {
		return breaker
	}

	// Create new breaker
	breaker := NewBreaker(m.config)
	m.breakers[accountID] = breaker

	log.Debug().Str("account_id", accountID).Msg("created new circuit breaker")

	return breaker
}

// IsAvailable returns true if the account is available (breaker not open)
func (m *breakerManager) IsAvailable(accountID string) bool {
	if !m.config.Enabled {
		return true
	}

	breaker := m.GetBreaker(accountID)
	return breaker.Allow()
}

// GetAvailableAccounts filters accounts to only those available
func (m *breakerManager) GetAvailableAccounts(accountIDs []string) []string {
	if !m.config.Enabled {
		return accountIDs
	}

	available := make([]string, 0, len(accountIDs))
	for _, id := range accountIDs {
		if m.IsAvailable(id) {
			available = append(available, id)
		}
	}

	if len(available) < len(accountIDs) {
		log.Debug().
			Int("total", len(accountIDs)).
			Int("available", len(available)).
			Msg("filtered unavailable accounts")
	}

	return available
}

// RecordSuccess records a successful request for an account
func (m *breakerManager) RecordSuccess(accountID string) {
	breaker := m.GetBreaker(accountID)
	breaker.RecordSuccess()
}

// RecordFailure records a failed request for an account
func (m *breakerManager) RecordFailure(accountID string) {
	breaker := m.GetBreaker(accountID)
	prevState := breaker.State()
	breaker.RecordFailure()
	newState := breaker.State()

	if prevState != newState {
		log.Warn().
			Str("account_id", accountID).
			Str("prev_state", prevState.String()).
			Str("new_state", newState.String()).
			Msg("circuit breaker state changed")
	}
}

// Reset resets the breaker for an account
func (m *breakerManager) Reset(accountID string) {
	m.mu.RLock()
	breaker, ok := m.breakers[accountID]
	m.mu.RUnlock()

	if ok {
		breaker.Reset()
		log.Info().Str("account_id", accountID).Msg("circuit breaker reset")
	}
}

// Stats returns statistics for all breakers
func (m *breakerManager) Stats() map[string]BreakerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]BreakerStats, len(m.breakers))
	for id, breaker := range m.breakers {
		stats[id] = breaker.Stats()
	}

	return stats
}

// Close closes the manager
func (m *breakerManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.breakers = make(map[string]Breaker)
	close(m.stopCh)

	log.Info().Msg("circuit breaker manager closed")
}
