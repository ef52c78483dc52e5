package scheduler

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"btrproxy/internal/store"
)

// Config tunes the three background loops (base §4.7).
type Config struct {
	// UsagePollMinInterval/UsagePollMaxInterval bound how often each
	// account's health is re-checked; the actual interval is randomized
	// per account within [min, max) to avoid a thundering herd of
	// simultaneous upstream probes.
	UsagePollMinInterval time.Duration
	UsagePollMaxInterval time.Duration

	// AutoRefreshInterval is how often the token-expiry sweep runs.
	AutoRefreshInterval time.Duration
	// AutoRefreshWindow is how far ahead of expiry a token is proactively
	// refreshed, independent of the Token Manager's own just-in-time
	// safety margin on the request hot path.
	AutoRefreshWindow time.Duration

	// RetentionInterval is how often the retention sweep runs.
	RetentionInterval time.Duration
	PayloadRetention   time.Duration
	RequestRetention   time.Duration
}

func DefaultConfig() Config {
	return Config{
		UsagePollMinInterval: 30 * time.Second,
		UsagePollMaxInterval: 90 * time.Second,
		AutoRefreshInterval:  1 * time.Minute,
		AutoRefreshWindow:    5 * time.Minute,
		RetentionInterval:    6 * time.Hour,
		PayloadRetention:     7 * 24 * time.Hour,
		RequestRetention:     90 * 24 * time.Hour,
	}
}

// RetentionStore is the narrow Store capability the retention sweep needs.
type RetentionStore interface {
	RetentionSweep(payloadAge, requestAge time.Duration) (*store.RetentionResult, error)
}

// Scheduler owns the usage poller, auto-refresh sweep, and retention sweep,
// each registered on a shared IntervalManager. It generalizes the donor
// health monitor's two hardcoded ticker goroutines
// (internal/health/monitor.go's backgroundCheck/backgroundRefresh) into
// named jobs on a reusable manager, and adds the retention sweep the donor
// never had.
type Scheduler struct {
	cfg       Config
	accounts  AccountStore
	tokens    TokenGetter
	retention RetentionStore
	checker   *AccountHealthChecker
	intervals *IntervalManager
}

func New(cfg Config, accounts AccountStore, tokens TokenGetter, retention RetentionStore, checker *AccountHealthChecker) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		accounts:  accounts,
		tokens:    tokens,
		retention: retention,
		checker:   checker,
		intervals: NewIntervalManager(),
	}
}

// Start registers and launches all three loops. Each account's usage-poll
// job is registered individually so failures or removals don't disturb the
// others; the usage-poll-dispatch job re-discovers accounts every
// UsagePollMinInterval so newly added accounts get picked up without a
// restart.
func (s *Scheduler) Start(ctx context.Context) {
	s.intervals.Register("retention-sweep", s.runRetentionSweep, s.cfg.RetentionInterval, true, 1)
	s.intervals.Register("auto-refresh", s.runAutoRefresh, s.cfg.AutoRefreshInterval, true, 1)
	s.intervals.Register("usage-poll-dispatch", s.dispatchUsagePolls, s.cfg.UsagePollMinInterval, true, 1)
}

// Stop halts every loop without waiting for in-flight callback invocations
// to finish (base §4.7).
func (s *Scheduler) Stop() {
	s.intervals.Shutdown()
}

// dispatchUsagePolls ensures every currently active account has its own
// randomized-interval health-check job registered. Accounts that already have
// a job keep it untouched, so this is safe to call repeatedly as the account
// roster changes without resetting a job's ticker before it fires.
func (s *Scheduler) dispatchUsagePolls(ctx context.Context) {
	accounts, err := s.accounts.ListActiveAccounts()
	if err != nil {
		log.Error().Err(err).Msg("scheduler: listing active accounts for usage poll dispatch")
		return
	}
	spread := s.cfg.UsagePollMaxInterval - s.cfg.UsagePollMinInterval
	for _, account := range accounts {
		id := "usage-poll:" + account.ID
		s.intervals.mu.Lock()
		_, registered := s.intervals.jobs[id]
		s.intervals.mu.Unlock()
		if registered {
			continue
		}
		interval := s.cfg.UsagePollMinInterval
		if spread > 0 {
			interval += time.Duration(rand.Int63n(int64(spread)))
		}
		acct := account
		s.intervals.Register(id, func(ctx context.Context) {
			s.pollOne(ctx, acct)
		}, interval, false, 1)
	}
}

func (s *Scheduler) pollOne(ctx context.Context, account *store.Account) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := s.checker.check(ctx, account); err != nil {
		log.Warn().Err(err).Str("account_id", account.ID).Msg("scheduler: account health check failed")
		if uerr := s.accounts.UpdateAccountHealth(account.ID, "unhealthy"); uerr != nil {
			log.Error().Err(uerr).Str("account_id", account.ID).Msg("scheduler: recording unhealthy status")
		}
		_ = s.accounts.IncrementAccountError(account.ID)
		return
	}

	if err := s.accounts.UpdateAccountHealth(account.ID, "healthy"); err != nil {
		log.Error().Err(err).Str("account_id", account.ID).Msg("scheduler: recording healthy status")
	}
	_ = s.accounts.IncrementAccountSuccess(account.ID)
}

// runAutoRefresh proactively refreshes OAuth accounts whose access token is
// within the refresh window, so the request hot path rarely has to block on
// a refresh (base §4.3, §4.7).
func (s *Scheduler) runAutoRefresh(ctx context.Context) {
	accounts, err := s.accounts.ListActiveAccounts()
	if err != nil {
		log.Error().Err(err).Msg("scheduler: listing active accounts for auto-refresh")
		return
	}

	nowMs := time.Now().UnixMilli()
	windowMs := s.cfg.AutoRefreshWindow.Milliseconds()

	for _, account := range accounts {
		if !account.IsOAuth() || !account.AutoRefreshEnabled {
			continue
		}
		if account.Credentials.AccessTokenExpiresAt-nowMs > windowMs {
			continue
		}
		refreshCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		_, err := s.tokens.ForceRefresh(refreshCtx, account)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("account_id", account.ID).Msg("scheduler: proactive token refresh failed")
		}
	}
}

// runRetentionSweep deletes old payloads and request records (base §4.1,
// §4.7). Runs once immediately on Start and every RetentionInterval after.
func (s *Scheduler) runRetentionSweep(ctx context.Context) {
	result, err := s.retention.RetentionSweep(s.cfg.PayloadRetention, s.cfg.RequestRetention)
	if err != nil {
		log.Error().Err(err).Msg("scheduler: retention sweep failed")
		return
	}
	log.Info().
		Int64("payloads_deleted", result.PayloadsDeleted).
		Int64("request_records_deleted", result.RequestRecordsDeleted).
		Int64("rate_limits_cleared", result.RateLimitsCleared).
		Msg("scheduler: retention sweep complete")
}
