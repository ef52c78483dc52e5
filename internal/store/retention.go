package store

import (
	"time"

	"github.com/rs/zerolog/log"
)

// RetentionResult reports what a sweep actually did, so callers can log and
// the "no silent caps" discipline holds for operators.
type RetentionResult struct {
	PayloadsDeleted      int64
	RequestRecordsDeleted int64
	OAuthSessionsDeleted int64
	RateLimitsCleared    int64
}

// RetentionSweep deletes RequestPayload rows older than payloadAge and
// RequestRecord rows older than requestAge, clears stale rate limits, prunes
// expired OAuth sessions, and runs an incremental page reclamation
// afterwards. Runs on startup and every 6 hours (base §4.1, §4.7).
func (s *Store) RetentionSweep(payloadAge, requestAge time.Duration) (*RetentionResult, error) {
	res := &RetentionResult{}
	now := time.Now()

	payloadCutoff := now.Add(-payloadAge)
	r, err := s.db.Exec(`DELETE FROM request_payloads WHERE created_at < ?`, payloadCutoff)
	if err != nil {
		return res, err
	}
	res.PayloadsDeleted, _ = r.RowsAffected()

	requestCutoff := now.Add(-requestAge)
	r, err = s.db.Exec(`DELETE FROM request_records WHERE timestamp < ?`, requestCutoff)
	if err != nil {
		return res, err
	}
	res.RequestRecordsDeleted, _ = r.RowsAffected()

	res.RateLimitsCleared, err = s.ClearExpiredRateLimits(now.UnixMilli())
	if err != nil {
		return res, err
	}

	res.OAuthSessionsDeleted, err = s.SweepExpiredOAuthSessions()
	if err != nil {
		return res, err
	}

	if _, err := s.db.Exec(`PRAGMA incremental_vacuum`); err != nil {
		log.Warn().Err(err).Msg("retention sweep: incremental_vacuum failed")
	}

	log.Info().
		Int64("payloads_deleted", res.PayloadsDeleted).
		Int64("request_records_deleted", res.RequestRecordsDeleted).
		Int64("oauth_sessions_deleted", res.OAuthSessionsDeleted).
		Int64("rate_limits_cleared", res.RateLimitsCleared).
		Msg("retention sweep complete")

	return res, nil
}
