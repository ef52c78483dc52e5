package store

import (
	"database/sql"

	"github.com/rs/zerolog/log"
)

// migrateAccountsToProxyModel additively migrates the accounts table to carry
// the full routing/rate-limit/session field set the base Account model
// requires. Schema evolution stays additive-only: new columns get safe
// defaults, nothing is dropped or rewritten here.
func (s *Store) migrateAccountsToProxyModel() error {
	var hasPriority bool
	rows, err := s.db.Query("PRAGMA table_info(accounts)")
	if err != nil {
		return err
	}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, dfltValue, pk sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			rows.Close()
			return err
		}
		if name == "priority" {
			hasPriority = true
		}
	}
	rows.Close()

	migrations := []struct {
		column     string
		definition string
	}{
		{"priority", "INTEGER DEFAULT 100"},
		{"paused", "INTEGER DEFAULT 0"},
		{"auto_fallback_enabled", "INTEGER DEFAULT 0"},
		{"auto_refresh_enabled", "INTEGER DEFAULT 0"},
		{"rate_limited_until", "INTEGER"},
		{"rate_limit_remaining", "INTEGER"},
		{"rate_limit_reset", "INTEGER"},
		{"rate_limit_status", "TEXT"},
		{"session_start", "INTEGER"},
		{"session_request_count", "INTEGER DEFAULT 0"},
		{"request_count", "INTEGER DEFAULT 0"},
		{"total_requests", "INTEGER DEFAULT 0"},
	}

	for _, mig := range migrations {
		if err := s.addColumnIfNotExists("accounts", mig.column, mig.definition); err != nil {
			log.Warn().Err(err).Str("column", mig.column).Msg("accounts migration: column add failed")
		}
	}

	if !hasPriority {
		log.Info().Msg("accounts table migrated to full routing/rate-limit field set")
	}

	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_accounts_priority ON accounts(priority)`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_accounts_rate_limited_until ON accounts(rate_limited_until)`); err != nil {
		return err
	}

	return nil
}
