package store

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store owns all durable proxy state: accounts, request records, inbound API
// keys and OAuth account-add sessions. Every other component reads and writes
// this state only through Store's methods.
type Store struct {
	db     *sql.DB
	writer *asyncWriter
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-64000")
	if err != nil {
		return nil, err
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	store.writer = newAsyncWriter(store, 10000)
	store.writer.Start()

	return store, nil
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			provider_kind TEXT NOT NULL,
			credentials TEXT NOT NULL,
			custom_endpoint TEXT DEFAULT '',
			model_mappings TEXT DEFAULT '{}',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_used_at DATETIME,
			is_active BOOLEAN DEFAULT 1,
			last_check_at DATETIME,
			health_status TEXT DEFAULT 'unknown',
			error_count INTEGER DEFAULT 0,
			success_count INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_is_active ON accounts(is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_provider_kind ON accounts(provider_kind)`,

		`CREATE TABLE IF NOT EXISTS request_records (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			account_used TEXT,
			status_code INTEGER NOT NULL,
			success BOOLEAN NOT NULL,
			error_message TEXT DEFAULT '',
			response_time_ms INTEGER DEFAULT 0,
			failover_attempts INTEGER DEFAULT 0,
			model TEXT DEFAULT '',
			input_tokens INTEGER DEFAULT 0,
			output_tokens INTEGER DEFAULT 0,
			cache_read_input_tokens INTEGER DEFAULT 0,
			cache_creation_input_tokens INTEGER DEFAULT 0,
			total_tokens INTEGER DEFAULT 0,
			cost_usd TEXT DEFAULT '0',
			output_tokens_per_second REAL DEFAULT 0,
			FOREIGN KEY (account_used) REFERENCES accounts(id) ON DELETE SET NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_records_account ON request_records(account_used, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_request_records_timestamp ON request_records(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_request_records_status ON request_records(success, status_code)`,

		`CREATE TABLE IF NOT EXISTS request_payloads (
			request_id TEXT PRIMARY KEY,
			payload_json TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (request_id) REFERENCES request_records(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_payloads_created_at ON request_payloads(created_at)`,

		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			hashed_key TEXT NOT NULL,
			prefix_last_8 TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'api-only',
			is_active BOOLEAN DEFAULT 1,
			usage_count INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_used DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_is_active ON api_keys(is_active)`,

		`CREATE TABLE IF NOT EXISTS oauth_sessions (
			id TEXT PRIMARY KEY,
			account_name TEXT NOT NULL,
			pkce_verifier TEXT NOT NULL,
			mode TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_oauth_sessions_expires_at ON oauth_sessions(expires_at)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return err
		}
	}

	if err := s.migrateAccountsToProxyModel(); err != nil {
		return err
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't exist.
func (s *Store) addColumnIfNotExists(table, column, definition string) error {
	query := `ALTER TABLE ` + table + ` ADD COLUMN ` + column + ` ` + definition
	_, err := s.db.Exec(query)
	if err != nil && err.Error() != "duplicate column name: "+column {
		return err
	}
	return nil
}

// Close stops the async writer and closes the database handle. The write
// queue is drained with a bounded timeout before the handle closes, per the
// Store's graceful-shutdown contract.
func (s *Store) Close() error {
	if s.writer != nil {
		s.writer.Stop(5 * time.Second)
	}
	return s.db.Close()
}

func (s *Store) GetDB() *sql.DB {
	return s.db
}

// EnqueueWrite submits a write job to the bounded async queue. It never
// blocks the caller: if the queue is at capacity the oldest pending job is
// dropped and the drop is counted (see async_writer.go).
func (s *Store) EnqueueWrite(job WriteJob) {
	s.writer.Enqueue(job)
}
