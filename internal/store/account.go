package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// ProviderKind is the flavor of upstream API an Account authenticates against.
type ProviderKind string

const (
	ProviderAnthropicOAuth      ProviderKind = "anthropic-oauth"
	ProviderAnthropicConsoleKey ProviderKind = "anthropic-console-key"
	ProviderOpenAICompatible    ProviderKind = "openai-compatible"
)

// Credentials holds whichever authentication material an Account's
// ProviderKind requires. An account has exactly one of {oauth credentials,
// api key} populated.
type Credentials struct {
	RefreshToken         string `json:"refresh_token,omitempty"`
	AccessToken          string `json:"access_token,omitempty"`
	AccessTokenExpiresAt int64  `json:"access_token_expires_at,omitempty"` // epoch ms
	APIKey               string `json:"api_key,omitempty"`
}

// Account is one upstream credential with its pool state, matching the base
// specification's Account data model exactly.
type Account struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	ProviderKind ProviderKind `json:"provider_kind"`
	Credentials  Credentials  `json:"credentials"`
	CustomEndpoint string          `json:"custom_endpoint,omitempty"`
	ModelMappings  map[string]string `json:"model_mappings,omitempty"`

	// Routing
	Priority            int  `json:"priority"`
	Paused              bool `json:"paused"`
	AutoFallbackEnabled bool `json:"auto_fallback_enabled"`
	AutoRefreshEnabled  bool `json:"auto_refresh_enabled"`

	// Rate-limit state
	RateLimitedUntil *int64 `json:"rate_limited_until,omitempty"` // epoch ms
	RateLimitRemaining *int  `json:"rate_limit_remaining,omitempty"`
	RateLimitReset     *int64 `json:"rate_limit_reset,omitempty"` // epoch ms
	RateLimitStatus    string `json:"rate_limit_status,omitempty"`

	// Session state (fixed-duration usage windows; currently anthropic-oauth)
	SessionStart        *int64 `json:"session_start,omitempty"` // epoch ms
	SessionRequestCount int    `json:"session_request_count"`

	// Counters
	RequestCount  int        `json:"request_count"`
	TotalRequests int64      `json:"total_requests"`
	LastUsed      *time.Time `json:"last_used,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	IsActive     bool       `json:"is_active"`
	LastCheckAt  *time.Time `json:"last_check_at,omitempty"`
	HealthStatus string     `json:"health_status,omitempty"`
	ErrorCount   int        `json:"error_count"`
	SuccessCount int        `json:"success_count"`
}

// IsOAuth reports whether the account authenticates via OAuth access/refresh
// tokens rather than a static API key.
func (a *Account) IsOAuth() bool {
	return a.ProviderKind == ProviderAnthropicOAuth
}

// HasSessionTracking reports whether this provider kind enforces a
// fixed-duration usage window that the Selector's sticky-session step must
// track (base spec §4.4/§3).
func (a *Account) HasSessionTracking() bool {
	return a.ProviderKind == ProviderAnthropicOAuth
}

// IsAvailable implements the base spec's availability predicate:
// !paused && (rate_limited_until == null || rate_limited_until <= now), and
// additionally requires is_active.
func (a *Account) IsAvailable(nowMs int64) bool {
	if a.Paused || !a.IsActive {
		return false
	}
	if a.RateLimitedUntil != nil && *a.RateLimitedUntil > nowMs {
		return false
	}
	return true
}

// SessionActive reports whether session_start is set and still within
// sessionDuration of now.
func (a *Account) SessionActive(nowMs int64, sessionDurationMs int64) bool {
	if a.SessionStart == nil {
		return false
	}
	return nowMs-*a.SessionStart < sessionDurationMs
}

func marshalModelMappings(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	return json.Marshal(m)
}

func (s *Store) CreateAccount(a *Account) error {
	credBytes, err := json.Marshal(a.Credentials)
	if err != nil {
		return err
	}
	mappingBytes, err := marshalModelMappings(a.ModelMappings)
	if err != nil {
		return err
	}

	query := `INSERT INTO accounts (
		id, name, provider_kind, credentials, custom_endpoint, model_mappings,
		created_at, is_active, health_status, error_count, success_count
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.Exec(query,
		a.ID, a.Name, a.ProviderKind, credBytes, a.CustomEndpoint, mappingBytes,
		a.CreatedAt, a.IsActive, a.HealthStatus, a.ErrorCount, a.SuccessCount,
	)
	if err != nil {
		return err
	}
	return s.setAccountRoutingDefaults(a.ID)
}

// setAccountRoutingDefaults stamps the routing/rate-limit columns added by
// migrateAccountsToProxyModel onto a freshly inserted row, since the base
// INSERT above only covers the legacy donor columns.
func (s *Store) setAccountRoutingDefaults(id string) error {
	_, err := s.db.Exec(`UPDATE accounts SET
		priority = COALESCE(priority, 100),
		paused = COALESCE(paused, 0),
		auto_fallback_enabled = COALESCE(auto_fallback_enabled, 0),
		auto_refresh_enabled = COALESCE(auto_refresh_enabled, 0)
		WHERE id = ?`, id)
	return err
}

const accountColumns = `id, name, provider_kind, credentials, custom_endpoint, model_mappings,
	created_at, last_used_at, is_active, last_check_at, health_status, error_count, success_count,
	priority, paused, auto_fallback_enabled, auto_refresh_enabled,
	rate_limited_until, rate_limit_remaining, rate_limit_reset, rate_limit_status,
	session_start, session_request_count, request_count, total_requests`

func scanAccount(row interface{ Scan(...interface{}) error }) (*Account, error) {
	var a Account
	var credBytes, mappingBytes []byte
	var rateLimitedUntil, rateLimitReset, sessionStart sql.NullInt64
	var rateLimitRemaining sql.NullInt64
	var rateLimitStatus sql.NullString

	err := row.Scan(
		&a.ID, &a.Name, &a.ProviderKind, &credBytes, &a.CustomEndpoint, &mappingBytes,
		&a.CreatedAt, &a.LastUsed, &a.IsActive, &a.LastCheckAt, &a.HealthStatus, &a.ErrorCount, &a.SuccessCount,
		&a.Priority, &a.Paused, &a.AutoFallbackEnabled, &a.AutoRefreshEnabled,
		&rateLimitedUntil, &rateLimitRemaining, &rateLimitReset, &rateLimitStatus,
		&sessionStart, &a.SessionRequestCount, &a.RequestCount, &a.TotalRequests,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(credBytes, &a.Credentials); err != nil {
		return nil, err
	}
	if len(mappingBytes) > 0 {
		_ = json.Unmarshal(mappingBytes, &a.ModelMappings)
	}
	if rateLimitedUntil.Valid {
		a.RateLimitedUntil = &rateLimitedUntil.Int64
	}
	if rateLimitReset.Valid {
		a.RateLimitReset = &rateLimitReset.Int64
	}
	if rateLimitRemaining.Valid {
		v := int(rateLimitRemaining.Int64)
		a.RateLimitRemaining = &v
	}
	if rateLimitStatus.Valid {
		a.RateLimitStatus = rateLimitStatus.String
	}
	if sessionStart.Valid {
		a.SessionStart = &sessionStart.Int64
	}

	return &a, nil
}

func (s *Store) GetAccount(id string) (*Account, error) {
	row := s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ? OR name = ?`, id, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// ListActiveAccounts returns every non-deactivated account, used by the
// Selector as the pool it orders candidates from.
func (s *Store) ListActiveAccounts() ([]*Account, error) {
	rows, err := s.db.Query(`SELECT ` + accountColumns + ` FROM accounts WHERE is_active = 1 ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *Store) ListAccounts() ([]*Account, error) {
	rows, err := s.db.Query(`SELECT ` + accountColumns + ` FROM accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *Store) UpdateAccount(a *Account) error {
	credBytes, err := json.Marshal(a.Credentials)
	if err != nil {
		return err
	}
	mappingBytes, err := marshalModelMappings(a.ModelMappings)
	if err != nil {
		return err
	}

	query := `UPDATE accounts SET
		name = ?, provider_kind = ?, credentials = ?, custom_endpoint = ?, model_mappings = ?,
		is_active = ?, health_status = ?, error_count = ?, success_count = ?,
		priority = ?, paused = ?, auto_fallback_enabled = ?, auto_refresh_enabled = ?
		WHERE id = ?`
	_, err = s.db.Exec(query,
		a.Name, a.ProviderKind, credBytes, a.CustomEndpoint, mappingBytes,
		a.IsActive, a.HealthStatus, a.ErrorCount, a.SuccessCount,
		a.Priority, a.Paused, a.AutoFallbackEnabled, a.AutoRefreshEnabled,
		a.ID,
	)
	return err
}

// UpdateTokens persists a refreshed OAuth access token, per Token Manager's
// contract after a successful provider.refreshToken call.
func (s *Store) UpdateTokens(id, accessToken string, expiresAtMs int64) error {
	a, err := s.GetAccount(id)
	if err != nil {
		return err
	}
	if a == nil {
		return sql.ErrNoRows
	}
	a.Credentials.AccessToken = accessToken
	a.Credentials.AccessTokenExpiresAt = expiresAtMs
	credBytes, err := json.Marshal(a.Credentials)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE accounts SET credentials = ? WHERE id = ?`, credBytes, id)
	return err
}

// MarkRateLimited records a fresh 429 or upstream reset signal. Per the base
// spec's Account invariant, rate_limited_until only advances, never regresses,
// from this path; ClearExpiredRateLimits is the only path that clears it.
func (s *Store) MarkRateLimited(id string, untilMs int64, status string, remaining *int, resetMs *int64) error {
	_, err := s.db.Exec(`UPDATE accounts SET
		rate_limited_until = MAX(COALESCE(rate_limited_until, 0), ?), rate_limit_status = ?, rate_limit_remaining = ?, rate_limit_reset = ?
		WHERE id = ?`, untilMs, status, remaining, resetMs, id)
	return err
}

// ClearExpiredRateLimits clears rate_limited_until on any account whose
// window has already passed, run by the retention sweep.
func (s *Store) ClearExpiredRateLimits(nowMs int64) (int64, error) {
	result, err := s.db.Exec(`UPDATE accounts SET rate_limited_until = NULL
		WHERE rate_limited_until IS NOT NULL AND rate_limited_until <= ?`, nowMs)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ResetSession marks session_start = now, session_request_count = 0,
// atomically, per Selector step 3's side effect.
func (s *Store) ResetSession(id string, nowMs int64) error {
	_, err := s.db.Exec(`UPDATE accounts SET session_start = ?, session_request_count = 0 WHERE id = ?`, nowMs, id)
	return err
}

// IncrementRequestCounters bumps the window and lifetime counters and touches
// last_used_at, called by the Dispatcher only for the account that actually
// served a response.
func (s *Store) IncrementRequestCounters(id string) error {
	_, err := s.db.Exec(`UPDATE accounts SET
		request_count = request_count + 1,
		total_requests = total_requests + 1,
		session_request_count = session_request_count + 1,
		last_used_at = datetime('now')
		WHERE id = ?`, id)
	return err
}

func (s *Store) PauseAccount(id string) error {
	_, err := s.db.Exec(`UPDATE accounts SET paused = 1 WHERE id = ?`, id)
	return err
}

func (s *Store) ResumeAccount(id string) error {
	_, err := s.db.Exec(`UPDATE accounts SET paused = 0 WHERE id = ?`, id)
	return err
}

func (s *Store) SetPriority(id string, priority int) error {
	_, err := s.db.Exec(`UPDATE accounts SET priority = ? WHERE id = ?`, priority, id)
	return err
}

func (s *Store) UpdateAccountHealth(id string, status string) error {
	_, err := s.db.Exec(`UPDATE accounts SET last_check_at = datetime('now'), health_status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) IncrementAccountError(id string) error {
	_, err := s.db.Exec(`UPDATE accounts SET error_count = error_count + 1 WHERE id = ?`, id)
	return err
}

func (s *Store) IncrementAccountSuccess(id string) error {
	_, err := s.db.Exec(`UPDATE accounts SET success_count = success_count + 1 WHERE id = ?`, id)
	return err
}

func (s *Store) DeactivateAccount(id string) error {
	_, err := s.db.Exec(`UPDATE accounts SET is_active = 0 WHERE id = ?`, id)
	return err
}

func (s *Store) DeleteAccount(id string) error {
	_, err := s.db.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	return err
}
