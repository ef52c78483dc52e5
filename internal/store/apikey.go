package store

import (
	"database/sql"
	"time"
)

// ApiKeyRole is the role attached to an inbound API key (base spec §4.8).
type ApiKeyRole string

const (
	RoleAdmin   ApiKeyRole = "admin"
	RoleAPIOnly ApiKeyRole = "api-only"
)

// ApiKey is one inbound proxy credential. HashedKey stores "salt:hash" —
// salt per key, hash a keyed derivation — never the plaintext key, which is
// shown to the caller exactly once at creation time.
type ApiKey struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	HashedKey   string     `json:"-"`
	PrefixLast8 string     `json:"prefix_last_8"`
	Role        ApiKeyRole `json:"role"`
	IsActive    bool       `json:"is_active"`
	UsageCount  int64      `json:"usage_count"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
}

func (s *Store) CreateApiKey(k *ApiKey) error {
	query := `INSERT INTO api_keys (id, name, hashed_key, prefix_last_8, role, is_active, usage_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`
	_, err := s.db.Exec(query, k.ID, k.Name, k.HashedKey, k.PrefixLast8, k.Role, k.IsActive, k.CreatedAt)
	return err
}

func (s *Store) ListActiveApiKeys() ([]*ApiKey, error) {
	return s.queryApiKeys(`SELECT id, name, hashed_key, prefix_last_8, role, is_active, usage_count, created_at, last_used
		FROM api_keys WHERE is_active = 1`)
}

func (s *Store) ListApiKeys() ([]*ApiKey, error) {
	return s.queryApiKeys(`SELECT id, name, hashed_key, prefix_last_8, role, is_active, usage_count, created_at, last_used
		FROM api_keys ORDER BY created_at DESC`)
}

func (s *Store) queryApiKeys(query string, args ...interface{}) ([]*ApiKey, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*ApiKey
	for rows.Next() {
		var k ApiKey
		if err := rows.Scan(&k.ID, &k.Name, &k.HashedKey, &k.PrefixLast8, &k.Role, &k.IsActive, &k.UsageCount, &k.CreatedAt, &k.LastUsed); err != nil {
			return nil, err
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *Store) GetApiKeyByName(name string) (*ApiKey, error) {
	keys, err := s.queryApiKeys(`SELECT id, name, hashed_key, prefix_last_8, role, is_active, usage_count, created_at, last_used
		FROM api_keys WHERE name = ?`, name)
	if err != nil || len(keys) == 0 {
		return nil, err
	}
	return keys[0], nil
}

// CountActiveAdminKeys backs the Auth Gate's last-admin-key safeguard
// (base §4.8 step 6).
func (s *Store) CountActiveAdminKeys() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM api_keys WHERE is_active = 1 AND role = ?`, RoleAdmin).Scan(&n)
	return n, err
}

func (s *Store) CountActiveApiKeys() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM api_keys WHERE is_active = 1`).Scan(&n)
	return n, err
}

func (s *Store) TouchApiKeyUsage(id string) error {
	_, err := s.db.Exec(`UPDATE api_keys SET usage_count = usage_count + 1, last_used = datetime('now') WHERE id = ?`, id)
	return err
}

func (s *Store) SetApiKeyActive(name string, active bool) error {
	result, err := s.db.Exec(`UPDATE api_keys SET is_active = ? WHERE name = ?`, active, name)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) DeleteApiKey(name string) error {
	_, err := s.db.Exec(`DELETE FROM api_keys WHERE name = ?`, name)
	return err
}
