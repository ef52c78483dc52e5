package store

import (
	"database/sql"
	"time"
)

// OAuthSession is transient state for the interactive account-add flow: the
// PKCE exchange itself is out of scope (base §1), but its bookkeeping
// (create/get/delete, swept on expiry) is Store-owned state like everything
// else.
type OAuthSession struct {
	ID           string    `json:"id"`
	AccountName  string    `json:"account_name"`
	PKCEVerifier string    `json:"-"`
	Mode         string    `json:"mode"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (s *Store) CreateOAuthSession(sess *OAuthSession) error {
	query := `INSERT INTO oauth_sessions (id, account_name, pkce_verifier, mode, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query, sess.ID, sess.AccountName, sess.PKCEVerifier, sess.Mode, sess.CreatedAt, sess.ExpiresAt)
	return err
}

func (s *Store) GetOAuthSession(id string) (*OAuthSession, error) {
	row := s.db.QueryRow(`SELECT id, account_name, pkce_verifier, mode, created_at, expires_at FROM oauth_sessions WHERE id = ?`, id)
	var sess OAuthSession
	err := row.Scan(&sess.ID, &sess.AccountName, &sess.PKCEVerifier, &sess.Mode, &sess.CreatedAt, &sess.ExpiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &sess, nil
}

func (s *Store) DeleteOAuthSession(id string) error {
	_, err := s.db.Exec(`DELETE FROM oauth_sessions WHERE id = ?`, id)
	return err
}

// SweepExpiredOAuthSessions deletes sessions past their expiry, called by the
// retention scheduler.
func (s *Store) SweepExpiredOAuthSessions() (int64, error) {
	result, err := s.db.Exec(`DELETE FROM oauth_sessions WHERE expires_at < datetime('now')`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
