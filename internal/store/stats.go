package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Overview is the GET /api/stats summary: lifetime pool shape plus a
// recent-window request rollup, computed directly from request_records
// rather than a separate daily-rollup table, since nothing in this tree
// writes one incrementally.
type Overview struct {
	TotalAccounts   int     `json:"total_accounts"`
	ActiveAccounts  int     `json:"active_accounts"`
	PausedAccounts  int     `json:"paused_accounts"`
	TotalRequests   int64   `json:"total_requests"`
	SuccessRequests int64   `json:"success_requests"`
	ErrorRequests   int64   `json:"error_requests"`
	SuccessRate     float64 `json:"success_rate"`
	TotalTokens     int64   `json:"total_tokens"`
}

func (s *Store) GetOverview(since time.Time) (*Overview, error) {
	var o Overview
	err := s.db.QueryRow(`SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN is_active = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN paused = 1 THEN 1 ELSE 0 END), 0) FROM accounts`).
		Scan(&o.TotalAccounts, &o.ActiveAccounts, &o.PausedAccounts)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRow(`SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(total_tokens), 0)
		FROM request_records WHERE timestamp >= ?`, since)
	if err := row.Scan(&o.TotalRequests, &o.SuccessRequests, &o.ErrorRequests, &o.TotalTokens); err != nil {
		return nil, err
	}
	if o.TotalRequests > 0 {
		o.SuccessRate = float64(o.SuccessRequests) / float64(o.TotalRequests) * 100
	}
	return &o, nil
}

// ModelUsage is one row of the GET /api/analytics breakdown.
type ModelUsage struct {
	Model         string  `json:"model"`
	RequestCount  int64   `json:"request_count"`
	SuccessCount  int64   `json:"success_count"`
	TotalTokens   int64   `json:"total_tokens"`
	TotalCostUSD  string  `json:"total_cost_usd"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

func (s *Store) GetModelUsage(since time.Time) ([]ModelUsage, error) {
	rows, err := s.db.Query(`SELECT model,
		COUNT(*),
		SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END),
		COALESCE(SUM(total_tokens), 0),
		COALESCE(SUM(CAST(cost_usd AS REAL)), 0),
		COALESCE(AVG(response_time_ms), 0)
		FROM request_records WHERE timestamp >= ? AND model != ''
		GROUP BY model ORDER BY COUNT(*) DESC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ModelUsage
	for rows.Next() {
		var m ModelUsage
		var totalCost float64
		if err := rows.Scan(&m.Model, &m.RequestCount, &m.SuccessCount, &m.TotalTokens, &totalCost, &m.AvgDurationMs); err != nil {
			return nil, err
		}
		m.TotalCostUSD = decimal.NewFromFloat(totalCost).StringFixed(6)
		out = append(out, m)
	}
	return out, rows.Err()
}

// AccountUsage is one row of the per-account slice of GET /api/analytics.
type AccountUsage struct {
	AccountID    string `json:"account_id"`
	RequestCount int64  `json:"request_count"`
	SuccessCount int64  `json:"success_count"`
	ErrorCount   int64  `json:"error_count"`
	TotalTokens  int64  `json:"total_tokens"`
}

func (s *Store) GetAccountUsage(since time.Time) ([]AccountUsage, error) {
	rows, err := s.db.Query(`SELECT account_used,
		COUNT(*),
		SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END),
		SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END),
		COALESCE(SUM(total_tokens), 0)
		FROM request_records WHERE timestamp >= ? AND account_used IS NOT NULL
		GROUP BY account_used ORDER BY COUNT(*) DESC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AccountUsage
	for rows.Next() {
		var a AccountUsage
		if err := rows.Scan(&a.AccountID, &a.RequestCount, &a.SuccessCount, &a.ErrorCount, &a.TotalTokens); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

