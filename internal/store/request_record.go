package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// RequestRecord is one inbound proxied request, created in memory at
// dispatch start and persisted after the response completes or aborts, via
// the async write queue.
type RequestRecord struct {
	ID                       string    `json:"id"`
	Timestamp                time.Time `json:"timestamp"`
	Method                   string    `json:"method"`
	Path                     string    `json:"path"`
	AccountUsed              string    `json:"account_used,omitempty"`
	StatusCode               int       `json:"status_code"`
	Success                  bool      `json:"success"`
	ErrorMessage             string    `json:"error_message,omitempty"`
	ResponseTimeMs           int64     `json:"response_time_ms"`
	FailoverAttempts         int       `json:"failover_attempts"`
	Model                    string    `json:"model,omitempty"`
	InputTokens              int       `json:"input_tokens"`
	OutputTokens             int       `json:"output_tokens"`
	CacheReadInputTokens     int       `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int       `json:"cache_creation_input_tokens"`
	TotalTokens              int       `json:"total_tokens"`
	CostUSD                  string    `json:"cost_usd"` // decimal.Decimal.String()
	OutputTokensPerSecond    float64   `json:"output_tokens_per_second"`
}

// RequestPayload is the optional captured request/response debugging blob,
// keyed by RequestRecord id, subject to retention.
type RequestPayload struct {
	RequestID   string    `json:"request_id"`
	PayloadJSON string    `json:"payload_json"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Store) RecordRequest(rec *RequestRecord, payload *RequestPayload) error {
	query := `INSERT INTO request_records (
		id, timestamp, method, path, account_used, status_code, success, error_message,
		response_time_ms, failover_attempts, model, input_tokens, output_tokens,
		cache_read_input_tokens, cache_creation_input_tokens, total_tokens, cost_usd, output_tokens_per_second
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status_code=excluded.status_code, success=excluded.success, error_message=excluded.error_message,
		response_time_ms=excluded.response_time_ms, failover_attempts=excluded.failover_attempts,
		input_tokens=excluded.input_tokens, output_tokens=excluded.output_tokens,
		cache_read_input_tokens=excluded.cache_read_input_tokens,
		cache_creation_input_tokens=excluded.cache_creation_input_tokens,
		total_tokens=excluded.total_tokens, cost_usd=excluded.cost_usd,
		output_tokens_per_second=excluded.output_tokens_per_second`

	var accountUsed interface{}
	if rec.AccountUsed != "" {
		accountUsed = rec.AccountUsed
	}

	_, err := s.db.Exec(query,
		rec.ID, rec.Timestamp, rec.Method, rec.Path, accountUsed, rec.StatusCode, rec.Success, rec.ErrorMessage,
		rec.ResponseTimeMs, rec.FailoverAttempts, rec.Model, rec.InputTokens, rec.OutputTokens,
		rec.CacheReadInputTokens, rec.CacheCreationInputTokens, rec.TotalTokens, rec.CostUSD, rec.OutputTokensPerSecond,
	)
	if err != nil {
		return err
	}

	if payload != nil {
		_, err = s.db.Exec(`INSERT INTO request_payloads (request_id, payload_json, created_at) VALUES (?, ?, ?)
			ON CONFLICT(request_id) DO UPDATE SET payload_json=excluded.payload_json`,
			rec.ID, payload.PayloadJSON, payload.CreatedAt)
	}
	return err
}

// Idempotence note: RecordRequest is an upsert keyed by RequestRecord.id so a
// caller retrying after a failed async write never creates duplicate rows,
// matching the Store's "all mutators idempotent w.r.t. caller retries"
// contract (base §4.1).

func (s *Store) GetRequestRecord(id string) (*RequestRecord, error) {
	query := `SELECT id, timestamp, method, path, COALESCE(account_used,''), status_code, success, error_message,
		response_time_ms, failover_attempts, model, input_tokens, output_tokens,
		cache_read_input_tokens, cache_creation_input_tokens, total_tokens, cost_usd, output_tokens_per_second
		FROM request_records WHERE id = ?`
	row := s.db.QueryRow(query, id)

	var rec RequestRecord
	err := row.Scan(&rec.ID, &rec.Timestamp, &rec.Method, &rec.Path, &rec.AccountUsed, &rec.StatusCode, &rec.Success,
		&rec.ErrorMessage, &rec.ResponseTimeMs, &rec.FailoverAttempts, &rec.Model, &rec.InputTokens, &rec.OutputTokens,
		&rec.CacheReadInputTokens, &rec.CacheCreationInputTokens, &rec.TotalTokens, &rec.CostUSD, &rec.OutputTokensPerSecond)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Store) ListRequestRecords(limit int) ([]*RequestRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, timestamp, method, path, COALESCE(account_used,''), status_code, success, error_message,
		response_time_ms, failover_attempts, model, input_tokens, output_tokens,
		cache_read_input_tokens, cache_creation_input_tokens, total_tokens, cost_usd, output_tokens_per_second
		FROM request_records ORDER BY timestamp DESC LIMIT ?`
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*RequestRecord
	for rows.Next() {
		var rec RequestRecord
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Method, &rec.Path, &rec.AccountUsed, &rec.StatusCode, &rec.Success,
			&rec.ErrorMessage, &rec.ResponseTimeMs, &rec.FailoverAttempts, &rec.Model, &rec.InputTokens, &rec.OutputTokens,
			&rec.CacheReadInputTokens, &rec.CacheCreationInputTokens, &rec.TotalTokens, &rec.CostUSD, &rec.OutputTokensPerSecond); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (s *Store) GetRequestPayload(requestID string) (*RequestPayload, error) {
	row := s.db.QueryRow(`SELECT request_id, payload_json, created_at FROM request_payloads WHERE request_id = ?`, requestID)
	var p RequestPayload
	if err := row.Scan(&p.RequestID, &p.PayloadJSON, &p.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// BuildPayloadJSON assembles the archive shape from base §6: request/response
// headers+body plus dispatch metadata.
func BuildPayloadJSON(requestHeaders, responseHeaders map[string][]string, requestBody, responseBody []byte, errMsg string, meta map[string]interface{}) (string, error) {
	blob := map[string]interface{}{
		"request":  map[string]interface{}{"headers": requestHeaders, "body": string(requestBody)},
		"response": map[string]interface{}{"headers": responseHeaders, "body": string(responseBody)},
		"meta":     meta,
	}
	if errMsg != "" {
		blob["error"] = errMsg
	}
	b, err := json.Marshal(blob)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
