package alerts

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const (
	historyRetention   = 30 * 24 * time.Hour
	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

// History persists the alert log in SQLite. The live document keeps only a
// bounded window of resolved alerts; this store is the durable record.
type History struct {
	db *sql.DB
}

// NewHistory opens (or creates) the alert history database.
func NewHistory(dbPath string) (*History, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open alert history db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS alert_history (
		id          TEXT PRIMARY KEY,
		trigger_key TEXT NOT NULL DEFAULT '',
		level       TEXT NOT NULL DEFAULT '',
		message     TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		resolved_at TEXT,
		payload     TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create alert_history table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_alert_history_created ON alert_history(created_at DESC)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_alert_history_trigger ON alert_history(trigger_key)`)

	h := &History{db: db}
	if err := h.pruneOlderThan(historyRetention); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prune alert history: %w", err)
	}
	return h, nil
}

// Close closes the underlying database.
func (h *History) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

// RecordCreated inserts a newly created alert.
func (h *History) RecordCreated(a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	_, err = h.db.Exec(`INSERT OR REPLACE INTO alert_history (id, trigger_key, level, message, status, created_at, resolved_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.Trigger,
		a.Level,
		a.Message,
		a.Status,
		a.DateCreated.UTC().Format(time.RFC3339Nano),
		nullableTime(a.DateResolved),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// RecordResolved updates an alert's terminal state. Unknown ids fall back
// to an insert so resolution is never lost.
func (h *History) RecordResolved(a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	res, err := h.db.Exec(`UPDATE alert_history SET status = ?, resolved_at = ?, payload = ? WHERE id = ?`,
		a.Status,
		nullableTime(a.DateResolved),
		string(payload),
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return h.RecordCreated(a)
	}
	return nil
}

// Recent returns the newest alerts, optionally filtered by trigger.
func (h *History) Recent(trigger string, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	stmt := `SELECT payload FROM alert_history`
	args := make([]any, 0, 2)
	if trigger != "" {
		stmt += ` WHERE trigger_key = ?`
		args = append(args, trigger)
	}
	stmt += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := h.db.Query(stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Alert, 0, limit)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			continue
		}
		var a Alert
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (h *History) pruneOlderThan(age time.Duration) error {
	cutoff := time.Now().UTC().Add(-age).Format(time.RFC3339Nano)
	_, err := h.db.Exec(`DELETE FROM alert_history WHERE created_at < ?`, cutoff)
	return err
}

func nullableTime(ts *time.Time) sql.NullString {
	if ts == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: ts.UTC().Format(time.RFC3339Nano), Valid: true}
}
