package sink

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/waitless/dbopen"
	"github.com/hazyhaar/waitless/stability"
)

// StoreSchema creates the stability_reports table.
const StoreSchema = `
CREATE TABLE IF NOT EXISTS stability_reports (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL DEFAULT '',
	page_url    TEXT NOT NULL DEFAULT '',
	action      TEXT NOT NULL DEFAULT '',
	outcome     TEXT NOT NULL,
	elapsed_ms  INTEGER NOT NULL,
	report      TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stability_reports_session ON stability_reports(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_stability_reports_outcome ON stability_reports(outcome, created_at);
`

// Store keeps reports in SQLite for later diagnosis.
type Store struct {
	db *sql.DB
}

// NewStore wraps db, creating the table if needed. The caller owns db.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, StoreSchema); err != nil {
		return nil, fmt.Errorf("sink: store schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) SendReport(ctx context.Context, rep *stability.Report) error {
	data, err := stability.MarshalReport(rep)
	if err != nil {
		return fmt.Errorf("sink: store: %w", err)
	}
	_, err = dbopen.Exec(ctx, s.db, `
		INSERT OR REPLACE INTO stability_reports
			(id, session_id, page_url, action, outcome, elapsed_ms, report, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rep.ID, rep.SessionID, rep.PageURL, rep.Action, string(rep.Outcome),
		rep.Elapsed.Milliseconds(), string(data), rep.Timestamp)
	if err != nil {
		return fmt.Errorf("sink: store report %s: %w", rep.ID, err)
	}
	return nil
}

// Query selects stored reports. Zero fields do not filter.
type Query struct {
	SessionID string
	Outcome   stability.Outcome
	Limit     int // default 100
}

// List returns matching reports, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]*stability.Report, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT report FROM stability_reports
		WHERE (?1 = '' OR session_id = ?1) AND (?2 = '' OR outcome = ?2)
		ORDER BY created_at DESC, id DESC
		LIMIT ?3
	`, q.SessionID, string(q.Outcome), q.Limit)
	if err != nil {
		return nil, fmt.Errorf("sink: list reports: %w", err)
	}
	defer rows.Close()

	var out []*stability.Report
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("sink: list reports: %w", err)
		}
		rep, err := stability.UnmarshalReport([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("sink: decode report: %w", err)
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}

// Get returns one report by id, nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*stability.Report, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM stability_reports WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sink: get report %s: %w", id, err)
	}
	return stability.UnmarshalReport([]byte(raw))
}

// Close does not close the database, which the caller owns.
func (s *Store) Close() error { return nil }
