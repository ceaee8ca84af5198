package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrUniqueViolation is returned by AppendSegment when the caller supplies
// a sequence number already used in the session - an engine bug, not a
// recoverable condition.
var ErrUniqueViolation = errors.New("unique violation")

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("not found")

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// CreateSession inserts a new active session row.
func (db *DB) CreateSession(locale string) (*Session, error) {
	s := &Session{
		ID:        uuid.New().String(),
		Locale:    locale,
		StartedAt: nowSeconds(),
		Status:    SessionActive,
		CreatedAt: nowSeconds(),
	}
	_, err := db.conn.Exec(
		`INSERT INTO sessions (id, locale, started_at, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.Locale, s.StartedAt, s.Status, s.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

// EndSession sets ended_at and the terminal status for a session.
func (db *DB) EndSession(id string, status SessionStatus) error {
	_, err := db.conn.Exec(
		`UPDATE sessions SET ended_at = ?, status = ? WHERE id = ?`,
		nowSeconds(), status, id,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

func scanSession(row *sql.Row) (*Session, error) {
	var s Session
	if err := row.Scan(&s.ID, &s.Locale, &s.StartedAt, &s.EndedAt, &s.Title, &s.Status, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

const sessionColumns = `id, locale, started_at, ended_at, title, status, created_at`

// ActiveSession returns the session with status='active', or nil if none.
func (db *DB) ActiveSession() (*Session, error) {
	row := db.conn.QueryRow(`SELECT ` + sessionColumns + ` FROM sessions WHERE status = 'active' LIMIT 1`)
	s, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("active session: %w", err)
	}
	return s, nil
}

// LatestSession returns the most recently created session, or nil if none
// exist.
func (db *DB) LatestSession() (*Session, error) {
	row := db.conn.QueryRow(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC LIMIT 1`)
	s, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("latest session: %w", err)
	}
	return s, nil
}

// DeleteSession removes a session and, via ON DELETE CASCADE, all of its
// segments, summaries, and topics.
func (db *DB) DeleteSession(id string) error {
	_, err := db.conn.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// AppendSegment inserts a finalized segment. A unique violation on
// (session_id, sequence_number) indicates a caller bug and is reported as
// ErrUniqueViolation so the engine can treat it as fatal.
func (db *DB) AppendSegment(seg Segment) error {
	if seg.ID == "" {
		seg.ID = uuid.New().String()
	}
	if seg.CreatedAt == 0 {
		seg.CreatedAt = nowSeconds()
	}
	_, err := db.conn.Exec(
		`INSERT INTO segments (id, session_id, text, started_at, ended_at, confidence, sequence_number, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seg.ID, seg.SessionID, seg.Text, seg.StartedAt, seg.EndedAt, seg.Confidence, seg.SequenceNumber, seg.Source, seg.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUniqueViolation
		}
		return fmt.Errorf("append segment: %w", err)
	}
	return nil
}

// SegmentsFor returns every segment for a session ordered by sequence
// number.
func (db *DB) SegmentsFor(sessionID string) ([]Segment, error) {
	rows, err := db.conn.Query(
		`SELECT id, session_id, text, started_at, ended_at, confidence, sequence_number, source, created_at
		 FROM segments WHERE session_id = ? ORDER BY sequence_number ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("segments for: %w", err)
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		var s Segment
		if err := rows.Scan(&s.ID, &s.SessionID, &s.Text, &s.StartedAt, &s.EndedAt, &s.Confidence, &s.SequenceNumber, &s.Source, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SaveTopicsReplacing atomically replaces the topic set for a session:
// delete all existing topics, then insert the new set, in one transaction.
func (db *DB) SaveTopicsReplacing(sessionID string, topics []Topic) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("save topics: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM topics WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("save topics: delete: %w", err)
	}

	for _, t := range topics {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if t.CreatedAt == 0 {
			t.CreatedAt = nowSeconds()
		}
		t.SessionID = sessionID
		if _, err := tx.Exec(
			`INSERT INTO topics (id, session_id, title, summary, segment_range_start, segment_range_end, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.SessionID, t.Title, t.Summary, t.SegmentRangeStart, t.SegmentRangeEnd, t.CreatedAt,
		); err != nil {
			return fmt.Errorf("save topics: insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save topics: commit: %w", err)
	}
	return nil
}

// TopicsFor returns the current topics for a session ordered by their
// segment range start.
func (db *DB) TopicsFor(sessionID string) ([]Topic, error) {
	rows, err := db.conn.Query(
		`SELECT id, session_id, title, summary, segment_range_start, segment_range_end, created_at
		 FROM topics WHERE session_id = ? ORDER BY segment_range_start ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("topics for: %w", err)
	}
	defer rows.Close()

	var out []Topic
	for rows.Next() {
		var t Topic
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Title, &t.Summary, &t.SegmentRangeStart, &t.SegmentRangeEnd, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveSummary records an audit row for a rolling or final summarization
// run.
func (db *DB) SaveSummary(s Summary) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt == 0 {
		s.CreatedAt = nowSeconds()
	}
	_, err := db.conn.Exec(
		`INSERT INTO summaries (id, session_id, content, summary_type, segment_range_start, segment_range_end, model_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.SessionID, s.Content, s.SummaryType, s.SegmentRangeStart, s.SegmentRangeEnd, s.ModelID, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

// SummariesFor returns every summary recorded for a session.
func (db *DB) SummariesFor(sessionID string) ([]Summary, error) {
	rows, err := db.conn.Query(
		`SELECT id, session_id, content, summary_type, segment_range_start, segment_range_end, model_id, created_at
		 FROM summaries WHERE session_id = ? ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("summaries for: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ID, &s.SessionID, &s.Content, &s.SummaryType, &s.SegmentRangeStart, &s.SegmentRangeEnd, &s.ModelID, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// isUniqueViolation matches the modernc.org/sqlite driver's unique
// constraint error text, which wraps SQLite's own message rather than
// exposing a typed sentinel.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
