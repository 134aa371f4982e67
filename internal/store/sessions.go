package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const (
	StatusActive = "active"
	StatusClosed = "closed"
)

// Session is the persisted session record.
type Session struct {
	ID            string     `json:"session_id"`
	Lang          string     `json:"lang"`
	Tier          string     `json:"tier"`
	Status        string     `json:"status"`
	ReceivedBytes int64      `json:"received_bytes"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// EnsureSession creates the session row if it does not exist yet and reports
// whether it did.
func (s *Store) EnsureSession(ctx context.Context, id, lang, tier string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, lang, tier, status, started_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		id, lang, tier, StatusActive, s.now())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) AddReceivedBytes(ctx context.Context, id string, n int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET received_bytes = received_bytes + ? WHERE session_id = ?`, n, id)
	return err
}

// CloseSession moves an active session to closed. Closing twice is a no-op.
func (s *Store) CloseSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, ended_at = ? WHERE session_id = ? AND status = ?`,
		StatusClosed, s.now(), id, StatusActive)
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	var (
		sess    Session
		started string
		ended   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, lang, tier, status, received_bytes, started_at, ended_at
		 FROM sessions WHERE session_id = ?`, id).
		Scan(&sess.ID, &sess.Lang, &sess.Tier, &sess.Status, &sess.ReceivedBytes, &started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	sess.StartedAt = parseTime(started)
	sess.EndedAt = parseNullTime(ended)
	return sess, nil
}
