package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GlobalWebhook is the session key of the process-wide destination.
const GlobalWebhook = ""

// Webhook is a registered delivery destination.
type Webhook struct {
	SessionID string    `json:"session_id"`
	URLChunk  string    `json:"url_chunk"`
	URLFinal  string    `json:"url_final"`
	Secret    string    `json:"-"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertWebhook replaces the destination registered for wh.SessionID.
func (s *Store) UpsertWebhook(ctx context.Context, wh Webhook) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhooks(session_id, url_chunk, url_final, secret, active, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   url_chunk = excluded.url_chunk,
		   url_final = excluded.url_final,
		   secret = excluded.secret,
		   active = excluded.active,
		   updated_at = excluded.updated_at`,
		wh.SessionID, wh.URLChunk, wh.URLFinal, wh.Secret, wh.Active, now, now)
	return err
}

// ActiveWebhook returns the active destination for sessionID (GlobalWebhook
// for the process-wide one).
func (s *Store) ActiveWebhook(ctx context.Context, sessionID string) (Webhook, error) {
	var (
		wh               Webhook
		created, updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, url_chunk, url_final, secret, active, created_at, updated_at
		 FROM webhooks WHERE session_id = ? AND active = 1`, sessionID).
		Scan(&wh.SessionID, &wh.URLChunk, &wh.URLFinal, &wh.Secret, &wh.Active, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Webhook{}, ErrNotFound
	}
	if err != nil {
		return Webhook{}, err
	}
	wh.CreatedAt = parseTime(created)
	wh.UpdatedAt = parseTime(updated)
	return wh, nil
}
