package store

import (
	"context"
	"time"
)

// Audit event types.
const (
	EventSessionOpened       = "session.opened"
	EventSessionClosed       = "session.closed"
	EventChunkDelivered      = "chunk.delivered"
	EventChunkDeliveryFailed = "chunk.delivery_failed"
	EventFinalDelivered      = "final.delivered"
	EventFinalDeliveryFailed = "final.delivery_failed"
)

// Event represents a recorded timeline entry.
type Event struct {
	ID        int64
	SessionID string
	TraceID   string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// AppendEvent writes an event into the timeline. The session must exist.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, trace_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.SessionID, evt.TraceID, evt.Type, evt.Payload, formatTime(evt.CreatedAt))
	return err
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, trace_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TraceID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}
