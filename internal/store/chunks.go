package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-ingest/internal/chunker"
)

// Transcript is the single terminal snapshot of a session.
type Transcript struct {
	SessionID   string    `json:"session_id"`
	TextFull    string    `json:"text_full"`
	Lang        string    `json:"lang"`
	DurationSec float64   `json:"duration_sec"`
	TotalChunks int       `json:"total_chunks"`
	CreatedAt   time.Time `json:"created_at"`
}

// SaveChunk records a chunk. Saving the same chunk id again yields
// ErrDuplicate; a different chunk at an already stored (session, seq) yields
// ErrSeqConflict.
func (s *Store) SaveChunk(ctx context.Context, ch chunker.Chunk) error {
	policy, err := json.Marshal(ch.Policy)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	created := ch.CreatedAt
	if created.IsZero() {
		created = s.clock()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chunks(chunk_id, session_id, seq, text, overlap_prefix, lang, policy_json, hash, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		ch.ChunkID, ch.SessionID, ch.Seq, ch.Text, ch.OverlapPrefix, ch.Lang, string(policy), ch.Hash, formatTime(created))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var stored string
		err := s.db.QueryRowContext(ctx,
			`SELECT chunk_id FROM chunks WHERE session_id = ? AND seq = ?`, ch.SessionID, ch.Seq).Scan(&stored)
		switch {
		case errors.Is(err, sql.ErrNoRows), err == nil && stored == ch.ChunkID:
			return ErrDuplicate
		case err != nil:
			return err
		}
		return fmt.Errorf("%w: seq %d of session %s", ErrSeqConflict, ch.Seq, ch.SessionID)
	}
	return nil
}

// MarkDelivered stamps delivered_at once; later calls keep the first stamp.
func (s *Store) MarkDelivered(ctx context.Context, chunkID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET delivered_at = ? WHERE chunk_id = ? AND delivered_at IS NULL`,
		formatTime(at), chunkID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM chunks WHERE chunk_id = ?`, chunkID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// ListChunks returns a session's chunks ordered by seq.
func (s *Store) ListChunks(ctx context.Context, sessionID string) ([]chunker.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id, session_id, seq, text, overlap_prefix, lang, policy_json, hash, created_at, delivered_at
		 FROM chunks WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []chunker.Chunk
	for rows.Next() {
		var (
			ch        chunker.Chunk
			policy    string
			created   string
			delivered sql.NullString
		)
		if err := rows.Scan(&ch.ChunkID, &ch.SessionID, &ch.Seq, &ch.Text, &ch.OverlapPrefix, &ch.Lang, &policy, &ch.Hash, &created, &delivered); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(policy), &ch.Policy); err != nil {
			return nil, fmt.Errorf("decode policy of chunk %s: %w", ch.ChunkID, err)
		}
		ch.CreatedAt = parseTime(created)
		ch.DeliveredAt = parseNullTime(delivered)
		chunks = append(chunks, ch)
	}
	return chunks, rows.Err()
}

// SaveTranscript writes the terminal snapshot. A second write for the same
// session yields ErrDuplicate and leaves the first in place.
func (s *Store) SaveTranscript(ctx context.Context, tr Transcript) error {
	created := tr.CreatedAt
	if created.IsZero() {
		created = s.clock()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts(session_id, text_full, lang, duration_sec, total_chunks, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		tr.SessionID, tr.TextFull, tr.Lang, tr.DurationSec, tr.TotalChunks, formatTime(created))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *Store) GetTranscript(ctx context.Context, sessionID string) (Transcript, error) {
	var (
		tr      Transcript
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, text_full, lang, duration_sec, total_chunks, created_at
		 FROM transcripts WHERE session_id = ?`, sessionID).
		Scan(&tr.SessionID, &tr.TextFull, &tr.Lang, &tr.DurationSec, &tr.TotalChunks, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Transcript{}, ErrNotFound
	}
	if err != nil {
		return Transcript{}, err
	}
	tr.CreatedAt = parseTime(created)
	return tr, nil
}
