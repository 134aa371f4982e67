package delivery

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// ChunkPayload is the body posted for every chunk.
type ChunkPayload struct {
	SessionID     string `json:"session_id"`
	ChunkID       string `json:"chunk_id"`
	Seq           int    `json:"seq"`
	Text          string `json:"text"`
	OverlapPrefix string `json:"overlap_prefix"`
	Lang          string `json:"lang"`
}

// FinalPayload is the terminal full-text record of a session.
type FinalPayload struct {
	SessionID   string  `json:"session_id"`
	TextFull    string  `json:"text_full"`
	Lang        string  `json:"lang"`
	DurationSec float64 `json:"duration_sec"`
	TotalChunks int     `json:"total_chunks"`
}

// ChunkKey is the idempotency key of a chunk.
func ChunkKey(sessionID, chunkID string) string {
	return sessionID + ":" + chunkID
}

// FinalKey is the idempotency key of a session's final record.
func FinalKey(sessionID string) string {
	return sessionID + ":final"
}

// ChunkRequestID traces a chunk delivery by its position in the session.
func ChunkRequestID(sessionID string, seq int) string {
	return sessionID + ":" + strconv.Itoa(seq)
}

// Encode renders the canonical body: compact JSON, non-ASCII and HTML
// characters left unescaped.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
