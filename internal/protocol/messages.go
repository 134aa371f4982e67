package protocol

import "time"

// AudioFrame carries raw PCM for a session from an edge transport.
type AudioFrame struct {
	SessionID string `json:"session_id"`
	Sequence  int    `json:"sequence"`
	Lang      string `json:"lang,omitempty"`
	Tier      string `json:"tier,omitempty"`
	PCM       []byte `json:"pcm"`
	Final     bool   `json:"final"`
}

// ChunkEvent announces a persisted chunk.
type ChunkEvent struct {
	SessionID     string    `json:"session_id"`
	ChunkID       string    `json:"chunk_id"`
	Seq           int       `json:"seq"`
	Text          string    `json:"text"`
	OverlapPrefix string    `json:"overlap_prefix"`
	Lang          string    `json:"lang"`
	Hash          string    `json:"hash"`
	CreatedAt     time.Time `json:"created_at"`
}

// FinalEvent announces a closed session's transcript.
type FinalEvent struct {
	SessionID   string    `json:"session_id"`
	TextFull    string    `json:"text_full"`
	Lang        string    `json:"lang"`
	DurationSec float64   `json:"duration_sec"`
	TotalChunks int       `json:"total_chunks"`
	ClosedAt    time.Time `json:"closed_at"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectTranscriptChunk  = "transcript.chunk"
	SubjectTranscriptFinal  = "transcript.final"

	StreamTranscripts = "TRANSCRIPTS"
)

// AudioFrameSubject is the subject a session's frames are published on.
func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}
