package stt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-ingest/internal/config"
)

// Formats of a session's spooled audio.
const (
	FormatPCM  = "pcm"  // raw little-endian 16-bit samples
	FormatFile = "file" // an encoded container the backend can read as is
)

// Audio points a recognizer at everything a session has spooled so far.
type Audio struct {
	SessionID  string
	Path       string
	Format     string
	Language   string
	SampleRate int
	Channels   int
	Final      bool // last pass before the session closes
}

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
	Duration   time.Duration
}

// Recognizer abstracts STT backends. It is called repeatedly on a growing
// spool and returns the full text recognized so far.
type Recognizer interface {
	Transcribe(ctx context.Context, audio Audio) (TranscriptResult, error)
}

// New builds the backend selected by cfg.Mode.
func New(cfg config.STTConfig, log *slog.Logger) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "openai":
		return NewOpenAIRecognizer(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}

// pcmDuration estimates the playback length of n bytes of 16-bit PCM.
func pcmDuration(n int64, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := n / int64(2*channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
