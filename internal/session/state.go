package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-ingest/internal/delivery"
)

// Phase is where a session sits in its lifecycle.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseBuffering
	PhaseProcessing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseBuffering:
		return "buffering"
	case PhaseProcessing:
		return "processing"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// State is the runtime record of one session. mu serializes appends,
// processing passes and close.
type State struct {
	ID string

	mu        sync.Mutex
	lang      string
	tier      string
	format    string
	spoolPath string
	startedAt time.Time
	persisted bool
	closed    bool

	receivedBytes    int64
	emittedSeq       int
	emittedSentences int
	carry            string
	fullText         string
	duration         time.Duration
	final            *delivery.FinalPayload

	// read without mu
	lastTouch  atomic.Int64
	phase      atomic.Int32
	closedFlag atomic.Bool
	closedAt   atomic.Int64 // unix nanos

	outbox outbox
}

func (s *State) touch(now time.Time) {
	s.lastTouch.Store(now.UnixNano())
}

func (s *State) lastTouched() time.Time {
	return time.Unix(0, s.lastTouch.Load())
}

func (s *State) setPhase(p Phase) {
	s.phase.Store(int32(p))
}

// Phase reports the current phase without waiting for a running pass.
func (s *State) Phase() Phase {
	return Phase(s.phase.Load())
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	SessionID        string    `json:"session_id"`
	Lang             string    `json:"lang"`
	Tier             string    `json:"tier"`
	Phase            Phase     `json:"phase"`
	ReceivedBytes    int64     `json:"received_bytes"`
	EmittedSeq       int       `json:"emitted_seq"`
	EmittedSentences int       `json:"emitted_sentences"`
	PendingDelivery  int       `json:"pending_deliveries"`
	TextFull         string    `json:"text_full"`
	StartedAt        time.Time `json:"started_at"`
	LastTouch        time.Time `json:"last_touch"`
	Closed           bool      `json:"closed"`
}

func (s *State) snapshot() Snapshot {
	phase := s.Phase()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:        s.ID,
		Lang:             s.lang,
		Tier:             s.tier,
		Phase:            phase,
		ReceivedBytes:    s.receivedBytes,
		EmittedSeq:       s.emittedSeq,
		EmittedSentences: s.emittedSentences,
		PendingDelivery:  s.outbox.pending(),
		TextFull:         s.fullText,
		StartedAt:        s.startedAt,
		LastTouch:        s.lastTouched(),
		Closed:           s.closed,
	}
}
