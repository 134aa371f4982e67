package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-ingest/internal/chunker"
	"github.com/loqalabs/loqa-ingest/internal/delivery"
	"github.com/loqalabs/loqa-ingest/internal/protocol"
	"github.com/loqalabs/loqa-ingest/internal/segment"
	"github.com/loqalabs/loqa-ingest/internal/store"
	"github.com/loqalabs/loqa-ingest/internal/stt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// NewSessionID returns a random identifier for sessions the caller did not name.
func NewSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// debounced runs a pass only when no append arrived since this task was
// scheduled, allowing for timer jitter of the configured epsilon.
func (m *Manager) debounced(st *State) {
	if st.closedFlag.Load() || m.baseCtx.Err() != nil {
		return
	}
	cfg := m.cfg.Current()
	window := time.Duration(cfg.Session.DebounceMS) * time.Millisecond
	epsilon := time.Duration(cfg.Session.DebounceEpsilonMS) * time.Millisecond
	if m.now().Sub(st.lastTouched()) < window-epsilon {
		return
	}
	if err := m.process(m.baseCtx, st); err != nil {
		m.log.Warn("processing pass failed", slog.String("session_id", st.ID), slogError(err))
	}
}

func (m *Manager) process(ctx context.Context, st *State) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	return m.passLocked(ctx, st, false)
}

// passLocked re-recognizes the whole spool, splits the text and emits chunks
// for sentences not yet emitted. Session counters and the accumulated text
// only advance once the chunks are persisted. final marks the closing pass.
// st.mu must be held.
func (m *Manager) passLocked(ctx context.Context, st *State, final bool) (err error) {
	ctx, span := m.tracer.Start(ctx, "session.process", trace.WithAttributes(
		attribute.String("session.id", st.ID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if !st.closed {
			st.setPhase(PhaseIdle)
		}
	}()
	st.setPhase(PhaseProcessing)

	cfg := m.cfg.Current()
	if m.passes != nil {
		m.passes.Add(ctx, 1)
	}
	if st.receivedBytes == 0 {
		return nil
	}

	res, err := m.recognizer.Transcribe(ctx, stt.Audio{
		SessionID:  st.ID,
		Path:       st.spoolPath,
		Format:     st.format,
		Language:   st.lang,
		SampleRate: cfg.STT.SampleRate,
		Channels:   cfg.STT.Channels,
		Final:      final,
	})
	if err != nil {
		return fmt.Errorf("recognize: %w", err)
	}
	text := segment.Normalize(res.Text)
	if text == "" {
		return nil
	}
	commit := func() {
		st.fullText = text
		if res.Duration > 0 {
			st.duration = res.Duration
		}
	}

	sentences := segment.Split(text)
	if len(sentences) <= st.emittedSentences {
		commit()
		return nil
	}
	fresh := sentences[st.emittedSentences:]

	dst, deliverable := m.destination(ctx, st.ID)
	chunks, _ := chunker.NewAssembler(cfg.Chunking).Assemble(st.ID, st.lang, fresh, st.emittedSeq+1, st.carry)
	span.SetAttributes(attribute.Int("chunks", len(chunks)))

	for i := range chunks {
		ch := chunks[i]
		duplicate := false
		switch err := m.store.SaveChunk(ctx, ch); {
		case errors.Is(err, store.ErrDuplicate):
			m.log.Debug("chunk already persisted", slog.String("session_id", st.ID), slog.Int("seq", ch.Seq))
			duplicate = true
		case err != nil:
			return fmt.Errorf("persist chunk %d: %w", ch.Seq, err)
		}
		st.emittedSeq = ch.Seq
		st.emittedSentences += len(ch.Sentences)
		st.carry = ch.Carry()
		if duplicate {
			continue
		}
		if m.emitted != nil {
			m.emitted.Add(ctx, 1, metric.WithAttributes(attribute.String("lang", ch.Lang)))
		}
		m.publishChunk(ch)
		if deliverable && dst.ChunkURL != "" {
			m.enqueue(st, job{dst: dst, chunk: &ch})
		}
	}
	commit()
	m.log.Debug("processing pass complete",
		slog.String("session_id", st.ID),
		slog.Int("chunks", len(chunks)),
		slog.Int("emitted_seq", st.emittedSeq))
	return nil
}

func (m *Manager) publishChunk(ch chunker.Chunk) {
	if m.publisher == nil {
		return
	}
	evt := protocol.ChunkEvent{
		SessionID:     ch.SessionID,
		ChunkID:       ch.ChunkID,
		Seq:           ch.Seq,
		Text:          ch.Text,
		OverlapPrefix: ch.OverlapPrefix,
		Lang:          ch.Lang,
		Hash:          ch.Hash,
		CreatedAt:     ch.CreatedAt,
	}
	if err := m.publisher.PublishJSON(protocol.SubjectTranscriptChunk, evt); err != nil {
		m.log.Warn("failed to publish chunk event", slog.String("session_id", ch.SessionID), slogError(err))
	}
}

func (m *Manager) publishFinal(p delivery.FinalPayload) {
	if m.publisher == nil {
		return
	}
	evt := protocol.FinalEvent{
		SessionID:   p.SessionID,
		TextFull:    p.TextFull,
		Lang:        p.Lang,
		DurationSec: p.DurationSec,
		TotalChunks: p.TotalChunks,
		ClosedAt:    m.now().UTC(),
	}
	if err := m.publisher.PublishJSON(protocol.SubjectTranscriptFinal, evt); err != nil {
		m.log.Warn("failed to publish final event", slog.String("session_id", p.SessionID), slogError(err))
	}
}
