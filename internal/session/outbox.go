package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-ingest/internal/chunker"
	"github.com/loqalabs/loqa-ingest/internal/delivery"
	"github.com/loqalabs/loqa-ingest/internal/store"
)

// job is one pending delivery: either a chunk or the final record.
type job struct {
	dst   delivery.Destination
	chunk *chunker.Chunk
	final *delivery.FinalPayload
}

// outbox delivers a session's records one at a time in the order they were
// enqueued, so chunk k+1 is never issued before chunk k.
type outbox struct {
	mu      sync.Mutex
	queue   []job
	running bool
}

func (o *outbox) pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *outbox) idle() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue) == 0 && !o.running
}

func (m *Manager) enqueue(st *State, j job) {
	if m.deliverer == nil {
		return
	}
	o := &st.outbox
	o.mu.Lock()
	o.queue = append(o.queue, j)
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.mu.Unlock()

	if !m.track() {
		o.mu.Lock()
		dropped := len(o.queue)
		o.queue = nil
		o.running = false
		o.mu.Unlock()
		m.log.Warn("manager stopping, deliveries dropped", slog.String("session_id", st.ID), slog.Int("dropped", dropped))
		return
	}
	go func() {
		defer m.wg.Done()
		m.drainOutbox(st)
	}()
}

func (m *Manager) drainOutbox(st *State) {
	o := &st.outbox
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.running = false
			o.mu.Unlock()
			return
		}
		j := o.queue[0]
		o.queue = o.queue[1:]
		o.mu.Unlock()

		m.deliver(m.baseCtx, st.ID, j)
	}
}

func (m *Manager) deliver(ctx context.Context, sessionID string, j job) {
	log := m.log.With(slog.String("session_id", sessionID))
	switch {
	case j.chunk != nil:
		ch := j.chunk
		out := m.deliverer.DeliverChunk(ctx, j.dst, delivery.ChunkPayload{
			SessionID:     ch.SessionID,
			ChunkID:       ch.ChunkID,
			Seq:           ch.Seq,
			Text:          ch.Text,
			OverlapPrefix: ch.OverlapPrefix,
			Lang:          ch.Lang,
		})
		if out.OK() {
			if err := m.store.MarkDelivered(ctx, ch.ChunkID, m.now()); err != nil {
				log.Warn("failed to mark chunk delivered", slog.Int("seq", ch.Seq), slogError(err))
			}
			m.audit(ctx, sessionID, store.EventChunkDelivered, deliveryRecord(ch.Seq, ch.ChunkID, out))
			return
		}
		log.Warn("chunk delivery failed",
			slog.Int("seq", ch.Seq),
			slog.String("chunk_id", ch.ChunkID),
			slog.String("status", string(out.Status)),
			slog.Int("status_code", out.StatusCode))
		m.audit(ctx, sessionID, store.EventChunkDeliveryFailed, deliveryRecord(ch.Seq, ch.ChunkID, out))

	case j.final != nil:
		out := m.deliverer.DeliverFinal(ctx, j.dst, *j.final)
		if out.OK() {
			m.audit(ctx, sessionID, store.EventFinalDelivered, deliveryRecord(0, "", out))
			return
		}
		log.Warn("final delivery failed",
			slog.String("status", string(out.Status)),
			slog.Int("status_code", out.StatusCode))
		m.audit(ctx, sessionID, store.EventFinalDeliveryFailed, deliveryRecord(0, "", out))
	}
}

type auditDelivery struct {
	Seq        int    `json:"seq,omitempty"`
	ChunkID    string `json:"chunk_id,omitempty"`
	Status     string `json:"status"`
	StatusCode int    `json:"status_code"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
}

func deliveryRecord(seq int, chunkID string, out delivery.Outcome) auditDelivery {
	rec := auditDelivery{
		Seq:        seq,
		ChunkID:    chunkID,
		Status:     string(out.Status),
		StatusCode: out.StatusCode,
		Attempts:   out.Attempts,
	}
	if out.Err != nil {
		rec.Error = out.Err.Error()
	}
	return rec
}
