// Package sink is a reference receiver for delivered chunks and final
// records. It verifies signatures, drops replays by Idempotency-Key and
// hands accepted payloads to a Consumer. A key is only acknowledged as a
// duplicate once its first delivery was consumed.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-ingest/internal/delivery"
)

const (
	PathChunk = "/v2/ingest/chunk"
	PathFull  = "/v2/ingest/full"

	maxBodyBytes = 4 << 20
)

// Consumer processes accepted payloads, e.g. keyphrase extraction.
type Consumer interface {
	ConsumeChunk(ctx context.Context, p delivery.ChunkPayload) error
	ConsumeFinal(ctx context.Context, p delivery.FinalPayload) error
}

// LogConsumer logs every payload it accepts.
type LogConsumer struct {
	Logger *slog.Logger
}

func (c LogConsumer) ConsumeChunk(_ context.Context, p delivery.ChunkPayload) error {
	c.Logger.Info("chunk received",
		slog.String("session_id", p.SessionID),
		slog.String("chunk_id", p.ChunkID),
		slog.Int("seq", p.Seq),
		slog.Int("text_len", len([]rune(p.Text))))
	return nil
}

func (c LogConsumer) ConsumeFinal(_ context.Context, p delivery.FinalPayload) error {
	c.Logger.Info("final transcript received",
		slog.String("session_id", p.SessionID),
		slog.Int("total_chunks", p.TotalChunks),
		slog.Float64("duration_sec", p.DurationSec))
	return nil
}

// SecretLookup returns the signing secret of a session, or "" to use the
// receiver's default secret.
type SecretLookup func(ctx context.Context, sessionID string) string

// Receiver serves the ingest endpoints.
type Receiver struct {
	secret   string
	lookup   SecretLookup
	idem     IdempotencyStore
	consumer Consumer
	logger   *slog.Logger
}

func NewReceiver(secret string, lookup SecretLookup, idem IdempotencyStore, consumer Consumer, logger *slog.Logger) *Receiver {
	logger = logger.With(slog.String("component", "sink"))
	if consumer == nil {
		consumer = LogConsumer{Logger: logger}
	}
	return &Receiver{secret: secret, lookup: lookup, idem: idem, consumer: consumer, logger: logger}
}

// Routes registers the ingest endpoints on mux.
func (r *Receiver) Routes(mux *http.ServeMux) {
	mux.HandleFunc(PathChunk, r.handleChunk)
	mux.HandleFunc(PathFull, r.handleFull)
}

type reply struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

var errInvalidPayload = errors.New("invalid payload")

func (r *Receiver) handleChunk(w http.ResponseWriter, req *http.Request) {
	var p delivery.ChunkPayload
	r.receive(w, req, &p, func() error {
		if p.SessionID == "" || p.ChunkID == "" || p.Seq < 1 || p.Text == "" || p.Lang == "" {
			return errInvalidPayload
		}
		return nil
	}, func(ctx context.Context) error {
		return r.consumer.ConsumeChunk(ctx, p)
	})
}

func (r *Receiver) handleFull(w http.ResponseWriter, req *http.Request) {
	var p delivery.FinalPayload
	r.receive(w, req, &p, func() error {
		if p.SessionID == "" || p.Lang == "" || p.TotalChunks < 0 || p.DurationSec < 0 {
			return errInvalidPayload
		}
		return nil
	}, func(ctx context.Context) error {
		return r.consumer.ConsumeFinal(ctx, p)
	})
}

func (r *Receiver) receive(w http.ResponseWriter, req *http.Request, dst any, validate func() error, consume func(context.Context) error) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeReply(w, http.StatusMethodNotAllowed, reply{Status: "error", Error: "method not allowed"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		writeReply(w, http.StatusBadRequest, reply{Status: "error", Error: "unreadable body"})
		return
	}

	ctx := req.Context()
	if !delivery.Verify(r.secretFor(ctx, body), body, req.Header.Get(delivery.HeaderSignature)) {
		r.logger.Warn("signature mismatch", slog.String("path", req.URL.Path))
		writeReply(w, http.StatusUnauthorized, reply{Status: "error", Error: "bad signature"})
		return
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeReply(w, http.StatusBadRequest, reply{Status: "error", Error: "malformed json"})
		return
	}
	if err := validate(); err != nil {
		writeReply(w, http.StatusBadRequest, reply{Status: "error", Error: err.Error()})
		return
	}

	key := req.Header.Get(delivery.HeaderIdempotency)
	log := r.logger.With(slog.String("idempotency_key", key), slog.String("request_id", req.Header.Get(delivery.HeaderRequestID)))
	if key != "" {
		state, err := r.idem.Claim(ctx, key)
		if err != nil {
			log.Error("idempotency store failed", slogError(err))
			writeReply(w, http.StatusServiceUnavailable, reply{Status: "error", Error: "idempotency store unavailable"})
			return
		}
		switch state {
		case Done:
			log.Info("duplicate delivery")
			writeReply(w, http.StatusOK, reply{Status: "duplicate"})
			return
		case InFlight:
			// retryable: the first copy may still fail and release the key
			log.Info("delivery already in progress")
			w.Header().Set("Retry-After", "1")
			writeReply(w, http.StatusServiceUnavailable, reply{Status: "in_progress"})
			return
		}
	}

	if err := consume(ctx); err != nil {
		log.Error("consumer failed", slogError(err))
		if key != "" {
			if rerr := r.idem.Release(ctx, key); rerr != nil {
				log.Warn("failed to release idempotency key", slogError(rerr))
			}
		}
		writeReply(w, http.StatusInternalServerError, reply{Status: "error", Error: "consumer failed"})
		return
	}
	if key != "" {
		if err := r.idem.Complete(ctx, key); err != nil {
			log.Warn("failed to complete idempotency key", slogError(err))
		}
	}
	writeReply(w, http.StatusOK, reply{Status: "ok"})
}

// secretFor picks the per-session secret when the body names a session the
// lookup knows, and the default secret otherwise.
func (r *Receiver) secretFor(ctx context.Context, body []byte) string {
	if r.lookup == nil {
		return r.secret
	}
	var head struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &head); err != nil || head.SessionID == "" {
		return r.secret
	}
	if s := r.lookup(ctx, head.SessionID); s != "" {
		return s
	}
	return r.secret
}

func writeReply(w http.ResponseWriter, status int, v reply) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
