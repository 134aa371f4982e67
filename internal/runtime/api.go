package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/loqalabs/loqa-ingest/internal/chunker"
	"github.com/loqalabs/loqa-ingest/internal/session"
	"github.com/loqalabs/loqa-ingest/internal/store"
	"github.com/loqalabs/loqa-ingest/internal/webhook"
)

const (
	maxJSONBody   = 64 << 10
	maxDrainBytes = 64 << 20
)

// Queries is the read side of the store the API serves.
type Queries interface {
	GetSession(ctx context.Context, id string) (store.Session, error)
	ListChunks(ctx context.Context, sessionID string) ([]chunker.Chunk, error)
	GetTranscript(ctx context.Context, sessionID string) (store.Transcript, error)
}

// API serves the public HTTP endpoints.
type API struct {
	sessions *session.Manager
	store    Queries
	registry *webhook.Registry
	stream   http.Handler
	logger   *slog.Logger
}

func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/transcribe", a.handleTranscribe)
	mux.Handle("GET /v1/stream", a.stream)
	mux.HandleFunc("GET /v1/session/{id}", a.handleSession)
	mux.HandleFunc("GET /v1/session/{id}/text", a.handleText)
	mux.HandleFunc("GET /v1/session/{id}/chunks", a.handleChunks)
	mux.HandleFunc("POST /v1/hook/module2", a.handleGlobalHook)
	mux.HandleFunc("POST /v1/webhooks/register", a.handleRegister)
}

type errorReply struct {
	Error string `json:"error"`
}

func (a *API) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		writeJSON(w, http.StatusBadRequest, errorReply{Error: "expected multipart/form-data"})
		return
	}
	mr, err := r.MultipartReader()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorReply{Error: err.Error()})
		return
	}

	q := r.URL.Query()
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, errorReply{Error: `missing "file" field`})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorReply{Error: err.Error()})
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		res, err := a.sessions.Transcribe(r.Context(), session.BatchRequest{
			SessionID: q.Get("session_id"),
			Lang:      q.Get("lang"),
			Tier:      q.Get("tier"),
			Filename:  part.FileName(),
			Body:      part,
		})
		part.Close()
		if err != nil {
			if errors.Is(err, session.ErrTooLarge) {
				// let the client finish sending so it sees the 413
				_, _ = io.CopyN(io.Discard, r.Body, maxDrainBytes)
			}
			a.writeSessionError(w, err)
			return
		}
		if res.Chunks == nil {
			res.Chunks = []chunker.Chunk{}
		}
		writeJSON(w, http.StatusOK, res)
		return
	}
}

type sessionReply struct {
	Session *store.Session    `json:"session,omitempty"`
	Live    *session.Snapshot `json:"live,omitempty"`
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var reply sessionReply
	if snap, ok := a.sessions.Snapshot(id); ok {
		reply.Live = &snap
	}
	sess, err := a.store.GetSession(r.Context(), id)
	switch {
	case err == nil:
		reply.Session = &sess
	case !errors.Is(err, store.ErrNotFound):
		a.internalError(w, "get session", err)
		return
	}
	if reply.Session == nil && reply.Live == nil {
		writeJSON(w, http.StatusNotFound, errorReply{Error: "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (a *API) handleText(w http.ResponseWriter, r *http.Request) {
	tr, err := a.store.GetTranscript(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorReply{Error: "transcript not found"})
		return
	}
	if err != nil {
		a.internalError(w, "get transcript", err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (a *API) handleChunks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.store.GetSession(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorReply{Error: "session not found"})
		return
	} else if err != nil {
		a.internalError(w, "get session", err)
		return
	}
	chunks, err := a.store.ListChunks(r.Context(), id)
	if err != nil {
		a.internalError(w, "list chunks", err)
		return
	}
	if chunks == nil {
		chunks = []chunker.Chunk{}
	}
	writeJSON(w, http.StatusOK, chunks)
}

// handleGlobalHook registers the destination used by sessions without one of
// their own.
func (a *API) handleGlobalHook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL    string `json:"url"`
		Secret string `json:"secret"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	a.register(w, r, webhook.Registration{URL: body.URL, Secret: body.Secret})
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg webhook.Registration
	if !decodeJSON(w, r, &reg) {
		return
	}
	if reg.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorReply{Error: "session_id is required"})
		return
	}
	a.register(w, r, reg)
}

func (a *API) register(w http.ResponseWriter, r *http.Request, reg webhook.Registration) {
	wh, err := a.registry.Register(r.Context(), reg)
	if errors.Is(err, webhook.ErrInvalidRegistration) {
		writeJSON(w, http.StatusBadRequest, errorReply{Error: err.Error()})
		return
	}
	if err != nil {
		a.internalError(w, "register webhook", err)
		return
	}
	a.logger.Info("webhook registered",
		slog.String("session_id", wh.SessionID),
		slog.String("url_chunk", wh.URLChunk),
		slog.String("url_final", wh.URLFinal))
	writeJSON(w, http.StatusOK, wh)
}

func (a *API) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrTooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorReply{Error: err.Error()})
	case errors.Is(err, session.ErrUnknownTier), errors.Is(err, session.ErrEmptySessionID):
		writeJSON(w, http.StatusBadRequest, errorReply{Error: err.Error()})
	case errors.Is(err, session.ErrSessionExists), errors.Is(err, session.ErrSessionClosed):
		writeJSON(w, http.StatusConflict, errorReply{Error: err.Error()})
	case errors.Is(err, session.ErrManagerStopping):
		writeJSON(w, http.StatusServiceUnavailable, errorReply{Error: err.Error()})
	default:
		a.internalError(w, "transcribe", err)
	}
}

func (a *API) internalError(w http.ResponseWriter, op string, err error) {
	a.logger.Error(op+" failed", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, errorReply{Error: "internal error"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorReply{Error: "invalid json body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
