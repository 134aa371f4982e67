// Package stream accepts live audio for sessions, over WebSocket from
// clients and over the bus from edge transports.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-ingest/internal/delivery"
)

// Sessions is the part of the session manager a transport drives.
type Sessions interface {
	Append(ctx context.Context, sessionID, lang, tier string, data []byte) (int64, error)
	Close(ctx context.Context, sessionID, lang string) (delivery.FinalPayload, error)
}

// Message types exchanged over the socket.
const (
	TypeHello     = "hello"
	TypeProgress  = "progress"
	TypeEOS       = "eos"
	TypeFinalFull = "final_full"
	TypeError     = "error"
)

// Message is a text frame of the streaming protocol.
type Message struct {
	Type          string                 `json:"type"`
	SessionID     string                 `json:"session_id,omitempty"`
	ReceivedBytes int64                  `json:"received_bytes,omitempty"`
	Payload       *delivery.FinalPayload `json:"payload,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

const (
	maxFrameBytes = 1 << 20
	writeWait     = 10 * time.Second
	closeTimeout  = 2 * time.Minute
)

// Handler serves the streaming endpoint.
type Handler struct {
	sessions Sessions
	upgrader websocket.Upgrader
	newID    func() string
	logger   *slog.Logger
}

func NewHandler(sessions Sessions, newID func() string, logger *slog.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 4 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		newID:  newID,
		logger: logger.With(slog.String("component", "stream")),
	}
}

// ServeHTTP upgrades the request and runs the session until the client sends
// eos or goes away. Either way the session is closed.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("session_id")
	if sessionID == "" {
		sessionID = h.newID()
	}
	lang := q.Get("lang")
	tier := q.Get("tier")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slogError(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)

	log := h.logger.With(slog.String("session_id", sessionID))
	log.Info("stream opened", slog.String("remote", r.RemoteAddr))

	if err := writeJSON(conn, Message{Type: TypeHello, SessionID: sessionID}); err != nil {
		log.Warn("failed to send hello", slogError(err))
		return
	}

	// the request context ends with the hijacked connection, so session work
	// runs on a detached context
	ctx := context.WithoutCancel(r.Context())
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("stream dropped", slogError(err))
			}
			h.closeSession(ctx, log, sessionID, lang)
			return
		}

		switch kind {
		case websocket.BinaryMessage:
			received, err := h.sessions.Append(ctx, sessionID, lang, tier, data)
			if err != nil {
				log.Warn("append failed", slogError(err))
				_ = writeJSON(conn, Message{Type: TypeError, SessionID: sessionID, Error: err.Error()})
				h.closeSession(ctx, log, sessionID, lang)
				closeSocket(conn, websocket.ClosePolicyViolation, err.Error())
				return
			}
			if err := writeJSON(conn, Message{Type: TypeProgress, SessionID: sessionID, ReceivedBytes: received}); err != nil {
				log.Warn("failed to send progress", slogError(err))
			}

		case websocket.TextMessage:
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				_ = writeJSON(conn, Message{Type: TypeError, SessionID: sessionID, Error: "invalid control message"})
				continue
			}
			if msg.Type != TypeEOS {
				continue
			}
			final, ok := h.closeSession(ctx, log, sessionID, lang)
			if ok {
				if err := writeJSON(conn, Message{Type: TypeFinalFull, SessionID: sessionID, Payload: &final}); err != nil {
					log.Warn("failed to send final", slogError(err))
				}
			}
			closeSocket(conn, websocket.CloseNormalClosure, "")
			return
		}
	}
}

func (h *Handler) closeSession(ctx context.Context, log *slog.Logger, sessionID, lang string) (delivery.FinalPayload, bool) {
	ctx, cancel := context.WithTimeout(ctx, closeTimeout)
	defer cancel()
	final, err := h.sessions.Close(ctx, sessionID, lang)
	if err != nil {
		log.Warn("close failed", slogError(err))
		return delivery.FinalPayload{}, false
	}
	log.Info("stream closed", slog.Int("total_chunks", final.TotalChunks))
	return final, true
}

func writeJSON(conn *websocket.Conn, msg Message) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func closeSocket(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}
