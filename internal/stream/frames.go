package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-ingest/internal/bus"
	"github.com/loqalabs/loqa-ingest/internal/protocol"
	"github.com/nats-io/nats.go"
)

// FrameService feeds audio frames published on the bus into sessions.
type FrameService struct {
	bus      *bus.Client
	sessions Sessions
	logger   *slog.Logger
	sub      *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewFrameService(parent context.Context, busClient *bus.Client, sessions Sessions, logger *slog.Logger) *FrameService {
	ctx, cancel := context.WithCancel(parent)
	return &FrameService{
		bus:      busClient,
		sessions: sessions,
		logger:   logger.With(slog.String("component", "frames")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to every session's frame subject. Frames of one
// subscription are handled in arrival order.
func (s *FrameService) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *FrameService) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *FrameService) Healthy() bool {
	return s.sub != nil && s.sub.IsValid()
}

func (s *FrameService) handleFrame(msg *nats.Msg) {
	s.wg.Add(1)
	defer s.wg.Done()

	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		frame.SessionID = strings.TrimPrefix(msg.Subject, protocol.SubjectAudioFramePrefix+".")
	}
	log := s.logger.With(slog.String("session_id", frame.SessionID))

	if len(frame.PCM) > 0 {
		if _, err := s.sessions.Append(s.ctx, frame.SessionID, frame.Lang, frame.Tier, frame.PCM); err != nil {
			log.Warn("failed to append audio frame", slog.Int("sequence", frame.Sequence), slogError(err))
			return
		}
	}
	if frame.Final {
		final, err := s.sessions.Close(s.ctx, frame.SessionID, frame.Lang)
		if err != nil {
			log.Warn("failed to close session", slogError(err))
			return
		}
		log.Info("session closed from bus", slog.Int("total_chunks", final.TotalChunks))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
