package sink

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-ingest/internal/config"
	"github.com/redis/go-redis/v9"
)

// Server runs a Receiver as a standalone HTTP service.
type Server struct {
	cfg    config.SinkConfig
	http   *http.Server
	redis  *redis.Client
	logger *slog.Logger
}

// NewServer builds the receiver and its idempotency store from cfg.
func NewServer(cfg config.SinkConfig, lookup SecretLookup, consumer Consumer, logger *slog.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger.With(slog.String("component", "sink"))}

	opts := []StoreOption{WithTTL(time.Duration(cfg.IdempotencyTTL) * time.Second)}
	if StoreType(cfg.Idempotency) == StoreTypeRedis {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		opts = append(opts, WithRedisClient(s.redis))
	}
	idem, err := NewIdempotencyStore(StoreType(cfg.Idempotency), opts...)
	if err != nil {
		return nil, fmt.Errorf("create idempotency store: %w", err)
	}

	mux := http.NewServeMux()
	NewReceiver(cfg.Secret, lookup, idem, consumer, logger).Routes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Run serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		defer s.redis.Close()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("sink listening",
		slog.String("addr", s.http.Addr),
		slog.String("idempotency", s.cfg.Idempotency))

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve sink: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown sink: %w", err)
	}
	return nil
}
