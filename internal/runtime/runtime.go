package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-ingest/internal/bus"
	"github.com/loqalabs/loqa-ingest/internal/config"
	"github.com/loqalabs/loqa-ingest/internal/delivery"
	"github.com/loqalabs/loqa-ingest/internal/natsserver"
	"github.com/loqalabs/loqa-ingest/internal/protocol"
	"github.com/loqalabs/loqa-ingest/internal/session"
	"github.com/loqalabs/loqa-ingest/internal/store"
	"github.com/loqalabs/loqa-ingest/internal/stream"
	"github.com/loqalabs/loqa-ingest/internal/stt"
	"github.com/loqalabs/loqa-ingest/internal/webhook"
)

const (
	transcriptRetention = 7 * 24 * time.Hour
	drainTimeout        = 30 * time.Second
	sweepInterval       = time.Minute
)

type Runtime struct {
	cfgs          *config.Manager
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	store         *store.Store
	nats          *natsserver.EmbeddedServer
	bus           *bus.Client
	registry      *webhook.Registry
	sessions      *session.Manager
	frames        *stream.FrameService
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfgs *config.Manager, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfgs:   cfgs,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cfg := r.cfgs.Current()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeTelemetry()

	if err := r.startDeps(ctx, cfg); err != nil {
		r.stopDeps()
		return err
	}

	r.cfgs.OnReload(func(next config.Config) {
		r.logger.Info("chunking policy applies from next pass",
			slog.Int("sent_min", next.Chunking.SentMin),
			slog.Int("sent_max", next.Chunking.SentMax),
			slog.Int("char_limit", next.Chunking.CharLimit),
			slog.Int("overlap_sent", next.Chunking.OverlapSent))
	})
	if err := r.cfgs.StartWatching(ctx); err != nil {
		r.logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
	}
	defer r.cfgs.Stop()

	api := &API{
		sessions: r.sessions,
		store:    r.store,
		registry: r.registry,
		stream:   stream.NewHandler(r.sessions, session.NewSessionID, r.logger),
		logger:   r.logger.With(slog.String("component", "api")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	api.Routes(mux)

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Bind, cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	if metricsHandler != nil && cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sweepSessions(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.stopDeps()
	return nil
}

// startDeps opens the store, the bus and the session manager.
func (r *Runtime) startDeps(ctx context.Context, cfg config.Config) error {
	st, err := store.Open(ctx, cfg.Store, r.logger.With(slog.String("component", "store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	r.store = st

	if cfg.Bus.Enabled {
		ns, err := natsserver.Start(cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.nats = ns
		busCfg := cfg.Bus
		if ns != nil {
			busCfg.Servers = []string{ns.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		r.bus = client
		subjects := []string{protocol.SubjectTranscriptChunk, protocol.SubjectTranscriptFinal}
		if err := client.EnsureStream(protocol.StreamTranscripts, subjects, transcriptRetention); err != nil {
			r.logger.Warn("transcript stream unavailable, events are fire-and-forget", slog.String("error", err.Error()))
		}
	}

	recognizer, err := stt.New(cfg.STT, r.logger)
	if err != nil {
		return fmt.Errorf("create recognizer: %w", err)
	}

	r.registry = webhook.NewRegistry(st, r.fallbackDestination)
	deps := session.Deps{
		Store:        st,
		Recognizer:   recognizer,
		Destinations: r.registry,
		Delivery:     delivery.NewClient(cfg.Delivery, r.logger),
	}
	if r.bus != nil {
		deps.Publisher = r.bus
	}
	sessions, err := session.NewManager(r.cfgs, deps, r.logger)
	if err != nil {
		return fmt.Errorf("create session manager: %w", err)
	}
	r.sessions = sessions

	if r.bus != nil {
		r.frames = stream.NewFrameService(ctx, r.bus, sessions, r.logger)
		if err := r.frames.Start(); err != nil {
			return fmt.Errorf("subscribe audio frames: %w", err)
		}
	}
	return nil
}

// stopDeps tears down in reverse start order. Sessions still streaming
// (WebSocket connections outlive http.Server.Shutdown) are closed while the
// store is open; closing them and the pending deliveries share drainTimeout.
func (r *Runtime) stopDeps() {
	if r.frames != nil {
		r.frames.Close()
	}
	if r.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		if n := r.sessions.CloseAll(ctx); n > 0 {
			r.logger.Info("closed live sessions", slog.Int("sessions", n))
		}
		if err := r.sessions.Shutdown(ctx); err != nil {
			r.logger.Warn("session drain incomplete", slog.String("error", err.Error()))
		}
		cancel()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("store close error", slog.String("error", err.Error()))
		}
	}
}

// sweepSessions evicts closed sessions from memory once they are older than
// session.closed_ttl_sec.
func (r *Runtime) sweepSessions(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ttl := r.cfgs.Current().Session.ClosedTTLSec
			if ttl <= 0 {
				continue
			}
			if n := r.sessions.Sweep(time.Duration(ttl) * time.Second); n > 0 {
				r.logger.Debug("evicted closed sessions", slog.Int("sessions", n))
			}
		}
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

// fallbackDestination is the configured delivery target, read on every
// resolve so reloads apply to the next pass.
func (r *Runtime) fallbackDestination() delivery.Destination {
	d := r.cfgs.Current().Delivery
	return delivery.Destination{ChunkURL: d.ChunkURL, FinalURL: d.FinalURL, Secret: d.Secret}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.ready.Load() && r.depsHealthy(req.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) depsHealthy(ctx context.Context) bool {
	if r.store == nil || r.store.Ping(ctx) != nil {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.frames != nil && !r.frames.Healthy() {
		return false
	}
	return true
}
