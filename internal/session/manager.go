// Package session owns live transcription sessions: spooling audio,
// debounced re-recognition, chunk emission, close and batch runs.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-ingest/internal/chunker"
	"github.com/loqalabs/loqa-ingest/internal/config"
	"github.com/loqalabs/loqa-ingest/internal/delivery"
	"github.com/loqalabs/loqa-ingest/internal/segment"
	"github.com/loqalabs/loqa-ingest/internal/store"
	"github.com/loqalabs/loqa-ingest/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrSessionClosed   = errors.New("session: closed")
	ErrSessionExists   = errors.New("session: already exists")
	ErrEmptySessionID  = errors.New("session: empty session id")
	ErrTooLarge        = errors.New("session: audio exceeds tier limit")
	ErrUnknownTier     = errors.New("session: unknown tier")
	ErrManagerStopping = errors.New("session: manager stopping")
)

const instrumentationName = "github.com/loqalabs/loqa-ingest/session"

// Store is the persistence a Manager writes through.
type Store interface {
	EnsureSession(ctx context.Context, id, lang, tier string) (bool, error)
	GetSession(ctx context.Context, id string) (store.Session, error)
	AddReceivedBytes(ctx context.Context, id string, n int64) error
	CloseSession(ctx context.Context, id string) error
	SaveChunk(ctx context.Context, ch chunker.Chunk) error
	MarkDelivered(ctx context.Context, chunkID string, at time.Time) error
	ListChunks(ctx context.Context, sessionID string) ([]chunker.Chunk, error)
	SaveTranscript(ctx context.Context, tr store.Transcript) error
	GetTranscript(ctx context.Context, sessionID string) (store.Transcript, error)
	AppendEvent(ctx context.Context, evt store.Event) error
}

// Resolver finds the delivery destination of a session.
type Resolver interface {
	Resolve(ctx context.Context, sessionID string) (delivery.Destination, bool, error)
}

// Deliverer sends chunks and final records downstream.
type Deliverer interface {
	DeliverChunk(ctx context.Context, dst delivery.Destination, p delivery.ChunkPayload) delivery.Outcome
	DeliverFinal(ctx context.Context, dst delivery.Destination, p delivery.FinalPayload) delivery.Outcome
}

// Publisher fans events out on the bus.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Deps are the collaborators of a Manager. Destinations, Delivery and
// Publisher are optional.
type Deps struct {
	Store        Store
	Recognizer   stt.Recognizer
	Destinations Resolver
	Delivery     Deliverer
	Publisher    Publisher
}

// Manager is the registry of live sessions.
type Manager struct {
	cfg        *config.Manager
	store      Store
	recognizer stt.Recognizer
	resolver   Resolver
	deliverer  Deliverer
	publisher  Publisher
	log        *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*State
	draining bool // no new sessions
	stopping bool // no new sessions or background work
	wg       sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc

	now      func() time.Time
	schedule func(d time.Duration, fn func())

	tracer  trace.Tracer
	passes  metric.Int64Counter
	emitted metric.Int64Counter
}

func NewManager(cfg *config.Manager, deps Deps, log *slog.Logger) (*Manager, error) {
	if deps.Store == nil {
		return nil, errors.New("session manager requires a store")
	}
	if deps.Recognizer == nil {
		return nil, errors.New("session manager requires a recognizer")
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		store:      deps.Store,
		recognizer: deps.Recognizer,
		resolver:   deps.Destinations,
		deliverer:  deps.Delivery,
		publisher:  deps.Publisher,
		log:        log.With(slog.String("component", "session")),
		sessions:   make(map[string]*State),
		baseCtx:    ctx,
		cancel:     cancel,
		now:        time.Now,
		schedule: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
		tracer: otel.Tracer(instrumentationName),
	}
	if err := m.initMetrics(); err != nil {
		m.log.Warn("failed to initialize metrics", slogError(err))
	}
	return m, nil
}

func (m *Manager) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if m.passes, err = meter.Int64Counter("ingest.session.passes",
		metric.WithDescription("Processing passes run")); err != nil {
		return err
	}
	if m.emitted, err = meter.Int64Counter("ingest.chunks.emitted",
		metric.WithDescription("Chunks persisted")); err != nil {
		return err
	}
	active, err := meter.Int64ObservableGauge("ingest.sessions.active",
		metric.WithDescription("Sessions not yet closed"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(active, int64(m.activeCount()))
		return nil
	}, active)
	return err
}

func (m *Manager) activeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, st := range m.sessions {
		if !st.closedFlag.Load() {
			n++
		}
	}
	return n
}

// track registers a background task unless the manager is stopping.
// Callers that get true must call m.wg.Done.
func (m *Manager) track() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopping {
		return false
	}
	m.wg.Add(1)
	return true
}

func (m *Manager) lookup(id string) *State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// getOrCreate returns the state for id, creating it atomically when absent.
func (m *Manager) getOrCreate(id, lang, tier, format string) (*State, error) {
	if st := m.lookup(id); st != nil {
		return st, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.sessions[id]; ok {
		return st, nil
	}
	if m.stopping || m.draining {
		return nil, ErrManagerStopping
	}
	st, err := m.newState(id, lang, tier, format)
	if err != nil {
		return nil, err
	}
	m.sessions[id] = st
	return st, nil
}

func (m *Manager) newState(id, lang, tier, format string) (*State, error) {
	cfg := m.cfg.Current()
	if lang == "" {
		lang = cfg.Session.DefaultLang
	}
	if tier == "" {
		tier = cfg.Session.DefaultTier
	}
	if _, ok := cfg.Tier(tier); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	if err := os.MkdirAll(cfg.Session.SpoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	st := &State{
		ID:        id,
		lang:      lang,
		tier:      tier,
		format:    format,
		spoolPath: filepath.Join(cfg.Session.SpoolDir, spoolName(id, format)),
		startedAt: m.now().UTC(),
	}
	st.touch(m.now())
	return st, nil
}

func spoolName(id, format string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
	if format == stt.FormatPCM {
		return safe + ".pcm"
	}
	return safe + ".audio"
}

// persistLocked creates the session row on first use. A row an earlier
// process left active is resumed; a closed row yields ErrSessionClosed.
// st.mu must be held.
func (m *Manager) persistLocked(ctx context.Context, st *State) error {
	if st.persisted {
		return nil
	}
	created, err := m.store.EnsureSession(ctx, st.ID, st.lang, st.tier)
	if err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	if !created {
		sess, err := m.store.GetSession(ctx, st.ID)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if sess.Status == store.StatusClosed {
			return ErrSessionClosed
		}
		if err := m.resumeLocked(ctx, st, sess); err != nil {
			return err
		}
	}
	st.persisted = true
	if created {
		m.audit(ctx, st.ID, store.EventSessionOpened, map[string]string{"lang": st.lang, "tier": st.tier})
	}
	return nil
}

// resumeLocked continues a session from its stored chunks and the spool
// left on disk. Chunk texts are re-split to recover sentence counts and the
// overlap carry.
func (m *Manager) resumeLocked(ctx context.Context, st *State, sess store.Session) error {
	chunks, err := m.store.ListChunks(ctx, st.ID)
	if err != nil {
		return fmt.Errorf("load chunks: %w", err)
	}
	st.emittedSeq, st.emittedSentences, st.carry = 0, 0, ""
	for _, ch := range chunks {
		ch.Sentences = segment.Split(ch.Text)
		st.emittedSeq = ch.Seq
		st.emittedSentences += len(ch.Sentences)
		st.carry = ch.Carry()
	}
	st.lang, st.tier = sess.Lang, sess.Tier
	st.startedAt = sess.StartedAt

	log := m.log.With(slog.String("session_id", st.ID))
	if fi, err := os.Stat(st.spoolPath); err == nil {
		st.receivedBytes = fi.Size()
	} else if len(chunks) > 0 {
		log.Warn("spool of resumed session is missing", slogError(err))
	}
	log.Info("session resumed",
		slog.Int("emitted_seq", st.emittedSeq),
		slog.Int64("received_bytes", st.receivedBytes))
	return nil
}

// discard drops a state that never reached the store.
func (m *Manager) discard(st *State) {
	m.mu.Lock()
	if m.sessions[st.ID] == st {
		delete(m.sessions, st.ID)
	}
	m.mu.Unlock()
}

// Append spools data for sessionID, creating the session on first use, and
// schedules a debounced processing pass. It returns the bytes received so far.
func (m *Manager) Append(ctx context.Context, sessionID, lang, tier string, data []byte) (int64, error) {
	if sessionID == "" {
		return 0, ErrEmptySessionID
	}
	cfg := m.cfg.Current()
	st, err := m.getOrCreate(sessionID, lang, tier, cfg.STT.InputFormat)
	if err != nil {
		return 0, err
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return 0, ErrSessionClosed
	}
	if err := m.persistLocked(ctx, st); err != nil {
		m.discard(st)
		st.mu.Unlock()
		return 0, err
	}
	if err := m.checkLimitsLocked(cfg, st, int64(len(data))); err != nil {
		st.mu.Unlock()
		return 0, err
	}
	if err := appendFile(st.spoolPath, data); err != nil {
		st.mu.Unlock()
		return 0, fmt.Errorf("spool audio: %w", err)
	}
	st.receivedBytes += int64(len(data))
	received := st.receivedBytes
	if err := m.store.AddReceivedBytes(ctx, st.ID, int64(len(data))); err != nil {
		m.log.Warn("failed to record received bytes", slog.String("session_id", st.ID), slogError(err))
	}
	st.touch(m.now())
	st.setPhase(PhaseBuffering)
	st.mu.Unlock()

	window := time.Duration(cfg.Session.DebounceMS) * time.Millisecond
	m.schedule(window, func() {
		if !m.track() {
			return
		}
		defer m.wg.Done()
		m.debounced(st)
	})
	return received, nil
}

func (m *Manager) checkLimitsLocked(cfg config.Config, st *State, incoming int64) error {
	tier, ok := cfg.Tier(st.tier)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTier, st.tier)
	}
	total := st.receivedBytes + incoming
	if tier.MaxFileMB > 0 && total > int64(tier.MaxFileMB)<<20 {
		return ErrTooLarge
	}
	if st.format == stt.FormatPCM && tier.MaxDurationSec > 0 {
		bytesPerSec := int64(cfg.STT.SampleRate * cfg.STT.Channels * 2)
		if bytesPerSec > 0 && total > bytesPerSec*int64(tier.MaxDurationSec) {
			return ErrTooLarge
		}
	}
	return nil
}

func appendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ProcessNow runs a processing pass for sessionID without waiting for the
// debounce window.
func (m *Manager) ProcessNow(ctx context.Context, sessionID string) error {
	st := m.lookup(sessionID)
	if st == nil {
		return store.ErrNotFound
	}
	return m.process(ctx, st)
}

// Close flushes the session with a final synchronous pass, persists its
// transcript, queues the final delivery and returns the terminal payload.
// Closing again returns the same payload, also after a restart; closing a
// session never seen returns an empty payload.
func (m *Manager) Close(ctx context.Context, sessionID, lang string) (delivery.FinalPayload, error) {
	if sessionID == "" {
		return delivery.FinalPayload{}, ErrEmptySessionID
	}
	st := m.lookup(sessionID)
	if st == nil {
		var (
			payload delivery.FinalPayload
			found   bool
			err     error
		)
		st, payload, found, err = m.reopenForClose(ctx, sessionID, lang)
		if err != nil || found {
			return payload, err
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.final != nil {
		return *st.final, nil
	}
	if err := m.persistLocked(ctx, st); err != nil {
		m.discard(st)
		return delivery.FinalPayload{}, err
	}
	if lang != "" {
		st.lang = lang
	}
	log := m.log.With(slog.String("session_id", st.ID))

	if err := m.passLocked(ctx, st, true); err != nil {
		log.Warn("final pass failed, closing with text so far", slogError(err))
	}

	st.closed = true
	st.closedAt.Store(m.now().UnixNano())
	st.closedFlag.Store(true)
	st.setPhase(PhaseClosed)

	payload := delivery.FinalPayload{
		SessionID:   st.ID,
		TextFull:    st.fullText,
		Lang:        st.lang,
		DurationSec: st.duration.Seconds(),
		TotalChunks: st.emittedSeq,
	}
	st.final = &payload

	if err := m.store.CloseSession(ctx, st.ID); err != nil {
		log.Error("failed to mark session closed", slogError(err))
	}
	err := m.store.SaveTranscript(ctx, store.Transcript{
		SessionID:   payload.SessionID,
		TextFull:    payload.TextFull,
		Lang:        payload.Lang,
		DurationSec: payload.DurationSec,
		TotalChunks: payload.TotalChunks,
	})
	switch {
	case errors.Is(err, store.ErrDuplicate):
		log.Warn("transcript already recorded")
	case err != nil:
		log.Error("failed to persist transcript", slogError(err))
	}
	m.audit(ctx, st.ID, store.EventSessionClosed, map[string]int{"total_chunks": payload.TotalChunks})

	if dst, ok := m.destination(ctx, st.ID); ok && dst.FinalURL != "" {
		m.enqueue(st, job{dst: dst, final: &payload})
	}
	m.publishFinal(payload)

	log.Info("session closed",
		slog.Int("total_chunks", payload.TotalChunks),
		slog.Int64("received_bytes", st.receivedBytes))
	return payload, nil
}

// reopenForClose handles Close of a session this process does not hold. A
// stored transcript is returned as is (found=true). A stored active session
// gets a state to resume and close. An unknown id yields the empty payload.
func (m *Manager) reopenForClose(ctx context.Context, sessionID, lang string) (*State, delivery.FinalPayload, bool, error) {
	tr, err := m.store.GetTranscript(ctx, sessionID)
	switch {
	case err == nil:
		return nil, delivery.FinalPayload{
			SessionID:   tr.SessionID,
			TextFull:    tr.TextFull,
			Lang:        tr.Lang,
			DurationSec: tr.DurationSec,
			TotalChunks: tr.TotalChunks,
		}, true, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, delivery.FinalPayload{}, false, fmt.Errorf("load transcript: %w", err)
	}

	sess, err := m.store.GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if lang == "" {
			lang = m.cfg.Current().Session.DefaultLang
		}
		return nil, delivery.FinalPayload{SessionID: sessionID, Lang: lang}, true, nil
	case err != nil:
		return nil, delivery.FinalPayload{}, false, fmt.Errorf("load session: %w", err)
	case sess.Status == store.StatusClosed:
		return nil, delivery.FinalPayload{}, false, ErrSessionClosed
	}
	st, err := m.getOrCreate(sessionID, sess.Lang, sess.Tier, m.cfg.Current().STT.InputFormat)
	if err != nil {
		return nil, delivery.FinalPayload{}, false, err
	}
	return st, delivery.FinalPayload{}, false, nil
}

// CloseAll stops new sessions from starting and closes every live one, so
// their final records are queued before Shutdown drains the outboxes. It
// returns how many sessions it closed.
func (m *Manager) CloseAll(ctx context.Context) int {
	m.mu.Lock()
	m.draining = true
	live := make([]string, 0, len(m.sessions))
	for id, st := range m.sessions {
		if !st.closedFlag.Load() {
			live = append(live, id)
		}
	}
	m.mu.Unlock()

	closed := 0
	for _, id := range live {
		if ctx.Err() != nil {
			m.log.Warn("close of live sessions interrupted", slog.Int("remaining", len(live)-closed), slogError(ctx.Err()))
			break
		}
		if _, err := m.Close(ctx, id, ""); err != nil {
			m.log.Error("failed to close session", slog.String("session_id", id), slogError(err))
			continue
		}
		closed++
	}
	return closed
}

// BatchRequest is an uploaded recording transcribed in one go.
type BatchRequest struct {
	SessionID string
	Lang      string
	Tier      string
	Filename  string
	Body      io.Reader
}

// BatchResult is what a batch run produced.
type BatchResult struct {
	SessionID string          `json:"session_id"`
	TextFull  string          `json:"text_full"`
	Chunks    []chunker.Chunk `json:"chunks"`
}

// Transcribe spools an uploaded recording, enforces the tier's size limit,
// and closes the session with a single synchronous pass.
func (m *Manager) Transcribe(ctx context.Context, req BatchRequest) (BatchResult, error) {
	if req.SessionID == "" {
		req.SessionID = NewSessionID()
	}
	cfg := m.cfg.Current()
	tierName := req.Tier
	if tierName == "" {
		tierName = cfg.Session.DefaultTier
	}
	tier, ok := cfg.Tier(tierName)
	if !ok {
		return BatchResult{}, fmt.Errorf("%w: %q", ErrUnknownTier, tierName)
	}

	if m.lookup(req.SessionID) != nil {
		return BatchResult{}, ErrSessionExists
	}
	switch _, err := m.store.GetSession(ctx, req.SessionID); {
	case err == nil:
		return BatchResult{}, ErrSessionExists
	case !errors.Is(err, store.ErrNotFound):
		return BatchResult{}, fmt.Errorf("load session: %w", err)
	}
	st, err := m.newState(req.SessionID, req.Lang, tierName, stt.FormatFile)
	if err != nil {
		return BatchResult{}, err
	}
	limit := int64(tier.MaxFileMB) << 20
	n, err := spoolLimited(st.spoolPath, req.Body, limit)
	if err != nil {
		os.Remove(st.spoolPath)
		return BatchResult{}, err
	}

	m.mu.Lock()
	if _, exists := m.sessions[st.ID]; exists || m.stopping || m.draining {
		m.mu.Unlock()
		if !exists {
			os.Remove(st.spoolPath)
			return BatchResult{}, ErrManagerStopping
		}
		return BatchResult{}, ErrSessionExists
	}
	m.sessions[st.ID] = st
	m.mu.Unlock()

	st.mu.Lock()
	err = m.persistLocked(ctx, st)
	if err != nil {
		m.discard(st)
		st.mu.Unlock()
		os.Remove(st.spoolPath)
		if errors.Is(err, ErrSessionClosed) {
			return BatchResult{}, ErrSessionExists
		}
		return BatchResult{}, err
	}
	st.receivedBytes = n
	err = m.store.AddReceivedBytes(ctx, st.ID, n)
	st.mu.Unlock()
	if err != nil {
		return BatchResult{}, err
	}

	final, err := m.Close(ctx, st.ID, st.lang)
	if err != nil {
		return BatchResult{}, err
	}
	chunks, err := m.store.ListChunks(ctx, st.ID)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list chunks: %w", err)
	}
	return BatchResult{SessionID: st.ID, TextFull: final.TextFull, Chunks: chunks}, nil
}

func spoolLimited(path string, body io.Reader, limit int64) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create spool: %w", err)
	}
	defer f.Close()

	buf := make([]byte, 32<<10)
	var n int64
	for {
		k, rerr := body.Read(buf)
		if k > 0 {
			n += int64(k)
			if n > limit {
				return n, ErrTooLarge
			}
			if _, err := f.Write(buf[:k]); err != nil {
				return n, fmt.Errorf("write spool: %w", err)
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return n, nil
			}
			return n, fmt.Errorf("read upload: %w", rerr)
		}
	}
}

// Snapshot returns the live view of a session.
func (m *Manager) Snapshot(sessionID string) (Snapshot, bool) {
	st := m.lookup(sessionID)
	if st == nil {
		return Snapshot{}, false
	}
	return st.snapshot(), true
}

// Forget evicts a closed session whose deliveries were all issued and
// removes its spool. Live sessions are kept and Forget reports false. A
// forgotten id cannot be reopened: its stored row is closed.
func (m *Manager) Forget(sessionID string) bool {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	if !ok || !st.closedFlag.Load() || !st.outbox.idle() {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if err := os.Remove(st.spoolPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log.Warn("failed to remove spool", slog.String("session_id", sessionID), slogError(err))
	}
	return true
}

// Sweep forgets sessions closed at least ttl ago and reports how many.
func (m *Manager) Sweep(ttl time.Duration) int {
	cutoff := m.now().Add(-ttl).UnixNano()
	m.mu.RLock()
	var expired []string
	for id, st := range m.sessions {
		if st.closedFlag.Load() && st.closedAt.Load() <= cutoff {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, id := range expired {
		if m.Forget(id) {
			n++
		}
	}
	return n
}

// Shutdown stops accepting work and waits for pending passes and deliveries.
// When ctx ends first, in-flight work is cancelled.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopping = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return ctx.Err()
	}
}

func (m *Manager) destination(ctx context.Context, sessionID string) (delivery.Destination, bool) {
	if m.resolver == nil || m.deliverer == nil {
		return delivery.Destination{}, false
	}
	dst, ok, err := m.resolver.Resolve(ctx, sessionID)
	if err != nil {
		m.log.Warn("failed to resolve destination", slog.String("session_id", sessionID), slogError(err))
		return delivery.Destination{}, false
	}
	return dst, ok
}

func (m *Manager) audit(ctx context.Context, sessionID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.log.Warn("failed to encode audit event", slog.String("type", eventType), slogError(err))
		return
	}
	evt := store.Event{SessionID: sessionID, Type: eventType, Payload: data}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		evt.TraceID = sc.TraceID().String()
	}
	if err := m.store.AppendEvent(ctx, evt); err != nil {
		m.log.Warn("failed to append audit event", slog.String("session_id", sessionID), slog.String("type", eventType), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
