package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-ingest/internal/chunker"
	"github.com/loqalabs/loqa-ingest/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.StoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "ingest.db")
	}
	if cfg.RetentionMode == "" {
		cfg.RetentionMode = "session"
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testChunk(sessionID string, seq int, text string) chunker.Chunk {
	return chunker.Chunk{
		SessionID: sessionID,
		ChunkID:   sessionID + "-" + text,
		Seq:       seq,
		Text:      text,
		Lang:      "ru-RU",
		Policy:    chunker.DefaultPolicy(),
		Hash:      chunker.Hash(sessionID, seq, text),
	}
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.StoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if _, err := s.EnsureSession(ctx, "s1", "en", "basic"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if err := s.SaveChunk(ctx, testChunk("s1", 1, "Hello.")); err != nil {
		t.Fatalf("save chunk: %v", err)
	}
	chunks, err := s.ListChunks(ctx, "s1")
	if err != nil || len(chunks) != 1 {
		t.Fatalf("expected 1 chunk in memory store, got %d (%v)", len(chunks), err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t, config.StoreConfig{})

	created, err := s.EnsureSession(ctx, "s1", "ru-RU", "basic")
	if err != nil || !created {
		t.Fatalf("expected session created, got %v (%v)", created, err)
	}
	created, err = s.EnsureSession(ctx, "s1", "en-US", "premium")
	if err != nil || created {
		t.Fatalf("expected existing session, got %v (%v)", created, err)
	}
	if err := s.AddReceivedBytes(ctx, "s1", 320); err != nil {
		t.Fatalf("add bytes: %v", err)
	}
	if err := s.AddReceivedBytes(ctx, "s1", 180); err != nil {
		t.Fatalf("add bytes: %v", err)
	}
	if err := s.CloseSession(ctx, "s1"); err != nil {
		t.Fatalf("close session: %v", err)
	}

	sess, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Lang != "ru-RU" || sess.Tier != "basic" {
		t.Fatalf("first write must win, got %+v", sess)
	}
	if sess.ReceivedBytes != 500 {
		t.Fatalf("expected 500 bytes, got %d", sess.ReceivedBytes)
	}
	if sess.Status != StatusClosed || sess.EndedAt == nil {
		t.Fatalf("expected closed session with end time, got %+v", sess)
	}

	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChunksAndTranscript(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t, config.StoreConfig{})

	if _, err := s.EnsureSession(ctx, "s1", "ru-RU", "basic"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	second := testChunk("s1", 2, "Two.")
	second.OverlapPrefix = "One."
	for _, ch := range []chunker.Chunk{second, testChunk("s1", 1, "One.")} {
		if err := s.SaveChunk(ctx, ch); err != nil {
			t.Fatalf("save chunk %d: %v", ch.Seq, err)
		}
	}

	if err := s.SaveChunk(ctx, testChunk("s1", 1, "One.")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for same chunk id, got %v", err)
	}
	clash := testChunk("s1", 2, "Other.")
	if err := s.SaveChunk(ctx, clash); !errors.Is(err, ErrSeqConflict) {
		t.Fatalf("expected ErrSeqConflict for same seq with another chunk id, got %v", err)
	}

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.MarkDelivered(ctx, second.ChunkID, at); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if err := s.MarkDelivered(ctx, second.ChunkID, at.Add(time.Hour)); err != nil {
		t.Fatalf("mark delivered twice: %v", err)
	}
	if err := s.MarkDelivered(ctx, "nope", at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	chunks, err := s.ListChunks(ctx, "s1")
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if len(chunks) != 2 || chunks[0].Seq != 1 || chunks[1].Seq != 2 {
		t.Fatalf("expected chunks ordered by seq, got %+v", chunks)
	}
	if chunks[0].DeliveredAt != nil {
		t.Fatalf("chunk 1 was never delivered")
	}
	if chunks[1].DeliveredAt == nil || !chunks[1].DeliveredAt.Equal(at) {
		t.Fatalf("expected first delivery stamp kept, got %v", chunks[1].DeliveredAt)
	}
	if chunks[1].OverlapPrefix != "One." || chunks[1].Policy != chunker.DefaultPolicy() {
		t.Fatalf("chunk fields not round-tripped: %+v", chunks[1])
	}
	if chunks[1].Hash != chunker.Hash("s1", 2, "Two.") {
		t.Fatalf("hash mismatch")
	}

	tr := Transcript{SessionID: "s1", TextFull: "One. Two.", Lang: "ru-RU", DurationSec: 1.5, TotalChunks: 2}
	if err := s.SaveTranscript(ctx, tr); err != nil {
		t.Fatalf("save transcript: %v", err)
	}
	if err := s.SaveTranscript(ctx, Transcript{SessionID: "s1", TextFull: "changed", Lang: "ru-RU"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate on second transcript, got %v", err)
	}
	got, err := s.GetTranscript(ctx, "s1")
	if err != nil {
		t.Fatalf("get transcript: %v", err)
	}
	if got.TextFull != "One. Two." || got.TotalChunks != 2 {
		t.Fatalf("unexpected transcript %+v", got)
	}
	if _, err := s.GetTranscript(ctx, "s2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWebhooks(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t, config.StoreConfig{})

	if _, err := s.ActiveWebhook(ctx, GlobalWebhook); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no global webhook, got %v", err)
	}
	if err := s.UpsertWebhook(ctx, Webhook{SessionID: GlobalWebhook, URLChunk: "http://a/chunk", URLFinal: "http://a/full", Secret: "k1", Active: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertWebhook(ctx, Webhook{SessionID: GlobalWebhook, URLChunk: "http://b/chunk", URLFinal: "http://b/full", Secret: "k2", Active: true}); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	wh, err := s.ActiveWebhook(ctx, GlobalWebhook)
	if err != nil {
		t.Fatalf("active webhook: %v", err)
	}
	if wh.URLChunk != "http://b/chunk" || wh.Secret != "k2" {
		t.Fatalf("expected replaced webhook, got %+v", wh)
	}

	if err := s.UpsertWebhook(ctx, Webhook{SessionID: "s1", URLChunk: "http://c", Active: false}); err != nil {
		t.Fatalf("upsert inactive: %v", err)
	}
	if _, err := s.ActiveWebhook(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("inactive webhook must not resolve, got %v", err)
	}
}

func TestAppendAndQueryEvents(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t, config.StoreConfig{})

	if _, err := s.EnsureSession(ctx, "session-123", "en", "basic"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if err := s.AppendEvent(ctx, Event{SessionID: "session-123", Type: EventSessionOpened, Payload: []byte("hello")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := s.ListSessionEvents(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].Payload) != "hello" || events[0].Type != EventSessionOpened {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t, config.StoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if _, err := s.EnsureSession(ctx, "old-session", "en", "basic"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if err := s.SaveChunk(ctx, testChunk("old-session", 1, "Old.")); err != nil {
		t.Fatalf("save chunk: %v", err)
	}
	if err := s.AppendEvent(ctx, Event{SessionID: "old-session", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if _, err := s.EnsureSession(ctx, "new-session", "en", "basic"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := s.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session events pruned")
	}
	chunks, err := s.ListChunks(ctx, "old-session")
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected old session chunks cascaded away")
	}
	if _, err := s.GetSession(ctx, "new-session"); err != nil {
		t.Fatalf("new session must survive: %v", err)
	}
}
