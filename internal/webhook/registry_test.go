package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-ingest/internal/config"
	"github.com/loqalabs/loqa-ingest/internal/delivery"
	"github.com/loqalabs/loqa-ingest/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := config.StoreConfig{Path: filepath.Join(t.TempDir(), "hooks.db"), RetentionMode: "session"}
	st, err := store.Open(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestResolveFallsBackThroughLevels(t *testing.T) {
	ctx := context.Background()
	fallback := delivery.Destination{ChunkURL: "http://cfg/chunk", FinalURL: "http://cfg/full", Secret: "cfg-secret"}
	r := NewRegistry(openStore(t), func() delivery.Destination { return fallback })

	dst, ok, err := r.Resolve(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("expected configured fallback, got ok=%v err=%v", ok, err)
	}
	if dst != fallback {
		t.Fatalf("unexpected destination %+v", dst)
	}

	if _, err := r.Register(ctx, Registration{URL: "http://global/hook", Secret: "g"}); err != nil {
		t.Fatalf("register global: %v", err)
	}
	dst, _, _ = r.Resolve(ctx, "s1")
	if dst.ChunkURL != "http://global/hook" || dst.FinalURL != "http://global/hook" || dst.Secret != "g" {
		t.Fatalf("expected global destination, got %+v", dst)
	}

	if _, err := r.Register(ctx, Registration{SessionID: "s1", URLChunk: "http://s1/chunk", Secret: "s"}); err != nil {
		t.Fatalf("register session: %v", err)
	}
	dst, _, _ = r.Resolve(ctx, "s1")
	if dst.ChunkURL != "http://s1/chunk" || dst.Secret != "s" {
		t.Fatalf("expected session chunk destination, got %+v", dst)
	}
	if dst.FinalURL != "http://global/hook" {
		t.Fatalf("missing final url must come from the global hook, got %q", dst.FinalURL)
	}

	dst, _, _ = r.Resolve(ctx, "s2")
	if dst.ChunkURL != "http://global/hook" {
		t.Fatalf("other sessions keep the global hook, got %+v", dst)
	}
}

func TestResolveWithoutDestination(t *testing.T) {
	r := NewRegistry(openStore(t), nil)
	_, ok, err := r.Resolve(context.Background(), "s1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ok {
		t.Fatal("expected no destination")
	}
}

func TestRegisterValidates(t *testing.T) {
	r := NewRegistry(openStore(t), nil)
	bad := []Registration{
		{Secret: "k"},
		{URL: "ftp://host/x", Secret: "k"},
		{URL: "not a url", Secret: "k"},
		{URL: "http://host/x"},
	}
	for _, reg := range bad {
		if _, err := r.Register(context.Background(), reg); !errors.Is(err, ErrInvalidRegistration) {
			t.Fatalf("Register(%+v) error = %v, want ErrInvalidRegistration", reg, err)
		}
	}
}
