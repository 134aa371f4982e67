package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-ingest/internal/config"
	"github.com/loqalabs/loqa-ingest/internal/delivery"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingConsumer struct {
	mu     sync.Mutex
	chunks []delivery.ChunkPayload
	finals []delivery.FinalPayload
	fail   bool
}

func (c *recordingConsumer) ConsumeChunk(_ context.Context, p delivery.ChunkPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("downstream unavailable")
	}
	c.chunks = append(c.chunks, p)
	return nil
}

func (c *recordingConsumer) ConsumeFinal(_ context.Context, p delivery.FinalPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finals = append(c.finals, p)
	return nil
}

func newSink(t *testing.T, lookup SecretLookup, consumer Consumer) *httptest.Server {
	t.Helper()
	idem, err := NewIdempotencyStore(StoreTypeMemory)
	if err != nil {
		t.Fatalf("idempotency store: %v", err)
	}
	mux := http.NewServeMux()
	NewReceiver("sinksecret", lookup, idem, consumer, testLogger()).Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, secret, key string, payload any) (int, reply) {
	t.Helper()
	code, r, err := send(url, secret, key, payload)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return code, r
}

func send(url, secret, key string, payload any) (int, reply, error) {
	body, err := delivery.Encode(payload)
	if err != nil {
		return 0, reply{}, err
	}
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(delivery.HeaderSignature, delivery.Sign(secret, body))
	if key != "" {
		req.Header.Set(delivery.HeaderIdempotency, key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, reply{}, err
	}
	defer resp.Body.Close()
	var r reply
	_ = json.NewDecoder(resp.Body).Decode(&r)
	return resp.StatusCode, r, nil
}

func TestReceiverDeduplicatesDeliveries(t *testing.T) {
	consumer := &recordingConsumer{}
	srv := newSink(t, nil, consumer)

	client := delivery.NewClient(config.DeliveryConfig{TimeoutMS: 2000}, testLogger())
	dst := delivery.Destination{ChunkURL: srv.URL + PathChunk, FinalURL: srv.URL + PathFull, Secret: "sinksecret"}
	p := delivery.ChunkPayload{SessionID: "s1", ChunkID: "c1", Seq: 1, Text: "Привет.", Lang: "ru-RU"}

	for i := 0; i < 2; i++ {
		if out := client.DeliverChunk(context.Background(), dst, p); !out.OK() {
			t.Fatalf("delivery %d: %+v", i, out)
		}
	}
	final := delivery.FinalPayload{SessionID: "s1", TextFull: "Привет.", Lang: "ru-RU", DurationSec: 1.5, TotalChunks: 1}
	if out := client.DeliverFinal(context.Background(), dst, final); !out.OK() {
		t.Fatalf("final delivery: %+v", out)
	}

	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	if len(consumer.chunks) != 1 || consumer.chunks[0] != p {
		t.Fatalf("expected a single consumed chunk, got %+v", consumer.chunks)
	}
	if len(consumer.finals) != 1 || consumer.finals[0] != final {
		t.Fatalf("unexpected finals %+v", consumer.finals)
	}
}

func TestReceiverDuplicateReply(t *testing.T) {
	srv := newSink(t, nil, &recordingConsumer{})
	p := delivery.ChunkPayload{SessionID: "s1", ChunkID: "c1", Seq: 1, Text: "Hi.", Lang: "en"}

	if code, r := post(t, srv.URL+PathChunk, "sinksecret", "s1:c1", p); code != http.StatusOK || r.Status != "ok" {
		t.Fatalf("first post: %d %+v", code, r)
	}
	if code, r := post(t, srv.URL+PathChunk, "sinksecret", "s1:c1", p); code != http.StatusOK || r.Status != "duplicate" {
		t.Fatalf("second post: %d %+v", code, r)
	}
}

func TestReceiverRejects(t *testing.T) {
	srv := newSink(t, nil, &recordingConsumer{})
	valid := delivery.ChunkPayload{SessionID: "s1", ChunkID: "c1", Seq: 1, Text: "Hi.", Lang: "en"}

	tests := []struct {
		name    string
		path    string
		secret  string
		payload any
		want    int
	}{
		{"wrong secret", PathChunk, "nope", valid, http.StatusUnauthorized},
		{"missing chunk id", PathChunk, "sinksecret", delivery.ChunkPayload{SessionID: "s1", Seq: 1, Text: "Hi.", Lang: "en"}, http.StatusBadRequest},
		{"zero seq", PathChunk, "sinksecret", delivery.ChunkPayload{SessionID: "s1", ChunkID: "c", Text: "Hi.", Lang: "en"}, http.StatusBadRequest},
		{"final without lang", PathFull, "sinksecret", delivery.FinalPayload{SessionID: "s1"}, http.StatusBadRequest},
		{"not an object", PathFull, "sinksecret", []int{1, 2}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := post(t, srv.URL+tt.path, tt.secret, "", tt.payload)
			if code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, code)
			}
		})
	}

	resp, err := http.Get(srv.URL + PathChunk)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", resp.StatusCode)
	}
}

func TestReceiverPerSessionSecret(t *testing.T) {
	lookup := func(_ context.Context, sessionID string) string {
		if sessionID == "vip" {
			return "vipsecret"
		}
		return ""
	}
	srv := newSink(t, lookup, &recordingConsumer{})

	vip := delivery.FinalPayload{SessionID: "vip", Lang: "en"}
	if code, _ := post(t, srv.URL+PathFull, "vipsecret", "vip:final", vip); code != http.StatusOK {
		t.Fatalf("per-session secret rejected: %d", code)
	}
	if code, _ := post(t, srv.URL+PathFull, "sinksecret", "", vip); code != http.StatusUnauthorized {
		t.Fatalf("default secret must not sign for vip, got %d", code)
	}
	other := delivery.FinalPayload{SessionID: "other", Lang: "en"}
	if code, _ := post(t, srv.URL+PathFull, "sinksecret", "", other); code != http.StatusOK {
		t.Fatalf("default secret rejected: %d", code)
	}
}

func TestReceiverReleasesKeyOnConsumerFailure(t *testing.T) {
	consumer := &recordingConsumer{fail: true}
	srv := newSink(t, nil, consumer)
	p := delivery.ChunkPayload{SessionID: "s1", ChunkID: "c1", Seq: 1, Text: "Hi.", Lang: "en"}

	if code, _ := post(t, srv.URL+PathChunk, "sinksecret", "s1:c1", p); code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", code)
	}
	consumer.mu.Lock()
	consumer.fail = false
	consumer.mu.Unlock()
	if code, r := post(t, srv.URL+PathChunk, "sinksecret", "s1:c1", p); code != http.StatusOK || r.Status != "ok" {
		t.Fatalf("retry after failure: %d %+v", code, r)
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store, err := NewIdempotencyStore(StoreTypeMemory,
		WithTTL(time.Hour),
		WithPendingTTL(time.Minute),
		withClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	claim := func(want ClaimResult) {
		t.Helper()
		got, err := store.Claim(ctx, "k")
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if got != want {
			t.Fatalf("claim = %d, want %d", got, want)
		}
	}

	claim(Claimed)
	claim(InFlight)
	// an abandoned claim frees the key after the pending ttl
	now = now.Add(time.Minute)
	claim(Claimed)
	if err := store.Complete(ctx, "k"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	now = now.Add(30 * time.Minute)
	claim(Done)
	now = now.Add(30 * time.Minute)
	claim(Claimed)
	if err := store.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	claim(Claimed)
}

// blockingConsumer holds every chunk until release receives its verdict.
type blockingConsumer struct {
	recordingConsumer
	entered chan struct{}
	release chan error
}

func (c *blockingConsumer) ConsumeChunk(ctx context.Context, p delivery.ChunkPayload) error {
	c.entered <- struct{}{}
	if err := <-c.release; err != nil {
		return err
	}
	return c.recordingConsumer.ConsumeChunk(ctx, p)
}

func TestReceiverConcurrentCopyIsNotAcknowledged(t *testing.T) {
	consumer := &blockingConsumer{entered: make(chan struct{}, 1), release: make(chan error, 1)}
	srv := newSink(t, nil, consumer)
	p := delivery.ChunkPayload{SessionID: "s1", ChunkID: "c1", Seq: 1, Text: "Hi.", Lang: "en"}

	firstDone := make(chan int, 1)
	go func() {
		code, _, _ := send(srv.URL+PathChunk, "sinksecret", "s1:c1", p)
		firstDone <- code
	}()
	<-consumer.entered

	code, r := post(t, srv.URL+PathChunk, "sinksecret", "s1:c1", p)
	if code != http.StatusServiceUnavailable || r.Status != "in_progress" {
		t.Fatalf("copy during processing: %d %+v", code, r)
	}

	consumer.release <- errors.New("downstream unavailable")
	if code := <-firstDone; code != http.StatusInternalServerError {
		t.Fatalf("expected first copy to fail, got %d", code)
	}

	go func() {
		<-consumer.entered
		consumer.release <- nil
	}()
	if code, r := post(t, srv.URL+PathChunk, "sinksecret", "s1:c1", p); code != http.StatusOK || r.Status != "ok" {
		t.Fatalf("retry after failure: %d %+v", code, r)
	}
	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	if len(consumer.chunks) != 1 {
		t.Fatalf("expected the chunk consumed once, got %d", len(consumer.chunks))
	}
}

func TestNewIdempotencyStoreErrors(t *testing.T) {
	if _, err := NewIdempotencyStore(StoreTypeRedis); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewIdempotencyStore("etcd"); !errors.Is(err, ErrInvalidStoreType) {
		t.Fatalf("expected ErrInvalidStoreType, got %v", err)
	}
}
