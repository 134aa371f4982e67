// Package delivery posts signed, idempotent payloads to downstream consumers
// with bounded exponential backoff.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-ingest/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-ingest/delivery"

// Status tags how a delivery ended.
type Status string

const (
	Delivered Status = "delivered" // 2xx
	Rejected  Status = "rejected"  // 4xx other than 429, not retried
	Exhausted Status = "exhausted" // retries used up, or the caller gave up
)

// StatusExhausted is the synthetic status code reported after the last retry.
const StatusExhausted = http.StatusServiceUnavailable

// Outcome is the result of one Deliver call. Deliver never returns an error;
// failures are described here.
type Outcome struct {
	Status     Status
	StatusCode int
	Attempts   int
	Err        error
}

func (o Outcome) OK() bool { return o.Status == Delivered }

// Destination is where and how to deliver a session's records.
type Destination struct {
	ChunkURL string
	FinalURL string
	Secret   string
}

// Option customizes a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSleep replaces the backoff wait. It must return early with ctx.Err()
// when ctx is done.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithJitter replaces the random component added to every backoff delay.
func WithJitter(fn func() time.Duration) Option {
	return func(c *Client) { c.jitter = fn }
}

type Client struct {
	http    *http.Client
	retries int
	base    time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func() time.Duration
	log     *slog.Logger

	tracer   trace.Tracer
	attempts metric.Int64Counter
	outcomes metric.Int64Counter
}

func NewClient(cfg config.DeliveryConfig, log *slog.Logger, opts ...Option) *Client {
	if log == nil {
		log = slog.Default()
	}
	jitterMax := time.Duration(cfg.JitterMaxMS) * time.Millisecond
	c := &Client{
		http:    &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
		retries: cfg.Retries,
		base:    time.Duration(cfg.BackoffBaseMS) * time.Millisecond,
		sleep:   sleepContext,
		jitter: func() time.Duration {
			if jitterMax <= 0 {
				return 0
			}
			return rand.N(jitterMax)
		},
		log:    log.With(slog.String("component", "delivery")),
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}

	meter := otel.Meter(instrumentationName)
	var err error
	if c.attempts, err = meter.Int64Counter("ingest.delivery.attempts",
		metric.WithDescription("HTTP delivery attempts")); err != nil {
		c.log.Warn("failed to create attempts counter", slogError(err))
	}
	if c.outcomes, err = meter.Int64Counter("ingest.delivery.outcomes",
		metric.WithDescription("Finished deliveries by status")); err != nil {
		c.log.Warn("failed to create outcomes counter", slogError(err))
	}
	return c
}

// DeliverChunk posts a chunk with key sessionId:chunkId.
func (c *Client) DeliverChunk(ctx context.Context, dst Destination, p ChunkPayload) Outcome {
	return c.Deliver(ctx, dst.ChunkURL, dst.Secret, p, ChunkKey(p.SessionID, p.ChunkID), ChunkRequestID(p.SessionID, p.Seq))
}

// DeliverFinal posts the final record with key sessionId:final.
func (c *Client) DeliverFinal(ctx context.Context, dst Destination, p FinalPayload) Outcome {
	key := FinalKey(p.SessionID)
	return c.Deliver(ctx, dst.FinalURL, dst.Secret, p, key, key)
}

// Deliver posts payload to url. 5xx responses and transport errors are
// retried after base*2^attempt plus jitter, 429 after twice that; any other
// 4xx ends the delivery at once.
func (c *Client) Deliver(ctx context.Context, url, secret string, payload any, idemKey, requestID string) Outcome {
	ctx, span := c.tracer.Start(ctx, "delivery.deliver", trace.WithAttributes(
		attribute.String("delivery.url", url),
		attribute.String("delivery.idempotency_key", idemKey),
	))
	defer span.End()

	out := c.deliver(ctx, url, secret, payload, idemKey, requestID)

	span.SetAttributes(
		attribute.String("delivery.status", string(out.Status)),
		attribute.Int("delivery.attempts", out.Attempts),
		attribute.Int("http.response.status_code", out.StatusCode),
	)
	if !out.OK() {
		span.SetStatus(codes.Error, string(out.Status))
		if out.Err != nil {
			span.RecordError(out.Err)
		}
	}
	if c.outcomes != nil {
		c.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(out.Status))))
	}
	return out
}

func (c *Client) deliver(ctx context.Context, url, secret string, payload any, idemKey, requestID string) Outcome {
	body, err := Encode(payload)
	if err != nil {
		return Outcome{Status: Rejected, Err: fmt.Errorf("encode payload: %w", err)}
	}
	signature := Sign(secret, body)
	log := c.log.With(slog.String("idempotency_key", idemKey))

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= c.retries; attempt++ {
		attempts++
		code, err := c.post(ctx, url, body, signature, idemKey, requestID)
		if c.attempts != nil {
			c.attempts.Add(ctx, 1)
		}

		delay := c.backoff(attempt)
		switch {
		case err != nil:
			lastErr = err
		case code >= 500:
			lastErr = fmt.Errorf("server returned %d", code)
		case code == http.StatusTooManyRequests:
			lastErr = errors.New("rate limited")
			delay *= 2
		case code >= 400:
			log.Warn("delivery rejected", slog.Int("status", code))
			return Outcome{Status: Rejected, StatusCode: code, Attempts: attempts, Err: fmt.Errorf("rejected with %d", code)}
		default:
			return Outcome{Status: Delivered, StatusCode: code, Attempts: attempts}
		}

		if attempt == c.retries {
			break
		}
		log.Debug("delivery attempt failed",
			slog.Int("attempt", attempts),
			slog.Duration("retry_in", delay),
			slogError(lastErr))
		if err := c.sleep(ctx, delay); err != nil {
			return Outcome{Status: Exhausted, StatusCode: StatusExhausted, Attempts: attempts, Err: err}
		}
	}

	log.Warn("delivery failed after retries", slog.Int("attempts", attempts), slogError(lastErr))
	return Outcome{
		Status:     Exhausted,
		StatusCode: StatusExhausted,
		Attempts:   attempts,
		Err:        fmt.Errorf("delivery failed after retries: %w", lastErr),
	}
}

// maxBackoff caps the exponential part of the retry delay.
const maxBackoff = 5 * time.Minute

func (c *Client) backoff(attempt int) time.Duration {
	d := maxBackoff
	if attempt < 32 && c.base <= maxBackoff>>attempt {
		d = c.base << attempt
	}
	return d + c.jitter()
}

func (c *Client) post(ctx context.Context, url string, body []byte, signature, idemKey, requestID string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderIdempotency, idemKey)
	req.Header.Set(HeaderRequestID, requestID)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
