// Package webhook resolves where a session's chunks and final record go.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/loqalabs/loqa-ingest/internal/delivery"
	"github.com/loqalabs/loqa-ingest/internal/store"
)

var ErrInvalidRegistration = errors.New("webhook: invalid registration")

// Store is the persistence the registry needs.
type Store interface {
	UpsertWebhook(ctx context.Context, wh store.Webhook) error
	ActiveWebhook(ctx context.Context, sessionID string) (store.Webhook, error)
}

// Registration is an inbound destination. URL sets both flows; URLChunk and
// URLFinal override it per flow. An empty SessionID registers the global
// destination.
type Registration struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
	URLChunk  string `json:"url_chunk"`
	URLFinal  string `json:"url_final"`
	Secret    string `json:"secret"`
}

// Registry looks destinations up per session, then globally, then in the
// configured fallback, filling each empty field from the next level.
type Registry struct {
	store    Store
	fallback func() delivery.Destination
}

// NewRegistry returns a registry. fallback is consulted on every Resolve so
// configuration reloads take effect; it may be nil.
func NewRegistry(st Store, fallback func() delivery.Destination) *Registry {
	if fallback == nil {
		fallback = func() delivery.Destination { return delivery.Destination{} }
	}
	return &Registry{store: st, fallback: fallback}
}

func (r *Registry) Register(ctx context.Context, reg Registration) (store.Webhook, error) {
	wh := store.Webhook{
		SessionID: reg.SessionID,
		URLChunk:  firstNonEmpty(reg.URLChunk, reg.URL),
		URLFinal:  firstNonEmpty(reg.URLFinal, reg.URL),
		Secret:    reg.Secret,
		Active:    true,
	}
	if wh.URLChunk == "" && wh.URLFinal == "" {
		return store.Webhook{}, fmt.Errorf("%w: url is required", ErrInvalidRegistration)
	}
	for _, raw := range []string{wh.URLChunk, wh.URLFinal} {
		if raw == "" {
			continue
		}
		if err := checkURL(raw); err != nil {
			return store.Webhook{}, err
		}
	}
	if wh.Secret == "" {
		return store.Webhook{}, fmt.Errorf("%w: secret is required", ErrInvalidRegistration)
	}
	if err := r.store.UpsertWebhook(ctx, wh); err != nil {
		return store.Webhook{}, fmt.Errorf("save webhook: %w", err)
	}
	return wh, nil
}

// Resolve returns the destination for sessionID and whether any URL is known.
func (r *Registry) Resolve(ctx context.Context, sessionID string) (delivery.Destination, bool, error) {
	var dst delivery.Destination
	keys := []string{store.GlobalWebhook}
	if sessionID != "" {
		keys = []string{sessionID, store.GlobalWebhook}
	}
	for _, key := range keys {
		wh, err := r.store.ActiveWebhook(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return delivery.Destination{}, false, fmt.Errorf("lookup webhook: %w", err)
		}
		dst = merge(dst, delivery.Destination{ChunkURL: wh.URLChunk, FinalURL: wh.URLFinal, Secret: wh.Secret})
	}
	dst = merge(dst, r.fallback())
	return dst, dst.ChunkURL != "" || dst.FinalURL != "", nil
}

func merge(dst, next delivery.Destination) delivery.Destination {
	dst.ChunkURL = firstNonEmpty(dst.ChunkURL, next.ChunkURL)
	dst.FinalURL = firstNonEmpty(dst.FinalURL, next.FinalURL)
	dst.Secret = firstNonEmpty(dst.Secret, next.Secret)
	return dst
}

func checkURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q is not an http(s) url", ErrInvalidRegistration, raw)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
