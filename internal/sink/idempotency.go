package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrInvalidConfig    = errors.New("sink: invalid idempotency store config")
	ErrInvalidStoreType = errors.New("sink: unknown idempotency store type")
)

// StoreType selects an IdempotencyStore driver.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

const (
	keyPrefix         = "idem:"
	defaultTTL        = 24 * time.Hour
	defaultPendingTTL = 5 * time.Minute

	valuePending = "pending"
	valueDone    = "done"
)

// ClaimResult is what Claim found for a key.
type ClaimResult int

const (
	// Claimed means the caller owns the key and must Complete or Release it.
	Claimed ClaimResult = iota
	// InFlight means another request holds the key and has not finished.
	InFlight
	// Done means a request with the key was already processed.
	Done
)

// IdempotencyStore tracks Idempotency-Key values through processing.
type IdempotencyStore interface {
	Claim(ctx context.Context, key string) (ClaimResult, error)
	// Complete marks a claimed key processed for the store's TTL.
	Complete(ctx context.Context, key string) error
	// Release forgets key so a retried delivery is processed again.
	Release(ctx context.Context, key string) error
}

// StoreOption configures NewIdempotencyStore.
type StoreOption func(*storeConfig)

type storeConfig struct {
	redisClient *redis.Client
	ttl         time.Duration
	pendingTTL  time.Duration
	clock       func() time.Time
}

// WithRedisClient sets the client of the redis driver.
func WithRedisClient(client *redis.Client) StoreOption {
	return func(c *storeConfig) {
		c.redisClient = client
	}
}

// WithTTL sets how long a processed key is remembered.
func WithTTL(ttl time.Duration) StoreOption {
	return func(c *storeConfig) {
		c.ttl = ttl
	}
}

// WithPendingTTL bounds how long an unfinished claim blocks its key.
func WithPendingTTL(ttl time.Duration) StoreOption {
	return func(c *storeConfig) {
		c.pendingTTL = ttl
	}
}

func withClock(clock func() time.Time) StoreOption {
	return func(c *storeConfig) {
		c.clock = clock
	}
}

// NewIdempotencyStore builds the driver named by storeType. The redis driver
// requires WithRedisClient.
func NewIdempotencyStore(storeType StoreType, opts ...StoreOption) (IdempotencyStore, error) {
	cfg := &storeConfig{clock: time.Now}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.ttl <= 0 {
		cfg.ttl = defaultTTL
	}
	if cfg.pendingTTL <= 0 {
		cfg.pendingTTL = defaultPendingTTL
	}

	switch storeType {
	case StoreTypeMemory, "":
		return &memoryStore{
			keys:       make(map[string]memoryEntry),
			ttl:        cfg.ttl,
			pendingTTL: cfg.pendingTTL,
			clock:      cfg.clock,
		}, nil
	case StoreTypeRedis:
		if cfg.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		return &redisStore{client: cfg.redisClient, ttl: cfg.ttl, pendingTTL: cfg.pendingTTL}, nil
	default:
		return nil, ErrInvalidStoreType
	}
}

type memoryEntry struct {
	done    bool
	expires time.Time
}

// memoryStore keeps keys until they expire. Expired entries are swept lazily
// on Claim.
type memoryStore struct {
	mu         sync.Mutex
	keys       map[string]memoryEntry
	ttl        time.Duration
	pendingTTL time.Duration
	clock      func() time.Time
	claims     int
}

func (s *memoryStore) Claim(_ context.Context, key string) (ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()

	s.claims++
	if s.claims%1024 == 0 {
		for k, e := range s.keys {
			if !now.Before(e.expires) {
				delete(s.keys, k)
			}
		}
	}

	if e, ok := s.keys[key]; ok && now.Before(e.expires) {
		if e.done {
			return Done, nil
		}
		return InFlight, nil
	}
	s.keys[key] = memoryEntry{expires: now.Add(s.pendingTTL)}
	return Claimed, nil
}

func (s *memoryStore) Complete(_ context.Context, key string) error {
	s.mu.Lock()
	s.keys[key] = memoryEntry{done: true, expires: s.clock().Add(s.ttl)}
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.keys, key)
	s.mu.Unlock()
	return nil
}

type redisStore struct {
	client     *redis.Client
	ttl        time.Duration
	pendingTTL time.Duration
}

func (s *redisStore) Claim(ctx context.Context, key string) (ClaimResult, error) {
	ok, err := s.client.SetNX(ctx, keyPrefix+key, valuePending, s.pendingTTL).Result()
	if err != nil {
		return InFlight, err
	}
	if ok {
		return Claimed, nil
	}
	val, err := s.client.Get(ctx, keyPrefix+key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// expired between the two calls; the sender retries
		return InFlight, nil
	case err != nil:
		return InFlight, err
	case val == valueDone:
		return Done, nil
	}
	return InFlight, nil
}

func (s *redisStore) Complete(ctx context.Context, key string) error {
	return s.client.Set(ctx, keyPrefix+key, valueDone, s.ttl).Err()
}

func (s *redisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, keyPrefix+key).Err()
}
