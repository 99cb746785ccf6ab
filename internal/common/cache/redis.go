package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"eventpay/internal/common/middleware"
)

// Config holds Redis configuration
type Config struct {
	URL            string        `envconfig:"REDIS_URL" default:""`
	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	KeyPrefix      string        `envconfig:"REDIS_KEY_PREFIX" default:"eventpay"`
}

// Client wraps a go-redis client
type Client struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
}

// New connects to Redis and verifies the connection
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	logger.Info("redis connection established", "addr", opts.Addr, "db", opts.DB)

	return NewFromClient(rdb, cfg.KeyPrefix, logger), nil
}

// NewFromClient wraps an existing go-redis client
func NewFromClient(rdb *redis.Client, prefix string, logger *slog.Logger) *Client {
	return &Client{rdb: rdb, prefix: prefix, logger: logger}
}

// Close closes the underlying connection pool
func (c *Client) Close() error {
	return c.rdb.Close()
}

// HealthCheck pings Redis
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// IdempotencyStore returns a middleware.IdempotencyStore backed by Redis
func (c *Client) IdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{client: c}
}

// IdempotencyStore stores replayable HTTP responses
type IdempotencyStore struct {
	client *Client
}

var _ middleware.IdempotencyStore = (*IdempotencyStore)(nil)

func (s *IdempotencyStore) key(k string) string {
	return fmt.Sprintf("%s:idempotent-key:%s", s.client.prefix, k)
}

// Get returns the stored response for key, if any
func (s *IdempotencyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading idempotency key: %w", err)
	}
	return val, true, nil
}

// Set stores response under key unless a concurrent request already did
func (s *IdempotencyStore) Set(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	ok, err := s.client.rdb.SetNX(ctx, s.key(key), response, ttl).Result()
	if err != nil {
		return fmt.Errorf("writing idempotency key: %w", err)
	}
	if !ok {
		s.client.logger.Debug("idempotency key already stored", "key", key)
	}
	return nil
}
