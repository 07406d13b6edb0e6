// Package redis caches decoded ledger snapshots and rate limits submissions
// per node identity.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/workledger/internal/ledger"
)

// ErrCacheMiss is returned when a snapshot is not cached
var ErrCacheMiss = errors.New("cache miss")

// Client wraps Redis operations for the ledger services
type Client struct {
	rdb    redis.UniversalClient
	prefix string
}

// Config holds Redis connection configuration
type Config struct {
	URL          string
	Prefix       string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns connection settings for url
func DefaultConfig(url string) *Config {
	return &Config{
		URL:          url,
		Prefix:       "workledger",
		PoolSize:     32,
		MinIdleConns: 4,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewClient connects and pings Redis
func NewClient(cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.MaxRetries = cfg.MaxRetries
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return NewWithClient(rdb, cfg.Prefix), nil
}

// NewWithClient wraps an existing client
func NewWithClient(rdb redis.UniversalClient, prefix string) *Client {
	return &Client{rdb: rdb, prefix: prefix}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) key(parts ...string) string {
	k := c.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Snapshots

// SetNode caches the decoded node record of identity
func (c *Client) SetNode(ctx context.Context, node *ledger.NodeAccount, ttl time.Duration) error {
	return c.setJSON(ctx, c.key("node", node.NodeIdentity.String()), node, ttl)
}

// GetNode returns the cached node record of identity, or ErrCacheMiss
func (c *Client) GetNode(ctx context.Context, identity ledger.Address) (*ledger.NodeAccount, error) {
	node := &ledger.NodeAccount{}
	if err := c.getJSON(ctx, c.key("node", identity.String()), node); err != nil {
		return nil, err
	}
	return node, nil
}

// SetConfig caches the network config
func (c *Client) SetConfig(ctx context.Context, cfg *ledger.NetworkConfig, ttl time.Duration) error {
	return c.setJSON(ctx, c.key("config"), cfg, ttl)
}

// GetConfig returns the cached network config, or ErrCacheMiss
func (c *Client) GetConfig(ctx context.Context) (*ledger.NetworkConfig, error) {
	cfg := &ledger.NetworkConfig{}
	if err := c.getJSON(ctx, c.key("config"), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// InvalidateNode drops the cached node record of identity
func (c *Client) InvalidateNode(ctx context.Context, identity ledger.Address) error {
	if err := c.rdb.Del(ctx, c.key("node", identity.String())).Err(); err != nil {
		return fmt.Errorf("failed to invalidate node: %w", err)
	}
	return nil
}

func (c *Client) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, key string, dest any) error {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// Counters

// IncrementOutcome counts an instruction outcome in a daily bucket
func (c *Client) IncrementOutcome(ctx context.Context, instruction, status string, day time.Time) (int64, error) {
	key := c.key("outcomes", day.UTC().Format("2006-01-02"), instruction, status)
	pipe := c.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 8*24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment outcome: %w", err)
	}
	return incr.Val(), nil
}

// GetCounter returns an outcome counter, zero when absent
func (c *Client) GetCounter(ctx context.Context, instruction, status string, day time.Time) (int64, error) {
	key := c.key("outcomes", day.UTC().Format("2006-01-02"), instruction, status)
	val, err := c.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}

// Rate limiting

// AllowSubmission counts a submission by identity in the current fixed
// window and reports whether it is within limit
func (c *Client) AllowSubmission(ctx context.Context, identity ledger.Address, limit int64, window time.Duration) (bool, error) {
	bucket := time.Now().UnixNano() / int64(window)
	key := c.key("ratelimit", identity.String(), fmt.Sprint(bucket))

	pipe := c.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}
	return incr.Val() <= limit, nil
}

// Deduplication

// EnvelopeState is what the dedupe marker says about an envelope id
type EnvelopeState int

const (
	// EnvelopeNew means the caller now holds the in-flight lease
	EnvelopeNew EnvelopeState = iota
	// EnvelopeInFlight means another attempt holds the lease
	EnvelopeInFlight
	// EnvelopeDone means the envelope reached a final outcome
	EnvelopeDone
)

func (s EnvelopeState) String() string {
	switch s {
	case EnvelopeNew:
		return "new"
	case EnvelopeInFlight:
		return "in_flight"
	case EnvelopeDone:
		return "done"
	default:
		return "unknown"
	}
}

const (
	markInFlight = "inflight"
	markDone     = "done"
)

// BeginEnvelope takes a short in-flight lease on envelope id. A lease left by
// a crashed attempt expires after lease, so the redelivery can take it.
func (c *Client) BeginEnvelope(ctx context.Context, id string, lease time.Duration) (EnvelopeState, error) {
	key := c.key("envelope", id)
	ok, err := c.rdb.SetNX(ctx, key, markInFlight, lease).Result()
	if err != nil {
		return EnvelopeInFlight, fmt.Errorf("failed to lease envelope: %w", err)
	}
	if ok {
		return EnvelopeNew, nil
	}

	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls; the caller asks again
		return EnvelopeInFlight, nil
	}
	if err != nil {
		return EnvelopeInFlight, fmt.Errorf("failed to read envelope marker: %w", err)
	}
	if val == markDone {
		return EnvelopeDone, nil
	}
	return EnvelopeInFlight, nil
}

// CompleteEnvelope replaces the lease with a done marker kept for ttl
func (c *Client) CompleteEnvelope(ctx context.Context, id string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, c.key("envelope", id), markDone, ttl).Err(); err != nil {
		return fmt.Errorf("failed to complete envelope: %w", err)
	}
	return nil
}

// ReleaseEnvelope drops the marker of envelope id so a redelivery is processed
func (c *Client) ReleaseEnvelope(ctx context.Context, id string) error {
	if err := c.rdb.Del(ctx, c.key("envelope", id)).Err(); err != nil {
		return fmt.Errorf("failed to release envelope: %w", err)
	}
	return nil
}
