// Package matchcache keeps match processing metadata in Redis, keyed by a
// digest of the normalized match request.
package matchcache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Service202508/BattwheelsGarages-sub003/internal/failure"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix  = "failureintel:match:"
	defaultTTL = 24 * time.Hour
)

// RedisCache implements failure.MatchCache.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

var _ failure.MatchCache = (*RedisCache)(nil)

// Options configures a RedisCache.
type Options struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long metadata is kept (default: 24h)
	TTL time.Duration
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, opts Options, logger *zap.Logger) (*RedisCache, error) {
	if opts.Addr == "" {
		return nil, errors.New("matchcache: redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("matchcache: ping %s: %w", opts.Addr, err)
	}
	return NewWithClient(client, opts.TTL, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

// Key returns the cache key for req: a 12 hex char SHA-1 digest over the
// lowercased symptoms, sorted uppercased error codes, hints and vehicle.
// Requests that differ only in case, whitespace, code order or limit share a key.
func Key(req *failure.MatchRequest) string {
	codes := make([]string, 0, len(req.ErrorCodes))
	for _, c := range req.ErrorCodes {
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			codes = append(codes, c)
		}
	}
	sort.Strings(codes)

	parts := []string{
		strings.Join(strings.Fields(strings.ToLower(req.Symptoms)), " "),
		strings.Join(codes, ","),
		string(req.SubsystemHint),
		string(req.FailureModeHint),
		strings.ToLower(strings.TrimSpace(req.VehicleMake)),
		strings.ToLower(strings.TrimSpace(req.VehicleModel)),
		strings.ToLower(strings.TrimSpace(req.TemperatureRange)),
		strings.ToLower(strings.TrimSpace(req.LoadCondition)),
	}
	sum := sha1.Sum([]byte(strings.Join(parts, "|")))
	return keyPrefix + hex.EncodeToString(sum[:])[:12]
}

// Put stores meta under the request key with the configured TTL.
func (c *RedisCache) Put(ctx context.Context, req *failure.MatchRequest, meta failure.MatchMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("matchcache: marshal metadata: %w", err)
	}
	key := Key(req)
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("matchcache: set %s: %w", key, err)
	}
	c.logger.Debug("match metadata cached", zap.String("key", key), zap.Duration("ttl", c.ttl))
	return nil
}

// Get returns the cached metadata, or nil without error on a miss.
func (c *RedisCache) Get(ctx context.Context, req *failure.MatchRequest) (*failure.MatchMetadata, error) {
	key := Key(req)
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("matchcache: get %s: %w", key, err)
	}

	var meta failure.MatchMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("matchcache: decode %s: %w", key, err)
	}
	return &meta, nil
}

// Close closes the Redis client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
