// Package redis wraps go-redis with the narrow set of primitives the
// gateway's signature cache needs, rather than exposing the whole driver.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes for the two signature namespaces this gateway persists.
// Account, quota, and health state live in internal/store's JSON files
// instead (see DESIGN.md) — Redis here is purely an optional, shared
// replay cache for thoughtSignatures.
const (
	PrefixSignatureTool     = "antigravity:signatures:tool:"
	PrefixSignatureThinking = "antigravity:signatures:thinking:"
)

// Client wraps a go-redis client with the generic key/hash operations
// SignatureStore needs.
type Client struct {
	rdb *redis.Client
}

// Config represents Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient dials Redis and verifies the connection with a PING.
func NewClient(cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// SetString stores a plain string with an optional TTL.
func (c *Client) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// GetString retrieves a plain string.
func (c *Client) GetString(ctx context.Context, key string) (string, error) {
	return c.rdb.Get(ctx, key).Result()
}

// Delete removes one or more keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// Exists reports whether a key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	count, err := c.rdb.Exists(ctx, key).Result()
	return count > 0, err
}

// Expire sets a TTL on an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// HSet writes fields into a hash, JSON-encoding any non-string value.
func (c *Client) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	args := make([]interface{}, 0, len(values)*2)
	for k, v := range values {
		args = append(args, k)
		if s, ok := v.(string); ok {
			args = append(args, s)
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		args = append(args, string(data))
	}
	return c.rdb.HSet(ctx, key, args...).Err()
}

// HGetAll retrieves every field of a hash.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// ScanAll returns every key matching pattern, paging through SCAN so a
// large keyspace never blocks Redis the way KEYS would.
func (c *Client) ScanAll(ctx context.Context, pattern string) ([]string, error) {
	var cursor uint64
	var keys []string

	for {
		var batch []string
		var err error
		batch, cursor, err = c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

// IsNil reports whether err is redis.Nil (key not found).
func IsNil(err error) bool {
	return err == redis.Nil
}
