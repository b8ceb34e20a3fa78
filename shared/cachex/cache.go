// Package cachex is a JSON cache over Redis. Keys are namespaced by
// environment so dev and staging can share one instance.
package cachex

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"cwa-risk-core/shared/config"
)

var errNotInitialized = errors.New("redis client not initialized")

type Client struct {
	redis  *redis.Client
	prefix string
}

func New(cfg config.Config) (*Client, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	return &Client{redis: rdb, prefix: keyPrefix(cfg.Env)}, nil
}

func keyPrefix(env string) string {
	env = strings.ToLower(strings.TrimSpace(env))
	if env == "" {
		env = "dev"
	}
	return "cwa:" + env + ":"
}

func (c *Client) key(k string) string {
	return c.prefix + k
}

func (c *Client) ready() error {
	if c == nil || c.redis == nil {
		return errNotInitialized
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.redis.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c.ready() != nil {
		return nil
	}
	return c.redis.Close()
}

// SetJSON stores value without expiry when ttl <= 0.
func (c *Client) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := c.ready(); err != nil {
		return err
	}
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	return c.redis.Set(ctx, c.key(key), b, ttl).Err()
}

// GetJSON reports false, nil on a miss.
func (c *Client) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	if err := c.ready(); err != nil {
		return false, err
	}
	raw, err := c.redis.Get(ctx, c.key(key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, json.Unmarshal(raw, dest)
}

// Client exposes the raw connection for lockx.
func (c *Client) Client() *redis.Client {
	if c == nil {
		return nil
	}
	return c.redis
}

// Package is a verified download kept for conditional refreshes and offline
// fallback. Data holds the verified payload, not the signed archive.
type Package struct {
	ETag      string    `json:"etag"`
	Data      []byte    `json:"data"`
	FetchedAt time.Time `json:"fetched_at"`
}

func (c *Client) GetPackage(ctx context.Context, name string) (Package, bool, error) {
	var pkg Package
	ok, err := c.GetJSON(ctx, "pkg:"+name, &pkg)
	if err != nil || !ok {
		return Package{}, false, err
	}
	return pkg, true, nil
}

// SetPackage stores pkg without expiry when ttl <= 0.
func (c *Client) SetPackage(ctx context.Context, name string, pkg Package, ttl time.Duration) error {
	return c.SetJSON(ctx, "pkg:"+name, pkg, ttl)
}
