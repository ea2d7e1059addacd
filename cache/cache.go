// Package cache wraps a Redis connection used by the TLog process for the peek sequence
// tracker's TTL-based expiry (spec §4.8), a cross-process concern that does not belong in the
// durable queue or persistent store. The lock protocol does not use this package.
//
// Grounded on the teacher's cache/redis.go Connection type. The peek tracker calls Set and Get.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options configures the Redis connection. Same shape as the teacher's cache.Options.
type Options struct {
	Address                  string
	Password                 string
	DB                       int
	DefaultDurationInSeconds int
}

// GetDefaultDuration returns the configured default TTL as a time.Duration.
func (opt *Options) GetDefaultDuration() time.Duration {
	return time.Duration(opt.DefaultDurationInSeconds) * time.Second
}

// DefaultOptions returns Options pointed at a local Redis instance with a 24h default TTL.
func DefaultOptions() Options {
	return Options{
		Address:                  "localhost:6379",
		Password:                 "",
		DB:                       0,
		DefaultDurationInSeconds: 24 * 60 * 60,
	}
}

// Connection wraps a *redis.Client and the Options it was built from.
type Connection struct {
	Client  *redis.Client
	Options Options
}

// NewClient connects to Redis per options. The connection is lazy: no round trip happens
// until the first command.
func NewClient(options Options) *Connection {
	client := redis.NewClient(&redis.Options{
		Addr:     options.Address,
		Password: options.Password,
		DB:       options.DB,
	})
	return &Connection{Client: client, Options: options}
}

// Ping verifies connectivity.
func (c *Connection) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

// Set stores value under key with the given expiration, or the connection's default TTL
// when expiration is negative.
func (c *Connection) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if expiration < 0 {
		expiration = c.Options.GetDefaultDuration()
	}
	return c.Client.Set(ctx, key, value, expiration).Err()
}

// Get returns the value stored at key, or redis.Nil if absent.
func (c *Connection) Get(ctx context.Context, key string) (string, error) {
	return c.Client.Get(ctx, key).Result()
}

// SetStruct JSON-encodes value and stores it under key.
func (c *Connection) SetStruct(ctx context.Context, key string, value any, expiration time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if expiration < 0 {
		expiration = c.Options.GetDefaultDuration()
	}
	return c.Client.Set(ctx, key, b, expiration).Err()
}

// GetStruct reads the value at key and JSON-decodes it into target.
func (c *Connection) GetStruct(ctx context.Context, key string, target any) error {
	s, err := c.Client.Get(ctx, key).Result()
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(s), target)
}

// Delete removes key.
func (c *Connection) Delete(ctx context.Context, key string) error {
	return c.Client.Del(ctx, key).Err()
}

// Publish broadcasts message on channel. No TLog component calls it.
func (c *Connection) Publish(ctx context.Context, channel string, message string) error {
	return c.Client.Publish(ctx, channel, message).Err()
}

// Subscribe returns a Redis pub/sub handle for channel.
func (c *Connection) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return c.Client.Subscribe(ctx, channel)
}

// IsNil reports whether err is the Redis "key not found" sentinel.
func IsNil(err error) bool {
	return err == redis.Nil
}
