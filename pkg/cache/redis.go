package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrMiss is returned when a key does not exist
	ErrMiss = errors.New("cache: miss")
	// ErrLockHeld is returned when another run holds the lock
	ErrLockHeld = errors.New("cache: lock held by another run")
)

// releaseScript deletes the lock only if it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client holds the Redis client
type Client struct {
	Redis *redis.Client
}

// NewClient creates a new Redis client
func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed connecting to redis: %w", err)
	}

	log.Println("✅ Redis connected")

	return &Client{
		Redis: client,
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.Redis.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.Redis.Ping(ctx).Err()
}

// Set sets a key-value pair with expiration
func (c *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.Redis.Set(ctx, key, value, expiration).Err()
}

// Get gets a value by key; a missing key is ErrMiss
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.Redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return val, err
}

// Delete deletes a key
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	return c.Redis.Del(ctx, keys...).Err()
}

// SetJSON stores value encoded as JSON
func (c *Client) SetJSON(ctx context.Context, key string, value any, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return c.Set(ctx, key, data, expiration)
}

// GetJSON decodes the JSON stored at key into dst
func (c *Client) GetJSON(ctx context.Context, key string, dst any) error {
	val, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(val), dst); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// Lock is a held run lock
type Lock struct {
	client *Client
	key    string
	token  string
}

// AcquireLock takes key with SETNX for ttl. The TTL bounds how long a
// crashed holder can block later runs.
func (c *Client) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := c.Redis.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{client: c, key: key, token: token}, nil
}

// Release drops the lock if it is still ours
func (l *Lock) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return releaseScript.Run(ctx, l.client.Redis, []string{l.key}, l.token).Err()
}
