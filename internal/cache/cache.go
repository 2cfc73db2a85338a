// Package cache puts a Redis read-through cache in front of the stored
// calendar source, falling back to the source whenever Redis misbehaves.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"freeslot/internal/models"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL = 5 * time.Minute

	keyEvents = "freeslot:cache:events:" // + participant:start:end
)

// Source is the stored calendar source being cached.
type Source interface {
	FetchStoredEvents(ctx context.Context, participants []string, start, end time.Time) (map[string][]*models.Event, error)
}

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration

	// DisableOnError turns the cache off after the first Redis error.
	DisableOnError bool
}

// Cache serves stored events from Redis and fills misses from the source.
type Cache struct {
	client *redis.Client
	next   Source
	logger *slog.Logger
	ttl    time.Duration
	cfg    Config

	mu       sync.RWMutex
	disabled bool
}

// New creates a cache in front of next. If Redis cannot be reached the
// cache starts disabled and every call goes straight to next.
func New(ctx context.Context, cfg Config, next Source, logger *slog.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	logger = logger.With("component", "cache")

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     10,
	})

	c := &Cache{client: client, next: next, logger: logger, ttl: cfg.TTL, cfg: cfg}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis cache unavailable, running without caching", "addr", cfg.RedisAddr, "error", err)
		c.disabled = true
		return c
	}

	logger.Info("Redis cache initialized", "addr", cfg.RedisAddr, "ttl", cfg.TTL)
	return c
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// IsAvailable returns true if the cache is operational.
func (c *Cache) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled
}

func (c *Cache) handleError(err error, operation string) {
	if err == nil || errors.Is(err, redis.Nil) {
		return
	}
	c.logger.Debug("Cache operation failed", "operation", operation, "error", err)
	if c.cfg.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn("Disabling cache due to Redis error")
	}
}

func eventsKey(participant string, start, end time.Time) string {
	return fmt.Sprintf("%s%s:%d:%d", keyEvents, participant, start.Unix(), end.Unix())
}

// FetchStoredEvents returns cached events per participant and reads the
// misses from the source in one batched call.
func (c *Cache) FetchStoredEvents(ctx context.Context, participants []string, start, end time.Time) (map[string][]*models.Event, error) {
	if !c.IsAvailable() {
		return c.next.FetchStoredEvents(ctx, participants, start, end)
	}

	result := make(map[string][]*models.Event, len(participants))
	var misses []string
	for _, p := range participants {
		events, ok := c.get(ctx, eventsKey(p, start, end))
		if !ok {
			misses = append(misses, p)
			continue
		}
		result[p] = events
	}
	if len(misses) == 0 {
		c.logger.Debug("Served stored events from cache", "participants", len(participants))
		return result, nil
	}

	fetched, err := c.next.FetchStoredEvents(ctx, misses, start, end)
	if err != nil {
		return nil, err
	}
	for _, p := range misses {
		result[p] = fetched[p]
		c.set(ctx, eventsKey(p, start, end), fetched[p])
	}
	return result, nil
}

func (c *Cache) get(ctx context.Context, key string) ([]*models.Event, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		c.handleError(err, "get")
		return nil, false
	}
	var events []*models.Event
	if err := json.Unmarshal(data, &events); err != nil {
		c.logger.Debug("Failed to unmarshal cached value", "key", key, "error", err)
		return nil, false
	}
	return events, true
}

func (c *Cache) set(ctx context.Context, key string, events []*models.Event) {
	if !c.IsAvailable() {
		return
	}
	data, err := json.Marshal(events)
	if err != nil {
		c.logger.Debug("Failed to marshal cache value", "key", key, "error", err)
		return
	}
	c.handleError(c.client.Set(ctx, key, data, c.ttl).Err(), "set")
}

// Invalidate drops every cached range of a participant, e.g. after a sync.
func (c *Cache) Invalidate(ctx context.Context, participant string) error {
	if !c.IsAvailable() {
		return nil
	}

	var keys []string
	iter := c.client.Scan(ctx, 0, keyEvents+escapePattern(participant)+":*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.handleError(err, "scan")
		return fmt.Errorf("scan cached ranges: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.handleError(err, "delete")
		return fmt.Errorf("delete cached ranges: %w", err)
	}
	c.logger.Debug("Invalidated cached ranges", "participant", participant, "keys", len(keys))
	return nil
}

var patternEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// escapePattern quotes the glob metacharacters of a SCAN MATCH pattern.
func escapePattern(s string) string {
	return patternEscaper.Replace(s)
}
