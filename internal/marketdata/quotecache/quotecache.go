// Package quotecache keeps the most recent ticker per venue/symbol behind a
// short TTL so hot paths (paper fills, dashboards) do not hammer venue REST
// endpoints. Redis is the shared tier when configured; otherwise a
// process-local map serves the same contract.
package quotecache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/tradeforge/tradeforge/internal/domain"
)

// Cache serves last-known tickers with a TTL.
type Cache struct {
	client *redis.Client
	ttl    time.Duration

	mu  sync.RWMutex
	mem map[string]memEntry
}

type memEntry struct {
	ticker    domain.Ticker
	expiresAt time.Time
}

// New builds a cache. A non-empty addr connects to Redis; connection
// failures fall back to the in-memory tier with a warning.
func New(addr string, db int, ttl time.Duration) *Cache {
	c := &Cache{ttl: ttl, mem: make(map[string]memEntry)}
	if addr == "" {
		return c
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("redis unreachable, quote cache falls back to memory")
		return c
	}
	c.client = rdb
	return c
}

// NewWithClient wires an existing Redis client (used with redismock).
func NewWithClient(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl, mem: make(map[string]memEntry)}
}

func quoteKey(venue, symbol string) string {
	return fmt.Sprintf("tf:quote:%s:%s", venue, symbol)
}

// Get returns the cached ticker when present and fresh.
func (c *Cache) Get(ctx context.Context, venue, symbol string) (domain.Ticker, bool) {
	key := quoteKey(venue, symbol)
	if c.client != nil {
		val, err := c.client.Get(ctx, key).Result()
		if err == nil {
			var t domain.Ticker
			if err := json.Unmarshal([]byte(val), &t); err == nil {
				return t, true
			}
		} else if err != redis.Nil {
			log.Debug().Err(err).Msg("quote cache redis get failed")
		}
		return domain.Ticker{}, false
	}

	c.mu.RLock()
	e, ok := c.mem[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return domain.Ticker{}, false
	}
	return e.ticker, true
}

// Set stores the ticker under the cache TTL.
func (c *Cache) Set(ctx context.Context, venue, symbol string, t domain.Ticker) {
	key := quoteKey(venue, symbol)
	if c.client != nil {
		data, err := json.Marshal(t)
		if err != nil {
			return
		}
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			log.Debug().Err(err).Msg("quote cache redis set failed")
		}
		return
	}

	c.mu.Lock()
	c.mem[key] = memEntry{ticker: t, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Close releases the Redis connection if one is held.
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
