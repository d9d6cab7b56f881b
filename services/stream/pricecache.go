package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/britej3/signalkey/domain/market"
)

// PriceCache stores the freshest ticker per stream key. The throttle drops
// fan-out events, not cache writes, so pollers (telegram workflows, the
// shared price stream) always read the newest price.
type PriceCache interface {
	SetLatest(key string, t market.Ticker)
	Latest(key string) (market.Ticker, bool)
}

type MemoryPriceCache struct {
	mu   sync.RWMutex
	data map[string]market.Ticker
}

func NewMemoryPriceCache() *MemoryPriceCache {
	return &MemoryPriceCache{data: make(map[string]market.Ticker)}
}

func (c *MemoryPriceCache) SetLatest(key string, t market.Ticker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = t
}

func (c *MemoryPriceCache) Latest(key string) (market.Ticker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.data[key]
	return t, ok
}

// RedisPriceCache mirrors latest prices to Redis so every process sharing
// the instance reads the same snapshot. Writes are best effort with a local
// fallback: a Redis outage never stalls a stream loop.
type RedisPriceCache struct {
	client *redis.Client
	ttl    time.Duration
	local  *MemoryPriceCache
	log    *logrus.Entry
}

type cachedTicker struct {
	Last float64 `json:"last"`
	Ts   int64   `json:"ts"`
}

func NewRedisPriceCache(client *redis.Client, ttl time.Duration) *RedisPriceCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisPriceCache{
		client: client,
		ttl:    ttl,
		local:  NewMemoryPriceCache(),
		log:    logrus.WithField("component", "price_cache"),
	}
}

func (c *RedisPriceCache) redisKey(key string) string { return "price:latest:" + key }

func (c *RedisPriceCache) SetLatest(key string, t market.Ticker) {
	c.local.SetLatest(key, t)

	payload, err := json.Marshal(cachedTicker{Last: t.Last, Ts: t.Ts.UnixMilli()})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.client.Set(ctx, c.redisKey(key), payload, c.ttl).Err(); err != nil {
		c.log.WithError(err).Debug("redis price write failed")
	}
}

func (c *RedisPriceCache) Latest(key string) (market.Ticker, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	raw, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if err != nil {
		return c.local.Latest(key)
	}
	var cached cachedTicker
	if err := json.Unmarshal(raw, &cached); err != nil {
		return c.local.Latest(key)
	}
	return market.Ticker{Last: cached.Last, Ts: time.UnixMilli(cached.Ts).UTC()}, true
}
