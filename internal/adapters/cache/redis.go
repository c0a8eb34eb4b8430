// Package cache publishes canonical price snapshots to Redis so dashboards
// and API frontends read hot prices without touching the engine or the store.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/SecondOrder-fun/probsync/internal/domain"
)

// RedisCache writes one JSON document per market, keyed by the composite
// (group, participant) key and additionally by contract address once known.
// Entries carry a TTL so a stopped engine ages out of the read path instead
// of serving frozen prices forever.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache connects and verifies the server is reachable before
// returning. A cache that cannot be pinged at startup is a config error,
// not something to discover on the first publish.
func NewRedisCache(addr string, ttl time.Duration) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("cache.NewRedisCache: ping %s: %w", addr, err)
	}

	return &RedisCache{rdb: rdb, ttl: ttl}, nil
}

// priceDoc is the wire shape served to readers. Prices appear both in basis
// points and as a display decimal so frontends never re-derive the division.
type priceDoc struct {
	GroupID       uint64    `json:"group_id"`
	Participant   string    `json:"participant"`
	Market        string    `json:"market,omitempty"`
	StructuralBps int64     `json:"structural_bps"`
	SentimentBps  int64     `json:"sentiment_bps"`
	HybridBps     int64     `json:"hybrid_bps"`
	Price         string    `json:"price"`
	Stale         bool      `json:"stale"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Publish overwrites the cached document for the snapshot's market.
func (c *RedisCache) Publish(ctx context.Context, snap domain.PriceSnapshot) error {
	price := decimal.NewFromInt(snap.HybridBps).
		Div(decimal.NewFromInt(domain.BpsScale)).
		StringFixed(4)

	doc := priceDoc{
		GroupID:       snap.GroupID,
		Participant:   snap.Participant,
		Market:        snap.MarketAddr,
		StructuralBps: snap.StructuralBps,
		SentimentBps:  snap.SentimentBps,
		HybridBps:     snap.HybridBps,
		Price:         price,
		Stale:         snap.Stale,
		UpdatedAt:     snap.UpdatedAt,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("cache.Publish: marshal: %w", err)
	}

	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, priceKey(domain.MarketKey(snap.GroupID, snap.Participant)), data, c.ttl)
	if snap.MarketAddr != "" {
		pipe.Set(ctx, addrKey(snap.MarketAddr), data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache.Publish: %w", err)
	}
	return nil
}

// Close releases the client. Cached entries are left to expire via TTL.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

func priceKey(key string) string { return fmt.Sprintf("price:%s", key) }
func addrKey(addr string) string { return fmt.Sprintf("price:addr:%s", addr) }
