package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// CachedFeed wraps a primary Feed with a Redis read-through cache. Reads
// check Redis first in one MGET and fetch only the misses from the primary.
// A Redis failure degrades to the primary; it is never surfaced as a
// missing price.
type CachedFeed struct {
	primary Feed
	rdb     *redis.Client
	ttl     time.Duration
	log     *slog.Logger
}

// NewCachedFeed creates a cached wrapper around a primary feed.
func NewCachedFeed(primary Feed, rdb *redis.Client, ttl time.Duration, log *slog.Logger) *CachedFeed {
	if log == nil {
		log = slog.Default()
	}
	return &CachedFeed{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		log:     log,
	}
}

func (f *CachedFeed) GetPrices(ctx context.Context, marketIDs []string) (map[string]Quote, error) {
	out := make(map[string]Quote, len(marketIDs))
	if len(marketIDs) == 0 {
		return out, nil
	}

	keys := make([]string, len(marketIDs))
	for i, id := range marketIDs {
		keys[i] = priceKey(id)
	}

	misses := marketIDs
	vals, err := f.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		f.log.Warn("price cache unavailable, reading primary", "err", err)
	} else {
		misses = nil
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				misses = append(misses, marketIDs[i])
				continue
			}
			p, err := decimal.NewFromString(s)
			if err != nil || !validPrice(p) {
				misses = append(misses, marketIDs[i])
				continue
			}
			out[marketIDs[i]] = Quote{Price: p, Source: SourceCache}
		}
	}

	if len(misses) == 0 {
		return out, nil
	}

	// Cache miss: read from primary.
	fresh, err := f.primary.GetPrices(ctx, misses)
	if err != nil {
		return nil, err
	}
	pipe := f.rdb.Pipeline()
	for id, q := range fresh {
		out[id] = q
		pipe.Set(ctx, priceKey(id), q.Price.String(), f.ttl)
	}
	if len(fresh) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			f.log.Debug("price cache write failed", "err", err)
		}
	}
	return out, nil
}

// Invalidate drops cached prices so the next read goes to the primary.
func (f *CachedFeed) Invalidate(ctx context.Context, marketIDs ...string) error {
	if len(marketIDs) == 0 {
		return nil
	}
	keys := make([]string, len(marketIDs))
	for i, id := range marketIDs {
		keys[i] = priceKey(id)
	}
	return f.rdb.Del(ctx, keys...).Err()
}

func priceKey(id string) string { return fmt.Sprintf("price:%s", id) }
