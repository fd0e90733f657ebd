package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"carrybot/internal/domain"
)

// priceTTL bounds how long a cached price may serve as a fallback before it
// expires outright.
const priceTTL = 15 * time.Minute

// PriceCache implements domain.PriceCache on a Redis hash per asset holding
// the price and the time it was observed.
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache returns a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(asset string) string {
	return "carrybot:price:" + asset
}

// SetPrice stores the latest price for asset.
func (pc *PriceCache) SetPrice(ctx context.Context, asset string, price float64, ts time.Time) error {
	key := priceKey(asset)
	pipe := pc.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]any{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixMilli(), 10),
	})
	pipe.Expire(ctx, key, priceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", asset, err)
	}
	return nil
}

// GetPrice returns the cached price and its observation time, or
// domain.ErrNotFound when nothing (unexpired) is cached.
func (pc *PriceCache) GetPrice(ctx context.Context, asset string) (float64, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(asset)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", asset, err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, fmt.Errorf("price %s: %w", asset, domain.ErrNotFound)
	}

	price, err := strconv.ParseFloat(vals["price"], 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse cached price %s: %w", asset, err)
	}
	millis, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse cached price ts %s: %w", asset, err)
	}
	return price, time.UnixMilli(millis).UTC(), nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
