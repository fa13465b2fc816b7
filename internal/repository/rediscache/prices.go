// Package rediscache keeps the price cache in Redis so several service instances
// share one view of the last fetched prices.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/GooferByte/portfolio-ledger/internal/models"
)

const viewsKey = "price:views"

// PriceStore implements repository.PriceRepository. Entries expire after
// retention so that long-unrequested ISINs do not accumulate; freshness is
// still judged by the caller from LastUpdated.
type PriceStore struct {
	rdb       *redis.Client
	retention time.Duration
}

// NewPriceStore wraps a Redis client.
func NewPriceStore(rdb *redis.Client, retention time.Duration) *PriceStore {
	return &PriceStore{rdb: rdb, retention: retention}
}

func (s *PriceStore) FindPricesByISINs(ctx context.Context, isins []string) ([]models.CachedPrice, error) {
	if len(isins) == 0 {
		return []models.CachedPrice{}, nil
	}
	keys := make([]string, len(isins))
	for i, isin := range isins {
		keys[i] = priceKey(isin)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := []models.CachedPrice{}
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var p models.CachedPrice
		if json.Unmarshal([]byte(raw), &p) == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *PriceStore) SavePrice(ctx context.Context, price models.CachedPrice) error {
	data, err := json.Marshal(price)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, priceKey(price.ISIN), data, s.retention).Err()
}

func (s *PriceStore) IncrementPriceViews(ctx context.Context, isins []string) error {
	pipe := s.rdb.Pipeline()
	for _, isin := range isins {
		pipe.ZIncrBy(ctx, viewsKey, 1, isin)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *PriceStore) MostViewedISINs(ctx context.Context, limit int) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	return s.rdb.ZRevRange(ctx, viewsKey, 0, stop).Result()
}

func priceKey(isin string) string { return fmt.Sprintf("price:%s", isin) }
