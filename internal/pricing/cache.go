package pricing

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/GooferByte/portfolio-ledger/internal/background"
	"github.com/GooferByte/portfolio-ledger/internal/metrics"
	"github.com/GooferByte/portfolio-ledger/internal/models"
	"github.com/GooferByte/portfolio-ledger/internal/repository"
)

// Cache serves prices from a repository and refreshes entries older than ttl
// from the Source. Concurrent callers may both miss and both fetch the same
// ISIN; the later write wins, which is harmless for a quoted price.
type Cache struct {
	repo    repository.PriceRepository
	source  Source
	ttl     time.Duration
	bg      *background.Runner
	nowFunc func() time.Time
	logger  *logrus.Entry
}

func NewCache(repo repository.PriceRepository, source Source, ttl time.Duration, bg *background.Runner, logger *logrus.Logger) *Cache {
	return &Cache{
		repo:    repo,
		source:  source,
		ttl:     ttl,
		bg:      bg,
		nowFunc: func() time.Time { return time.Now().UTC() },
		logger:  logger.WithField("component", "price-cache"),
	}
}

// GetLatestPrices returns the freshest price available for each ISIN. Fresh
// cache entries are served as is; the rest are fetched in one batch. When
// the source cannot price an ISIN its stale cache entry is served instead,
// and with no entry at all the ISIN is absent from the result.
func (c *Cache) GetLatestPrices(ctx context.Context, isins []string) map[string]decimal.Decimal {
	isins = NormalizeISINs(isins)
	result := make(map[string]decimal.Decimal, len(isins))
	if len(isins) == 0 {
		return result
	}
	c.bg.Go("price-views", func(ctx context.Context) error {
		return c.repo.IncrementPriceViews(ctx, isins)
	})

	cached, err := c.repo.FindPricesByISINs(ctx, isins)
	if err != nil {
		c.logger.WithError(err).Warn("price cache read failed, fetching all")
		cached = nil
	}
	now := c.nowFunc()
	stale := map[string]decimal.Decimal{}
	for _, p := range cached {
		if now.Sub(p.LastUpdated) < c.ttl {
			result[p.ISIN] = p.Price
		} else {
			stale[p.ISIN] = p.Price
		}
	}

	needsFetch := make([]string, 0, len(isins)-len(result))
	for _, isin := range isins {
		if _, ok := result[isin]; !ok {
			needsFetch = append(needsFetch, isin)
		}
	}
	metrics.PriceCacheLookups.WithLabelValues("hit").Add(float64(len(result)))
	metrics.PriceCacheLookups.WithLabelValues("miss").Add(float64(len(needsFetch)))
	if len(needsFetch) == 0 {
		return result
	}

	fetched := c.fetch(ctx, needsFetch)
	for _, isin := range needsFetch {
		if p, ok := fetched[isin]; ok {
			result[isin] = p
			continue
		}
		if p, ok := stale[isin]; ok {
			c.logger.WithField("isin", isin).Debug("serving stale price")
			result[isin] = p
		}
	}
	return result
}

// Refresh fetches isins from the source regardless of cache age and returns
// how many were priced.
func (c *Cache) Refresh(ctx context.Context, isins []string) int {
	isins = NormalizeISINs(isins)
	if len(isins) == 0 {
		return 0
	}
	return len(c.fetch(ctx, isins))
}

func (c *Cache) fetch(ctx context.Context, isins []string) map[string]decimal.Decimal {
	fetched, err := c.source.FetchPrices(ctx, isins)
	if err != nil {
		metrics.PriceFetches.WithLabelValues("error").Inc()
		c.logger.WithError(err).WithField("isins", len(isins)).Warn("price fetch failed")
		return nil
	}
	metrics.PriceFetches.WithLabelValues("ok").Inc()

	now := c.nowFunc()
	for isin, p := range fetched {
		if err := c.repo.SavePrice(ctx, models.CachedPrice{ISIN: isin, Price: p, LastUpdated: now}); err != nil {
			c.logger.WithError(err).WithField("isin", isin).Warn("price cache write failed")
		}
	}
	return fetched
}

// NormalizeISINs trims, upper-cases and de-duplicates, keeping first-seen order.
func NormalizeISINs(isins []string) []string {
	seen := make(map[string]struct{}, len(isins))
	out := make([]string, 0, len(isins))
	for _, isin := range isins {
		isin = NormalizeISIN(isin)
		if isin == "" {
			continue
		}
		if _, ok := seen[isin]; ok {
			continue
		}
		seen[isin] = struct{}{}
		out = append(out, isin)
	}
	return out
}

// NormalizeISIN trims and upper-cases a single ISIN.
func NormalizeISIN(isin string) string {
	return strings.ToUpper(strings.TrimSpace(isin))
}
