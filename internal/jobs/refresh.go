package jobs

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/GooferByte/portfolio-ledger/internal/repository"
)

// PriceRefreshJobName is the registry name of the price refresh job.
const PriceRefreshJobName = "price-refresh"

// PriceRefresher force-fetches prices into the cache.
type PriceRefresher interface {
	Refresh(ctx context.Context, isins []string) int
}

// PriceRefreshJob warms the price cache for every held ISIN plus the most
// requested ones, so report requests rarely wait on the price source.
type PriceRefreshJob struct {
	ledgers    repository.LedgerRepository
	prices     repository.PriceRepository
	refresher  PriceRefresher
	mostViewed int
	logger     *logrus.Entry
}

func NewPriceRefreshJob(ledgers repository.LedgerRepository, prices repository.PriceRepository, refresher PriceRefresher, mostViewed int, logger *logrus.Logger) *PriceRefreshJob {
	return &PriceRefreshJob{
		ledgers:    ledgers,
		prices:     prices,
		refresher:  refresher,
		mostViewed: mostViewed,
		logger:     logger.WithField("component", "price-refresh-job"),
	}
}

func (j *PriceRefreshJob) Name() string { return PriceRefreshJobName }

func (j *PriceRefreshJob) Run(ctx context.Context) (string, error) {
	held, err := j.ledgers.HeldISINs(ctx)
	if err != nil {
		return "", fmt.Errorf("list held isins: %w", err)
	}
	isins := append([]string{}, held...)
	if j.mostViewed > 0 {
		viewed, err := j.prices.MostViewedISINs(ctx, j.mostViewed)
		if err != nil {
			j.logger.WithError(err).Warn("most viewed isins unavailable, refreshing held only")
		} else {
			isins = append(isins, viewed...)
		}
	}

	priced := j.refresher.Refresh(ctx, isins)
	j.logger.WithFields(logrus.Fields{"requested": len(isins), "priced": priced}).Info("price cache refreshed")
	return fmt.Sprintf("priced %d of %d isins", priced, len(isins)), nil
}
