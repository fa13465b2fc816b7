package service

import (
	"context"
	"time"

	"github.com/GooferByte/portfolio-ledger/internal/background"
	"github.com/GooferByte/portfolio-ledger/internal/models"
	"github.com/GooferByte/portfolio-ledger/internal/repository"
)

// MissingISINTracker records unpriced ISINs in the background.
type MissingISINTracker struct {
	repo repository.MissingISINRepository
	bg   *background.Runner
	now  func() time.Time
}

func NewMissingISINTracker(repo repository.MissingISINRepository, bg *background.Runner) *MissingISINTracker {
	return &MissingISINTracker{
		repo: repo,
		bg:   bg,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Record upserts isin without blocking the caller.
func (t *MissingISINTracker) Record(isin, stockName string) {
	at := t.now()
	t.bg.Go("missing-isin", func(ctx context.Context) error {
		return t.repo.RecordMissingISIN(ctx, isin, stockName, at)
	})
}

// List returns every tracked ISIN.
func (t *MissingISINTracker) List(ctx context.Context) ([]models.MissingISIN, error) {
	return t.repo.ListMissingISINs(ctx)
}
