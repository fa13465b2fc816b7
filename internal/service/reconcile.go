package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GooferByte/portfolio-ledger/internal/metrics"
	"github.com/GooferByte/portfolio-ledger/internal/models"
	"github.com/GooferByte/portfolio-ledger/internal/pricing"
	"github.com/GooferByte/portfolio-ledger/internal/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ImportHoldings parses an uploaded holdings file and reconciles it against
// the account's ledger.
func (s *PortfolioService) ImportHoldings(ctx context.Context, userID, accountID, fileName string, data []byte) (*models.ReconciliationReport, error) {
	res, err := s.parser.Parse(fileName, data)
	if err != nil {
		return nil, err
	}
	report, err := s.Reconcile(ctx, userID, accountID, res.Rows)
	if err != nil {
		return nil, err
	}
	report.SkippedRows = res.SkippedRows
	return report, nil
}

// Reconcile compares rows with the stored holdings. When no held position
// disappeared the import is committed straight away. Otherwise the snapshot
// is parked as a pending reconciliation and the ledger is left untouched
// until ConfirmReconciliation applies it.
func (s *PortfolioService) Reconcile(ctx context.Context, userID, accountID string, rows []models.ImportRow) (*models.ReconciliationReport, error) {
	if err := validateRows(rows); err != nil {
		return nil, err
	}

	var report models.ReconciliationReport
	_, _, err := s.mutate(ctx, "reconcile", userID, accountID, "", func(l *models.Ledger) ([]models.SoldPosition, error) {
		now := s.now()
		holdings, r := diffHoldings(l.Holdings, rows, now)
		report = r
		if len(r.PotentiallySoldStocks) == 0 {
			l.ReplaceHoldings(holdings, now)
			return nil, nil
		}

		pending := models.PendingReconciliation{
			ID:          uuid.NewString(),
			UserID:      userID,
			AccountID:   accountID,
			Holdings:    holdings,
			Candidates:  r.PotentiallySoldStocks,
			BaseVersion: l.Version,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.pendingTTL),
		}
		if err := s.store.SavePendingReconciliation(ctx, pending); err != nil {
			return nil, err
		}
		report.ReconciliationID = pending.ID
		return nil, errSkipCommit
	})
	if err != nil {
		return nil, err
	}

	metrics.Reconciliations.WithLabelValues(string(report.Status)).Inc()
	s.logger.WithFields(logrus.Fields{
		"userId":          userID,
		"accountId":       accountID,
		"added":           report.AddedCount,
		"updated":         report.UpdatedCount,
		"potentiallySold": len(report.PotentiallySoldStocks),
		"status":          report.Status,
	}).Info("holdings reconciled")
	return &report, nil
}

// ConfirmReconciliation applies a pending import. Each sale must name one of
// the pending disappearances and is recorded in the sold-position log at the
// quantity and average price the ledger held; disappearances not listed are
// dropped without a sale record. Holdings replacement and sale records are
// committed together.
func (s *PortfolioService) ConfirmReconciliation(ctx context.Context, userID, accountID, id string, sales []models.ConfirmedSale) (*models.Ledger, []models.SoldPosition, error) {
	pending, err := s.findPending(ctx, userID, accountID, id)
	if err != nil {
		return nil, nil, err
	}
	normalized := make([]models.ConfirmedSale, 0, len(sales))
	seen := map[string]struct{}{}
	for _, sale := range sales {
		sale.ISIN = pricing.NormalizeISIN(sale.ISIN)
		if _, ok := pending.Candidate(sale.ISIN); !ok {
			return nil, nil, fmt.Errorf("%w: %s is not pending confirmation", ErrValidation, sale.ISIN)
		}
		if _, dup := seen[sale.ISIN]; dup {
			return nil, nil, fmt.Errorf("%w: %s listed twice", ErrValidation, sale.ISIN)
		}
		if sale.SellPrice.IsNegative() {
			return nil, nil, fmt.Errorf("%w: sell price for %s must not be negative", ErrValidation, sale.ISIN)
		}
		seen[sale.ISIN] = struct{}{}
		normalized = append(normalized, sale)
	}

	ledger, sold, err := s.mutate(ctx, "confirm", userID, accountID, pending.ID, func(l *models.Ledger) ([]models.SoldPosition, error) {
		if l.Version != pending.BaseVersion {
			return nil, fmt.Errorf("%w: ledger changed since the import was previewed", ErrConflict)
		}
		now := s.now()
		l.ReplaceHoldings(pending.Holdings, now)

		sold := make([]models.SoldPosition, 0, len(normalized))
		for _, sale := range normalized {
			c, _ := pending.Candidate(sale.ISIN)
			at := sale.SoldAt
			if at.IsZero() {
				at = now
			}
			sold = append(sold, models.NewSoldPosition(userID, accountID, c.ISIN, c.StockName, c.Quantity,
				c.AverageBuyPrice, sale.SellPrice, at, models.SourceReconciliation))
		}
		return sold, nil
	})
	if errors.Is(err, ErrConflict) {
		if derr := s.store.DeletePendingReconciliation(ctx, pending.ID); derr != nil {
			s.logger.WithError(derr).WithField("reconciliationId", pending.ID).Warn("failed to drop stale reconciliation")
		}
	}
	if err != nil {
		return nil, nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"userId":           userID,
		"accountId":        accountID,
		"reconciliationId": pending.ID,
		"confirmedSales":   len(sold),
	}).Info("reconciliation confirmed")
	return ledger, sold, nil
}

// DiscardReconciliation drops a pending import without touching the ledger.
func (s *PortfolioService) DiscardReconciliation(ctx context.Context, userID, accountID, id string) error {
	if _, err := s.findPending(ctx, userID, accountID, id); err != nil {
		return err
	}
	return s.store.DeletePendingReconciliation(ctx, id)
}

func (s *PortfolioService) findPending(ctx context.Context, userID, accountID, id string) (*models.PendingReconciliation, error) {
	p, err := s.store.FindPendingReconciliation(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrReconciliationNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if p.UserID != userID || p.AccountID != accountID {
		return nil, fmt.Errorf("%w: %s", ErrReconciliationNotFound, id)
	}
	if !s.now().Before(p.ExpiresAt) {
		if err := s.store.DeletePendingReconciliation(ctx, id); err != nil {
			s.logger.WithError(err).WithField("reconciliationId", id).Warn("failed to drop expired reconciliation")
		}
		return nil, fmt.Errorf("%w: %s expired", ErrReconciliationNotFound, id)
	}
	return p, nil
}

func validateRows(rows []models.ImportRow) error {
	for i, r := range rows {
		if pricing.NormalizeISIN(r.ISIN) == "" {
			return fmt.Errorf("%w: row %d has no isin", ErrValidation, i+1)
		}
		if r.Quantity < 0 {
			return fmt.Errorf("%w: row %d has a negative quantity", ErrValidation, i+1)
		}
		if r.AverageBuyPrice.IsNegative() {
			return fmt.Errorf("%w: row %d has a negative average price", ErrValidation, i+1)
		}
	}
	return nil
}

// diffHoldings builds the holdings an import implies and classifies every
// ISIN. Duplicate ISINs in the import take the last row's values but keep
// the position of their first appearance. Zero-quantity rows count as absent.
func diffHoldings(current []models.Holding, rows []models.ImportRow, now time.Time) ([]models.Holding, models.ReconciliationReport) {
	held := make(map[string]models.Holding, len(current))
	for _, h := range current {
		held[h.ISIN] = h
	}

	imported := make(map[string]models.ImportRow, len(rows))
	order := make([]string, 0, len(rows))
	for _, r := range rows {
		r.ISIN = pricing.NormalizeISIN(r.ISIN)
		if r.Quantity == 0 {
			continue
		}
		if _, ok := imported[r.ISIN]; !ok {
			order = append(order, r.ISIN)
		}
		imported[r.ISIN] = r
	}

	report := models.ReconciliationReport{
		TotalStocks:           len(order),
		PotentiallySoldStocks: []models.PotentiallySold{},
	}
	holdings := make([]models.Holding, 0, len(order))
	for _, isin := range order {
		r := imported[isin]
		prev, wasHeld := held[isin]
		switch {
		case !wasHeld:
			report.AddedCount++
		case prev.Quantity != r.Quantity || !prev.AverageBuyPrice.Equal(r.AverageBuyPrice):
			report.UpdatedCount++
		default:
			report.UnchangedCount++
		}
		name := r.StockName
		if name == "" {
			name = prev.StockName
		}
		holdings = append(holdings, models.Holding{
			ISIN:            isin,
			StockName:       name,
			Quantity:        r.Quantity,
			AverageBuyPrice: r.AverageBuyPrice,
			BuyValue:        models.BuyValueOf(r.Quantity, r.AverageBuyPrice),
			LastUpdated:     now,
		})
	}

	for _, h := range current {
		if _, ok := imported[h.ISIN]; ok {
			continue
		}
		report.PotentiallySoldStocks = append(report.PotentiallySoldStocks, models.PotentiallySold{
			ISIN:            h.ISIN,
			StockName:       h.StockName,
			Quantity:        h.Quantity,
			AverageBuyPrice: h.AverageBuyPrice,
			InvestedValue:   h.BuyValue,
		})
	}

	summary := fmt.Sprintf("Imported %d stocks: %d added, %d updated.", report.TotalStocks, report.AddedCount, report.UpdatedCount)
	if n := len(report.PotentiallySoldStocks); n > 0 {
		report.Status = models.ReconciliationNeedsConfirmation
		report.Message = fmt.Sprintf("%s %d stocks are no longer present; confirm which of them were sold.", summary, n)
	} else {
		report.Status = models.ReconciliationSuccess
		report.Message = summary
	}
	return holdings, report
}
