package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/GooferByte/portfolio-ledger/internal/metrics"
	"github.com/GooferByte/portfolio-ledger/internal/models"
	"github.com/GooferByte/portfolio-ledger/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var hundred = decimal.NewFromInt(100)

// summaryConcurrency bounds how many ledgers a user summary values at once.
const summaryConcurrency = 4

// PriceProvider returns the latest known price per ISIN, leaving out ISINs
// it cannot price.
type PriceProvider interface {
	GetLatestPrices(ctx context.Context, isins []string) map[string]decimal.Decimal
}

// MissingRecorder is told about ISINs that had to be valued without a price.
type MissingRecorder interface {
	Record(isin, stockName string)
}

// ValuationStore is the read side the valuation reporter needs.
type ValuationStore interface {
	repository.LedgerRepository
	repository.SoldPositionRepository
}

// ValuationService joins ledgers with market prices. It never writes ledgers.
type ValuationService struct {
	store   ValuationStore
	prices  PriceProvider
	missing MissingRecorder
	now     func() time.Time
	logger  *logrus.Entry
}

func NewValuationService(store ValuationStore, prices PriceProvider, missing MissingRecorder, logger *logrus.Logger) *ValuationService {
	return &ValuationService{
		store:   store,
		prices:  prices,
		missing: missing,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.WithField("component", "valuation-service"),
	}
}

// GetPortfolio values one account. Holdings without a price are valued at
// their average buy price and flagged.
func (s *ValuationService) GetPortfolio(ctx context.Context, userID, accountID string) (*models.PortfolioReport, error) {
	ledger, err := s.store.FindLedger(ctx, userID, accountID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrLedgerNotFound, userID, accountID)
	}
	if err != nil {
		return nil, err
	}
	sold, err := s.store.FindSoldPositionsByAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	report := s.value(ctx, *ledger, sold)
	return &report, nil
}

// GetUserSummary values every account of a user and totals them.
func (s *ValuationService) GetUserSummary(ctx context.Context, userID string) (*models.UserSummary, error) {
	ledgers, err := s.store.FindLedgersByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	sold, err := s.store.FindSoldPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	soldByAccount := map[string][]models.SoldPosition{}
	for _, sp := range sold {
		soldByAccount[sp.AccountID] = append(soldByAccount[sp.AccountID], sp)
	}

	reports := make([]models.PortfolioReport, len(ledgers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(summaryConcurrency)
	for i := range ledgers {
		g.Go(func() error {
			reports[i] = s.value(gctx, ledgers[i], soldByAccount[ledgers[i].AccountID])
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary := &models.UserSummary{
		UserID:            userID,
		Accounts:          make([]models.AccountSummary, 0, len(reports)),
		TotalInvestment:   decimal.Zero,
		TotalCurrentValue: decimal.Zero,
		TotalUnrealisedPL: decimal.Zero,
		TotalRealisedPL:   decimal.Zero,
	}
	for _, r := range reports {
		summary.Accounts = append(summary.Accounts, models.AccountSummary{
			AccountID:         r.AccountID,
			AccountName:       r.AccountName,
			HoldingsCount:     len(r.Holdings),
			TotalInvestment:   r.TotalInvestment,
			TotalCurrentValue: r.TotalCurrentValue,
			TotalUnrealisedPL: r.TotalUnrealisedPL,
			TotalRealisedPL:   r.TotalRealisedPL,
		})
		summary.TotalInvestment = summary.TotalInvestment.Add(r.TotalInvestment)
		summary.TotalCurrentValue = summary.TotalCurrentValue.Add(r.TotalCurrentValue)
		summary.TotalUnrealisedPL = summary.TotalUnrealisedPL.Add(r.TotalUnrealisedPL)
		summary.TotalRealisedPL = summary.TotalRealisedPL.Add(r.TotalRealisedPL)
	}
	summary.TotalReturnPercentage = percentOf(summary.TotalUnrealisedPL, summary.TotalInvestment)
	return summary, nil
}

func (s *ValuationService) value(ctx context.Context, ledger models.Ledger, sold []models.SoldPosition) models.PortfolioReport {
	isins := make([]string, 0, len(ledger.Holdings))
	for _, h := range ledger.Holdings {
		isins = append(isins, h.ISIN)
	}
	prices := map[string]decimal.Decimal{}
	if len(isins) > 0 {
		prices = s.prices.GetLatestPrices(ctx, isins)
	}

	report := models.PortfolioReport{
		UserID:            ledger.UserID,
		AccountID:         ledger.AccountID,
		AccountName:       ledger.AccountName,
		Holdings:          make([]models.HoldingValuation, 0, len(ledger.Holdings)),
		TotalInvestment:   ledger.TotalInvestment,
		TotalCurrentValue: decimal.Zero,
		TotalUnrealisedPL: decimal.Zero,
		TotalRealisedPL:   decimal.Zero,
		GeneratedAt:       s.now(),
	}
	for _, h := range ledger.Holdings {
		v := valueHolding(h, prices)
		if v.PriceUnavailable {
			metrics.PricesUnavailable.Inc()
			s.logger.WithFields(logrus.Fields{"isin": h.ISIN, "accountId": ledger.AccountID}).Debug("no price, valuing at buy price")
			s.missing.Record(h.ISIN, h.StockName)
		}
		report.Holdings = append(report.Holdings, v)
		report.TotalCurrentValue = report.TotalCurrentValue.Add(v.CurrentValue)
		report.TotalUnrealisedPL = report.TotalUnrealisedPL.Add(v.UnrealisedPL)
	}
	sort.SliceStable(report.Holdings, func(i, j int) bool {
		return strings.ToLower(report.Holdings[i].StockName) < strings.ToLower(report.Holdings[j].StockName)
	})
	for _, sp := range sold {
		report.TotalRealisedPL = report.TotalRealisedPL.Add(sp.RealisedPL)
	}
	report.TotalReturnPercentage = percentOf(report.TotalUnrealisedPL, report.TotalInvestment)
	return report
}

func valueHolding(h models.Holding, prices map[string]decimal.Decimal) models.HoldingValuation {
	price, ok := prices[h.ISIN]
	if !ok {
		price = h.AverageBuyPrice
	}
	qty := decimal.NewFromInt(h.Quantity)
	return models.HoldingValuation{
		Holding:          h,
		CurrentPrice:     price,
		CurrentValue:     price.Mul(qty),
		UnrealisedPL:     price.Sub(h.AverageBuyPrice).Mul(qty),
		ReturnPercentage: percentOf(price.Sub(h.AverageBuyPrice), h.AverageBuyPrice),
		PriceUnavailable: !ok,
	}
}

// percentOf returns part / whole x 100, or zero when whole is zero.
func percentOf(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred)
}
