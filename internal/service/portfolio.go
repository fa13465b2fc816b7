package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GooferByte/portfolio-ledger/internal/importer"
	"github.com/GooferByte/portfolio-ledger/internal/metrics"
	"github.com/GooferByte/portfolio-ledger/internal/models"
	"github.com/GooferByte/portfolio-ledger/internal/pricing"
	"github.com/GooferByte/portfolio-ledger/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const maxCommitAttempts = 3

// errSkipCommit lets a mutation decide that nothing needs to be written.
var errSkipCommit = errors.New("skip commit")

// SpreadsheetParser turns uploaded files into import rows.
type SpreadsheetParser interface {
	Parse(fileName string, data []byte) (importer.Result, error)
}

// PortfolioService owns ledger state: init, buy, sell and reconciliation.
// Mutations of one (user, account) pair are serialised in process and
// version-checked in the store.
type PortfolioService struct {
	store      repository.LedgerStore
	parser     SpreadsheetParser
	locks      *keyedMutex
	pendingTTL time.Duration
	now        func() time.Time
	logger     *logrus.Entry
}

// NewPortfolioService builds a PortfolioService. Pending reconciliations
// expire after pendingTTL.
func NewPortfolioService(store repository.LedgerStore, parser SpreadsheetParser, pendingTTL time.Duration, logger *logrus.Logger) *PortfolioService {
	return &PortfolioService{
		store:      store,
		parser:     parser,
		locks:      newKeyedMutex(),
		pendingTTL: pendingTTL,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.WithField("component", "portfolio-service"),
	}
}

// BuyInput is the DTO for a buy transaction.
type BuyInput struct {
	UserID    string
	AccountID string
	ISIN      string
	StockName string
	Quantity  int64
	BuyPrice  decimal.Decimal
	BoughtAt  time.Time
}

// SellInput is the DTO for a sell transaction.
type SellInput struct {
	UserID    string
	AccountID string
	ISIN      string
	Quantity  int64
	SellPrice decimal.Decimal
	SoldAt    time.Time
}

// InitPortfolio creates an empty ledger for the pair. Calling it again for an
// existing pair returns the stored ledger unchanged.
func (s *PortfolioService) InitPortfolio(ctx context.Context, userID, accountID, accountName string) (*models.Ledger, error) {
	if userID == "" || accountID == "" {
		return nil, fmt.Errorf("%w: userId and accountId are required", ErrValidation)
	}
	existing, err := s.store.FindLedger(ctx, userID, accountID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	ledger := models.NewLedger(userID, accountID, accountName, s.now())
	if err := s.store.CreateLedger(ctx, ledger); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return s.store.FindLedger(ctx, userID, accountID)
		}
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"userId": userID, "accountId": accountID}).Info("portfolio initialised")
	return &ledger, nil
}

func (s *PortfolioService) GetLedger(ctx context.Context, userID, accountID string) (*models.Ledger, error) {
	l, err := s.store.FindLedger(ctx, userID, accountID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrLedgerNotFound, userID, accountID)
	}
	return l, err
}

func (s *PortfolioService) ListLedgers(ctx context.Context, userID string) ([]models.Ledger, error) {
	return s.store.FindLedgersByUser(ctx, userID)
}

// ListSoldPositions returns the sold-position log of an account, newest first.
func (s *PortfolioService) ListSoldPositions(ctx context.Context, userID, accountID string) ([]models.SoldPosition, error) {
	if _, err := s.GetLedger(ctx, userID, accountID); err != nil {
		return nil, err
	}
	return s.store.FindSoldPositionsByAccount(ctx, userID, accountID)
}

// ListUserSoldPositions returns the sold-position log across every account of
// a user, newest first.
func (s *PortfolioService) ListUserSoldPositions(ctx context.Context, userID string) ([]models.SoldPosition, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrValidation)
	}
	return s.store.FindSoldPositionsByUser(ctx, userID)
}

// Buy adds to a holding, recomputing its weighted-average price.
func (s *PortfolioService) Buy(ctx context.Context, input BuyInput) (*models.Ledger, error) {
	isin := pricing.NormalizeISIN(input.ISIN)
	if isin == "" {
		return nil, fmt.Errorf("%w: isin is required", ErrValidation)
	}
	at := input.BoughtAt
	if at.IsZero() {
		at = s.now()
	}
	ledger, _, err := s.mutate(ctx, "buy", input.UserID, input.AccountID, "", func(l *models.Ledger) ([]models.SoldPosition, error) {
		return nil, l.ApplyBuy(isin, input.StockName, input.Quantity, input.BuyPrice, at)
	})
	return ledger, err
}

// Sell closes all or part of a holding and records the realised sale.
// Selling more than is held is rejected with ErrInvalidQuantity.
func (s *PortfolioService) Sell(ctx context.Context, input SellInput) (*models.Ledger, *models.SoldPosition, error) {
	isin := pricing.NormalizeISIN(input.ISIN)
	if isin == "" {
		return nil, nil, fmt.Errorf("%w: isin is required", ErrValidation)
	}
	at := input.SoldAt
	if at.IsZero() {
		at = s.now()
	}
	ledger, sold, err := s.mutate(ctx, "sell", input.UserID, input.AccountID, "", func(l *models.Ledger) ([]models.SoldPosition, error) {
		sp, err := l.ApplySell(isin, input.Quantity, input.SellPrice, at)
		if err != nil {
			return nil, err
		}
		return []models.SoldPosition{sp}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return ledger, &sold[0], nil
}

// mutate loads the ledger, applies fn and commits the result together with
// the sold positions fn returns. Version conflicts are retried with a fresh
// read; fn must therefore be safe to call more than once.
func (s *PortfolioService) mutate(ctx context.Context, op, userID, accountID, pendingID string, fn func(l *models.Ledger) ([]models.SoldPosition, error)) (*models.Ledger, []models.SoldPosition, error) {
	unlock := s.locks.Lock(ledgerKey{userID: userID, accountID: accountID})
	defer unlock()

	log := s.logger.WithFields(logrus.Fields{"op": op, "userId": userID, "accountId": accountID})
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		ledger, err := s.store.FindLedger(ctx, userID, accountID)
		if errors.Is(err, repository.ErrNotFound) {
			metrics.LedgerMutations.WithLabelValues(op, "not_found").Inc()
			return nil, nil, fmt.Errorf("%w: %s/%s", ErrLedgerNotFound, userID, accountID)
		}
		if err != nil {
			return nil, nil, err
		}

		sold, err := fn(ledger)
		if errors.Is(err, errSkipCommit) {
			return ledger, nil, nil
		}
		if err != nil {
			metrics.LedgerMutations.WithLabelValues(op, "rejected").Inc()
			return nil, nil, err
		}
		for i := range sold {
			if sold[i].ID == "" {
				sold[i].ID = uuid.NewString()
			}
		}

		err = s.store.CommitLedger(ctx, ledger, sold, pendingID)
		if errors.Is(err, repository.ErrVersionConflict) {
			metrics.LedgerConflicts.Inc()
			log.WithField("attempt", attempt).Warn("ledger version conflict, retrying")
			continue
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s/%s", ErrLedgerNotFound, userID, accountID)
		}
		if err != nil {
			metrics.LedgerMutations.WithLabelValues(op, "error").Inc()
			return nil, nil, err
		}
		metrics.LedgerMutations.WithLabelValues(op, "ok").Inc()
		log.WithField("version", ledger.Version).Debug("ledger committed")
		return ledger, sold, nil
	}
	metrics.LedgerMutations.WithLabelValues(op, "conflict").Inc()
	return nil, nil, ErrConflict
}
