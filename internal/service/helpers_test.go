package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/GooferByte/portfolio-ledger/internal/importer"
	"github.com/GooferByte/portfolio-ledger/internal/models"
	"github.com/GooferByte/portfolio-ledger/internal/repository/memory"
)

var testNow = time.Date(2026, 4, 15, 9, 30, 0, 0, time.UTC)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

// faultyStore wraps the in-memory store so a test can fail the next commit.
type faultyStore struct {
	*memory.InMemoryRepo
	mu       sync.Mutex
	failNext error
}

func (f *faultyStore) FailNextCommit(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = err
}

func (f *faultyStore) CommitLedger(ctx context.Context, ledger *models.Ledger, sold []models.SoldPosition, pendingID string) error {
	f.mu.Lock()
	err := f.failNext
	f.failNext = nil
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.InMemoryRepo.CommitLedger(ctx, ledger, sold, pendingID)
}

func newTestPortfolio(t *testing.T) (*PortfolioService, *faultyStore) {
	t.Helper()
	repo := &faultyStore{InMemoryRepo: memory.New()}
	logger, _ := test.NewNullLogger()
	svc := NewPortfolioService(repo, importer.NewParser(), 30*time.Minute, logger)
	svc.now = func() time.Time { return testNow }
	return svc, repo
}

func initAccount(t *testing.T, svc *PortfolioService, userID, accountID string) {
	t.Helper()
	_, err := svc.InitPortfolio(context.Background(), userID, accountID, "Broker "+accountID)
	require.NoError(t, err)
}

func buy(t *testing.T, svc *PortfolioService, accountID, isin, name string, qty int64, price string) {
	t.Helper()
	_, err := svc.Buy(context.Background(), BuyInput{
		UserID: "u1", AccountID: accountID, ISIN: isin, StockName: name, Quantity: qty, BuyPrice: d(price),
	})
	require.NoError(t, err)
}

// fakePrices is a PriceProvider backed by a fixed map.
type fakePrices struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	calls  int
}

func (f *fakePrices) GetLatestPrices(ctx context.Context, isins []string) map[string]decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := map[string]decimal.Decimal{}
	for _, isin := range isins {
		if p, ok := f.prices[isin]; ok {
			out[isin] = p
		}
	}
	return out
}

// fakeRecorder collects missing ISINs.
type fakeRecorder struct {
	mu    sync.Mutex
	isins []string
}

func (f *fakeRecorder) Record(isin, stockName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.isins = append(f.isins, isin)
}
