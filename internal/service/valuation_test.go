package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GooferByte/portfolio-ledger/internal/background"
	"github.com/GooferByte/portfolio-ledger/internal/repository/memory"
)

func newTestValuation(t *testing.T, repo ValuationStore, prices map[string]decimal.Decimal) (*ValuationService, *fakeRecorder) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	rec := &fakeRecorder{}
	svc := NewValuationService(repo, &fakePrices{prices: prices}, rec, logger)
	svc.now = func() time.Time { return testNow }
	return svc, rec
}

func TestGetPortfolio_ValuesHoldings(t *testing.T) {
	ps, repo := newTestPortfolio(t)
	ctx := context.Background()
	initAccount(t, ps, "u1", "a1")
	buy(t, ps, "a1", isinA, "Reliance", 10, "100")
	buy(t, ps, "a1", isinB, "Infosys", 4, "50")
	buy(t, ps, "a1", isinC, "TCS", 3, "200")
	_, _, err := ps.Sell(ctx, SellInput{UserID: "u1", AccountID: "a1", ISIN: isinC, Quantity: 1, SellPrice: d("260")})
	require.NoError(t, err)

	vs, rec := newTestValuation(t, repo, map[string]decimal.Decimal{
		isinA: d("120"),
		isinB: d("40"),
		isinC: d("250"),
	})
	report, err := vs.GetPortfolio(ctx, "u1", "a1")
	require.NoError(t, err)

	require.Len(t, report.Holdings, 3)
	assert.Equal(t, []string{"Infosys", "Reliance", "TCS"}, []string{
		report.Holdings[0].StockName, report.Holdings[1].StockName, report.Holdings[2].StockName,
	})

	rel := report.Holdings[1]
	assert.True(t, rel.CurrentValue.Equal(d("1200")))
	assert.True(t, rel.UnrealisedPL.Equal(d("200")))
	assert.True(t, rel.ReturnPercentage.Equal(d("20")))
	assert.False(t, rel.PriceUnavailable)

	inf := report.Holdings[0]
	assert.True(t, inf.UnrealisedPL.Equal(d("-40")))
	assert.True(t, inf.ReturnPercentage.Equal(d("-20")))

	// 1200 + 160 + 500
	assert.True(t, report.TotalCurrentValue.Equal(d("1860")))
	assert.True(t, report.TotalUnrealisedPL.Equal(d("260")))
	assert.True(t, report.TotalInvestment.Equal(d("1600")))
	assert.True(t, report.TotalRealisedPL.Equal(d("60")))
	assert.True(t, report.TotalReturnPercentage.Equal(d("16.25")))
	assert.Empty(t, rec.isins)
}

func TestGetPortfolio_PriceFallback(t *testing.T) {
	ps, repo := newTestPortfolio(t)
	initAccount(t, ps, "u1", "a1")
	buy(t, ps, "a1", isinA, "Reliance", 10, "100")

	vs, rec := newTestValuation(t, repo, nil)
	report, err := vs.GetPortfolio(context.Background(), "u1", "a1")
	require.NoError(t, err)

	require.Len(t, report.Holdings, 1)
	h := report.Holdings[0]
	assert.True(t, h.PriceUnavailable)
	assert.True(t, h.CurrentPrice.Equal(h.AverageBuyPrice))
	assert.True(t, h.UnrealisedPL.IsZero())
	assert.True(t, h.ReturnPercentage.IsZero())
	assert.Equal(t, []string{isinA}, rec.isins)
}

func TestGetPortfolio_ZeroBuyPrice(t *testing.T) {
	ps, repo := newTestPortfolio(t)
	initAccount(t, ps, "u1", "a1")
	buy(t, ps, "a1", isinA, "Bonus shares", 10, "0")

	vs, _ := newTestValuation(t, repo, map[string]decimal.Decimal{isinA: d("15")})
	report, err := vs.GetPortfolio(context.Background(), "u1", "a1")
	require.NoError(t, err)

	h := report.Holdings[0]
	assert.True(t, h.ReturnPercentage.IsZero())
	assert.True(t, h.UnrealisedPL.Equal(d("150")))
	assert.True(t, report.TotalReturnPercentage.IsZero())
}

func TestGetPortfolio_UnknownLedger(t *testing.T) {
	_, repo := newTestPortfolio(t)
	vs, _ := newTestValuation(t, repo, nil)
	_, err := vs.GetPortfolio(context.Background(), "u1", "nope")
	assert.ErrorIs(t, err, ErrLedgerNotFound)
}

func TestGetUserSummary_AcrossAccountsReadOnly(t *testing.T) {
	ps, repo := newTestPortfolio(t)
	ctx := context.Background()
	initAccount(t, ps, "u1", "a1")
	initAccount(t, ps, "u1", "a2")
	initAccount(t, ps, "u1", "empty")
	buy(t, ps, "a1", isinA, "Reliance", 10, "100")
	buy(t, ps, "a2", isinA, "Reliance", 5, "80")
	buy(t, ps, "a2", isinB, "Infosys", 2, "50")
	_, _, err := ps.Sell(ctx, SellInput{UserID: "u1", AccountID: "a2", ISIN: isinB, Quantity: 2, SellPrice: d("75")})
	require.NoError(t, err)

	before, err := repo.FindLedgersByUser(ctx, "u1")
	require.NoError(t, err)

	vs, _ := newTestValuation(t, repo, map[string]decimal.Decimal{isinA: d("110")})
	summary, err := vs.GetUserSummary(ctx, "u1")
	require.NoError(t, err)

	require.Len(t, summary.Accounts, 3)
	assert.Equal(t, "a1", summary.Accounts[0].AccountID)
	assert.True(t, summary.Accounts[0].TotalCurrentValue.Equal(d("1100")))
	assert.True(t, summary.Accounts[1].TotalRealisedPL.Equal(d("50")))
	assert.Equal(t, 0, summary.Accounts[2].HoldingsCount)

	assert.True(t, summary.TotalInvestment.Equal(d("1400")))
	assert.True(t, summary.TotalCurrentValue.Equal(d("1650")))
	assert.True(t, summary.TotalUnrealisedPL.Equal(d("250")))
	assert.True(t, summary.TotalRealisedPL.Equal(d("50")))

	after, err := repo.FindLedgersByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestMissingISINTracker_RecordsInBackground(t *testing.T) {
	repo := memory.New()
	logger, _ := test.NewNullLogger()
	bg := background.NewRunner(time.Second, logger)
	tr := NewMissingISINTracker(repo, bg)

	tr.Record(isinA, "Reliance")
	tr.Record(isinA, "Reliance")
	bg.Wait()

	list, err := tr.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(2), list[0].Occurrences)
}
