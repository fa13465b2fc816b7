package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GooferByte/portfolio-ledger/internal/importer"
	"github.com/GooferByte/portfolio-ledger/internal/models"
)

const (
	isinA = "INE002A01018"
	isinB = "INE009A01021"
	isinC = "INE467B01029"
)

func row(isin, name string, qty int64, price string) models.ImportRow {
	return models.ImportRow{ISIN: isin, StockName: name, Quantity: qty, AverageBuyPrice: d(price)}
}

func TestReconcile_AdditionCommitsImmediately(t *testing.T) {
	svc, _ := newTestPortfolio(t)
	ctx := context.Background()
	initAccount(t, svc, "u1", "a1")
	buy(t, svc, "a1", isinA, "Reliance", 5, "100")

	report, err := svc.Reconcile(ctx, "u1", "a1", []models.ImportRow{
		row(isinA, "Reliance", 5, "100"),
		row(isinB, "Infosys", 3, "1500"),
	})
	require.NoError(t, err)

	assert.Equal(t, models.ReconciliationSuccess, report.Status)
	assert.Equal(t, 2, report.TotalStocks)
	assert.Equal(t, 1, report.AddedCount)
	assert.Equal(t, 0, report.UpdatedCount)
	assert.Equal(t, 1, report.UnchangedCount)
	assert.Empty(t, report.PotentiallySoldStocks)
	assert.Empty(t, report.ReconciliationID)

	l, err := svc.GetLedger(ctx, "u1", "a1")
	require.NoError(t, err)
	require.Len(t, l.Holdings, 2)
	assert.True(t, l.TotalInvestment.Equal(d("5000")))
	assertLedgerInvariants(t, l)
}

func TestReconcile_DisappearanceNeedsConfirmation(t *testing.T) {
	svc, repo := newTestPortfolio(t)
	ctx := context.Background()
	initAccount(t, svc, "u1", "a1")
	buy(t, svc, "a1", isinA, "Reliance", 5, "100")

	report, err := svc.Reconcile(ctx, "u1", "a1", []models.ImportRow{row(isinB, "Infosys", 3, "1500")})
	require.NoError(t, err)

	assert.Equal(t, models.ReconciliationNeedsConfirmation, report.Status)
	assert.NotEmpty(t, report.ReconciliationID)
	require.Len(t, report.PotentiallySoldStocks, 1)
	ps := report.PotentiallySoldStocks[0]
	assert.Equal(t, isinA, ps.ISIN)
	assert.Equal(t, int64(5), ps.Quantity)
	assert.True(t, ps.InvestedValue.Equal(d("500")))
	assert.Contains(t, report.Message, "1 stocks are no longer present")

	// Nothing is committed before confirmation.
	l, err := svc.GetLedger(ctx, "u1", "a1")
	require.NoError(t, err)
	require.Len(t, l.Holdings, 1)
	assert.Equal(t, isinA, l.Holdings[0].ISIN)
	sold, err := repo.FindSoldPositionsByAccount(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.Empty(t, sold)
}

func TestReconcile_UpdatedAndDuplicateRows(t *testing.T) {
	svc, _ := newTestPortfolio(t)
	ctx := context.Background()
	initAccount(t, svc, "u1", "a1")
	buy(t, svc, "a1", isinA, "Reliance", 5, "100")
	buy(t, svc, "a1", isinB, "Infosys", 2, "1500")

	report, err := svc.Reconcile(ctx, "u1", "a1", []models.ImportRow{
		row(isinB, "Infosys", 1, "1"),
		row(isinA, "Reliance", 5, "120"),
		row(isinB, "", 2, "1500"),
	})
	require.NoError(t, err)

	assert.Equal(t, models.ReconciliationSuccess, report.Status)
	assert.Equal(t, 2, report.TotalStocks)
	assert.Equal(t, 1, report.UpdatedCount)
	assert.Equal(t, 1, report.UnchangedCount)

	l, err := svc.GetLedger(ctx, "u1", "a1")
	require.NoError(t, err)
	require.Len(t, l.Holdings, 2)
	assert.Equal(t, isinB, l.Holdings[0].ISIN)
	assert.Equal(t, "Infosys", l.Holdings[0].StockName)
	assert.Equal(t, int64(2), l.Holdings[0].Quantity)
	assert.True(t, l.Holdings[1].AverageBuyPrice.Equal(d("120")))
	assertLedgerInvariants(t, l)
}

func TestReconcile_ZeroQuantityRowIsAbsent(t *testing.T) {
	svc, _ := newTestPortfolio(t)
	initAccount(t, svc, "u1", "a1")
	buy(t, svc, "a1", isinA, "Reliance", 5, "100")

	report, err := svc.Reconcile(context.Background(), "u1", "a1", []models.ImportRow{row(isinA, "Reliance", 0, "100")})
	require.NoError(t, err)
	assert.Equal(t, 0, report.TotalStocks)
	require.Len(t, report.PotentiallySoldStocks, 1)
}

func TestReconcile_RejectsNegativeRows(t *testing.T) {
	svc, _ := newTestPortfolio(t)
	initAccount(t, svc, "u1", "a1")
	_, err := svc.Reconcile(context.Background(), "u1", "a1", []models.ImportRow{row(isinA, "x", -1, "1")})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestConfirmReconciliation_AppliesSnapshotAndSales(t *testing.T) {
	svc, _ := newTestPortfolio(t)
	ctx := context.Background()
	initAccount(t, svc, "u1", "a1")
	buy(t, svc, "a1", isinA, "Reliance", 5, "100")
	buy(t, svc, "a1", isinC, "TCS", 2, "3000")

	report, err := svc.Reconcile(ctx, "u1", "a1", []models.ImportRow{row(isinB, "Infosys", 3, "1500")})
	require.NoError(t, err)
	require.Len(t, report.PotentiallySoldStocks, 2)

	soldAt := testNow.Add(-24 * time.Hour)
	l, sold, err := svc.ConfirmReconciliation(ctx, "u1", "a1", report.ReconciliationID, []models.ConfirmedSale{
		{ISIN: isinA, SellPrice: d("130"), SoldAt: soldAt},
	})
	require.NoError(t, err)

	require.Len(t, l.Holdings, 1)
	assert.Equal(t, isinB, l.Holdings[0].ISIN)
	assert.True(t, l.TotalInvestment.Equal(d("4500")))
	assertLedgerInvariants(t, l)

	require.Len(t, sold, 1)
	assert.Equal(t, isinA, sold[0].ISIN)
	assert.Equal(t, int64(5), sold[0].QuantitySold)
	assert.True(t, sold[0].InvestedValue.Equal(d("500")))
	assert.True(t, sold[0].SoldValue.Equal(d("650")))
	assert.True(t, sold[0].RealisedPL.Equal(d("150")))
	assert.Equal(t, models.SourceReconciliation, sold[0].Source)
	assert.Equal(t, soldAt, sold[0].SoldAt)

	log, err := svc.ListSoldPositions(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.Len(t, log, 1)

	// The pending snapshot is consumed.
	_, _, err = svc.ConfirmReconciliation(ctx, "u1", "a1", report.ReconciliationID, nil)
	assert.ErrorIs(t, err, ErrReconciliationNotFound)
}

func TestConfirmReconciliation_LeavesCallerSalesUntouched(t *testing.T) {
	svc, _ := newTestPortfolio(t)
	ctx := context.Background()
	initAccount(t, svc, "u1", "a1")
	buy(t, svc, "a1", isinA, "Reliance", 5, "100")

	report, err := svc.Reconcile(ctx, "u1", "a1", []models.ImportRow{row(isinB, "Infosys", 3, "1500")})
	require.NoError(t, err)

	raw := " " + strings.ToLower(isinA) + " "
	sales := []models.ConfirmedSale{{ISIN: raw, SellPrice: d("120")}}
	_, sold, err := svc.ConfirmReconciliation(ctx, "u1", "a1", report.ReconciliationID, sales)
	require.NoError(t, err)
	require.Len(t, sold, 1)
	assert.Equal(t, isinA, sold[0].ISIN)
	assert.Equal(t, raw, sales[0].ISIN)
}

func TestConfirmReconciliation_RejectsUnknownSale(t *testing.T) {
	svc, _ := newTestPortfolio(t)
	ctx := context.Background()
	initAccount(t, svc, "u1", "a1")
	buy(t, svc, "a1", isinA, "Reliance", 5, "100")

	report, err := svc.Reconcile(ctx, "u1", "a1", []models.ImportRow{row(isinB, "Infosys", 3, "1500")})
	require.NoError(t, err)

	_, _, err = svc.ConfirmReconciliation(ctx, "u1", "a1", report.ReconciliationID, []models.ConfirmedSale{{ISIN: isinB, SellPrice: d("1")}})
	assert.ErrorIs(t, err, ErrValidation)

	_, _, err = svc.ConfirmReconciliation(ctx, "u1", "a1", report.ReconciliationID, []models.ConfirmedSale{
		{ISIN: isinA, SellPrice: d("1")}, {ISIN: isinA, SellPrice: d("2")},
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestConfirmReconciliation_ConflictAfterLedgerChanged(t *testing.T) {
	svc, _ := newTestPortfolio(t)
	ctx := context.Background()
	initAccount(t, svc, "u1", "a1")
	buy(t, svc, "a1", isinA, "Reliance", 5, "100")

	report, err := svc.Reconcile(ctx, "u1", "a1", []models.ImportRow{row(isinB, "Infosys", 3, "1500")})
	require.NoError(t, err)
	buy(t, svc, "a1", isinC, "TCS", 1, "3000")

	_, _, err = svc.ConfirmReconciliation(ctx, "u1", "a1", report.ReconciliationID, nil)
	assert.ErrorIs(t, err, ErrConflict)

	_, _, err = svc.ConfirmReconciliation(ctx, "u1", "a1", report.ReconciliationID, nil)
	assert.ErrorIs(t, err, ErrReconciliationNotFound)
}

func TestConfirmReconciliation_WrongAccountOrExpired(t *testing.T) {
	svc, _ := newTestPortfolio(t)
	ctx := context.Background()
	initAccount(t, svc, "u1", "a1")
	initAccount(t, svc, "u1", "a2")
	buy(t, svc, "a1", isinA, "Reliance", 5, "100")

	report, err := svc.Reconcile(ctx, "u1", "a1", nil)
	require.NoError(t, err)

	_, _, err = svc.ConfirmReconciliation(ctx, "u1", "a2", report.ReconciliationID, nil)
	assert.ErrorIs(t, err, ErrReconciliationNotFound)

	svc.now = func() time.Time { return testNow.Add(time.Hour) }
	_, _, err = svc.ConfirmReconciliation(ctx, "u1", "a1", report.ReconciliationID, nil)
	assert.ErrorIs(t, err, ErrReconciliationNotFound)
}

func TestDiscardReconciliation(t *testing.T) {
	svc, _ := newTestPortfolio(t)
	ctx := context.Background()
	initAccount(t, svc, "u1", "a1")
	buy(t, svc, "a1", isinA, "Reliance", 5, "100")

	report, err := svc.Reconcile(ctx, "u1", "a1", nil)
	require.NoError(t, err)
	require.NoError(t, svc.DiscardReconciliation(ctx, "u1", "a1", report.ReconciliationID))

	assert.ErrorIs(t, svc.DiscardReconciliation(ctx, "u1", "a1", report.ReconciliationID), ErrReconciliationNotFound)
	l, err := svc.GetLedger(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.Len(t, l.Holdings, 1)
}

func TestImportHoldings_CSV(t *testing.T) {
	svc, _ := newTestPortfolio(t)
	ctx := context.Background()
	initAccount(t, svc, "u1", "a1")

	data := []byte("Stock Name,ISIN,Quantity,Average Price\nReliance,INE002A01018,4,2450\nBad,INE009A01021,x,1\n")
	report, err := svc.ImportHoldings(ctx, "u1", "a1", "holdings.csv", data)
	require.NoError(t, err)
	assert.Equal(t, models.ReconciliationSuccess, report.Status)
	assert.Equal(t, 1, report.AddedCount)
	assert.Equal(t, 1, report.SkippedRows)

	_, err = svc.ImportHoldings(ctx, "u1", "a1", "holdings.csv", []byte("nothing,useful\n"))
	assert.ErrorIs(t, err, importer.ErrParse)
}
