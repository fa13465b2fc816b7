package http

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GooferByte/portfolio-ledger/internal/background"
	"github.com/GooferByte/portfolio-ledger/internal/importer"
	"github.com/GooferByte/portfolio-ledger/internal/jobs"
	"github.com/GooferByte/portfolio-ledger/internal/pricing"
	"github.com/GooferByte/portfolio-ledger/internal/repository/memory"
	"github.com/GooferByte/portfolio-ledger/internal/service"
)

const (
	isinA = "INE002A01018"
	isinB = "INE009A01021"
)

type fixedSource map[string]decimal.Decimal

func (f fixedSource) FetchPrices(ctx context.Context, isins []string) (map[string]decimal.Decimal, error) {
	out := map[string]decimal.Decimal{}
	for _, isin := range isins {
		if p, ok := f[isin]; ok {
			out[isin] = p
		}
	}
	return out, nil
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger, _ := test.NewNullLogger()
	repo := memory.New()
	bg := background.NewRunner(time.Second, logger)
	t.Cleanup(bg.Wait)

	cache := pricing.NewCache(repo, fixedSource{isinA: decimal.NewFromInt(120)}, 5*time.Minute, bg, logger)
	tracker := service.NewMissingISINTracker(repo, bg)
	registry := jobs.NewRegistry()
	registry.Register(jobs.NewPriceRefreshJob(repo, repo, cache, 10, logger))

	return Router(Services{
		Portfolio: service.NewPortfolioService(repo, importer.NewParser(), 30*time.Minute, logger),
		Valuation: service.NewValuationService(repo, cache, tracker, logger),
		Prices:    cache,
		Missing:   tracker,
		Jobs:      registry,
	}, logger)
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w, decode(t, w)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return out
}

func TestHealthz(t *testing.T) {
	r := newTestRouter(t)
	w, body := doJSON(t, r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestBuyAndValuePortfolio(t *testing.T) {
	r := newTestRouter(t)

	w, _ := doJSON(t, r, http.MethodPost, "/users/u1/portfolios/a1/init", gin.H{"accountName": "Zerodha"})
	require.Equal(t, http.StatusOK, w.Code)

	w, body := doJSON(t, r, http.MethodPost, "/users/u1/portfolios/a1/buy", gin.H{
		"isin": isinA, "stockName": "Reliance", "quantity": 10, "buyPrice": "100",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "1000.00", body["totalInvestment"])

	w, body = doJSON(t, r, http.MethodPost, "/users/u1/portfolios/a1/buy", gin.H{
		"isin": isinB, "stockName": "Infosys", "quantity": 2, "buyPrice": "50",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1100.00", body["totalInvestment"])

	w, body = doJSON(t, r, http.MethodGet, "/users/u1/portfolios/a1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1100.00", body["totalInvestment"])
	assert.Equal(t, "1300.00", body["totalCurrentValue"])
	assert.Equal(t, "200.00", body["totalUnrealisedPL"])

	holdings := body["holdings"].([]any)
	require.Len(t, holdings, 2)
	first := holdings[0].(map[string]any)
	assert.Equal(t, "Infosys", first["stockName"])
	assert.Equal(t, true, first["priceUnavailable"])
	second := holdings[1].(map[string]any)
	assert.Equal(t, "120.00", second["currentPrice"])
	assert.Equal(t, "20.00", second["returnPercentage"])
}

func TestSell_Oversell(t *testing.T) {
	r := newTestRouter(t)
	doJSON(t, r, http.MethodPost, "/users/u1/portfolios/a1/init", nil)
	doJSON(t, r, http.MethodPost, "/users/u1/portfolios/a1/buy", gin.H{
		"isin": isinA, "quantity": 5, "buyPrice": "100",
	})

	w, _ := doJSON(t, r, http.MethodPost, "/users/u1/portfolios/a1/sell", gin.H{
		"isin": isinA, "quantity": 6, "sellPrice": "110",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body := doJSON(t, r, http.MethodPost, "/users/u1/portfolios/a1/sell", gin.H{
		"isin": isinA, "quantity": 5, "sellPrice": "110",
	})
	require.Equal(t, http.StatusOK, w.Code)
	sold := body["soldPosition"].(map[string]any)
	assert.Equal(t, "50.00", sold["realisedPL"])

	w, body = doJSON(t, r, http.MethodGet, "/users/u1/portfolios/a1/sold", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["soldPositions"], 1)
	assert.Equal(t, "50.00", body["totalRealisedPL"])
}

func TestUserSoldAcrossAccounts(t *testing.T) {
	r := newTestRouter(t)
	for _, acct := range []string{"a1", "a2"} {
		doJSON(t, r, http.MethodPost, "/users/u1/portfolios/"+acct+"/init", nil)
		doJSON(t, r, http.MethodPost, "/users/u1/portfolios/"+acct+"/buy", gin.H{
			"isin": isinA, "quantity": 2, "buyPrice": "100",
		})
		w, _ := doJSON(t, r, http.MethodPost, "/users/u1/portfolios/"+acct+"/sell", gin.H{
			"isin": isinA, "quantity": 1, "sellPrice": "130",
		})
		require.Equal(t, http.StatusOK, w.Code)
	}
	doJSON(t, r, http.MethodPost, "/users/u2/portfolios/a1/init", nil)

	w, body := doJSON(t, r, http.MethodGet, "/users/u1/sold", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["soldPositions"], 2)
	assert.Equal(t, "60.00", body["totalRealisedPL"])

	w, body = doJSON(t, r, http.MethodGet, "/users/u2/sold", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["soldPositions"])
}

func TestRequestValidation(t *testing.T) {
	r := newTestRouter(t)
	doJSON(t, r, http.MethodPost, "/users/u1/portfolios/a1/init", nil)

	w, _ := doJSON(t, r, http.MethodPost, "/users/u1/portfolios/a1/buy", gin.H{"isin": isinA, "quantity": 0, "buyPrice": "1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, r, http.MethodPost, "/users/u1/portfolios/a1/buy", gin.H{"isin": isinA, "quantity": 1, "buyPrice": "abc"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, r, http.MethodPost, "/prices", gin.H{"isins": []string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnknownLedger(t *testing.T) {
	r := newTestRouter(t)
	w, _ := doJSON(t, r, http.MethodGet, "/users/u1/portfolios/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = doJSON(t, r, http.MethodPost, "/users/u1/portfolios/nope/buy", gin.H{"isin": isinA, "quantity": 1, "buyPrice": "1"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestImportAndConfirm(t *testing.T) {
	r := newTestRouter(t)
	doJSON(t, r, http.MethodPost, "/users/u1/portfolios/a1/init", nil)
	doJSON(t, r, http.MethodPost, "/users/u1/portfolios/a1/buy", gin.H{
		"isin": isinA, "stockName": "Reliance", "quantity": 5, "buyPrice": "100",
	})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "holdings.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("Stock Name,ISIN,Quantity,Average Price\nInfosys," + isinB + ",3,1500\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/users/u1/portfolios/a1/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	report := decode(t, w)
	assert.Equal(t, "NEEDS_CONFIRMATION", report["status"])
	id, _ := report["reconciliationId"].(string)
	require.NotEmpty(t, id)

	w, body := doJSON(t, r, http.MethodPost, "/users/u1/portfolios/a1/reconciliations/"+id+"/confirm", gin.H{
		"sales": []gin.H{{"isin": isinA, "sellPrice": "90"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ledger := body["ledger"].(map[string]any)
	assert.Equal(t, "4500.00", ledger["totalInvestment"])
	assert.Len(t, body["soldPositions"], 1)

	w, _ = doJSON(t, r, http.MethodPost, "/users/u1/portfolios/a1/reconciliations/"+id+"/confirm", gin.H{})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestImport_MissingFile(t *testing.T) {
	r := newTestRouter(t)
	doJSON(t, r, http.MethodPost, "/users/u1/portfolios/a1/init", nil)
	w, _ := doJSON(t, r, http.MethodPost, "/users/u1/portfolios/a1/import", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJobs(t *testing.T) {
	r := newTestRouter(t)

	w, body := doJSON(t, r, http.MethodPost, "/admin/jobs/"+jobs.PriceRefreshJobName+"/run", nil)
	require.Equal(t, http.StatusOK, w.Code)
	job := body["job"].(map[string]any)
	assert.Equal(t, "DONE", job["status"])

	w, _ = doJSON(t, r, http.MethodPost, "/admin/jobs/unknown/run", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = doJSON(t, r, http.MethodGet, "/admin/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["jobs"], 1)
}

func TestPrices(t *testing.T) {
	r := newTestRouter(t)
	w, body := doJSON(t, r, http.MethodPost, "/prices", gin.H{"isins": []string{isinA, isinB}})
	require.Equal(t, http.StatusOK, w.Code)
	prices := body["prices"].(map[string]any)
	assert.Equal(t, "120", prices[isinA])
	assert.NotContains(t, prices, isinB)
}
