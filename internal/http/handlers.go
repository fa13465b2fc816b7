package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/GooferByte/portfolio-ledger/internal/importer"
	"github.com/GooferByte/portfolio-ledger/internal/jobs"
	"github.com/GooferByte/portfolio-ledger/internal/metrics"
	"github.com/GooferByte/portfolio-ledger/internal/models"
	"github.com/GooferByte/portfolio-ledger/internal/pricing"
	"github.com/GooferByte/portfolio-ledger/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// maxUploadBytes caps holdings file uploads.
const maxUploadBytes = 10 << 20

// Services bundles everything the router dispatches to.
type Services struct {
	Portfolio *service.PortfolioService
	Valuation *service.ValuationService
	Prices    *pricing.Cache
	Missing   *service.MissingISINTracker
	Jobs      *jobs.Registry
}

// Router wires all handlers.
func Router(svc Services, logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logMiddleware(logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	users := r.Group("/users/:userId")
	users.GET("/portfolios", func(c *gin.Context) {
		handleListLedgers(c, svc.Portfolio)
	})
	users.GET("/summary", func(c *gin.Context) {
		handleUserSummary(c, svc.Valuation)
	})
	users.GET("/sold", func(c *gin.Context) {
		handleUserSold(c, svc.Portfolio)
	})

	acct := users.Group("/portfolios/:accountId")
	acct.POST("/init", func(c *gin.Context) {
		handleInit(c, svc.Portfolio)
	})
	acct.GET("", func(c *gin.Context) {
		handlePortfolio(c, svc.Valuation)
	})
	acct.GET("/ledger", func(c *gin.Context) {
		handleLedger(c, svc.Portfolio)
	})
	acct.POST("/buy", func(c *gin.Context) {
		handleBuy(c, svc.Portfolio)
	})
	acct.POST("/sell", func(c *gin.Context) {
		handleSell(c, svc.Portfolio)
	})
	acct.GET("/sold", func(c *gin.Context) {
		handleSold(c, svc.Portfolio)
	})
	acct.POST("/import", func(c *gin.Context) {
		handleImport(c, svc.Portfolio)
	})
	acct.POST("/reconcile", func(c *gin.Context) {
		handleReconcile(c, svc.Portfolio)
	})
	acct.POST("/reconciliations/:reconciliationId/confirm", func(c *gin.Context) {
		handleConfirm(c, svc.Portfolio)
	})
	acct.DELETE("/reconciliations/:reconciliationId", func(c *gin.Context) {
		handleDiscard(c, svc.Portfolio)
	})

	r.POST("/prices", func(c *gin.Context) {
		handlePrices(c, svc.Prices)
	})

	admin := r.Group("/admin")
	admin.GET("/missing-isins", func(c *gin.Context) {
		handleMissing(c, svc.Missing)
	})
	admin.GET("/jobs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"jobs": svc.Jobs.States()})
	})
	admin.POST("/jobs/:name/run", func(c *gin.Context) {
		handleRunJob(c, svc.Jobs)
	})
	return r
}

type initRequest struct {
	AccountName string `json:"accountName"`
}

type buyRequest struct {
	ISIN      string     `json:"isin" binding:"required"`
	StockName string     `json:"stockName"`
	Quantity  int64      `json:"quantity" binding:"required,gt=0"`
	BuyPrice  string     `json:"buyPrice" binding:"required"`
	BoughtAt  *time.Time `json:"boughtAt"`
}

type sellRequest struct {
	ISIN      string     `json:"isin" binding:"required"`
	Quantity  int64      `json:"quantity" binding:"required,gt=0"`
	SellPrice string     `json:"sellPrice" binding:"required"`
	SoldAt    *time.Time `json:"soldAt"`
}

type rowRequest struct {
	StockName       string `json:"stockName"`
	ISIN            string `json:"isin" binding:"required"`
	Quantity        int64  `json:"quantity" binding:"gte=0"`
	AverageBuyPrice string `json:"averageBuyPrice" binding:"required"`
}

type reconcileRequest struct {
	Rows []rowRequest `json:"rows" binding:"dive"`
}

type saleRequest struct {
	ISIN      string     `json:"isin" binding:"required"`
	SellPrice string     `json:"sellPrice" binding:"required"`
	SoldAt    *time.Time `json:"soldAt"`
}

type confirmRequest struct {
	Sales []saleRequest `json:"sales" binding:"dive"`
}

type pricesRequest struct {
	ISINs []string `json:"isins" binding:"required,min=1"`
}

func handleInit(c *gin.Context, svc *service.PortfolioService) {
	var req initRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	l, err := svc.InitPortfolio(c.Request.Context(), c.Param("userId"), c.Param("accountId"), req.AccountName)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ledgerJSON(*l))
}

func handleListLedgers(c *gin.Context, svc *service.PortfolioService) {
	ledgers, err := svc.ListLedgers(c.Request.Context(), c.Param("userId"))
	if err != nil {
		writeError(c, err)
		return
	}
	resp := []gin.H{}
	for _, l := range ledgers {
		resp = append(resp, ledgerJSON(l))
	}
	c.JSON(http.StatusOK, gin.H{"portfolios": resp})
}

func handleLedger(c *gin.Context, svc *service.PortfolioService) {
	l, err := svc.GetLedger(c.Request.Context(), c.Param("userId"), c.Param("accountId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ledgerJSON(*l))
}

func handleBuy(c *gin.Context, svc *service.PortfolioService) {
	var req buyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	price, err := parsePrice("buyPrice", req.BuyPrice)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	l, err := svc.Buy(c.Request.Context(), service.BuyInput{
		UserID:    c.Param("userId"),
		AccountID: c.Param("accountId"),
		ISIN:      req.ISIN,
		StockName: req.StockName,
		Quantity:  req.Quantity,
		BuyPrice:  price,
		BoughtAt:  derefTime(req.BoughtAt),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ledgerJSON(*l))
}

func handleSell(c *gin.Context, svc *service.PortfolioService) {
	var req sellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	price, err := parsePrice("sellPrice", req.SellPrice)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	l, sold, err := svc.Sell(c.Request.Context(), service.SellInput{
		UserID:    c.Param("userId"),
		AccountID: c.Param("accountId"),
		ISIN:      req.ISIN,
		Quantity:  req.Quantity,
		SellPrice: price,
		SoldAt:    derefTime(req.SoldAt),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ledger":       ledgerJSON(*l),
		"soldPosition": soldJSON(*sold),
	})
}

func handleSold(c *gin.Context, svc *service.PortfolioService) {
	sold, err := svc.ListSoldPositions(c.Request.Context(), c.Param("userId"), c.Param("accountId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, soldListJSON(sold))
}

func handleUserSold(c *gin.Context, svc *service.PortfolioService) {
	sold, err := svc.ListUserSoldPositions(c.Request.Context(), c.Param("userId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, soldListJSON(sold))
}

func handleImport(c *gin.Context, svc *service.PortfolioService) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'file' is required"})
		return
	}
	if fh.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		writeError(c, err)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		writeError(c, err)
		return
	}
	report, err := svc.ImportHoldings(c.Request.Context(), c.Param("userId"), c.Param("accountId"), fh.Filename, data)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, reportJSON(*report))
}

func handleReconcile(c *gin.Context, svc *service.PortfolioService) {
	var req reconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rows := make([]models.ImportRow, 0, len(req.Rows))
	for i, r := range req.Rows {
		price, err := parsePrice(fmt.Sprintf("rows[%d].averageBuyPrice", i), r.AverageBuyPrice)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rows = append(rows, models.ImportRow{StockName: r.StockName, ISIN: r.ISIN, Quantity: r.Quantity, AverageBuyPrice: price})
	}
	report, err := svc.Reconcile(c.Request.Context(), c.Param("userId"), c.Param("accountId"), rows)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, reportJSON(*report))
}

func handleConfirm(c *gin.Context, svc *service.PortfolioService) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sales := make([]models.ConfirmedSale, 0, len(req.Sales))
	for i, s := range req.Sales {
		price, err := parsePrice(fmt.Sprintf("sales[%d].sellPrice", i), s.SellPrice)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sales = append(sales, models.ConfirmedSale{ISIN: s.ISIN, SellPrice: price, SoldAt: derefTime(s.SoldAt)})
	}
	l, sold, err := svc.ConfirmReconciliation(c.Request.Context(), c.Param("userId"), c.Param("accountId"), c.Param("reconciliationId"), sales)
	if err != nil {
		writeError(c, err)
		return
	}
	soldResp := []gin.H{}
	for _, s := range sold {
		soldResp = append(soldResp, soldJSON(s))
	}
	c.JSON(http.StatusOK, gin.H{"ledger": ledgerJSON(*l), "soldPositions": soldResp})
}

func handleDiscard(c *gin.Context, svc *service.PortfolioService) {
	if err := svc.DiscardReconciliation(c.Request.Context(), c.Param("userId"), c.Param("accountId"), c.Param("reconciliationId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func handlePortfolio(c *gin.Context, svc *service.ValuationService) {
	report, err := svc.GetPortfolio(c.Request.Context(), c.Param("userId"), c.Param("accountId"))
	if err != nil {
		writeError(c, err)
		return
	}
	holdings := []gin.H{}
	for _, h := range report.Holdings {
		holdings = append(holdings, gin.H{
			"isin":             h.ISIN,
			"stockName":        h.StockName,
			"quantity":         h.Quantity,
			"averageBuyPrice":  h.AverageBuyPrice.StringFixed(4),
			"buyValue":         h.BuyValue.StringFixed(2),
			"currentPrice":     h.CurrentPrice.StringFixed(2),
			"currentValue":     h.CurrentValue.StringFixed(2),
			"unrealisedPL":     h.UnrealisedPL.StringFixed(2),
			"returnPercentage": h.ReturnPercentage.StringFixed(2),
			"priceUnavailable": h.PriceUnavailable,
			"lastUpdated":      h.LastUpdated,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":                report.UserID,
		"accountId":             report.AccountID,
		"accountName":           report.AccountName,
		"holdings":              holdings,
		"totalInvestment":       report.TotalInvestment.StringFixed(2),
		"totalCurrentValue":     report.TotalCurrentValue.StringFixed(2),
		"totalUnrealisedPL":     report.TotalUnrealisedPL.StringFixed(2),
		"totalRealisedPL":       report.TotalRealisedPL.StringFixed(2),
		"totalReturnPercentage": report.TotalReturnPercentage.StringFixed(2),
		"generatedAt":           report.GeneratedAt,
	})
}

func handleUserSummary(c *gin.Context, svc *service.ValuationService) {
	summary, err := svc.GetUserSummary(c.Request.Context(), c.Param("userId"))
	if err != nil {
		writeError(c, err)
		return
	}
	accounts := []gin.H{}
	for _, a := range summary.Accounts {
		accounts = append(accounts, gin.H{
			"accountId":         a.AccountID,
			"accountName":       a.AccountName,
			"holdingsCount":     a.HoldingsCount,
			"totalInvestment":   a.TotalInvestment.StringFixed(2),
			"totalCurrentValue": a.TotalCurrentValue.StringFixed(2),
			"totalUnrealisedPL": a.TotalUnrealisedPL.StringFixed(2),
			"totalRealisedPL":   a.TotalRealisedPL.StringFixed(2),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":                summary.UserID,
		"accounts":              accounts,
		"totalInvestment":       summary.TotalInvestment.StringFixed(2),
		"totalCurrentValue":     summary.TotalCurrentValue.StringFixed(2),
		"totalUnrealisedPL":     summary.TotalUnrealisedPL.StringFixed(2),
		"totalRealisedPL":       summary.TotalRealisedPL.StringFixed(2),
		"totalReturnPercentage": summary.TotalReturnPercentage.StringFixed(2),
	})
}

func handlePrices(c *gin.Context, cache *pricing.Cache) {
	var req pricesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	prices := cache.GetLatestPrices(c.Request.Context(), req.ISINs)
	resp := gin.H{}
	for isin, p := range prices {
		resp[isin] = p.String()
	}
	c.JSON(http.StatusOK, gin.H{"prices": resp})
}

func handleMissing(c *gin.Context, tracker *service.MissingISINTracker) {
	list, err := tracker.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"missingIsins": list})
}

func handleRunJob(c *gin.Context, registry *jobs.Registry) {
	st, err := registry.Run(c.Request.Context(), c.Param("name"))
	if errors.Is(err, jobs.ErrUnknownJob) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if errors.Is(err, jobs.ErrAlreadyRunning) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "job": st})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "job": st})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": st})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, importer.ErrParse):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrLedgerNotFound),
		errors.Is(err, service.ErrHoldingNotFound),
		errors.Is(err, service.ErrReconciliationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrConflict):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func parsePrice(field, val string) (decimal.Decimal, error) {
	num, err := decimal.NewFromString(val)
	if err != nil || num.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must be a non-negative decimal string", field)
	}
	return num, nil
}

func ledgerJSON(l models.Ledger) gin.H {
	holdings := []gin.H{}
	for _, h := range l.Holdings {
		holdings = append(holdings, gin.H{
			"isin":            h.ISIN,
			"stockName":       h.StockName,
			"quantity":        h.Quantity,
			"averageBuyPrice": h.AverageBuyPrice.StringFixed(4),
			"buyValue":        h.BuyValue.StringFixed(2),
			"lastUpdated":     h.LastUpdated,
		})
	}
	return gin.H{
		"userId":          l.UserID,
		"accountId":       l.AccountID,
		"accountName":     l.AccountName,
		"holdings":        holdings,
		"totalInvestment": l.TotalInvestment.StringFixed(2),
		"version":         l.Version,
		"updatedAt":       l.UpdatedAt,
	}
}

func soldListJSON(sold []models.SoldPosition) gin.H {
	resp := []gin.H{}
	total := decimal.Zero
	for _, s := range sold {
		resp = append(resp, soldJSON(s))
		total = total.Add(s.RealisedPL)
	}
	return gin.H{"soldPositions": resp, "totalRealisedPL": total.StringFixed(2)}
}

func soldJSON(s models.SoldPosition) gin.H {
	return gin.H{
		"id":              s.ID,
		"accountId":       s.AccountID,
		"isin":            s.ISIN,
		"stockName":       s.StockName,
		"quantitySold":    s.QuantitySold,
		"averageBuyPrice": s.AverageBuyPrice.StringFixed(4),
		"sellPrice":       s.SellPrice.StringFixed(2),
		"investedValue":   s.InvestedValue.StringFixed(2),
		"soldValue":       s.SoldValue.StringFixed(2),
		"realisedPL":      s.RealisedPL.StringFixed(2),
		"soldAt":          s.SoldAt,
		"source":          s.Source,
	}
}

func reportJSON(r models.ReconciliationReport) gin.H {
	sold := []gin.H{}
	for _, p := range r.PotentiallySoldStocks {
		sold = append(sold, gin.H{
			"isin":            p.ISIN,
			"stockName":       p.StockName,
			"quantity":        p.Quantity,
			"averageBuyPrice": p.AverageBuyPrice.StringFixed(4),
			"investedValue":   p.InvestedValue.StringFixed(2),
		})
	}
	resp := gin.H{
		"totalStocks":           r.TotalStocks,
		"addedCount":            r.AddedCount,
		"updatedCount":          r.UpdatedCount,
		"unchangedCount":        r.UnchangedCount,
		"skippedRows":           r.SkippedRows,
		"potentiallySoldStocks": sold,
		"status":                r.Status,
		"message":               r.Message,
	}
	if r.ReconciliationID != "" {
		resp["reconciliationId"] = r.ReconciliationID
	}
	return resp
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func logMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		logger.WithFields(logrus.Fields{
			"status":   status,
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"latency":  time.Since(start).String(),
			"clientIP": c.ClientIP(),
		}).Info("request completed")
	}
}
