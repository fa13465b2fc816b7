package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const defaultBatchSize = 50

// HTTPSource queries a quote endpoint of the form
// GET <baseURL>?isins=A,B,C  ->  {"prices": {"A": "123.45", ...}}
// in batches. A failed batch is logged and its ISINs omitted; an error is
// returned only when every batch failed.
type HTTPSource struct {
	baseURL   string
	client    *http.Client
	limiter   *rate.Limiter
	batchSize int
	logger    *logrus.Entry
}

// NewHTTPSource builds a source with a per-request timeout and a request rate cap.
func NewHTTPSource(baseURL string, timeout time.Duration, requestsPerSecond float64, logger *logrus.Logger) *HTTPSource {
	return &HTTPSource{
		baseURL:   baseURL,
		client:    &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		batchSize: defaultBatchSize,
		logger:    logger.WithField("component", "price-source"),
	}
}

type quoteResponse struct {
	Prices map[string]decimal.Decimal `json:"prices"`
}

func (s *HTTPSource) FetchPrices(ctx context.Context, isins []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(isins))
	var failed int
	var lastErr error
	batches := 0
	for start := 0; start < len(isins); start += s.batchSize {
		end := min(start+s.batchSize, len(isins))
		batches++
		prices, err := s.fetchBatch(ctx, isins[start:end])
		if err != nil {
			failed++
			lastErr = err
			s.logger.WithError(err).WithField("isins", len(isins[start:end])).Warn("price batch failed")
			continue
		}
		for isin, p := range prices {
			out[isin] = p
		}
	}
	if batches > 0 && failed == batches {
		return nil, fmt.Errorf("all price batches failed: %w", lastErr)
	}
	return out, nil
}

func (s *HTTPSource) fetchBatch(ctx context.Context, isins []string) (map[string]decimal.Decimal, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("isins", strings.Join(isins, ","))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote endpoint returned %d", resp.StatusCode)
	}
	var body quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if body.Prices == nil {
		return nil, errors.New("quote response has no prices")
	}

	want := make(map[string]struct{}, len(isins))
	for _, isin := range isins {
		want[isin] = struct{}{}
	}
	out := make(map[string]decimal.Decimal, len(body.Prices))
	for isin, p := range body.Prices {
		isin = strings.ToUpper(strings.TrimSpace(isin))
		if _, ok := want[isin]; !ok || p.IsNegative() {
			continue
		}
		out[isin] = p
	}
	return out, nil
}
