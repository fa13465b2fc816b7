package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ImportRow is one parsed line of a holdings spreadsheet.
type ImportRow struct {
	StockName       string          `json:"stockName"`
	ISIN            string          `json:"isin"`
	Quantity        int64           `json:"quantity"`
	AverageBuyPrice decimal.Decimal `json:"averageBuyPrice"`
}

// ReconciliationStatus is the outcome of comparing an import against a ledger.
type ReconciliationStatus string

const (
	ReconciliationSuccess           ReconciliationStatus = "SUCCESS"
	ReconciliationNeedsConfirmation ReconciliationStatus = "NEEDS_CONFIRMATION"
)

// PotentiallySold is a held position that disappeared from an import.
type PotentiallySold struct {
	ISIN            string          `json:"isin"`
	StockName       string          `json:"stockName"`
	Quantity        int64           `json:"quantity"`
	AverageBuyPrice decimal.Decimal `json:"averageBuyPrice"`
	InvestedValue   decimal.Decimal `json:"investedValue"`
}

// ReconciliationReport summarises an import. It is never persisted.
type ReconciliationReport struct {
	ReconciliationID      string               `json:"reconciliationId,omitempty"`
	TotalStocks           int                  `json:"totalStocks"`
	AddedCount            int                  `json:"addedCount"`
	UpdatedCount          int                  `json:"updatedCount"`
	UnchangedCount        int                  `json:"unchangedCount"`
	SkippedRows           int                  `json:"skippedRows"`
	PotentiallySoldStocks []PotentiallySold    `json:"potentiallySoldStocks"`
	Status                ReconciliationStatus `json:"status"`
	Message               string               `json:"message"`
}

// PendingReconciliation is an import snapshot waiting for the caller to say
// which disappeared positions were real sales. The ledger is untouched until
// it is confirmed.
type PendingReconciliation struct {
	ID          string            `json:"id"`
	UserID      string            `json:"userId"`
	AccountID   string            `json:"accountId"`
	Holdings    []Holding         `json:"holdings"`
	Candidates  []PotentiallySold `json:"candidates"`
	BaseVersion int64             `json:"baseVersion"`
	CreatedAt   time.Time         `json:"createdAt"`
	ExpiresAt   time.Time         `json:"expiresAt"`
}

// Candidate returns the disappearance recorded for isin.
func (p *PendingReconciliation) Candidate(isin string) (PotentiallySold, bool) {
	for _, c := range p.Candidates {
		if c.ISIN == isin {
			return c, true
		}
	}
	return PotentiallySold{}, false
}

// ConfirmedSale is a caller-selected disappearance with the price it was sold at.
type ConfirmedSale struct {
	ISIN      string
	SellPrice decimal.Decimal
	SoldAt    time.Time
}
