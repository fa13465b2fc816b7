package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Holding is one open position inside a ledger. Quantity is always positive;
// a holding that reaches zero is removed from its ledger.
type Holding struct {
	ISIN            string          `json:"isin"`
	StockName       string          `json:"stockName"`
	Quantity        int64           `json:"quantity"`
	AverageBuyPrice decimal.Decimal `json:"averageBuyPrice"`
	BuyValue        decimal.Decimal `json:"buyValue"`
	LastUpdated     time.Time       `json:"lastUpdated"`
}

// Ledger holds the open positions for a single (user, account) pair.
type Ledger struct {
	UserID          string          `json:"userId"`
	AccountID       string          `json:"accountId"`
	AccountName     string          `json:"accountName"`
	Holdings        []Holding       `json:"holdings"`
	TotalInvestment decimal.Decimal `json:"totalInvestment"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// SoldPosition is an append-only record of a closed (fully or partially) position.
type SoldPosition struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	AccountID       string          `json:"accountId"`
	ISIN            string          `json:"isin"`
	StockName       string          `json:"stockName"`
	QuantitySold    int64           `json:"quantitySold"`
	AverageBuyPrice decimal.Decimal `json:"averageBuyPrice"`
	SellPrice       decimal.Decimal `json:"sellPrice"`
	InvestedValue   decimal.Decimal `json:"investedValue"`
	SoldValue       decimal.Decimal `json:"soldValue"`
	RealisedPL      decimal.Decimal `json:"realisedPL"`
	SoldAt          time.Time       `json:"soldAt"`
	Source          string          `json:"source"` // sell or reconciliation
}

// Sold position sources.
const (
	SourceSell           = "sell"
	SourceReconciliation = "reconciliation"
)

// CachedPrice is the last known market price for an ISIN.
type CachedPrice struct {
	ISIN        string          `json:"isin"`
	Price       decimal.Decimal `json:"price"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

// MissingISIN tracks ISINs for which no price could be found.
type MissingISIN struct {
	ISIN        string    `json:"isin"`
	StockName   string    `json:"stockName"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`
	Occurrences int64     `json:"occurrences"`
}
