package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// HoldingValuation is a holding joined with its latest known price.
type HoldingValuation struct {
	Holding
	CurrentPrice     decimal.Decimal `json:"currentPrice"`
	CurrentValue     decimal.Decimal `json:"currentValue"`
	UnrealisedPL     decimal.Decimal `json:"unrealisedPL"`
	ReturnPercentage decimal.Decimal `json:"returnPercentage"`
	PriceUnavailable bool            `json:"priceUnavailable"`
}

// PortfolioReport is the valuation of one ledger.
type PortfolioReport struct {
	UserID                string             `json:"userId"`
	AccountID             string             `json:"accountId"`
	AccountName           string             `json:"accountName"`
	Holdings              []HoldingValuation `json:"holdings"`
	TotalInvestment       decimal.Decimal    `json:"totalInvestment"`
	TotalCurrentValue     decimal.Decimal    `json:"totalCurrentValue"`
	TotalUnrealisedPL     decimal.Decimal    `json:"totalUnrealisedPL"`
	TotalRealisedPL       decimal.Decimal    `json:"totalRealisedPL"`
	TotalReturnPercentage decimal.Decimal    `json:"totalReturnPercentage"`
	GeneratedAt           time.Time          `json:"generatedAt"`
}

// AccountSummary is the per-account line of a user summary.
type AccountSummary struct {
	AccountID         string          `json:"accountId"`
	AccountName       string          `json:"accountName"`
	HoldingsCount     int             `json:"holdingsCount"`
	TotalInvestment   decimal.Decimal `json:"totalInvestment"`
	TotalCurrentValue decimal.Decimal `json:"totalCurrentValue"`
	TotalUnrealisedPL decimal.Decimal `json:"totalUnrealisedPL"`
	TotalRealisedPL   decimal.Decimal `json:"totalRealisedPL"`
}

// UserSummary aggregates every account of a user.
type UserSummary struct {
	UserID                string           `json:"userId"`
	Accounts              []AccountSummary `json:"accounts"`
	TotalInvestment       decimal.Decimal  `json:"totalInvestment"`
	TotalCurrentValue     decimal.Decimal  `json:"totalCurrentValue"`
	TotalUnrealisedPL     decimal.Decimal  `json:"totalUnrealisedPL"`
	TotalRealisedPL       decimal.Decimal  `json:"totalRealisedPL"`
	TotalReturnPercentage decimal.Decimal  `json:"totalReturnPercentage"`
}
