package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrHoldingNotFound is returned when selling an ISIN the ledger does not hold.
	ErrHoldingNotFound = errors.New("holding not found")
	// ErrInvalidQuantity is returned for non-positive quantities and oversells.
	ErrInvalidQuantity = errors.New("invalid quantity")
)

// AveragePriceScale is the number of decimal places a weighted-average buy
// price is rounded to. A holding's buyValue then differs from the cash paid
// by at most quantity x 0.5e-10.
const AveragePriceScale int32 = 10

// NewLedger returns an empty ledger for the pair.
func NewLedger(userID, accountID, accountName string, now time.Time) Ledger {
	return Ledger{
		UserID:          userID,
		AccountID:       accountID,
		AccountName:     accountName,
		Holdings:        []Holding{},
		TotalInvestment: decimal.Zero,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// BuyValueOf returns quantity x price.
func BuyValueOf(quantity int64, price decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(quantity).Mul(price)
}

// Find returns the index of the holding for isin, or -1.
func (l *Ledger) Find(isin string) int {
	for i := range l.Holdings {
		if l.Holdings[i].ISIN == isin {
			return i
		}
	}
	return -1
}

// Recalculate derives TotalInvestment from the holdings.
func (l *Ledger) Recalculate() {
	total := decimal.Zero
	for _, h := range l.Holdings {
		total = total.Add(h.BuyValue)
	}
	l.TotalInvestment = total
}

// ApplyBuy adds quantity at price to the holding for isin, shifting its
// weighted-average buy price.
func (l *Ledger) ApplyBuy(isin, stockName string, quantity int64, price decimal.Decimal, at time.Time) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: buy quantity must be positive, got %d", ErrInvalidQuantity, quantity)
	}
	if price.IsNegative() {
		return fmt.Errorf("%w: buy price must not be negative", ErrInvalidQuantity)
	}

	idx := l.Find(isin)
	if idx < 0 {
		l.Holdings = append(l.Holdings, Holding{
			ISIN:            isin,
			StockName:       stockName,
			Quantity:        quantity,
			AverageBuyPrice: price,
			BuyValue:        BuyValueOf(quantity, price),
			LastUpdated:     at,
		})
	} else {
		h := &l.Holdings[idx]
		newQty := h.Quantity + quantity
		cost := BuyValueOf(h.Quantity, h.AverageBuyPrice).Add(BuyValueOf(quantity, price))
		h.AverageBuyPrice = cost.DivRound(decimal.NewFromInt(newQty), AveragePriceScale)
		h.Quantity = newQty
		h.BuyValue = BuyValueOf(newQty, h.AverageBuyPrice)
		h.LastUpdated = at
		if stockName != "" {
			h.StockName = stockName
		}
	}

	l.Recalculate()
	l.UpdatedAt = at
	return nil
}

// ApplySell removes quantity of isin from the ledger and returns the realised
// sale. Selling more than is held is rejected; selling exactly the held
// quantity removes the holding. The average buy price is never changed by a sell.
func (l *Ledger) ApplySell(isin string, quantity int64, sellPrice decimal.Decimal, at time.Time) (SoldPosition, error) {
	if quantity <= 0 {
		return SoldPosition{}, fmt.Errorf("%w: sell quantity must be positive, got %d", ErrInvalidQuantity, quantity)
	}
	if sellPrice.IsNegative() {
		return SoldPosition{}, fmt.Errorf("%w: sell price must not be negative", ErrInvalidQuantity)
	}
	idx := l.Find(isin)
	if idx < 0 {
		return SoldPosition{}, fmt.Errorf("%w: %s", ErrHoldingNotFound, isin)
	}

	h := &l.Holdings[idx]
	if quantity > h.Quantity {
		return SoldPosition{}, fmt.Errorf("%w: cannot sell %d of %s, only %d held", ErrInvalidQuantity, quantity, isin, h.Quantity)
	}

	sold := NewSoldPosition(l.UserID, l.AccountID, h.ISIN, h.StockName, quantity, h.AverageBuyPrice, sellPrice, at, SourceSell)

	if quantity == h.Quantity {
		l.Holdings = append(l.Holdings[:idx], l.Holdings[idx+1:]...)
	} else {
		h.Quantity -= quantity
		h.BuyValue = BuyValueOf(h.Quantity, h.AverageBuyPrice)
		h.LastUpdated = at
	}

	l.Recalculate()
	l.UpdatedAt = at
	return sold, nil
}

// ReplaceHoldings swaps the holdings list for an imported snapshot.
func (l *Ledger) ReplaceHoldings(holdings []Holding, at time.Time) {
	l.Holdings = CloneHoldings(holdings)
	l.Recalculate()
	l.UpdatedAt = at
}

// Clone returns a deep copy of the ledger.
func (l Ledger) Clone() Ledger {
	l.Holdings = CloneHoldings(l.Holdings)
	return l
}

// CloneHoldings copies a holdings slice, never returning nil.
func CloneHoldings(in []Holding) []Holding {
	out := make([]Holding, len(in))
	copy(out, in)
	return out
}

// NewSoldPosition computes invested value, sold value and realised P&L for a sale.
func NewSoldPosition(userID, accountID, isin, stockName string, quantity int64, avgBuyPrice, sellPrice decimal.Decimal, at time.Time, source string) SoldPosition {
	invested := BuyValueOf(quantity, avgBuyPrice)
	soldValue := BuyValueOf(quantity, sellPrice)
	return SoldPosition{
		UserID:          userID,
		AccountID:       accountID,
		ISIN:            isin,
		StockName:       stockName,
		QuantitySold:    quantity,
		AverageBuyPrice: avgBuyPrice,
		SellPrice:       sellPrice,
		InvestedValue:   invested,
		SoldValue:       soldValue,
		RealisedPL:      soldValue.Sub(invested),
		SoldAt:          at,
		Source:          source,
	}
}
