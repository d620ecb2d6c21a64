// Package pricing resolves execution prices for market orders and derives
// the price-tracking fields updated after each fill.
//
// All monetary values use shopspring/decimal.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/kayigireerneste/broker-sub000/internal/apperr"
)

// ChangePlaces is the precision of the stored absolute price change.
const ChangePlaces = 2

// Resolve returns the execution price for an instrument: its closing price
// when positive, otherwise its share price.
func Resolve(symbol string, closing, share decimal.Decimal) (decimal.Decimal, error) {
	if closing.IsPositive() {
		return closing, nil
	}
	if share.IsPositive() {
		return share, nil
	}
	return decimal.Zero, &apperr.PricingError{Symbol: symbol}
}

// Total is price × quantity.
func Total(price decimal.Decimal, quantity int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(quantity))
}

// Change is the absolute move from previous to current, rounded to
// ChangePlaces decimals.
func Change(current, previous decimal.Decimal) decimal.Decimal {
	return current.Sub(previous).Round(ChangePlaces)
}

// ChangePercent expresses an absolute change relative to previous, in
// percent with two decimals. Zero when previous is not positive.
func ChangePercent(change, previous decimal.Decimal) decimal.Decimal {
	if !previous.IsPositive() {
		return decimal.Zero
	}
	return change.Div(previous).Mul(decimal.NewFromInt(100)).Round(2)
}
