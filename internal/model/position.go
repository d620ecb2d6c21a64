package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidFill is returned for a fill with a non-positive quantity or a
// negative amount.
var ErrInvalidFill = errors.New("model: invalid fill")

// invariantTolerance bounds |TotalInvested - Quantity*AverageBuyPrice|
// relative to TotalInvested.
var invariantTolerance = decimal.New(1, -8)

// avgPlaces is the precision kept for AverageBuyPrice.
const avgPlaces = 16

// Position is a user's cumulative holding in one instrument with a
// weighted-average cost basis.
type Position struct {
	UserID          string          `json:"userId"`
	CompanyID       string          `json:"companyId"`
	Symbol          string          `json:"symbol"`
	Quantity        int64           `json:"quantity"`
	AverageBuyPrice decimal.Decimal `json:"averageBuyPrice"`
	TotalInvested   decimal.Decimal `json:"totalInvested"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`

	// Mark-to-market fields, filled in by read paths only.
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	MarketValue   decimal.Decimal `json:"marketValue"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
}

// NewPosition opens a position from a first fill.
func NewPosition(userID, companyID, symbol string, f Fill) (*Position, error) {
	if f.Quantity <= 0 || f.Amount.IsNegative() {
		return nil, ErrInvalidFill
	}
	return &Position{
		UserID:          userID,
		CompanyID:       companyID,
		Symbol:          symbol,
		Quantity:        f.Quantity,
		AverageBuyPrice: f.Amount.DivRound(decimal.NewFromInt(f.Quantity), avgPlaces),
		TotalInvested:   f.Amount,
		CreatedAt:       f.At,
		UpdatedAt:       f.At,
	}, nil
}

// ApplyFill adds a buy fill and recomputes the weighted-average price:
// avg = (invested + amount) / (quantity + fillQuantity).
func (p *Position) ApplyFill(f Fill) error {
	if f.Quantity <= 0 || f.Amount.IsNegative() {
		return ErrInvalidFill
	}
	quantity := p.Quantity + f.Quantity
	invested := p.TotalInvested.Add(f.Amount)

	p.Quantity = quantity
	p.TotalInvested = invested
	p.AverageBuyPrice = invested.DivRound(decimal.NewFromInt(quantity), avgPlaces)
	p.UpdatedAt = f.At
	return nil
}

// Consistent reports whether TotalInvested equals Quantity × AverageBuyPrice
// within rounding tolerance.
func (p *Position) Consistent() bool {
	if p.Quantity < 0 || p.TotalInvested.IsNegative() {
		return false
	}
	if p.Quantity == 0 {
		return p.TotalInvested.IsZero()
	}
	if !p.AverageBuyPrice.IsPositive() {
		return false
	}
	product := p.AverageBuyPrice.Mul(decimal.NewFromInt(p.Quantity))
	diff := product.Sub(p.TotalInvested).Abs()
	return diff.LessThanOrEqual(p.TotalInvested.Mul(invariantTolerance))
}

// Mark fills in the mark-to-market fields at price.
func (p *Position) Mark(price decimal.Decimal) {
	p.CurrentPrice = price
	p.MarketValue = price.Mul(decimal.NewFromInt(p.Quantity))
	p.UnrealizedPnL = p.MarketValue.Sub(p.TotalInvested)
}
