package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kayigireerneste/broker-sub000/internal/pricing"
)

// ErrInventoryBounds is returned when a change would break
// 0 <= AvailableShares <= TotalShares.
var ErrInventoryBounds = errors.New("model: available shares out of bounds")

// Company is a listed instrument: its share inventory and rolling market
// statistics.
//
// PriceChange is an absolute currency delta (ClosingPrice minus
// PreviousClosingPrice) rounded to two decimals. It is never a percentage;
// use PriceChangePercent for that.
type Company struct {
	ID                   string          `json:"id"`
	Symbol               string          `json:"symbol"`
	Name                 string          `json:"name"`
	SharePrice           decimal.Decimal `json:"sharePrice"`
	ClosingPrice         decimal.Decimal `json:"closingPrice"`
	PreviousClosingPrice decimal.Decimal `json:"previousClosingPrice"`
	PriceChange          decimal.Decimal `json:"priceChange"`
	AvailableShares      int64           `json:"availableShares"`
	TotalShares          int64           `json:"totalShares"`
	TradedVolume         decimal.Decimal `json:"tradedVolume"`
	TradedValue          decimal.Decimal `json:"tradedValue"`
	SnapshotDate         *time.Time      `json:"snapshotDate,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// ReferencePrice is the price the next market order executes at.
func (c *Company) ReferencePrice() (decimal.Decimal, error) {
	return pricing.Resolve(c.Symbol, c.ClosingPrice, c.SharePrice)
}

// PriceChangePercent derives the percentage move from the stored absolute
// change.
func (c *Company) PriceChangePercent() decimal.Decimal {
	return pricing.ChangePercent(c.PriceChange, c.PreviousClosingPrice)
}

// CheckInventory verifies the inventory invariant.
func (c *Company) CheckInventory() error {
	if c.AvailableShares < 0 || c.TotalShares < 0 || c.AvailableShares > c.TotalShares {
		return fmt.Errorf("%w: %s available=%d total=%d",
			ErrInventoryBounds, c.Symbol, c.AvailableShares, c.TotalShares)
	}
	return nil
}

// ApplyBuy applies the effects of an executed buy. The pre-trade reference
// price becomes the previous closing price and the execution price becomes
// the new closing price. It fails without modifying c when inventory cannot
// cover the fill.
func (c *Company) ApplyBuy(f Fill) error {
	if f.Quantity <= 0 || f.Quantity > c.AvailableShares {
		return fmt.Errorf("%w: %s requested=%d available=%d",
			ErrInventoryBounds, c.Symbol, f.Quantity, c.AvailableShares)
	}
	previous, err := c.ReferencePrice()
	if err != nil {
		previous = decimal.Zero
	}
	at := f.At

	c.AvailableShares -= f.Quantity
	c.PreviousClosingPrice = previous
	c.ClosingPrice = f.Price
	c.PriceChange = pricing.Change(f.Price, previous)
	c.TradedVolume = c.TradedVolume.Add(decimal.NewFromInt(f.Quantity))
	c.TradedValue = c.TradedValue.Add(f.Amount)
	c.SnapshotDate = &at
	c.UpdatedAt = at
	return nil
}

// CompanyPatch is a partial market-data update. Nil fields are left
// untouched.
type CompanyPatch struct {
	SharePrice           *decimal.Decimal `json:"sharePrice,omitempty"`
	ClosingPrice         *decimal.Decimal `json:"closingPrice,omitempty"`
	PreviousClosingPrice *decimal.Decimal `json:"previousClosingPrice,omitempty"`
	AvailableShares      *int64           `json:"availableShares,omitempty"`
	TotalShares          *int64           `json:"totalShares,omitempty"`
	TradedVolume         *decimal.Decimal `json:"tradedVolume,omitempty"`
	TradedValue          *decimal.Decimal `json:"tradedValue,omitempty"`
	SnapshotDate         *time.Time       `json:"snapshotDate,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p CompanyPatch) IsEmpty() bool {
	return p.SharePrice == nil && p.ClosingPrice == nil && p.PreviousClosingPrice == nil &&
		p.AvailableShares == nil && p.TotalShares == nil && p.TradedVolume == nil &&
		p.TradedValue == nil && p.SnapshotDate == nil
}

// Validate rejects values no feed should ever send.
func (p CompanyPatch) Validate() error {
	for name, v := range map[string]*decimal.Decimal{
		"sharePrice":           p.SharePrice,
		"closingPrice":         p.ClosingPrice,
		"previousClosingPrice": p.PreviousClosingPrice,
		"tradedVolume":         p.TradedVolume,
		"tradedValue":          p.TradedValue,
	} {
		if v != nil && v.IsNegative() {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if p.AvailableShares != nil && *p.AvailableShares < 0 {
		return errors.New("availableShares must not be negative")
	}
	if p.TotalShares != nil && *p.TotalShares < 0 {
		return errors.New("totalShares must not be negative")
	}
	return nil
}

// ApplyPatch merges p into c in one step and recomputes PriceChange when
// either closing price moved. c is left unchanged on error.
func (c *Company) ApplyPatch(p CompanyPatch, now time.Time) error {
	if err := p.Validate(); err != nil {
		return err
	}
	next := *c
	if p.SharePrice != nil {
		next.SharePrice = *p.SharePrice
	}
	if p.ClosingPrice != nil {
		next.ClosingPrice = *p.ClosingPrice
	}
	if p.PreviousClosingPrice != nil {
		next.PreviousClosingPrice = *p.PreviousClosingPrice
	}
	if p.AvailableShares != nil {
		next.AvailableShares = *p.AvailableShares
	}
	if p.TotalShares != nil {
		next.TotalShares = *p.TotalShares
	}
	if p.TradedVolume != nil {
		next.TradedVolume = *p.TradedVolume
	}
	if p.TradedValue != nil {
		next.TradedValue = *p.TradedValue
	}
	if p.SnapshotDate != nil {
		at := *p.SnapshotDate
		next.SnapshotDate = &at
	}
	if p.ClosingPrice != nil || p.PreviousClosingPrice != nil {
		next.PriceChange = pricing.Change(next.ClosingPrice, next.PreviousClosingPrice)
	}
	if err := next.CheckInventory(); err != nil {
		return err
	}
	next.UpdatedAt = now
	*c = next
	return nil
}
