// Package lotsize enforces the exchange's trading-unit rules on order
// quantities.
package lotsize

import (
	"fmt"

	"github.com/kayigireerneste/broker-sub000/internal/apperr"
)

// Default is the board lot of this exchange.
const Default int64 = 100

// Validate reports whether quantity is a positive multiple of lotSize.
// A non-positive lotSize falls back to Default.
func Validate(quantity, lotSize int64) error {
	if lotSize <= 0 {
		lotSize = Default
	}
	if quantity <= 0 {
		return &apperr.ValidationError{Field: "quantity", Message: "quantity must be positive"}
	}
	if quantity%lotSize != 0 {
		return &apperr.ValidationError{
			Field:   "quantity",
			Message: fmt.Sprintf("quantity must be a multiple of %d", lotSize),
		}
	}
	return nil
}

// Lots returns the number of whole lots in quantity.
func Lots(quantity, lotSize int64) int64 {
	if lotSize <= 0 {
		lotSize = Default
	}
	return quantity / lotSize
}
