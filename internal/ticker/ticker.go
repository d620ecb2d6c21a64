// Package ticker normalises and validates instrument symbols as listed on
// the exchange board.
package ticker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// symbolRegex matches board symbols: an upper-case letter followed by up to
// nine letters, digits, dots or dashes. Examples: ACME, BK, MTNR.RW.
var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

var ErrInvalidSymbol = errors.New("ticker: invalid symbol")

// Normalize trims and upper-cases a user supplied symbol.
func Normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Parse normalises symbol and validates it against the board format.
func Parse(symbol string) (string, error) {
	s := Normalize(symbol)
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q (expected 1-10 chars of A-Z, 0-9, '.', '-')", ErrInvalidSymbol, symbol)
	}
	return s, nil
}

// TradeReference formats the journal back-reference for a trade id.
func TradeReference(tradeID string) string {
	return "TRD-" + tradeID
}

// TradeIDFromReference reverses TradeReference.
func TradeIDFromReference(ref string) (string, bool) {
	id, ok := strings.CutPrefix(ref, "TRD-")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
