// Package apperr defines the error taxonomy of the trading core and how each
// kind maps onto an HTTP response.
//
// Business-rule rejections (validation, unknown instrument or wallet, pricing,
// inventory and funds shortfalls, duplicate orders) are distinct types so
// handlers can tell "your order was rejected" apart from "something broke".
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
	"github.com/shopspring/decimal"
)

// ValidationError reports malformed or out-of-policy input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NotFoundError reports an unknown instrument, wallet or other resource.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	if e.Key == "" {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.Key)
}

// PricingError reports an instrument without a usable price.
type PricingError struct {
	Symbol string
}

func (e *PricingError) Error() string {
	return fmt.Sprintf("no valid price available for %s", e.Symbol)
}

// InsufficientFundsError carries both sides of the shortfall for user-facing
// messages.
type InsufficientFundsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient balance: required %s, available %s",
		e.Required.StringFixed(2), e.Available.StringFixed(2))
}

// InsufficientInventoryError reports that an instrument cannot cover the
// requested quantity.
type InsufficientInventoryError struct {
	Symbol    string
	Requested int64
	Available int64
}

// Shortfall is the number of shares missing to fill the request.
func (e *InsufficientInventoryError) Shortfall() int64 {
	return e.Requested - e.Available
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient shares for %s: requested %d, available %d (short by %d)",
		e.Symbol, e.Requested, e.Available, e.Shortfall())
}

// DuplicateOrderError reports a resubmitted idempotency key.
type DuplicateOrderError struct {
	Key     string
	TradeID string
}

func (e *DuplicateOrderError) Error() string {
	return fmt.Sprintf("order with idempotency key %q already executed as trade %s", e.Key, e.TradeID)
}

// IsRejection reports whether err is a business-rule rejection rather than an
// unexpected failure.
func IsRejection(err error) bool {
	var (
		ve *ValidationError
		nf *NotFoundError
		pe *PricingError
		fe *InsufficientFundsError
		ie *InsufficientInventoryError
		de *DuplicateOrderError
	)
	return errors.As(err, &ve) || errors.As(err, &nf) || errors.As(err, &pe) ||
		errors.As(err, &fe) || errors.As(err, &ie) || errors.As(err, &de)
}

// Reason returns a short, low-cardinality label for err, used in logs and
// metrics.
func Reason(err error) string {
	var (
		ve *ValidationError
		nf *NotFoundError
		pe *PricingError
		fe *InsufficientFundsError
		ie *InsufficientInventoryError
		de *DuplicateOrderError
	)
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &nf):
		return "not_found"
	case errors.As(err, &pe):
		return "pricing"
	case errors.As(err, &fe):
		return "insufficient_funds"
	case errors.As(err, &ie):
		return "insufficient_inventory"
	case errors.As(err, &de):
		return "duplicate"
	default:
		return "internal"
	}
}

// Status maps err onto the HTTP status used by read endpoints: unknown
// resources are 404 there. The trade endpoint reports every rejection as 400
// (see RejectionStatus).
func Status(err error) int {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return http.StatusNotFound
	}
	return RejectionStatus(err)
}

// RejectionStatus maps err onto the status used by order submission.
func RejectionStatus(err error) int {
	var de *DuplicateOrderError
	switch {
	case errors.As(err, &de):
		return http.StatusConflict
	case IsRejection(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// APIError is the JSON error body. It matches the `{ "error": "..." }`
// contract and optionally carries extra fields.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
	TradeID    string `json:"tradeId,omitempty"`
}

// Render implements render.Renderer.
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// New creates an APIError with an explicit status.
func New(status int, message string) *APIError {
	return &APIError{StatusCode: status, Message: message}
}

// FromError builds the response for err with the given status. Unexpected
// errors never leak their internals.
func FromError(err error, status int) *APIError {
	if status >= http.StatusInternalServerError {
		return New(status, "internal server error")
	}
	apiErr := New(status, err.Error())
	var de *DuplicateOrderError
	if errors.As(err, &de) {
		apiErr.TradeID = de.TradeID
	}
	return apiErr
}

// Write renders err as JSON with the given status.
func Write(w http.ResponseWriter, r *http.Request, err error, status int) {
	_ = render.Render(w, r, FromError(err, status))
}

// WriteMessage renders a plain message as a JSON error body.
func WriteMessage(w http.ResponseWriter, r *http.Request, message string, status int) {
	_ = render.Render(w, r, New(status, message))
}
