// Package model defines the core domain types shared across the broker.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Trade types.
const (
	TradeBuy  = "BUY"
	TradeSell = "SELL"
)

// Trade statuses.
const (
	TradeExecuted = "EXECUTED"
	TradePending  = "PENDING"
	TradeRejected = "REJECTED"
)

// PriceMarket is the only price type accepted: orders execute immediately at
// the resolved market price.
const PriceMarket = "MARKET"

// Cash-journal entry types.
const (
	TxBuyShares  = "BUY_SHARES"
	TxSellShares = "SELL_SHARES"
	TxDeposit    = "DEPOSIT"
	TxWithdraw   = "WITHDRAW"
)

// Cash-journal entry statuses.
const (
	TxCompleted = "COMPLETED"
	TxPending   = "PENDING"
	TxFailed    = "FAILED"
)

// Wallet holds a user's cash. Balance never goes negative after a commit.
type Wallet struct {
	UserID        string          `json:"userId"`
	Balance       decimal.Decimal `json:"balance"`
	LockedBalance decimal.Decimal `json:"lockedBalance"`
	Currency      string          `json:"currency"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// CanDebit reports whether amount can be taken from the balance.
func (w *Wallet) CanDebit(amount decimal.Decimal) bool {
	return w.Balance.GreaterThanOrEqual(amount)
}

// Trade is an immutable record of one execution. Once created it is never
// modified or deleted.
type Trade struct {
	ID               string          `json:"id"`
	UserID           string          `json:"userId"`
	CompanyID        string          `json:"companyId"`
	Symbol           string          `json:"symbol"`
	Type             string          `json:"type"`
	Status           string          `json:"status"`
	PriceType        string          `json:"priceType"`
	Quantity         int64           `json:"quantity"`
	RequestedPrice   decimal.Decimal `json:"requestedPrice"`
	ExecutedPrice    decimal.Decimal `json:"executedPrice"`
	ExecutedQuantity int64           `json:"executedQuantity"`
	TotalAmount      decimal.Decimal `json:"totalAmount"`
	Fees             decimal.Decimal `json:"fees"`
	IdempotencyKey   string          `json:"idempotencyKey,omitempty"`
	ExecutedAt       time.Time       `json:"executedAt"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// Transaction is an immutable cash-journal entry. For share purchases
// Reference points back to the trade.
type Transaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"`
	Reference   string          `json:"reference"`
	Description string          `json:"description"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// TradeMetadata is the audit snapshot stored in Transaction.Metadata.
type TradeMetadata struct {
	TradeID        string          `json:"tradeId"`
	CompanyID      string          `json:"companyId"`
	Symbol         string          `json:"symbol"`
	CompanyName    string          `json:"companyName"`
	Quantity       int64           `json:"quantity"`
	PricePerShare  decimal.Decimal `json:"pricePerShare"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	BalanceBefore  decimal.Decimal `json:"balanceBefore"`
	BalanceAfter   decimal.Decimal `json:"balanceAfter"`
	PriceType      string          `json:"priceType"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// Notification is a best-effort informational message for a user. It is
// not part of the trade's consistency boundary.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// Fill is one execution applied to the position book and the instrument.
type Fill struct {
	Quantity int64
	Amount   decimal.Decimal
	Price    decimal.Decimal
	At       time.Time
}

// Portfolio is a user's positions together with their cash.
type Portfolio struct {
	UserID        string          `json:"userId"`
	Balance       decimal.Decimal `json:"balance"`
	Positions     []Position      `json:"positions"`
	TotalInvested decimal.Decimal `json:"totalInvested"`
	MarketValue   decimal.Decimal `json:"marketValue"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
}
