// Package store defines the persistence interface for the broker.
// Implementations include PostgreSQL (source of truth), SQLite (embedded,
// single node), Redis (read-through cache decorator) and in-memory (for
// testing and development).
//
// Every mutation of wallets, instruments, positions and the ledgers happens
// inside InTx. Implementations lock the rows a transaction reads through the
// Lock* methods until it commits or rolls back, so two transactions touching
// the same wallet or instrument serialize while unrelated ones proceed.
// Callers must lock in the order company → wallet → position.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/kayigireerneste/broker-sub000/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConditionFailed is returned when a guarded update matched no row,
	// e.g. a debit that would overdraw a wallet.
	ErrConditionFailed = errors.New("store: update condition failed")

	// ErrDuplicate is returned when a unique key already exists.
	ErrDuplicate = errors.New("store: duplicate key")
)

// TxFunc is the body of a unit of work. Returning an error rolls back every
// write made through tx.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is the persistence interface.
type Store interface {
	// InTx runs fn inside one atomic transaction. It commits when fn
	// returns nil and rolls back otherwise, returning fn's error.
	InTx(ctx context.Context, fn TxFunc) error

	// --- Instruments ---

	// CreateCompany persists a new instrument.
	CreateCompany(ctx context.Context, c *model.Company) error

	// GetCompanyBySymbol retrieves an instrument snapshot by symbol.
	GetCompanyBySymbol(ctx context.Context, symbol string) (*model.Company, error)

	// ListCompanies returns all instruments ordered by symbol.
	ListCompanies(ctx context.Context) ([]model.Company, error)

	// --- Wallets ---

	// CreateWallet provisions a wallet for a user.
	CreateWallet(ctx context.Context, w *model.Wallet) error

	// GetWallet retrieves a user's wallet.
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)

	// --- Positions and ledgers (read side) ---

	// ListPositions returns a user's positions marked to the current
	// reference price of each instrument.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// ListTradesByUser returns a user's trades, oldest first.
	ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error)

	// ListTransactionsByUser returns a user's cash-journal entries, oldest first.
	ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error)

	// --- Notifications (outside the trade's consistency boundary) ---

	// InsertNotification stores a notification.
	InsertNotification(ctx context.Context, n *model.Notification) error

	// ListNotifications returns a user's notifications, newest first.
	ListNotifications(ctx context.Context, userID string) ([]model.Notification, error)

	// Close releases the underlying resources.
	Close() error
}

// Tx is the set of operations available inside a unit of work.
type Tx interface {
	// LockCompanyBySymbol reads an instrument and locks its row.
	LockCompanyBySymbol(ctx context.Context, symbol string) (*model.Company, error)

	// UpdateCompanyAfterBuy persists the market fields of c and decrements
	// available shares by filled, guarded by available_shares >= filled.
	UpdateCompanyAfterBuy(ctx context.Context, c *model.Company, filled int64) error

	// SaveCompanyMarket persists the market-data fields of a locked
	// instrument (the sync path).
	SaveCompanyMarket(ctx context.Context, c *model.Company) error

	// LockWallet reads a wallet and locks its row.
	LockWallet(ctx context.Context, userID string) (*model.Wallet, error)

	// DebitWallet atomically subtracts amount, guarded by balance >= amount,
	// and returns the new balance.
	DebitWallet(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error)

	// LockPosition reads a position and locks its row. ErrNotFound when the
	// user holds nothing in the instrument yet.
	LockPosition(ctx context.Context, userID, companyID string) (*model.Position, error)

	// SavePosition inserts or overwrites a position.
	SavePosition(ctx context.Context, p *model.Position) error

	// FindTradeByIdempotencyKey returns the trade a user submitted with key.
	FindTradeByIdempotencyKey(ctx context.Context, userID, key string) (*model.Trade, error)

	// InsertTrade appends to the trade ledger.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// InsertTransaction appends to the cash journal.
	InsertTransaction(ctx context.Context, t *model.Transaction) error
}
