package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/kayigireerneste/broker-sub000/internal/model"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store on an embedded SQLite database. Decimals are
// stored as TEXT so no value ever passes through a float.
//
// The pool is capped at one connection, so transactions are fully
// serialised: a second InTx waits in BeginTx (honouring its context) until
// the first commits or rolls back. The guarded updates still check their
// preconditions in SQL.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore. ":memory:" gives a private
// in-memory database.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	ddl, err := schema("sqlite")
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const (
	liteCompanyColumns = `id, symbol, name, share_price, closing_price, previous_closing_price, price_change,
		available_shares, total_shares, traded_volume, traded_value, snapshot_date, created_at, updated_at`

	liteWalletColumns = `user_id, balance, locked_balance, currency, updated_at`

	litePositionColumns = `p.user_id, p.company_id, p.symbol, p.quantity,
		p.average_buy_price, p.total_invested, p.created_at, p.updated_at`

	liteTradeColumns = `id, user_id, company_id, symbol, type, status, price_type,
		quantity, requested_price, executed_price, executed_quantity,
		total_amount, fees, COALESCE(idempotency_key, ''), executed_at, created_at`

	liteTransactionColumns = `id, user_id, type, amount, status, reference, description,
		COALESCE(metadata, ''), created_at`
)

func liteNotFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func liteDuplicate(err error, what string) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%s: %w", what, ErrDuplicate)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

// --- Transactions ---

func (s *SQLiteStore) InTx(ctx context.Context, fn TxFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(ctx, &liteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type liteTx struct {
	tx *sql.Tx
}

func (t *liteTx) LockCompanyBySymbol(ctx context.Context, symbol string) (*model.Company, error) {
	c, err := scanCompany(t.tx.QueryRowContext(ctx,
		`SELECT `+liteCompanyColumns+` FROM companies WHERE symbol = ?`, symbol))
	if err != nil {
		return nil, liteNotFound(err, "lock company "+symbol)
	}
	return c, nil
}

func (t *liteTx) UpdateCompanyAfterBuy(ctx context.Context, c *model.Company, filled int64) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE companies
		 SET available_shares = available_shares - ?,
		     closing_price = ?, previous_closing_price = ?, price_change = ?,
		     traded_volume = ?, traded_value = ?, snapshot_date = ?, updated_at = ?
		 WHERE id = ? AND available_shares >= ?`,
		filled,
		c.ClosingPrice.String(), c.PreviousClosingPrice.String(), c.PriceChange.String(),
		c.TradedVolume.String(), c.TradedValue.String(), c.SnapshotDate, c.UpdatedAt,
		c.ID, filled,
	)
	if err != nil {
		return fmt.Errorf("update company %s: %w", c.Symbol, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("company %s cannot fill %d: %w", c.Symbol, filled, ErrConditionFailed)
	}
	return nil
}

func (t *liteTx) SaveCompanyMarket(ctx context.Context, c *model.Company) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE companies
		 SET share_price = ?, closing_price = ?, previous_closing_price = ?, price_change = ?,
		     available_shares = ?, total_shares = ?, traded_volume = ?, traded_value = ?,
		     snapshot_date = ?, updated_at = ?
		 WHERE id = ?`,
		c.SharePrice.String(), c.ClosingPrice.String(), c.PreviousClosingPrice.String(), c.PriceChange.String(),
		c.AvailableShares, c.TotalShares, c.TradedVolume.String(), c.TradedValue.String(),
		c.SnapshotDate, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("save company %s: %w", c.Symbol, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("company %s: %w", c.Symbol, ErrNotFound)
	}
	return nil
}

func (t *liteTx) LockWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := scanWallet(t.tx.QueryRowContext(ctx,
		`SELECT `+liteWalletColumns+` FROM wallets WHERE user_id = ?`, userID))
	if err != nil {
		return nil, liteNotFound(err, "lock wallet "+userID)
	}
	return w, nil
}

// DebitWallet computes the new balance in Go and writes it with a
// compare-and-swap on the old text value, since SQLite arithmetic on TEXT
// columns would go through REAL.
func (t *liteTx) DebitWallet(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	w, err := t.LockWallet(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	if !w.CanDebit(amount) {
		return decimal.Zero, fmt.Errorf("wallet %s balance %s < %s: %w", userID, w.Balance, amount, ErrConditionFailed)
	}
	next := w.Balance.Sub(amount)
	res, err := t.tx.ExecContext(ctx,
		`UPDATE wallets SET balance = ?, updated_at = ? WHERE user_id = ? AND balance = ?`,
		next.String(), time.Now().UTC(), userID, w.Balance.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("debit wallet %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return decimal.Zero, fmt.Errorf("wallet %s changed concurrently: %w", userID, ErrConditionFailed)
	}
	return next, nil
}

func (t *liteTx) LockPosition(ctx context.Context, userID, companyID string) (*model.Position, error) {
	p, err := scanPosition(t.tx.QueryRowContext(ctx,
		`SELECT `+litePositionColumns+` FROM positions p WHERE p.user_id = ? AND p.company_id = ?`,
		userID, companyID), false)
	if err != nil {
		return nil, liteNotFound(err, "lock position "+userID+"/"+companyID)
	}
	return p, nil
}

func (t *liteTx) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO positions (user_id, company_id, symbol, quantity, average_buy_price, total_invested, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, company_id) DO UPDATE
		 SET quantity = excluded.quantity,
		     average_buy_price = excluded.average_buy_price,
		     total_invested = excluded.total_invested,
		     updated_at = excluded.updated_at`,
		p.UserID, p.CompanyID, p.Symbol, p.Quantity,
		p.AverageBuyPrice.String(), p.TotalInvested.String(), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save position %s/%s: %w", p.UserID, p.Symbol, err)
	}
	return nil
}

func (t *liteTx) FindTradeByIdempotencyKey(ctx context.Context, userID, key string) (*model.Trade, error) {
	tr, err := scanTrade(t.tx.QueryRowContext(ctx,
		`SELECT `+liteTradeColumns+` FROM trades WHERE user_id = ? AND idempotency_key = ?`, userID, key))
	if err != nil {
		return nil, liteNotFound(err, "trade with key "+key)
	}
	return tr, nil
}

func (t *liteTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO trades (id, user_id, company_id, symbol, type, status, price_type,
		                     quantity, requested_price, executed_price, executed_quantity,
		                     total_amount, fees, idempotency_key, executed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.UserID, tr.CompanyID, tr.Symbol, tr.Type, tr.Status, tr.PriceType,
		tr.Quantity, tr.RequestedPrice.String(), tr.ExecutedPrice.String(), tr.ExecutedQuantity,
		tr.TotalAmount.String(), tr.Fees.String(), nullString(tr.IdempotencyKey),
		tr.ExecutedAt, tr.CreatedAt,
	)
	if err != nil {
		return liteDuplicate(err, "insert trade "+tr.ID)
	}
	return nil
}

func (t *liteTx) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, status, reference, description, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.UserID, tr.Type, tr.Amount.String(), tr.Status,
		tr.Reference, tr.Description, nullJSON(tr.Metadata), tr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", tr.ID, err)
	}
	return nil
}

// --- Non-transactional operations ---

func (s *SQLiteStore) CreateCompany(ctx context.Context, c *model.Company) error {
	if err := c.CheckInventory(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO companies (id, symbol, name, share_price, closing_price, previous_closing_price,
		                        price_change, available_shares, total_shares, traded_volume, traded_value,
		                        snapshot_date, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Symbol, c.Name,
		c.SharePrice.String(), c.ClosingPrice.String(), c.PreviousClosingPrice.String(),
		c.PriceChange.String(), c.AvailableShares, c.TotalShares,
		c.TradedVolume.String(), c.TradedValue.String(),
		c.SnapshotDate, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return liteDuplicate(err, "create company "+c.Symbol)
	}
	return nil
}

func (s *SQLiteStore) GetCompanyBySymbol(ctx context.Context, symbol string) (*model.Company, error) {
	c, err := scanCompany(s.db.QueryRowContext(ctx,
		`SELECT `+liteCompanyColumns+` FROM companies WHERE symbol = ?`, symbol))
	if err != nil {
		return nil, liteNotFound(err, "get company "+symbol)
	}
	return c, nil
}

func (s *SQLiteStore) ListCompanies(ctx context.Context) ([]model.Company, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+liteCompanyColumns+` FROM companies ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var companies []model.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, err
		}
		companies = append(companies, *c)
	}
	return companies, rows.Err()
}

func (s *SQLiteStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wallets (user_id, balance, locked_balance, currency, updated_at) VALUES (?, ?, ?, ?, ?)`,
		w.UserID, w.Balance.String(), w.LockedBalance.String(), w.Currency, w.UpdatedAt,
	)
	if err != nil {
		return liteDuplicate(err, "create wallet "+w.UserID)
	}
	return nil
}

func (s *SQLiteStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := scanWallet(s.db.QueryRowContext(ctx,
		`SELECT `+liteWalletColumns+` FROM wallets WHERE user_id = ?`, userID))
	if err != nil {
		return nil, liteNotFound(err, "get wallet "+userID)
	}
	return w, nil
}

func (s *SQLiteStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+litePositionColumns+`, c.closing_price, c.share_price
		 FROM positions p JOIN companies c ON c.id = p.company_id
		 WHERE p.user_id = ? ORDER BY p.symbol`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows, true)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *SQLiteStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+liteTradeColumns+` FROM trades WHERE user_id = ? ORDER BY rowid`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func (s *SQLiteStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+liteTransactionColumns+` FROM transactions WHERE user_id = ? ORDER BY rowid`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *t)
	}
	return txs, rows.Err()
}

func (s *SQLiteStore) InsertNotification(ctx context.Context, n *model.Notification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, type, title, message, read, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, n.Read, n.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListNotifications(ctx context.Context, userID string) ([]model.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, type, title, message, read, created_at
		 FROM notifications WHERE user_id = ? ORDER BY rowid DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *n)
	}
	return result, rows.Err()
}
