package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/kayigireerneste/broker-sub000/internal/model"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// travel as text in both directions.
//
// Row locks are SELECT ... FOR UPDATE; the inventory decrement and the wallet
// debit are additionally guarded in their WHERE clauses so a lost lock can
// never drive either below zero.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl, err := schema("postgres")
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	pgCompanyColumns = `id, symbol, name,
		share_price::TEXT, closing_price::TEXT, previous_closing_price::TEXT, price_change::TEXT,
		available_shares, total_shares, traded_volume::TEXT, traded_value::TEXT,
		snapshot_date, created_at, updated_at`

	pgWalletColumns = `user_id, balance::TEXT, locked_balance::TEXT, currency, updated_at`

	pgPositionColumns = `p.user_id, p.company_id, p.symbol, p.quantity,
		p.average_buy_price::TEXT, p.total_invested::TEXT, p.created_at, p.updated_at`

	pgTradeColumns = `id, user_id, company_id, symbol, type, status, price_type,
		quantity, requested_price::TEXT, executed_price::TEXT, executed_quantity,
		total_amount::TEXT, fees::TEXT, COALESCE(idempotency_key, ''), executed_at, created_at`

	pgTransactionColumns = `id, user_id, type, amount::TEXT, status, reference, description,
		COALESCE(metadata::TEXT, ''), created_at`
)

// pgNotFound maps pgx.ErrNoRows to ErrNotFound.
func pgNotFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// pgDuplicate maps unique_violation to ErrDuplicate.
func pgDuplicate(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", what, ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// --- Transactions ---

func (s *PostgresStore) InTx(ctx context.Context, fn TxFunc) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	// No-op once committed.
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	q querier
}

func (t *pgTx) LockCompanyBySymbol(ctx context.Context, symbol string) (*model.Company, error) {
	c, err := scanCompany(t.q.QueryRow(ctx,
		`SELECT `+pgCompanyColumns+` FROM companies WHERE symbol = $1 FOR UPDATE`, symbol))
	if err != nil {
		return nil, pgNotFound(err, "lock company "+symbol)
	}
	return c, nil
}

func (t *pgTx) UpdateCompanyAfterBuy(ctx context.Context, c *model.Company, filled int64) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE companies
		 SET available_shares = available_shares - $2,
		     closing_price = $3::NUMERIC, previous_closing_price = $4::NUMERIC,
		     price_change = $5::NUMERIC,
		     traded_volume = $6::NUMERIC, traded_value = $7::NUMERIC,
		     snapshot_date = $8, updated_at = $9
		 WHERE id = $1 AND available_shares >= $2`,
		c.ID, filled,
		c.ClosingPrice.String(), c.PreviousClosingPrice.String(), c.PriceChange.String(),
		c.TradedVolume.String(), c.TradedValue.String(),
		c.SnapshotDate, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update company %s: %w", c.Symbol, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("company %s cannot fill %d: %w", c.Symbol, filled, ErrConditionFailed)
	}
	return nil
}

func (t *pgTx) SaveCompanyMarket(ctx context.Context, c *model.Company) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE companies
		 SET share_price = $2::NUMERIC, closing_price = $3::NUMERIC,
		     previous_closing_price = $4::NUMERIC, price_change = $5::NUMERIC,
		     available_shares = $6, total_shares = $7,
		     traded_volume = $8::NUMERIC, traded_value = $9::NUMERIC,
		     snapshot_date = $10, updated_at = $11
		 WHERE id = $1`,
		c.ID,
		c.SharePrice.String(), c.ClosingPrice.String(),
		c.PreviousClosingPrice.String(), c.PriceChange.String(),
		c.AvailableShares, c.TotalShares,
		c.TradedVolume.String(), c.TradedValue.String(),
		c.SnapshotDate, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save company %s: %w", c.Symbol, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("company %s: %w", c.Symbol, ErrNotFound)
	}
	return nil
}

func (t *pgTx) LockWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := scanWallet(t.q.QueryRow(ctx,
		`SELECT `+pgWalletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, pgNotFound(err, "lock wallet "+userID)
	}
	return w, nil
}

func (t *pgTx) DebitWallet(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance string
	err := t.q.QueryRow(ctx,
		`UPDATE wallets
		 SET balance = balance - $2::NUMERIC, updated_at = NOW()
		 WHERE user_id = $1 AND balance >= $2::NUMERIC
		 RETURNING balance::TEXT`,
		userID, amount.String()).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("debit wallet %s by %s: %w", userID, amount, ErrConditionFailed)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("debit wallet %s: %w", userID, err)
	}
	return decimal.NewFromString(balance)
}

func (t *pgTx) LockPosition(ctx context.Context, userID, companyID string) (*model.Position, error) {
	p, err := scanPosition(t.q.QueryRow(ctx,
		`SELECT `+pgPositionColumns+` FROM positions p
		 WHERE p.user_id = $1 AND p.company_id = $2 FOR UPDATE`, userID, companyID), false)
	if err != nil {
		return nil, pgNotFound(err, "lock position "+userID+"/"+companyID)
	}
	return p, nil
}

func (t *pgTx) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO positions (user_id, company_id, symbol, quantity, average_buy_price, total_invested, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)
		 ON CONFLICT (user_id, company_id) DO UPDATE
		 SET quantity = EXCLUDED.quantity,
		     average_buy_price = EXCLUDED.average_buy_price,
		     total_invested = EXCLUDED.total_invested,
		     updated_at = EXCLUDED.updated_at`,
		p.UserID, p.CompanyID, p.Symbol, p.Quantity,
		p.AverageBuyPrice.String(), p.TotalInvested.String(),
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save position %s/%s: %w", p.UserID, p.Symbol, err)
	}
	return nil
}

func (t *pgTx) FindTradeByIdempotencyKey(ctx context.Context, userID, key string) (*model.Trade, error) {
	tr, err := scanTrade(t.q.QueryRow(ctx,
		`SELECT `+pgTradeColumns+` FROM trades WHERE user_id = $1 AND idempotency_key = $2`,
		userID, key))
	if err != nil {
		return nil, pgNotFound(err, "trade with key "+key)
	}
	return tr, nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO trades (id, user_id, company_id, symbol, type, status, price_type,
		                     quantity, requested_price, executed_price, executed_quantity,
		                     total_amount, fees, idempotency_key, executed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11,
		         $12::NUMERIC, $13::NUMERIC, $14, $15, $16)`,
		tr.ID, tr.UserID, tr.CompanyID, tr.Symbol, tr.Type, tr.Status, tr.PriceType,
		tr.Quantity, tr.RequestedPrice.String(), tr.ExecutedPrice.String(), tr.ExecutedQuantity,
		tr.TotalAmount.String(), tr.Fees.String(), nullString(tr.IdempotencyKey),
		tr.ExecutedAt, tr.CreatedAt,
	)
	if err != nil {
		return pgDuplicate(err, "insert trade "+tr.ID)
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, status, reference, description, metadata, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8::JSONB, $9)`,
		tr.ID, tr.UserID, tr.Type, tr.Amount.String(), tr.Status,
		tr.Reference, tr.Description, nullJSON(tr.Metadata), tr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", tr.ID, err)
	}
	return nil
}

// --- Non-transactional operations ---

func (s *PostgresStore) CreateCompany(ctx context.Context, c *model.Company) error {
	if err := c.CheckInventory(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO companies (id, symbol, name, share_price, closing_price, previous_closing_price,
		                        price_change, available_shares, total_shares, traded_volume, traded_value,
		                        snapshot_date, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9,
		         $10::NUMERIC, $11::NUMERIC, $12, $13, $14)`,
		c.ID, c.Symbol, c.Name,
		c.SharePrice.String(), c.ClosingPrice.String(), c.PreviousClosingPrice.String(),
		c.PriceChange.String(), c.AvailableShares, c.TotalShares,
		c.TradedVolume.String(), c.TradedValue.String(),
		c.SnapshotDate, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return pgDuplicate(err, "create company "+c.Symbol)
	}
	return nil
}

func (s *PostgresStore) GetCompanyBySymbol(ctx context.Context, symbol string) (*model.Company, error) {
	c, err := scanCompany(s.pool.QueryRow(ctx,
		`SELECT `+pgCompanyColumns+` FROM companies WHERE symbol = $1`, symbol))
	if err != nil {
		return nil, pgNotFound(err, "get company "+symbol)
	}
	return c, nil
}

func (s *PostgresStore) ListCompanies(ctx context.Context) ([]model.Company, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgCompanyColumns+` FROM companies ORDER BY symbol`)
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

func (s *PostgresStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallets (user_id, balance, locked_balance, currency, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5)`,
		w.UserID, w.Balance.String(), w.LockedBalance.String(), w.Currency, w.UpdatedAt,
	)
	if err != nil {
		return pgDuplicate(err, "create wallet "+w.UserID)
	}
	return nil
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx,
		`SELECT `+pgWalletColumns+` FROM wallets WHERE user_id = $1`, userID))
	if err != nil {
		return nil, pgNotFound(err, "get wallet "+userID)
	}
	return w, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgPositionColumns+`, c.closing_price::TEXT, c.share_price::TEXT
		 FROM positions p JOIN companies c ON c.id = p.company_id
		 WHERE p.user_id = $1 ORDER BY p.symbol`, userID)
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

func (s *PostgresStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgTradeColumns+` FROM trades WHERE user_id = $1 ORDER BY executed_at, id`, userID)
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

func (s *PostgresStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgTransactionColumns+` FROM transactions WHERE user_id = $1 ORDER BY created_at, id`, userID)
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

func (s *PostgresStore) InsertNotification(ctx context.Context, n *model.Notification) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (id, user_id, type, title, message, read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, n.Read, n.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string) ([]model.Notification, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, type, title, message, read, created_at
		 FROM notifications WHERE user_id = $1 ORDER BY created_at DESC`, userID)
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
