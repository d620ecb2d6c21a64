package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/kayigireerneste/broker-sub000/internal/model"
)

var _ Store = (*CachedStore)(nil)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache. Writes go to the primary store and invalidate the
// cache once they commit; reads check Redis first then fall back to the
// primary.
//
// Only read paths are cached. Everything inside InTx reads the primary, so
// a stale cache entry can never influence a trade.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) Close() error {
	err := s.primary.Close()
	if cerr := s.rdb.Close(); err == nil {
		err = cerr
	}
	return err
}

// --- Transactions (invalidate after commit) ---

func (s *CachedStore) InTx(ctx context.Context, fn TxFunc) error {
	tracked := &trackingTx{}
	err := s.primary.InTx(ctx, func(ctx context.Context, tx Tx) error {
		tracked.Tx = tx
		return fn(ctx, tracked)
	})
	if err != nil {
		return err
	}
	if len(tracked.keys) > 0 {
		s.rdb.Del(context.WithoutCancel(ctx), tracked.keys...)
	}
	return nil
}

// trackingTx records the cache keys made stale by each write.
type trackingTx struct {
	Tx
	keys []string
}

func (t *trackingTx) touch(keys ...string) { t.keys = append(t.keys, keys...) }

func (t *trackingTx) UpdateCompanyAfterBuy(ctx context.Context, c *model.Company, filled int64) error {
	if err := t.Tx.UpdateCompanyAfterBuy(ctx, c, filled); err != nil {
		return err
	}
	t.touch(companyKey(c.Symbol), companiesKey)
	return nil
}

func (t *trackingTx) SaveCompanyMarket(ctx context.Context, c *model.Company) error {
	if err := t.Tx.SaveCompanyMarket(ctx, c); err != nil {
		return err
	}
	t.touch(companyKey(c.Symbol), companiesKey)
	return nil
}

func (t *trackingTx) DebitWallet(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	balance, err := t.Tx.DebitWallet(ctx, userID, amount)
	if err != nil {
		return balance, err
	}
	t.touch(walletKey(userID))
	return balance, nil
}

func (t *trackingTx) SavePosition(ctx context.Context, p *model.Position) error {
	if err := t.Tx.SavePosition(ctx, p); err != nil {
		return err
	}
	t.touch(positionsKey(p.UserID))
	return nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateCompany(ctx context.Context, c *model.Company) error {
	if err := s.primary.CreateCompany(ctx, c); err != nil {
		return err
	}
	s.rdb.Del(ctx, companiesKey)
	s.cache(ctx, companyKey(c.Symbol), c)
	return nil
}

func (s *CachedStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	if err := s.primary.CreateWallet(ctx, w); err != nil {
		return err
	}
	s.cache(ctx, walletKey(w.UserID), w)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetCompanyBySymbol(ctx context.Context, symbol string) (*model.Company, error) {
	var c model.Company
	if s.cached(ctx, companyKey(symbol), &c) {
		return &c, nil
	}

	// Cache miss: read from primary.
	fresh, err := s.primary.GetCompanyBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, companyKey(symbol), fresh)
	return fresh, nil
}

func (s *CachedStore) ListCompanies(ctx context.Context) ([]model.Company, error) {
	var companies []model.Company
	if s.cached(ctx, companiesKey, &companies) {
		return companies, nil
	}

	companies, err := s.primary.ListCompanies(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, companiesKey, companies)
	return companies, nil
}

func (s *CachedStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	if s.cached(ctx, walletKey(userID), &w) {
		return &w, nil
	}

	fresh, err := s.primary.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, walletKey(userID), fresh)
	return fresh, nil
}

// ListPositions caches holdings per user. Marks are refreshed from the
// (cached) instruments on every read so a market sync shows up without
// touching every user's entry.
func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	var positions []model.Position
	if !s.cached(ctx, positionsKey(userID), &positions) {
		fresh, err := s.primary.ListPositions(ctx, userID)
		if err != nil {
			return nil, err
		}
		s.cache(ctx, positionsKey(userID), fresh)
		return fresh, nil
	}

	for i := range positions {
		c, err := s.GetCompanyBySymbol(ctx, positions[i].Symbol)
		if err != nil {
			continue
		}
		if price, err := c.ReferencePrice(); err == nil {
			positions[i].Mark(price)
		}
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.ListTradesByUser(ctx, userID)
}

func (s *CachedStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByUser(ctx, userID)
}

func (s *CachedStore) InsertNotification(ctx context.Context, n *model.Notification) error {
	return s.primary.InsertNotification(ctx, n)
}

func (s *CachedStore) ListNotifications(ctx context.Context, userID string) ([]model.Notification, error) {
	return s.primary.ListNotifications(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const companiesKey = "companies:all"

func companyKey(symbol string) string { return fmt.Sprintf("company:%s", symbol) }
func walletKey(uid string) string     { return fmt.Sprintf("wallet:%s", uid) }
func positionsKey(uid string) string  { return fmt.Sprintf("positions:%s", uid) }
