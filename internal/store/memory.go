package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/kayigireerneste/broker-sub000/internal/model"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions take per-row locks and stage their writes; the staged writes
// are applied under the map mutex on commit and dropped on rollback.
type MemoryStore struct {
	mu            sync.RWMutex
	companies     map[string]*model.Company // id → company
	symbols       map[string]string         // symbol → id
	wallets       map[string]*model.Wallet  // userID → wallet
	positions     map[positionKey]*model.Position
	trades        []model.Trade
	transactions  []model.Transaction
	notifications []model.Notification

	locks *rowLocks
}

type positionKey struct {
	userID    string
	companyID string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		companies: make(map[string]*model.Company),
		symbols:   make(map[string]string),
		wallets:   make(map[string]*model.Wallet),
		positions: make(map[positionKey]*model.Position),
		locks:     &rowLocks{rows: make(map[string]chan struct{})},
	}
}

func (s *MemoryStore) Close() error { return nil }

// --- Row locks ---

// rowLocks hands out one binary semaphore per row key. Acquisition honours
// context cancellation.
type rowLocks struct {
	mu   sync.Mutex
	rows map[string]chan struct{}
}

func (l *rowLocks) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	ch, ok := l.rows[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.rows[key] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("lock %s: %w", key, ctx.Err())
	}
}

func (l *rowLocks) release(key string) {
	l.mu.Lock()
	ch := l.rows[key]
	l.mu.Unlock()
	<-ch
}

func companyLockKey(id string) string      { return "company:" + id }
func walletLockKey(userID string) string   { return "wallet:" + userID }
func positionLockKey(k positionKey) string { return "position:" + k.userID + ":" + k.companyID }

// --- Transactions ---

func (s *MemoryStore) InTx(ctx context.Context, fn TxFunc) error {
	tx := &memTx{
		s:         s,
		held:      make(map[string]bool),
		companies: make(map[string]*model.Company),
		wallets:   make(map[string]*model.Wallet),
		positions: make(map[positionKey]*model.Position),
	}
	defer tx.releaseAll()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type memTx struct {
	s    *MemoryStore
	held map[string]bool
	keys []string

	companies    map[string]*model.Company
	wallets      map[string]*model.Wallet
	positions    map[positionKey]*model.Position
	trades       []model.Trade
	transactions []model.Transaction
}

func (tx *memTx) lock(ctx context.Context, key string) error {
	if tx.held[key] {
		return nil
	}
	if err := tx.s.locks.acquire(ctx, key); err != nil {
		return err
	}
	tx.held[key] = true
	tx.keys = append(tx.keys, key)
	return nil
}

func (tx *memTx) releaseAll() {
	for i := len(tx.keys) - 1; i >= 0; i-- {
		tx.s.locks.release(tx.keys[i])
	}
	tx.keys = nil
}

func (tx *memTx) commit() {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, c := range tx.companies {
		s.companies[id] = c
	}
	for uid, w := range tx.wallets {
		s.wallets[uid] = w
	}
	for k, p := range tx.positions {
		s.positions[k] = p
	}
	s.trades = append(s.trades, tx.trades...)
	s.transactions = append(s.transactions, tx.transactions...)
}

// company returns the transaction's view of a company: staged first, then
// committed. Caller must hold the row lock.
func (tx *memTx) company(id string) (*model.Company, bool) {
	if c, ok := tx.companies[id]; ok {
		return c, true
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	c, ok := tx.s.companies[id]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

func (tx *memTx) wallet(userID string) (*model.Wallet, bool) {
	if w, ok := tx.wallets[userID]; ok {
		return w, true
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	w, ok := tx.s.wallets[userID]
	if !ok {
		return nil, false
	}
	cp := *w
	return &cp, true
}

func (tx *memTx) LockCompanyBySymbol(ctx context.Context, symbol string) (*model.Company, error) {
	tx.s.mu.RLock()
	id, ok := tx.s.symbols[symbol]
	tx.s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("company %s: %w", symbol, ErrNotFound)
	}
	if err := tx.lock(ctx, companyLockKey(id)); err != nil {
		return nil, err
	}
	c, ok := tx.company(id)
	if !ok {
		return nil, fmt.Errorf("company %s: %w", symbol, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (tx *memTx) UpdateCompanyAfterBuy(ctx context.Context, c *model.Company, filled int64) error {
	if err := tx.lock(ctx, companyLockKey(c.ID)); err != nil {
		return err
	}
	current, ok := tx.company(c.ID)
	if !ok {
		return fmt.Errorf("company %s: %w", c.Symbol, ErrNotFound)
	}
	if current.AvailableShares < filled {
		return fmt.Errorf("company %s available %d < %d: %w",
			c.Symbol, current.AvailableShares, filled, ErrConditionFailed)
	}
	next := *c
	next.AvailableShares = current.AvailableShares - filled
	tx.companies[c.ID] = &next
	return nil
}

func (tx *memTx) SaveCompanyMarket(ctx context.Context, c *model.Company) error {
	if err := tx.lock(ctx, companyLockKey(c.ID)); err != nil {
		return err
	}
	if _, ok := tx.company(c.ID); !ok {
		return fmt.Errorf("company %s: %w", c.Symbol, ErrNotFound)
	}
	next := *c
	tx.companies[c.ID] = &next
	return nil
}

func (tx *memTx) LockWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	if err := tx.lock(ctx, walletLockKey(userID)); err != nil {
		return nil, err
	}
	w, ok := tx.wallet(userID)
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", userID, ErrNotFound)
	}
	cp := *w
	return &cp, nil
}

func (tx *memTx) DebitWallet(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := tx.lock(ctx, walletLockKey(userID)); err != nil {
		return decimal.Zero, err
	}
	w, ok := tx.wallet(userID)
	if !ok {
		return decimal.Zero, fmt.Errorf("wallet %s: %w", userID, ErrNotFound)
	}
	if !w.CanDebit(amount) {
		return decimal.Zero, fmt.Errorf("wallet %s balance %s < %s: %w", userID, w.Balance, amount, ErrConditionFailed)
	}
	next := *w
	next.Balance = w.Balance.Sub(amount)
	tx.wallets[userID] = &next
	return next.Balance, nil
}

func (tx *memTx) LockPosition(ctx context.Context, userID, companyID string) (*model.Position, error) {
	k := positionKey{userID: userID, companyID: companyID}
	if err := tx.lock(ctx, positionLockKey(k)); err != nil {
		return nil, err
	}
	if p, ok := tx.positions[k]; ok {
		cp := *p
		return &cp, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	p, ok := tx.s.positions[k]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", userID, companyID, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (tx *memTx) SavePosition(ctx context.Context, p *model.Position) error {
	k := positionKey{userID: p.UserID, companyID: p.CompanyID}
	if err := tx.lock(ctx, positionLockKey(k)); err != nil {
		return err
	}
	cp := *p
	tx.positions[k] = &cp
	return nil
}

func (tx *memTx) FindTradeByIdempotencyKey(_ context.Context, userID, key string) (*model.Trade, error) {
	for _, t := range tx.trades {
		if t.UserID == userID && t.IdempotencyKey == key {
			cp := t
			return &cp, nil
		}
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	for _, t := range tx.s.trades {
		if t.UserID == userID && t.IdempotencyKey == key {
			cp := t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("trade with key %s: %w", key, ErrNotFound)
}

func (tx *memTx) InsertTrade(ctx context.Context, t *model.Trade) error {
	if t.IdempotencyKey != "" {
		if _, err := tx.FindTradeByIdempotencyKey(ctx, t.UserID, t.IdempotencyKey); err == nil {
			return fmt.Errorf("trade key %s: %w", t.IdempotencyKey, ErrDuplicate)
		}
	}
	tx.trades = append(tx.trades, *t)
	return nil
}

func (tx *memTx) InsertTransaction(_ context.Context, t *model.Transaction) error {
	tx.transactions = append(tx.transactions, *t)
	return nil
}

// --- Non-transactional operations ---

func (s *MemoryStore) CreateCompany(_ context.Context, c *model.Company) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.symbols[c.Symbol]; exists {
		return fmt.Errorf("company %s: %w", c.Symbol, ErrDuplicate)
	}
	if err := c.CheckInventory(); err != nil {
		return err
	}

	// Store a copy to avoid external mutation.
	cp := *c
	s.companies[c.ID] = &cp
	s.symbols[c.Symbol] = c.ID
	return nil
}

func (s *MemoryStore) GetCompanyBySymbol(_ context.Context, symbol string) (*model.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.symbols[symbol]
	if !ok {
		return nil, fmt.Errorf("company %s: %w", symbol, ErrNotFound)
	}
	cp := *s.companies[id]
	return &cp, nil
}

func (s *MemoryStore) ListCompanies(_ context.Context) ([]model.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	companies := make([]model.Company, 0, len(s.companies))
	for _, c := range s.companies {
		companies = append(companies, *c)
	}
	sort.Slice(companies, func(i, j int) bool { return companies[i].Symbol < companies[j].Symbol })
	return companies, nil
}

func (s *MemoryStore) CreateWallet(_ context.Context, w *model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.wallets[w.UserID]; exists {
		return fmt.Errorf("wallet %s: %w", w.UserID, ErrDuplicate)
	}
	cp := *w
	s.wallets[w.UserID] = &cp
	return nil
}

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", userID, ErrNotFound)
	}
	cp := *w
	return &cp, nil
}

// ListPositions marks each position to its instrument's reference price
// (single lock, no re-entrant calls).
func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for k, p := range s.positions {
		if k.userID != userID {
			continue
		}
		cp := *p
		if c, ok := s.companies[k.companyID]; ok {
			if price, err := c.ReferencePrice(); err == nil {
				cp.Mark(price)
			}
		}
		positions = append(positions, cp)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

func (s *MemoryStore) ListTradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTransactionsByUser(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, t := range s.transactions {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertNotification(_ context.Context, n *model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notifications = append(s.notifications, *n)
	return nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, userID string) ([]model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Notification
	for i := len(s.notifications) - 1; i >= 0; i-- {
		if s.notifications[i].UserID == userID {
			result = append(result, s.notifications[i])
		}
	}
	return result, nil
}

// Counts returns the number of ledger rows. Used by tests to check that the
// ledgers only ever grow.
func (s *MemoryStore) Counts() (trades, transactions int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.trades), len(s.transactions)
}
