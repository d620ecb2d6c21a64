package store

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/kayigireerneste/broker-sub000/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	b := []backend{
		{"memory", func(t *testing.T) Store { return NewMemoryStore() }},
		{"sqlite", func(t *testing.T) Store {
			s, err := NewSQLiteStore(context.Background(), ":memory:")
			require.NoError(t, err)
			return s
		}},
	}
	if url := os.Getenv("BROKER_TEST_DATABASE_URL"); url != "" {
		b = append(b, backend{"postgres", func(t *testing.T) Store {
			pool, err := pgxpool.New(context.Background(), url)
			require.NoError(t, err)
			s := NewPostgresStore(pool)
			require.NoError(t, s.Migrate(context.Background()))
			return s
		}})
	}
	return b
}

// seed creates an instrument and a funded wallet with unique identifiers so
// a shared Postgres database can be reused across runs.
func seed(t *testing.T, s Store, balance decimal.Decimal) (*model.Company, string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	suffix := uuid.NewString()[:6]

	c := &model.Company{
		ID:              "c-" + suffix,
		Symbol:          "T" + suffix,
		Name:            "Test Corp",
		SharePrice:      d(48),
		ClosingPrice:    d(50),
		AvailableShares: 1000,
		TotalShares:     5000,
		TradedVolume:    decimal.Zero,
		TradedValue:     decimal.Zero,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, s.CreateCompany(ctx, c))

	userID := "u-" + suffix
	require.NoError(t, s.CreateWallet(ctx, &model.Wallet{
		UserID: userID, Balance: balance, LockedBalance: decimal.Zero, Currency: "RWF", UpdatedAt: now,
	}))
	return c, userID
}

// buy runs a full buy unit of work for qty shares at the reference price and
// then calls after, whose error decides commit or rollback.
func buy(ctx context.Context, s Store, symbol, userID string, qty int64, key string, after func() error) error {
	return s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		c, err := tx.LockCompanyBySymbol(ctx, symbol)
		if err != nil {
			return err
		}
		if _, err := tx.LockWallet(ctx, userID); err != nil {
			return err
		}
		price, err := c.ReferencePrice()
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		amount := price.Mul(decimal.NewFromInt(qty))
		fill := model.Fill{Quantity: qty, Amount: amount, Price: price, At: now}

		if err := c.ApplyBuy(fill); err != nil {
			return err
		}
		if err := tx.UpdateCompanyAfterBuy(ctx, c, qty); err != nil {
			return err
		}
		if _, err := tx.DebitWallet(ctx, userID, amount); err != nil {
			return err
		}
		pos, err := tx.LockPosition(ctx, userID, c.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			pos, err = model.NewPosition(userID, c.ID, c.Symbol, fill)
		case err == nil:
			err = pos.ApplyFill(fill)
		}
		if err != nil {
			return err
		}
		if err := tx.SavePosition(ctx, pos); err != nil {
			return err
		}
		tradeID := uuid.NewString()
		if err := tx.InsertTrade(ctx, &model.Trade{
			ID: tradeID, UserID: userID, CompanyID: c.ID, Symbol: c.Symbol,
			Type: model.TradeBuy, Status: model.TradeExecuted, PriceType: model.PriceMarket,
			Quantity: qty, RequestedPrice: price, ExecutedPrice: price, ExecutedQuantity: qty,
			TotalAmount: amount, Fees: decimal.Zero, IdempotencyKey: key,
			ExecutedAt: now, CreatedAt: now,
		}); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, &model.Transaction{
			ID: uuid.NewString(), UserID: userID, Type: model.TxBuyShares, Amount: amount,
			Status: model.TxCompleted, Reference: "TRD-" + tradeID,
			Metadata: []byte(`{"symbol":"` + c.Symbol + `"}`), CreatedAt: now,
		}); err != nil {
			return err
		}
		if after != nil {
			return after()
		}
		return nil
	})
}

func TestStore_BuyCommits(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()
			ctx := context.Background()
			c, userID := seed(t, s, d(12000))

			require.NoError(t, buy(ctx, s, c.Symbol, userID, 100, "", nil))
			require.NoError(t, buy(ctx, s, c.Symbol, userID, 100, "", nil))

			w, err := s.GetWallet(ctx, userID)
			require.NoError(t, err)
			assert.True(t, w.Balance.Equal(d(2000)), "balance %s", w.Balance)

			got, err := s.GetCompanyBySymbol(ctx, c.Symbol)
			require.NoError(t, err)
			assert.Equal(t, int64(800), got.AvailableShares)
			assert.True(t, got.TradedVolume.Equal(d(200)), "volume %s", got.TradedVolume)
			assert.True(t, got.TradedValue.Equal(d(10000)), "value %s", got.TradedValue)
			require.NotNil(t, got.SnapshotDate)

			positions, err := s.ListPositions(ctx, userID)
			require.NoError(t, err)
			require.Len(t, positions, 1)
			p := positions[0]
			assert.Equal(t, int64(200), p.Quantity)
			assert.True(t, p.TotalInvested.Equal(d(10000)), "invested %s", p.TotalInvested)
			assert.True(t, p.AverageBuyPrice.Equal(d(50)), "avg %s", p.AverageBuyPrice)
			assert.True(t, p.MarketValue.Equal(d(10000)), "marked value %s", p.MarketValue)

			trades, err := s.ListTradesByUser(ctx, userID)
			require.NoError(t, err)
			assert.Len(t, trades, 2)

			txs, err := s.ListTransactionsByUser(ctx, userID)
			require.NoError(t, err)
			require.Len(t, txs, 2)
			assert.Equal(t, "TRD-"+trades[0].ID, txs[0].Reference)
			assert.JSONEq(t, `{"symbol":"`+c.Symbol+`"}`, string(txs[0].Metadata))
		})
	}
}

func TestStore_RollbackDiscardsWrites(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()
			ctx := context.Background()
			c, userID := seed(t, s, d(5000))

			boom := errors.New("boom")
			err := buy(ctx, s, c.Symbol, userID, 100, "k1", func() error { return boom })
			require.ErrorIs(t, err, boom)

			w, err := s.GetWallet(ctx, userID)
			require.NoError(t, err)
			assert.True(t, w.Balance.Equal(d(5000)), "balance %s", w.Balance)

			got, err := s.GetCompanyBySymbol(ctx, c.Symbol)
			require.NoError(t, err)
			assert.Equal(t, int64(1000), got.AvailableShares)
			assert.True(t, got.TradedVolume.IsZero())
			assert.Nil(t, got.SnapshotDate)

			positions, err := s.ListPositions(ctx, userID)
			require.NoError(t, err)
			assert.Empty(t, positions)

			trades, err := s.ListTradesByUser(ctx, userID)
			require.NoError(t, err)
			assert.Empty(t, trades)
			txs, err := s.ListTransactionsByUser(ctx, userID)
			require.NoError(t, err)
			assert.Empty(t, txs)

			// The key is free again after the rollback.
			require.NoError(t, buy(ctx, s, c.Symbol, userID, 100, "k1", nil))
		})
	}
}

func TestStore_GuardedUpdates(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()
			ctx := context.Background()
			c, userID := seed(t, s, d(5000))

			err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
				_, err := tx.DebitWallet(ctx, userID, d(5000.01))
				return err
			})
			assert.ErrorIs(t, err, ErrConditionFailed)

			err = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
				locked, err := tx.LockCompanyBySymbol(ctx, c.Symbol)
				if err != nil {
					return err
				}
				return tx.UpdateCompanyAfterBuy(ctx, locked, 1001)
			})
			assert.ErrorIs(t, err, ErrConditionFailed)

			err = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
				_, err := tx.LockPosition(ctx, userID, c.ID)
				return err
			})
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = s.GetCompanyBySymbol(ctx, "NOPE")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_DuplicateIdempotencyKey(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()
			ctx := context.Background()
			c, userID := seed(t, s, d(20000))

			require.NoError(t, buy(ctx, s, c.Symbol, userID, 100, "order-1", nil))
			err := buy(ctx, s, c.Symbol, userID, 100, "order-1", nil)
			assert.ErrorIs(t, err, ErrDuplicate)

			var found *model.Trade
			require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
				var err error
				found, err = tx.FindTradeByIdempotencyKey(ctx, userID, "order-1")
				return err
			}))
			assert.Equal(t, "order-1", found.IdempotencyKey)

			// Keyless orders never collide.
			require.NoError(t, buy(ctx, s, c.Symbol, userID, 100, "", nil))
			require.NoError(t, buy(ctx, s, c.Symbol, userID, 100, "", nil))
			trades, err := s.ListTradesByUser(ctx, userID)
			require.NoError(t, err)
			assert.Len(t, trades, 3)
		})
	}
}

func TestStore_ConcurrentBuysNeverOverdraw(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()
			ctx := context.Background()
			// Enough cash for exactly three 100-share lots at 50.
			c, userID := seed(t, s, d(15000))

			var ok atomic.Int32
			var g errgroup.Group
			for i := 0; i < 12; i++ {
				g.Go(func() error {
					if err := buy(ctx, s, c.Symbol, userID, 100, "", nil); err == nil {
						ok.Add(1)
					} else if !errors.Is(err, ErrConditionFailed) {
						return err
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())
			assert.Equal(t, int32(3), ok.Load())

			w, err := s.GetWallet(ctx, userID)
			require.NoError(t, err)
			assert.True(t, w.Balance.IsZero(), "balance %s", w.Balance)

			got, err := s.GetCompanyBySymbol(ctx, c.Symbol)
			require.NoError(t, err)
			assert.Equal(t, int64(700), got.AvailableShares)

			trades, err := s.ListTradesByUser(ctx, userID)
			require.NoError(t, err)
			assert.Len(t, trades, 3)
		})
	}
}

func TestStore_SaveCompanyMarket(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()
			ctx := context.Background()
			c, _ := seed(t, s, d(0))

			closing := d(55.5)
			require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
				locked, err := tx.LockCompanyBySymbol(ctx, c.Symbol)
				if err != nil {
					return err
				}
				if err := locked.ApplyPatch(model.CompanyPatch{ClosingPrice: &closing}, time.Now().UTC()); err != nil {
					return err
				}
				return tx.SaveCompanyMarket(ctx, locked)
			}))

			got, err := s.GetCompanyBySymbol(ctx, c.Symbol)
			require.NoError(t, err)
			assert.True(t, got.ClosingPrice.Equal(closing), "closing %s", got.ClosingPrice)
			assert.True(t, got.PriceChange.Equal(d(55.5)), "change %s", got.PriceChange)
		})
	}
}

func TestStore_Notifications(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()
			ctx := context.Background()
			userID := "u-" + uuid.NewString()[:6]
			base := time.Now().UTC()

			for i, title := range []string{"first", "second"} {
				require.NoError(t, s.InsertNotification(ctx, &model.Notification{
					ID: uuid.NewString(), UserID: userID, Type: "TRADE", Title: title,
					Message: "m", CreatedAt: base.Add(time.Duration(i) * time.Second),
				}))
			}
			got, err := s.ListNotifications(ctx, userID)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "second", got[0].Title)
		})
	}
}

func TestMemoryStore_LockHonoursContext(t *testing.T) {
	s := NewMemoryStore()
	c, userID := seed(t, s, d(5000))

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
			if _, err := tx.LockWallet(ctx, userID); err != nil {
				return err
			}
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockCompanyBySymbol(ctx, c.Symbol); err != nil {
			return err
		}
		_, err := tx.LockWallet(ctx, userID)
		return err
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)

	// Locks taken by the timed-out transaction were released.
	require.NoError(t, buy(context.Background(), s, c.Symbol, userID, 100, "", nil))
	trades, transactions := s.Counts()
	assert.Equal(t, 1, trades)
	assert.Equal(t, 1, transactions)
}
