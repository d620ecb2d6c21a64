// Package trade executes buy orders and serves the trading HTTP API.
//
// A buy runs as one all-or-nothing unit of work against the store: the
// instrument, wallet and position rows are locked (in that order), every
// precondition is checked on the locked values, and the trade, cash-journal
// entry, debit, position and instrument effects commit together. Side effects
// (notification, e-mail, live feed) are queued only after commit.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kayigireerneste/broker-sub000/internal/apperr"
	"github.com/kayigireerneste/broker-sub000/internal/lotsize"
	"github.com/kayigireerneste/broker-sub000/internal/metrics"
	"github.com/kayigireerneste/broker-sub000/internal/model"
	"github.com/kayigireerneste/broker-sub000/internal/notify"
	"github.com/kayigireerneste/broker-sub000/internal/pricing"
	"github.com/kayigireerneste/broker-sub000/internal/store"
	"github.com/kayigireerneste/broker-sub000/internal/telemetry"
	"github.com/kayigireerneste/broker-sub000/internal/ticker"
)

// Stage is how far an order got through execution.
type Stage string

const (
	StageReceived         Stage = "RECEIVED"
	StageValidated        Stage = "VALIDATED"
	StagePriced           Stage = "PRICED"
	StageInventoryChecked Stage = "INVENTORY_CHECKED"
	StageFundsChecked     Stage = "FUNDS_CHECKED"
	StageCommitted        Stage = "COMMITTED"
	StageRejected         Stage = "REJECTED"
)

// BuyOrder is an authenticated market buy request.
type BuyOrder struct {
	UserID         string
	Email          string
	Symbol         string
	Quantity       int64
	PriceType      string
	IdempotencyKey string
}

// Execution is the committed result of a buy.
type Execution struct {
	Trade       model.Trade
	Company     model.Company
	Transaction model.Transaction
	NewBalance  decimal.Decimal
}

// Notifier receives committed trades for best-effort delivery.
type Notifier interface {
	Enqueue(ev notify.TradeEvent) bool
}

// RejectedError wraps the reason an order failed with the last stage it
// reached. errors.As still finds the underlying apperr type.
type RejectedError struct {
	Stage Stage
	Err   error
}

func (e *RejectedError) Error() string { return e.Err.Error() }
func (e *RejectedError) Unwrap() error { return e.Err }

// Config tunes an Executor.
type Config struct {
	LotSize int64
	Timeout time.Duration
	Logger  *slog.Logger
}

// Executor runs buy orders. It is safe for concurrent use; all
// serialisation happens in the store.
type Executor struct {
	store    store.Store
	notifier Notifier
	lotSize  int64
	timeout  time.Duration
	logger   *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewExecutor creates an executor. notifier may be nil.
func NewExecutor(st store.Store, notifier Notifier, cfg Config) *Executor {
	if cfg.LotSize <= 0 {
		cfg.LotSize = lotsize.Default
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		store:    st,
		notifier: notifier,
		lotSize:  cfg.LotSize,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger.With("component", "executor"),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// Buy executes a market buy. Once started, the unit of work is detached
// from ctx's cancellation (a client disconnect cannot abort it half way) and
// bounded by the executor's own timeout instead.
func (e *Executor) Buy(ctx context.Context, o BuyOrder) (*Execution, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	ctx, span := telemetry.Tracer().Start(ctx, "trade.Buy", trace.WithAttributes(
		attribute.String("symbol", o.Symbol),
		attribute.Int64("quantity", o.Quantity),
	))
	exec, stage, err := e.buy(ctx, o)
	telemetry.EndSpan(span, err)

	if err != nil {
		if errors.As(err, new(*apperr.DuplicateOrderError)) {
			err = e.resolveDuplicate(ctx, o, err)
		}
		outcome := "failed"
		if apperr.IsRejection(err) {
			outcome = "rejected"
		}
		reason := apperr.Reason(err)
		metrics.TradesTotal.WithLabelValues(outcome).Inc()
		metrics.TradeRejections.WithLabelValues(reason).Inc()
		metrics.TradeLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

		attrs := []any{"user", o.UserID, "symbol", o.Symbol, "quantity", o.Quantity,
			"stage", stage, "reason", reason, "err", err}
		if outcome == "rejected" {
			e.logger.Info("buy rejected", attrs...)
		} else {
			e.logger.Error("buy failed", attrs...)
		}
		return nil, &RejectedError{Stage: stage, Err: err}
	}

	metrics.TradesTotal.WithLabelValues("executed").Inc()
	metrics.TradeLatency.WithLabelValues("executed").Observe(time.Since(start).Seconds())
	metrics.SharesBought.WithLabelValues(exec.Trade.Symbol).Add(float64(exec.Trade.ExecutedQuantity))
	e.logger.Info("buy executed",
		"trade_id", exec.Trade.ID, "user", o.UserID, "symbol", exec.Trade.Symbol,
		"quantity", exec.Trade.ExecutedQuantity, "price", exec.Trade.ExecutedPrice.String(),
		"total", exec.Trade.TotalAmount.String())

	if e.notifier != nil {
		e.notifier.Enqueue(notify.TradeEvent{
			Trade:       exec.Trade,
			CompanyName: exec.Company.Name,
			Email:       o.Email,
			NewBalance:  exec.NewBalance,
		})
	}
	return exec, nil
}

// buy validates o and runs the unit of work. It returns the last stage
// reached.
func (e *Executor) buy(ctx context.Context, o BuyOrder) (*Execution, Stage, error) {
	stage := StageReceived

	if o.UserID == "" {
		return nil, stage, errors.New("buy order without user")
	}
	symbol, err := ticker.Parse(o.Symbol)
	if err != nil {
		return nil, stage, &apperr.ValidationError{Field: "instrumentSymbol", Message: "invalid instrument symbol"}
	}
	if o.PriceType != "" && o.PriceType != model.PriceMarket {
		return nil, stage, &apperr.ValidationError{Field: "priceType", Message: "only MARKET orders are supported"}
	}
	if err := lotsize.Validate(o.Quantity, e.lotSize); err != nil {
		return nil, stage, err
	}
	stage = StageValidated

	var exec Execution
	err = e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if o.IdempotencyKey != "" {
			prior, err := tx.FindTradeByIdempotencyKey(ctx, o.UserID, o.IdempotencyKey)
			switch {
			case err == nil:
				return &apperr.DuplicateOrderError{Key: o.IdempotencyKey, TradeID: prior.ID}
			case !errors.Is(err, store.ErrNotFound):
				return fmt.Errorf("idempotency lookup: %w", err)
			}
		}

		// Instrument: one locked read serves price and inventory.
		company, err := tx.LockCompanyBySymbol(ctx, symbol)
		if errors.Is(err, store.ErrNotFound) {
			return &apperr.NotFoundError{Resource: "instrument", Key: symbol}
		}
		if err != nil {
			return err
		}

		price, err := company.ReferencePrice()
		if err != nil {
			return err
		}
		stage = StagePriced

		if company.AvailableShares < o.Quantity {
			return &apperr.InsufficientInventoryError{
				Symbol: symbol, Requested: o.Quantity, Available: company.AvailableShares,
			}
		}
		stage = StageInventoryChecked

		total := pricing.Total(price, o.Quantity)

		wallet, err := tx.LockWallet(ctx, o.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return &apperr.NotFoundError{Resource: "wallet", Key: o.UserID}
		}
		if err != nil {
			return err
		}
		if !wallet.CanDebit(total) {
			return &apperr.InsufficientFundsError{Required: total, Available: wallet.Balance}
		}
		stage = StageFundsChecked

		now := e.now()
		t := model.Trade{
			ID:               e.newID(),
			UserID:           o.UserID,
			CompanyID:        company.ID,
			Symbol:           company.Symbol,
			Type:             model.TradeBuy,
			Status:           model.TradeExecuted,
			PriceType:        model.PriceMarket,
			Quantity:         o.Quantity,
			RequestedPrice:   price,
			ExecutedPrice:    price,
			ExecutedQuantity: o.Quantity,
			TotalAmount:      total,
			Fees:             decimal.Zero,
			IdempotencyKey:   o.IdempotencyKey,
			ExecutedAt:       now,
			CreatedAt:        now,
		}
		if err := tx.InsertTrade(ctx, &t); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return &apperr.DuplicateOrderError{Key: o.IdempotencyKey}
			}
			return fmt.Errorf("record trade: %w", err)
		}

		newBalance, err := tx.DebitWallet(ctx, o.UserID, total)
		if errors.Is(err, store.ErrConditionFailed) {
			return &apperr.InsufficientFundsError{Required: total, Available: wallet.Balance}
		}
		if err != nil {
			return fmt.Errorf("debit wallet: %w", err)
		}

		journal, err := journalEntry(e.newID(), t, company, wallet.Balance, newBalance)
		if err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, journal); err != nil {
			return fmt.Errorf("record transaction: %w", err)
		}

		fill := model.Fill{Quantity: o.Quantity, Amount: total, Price: price, At: now}
		if err := applyFill(ctx, tx, o.UserID, company, fill); err != nil {
			return err
		}

		if err := company.ApplyBuy(fill); err != nil {
			return &apperr.InsufficientInventoryError{
				Symbol: symbol, Requested: o.Quantity, Available: company.AvailableShares,
			}
		}
		if err := tx.UpdateCompanyAfterBuy(ctx, company, o.Quantity); err != nil {
			if errors.Is(err, store.ErrConditionFailed) {
				return &apperr.InsufficientInventoryError{Symbol: symbol, Requested: o.Quantity}
			}
			return fmt.Errorf("update instrument: %w", err)
		}

		exec = Execution{Trade: t, Company: *company, Transaction: *journal, NewBalance: newBalance}
		return nil
	})
	if err != nil {
		return nil, stage, err
	}
	return &exec, StageCommitted, nil
}

// applyFill opens or grows the user's position in company.
func applyFill(ctx context.Context, tx store.Tx, userID string, company *model.Company, fill model.Fill) error {
	pos, err := tx.LockPosition(ctx, userID, company.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		pos, err = model.NewPosition(userID, company.ID, company.Symbol, fill)
		if err != nil {
			return fmt.Errorf("open position: %w", err)
		}
	case err != nil:
		return fmt.Errorf("lock position: %w", err)
	default:
		if err := pos.ApplyFill(fill); err != nil {
			return fmt.Errorf("apply fill: %w", err)
		}
	}
	if err := tx.SavePosition(ctx, pos); err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

// journalEntry builds the cash-journal entry for t with its audit snapshot.
func journalEntry(id string, t model.Trade, company *model.Company, before, after decimal.Decimal) (*model.Transaction, error) {
	meta, err := json.Marshal(model.TradeMetadata{
		TradeID:        t.ID,
		CompanyID:      company.ID,
		Symbol:         company.Symbol,
		CompanyName:    company.Name,
		Quantity:       t.ExecutedQuantity,
		PricePerShare:  t.ExecutedPrice,
		TotalAmount:    t.TotalAmount,
		BalanceBefore:  before,
		BalanceAfter:   after,
		PriceType:      t.PriceType,
		IdempotencyKey: t.IdempotencyKey,
	})
	if err != nil {
		return nil, fmt.Errorf("encode trade metadata: %w", err)
	}
	return &model.Transaction{
		ID:        id,
		UserID:    t.UserID,
		Type:      model.TxBuyShares,
		Amount:    t.TotalAmount,
		Status:    model.TxCompleted,
		Reference: ticker.TradeReference(t.ID),
		Description: fmt.Sprintf("Bought %d shares of %s at %s",
			t.ExecutedQuantity, company.Symbol, t.ExecutedPrice.StringFixed(2)),
		Metadata:  meta,
		CreatedAt: t.ExecutedAt,
	}, nil
}

// resolveDuplicate fills in the original trade id when the duplicate was
// caught by the unique key rather than the upfront lookup.
func (e *Executor) resolveDuplicate(ctx context.Context, o BuyOrder, err error) error {
	var de *apperr.DuplicateOrderError
	if !errors.As(err, &de) || de.TradeID != "" {
		return err
	}
	_ = e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		prior, ferr := tx.FindTradeByIdempotencyKey(ctx, o.UserID, o.IdempotencyKey)
		if ferr == nil {
			de.TradeID = prior.ID
		}
		return nil
	})
	return err
}
