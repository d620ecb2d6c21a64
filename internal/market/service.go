// Package market owns instrument snapshots outside of trading: listing them
// and applying market-data updates pushed by the exchange feed.
package market

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kayigireerneste/broker-sub000/internal/apperr"
	"github.com/kayigireerneste/broker-sub000/internal/metrics"
	"github.com/kayigireerneste/broker-sub000/internal/model"
	"github.com/kayigireerneste/broker-sub000/internal/store"
	"github.com/kayigireerneste/broker-sub000/internal/telemetry"
	"github.com/kayigireerneste/broker-sub000/internal/ticker"
)

// Publisher pushes synced instruments to live subscribers.
type Publisher interface {
	BroadcastMarket(c model.Company)
}

// Service applies market-data syncs.
type Service struct {
	store     store.Store
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a market service. publisher may be nil.
func NewService(st store.Store, publisher Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		publisher: publisher,
		logger:    logger.With("component", "market"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Sync merges patch into the instrument in one locked step, so a
// concurrent buy sees either the old or the new snapshot, never a mix.
func (s *Service) Sync(ctx context.Context, symbol string, patch model.CompanyPatch) (*model.Company, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "market.Sync",
		trace.WithAttributes(attribute.String("symbol", symbol)))
	c, err := s.sync(ctx, symbol, patch)
	telemetry.EndSpan(span, err)

	switch {
	case err == nil:
		metrics.MarketSyncs.WithLabelValues("ok").Inc()
	case apperr.IsRejection(err):
		metrics.MarketSyncs.WithLabelValues("rejected").Inc()
		s.logger.Info("market sync rejected", "symbol", symbol, "err", err)
		return nil, err
	default:
		metrics.MarketSyncs.WithLabelValues("failed").Inc()
		s.logger.Error("market sync failed", "symbol", symbol, "err", err)
		return nil, err
	}

	s.logger.Info("market synced", "symbol", c.Symbol,
		"closing_price", c.ClosingPrice.String(), "available", c.AvailableShares)
	if s.publisher != nil {
		s.publisher.BroadcastMarket(*c)
	}
	return c, nil
}

func (s *Service) sync(ctx context.Context, symbol string, patch model.CompanyPatch) (*model.Company, error) {
	sym, err := ticker.Parse(symbol)
	if err != nil {
		return nil, &apperr.ValidationError{Field: "symbol", Message: "invalid instrument symbol"}
	}
	if patch.IsEmpty() {
		return nil, &apperr.ValidationError{Message: "market update changes nothing"}
	}

	var out model.Company
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.LockCompanyBySymbol(ctx, sym)
		if errors.Is(err, store.ErrNotFound) {
			return &apperr.NotFoundError{Resource: "instrument", Key: sym}
		}
		if err != nil {
			return err
		}
		if err := c.ApplyPatch(patch, s.now()); err != nil {
			return &apperr.ValidationError{Message: err.Error()}
		}
		if err := tx.SaveCompanyMarket(ctx, c); err != nil {
			return err
		}
		out = *c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns every instrument.
func (s *Service) List(ctx context.Context) ([]model.Company, error) {
	return s.store.ListCompanies(ctx)
}

// Get returns one instrument by symbol.
func (s *Service) Get(ctx context.Context, symbol string) (*model.Company, error) {
	sym, err := ticker.Parse(symbol)
	if err != nil {
		return nil, &apperr.ValidationError{Field: "symbol", Message: "invalid instrument symbol"}
	}
	c, err := s.store.GetCompanyBySymbol(ctx, sym)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &apperr.NotFoundError{Resource: "instrument", Key: sym}
	}
	return c, err
}
