// Package notify delivers post-trade notifications: an in-app record, an
// optional e-mail and a live-feed broadcast. Delivery runs on a worker pool
// after the trade has committed; failures are logged and counted but never
// reach the caller.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kayigireerneste/broker-sub000/internal/metrics"
	"github.com/kayigireerneste/broker-sub000/internal/model"
)

// NotificationTradeExecuted is the Notification.Type of buy confirmations.
const NotificationTradeExecuted = "TRADE_EXECUTED"

// deliveryTimeout bounds the work done for one event.
const deliveryTimeout = 10 * time.Second

// TradeEvent describes a committed buy.
type TradeEvent struct {
	Trade       model.Trade
	CompanyName string
	Email       string
	NewBalance  decimal.Decimal
}

// Store persists in-app notifications.
type Store interface {
	InsertNotification(ctx context.Context, n *model.Notification) error
}

// Broadcaster pushes an executed trade to live subscribers.
type Broadcaster interface {
	BroadcastTrade(t model.Trade)
}

// Dispatcher fans trade events out to a fixed pool of workers through a
// bounded queue.
type Dispatcher struct {
	store       Store
	mailer      Mailer
	broadcaster Broadcaster
	logger      *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan TradeEvent
	wg     sync.WaitGroup
}

// NewDispatcher creates and starts a dispatcher. mailer and broadcaster may
// be nil.
func NewDispatcher(st Store, mailer Mailer, broadcaster Broadcaster, workers, queueSize int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:       st,
		mailer:      mailer,
		broadcaster: broadcaster,
		logger:      logger.With("component", "notify"),
		queue:       make(chan TradeEvent, queueSize),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue schedules ev without blocking. It returns false when the queue is
// full or the dispatcher is closed; the event is then dropped.
func (d *Dispatcher) Enqueue(ev TradeEvent) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.Notifications.WithLabelValues("queue", "closed").Inc()
		return false
	}
	select {
	case d.queue <- ev:
		metrics.NotificationQueueDepth.Inc()
		return true
	default:
		metrics.Notifications.WithLabelValues("queue", "dropped").Inc()
		d.logger.Warn("notification queue full, dropping event", "trade_id", ev.Trade.ID)
		return false
	}
}

// Close stops accepting events and waits for queued ones to be delivered,
// or for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notify drain: %w", ctx.Err())
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for ev := range d.queue {
		metrics.NotificationQueueDepth.Dec()
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev TradeEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	t := ev.Trade
	title, body := Compose(ev)

	n := &model.Notification{
		ID:        uuid.NewString(),
		UserID:    t.UserID,
		Type:      NotificationTradeExecuted,
		Title:     title,
		Message:   body,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.store.InsertNotification(ctx, n); err != nil {
		metrics.Notifications.WithLabelValues("in_app", "failed").Inc()
		d.logger.Error("store notification failed", "trade_id", t.ID, "user", t.UserID, "err", err)
	} else {
		metrics.Notifications.WithLabelValues("in_app", "sent").Inc()
	}

	if d.mailer != nil && ev.Email != "" {
		if err := d.mailer.Send(ctx, ev.Email, title, body); err != nil {
			metrics.Notifications.WithLabelValues("email", "failed").Inc()
			d.logger.Error("trade confirmation e-mail failed", "trade_id", t.ID, "user", t.UserID, "err", err)
		} else {
			metrics.Notifications.WithLabelValues("email", "sent").Inc()
		}
	}

	if d.broadcaster != nil {
		d.broadcaster.BroadcastTrade(t)
		metrics.Notifications.WithLabelValues("feed", "sent").Inc()
	}
}

// Compose renders the confirmation title and body for ev.
func Compose(ev TradeEvent) (title, body string) {
	t := ev.Trade
	name := ev.CompanyName
	if name == "" {
		name = t.Symbol
	}
	title = fmt.Sprintf("Buy order executed: %s", t.Symbol)
	body = fmt.Sprintf("You bought %d shares of %s (%s) at %s per share for a total of %s. New balance: %s.",
		t.ExecutedQuantity, name, t.Symbol,
		t.ExecutedPrice.StringFixed(2), t.TotalAmount.StringFixed(2), ev.NewBalance.StringFixed(2))
	return title, body
}
