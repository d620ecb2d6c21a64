package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kayigireerneste/broker-sub000/internal/model"
)

type fakeStore struct {
	mu    sync.Mutex
	fail  bool
	saved []model.Notification
}

func (s *fakeStore) InsertNotification(_ context.Context, n *model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("db down")
	}
	s.saved = append(s.saved, *n)
	return nil
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []string
}

func (m *fakeMailer) Send(_ context.Context, to, subject, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, to+"|"+subject)
	return nil
}

type fakeFeed struct {
	mu     sync.Mutex
	trades []string
}

func (f *fakeFeed) BroadcastTrade(t model.Trade) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, t.ID)
}

func event(id string) TradeEvent {
	return TradeEvent{
		Trade: model.Trade{
			ID: id, UserID: "u1", Symbol: "ACME",
			ExecutedQuantity: 100,
			ExecutedPrice:    decimal.NewFromInt(50),
			TotalAmount:      decimal.NewFromInt(5000),
		},
		CompanyName: "Acme Corp",
		Email:       "u1@example.com",
		NewBalance:  decimal.Zero,
	}
}

func TestDispatcher_DeliversAllChannels(t *testing.T) {
	st, mail, feed := &fakeStore{}, &fakeMailer{}, &fakeFeed{}
	d := NewDispatcher(st, mail, feed, 2, 16, nil)

	for _, id := range []string{"t1", "t2", "t3"} {
		if !d.Enqueue(event(id)) {
			t.Fatalf("enqueue %s refused", id)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(st.saved) != 3 || len(mail.sent) != 3 || len(feed.trades) != 3 {
		t.Fatalf("expected 3 deliveries per channel, got store=%d mail=%d feed=%d",
			len(st.saved), len(mail.sent), len(feed.trades))
	}
	n := st.saved[0]
	if n.UserID != "u1" || n.Type != NotificationTradeExecuted || n.ID == "" {
		t.Errorf("unexpected notification %+v", n)
	}
	if d.Enqueue(event("late")) {
		t.Error("closed dispatcher must refuse events")
	}
}

func TestDispatcher_StoreFailureDoesNotStopOtherChannels(t *testing.T) {
	st, mail, feed := &fakeStore{fail: true}, &fakeMailer{}, &fakeFeed{}
	d := NewDispatcher(st, mail, feed, 1, 4, nil)
	d.Enqueue(event("t1"))
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(mail.sent) != 1 || len(feed.trades) != 1 {
		t.Errorf("expected mail and feed despite store failure, got %d %d", len(mail.sent), len(feed.trades))
	}
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	// No workers: nothing drains the queue.
	d := NewDispatcher(&fakeStore{}, nil, nil, 0, 1, nil)
	if !d.Enqueue(event("t1")) {
		t.Fatal("first event should fit")
	}
	if d.Enqueue(event("t2")) {
		t.Error("expected drop when queue is full")
	}
}

func TestCompose(t *testing.T) {
	title, body := Compose(event("t1"))
	if !strings.Contains(title, "ACME") {
		t.Errorf("unexpected title %q", title)
	}
	for _, want := range []string{"100 shares", "Acme Corp", "50.00", "5000.00", "0.00"} {
		if !strings.Contains(body, want) {
			t.Errorf("body %q missing %q", body, want)
		}
	}
}

func TestSMTPMailer_RejectsHeaderInjection(t *testing.T) {
	m := SMTPMailer{Host: "localhost", Port: 25, From: "broker@example.com"}
	err := m.Send(context.Background(), "victim@example.com\r\nBcc: all@example.com", "hi", "body")
	if err == nil {
		t.Error("expected header injection to be refused")
	}
}
