package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/kayigireerneste/broker-sub000/internal/model"
)

func TestHub_BroadcastsToClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.BroadcastTrade(model.Trade{
		ID: "t1", UserID: "secret-user", Symbol: "ACME",
		ExecutedPrice: decimal.NewFromInt(50), ExecutedQuantity: 100,
	})

	var msg map[string]any
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg["type"] != TypeTradeExecuted || msg["symbol"] != "ACME" || msg["price"] != "50" {
		t.Errorf("unexpected message %v", msg)
	}
	if _, leaked := msg["userId"]; leaked {
		t.Error("feed must not carry user ids")
	}
}

func TestHub_BroadcastNeverBlocks(t *testing.T) {
	hub := NewHub() // Run not started: nothing drains the buffer.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.BroadcastMarket(model.Company{Symbol: "ACME"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked with a full buffer")
	}
}
