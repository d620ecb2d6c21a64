package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xuri/excelize/v2"

	"github.com/kayigireerneste/broker-sub000/internal/auth"
	"github.com/kayigireerneste/broker-sub000/internal/model"
	"github.com/kayigireerneste/broker-sub000/internal/store"
	"github.com/kayigireerneste/broker-sub000/internal/trade"
)

const testSecret = "handler-test-secret-0123456789"

type testEnv struct {
	ms     *store.MemoryStore
	router chi.Router
	authn  *auth.JWTAuthenticator
}

// newTestEnv wires the trading routes the way cmd/server does.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	authn := auth.NewJWTAuthenticator(testSecret, "broker", time.Hour)
	h := trade.NewHandler(newExecutor(ms, nil), ms, nil)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(authn))
		r.Post("/api/trade/buy", h.Buy)
		r.Get("/api/v1/trades", h.ListTrades)
		r.Get("/api/v1/trades/statement.xlsx", h.Statement)
		r.Get("/api/v1/transactions", h.ListTransactions)
		r.Get("/api/v1/portfolio", h.Portfolio)
	})
	return &testEnv{ms: ms, router: r, authn: authn}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.authn.GenerateToken(userID, userID+"@example.com")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, user))
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, w.Body.String())
	}
	return body
}

func TestBuyHandler_Success(t *testing.T) {
	env := newTestEnv(t)
	seedCompany(t, env.ms, "ACME", "50", 1000)
	seedWallet(t, env.ms, "user1", "10000")

	w := env.do(t, "POST", "/api/trade/buy", "user1", trade.BuyRequest{
		InstrumentSymbol: "ACME", Quantity: 100, PriceType: "MARKET",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp trade.BuyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success {
		t.Error("success = false")
	}
	data := resp.Data
	if data.Company.Symbol != "ACME" || data.Company.Name != "ACME Holdings" || data.Company.ID == "" {
		t.Errorf("company = %+v", data.Company)
	}
	if data.Transaction.Quantity != 100 || !data.Transaction.PricePerShare.Equal(d("50")) ||
		!data.Transaction.TotalAmount.Equal(d("5000")) {
		t.Errorf("transaction = %+v", data.Transaction)
	}
	if !data.NewBalance.Equal(d("5000")) {
		t.Errorf("newBalance = %s", data.NewBalance)
	}
	if data.Trade.ID == "" || data.Trade.Status != model.TradeExecuted || data.Trade.UserID != "user1" {
		t.Errorf("trade = %+v", data.Trade)
	}
}

func TestBuyHandler_Errors(t *testing.T) {
	tests := []struct {
		name       string
		user       string
		body       any
		wantStatus int
		wantError  string
	}{
		{"unauthenticated", "", trade.BuyRequest{InstrumentSymbol: "ACME", Quantity: 100}, http.StatusUnauthorized, "unauthorized"},
		{"malformed json", "user1", `{"instrumentSymbol":`, http.StatusBadRequest, "invalid request body"},
		{"missing symbol", "user1", trade.BuyRequest{Quantity: 100}, http.StatusBadRequest, "instrumentSymbol: is required"},
		{"limit order", "user1", trade.BuyRequest{InstrumentSymbol: "ACME", Quantity: 100, PriceType: "LIMIT"}, http.StatusBadRequest, "priceType"},
		{"odd lot", "user1", trade.BuyRequest{InstrumentSymbol: "ACME", Quantity: 150}, http.StatusBadRequest, "multiple of 100"},
		{"zero quantity", "user1", trade.BuyRequest{InstrumentSymbol: "ACME"}, http.StatusBadRequest, "quantity"},
		{"unknown instrument", "user1", trade.BuyRequest{InstrumentSymbol: "NOPE", Quantity: 100}, http.StatusBadRequest, "instrument NOPE not found"},
		{"insufficient funds", "poor", trade.BuyRequest{InstrumentSymbol: "ACME", Quantity: 100}, http.StatusBadRequest, "required 5000.00, available 100.00"},
		{"insufficient shares", "user1", trade.BuyRequest{InstrumentSymbol: "ACME", Quantity: 5000}, http.StatusBadRequest, "insufficient shares"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			seedCompany(t, env.ms, "ACME", "50", 1000)
			seedWallet(t, env.ms, "user1", "1000000")
			seedWallet(t, env.ms, "poor", "100")

			w := env.do(t, "POST", "/api/trade/buy", tt.user, tt.body, nil)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
			body := decodeError(t, w)
			if !strings.Contains(body["error"], tt.wantError) {
				t.Errorf("error = %q, want it to contain %q", body["error"], tt.wantError)
			}
			if trades, _ := env.ms.Counts(); trades != 0 {
				t.Errorf("trades = %d after rejection", trades)
			}
		})
	}
}

func TestBuyHandler_IdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	seedCompany(t, env.ms, "ACME", "50", 1000)
	seedWallet(t, env.ms, "user1", "100000")
	req := trade.BuyRequest{InstrumentSymbol: "ACME", Quantity: 100}
	key := map[string]string{trade.IdempotencyHeader: "abc-123"}

	first := env.do(t, "POST", "/api/trade/buy", "user1", req, key)
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}
	var resp trade.BuyResponse
	_ = json.NewDecoder(first.Body).Decode(&resp)

	second := env.do(t, "POST", "/api/trade/buy", "user1", req, key)
	if second.Code != http.StatusConflict {
		t.Fatalf("second status = %d, want 409", second.Code)
	}
	body := decodeError(t, second)
	if body["tradeId"] != resp.Data.Trade.ID {
		t.Errorf("tradeId = %q, want %q", body["tradeId"], resp.Data.Trade.ID)
	}
	if trades, _ := env.ms.Counts(); trades != 1 {
		t.Errorf("trades = %d, want 1", trades)
	}
}

func TestPortfolioHandler(t *testing.T) {
	env := newTestEnv(t)
	seedCompany(t, env.ms, "ACME", "50", 1000)
	seedCompany(t, env.ms, "BK", "20", 1000)
	seedWallet(t, env.ms, "user1", "10000")

	for _, sym := range []string{"ACME", "BK"} {
		w := env.do(t, "POST", "/api/trade/buy", "user1", trade.BuyRequest{InstrumentSymbol: sym, Quantity: 100}, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("buy %s: %d %s", sym, w.Code, w.Body.String())
		}
	}

	w := env.do(t, "GET", "/api/v1/portfolio", "user1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Success bool            `json:"success"`
		Data    model.Portfolio `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	p := resp.Data
	if len(p.Positions) != 2 {
		t.Fatalf("positions = %d, want 2", len(p.Positions))
	}
	if !p.Balance.Equal(d("3000")) || !p.TotalInvested.Equal(d("7000")) || !p.MarketValue.Equal(d("7000")) {
		t.Errorf("portfolio = balance %s invested %s value %s", p.Balance, p.TotalInvested, p.MarketValue)
	}
	if !p.UnrealizedPnL.IsZero() {
		t.Errorf("pnl = %s, want 0", p.UnrealizedPnL)
	}

	if w := env.do(t, "GET", "/api/v1/portfolio", "nobody", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("portfolio without wallet: status = %d, want 404", w.Code)
	}
}

func TestListHandlers(t *testing.T) {
	env := newTestEnv(t)
	seedCompany(t, env.ms, "ACME", "50", 1000)
	seedWallet(t, env.ms, "user1", "10000")
	seedWallet(t, env.ms, "user2", "10000")
	env.do(t, "POST", "/api/trade/buy", "user1", trade.BuyRequest{InstrumentSymbol: "ACME", Quantity: 100}, nil)

	for _, path := range []string{"/api/v1/trades", "/api/v1/transactions"} {
		for user, want := range map[string]int{"user1": 1, "user2": 0} {
			w := env.do(t, "GET", path, user, nil, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("%s: status = %d", path, w.Code)
			}
			var resp struct {
				Data []json.RawMessage `json:"data"`
			}
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Data == nil || len(resp.Data) != want {
				t.Errorf("%s for %s: %d rows, want %d", path, user, len(resp.Data), want)
			}
		}
	}
}

func TestStatementHandler(t *testing.T) {
	env := newTestEnv(t)
	seedCompany(t, env.ms, "ACME", "50", 1000)
	seedWallet(t, env.ms, "user1", "20000")
	for i := 0; i < 2; i++ {
		env.do(t, "POST", "/api/trade/buy", "user1", trade.BuyRequest{InstrumentSymbol: "ACME", Quantity: 100}, nil)
	}

	w := env.do(t, "GET", "/api/v1/trades/statement.xlsx", "user1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != trade.StatementContentType {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(w.Header().Get("Content-Disposition"), "attachment") {
		t.Errorf("content disposition = %q", w.Header().Get("Content-Disposition"))
	}

	f, err := excelize.OpenReader(w.Body)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(trade.StatementTradesSheet)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(rows))
	}
	if rows[0][0] != "Trade ID" || rows[1][3] != "ACME" || rows[1][6] != "100" {
		t.Errorf("unexpected rows: %v", rows)
	}
	if !strings.HasPrefix(rows[1][1], "TRD-") {
		t.Errorf("reference = %q", rows[1][1])
	}

	spent, err := f.GetCellValue(trade.StatementSummarySheet, "B5")
	if err != nil {
		t.Fatal(err)
	}
	if spent != "10000" {
		t.Errorf("total spent = %q, want 10000", spent)
	}
}

func TestWriteStatement_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := trade.WriteStatement(&buf, "user1", nil, time.Now()); err != nil {
		t.Fatalf("WriteStatement: %v", err)
	}
	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if got := f.GetSheetList(); len(got) != 2 {
		t.Errorf("sheets = %v", got)
	}
	n, _ := f.GetCellValue(trade.StatementSummarySheet, "B3")
	if n != "0" {
		t.Errorf("trade count = %q, want 0", n)
	}
}

// A client that disconnects after submitting still gets its buy committed.
func TestBuyHandler_CancelledRequestStillCommits(t *testing.T) {
	env := newTestEnv(t)
	seedCompany(t, env.ms, "ACME", "50", 1000)
	seedWallet(t, env.ms, "user1", "10000")

	body, _ := json.Marshal(trade.BuyRequest{InstrumentSymbol: "ACME", Quantity: 100})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("POST", "/api/trade/buy", bytes.NewReader(body)).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+env.token(t, "user1"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	if trades, _ := env.ms.Counts(); trades != 1 {
		t.Errorf("trades = %d, want 1", trades)
	}
}
