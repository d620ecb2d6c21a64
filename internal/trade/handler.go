package trade

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/kayigireerneste/broker-sub000/internal/apperr"
	"github.com/kayigireerneste/broker-sub000/internal/auth"
	"github.com/kayigireerneste/broker-sub000/internal/model"
	"github.com/kayigireerneste/broker-sub000/internal/store"
)

// IdempotencyHeader optionally carries a client-chosen key that makes a buy
// submission safe to retry.
const IdempotencyHeader = "Idempotency-Key"

const maxBodyBytes = 1 << 16

// BuyRequest is the JSON body of POST /api/trade/buy.
type BuyRequest struct {
	InstrumentSymbol string `json:"instrumentSymbol" validate:"required,max=10"`
	Quantity         int64  `json:"quantity"`
	PriceType        string `json:"priceType" validate:"omitempty,oneof=MARKET"`
}

// BuyResponse is the success body of a buy.
type BuyResponse struct {
	Success bool    `json:"success"`
	Data    BuyData `json:"data"`
}

// BuyData summarises an executed buy.
type BuyData struct {
	Trade       model.Trade     `json:"trade"`
	Company     CompanySummary  `json:"company"`
	Transaction TradeSummary    `json:"transaction"`
	NewBalance  decimal.Decimal `json:"newBalance"`
}

// CompanySummary identifies the instrument bought.
type CompanySummary struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// TradeSummary is the economic result of a buy.
type TradeSummary struct {
	Quantity      int64           `json:"quantity"`
	PricePerShare decimal.Decimal `json:"pricePerShare"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
}

type listResponse[T any] struct {
	Success bool `json:"success"`
	Data    []T  `json:"data"`
}

type portfolioResponse struct {
	Success bool            `json:"success"`
	Data    model.Portfolio `json:"data"`
}

// Handler serves the authenticated trading endpoints. Every route expects
// auth.Middleware upstream.
type Handler struct {
	exec     *Executor
	store    store.Store
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandler creates the trading HTTP handler.
func NewHandler(exec *Executor, st store.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	// Report JSON field names, not Go ones.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		exec:     exec,
		store:    st,
		validate: v,
		logger:   logger.With("component", "trade_handler"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Buy handles POST /api/trade/buy.
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		apperr.WriteMessage(w, r, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req BuyRequest
	if err := render.DecodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		apperr.WriteMessage(w, r, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apperr.Write(w, r, validationError(err), http.StatusBadRequest)
		return
	}

	exec, err := h.exec.Buy(r.Context(), BuyOrder{
		UserID:         user.ID,
		Email:          user.Email,
		Symbol:         req.InstrumentSymbol,
		Quantity:       req.Quantity,
		PriceType:      req.PriceType,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(IdempotencyHeader)),
	})
	if err != nil {
		apperr.Write(w, r, err, apperr.RejectionStatus(err))
		return
	}

	render.JSON(w, r, BuyResponse{
		Success: true,
		Data: BuyData{
			Trade: exec.Trade,
			Company: CompanySummary{
				ID:     exec.Company.ID,
				Symbol: exec.Company.Symbol,
				Name:   exec.Company.Name,
			},
			Transaction: TradeSummary{
				Quantity:      exec.Trade.ExecutedQuantity,
				PricePerShare: exec.Trade.ExecutedPrice,
				TotalAmount:   exec.Trade.TotalAmount,
			},
			NewBalance: exec.NewBalance,
		},
	})
}

// ListTrades handles GET /api/v1/trades.
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}
	trades, err := h.store.ListTradesByUser(r.Context(), user.ID)
	if err != nil {
		h.fail(w, r, "list trades", err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	render.JSON(w, r, listResponse[model.Trade]{Success: true, Data: trades})
}

// ListTransactions handles GET /api/v1/transactions.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}
	txs, err := h.store.ListTransactionsByUser(r.Context(), user.ID)
	if err != nil {
		h.fail(w, r, "list transactions", err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	render.JSON(w, r, listResponse[model.Transaction]{Success: true, Data: txs})
}

// ListNotifications handles GET /api/v1/notifications.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}
	ns, err := h.store.ListNotifications(r.Context(), user.ID)
	if err != nil {
		h.fail(w, r, "list notifications", err)
		return
	}
	if ns == nil {
		ns = []model.Notification{}
	}
	render.JSON(w, r, listResponse[model.Notification]{Success: true, Data: ns})
}

// Portfolio handles GET /api/v1/portfolio: cash plus positions marked to
// the current reference prices.
func (h *Handler) Portfolio(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}
	wallet, err := h.store.GetWallet(r.Context(), user.ID)
	if err != nil {
		h.fail(w, r, "load wallet", err)
		return
	}
	positions, err := h.store.ListPositions(r.Context(), user.ID)
	if err != nil {
		h.fail(w, r, "load positions", err)
		return
	}

	p := model.Portfolio{
		UserID:        user.ID,
		Balance:       wallet.Balance,
		Positions:     positions,
		TotalInvested: decimal.Zero,
		MarketValue:   decimal.Zero,
		UnrealizedPnL: decimal.Zero,
	}
	if p.Positions == nil {
		p.Positions = []model.Position{}
	}
	for _, pos := range positions {
		p.TotalInvested = p.TotalInvested.Add(pos.TotalInvested)
		p.MarketValue = p.MarketValue.Add(pos.MarketValue)
	}
	p.UnrealizedPnL = p.MarketValue.Sub(p.TotalInvested)

	render.JSON(w, r, portfolioResponse{Success: true, Data: p})
}

// Statement handles GET /api/v1/trades/statement.xlsx.
func (h *Handler) Statement(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}
	trades, err := h.store.ListTradesByUser(r.Context(), user.ID)
	if err != nil {
		h.fail(w, r, "list trades", err)
		return
	}

	now := h.now()
	w.Header().Set("Content-Type", StatementContentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="statement-%s.xlsx"`, now.Format("20060102")))
	if err := WriteStatement(w, user.ID, trades, now); err != nil {
		// Headers are out; all we can do is log.
		h.logger.Error("write statement", "user", user.ID, "err", err)
	}
}

func (h *Handler) user(w http.ResponseWriter, r *http.Request) (*auth.User, bool) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		apperr.WriteMessage(w, r, "unauthorized", http.StatusUnauthorized)
	}
	return user, ok
}

// fail maps a read-path error onto a response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		apperr.Write(w, r, &apperr.NotFoundError{Resource: "wallet"}, http.StatusNotFound)
		return
	}
	h.logger.Error(op, "err", err)
	apperr.Write(w, r, err, http.StatusInternalServerError)
}

// validationError converts the first validator failure into a
// ValidationError named after the JSON field.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &apperr.ValidationError{Message: err.Error()}
	}
	fe := verrs[0]
	var msg string
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "oneof":
		msg = "must be one of " + fe.Param()
	case "max":
		msg = "must be at most " + fe.Param() + " characters"
	default:
		msg = "is invalid"
	}
	return &apperr.ValidationError{Field: fe.Field(), Message: msg}
}
