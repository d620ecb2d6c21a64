package market

import (
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/shopspring/decimal"

	"github.com/kayigireerneste/broker-sub000/internal/apperr"
	"github.com/kayigireerneste/broker-sub000/internal/model"
)

// SyncTokenHeader authenticates the market-data feed.
const SyncTokenHeader = "X-Sync-Token"

// CompanyView is an instrument snapshot with derived fields.
type CompanyView struct {
	model.Company
	ReferencePrice     decimal.Decimal `json:"referencePrice"`
	PriceChangePercent decimal.Decimal `json:"priceChangePercent"`
}

func view(c model.Company) CompanyView {
	price, _ := c.ReferencePrice()
	return CompanyView{Company: c, ReferencePrice: price, PriceChangePercent: c.PriceChangePercent()}
}

type companyResponse struct {
	Success bool        `json:"success"`
	Data    CompanyView `json:"data"`
}

type companiesResponse struct {
	Success bool          `json:"success"`
	Data    []CompanyView `json:"data"`
}

// Handler serves instrument reads and the sync entry point.
type Handler struct {
	svc       *Service
	syncToken []byte
}

// NewHandler creates the market handler. An empty syncToken disables Sync.
func NewHandler(svc *Service, syncToken string) *Handler {
	return &Handler{svc: svc, syncToken: []byte(syncToken)}
}

// ListCompanies handles GET /api/v1/companies.
func (h *Handler) ListCompanies(w http.ResponseWriter, r *http.Request) {
	companies, err := h.svc.List(r.Context())
	if err != nil {
		h.svc.logger.Error("list companies", "err", err)
		apperr.Write(w, r, err, http.StatusInternalServerError)
		return
	}
	views := make([]CompanyView, 0, len(companies))
	for _, c := range companies {
		views = append(views, view(c))
	}
	render.JSON(w, r, companiesResponse{Success: true, Data: views})
}

// GetCompany handles GET /api/v1/companies/{symbol}.
func (h *Handler) GetCompany(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Get(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		apperr.Write(w, r, err, apperr.Status(err))
		return
	}
	render.JSON(w, r, companyResponse{Success: true, Data: view(*c)})
}

// Sync handles PUT /api/v1/companies/{symbol}/market.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	if len(h.syncToken) == 0 {
		apperr.WriteMessage(w, r, "market sync is disabled", http.StatusForbidden)
		return
	}
	if subtle.ConstantTimeCompare([]byte(r.Header.Get(SyncTokenHeader)), h.syncToken) != 1 {
		apperr.WriteMessage(w, r, "unauthorized", http.StatusUnauthorized)
		return
	}

	var patch model.CompanyPatch
	if err := render.DecodeJSON(http.MaxBytesReader(w, r.Body, 1<<16), &patch); err != nil {
		apperr.WriteMessage(w, r, "invalid request body", http.StatusBadRequest)
		return
	}
	c, err := h.svc.Sync(r.Context(), chi.URLParam(r, "symbol"), patch)
	if err != nil {
		apperr.Write(w, r, err, apperr.Status(err))
		return
	}
	render.JSON(w, r, companyResponse{Success: true, Data: view(*c)})
}
