// Package api exposes the order book engine over HTTP and WebSocket.
//
// Monetary values are decimals serialized as JSON strings.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/orderbook-engine/internal/engine"
	"github.com/atmx/orderbook-engine/internal/ledger"
	"github.com/atmx/orderbook-engine/internal/limits"
	"github.com/atmx/orderbook-engine/internal/model"
	"github.com/atmx/orderbook-engine/internal/store"
)

// Handler serves the engine's HTTP endpoints.
type Handler struct {
	eng *engine.Engine
}

// NewHandler creates a handler backed by eng.
func NewHandler(eng *engine.Engine) *Handler {
	return &Handler{eng: eng}
}

// --- Request types ---

// CreateMarketRequest is the JSON body for POST /markets.
type CreateMarketRequest struct {
	Slug      string          `json:"slug"`
	Question  string          `json:"question"`
	YesPrice  decimal.Decimal `json:"yes_price"` // 0 -> 0.5
	Liquidity decimal.Decimal `json:"liquidity"` // 0 -> default
}

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	Name    string          `json:"name"`
	Balance decimal.Decimal `json:"balance"`
}

// OrderRequest is the JSON body for POST /orders. Price is required for
// limit orders and ignored for market orders.
type OrderRequest struct {
	Type      model.OrderKind `json:"type"`
	MarketID  string          `json:"market_id"`
	OutcomeID string          `json:"outcome_id"`
	Side      model.Side      `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// --- Markets ---

// ListMarkets handles GET /api/v1/markets
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.eng.ListMarkets(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, markets)
}

// CreateMarket handles POST /api/v1/markets
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	yes := req.YesPrice
	if yes.IsZero() {
		yes = decimal.RequireFromString("0.5")
	}

	m, err := h.eng.CreateMarket(r.Context(), req.Slug, req.Question, yes, req.Liquidity)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.eng.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetHistory handles GET /api/v1/markets/{marketID}/history?outcome=&limit=
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	points, err := h.eng.PriceHistory(r.Context(), chi.URLParam(r, "marketID"), r.URL.Query().Get("outcome"), limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// --- Book ---

// GetBook handles GET /api/v1/outcomes/{outcomeID}/book?depth=
func (h *Handler) GetBook(w http.ResponseWriter, r *http.Request) {
	depth, ok := queryInt(w, r, "depth")
	if !ok {
		return
	}
	book, err := h.eng.GetBook(r.Context(), chi.URLParam(r, "outcomeID"), depth)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// Match handles POST /api/v1/outcomes/{outcomeID}/match
func (h *Handler) Match(w http.ResponseWriter, r *http.Request) {
	res, err := h.eng.Match(r.Context(), chi.URLParam(r, "outcomeID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Users ---

// CreateUser handles POST /api/v1/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	u, err := h.eng.CreateUser(r.Context(), req.Name, req.Balance)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// --- Authenticated ---

// PlaceOrder handles POST /api/v1/orders
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserID(r.Context())

	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	switch req.Type {
	case model.KindLimit, "":
		res, err := h.eng.PlaceLimitOrder(r.Context(), engine.LimitOrderRequest{
			UserID:    uid,
			MarketID:  req.MarketID,
			OutcomeID: req.OutcomeID,
			Side:      req.Side,
			Price:     req.Price,
			Quantity:  req.Quantity,
		})
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)

	case model.KindMarket:
		res, err := h.eng.PlaceMarketOrder(r.Context(), engine.MarketOrderRequest{
			UserID:    uid,
			MarketID:  req.MarketID,
			OutcomeID: req.OutcomeID,
			Side:      req.Side,
			Quantity:  req.Quantity,
		})
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)

	default:
		writeError(w, "type must be limit or market", http.StatusBadRequest)
	}
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserID(r.Context())
	o, err := h.eng.CancelOrder(r.Context(), uid, chi.URLParam(r, "orderID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ListOrders handles GET /api/v1/orders?limit=
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserID(r.Context())
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	orders, err := h.eng.ListOrders(r.Context(), uid, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetPortfolio handles GET /api/v1/portfolio
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserID(r.Context())
	p, err := h.eng.Portfolio(r.Context(), uid)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Helpers ---

// queryInt parses an optional non-negative integer query parameter. Missing
// means 0. It writes a 400 and returns false on bad input.
func queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, key+" must be a non-negative integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientShares),
		errors.Is(err, limits.ErrPositionLimit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrMarketNotActive),
		errors.Is(err, engine.ErrInvalidState),
		errors.Is(err, engine.ErrNoLiquidity),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case engine.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNotOwner):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
