package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/orderbook-engine/internal/metrics"
)

// NewRouter wires every route. hub may be nil to disable the WebSocket
// stream.
func NewRouter(h *Handler, hub *Hub, auth *Authenticator) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"orderbook-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}

		// Everything below may block on the database.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/markets", h.ListMarkets)
			r.Post("/markets", h.CreateMarket)
			r.Get("/markets/{marketID}", h.GetMarket)
			r.Get("/markets/{marketID}/history", h.GetHistory)

			r.Get("/outcomes/{outcomeID}/book", h.GetBook)
			r.Post("/outcomes/{outcomeID}/match", h.Match)

			r.Post("/users", h.CreateUser)

			r.Group(func(r chi.Router) {
				r.Use(auth.Middleware)
				r.Post("/orders", h.PlaceOrder)
				r.Get("/orders", h.ListOrders)
				r.Delete("/orders/{orderID}", h.CancelOrder)
				r.Get("/portfolio", h.GetPortfolio)
			})
		})
	})
	return r
}

// cors allows cross-origin requests from the browser frontend.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
