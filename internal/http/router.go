package http

import (
	"context"
	"net/http"
	"time"

	"github.com/fjod/go_cart/claim-service/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type RouterConfig struct {
	Registry       *session.Registry
	Purchases      PurchaseReader // nil when the store has no purchase history
	Health         func(ctx context.Context) error
	RequestTimeout time.Duration
	Log            *zap.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	sessions := NewSessionHandler(cfg.Registry, cfg.RequestTimeout, cfg.Log)

	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(cfg.Log))
	r.Use(middleware.Compress(5))
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(2 * cfg.RequestTimeout))
	}
	r.Use(MockAuthMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health(r.Context()); err != nil {
				respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/session", sessions.SignIn)
		r.Delete("/session", sessions.SignOut)
		r.Post("/scan", sessions.Scan)
		r.Route("/cart", func(r chi.Router) {
			r.Get("/", sessions.GetCart)
			r.Post("/confirm", sessions.Confirm)
			r.Post("/decline", sessions.Decline)
			r.Post("/release", sessions.Release)
		})
		if cfg.Purchases != nil {
			transactions := NewTransactionsHandler(cfg.Purchases, cfg.RequestTimeout)
			r.Route("/transactions", func(r chi.Router) {
				r.Get("/", transactions.ListTransactions)
				r.Get("/{transaction_id}", transactions.GetTransaction)
			})
		}
	})

	return r
}
