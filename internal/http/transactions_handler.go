package http

import (
	"context"
	"net/http"
	"time"

	"github.com/fjod/go_cart/claim-service/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type PurchaseReader interface {
	GetPurchase(ctx context.Context, id uuid.UUID) (*domain.Purchase, error)
	ListPurchases(ctx context.Context, userID string) ([]*domain.Purchase, error)
}

type TransactionsHandler struct {
	purchases PurchaseReader
	timeout   time.Duration
}

func NewTransactionsHandler(purchases PurchaseReader, timeout time.Duration) *TransactionsHandler {
	return &TransactionsHandler{
		purchases: purchases,
		timeout:   timeout,
	}
}

// GET /api/v1/transactions
func (h *TransactionsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	userID := getUserIDFromContext(r.Context())
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	list, err := h.purchases.ListPurchases(ctx, userID)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// GET /api/v1/transactions/{transaction_id}
func (h *TransactionsHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	userID := getUserIDFromContext(r.Context())
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "transaction_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_transaction_id", "transaction_id must be a UUID")
		return
	}

	p, err := h.purchases.GetPurchase(ctx, id)
	if err != nil {
		handleError(w, err)
		return
	}
	// Other users' purchases are indistinguishable from missing ones.
	if p.UserID != userID {
		handleError(w, domain.ErrPurchaseNotFound)
		return
	}
	respondJSON(w, http.StatusOK, p)
}
