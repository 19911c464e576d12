package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fjod/go_cart/claim-service/internal/session"
	"go.uber.org/zap"
)

type SessionHandler struct {
	registry *session.Registry
	timeout  time.Duration
	log      *zap.Logger
}

func NewSessionHandler(registry *session.Registry, timeout time.Duration, log *zap.Logger) *SessionHandler {
	return &SessionHandler{
		registry: registry,
		timeout:  timeout,
		log:      log,
	}
}

type ScanRequestDTO struct {
	Code string `json:"code"`
}

// POST /api/v1/session
func (h *SessionHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	userID := getUserIDFromContext(r.Context())
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	s, err := h.registry.SignIn(ctx, userID)
	if err != nil {
		handleError(w, err)
		return
	}
	res, err := s.Focus(ctx)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

// DELETE /api/v1/session
func (h *SessionHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	userID := getUserIDFromContext(r.Context())
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	if err := h.registry.SignOut(userID); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/v1/cart
func (h *SessionHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, func(ctx context.Context, s *session.Session) (session.Result, error) {
		return s.Focus(ctx)
	})
}

// POST /api/v1/scan
func (h *SessionHandler) Scan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	h.dispatch(w, r, session.Scan{Raw: req.Code})
}

// POST /api/v1/cart/confirm
func (h *SessionHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, session.Confirm{})
}

// POST /api/v1/cart/decline
func (h *SessionHandler) Decline(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, session.Decline{})
}

// POST /api/v1/cart/release
func (h *SessionHandler) Release(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, session.Release{})
}

func (h *SessionHandler) dispatch(w http.ResponseWriter, r *http.Request, msg session.Message) {
	h.withSession(w, r, func(ctx context.Context, s *session.Session) (session.Result, error) {
		return s.Dispatch(ctx, msg)
	})
}

func (h *SessionHandler) withSession(w http.ResponseWriter, r *http.Request, fn func(context.Context, *session.Session) (session.Result, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	userID := getUserIDFromContext(r.Context())
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	s, err := h.registry.Get(userID)
	if err != nil {
		handleError(w, err)
		return
	}

	res, err := fn(ctx, s)
	if err != nil {
		h.log.Warn("session request failed", zap.String("user_id", userID), zap.Error(err))
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
