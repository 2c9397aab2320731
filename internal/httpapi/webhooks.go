package httpapi

import (
	"errors"
	"net/http"

	"ocpphub/internal/payments"
)

func (s *Server) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := readAll(r, 1<<20)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	err = s.Webhooks.Handle(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"received": true})
	case errors.Is(err, payments.ErrInvalidSignature), errors.Is(err, payments.ErrNotConfigured):
		s.logger().Warn("stripe webhook rejected", "err", err)
		writeError(w, http.StatusBadRequest, "invalid signature")
	default:
		s.internalError(w, r, "stripe webhook", err)
	}
}
