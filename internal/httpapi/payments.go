package httpapi

import (
	"net/http"
	"time"

	"ocpphub/internal/models"
	"ocpphub/internal/services"

	"github.com/go-chi/chi/v5"
)

type reservationView struct {
	ReservationID     string                   `json:"reservationId"`
	ChargePointID     string                   `json:"chargePointId"`
	ConnectorID       int                      `json:"connectorId"`
	Status            models.ReservationStatus `json:"status"`
	Currency          string                   `json:"currency"`
	MaxAmount         int64                    `json:"maxAmount"`
	AuthorizedAmount  *int64                   `json:"authorizedAmount,omitempty"`
	CapturedAmount    *int64                   `json:"capturedAmount,omitempty"`
	CheckoutSessionID string                   `json:"checkoutSessionId,omitempty"`
	CheckoutURL       string                   `json:"checkoutUrl,omitempty"`
	TransactionID     *int64                   `json:"transactionId,omitempty"`
	FailureCode       *string                  `json:"failureCode,omitempty"`
	FailureMessage    *string                  `json:"failureMessage,omitempty"`
	StartDeadline     *time.Time               `json:"startDeadline,omitempty"`
	CreatedAt         time.Time                `json:"createdAt"`
	UpdatedAt         time.Time                `json:"updatedAt"`
}

func viewOf(res *models.PaymentReservation) reservationView {
	return reservationView{
		ReservationID:     res.ReservationId,
		ChargePointID:     res.ChargePointId,
		ConnectorID:       res.ConnectorId,
		Status:            res.Status,
		Currency:          res.Pricing.Currency,
		MaxAmount:         res.MaxAmount,
		AuthorizedAmount:  res.AuthorizedAmount,
		CapturedAmount:    res.CapturedAmount,
		CheckoutSessionID: res.CheckoutSessionId,
		CheckoutURL:       res.CheckoutURL,
		TransactionID:     res.TransactionId,
		FailureCode:       res.FailureCode,
		FailureMessage:    res.FailureMessage,
		StartDeadline:     res.StartDeadline,
		CreatedAt:         res.CreatedAt,
		UpdatedAt:         res.UpdatedAt,
	}
}

func writeResult(w http.ResponseWriter, res services.Result) {
	writeJSON(w, statusFor(res.Outcome), res)
}

type createPaymentReq struct {
	ChargeTag string `json:"chargeTag"`
}

// CreatePayment opens a reservation and returns where the customer pays.
func (s *Server) CreatePayment(w http.ResponseWriter, r *http.Request) {
	connector, err := intParam(r, "connectorId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid connector id")
		return
	}
	var req createPaymentReq
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	out, err := s.Reservations.Create(r.Context(), services.CreateRequest{
		ChargePointID: chi.URLParam(r, "chargePointId"),
		ConnectorID:   connector,
		ChargeTag:     req.ChargeTag,
	})
	if err != nil {
		s.internalError(w, r, "create payment", err)
		return
	}
	if !out.OK() {
		writeResult(w, out.Result)
		return
	}
	res := out.Reservation
	writeJSON(w, http.StatusCreated, map[string]any{
		"reservationId":     res.ReservationId,
		"checkoutUrl":       res.CheckoutURL,
		"checkoutSessionId": res.CheckoutSessionId,
		"maxAmount":         res.MaxAmount,
		"currency":          res.Pricing.Currency,
		"status":            res.Status,
	})
}

func (s *Server) GetPayment(w http.ResponseWriter, r *http.Request) {
	res, err := s.Reservations.Status(r.Context(), chi.URLParam(r, "reservationId"))
	if err != nil {
		s.internalError(w, r, "get payment", err)
		return
	}
	if res == nil {
		writeError(w, http.StatusNotFound, "reservation not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(res))
}

type confirmReq struct {
	CheckoutSessionID string `json:"checkoutSessionId"`
}

// ConfirmPayment is called when the customer returns from checkout. The
// session id comes from the body or the session_id query parameter.
func (s *Server) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmReq
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.CheckoutSessionID == "" {
		req.CheckoutSessionID = r.URL.Query().Get("session_id")
	}
	res, err := s.Reservations.Confirm(r.Context(), chi.URLParam(r, "reservationId"), req.CheckoutSessionID)
	if err != nil {
		s.internalError(w, r, "confirm payment", err)
		return
	}
	writeResult(w, res)
}

func (s *Server) CancelPayment(w http.ResponseWriter, r *http.Request) {
	res, err := s.Reservations.Cancel(r.Context(), chi.URLParam(r, "reservationId"))
	if err != nil {
		s.internalError(w, r, "cancel payment", err)
		return
	}
	writeResult(w, res)
}

func (s *Server) StartPayment(w http.ResponseWriter, r *http.Request) {
	res, err := s.Reservations.Start(r.Context(), chi.URLParam(r, "reservationId"))
	if err != nil {
		s.internalError(w, r, "start payment", err)
		return
	}
	writeResult(w, res)
}
