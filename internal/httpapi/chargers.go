package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"ocpphub/internal/models"

	"github.com/go-chi/chi/v5"
)

func (s *Server) GetCharger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "chargePointId")
	ch, err := s.Chargers.Get(r.Context(), id)
	if err != nil {
		s.internalError(w, r, "get charger", err)
		return
	}
	if ch == nil {
		writeError(w, http.StatusNotFound, "charge point not found")
		return
	}
	_, online := s.Registry.Lookup(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"chargePointId":   ch.ChargePointId,
		"isActive":        ch.IsActive,
		"paymentsEnabled": ch.PaymentsEnabled,
		"vendor":          ch.Vendor,
		"model":           ch.Model,
		"ocppVersion":     ch.OcppVersion,
		"online":          online,
		"lastSeenAt":      ch.LastSeenAt,
		"createdAt":       ch.CreatedAt,
		"updatedAt":       ch.UpdatedAt,
	})
}

func (s *Server) ListConnectors(w http.ResponseWriter, r *http.Request) {
	items, err := s.State.ListConnectors(r.Context(), chi.URLParam(r, "chargePointId"))
	if err != nil {
		s.internalError(w, r, "list connectors", err)
		return
	}
	if items == nil {
		items = []models.ConnectorState{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) ListTransactions(w http.ResponseWriter, r *http.Request) {
	items, err := s.Transactions.ListByCharger(r.Context(), chi.URLParam(r, "chargePointId"), limitParam(r, 50))
	if err != nil {
		s.internalError(w, r, "list transactions", err)
		return
	}
	if items == nil {
		items = []models.Transaction{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) GetTariff(w http.ResponseWriter, r *http.Request) {
	t, err := s.Tariffs.GetActiveForCharger(r.Context(), chi.URLParam(r, "chargePointId"))
	if err != nil {
		s.internalError(w, r, "get tariff", err)
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "no active tariff")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type tariffReq struct {
	Currency            string  `json:"currency"`
	PricePerKwh         float64 `json:"pricePerKwh"`
	UsageFeePerMinute   float64 `json:"usageFeePerMinute"`
	UsageFeeFreeMinutes int     `json:"usageFeeFreeMinutes"`
	UsageFeeMaxMinutes  int     `json:"usageFeeMaxMinutes"`
	SessionFee          float64 `json:"sessionFee"`
	CommissionPercent   float64 `json:"commissionPercent"`
	MaxHoldKwh          float64 `json:"maxHoldKwh"`
}

func (req tariffReq) validate() string {
	switch {
	case req.PricePerKwh < 0 || req.UsageFeePerMinute < 0 || req.SessionFee < 0 || req.MaxHoldKwh < 0:
		return "prices must not be negative"
	case req.UsageFeeFreeMinutes < 0 || req.UsageFeeMaxMinutes < 0:
		return "minutes must not be negative"
	case req.CommissionPercent < 0 || req.CommissionPercent > 100:
		return "commissionPercent must be between 0 and 100"
	}
	return ""
}

// PutTariff replaces the active tariff of a charge point.
func (s *Server) PutTariff(w http.ResponseWriter, r *http.Request) {
	cp := chi.URLParam(r, "chargePointId")
	var req tariffReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	ch, err := s.Chargers.Get(r.Context(), cp)
	if err != nil {
		s.internalError(w, r, "get charger", err)
		return
	}
	if ch == nil {
		writeError(w, http.StatusNotFound, "charge point not found")
		return
	}
	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = s.Cfg.Currency
	}
	t := models.Tariff{
		ChargePointId:       cp,
		Currency:            currency,
		PricePerKwh:         req.PricePerKwh,
		UsageFeePerMinute:   req.UsageFeePerMinute,
		UsageFeeFreeMinutes: req.UsageFeeFreeMinutes,
		UsageFeeMaxMinutes:  req.UsageFeeMaxMinutes,
		SessionFee:          req.SessionFee,
		CommissionPercent:   req.CommissionPercent,
		MaxHoldKwh:          req.MaxHoldKwh,
		IsActive:            true,
	}
	id, err := s.Tariffs.UpsertActiveForCharger(r.Context(), t)
	if err != nil {
		s.internalError(w, r, "upsert tariff", err)
		return
	}
	t.TariffId = id
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) GetStartability(w http.ResponseWriter, r *http.Request) {
	connector, err := intParam(r, "connectorId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid connector id")
		return
	}
	v, err := s.Resolver.Startability(r.Context(), chi.URLParam(r, "chargePointId"), connector, r.URL.Query().Get("exclude"))
	if err != nil {
		s.internalError(w, r, "startability", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
