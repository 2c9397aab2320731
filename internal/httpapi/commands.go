package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"ocpphub/internal/models"
	"ocpphub/internal/services"

	"github.com/go-chi/chi/v5"
)

// SendCommand runs one management command against a connected charge point.
// A repeated Idempotency-Key header replays the first outcome.
func (s *Server) SendCommand(w http.ResponseWriter, r *http.Request) {
	var params services.CommandParams
	if err := decodeOptional(r, &params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	out, err := s.Commands.Execute(r.Context(), services.CommandRequest{
		ChargePointID:  chi.URLParam(r, "chargePointId"),
		Type:           chi.URLParam(r, "type"),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Params:         params,
	})
	if err != nil {
		s.internalError(w, r, "send command", err)
		return
	}
	writeJSON(w, statusFor(out.Outcome), out)
}

type commandView struct {
	CommandID      string          `json:"commandId"`
	Type           string          `json:"type"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Status         string          `json:"status"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Response       json.RawMessage `json:"response,omitempty"`
	Error          *string         `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// ListCommands returns the newest entries of a charge point's command log.
func (s *Server) ListCommands(w http.ResponseWriter, r *http.Request) {
	items, err := s.CommandLog.ListByCharger(r.Context(), chi.URLParam(r, "chargePointId"), limitParam(r, 50))
	if err != nil {
		s.internalError(w, r, "list commands", err)
		return
	}
	out := make([]commandView, 0, len(items))
	for _, c := range items {
		out = append(out, viewCommand(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func viewCommand(c models.Command) commandView {
	v := commandView{
		CommandID:      c.CommandId,
		Type:           c.Type,
		IdempotencyKey: c.IdempotencyKey,
		Status:         c.Status,
		Error:          c.Error,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
	if json.Valid(c.PayloadJSON) {
		v.Payload = c.PayloadJSON
	}
	if json.Valid(c.ResponseJSON) {
		v.Response = c.ResponseJSON
	}
	return v
}
