package httpapi

import (
	"net/http"
	"time"

	"ocpphub/internal/ocpp"
)

type connectionView struct {
	ChargePointID string               `json:"chargePointId"`
	OcppVersion   ocpp.Version         `json:"ocppVersion"`
	ConnectedAt   time.Time            `json:"connectedAt"`
	PendingCalls  int                  `json:"pendingCalls"`
	Connectors    []ocpp.ConnectorLive `json:"connectors"`
}

// ListConnections reports every open charge point connection.
func (s *Server) ListConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.Registry.Snapshot()
	out := make([]connectionView, 0, len(conns))
	for _, c := range conns {
		connectors := c.Connectors()
		if connectors == nil {
			connectors = []ocpp.ConnectorLive{}
		}
		out = append(out, connectionView{
			ChargePointID: c.Identity(),
			OcppVersion:   c.Version(),
			ConnectedAt:   c.ConnectedAt(),
			PendingCalls:  c.PendingCalls(),
			Connectors:    connectors,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "connections": out})
}
