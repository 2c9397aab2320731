package services

import (
	"context"
	"time"

	"ocpphub/internal/ocpp"
)

// PersistedStatusStaleAfter is the age after which a persisted connector
// status is no longer trusted.
const PersistedStatusStaleAfter = 10 * time.Minute

// Startability is the resolver's verdict for one connector.
type Startability struct {
	Startable           bool     `json:"startable"`
	Reason              string   `json:"reason,omitempty"`
	Reasons             []string `json:"reasons,omitempty"`
	LiveStatus          string   `json:"liveStatus,omitempty"`
	PersistedStatus     string   `json:"persistedStatus,omitempty"`
	PersistedAgeMinutes *int     `json:"persistedAgeMinutes,omitempty"`
}

// Resolver decides whether a connector can begin a new session. The device
// event path and the payment path both ask it so they agree on occupancy.
type Resolver struct {
	Conns        Connections
	Transactions TransactionStore
	Reservations ReservationStore
	State        StateStore
	Now          func() time.Time
}

func NewResolver(conns Connections, tx TransactionStore, res ReservationStore, st StateStore) *Resolver {
	return &Resolver{Conns: conns, Transactions: tx, Reservations: res, State: st, Now: time.Now}
}

// IsBusy is the short form of Startability.
func (r *Resolver) IsBusy(ctx context.Context, cp string, connector int, excludeReservation string) (bool, string, error) {
	s, err := r.Startability(ctx, cp, connector, excludeReservation)
	if err != nil {
		return false, "", err
	}
	return !s.Startable, s.Reason, nil
}

func (r *Resolver) Startability(ctx context.Context, cp string, connector int, excludeReservation string) (Startability, error) {
	var out Startability
	conn, ok := r.Conns.Lookup(cp)
	if !ok || !conn.IsOpen() {
		out.Reason = ReasonOffline
		out.Reasons = []string{ReasonOffline}
		return out, nil
	}

	veto := func(reason string) { out.Reasons = append(out.Reasons, reason) }

	live, haveLive := conn.ConnectorStatus(connector)
	if haveLive {
		out.LiveStatus = string(live.Status)
		switch live.Status {
		case ocpp.StatusUnavailable:
			veto(ReasonConnectorUnavailable)
		case ocpp.StatusFaulted:
			veto(ReasonConnectorFaulted)
		case ocpp.StatusOccupied:
			veto(ReasonConnectorOccupied)
		case ocpp.StatusCharging:
			veto(ReasonConnectorCharging)
		}
	}

	tx, err := r.Transactions.FindOpenByConnector(ctx, cp, connector)
	if err != nil {
		return out, err
	}
	if tx != nil {
		veto(ReasonOpenTransaction)
	}

	other, err := r.Reservations.FindActiveForConnector(ctx, cp, connector, excludeReservation)
	if err != nil {
		return out, err
	}
	if other != nil {
		veto(ReasonActiveReservation)
	}

	if !haveLive {
		st, err := r.State.GetConnector(ctx, cp, connector)
		if err != nil {
			return out, err
		}
		if st != nil {
			out.PersistedStatus = st.Status
			age := int(r.now().Sub(st.StatusAt) / time.Minute)
			out.PersistedAgeMinutes = &age
			s := ocpp.ParseConnectorStatus(st.Status)
			fresh := r.now().Sub(st.StatusAt) <= PersistedStatusStaleAfter
			if fresh && s != ocpp.StatusAvailable && s != ocpp.StatusPreparing {
				veto(ReasonPersistedStatus)
			}
		}
	}

	if len(out.Reasons) > 0 {
		out.Reason = out.Reasons[0]
		return out, nil
	}
	out.Startable = true
	return out, nil
}

func (r *Resolver) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}
