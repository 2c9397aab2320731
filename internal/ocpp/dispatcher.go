package ocpp

import (
	"context"
	"encoding/json"
	"time"
)

// Request is an outbound call ready to be sent with Conn.Send.
type Request struct {
	Action  string
	Payload any
}

type RemoteStartRequest struct {
	ConnectorID   int
	IDTag         string
	RemoteStartID int
}

type ReserveNowRequest struct {
	ReservationID int
	ConnectorID   int
	IDTag         string
	Expiry        time.Time
}

// Dispatcher is one protocol version: it handles inbound calls and builds
// outbound requests. Every version exposes the same shape so the gateway
// only needs a map from negotiated version to Dispatcher.
type Dispatcher interface {
	Version() Version

	// Handle answers an inbound CALL. Returning *CallError sends that error;
	// any other error is reported as InternalError.
	Handle(ctx context.Context, c *Conn, action string, payload json.RawMessage) (any, error)

	RemoteStart(req RemoteStartRequest) Request
	RemoteStop(deviceTxID string) Request
	Reset(hard bool) Request
	Unlock(connectorID int) Request
	GetConfiguration(keys []string) Request
	ChangeConfiguration(key, value string) Request
	ReserveNow(req ReserveNowRequest) Request
	CancelReservation(reservationID int) Request

	// ResultStatus extracts the status a charge point reported for action.
	ResultStatus(action string, payload json.RawMessage) string
}

// Dispatchers builds the dispatcher table for every supported version.
func Dispatchers(sink EventSink) map[Version]Dispatcher {
	return map[Version]Dispatcher{
		V16:  NewV16(sink),
		V201: NewV201(sink),
		V21:  NewV21(sink),
	}
}

// Statuses every supported version uses for command acknowledgements.
const (
	ResultAccepted = "Accepted"
	ResultRejected = "Rejected"
)

func decode(v Version, payload json.RawMessage, dst any) error {
	if err := json.Unmarshal(payload, dst); err != nil {
		return NewCallError(v.formatViolation(), "invalid payload: %v", err)
	}
	return nil
}

func statusField(payload json.RawMessage) string {
	var body struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(payload, &body)
	return body.Status
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

const heartbeatInterval = 300

// energyToWh converts a sampled energy value to Wh. unit is empty, "Wh" or
// "kWh"; multiplier is the 2.x power-of-ten multiplier.
func energyToWh(value float64, unit string, multiplier int) float64 {
	for i := 0; i < multiplier; i++ {
		value *= 10
	}
	for i := 0; i > multiplier; i-- {
		value /= 10
	}
	if unit == "kWh" {
		return value * 1000
	}
	return value
}

const measurandEnergyRegister = "Energy.Active.Import.Register"
