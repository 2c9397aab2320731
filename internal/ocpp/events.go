package ocpp

import (
	"context"
	"time"
)

// ConnectorStatus is the protocol-independent connector state kept for each
// live connection.
type ConnectorStatus string

const (
	StatusAvailable   ConnectorStatus = "Available"
	StatusPreparing   ConnectorStatus = "Preparing"
	StatusCharging    ConnectorStatus = "Charging"
	StatusOccupied    ConnectorStatus = "Occupied"
	StatusFaulted     ConnectorStatus = "Faulted"
	StatusUnavailable ConnectorStatus = "Unavailable"
)

// ParseConnectorStatus folds the status vocabulary of every supported
// protocol version into ConnectorStatus.
func ParseConnectorStatus(s string) ConnectorStatus {
	switch s {
	case "Available":
		return StatusAvailable
	case "Preparing":
		return StatusPreparing
	case "Charging", "SuspendedEV", "SuspendedEVSE":
		return StatusCharging
	case "Occupied", "Finishing", "Reserved":
		return StatusOccupied
	case "Faulted":
		return StatusFaulted
	case "Unavailable":
		return StatusUnavailable
	default:
		return StatusUnavailable
	}
}

type BootInfo struct {
	Vendor          string
	Model           string
	SerialNumber    string
	FirmwareVersion string
}

type StatusEvent struct {
	ConnectorID int
	Status      ConnectorStatus
	RawStatus   string
	ErrorCode   string
	Timestamp   time.Time
}

type MeterReading struct {
	ConnectorID int
	DeviceTxID  string
	EnergyWh    *float64
	Timestamp   time.Time
}

type TransactionStart struct {
	ConnectorID   int
	DeviceTxID    string
	IDTag         string
	MeterStartWh  float64
	Timestamp     time.Time
	ReservationID *int
}

type TransactionStop struct {
	ConnectorID int
	DeviceTxID  string
	IDTag       string
	MeterStopWh *float64
	Timestamp   time.Time
	Reason      string
}

// EventSink receives decoded device events. Implementations are called from
// the connection's receive loop, one event at a time per connection.
type EventSink interface {
	Boot(ctx context.Context, chargePointID string, version Version, info BootInfo) error
	Heartbeat(ctx context.Context, chargePointID string, at time.Time) error
	StatusChanged(ctx context.Context, chargePointID string, ev StatusEvent) error
	MeterValues(ctx context.Context, chargePointID string, m MeterReading) error
	// TransactionStarted returns the backend transaction id. DeviceTxID is
	// empty for protocol versions where the backend assigns the id.
	TransactionStarted(ctx context.Context, chargePointID string, ev TransactionStart) (int64, error)
	TransactionStopped(ctx context.Context, chargePointID string, ev TransactionStop) error
}
