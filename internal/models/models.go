package models

import "time"

type Charger struct {
	ChargePointId   string
	SecretHash      string
	CertThumbprint  string
	IsActive        bool
	PaymentsEnabled bool
	Vendor          string
	Model           string
	OcppVersion     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastSeenAt      *time.Time
}

// Tariff is the pricing configuration of a charge point. Reservations copy
// it into a PricingSnapshot when they are created.
type Tariff struct {
	TariffId            string
	ChargePointId       string
	Currency            string
	PricePerKwh         float64
	UsageFeePerMinute   float64
	UsageFeeFreeMinutes int
	UsageFeeMaxMinutes  int
	SessionFee          float64
	CommissionPercent   float64
	MaxHoldKwh          float64
	IsActive            bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ConnectorState is the persisted last known state of one connector.
type ConnectorState struct {
	ChargePointId string
	ConnectorId   int
	Status        string
	ErrorCode     string
	StatusAt      time.Time
	MeterWh       *float64
	MeterAt       *time.Time
	UpdatedAt     time.Time
}

type Transaction struct {
	TransactionId int64
	DeviceTxId    string
	ChargePointId string
	ConnectorId   int
	StartTag      string
	StartedAt     time.Time
	MeterStartWh  float64
	MeterLastWh   *float64
	StopTag       *string
	StoppedAt     *time.Time
	MeterStopWh   *float64
	StopReason    *string
	Financials    *Financials
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsOpen reports whether the transaction has not been stopped yet.
func (t *Transaction) IsOpen() bool { return t.StoppedAt == nil }

// Financials is the settlement breakdown computed when a transaction stops.
// Amounts are minor currency units.
type Financials struct {
	Currency        string  `json:"currency"`
	EnergyKwh       float64 `json:"energyKwh"`
	EnergyCost      int64   `json:"energyCost"`
	UsageMinutes    int     `json:"usageMinutes"`
	UsageFee        int64   `json:"usageFee"`
	SessionFee      int64   `json:"sessionFee"`
	Gross           int64   `json:"gross"`
	Commission      int64   `json:"commission"`
	OperatorRevenue int64   `json:"operatorRevenue"`
	OwnerPayout     int64   `json:"ownerPayout"`
}

type WebhookEvent struct {
	EventId       string
	Type          string
	ReservationId *string
	ProcessedAt   time.Time
}

type Command struct {
	CommandId      string
	ChargePointId  string
	Type           string
	IdempotencyKey string
	PayloadJSON    []byte
	Status         string
	ResponseJSON   []byte
	Error          *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
