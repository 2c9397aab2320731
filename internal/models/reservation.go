package models

import (
	"strings"
	"time"
)

type ReservationStatus string

const (
	ReservationPending        ReservationStatus = "Pending"
	ReservationAuthorized     ReservationStatus = "Authorized"
	ReservationStartRequested ReservationStatus = "StartRequested"
	ReservationCharging       ReservationStatus = "Charging"
	ReservationCompleted      ReservationStatus = "Completed"
	ReservationStartRejected  ReservationStatus = "StartRejected"
	ReservationStartTimeout   ReservationStatus = "StartTimeout"
	ReservationAbandoned      ReservationStatus = "Abandoned"
	ReservationCancelled      ReservationStatus = "Cancelled"
	ReservationFailed         ReservationStatus = "Failed"
)

// TerminalStatuses is the one list of statuses that no longer hold a
// connector. The database uniqueness index, the repository queries and the
// resolver are all derived from it.
var TerminalStatuses = []ReservationStatus{
	ReservationCompleted,
	ReservationCancelled,
	ReservationFailed,
	ReservationStartRejected,
	ReservationStartTimeout,
	ReservationAbandoned,
}

// PreChargingStatuses are the active statuses before the device reported a
// transaction start.
var PreChargingStatuses = []ReservationStatus{
	ReservationPending,
	ReservationAuthorized,
	ReservationStartRequested,
}

func (s ReservationStatus) IsTerminal() bool {
	for _, t := range TerminalStatuses {
		if s == t {
			return true
		}
	}
	return false
}

func (s ReservationStatus) IsActive() bool { return !s.IsTerminal() }

// StatusNames converts statuses to plain strings for query parameters.
func StatusNames(statuses []ReservationStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// TerminalStatusSQLList renders TerminalStatuses as a SQL literal list,
// e.g. ('Completed','Cancelled').
func TerminalStatusSQLList() string {
	quoted := make([]string, len(TerminalStatuses))
	for i, s := range TerminalStatuses {
		quoted[i] = "'" + string(s) + "'"
	}
	return "(" + strings.Join(quoted, ",") + ")"
}

// PricingSnapshot is the tariff frozen onto a reservation at creation time.
type PricingSnapshot struct {
	Currency            string  `json:"currency"`
	PricePerKwh         float64 `json:"pricePerKwh"`
	UsageFeePerMinute   float64 `json:"usageFeePerMinute"`
	UsageFeeFreeMinutes int     `json:"usageFeeFreeMinutes"`
	UsageFeeMaxMinutes  int     `json:"usageFeeMaxMinutes"`
	SessionFee          float64 `json:"sessionFee"`
	CommissionPercent   float64 `json:"commissionPercent"`
	MaxHoldKwh          float64 `json:"maxHoldKwh"`
}

type PaymentReservation struct {
	ReservationId     string
	ChargePointId     string
	ConnectorId       int
	ChargeTag         string
	Pricing           PricingSnapshot
	MaxAmount         int64
	AuthorizedAmount  *int64
	CapturedAmount    *int64
	CheckoutSessionId string
	CheckoutURL       string
	PaymentIntentId   string
	Status            ReservationStatus
	TransactionId     *int64
	FailureCode       *string
	FailureMessage    *string
	IdempotencyKey    string
	StartDeadline     *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	AuthorizedAt      *time.Time
	StartRequestedAt  *time.Time
	ChargingAt        *time.Time
	CompletedAt       *time.Time
	CancelledAt       *time.Time
}
