package services

import (
	"context"
	"time"

	"ocpphub/internal/models"
	"ocpphub/internal/ocpp"
	"ocpphub/internal/payments"
	"ocpphub/internal/repo"
)

// The interfaces below are the slices of the repositories, the connection
// registry and the payment processor that the services use.

type ChargerStore interface {
	Get(ctx context.Context, id string) (*models.Charger, error)
	RecordBoot(ctx context.Context, id, vendor, model, version string, at time.Time) error
	TouchLastSeen(ctx context.Context, id string, t time.Time) error
}

type TariffStore interface {
	GetActiveForCharger(ctx context.Context, cp string) (*models.Tariff, error)
}

type StateStore interface {
	UpsertConnector(ctx context.Context, st models.ConnectorState) error
	UpdateMeter(ctx context.Context, cp string, connector int, wh float64, at time.Time) error
	GetConnector(ctx context.Context, cp string, connector int) (*models.ConnectorState, error)
}

type TransactionStore interface {
	Start(ctx context.Context, t models.Transaction) (int64, error)
	Get(ctx context.Context, id int64) (*models.Transaction, error)
	FindByDevice(ctx context.Context, cp, deviceTxID string) (*models.Transaction, error)
	FindOpenByConnector(ctx context.Context, cp string, connector int) (*models.Transaction, error)
	SetStartTag(ctx context.Context, id int64, tag string) error
	UpdateLastMeter(ctx context.Context, id int64, wh float64) error
	Stop(ctx context.Context, id int64, stoppedAt time.Time, meterStop *float64, stopTag, reason *string) (bool, error)
	SetFinancials(ctx context.Context, id int64, f models.Financials) error
}

type ReservationStore interface {
	Create(ctx context.Context, res models.PaymentReservation) error
	Get(ctx context.Context, id string) (*models.PaymentReservation, error)
	GetByCheckoutSession(ctx context.Context, sessionID string) (*models.PaymentReservation, error)
	GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*models.PaymentReservation, error)
	GetByTransaction(ctx context.Context, txID int64) (*models.PaymentReservation, error)
	FindActiveForConnector(ctx context.Context, cp string, connector int, excludeID string) (*models.PaymentReservation, error)
	FindLinkCandidate(ctx context.Context, cp string, connector int, tag string) (*models.PaymentReservation, error)
	SetHold(ctx context.Context, id, sessionID, checkoutURL, paymentIntentID string) error
	Transition(ctx context.Context, id string, from []models.ReservationStatus, to models.ReservationStatus, t repo.Transition) (bool, error)
	ListStale(ctx context.Context, statuses []models.ReservationStatus, before time.Time) ([]models.PaymentReservation, error)
	ListStartExpired(ctx context.Context, now time.Time) ([]models.PaymentReservation, error)
	ListFailedWithCode(ctx context.Context, code string) ([]models.PaymentReservation, error)
}

type EventLog interface {
	InsertRaw(ctx context.Context, chargePointId, eventType string, ts time.Time, payload []byte) error
	RecordWebhook(ctx context.Context, ev models.WebhookEvent) (bool, error)
	ForgetWebhook(ctx context.Context, eventID string) error
}

type CommandStore interface {
	Create(ctx context.Context, c models.Command) (string, error)
	GetByIdempotency(ctx context.Context, idem string) (*models.Command, error)
	MarkSent(ctx context.Context, id string) error
	MarkAcked(ctx context.Context, id string, response []byte) error
	MarkFailed(ctx context.Context, id string, errMsg string) error
}

type Connections interface {
	Lookup(identity string) (*ocpp.Conn, bool)
}

type Processor interface {
	CreateHold(ctx context.Context, req payments.HoldRequest) (*payments.Hold, error)
	GetCheckout(ctx context.Context, sessionID string) (*payments.CheckoutStatus, error)
	GetHold(ctx context.Context, paymentIntentID string) (*payments.HoldStatus, error)
	Capture(ctx context.Context, paymentIntentID string, amount int64, idempotencyKey string) (int64, error)
	CancelHold(ctx context.Context, hold payments.Hold) error
}

type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*payments.WebhookEvent, error)
}
