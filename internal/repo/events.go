package repo

import (
	"context"
	"time"

	"ocpphub/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

type EventsRepo struct{ db *pgxpool.Pool }

func NewEventsRepo(db *pgxpool.Pool) *EventsRepo { return &EventsRepo{db: db} }

// InsertRaw appends a decoded device event to the audit log.
func (r *EventsRepo) InsertRaw(ctx context.Context, chargePointId, eventType string, ts time.Time, payload []byte) error {
	_, err := r.db.Exec(ctx, `
		insert into device_events (charge_point_id, event_type, ts, payload)
		values ($1,$2,$3,$4)
	`, chargePointId, eventType, ts, payload)
	return err
}

// RecordWebhook inserts a processor event into the ledger. It returns false
// when the event id was already recorded.
func (r *EventsRepo) RecordWebhook(ctx context.Context, ev models.WebhookEvent) (bool, error) {
	_, err := r.db.Exec(ctx, `
		insert into webhook_events (event_id, type, reservation_id)
		values ($1,$2,$3)
	`, ev.EventId, ev.Type, ev.ReservationId)
	if err != nil {
		if isUniqueViolation(err, "webhook_events_pkey") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ForgetWebhook removes a ledger entry so a redelivery is processed again.
func (r *EventsRepo) ForgetWebhook(ctx context.Context, eventID string) error {
	_, err := r.db.Exec(ctx, `delete from webhook_events where event_id=$1`, eventID)
	return err
}
