package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ocpphub/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ReservationsRepo struct{ db *pgxpool.Pool }

func NewReservationsRepo(db *pgxpool.Pool) *ReservationsRepo { return &ReservationsRepo{db: db} }

const reservationColumns = `reservation_id, charge_point_id, connector_id, charge_tag, pricing, max_amount,
	authorized_amount, captured_amount, checkout_session_id, checkout_url, payment_intent_id, status,
	transaction_id, failure_code, failure_message, idempotency_key, start_deadline, created_at, updated_at,
	authorized_at, start_requested_at, charging_at, completed_at, cancelled_at`

func scanReservation(row pgx.Row) (*models.PaymentReservation, error) {
	var (
		r       models.PaymentReservation
		pricing []byte
		status  string
	)
	if err := row.Scan(&r.ReservationId, &r.ChargePointId, &r.ConnectorId, &r.ChargeTag, &pricing, &r.MaxAmount,
		&r.AuthorizedAmount, &r.CapturedAmount, &r.CheckoutSessionId, &r.CheckoutURL, &r.PaymentIntentId, &status,
		&r.TransactionId, &r.FailureCode, &r.FailureMessage, &r.IdempotencyKey, &r.StartDeadline, &r.CreatedAt, &r.UpdatedAt,
		&r.AuthorizedAt, &r.StartRequestedAt, &r.ChargingAt, &r.CompletedAt, &r.CancelledAt); err != nil {
		return nil, err
	}
	r.Status = models.ReservationStatus(status)
	if err := json.Unmarshal(pricing, &r.Pricing); err != nil {
		return nil, fmt.Errorf("decode pricing of %s: %w", r.ReservationId, err)
	}
	return &r, nil
}

func oneReservation(row pgx.Row) (*models.PaymentReservation, error) {
	r, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

func (r *ReservationsRepo) list(ctx context.Context, sql string, args ...any) ([]models.PaymentReservation, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PaymentReservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}

// Create inserts a new reservation. ErrActiveReservationExists is returned
// when the connector already holds an active one.
func (r *ReservationsRepo) Create(ctx context.Context, res models.PaymentReservation) error {
	pricing, err := json.Marshal(res.Pricing)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		insert into payment_reservations (reservation_id, charge_point_id, connector_id, charge_tag, pricing,
		  max_amount, status, idempotency_key)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, res.ReservationId, res.ChargePointId, res.ConnectorId, res.ChargeTag, pricing,
		res.MaxAmount, string(res.Status), res.IdempotencyKey)
	if err != nil {
		if isUniqueViolation(err, "ux_reservations_one_active") {
			return ErrActiveReservationExists
		}
		return err
	}
	return nil
}

func (r *ReservationsRepo) Get(ctx context.Context, id string) (*models.PaymentReservation, error) {
	return oneReservation(r.db.QueryRow(ctx, `select `+reservationColumns+` from payment_reservations where reservation_id=$1`, id))
}

func (r *ReservationsRepo) GetByCheckoutSession(ctx context.Context, sessionID string) (*models.PaymentReservation, error) {
	return oneReservation(r.db.QueryRow(ctx, `
		select `+reservationColumns+` from payment_reservations where checkout_session_id=$1
		order by created_at desc limit 1
	`, sessionID))
}

func (r *ReservationsRepo) GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*models.PaymentReservation, error) {
	return oneReservation(r.db.QueryRow(ctx, `
		select `+reservationColumns+` from payment_reservations where payment_intent_id=$1
		order by created_at desc limit 1
	`, paymentIntentID))
}

func (r *ReservationsRepo) GetByTransaction(ctx context.Context, txID int64) (*models.PaymentReservation, error) {
	return oneReservation(r.db.QueryRow(ctx, `
		select `+reservationColumns+` from payment_reservations where transaction_id=$1
		order by created_at desc limit 1
	`, txID))
}

// FindActiveForConnector returns the active reservation on a connector,
// ignoring excludeID.
func (r *ReservationsRepo) FindActiveForConnector(ctx context.Context, cp string, connector int, excludeID string) (*models.PaymentReservation, error) {
	return oneReservation(r.db.QueryRow(ctx, `
		select `+reservationColumns+` from payment_reservations
		where charge_point_id=$1 and connector_id=$2 and reservation_id<>$3 and status <> all($4)
		order by created_at desc limit 1
	`, cp, connector, excludeID, models.StatusNames(models.TerminalStatuses)))
}

// FindLinkCandidate returns the newest pre-charging reservation on a
// connector whose normalized charge tag equals tag.
func (r *ReservationsRepo) FindLinkCandidate(ctx context.Context, cp string, connector int, tag string) (*models.PaymentReservation, error) {
	return oneReservation(r.db.QueryRow(ctx, `
		select `+reservationColumns+` from payment_reservations
		where charge_point_id=$1 and connector_id=$2 and split_part(charge_tag, '_', 1)=$3 and status = any($4)
		order by created_at desc limit 1
	`, cp, connector, tag, models.StatusNames(models.PreChargingStatuses)))
}

// SetHold stores the processor references of a freshly opened hold.
func (r *ReservationsRepo) SetHold(ctx context.Context, id, sessionID, checkoutURL, paymentIntentID string) error {
	_, err := r.db.Exec(ctx, `
		update payment_reservations set checkout_session_id=$2, checkout_url=$3, payment_intent_id=$4, updated_at=now()
		where reservation_id=$1
	`, id, sessionID, checkoutURL, paymentIntentID)
	return err
}

// Transition carries the optional column updates of a status change. Nil
// and empty fields leave the stored value untouched.
type Transition struct {
	AuthorizedAmount *int64
	CapturedAmount   *int64
	PaymentIntentId  string
	TransactionId    *int64
	FailureCode      *string
	FailureMessage   *string
	StartDeadline    *time.Time
}

var transitionTimestamp = map[models.ReservationStatus]string{
	models.ReservationAuthorized:     "authorized_at",
	models.ReservationStartRequested: "start_requested_at",
	models.ReservationCharging:       "charging_at",
	models.ReservationCompleted:      "completed_at",
	models.ReservationCancelled:      "cancelled_at",
	models.ReservationAbandoned:      "cancelled_at",
	models.ReservationStartTimeout:   "cancelled_at",
	models.ReservationStartRejected:  "cancelled_at",
	models.ReservationFailed:         "cancelled_at",
}

// Transition moves a reservation to status `to` only if its current status
// is one of from. It reports false when the precondition no longer holds,
// which callers treat as a lost race rather than an error.
func (r *ReservationsRepo) Transition(ctx context.Context, id string, from []models.ReservationStatus, to models.ReservationStatus, t Transition) (bool, error) {
	stamp := ""
	if col, ok := transitionTimestamp[to]; ok {
		stamp = fmt.Sprintf(", %s=coalesce(%s, now())", col, col)
	}
	tag, err := r.db.Exec(ctx, `
		update payment_reservations set status=$2, updated_at=now(),
		  authorized_amount=coalesce($4, authorized_amount),
		  captured_amount=coalesce($5, captured_amount),
		  payment_intent_id=coalesce(nullif($6,''), payment_intent_id),
		  transaction_id=coalesce($7, transaction_id),
		  failure_code=coalesce($8, failure_code),
		  failure_message=coalesce($9, failure_message),
		  start_deadline=coalesce($10, start_deadline)`+stamp+`
		where reservation_id=$1 and status = any($3)
	`, id, string(to), models.StatusNames(from), t.AuthorizedAmount, t.CapturedAmount, t.PaymentIntentId,
		t.TransactionId, t.FailureCode, t.FailureMessage, t.StartDeadline)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListStale returns reservations in one of statuses not updated since before.
func (r *ReservationsRepo) ListStale(ctx context.Context, statuses []models.ReservationStatus, before time.Time) ([]models.PaymentReservation, error) {
	return r.list(ctx, `
		select `+reservationColumns+` from payment_reservations
		where status = any($1) and updated_at < $2
		order by updated_at asc
	`, models.StatusNames(statuses), before)
}

// ListFailedWithCode returns Failed reservations carrying failure code code.
func (r *ReservationsRepo) ListFailedWithCode(ctx context.Context, code string) ([]models.PaymentReservation, error) {
	return r.list(ctx, `
		select `+reservationColumns+` from payment_reservations
		where status=$1 and failure_code=$2
		order by updated_at asc
	`, string(models.ReservationFailed), code)
}

// ListStartExpired returns Authorized reservations whose start deadline
// passed before now.
func (r *ReservationsRepo) ListStartExpired(ctx context.Context, now time.Time) ([]models.PaymentReservation, error) {
	return r.list(ctx, `
		select `+reservationColumns+` from payment_reservations
		where status=$1 and start_deadline is not null and start_deadline < $2
		order by start_deadline asc
	`, string(models.ReservationAuthorized), now)
}
