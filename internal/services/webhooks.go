package services

import (
	"context"
	"log/slog"

	"ocpphub/internal/models"
	"ocpphub/internal/payments"
)

const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventCheckoutExpired       = "checkout.session.expired"
	EventPaymentIntentCanceled = "payment_intent.canceled"
)

// WebhookProcessor applies verified processor events to reservations. Every
// event id is recorded once; redeliveries are no-ops.
type WebhookProcessor struct {
	Parser       WebhookParser
	Events       EventLog
	Reservations ReservationStore
	Service      *ReservationService
	Logger       *slog.Logger
}

// Handle verifies and applies one delivery. Signature failures are returned
// as payments.ErrInvalidSignature. When applying fails the event is
// forgotten again so the processor's retry is not absorbed as a duplicate.
func (w *WebhookProcessor) Handle(ctx context.Context, payload []byte, signature string) error {
	ev, err := w.Parser.ParseWebhook(payload, signature)
	if err != nil {
		return err
	}
	log := w.logger().With("event", ev.ID, "type", ev.Type)

	var resID *string
	if ev.ReservationID != "" {
		resID = &ev.ReservationID
	}
	fresh, err := w.Events.RecordWebhook(ctx, models.WebhookEvent{EventId: ev.ID, Type: ev.Type, ReservationId: resID})
	if err != nil {
		return err
	}
	if !fresh {
		log.Debug("duplicate webhook")
		return nil
	}

	if err := w.apply(ctx, ev, log); err != nil {
		log.Error("apply webhook", "err", err)
		if ferr := w.Events.ForgetWebhook(ctx, ev.ID); ferr != nil {
			log.Error("forget webhook", "err", ferr)
		}
		return err
	}
	return nil
}

func (w *WebhookProcessor) apply(ctx context.Context, ev *payments.WebhookEvent, log *slog.Logger) error {
	switch ev.Type {
	case EventCheckoutCompleted:
		res, err := w.find(ctx, ev)
		if err != nil || res == nil {
			return err
		}
		r, err := w.Service.Authorize(ctx, res, ev.SessionID)
		if err != nil {
			return err
		}
		if !r.OK() {
			log.Warn("checkout completed but not authorized", "reservation", res.ReservationId, "reason", r.Reason, "message", r.Message)
			return nil
		}
		r, err = w.Service.Starter.TryStart(ctx, res)
		if err != nil {
			return err
		}
		log.Info("start after checkout", "reservation", res.ReservationId, "outcome", string(r.Outcome), "reason", r.Reason)

	case EventCheckoutExpired:
		res, err := w.find(ctx, ev)
		if err != nil || res == nil {
			return err
		}
		_, err = w.Service.Holds.Exit(ctx, res, []models.ReservationStatus{models.ReservationPending},
			models.ReservationAbandoned, "CheckoutExpired", "Checkout session expired.")
		return err

	case EventPaymentIntentCanceled:
		res, err := w.find(ctx, ev)
		if err != nil || res == nil {
			return err
		}
		_, err = w.Service.Holds.Exit(ctx, res, models.PreChargingStatuses,
			models.ReservationCancelled, "HoldCanceled", "Payment hold was canceled.")
		return err

	default:
		log.Debug("ignored webhook type")
	}
	return nil
}

func (w *WebhookProcessor) find(ctx context.Context, ev *payments.WebhookEvent) (*models.PaymentReservation, error) {
	if ev.ReservationID != "" {
		res, err := w.Reservations.Get(ctx, ev.ReservationID)
		if err != nil || res != nil {
			return res, err
		}
	}
	if ev.SessionID != "" {
		res, err := w.Reservations.GetByCheckoutSession(ctx, ev.SessionID)
		if err != nil || res != nil {
			return res, err
		}
	}
	if ev.PaymentIntentID != "" {
		return w.Reservations.GetByPaymentIntent(ctx, ev.PaymentIntentID)
	}
	return nil, nil
}

func (w *WebhookProcessor) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}
