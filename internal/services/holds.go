package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ocpphub/internal/models"
	"ocpphub/internal/payments"
	"ocpphub/internal/repo"
)

// Failure codes of reservations whose hold release did not go through on
// exit. The sweeper retries the first until the processor accepts.
const (
	FailureReleaseFailed = "HoldReleaseFailed"
	FailureReleased      = "HoldReleasedOnRetry"
)

// HoldKeeper owns the exit transitions of a reservation. Cancellation,
// start rejection, webhooks and the sweeper all leave through Exit so they
// agree on whether a hold is still open.
type HoldKeeper struct {
	Processor    Processor
	Reservations ReservationStore
	Logger       *slog.Logger
}

func NewHoldKeeper(p Processor, res ReservationStore, logger *slog.Logger) *HoldKeeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &HoldKeeper{Processor: p, Reservations: res, Logger: logger}
}

// Release cancels the processor hold of res. A hold that is already gone is
// not an error. reason is only logged: the processor takes a fixed
// cancellation reason, so the caller's reason lives on the reservation's
// failure message.
func (h *HoldKeeper) Release(ctx context.Context, res *models.PaymentReservation, reason string) error {
	if res.CheckoutSessionId == "" && res.PaymentIntentId == "" {
		return nil
	}
	err := h.Processor.CancelHold(ctx, payments.Hold{
		CheckoutSessionID: res.CheckoutSessionId,
		CheckoutURL:       res.CheckoutURL,
		PaymentIntentID:   res.PaymentIntentId,
	})
	if errors.Is(err, payments.ErrHoldGone) {
		h.Logger.Debug("hold already released", "reservation", res.ReservationId)
		return nil
	}
	if err != nil {
		return err
	}
	h.Logger.Info("hold released", "reservation", res.ReservationId, "reason", reason)
	return nil
}

// Exit moves res from one of from to the terminal status to and releases its
// hold. The release only happens for the caller that won the transition, so
// racing exits issue a single release. It reports whether the transition
// happened. When the release fails the reservation moves on to Failed with
// the processor error recorded, where the sweeper retries the release.
func (h *HoldKeeper) Exit(ctx context.Context, res *models.PaymentReservation, from []models.ReservationStatus, to models.ReservationStatus, code, message string) (bool, error) {
	ok, err := h.Reservations.Transition(ctx, res.ReservationId, from, to, repo.Transition{
		FailureCode:    &code,
		FailureMessage: &message,
	})
	if err != nil || !ok {
		return false, err
	}
	h.Logger.Info("reservation closed", "reservation", res.ReservationId, "from", string(res.Status), "to", string(to), "code", code)
	if err := h.Release(ctx, res, message); err != nil {
		h.Logger.Error("release hold failed", "reservation", res.ReservationId, "err", err)
		h.markReleaseFailed(ctx, res, to, message, err)
		return true, err
	}
	return true, nil
}

func (h *HoldKeeper) markReleaseFailed(ctx context.Context, res *models.PaymentReservation, from models.ReservationStatus, message string, cause error) {
	code := FailureReleaseFailed
	msg := fmt.Sprintf("%s Hold release failed: %v", message, cause)
	_, err := h.Reservations.Transition(ctx, res.ReservationId, []models.ReservationStatus{from},
		models.ReservationFailed, repo.Transition{FailureCode: &code, FailureMessage: &msg})
	if err != nil {
		h.Logger.Error("mark release failed", "reservation", res.ReservationId, "err", err)
	}
}

// RetryRelease releases the hold of a Failed reservation whose exit could not
// release it. It reports whether the hold is now released.
func (h *HoldKeeper) RetryRelease(ctx context.Context, res *models.PaymentReservation) (bool, error) {
	if err := h.Release(ctx, res, "retry"); err != nil {
		return false, err
	}
	code := FailureReleased
	ok, err := h.Reservations.Transition(ctx, res.ReservationId, []models.ReservationStatus{models.ReservationFailed},
		models.ReservationFailed, repo.Transition{FailureCode: &code})
	if err != nil {
		return true, err
	}
	if ok {
		h.Logger.Info("hold released on retry", "reservation", res.ReservationId)
	}
	return true, nil
}
