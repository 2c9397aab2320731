package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ocpphub/internal/models"
	"ocpphub/internal/payments"
	"ocpphub/internal/repo"

	"github.com/google/uuid"
)

type ReservationConfig struct {
	Currency         string
	DefaultChargeTag string
	Limits           HoldLimits
	StartWindow      time.Duration
}

// ReservationService runs the payment reservation state machine.
type ReservationService struct {
	Chargers     ChargerStore
	Tariffs      TariffStore
	Reservations ReservationStore
	Transactions TransactionStore
	Processor    Processor
	Resolver     *Resolver
	Holds        *HoldKeeper
	Starter      *Orchestrator
	Config       ReservationConfig
	Logger       *slog.Logger
	Now          func() time.Time
}

type CreateRequest struct {
	ChargePointID string
	ConnectorID   int
	ChargeTag     string
}

type CreateResult struct {
	Result
	Reservation *models.PaymentReservation `json:"reservation,omitempty"`
}

// Create opens a reservation and its processor hold for a connector.
func (s *ReservationService) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	ch, err := s.Chargers.Get(ctx, req.ChargePointID)
	if err != nil {
		return CreateResult{}, err
	}
	if ch == nil {
		return CreateResult{Result: failure(OutcomeNotFound, "", "unknown charge point")}, nil
	}
	if !ch.PaymentsEnabled {
		return CreateResult{Result: failure(OutcomeDisabled, ReasonPaymentsDisabled, "payments are disabled for this charge point")}, nil
	}
	if req.ConnectorID <= 0 {
		return CreateResult{Result: failure(OutcomeInvalid, "", "connector id must be positive")}, nil
	}

	verdict, err := s.Resolver.Startability(ctx, req.ChargePointID, req.ConnectorID, "")
	if err != nil {
		return CreateResult{}, err
	}
	if !verdict.Startable {
		if verdict.Reason == ReasonOffline {
			return CreateResult{Result: failure(OutcomeOffline, ReasonOffline, "charge point is not connected")}, nil
		}
		return CreateResult{Result: failure(OutcomeBusy, verdict.Reason, "connector is busy")}, nil
	}

	tariff, err := s.Tariffs.GetActiveForCharger(ctx, req.ChargePointID)
	if err != nil {
		return CreateResult{}, err
	}
	if tariff == nil {
		return CreateResult{Result: failure(OutcomeDisabled, ReasonNoPricing, "no active tariff")}, nil
	}
	pricing := SnapshotFromTariff(*tariff)
	if pricing.Currency == "" {
		pricing.Currency = s.Config.Currency
	}
	if !Usable(pricing) {
		return CreateResult{Result: failure(OutcomeDisabled, ReasonNoPricing, "tariff has no prices")}, nil
	}
	maxAmount := MaxHoldAmount(pricing, s.Config.Limits)
	if maxAmount <= 0 {
		return CreateResult{Result: failure(OutcomeInvalid, ReasonZeroAmount, "computed hold amount is zero")}, nil
	}

	tag := req.ChargeTag
	if tag == "" {
		tag = s.Config.DefaultChargeTag
	}
	res := models.PaymentReservation{
		ReservationId:  uuid.NewString(),
		ChargePointId:  req.ChargePointID,
		ConnectorId:    req.ConnectorID,
		ChargeTag:      tag,
		Pricing:        pricing,
		MaxAmount:      maxAmount,
		Status:         models.ReservationPending,
		IdempotencyKey: uuid.NewString(),
	}
	if err := s.Reservations.Create(ctx, res); err != nil {
		if errors.Is(err, repo.ErrActiveReservationExists) {
			return CreateResult{Result: failure(OutcomeBusy, ReasonActiveReservation, "connector is busy")}, nil
		}
		return CreateResult{}, err
	}
	log := s.logger().With("reservation", res.ReservationId, "charge_point", res.ChargePointId, "connector", res.ConnectorId)

	hold, err := s.Processor.CreateHold(ctx, payments.HoldRequest{
		ReservationID:  res.ReservationId,
		ChargePointID:  res.ChargePointId,
		ConnectorID:    res.ConnectorId,
		Amount:         maxAmount,
		Currency:       pricing.Currency,
		IdempotencyKey: res.IdempotencyKey,
	})
	if err != nil {
		log.Error("create hold failed", "err", err)
		code, msg := string(OutcomeProcessorError), err.Error()
		if _, terr := s.Reservations.Transition(ctx, res.ReservationId, []models.ReservationStatus{models.ReservationPending},
			models.ReservationFailed, repo.Transition{FailureCode: &code, FailureMessage: &msg}); terr != nil {
			log.Error("mark reservation failed", "err", terr)
		}
		return CreateResult{Result: failure(OutcomeProcessorError, "", msg)}, nil
	}
	if err := s.Reservations.SetHold(ctx, res.ReservationId, hold.CheckoutSessionID, hold.CheckoutURL, hold.PaymentIntentID); err != nil {
		log.Error("store hold failed", "err", err)
		res.CheckoutSessionId = hold.CheckoutSessionID
		res.CheckoutURL = hold.CheckoutURL
		res.PaymentIntentId = hold.PaymentIntentID
		if _, xerr := s.Holds.Exit(ctx, &res, []models.ReservationStatus{models.ReservationPending},
			models.ReservationFailed, string(OutcomeProcessorError), "Storing the hold failed: "+err.Error()); xerr != nil {
			log.Error("release unstored hold", "err", xerr)
		}
		return CreateResult{}, err
	}
	res.CheckoutSessionId = hold.CheckoutSessionID
	res.CheckoutURL = hold.CheckoutURL
	res.PaymentIntentId = hold.PaymentIntentID
	log.Info("reservation created", "max_amount", maxAmount, "currency", pricing.Currency)
	return CreateResult{Result: success(), Reservation: &res}, nil
}

// Authorize moves a Pending reservation to Authorized once the processor
// reports the checkout complete and the hold capturable. sessionID must be
// the checkout session recorded on the reservation.
func (s *ReservationService) Authorize(ctx context.Context, res *models.PaymentReservation, sessionID string) (Result, error) {
	if sessionID == "" || sessionID != res.CheckoutSessionId {
		return failure(OutcomeRejected, ReasonSessionMismatch, "checkout session does not match reservation"), nil
	}
	if res.Status != models.ReservationPending {
		if res.Status.IsActive() || res.Status == models.ReservationCompleted {
			return success(), nil
		}
		return failure(OutcomeRejected, ReasonWrongState, "reservation is "+string(res.Status)), nil
	}

	co, err := s.Processor.GetCheckout(ctx, sessionID)
	if errors.Is(err, payments.ErrHoldGone) {
		return failure(OutcomeRejected, ReasonNotCapturable, "checkout session not found"), nil
	}
	if err != nil {
		return failure(OutcomeProcessorError, "", err.Error()), nil
	}
	if co.Status != payments.CheckoutComplete || co.PaymentIntentID == "" {
		return failure(OutcomeRejected, ReasonNotCapturable, "checkout is "+co.Status), nil
	}
	hold, err := s.Processor.GetHold(ctx, co.PaymentIntentID)
	if errors.Is(err, payments.ErrHoldGone) {
		return failure(OutcomeRejected, ReasonNotCapturable, "payment intent not found"), nil
	}
	if err != nil {
		return failure(OutcomeProcessorError, "", err.Error()), nil
	}
	if !hold.Capturable() {
		return failure(OutcomeRejected, ReasonNotCapturable, "payment intent is "+hold.Status), nil
	}

	authorized := hold.AmountCapturable
	deadline := s.now().Add(s.Config.StartWindow)
	ok, err := s.Reservations.Transition(ctx, res.ReservationId, []models.ReservationStatus{models.ReservationPending},
		models.ReservationAuthorized, repo.Transition{
			AuthorizedAmount: &authorized,
			PaymentIntentId:  co.PaymentIntentID,
			StartDeadline:    &deadline,
		})
	if err != nil {
		return Result{}, err
	}
	if !ok {
		// Lost the race to the webhook or the return flow.
		cur, err := s.Reservations.Get(ctx, res.ReservationId)
		if err != nil {
			return Result{}, err
		}
		if cur != nil && (cur.Status.IsActive() || cur.Status == models.ReservationCompleted) {
			*res = *cur
			return success(), nil
		}
		return failure(OutcomeRejected, ReasonWrongState, "reservation is no longer pending"), nil
	}
	res.Status = models.ReservationAuthorized
	res.AuthorizedAmount = &authorized
	res.PaymentIntentId = co.PaymentIntentID
	res.StartDeadline = &deadline
	s.logger().Info("reservation authorized", "reservation", res.ReservationId, "authorized", authorized)
	return success(), nil
}

// Confirm is the return flow: authorize, then start.
func (s *ReservationService) Confirm(ctx context.Context, id, sessionID string) (Result, error) {
	res, err := s.Reservations.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if res == nil {
		return failure(OutcomeNotFound, "", "reservation not found"), nil
	}
	r, err := s.Authorize(ctx, res, sessionID)
	if err != nil || !r.OK() {
		return r, err
	}
	return s.Starter.TryStart(ctx, res)
}

// Start retries the remote start of an authorized reservation.
func (s *ReservationService) Start(ctx context.Context, id string) (Result, error) {
	res, err := s.Reservations.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if res == nil {
		return failure(OutcomeNotFound, "", "reservation not found"), nil
	}
	return s.Starter.TryStart(ctx, res)
}

// Cancel closes a reservation that has not started charging.
func (s *ReservationService) Cancel(ctx context.Context, id string) (Result, error) {
	res, err := s.Reservations.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if res == nil {
		return failure(OutcomeNotFound, "", "reservation not found"), nil
	}
	switch {
	case res.Status == models.ReservationCancelled:
		return success(), nil
	case res.Status.IsTerminal(), res.Status == models.ReservationCharging:
		return failure(OutcomeRejected, ReasonWrongState, "reservation is "+string(res.Status)), nil
	}
	ok, err := s.Holds.Exit(ctx, res, models.PreChargingStatuses, models.ReservationCancelled, "Cancelled", "Cancelled by user.")
	if err != nil && !ok {
		return Result{}, err
	}
	if !ok {
		return failure(OutcomeRejected, ReasonWrongState, "reservation changed state"), nil
	}
	if res.Status == models.ReservationStartRequested {
		s.Starter.Unlock(ctx, res)
	}
	if err != nil {
		return failure(OutcomeProcessorError, "", err.Error()), nil
	}
	return success(), nil
}

// Status returns a reservation by id, nil when unknown.
func (s *ReservationService) Status(ctx context.Context, id string) (*models.PaymentReservation, error) {
	return s.Reservations.Get(ctx, id)
}

// LinkTransactionStart ties a device transaction to the newest authorized
// reservation on its connector whose charge tag matches.
func (s *ReservationService) LinkTransactionStart(ctx context.Context, tx models.Transaction) error {
	if tx.StartTag == "" {
		return nil
	}
	res, err := s.Reservations.FindLinkCandidate(ctx, tx.ChargePointId, tx.ConnectorId, NormalizeTag(tx.StartTag))
	if err != nil || res == nil {
		return err
	}
	txID := tx.TransactionId
	ok, err := s.Reservations.Transition(ctx, res.ReservationId,
		[]models.ReservationStatus{models.ReservationAuthorized, models.ReservationStartRequested},
		models.ReservationCharging, repo.Transition{TransactionId: &txID})
	if err != nil {
		return err
	}
	if ok {
		s.logger().Info("reservation charging", "reservation", res.ReservationId, "transaction", txID)
	}
	return nil
}

// Complete settles the reservation linked to a stopped transaction against
// its frozen pricing and captures the final amount, up to what was
// authorized. A zero amount releases the hold instead.
func (s *ReservationService) Complete(ctx context.Context, tx models.Transaction) (Result, error) {
	res, err := s.Reservations.GetByTransaction(ctx, tx.TransactionId)
	if err != nil {
		return Result{}, err
	}
	if res == nil {
		return failure(OutcomeNotFound, "", "no reservation for transaction"), nil
	}
	if res.Status != models.ReservationCharging {
		if res.Status == models.ReservationCompleted {
			return success(), nil
		}
		return failure(OutcomeRejected, ReasonWrongState, "reservation is "+string(res.Status)), nil
	}
	log := s.logger().With("reservation", res.ReservationId, "transaction", tx.TransactionId)

	f := SettleTransaction(res.Pricing, tx)
	ceiling := res.MaxAmount
	if res.AuthorizedAmount != nil {
		ceiling = *res.AuthorizedAmount
	}
	amount := f.Gross
	if amount > ceiling {
		log.Warn("final amount above authorized ceiling", "final", amount, "ceiling", ceiling)
		amount = ceiling
	}
	charging := []models.ReservationStatus{models.ReservationCharging}

	if amount <= 0 {
		if err := s.Holds.Release(ctx, res, "Nothing to capture."); err != nil {
			return s.captureFailed(ctx, res, charging, 0, err)
		}
		var zero int64
		if _, err := s.Reservations.Transition(ctx, res.ReservationId, charging, models.ReservationCompleted,
			repo.Transition{CapturedAmount: &zero}); err != nil {
			return Result{}, err
		}
		log.Info("reservation completed without capture")
		return success(), nil
	}

	captured, err := s.Processor.Capture(ctx, res.PaymentIntentId, amount, res.IdempotencyKey+":capture")
	if err != nil {
		return s.captureFailed(ctx, res, charging, amount, err)
	}
	if _, err := s.Reservations.Transition(ctx, res.ReservationId, charging, models.ReservationCompleted,
		repo.Transition{CapturedAmount: &captured}); err != nil {
		return Result{}, err
	}
	log.Info("reservation completed", "captured", captured, "currency", res.Pricing.Currency)
	return success(), nil
}

// TransactionStarted and TransactionCompleted make the service the
// transaction hooks of the events processor.
func (s *ReservationService) TransactionStarted(ctx context.Context, tx models.Transaction) error {
	return s.LinkTransactionStart(ctx, tx)
}

func (s *ReservationService) TransactionCompleted(ctx context.Context, tx models.Transaction) error {
	_, err := s.Complete(ctx, tx)
	return err
}

func (s *ReservationService) captureFailed(ctx context.Context, res *models.PaymentReservation, from []models.ReservationStatus, amount int64, cause error) (Result, error) {
	code := "CaptureFailed"
	msg := fmt.Sprintf("capture of %d failed: %v", amount, cause)
	s.logger().Error("capture failed", "reservation", res.ReservationId, "amount", amount, "err", cause)
	if _, err := s.Reservations.Transition(ctx, res.ReservationId, from, models.ReservationFailed,
		repo.Transition{FailureCode: &code, FailureMessage: &msg}); err != nil {
		return Result{}, err
	}
	return failure(OutcomeProcessorError, code, msg), nil
}

func (s *ReservationService) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *ReservationService) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
