package services

import (
	"context"
	"hash/fnv"
	"log/slog"
	"time"

	"ocpphub/internal/models"
	"ocpphub/internal/ocpp"
	"ocpphub/internal/repo"
)

// LockID derives the integer connector lock id a charge point is told
// about from a reservation id.
func LockID(reservationID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(reservationID))
	return int(h.Sum32() & 0x7fffffff)
}

// Orchestrator drives an authorized reservation to a started session.
type Orchestrator struct {
	Conns         Connections
	Resolver      *Resolver
	Reservations  ReservationStore
	Holds         *HoldKeeper
	UseReserveNow bool
	StartWindow   time.Duration
	Logger        *slog.Logger
}

// TryStart asks the charge point to start the reservation's session. A busy
// or offline connector leaves the reservation untouched so the start can be
// retried.
func (o *Orchestrator) TryStart(ctx context.Context, res *models.PaymentReservation) (Result, error) {
	switch res.Status {
	case models.ReservationStartRequested, models.ReservationCharging:
		return success(), nil
	case models.ReservationAuthorized:
	default:
		return failure(OutcomeRejected, ReasonWrongState, "reservation is "+string(res.Status)), nil
	}

	s, err := o.Resolver.Startability(ctx, res.ChargePointId, res.ConnectorId, res.ReservationId)
	if err != nil {
		return Result{}, err
	}
	if !s.Startable {
		if s.Reason == ReasonOffline {
			return failure(OutcomeOffline, ReasonOffline, "charge point is not connected"), nil
		}
		return failure(OutcomeBusy, s.Reason, "connector is busy"), nil
	}
	conn, ok := o.Conns.Lookup(res.ChargePointId)
	if !ok {
		return failure(OutcomeOffline, ReasonOffline, "charge point is not connected"), nil
	}

	log := o.logger().With("reservation", res.ReservationId, "charge_point", res.ChargePointId, "connector", res.ConnectorId)
	lockID := LockID(res.ReservationId)
	locked := false
	if o.UseReserveNow {
		locked = o.lock(ctx, conn, res, lockID, log)
	}

	reply, err := conn.Send(ctx, conn.Protocol().RemoteStart(ocpp.RemoteStartRequest{
		ConnectorID:   res.ConnectorId,
		IDTag:         res.ChargeTag,
		RemoteStartID: lockID,
	}))
	if err == nil && reply.Status == ocpp.ResultAccepted {
		moved, terr := o.Reservations.Transition(ctx, res.ReservationId,
			[]models.ReservationStatus{models.ReservationAuthorized}, models.ReservationStartRequested, repo.Transition{})
		if terr != nil {
			return Result{}, terr
		}
		if moved {
			log.Info("remote start accepted")
		} else {
			log.Info("remote start accepted after reservation moved on")
		}
		return success(), nil
	}

	msg := "remote start " + reply.Status
	if err != nil {
		msg = "remote start failed: " + err.Error()
	}
	log.Warn("remote start not accepted", "status", reply.Status, "err", err)
	closed, xerr := o.Holds.Exit(ctx, res, []models.ReservationStatus{models.ReservationAuthorized},
		models.ReservationStartRejected, ReasonStartRejected, msg)
	if xerr != nil {
		log.Error("close rejected reservation", "err", xerr)
	}
	if !closed && xerr == nil {
		// Another start won the reservation; its lock stays.
		cur, gerr := o.Reservations.Get(ctx, res.ReservationId)
		if gerr != nil {
			return Result{}, gerr
		}
		if cur != nil && (cur.Status == models.ReservationStartRequested || cur.Status == models.ReservationCharging) {
			log.Info("remote start not accepted after reservation moved on", "status", string(cur.Status))
			return success(), nil
		}
	}
	if locked {
		o.unlock(ctx, conn, lockID, log)
	}
	return failure(OutcomeRejected, ReasonStartRejected, msg), nil
}

func (o *Orchestrator) lock(ctx context.Context, conn *ocpp.Conn, res *models.PaymentReservation, lockID int, log *slog.Logger) bool {
	expiry := time.Now().UTC().Add(o.startWindow())
	if res.StartDeadline != nil {
		expiry = res.StartDeadline.UTC()
	}
	reply, err := conn.Send(ctx, conn.Protocol().ReserveNow(ocpp.ReserveNowRequest{
		ReservationID: lockID,
		ConnectorID:   res.ConnectorId,
		IDTag:         res.ChargeTag,
		Expiry:        expiry,
	}))
	if err != nil {
		log.Warn("reserve connector failed", "err", err)
		return false
	}
	if reply.Status != ocpp.ResultAccepted {
		log.Warn("reserve connector not accepted", "status", reply.Status)
		return false
	}
	return true
}

// Unlock cancels the connector lock of a reservation, if the charge point
// is connected.
func (o *Orchestrator) Unlock(ctx context.Context, res *models.PaymentReservation) {
	if !o.UseReserveNow {
		return
	}
	conn, ok := o.Conns.Lookup(res.ChargePointId)
	if !ok {
		return
	}
	o.unlock(ctx, conn, LockID(res.ReservationId), o.logger().With("reservation", res.ReservationId))
}

func (o *Orchestrator) unlock(ctx context.Context, conn *ocpp.Conn, lockID int, log *slog.Logger) {
	reply, err := conn.Send(ctx, conn.Protocol().CancelReservation(lockID))
	if err != nil {
		log.Warn("cancel connector lock failed", "err", err)
		return
	}
	if reply.Status != ocpp.ResultAccepted {
		log.Debug("cancel connector lock not accepted", "status", reply.Status)
	}
}

func (o *Orchestrator) startWindow() time.Duration {
	if o.StartWindow <= 0 {
		return 5 * time.Minute
	}
	return o.StartWindow
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}
