package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ocpphub/internal/models"
)

const (
	MessageStartWindowExpired = "Start window expired."
	FailureAbandoned          = "Abandoned"
)

// Sweeper closes reservations that stopped making progress.
type Sweeper struct {
	Reservations   ReservationStore
	Holds          *HoldKeeper
	Interval       time.Duration
	PendingTimeout time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

type SweepStats struct {
	TimedOut  int
	Abandoned int
	Released  int
}

// Run sweeps once immediately, to repair state left by a previous process,
// and then every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.pass(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.pass(ctx)
		}
	}
}

func (s *Sweeper) pass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger().Error("sweep panicked", "panic", fmt.Sprint(r))
		}
	}()
	stats, err := s.Sweep(ctx)
	if err != nil {
		s.logger().Error("sweep failed", "err", err)
		return
	}
	if stats.TimedOut > 0 || stats.Abandoned > 0 || stats.Released > 0 {
		s.logger().Info("sweep closed reservations", "timed_out", stats.TimedOut, "abandoned", stats.Abandoned, "released", stats.Released)
	}
}

// Sweep runs one pass. Authorized reservations past their start deadline
// become StartTimeout; pre-charging reservations untouched for longer than
// PendingTimeout become Abandoned. Holds whose release failed on an earlier
// pass are released again first.
func (s *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := s.now()

	unreleased, err := s.Reservations.ListFailedWithCode(ctx, FailureReleaseFailed)
	if err != nil {
		return stats, err
	}
	for i := range unreleased {
		ok, err := s.Holds.RetryRelease(ctx, &unreleased[i])
		if ok {
			stats.Released++
		}
		if err != nil {
			s.logger().Warn("retry hold release", "reservation", unreleased[i].ReservationId, "err", err)
		}
	}

	expired, err := s.Reservations.ListStartExpired(ctx, now)
	if err != nil {
		return stats, err
	}
	for i := range expired {
		ok, err := s.Holds.Exit(ctx, &expired[i], []models.ReservationStatus{models.ReservationAuthorized},
			models.ReservationStartTimeout, ReasonStartTimeout, MessageStartWindowExpired)
		if ok {
			stats.TimedOut++
		}
		if err != nil {
			s.logger().Warn("close timed out reservation", "reservation", expired[i].ReservationId, "err", err)
		}
	}

	if s.PendingTimeout <= 0 {
		return stats, nil
	}
	stale, err := s.Reservations.ListStale(ctx, models.PreChargingStatuses, now.Add(-s.PendingTimeout))
	if err != nil {
		return stats, err
	}
	for i := range stale {
		res := &stale[i]
		msg := fmt.Sprintf("No progress in %s while %s.", s.PendingTimeout, res.Status)
		ok, err := s.Holds.Exit(ctx, res, []models.ReservationStatus{res.Status}, models.ReservationAbandoned, FailureAbandoned, msg)
		if ok {
			stats.Abandoned++
		}
		if err != nil {
			s.logger().Warn("close abandoned reservation", "reservation", res.ReservationId, "err", err)
		}
	}
	return stats, nil
}

func (s *Sweeper) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
