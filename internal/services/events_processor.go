package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"ocpphub/internal/models"
	"ocpphub/internal/ocpp"
)

// TransactionHooks are told when a device transaction starts and when it
// has been stopped and settled.
type TransactionHooks interface {
	TransactionStarted(ctx context.Context, tx models.Transaction) error
	TransactionCompleted(ctx context.Context, tx models.Transaction) error
}

// EventsProcessor persists device events and feeds transaction lifecycle
// changes to the hooks. It implements ocpp.EventSink.
type EventsProcessor struct {
	Events       EventLog
	Chargers     ChargerStore
	State        StateStore
	Transactions TransactionStore
	Tariffs      TariffStore
	Reservations ReservationStore
	Hooks        TransactionHooks
	MaxSkew      time.Duration
	Logger       *slog.Logger
}

var _ ocpp.EventSink = (*EventsProcessor)(nil)

// clamp replaces device timestamps that are missing or too far from the
// server clock.
func (p *EventsProcessor) clamp(ts time.Time) time.Time {
	now := time.Now().UTC()
	if ts.IsZero() {
		return now
	}
	ts = ts.UTC()
	if p.MaxSkew > 0 && (ts.Before(now.Add(-p.MaxSkew)) || ts.After(now.Add(p.MaxSkew))) {
		return now
	}
	return ts
}

func (p *EventsProcessor) record(ctx context.Context, cp, eventType string, ts time.Time, v any) {
	if p.Events == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := p.Events.InsertRaw(ctx, cp, eventType, ts, raw); err != nil {
		p.logger().Warn("store device event", "charge_point", cp, "type", eventType, "err", err)
	}
}

func (p *EventsProcessor) Boot(ctx context.Context, cp string, version ocpp.Version, info ocpp.BootInfo) error {
	ts := p.clamp(time.Time{})
	p.record(ctx, cp, "BootNotification", ts, info)
	return p.Chargers.RecordBoot(ctx, cp, info.Vendor, info.Model, string(version), ts)
}

func (p *EventsProcessor) Heartbeat(ctx context.Context, cp string, at time.Time) error {
	return p.Chargers.TouchLastSeen(ctx, cp, p.clamp(at))
}

func (p *EventsProcessor) StatusChanged(ctx context.Context, cp string, ev ocpp.StatusEvent) error {
	ts := p.clamp(ev.Timestamp)
	p.record(ctx, cp, "StatusNotification", ts, ev)
	status := ev.RawStatus
	if status == "" {
		status = string(ev.Status)
	}
	if err := p.State.UpsertConnector(ctx, models.ConnectorState{
		ChargePointId: cp,
		ConnectorId:   ev.ConnectorID,
		Status:        status,
		ErrorCode:     ev.ErrorCode,
		StatusAt:      ts,
	}); err != nil {
		return err
	}
	_ = p.Chargers.TouchLastSeen(ctx, cp, ts)
	return nil
}

func (p *EventsProcessor) MeterValues(ctx context.Context, cp string, m ocpp.MeterReading) error {
	if m.EnergyWh == nil {
		return nil
	}
	ts := p.clamp(m.Timestamp)
	if err := p.State.UpdateMeter(ctx, cp, m.ConnectorID, *m.EnergyWh, ts); err != nil {
		return err
	}
	if m.DeviceTxID == "" {
		return nil
	}
	tx, err := p.Transactions.FindByDevice(ctx, cp, m.DeviceTxID)
	if err != nil || tx == nil {
		return err
	}
	return p.Transactions.UpdateLastMeter(ctx, tx.TransactionId, *m.EnergyWh)
}

// TransactionStarted opens a transaction and returns its id. A repeated
// start for a device id already known returns the existing transaction.
// An open transaction left on the connector is closed first.
func (p *EventsProcessor) TransactionStarted(ctx context.Context, cp string, ev ocpp.TransactionStart) (int64, error) {
	ts := p.clamp(ev.Timestamp)
	log := p.logger().With("charge_point", cp, "connector", ev.ConnectorID)

	if ev.DeviceTxID != "" {
		existing, err := p.Transactions.FindByDevice(ctx, cp, ev.DeviceTxID)
		if err != nil {
			return 0, err
		}
		if existing != nil {
			if existing.StartTag == "" && ev.IDTag != "" {
				if err := p.Transactions.SetStartTag(ctx, existing.TransactionId, ev.IDTag); err != nil {
					return 0, err
				}
				existing.StartTag = ev.IDTag
				p.started(ctx, *existing, log)
			}
			return existing.TransactionId, nil
		}
	}

	p.record(ctx, cp, "TransactionStarted", ts, ev)
	if open, err := p.Transactions.FindOpenByConnector(ctx, cp, ev.ConnectorID); err != nil {
		return 0, err
	} else if open != nil {
		log.Warn("closing leftover open transaction", "transaction", open.TransactionId)
		reason := "Superseded"
		if err := p.stop(ctx, open, ts, nil, nil, &reason); err != nil {
			return 0, err
		}
	}

	tx := models.Transaction{
		DeviceTxId:    ev.DeviceTxID,
		ChargePointId: cp,
		ConnectorId:   ev.ConnectorID,
		StartTag:      ev.IDTag,
		StartedAt:     ts,
		MeterStartWh:  ev.MeterStartWh,
	}
	id, err := p.Transactions.Start(ctx, tx)
	if err != nil {
		return 0, err
	}
	tx.TransactionId = id
	log.Info("transaction started", "transaction", id, "tag", ev.IDTag)
	p.started(ctx, tx, log)
	_ = p.Chargers.TouchLastSeen(ctx, cp, ts)
	return id, nil
}

func (p *EventsProcessor) started(ctx context.Context, tx models.Transaction, log *slog.Logger) {
	if p.Hooks == nil || tx.StartTag == "" {
		return
	}
	if err := p.Hooks.TransactionStarted(ctx, tx); err != nil {
		log.Error("transaction start hook", "transaction", tx.TransactionId, "err", err)
	}
}

func (p *EventsProcessor) TransactionStopped(ctx context.Context, cp string, ev ocpp.TransactionStop) error {
	ts := p.clamp(ev.Timestamp)
	p.record(ctx, cp, "TransactionStopped", ts, ev)
	tx, err := p.Transactions.FindByDevice(ctx, cp, ev.DeviceTxID)
	if err != nil {
		return err
	}
	if tx == nil {
		p.logger().Warn("stop for unknown transaction", "charge_point", cp, "device_tx", ev.DeviceTxID)
		return nil
	}
	var tag, reason *string
	if ev.IDTag != "" {
		tag = &ev.IDTag
	}
	if ev.Reason != "" {
		reason = &ev.Reason
	}
	if err := p.stop(ctx, tx, ts, ev.MeterStopWh, tag, reason); err != nil {
		return err
	}
	_ = p.Chargers.TouchLastSeen(ctx, cp, ts)
	return nil
}

// stop closes tx, stores its settlement and runs the completion hook. A
// transaction that was already closed is left alone.
func (p *EventsProcessor) stop(ctx context.Context, tx *models.Transaction, at time.Time, meterStop *float64, tag, reason *string) error {
	ok, err := p.Transactions.Stop(ctx, tx.TransactionId, at, meterStop, tag, reason)
	if err != nil || !ok {
		return err
	}
	closed, err := p.Transactions.Get(ctx, tx.TransactionId)
	if err != nil {
		return err
	}
	if closed == nil {
		return nil
	}
	log := p.logger().With("charge_point", closed.ChargePointId, "transaction", closed.TransactionId)

	if pricing, ok, err := p.pricingFor(ctx, closed); err != nil {
		log.Error("load pricing for settlement", "err", err)
	} else if ok {
		f := SettleTransaction(pricing, *closed)
		if err := p.Transactions.SetFinancials(ctx, closed.TransactionId, f); err != nil {
			return err
		}
		closed.Financials = &f
	}
	log.Info("transaction stopped")

	if p.Hooks != nil {
		if err := p.Hooks.TransactionCompleted(ctx, *closed); err != nil {
			log.Error("transaction completion hook", "err", err)
		}
	}
	return nil
}

// pricingFor prefers the snapshot frozen on a linked reservation over the
// charge point's current tariff.
func (p *EventsProcessor) pricingFor(ctx context.Context, tx *models.Transaction) (models.PricingSnapshot, bool, error) {
	if p.Reservations != nil {
		res, err := p.Reservations.GetByTransaction(ctx, tx.TransactionId)
		if err != nil {
			return models.PricingSnapshot{}, false, err
		}
		if res != nil {
			return res.Pricing, true, nil
		}
	}
	if p.Tariffs == nil {
		return models.PricingSnapshot{}, false, nil
	}
	t, err := p.Tariffs.GetActiveForCharger(ctx, tx.ChargePointId)
	if err != nil || t == nil {
		return models.PricingSnapshot{}, false, err
	}
	return SnapshotFromTariff(*t), true, nil
}

func (p *EventsProcessor) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}
