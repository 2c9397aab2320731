package repo

import (
	"context"
	"errors"

	"ocpphub/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type TariffsRepo struct{ db *pgxpool.Pool }

func NewTariffsRepo(db *pgxpool.Pool) *TariffsRepo { return &TariffsRepo{db: db} }

// UpsertActiveForCharger replaces the active tariff of a charge point.
// Reservations keep their frozen copy, so older rows are only deactivated.
func (r *TariffsRepo) UpsertActiveForCharger(ctx context.Context, t models.Tariff) (string, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `update tariffs set is_active=false, updated_at=now() where charge_point_id=$1 and is_active=true`, t.ChargePointId); err != nil {
		return "", err
	}
	row := tx.QueryRow(ctx, `
		insert into tariffs (charge_point_id, currency, price_per_kwh, usage_fee_per_minute, usage_fee_free_minutes,
		                     usage_fee_max_minutes, session_fee, commission_percent, max_hold_kwh, is_active)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,true)
		returning tariff_id
	`, t.ChargePointId, t.Currency, t.PricePerKwh, t.UsageFeePerMinute, t.UsageFeeFreeMinutes,
		t.UsageFeeMaxMinutes, t.SessionFee, t.CommissionPercent, t.MaxHoldKwh)
	var id string
	if err := row.Scan(&id); err != nil {
		return "", err
	}
	return id, tx.Commit(ctx)
}

func (r *TariffsRepo) GetActiveForCharger(ctx context.Context, cp string) (*models.Tariff, error) {
	row := r.db.QueryRow(ctx, `
		select tariff_id::text, charge_point_id, currency, price_per_kwh::float8, usage_fee_per_minute::float8,
		       usage_fee_free_minutes, usage_fee_max_minutes, session_fee::float8, commission_percent::float8,
		       max_hold_kwh::float8, is_active, created_at, updated_at
		from tariffs
		where charge_point_id=$1 and is_active=true
		order by created_at desc
		limit 1
	`, cp)
	var t models.Tariff
	if err := row.Scan(&t.TariffId, &t.ChargePointId, &t.Currency, &t.PricePerKwh, &t.UsageFeePerMinute,
		&t.UsageFeeFreeMinutes, &t.UsageFeeMaxMinutes, &t.SessionFee, &t.CommissionPercent,
		&t.MaxHoldKwh, &t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}
