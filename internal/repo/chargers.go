package repo

import (
	"context"
	"errors"
	"time"

	"ocpphub/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ChargersRepo struct{ db *pgxpool.Pool }

func NewChargersRepo(db *pgxpool.Pool) *ChargersRepo { return &ChargersRepo{db: db} }

func (r *ChargersRepo) Upsert(ctx context.Context, c models.Charger) error {
	_, err := r.db.Exec(ctx, `
		insert into chargers (charge_point_id, secret_hash, cert_thumbprint, is_active, payments_enabled, vendor, model, ocpp_version)
		values ($1,$2,$3,$4,$5,nullif($6,''),nullif($7,''),nullif($8,''))
		on conflict (charge_point_id) do update set
		  secret_hash=excluded.secret_hash,
		  cert_thumbprint=excluded.cert_thumbprint,
		  is_active=excluded.is_active,
		  payments_enabled=excluded.payments_enabled,
		  vendor=coalesce(excluded.vendor, chargers.vendor),
		  model=coalesce(excluded.model, chargers.model),
		  ocpp_version=coalesce(excluded.ocpp_version, chargers.ocpp_version),
		  updated_at=now()
	`, c.ChargePointId, c.SecretHash, c.CertThumbprint, c.IsActive, c.PaymentsEnabled, c.Vendor, c.Model, c.OcppVersion)
	return err
}

func (r *ChargersRepo) Get(ctx context.Context, id string) (*models.Charger, error) {
	row := r.db.QueryRow(ctx, `
		select charge_point_id, secret_hash, cert_thumbprint, is_active, payments_enabled,
		       coalesce(vendor,''), coalesce(model,''), coalesce(ocpp_version,''),
		       created_at, updated_at, last_seen_at
		from chargers where charge_point_id=$1
	`, id)

	var c models.Charger
	if err := row.Scan(&c.ChargePointId, &c.SecretHash, &c.CertThumbprint, &c.IsActive, &c.PaymentsEnabled,
		&c.Vendor, &c.Model, &c.OcppVersion, &c.CreatedAt, &c.UpdatedAt, &c.LastSeenAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// RecordBoot stores what a charge point reported in its boot notification.
// Charge points admitted without a record get an active one so their
// events can be stored.
func (r *ChargersRepo) RecordBoot(ctx context.Context, id, vendor, model, version string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		insert into chargers (charge_point_id, is_active, vendor, model, ocpp_version, last_seen_at)
		values ($1, true, nullif($2,''), nullif($3,''), $4, $5)
		on conflict (charge_point_id) do update set
		  vendor=coalesce(excluded.vendor, chargers.vendor),
		  model=coalesce(excluded.model, chargers.model),
		  ocpp_version=excluded.ocpp_version,
		  last_seen_at=excluded.last_seen_at,
		  updated_at=now()
	`, id, vendor, model, version, at)
	return err
}

func (r *ChargersRepo) TouchLastSeen(ctx context.Context, id string, t time.Time) error {
	_, err := r.db.Exec(ctx, `update chargers set last_seen_at=$2, updated_at=now() where charge_point_id=$1`, id, t)
	return err
}
