package repo

import (
	"context"
	"errors"
	"time"

	"ocpphub/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type StateRepo struct{ db *pgxpool.Pool }

func NewStateRepo(db *pgxpool.Pool) *StateRepo { return &StateRepo{db: db} }

func (r *StateRepo) UpsertConnector(ctx context.Context, st models.ConnectorState) error {
	_, err := r.db.Exec(ctx, `
		insert into connector_state (charge_point_id, connector_id, status, error_code, status_at, updated_at)
		values ($1,$2,$3,$4,$5, now())
		on conflict (charge_point_id, connector_id) do update set
		  status=excluded.status,
		  error_code=excluded.error_code,
		  status_at=excluded.status_at,
		  updated_at=now()
	`, st.ChargePointId, st.ConnectorId, st.Status, st.ErrorCode, st.StatusAt)
	return err
}

// UpdateMeter records the latest energy register reading of a connector
// whose status has been reported before.
func (r *StateRepo) UpdateMeter(ctx context.Context, cp string, connector int, wh float64, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		update connector_state set meter_wh=$3, meter_at=$4, updated_at=now()
		where charge_point_id=$1 and connector_id=$2
	`, cp, connector, wh, at)
	return err
}

func (r *StateRepo) GetConnector(ctx context.Context, cp string, connector int) (*models.ConnectorState, error) {
	row := r.db.QueryRow(ctx, `
		select charge_point_id, connector_id, status, error_code, status_at, meter_wh, meter_at, updated_at
		from connector_state where charge_point_id=$1 and connector_id=$2
	`, cp, connector)

	var s models.ConnectorState
	if err := row.Scan(&s.ChargePointId, &s.ConnectorId, &s.Status, &s.ErrorCode, &s.StatusAt, &s.MeterWh, &s.MeterAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (r *StateRepo) ListConnectors(ctx context.Context, cp string) ([]models.ConnectorState, error) {
	rows, err := r.db.Query(ctx, `
		select charge_point_id, connector_id, status, error_code, status_at, meter_wh, meter_at, updated_at
		from connector_state where charge_point_id=$1
		order by connector_id asc
	`, cp)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ConnectorState
	for rows.Next() {
		var s models.ConnectorState
		if err := rows.Scan(&s.ChargePointId, &s.ConnectorId, &s.Status, &s.ErrorCode, &s.StatusAt, &s.MeterWh, &s.MeterAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
