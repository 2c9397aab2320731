package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"ocpphub/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type TransactionsRepo struct{ db *pgxpool.Pool }

func NewTransactionsRepo(db *pgxpool.Pool) *TransactionsRepo { return &TransactionsRepo{db: db} }

const transactionColumns = `transaction_id, device_tx_id, charge_point_id, connector_id, start_tag, started_at,
	meter_start_wh, meter_last_wh, stop_tag, stopped_at, meter_stop_wh, stop_reason, financials, created_at, updated_at`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var (
		t   models.Transaction
		fin []byte
	)
	if err := row.Scan(&t.TransactionId, &t.DeviceTxId, &t.ChargePointId, &t.ConnectorId, &t.StartTag, &t.StartedAt,
		&t.MeterStartWh, &t.MeterLastWh, &t.StopTag, &t.StoppedAt, &t.MeterStopWh, &t.StopReason, &fin, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if len(fin) > 0 {
		var f models.Financials
		if err := json.Unmarshal(fin, &f); err != nil {
			return nil, err
		}
		t.Financials = &f
	}
	return &t, nil
}

func oneTransaction(row pgx.Row) (*models.Transaction, error) {
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

// Start inserts an open transaction and returns its id. When the device did
// not assign an id of its own, the backend id doubles as the device id.
func (r *TransactionsRepo) Start(ctx context.Context, t models.Transaction) (int64, error) {
	row := r.db.QueryRow(ctx, `
		insert into transactions (device_tx_id, charge_point_id, connector_id, start_tag, started_at, meter_start_wh)
		values ($1,$2,$3,$4,$5,$6)
		returning transaction_id
	`, t.DeviceTxId, t.ChargePointId, t.ConnectorId, t.StartTag, t.StartedAt, t.MeterStartWh)

	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	if t.DeviceTxId == "" {
		if _, err := r.db.Exec(ctx, `update transactions set device_tx_id=transaction_id::text where transaction_id=$1`, id); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (r *TransactionsRepo) Get(ctx context.Context, id int64) (*models.Transaction, error) {
	return oneTransaction(r.db.QueryRow(ctx, `select `+transactionColumns+` from transactions where transaction_id=$1`, id))
}

func (r *TransactionsRepo) FindByDevice(ctx context.Context, cp, deviceTxID string) (*models.Transaction, error) {
	return oneTransaction(r.db.QueryRow(ctx, `
		select `+transactionColumns+` from transactions
		where charge_point_id=$1 and device_tx_id=$2
		order by started_at desc
		limit 1
	`, cp, deviceTxID))
}

func (r *TransactionsRepo) FindOpenByConnector(ctx context.Context, cp string, connector int) (*models.Transaction, error) {
	return oneTransaction(r.db.QueryRow(ctx, `
		select `+transactionColumns+` from transactions
		where charge_point_id=$1 and connector_id=$2 and stopped_at is null
		order by started_at desc
		limit 1
	`, cp, connector))
}

// SetStartTag fills in the tag of a transaction that started without one.
func (r *TransactionsRepo) SetStartTag(ctx context.Context, id int64, tag string) error {
	_, err := r.db.Exec(ctx, `update transactions set start_tag=$2, updated_at=now() where transaction_id=$1 and start_tag=''`, id, tag)
	return err
}

func (r *TransactionsRepo) UpdateLastMeter(ctx context.Context, id int64, wh float64) error {
	_, err := r.db.Exec(ctx, `update transactions set meter_last_wh=$2, updated_at=now() where transaction_id=$1`, id, wh)
	return err
}

// Stop closes an open transaction. It reports false when the transaction
// was already stopped.
func (r *TransactionsRepo) Stop(ctx context.Context, id int64, stoppedAt time.Time, meterStop *float64, stopTag, reason *string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		update transactions set stopped_at=$2, meter_stop_wh=coalesce($3, meter_stop_wh),
		  stop_tag=coalesce($4, stop_tag), stop_reason=coalesce($5, stop_reason), updated_at=now()
		where transaction_id=$1 and stopped_at is null
	`, id, stoppedAt, meterStop, stopTag, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *TransactionsRepo) SetFinancials(ctx context.Context, id int64, f models.Financials) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `update transactions set financials=$2, updated_at=now() where transaction_id=$1`, id, b)
	return err
}

func (r *TransactionsRepo) ListByCharger(ctx context.Context, cp string, limit int) ([]models.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		select `+transactionColumns+` from transactions where charge_point_id=$1
		order by started_at desc
		limit $2
	`, cp, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
