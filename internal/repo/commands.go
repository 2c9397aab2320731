package repo

import (
	"context"
	"errors"

	"ocpphub/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Command statuses.
const (
	CommandQueued = "Queued"
	CommandSent   = "Sent"
	CommandAcked  = "Acked"
	CommandFailed = "Failed"
)

type CommandsRepo struct{ db *pgxpool.Pool }

func NewCommandsRepo(db *pgxpool.Pool) *CommandsRepo { return &CommandsRepo{db: db} }

const commandColumns = `command_id::text, charge_point_id, type, idempotency_key, payload, status, response, error, created_at, updated_at`

func scanCommand(row pgx.Row) (*models.Command, error) {
	var c models.Command
	if err := row.Scan(&c.CommandId, &c.ChargePointId, &c.Type, &c.IdempotencyKey, &c.PayloadJSON, &c.Status, &c.ResponseJSON, &c.Error, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// Create records a command and returns its id. A reused idempotency key
// returns ("", nil) so the caller can load the earlier command instead.
func (r *CommandsRepo) Create(ctx context.Context, c models.Command) (string, error) {
	row := r.db.QueryRow(ctx, `
		insert into commands (charge_point_id, type, idempotency_key, payload, status)
		values ($1,$2,$3,$4,$5)
		returning command_id::text
	`, c.ChargePointId, c.Type, c.IdempotencyKey, c.PayloadJSON, c.Status)

	var id string
	if err := row.Scan(&id); err != nil {
		if isUniqueViolation(err, "commands_idempotency_key_key") {
			return "", nil
		}
		return "", err
	}
	return id, nil
}

func (r *CommandsRepo) GetByIdempotency(ctx context.Context, idem string) (*models.Command, error) {
	c, err := scanCommand(r.db.QueryRow(ctx, `select `+commandColumns+` from commands where idempotency_key=$1`, idem))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

func (r *CommandsRepo) ListByCharger(ctx context.Context, cp string, limit int) ([]models.Command, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `select `+commandColumns+` from commands where charge_point_id=$1 order by created_at desc limit $2`, cp, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *CommandsRepo) MarkSent(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `update commands set status=$2, updated_at=now() where command_id=$1`, id, CommandSent)
	return err
}

func (r *CommandsRepo) MarkAcked(ctx context.Context, id string, response []byte) error {
	_, err := r.db.Exec(ctx, `update commands set status=$2, response=$3, updated_at=now() where command_id=$1`, id, CommandAcked, response)
	return err
}

func (r *CommandsRepo) MarkFailed(ctx context.Context, id string, errMsg string) error {
	_, err := r.db.Exec(ctx, `update commands set status=$2, error=$3, updated_at=now() where command_id=$1`, id, CommandFailed, errMsg)
	return err
}
