package repo

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var ErrActiveReservationExists = errors.New("repo: connector already has an active reservation")

const uniqueViolation = "23505"

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
