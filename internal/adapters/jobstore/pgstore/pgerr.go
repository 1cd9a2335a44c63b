package pgstore

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUndefinedTable(err error) bool {
	return pgCode(err) == pgerrcode.UndefinedTable
}

// isTransient reports errors worth surfacing as UNAVAILABLE rather than
// INTERNAL: the server is shutting down, overloaded or unreachable.
func isTransient(err error) bool {
	code := pgCode(err)
	return pgerrcode.IsConnectionException(code) ||
		pgerrcode.IsInsufficientResources(code) ||
		code == pgerrcode.AdminShutdown ||
		code == pgerrcode.CannotConnectNow
}
