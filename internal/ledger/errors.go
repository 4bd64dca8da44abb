package ledger

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// Write failure classes reported with dropped records.
const (
	WriteErrorClassConnection = "connection"
	WriteErrorClassTimeout    = "timeout"
	WriteErrorClassContention = "contention"
	WriteErrorClassConstraint = "constraint"
	WriteErrorClassUnknown    = "unknown"
)

// ClassifyWriteError maps a store error to a write failure class. Driver
// errors often lose their type once wrapped, so the message is checked last.
func ClassifyWriteError(err error) string {
	if err == nil {
		return WriteErrorClassUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return WriteErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return WriteErrorClassTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return WriteErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return WriteErrorClassConnection
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if class := classifyPostgresCode(pgErr.Code); class != WriteErrorClassUnknown {
			return class
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection refused", "broken pipe", "no such host"):
		return WriteErrorClassConnection
	case containsAny(msg, "timeout", "deadline exceeded"):
		return WriteErrorClassTimeout
	case containsAny(msg, "sqlite_busy", "database is locked"):
		return WriteErrorClassContention
	case containsAny(msg, "unique constraint", "duplicate key", "violates check constraint", "constraint failed"):
		return WriteErrorClassConstraint
	default:
		return WriteErrorClassUnknown
	}
}

func containsAny(msg string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// classifyPostgresCode maps SQLSTATE codes to write failure classes.
func classifyPostgresCode(code string) string {
	switch {
	case strings.HasPrefix(code, "08"):
		return WriteErrorClassConnection
	case code == "57014":
		return WriteErrorClassTimeout
	case code == "40001", code == "40P01", code == "55P03":
		return WriteErrorClassContention
	case strings.HasPrefix(code, "23"):
		return WriteErrorClassConstraint
	default:
		return WriteErrorClassUnknown
	}
}
