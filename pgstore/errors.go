package pgstore

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL error codes of contention that goes away on retry.
const (
	// LockNotAvailable is raised by NOWAIT and lock_timeout.
	LockNotAvailable = "55P03"
	// SerializationFailure is raised by REPEATABLE READ and SERIALIZABLE transactions.
	SerializationFailure = "40001"
	// DeadlockDetected is raised on the transaction the server picked as the victim.
	DeadlockDetected = "40P01"
)

// Code returns the SQLSTATE carried by err, or "" when err does not come
// from the server.
func Code(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var st interface{ SQLState() string }
	if errors.As(err, &st) {
		return st.SQLState()
	}
	return ""
}

// IsTransient reports whether err is contention worth retrying.
func IsTransient(err error) bool {
	switch Code(err) {
	case LockNotAvailable, SerializationFailure, DeadlockDetected:
		return true
	}
	return false
}

// IsOperational reports whether err was raised by the database server,
// transient or not.
func IsOperational(err error) bool { return Code(err) != "" }
