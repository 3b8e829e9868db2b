package postgres

import (
	"errors"

	"github.com/lib/pq"
)

// Postgres error codes the pipeline cares about.
const (
	codeUniqueViolation  = "23505"
	codeUndefinedTable   = "42P01"
	codeSerialization    = "40001"
	codeDeadlockDetected = "40P01"
)

// IsUniqueViolation reports whether err is a unique constraint
// violation, optionally on a specific constraint.
func IsUniqueViolation(err error, constraintName string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || string(pqErr.Code) != codeUniqueViolation {
		return false
	}
	if constraintName != "" {
		return pqErr.Constraint == constraintName
	}
	return true
}

// IsUndefinedTable reports whether err means the referenced table does
// not exist. View rewinds use this to skip tables that were never
// created.
func IsUndefinedTable(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == codeUndefinedTable
}

// IsRetryable reports whether err is a transient store failure worth
// retrying: serialization failures and deadlocks.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	code := string(pqErr.Code)
	return code == codeSerialization || code == codeDeadlockDetected
}
