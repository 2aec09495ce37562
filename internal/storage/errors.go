package storage

import (
	"errors"

	"github.com/lib/pq"
)

// TransientStoreError wraps a store failure the caller should retry
// (connection loss, statement timeout). FatalStoreError wraps one it should
// not (constraint violation unrelated to idempotency, malformed SQL) and
// that should surface to the operator instead of being retried forever.
type (
	TransientStoreError struct{ Err error }
	FatalStoreError     struct{ Err error }
)

func (e *TransientStoreError) Error() string { return "transient store error: " + e.Err.Error() }
func (e *TransientStoreError) Unwrap() error  { return e.Err }

func (e *FatalStoreError) Error() string { return "fatal store error: " + e.Err.Error() }
func (e *FatalStoreError) Unwrap() error { return e.Err }

// classConnectionException is the SQLSTATE class for connection-related
// errors (class 08): connection_exception, connection_does_not_exist,
// sqlclient_unable_to_establish_sqlconnection, etc.
const classConnectionException = "08"

// classTransactionRollback is the SQLSTATE class for transaction-rollback
// errors (class 40): serialization_failure (40001), deadlock_detected
// (40P01). A concurrent writer touching the same (topic, event_id) row is
// exactly the condition under which Postgres picks a deadlock victim or
// aborts a serializable transaction, and the aborted side should simply
// retry rather than be treated as a caller mistake.
const classTransactionRollback = "40"

// codeQueryCanceled is statement_timeout/query_canceled: the statement hit
// a server-side time budget, not a data or schema problem, so it is
// retry-safe the same way a connection loss is.
const codeQueryCanceled = "57014"

// ClassifyError wraps a raw Postgres error as Transient (safe to retry) or
// Fatal (not), based on the SQLSTATE code. Everything that isn't a
// recognizable pq.Error (context deadline, network io.EOF) is treated as
// transient too, since those are exactly the conditions a retry can ride out.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if isTransientPostgresError(pqErr) {
			return &TransientStoreError{Err: err}
		}

		return &FatalStoreError{Err: err}
	}

	return &TransientStoreError{Err: err}
}

// isTransientPostgresError reports whether a Postgres error code is one a
// reconnect-and-retry, or a simple retry of the same transaction, can
// plausibly recover from: connection loss (class 08), deadlock/
// serialization failure (class 40), and statement timeout (57014).
func isTransientPostgresError(pqErr *pq.Error) bool {
	code := string(pqErr.Code)
	if len(code) < 2 {
		return false
	}

	switch code[:2] {
	case classConnectionException, classTransactionRollback:
		return true
	}

	return code == codeQueryCanceled
}
