package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrLockHeld      = errors.New("lock already held")
	ErrSigningFailed = errors.New("signing failed")
	ErrInvalidInput  = errors.New("invalid input")

	// Protocol layer.
	ErrConnection = errors.New("connection error")
	ErrTimeout    = errors.New("request timed out")
	ErrRemote     = errors.New("remote error")

	// Sequencing preconditions. Never retried automatically.
	ErrNotConnected     = errors.New("not connected")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrAuthInProgress   = errors.New("authentication already in progress")

	// App session rules.
	ErrVersionConflict     = errors.New("version conflict")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrSessionClosed       = errors.New("session closed")
	ErrAllocationMismatch  = errors.New("allocation totals do not match")
	ErrNegativeAllocation  = errors.New("negative allocation")
	ErrInvalidDefinition   = errors.New("invalid session definition")
	ErrNotAuthority        = errors.New("caller is not the settlement authority")

	// Settlement.
	ErrMetricUnavailable = errors.New("metric unavailable")
	ErrMarketNotOpen     = errors.New("market not open for betting")
)

// RemoteError is an explicit error payload returned by the coordinator. The
// message is surfaced verbatim.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("remote error: %s", e.Message)
	}
	return fmt.Sprintf("remote error (%s): %s", e.Method, e.Message)
}

// Unwrap lets errors.Is(err, ErrRemote) match any RemoteError.
func (e *RemoteError) Unwrap() error { return ErrRemote }
