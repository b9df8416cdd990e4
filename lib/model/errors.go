package model

import "errors"

// Error taxonomy of the sync core. Components wrap these so callers can use
// errors.Is regardless of which layer produced the failure.
var (
	// ErrTransientIO is a network blip or timeout. Retried by the next scheduled pass, never inline.
	ErrTransientIO = errors.New("transient io error")
	// ErrCircuitOpen means the operation was refused by a circuit breaker.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrWriteConflict means a write assumed a stale base revision.
	ErrWriteConflict = errors.New("write conflict")
	// ErrManualResolution marks a conflict no policy could settle.
	ErrManualResolution = errors.New("manual resolution required")
	// ErrLeaseUnavailable means another context holds the lease. Expected, not a failure.
	ErrLeaseUnavailable = errors.New("lease held by another context")
	// ErrStoreCorrupt is the only fatal condition: the local store can no longer be trusted.
	ErrStoreCorrupt = errors.New("unrecoverable store corruption")
	// ErrRemoteUnrecoverable is a remote failure that retrying cannot fix.
	ErrRemoteUnrecoverable = errors.New("unrecoverable remote error")
)
