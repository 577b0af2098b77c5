package schemas

import "errors"

// Error taxonomy shared by every component. Callers match with errors.Is;
// producers wrap with additional context via fmt.Errorf("%w: ...").
var (
	// ErrMalformedEvent marks an event with a missing or invalid field.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrOutOfOrderEvent marks an event older than the window low-water-mark minus skew tolerance.
	ErrOutOfOrderEvent = errors.New("out of order event")
	// ErrDuplicateContent is returned for a byte-identical re-delivery; it is an idempotent no-op.
	ErrDuplicateContent = errors.New("duplicate content")
	// ErrConflictingContent marks a re-used content id carrying different facts.
	ErrConflictingContent = errors.New("conflicting content")
	// ErrInvalidConfiguration is fatal at startup.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrDetectorTimeout is non-fatal: the detector is skipped for the tick.
	ErrDetectorTimeout = errors.New("detector timeout")
	// ErrSnapshotUnavailable aborts the current evaluation tick; it is retried next cadence.
	ErrSnapshotUnavailable = errors.New("snapshot unavailable")
	// ErrNotFound is returned by lookups for absent entities.
	ErrNotFound = errors.New("resource not found")
	// ErrDanglingReference rejects an edge whose endpoint does not exist.
	ErrDanglingReference = errors.New("dangling reference")
)
