package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the requested document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConfiguration marks a missing or invalid endpoint, credential or option.
	ErrConfiguration = errors.New("configuration error")
	// ErrEmptyStream is returned when a stream ends before any data snapshot arrived.
	ErrEmptyStream = errors.New("stream ended without data")
	// ErrSchemaMismatch means a stored document does not describe a BAM/CRAM file.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrMalformedSnapshot indicates a snapshot with values that cannot be aggregated.
	ErrMalformedSnapshot = errors.New("malformed snapshot")
	// ErrMissingTotalReads is returned when percentages are requested without a usable total_reads.
	ErrMissingTotalReads = errors.New("total_reads is missing or zero")
	// ErrNonCumulativeSnapshot is returned when a snapshot drops keys or shrinks total_reads.
	ErrNonCumulativeSnapshot = errors.New("snapshot is not cumulative")
	// ErrSessionClosed is returned when events arrive for a session that already terminated.
	ErrSessionClosed = errors.New("session closed")
)

// DeliveryError reports a failure of a single output destination.
type DeliveryError struct {
	Destination string
	Err         error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.Destination, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
