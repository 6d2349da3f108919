package domain

import (
	"errors"
	"fmt"
)

// InvalidTaskKindError is returned when an envelope is constructed with a kind
// that does not map to any queue. The enqueue attempt is fatal and not retried.
type InvalidTaskKindError struct {
	Kind Kind
}

func (e *InvalidTaskKindError) Error() string {
	return fmt.Sprintf("invalid task kind %q: no queue mapping", e.Kind)
}

// UnknownTaskKindError is returned when routing or handler lookup fails for a
// kind that was never registered.
type UnknownTaskKindError struct {
	Kind Kind
}

func (e *UnknownTaskKindError) Error() string {
	return fmt.Sprintf("unknown task kind %q", e.Kind)
}

// BrokerUnavailableError wraps a transport-level failure talking to the
// broker. Callers retry with backoff; the worker pool reports Unreachable
// while the condition persists.
type BrokerUnavailableError struct {
	Op  string
	Err error
}

func (e *BrokerUnavailableError) Error() string {
	return fmt.Sprintf("broker unavailable during %s: %v", e.Op, e.Err)
}

func (e *BrokerUnavailableError) Unwrap() error { return e.Err }

// LeaseExpiredError is returned by ack/nack/dead-letter when the lease has
// already expired and the envelope was redelivered elsewhere. The late call
// must be ignored, not treated as success.
type LeaseExpiredError struct {
	EnvelopeID string
	Queue      string
}

func (e *LeaseExpiredError) Error() string {
	return fmt.Sprintf("lease expired for envelope %s on queue %q", e.EnvelopeID, e.Queue)
}

// JobNotFoundError is returned when a search job ID does not exist.
type JobNotFoundError struct {
	JobID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job not found: %s", e.JobID)
}

// PermanentError marks a handler failure as non-retryable: the envelope is
// dead-lettered immediately instead of being nacked for redelivery.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent failure: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the worker pool skips retries. Wrapping nil returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or anything it wraps) is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
