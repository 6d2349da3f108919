// Package broker defines the transport contract the task queue runs on:
// idempotent enqueue, dequeue with a visibility-timeout lease, ack/nack, and
// application-managed dead-lettering. Any implementation providing
// at-least-once delivery with leases satisfies the contract.
package broker

import (
	"context"
	"time"

	"github.com/umeshrajanna/deepship-llm-worker/internal/domain"
)

// Lease is a temporary exclusive claim on a dequeued envelope. It is owned by
// the slot that dequeued it until ack/nack/dead-letter or expiry; once the
// visibility timeout passes the broker redelivers the envelope and any late
// call with this lease fails with LeaseExpiredError.
type Lease struct {
	Envelope  *domain.Envelope
	Token     string
	Queue     string
	ExpiresAt time.Time
}

// DeadLetter is a terminal record for an envelope that exhausted its retry
// budget or failed permanently. Kept for operator inspection, never silently
// dropped.
type DeadLetter struct {
	Envelope *domain.Envelope `json:"envelope"`
	Reason   string           `json:"reason"`
	DeadAt   time.Time        `json:"dead_at"`
}

// Broker is the queue transport.
//
// Enqueue is idempotent per envelope ID so producer retries cannot cause
// duplicate delivery. Dequeue long-polls up to a bounded interval and returns
// (nil, nil) when the queue stays empty — an empty queue is not an error.
// Transport failures surface as *domain.BrokerUnavailableError; stale leases
// as *domain.LeaseExpiredError.
type Broker interface {
	// Enqueue stores env on its target queue and returns an ack token.
	// Re-enqueueing an ID the broker has already seen is a no-op.
	Enqueue(ctx context.Context, env *domain.Envelope) (string, error)

	// Dequeue claims the next ready envelope on queue for the duration of
	// visibility. The returned envelope has its attempt count already
	// incremented for this delivery.
	Dequeue(ctx context.Context, queue string, visibility time.Duration) (*Lease, error)

	// Ack removes the leased envelope permanently.
	Ack(ctx context.Context, lease *Lease) error

	// Nack returns the leased envelope to its queue after delay.
	Nack(ctx context.Context, lease *Lease, delay time.Duration) error

	// DeadLetter moves the leased envelope to the terminal failure
	// destination with the given reason.
	DeadLetter(ctx context.Context, lease *Lease, reason string) error

	// DeadLetters lists up to limit terminal records for queue, newest first.
	DeadLetters(ctx context.Context, queue string, limit int) ([]DeadLetter, error)

	// Ping checks transport health.
	Ping(ctx context.Context) error

	Close() error
}
