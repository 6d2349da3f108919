// Package memory provides an in-process Broker used by tests and local
// development. It implements the full contract — idempotent enqueue,
// visibility-timeout redelivery, delayed nack requeue, and dead-letter
// records — so retry and lease policy are testable without a live broker.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/umeshrajanna/deepship-llm-worker/internal/broker"
	"github.com/umeshrajanna/deepship-llm-worker/internal/domain"
)

const pollInterval = 5 * time.Millisecond

type delayedEntry struct {
	env     *domain.Envelope
	readyAt time.Time
}

type pendingEntry struct {
	env       *domain.Envelope
	token     string
	expiresAt time.Time
}

type queueState struct {
	ready   []*domain.Envelope
	delayed []delayedEntry
	pending map[string]*pendingEntry // envelope ID → in-flight claim
}

// Broker is an in-memory broker.Broker. Safe for concurrent use.
type Broker struct {
	mu          sync.Mutex
	queues      map[string]*queueState
	seen        map[string]bool // envelope IDs ever enqueued (idempotency)
	dead        map[string][]broker.DeadLetter
	maxWait     time.Duration
	unavailable bool
	closed      bool
}

// Option configures the in-memory broker.
type Option func(*Broker)

// WithMaxWait bounds how long Dequeue blocks waiting for work.
func WithMaxWait(d time.Duration) Option { return func(b *Broker) { b.maxWait = d } }

// New creates an empty in-memory broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		queues:  make(map[string]*queueState),
		seen:    make(map[string]bool),
		dead:    make(map[string][]broker.DeadLetter),
		maxWait: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetUnavailable toggles simulated transport failure: every operation returns
// BrokerUnavailableError while set. Used to exercise the pool's Unreachable
// transition.
func (b *Broker) SetUnavailable(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unavailable = down
}

func (b *Broker) checkTransport(op string) error {
	if b.closed {
		return &domain.BrokerUnavailableError{Op: op, Err: errors.New("broker closed")}
	}
	if b.unavailable {
		return &domain.BrokerUnavailableError{Op: op, Err: errors.New("simulated transport failure")}
	}
	return nil
}

func (b *Broker) queue(name string) *queueState {
	q, ok := b.queues[name]
	if !ok {
		q = &queueState{pending: make(map[string]*pendingEntry)}
		b.queues[name] = q
	}
	return q
}

// promote moves due delayed entries and expired leases back onto the ready
// list. Expired leases keep their attempt count; the next delivery increments
// it again (at-least-once).
func (b *Broker) promote(q *queueState, now time.Time) {
	var still []delayedEntry
	for _, d := range q.delayed {
		if !d.readyAt.After(now) {
			q.ready = append(q.ready, d.env)
		} else {
			still = append(still, d)
		}
	}
	q.delayed = still

	for id, p := range q.pending {
		if !p.expiresAt.After(now) {
			delete(q.pending, id)
			q.ready = append(q.ready, p.env)
		}
	}
}

func (b *Broker) Enqueue(_ context.Context, env *domain.Envelope) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkTransport("enqueue"); err != nil {
		return "", err
	}
	if b.seen[env.ID] {
		return env.ID, nil
	}
	b.seen[env.ID] = true
	q := b.queue(env.Queue)
	q.ready = append(q.ready, env.Clone())
	return env.ID, nil
}

func (b *Broker) Dequeue(ctx context.Context, queue string, visibility time.Duration) (*broker.Lease, error) {
	deadline := time.Now().Add(b.maxWait)
	for {
		lease, err := b.tryDequeue(queue, visibility)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (b *Broker) tryDequeue(queue string, visibility time.Duration) (*broker.Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkTransport("dequeue"); err != nil {
		return nil, err
	}

	now := time.Now()
	q := b.queue(queue)
	b.promote(q, now)
	if len(q.ready) == 0 {
		return nil, nil
	}

	env := q.ready[0]
	q.ready = q.ready[1:]
	env.Attempt++

	p := &pendingEntry{env: env, token: uuid.New().String(), expiresAt: now.Add(visibility)}
	q.pending[env.ID] = p

	return &broker.Lease{
		Envelope:  env.Clone(),
		Token:     p.token,
		Queue:     queue,
		ExpiresAt: p.expiresAt,
	}, nil
}

// claim validates lease ownership and removes the pending entry. Returns the
// broker-side envelope or LeaseExpiredError when the claim is stale.
func (b *Broker) claim(lease *broker.Lease) (*domain.Envelope, error) {
	q := b.queue(lease.Queue)
	p, ok := q.pending[lease.Envelope.ID]
	if !ok || p.token != lease.Token {
		return nil, &domain.LeaseExpiredError{EnvelopeID: lease.Envelope.ID, Queue: lease.Queue}
	}
	delete(q.pending, lease.Envelope.ID)
	return p.env, nil
}

func (b *Broker) Ack(_ context.Context, lease *broker.Lease) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkTransport("ack"); err != nil {
		return err
	}
	_, err := b.claim(lease)
	return err
}

func (b *Broker) Nack(_ context.Context, lease *broker.Lease, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkTransport("nack"); err != nil {
		return err
	}
	env, err := b.claim(lease)
	if err != nil {
		return err
	}
	q := b.queue(lease.Queue)
	if delay <= 0 {
		q.ready = append(q.ready, env)
		return nil
	}
	q.delayed = append(q.delayed, delayedEntry{env: env, readyAt: time.Now().Add(delay)})
	return nil
}

func (b *Broker) DeadLetter(_ context.Context, lease *broker.Lease, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkTransport("dead-letter"); err != nil {
		return err
	}
	env, err := b.claim(lease)
	if err != nil {
		return err
	}
	b.dead[lease.Queue] = append(b.dead[lease.Queue], broker.DeadLetter{
		Envelope: env,
		Reason:   reason,
		DeadAt:   time.Now().UTC(),
	})
	return nil
}

func (b *Broker) DeadLetters(_ context.Context, queue string, limit int) ([]broker.DeadLetter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkTransport("dead-letters"); err != nil {
		return nil, err
	}
	records := b.dead[queue]
	if limit <= 0 || limit > len(records) {
		limit = len(records)
	}
	// Newest first.
	out := make([]broker.DeadLetter, 0, limit)
	for i := len(records) - 1; i >= len(records)-limit; i-- {
		out = append(out, records[i])
	}
	return out, nil
}

func (b *Broker) Ping(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checkTransport("ping")
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Depth reports ready + delayed envelopes on queue. Test helper.
func (b *Broker) Depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)
	b.promote(q, time.Now())
	return len(q.ready) + len(q.delayed)
}

// InFlight reports currently leased envelopes on queue. Test helper.
func (b *Broker) InFlight(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(queue).pending)
}

var _ broker.Broker = (*Broker)(nil)
