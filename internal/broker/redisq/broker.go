// Package redisq implements the Broker contract on Redis, the transport the
// production deployment runs on. Each queue is a ready list plus a delayed
// zset (nack requeue) and a pending zset scored by lease expiry; expired
// leases are reclaimed on the next dequeue, which is what makes delivery
// at-least-once.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/umeshrajanna/deepship-llm-worker/internal/broker"
	"github.com/umeshrajanna/deepship-llm-worker/internal/domain"
	"github.com/umeshrajanna/deepship-llm-worker/pkg/telemetry"
)

const (
	keyPrefix     = "dq:"
	envPrefix     = keyPrefix + "env:"
	attemptPrefix = keyPrefix + "attempt:"
	tokenPrefix   = keyPrefix + "token:"
	seenPrefix    = keyPrefix + "seen:"

	// seenTTL bounds the idempotency window for producer retries.
	seenTTL = 24 * time.Hour
)

func readyKey(queue string) string   { return keyPrefix + "ready:" + queue }
func delayedKey(queue string) string { return keyPrefix + "delayed:" + queue }
func pendingKey(queue string) string { return keyPrefix + "pending:" + queue }
func dlqKey(queue string) string     { return keyPrefix + "dlq:" + queue }

// Broker is a Redis-backed broker.Broker.
type Broker struct {
	client       *redis.Client
	pollInterval time.Duration
	maxWait      time.Duration
}

// Option configures the Redis broker.
type Option func(*Broker)

// WithMaxWait bounds how long Dequeue long-polls an empty queue.
func WithMaxWait(d time.Duration) Option { return func(b *Broker) { b.maxWait = d } }

// WithPollInterval sets the interval between dequeue attempts while waiting.
func WithPollInterval(d time.Duration) Option { return func(b *Broker) { b.pollInterval = d } }

// New wraps a Redis client with the Broker contract.
func New(client *redis.Client, opts ...Option) *Broker {
	b := &Broker{
		client:       client,
		pollInterval: 200 * time.Millisecond,
		maxWait:      time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewClient creates a Redis client with the connection settings the workers use.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     16,
	})
}

func transportErr(op string, err error) error {
	return &domain.BrokerUnavailableError{Op: op, Err: err}
}

func (b *Broker) Enqueue(ctx context.Context, env *domain.Envelope) (string, error) {
	// Inject the active trace context into envelope headers so the consuming
	// pool can extract and continue the trace.
	env = env.Clone()
	if env.Headers == nil {
		env.Headers = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(env.Headers))

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope %s: %w", env.ID, err)
	}
	err = enqueueScript.Run(ctx, b.client,
		[]string{readyKey(env.Queue)},
		env.ID, data, seenPrefix+env.ID, seenTTL.Milliseconds(), envPrefix+env.ID,
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", transportErr("enqueue", err)
	}
	telemetry.BrokerEnqueuedTotal.WithLabelValues(env.Queue).Inc()
	return env.ID, nil
}

func (b *Broker) Dequeue(ctx context.Context, queue string, visibility time.Duration) (*broker.Lease, error) {
	deadline := time.Now().Add(b.maxWait)
	for {
		lease, err := b.tryDequeue(ctx, queue, visibility)
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
		case <-time.After(b.pollInterval):
		}
	}
}

func (b *Broker) tryDequeue(ctx context.Context, queue string, visibility time.Duration) (*broker.Lease, error) {
	now := time.Now()
	token := uuid.New().String()

	res, err := dequeueScript.Run(ctx, b.client,
		[]string{readyKey(queue), delayedKey(queue), pendingKey(queue)},
		now.UnixMilli(), visibility.Milliseconds(), token,
		envPrefix, attemptPrefix, tokenPrefix,
	).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, transportErr("dequeue", err)
	}
	if len(res) != 2 {
		return nil, transportErr("dequeue", fmt.Errorf("unexpected script reply of length %d", len(res)))
	}

	raw, ok := res[0].(string)
	if !ok {
		return nil, transportErr("dequeue", fmt.Errorf("unexpected envelope reply type %T", res[0]))
	}
	attempt, ok := res[1].(int64)
	if !ok {
		return nil, transportErr("dequeue", fmt.Errorf("unexpected attempt reply type %T", res[1]))
	}

	var env domain.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope from queue %q: %w", queue, err)
	}
	// The stored record keeps attempt 0; the delivery counter is authoritative.
	env.Attempt = int(attempt)

	return &broker.Lease{
		Envelope:  &env,
		Token:     token,
		Queue:     queue,
		ExpiresAt: now.Add(visibility),
	}, nil
}

func (b *Broker) Ack(ctx context.Context, lease *broker.Lease) error {
	id := lease.Envelope.ID
	ok, err := ackScript.Run(ctx, b.client,
		[]string{pendingKey(lease.Queue)},
		id, lease.Token, envPrefix+id, attemptPrefix+id, tokenPrefix+id,
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return transportErr("ack", err)
	}
	if ok != 1 {
		return &domain.LeaseExpiredError{EnvelopeID: id, Queue: lease.Queue}
	}
	return nil
}

func (b *Broker) Nack(ctx context.Context, lease *broker.Lease, delay time.Duration) error {
	id := lease.Envelope.ID
	readyAt := time.Now().Add(delay).UnixMilli()
	ok, err := nackScript.Run(ctx, b.client,
		[]string{pendingKey(lease.Queue), delayedKey(lease.Queue)},
		id, lease.Token, readyAt, tokenPrefix+id,
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return transportErr("nack", err)
	}
	if ok != 1 {
		return &domain.LeaseExpiredError{EnvelopeID: id, Queue: lease.Queue}
	}
	return nil
}

func (b *Broker) DeadLetter(ctx context.Context, lease *broker.Lease, reason string) error {
	id := lease.Envelope.ID
	record, err := json.Marshal(broker.DeadLetter{
		Envelope: lease.Envelope,
		Reason:   reason,
		DeadAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dead-letter record for %s: %w", id, err)
	}
	ok, err := deadLetterScript.Run(ctx, b.client,
		[]string{pendingKey(lease.Queue), dlqKey(lease.Queue)},
		id, lease.Token, record, envPrefix+id, attemptPrefix+id, tokenPrefix+id,
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return transportErr("dead-letter", err)
	}
	if ok != 1 {
		return &domain.LeaseExpiredError{EnvelopeID: id, Queue: lease.Queue}
	}
	return nil
}

func (b *Broker) DeadLetters(ctx context.Context, queue string, limit int) ([]broker.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := b.client.LRange(ctx, dlqKey(queue), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, transportErr("dead-letters", err)
	}
	out := make([]broker.DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var dl broker.DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			return nil, fmt.Errorf("unmarshal dead-letter record on %q: %w", queue, err)
		}
		out = append(out, dl)
	}
	return out, nil
}

func (b *Broker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return transportErr("ping", err)
	}
	return nil
}

func (b *Broker) Close() error {
	return b.client.Close()
}

var _ broker.Broker = (*Broker)(nil)
