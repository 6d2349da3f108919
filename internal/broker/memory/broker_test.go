package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umeshrajanna/deepship-llm-worker/internal/broker"
	"github.com/umeshrajanna/deepship-llm-worker/internal/broker/memory"
	"github.com/umeshrajanna/deepship-llm-worker/internal/domain"
)

func newEnvelope(id, queue string, payload string, maxAttempts int) *domain.Envelope {
	return &domain.Envelope{
		ID:          id,
		Kind:        domain.KindScrapeContent,
		Payload:     []byte(payload),
		Queue:       queue,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
}

func TestEnqueueDequeue_RoundTrip(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	payload := `{"urls":["https://example.com"],"search_query":"go queues"}`
	env := newEnvelope("env-1", "scraper_queue", payload, 3)

	token, err := b.Enqueue(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, "env-1", token)

	lease, err := b.Dequeue(ctx, "scraper_queue", time.Second)
	require.NoError(t, err)
	require.NotNil(t, lease)

	assert.Equal(t, "env-1", lease.Envelope.ID)
	assert.Equal(t, []byte(payload), []byte(lease.Envelope.Payload), "payload must round-trip bit-for-bit")
	assert.Equal(t, 1, lease.Envelope.Attempt, "first delivery increments attempt to 1")
	assert.NotEmpty(t, lease.Token)
}

func TestEnqueue_IdempotentPerEnvelopeID(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	env := newEnvelope("env-1", "scraper_queue", `{}`, 3)
	_, err := b.Enqueue(ctx, env)
	require.NoError(t, err)

	// Producer retry with the same ID must not create a second delivery.
	_, err = b.Enqueue(ctx, env)
	require.NoError(t, err)

	assert.Equal(t, 1, b.Depth("scraper_queue"))
}

func TestDequeue_EmptyQueueReturnsNilNotError(t *testing.T) {
	b := memory.New(memory.WithMaxWait(20 * time.Millisecond))

	lease, err := b.Dequeue(context.Background(), "celery", time.Second)
	require.NoError(t, err)
	assert.Nil(t, lease, "empty queue after the bounded wait is not an error")
}

func TestAck_RemovesPermanently(t *testing.T) {
	b := memory.New(memory.WithMaxWait(20 * time.Millisecond))
	ctx := context.Background()

	_, err := b.Enqueue(ctx, newEnvelope("env-1", "celery", `{}`, 3))
	require.NoError(t, err)

	lease, err := b.Dequeue(ctx, "celery", time.Second)
	require.NoError(t, err)
	require.NoError(t, b.Ack(ctx, lease))

	assert.Equal(t, 0, b.Depth("celery"))
	assert.Equal(t, 0, b.InFlight("celery"))

	again, err := b.Dequeue(ctx, "celery", time.Second)
	require.NoError(t, err)
	assert.Nil(t, again, "acked envelope must never be redelivered")
}

func TestNack_RedeliversAfterDelay(t *testing.T) {
	b := memory.New(memory.WithMaxWait(200 * time.Millisecond))
	ctx := context.Background()

	_, err := b.Enqueue(ctx, newEnvelope("env-1", "celery", `{}`, 3))
	require.NoError(t, err)

	lease, err := b.Dequeue(ctx, "celery", time.Second)
	require.NoError(t, err)
	require.NoError(t, b.Nack(ctx, lease, 30*time.Millisecond))

	redelivered, err := b.Dequeue(ctx, "celery", time.Second)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, 2, redelivered.Envelope.Attempt, "redelivery increments the attempt count")
}

func TestVisibilityTimeout_ExpiredLeaseRedelivered(t *testing.T) {
	b := memory.New(memory.WithMaxWait(200 * time.Millisecond))
	ctx := context.Background()

	_, err := b.Enqueue(ctx, newEnvelope("env-1", "celery", `{}`, 5))
	require.NoError(t, err)

	first, err := b.Dequeue(ctx, "celery", 20*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Do not ack: let the lease expire. The broker must redeliver — the
	// at-least-once property means duplicates are tolerated, not prevented.
	second, err := b.Dequeue(ctx, "celery", time.Second)
	require.NoError(t, err)
	require.NotNil(t, second, "expired lease must be redelivered")
	assert.Equal(t, first.Envelope.ID, second.Envelope.ID)
	assert.Equal(t, 2, second.Envelope.Attempt)

	// The original slot's late ack is a no-op against the reassigned lease.
	err = b.Ack(ctx, first)
	var expired *domain.LeaseExpiredError
	require.True(t, errors.As(err, &expired), "expected LeaseExpiredError, got %v", err)
	assert.Equal(t, "env-1", expired.EnvelopeID)

	// The second lease is still valid.
	require.NoError(t, b.Ack(ctx, second))
}

func TestNack_StaleLeaseRejected(t *testing.T) {
	b := memory.New(memory.WithMaxWait(200 * time.Millisecond))
	ctx := context.Background()

	_, err := b.Enqueue(ctx, newEnvelope("env-1", "celery", `{}`, 5))
	require.NoError(t, err)

	first, err := b.Dequeue(ctx, "celery", 10*time.Millisecond)
	require.NoError(t, err)

	second, err := b.Dequeue(ctx, "celery", time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)

	err = b.Nack(ctx, first, 0)
	var expired *domain.LeaseExpiredError
	assert.True(t, errors.As(err, &expired))
}

func TestDeadLetter_RecordsReason(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	_, err := b.Enqueue(ctx, newEnvelope("env-1", "celery", `{"q":"x"}`, 1))
	require.NoError(t, err)

	lease, err := b.Dequeue(ctx, "celery", time.Second)
	require.NoError(t, err)
	require.NoError(t, b.DeadLetter(ctx, lease, "llm api returned 400"))

	records, err := b.DeadLetters(ctx, "celery", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "env-1", records[0].Envelope.ID)
	assert.Equal(t, "llm api returned 400", records[0].Reason)
	assert.Equal(t, 1, records[0].Envelope.Attempt)
	assert.Equal(t, 0, b.Depth("celery"))
}

func TestDeadLetters_NewestFirstWithLimit(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := b.Enqueue(ctx, newEnvelope(id, "celery", `{}`, 1))
		require.NoError(t, err)
		lease, err := b.Dequeue(ctx, "celery", time.Second)
		require.NoError(t, err)
		require.NoError(t, b.DeadLetter(ctx, lease, "failed"))
	}

	records, err := b.DeadLetters(ctx, "celery", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "c", records[0].Envelope.ID)
	assert.Equal(t, "b", records[1].Envelope.ID)
}

func TestQueueIsolation(t *testing.T) {
	b := memory.New(memory.WithMaxWait(20 * time.Millisecond))
	ctx := context.Background()

	_, err := b.Enqueue(ctx, newEnvelope("scrape-1", "scraper_queue", `{}`, 1))
	require.NoError(t, err)

	lease, err := b.Dequeue(ctx, "celery", time.Second)
	require.NoError(t, err)
	assert.Nil(t, lease, "a pool must only see envelopes on its own queue")
}

func TestUnavailable_SurfacesBrokerUnavailable(t *testing.T) {
	b := memory.New(memory.WithMaxWait(20 * time.Millisecond))
	ctx := context.Background()
	b.SetUnavailable(true)

	_, err := b.Enqueue(ctx, newEnvelope("env-1", "celery", `{}`, 1))
	var unavailable *domain.BrokerUnavailableError
	require.True(t, errors.As(err, &unavailable))

	_, err = b.Dequeue(ctx, "celery", time.Second)
	assert.True(t, errors.As(err, &unavailable))

	assert.Error(t, b.Ping(ctx))

	b.SetUnavailable(false)
	assert.NoError(t, b.Ping(ctx))
}

func TestDequeue_ContextCancelled(t *testing.T) {
	b := memory.New(memory.WithMaxWait(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Dequeue(ctx, "celery", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

// Contract sanity: the lease handed to callers is a copy; mutating it must
// not corrupt the broker's queued record.
func TestLeaseEnvelopeIsACopy(t *testing.T) {
	b := memory.New(memory.WithMaxWait(200 * time.Millisecond))
	ctx := context.Background()

	_, err := b.Enqueue(ctx, newEnvelope("env-1", "celery", `{"k":1}`, 3))
	require.NoError(t, err)

	lease, err := b.Dequeue(ctx, "celery", 10*time.Millisecond)
	require.NoError(t, err)
	lease.Envelope.Payload[1] = 'X'

	redelivered, err := b.Dequeue(ctx, "celery", time.Second)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, []byte(`{"k":1}`), redelivered.Envelope.Payload)
}

var _ broker.Broker = (*memory.Broker)(nil)
