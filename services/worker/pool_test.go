package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umeshrajanna/deepship-llm-worker/internal/broker/memory"
	"github.com/umeshrajanna/deepship-llm-worker/internal/domain"
	"github.com/umeshrajanna/deepship-llm-worker/internal/handlers"
	"github.com/umeshrajanna/deepship-llm-worker/internal/routing"
	"github.com/umeshrajanna/deepship-llm-worker/services/worker"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

type fakeHandler struct {
	kind domain.Kind
	fn   func(ctx context.Context, env *domain.Envelope) error

	mu    sync.Mutex
	calls int
}

func (h *fakeHandler) Kind() domain.Kind { return h.kind }

func (h *fakeHandler) Handle(ctx context.Context, env *domain.Envelope) error {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	if h.fn != nil {
		return h.fn(ctx, env)
	}
	return nil
}

func (h *fakeHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func newRouter(t *testing.T) *routing.Router {
	t.Helper()
	rt, err := routing.NewRouter(routing.DefaultConfig())
	require.NoError(t, err)
	return rt
}

// fastOpts shrink every timing knob so pool tests run in milliseconds.
func fastOpts(extra ...worker.Option) []worker.Option {
	opts := []worker.Option{
		worker.WithVisibilityTimeout(300 * time.Millisecond),
		worker.WithExecTimeout(200 * time.Millisecond),
		worker.WithHeartbeatInterval(20 * time.Millisecond),
		worker.WithBackoff(func(int) time.Duration { return 0 }),
	}
	return append(opts, extra...)
}

func startPool(t *testing.T, p *worker.Pool) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("pool did not stop within 5s")
		}
	})
	return cancel
}

func enqueue(t *testing.T, b *memory.Broker, rt *routing.Router, kind domain.Kind, maxAttempts int) *domain.Envelope {
	t.Helper()
	env, err := domain.NewEnvelope(rt, kind, json.RawMessage(`{"job_id":"job-1"}`), maxAttempts)
	require.NoError(t, err)
	_, err = b.Enqueue(context.Background(), env)
	require.NoError(t, err)
	return env
}

func waitDrained(t *testing.T, b *memory.Broker, queue string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return b.Depth(queue) == 0 && b.InFlight(queue) == 0
	}, 3*time.Second, 10*time.Millisecond, "queue %s did not drain", queue)
}

func deadLetters(t *testing.T, b *memory.Broker, queue string) []struct {
	attempt int
	reason  string
} {
	t.Helper()
	records, err := b.DeadLetters(context.Background(), queue, 0)
	require.NoError(t, err)
	out := make([]struct {
		attempt int
		reason  string
	}, 0, len(records))
	for _, r := range records {
		out = append(out, struct {
			attempt int
			reason  string
		}{r.Envelope.Attempt, r.Reason})
	}
	return out
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestPool_ScraperRole_ProcessesSuccessfully(t *testing.T) {
	rt := newRouter(t)
	b := memory.New()
	h := &fakeHandler{kind: domain.KindScrapeContent}
	reg := handlers.NewRegistry()
	reg.Register(h)

	p, err := worker.NewPool(routing.RoleScraper, rt, b, reg, fastOpts()...)
	require.NoError(t, err)
	startPool(t, p)

	enqueue(t, b, rt, domain.KindScrapeContent, 3)
	waitDrained(t, b, routing.QueueScraper)

	require.Eventually(t, func() bool { return h.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, deadLetters(t, b, routing.QueueScraper))

	resp := p.Monitor().Ping(p.Identity())
	assert.True(t, resp.Alive)
	assert.Equal(t, routing.RoleScraper, resp.Role)
	assert.Equal(t, []string{routing.QueueScraper}, resp.BoundQueues)
	assert.Equal(t, "ready", resp.State)
}

func TestPool_TransientFailure_RetriesUntilExhaustedThenDeadLetters(t *testing.T) {
	rt := newRouter(t)
	b := memory.New()
	h := &fakeHandler{
		kind: domain.KindScrapeContent,
		fn: func(context.Context, *domain.Envelope) error {
			return errors.New("upstream flaked")
		},
	}
	reg := handlers.NewRegistry()
	reg.Register(h)

	p, err := worker.NewPool(routing.RoleScraper, rt, b, reg, fastOpts()...)
	require.NoError(t, err)
	startPool(t, p)

	enqueue(t, b, rt, domain.KindScrapeContent, 3)

	require.Eventually(t, func() bool {
		return len(deadLetters(t, b, routing.QueueScraper)) == 1
	}, 3*time.Second, 10*time.Millisecond)

	dead := deadLetters(t, b, routing.QueueScraper)
	assert.Equal(t, 3, dead[0].attempt, "dead-lettered envelope must record the full attempt budget")
	assert.Contains(t, dead[0].reason, "upstream flaked")
	assert.Equal(t, 3, h.count(), "handler runs exactly max_attempts times")
	assert.Zero(t, b.Depth(routing.QueueScraper))
}

func TestPool_PermanentFailure_DeadLettersWithoutRetry(t *testing.T) {
	rt := newRouter(t)
	b := memory.New()
	h := &fakeHandler{
		kind: domain.KindScrapeContent,
		fn: func(context.Context, *domain.Envelope) error {
			return domain.Permanent(errors.New("payload references deleted job"))
		},
	}
	reg := handlers.NewRegistry()
	reg.Register(h)

	p, err := worker.NewPool(routing.RoleScraper, rt, b, reg, fastOpts()...)
	require.NoError(t, err)
	startPool(t, p)

	enqueue(t, b, rt, domain.KindScrapeContent, 5)

	require.Eventually(t, func() bool {
		return len(deadLetters(t, b, routing.QueueScraper)) == 1
	}, 3*time.Second, 10*time.Millisecond)

	dead := deadLetters(t, b, routing.QueueScraper)
	assert.Equal(t, 1, dead[0].attempt, "permanent failure must not consume the retry budget")
	assert.Equal(t, 1, h.count())
}

func TestPool_LLMRole_DeadLettersEveryFailedJob(t *testing.T) {
	rt := newRouter(t)
	b := memory.New()
	h := &fakeHandler{
		kind: domain.KindDeepSearch,
		fn: func(context.Context, *domain.Envelope) error {
			return domain.Permanent(errors.New("model rejected prompt"))
		},
	}
	reg := handlers.NewRegistry()
	reg.Register(h)

	p, err := worker.NewPool(routing.RoleLLM, rt, b, reg, fastOpts()...)
	require.NoError(t, err)
	startPool(t, p)

	for i := 0; i < 3; i++ {
		enqueue(t, b, rt, domain.KindDeepSearch, 1)
	}

	require.Eventually(t, func() bool {
		return len(deadLetters(t, b, routing.QueueLLM)) == 3
	}, 3*time.Second, 10*time.Millisecond)

	assert.Zero(t, b.Depth(routing.QueueLLM), "no failed envelope may linger on the queue")
	for _, d := range deadLetters(t, b, routing.QueueLLM) {
		assert.Equal(t, 1, d.attempt)
	}
}

func TestPool_UnregisteredKind_DeadLetters(t *testing.T) {
	rt := newRouter(t)
	b := memory.New()

	// Empty registry: the pool has no handler for anything.
	p, err := worker.NewPool(routing.RoleScraper, rt, b, handlers.NewRegistry(), fastOpts()...)
	require.NoError(t, err)
	startPool(t, p)

	enqueue(t, b, rt, domain.KindScrapeContent, 3)

	require.Eventually(t, func() bool {
		return len(deadLetters(t, b, routing.QueueScraper)) == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Contains(t, deadLetters(t, b, routing.QueueScraper)[0].reason, "scrape_content")
}

func TestPool_Draining_WaitsForInFlightWork(t *testing.T) {
	rt := newRouter(t)
	b := memory.New()
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	h := &fakeHandler{
		kind: domain.KindScrapeContent,
		fn: func(context.Context, *domain.Envelope) error {
			once.Do(func() { close(started) })
			<-release
			return nil
		},
	}
	reg := handlers.NewRegistry()
	reg.Register(h)

	p, err := worker.NewPool(routing.RoleScraper, rt, b, reg,
		fastOpts(worker.WithVisibilityTimeout(10*time.Second), worker.WithExecTimeout(5*time.Second))...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	enqueue(t, b, rt, domain.KindScrapeContent, 3)
	<-started

	cancel()
	require.Eventually(t, func() bool {
		return p.Monitor().State() == worker.StateDraining
	}, time.Second, 5*time.Millisecond)

	resp := p.Monitor().Ping(p.Identity())
	assert.True(t, resp.Alive, "a draining pool still answers pings")
	assert.Equal(t, "draining", resp.State)
	assert.Equal(t, int64(1), resp.InFlight)

	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not finish draining")
	}

	assert.Equal(t, worker.StateStopped, p.Monitor().State())
	assert.False(t, p.Monitor().Ping(p.Identity()).Alive)
	assert.Empty(t, deadLetters(t, b, routing.QueueScraper))
	assert.Zero(t, b.Depth(routing.QueueScraper), "in-flight work must be acked during drain")
}

func TestPool_BrokerOutage_PausesThenRecovers(t *testing.T) {
	rt := newRouter(t)
	b := memory.New()
	h := &fakeHandler{kind: domain.KindScrapeContent}
	reg := handlers.NewRegistry()
	reg.Register(h)

	p, err := worker.NewPool(routing.RoleScraper, rt, b, reg, fastOpts()...)
	require.NoError(t, err)
	startPool(t, p)

	enqueue(t, b, rt, domain.KindScrapeContent, 3)
	require.Eventually(t, func() bool { return h.count() == 1 }, time.Second, 5*time.Millisecond)

	b.SetUnavailable(true)
	require.Eventually(t, func() bool {
		return p.Monitor().State() == worker.StateUnreachable
	}, time.Second, 5*time.Millisecond)

	b.SetUnavailable(false)
	require.Eventually(t, func() bool {
		return p.Monitor().State() == worker.StateReady
	}, 3*time.Second, 5*time.Millisecond)

	enqueue(t, b, rt, domain.KindScrapeContent, 3)
	require.Eventually(t, func() bool { return h.count() == 2 }, 3*time.Second, 5*time.Millisecond)
	assert.Empty(t, deadLetters(t, b, routing.QueueScraper))
}

func TestPool_ExpiredLease_RedeliveryWinsSettlement(t *testing.T) {
	rt := newRouter(t)
	b := memory.New()
	first := true
	var mu sync.Mutex
	h := &fakeHandler{kind: domain.KindScrapeContent}
	h.fn = func(context.Context, *domain.Envelope) error {
		mu.Lock()
		slow := first
		first = false
		mu.Unlock()
		if slow {
			// Overruns the lease on purpose (ignores ctx) so the envelope is
			// redelivered while this execution is still running.
			time.Sleep(150 * time.Millisecond)
		}
		return nil
	}
	reg := handlers.NewRegistry()
	reg.Register(h)

	p, err := worker.NewPool(routing.RoleScraper, rt, b, reg,
		fastOpts(worker.WithVisibilityTimeout(100*time.Millisecond), worker.WithExecTimeout(50*time.Millisecond))...)
	require.NoError(t, err)
	startPool(t, p)

	enqueue(t, b, rt, domain.KindScrapeContent, 3)

	require.Eventually(t, func() bool {
		return h.count() >= 2 && b.Depth(routing.QueueScraper) == 0 && b.InFlight(routing.QueueScraper) == 0
	}, 3*time.Second, 10*time.Millisecond)

	// The slow execution's late ack is dropped; the redelivery settles the
	// envelope. Exactly one extra delivery, nothing dead-lettered.
	assert.Equal(t, 2, h.count())
	assert.Empty(t, deadLetters(t, b, routing.QueueScraper))
}

func TestNewPool_RejectsExecTimeoutNotShorterThanVisibility(t *testing.T) {
	rt := newRouter(t)
	_, err := worker.NewPool(routing.RoleScraper, rt, memory.New(), handlers.NewRegistry(),
		worker.WithVisibilityTimeout(time.Second),
		worker.WithExecTimeout(time.Second),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "visibility")
}

func TestNewPool_RejectsUnknownRole(t *testing.T) {
	rt := newRouter(t)
	_, err := worker.NewPool("mailer", rt, memory.New(), handlers.NewRegistry())
	require.Error(t, err)
}
