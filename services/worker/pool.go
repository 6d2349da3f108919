// Package worker runs a pool of execution slots bound to the queue set of a
// single role. Each slot leases envelopes from the broker, dispatches them to
// the registered handler, and settles the lease according to the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/umeshrajanna/deepship-llm-worker/internal/broker"
	"github.com/umeshrajanna/deepship-llm-worker/internal/domain"
	"github.com/umeshrajanna/deepship-llm-worker/internal/handlers"
	"github.com/umeshrajanna/deepship-llm-worker/internal/routing"
	"github.com/umeshrajanna/deepship-llm-worker/pkg/retry"
	"github.com/umeshrajanna/deepship-llm-worker/pkg/telemetry"
)

// BackoffFunc computes the redelivery delay after a failed attempt.
// attempt is the delivery attempt that just failed (1-indexed).
type BackoffFunc func(attempt int) time.Duration

// Pool consumes the queues bound to one role and executes envelopes on a
// fixed number of slots.
type Pool struct {
	identity    string
	role        string
	queues      []string
	concurrency int

	broker   broker.Broker
	registry *handlers.Registry

	visibility  time.Duration
	execTimeout time.Duration
	heartbeat   time.Duration
	backoff     BackoffFunc
	logger      *slog.Logger

	monitor  *Monitor
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

func WithConcurrency(n int) Option                 { return func(p *Pool) { p.concurrency = n } }
func WithVisibilityTimeout(d time.Duration) Option { return func(p *Pool) { p.visibility = d } }
func WithExecTimeout(d time.Duration) Option       { return func(p *Pool) { p.execTimeout = d } }
func WithBackoff(fn BackoffFunc) Option            { return func(p *Pool) { p.backoff = fn } }
func WithHeartbeatInterval(d time.Duration) Option { return func(p *Pool) { p.heartbeat = d } }
func WithLogger(l *slog.Logger) Option             { return func(p *Pool) { p.logger = l } }

// NewPool builds a Pool for role, binding it to the queue set the router
// assigns to that role. The binding is fixed for the pool's lifetime.
//
// The execution timeout must be strictly shorter than the visibility timeout:
// a handler still running when its lease expires would race its own redelivery.
func NewPool(role string, rt *routing.Router, b broker.Broker, reg *handlers.Registry, opts ...Option) (*Pool, error) {
	queues, err := rt.QueuesForRole(role)
	if err != nil {
		return nil, err
	}
	concurrency, err := rt.ConcurrencyForRole(role)
	if err != nil {
		return nil, err
	}

	host, _ := os.Hostname()
	p := &Pool{
		identity:    fmt.Sprintf("%s-%s-%s", role, host, uuid.NewString()[:8]),
		role:        role,
		queues:      queues,
		concurrency: concurrency,
		broker:      b,
		registry:    reg,
		visibility:  5 * time.Minute,
		execTimeout: 4 * time.Minute,
		heartbeat:   10 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.concurrency < 1 {
		return nil, fmt.Errorf("pool concurrency must be >= 1, got %d", p.concurrency)
	}
	if p.execTimeout >= p.visibility {
		return nil, fmt.Errorf("execution timeout %s must be shorter than visibility timeout %s",
			p.execTimeout, p.visibility)
	}
	if p.backoff == nil {
		p.backoff = func(attempt int) time.Duration {
			return 5 * time.Second * time.Duration(attempt)
		}
	}

	p.monitor = NewMonitor(p.identity, role, queues, &p.inFlight, 3*p.heartbeat)
	p.logger = p.logger.With(
		slog.String("pool_id", p.identity),
		slog.String("role", role),
	)
	return p, nil
}

// Identity returns the pool's unique instance name.
func (p *Pool) Identity() string { return p.identity }

// Monitor returns the pool's liveness monitor for wiring into the ops server.
func (p *Pool) Monitor() *Monitor { return p.monitor }

// Run starts the slots and the heartbeat supervisor, then blocks until ctx is
// cancelled. Cancellation drains the pool: slots stop leasing new envelopes,
// in-flight executions run to completion, and the state ends at Stopped.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("pool starting",
		slog.Any("queues", p.queues),
		slog.Int("concurrency", p.concurrency),
	)

	// Initial broker check decides Starting → Ready vs Starting → Unreachable.
	if err := p.broker.Ping(ctx); err != nil {
		p.monitor.SetState(StateUnreachable)
		p.logger.Warn("broker unreachable at startup", slog.String("error", err.Error()))
	} else {
		p.monitor.SetState(StateReady)
	}

	p.wg.Add(1)
	go p.supervise(ctx)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.slot(ctx, i)
	}

	<-ctx.Done()
	p.monitor.SetState(StateDraining)
	p.logger.Info("pool draining", slog.Int64("in_flight", p.inFlight.Load()))

	// The supervisor exits with ctx, so keep beating while in-flight work
	// finishes: a draining pool is still alive.
	drained := make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-drained:
				return
			case <-ticker.C:
				p.monitor.Beat()
			}
		}
	}()

	p.wg.Wait()
	close(drained)
	p.monitor.SetState(StateStopped)
	p.logger.Info("pool stopped")
	return nil
}

// supervise beats the liveness monitor and keeps the Ready/Unreachable state
// in sync with broker health, reconnecting with backoff when the transport
// goes away.
func (p *Pool) supervise(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.monitor.Beat()

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := p.broker.Ping(pingCtx)
		cancel()
		if err == nil {
			continue
		}

		if st := p.monitor.State(); st == StateReady || st == StateStarting {
			p.monitor.SetState(StateUnreachable)
			p.logger.Warn("broker unreachable, pausing consumption",
				slog.String("error", err.Error()))
		}
		p.reconnect(ctx)
	}
}

// reconnect retries the broker until it answers or ctx is cancelled. The pool
// stays Unreachable (slots paused, no envelopes lost) for the duration.
func (p *Pool) reconnect(ctx context.Context) {
	for ctx.Err() == nil {
		err := retry.Do(ctx, retry.Config{
			MaxAttempts: 5,
			BaseDelay:   p.heartbeat,
			MaxDelay:    30 * time.Second,
			OnRetry: func(attempt int, err error) {
				p.monitor.Beat()
				p.logger.Warn("broker reconnect failed",
					slog.Int("attempt", attempt),
					slog.String("error", err.Error()))
			},
		}, func() error {
			p.monitor.Beat()
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return p.broker.Ping(pingCtx)
		})
		if err == nil {
			p.monitor.SetState(StateReady)
			telemetry.WorkerBrokerReconnects.WithLabelValues(p.role).Inc()
			p.logger.Info("broker connection recovered")
			return
		}
	}
}

// slot is one execution slot: lease, execute, settle, repeat. Slots round-robin
// across the role's bound queues.
func (p *Pool) slot(ctx context.Context, n int) {
	defer p.wg.Done()

	for i := 0; ; i++ {
		if ctx.Err() != nil {
			return
		}
		if p.monitor.State() != StateReady {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		queue := p.queues[i%len(p.queues)]
		lease, err := p.broker.Dequeue(ctx, queue, p.visibility)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var unavailable *domain.BrokerUnavailableError
			if errors.As(err, &unavailable) {
				if p.monitor.State() == StateReady {
					p.monitor.SetState(StateUnreachable)
				}
				continue
			}
			p.logger.Error("dequeue failed",
				slog.Int("slot", n),
				slog.String("queue", queue),
				slog.String("error", err.Error()))
			continue
		}
		if lease == nil {
			continue
		}

		p.execute(lease)
	}
}

// execute runs the handler for one delivery and settles the lease.
//
// Settlement runs on a background context so draining never strands a lease:
// even when Run's ctx is already cancelled the ack/nack still goes out.
func (p *Pool) execute(lease *broker.Lease) {
	env := lease.Envelope

	p.inFlight.Add(1)
	telemetry.WorkerTasksInFlight.WithLabelValues(p.role).Inc()
	defer func() {
		p.inFlight.Add(-1)
		telemetry.WorkerTasksInFlight.WithLabelValues(p.role).Dec()
	}()

	// Parent the execution span to the trace carried in the envelope headers.
	carrier := propagation.MapCarrier(env.Headers)
	parent := otel.GetTextMapPropagator().Extract(context.Background(), carrier)

	ctx, cancel := context.WithTimeout(parent, p.execTimeout)
	defer cancel()

	ctx, span := otel.Tracer("worker").Start(ctx, "worker.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", env.ID),
		attribute.String("task.kind", string(env.Kind)),
		attribute.String("queue", lease.Queue),
		attribute.Int("task.attempt", env.Attempt),
	)

	log := p.logger.With(
		slog.String("task_id", env.ID),
		slog.String("task_kind", string(env.Kind)),
		slog.String("queue", lease.Queue),
		slog.Int("attempt", env.Attempt),
		slog.Int("max_attempts", env.MaxAttempts),
	)
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		log = log.With(slog.String("trace_id", sc.TraceID().String()))
	}

	handler, err := p.registry.Get(env.Kind)
	if err != nil {
		// No handler can ever run this kind on this pool; retrying is pointless.
		log.Error("no handler registered, dead-lettering")
		span.SetStatus(codes.Error, "unknown task kind")
		p.settleDead(ctx, lease, err.Error(), log)
		return
	}

	start := time.Now()
	err = handler.Handle(ctx, env)
	telemetry.WorkerTaskDurationSeconds.WithLabelValues(p.role).Observe(time.Since(start).Seconds())

	if err == nil {
		if ackErr := p.broker.Ack(context.WithoutCancel(ctx), lease); ackErr != nil {
			p.settleFailure(ackErr, "ack", log)
			return
		}
		telemetry.WorkerTasksProcessed.WithLabelValues(p.role, "acked").Inc()
		log.Info("task completed", slog.Duration("duration", time.Since(start)))
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if domain.IsPermanent(err) || env.Exhausted() {
		log.Error("task failed terminally",
			slog.String("error", err.Error()),
			slog.Bool("permanent", domain.IsPermanent(err)))
		p.settleDead(ctx, lease, err.Error(), log)
		return
	}

	delay := p.backoff(env.Attempt)
	if nackErr := p.broker.Nack(context.WithoutCancel(ctx), lease, delay); nackErr != nil {
		p.settleFailure(nackErr, "nack", log)
		return
	}
	telemetry.WorkerRedeliveriesTotal.WithLabelValues(p.role).Inc()
	log.Warn("task failed, scheduled for redelivery",
		slog.String("error", err.Error()),
		slog.Duration("delay", delay))
}

func (p *Pool) settleDead(ctx context.Context, lease *broker.Lease, reason string, log *slog.Logger) {
	if err := p.broker.DeadLetter(context.WithoutCancel(ctx), lease, reason); err != nil {
		p.settleFailure(err, "dead-letter", log)
		return
	}
	telemetry.WorkerTasksProcessed.WithLabelValues(p.role, "dead").Inc()
	telemetry.WorkerDLQTotal.WithLabelValues(p.role).Inc()
}

// settleFailure handles an error from ack/nack/dead-letter. An expired lease
// means the broker already reassigned the envelope: the late settlement is
// dropped and the redelivery owns the outcome.
func (p *Pool) settleFailure(err error, op string, log *slog.Logger) {
	var expired *domain.LeaseExpiredError
	if errors.As(err, &expired) {
		telemetry.WorkerLeaseExpirations.WithLabelValues(p.role).Inc()
		log.Warn("lease expired before settlement, envelope will be redelivered",
			slog.String("op", op))
		return
	}
	log.Error("lease settlement failed",
		slog.String("op", op),
		slog.String("error", err.Error()))
}
