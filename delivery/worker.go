// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package delivery drains the scheduler once per tick and hands packets to
// the transport.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/deferq/packet"
	"github.com/absmach/deferq/ratelimit"
	"github.com/absmach/deferq/scheduler"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/absmach/deferq/delivery"

var (
	// ErrSenderRequired is returned by New when no Sender is given.
	ErrSenderRequired = errors.New("delivery worker requires a sender")
	// ErrRateLimited is recorded on the tick span when the rate limiter
	// ends a tick early.
	ErrRateLimited = errors.New("delivery rate limited")
	// ErrInvalidLimits is returned for non-positive flow-control limits.
	ErrInvalidLimits = errors.New("invalid delivery limits")
)

// Limits are the flow-control values applied on each tick. They can be
// changed while the worker runs.
type Limits struct {
	// BytesPerConfirmation is the confirmation window passed to
	// scheduler.Next.
	BytesPerConfirmation int
	// OverCapacityBytes is the enqueued total above which confirmation
	// windows are ignored.
	OverCapacityBytes int64
}

// Validate reports whether l can be applied.
func (l Limits) Validate() error {
	if l.BytesPerConfirmation <= 0 || l.OverCapacityBytes <= 0 {
		return fmt.Errorf("%w: bytes per confirmation %d, over capacity %d",
			ErrInvalidLimits, l.BytesPerConfirmation, l.OverCapacityBytes)
	}
	return nil
}

// Config holds delivery worker settings.
type Config struct {
	TickInterval      time.Duration
	MaxPacketsPerTick int
	Limits            Limits

	// Per-consumer circuit breaker.
	FailureThreshold int
	ResetTimeout     time.Duration
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:      50 * time.Millisecond,
		MaxPacketsPerTick: 1024,
		Limits: Limits{
			BytesPerConfirmation: 32 * 1024,
			OverCapacityBytes:    64 * 1024 * 1024,
		},
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// FlushResult summarizes one tick.
type FlushResult struct {
	Dispatched   int
	Bytes        int64
	Requeued     int
	Dropped      int
	OverCapacity bool
	RateLimited  bool
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(w *Worker) {
		if m != nil {
			w.metrics = m
		}
	}
}

// WithRateLimiter bounds the bytes handed to the sender.
func WithRateLimiter(m *ratelimit.Manager) Option {
	return func(w *Worker) {
		w.limiter = m
	}
}

// WithClogHandler registers a callback for consumers that become clogged.
func WithClogHandler(h ClogHandler) Option {
	return func(w *Worker) {
		w.onClog = h
	}
}

// WithTracerProvider sets the tracer provider used for tick spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(w *Worker) {
		if tp != nil {
			w.tracer = tp.Tracer(tracerName)
		}
	}
}

// Worker drives a scheduler: on every tick it pulls ready consumers in
// round-robin order and sends one packet per pull.
type Worker struct {
	sched   *scheduler.Scheduler
	sender  Sender
	limiter *ratelimit.Manager
	onClog  ClogHandler
	metrics Metrics
	logger  *slog.Logger
	tracer  trace.Tracer

	tickInterval      time.Duration
	maxPacketsPerTick int
	failureThreshold  uint32
	resetTimeout      time.Duration
	limits            atomic.Pointer[Limits]

	flushMu  sync.Mutex
	mu       sync.Mutex
	breakers map[uuid.UUID]*gobreaker.CircuitBreaker
	clogged  map[uuid.UUID]bool

	notifyCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a delivery worker for s.
func New(s *scheduler.Scheduler, sender Sender, cfg Config, opts ...Option) (*Worker, error) {
	if s == nil {
		return nil, errors.New("delivery worker requires a scheduler")
	}
	if sender == nil {
		return nil, ErrSenderRequired
	}
	if err := cfg.Limits.Validate(); err != nil {
		return nil, err
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.MaxPacketsPerTick <= 0 {
		cfg.MaxPacketsPerTick = DefaultConfig().MaxPacketsPerTick
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}

	w := &Worker{
		sched:             s,
		sender:            sender,
		metrics:           noopMetrics{},
		logger:            slog.Default(),
		tracer:            otel.Tracer(tracerName),
		tickInterval:      cfg.TickInterval,
		maxPacketsPerTick: cfg.MaxPacketsPerTick,
		failureThreshold:  uint32(cfg.FailureThreshold),
		resetTimeout:      cfg.ResetTimeout,
		breakers:          make(map[uuid.UUID]*gobreaker.CircuitBreaker),
		clogged:           make(map[uuid.UUID]bool),
		notifyCh:          make(chan struct{}, 1),
		stopCh:            make(chan struct{}),
	}
	limits := cfg.Limits
	w.limits.Store(&limits)

	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start runs the tick loop in a new goroutine until ctx is done or Stop is
// called.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

func (w *Worker) run(ctx context.Context) {
	ticker := time.NewTicker(w.tickInterval)
	defer ticker.Stop()

	w.logger.Info("Starting delivery worker",
		slog.Duration("tick_interval", w.tickInterval),
		slog.Int("max_packets_per_tick", w.maxPacketsPerTick))

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-w.notifyCh:
			w.Flush(ctx)
		case <-ticker.C:
			w.Flush(ctx)
		}
	}
}

// Stop stops the tick loop and waits for it to return.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Notify asks the worker to flush before the next tick.
func (w *Worker) Notify() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
	}
}

// Limits returns the flow-control limits in effect.
func (w *Worker) Limits() Limits {
	return *w.limits.Load()
}

// SetLimits replaces the flow-control limits from the next tick on.
func (w *Worker) SetLimits(l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	w.limits.Store(&l)
	return nil
}

// Disconnect clears a consumer from the scheduler and forgets its delivery
// state. It returns the number of pending packets dropped.
func (w *Worker) Disconnect(id uuid.UUID) int {
	dropped := w.sched.ClearForConsumer(id)

	w.mu.Lock()
	delete(w.breakers, id)
	delete(w.clogged, id)
	w.mu.Unlock()

	if w.limiter != nil {
		w.limiter.OnConsumerDisconnect(id)
	}
	return dropped
}

func (w *Worker) breaker(id uuid.UUID) *gobreaker.CircuitBreaker {
	w.mu.Lock()
	defer w.mu.Unlock()

	if cb, ok := w.breakers[id]; ok {
		return cb
	}
	threshold := w.failureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        id.String(),
		MaxRequests: 1,
		Timeout:     w.resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.logger.Warn("consumer circuit breaker state changed",
				slog.String("consumer_id", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	w.breakers[id] = cb
	return cb
}

// Flush runs one tick: it dispatches up to MaxPacketsPerTick packets and
// then reports consumers that became clogged. A consumer whose send fails
// gets its packet back at the head of its queue and is skipped for the rest
// of the tick. A rate-limit refusal ends the tick.
func (w *Worker) Flush(ctx context.Context) FlushResult {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	start := time.Now()
	limits := w.Limits()

	var res FlushResult
	res.OverCapacity = w.sched.TotalBytesEnqueued() > limits.OverCapacityBytes

	ctx, span := w.tracer.Start(ctx, "delivery.flush")
	defer span.End()

	skipped := make(map[uuid.UUID]bool)
	misses := 0
	for i := 0; i < w.maxPacketsPerTick; i++ {
		q := w.sched.Next(limits.BytesPerConfirmation, res.OverCapacity)
		if q == nil {
			break
		}
		id := q.ID()
		if skipped[id] {
			// Every eligible consumer was skipped once the rotation
			// returns more skipped consumers in a row than there are.
			misses++
			if misses > len(skipped) {
				break
			}
			continue
		}
		misses = 0

		p := q.Next()
		if p == nil {
			continue
		}

		if err := p.Err(); err != nil {
			w.logger.Warn("dropping unencodable packet",
				slog.String("consumer_id", id.String()),
				slog.String("error", err.Error()))
			w.metrics.RecordSendError("encode")
			w.sched.CountSentBytes(p)
			res.Dropped++
			continue
		}

		size := p.PreparedSize()
		if w.limiter != nil && !w.limiter.Allow(id, size) {
			w.requeue(q, p, &res)
			res.RateLimited = true
			span.RecordError(ErrRateLimited)
			break
		}

		// The transport may confirm before Send returns.
		p.MarkSent()
		_, err := w.breaker(id).Execute(func() (any, error) {
			return nil, w.sender.Send(ctx, id, p.Bytes())
		})
		if err != nil {
			reason := "transport"
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				reason = "breaker_open"
			}
			w.metrics.RecordSendError(reason)
			w.logger.Debug("send_failed",
				slog.String("consumer_id", id.String()),
				slog.String("reason", reason),
				slog.String("error", err.Error()))
			p.MarkUnsent()
			w.requeue(q, p, &res)
			skipped[id] = true
			continue
		}

		w.sched.CountSentBytes(p)
		res.Dispatched++
		res.Bytes += int64(size)
	}

	w.checkClogged()

	span.SetAttributes(
		attribute.Int("dispatched", res.Dispatched),
		attribute.Int64("bytes", res.Bytes),
		attribute.Int("requeued", res.Requeued),
		attribute.Int("dropped", res.Dropped),
		attribute.Bool("over_capacity", res.OverCapacity),
	)
	w.metrics.RecordFlushDuration(float64(time.Since(start).Microseconds())/1000, res.OverCapacity)
	return res
}

func (w *Worker) requeue(q *scheduler.ConsumerQueue, p *packet.Packet, res *FlushResult) {
	if w.sched.Requeue(q, p) {
		res.Requeued++
		return
	}
	res.Dropped++
}

// checkClogged fires the clog handler for consumers that became clogged
// since the previous tick.
func (w *Worker) checkClogged() {
	st := w.sched.Stats(true)

	var rising []uuid.UUID
	w.mu.Lock()
	seen := make(map[uuid.UUID]bool, len(st.PerConsumer))
	for _, cs := range st.PerConsumer {
		seen[cs.ID] = true
		if cs.Clogged && !w.clogged[cs.ID] {
			rising = append(rising, cs.ID)
		}
		w.clogged[cs.ID] = cs.Clogged
	}
	for id := range w.clogged {
		if !seen[id] {
			delete(w.clogged, id)
		}
	}
	w.mu.Unlock()

	for _, id := range rising {
		w.metrics.RecordClogged()
		w.logger.Warn("consumer_clogged", slog.String("consumer_id", id.String()))
		if w.onClog != nil {
			w.onClog(id)
		}
	}
}
