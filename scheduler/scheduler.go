// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package scheduler queues outbound packets for many consumers and releases
// them one consumer at a time in round-robin order, holding back consumers
// that have not confirmed enough of the data already sent to them.
package scheduler

import (
	"bytes"
	"log/slog"
	"slices"
	"sync"

	"github.com/absmach/deferq/packet"
	"github.com/google/uuid"
)

// Scheduler owns the per-consumer queues. All methods are safe for
// concurrent use; none of them block.
type Scheduler struct {
	mu      sync.Mutex
	order   []uuid.UUID // strictly sorted, same members as queues
	queues  map[uuid.UUID]*ConsumerQueue
	current int
	total   int64

	clogThreshold int64
	logger        *slog.Logger
	metrics       Metrics
}

// New creates a scheduler.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Scheduler{
		queues:        make(map[uuid.UUID]*ConsumerQueue),
		clogThreshold: cfg.ClogThreshold,
		logger:        slog.Default(),
		metrics:       noopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func compareID(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}

// queueFor returns the queue of id, registering it on first use.
// Callers must hold s.mu.
func (s *Scheduler) queueFor(id uuid.UUID) *ConsumerQueue {
	if q, ok := s.queues[id]; ok {
		return q
	}

	q := newConsumerQueue(id, s.clogThreshold)
	i, _ := slices.BinarySearchFunc(s.order, id, compareID)
	s.order = slices.Insert(s.order, i, id)
	s.queues[id] = q

	s.metrics.RecordConsumerAdded()
	s.logger.Debug("consumer_registered",
		slog.String("consumer_id", id.String()),
		slog.Int("consumers", len(s.order)))
	return q
}

// Queue returns the queue of id, registering it on first use.
func (s *Scheduler) Queue(id uuid.UUID) *ConsumerQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueFor(id)
}

// Has reports whether id is registered. Unlike the other lookups it never
// registers the consumer.
func (s *Scheduler) Has(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queues[id]
	return ok
}

// ClearForConsumer unregisters id and drops its pending packets, returning
// how many were dropped. Clearing an unknown consumer is a no-op.
func (s *Scheduler) ClearForConsumer(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, found := slices.BinarySearchFunc(s.order, id, compareID)
	if !found {
		return 0
	}
	q := s.queues[id]
	s.order = slices.Delete(s.order, i, i+1)
	delete(s.queues, id)

	n, dropped := q.drain()
	s.subtract(dropped)

	s.metrics.RecordConsumerRemoved()
	if n > 0 {
		s.metrics.RecordDropped(n, dropped)
	}
	s.logger.Debug("consumer_cleared",
		slog.String("consumer_id", id.String()),
		slog.Int("dropped_packets", n),
		slog.Int64("dropped_bytes", dropped),
		slog.Int("consumers", len(s.order)))
	return n
}

// Enqueue prepares p, appends it to the queue of consumer id and adds its
// size to the enqueued byte total.
func (s *Scheduler) Enqueue(id uuid.UUID, p *packet.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queueFor(id).enqueue(p)
	size := int64(p.Prepare())
	s.total += size
	s.metrics.RecordEnqueued(size)
}

// Requeue puts a packet taken from q with Next, but not sent, back at the
// head of q. Its bytes never left the enqueued total, so the total is not
// changed. If q was cleared in the meantime the packet is dropped and its
// bytes leave the total; Requeue then returns false.
func (s *Scheduler) Requeue(q *ConsumerQueue, p *packet.Packet) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.queues[q.ID()]; ok && cur == q {
		q.requeue(p)
		return true
	}

	size := int64(p.PreparedSize())
	s.subtract(size)
	s.metrics.RecordDropped(1, size)
	return false
}

// CountSentBytes removes p from the enqueued byte total and marks it sent if
// the driver has not already done so. The driver calls it once, after
// handing p to the transport.
func (s *Scheduler) CountSentBytes(p *packet.Packet) {
	size := int64(p.PreparedSize())
	p.MarkSent()

	s.mu.Lock()
	s.subtract(size)
	s.mu.Unlock()

	s.metrics.RecordSent(size)
}

func (s *Scheduler) subtract(n int64) {
	s.total -= n
	if s.total < 0 {
		s.logger.Warn("enqueued byte total underflow", slog.Int64("total", s.total))
		s.total = 0
	}
}

// TotalBytesEnqueued returns the prepared size of all packets still owned by
// the scheduler.
func (s *Scheduler) TotalBytesEnqueued() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Next returns the next consumer allowed to receive a packet, or nil. Each
// call looks at every consumer at most once, starting where the previous
// call stopped.
func (s *Scheduler) Next(bytesPerConfirmation int, overCapacity bool) *ConsumerQueue {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.order)
	for i := 0; i < n; i++ {
		s.current %= n
		q := s.queues[s.order[s.current]]
		s.current++
		if q.hasNext(bytesPerConfirmation, overCapacity) {
			return q
		}
	}
	return nil
}

// OnConfirmation records that consumer id acknowledged the data sent to it.
func (s *Scheduler) OnConfirmation(id uuid.UUID) {
	s.mu.Lock()
	q := s.queueFor(id)
	s.mu.Unlock()

	q.confirm()
}

// IsClogged reports whether consumer id is falling behind on confirmations.
func (s *Scheduler) IsClogged(id uuid.UUID) bool {
	s.mu.Lock()
	q := s.queueFor(id)
	s.mu.Unlock()

	return q.IsClogged()
}

// SetClogThreshold changes the clog threshold of current and future queues.
func (s *Scheduler) SetClogThreshold(n int64) error {
	if n <= 0 {
		return ErrInvalidConfig
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clogThreshold = n
	for _, q := range s.queues {
		q.setClogThreshold(n)
	}
	return nil
}

// Len returns the number of registered consumers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Consumers returns the registered ids in round-robin order.
func (s *Scheduler) Consumers() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.order)
}

// ConsumerStats is a point-in-time view of one consumer.
type ConsumerStats struct {
	ID               uuid.UUID `json:"id"`
	Pending          int       `json:"pending"`
	PendingBytes     int64     `json:"pending_bytes"`
	UnconfirmedBytes int64     `json:"unconfirmed_bytes"`
	Clogged          bool      `json:"clogged"`
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Consumers          int             `json:"consumers"`
	TotalBytesEnqueued int64           `json:"total_bytes_enqueued"`
	Clogged            int             `json:"clogged"`
	PerConsumer        []ConsumerStats `json:"per_consumer,omitempty"`
}

// Stats returns a snapshot of the scheduler. Per-consumer entries are
// included when detailed is true.
func (s *Scheduler) Stats(detailed bool) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Consumers:          len(s.order),
		TotalBytesEnqueued: s.total,
	}
	for _, id := range s.order {
		q := s.queues[id]
		q.mu.Lock()
		cs := ConsumerStats{
			ID:               id,
			Pending:          len(q.pending),
			PendingBytes:     q.pendingBytes,
			UnconfirmedBytes: q.unconfirmedBytes,
			Clogged:          q.clogged,
		}
		q.mu.Unlock()

		if cs.Clogged {
			st.Clogged++
		}
		if detailed {
			st.PerConsumer = append(st.PerConsumer, cs)
		}
	}
	return st
}
