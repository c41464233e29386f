// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"sync"

	"github.com/absmach/deferq/packet"
	"github.com/google/uuid"
)

// ConsumerQueue buffers the outbound packets of one consumer and tracks how
// much dispatched data the consumer has not confirmed yet.
type ConsumerQueue struct {
	id uuid.UUID

	mu               sync.Mutex
	pending          []*packet.Packet
	pendingBytes     int64
	inflight         []*packet.Packet
	unconfirmedBytes int64
	clogThreshold    int64
	clogged          bool
}

func newConsumerQueue(id uuid.UUID, clogThreshold int64) *ConsumerQueue {
	return &ConsumerQueue{
		id:            id,
		clogThreshold: clogThreshold,
	}
}

// ID returns the consumer id.
func (q *ConsumerQueue) ID() uuid.UUID {
	return q.id
}

// enqueue prepares p and appends it. Preparation happens before p becomes
// visible to Next.
func (q *ConsumerQueue) enqueue(p *packet.Packet) {
	size := int64(p.Prepare())

	q.mu.Lock()
	defer q.mu.Unlock()

	q.pendingBytes += size
	q.pending = append(q.pending, p)
}

// requeue puts p, taken with Next but not sent, back at the head of the
// queue and releases its unconfirmed bytes.
func (q *ConsumerQueue) requeue(p *packet.Packet) {
	q.mu.Lock()
	defer q.mu.Unlock()

	size := int64(p.PreparedSize())
	if i := q.inflightIndex(p); i >= 0 {
		q.inflight = append(q.inflight[:i], q.inflight[i+1:]...)
		q.unconfirmedBytes -= size
		q.updateClogged()
	}

	q.pending = append(q.pending, nil)
	copy(q.pending[1:], q.pending)
	q.pending[0] = p
	q.pendingBytes += size
}

func (q *ConsumerQueue) inflightIndex(p *packet.Packet) int {
	for i, f := range q.inflight {
		if f == p {
			return i
		}
	}
	return -1
}

// hasNext reports whether the consumer may receive its next packet. The
// window is open while fewer than bytesPerConfirmation bytes are
// unconfirmed; overCapacity lets a non-empty queue through regardless.
func (q *ConsumerQueue) hasNext(bytesPerConfirmation int, overCapacity bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return false
	}
	if q.unconfirmedBytes < int64(bytesPerConfirmation) {
		return true
	}
	return overCapacity
}

// Next removes the head packet and counts it as unconfirmed. It returns nil
// if the queue is empty.
func (q *ConsumerQueue) Next() *packet.Packet {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}

	p := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]

	size := int64(p.PreparedSize())
	q.pendingBytes -= size
	q.inflight = append(q.inflight, p)
	q.unconfirmedBytes += size
	q.updateClogged()
	return p
}

// confirm releases every packet the transport has taken. Packets taken with
// Next but not marked sent stay in flight and keep their bytes unconfirmed.
func (q *ConsumerQueue) confirm() {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.inflight[:0]
	var unconfirmed int64
	for _, p := range q.inflight {
		if p.State() == packet.Prepared {
			kept = append(kept, p)
			unconfirmed += int64(p.PreparedSize())
			continue
		}
		p.MarkConfirmed()
	}
	clear(q.inflight[len(kept):])
	q.inflight = kept
	q.unconfirmedBytes = unconfirmed
	q.updateClogged()
}

func (q *ConsumerQueue) updateClogged() {
	q.clogged = q.unconfirmedBytes > q.clogThreshold
}

func (q *ConsumerQueue) setClogThreshold(n int64) {
	q.mu.Lock()
	q.clogThreshold = n
	q.updateClogged()
	q.mu.Unlock()
}

// drain empties the queue and returns the bytes of the packets that were
// still pending.
func (q *ConsumerQueue) drain() (int, int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, bytes := len(q.pending), q.pendingBytes
	q.pending = nil
	q.pendingBytes = 0
	q.inflight = nil
	q.unconfirmedBytes = 0
	q.clogged = false
	return n, bytes
}

// IsClogged reports whether the consumer holds more unconfirmed data than
// the clog threshold allows.
func (q *ConsumerQueue) IsClogged() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.clogged
}

// Len returns the number of pending packets.
func (q *ConsumerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// PendingBytes returns the prepared size of the pending packets.
func (q *ConsumerQueue) PendingBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingBytes
}

// UnconfirmedBytes returns the bytes dispatched since the last confirmation.
func (q *ConsumerQueue) UnconfirmedBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unconfirmedBytes
}
