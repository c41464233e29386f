// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"math/rand"
	"slices"
	"sync"
	"testing"

	"github.com/absmach/deferq/packet"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	idA = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	idB = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	idC = uuid.MustParse("00000000-0000-0000-0000-00000000000c")
)

func newScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := New(Config{ClogThreshold: 1000})
	require.NoError(t, err)
	return s
}

// checkRegistry asserts the sorted sequence and the queue map agree.
func checkRegistry(t *testing.T, s *Scheduler) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	require.Len(t, s.queues, len(s.order))
	for i, id := range s.order {
		if i > 0 {
			require.Negative(t, compareID(s.order[i-1], id), "order not strictly sorted at %d", i)
		}
		q, ok := s.queues[id]
		require.True(t, ok, "id %s missing from map", id)
		require.Equal(t, id, q.ID())
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{ClogThreshold: -1})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	s, err := New(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestScheduler_Scenario(t *testing.T) {
	s := newScheduler(t)

	s.Enqueue(idA, sized(10))
	s.Enqueue(idA, sized(20))
	s.Enqueue(idA, sized(30))
	s.Enqueue(idB, sized(5))

	assert.Equal(t, int64(65), s.TotalBytesEnqueued())
	assert.Equal(t, []uuid.UUID{idA, idB}, s.Consumers())

	first := s.Next(1000, false)
	second := s.Next(1000, false)
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, idA, first.ID())
	assert.Equal(t, idB, second.ID())

	assert.Equal(t, 3, s.ClearForConsumer(idA))
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, int64(5), s.TotalBytesEnqueued())
	checkRegistry(t, s)

	for i := 0; i < 5; i++ {
		q := s.Next(1000, false)
		if q == nil {
			break
		}
		assert.NotEqual(t, idA, q.ID())
		p := q.Next()
		s.CountSentBytes(p)
	}
	assert.Equal(t, int64(0), s.TotalBytesEnqueued())
}

func TestScheduler_RoundRobinFairness(t *testing.T) {
	s := newScheduler(t)
	ids := []uuid.UUID{idC, idA, idB}
	for _, id := range ids {
		for i := 0; i < 10; i++ {
			s.Enqueue(id, sized(1))
		}
	}

	// Start the rotation somewhere in the middle.
	s.current = 1

	var got []uuid.UUID
	for i := 0; i < 6; i++ {
		q := s.Next(1000, false)
		require.NotNil(t, q)
		got = append(got, q.ID())
	}
	assert.Equal(t, []uuid.UUID{idB, idC, idA, idB, idC, idA}, got)
}

func TestScheduler_NextSkipsIneligibleConsumers(t *testing.T) {
	s := newScheduler(t)
	s.Enqueue(idA, sized(1))
	s.Enqueue(idC, sized(1))
	s.Queue(idB) // registered, nothing pending

	q := s.Next(1000, false)
	require.NotNil(t, q)
	assert.Equal(t, idA, q.ID())

	q = s.Next(1000, false)
	require.NotNil(t, q)
	assert.Equal(t, idC, q.ID())
}

func TestScheduler_NextEmpty(t *testing.T) {
	s := newScheduler(t)
	assert.Nil(t, s.Next(100, false))
	assert.Nil(t, s.Next(100, true))

	s.Queue(idA)
	assert.Nil(t, s.Next(100, true))
}

func TestScheduler_NextExaminesEachConsumerOnce(t *testing.T) {
	s := newScheduler(t)
	for _, id := range []uuid.UUID{idA, idB, idC} {
		s.Queue(id)
	}
	s.current = 2

	assert.Nil(t, s.Next(100, false))
	// A full rotation leaves the cursor where it started, modulo length.
	assert.Equal(t, 2, s.current%3)
}

func TestScheduler_CursorSurvivesShrinking(t *testing.T) {
	s := newScheduler(t)
	for _, id := range []uuid.UUID{idA, idB, idC} {
		s.Enqueue(id, sized(1))
		s.Enqueue(id, sized(1))
	}
	s.current = 3

	s.ClearForConsumer(idB)
	s.ClearForConsumer(idC)

	q := s.Next(1000, false)
	require.NotNil(t, q)
	assert.Equal(t, idA, q.ID())
}

func TestScheduler_FlowControlGating(t *testing.T) {
	s := newScheduler(t)
	s.Enqueue(idA, sized(10))
	s.Enqueue(idA, sized(20))
	s.Enqueue(idA, sized(30))

	q := s.Next(15, false)
	require.NotNil(t, q)
	s.CountSentBytes(q.Next()) // 10 unconfirmed

	q = s.Next(15, false)
	require.NotNil(t, q)
	s.CountSentBytes(q.Next()) // 30 unconfirmed

	assert.Nil(t, s.Next(15, false), "window full, must wait for confirmation")

	q = s.Next(15, true)
	require.NotNil(t, q, "over capacity lets a non-empty queue through")
	assert.Equal(t, idA, q.ID())

	s.OnConfirmation(idA)
	q = s.Next(15, false)
	require.NotNil(t, q)
}

func TestScheduler_ConfirmationReleasesClog(t *testing.T) {
	s, err := New(Config{ClogThreshold: 25})
	require.NoError(t, err)

	s.Enqueue(idA, sized(10))
	s.Enqueue(idA, sized(20))
	for i := 0; i < 2; i++ {
		q := s.Next(1000, false)
		require.NotNil(t, q)
		s.CountSentBytes(q.Next())
	}
	assert.True(t, s.IsClogged(idA))

	s.OnConfirmation(idA)
	assert.False(t, s.IsClogged(idA))
}

func TestScheduler_QueriesRegisterLazily(t *testing.T) {
	s := newScheduler(t)

	assert.False(t, s.Has(idA))
	assert.False(t, s.IsClogged(idA))
	assert.True(t, s.Has(idA))

	s.OnConfirmation(idB)
	assert.Equal(t, []uuid.UUID{idA, idB}, s.Consumers())
	checkRegistry(t, s)
}

func TestScheduler_ClearIsIdempotent(t *testing.T) {
	s := newScheduler(t)
	s.Enqueue(idA, sized(7))

	assert.Equal(t, 1, s.ClearForConsumer(idA))
	assert.Equal(t, 0, s.ClearForConsumer(idA))
	assert.Equal(t, 0, s.ClearForConsumer(idB))
	assert.Equal(t, int64(0), s.TotalBytesEnqueued())
	assert.Equal(t, 0, s.Len())
}

func TestScheduler_Requeue(t *testing.T) {
	s := newScheduler(t)
	s.Enqueue(idA, sized(10))
	s.Enqueue(idA, sized(20))

	q := s.Next(1000, false)
	require.NotNil(t, q)
	p := q.Next()

	assert.True(t, s.Requeue(q, p))
	assert.Equal(t, int64(30), s.TotalBytesEnqueued())
	assert.Equal(t, 2, q.Len())
	assert.Same(t, p, q.Next())

	s.ClearForConsumer(idA)
	assert.Equal(t, int64(10), s.TotalBytesEnqueued(), "taken packet is still owned by the driver")

	assert.False(t, s.Requeue(q, p))
	assert.Equal(t, int64(0), s.TotalBytesEnqueued())
	assert.False(t, s.Has(idA), "requeue must not resurrect a cleared consumer")
}

func TestScheduler_RequeueAfterConfirmation(t *testing.T) {
	s := newScheduler(t)
	a, b := sized(10), sized(20)
	s.Enqueue(idA, a)
	s.Enqueue(idA, b)

	q := s.Next(1000, false)
	require.NotNil(t, q)
	require.Same(t, a, q.Next())

	// The confirmation arrives while a is still with the driver.
	s.OnConfirmation(idA)
	assert.Equal(t, int64(10), q.UnconfirmedBytes())
	assert.Equal(t, packet.Prepared, a.State())

	require.True(t, s.Requeue(q, a))
	assert.Equal(t, int64(30), s.TotalBytesEnqueued())
	assert.Equal(t, int64(30), q.PendingBytes())
	assert.Zero(t, q.UnconfirmedBytes())
	assert.Equal(t, 2, q.Len())
	assert.Same(t, a, q.Next())
	assert.Same(t, b, q.Next())
}

func TestScheduler_ConfirmAfterCountSent(t *testing.T) {
	s := newScheduler(t)
	p := sized(10)
	s.Enqueue(idA, p)

	q := s.Next(1000, false)
	require.NotNil(t, q)
	require.Same(t, p, q.Next())

	s.OnConfirmation(idA)
	s.CountSentBytes(p)
	assert.Equal(t, packet.Sent, p.State())

	s.OnConfirmation(idA)
	assert.Equal(t, packet.Confirmed, p.State())
	assert.Zero(t, q.UnconfirmedBytes())
	assert.Zero(t, s.TotalBytesEnqueued())
}

func TestScheduler_CountSentBytesNeverNegative(t *testing.T) {
	s := newScheduler(t)
	p := sized(10)
	p.Prepare()

	s.CountSentBytes(p)
	assert.Equal(t, int64(0), s.TotalBytesEnqueued())
	assert.Equal(t, packet.Sent, p.State())
}

func TestScheduler_SetClogThreshold(t *testing.T) {
	s := newScheduler(t)
	s.Enqueue(idA, sized(50))
	q := s.Next(1000, false)
	require.NotNil(t, q)
	s.CountSentBytes(q.Next())
	require.False(t, s.IsClogged(idA))

	assert.ErrorIs(t, s.SetClogThreshold(0), ErrInvalidConfig)
	require.NoError(t, s.SetClogThreshold(40))
	assert.True(t, s.IsClogged(idA))

	// Queues created later inherit the new threshold.
	s.Enqueue(idB, sized(45))
	q = s.Queue(idB)
	q.Next()
	assert.True(t, s.IsClogged(idB))
}

func TestScheduler_Stats(t *testing.T) {
	s, err := New(Config{ClogThreshold: 5})
	require.NoError(t, err)
	s.Enqueue(idA, sized(10))
	s.Enqueue(idA, sized(3))
	s.Enqueue(idB, sized(4))
	s.Queue(idA).Next()

	st := s.Stats(true)
	assert.Equal(t, 2, st.Consumers)
	assert.Equal(t, int64(17), st.TotalBytesEnqueued)
	assert.Equal(t, 1, st.Clogged)
	require.Len(t, st.PerConsumer, 2)
	assert.Equal(t, ConsumerStats{ID: idA, Pending: 1, PendingBytes: 3, UnconfirmedBytes: 10, Clogged: true}, st.PerConsumer[0])
	assert.Equal(t, ConsumerStats{ID: idB, Pending: 1, PendingBytes: 4}, st.PerConsumer[1])

	assert.Nil(t, s.Stats(false).PerConsumer)
}

// TestScheduler_RandomOperations drives the scheduler with a random mix of
// operations and checks the registry and byte accounting after each one.
func TestScheduler_RandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s := newScheduler(t)

	ids := make([]uuid.UUID, 8)
	for i := range ids {
		ids[i] = uuid.New()
	}
	type takenPacket struct {
		q *ConsumerQueue
		p *packet.Packet
	}
	var taken []takenPacket // taken with Next, not yet counted

	expected := func() int64 {
		var sum int64
		s.mu.Lock()
		for _, q := range s.queues {
			for _, p := range q.pending {
				sum += int64(p.PreparedSize())
			}
		}
		s.mu.Unlock()
		for _, tp := range taken {
			sum += int64(tp.p.PreparedSize())
		}
		return sum
	}

	for step := 0; step < 2000; step++ {
		id := ids[rng.Intn(len(ids))]
		switch rng.Intn(7) {
		case 0, 1:
			s.Enqueue(id, sized(1+rng.Intn(100)))
		case 2:
			if q := s.Next(200, rng.Intn(2) == 0); q != nil {
				if p := q.Next(); p != nil {
					taken = append(taken, takenPacket{q: q, p: p})
				}
			}
		case 3:
			if len(taken) > 0 {
				i := rng.Intn(len(taken))
				s.CountSentBytes(taken[i].p)
				taken = slices.Delete(taken, i, i+1)
			}
		case 6:
			if len(taken) > 0 {
				i := rng.Intn(len(taken))
				s.Requeue(taken[i].q, taken[i].p)
				taken = slices.Delete(taken, i, i+1)
			}
		case 4:
			s.OnConfirmation(id)
		case 5:
			if rng.Intn(4) == 0 {
				s.ClearForConsumer(id)
			}
		}

		checkRegistry(t, s)
		require.Equal(t, expected(), s.TotalBytesEnqueued(), "step %d", step)
		require.GreaterOrEqual(t, s.TotalBytesEnqueued(), int64(0))
	}
}

func TestScheduler_ConcurrentAccess(t *testing.T) {
	s := newScheduler(t)
	ids := make([]uuid.UUID, 16)
	for i := range ids {
		ids[i] = uuid.New()
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				s.Enqueue(ids[(w+i)%len(ids)], sized(8))
			}
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			if q := s.Next(64, i%3 == 0); q != nil {
				if p := q.Next(); p != nil {
					s.CountSentBytes(p)
				}
			}
			if i%7 == 0 {
				s.OnConfirmation(ids[i%len(ids)])
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			s.ClearForConsumer(ids[i%len(ids)])
		}
	}()
	wg.Wait()

	checkRegistry(t, s)

	var pending int64
	for _, id := range s.Consumers() {
		pending += s.Queue(id).PendingBytes()
	}
	assert.Equal(t, pending, s.TotalBytesEnqueued())
}
