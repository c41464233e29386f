// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package loopback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/absmach/deferq/delivery"
	"github.com/absmach/deferq/packet"
	"github.com/absmach/deferq/scheduler"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ delivery.Sender = (*Transport)(nil)

type confirmations struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (c *confirmations) record(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
}

func (c *confirmations) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

func TestConfirmAfterBytes(t *testing.T) {
	var conf confirmations
	tr := New(conf.record)

	id, err := tr.Connect(Policy{ConfirmBytes: 25})
	require.NoError(t, err)

	ctx := context.Background()
	for range 5 {
		require.NoError(t, tr.Send(ctx, id, make([]byte, 10)))
	}

	// 30 bytes trigger the first confirmation, the remaining 20 do not.
	assert.Equal(t, []uuid.UUID{id}, conf.ids)

	st, err := tr.Received(id)
	require.NoError(t, err)
	assert.Equal(t, Stats{Packets: 5, Bytes: 50, DecodedBytes: 50, Confirmations: 1}, st)
}

func TestConfirmEveryPacket(t *testing.T) {
	var conf confirmations
	tr := New(conf.record)

	id, err := tr.Connect(Policy{})
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, tr.Send(context.Background(), id, []byte("x")))
	}
	assert.Equal(t, 3, conf.count())
}

func TestConfirmLatency(t *testing.T) {
	var conf confirmations
	tr := New(conf.record)
	defer tr.Close()

	id, err := tr.Connect(Policy{Latency: 20 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, tr.Send(context.Background(), id, []byte("abc")))
	assert.Zero(t, conf.count())

	require.Eventually(t, func() bool {
		return conf.count() == 1
	}, time.Second, 5*time.Millisecond)

	st, err := tr.Received(id)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Confirmations)
}

func TestDisconnectCancelsPendingConfirmations(t *testing.T) {
	var conf confirmations
	tr := New(conf.record)

	id, err := tr.Connect(Policy{Latency: 30 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), id, []byte("abc")))
	require.NoError(t, tr.Disconnect(id))

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, conf.count())

	assert.ErrorIs(t, tr.Disconnect(id), ErrUnknownConsumer)
	_, err = tr.Received(id)
	assert.ErrorIs(t, err, ErrUnknownConsumer)
}

func TestSendErrors(t *testing.T) {
	tr := New(nil)

	err := tr.Send(context.Background(), uuid.New(), []byte("x"))
	assert.ErrorIs(t, err, ErrUnknownConsumer)

	id, err := tr.Connect(Policy{})
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	assert.ErrorIs(t, tr.Send(context.Background(), id, []byte("x")), ErrClosed)
	_, err = tr.Connect(Policy{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, tr.Consumers())
}

func TestDecodesCompressedPayloads(t *testing.T) {
	tr := New(nil, WithCompression(packet.CompressionZstd))
	id, err := tr.Connect(Policy{ConfirmBytes: 1 << 20})
	require.NoError(t, err)

	raw := make([]byte, 4096)
	p := packet.FromBytes(raw, packet.WithCompression(packet.CompressionZstd))
	p.Prepare()
	require.NoError(t, p.Err())

	require.NoError(t, tr.Send(context.Background(), id, p.Bytes()))

	st, err := tr.Received(id)
	require.NoError(t, err)
	assert.Equal(t, int64(p.PreparedSize()), st.Bytes)
	assert.Equal(t, int64(len(raw)), st.DecodedBytes)

	assert.Error(t, tr.Send(context.Background(), id, []byte("not zstd")))
}

func TestDeliversThroughScheduler(t *testing.T) {
	s, err := scheduler.New(scheduler.DefaultConfig())
	require.NoError(t, err)

	tr := New(s.OnConfirmation)
	defer tr.Close()

	fast, err := tr.Connect(Policy{ConfirmBytes: 100})
	require.NoError(t, err)
	slow, err := tr.Connect(Policy{ConfirmBytes: 100, Latency: 10 * time.Millisecond})
	require.NoError(t, err)

	cfg := delivery.DefaultConfig()
	cfg.Limits = delivery.Limits{BytesPerConfirmation: 100, OverCapacityBytes: 1 << 20}
	w, err := delivery.New(s, tr, cfg)
	require.NoError(t, err)

	for range 50 {
		s.Enqueue(fast, packet.FromBytes(make([]byte, 20)))
		s.Enqueue(slow, packet.FromBytes(make([]byte, 20)))
	}
	require.Equal(t, int64(2000), s.TotalBytesEnqueued())

	require.Eventually(t, func() bool {
		w.Flush(context.Background())
		return s.TotalBytesEnqueued() == 0
	}, 5*time.Second, 5*time.Millisecond)

	for _, id := range []uuid.UUID{fast, slow} {
		st, err := tr.Received(id)
		require.NoError(t, err)
		assert.Equal(t, 50, st.Packets)
		assert.Equal(t, int64(1000), st.Bytes)
	}
}

func TestImmediateConfirmCompletesLifecycle(t *testing.T) {
	s, err := scheduler.New(scheduler.DefaultConfig())
	require.NoError(t, err)

	tr := New(s.OnConfirmation)
	defer tr.Close()
	id, err := tr.Connect(Policy{})
	require.NoError(t, err)

	w, err := delivery.New(s, tr, delivery.DefaultConfig())
	require.NoError(t, err)

	p := packet.FromBytes([]byte("hello"))
	s.Enqueue(id, p)

	res := w.Flush(context.Background())
	require.Equal(t, 1, res.Dispatched)
	assert.Equal(t, packet.Confirmed, p.State())
	assert.Zero(t, s.Queue(id).UnconfirmedBytes())
}
