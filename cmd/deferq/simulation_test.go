// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/absmach/deferq/config"
	"github.com/absmach/deferq/delivery"
	"github.com/absmach/deferq/loopback"
	"github.com/absmach/deferq/packet"
	"github.com/absmach/deferq/ratelimit"
	"github.com/absmach/deferq/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSimulation(t *testing.T, simCfg config.SimulationConfig, clogThreshold int64) *simulation {
	t.Helper()

	sched, err := scheduler.New(scheduler.Config{ClogThreshold: clogThreshold})
	require.NoError(t, err)
	tr := loopback.New(sched.OnConfirmation)
	t.Cleanup(func() { tr.Close() })

	cfg := config.Default()
	cfg.Scheduler.BytesPerConfirmation = 1 << 20
	w, err := delivery.New(sched, tr, deliveryConfig(cfg))
	require.NoError(t, err)

	sim, err := newSimulation(simCfg, sched, tr, w, packet.CompressionNone, slog.Default())
	require.NoError(t, err)
	return sim
}

func TestSimulationProducesRoundRobin(t *testing.T) {
	sim := newTestSimulation(t, config.SimulationConfig{Consumers: 3, PacketSize: 16}, 1<<20)
	require.Len(t, sim.consumers, 3)

	for range 6 {
		sim.produceOne()
	}

	for _, id := range sim.consumers {
		assert.Equal(t, 2, sim.sched.Queue(id).Len())
	}
	assert.Equal(t, uint64(6), sim.seq)
}

func TestSimulationSkipsCloggedConsumers(t *testing.T) {
	sim := newTestSimulation(t, config.SimulationConfig{
		Consumers:     1,
		SlowConsumers: 1,
		PacketSize:    64,
		SlowLatency:   time.Hour,
	}, 100)

	id := sim.consumers[0]
	for range 4 {
		sim.produceOne()
	}
	sim.worker.Flush(context.Background())
	require.True(t, sim.sched.IsClogged(id))

	sim.produceOne()
	assert.Equal(t, 1, sim.skipped)
	assert.Zero(t, sim.sched.Queue(id).Len())
}

func TestSimulationDisconnectsOnExit(t *testing.T) {
	sim := newTestSimulation(t, config.SimulationConfig{Consumers: 2, PacketSize: 8}, 1<<20)
	sim.produceOne()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sim.run(ctx)

	assert.Zero(t, sim.sched.Len())
	assert.Empty(t, sim.transport.Consumers())
}

func TestApplyReload(t *testing.T) {
	sim := newTestSimulation(t, config.SimulationConfig{Consumers: 1, PacketSize: 8}, 1<<20)
	limiter := ratelimit.NewManager(ratelimit.Config{})
	before := sim.worker.Limits()

	bad := config.Default()
	bad.Scheduler.BytesPerConfirmation = 1024
	bad.Scheduler.ClogThreshold = 0
	applyReload(bad, sim.sched, sim.worker, limiter, slog.Default())
	assert.Equal(t, before, sim.worker.Limits(), "invalid reload must not apply anything")

	good := config.Default()
	good.Scheduler.BytesPerConfirmation = 1024
	good.Scheduler.ClogThreshold = 5
	applyReload(good, sim.sched, sim.worker, limiter, slog.Default())
	assert.Equal(t, 1024, sim.worker.Limits().BytesPerConfirmation)

	id := sim.consumers[0]
	sim.produceOne()
	sim.worker.Flush(context.Background())
	assert.True(t, sim.sched.IsClogged(id))
}
