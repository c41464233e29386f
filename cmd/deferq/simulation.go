// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/absmach/deferq/config"
	"github.com/absmach/deferq/delivery"
	"github.com/absmach/deferq/loopback"
	"github.com/absmach/deferq/packet"
	"github.com/absmach/deferq/scheduler"
	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	produceInterval = 10 * time.Millisecond
	reportInterval  = 5 * time.Second
)

// simulation produces packets for a set of loopback consumers. Clogged
// consumers are skipped until they catch up.
type simulation struct {
	cfg         config.SimulationConfig
	sched       *scheduler.Scheduler
	transport   *loopback.Transport
	worker      *delivery.Worker
	compression packet.Compression
	logger      *slog.Logger

	consumers []uuid.UUID
	next      int
	seq       uint64
	skipped   int
}

func newSimulation(cfg config.SimulationConfig, sched *scheduler.Scheduler, tr *loopback.Transport, w *delivery.Worker, c packet.Compression, logger *slog.Logger) (*simulation, error) {
	s := &simulation{
		cfg:         cfg,
		sched:       sched,
		transport:   tr,
		worker:      w,
		compression: c,
		logger:      logger,
	}

	for i := range cfg.Consumers {
		policy := loopback.Policy{
			ConfirmBytes: 4 * cfg.PacketSize,
			Latency:      cfg.ConfirmLatency,
		}
		if i < cfg.SlowConsumers {
			policy.Latency = cfg.SlowLatency
		}
		id, err := tr.Connect(policy)
		if err != nil {
			return nil, err
		}
		s.consumers = append(s.consumers, id)
	}
	return s, nil
}

func (s *simulation) run(ctx context.Context) {
	defer s.disconnectAll()

	if len(s.consumers) == 0 || s.cfg.PacketsPerSecond == 0 {
		<-ctx.Done()
		return
	}

	produce := time.NewTicker(produceInterval)
	defer produce.Stop()
	report := time.NewTicker(reportInterval)
	defer report.Stop()

	perTick := float64(s.cfg.PacketsPerSecond) * produceInterval.Seconds()
	var budget float64
	for {
		select {
		case <-ctx.Done():
			return
		case <-report.C:
			s.report()
		case <-produce.C:
			budget += perTick
			n := int(budget)
			budget -= float64(n)
			for range n {
				s.produceOne()
			}
			if n > 0 {
				s.worker.Notify()
			}
		}
	}
}

func (s *simulation) produceOne() {
	id := s.consumers[s.next%len(s.consumers)]
	s.next++

	if s.sched.IsClogged(id) {
		s.skipped++
		return
	}

	s.seq++
	payload := make([]byte, s.cfg.PacketSize)
	if len(payload) >= 8 {
		binary.BigEndian.PutUint64(payload, s.seq)
	}
	s.sched.Enqueue(id, packet.FromProto(wrapperspb.Bytes(payload), packet.WithCompression(s.compression)))
}

func (s *simulation) report() {
	st := s.sched.Stats(false)
	var packets int
	var bytes int64
	for _, id := range s.consumers {
		r, err := s.transport.Received(id)
		if err != nil {
			continue
		}
		packets += r.Packets
		bytes += r.Bytes
	}

	s.logger.Info("Simulation progress",
		slog.Uint64("produced", s.seq),
		slog.Int("skipped_clogged", s.skipped),
		slog.Int("delivered_packets", packets),
		slog.Int64("delivered_bytes", bytes),
		slog.Int64("bytes_enqueued", st.TotalBytesEnqueued),
		slog.Int("clogged", st.Clogged))
}

func (s *simulation) disconnectAll() {
	var dropped int
	for _, id := range s.consumers {
		dropped += s.worker.Disconnect(id)
		if err := s.transport.Disconnect(id); err != nil {
			s.logger.Debug("loopback disconnect failed",
				slog.String("consumer_id", id.String()),
				slog.String("error", err.Error()))
		}
	}
	s.logger.Info("Simulation consumers disconnected",
		slog.Int("consumers", len(s.consumers)),
		slog.Int("dropped_packets", dropped))
}
