// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/deferq"

// Metrics holds OpenTelemetry metric instruments for the packet scheduler.
// It satisfies both scheduler.Metrics and delivery.Metrics.
type Metrics struct {
	meter metric.Meter

	// Counters
	packetsEnqueued   metric.Int64Counter
	packetsDispatched metric.Int64Counter
	packetsDropped    metric.Int64Counter
	bytesSent         metric.Int64Counter
	sendErrors        metric.Int64Counter
	cloggedTotal      metric.Int64Counter

	// UpDownCounters (Gauges)
	bytesEnqueued   metric.Int64UpDownCounter
	consumersActive metric.Int64UpDownCounter

	// Histograms
	packetSize    metric.Int64Histogram
	flushDuration metric.Float64Histogram
}

// NewMetrics creates Metrics on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithProvider(otel.GetMeterProvider())
}

// NewMetricsWithProvider creates Metrics on mp.
func NewMetricsWithProvider(mp metric.MeterProvider) (*Metrics, error) {
	m := &Metrics{
		meter: mp.Meter(meterName),
	}

	var err error

	m.packetsEnqueued, err = m.meter.Int64Counter(
		"deferq.packets.enqueued.total",
		metric.WithDescription("Total packets admitted to consumer queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create packetsEnqueued counter: %w", err)
	}

	m.packetsDispatched, err = m.meter.Int64Counter(
		"deferq.packets.dispatched.total",
		metric.WithDescription("Total packets handed to the transport"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create packetsDispatched counter: %w", err)
	}

	m.packetsDropped, err = m.meter.Int64Counter(
		"deferq.packets.dropped.total",
		metric.WithDescription("Total packets discarded without being sent"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create packetsDropped counter: %w", err)
	}

	m.bytesSent, err = m.meter.Int64Counter(
		"deferq.bytes.sent.total",
		metric.WithDescription("Total prepared bytes handed to the transport"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesSent counter: %w", err)
	}

	m.sendErrors, err = m.meter.Int64Counter(
		"deferq.send.errors.total",
		metric.WithDescription("Total failed sends by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sendErrors counter: %w", err)
	}

	m.cloggedTotal, err = m.meter.Int64Counter(
		"deferq.consumers.clogged.total",
		metric.WithDescription("Times a consumer became clogged"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cloggedTotal counter: %w", err)
	}

	m.bytesEnqueued, err = m.meter.Int64UpDownCounter(
		"deferq.bytes.enqueued",
		metric.WithDescription("Prepared bytes currently owned by the scheduler"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesEnqueued gauge: %w", err)
	}

	m.consumersActive, err = m.meter.Int64UpDownCounter(
		"deferq.consumers.active",
		metric.WithDescription("Number of registered consumers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumersActive gauge: %w", err)
	}

	m.packetSize, err = m.meter.Int64Histogram(
		"deferq.packet.size.bytes",
		metric.WithDescription("Prepared packet size distribution"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create packetSize histogram: %w", err)
	}

	m.flushDuration, err = m.meter.Float64Histogram(
		"deferq.flush.duration.ms",
		metric.WithDescription("Delivery tick duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flushDuration histogram: %w", err)
	}

	return m, nil
}

// RecordEnqueued records a packet admitted to a queue.
func (m *Metrics) RecordEnqueued(sizeBytes int64) {
	ctx := context.Background()
	m.packetsEnqueued.Add(ctx, 1)
	m.bytesEnqueued.Add(ctx, sizeBytes)
	m.packetSize.Record(ctx, sizeBytes)
}

// RecordSent records a packet handed to the transport.
func (m *Metrics) RecordSent(sizeBytes int64) {
	ctx := context.Background()
	m.packetsDispatched.Add(ctx, 1)
	m.bytesSent.Add(ctx, sizeBytes)
	m.bytesEnqueued.Add(ctx, -sizeBytes)
}

// RecordDropped records packets discarded with their consumer.
func (m *Metrics) RecordDropped(packets int, sizeBytes int64) {
	ctx := context.Background()
	m.packetsDropped.Add(ctx, int64(packets))
	m.bytesEnqueued.Add(ctx, -sizeBytes)
}

// RecordConsumerAdded records a newly registered consumer.
func (m *Metrics) RecordConsumerAdded() {
	m.consumersActive.Add(context.Background(), 1)
}

// RecordConsumerRemoved records a cleared consumer.
func (m *Metrics) RecordConsumerRemoved() {
	m.consumersActive.Add(context.Background(), -1)
}

// RecordSendError records a failed send by reason.
func (m *Metrics) RecordSendError(reason string) {
	m.sendErrors.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordClogged records a consumer becoming clogged.
func (m *Metrics) RecordClogged() {
	m.cloggedTotal.Add(context.Background(), 1)
}

// RecordFlushDuration records the duration of one delivery tick.
func (m *Metrics) RecordFlushDuration(durationMs float64, overCapacity bool) {
	m.flushDuration.Record(context.Background(), durationMs, metric.WithAttributes(
		attribute.Bool("over_capacity", overCapacity),
	))
}
