// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrInvalidConfig is returned by New when the configuration is unusable.
var ErrInvalidConfig = errors.New("invalid scheduler configuration")

// DefaultClogThreshold is the unconfirmed byte count above which a consumer
// is reported as clogged.
const DefaultClogThreshold = 256 * 1024

// Config holds scheduler settings.
type Config struct {
	// ClogThreshold is the number of unconfirmed bytes a consumer may hold
	// before IsClogged reports true.
	ClogThreshold int64
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{ClogThreshold: DefaultClogThreshold}
}

// Validate reports whether c can build a scheduler.
func (c Config) Validate() error {
	if c.ClogThreshold <= 0 {
		return fmt.Errorf("%w: clog threshold must be positive, got %d", ErrInvalidConfig, c.ClogThreshold)
	}
	return nil
}

// Metrics receives scheduler events. Implementations must be safe for
// concurrent use and must not call back into the scheduler.
type Metrics interface {
	RecordEnqueued(sizeBytes int64)
	RecordSent(sizeBytes int64)
	RecordDropped(packets int, sizeBytes int64)
	RecordConsumerAdded()
	RecordConsumerRemoved()
}

type noopMetrics struct{}

func (noopMetrics) RecordEnqueued(int64)     {}
func (noopMetrics) RecordSent(int64)         {}
func (noopMetrics) RecordDropped(int, int64) {}
func (noopMetrics) RecordConsumerAdded()     {}
func (noopMetrics) RecordConsumerRemoved()   {}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}
