// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"

	"github.com/google/uuid"
)

// Sender hands prepared packet bytes to the transport of a consumer.
type Sender interface {
	Send(ctx context.Context, id uuid.UUID, data []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, id uuid.UUID, data []byte) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, id uuid.UUID, data []byte) error {
	return f(ctx, id, data)
}

// ClogHandler is called when a consumer becomes clogged. It runs on the
// worker goroutine and must not block.
type ClogHandler func(id uuid.UUID)

// Metrics receives delivery events.
type Metrics interface {
	RecordSendError(reason string)
	RecordClogged()
	RecordFlushDuration(durationMs float64, overCapacity bool)
}

type noopMetrics struct{}

func (noopMetrics) RecordSendError(string)            {}
func (noopMetrics) RecordClogged()                    {}
func (noopMetrics) RecordFlushDuration(float64, bool) {}
