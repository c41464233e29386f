// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package loopback is an in-process transport. Each simulated consumer
// records what it receives and confirms it according to its Policy.
package loopback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/deferq/packet"
	"github.com/google/uuid"
)

var (
	// ErrUnknownConsumer is returned for ids that are not connected.
	ErrUnknownConsumer = errors.New("unknown consumer")
	// ErrClosed is returned once the transport is closed.
	ErrClosed = errors.New("transport closed")
)

// ConfirmFunc delivers a confirmation for consumer id. It is usually
// scheduler.OnConfirmation.
type ConfirmFunc func(id uuid.UUID)

// Policy controls when a simulated consumer confirms.
type Policy struct {
	// ConfirmBytes is the amount received before a confirmation is sent.
	// Zero confirms every packet.
	ConfirmBytes int
	// Latency delays each confirmation.
	Latency time.Duration
}

// Stats is what a consumer has received so far.
type Stats struct {
	Packets       int   `json:"packets"`
	Bytes         int64 `json:"bytes"`
	DecodedBytes  int64 `json:"decoded_bytes"`
	Confirmations int   `json:"confirmations"`
}

type consumer struct {
	policy       Policy
	stats        Stats
	sinceConfirm int
	timers       map[*time.Timer]struct{}
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithCompression makes consumers decode incoming payloads with c.
func WithCompression(c packet.Compression) Option {
	return func(t *Transport) {
		t.compression = c
	}
}

// Transport delivers packets to in-process consumers.
type Transport struct {
	mu          sync.Mutex
	consumers   map[uuid.UUID]*consumer
	confirm     ConfirmFunc
	compression packet.Compression
	logger      *slog.Logger
	closed      bool
}

// New creates a transport that reports confirmations to confirm.
func New(confirm ConfirmFunc, opts ...Option) *Transport {
	t := &Transport{
		consumers: make(map[uuid.UUID]*consumer),
		confirm:   confirm,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect registers a new consumer and returns its id.
func (t *Transport) Connect(p Policy) (uuid.UUID, error) {
	id := uuid.New()
	if err := t.ConnectID(id, p); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// ConnectID registers a consumer under a caller-chosen id, replacing any
// previous registration of that id.
func (t *Transport) ConnectID(id uuid.UUID, p Policy) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if old, ok := t.consumers[id]; ok {
		old.stopTimers()
	}
	t.consumers[id] = &consumer{
		policy: p,
		timers: make(map[*time.Timer]struct{}),
	}

	t.logger.Debug("loopback consumer connected",
		slog.String("consumer_id", id.String()),
		slog.Int("confirm_bytes", p.ConfirmBytes),
		slog.Duration("latency", p.Latency))
	return nil
}

// Disconnect removes a consumer. Confirmations it still owed are dropped.
func (t *Transport) Disconnect(id uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.consumers[id]
	if !ok {
		return ErrUnknownConsumer
	}
	c.stopTimers()
	delete(t.consumers, id)
	return nil
}

// Send delivers data to consumer id.
func (t *Transport) Send(_ context.Context, id uuid.UUID, data []byte) error {
	decoded := len(data)
	if t.compression != packet.CompressionNone {
		raw, err := packet.Decompress(data, t.compression)
		if err != nil {
			return err
		}
		decoded = len(raw)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	c, ok := t.consumers[id]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownConsumer
	}

	c.stats.Packets++
	c.stats.Bytes += int64(len(data))
	c.stats.DecodedBytes += int64(decoded)
	c.sinceConfirm += len(data)

	due := c.sinceConfirm >= c.policy.ConfirmBytes
	if due {
		c.sinceConfirm = 0
	}
	immediate := due && c.policy.Latency <= 0
	if immediate {
		c.stats.Confirmations++
	}
	if due && !immediate {
		t.schedule(id, c)
	}
	t.mu.Unlock()

	if immediate && t.confirm != nil {
		t.confirm(id)
	}
	return nil
}

// schedule arms a delayed confirmation. Callers must hold t.mu.
func (t *Transport) schedule(id uuid.UUID, c *consumer) {
	var timer *time.Timer
	timer = time.AfterFunc(c.policy.Latency, func() {
		t.mu.Lock()
		cur, ok := t.consumers[id]
		if !ok || cur != c || t.closed {
			t.mu.Unlock()
			return
		}
		delete(c.timers, timer)
		c.stats.Confirmations++
		t.mu.Unlock()

		if t.confirm != nil {
			t.confirm(id)
		}
	})
	c.timers[timer] = struct{}{}
}

func (c *consumer) stopTimers() {
	for timer := range c.timers {
		timer.Stop()
	}
	clear(c.timers)
}

// Received returns the stats of consumer id.
func (t *Transport) Received(id uuid.UUID) (Stats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.consumers[id]
	if !ok {
		return Stats{}, ErrUnknownConsumer
	}
	return c.stats, nil
}

// Consumers returns the connected ids.
func (t *Transport) Consumers() []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(t.consumers))
	for id := range t.consumers {
		ids = append(ids, id)
	}
	return ids
}

// Close disconnects every consumer. Later calls to Send fail with ErrClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	for _, c := range t.consumers {
		c.stopTimers()
	}
	clear(t.consumers)
	return nil
}
