// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit bounds the number of bytes the delivery worker hands to
// the transport, globally and per consumer.
package ratelimit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ConsumerLimiter keeps one byte-rate limiter per consumer.
type ConsumerLimiter struct {
	mu       sync.Mutex
	limiters map[uuid.UUID]*consumerEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type consumerEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewConsumerLimiter creates a per-consumer limiter allowing bytesPerSecond
// with the given burst. Entries not used for two cleanup intervals are
// forgotten; a zero interval disables the cleanup goroutine.
func NewConsumerLimiter(bytesPerSecond float64, burst int, cleanupInterval time.Duration) *ConsumerLimiter {
	l := &ConsumerLimiter{
		limiters: make(map[uuid.UUID]*consumerEntry),
		rate:     rate.Limit(bytesPerSecond),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go l.cleanupLoop()
	}
	return l
}

// reserve reserves n bytes for consumer id at now.
func (l *ConsumerLimiter) reserve(id uuid.UUID, n int, now time.Time) *rate.Reservation {
	l.mu.Lock()
	entry, ok := l.limiters[id]
	if !ok {
		entry = &consumerEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[id] = entry
	}
	entry.lastSeen = now
	limiter := entry.limiter
	l.mu.Unlock()

	return reserve(limiter, n, now)
}

// AllowN reports whether consumer id may send n bytes now.
func (l *ConsumerLimiter) AllowN(id uuid.UUID, n int) bool {
	now := time.Now()
	r := l.reserve(id, n, now)
	if r.DelayFrom(now) > 0 {
		r.CancelAt(now)
		return false
	}
	return true
}

// SetRate changes the rate of existing and future consumer limiters.
func (l *ConsumerLimiter) SetRate(bytesPerSecond float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rate = rate.Limit(bytesPerSecond)
	l.burst = burst
	for _, e := range l.limiters {
		e.limiter.SetLimit(l.rate)
		e.limiter.SetBurst(burst)
	}
}

// Remove forgets the limiter of a disconnected consumer.
func (l *ConsumerLimiter) Remove(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, id)
}

// Len returns the number of tracked consumers.
func (l *ConsumerLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *ConsumerLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

func (l *ConsumerLimiter) removeStale(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := now.Add(-l.cleanup * 2)
	for id, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, id)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *ConsumerLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// reserve reserves n tokens, clamping n to the burst. A packet larger than
// the burst would otherwise never be admitted; clamped, it drains the whole
// bucket instead.
func reserve(l *rate.Limiter, n int, now time.Time) *rate.Reservation {
	if b := l.Burst(); n > b {
		n = b
	}
	return l.ReserveN(now, n)
}

// Config holds byte-rate limiting settings.
type Config struct {
	Enabled bool `yaml:"enabled"`

	BytesPerSecond float64 `yaml:"bytes_per_second"` // across all consumers, 0 = unlimited
	Burst          int     `yaml:"burst"`

	PerConsumerBytesPerSecond float64       `yaml:"per_consumer_bytes_per_second"` // 0 = unlimited
	PerConsumerBurst          int           `yaml:"per_consumer_burst"`
	CleanupInterval           time.Duration `yaml:"cleanup_interval"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:                   false,
		BytesPerSecond:            8 * 1024 * 1024, // 8 MiB/s
		Burst:                     512 * 1024,
		PerConsumerBytesPerSecond: 256 * 1024,
		PerConsumerBurst:          64 * 1024,
		CleanupInterval:           5 * time.Minute,
	}
}

// Manager combines the global and the per-consumer limiter.
type Manager struct {
	mu       sync.RWMutex
	global   *rate.Limiter
	consumer *ConsumerLimiter
	disabled bool
}

// NewManager creates a rate limit manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{disabled: true}
	}

	m := &Manager{}
	if cfg.BytesPerSecond > 0 {
		m.global = rate.NewLimiter(rate.Limit(cfg.BytesPerSecond), cfg.Burst)
	}
	if cfg.PerConsumerBytesPerSecond > 0 {
		m.consumer = NewConsumerLimiter(cfg.PerConsumerBytesPerSecond, cfg.PerConsumerBurst, cfg.CleanupInterval)
	}
	return m
}

// Allow reports whether n bytes may be sent to consumer id now. Tokens are
// only taken when both limiters agree.
func (m *Manager) Allow(id uuid.UUID, n int) bool {
	if m.disabled {
		return true
	}

	m.mu.RLock()
	global, consumer := m.global, m.consumer
	m.mu.RUnlock()

	now := time.Now()
	var cr *rate.Reservation
	if consumer != nil {
		cr = consumer.reserve(id, n, now)
		if cr.DelayFrom(now) > 0 {
			cr.CancelAt(now)
			return false
		}
	}
	if global != nil {
		gr := reserve(global, n, now)
		if gr.DelayFrom(now) > 0 {
			gr.CancelAt(now)
			if cr != nil {
				cr.CancelAt(now)
			}
			return false
		}
	}
	return true
}

// SetGlobalRate changes the global byte rate. It has no effect on a disabled
// manager; a rate of 0 removes the global limit.
func (m *Manager) SetGlobalRate(bytesPerSecond float64, burst int) {
	if m.disabled {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if bytesPerSecond <= 0 {
		m.global = nil
		return
	}
	if m.global == nil {
		m.global = rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
		return
	}
	m.global.SetLimit(rate.Limit(bytesPerSecond))
	m.global.SetBurst(burst)
}

// SetConsumerRate changes the per-consumer byte rate of existing limiters.
func (m *Manager) SetConsumerRate(bytesPerSecond float64, burst int) {
	if m.disabled {
		return
	}
	m.mu.RLock()
	consumer := m.consumer
	m.mu.RUnlock()

	if consumer != nil {
		consumer.SetRate(bytesPerSecond, burst)
	}
}

// OnConsumerDisconnect drops the limiter of a disconnected consumer.
func (m *Manager) OnConsumerDisconnect(id uuid.UUID) {
	if m.disabled || m.consumer == nil {
		return
	}
	m.consumer.Remove(id)
}

// Stop stops background cleanup.
func (m *Manager) Stop() {
	if m.consumer != nil {
		m.consumer.Stop()
	}
}
