// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package packet provides the deferred-serialization unit queued by the
// scheduler. A Packet holds an opaque payload encoder and serializes it at
// most once, when Prepare is first called.
package packet

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/absmach/deferq/internal/bufpool"
)

// ErrNilEncoder is reported by Err when a packet was built without a payload.
var ErrNilEncoder = errors.New("packet has no encoder")

// State is the lifecycle state of a packet.
type State int32

const (
	// Pending packets have not been serialized yet.
	Pending State = iota
	// Prepared packets have cached wire bytes and a known size.
	Prepared
	// Sent packets were handed to the transport.
	Sent
	// Confirmed packets were acknowledged by the consumer.
	Confirmed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Prepared:
		return "prepared"
	case Sent:
		return "sent"
	case Confirmed:
		return "confirmed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Encoder writes a payload into buf.
type Encoder interface {
	Encode(buf *bytes.Buffer) error
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func(buf *bytes.Buffer) error

// Encode calls f(buf).
func (f EncoderFunc) Encode(buf *bytes.Buffer) error {
	return f(buf)
}

// Packet is an outbound message whose serialization is deferred until the
// scheduler admits it.
type Packet struct {
	enc         Encoder
	compression Compression

	once sync.Once
	data []byte
	size int
	err  error

	state atomic.Int32
}

// Option configures a Packet.
type Option func(*Packet)

// WithCompression compresses the encoded payload during Prepare.
func WithCompression(c Compression) Option {
	return func(p *Packet) {
		p.compression = c
	}
}

// New creates a pending packet around enc.
func New(enc Encoder, opts ...Option) *Packet {
	p := &Packet{enc: enc}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Prepare serializes the payload on the first call and returns the size of
// the wire bytes. Subsequent calls return the cached size. A failed encode
// leaves the packet prepared with size 0; see Err.
func (p *Packet) Prepare() int {
	p.once.Do(p.prepare)
	return p.size
}

func (p *Packet) prepare() {
	defer p.state.CompareAndSwap(int32(Pending), int32(Prepared))

	if p.enc == nil {
		p.err = ErrNilEncoder
		return
	}

	buf := bufpool.Get()
	if err := p.enc.Encode(buf); err != nil {
		bufpool.Put(buf)
		p.err = fmt.Errorf("encode payload: %w", err)
		return
	}

	data, err := compress(bufpool.Detach(buf), p.compression)
	if err != nil {
		p.err = fmt.Errorf("compress payload: %w", err)
		return
	}

	p.data = data
	p.size = len(data)
}

// PreparedSize returns the size cached by Prepare, or 0 before Prepare ran.
func (p *Packet) PreparedSize() int {
	if p.State() == Pending {
		return 0
	}
	return p.size
}

// Bytes returns the prepared wire bytes. Callers must not modify them.
func (p *Packet) Bytes() []byte {
	if p.State() == Pending {
		return nil
	}
	return p.data
}

// Err returns the serialization error, if any.
func (p *Packet) Err() error {
	if p.State() == Pending {
		return nil
	}
	return p.err
}

// Compression returns the compression applied to the payload.
func (p *Packet) Compression() Compression {
	return p.compression
}

// State returns the current lifecycle state.
func (p *Packet) State() State {
	return State(p.state.Load())
}

// MarkSent records that the packet was handed to the transport.
func (p *Packet) MarkSent() {
	p.state.CompareAndSwap(int32(Prepared), int32(Sent))
}

// MarkUnsent returns a packet whose send failed to Prepared so it can be
// sent again.
func (p *Packet) MarkUnsent() {
	if !p.state.CompareAndSwap(int32(Sent), int32(Prepared)) {
		p.state.CompareAndSwap(int32(Confirmed), int32(Prepared))
	}
}

// MarkConfirmed records that the consumer acknowledged the packet.
func (p *Packet) MarkConfirmed() {
	p.state.CompareAndSwap(int32(Sent), int32(Confirmed))
}
