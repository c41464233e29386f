// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packet

import (
	"bytes"

	"google.golang.org/protobuf/proto"
)

// FromBytes builds a packet whose payload is a copy of b.
func FromBytes(b []byte, opts ...Option) *Packet {
	data := append([]byte(nil), b...)
	return New(EncoderFunc(func(buf *bytes.Buffer) error {
		_, err := buf.Write(data)
		return err
	}), opts...)
}

// FromProto builds a packet that marshals msg when prepared. msg must not be
// mutated until the packet has been prepared.
func FromProto(msg proto.Message, opts ...Option) *Packet {
	return New(protoEncoder{msg: msg}, opts...)
}

type protoEncoder struct {
	msg proto.Message
}

func (e protoEncoder) Encode(buf *bytes.Buffer) error {
	out, err := proto.MarshalOptions{Deterministic: true}.MarshalAppend(buf.AvailableBuffer(), e.msg)
	if err != nil {
		return err
	}
	_, err = buf.Write(out)
	return err
}
