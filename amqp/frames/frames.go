// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package frames implements AMQP 1.0 protocol headers and frame framing.
package frames

import (
	"encoding/binary"
	"fmt"
)

const (
	// Frame types
	FrameTypeAMQP byte = 0x00
	FrameTypeSASL byte = 0x01

	// Protocol IDs carried in the 8-byte protocol header
	ProtoIDAMQP byte = 0x00
	ProtoIDSASL byte = 0x03

	ProtoHeaderSize = 8

	// Minimum frame size per AMQP 1.0 spec
	MinFrameSize uint32 = 512

	// Default max frame size
	DefaultMaxFrameSize uint32 = 131072

	// Frame header size: 4 (size) + 1 (doff) + 1 (type) + 2 (channel)
	HeaderSize = 8

	// Minimum data offset in 4-byte words
	MinDOFF = 2
)

// Frame is one decoded AMQP frame.
type Frame struct {
	Type    byte
	Channel uint16
	Body    []byte
}

// IsEmpty reports whether the frame has no body (heartbeat).
func (f *Frame) IsEmpty() bool {
	return len(f.Body) == 0
}

// ProtocolHeader returns the 8-byte header for the given protocol ID.
func ProtocolHeader(protoID byte) []byte {
	return []byte{'A', 'M', 'Q', 'P', protoID, 1, 0, 0}
}

// ParseProtocolHeader validates an 8-byte protocol header and returns its
// protocol ID.
func ParseProtocolHeader(h []byte) (byte, error) {
	if len(h) < ProtoHeaderSize {
		return 0, fmt.Errorf("short protocol header: %d bytes", len(h))
	}
	if string(h[:4]) != "AMQP" {
		return 0, fmt.Errorf("invalid protocol header: expected AMQP, got %q", string(h[:4]))
	}
	if h[5] != 1 || h[6] != 0 || h[7] != 0 {
		return 0, fmt.Errorf("unsupported AMQP version %d.%d.%d", h[5], h[6], h[7])
	}
	return h[4], nil
}

// AppendFrame appends an encoded frame to dst and returns the result.
func AppendFrame(dst []byte, frameType byte, channel uint16, body []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(HeaderSize+len(body)))
	dst = append(dst, MinDOFF, frameType)
	dst = binary.BigEndian.AppendUint16(dst, channel)
	return append(dst, body...)
}

// Assembler accumulates wire bytes fed in arbitrary chunks and yields
// complete frames. The protocol header phase is handled by the caller via
// TakeProtocolHeader before frames are extracted.
type Assembler struct {
	buf []byte
}

// Feed appends a chunk of wire bytes.
func (a *Assembler) Feed(chunk []byte) {
	a.buf = append(a.buf, chunk...)
}

// Buffered returns the number of unconsumed bytes.
func (a *Assembler) Buffered() int {
	return len(a.buf)
}

// TakeProtocolHeader consumes an 8-byte protocol header if fully buffered.
// Returns the protocol ID and true when a header was consumed.
func (a *Assembler) TakeProtocolHeader() (byte, bool, error) {
	if len(a.buf) < ProtoHeaderSize {
		return 0, false, nil
	}
	id, err := ParseProtocolHeader(a.buf[:ProtoHeaderSize])
	if err != nil {
		return 0, false, err
	}
	a.buf = a.buf[ProtoHeaderSize:]
	return id, true, nil
}

// TakeFrame consumes and returns the next complete frame, or nil if the
// buffer does not yet hold one. maxFrameSize of 0 disables the size check.
func (a *Assembler) TakeFrame(maxFrameSize uint32) (*Frame, error) {
	if len(a.buf) < HeaderSize {
		return nil, nil
	}
	size := binary.BigEndian.Uint32(a.buf[0:4])
	if size < HeaderSize {
		return nil, fmt.Errorf("frame size %d below minimum %d", size, HeaderSize)
	}
	if maxFrameSize > 0 && size > maxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds max frame size %d", size, maxFrameSize)
	}
	if uint32(len(a.buf)) < size {
		return nil, nil
	}

	doff := a.buf[4]
	if int(doff) < MinDOFF {
		return nil, fmt.Errorf("invalid DOFF value: %d", doff)
	}
	bodyStart := int(doff) * 4
	if bodyStart > int(size) {
		return nil, fmt.Errorf("invalid frame: DOFF %d beyond frame size %d", doff, size)
	}

	f := &Frame{
		Type:    a.buf[5],
		Channel: binary.BigEndian.Uint16(a.buf[6:8]),
	}
	if body := a.buf[bodyStart:size]; len(body) > 0 {
		f.Body = append([]byte(nil), body...)
	}
	a.buf = a.buf[size:]
	return f, nil
}
