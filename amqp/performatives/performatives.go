// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package performatives implements the AMQP 1.0 transport performatives
// (open, begin, attach, flow, transfer, disposition, detach, end, close)
// together with source/target termini, errors and delivery outcomes.
package performatives

import (
	"bytes"
	"fmt"

	"github.com/help-lixin/corda/amqp/types"
)

// Performative descriptors.
const (
	DescriptorOpen        uint64 = 0x10
	DescriptorBegin       uint64 = 0x11
	DescriptorAttach      uint64 = 0x12
	DescriptorFlow        uint64 = 0x13
	DescriptorTransfer    uint64 = 0x14
	DescriptorDisposition uint64 = 0x15
	DescriptorDetach      uint64 = 0x16
	DescriptorEnd         uint64 = 0x17
	DescriptorClose       uint64 = 0x18
)

// Link role constants. The attach "role" field carries the role of the
// frame's sender: false means it is the link's sender endpoint.
const (
	RoleSender   = false
	RoleReceiver = true
)

// Settlement modes.
const (
	SndSettleUnsettled uint8 = 0
	SndSettleSettled   uint8 = 1
	SndSettleMixed     uint8 = 2

	RcvSettleFirst  uint8 = 0
	RcvSettleSecond uint8 = 1
)

// fieldWriter accumulates the ordered fields of a performative list,
// short-circuiting on the first error.
type fieldWriter struct {
	buf   bytes.Buffer
	count int
	err   error
}

func (f *fieldWriter) fail(err error) {
	if f.err == nil && err != nil {
		f.err = err
	}
}

func (f *fieldWriter) null()           { f.fail(types.WriteNull(&f.buf)); f.count++ }
func (f *fieldWriter) bool(v bool)     { f.fail(types.WriteBool(&f.buf, v)); f.count++ }
func (f *fieldWriter) uint32(v uint32) { f.fail(types.WriteUint(&f.buf, v)); f.count++ }

func (f *fieldWriter) string(v string) {
	if v == "" {
		f.null()
		return
	}
	f.fail(types.WriteString(&f.buf, v))
	f.count++
}

func (f *fieldWriter) ushort(v uint16) { f.fail(types.WriteUshort(&f.buf, v)); f.count++ }

func (f *fieldWriter) optUint32(v *uint32) {
	if v == nil {
		f.null()
		return
	}
	f.uint32(*v)
}

func (f *fieldWriter) optUbyte(v *uint8) {
	if v == nil {
		f.null()
		return
	}
	f.fail(types.WriteUbyte(&f.buf, *v))
	f.count++
}

func (f *fieldWriter) binary(v []byte) {
	if v == nil {
		f.null()
		return
	}
	f.fail(types.WriteBinary(&f.buf, v))
	f.count++
}

// encodable writes a nested described value (source, target, error, outcome).
func (f *fieldWriter) encodable(enc interface{ Encode() ([]byte, error) }) {
	if enc == nil {
		f.null()
		return
	}
	b, err := enc.Encode()
	if err != nil {
		f.fail(err)
		return
	}
	f.buf.Write(b)
	f.count++
}

func (f *fieldWriter) symbolAnyMap(m map[types.Symbol]any) {
	if len(m) == 0 {
		f.null()
		return
	}
	var pairs bytes.Buffer
	for k, v := range m {
		f.fail(types.WriteSymbol(&pairs, k))
		f.fail(types.WriteAny(&pairs, v))
	}
	f.fail(types.WriteMap(&f.buf, pairs.Bytes(), len(m)))
	f.count++
}

func (f *fieldWriter) done(descriptor uint64) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out bytes.Buffer
	if err := types.WriteDescriptor(&out, descriptor); err != nil {
		return nil, err
	}
	if err := types.WriteList(&out, f.buf.Bytes(), f.count); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Open performative (0x10).
type Open struct {
	ContainerID  string
	Hostname     string
	MaxFrameSize uint32
	ChannelMax   uint16
	IdleTimeOut  uint32 // milliseconds, 0 = no timeout
	Properties   map[types.Symbol]any
}

func (o *Open) Encode() ([]byte, error) {
	var f fieldWriter
	f.fail(types.WriteString(&f.buf, o.ContainerID))
	f.count++
	f.string(o.Hostname)
	maxFrame := o.MaxFrameSize
	if maxFrame == 0 {
		maxFrame = 131072
	}
	f.uint32(maxFrame)
	channelMax := o.ChannelMax
	if channelMax == 0 {
		channelMax = 65535
	}
	f.ushort(channelMax)
	if o.IdleTimeOut > 0 {
		f.uint32(o.IdleTimeOut)
	} else {
		f.null()
	}
	f.symbolAnyMap(o.Properties)
	return f.done(DescriptorOpen)
}

func DecodeOpen(fields []any) *Open {
	o := &Open{}
	if len(fields) > 0 && fields[0] != nil {
		o.ContainerID, _ = fields[0].(string)
	}
	if len(fields) > 1 && fields[1] != nil {
		o.Hostname, _ = fields[1].(string)
	}
	if len(fields) > 2 && fields[2] != nil {
		o.MaxFrameSize = toUint32(fields[2])
	}
	if len(fields) > 3 && fields[3] != nil {
		o.ChannelMax = uint16(toUint32(fields[3]))
	}
	if len(fields) > 4 && fields[4] != nil {
		o.IdleTimeOut = toUint32(fields[4])
	}
	return o
}

// Begin performative (0x11).
type Begin struct {
	RemoteChannel  *uint16
	NextOutgoingID uint32
	IncomingWindow uint32
	OutgoingWindow uint32
	HandleMax      uint32
}

func (b *Begin) Encode() ([]byte, error) {
	var f fieldWriter
	if b.RemoteChannel != nil {
		f.ushort(*b.RemoteChannel)
	} else {
		f.null()
	}
	f.uint32(b.NextOutgoingID)
	f.uint32(b.IncomingWindow)
	f.uint32(b.OutgoingWindow)
	handleMax := b.HandleMax
	if handleMax == 0 {
		handleMax = 4294967295
	}
	f.uint32(handleMax)
	return f.done(DescriptorBegin)
}

func DecodeBegin(fields []any) *Begin {
	b := &Begin{}
	if len(fields) > 0 && fields[0] != nil {
		v := uint16(toUint32(fields[0]))
		b.RemoteChannel = &v
	}
	if len(fields) > 1 && fields[1] != nil {
		b.NextOutgoingID = toUint32(fields[1])
	}
	if len(fields) > 2 && fields[2] != nil {
		b.IncomingWindow = toUint32(fields[2])
	}
	if len(fields) > 3 && fields[3] != nil {
		b.OutgoingWindow = toUint32(fields[3])
	}
	if len(fields) > 4 && fields[4] != nil {
		b.HandleMax = toUint32(fields[4])
	}
	return b
}

// Attach performative (0x12).
type Attach struct {
	Name                 string
	Handle               uint32
	Role                 bool // false=sender, true=receiver
	SndSettleMode        *uint8
	RcvSettleMode        *uint8
	Source               *Source
	Target               *Target
	InitialDeliveryCount uint32
	MaxMessageSize       uint64
	Properties           map[types.Symbol]any
}

func (a *Attach) Encode() ([]byte, error) {
	var f fieldWriter
	f.fail(types.WriteString(&f.buf, a.Name))
	f.count++
	f.uint32(a.Handle)
	f.bool(a.Role)
	f.optUbyte(a.SndSettleMode)
	f.optUbyte(a.RcvSettleMode)
	if a.Source != nil {
		f.encodable(a.Source)
	} else {
		f.null()
	}
	if a.Target != nil {
		f.encodable(a.Target)
	} else {
		f.null()
	}
	f.null() // unsettled (7)
	f.null() // incomplete-unsettled (8)
	if !a.Role {
		f.uint32(a.InitialDeliveryCount) // required for the sender role
	} else {
		f.null()
	}
	if a.MaxMessageSize > 0 {
		f.fail(types.WriteUlong(&f.buf, a.MaxMessageSize))
		f.count++
	} else {
		f.null()
	}
	f.null() // offered-capabilities (11)
	f.null() // desired-capabilities (12)
	f.symbolAnyMap(a.Properties)
	return f.done(DescriptorAttach)
}

func DecodeAttach(fields []any) *Attach {
	a := &Attach{}
	if len(fields) > 0 && fields[0] != nil {
		a.Name, _ = fields[0].(string)
	}
	if len(fields) > 1 && fields[1] != nil {
		a.Handle = toUint32(fields[1])
	}
	if len(fields) > 2 && fields[2] != nil {
		a.Role = toBool(fields[2])
	}
	if len(fields) > 3 && fields[3] != nil {
		v := uint8(toUint32(fields[3]))
		a.SndSettleMode = &v
	}
	if len(fields) > 4 && fields[4] != nil {
		v := uint8(toUint32(fields[4]))
		a.RcvSettleMode = &v
	}
	if len(fields) > 5 && fields[5] != nil {
		if desc, ok := fields[5].(*types.Described); ok && desc.Descriptor == DescriptorSource {
			if srcFields, ok := desc.Value.([]any); ok {
				a.Source = DecodeSource(srcFields)
			}
		}
	}
	if len(fields) > 6 && fields[6] != nil {
		if desc, ok := fields[6].(*types.Described); ok && desc.Descriptor == DescriptorTarget {
			if tgtFields, ok := desc.Value.([]any); ok {
				a.Target = DecodeTarget(tgtFields)
			}
		}
	}
	if len(fields) > 9 && fields[9] != nil {
		a.InitialDeliveryCount = toUint32(fields[9])
	}
	if len(fields) > 10 && fields[10] != nil {
		a.MaxMessageSize = toUint64(fields[10])
	}
	if len(fields) > 13 && fields[13] != nil {
		a.Properties = decodeSymbolAnyMap(fields[13])
	}
	return a
}

// Flow performative (0x13).
type Flow struct {
	NextIncomingID *uint32
	IncomingWindow uint32
	NextOutgoingID uint32
	OutgoingWindow uint32
	Handle         *uint32
	DeliveryCount  *uint32
	LinkCredit     *uint32
	Available      *uint32
	Drain          bool
	Echo           bool
}

func (fl *Flow) Encode() ([]byte, error) {
	var f fieldWriter
	f.optUint32(fl.NextIncomingID)
	f.uint32(fl.IncomingWindow)
	f.uint32(fl.NextOutgoingID)
	f.uint32(fl.OutgoingWindow)
	f.optUint32(fl.Handle)
	f.optUint32(fl.DeliveryCount)
	f.optUint32(fl.LinkCredit)
	f.optUint32(fl.Available)
	f.bool(fl.Drain)
	f.bool(fl.Echo)
	return f.done(DescriptorFlow)
}

func DecodeFlow(fields []any) *Flow {
	f := &Flow{}
	optU32 := func(i int) *uint32 {
		if len(fields) > i && fields[i] != nil {
			v := toUint32(fields[i])
			return &v
		}
		return nil
	}
	f.NextIncomingID = optU32(0)
	if len(fields) > 1 && fields[1] != nil {
		f.IncomingWindow = toUint32(fields[1])
	}
	if len(fields) > 2 && fields[2] != nil {
		f.NextOutgoingID = toUint32(fields[2])
	}
	if len(fields) > 3 && fields[3] != nil {
		f.OutgoingWindow = toUint32(fields[3])
	}
	f.Handle = optU32(4)
	f.DeliveryCount = optU32(5)
	f.LinkCredit = optU32(6)
	f.Available = optU32(7)
	if len(fields) > 8 && fields[8] != nil {
		f.Drain = toBool(fields[8])
	}
	if len(fields) > 9 && fields[9] != nil {
		f.Echo = toBool(fields[9])
	}
	return f
}

// Transfer performative (0x14). The message payload travels after the
// performative in the frame body and is not part of this list.
type Transfer struct {
	Handle        uint32
	DeliveryID    *uint32
	DeliveryTag   []byte
	MessageFormat *uint32
	Settled       bool
	More          bool
	RcvSettleMode *uint8
}

func (t *Transfer) Encode() ([]byte, error) {
	var f fieldWriter
	f.uint32(t.Handle)
	f.optUint32(t.DeliveryID)
	f.binary(t.DeliveryTag)
	f.optUint32(t.MessageFormat)
	f.bool(t.Settled)
	f.bool(t.More)
	return f.done(DescriptorTransfer)
}

func DecodeTransfer(fields []any) *Transfer {
	t := &Transfer{}
	if len(fields) > 0 && fields[0] != nil {
		t.Handle = toUint32(fields[0])
	}
	if len(fields) > 1 && fields[1] != nil {
		v := toUint32(fields[1])
		t.DeliveryID = &v
	}
	if len(fields) > 2 && fields[2] != nil {
		t.DeliveryTag, _ = fields[2].([]byte)
	}
	if len(fields) > 3 && fields[3] != nil {
		v := toUint32(fields[3])
		t.MessageFormat = &v
	}
	if len(fields) > 4 && fields[4] != nil {
		t.Settled = toBool(fields[4])
	}
	if len(fields) > 5 && fields[5] != nil {
		t.More = toBool(fields[5])
	}
	if len(fields) > 6 && fields[6] != nil {
		v := uint8(toUint32(fields[6]))
		t.RcvSettleMode = &v
	}
	return t
}

// Disposition performative (0x15).
type Disposition struct {
	Role      bool // true=receiver, false=sender
	First     uint32
	Last      *uint32
	Settled   bool
	State     any // outcome
	Batchable bool
}

func (d *Disposition) Encode() ([]byte, error) {
	var f fieldWriter
	f.bool(d.Role)
	f.uint32(d.First)
	f.optUint32(d.Last)
	f.bool(d.Settled)
	if d.State != nil {
		b, err := encodeOutcome(d.State)
		if err != nil {
			return nil, err
		}
		f.buf.Write(b)
		f.count++
	} else {
		f.null()
	}
	f.bool(d.Batchable)
	return f.done(DescriptorDisposition)
}

func DecodeDisposition(fields []any) *Disposition {
	d := &Disposition{}
	if len(fields) > 0 && fields[0] != nil {
		d.Role = toBool(fields[0])
	}
	if len(fields) > 1 && fields[1] != nil {
		d.First = toUint32(fields[1])
	}
	if len(fields) > 2 && fields[2] != nil {
		v := toUint32(fields[2])
		d.Last = &v
	}
	if len(fields) > 3 && fields[3] != nil {
		d.Settled = toBool(fields[3])
	}
	if len(fields) > 4 && fields[4] != nil {
		if desc, ok := fields[4].(*types.Described); ok {
			d.State = DecodeOutcome(desc)
		}
	}
	if len(fields) > 5 && fields[5] != nil {
		d.Batchable = toBool(fields[5])
	}
	return d
}

// Detach performative (0x16).
type Detach struct {
	Handle uint32
	Closed bool
	Error  *Error
}

func (d *Detach) Encode() ([]byte, error) {
	var f fieldWriter
	f.uint32(d.Handle)
	f.bool(d.Closed)
	if d.Error != nil {
		f.encodable(d.Error)
	} else {
		f.null()
	}
	return f.done(DescriptorDetach)
}

func DecodeDetach(fields []any) *Detach {
	d := &Detach{}
	if len(fields) > 0 && fields[0] != nil {
		d.Handle = toUint32(fields[0])
	}
	if len(fields) > 1 && fields[1] != nil {
		d.Closed = toBool(fields[1])
	}
	d.Error = decodeNestedError(fields, 2)
	return d
}

// End performative (0x17).
type End struct {
	Error *Error
}

func (e *End) Encode() ([]byte, error) {
	var f fieldWriter
	if e.Error != nil {
		f.encodable(e.Error)
	}
	return f.done(DescriptorEnd)
}

func DecodeEnd(fields []any) *End {
	return &End{Error: decodeNestedError(fields, 0)}
}

// Close performative (0x18).
type Close struct {
	Error *Error
}

func (c *Close) Encode() ([]byte, error) {
	var f fieldWriter
	if c.Error != nil {
		f.encodable(c.Error)
	}
	return f.done(DescriptorClose)
}

func DecodeClose(fields []any) *Close {
	return &Close{Error: decodeNestedError(fields, 0)}
}

func decodeNestedError(fields []any, i int) *Error {
	if len(fields) <= i || fields[i] == nil {
		return nil
	}
	desc, ok := fields[i].(*types.Described)
	if !ok || desc.Descriptor != DescriptorError {
		return nil
	}
	errFields, ok := desc.Value.([]any)
	if !ok {
		return nil
	}
	return DecodeError(errFields)
}

// Decode decodes a performative from a frame body. The remaining bytes of
// a transfer frame (the message payload) are returned alongside.
func Decode(body []byte) (uint64, any, []byte, error) {
	r := bytes.NewReader(body)
	descriptor, fields, err := types.ReadListFields(r)
	if err != nil {
		return 0, nil, nil, err
	}

	var perf any
	switch descriptor {
	case DescriptorOpen:
		perf = DecodeOpen(fields)
	case DescriptorBegin:
		perf = DecodeBegin(fields)
	case DescriptorAttach:
		perf = DecodeAttach(fields)
	case DescriptorFlow:
		perf = DecodeFlow(fields)
	case DescriptorTransfer:
		perf = DecodeTransfer(fields)
	case DescriptorDisposition:
		perf = DecodeDisposition(fields)
	case DescriptorDetach:
		perf = DecodeDetach(fields)
	case DescriptorEnd:
		perf = DecodeEnd(fields)
	case DescriptorClose:
		perf = DecodeClose(fields)
	default:
		return descriptor, nil, nil, fmt.Errorf("unknown performative descriptor: 0x%02x", descriptor)
	}

	var payload []byte
	if remaining := r.Len(); remaining > 0 {
		payload = make([]byte, remaining)
		r.Read(payload)
	}
	return descriptor, perf, payload, nil
}

func decodeSymbolAnyMap(v any) map[types.Symbol]any {
	m, ok := v.(map[any]any)
	if !ok {
		return nil
	}
	out := make(map[types.Symbol]any, len(m))
	for k, val := range m {
		if sym, ok := k.(types.Symbol); ok {
			out[sym] = val
		}
	}
	return out
}

func toUint32(v any) uint32 {
	switch val := v.(type) {
	case uint32:
		return val
	case uint64:
		return uint32(val)
	case uint16:
		return uint32(val)
	case uint8:
		return uint32(val)
	default:
		return 0
	}
}

func toUint64(v any) uint64 {
	switch val := v.(type) {
	case uint64:
		return val
	case uint32:
		return uint64(val)
	case uint16:
		return uint64(val)
	case uint8:
		return uint64(val)
	default:
		return 0
	}
}

func toBool(v any) bool {
	b, _ := v.(bool)
	return b
}
