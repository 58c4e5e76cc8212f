// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package performatives

import (
	"fmt"

	"github.com/help-lixin/corda/amqp/types"
	"github.com/help-lixin/corda/internal/bufpool"
)

// Outcome descriptors.
const (
	DescriptorAccepted uint64 = 0x24
	DescriptorRejected uint64 = 0x25
	DescriptorReleased uint64 = 0x26
	DescriptorModified uint64 = 0x27
)

// Accepted outcome.
type Accepted struct{}

func (a *Accepted) Encode() ([]byte, error) {
	return encodeEmptyOutcome(DescriptorAccepted)
}

// Released outcome.
type Released struct{}

func (r *Released) Encode() ([]byte, error) {
	return encodeEmptyOutcome(DescriptorReleased)
}

func encodeEmptyOutcome(descriptor uint64) ([]byte, error) {
	buf := bufpool.Get()
	defer bufpool.Put(buf)
	if err := types.WriteDescriptor(buf, descriptor); err != nil {
		return nil, err
	}
	if err := types.WriteList(buf, nil, 0); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

// Rejected outcome with an optional error.
type Rejected struct {
	Error *Error
}

func (r *Rejected) Encode() ([]byte, error) {
	var f fieldWriter
	if r.Error != nil {
		f.encodable(r.Error)
	} else {
		f.null()
	}
	return f.done(DescriptorRejected)
}

// Modified outcome.
type Modified struct {
	DeliveryFailed    bool
	UndeliverableHere bool
}

func (m *Modified) Encode() ([]byte, error) {
	var f fieldWriter
	f.bool(m.DeliveryFailed)
	f.bool(m.UndeliverableHere)
	return f.done(DescriptorModified)
}

// DecodeOutcome decodes a disposition state from a described type.
func DecodeOutcome(desc *types.Described) any {
	switch desc.Descriptor {
	case DescriptorAccepted:
		return &Accepted{}
	case DescriptorRejected:
		r := &Rejected{}
		if fields, ok := desc.Value.([]any); ok && len(fields) > 0 {
			if errDesc, ok := fields[0].(*types.Described); ok && errDesc.Descriptor == DescriptorError {
				if errFields, ok := errDesc.Value.([]any); ok {
					r.Error = DecodeError(errFields)
				}
			}
		}
		return r
	case DescriptorReleased:
		return &Released{}
	case DescriptorModified:
		m := &Modified{}
		if fields, ok := desc.Value.([]any); ok {
			if len(fields) > 0 {
				m.DeliveryFailed = toBool(fields[0])
			}
			if len(fields) > 1 {
				m.UndeliverableHere = toBool(fields[1])
			}
		}
		return m
	default:
		return nil
	}
}

func encodeOutcome(state any) ([]byte, error) {
	switch s := state.(type) {
	case *Accepted:
		return s.Encode()
	case *Rejected:
		return s.Encode()
	case *Released:
		return s.Encode()
	case *Modified:
		return s.Encode()
	default:
		return nil, fmt.Errorf("unknown outcome type: %T", state)
	}
}
