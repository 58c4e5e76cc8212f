// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package performatives

import (
	"github.com/help-lixin/corda/amqp/types"
)

// Descriptors for Source and Target.
const (
	DescriptorSource uint64 = 0x28
	DescriptorTarget uint64 = 0x29
)

// Terminus durability values.
const (
	DurabilityNone           uint32 = 0
	DurabilityConfiguration  uint32 = 1
	DurabilityUnsettledState uint32 = 2
)

// Source is an AMQP source terminus.
type Source struct {
	Address          string
	Durable          uint32
	ExpiryPolicy     types.Symbol
	Timeout          uint32
	Dynamic          bool
	DistributionMode types.Symbol
}

// Encode serializes the Source as a described list.
func (s *Source) Encode() ([]byte, error) {
	var f fieldWriter
	f.string(s.Address)
	f.uint32(s.Durable)
	policy := s.ExpiryPolicy
	if policy == "" {
		policy = "session-end"
	}
	f.fail(types.WriteSymbol(&f.buf, policy))
	f.count++
	f.uint32(s.Timeout)
	f.bool(s.Dynamic)
	return f.done(DescriptorSource)
}

// DecodeSource decodes a Source from list fields.
func DecodeSource(fields []any) *Source {
	s := &Source{}
	if len(fields) > 0 && fields[0] != nil {
		s.Address, _ = fields[0].(string)
	}
	if len(fields) > 1 && fields[1] != nil {
		s.Durable = toUint32(fields[1])
	}
	if len(fields) > 2 && fields[2] != nil {
		s.ExpiryPolicy, _ = fields[2].(types.Symbol)
	}
	if len(fields) > 3 && fields[3] != nil {
		s.Timeout = toUint32(fields[3])
	}
	if len(fields) > 4 && fields[4] != nil {
		s.Dynamic, _ = fields[4].(bool)
	}
	if len(fields) > 6 && fields[6] != nil {
		s.DistributionMode, _ = fields[6].(types.Symbol)
	}
	return s
}

// Target is an AMQP target terminus.
type Target struct {
	Address      string
	Durable      uint32
	ExpiryPolicy types.Symbol
	Timeout      uint32
	Dynamic      bool
}

// Encode serializes the Target as a described list.
func (t *Target) Encode() ([]byte, error) {
	var f fieldWriter
	f.string(t.Address)
	f.uint32(t.Durable)
	policy := t.ExpiryPolicy
	if policy == "" {
		policy = "session-end"
	}
	f.fail(types.WriteSymbol(&f.buf, policy))
	f.count++
	f.uint32(t.Timeout)
	f.bool(t.Dynamic)
	return f.done(DescriptorTarget)
}

// DecodeTarget decodes a Target from list fields.
func DecodeTarget(fields []any) *Target {
	t := &Target{}
	if len(fields) > 0 && fields[0] != nil {
		t.Address, _ = fields[0].(string)
	}
	if len(fields) > 1 && fields[1] != nil {
		t.Durable = toUint32(fields[1])
	}
	if len(fields) > 2 && fields[2] != nil {
		t.ExpiryPolicy, _ = fields[2].(types.Symbol)
	}
	if len(fields) > 3 && fields[3] != nil {
		t.Timeout = toUint32(fields[3])
	}
	if len(fields) > 4 && fields[4] != nil {
		t.Dynamic, _ = fields[4].(bool)
	}
	return t
}
