// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sasl implements the AMQP 1.0 SASL security layer frames and the
// PLAIN and ANONYMOUS mechanisms for both connection roles.
package sasl

import (
	"bytes"
	"fmt"

	"github.com/help-lixin/corda/amqp/types"
)

// SASL frame descriptors.
const (
	DescriptorMechanisms uint64 = 0x40
	DescriptorInit       uint64 = 0x41
	DescriptorChallenge  uint64 = 0x42
	DescriptorResponse   uint64 = 0x43
	DescriptorOutcome    uint64 = 0x44
)

// SASL outcome codes.
const (
	CodeOK      uint8 = 0
	CodeAuth    uint8 = 1 // authentication failed
	CodeSys     uint8 = 2 // system error
	CodeSysTemp uint8 = 4 // temporary system error
)

// Mechanism names.
const (
	MechPLAIN     = types.Symbol("PLAIN")
	MechANONYMOUS = types.Symbol("ANONYMOUS")
)

// Mechanisms (0x40) — server advertises available mechanisms.
type Mechanisms struct {
	Mechanisms []types.Symbol
}

func (m *Mechanisms) Encode() ([]byte, error) {
	var fields bytes.Buffer
	if err := types.WriteSymbolMultiple(&fields, m.Mechanisms); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := types.WriteDescriptor(&buf, DescriptorMechanisms); err != nil {
		return nil, err
	}
	if err := types.WriteList(&buf, fields.Bytes(), 1); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Init (0x41) — client selects a mechanism and supplies the initial response.
type Init struct {
	Mechanism       types.Symbol
	InitialResponse []byte
	Hostname        string
}

func (i *Init) Encode() ([]byte, error) {
	var fields bytes.Buffer
	if err := types.WriteSymbol(&fields, i.Mechanism); err != nil {
		return nil, err
	}
	if i.InitialResponse != nil {
		if err := types.WriteBinary(&fields, i.InitialResponse); err != nil {
			return nil, err
		}
	} else {
		if err := types.WriteNull(&fields); err != nil {
			return nil, err
		}
	}
	if i.Hostname != "" {
		if err := types.WriteString(&fields, i.Hostname); err != nil {
			return nil, err
		}
	} else {
		if err := types.WriteNull(&fields); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := types.WriteDescriptor(&buf, DescriptorInit); err != nil {
		return nil, err
	}
	if err := types.WriteList(&buf, fields.Bytes(), 3); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Outcome (0x44) — server reports the authentication result.
type Outcome struct {
	Code           uint8
	AdditionalData []byte
}

func (o *Outcome) Encode() ([]byte, error) {
	var fields bytes.Buffer
	if err := types.WriteUbyte(&fields, o.Code); err != nil {
		return nil, err
	}
	if o.AdditionalData != nil {
		if err := types.WriteBinary(&fields, o.AdditionalData); err != nil {
			return nil, err
		}
	} else {
		if err := types.WriteNull(&fields); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := types.WriteDescriptor(&buf, DescriptorOutcome); err != nil {
		return nil, err
	}
	if err := types.WriteList(&buf, fields.Bytes(), 2); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode decodes a SASL frame body into the matching frame type.
func Decode(body []byte) (uint64, any, error) {
	r := bytes.NewReader(body)
	descriptor, fields, err := types.ReadListFields(r)
	if err != nil {
		return 0, nil, err
	}

	switch descriptor {
	case DescriptorMechanisms:
		m := &Mechanisms{}
		if len(fields) > 0 && fields[0] != nil {
			switch v := fields[0].(type) {
			case types.Symbol:
				m.Mechanisms = []types.Symbol{v}
			case []any:
				for _, item := range v {
					if sym, ok := item.(types.Symbol); ok {
						m.Mechanisms = append(m.Mechanisms, sym)
					}
				}
			}
		}
		return descriptor, m, nil

	case DescriptorInit:
		i := &Init{}
		if len(fields) > 0 && fields[0] != nil {
			i.Mechanism, _ = fields[0].(types.Symbol)
		}
		if len(fields) > 1 && fields[1] != nil {
			i.InitialResponse, _ = fields[1].([]byte)
		}
		if len(fields) > 2 && fields[2] != nil {
			i.Hostname, _ = fields[2].(string)
		}
		return descriptor, i, nil

	case DescriptorOutcome:
		o := &Outcome{}
		if len(fields) > 0 && fields[0] != nil {
			if code, ok := fields[0].(uint8); ok {
				o.Code = code
			}
		}
		if len(fields) > 1 && fields[1] != nil {
			o.AdditionalData, _ = fields[1].([]byte)
		}
		return descriptor, o, nil

	default:
		return descriptor, nil, fmt.Errorf("unknown SASL descriptor: 0x%02x", descriptor)
	}
}

// BuildPLAIN builds a SASL PLAIN initial response:
// \0<authcid>\0<password> with an empty authzid.
func BuildPLAIN(username, password string) []byte {
	resp := make([]byte, 0, len(username)+len(password)+2)
	resp = append(resp, 0)
	resp = append(resp, username...)
	resp = append(resp, 0)
	resp = append(resp, password...)
	return resp
}

// ParsePLAIN parses a SASL PLAIN initial response.
// Format: \0<authzid>\0<authcid>\0<password>.
func ParsePLAIN(response []byte) (authzID, username, password string, err error) {
	if len(response) == 0 {
		return "", "", "", fmt.Errorf("empty PLAIN response")
	}
	parts := bytes.SplitN(response, []byte{0}, -1)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("invalid PLAIN response format: expected 3 parts, got %d", len(parts))
	}
	return string(parts[0]), string(parts[1]), string(parts[2]), nil
}
