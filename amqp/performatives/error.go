// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package performatives

import (
	"github.com/help-lixin/corda/amqp/types"
)

// AMQP error descriptor
const DescriptorError uint64 = 0x1D

// Standard error condition symbols.
const (
	ErrInternalError         types.Symbol = "amqp:internal-error"
	ErrNotFound              types.Symbol = "amqp:not-found"
	ErrUnauthorizedAccess    types.Symbol = "amqp:unauthorized-access"
	ErrDecodeError           types.Symbol = "amqp:decode-error"
	ErrResourceLimitExceeded types.Symbol = "amqp:resource-limit-exceeded"
	ErrNotAllowed            types.Symbol = "amqp:not-allowed"
	ErrInvalidField          types.Symbol = "amqp:invalid-field"
	ErrNotImplemented        types.Symbol = "amqp:not-implemented"
	ErrPreconditionFailed    types.Symbol = "amqp:precondition-failed"
	ErrIllegalState          types.Symbol = "amqp:illegal-state"

	ErrConnectionForced types.Symbol = "amqp:connection:forced"
	ErrFramingError     types.Symbol = "amqp:connection:framing-error"

	ErrDetachForced types.Symbol = "amqp:link:detach-forced"

	// ErrProtonIO tags transport conditions raised by local I/O failures.
	ErrProtonIO types.Symbol = "proton:io"
)

// Error is an AMQP error (descriptor 0x1D).
type Error struct {
	Condition   types.Symbol
	Description string
	Info        map[types.Symbol]any
}

// Encode serializes the error as a described list.
func (e *Error) Encode() ([]byte, error) {
	var f fieldWriter
	f.fail(types.WriteSymbol(&f.buf, e.Condition))
	f.count++
	f.string(e.Description)
	f.symbolAnyMap(e.Info)
	return f.done(DescriptorError)
}

// DecodeError decodes an AMQP error from list fields.
func DecodeError(fields []any) *Error {
	if len(fields) == 0 {
		return nil
	}
	e := &Error{}
	if fields[0] != nil {
		e.Condition, _ = fields[0].(types.Symbol)
	}
	if len(fields) > 1 && fields[1] != nil {
		e.Description, _ = fields[1].(string)
	}
	return e
}
