// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"fmt"

	"github.com/help-lixin/corda/amqp/message"
	"github.com/help-lixin/corda/internal/bufpool"
)

// ErrEncode marks a message that cannot be serialized. The caller must
// treat it as fatally undeliverable.
var ErrEncode = errors.New("message encode failed")

// encodeMessage builds the wire form of an outbound message: a durable
// AMQP message whose body is one data section holding the payload, with
// the caller's application properties augmented by the local identity
// under ValidatedUserKey. The scratch buffer is pooled and released on
// every exit path; the returned slice is owned by the caller.
func encodeMessage(m *SendableMessage, localLegalName string) ([]byte, error) {
	props := make(map[string]any, len(m.Properties)+1)
	for k, v := range m.Properties {
		props[k] = v
	}
	props[ValidatedUserKey] = localLegalName

	msg := &message.Message{
		Header:                &message.Header{Durable: true},
		Properties:            &message.Properties{},
		ApplicationProperties: props,
		Data:                  [][]byte{m.Payload},
	}

	buf := bufpool.Get()
	defer bufpool.Put(buf)

	if err := msg.EncodeTo(buf); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEncode, err)
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

// decodeMessage parses an inbound payload into its message sections. The
// caller must have confirmed the delivery is readable and not partial.
func decodeMessage(payload []byte) (*message.Message, error) {
	return message.Decode(payload)
}
