// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := &SendableMessage{
		Topic:      "addr1",
		Payload:    []byte{0xDE, 0xAD},
		Properties: map[string]any{"id": "u1"},
	}

	encoded, err := encodeMessage(msg, "O=Alice Corp, L=Madrid, C=ES")
	require.NoError(t, err)

	decoded, err := decodeMessage(encoded)
	require.NoError(t, err)

	assert.Equal(t, []byte{0xDE, 0xAD}, decoded.Payload())
	require.NotNil(t, decoded.Header)
	assert.True(t, decoded.Header.Durable)
	assert.Equal(t, "u1", decoded.ApplicationProperties["id"])
	assert.Equal(t, "O=Alice Corp, L=Madrid, C=ES", decoded.ApplicationProperties[ValidatedUserKey])
}

func TestEncodeDoesNotMutateCallerProperties(t *testing.T) {
	props := map[string]any{"id": "u1"}
	msg := &SendableMessage{Topic: "addr1", Payload: []byte{1}, Properties: props}

	_, err := encodeMessage(msg, "O=Alice Corp, L=Madrid, C=ES")
	require.NoError(t, err)
	assert.NotContains(t, props, ValidatedUserKey)
}

func TestEncodeEmptyProperties(t *testing.T) {
	msg := &SendableMessage{Topic: "addr1", Payload: []byte{1, 2, 3}}
	encoded, err := encodeMessage(msg, "O=Bob Ltd, L=Oslo, C=NO")
	require.NoError(t, err)

	decoded, err := decodeMessage(encoded)
	require.NoError(t, err)
	assert.Equal(t, "O=Bob Ltd, L=Oslo, C=NO", decoded.ApplicationProperties[ValidatedUserKey])
	assert.Len(t, decoded.ApplicationProperties, 1)
}

func TestEncodeRejectsUnsupportedPropertyType(t *testing.T) {
	msg := &SendableMessage{
		Topic:      "addr1",
		Payload:    []byte{1},
		Properties: map[string]any{"bad": struct{ x int }{1}},
	}
	_, err := encodeMessage(msg, "O=Alice Corp, L=Madrid, C=ES")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEncode)
}

func TestSendableMessageCompleteOnce(t *testing.T) {
	calls := 0
	var got MessageStatus
	msg := &SendableMessage{OnComplete: func(s MessageStatus) {
		calls++
		got = s
	}}

	msg.Complete(Acknowledged)
	msg.Complete(Rejected)
	msg.Complete(Acknowledged)

	assert.Equal(t, 1, calls)
	assert.Equal(t, Acknowledged, got)
	assert.Equal(t, Acknowledged, msg.Status())
}
