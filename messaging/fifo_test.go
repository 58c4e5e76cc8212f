// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMsgQueueFIFOOrder(t *testing.T) {
	q := newMsgQueue()
	m1 := &SendableMessage{Topic: "a"}
	m2 := &SendableMessage{Topic: "a"}
	m3 := &SendableMessage{Topic: "a"}
	q.Push(m1)
	q.Push(m2)
	q.Push(m3)

	assert.Equal(t, 3, q.Len())
	assert.Same(t, m1, q.PopFront())
	assert.Same(t, m2, q.PopFront())
	assert.Same(t, m3, q.PopFront())
	assert.Nil(t, q.PopFront())
}

func TestMsgQueueRemoveByIdentity(t *testing.T) {
	q := newMsgQueue()
	m1 := &SendableMessage{}
	m2 := &SendableMessage{}
	m3 := &SendableMessage{}
	q.Push(m1)
	q.Push(m2)
	q.Push(m3)

	// Settlement order is not send order under failure: remove the middle
	// element and check the rest keeps its order.
	require.True(t, q.Remove(m2))
	assert.False(t, q.Remove(m2))
	assert.Same(t, m1, q.PopFront())
	assert.Same(t, m3, q.PopFront())
}

func TestMsgQueueDrain(t *testing.T) {
	q := newMsgQueue()
	m1 := &SendableMessage{}
	m2 := &SendableMessage{}
	q.Push(m1)
	q.Push(m2)

	drained := q.Drain()
	require.Len(t, drained, 2)
	assert.Same(t, m1, drained[0])
	assert.Same(t, m2, drained[1])
	assert.Equal(t, 0, q.Len())
}
