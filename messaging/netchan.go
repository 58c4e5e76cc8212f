// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// NetChannel adapts a net.Conn (typically a *tls.Conn handed over by the
// socket pipeline) to the Channel interface. Engine writes drain pending
// frames onto the wire; received messages are handed to the upstream
// handler.
type NetChannel struct {
	conn      net.Conn
	onMessage func(*ReceivedMessage)

	writeMu sync.Mutex
	active  atomic.Bool
}

// NewNetChannel wraps the connection. onMessage receives inbound messages
// and may be nil if this side never consumes.
func NewNetChannel(conn net.Conn, onMessage func(*ReceivedMessage)) *NetChannel {
	c := &NetChannel{
		conn:      conn,
		onMessage: onMessage,
	}
	c.active.Store(true)
	return c
}

// Write accepts either the *Engine, whose pending output is written to the
// wire, or a *ReceivedMessage for upstream delivery.
func (c *NetChannel) Write(item any) error {
	switch v := item.(type) {
	case *Engine:
		out := v.TakeOutput()
		if len(out) == 0 {
			return nil
		}
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_, err := c.conn.Write(out)
		return err
	case *ReceivedMessage:
		if c.onMessage == nil {
			return fmt.Errorf("no upstream message handler attached")
		}
		c.onMessage(v)
		return nil
	default:
		return fmt.Errorf("unsupported channel item: %T", item)
	}
}

// Flush is a no-op: conn writes are unbuffered.
func (c *NetChannel) Flush() error {
	return nil
}

// Close shuts the socket down.
func (c *NetChannel) Close() error {
	if !c.active.CompareAndSwap(true, false) {
		return nil
	}
	return c.conn.Close()
}

// IsActive reports whether the socket is still open.
func (c *NetChannel) IsActive() bool {
	return c.active.Load()
}

// LocalAddr returns the local endpoint.
func (c *NetChannel) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote endpoint.
func (c *NetChannel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
