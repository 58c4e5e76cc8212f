// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package messaging implements the per-connection AMQP 1.0 peer link used
// by the node's messaging layer. A single-threaded connection state machine
// consumes protocol events from an embedded AMQP engine and byte chunks
// from the socket pipeline below, and produces outbound frames plus
// delivery-status callbacks for messages queued by address.
package messaging
