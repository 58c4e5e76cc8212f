// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"github.com/help-lixin/corda/amqp/performatives"
)

// eventKind is the closed set of protocol events the engine can raise.
// All state transitions are dispatched from one switch over this enum.
type eventKind int

const (
	evConnInit eventKind = iota
	evConnLocalOpen
	evConnLocalClose
	evConnUnbound
	evConnFinal
	evSessionInit
	evSessionLocalOpen
	evSessionLocalClose
	evSessionFinal
	evLinkLocalOpen
	evLinkRemoteOpen
	evLinkRemoteClose
	evLinkFinal
	evLinkFlow
	evDelivery
	evTransport
	evTransportError
	evTransportHeadClosed
	evTransportTailClosed
	evTransportClosed
)

func (k eventKind) String() string {
	switch k {
	case evConnInit:
		return "connection-init"
	case evConnLocalOpen:
		return "connection-local-open"
	case evConnLocalClose:
		return "connection-local-close"
	case evConnUnbound:
		return "connection-unbound"
	case evConnFinal:
		return "connection-final"
	case evSessionInit:
		return "session-init"
	case evSessionLocalOpen:
		return "session-local-open"
	case evSessionLocalClose:
		return "session-local-close"
	case evSessionFinal:
		return "session-final"
	case evLinkLocalOpen:
		return "link-local-open"
	case evLinkRemoteOpen:
		return "link-remote-open"
	case evLinkRemoteClose:
		return "link-remote-close"
	case evLinkFinal:
		return "link-final"
	case evLinkFlow:
		return "link-flow"
	case evDelivery:
		return "delivery"
	case evTransport:
		return "transport"
	case evTransportError:
		return "transport-error"
	case evTransportHeadClosed:
		return "transport-head-closed"
	case evTransportTailClosed:
		return "transport-tail-closed"
	case evTransportClosed:
		return "transport-closed"
	default:
		return "unknown"
	}
}

// event is one engine occurrence. connID stamps the owning engine so stale
// events from a freed connection can be recognized and dropped.
type event struct {
	kind      eventKind
	connID    uint64
	link      *Link
	delivery  *Delivery
	condition *performatives.Error
}
