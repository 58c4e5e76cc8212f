// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"fmt"
)

// sessionStatus is the lifecycle of the single logical AMQP session.
// Transitions are monotone: Uninitialized → Active → Closed.
type sessionStatus int

const (
	sessionUninitialized sessionStatus = iota
	sessionActive
	sessionClosed
)

func (s sessionStatus) String() string {
	switch s {
	case sessionUninitialized:
		return "Uninitialized"
	case sessionActive:
		return "Active"
	case sessionClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

type sessionState struct {
	status  sessionStatus
	session *Session
}

// init stores the session handle and activates the state.
func (s *sessionState) init(session *Session) error {
	if s.status != sessionUninitialized {
		return fmt.Errorf("session state is %s, expected Uninitialized", s.status)
	}
	s.session = session
	s.status = sessionActive
	return nil
}

// close releases the session handle. Idempotent from Closed; never
// transitions back.
func (s *sessionState) close() {
	if s.status == sessionActive {
		s.session = nil
	}
	s.status = sessionClosed
}
