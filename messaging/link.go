// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/help-lixin/corda/amqp/frames"
	"github.com/help-lixin/corda/amqp/performatives"
)

// Session is the single logical AMQP session on a connection, mapped to a
// local/remote channel pair.
type Session struct {
	eng *Engine

	localCh     uint16
	remoteCh    uint16
	remoteChSet bool

	localBegin   bool
	beginSent    bool
	remoteActive bool
	endPending   bool
	endSent      bool
	freed        bool

	nextOutgoingID uint32 // next outbound delivery-id
	nextIncomingID uint32 // next expected inbound delivery-id

	unsettledOut map[uint32]*Delivery
	unsettledIn  map[uint32]*Delivery
}

// NewSender creates a sender link for the address on this session and
// opens it locally. The link name is freshly generated; source and target
// both carry the address, with the target declared durable in unsettled
// state so delivery identity survives reconnection attempts.
func (s *Session) NewSender(address string) *Link {
	e := s.eng
	link := &Link{
		eng:      e,
		sess:     s,
		name:     uuid.New().String(),
		handle:   e.allocHandle(),
		isSender: true,
		address:  address,
		source: &performatives.Source{
			Address: address,
			Durable: performatives.DurabilityNone,
		},
		target: &performatives.Target{
			Address: address,
			Durable: performatives.DurabilityUnsettledState,
		},
		localOpen:     true,
		attachPending: true,
	}
	e.links[link.name] = link
	e.handles[link.handle] = link
	e.emit(event{kind: evLinkLocalOpen, link: link})
	return link
}

// Link is one unidirectional message channel endpoint (sender or receiver
// role) on the session.
type Link struct {
	eng  *Engine
	sess *Session

	name            string
	handle          uint32
	remoteHandle    uint32
	remoteHandleSet bool
	isSender        bool
	address         string

	source *performatives.Source
	target *performatives.Target

	localOpen       bool
	attachPending   bool
	attachSent      bool
	attachReceived  bool
	flowPending     bool
	detachPending   bool
	detachSent      bool
	detachReceived  bool
	detachError     *performatives.Error
	remoteCondition *performatives.Error
	freed           bool

	// sender flow state
	credit        uint32
	deliveryCount uint32
	current       *Delivery

	// receiver state
	creditWindow uint32
	partial      *partialTransfer
}

type partialTransfer struct {
	transfer *performatives.Transfer
	payload  []byte
}

// IsSender reports the link's role.
func (l *Link) IsSender() bool {
	return l.isSender
}

// Address returns the queue address this link serves.
func (l *Link) Address() string {
	return l.address
}

// Name returns the link name.
func (l *Link) Name() string {
	return l.name
}

// RemoteCondition returns the error condition from a remote detach, if any.
func (l *Link) RemoteCondition() *performatives.Error {
	return l.remoteCondition
}

// Credit returns the transmission credit currently granted by the remote
// receiver.
func (l *Link) Credit() uint32 {
	return l.credit
}

// NewDelivery starts a new outbound delivery with the given tag.
func (l *Link) NewDelivery(tag []byte) *Delivery {
	d := &Delivery{
		link: l,
		tag:  append([]byte(nil), tag...),
	}
	l.current = d
	return d
}

// Send transmits the encoded message bytes as the current delivery,
// consuming one unit of credit. Transfers larger than the negotiated frame
// size are split across continuation frames.
func (l *Link) Send(buf []byte) error {
	e := l.eng
	d := l.current
	if d == nil {
		return fmt.Errorf("no current delivery on link %s", l.name)
	}
	if !l.attachSent {
		// The attach travels before the first transfer in the same flush.
		e.generate()
	}

	id := l.sess.nextOutgoingID
	l.sess.nextOutgoingID++
	d.id = id
	d.idSet = true
	l.sess.unsettledOut[id] = d

	l.deliveryCount++
	if l.credit > 0 {
		l.credit--
	}

	msgFormat := uint32(0)
	transfer := &performatives.Transfer{
		Handle:        l.handle,
		DeliveryID:    &id,
		DeliveryTag:   d.tag,
		MessageFormat: &msgFormat,
		Settled:       false,
	}
	return e.writeTransfer(l.sess.localCh, transfer, buf)
}

// Advance completes the current delivery boundary.
func (l *Link) Advance() {
	l.current = nil
}

// writeTransfer writes a transfer frame, splitting the payload across
// continuation frames flagged More when it exceeds the max frame size.
func (e *Engine) writeTransfer(channel uint16, transfer *performatives.Transfer, payload []byte) error {
	perfBody, err := transfer.Encode()
	if err != nil {
		return err
	}

	maxBody := int(e.maxFrameSize) - frames.HeaderSize
	combined := len(perfBody) + len(payload)

	if maxBody <= 0 || combined <= maxBody {
		body := make([]byte, combined)
		copy(body, perfBody)
		copy(body[len(perfBody):], payload)
		e.writeFrame(frames.FrameTypeAMQP, channel, body)
		return nil
	}

	// First frame re-encoded with More set.
	more := *transfer
	more.More = true
	perfBody, err = more.Encode()
	if err != nil {
		return err
	}
	firstChunk := maxBody - len(perfBody)
	if firstChunk <= 0 {
		return fmt.Errorf("transfer performative exceeds max frame size")
	}

	contBody, err := (&performatives.Transfer{Handle: transfer.Handle, More: true}).Encode()
	if err != nil {
		return err
	}
	lastBody, err := (&performatives.Transfer{Handle: transfer.Handle}).Encode()
	if err != nil {
		return err
	}
	contChunk := maxBody - len(contBody)
	lastChunk := maxBody - len(lastBody)

	frame := make([]byte, len(perfBody)+firstChunk)
	copy(frame, perfBody)
	copy(frame[len(perfBody):], payload[:firstChunk])
	e.writeFrame(frames.FrameTypeAMQP, channel, frame)

	offset := firstChunk
	for offset < len(payload) {
		remaining := len(payload) - offset
		var perf []byte
		chunk := remaining
		if remaining <= lastChunk {
			perf = lastBody
		} else {
			perf = contBody
			if chunk > contChunk {
				chunk = contChunk
			}
		}
		frame := make([]byte, len(perf)+chunk)
		copy(frame, perf)
		copy(frame[len(perf):], payload[offset:offset+chunk])
		e.writeFrame(frames.FrameTypeAMQP, channel, frame)
		offset += chunk
	}
	return nil
}

// Delivery is one transmission of one message on a link.
type Delivery struct {
	link *Link

	id    uint32
	idSet bool
	tag   []byte

	// Context carries the originating message for sender deliveries.
	Context any

	remotelySettled bool
	remoteState     any
	settled         bool

	// receiver side
	readable bool
	complete bool
	payload  []byte
}

// Link returns the owning link.
func (d *Delivery) Link() *Link {
	return d.link
}

// Tag returns the delivery tag.
func (d *Delivery) Tag() []byte {
	return d.tag
}

// Readable reports whether inbound payload bytes are available.
func (d *Delivery) Readable() bool {
	return d.readable
}

// Partial reports whether more transfer frames are outstanding.
func (d *Delivery) Partial() bool {
	return !d.complete
}

// Payload returns the reassembled inbound payload.
func (d *Delivery) Payload() []byte {
	return d.payload
}

// RemotelySettled reports whether the remote settled this delivery.
func (d *Delivery) RemotelySettled() bool {
	return d.remotelySettled
}

// RemoteState returns the remote disposition outcome, if any.
func (d *Delivery) RemoteState() any {
	return d.remoteState
}

// Settle settles the delivery locally, releasing it from the session's
// unsettled table.
func (d *Delivery) Settle() {
	if d.settled {
		return
	}
	d.settled = true
	s := d.link.sess
	if !d.idSet {
		return
	}
	if d.link.isSender {
		delete(s.unsettledOut, d.id)
	} else {
		delete(s.unsettledIn, d.id)
	}
}

// settleReceived settles an inbound delivery with the given outcome,
// emitting a receiver disposition.
func (e *Engine) settleReceived(d *Delivery, accepted bool) {
	if d == nil || d.link == nil || d.link.isSender || d.settled {
		return
	}
	var state any = &performatives.Accepted{}
	if !accepted {
		state = &performatives.Rejected{}
	}
	if d.idSet && !d.remotelySettled {
		disp := &performatives.Disposition{
			Role:    performatives.RoleReceiver,
			First:   d.id,
			Settled: true,
			State:   state,
		}
		if err := e.writePerformative(d.link.sess.localCh, disp); err != nil {
			e.log.Error("failed to encode disposition", "error", err)
		}
	}
	d.Settle()
}
