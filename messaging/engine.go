// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/help-lixin/corda/amqp/frames"
	"github.com/help-lixin/corda/amqp/performatives"
	"github.com/help-lixin/corda/amqp/sasl"
	"github.com/help-lixin/corda/amqp/types"
)

// enginePhase tracks handshake progress on the wire.
type enginePhase int

const (
	phaseSASLHeader enginePhase = iota // awaiting the peer's SASL protocol header
	phaseSASL                          // exchanging SASL frames
	phaseAMQPHeader                    // awaiting the peer's AMQP protocol header
	phaseOpen                          // AMQP frame traffic
)

// Initial credit granted to remote senders, replenished below half.
const linkCreditTopup uint32 = 100

const sessionWindow uint32 = 65535

var engineIDs atomic.Uint64

// Engine is the embedded AMQP 1.0 protocol engine for one connection. It
// owns the connection, transport, session, link and delivery objects,
// assembles inbound frames into events for the state machine, and encodes
// local actions into pending output bytes.
//
// The engine is not safe for concurrent use; the owning state machine
// serializes access.
type Engine struct {
	id         uint64
	serverMode bool

	containerID  string
	maxFrameSize uint32
	idleTimeout  time.Duration

	username string
	password string

	log *slog.Logger

	phase    enginePhase
	saslDone bool
	authUser string // identity asserted via SASL PLAIN, server side

	asm frames.Assembler
	out bytes.Buffer

	inTotal  uint64
	outTotal uint64

	events []event

	// transport lifecycle
	headClosed   bool
	tailClosed   bool
	closedRaised bool
	unbound      bool
	condition    *performatives.Error

	// connection endpoint state
	localOpen   bool
	openSent    bool
	remoteOpen  bool
	localClose  bool
	closeSent   bool
	remoteClose bool
	freed       bool
	finalRaised bool

	session *Session

	links         map[string]*Link // by name
	handles       map[uint32]*Link // by local handle
	remoteHandles map[uint32]*Link
	nextHandle    uint32

	// socket channel stashed as the connection context
	channel Channel

	tick tickState
}

type tickState struct {
	lastInTotal  uint64
	lastInAt     time.Time
	lastOutTotal uint64
	lastOutAt    time.Time
}

func newEngine(cfg *Config, channel Channel, log *slog.Logger) *Engine {
	maxFrame := cfg.MaxFrameSize
	if maxFrame == 0 {
		maxFrame = maxFrameSizeFromEnv()
	}
	idle := cfg.IdleTimeout
	if idle == 0 {
		idle = idleTimeoutFromEnv()
	}

	e := &Engine{
		id:            engineIDs.Add(1),
		serverMode:    cfg.ServerMode,
		containerID:   "CORDA:" + uuid.New().String(),
		maxFrameSize:  maxFrame,
		idleTimeout:   idle,
		username:      cfg.Username,
		password:      cfg.Password,
		log:           log,
		links:         make(map[string]*Link),
		handles:       make(map[uint32]*Link),
		remoteHandles: make(map[uint32]*Link),
		channel:       channel,
	}

	e.emit(event{kind: evConnInit})

	if !e.serverMode {
		// Client initiates the SASL layer and opens the connection locally.
		e.out.Write(frames.ProtocolHeader(frames.ProtoIDSASL))
		e.localOpen = true
		e.emit(event{kind: evConnLocalOpen})
	}
	return e
}

// ConnID returns the engine's connection identity used for stale-event checks.
func (e *Engine) ConnID() uint64 {
	return e.id
}

// ContainerID returns the AMQP container id.
func (e *Engine) ContainerID() string {
	return e.containerID
}

// Channel returns the socket channel stashed as the connection context.
func (e *Engine) Channel() Channel {
	return e.channel
}

// ClearChannel drops the connection context reference.
func (e *Engine) ClearChannel() {
	e.channel = nil
}

func (e *Engine) emit(ev event) {
	ev.connID = e.id
	e.events = append(e.events, ev)
}

// drainEvents returns and clears the collected events.
func (e *Engine) drainEvents() []event {
	evs := e.events
	e.events = nil
	return evs
}

// InputCapacity reports how many more input bytes the engine accepts
// before the next pump.
func (e *Engine) InputCapacity() int {
	capacity := int(2*e.maxFrameSize) - e.asm.Buffered()
	if capacity < 1 {
		capacity = 1
	}
	return capacity
}

// ProcessInput feeds one chunk of wire bytes and pumps the protocol.
func (e *Engine) ProcessInput(chunk []byte) error {
	if e.tailClosed {
		return fmt.Errorf("transport tail closed")
	}
	e.asm.Feed(chunk)
	e.inTotal += uint64(len(chunk))
	if err := e.pump(); err != nil {
		return err
	}
	e.generate()
	if e.out.Len() > 0 {
		e.emit(event{kind: evTransport})
	}
	return nil
}

// pump consumes whatever complete protocol units are buffered.
func (e *Engine) pump() error {
	for {
		switch e.phase {
		case phaseSASLHeader, phaseAMQPHeader:
			protoID, ok, err := e.asm.TakeProtocolHeader()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if err := e.handleProtocolHeader(protoID); err != nil {
				return err
			}
		case phaseSASL:
			f, err := e.asm.TakeFrame(0)
			if err != nil {
				return err
			}
			if f == nil {
				return nil
			}
			if f.Type != frames.FrameTypeSASL {
				return fmt.Errorf("expected SASL frame, got type 0x%02x", f.Type)
			}
			if err := e.handleSASLFrame(f); err != nil {
				return err
			}
		case phaseOpen:
			f, err := e.asm.TakeFrame(e.maxFrameSize)
			if err != nil {
				return err
			}
			if f == nil {
				return nil
			}
			if f.Type != frames.FrameTypeAMQP {
				return fmt.Errorf("unexpected frame type 0x%02x", f.Type)
			}
			if f.IsEmpty() {
				continue // heartbeat
			}
			if err := e.handleFrame(f); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) handleProtocolHeader(protoID byte) error {
	if e.phase == phaseAMQPHeader {
		if protoID != frames.ProtoIDAMQP {
			return fmt.Errorf("unexpected protocol ID after SASL: 0x%02x", protoID)
		}
		if e.serverMode {
			e.out.Write(frames.ProtocolHeader(frames.ProtoIDAMQP))
		}
		e.phase = phaseOpen
		e.log.Debug("AMQP layer established")
		return nil
	}

	// phaseSASLHeader
	if protoID != frames.ProtoIDSASL {
		return fmt.Errorf("expected SASL protocol header, got ID 0x%02x", protoID)
	}
	if e.serverMode {
		e.out.Write(frames.ProtocolHeader(frames.ProtoIDSASL))
		mechs := &sasl.Mechanisms{Mechanisms: e.offeredMechanisms()}
		if err := e.writeSASL(mechs); err != nil {
			return err
		}
	}
	e.phase = phaseSASL
	return nil
}

func (e *Engine) offeredMechanisms() []types.Symbol {
	if e.username != "" {
		return []types.Symbol{sasl.MechPLAIN}
	}
	return []types.Symbol{sasl.MechANONYMOUS}
}

func (e *Engine) handleSASLFrame(f *frames.Frame) error {
	desc, val, err := sasl.Decode(f.Body)
	if err != nil {
		return err
	}

	switch desc {
	case sasl.DescriptorMechanisms:
		if e.serverMode {
			return fmt.Errorf("unexpected SASL mechanisms from client")
		}
		init := &sasl.Init{}
		if e.username != "" {
			init.Mechanism = sasl.MechPLAIN
			init.InitialResponse = sasl.BuildPLAIN(e.username, e.password)
		} else {
			init.Mechanism = sasl.MechANONYMOUS
		}
		return e.writeSASL(init)

	case sasl.DescriptorInit:
		if !e.serverMode {
			return fmt.Errorf("unexpected SASL init from server")
		}
		init := val.(*sasl.Init)
		switch init.Mechanism {
		case sasl.MechPLAIN:
			// Authentication policy lives in a higher layer; record the
			// asserted identity and accept.
			_, user, _, err := sasl.ParsePLAIN(init.InitialResponse)
			if err != nil {
				e.writeSASL(&sasl.Outcome{Code: sasl.CodeAuth})
				return fmt.Errorf("PLAIN negotiation failed: %w", err)
			}
			e.authUser = user
		case sasl.MechANONYMOUS:
		default:
			e.writeSASL(&sasl.Outcome{Code: sasl.CodeAuth})
			return fmt.Errorf("unsupported SASL mechanism: %s", init.Mechanism)
		}
		if err := e.writeSASL(&sasl.Outcome{Code: sasl.CodeOK}); err != nil {
			return err
		}
		e.saslDone = true
		e.phase = phaseAMQPHeader
		return nil

	case sasl.DescriptorOutcome:
		if e.serverMode {
			return fmt.Errorf("unexpected SASL outcome from client")
		}
		outcome := val.(*sasl.Outcome)
		if outcome.Code != sasl.CodeOK {
			return fmt.Errorf("SASL negotiation rejected with code %d", outcome.Code)
		}
		e.saslDone = true
		e.out.Write(frames.ProtocolHeader(frames.ProtoIDAMQP))
		e.phase = phaseAMQPHeader
		return nil

	default:
		return fmt.Errorf("unexpected SASL descriptor 0x%02x", desc)
	}
}

func (e *Engine) writeSASL(enc interface{ Encode() ([]byte, error) }) error {
	body, err := enc.Encode()
	if err != nil {
		return err
	}
	e.writeFrame(frames.FrameTypeSASL, 0, body)
	return nil
}

func (e *Engine) writeFrame(frameType byte, channel uint16, body []byte) {
	before := e.out.Len()
	e.out.Write(frames.AppendFrame(nil, frameType, channel, body))
	e.outTotal += uint64(e.out.Len() - before)
}

func (e *Engine) writePerformative(channel uint16, enc interface{ Encode() ([]byte, error) }) error {
	body, err := enc.Encode()
	if err != nil {
		return err
	}
	e.writeFrame(frames.FrameTypeAMQP, channel, body)
	return nil
}

func (e *Engine) handleFrame(f *frames.Frame) error {
	desc, perf, payload, err := performatives.Decode(f.Body)
	if err != nil {
		return err
	}

	switch desc {
	case performatives.DescriptorOpen:
		return e.handleOpen(perf.(*performatives.Open))
	case performatives.DescriptorBegin:
		return e.handleBegin(f.Channel, perf.(*performatives.Begin))
	case performatives.DescriptorAttach:
		return e.handleAttach(f.Channel, perf.(*performatives.Attach))
	case performatives.DescriptorFlow:
		e.handleFlow(perf.(*performatives.Flow))
		return nil
	case performatives.DescriptorTransfer:
		return e.handleTransfer(perf.(*performatives.Transfer), payload)
	case performatives.DescriptorDisposition:
		e.handleDisposition(perf.(*performatives.Disposition))
		return nil
	case performatives.DescriptorDetach:
		return e.handleDetach(perf.(*performatives.Detach))
	case performatives.DescriptorEnd:
		return e.handleEnd(f.Channel, perf.(*performatives.End))
	case performatives.DescriptorClose:
		e.handleClose(perf.(*performatives.Close))
		return nil
	default:
		e.log.Warn("unknown performative", "descriptor", desc, "channel", f.Channel)
		return nil
	}
}

func (e *Engine) handleOpen(open *performatives.Open) error {
	e.remoteOpen = true
	if open.MaxFrameSize > 0 && open.MaxFrameSize < e.maxFrameSize {
		e.maxFrameSize = open.MaxFrameSize
	}
	e.log.Debug("remote open", "container_id", open.ContainerID, "max_frame_size", open.MaxFrameSize)

	if e.serverMode && !e.localOpen {
		// The listening side opens in response.
		e.localOpen = true
		e.emit(event{kind: evConnLocalOpen})
	}
	return nil
}

func (e *Engine) handleBegin(ch uint16, begin *performatives.Begin) error {
	if begin.RemoteChannel != nil {
		// Response to our Begin.
		s := e.session
		if s == nil || s.localCh != *begin.RemoteChannel {
			e.log.Warn("begin response for unknown channel", "remote_channel", *begin.RemoteChannel)
			return nil
		}
		s.remoteCh = ch
		s.remoteChSet = true
		s.remoteActive = true
		return nil
	}

	// Peer-initiated begin.
	if e.session == nil {
		e.session = e.newSession()
	}
	s := e.session
	if s.remoteChSet {
		e.log.Warn("duplicate begin", "channel", ch)
		return nil
	}
	s.remoteCh = ch
	s.remoteChSet = true
	s.remoteActive = true
	return nil
}

func (e *Engine) handleAttach(ch uint16, attach *performatives.Attach) error {
	s := e.session
	if s == nil {
		return fmt.Errorf("attach on channel %d before begin", ch)
	}

	if link, ok := e.links[attach.Name]; ok {
		// Response to an attach we initiated.
		link.remoteHandle = attach.Handle
		link.remoteHandleSet = true
		link.attachReceived = true
		e.remoteHandles[attach.Handle] = link
		e.emit(event{kind: evLinkRemoteOpen, link: link})
		return nil
	}

	if attach.Role == performatives.RoleSender {
		// The remote is a sender: an inbound link appears, and we open our
		// receiver end in response. Incoming links are keyed by their
		// target address, falling back to the source for peers that send
		// an empty target.
		address := ""
		if attach.Target != nil {
			address = attach.Target.Address
		}
		if address == "" && attach.Source != nil {
			address = attach.Source.Address
		}
		link := &Link{
			eng:             e,
			sess:            s,
			name:            attach.Name,
			handle:          e.allocHandle(),
			remoteHandle:    attach.Handle,
			remoteHandleSet: true,
			isSender:        false,
			address:         address,
			source:          attach.Source,
			target:          attach.Target,
			localOpen:       true,
			attachReceived:  true,
			creditWindow:    linkCreditTopup,
		}
		e.links[link.name] = link
		e.handles[link.handle] = link
		e.remoteHandles[attach.Handle] = link
		link.attachPending = true
		if address == "" {
			// No usable terminus: refuse after the mandatory attach echo.
			link.detachPending = true
			link.detachError = &performatives.Error{
				Condition:   performatives.ErrInvalidField,
				Description: "attach carries neither target nor source address",
			}
			e.emit(event{kind: evLinkRemoteOpen, link: link})
			return nil
		}
		link.flowPending = true
		e.emit(event{kind: evLinkRemoteOpen, link: link})
		e.emit(event{kind: evLinkLocalOpen, link: link})
		return nil
	}

	// The remote is a receiver opening a link we never initiated: a
	// transaction coordinator. Accept it — echo the attach so the
	// handshake completes — but never transfer on it.
	link := &Link{
		eng:             e,
		sess:            s,
		name:            attach.Name,
		handle:          e.allocHandle(),
		remoteHandle:    attach.Handle,
		remoteHandleSet: true,
		isSender:        true,
		source:          attach.Source,
		target:          attach.Target,
		attachReceived:  true,
		attachPending:   true,
	}
	if attach.Target != nil {
		link.address = attach.Target.Address
	}
	e.links[link.name] = link
	e.handles[link.handle] = link
	e.remoteHandles[attach.Handle] = link
	e.emit(event{kind: evLinkRemoteOpen, link: link})
	return nil
}

func (e *Engine) handleFlow(flow *performatives.Flow) {
	if flow.Handle == nil || flow.LinkCredit == nil {
		return
	}
	link := e.remoteHandles[*flow.Handle]
	if link == nil || !link.isSender {
		return
	}
	if flow.DeliveryCount != nil {
		granted := *flow.DeliveryCount + *flow.LinkCredit
		if granted > link.deliveryCount {
			link.credit = granted - link.deliveryCount
		} else {
			link.credit = 0
		}
	} else {
		link.credit = *flow.LinkCredit
	}
	e.emit(event{kind: evLinkFlow, link: link})
}

func (e *Engine) handleTransfer(transfer *performatives.Transfer, payload []byte) error {
	link := e.remoteHandles[transfer.Handle]
	if link == nil || link.isSender {
		e.log.Warn("transfer on unknown handle", "handle", transfer.Handle)
		return nil
	}

	// Reassemble multi-frame transfers before raising a delivery.
	if link.partial != nil {
		link.partial.payload = append(link.partial.payload, payload...)
		if transfer.More {
			return nil
		}
		transfer = link.partial.transfer
		payload = link.partial.payload
		link.partial = nil
	} else if transfer.More {
		link.partial = &partialTransfer{
			transfer: transfer,
			payload:  append([]byte(nil), payload...),
		}
		return nil
	}

	link.deliveryCount++
	if link.creditWindow > 0 {
		link.creditWindow--
	}
	if link.creditWindow < linkCreditTopup/2 {
		link.creditWindow = linkCreditTopup
		link.flowPending = true
	}

	d := &Delivery{
		link:     link,
		tag:      transfer.DeliveryTag,
		readable: true,
		complete: true,
		payload:  payload,
	}
	if transfer.DeliveryID != nil {
		d.id = *transfer.DeliveryID
		d.idSet = true
		link.sess.nextIncomingID = d.id + 1
	}
	d.remotelySettled = transfer.Settled
	if !transfer.Settled && d.idSet {
		link.sess.unsettledIn[d.id] = d
	}
	link.current = d
	e.emit(event{kind: evDelivery, link: link, delivery: d})
	return nil
}

func (e *Engine) handleDisposition(disp *performatives.Disposition) {
	s := e.session
	if s == nil {
		return
	}

	last := disp.First
	if disp.Last != nil {
		last = *disp.Last
	}

	if disp.Role == performatives.RoleReceiver {
		// The remote receiver is settling deliveries we sent.
		for id := disp.First; id <= last; id++ {
			d := s.unsettledOut[id]
			if d == nil {
				continue
			}
			d.remotelySettled = disp.Settled
			d.remoteState = disp.State
			e.emit(event{kind: evDelivery, link: d.link, delivery: d})
		}
		return
	}

	// The remote sender is updating deliveries it sent to us.
	for id := disp.First; id <= last; id++ {
		if disp.Settled {
			delete(s.unsettledIn, id)
		}
	}
}

func (e *Engine) handleDetach(detach *performatives.Detach) error {
	link := e.remoteHandles[detach.Handle]
	if link == nil {
		e.log.Warn("detach on unknown handle", "handle", detach.Handle)
		return nil
	}
	link.detachReceived = true
	link.remoteCondition = detach.Error
	e.emit(event{kind: evLinkRemoteClose, link: link})
	if !link.detachSent {
		link.detachPending = true
	}
	e.generate()
	e.freeLink(link)
	return nil
}

func (e *Engine) handleEnd(ch uint16, end *performatives.End) error {
	s := e.session
	if s == nil || !s.remoteChSet || s.remoteCh != ch {
		return nil
	}
	if end.Error != nil {
		e.log.Warn("session ended by remote", "condition", string(end.Error.Condition), "description", end.Error.Description)
	}
	if !s.endSent {
		e.writePerformative(s.localCh, &performatives.End{})
		s.endSent = true
	}
	e.freeSession()
	return nil
}

func (e *Engine) handleClose(cl *performatives.Close) {
	e.remoteClose = true
	if cl.Error != nil {
		e.log.Warn("connection closed by remote", "condition", string(cl.Error.Condition), "description", cl.Error.Description)
	}
	if !e.localClose {
		e.localClose = true
		e.emit(event{kind: evConnLocalClose})
	}
}

// generate flushes whatever local protocol state the handshake phase
// permits into the output buffer. Calling Pending drives it.
func (e *Engine) generate() {
	if e.headClosed || e.phase != phaseOpen {
		return
	}

	if e.localOpen && !e.openSent {
		open := &performatives.Open{
			ContainerID:  e.containerID,
			MaxFrameSize: e.maxFrameSize,
			ChannelMax:   65535,
			IdleTimeOut:  uint32(e.idleTimeout.Milliseconds()),
		}
		if err := e.writePerformative(0, open); err != nil {
			e.log.Error("failed to encode open", "error", err)
			return
		}
		e.openSent = true
	}
	if !e.openSent {
		return
	}

	if s := e.session; s != nil {
		if s.localBegin && !s.beginSent {
			begin := &performatives.Begin{
				NextOutgoingID: s.nextOutgoingID,
				IncomingWindow: sessionWindow,
				OutgoingWindow: sessionWindow,
				HandleMax:      255,
			}
			if s.remoteChSet {
				remoteCh := s.remoteCh
				begin.RemoteChannel = &remoteCh
			}
			if err := e.writePerformative(s.localCh, begin); err != nil {
				e.log.Error("failed to encode begin", "error", err)
				return
			}
			s.beginSent = true
		}

		if s.beginSent {
			for _, link := range e.handles {
				e.generateLink(link)
			}
			if s.endPending && !s.endSent {
				e.writePerformative(s.localCh, &performatives.End{})
				s.endSent = true
			}
		}
	}

	if e.localClose && !e.closeSent {
		cl := &performatives.Close{}
		if e.condition != nil && e.condition.Condition != performatives.ErrProtonIO {
			cl.Error = e.condition
		}
		if err := e.writePerformative(0, cl); err != nil {
			e.log.Error("failed to encode close", "error", err)
			return
		}
		e.closeSent = true
	}
}

func (e *Engine) generateLink(link *Link) {
	s := link.sess
	if link.attachPending && !link.attachSent {
		attach := &performatives.Attach{
			Name:          link.name,
			Handle:        link.handle,
			Role:          !link.isSender,
			SndSettleMode: settleModePtr(performatives.SndSettleUnsettled),
			RcvSettleMode: settleModePtr(performatives.RcvSettleFirst),
			Source:        link.source,
			Target:        link.target,
		}
		if err := e.writePerformative(s.localCh, attach); err != nil {
			e.log.Error("failed to encode attach", "error", err)
			return
		}
		link.attachSent = true
		link.attachPending = false
	}
	if link.flowPending && link.attachSent {
		nextIn := s.nextIncomingID
		handle := link.handle
		deliveryCount := link.deliveryCount
		credit := link.creditWindow
		flow := &performatives.Flow{
			NextIncomingID: &nextIn,
			IncomingWindow: sessionWindow,
			NextOutgoingID: s.nextOutgoingID,
			OutgoingWindow: sessionWindow,
			Handle:         &handle,
			DeliveryCount:  &deliveryCount,
			LinkCredit:     &credit,
		}
		if err := e.writePerformative(s.localCh, flow); err != nil {
			e.log.Error("failed to encode flow", "error", err)
			return
		}
		link.flowPending = false
	}
	if link.detachPending && !link.detachSent && link.attachSent {
		detach := &performatives.Detach{
			Handle: link.handle,
			Closed: true,
			Error:  link.detachError,
		}
		if err := e.writePerformative(s.localCh, detach); err != nil {
			e.log.Error("failed to encode detach", "error", err)
			return
		}
		link.detachSent = true
		link.detachPending = false
	}
}

func settleModePtr(mode uint8) *uint8 {
	return &mode
}

// Pending drives frame generation and returns the number of buffered
// output bytes.
func (e *Engine) Pending() int {
	e.generate()
	return e.out.Len()
}

// OutputLen returns the buffered output size without generating frames.
func (e *Engine) OutputLen() int {
	return e.out.Len()
}

// PopOutput removes and returns up to n buffered output bytes.
func (e *Engine) PopOutput(n int) []byte {
	if n <= 0 {
		return nil
	}
	return e.out.Next(n)
}

// TakeOutput removes and returns all buffered output bytes.
func (e *Engine) TakeOutput() []byte {
	if e.out.Len() == 0 {
		return nil
	}
	b := append([]byte(nil), e.out.Bytes()...)
	e.out.Reset()
	return b
}

// SetCondition tags the transport with an error condition and raises a
// transport-error event.
func (e *Engine) SetCondition(cond *performatives.Error) {
	e.condition = cond
	e.emit(event{kind: evTransportError, condition: cond})
}

// Condition returns the transport error condition, if any.
func (e *Engine) Condition() *performatives.Error {
	return e.condition
}

// CloseTail closes the input side of the transport.
func (e *Engine) CloseTail() {
	if e.tailClosed {
		return
	}
	e.tailClosed = true
	e.emit(event{kind: evTransportTailClosed})
	e.maybeTransportClosed()
}

// CloseHead closes the output side of the transport. Buffered output stays
// available for a final drain.
func (e *Engine) CloseHead() {
	if e.headClosed {
		return
	}
	e.headClosed = true
	e.emit(event{kind: evTransportHeadClosed})
	e.maybeTransportClosed()
}

func (e *Engine) maybeTransportClosed() {
	if e.headClosed && e.tailClosed && !e.closedRaised {
		e.closedRaised = true
		e.emit(event{kind: evTransportClosed})
	}
}

// Closed reports whether both transport directions are closed.
func (e *Engine) Closed() bool {
	return e.headClosed && e.tailClosed
}

// CloseConnection initiates a local connection close.
func (e *Engine) CloseConnection() {
	if e.localClose {
		return
	}
	e.localClose = true
	e.emit(event{kind: evConnLocalClose})
}

// FreeConnection flushes the close frame and releases the connection,
// starting the transport teardown cascade.
func (e *Engine) FreeConnection() {
	if e.freed {
		return
	}
	e.freed = true
	e.generate()
	e.CloseTail()
}

// Unbind detaches the transport from the connection, finalizing the
// session, its links and then the connection itself.
func (e *Engine) Unbind() {
	if e.unbound {
		return
	}
	e.unbound = true
	e.freeSession()
	e.emit(event{kind: evConnUnbound})
	if !e.finalRaised {
		e.finalRaised = true
		e.emit(event{kind: evConnFinal})
	}
}

// EnsureCleanup forces transport teardown so a connection-final is always
// reached, covering disconnects where no close events were ever read.
func (e *Engine) EnsureCleanup() {
	e.CloseTail()
	e.CloseHead()
	e.Unbind()
}

func (e *Engine) allocHandle() uint32 {
	h := e.nextHandle
	e.nextHandle++
	return h
}

func (e *Engine) freeLink(link *Link) {
	if link.freed {
		return
	}
	link.freed = true
	delete(e.links, link.name)
	delete(e.handles, link.handle)
	if link.remoteHandleSet {
		delete(e.remoteHandles, link.remoteHandle)
	}
	e.emit(event{kind: evLinkFinal, link: link})
}

func (e *Engine) freeSession() {
	s := e.session
	if s == nil || s.freed {
		return
	}
	s.freed = true
	for _, link := range e.handles {
		e.freeLink(link)
	}
	for h, link := range e.remoteHandles {
		delete(e.remoteHandles, h)
		if !link.freed {
			link.freed = true
			e.emit(event{kind: evLinkFinal, link: link})
		}
	}
	e.emit(event{kind: evSessionFinal})
}

// OpenSession opens the single local session.
func (e *Engine) OpenSession() *Session {
	if e.session == nil {
		e.session = e.newSession()
	}
	s := e.session
	if !s.localBegin {
		s.localBegin = true
		e.emit(event{kind: evSessionInit})
		e.emit(event{kind: evSessionLocalOpen})
	}
	return s
}

func (e *Engine) newSession() *Session {
	return &Session{
		eng:          e,
		localCh:      0,
		unsettledOut: make(map[uint32]*Delivery),
		unsettledIn:  make(map[uint32]*Delivery),
	}
}

// Tick drives time-based behavior: heartbeat emission after half an idle
// period of output silence, and teardown when the peer has been silent for
// twice the idle timeout.
func (e *Engine) Tick(now time.Time) {
	if e.idleTimeout <= 0 || e.Closed() {
		return
	}

	if e.tick.lastInAt.IsZero() || e.inTotal != e.tick.lastInTotal {
		e.tick.lastInTotal = e.inTotal
		e.tick.lastInAt = now
	} else if now.Sub(e.tick.lastInAt) > 2*e.idleTimeout {
		e.SetCondition(&performatives.Error{
			Condition:   performatives.ErrResourceLimitExceeded,
			Description: "local-idle-timeout expired",
		})
		e.CloseTail()
		return
	}

	if e.tick.lastOutAt.IsZero() || e.outTotal != e.tick.lastOutTotal {
		e.tick.lastOutTotal = e.outTotal
		e.tick.lastOutAt = now
	} else if e.phase == phaseOpen && !e.headClosed && now.Sub(e.tick.lastOutAt) >= e.idleTimeout/2 {
		e.writeFrame(frames.FrameTypeAMQP, 0, nil)
		e.tick.lastOutTotal = e.outTotal
		e.tick.lastOutAt = now
		e.emit(event{kind: evTransport})
	}
}
