// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/binary"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/help-lixin/corda/amqp/performatives"
)

// createPermissionErrCode marks a remote "destination address cannot be
// created" condition. The error is not retryable: queued messages for the
// address are abandoned as acknowledged to stop infinite retries.
const createPermissionErrCode = "AMQ119032"

// ConnectionStateMachine drives one AMQP 1.0 peer link. It consumes byte
// chunks from the socket pipeline and events from the embedded engine, and
// produces outbound frames plus delivery-status callbacks. All engine
// events and ingress operations are serialized on the connection mutex; no
// operation blocks.
type ConnectionStateMachine struct {
	mu sync.Mutex

	cfg     *Config
	log     *slog.Logger
	metrics *Metrics

	engine  *Engine
	channel Channel

	session   sessionState
	senders   map[string]*Link
	receivers map[string]*Link

	// Per-address FIFOs of pending messages, plus the FIFO of sent but
	// not yet settled messages.
	messageQueues map[string]*msgQueue
	unackedQueue  *msgQueue

	tagID uint32
}

// NewConnectionStateMachine builds the state machine and its engine for
// one connection. In client mode the connection is opened locally at once;
// a server-mode machine opens in response to the peer.
func NewConnectionStateMachine(cfg *Config, channel Channel, log *slog.Logger, metrics *Metrics) *ConnectionStateMachine {
	if log == nil {
		log = slog.Default()
	}
	sm := &ConnectionStateMachine{
		cfg:           cfg,
		metrics:       metrics,
		channel:       channel,
		senders:       make(map[string]*Link),
		receivers:     make(map[string]*Link),
		messageQueues: make(map[string]*msgQueue),
		unackedQueue:  newMsgQueue(),
	}

	engineLog := log.With(
		"serverMode", cfg.ServerMode,
		"localLegalName", cfg.LocalLegalName,
		"remoteLegalName", cfg.RemoteLegalName,
	)
	sm.engine = newEngine(cfg, channel, engineLog)
	sm.log = engineLog.With("conn", sm.engine.ConnID())

	if metrics != nil {
		metrics.RecordConnection()
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.processEvents()
	sm.flushOutput()
	return sm
}

// Engine exposes the embedded engine, primarily for channel codecs that
// drain its pending output.
func (sm *ConnectionStateMachine) Engine() *Engine {
	return sm.engine
}

// TransportWriteMessage enqueues one message for transmission. The message
// reaches a terminal status exactly once: on settlement, on a remote
// permission error, on encode failure, or through connection cleanup.
func (sm *ConnectionStateMachine) TransportWriteMessage(msg *SendableMessage) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	buf, err := encodeMessage(msg, sm.cfg.LocalLegalName)
	if err != nil {
		sm.log.Error("message encode failed", "topic", msg.Topic, "error", err)
		if sm.metrics != nil {
			sm.metrics.RecordError("encode")
		}
		sm.completeMessage(msg, Rejected)
		return
	}
	msg.buf = buf

	switch sm.session.status {
	case sessionActive:
		sm.queueFor(msg.Topic).Push(msg)
		sender := sm.getSender(msg.Topic)
		sm.processEvents()
		if sender != nil {
			sm.transmitMessages(sender)
		}
	case sessionUninitialized:
		// Queued until connection-local-open pre-opens the sender.
		sm.queueFor(msg.Topic).Push(msg)
	case sessionClosed:
		sm.log.Debug("rejecting message on closed session", "topic", msg.Topic)
		sm.completeMessage(msg, Rejected)
	}

	sm.processEvents()
	sm.flushOutput()
}

// TransportProcessInput feeds inbound wire bytes, chunked to the engine's
// input capacity. Any failure tags the transport with a proton:io
// condition and forces the close cascade.
func (sm *ConnectionStateMachine) TransportProcessInput(buf []byte) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for len(buf) > 0 {
		n := sm.engine.InputCapacity()
		if n > len(buf) {
			n = len(buf)
		}
		if err := sm.engine.ProcessInput(buf[:n]); err != nil {
			sm.log.Warn("transport input failed", "error", err)
			sm.transportFailure(err.Error(), true)
			return
		}
		buf = buf[n:]
		sm.processEvents()
	}
	sm.flushOutput()
}

// TransportProcessOutput pumps pending output bytes through the given
// write context until the engine has nothing left, then flushes once.
func (sm *ConnectionStateMachine) TransportProcessOutput(ctx WriteContext) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for {
		n := sm.engine.Pending()
		if n <= 0 {
			break
		}
		chunk := sm.engine.PopOutput(n)
		dst := ctx.Alloc(len(chunk))
		copy(dst, chunk)
		if err := ctx.Write(dst); err != nil {
			sm.log.Warn("transport output failed", "error", err)
			sm.transportFailure(err.Error(), false)
			return
		}
	}
	if err := ctx.Flush(); err != nil {
		sm.log.Warn("transport flush failed", "error", err)
		sm.transportFailure(err.Error(), false)
		return
	}
	sm.processEvents()
}

// ProcessTransport pokes the engine to emit pending frames after external
// state changes.
func (sm *ConnectionStateMachine) ProcessTransport() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.processEvents()
	sm.flushOutput()
}

// CompleteDelivery settles a previously forwarded inbound delivery with
// the given outcome.
func (sm *ConnectionStateMachine) CompleteDelivery(d *Delivery, accepted bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.engine.settleReceived(d, accepted)
	sm.processEvents()
	sm.flushOutput()
}

// Close initiates a local connection close and the full teardown cascade.
func (sm *ConnectionStateMachine) Close() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.engine.CloseConnection()
	sm.processEvents()
	sm.flushOutput()
}

// Tick drives heartbeat emission and idle-timeout enforcement.
func (sm *ConnectionStateMachine) Tick(now time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.engine.Tick(now)
	sm.processEvents()
	sm.flushOutput()
}

// transportFailure tags the transport with a proton:io condition and
// forces a head/tail close cycle. Cleanup then flows through the normal
// close events.
func (sm *ConnectionStateMachine) transportFailure(description string, input bool) {
	sm.engine.SetCondition(&performatives.Error{
		Condition:   performatives.ErrProtonIO,
		Description: description,
	})
	if input {
		sm.engine.CloseTail()
	} else {
		sm.engine.CloseHead()
	}
	sm.processEvents()
	sm.flushOutput()
}

func (sm *ConnectionStateMachine) queueFor(address string) *msgQueue {
	q, ok := sm.messageQueues[address]
	if !ok {
		q = newMsgQueue()
		sm.messageQueues[address] = q
	}
	return q
}

// getSender returns the sender link for the address, creating and opening
// one lazily on the active session.
func (sm *ConnectionStateMachine) getSender(address string) *Link {
	if s, ok := sm.senders[address]; ok {
		return s
	}
	sess := sm.session.session
	if sess == nil {
		return nil
	}
	s := sess.NewSender(address)
	sm.senders[address] = s
	return s
}

// transmitMessages drains the sender's address queue while credit lasts.
// Each message's encoded buffer is released on every path out of the
// per-message block.
func (sm *ConnectionStateMachine) transmitMessages(sender *Link) {
	q := sm.messageQueues[sender.Address()]
	if q == nil {
		return
	}
	for sender.Credit() > 0 {
		msg := q.PopFront()
		if msg == nil {
			break
		}
		sm.sendOne(sender, msg)
	}
	sm.flushOutput()
}

func (sm *ConnectionStateMachine) sendOne(sender *Link, msg *SendableMessage) {
	defer msg.Release()

	var tag [4]byte
	binary.BigEndian.PutUint32(tag[:], sm.tagID)
	sm.tagID++

	delivery := sender.NewDelivery(tag[:])
	delivery.Context = msg

	if err := sender.Send(msg.buf); err != nil {
		sm.log.Error("transfer send failed", "topic", msg.Topic, "error", err)
		delivery.Settle()
		sm.completeMessage(msg, Rejected)
		return
	}
	msg.status = Sent
	sm.unackedQueue.Push(msg)
	sender.Advance()

	if sm.metrics != nil {
		sm.metrics.RecordMessageSent(int64(len(msg.Payload)))
	}
}

func (sm *ConnectionStateMachine) completeMessage(msg *SendableMessage, status MessageStatus) {
	msg.Complete(status)
	msg.Release()
	if sm.metrics == nil {
		return
	}
	switch status {
	case Acknowledged:
		sm.metrics.RecordMessageAcknowledged()
	case Rejected:
		sm.metrics.RecordMessageRejected()
	}
}

// processEvents drains the engine collector, dispatching every event
// through the single handler switch. Handlers may raise further events;
// the loop runs until the collector stays empty.
func (sm *ConnectionStateMachine) processEvents() {
	for {
		events := sm.engine.drainEvents()
		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			if ev.connID != sm.engine.ConnID() {
				sm.log.Warn("ignoring stale event", "event", ev.kind.String(), "conn", ev.connID)
				continue
			}
			sm.handleEvent(ev)
		}
	}
}

func (sm *ConnectionStateMachine) handleEvent(ev event) {
	switch ev.kind {
	case evConnInit:
		sm.log.Debug("connection init", "container_id", sm.engine.ContainerID())

	case evConnLocalOpen:
		sm.onConnectionLocalOpen()

	case evConnLocalClose:
		sm.log.Debug("connection local close")
		sm.engine.FreeConnection()

	case evConnUnbound:
		if ch := sm.engine.Channel(); ch != nil && ch.IsActive() {
			ch.Close()
		}

	case evConnFinal:
		sm.onConnectionFinal()

	case evSessionInit:
		sm.log.Debug("session init")

	case evSessionLocalOpen:
		sm.log.Debug("session local open")

	case evSessionLocalClose:
		sm.log.Debug("session local close")

	case evSessionFinal:
		sm.session.close()
		// Force transport cleanup so a connection-final always follows,
		// covering disconnection before any remote session open.
		sm.engine.EnsureCleanup()

	case evLinkLocalOpen:
		sm.onLinkLocalOpen(ev.link)

	case evLinkRemoteOpen:
		sm.log.Debug("link remote open", "address", ev.link.Address(), "name", ev.link.Name())

	case evLinkRemoteClose:
		sm.onLinkRemoteClose(ev.link)

	case evLinkFinal:
		sm.onLinkFinal(ev.link)

	case evLinkFlow:
		if ev.link.IsSender() && ev.link.Credit() > 0 {
			sm.transmitMessages(ev.link)
		}

	case evDelivery:
		sm.onDelivery(ev.link, ev.delivery)

	case evTransport:
		sm.flushOutput()

	case evTransportError:
		errorType := "unknown"
		if ev.condition != nil {
			sm.log.Warn("transport error", "condition", string(ev.condition.Condition), "description", ev.condition.Description)
			errorType = string(ev.condition.Condition)
		} else {
			sm.log.Warn("transport error with no condition")
		}
		if sm.metrics != nil {
			sm.metrics.RecordError(errorType)
		}
		sm.flushOutput()

	case evTransportHeadClosed:
		sm.engine.CloseTail()
		sm.flushOutput()

	case evTransportTailClosed:
		sm.engine.CloseHead()
		sm.flushOutput()

	case evTransportClosed:
		sm.engine.Unbind()

	default:
		sm.log.Warn("unhandled event", "event", ev.kind.String())
	}
}

func (sm *ConnectionStateMachine) onConnectionLocalOpen() {
	sm.log.Debug("connection local open")
	sess := sm.engine.OpenSession()
	if err := sm.session.init(sess); err != nil {
		sm.log.Warn("session state init failed", "error", err)
		return
	}
	// Pre-open senders for every address that queued before the session
	// became ready.
	for address := range sm.messageQueues {
		sm.getSender(address)
	}
}

func (sm *ConnectionStateMachine) onConnectionFinal() {
	sm.log.Debug("connection final, draining queues")

	for address, q := range sm.messageQueues {
		for _, msg := range q.Drain() {
			sm.completeMessage(msg, Rejected)
		}
		delete(sm.messageQueues, address)
	}
	for _, msg := range sm.unackedQueue.Drain() {
		sm.completeMessage(msg, Rejected)
	}

	sm.senders = make(map[string]*Link)
	sm.receivers = make(map[string]*Link)
	sm.session.close()

	if ch := sm.engine.Channel(); ch != nil && ch.IsActive() {
		ch.Close()
	}
	sm.engine.ClearChannel()
	sm.channel = nil

	if sm.metrics != nil {
		sm.metrics.RecordDisconnection()
	}
}

func (sm *ConnectionStateMachine) onLinkLocalOpen(link *Link) {
	if link.IsSender() {
		sm.senders[link.Address()] = link
		sm.transmitMessages(link)
		return
	}
	sm.receivers[link.Address()] = link
}

func (sm *ConnectionStateMachine) onLinkRemoteClose(link *Link) {
	cond := link.RemoteCondition()
	if cond == nil {
		sm.log.Debug("link remote close", "address", link.Address())
		return
	}

	// A missing description is a generic remote close; never dereference
	// it beyond logging.
	sm.log.Warn("link remote close with error",
		"address", link.Address(),
		"condition", string(cond.Condition),
		"description", cond.Description)

	if strings.Contains(cond.Description, createPermissionErrCode) {
		sm.handleRemoteCreatePermissionError(link.Address())
	}

	sm.engine.SetCondition(cond)
	sm.engine.CloseTail()
	sm.engine.PopOutput(max(0, sm.engine.Pending()))
	sm.engine.CloseHead()
}

// handleRemoteCreatePermissionError abandons every queued message for the
// address as acknowledged: the peer will never accept the address, and
// retrying forever would wedge the queue.
func (sm *ConnectionStateMachine) handleRemoteCreatePermissionError(address string) {
	sm.log.Warn("remote cannot create address, abandoning queue", "address", address)
	q := sm.messageQueues[address]
	if q == nil {
		return
	}
	for _, msg := range q.Drain() {
		sm.completeMessage(msg, Acknowledged)
	}
	delete(sm.messageQueues, address)
}

func (sm *ConnectionStateMachine) onLinkFinal(link *Link) {
	if link.IsSender() {
		if sm.senders[link.Address()] == link {
			delete(sm.senders, link.Address())
		}
		return
	}
	if sm.receivers[link.Address()] == link {
		delete(sm.receivers, link.Address())
	}
}

func (sm *ConnectionStateMachine) onDelivery(link *Link, d *Delivery) {
	if link.IsSender() {
		sm.onSenderDelivery(d)
		return
	}
	sm.onReceiverDelivery(link, d)
}

func (sm *ConnectionStateMachine) onSenderDelivery(d *Delivery) {
	msg, ok := d.Context.(*SendableMessage)
	if !ok {
		sm.log.Warn("settled delivery carries no message context")
		d.Settle()
		return
	}

	status := Rejected
	if d.RemotelySettled() {
		if _, accepted := d.RemoteState().(*performatives.Accepted); accepted {
			status = Acknowledged
		}
	}

	sm.unackedQueue.Remove(msg)
	sm.completeMessage(msg, status)
	d.Settle()
}

func (sm *ConnectionStateMachine) onReceiverDelivery(link *Link, d *Delivery) {
	if !d.Readable() || d.Partial() {
		return
	}

	decoded, err := decodeMessage(d.Payload())
	if err != nil {
		sm.log.Error("inbound message decode failed", "address", link.Address(), "error", err)
		sm.engine.settleReceived(d, false)
		return
	}

	props := make(map[string]any, len(decoded.ApplicationProperties)+1)
	for k, v := range decoded.ApplicationProperties {
		props[k] = v
	}
	props[ValidatedUserKey] = sm.cfg.RemoteLegalName

	ch := sm.engine.Channel()
	if ch == nil || !ch.IsActive() {
		// Nobody upstream: reject and settle in place.
		sm.log.Warn("no channel attached, rejecting inbound delivery", "address", link.Address())
		sm.engine.settleReceived(d, false)
		return
	}

	rm := &ReceivedMessage{
		Payload:         decoded.Payload(),
		Topic:           link.Address(),
		RemoteLegalName: sm.cfg.RemoteLegalName,
		RemoteAddress:   ch.RemoteAddr(),
		LocalLegalName:  sm.cfg.LocalLegalName,
		LocalAddress:    ch.LocalAddr(),
		Properties:      props,
		Delivery:        d,
	}
	if err := ch.Write(rm); err != nil {
		sm.log.Error("upstream delivery failed", "address", link.Address(), "error", err)
		sm.engine.settleReceived(d, false)
		return
	}
	if link.current == d {
		link.Advance()
	}
	if sm.metrics != nil {
		sm.metrics.RecordMessageReceived(int64(len(rm.Payload)))
	}
}

// flushOutput is the generic transport-progress path: pending frames are
// handed to the socket channel for draining; a fully closed transport gets
// the same cleanup as transport-closed.
func (sm *ConnectionStateMachine) flushOutput() {
	ch := sm.engine.Channel()
	if ch != nil && ch.IsActive() {
		if n := sm.engine.Pending(); n > 0 {
			if err := ch.Write(sm.engine); err != nil {
				sm.log.Warn("channel write failed", "error", err)
			}
		}
	}
	if sm.engine.Closed() {
		sm.engine.Unbind()
	}
}
