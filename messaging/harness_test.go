// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/help-lixin/corda/amqp/frames"
	"github.com/help-lixin/corda/amqp/performatives"
	"github.com/help-lixin/corda/amqp/sasl"
	"github.com/help-lixin/corda/amqp/types"
)

const (
	aliceName = "O=Alice Corp, L=Madrid, C=ES"
	bobName   = "O=Bob Ltd, L=Oslo, C=NO"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeChannel buffers everything the state machine writes: engine output
// bytes for the scripted peer, received messages for assertions.
type fakeChannel struct {
	out      bytes.Buffer
	received []*ReceivedMessage
	closed   bool
}

func (c *fakeChannel) Write(item any) error {
	switch v := item.(type) {
	case *Engine:
		c.out.Write(v.TakeOutput())
		return nil
	case *ReceivedMessage:
		c.received = append(c.received, v)
		return nil
	default:
		return nil
	}
}

func (c *fakeChannel) Flush() error { return nil }

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func (c *fakeChannel) IsActive() bool { return !c.closed }

func (c *fakeChannel) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 10001}
}

func (c *fakeChannel) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 10002}
}

func (c *fakeChannel) takeOutput() []byte {
	if c.out.Len() == 0 {
		return nil
	}
	b := append([]byte(nil), c.out.Bytes()...)
	c.out.Reset()
	return b
}

type peerTransfer struct {
	transfer *performatives.Transfer
	payload  []byte
}

// testPeer is a scripted remote endpoint. It answers the handshake
// automatically and records every performative; credit grants, transfers
// and settlements are driven explicitly by the test.
type testPeer struct {
	t          *testing.T
	clientRole bool // true: the peer dials into a server-mode state machine

	asm   frames.Assembler
	phase int // 0 sasl header, 1 sasl, 2 amqp header, 3 open
	toSM  bytes.Buffer

	opens        []*performatives.Open
	begins       []*performatives.Begin
	attaches     []*performatives.Attach
	flows        []*performatives.Flow
	transfers    []peerTransfer
	dispositions []*performatives.Disposition
	detaches     []*performatives.Detach
	ends         []*performatives.End
	closes       []*performatives.Close
	saslInit     *sasl.Init
	heartbeats   int

	peerHandles    map[string]uint32
	nextHandle     uint32
	nextDeliveryID uint32
}

func newTestPeer(t *testing.T, clientRole bool) *testPeer {
	p := &testPeer{
		t:           t,
		clientRole:  clientRole,
		peerHandles: make(map[string]uint32),
	}
	if clientRole {
		p.toSM.Write(frames.ProtocolHeader(frames.ProtoIDSASL))
	}
	return p
}

func (p *testPeer) takeQueued() []byte {
	if p.toSM.Len() == 0 {
		return nil
	}
	b := append([]byte(nil), p.toSM.Bytes()...)
	p.toSM.Reset()
	return b
}

func (p *testPeer) ingest(b []byte) {
	p.asm.Feed(b)
	for {
		switch p.phase {
		case 0:
			id, ok, err := p.asm.TakeProtocolHeader()
			require.NoError(p.t, err)
			if !ok {
				return
			}
			require.Equal(p.t, frames.ProtoIDSASL, id)
			if !p.clientRole {
				p.toSM.Write(frames.ProtocolHeader(frames.ProtoIDSASL))
				p.queueSASL(&sasl.Mechanisms{Mechanisms: []types.Symbol{sasl.MechPLAIN, sasl.MechANONYMOUS}})
			}
			p.phase = 1

		case 1:
			f, err := p.asm.TakeFrame(0)
			require.NoError(p.t, err)
			if f == nil {
				return
			}
			desc, val, err := sasl.Decode(f.Body)
			require.NoError(p.t, err)
			if p.clientRole {
				switch desc {
				case sasl.DescriptorMechanisms:
					p.queueSASL(&sasl.Init{Mechanism: sasl.MechANONYMOUS})
				case sasl.DescriptorOutcome:
					require.Equal(p.t, sasl.CodeOK, val.(*sasl.Outcome).Code)
					p.toSM.Write(frames.ProtocolHeader(frames.ProtoIDAMQP))
					p.phase = 2
				}
			} else {
				require.Equal(p.t, sasl.DescriptorInit, desc)
				p.saslInit = val.(*sasl.Init)
				p.queueSASL(&sasl.Outcome{Code: sasl.CodeOK})
				p.phase = 2
			}

		case 2:
			id, ok, err := p.asm.TakeProtocolHeader()
			require.NoError(p.t, err)
			if !ok {
				return
			}
			require.Equal(p.t, frames.ProtoIDAMQP, id)
			if p.clientRole {
				p.queuePerformative(0, &performatives.Open{
					ContainerID:  "test-peer",
					MaxFrameSize: 131072,
					IdleTimeOut:  10000,
				})
				p.queuePerformative(0, &performatives.Begin{
					IncomingWindow: 65535,
					OutgoingWindow: 65535,
					HandleMax:      255,
				})
			} else {
				p.toSM.Write(frames.ProtocolHeader(frames.ProtoIDAMQP))
			}
			p.phase = 3

		case 3:
			f, err := p.asm.TakeFrame(0)
			require.NoError(p.t, err)
			if f == nil {
				return
			}
			if f.IsEmpty() {
				p.heartbeats++
				continue
			}
			desc, perf, payload, err := performatives.Decode(f.Body)
			require.NoError(p.t, err)
			p.handlePerformative(f.Channel, desc, perf, payload)
		}
	}
}

func (p *testPeer) handlePerformative(ch uint16, desc uint64, perf any, payload []byte) {
	switch desc {
	case performatives.DescriptorOpen:
		p.opens = append(p.opens, perf.(*performatives.Open))
		if !p.clientRole {
			p.queuePerformative(0, &performatives.Open{
				ContainerID:  "test-peer",
				MaxFrameSize: 131072,
				IdleTimeOut:  10000,
			})
		}
	case performatives.DescriptorBegin:
		p.begins = append(p.begins, perf.(*performatives.Begin))
		if !p.clientRole {
			remoteCh := ch
			p.queuePerformative(0, &performatives.Begin{
				RemoteChannel:  &remoteCh,
				IncomingWindow: 65535,
				OutgoingWindow: 65535,
				HandleMax:      255,
			})
		}
	case performatives.DescriptorAttach:
		a := perf.(*performatives.Attach)
		p.attaches = append(p.attaches, a)
		if _, known := p.peerHandles[a.Name]; a.Role == performatives.RoleSender && !known {
			// The state machine opened a sender: echo the receiver end.
			// Links the peer itself initiated are only recorded.
			h := p.allocHandle()
			p.peerHandles[a.Name] = h
			p.queuePerformative(0, &performatives.Attach{
				Name:   a.Name,
				Handle: h,
				Role:   performatives.RoleReceiver,
				Source: a.Source,
				Target: a.Target,
			})
		}
	case performatives.DescriptorFlow:
		p.flows = append(p.flows, perf.(*performatives.Flow))
	case performatives.DescriptorTransfer:
		p.transfers = append(p.transfers, peerTransfer{perf.(*performatives.Transfer), payload})
	case performatives.DescriptorDisposition:
		p.dispositions = append(p.dispositions, perf.(*performatives.Disposition))
	case performatives.DescriptorDetach:
		p.detaches = append(p.detaches, perf.(*performatives.Detach))
	case performatives.DescriptorEnd:
		p.ends = append(p.ends, perf.(*performatives.End))
	case performatives.DescriptorClose:
		p.closes = append(p.closes, perf.(*performatives.Close))
	}
}

func (p *testPeer) allocHandle() uint32 {
	h := p.nextHandle
	p.nextHandle++
	return h
}

func (p *testPeer) queuePerformative(ch uint16, enc interface{ Encode() ([]byte, error) }) {
	body, err := enc.Encode()
	require.NoError(p.t, err)
	p.toSM.Write(frames.AppendFrame(nil, frames.FrameTypeAMQP, ch, body))
}

func (p *testPeer) queueSASL(enc interface{ Encode() ([]byte, error) }) {
	body, err := enc.Encode()
	require.NoError(p.t, err)
	p.toSM.Write(frames.AppendFrame(nil, frames.FrameTypeSASL, 0, body))
}

// grantCredit issues link credit for the named link the state machine
// attached as sender.
func (p *testPeer) grantCredit(linkName string, credit uint32) {
	handle, ok := p.peerHandles[linkName]
	require.True(p.t, ok, "no handle recorded for link %s", linkName)
	p.queuePerformative(0, &performatives.Flow{
		IncomingWindow: 65535,
		OutgoingWindow: 65535,
		Handle:         &handle,
		LinkCredit:     &credit,
	})
}

func (p *testPeer) sendDisposition(first uint32, settled bool, state any) {
	p.queuePerformative(0, &performatives.Disposition{
		Role:    performatives.RoleReceiver,
		First:   first,
		Settled: settled,
		State:   state,
	})
}

// attachSender opens a peer-side sender link towards the state machine and
// returns its name.
func (p *testPeer) attachSender(address string) string {
	name := "peer-" + address
	h := p.allocHandle()
	p.peerHandles[name] = h
	snd := performatives.SndSettleUnsettled
	rcv := performatives.RcvSettleFirst
	p.queuePerformative(0, &performatives.Attach{
		Name:          name,
		Handle:        h,
		Role:          performatives.RoleSender,
		SndSettleMode: &snd,
		RcvSettleMode: &rcv,
		Source:        &performatives.Source{Address: address},
		Target:        &performatives.Target{Address: address},
	})
	return name
}

func (p *testPeer) sendTransfer(linkName string, payload []byte) uint32 {
	handle, ok := p.peerHandles[linkName]
	require.True(p.t, ok, "no handle recorded for link %s", linkName)
	id := p.nextDeliveryID
	p.nextDeliveryID++
	format := uint32(0)
	tr := &performatives.Transfer{
		Handle:        handle,
		DeliveryID:    &id,
		DeliveryTag:   []byte{byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id)},
		MessageFormat: &format,
	}
	body, err := tr.Encode()
	require.NoError(p.t, err)
	body = append(body, payload...)
	p.toSM.Write(frames.AppendFrame(nil, frames.FrameTypeAMQP, 0, body))
	return id
}

// attachCoordinator opens a peer-side receiver link with no usable
// terminus, the shape a transaction coordinator attach decodes to, and
// returns its name.
func (p *testPeer) attachCoordinator() string {
	name := "peer-coordinator"
	h := p.allocHandle()
	p.peerHandles[name] = h
	p.queuePerformative(0, &performatives.Attach{
		Name:   name,
		Handle: h,
		Role:   performatives.RoleReceiver,
	})
	return name
}

// sendCleanDetach closes a peer link without an error condition.
func (p *testPeer) sendCleanDetach(linkName string) {
	handle, ok := p.peerHandles[linkName]
	require.True(p.t, ok, "no handle recorded for link %s", linkName)
	p.queuePerformative(0, &performatives.Detach{
		Handle: handle,
		Closed: true,
	})
}

func (p *testPeer) sendDetach(linkName, description string) {
	handle, ok := p.peerHandles[linkName]
	require.True(p.t, ok, "no handle recorded for link %s", linkName)
	p.queuePerformative(0, &performatives.Detach{
		Handle: handle,
		Closed: true,
		Error: &performatives.Error{
			Condition:   performatives.ErrUnauthorizedAccess,
			Description: description,
		},
	})
}

func (p *testPeer) sendEnd() {
	p.queuePerformative(0, &performatives.End{})
}

func (p *testPeer) sendClose() {
	p.queuePerformative(0, &performatives.Close{})
}

// pump shuttles buffered bytes between the state machine and the peer
// until neither side makes progress.
func pump(t *testing.T, sm *ConnectionStateMachine, ch *fakeChannel, peer *testPeer) {
	t.Helper()
	for i := 0; i < 64; i++ {
		fromSM := ch.takeOutput()
		if len(fromSM) > 0 {
			peer.ingest(fromSM)
		}
		toSM := peer.takeQueued()
		if len(toSM) > 0 {
			sm.TransportProcessInput(toSM)
		}
		if len(fromSM) == 0 && len(toSM) == 0 {
			return
		}
	}
	t.Fatal("pump did not quiesce")
}

func clientConfig() *Config {
	return &Config{
		LocalLegalName:  aliceName,
		RemoteLegalName: bobName,
		MaxFrameSize:    131072,
		IdleTimeout:     10 * time.Second,
	}
}

func serverConfig() *Config {
	return &Config{
		ServerMode:      true,
		LocalLegalName:  bobName,
		RemoteLegalName: aliceName,
		MaxFrameSize:    131072,
		IdleTimeout:     10 * time.Second,
	}
}

// establishedClient returns a client-side state machine with the handshake
// completed against a scripted server peer.
func establishedClient(t *testing.T) (*ConnectionStateMachine, *fakeChannel, *testPeer) {
	t.Helper()
	ch := &fakeChannel{}
	sm := NewConnectionStateMachine(clientConfig(), ch, discardLogger(), nil)
	peer := newTestPeer(t, false)
	pump(t, sm, ch, peer)
	require.NotEmpty(t, peer.opens, "handshake never reached open")
	require.NotEmpty(t, peer.begins, "handshake never reached begin")
	return sm, ch, peer
}
