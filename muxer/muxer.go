// Package muxer implements the L5 channel multiplexing layer: a local
// channel table, open/confirm/fail, windowed flow control, data/extended-data
// delivery, the EOF/CLOSE half-close state machine, and a channel-type
// registry that plugs in concrete channel behaviors (session/PTY,
// direct-tcpip, ...).
//
// Grounded on the Dropbear-derived original_source/src/channel.h's
// Channel/ChanType shapes, realized in Go as one goroutine-safe Channel
// object per slot instead of raw file descriptors pumped by select() —
// the growth-increment table, the four SSH_OPEN_* failure reasons, and
// the sent_close/recv_close/sent_eof/recv_eof bookkeeping all carry over
// directly from there.
package muxer

import (
	"sync"

	"github.com/pkg/errors"

	"blitter.com/go/xssh/transport"
	"blitter.com/go/xssh/wire"
)

// chanExtendSize is the table growth increment, matching channel.h's
// CHAN_EXTEND_SIZE.
const chanExtendSize = 3

// maxChannels is the compile-time cap on open channels; beyond it,
// CHANNEL_OPEN replies with OpenResourceShortage (spec.md's resource
// exhaustion policy).
const maxChannels = 256

// extendedDataStderr is the only data_type_code this core accepts on
// SSH_MSG_CHANNEL_EXTENDED_DATA (RFC 4254 §5.2).
const extendedDataStderr = 1

// OpenFailureReason is one of the four SSH_OPEN_* codes channel.h defines.
type OpenFailureReason uint32

const (
	OpenAdministrativelyProhibited OpenFailureReason = 1
	OpenConnectFailed              OpenFailureReason = 2
	OpenUnknownChannelType         OpenFailureReason = 3
	OpenResourceShortage           OpenFailureReason = 4
)

func (r OpenFailureReason) String() string {
	switch r {
	case OpenAdministrativelyProhibited:
		return "administratively prohibited"
	case OpenConnectFailed:
		return "connect failed"
	case OpenUnknownChannelType:
		return "unknown channel type"
	case OpenResourceShortage:
		return "resource shortage"
	default:
		return "unknown reason"
	}
}

// packetConn is the subset of *transport.Conn the muxer depends on; kept
// narrow so tests can fake it without a real transport handshake.
type packetConn interface {
	WritePacket(payload []byte) error
}

// Mux owns the local channel table and the peer-facing wire encoding for
// every SSH_MSG_CHANNEL_* and SSH_MSG_GLOBAL_REQUEST/_SUCCESS/_FAILURE
// message. Dispatching an inbound packet to the right handler is the
// session package's job (§4.5); Mux.Dispatch is the single entry point it
// calls.
type Mux struct {
	conn  packetConn
	types Registry

	mu    sync.Mutex
	slots []*Channel // dense array; nil means free, mirrors channel.h's table

	pendingOpens  map[uint32]chan openOutcome
	globalWaiters []chan globalOutcome
	globalMu      sync.Mutex

	rekeyMu   sync.Mutex
	rekeyGate chan struct{} // non-nil while a KEX is in flight; closed on completion

	// GlobalHandler, when set, answers inbound SSH_MSG_GLOBAL_REQUEST
	// (e.g. "tcpip-forward"). Nil means every global request fails —
	// this core does no listen-side forwarding unless a caller wires one
	// in explicitly (see cmd/xsshd).
	GlobalHandler GlobalRequestHandler
}

// NewMux builds a Mux that writes outbound frames through conn and
// dispatches inbound CHANNEL_OPEN requests to types.
func NewMux(conn packetConn, types Registry) *Mux {
	return &Mux{
		conn:         conn,
		types:        types,
		pendingOpens: make(map[uint32]chan openOutcome),
	}
}

// BeginRekey blocks channel.write's outbound CHANNEL_DATA/EXTENDED_DATA
// frames until EndRekey, mirroring Dropbear's dataallowed gate: the
// session goroutine's hs.Run() reads raw packets expecting only KEX
// messages while a rekey is in flight, so a pump goroutine's
// WritePacket must not interleave with it (spec.md's rekey state
// machine, invariant 7).
func (m *Mux) BeginRekey() {
	m.rekeyMu.Lock()
	m.rekeyGate = make(chan struct{})
	m.rekeyMu.Unlock()
}

// EndRekey reopens the gate BeginRekey closed, releasing any writers
// that blocked on it.
func (m *Mux) EndRekey() {
	m.rekeyMu.Lock()
	gate := m.rekeyGate
	m.rekeyGate = nil
	m.rekeyMu.Unlock()
	if gate != nil {
		close(gate)
	}
}

func (m *Mux) waitForRekey() {
	m.rekeyMu.Lock()
	gate := m.rekeyGate
	m.rekeyMu.Unlock()
	if gate != nil {
		<-gate
	}
}

// allocSlot finds or grows a free table slot and returns its index,
// per channel.h's "grows by CHAN_EXTEND_SIZE on exhaustion" policy.
func (m *Mux) allocSlot(ch *Channel) (uint32, error) {
	for i, s := range m.slots {
		if s == nil {
			m.slots[i] = ch
			return uint32(i), nil
		}
	}
	if len(m.slots) >= maxChannels {
		return 0, errResourceShortage
	}
	grow := chanExtendSize
	if len(m.slots)+grow > maxChannels {
		grow = maxChannels - len(m.slots)
	}
	idx := len(m.slots)
	m.slots = append(m.slots, make([]*Channel, grow)...)
	m.slots[idx] = ch
	return uint32(idx), nil
}

var errResourceShortage = errors.New("muxer: channel table at capacity")

func (m *Mux) freeSlot(idx uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(idx) < len(m.slots) {
		m.slots[idx] = nil
	}
}

func (m *Mux) getChannel(idx uint32) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(idx) >= len(m.slots) || m.slots[idx] == nil {
		return nil, false
	}
	return m.slots[idx], true
}

// Dispatch routes one already-decrypted transport payload by its leading
// message-number byte. Unrecognized channel numbers or malformed frames
// are protocol errors per spec.md's "protocol violations on an existing
// channel are fatal to the session" — Dispatch returns them rather than
// silently dropping.
func (m *Mux) Dispatch(payload []byte) error {
	if len(payload) == 0 {
		return transport.ErrProtocol
	}
	switch payload[0] {
	case transport.MsgChannelOpen:
		return m.handleOpen(payload[1:])
	case transport.MsgChannelOpenConfirmation:
		return m.handleOpenConfirmation(payload[1:])
	case transport.MsgChannelOpenFailure:
		return m.handleOpenFailure(payload[1:])
	case transport.MsgChannelWindowAdjust:
		return m.handleWindowAdjust(payload[1:])
	case transport.MsgChannelData:
		return m.handleData(payload[1:])
	case transport.MsgChannelExtendedData:
		return m.handleExtendedData(payload[1:])
	case transport.MsgChannelEOF:
		return m.handleEOF(payload[1:])
	case transport.MsgChannelClose:
		return m.handleClose(payload[1:])
	case transport.MsgChannelRequest:
		return m.handleRequest(payload[1:])
	case transport.MsgChannelSuccess:
		return m.handleRequestReply(payload[1:], true)
	case transport.MsgChannelFailure:
		return m.handleRequestReply(payload[1:], false)
	case transport.MsgGlobalRequest:
		return m.handleGlobalRequest(payload[1:])
	case transport.MsgRequestSuccess:
		return m.handleGlobalReply(payload[1:], true)
	case transport.MsgRequestFailure:
		return m.handleGlobalReply(payload[1:], false)
	default:
		return transport.ErrProtocol
	}
}

type openOutcome struct {
	confirmed     bool
	remote        uint32
	initWindow    uint32
	maxPacket     uint32
	reason        OpenFailureReason
	description   string
}

// OpenChannel sends CHANNEL_OPEN for a locally-initiated channel and
// blocks for the peer's CONFIRMATION or FAILURE, per spec.md's "Open
// (outbound)" paragraph.
func (m *Mux) OpenChannel(typeName string, initWindow, maxPacket uint32, extra []byte) (*Channel, error) {
	ch := newChannel(m, typeName, initWindow, maxPacket)

	m.mu.Lock()
	idx, err := m.allocSlot(ch)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	ch.index = idx
	wait := make(chan openOutcome, 1)
	m.pendingOpens[idx] = wait
	m.mu.Unlock()

	b := wire.New(256 + len(extra))
	b.PutString([]byte(typeName))
	b.PutUint32(idx)
	b.PutUint32(initWindow)
	b.PutUint32(maxPacket)
	b.PutBytes(extra)
	if err := m.conn.WritePacket(append([]byte{transport.MsgChannelOpen}, b.Bytes()...)); err != nil {
		m.freeSlot(idx)
		return nil, err
	}

	outcome := <-wait
	if !outcome.confirmed {
		m.freeSlot(idx)
		return nil, errors.Errorf("muxer: channel open refused: %s: %s", outcome.reason, outcome.description)
	}
	ch.remote = outcome.remote
	ch.transWindow = outcome.initWindow
	ch.transMaxPacket = outcome.maxPacket
	return ch, nil
}

func (m *Mux) handleOpen(payload []byte) error {
	b := wire.NewFromBytes(payload)
	typeName := string(b.GetString())
	senderChan := b.GetUint32()
	initWindow := b.GetUint32()
	maxPacket := b.GetUint32()
	extra := b.GetBytes(b.Remaining())

	chanType, ok := m.types[typeName]
	if !ok {
		return m.sendOpenFailure(senderChan, OpenUnknownChannelType, "unknown channel type")
	}

	ch := newChannel(m, typeName, defaultRecvWindow, defaultRecvMaxPacket)
	ch.remote = senderChan
	ch.transWindow = initWindow
	ch.transMaxPacket = maxPacket
	ch.chanType = chanType

	m.mu.Lock()
	idx, err := m.allocSlot(ch)
	m.mu.Unlock()
	if err != nil {
		return m.sendOpenFailure(senderChan, OpenResourceShortage, "channel table full")
	}
	ch.index = idx

	if chanType.Init != nil {
		if err := chanType.Init(ch, extra); err != nil {
			m.freeSlot(idx)
			return m.sendOpenFailure(senderChan, OpenConnectFailed, err.Error())
		}
	}

	rb := wire.New(64)
	rb.PutUint32(ch.remote)
	rb.PutUint32(ch.index)
	rb.PutUint32(ch.recvWindow)
	rb.PutUint32(ch.recvMaxPacket)
	return m.conn.WritePacket(append([]byte{transport.MsgChannelOpenConfirmation}, rb.Bytes()...))
}

func (m *Mux) sendOpenFailure(remote uint32, reason OpenFailureReason, desc string) error {
	b := wire.New(128 + len(desc))
	b.PutUint32(remote)
	b.PutUint32(uint32(reason))
	b.PutString([]byte(desc))
	b.PutString(nil)
	return m.conn.WritePacket(append([]byte{transport.MsgChannelOpenFailure}, b.Bytes()...))
}

func (m *Mux) handleOpenConfirmation(payload []byte) error {
	b := wire.NewFromBytes(payload)
	localIdx := b.GetUint32()
	senderChan := b.GetUint32()
	initWindow := b.GetUint32()
	maxPacket := b.GetUint32()

	m.mu.Lock()
	wait, ok := m.pendingOpens[localIdx]
	delete(m.pendingOpens, localIdx)
	m.mu.Unlock()
	if !ok {
		return transport.ErrProtocol
	}
	wait <- openOutcome{confirmed: true, remote: senderChan, initWindow: initWindow, maxPacket: maxPacket}
	return nil
}

func (m *Mux) handleOpenFailure(payload []byte) error {
	b := wire.NewFromBytes(payload)
	localIdx := b.GetUint32()
	reason := OpenFailureReason(b.GetUint32())
	desc := string(b.GetString())

	m.mu.Lock()
	wait, ok := m.pendingOpens[localIdx]
	delete(m.pendingOpens, localIdx)
	m.mu.Unlock()
	if !ok {
		return transport.ErrProtocol
	}
	wait <- openOutcome{confirmed: false, reason: reason, description: desc}
	return nil
}

func (m *Mux) handleWindowAdjust(payload []byte) error {
	b := wire.NewFromBytes(payload)
	idx := b.GetUint32()
	add := b.GetUint32()
	ch, ok := m.getChannel(idx)
	if !ok {
		return transport.ErrProtocol
	}
	ch.grantTransWindow(add)
	return nil
}

func (m *Mux) handleData(payload []byte) error {
	b := wire.NewFromBytes(payload)
	idx := b.GetUint32()
	data := b.GetString()
	ch, ok := m.getChannel(idx)
	if !ok {
		return transport.ErrProtocol
	}
	return ch.deliverData(data)
}

func (m *Mux) handleExtendedData(payload []byte) error {
	b := wire.NewFromBytes(payload)
	idx := b.GetUint32()
	code := b.GetUint32()
	data := b.GetString()
	ch, ok := m.getChannel(idx)
	if !ok {
		return transport.ErrProtocol
	}
	if code != extendedDataStderr {
		return transport.ErrProtocol
	}
	return ch.deliverExtendedData(data)
}

func (m *Mux) handleEOF(payload []byte) error {
	idx := wire.NewFromBytes(payload).GetUint32()
	ch, ok := m.getChannel(idx)
	if !ok {
		return transport.ErrProtocol
	}
	ch.handlePeerEOF()
	return nil
}

func (m *Mux) handleClose(payload []byte) error {
	idx := wire.NewFromBytes(payload).GetUint32()
	ch, ok := m.getChannel(idx)
	if !ok {
		return transport.ErrProtocol
	}
	return ch.handlePeerClose()
}

func (m *Mux) handleRequest(payload []byte) error {
	b := wire.NewFromBytes(payload)
	idx := b.GetUint32()
	reqType := string(b.GetString())
	wantReply := b.GetBool()
	data := b.GetBytes(b.Remaining())

	ch, ok := m.getChannel(idx)
	if !ok {
		return transport.ErrProtocol
	}

	ch.onRequestMu.Lock()
	onRequest := ch.onRequest
	ch.onRequestMu.Unlock()
	if onRequest != nil {
		onRequest(reqType, wantReply, data)
		return nil
	}

	if ch.chanType.HandleRequest == nil {
		if wantReply {
			return ch.reply(false)
		}
		return nil
	}
	ch.chanType.HandleRequest(ch, reqType, wantReply, data)
	return nil
}

func (m *Mux) handleRequestReply(payload []byte, success bool) error {
	idx := wire.NewFromBytes(payload).GetUint32()
	ch, ok := m.getChannel(idx)
	if !ok {
		return transport.ErrProtocol
	}
	ch.deliverRequestReply(success)
	return nil
}

type globalOutcome struct {
	success bool
	data    []byte
}

// GlobalRequest sends SSH_MSG_GLOBAL_REQUEST. When wantReply, it blocks
// for the matching SUCCESS/FAILURE (global requests are answered in FIFO
// order per RFC 4254 §4).
func (m *Mux) GlobalRequest(name string, wantReply bool, data []byte) (bool, []byte, error) {
	b := wire.New(64 + len(data))
	b.PutString([]byte(name))
	b.PutBool(wantReply)
	b.PutBytes(data)

	var wait chan globalOutcome
	if wantReply {
		wait = make(chan globalOutcome, 1)
		m.globalMu.Lock()
		m.globalWaiters = append(m.globalWaiters, wait)
		m.globalMu.Unlock()
	}
	if err := m.conn.WritePacket(append([]byte{transport.MsgGlobalRequest}, b.Bytes()...)); err != nil {
		return false, nil, err
	}
	if !wantReply {
		return true, nil, nil
	}
	out := <-wait
	return out.success, out.data, nil
}

// GlobalRequestHandler answers an inbound SSH_MSG_GLOBAL_REQUEST, e.g.
// "tcpip-forward". Returning ok=false sends REQUEST_FAILURE.
type GlobalRequestHandler func(name string, data []byte) (ok bool, replyData []byte)

func (m *Mux) handleGlobalRequest(payload []byte) error {
	b := wire.NewFromBytes(payload)
	name := string(b.GetString())
	wantReply := b.GetBool()
	data := b.GetBytes(b.Remaining())

	ok, replyData := false, []byte(nil)
	if m.GlobalHandler != nil {
		ok, replyData = m.GlobalHandler(name, data)
	}
	if !wantReply {
		return nil
	}
	if !ok {
		return m.conn.WritePacket([]byte{transport.MsgRequestFailure})
	}
	rb := wire.New(64 + len(replyData))
	rb.PutBytes(replyData)
	return m.conn.WritePacket(append([]byte{transport.MsgRequestSuccess}, rb.Bytes()...))
}

func (m *Mux) handleGlobalReply(payload []byte, success bool) error {
	m.globalMu.Lock()
	if len(m.globalWaiters) == 0 {
		m.globalMu.Unlock()
		return transport.ErrProtocol
	}
	wait := m.globalWaiters[0]
	m.globalWaiters = m.globalWaiters[1:]
	m.globalMu.Unlock()
	wait <- globalOutcome{success: success, data: payload}
	return nil
}
