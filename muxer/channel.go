package muxer

import (
	"io"
	"sync"

	"blitter.com/go/xssh/transport"
	"blitter.com/go/xssh/wire"
)

// defaultRecvWindow/defaultRecvMaxPacket size this core's own advertised
// receive side on inbound opens; spec.md leaves the exact numbers
// implementation-defined, so these match the teacher's own per-connection
// buffer sizing conventions (generous enough that a shell session never
// stalls on window exhaustion under ordinary interactive use).
const (
	defaultRecvWindow    = 1 << 20
	defaultRecvMaxPacket = 1 << 15
)

// Channel is one multiplexed SSH channel: an io.ReadWriteCloser-shaped
// data path plus Stderr()/SendRequest()/window-adjust bookkeeping. Every
// field touched from more than one goroutine (the Dispatch reader
// goroutine and whatever goroutine calls Read/Write/Close) is guarded by
// mu or communicated over a channel — mirroring channel.h's Channel
// struct, translated from select()-driven single-threadedness into Go's
// goroutine+channel idiom the way hkexnet/hkextun.go bridges a tunnel's
// local fd to the wire with a pair of pump goroutines.
type Channel struct {
	mux      *Mux
	typeName string
	chanType ChanType

	index  uint32 // local index; what peer's *_channel fields must name us by
	remote uint32 // peer's index; what we must name the peer by

	mu                sync.Mutex
	recvWindow        uint32
	recvMaxPacket     uint32
	initialRecvWindow uint32 // recvWindow at newChannel time; the basis for maybeAdjustWindow's threshold
	recvDoneLen       uint32 // bytes delivered to the reader since the last WINDOW_ADJUST
	transWindow       uint32
	transMaxPacket    uint32

	sentEOF, recvEOF     bool
	sentClose, recvClose bool

	dataIn    chan []byte
	extDataIn chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	windowCh  chan struct{} // closed and replaced on every transWindow grant

	pendingReplies chan chan bool // FIFO of SendRequest(wantReply=true) waiters

	onRequestMu sync.Mutex
	onRequest   func(reqType string, wantReply bool, data []byte)

	readBuf    []byte // leftover from a dataIn chunk not fully consumed by Read
	extReadBuf []byte
}

func newChannel(m *Mux, typeName string, recvWindow, recvMaxPacket uint32) *Channel {
	return &Channel{
		mux:               m,
		typeName:          typeName,
		recvWindow:        recvWindow,
		recvMaxPacket:     recvMaxPacket,
		initialRecvWindow: recvWindow,
		dataIn:            make(chan []byte, 16),
		extDataIn:         make(chan []byte, 16),
		closed:            make(chan struct{}),
	}
}

// Type returns the channel-type name CHANNEL_OPEN named ("session",
// "direct-tcpip", ...).
func (c *Channel) Type() string { return c.typeName }

// LocalID/RemoteID are the channel numbers exchanged on the wire.
func (c *Channel) LocalID() uint32  { return c.index }
func (c *Channel) RemoteID() uint32 { return c.remote }

// grantTransWindow applies a peer WINDOW_ADJUST, letting Write send more.
func (c *Channel) grantTransWindow(add uint32) {
	c.mu.Lock()
	c.transWindow += add
	notify := c.windowCh
	c.windowCh = nil
	c.mu.Unlock()
	if notify != nil {
		close(notify)
	}
}

func (c *Channel) deliverData(data []byte) error {
	c.mu.Lock()
	eof := c.recvEOF
	c.mu.Unlock()
	if eof {
		return transport.ErrProtocol
	}
	if err := c.accountRecv(uint32(len(data))); err != nil {
		return err
	}
	select {
	case c.dataIn <- data:
		return nil
	case <-c.closed:
		return nil
	}
}

func (c *Channel) deliverExtendedData(data []byte) error {
	c.mu.Lock()
	eof := c.recvEOF
	c.mu.Unlock()
	if eof {
		return transport.ErrProtocol
	}
	if err := c.accountRecv(uint32(len(data))); err != nil {
		return err
	}
	select {
	case c.extDataIn <- data:
		return nil
	case <-c.closed:
		return nil
	}
}

// accountRecv rejects data that overruns the window or the max packet
// size we advertised — RFC 4254 §5.2's "must not send more than the
// receive window" and "any amount up to the maximum packet size" are
// both MUSTs on the peer, so either violation here is a protocol
// error, not something to silently clamp.
func (c *Channel) accountRecv(n uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > c.recvMaxPacket {
		return transport.ErrProtocol
	}
	if n > c.recvWindow {
		return transport.ErrProtocol
	}
	c.recvWindow -= n
	return nil
}

// Read implements io.Reader over channel data, not extended data; use
// Stderr() for the extended-data stream (RFC 4254 §5.2's data_type_code 1).
func (c *Channel) Read(p []byte) (int, error) {
	return c.read(p, false)
}

// Stderr returns an io.Reader over this channel's extended-data stream.
func (c *Channel) Stderr() io.Reader { return stderrReader{c} }

type stderrReader struct{ c *Channel }

func (s stderrReader) Read(p []byte) (int, error) { return s.c.read(p, true) }

func (c *Channel) read(p []byte, ext bool) (int, error) {
	bufPtr, ch := &c.readBuf, c.dataIn
	if ext {
		bufPtr, ch = &c.extReadBuf, c.extDataIn
	}
	if len(*bufPtr) == 0 {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return 0, io.EOF
			}
			*bufPtr = chunk
		case <-c.closed:
			if len(*bufPtr) == 0 {
				return 0, io.EOF
			}
		}
	}
	n := copy(p, *bufPtr)
	*bufPtr = (*bufPtr)[n:]
	c.maybeAdjustWindow(uint32(n))
	return n, nil
}

// maybeAdjustWindow sends WINDOW_ADJUST once the reader has drained at
// least half of the *initial* receive window worth of data since the
// last grant, and grants back everything drained so far — with a
// 1024-byte initial window and 256-byte reads that is a WINDOW_ADJUST(512)
// after every second packet read.
func (c *Channel) maybeAdjustWindow(n uint32) {
	c.mu.Lock()
	c.recvDoneLen += n
	threshold := c.initialRecvWindow / 2
	if threshold == 0 {
		threshold = 1
	}
	if c.recvDoneLen < threshold {
		c.mu.Unlock()
		return
	}
	grant := c.recvDoneLen
	c.recvWindow += grant
	c.recvDoneLen = 0
	remote := c.remote
	c.mu.Unlock()

	b := wire.New(8)
	b.PutUint32(remote)
	b.PutUint32(grant)
	_ = c.mux.conn.WritePacket(append([]byte{transport.MsgChannelWindowAdjust}, b.Bytes()...))
}

// Write implements io.Writer, splitting into transMaxPacket-sized frames
// and blocking until the peer's transWindow has room (RFC 4254 §5.2).
// Each frame also waits on the mux's rekey gate (see Mux.BeginRekey) so
// it never races a KEX in flight on the same connection.
func (c *Channel) Write(p []byte) (int, error) {
	return c.write(p, false, 0)
}

// WriteExtended sends on the extended-data stream with the given
// data_type_code (only extendedDataStderr is meaningful to this core's
// peers, but the code is caller-supplied per RFC 4254 §5.2).
func (c *Channel) WriteExtended(p []byte, code uint32) (int, error) {
	return c.write(p, true, code)
}

func (c *Channel) write(p []byte, ext bool, code uint32) (int, error) {
	total := 0
	for len(p) > 0 {
		c.mu.Lock()
		if c.sentEOF || c.sentClose {
			c.mu.Unlock()
			return total, io.ErrClosedPipe
		}
		for c.transWindow == 0 {
			c.mu.Unlock()
			select {
			case <-c.closed:
				return total, io.ErrClosedPipe
			default:
				c.waitForWindowOrClose()
			}
			c.mu.Lock()
		}
		n := uint32(len(p))
		if n > c.transWindow {
			n = c.transWindow
		}
		if n > c.transMaxPacket {
			n = c.transMaxPacket
		}
		c.transWindow -= n
		remote := c.remote
		c.mu.Unlock()

		c.mux.waitForRekey()

		chunk := p[:n]
		b := wire.New(int(n) + 16)
		b.PutUint32(remote)
		if ext {
			b.PutUint32(code)
		}
		b.PutString(chunk)
		msgID := byte(transport.MsgChannelData)
		if ext {
			msgID = transport.MsgChannelExtendedData
		}
		if err := c.mux.conn.WritePacket(append([]byte{msgID}, b.Bytes()...)); err != nil {
			return total, err
		}
		total += int(n)
		p = p[n:]
	}
	return total, nil
}

// waitForWindowOrClose blocks on windowCh, a condition-variable
// substitute: grantTransWindow closes and clears it each time it adds to
// transWindow (windowNotify makes a fresh one), so a blocked Write can
// wake without polling.
func (c *Channel) waitForWindowOrClose() {
	c.mu.Lock()
	notify := c.windowNotify()
	c.mu.Unlock()
	select {
	case <-notify:
	case <-c.closed:
	}
}

func (c *Channel) windowNotify() chan struct{} {
	if c.windowCh == nil {
		c.windowCh = make(chan struct{})
	}
	return c.windowCh
}

// OnRequest installs a handler for CHANNEL_REQUESTs arriving on a
// locally-opened channel (one returned by Mux.OpenChannel), which has no
// ChanType.HandleRequest of its own since it was never looked up from the
// inbound-open Registry. The client side uses this to observe the
// "exit-status" request chantype/ptysession's start() sends once the
// remote command exits.
func (c *Channel) OnRequest(fn func(reqType string, wantReply bool, data []byte)) {
	c.onRequestMu.Lock()
	c.onRequest = fn
	c.onRequestMu.Unlock()
}

// SendRequest sends SSH_MSG_CHANNEL_REQUEST and, if wantReply, blocks for
// the matching SUCCESS/FAILURE.
func (c *Channel) SendRequest(reqType string, wantReply bool, data []byte) (bool, error) {
	b := wire.New(64 + len(data))
	b.PutUint32(c.remote)
	b.PutString([]byte(reqType))
	b.PutBool(wantReply)
	b.PutBytes(data)

	var wait chan bool
	if wantReply {
		wait = make(chan bool, 1)
		c.mu.Lock()
		if c.pendingReplies == nil {
			c.pendingReplies = make(chan chan bool, 16)
		}
		c.pendingReplies <- wait
		c.mu.Unlock()
	}
	if err := c.mux.conn.WritePacket(append([]byte{transport.MsgChannelRequest}, b.Bytes()...)); err != nil {
		return false, err
	}
	if !wantReply {
		return true, nil
	}
	return <-wait, nil
}

func (c *Channel) deliverRequestReply(success bool) {
	c.mu.Lock()
	if c.pendingReplies == nil || len(c.pendingReplies) == 0 {
		c.mu.Unlock()
		return
	}
	wait := <-c.pendingReplies
	c.mu.Unlock()
	wait <- success
}

// reply answers an inbound CHANNEL_REQUEST that asked for one.
func (c *Channel) reply(success bool) error {
	b := wire.New(4)
	b.PutUint32(c.remote)
	msgID := byte(transport.MsgChannelFailure)
	if success {
		msgID = transport.MsgChannelSuccess
	}
	return c.mux.conn.WritePacket(append([]byte{msgID}, b.Bytes()...))
}

// Reply lets a ChanType implementation answer a CHANNEL_REQUEST.
func (c *Channel) Reply(success bool) error { return c.reply(success) }

func (c *Channel) handlePeerEOF() {
	c.mu.Lock()
	already := c.recvEOF
	c.recvEOF = true
	c.mu.Unlock()
	if already {
		return
	}
	close(c.dataIn)
	close(c.extDataIn)
}

// handlePeerClose completes the half-close dance: if we already sent our
// own CLOSE, the channel is fully torn down and freed; otherwise we must
// still answer with our own CLOSE (RFC 4254 §5.3).
func (c *Channel) handlePeerClose() error {
	c.mu.Lock()
	c.recvClose = true
	alreadySent := c.sentClose
	c.mu.Unlock()

	if !alreadySent {
		if err := c.sendClose(); err != nil {
			return err
		}
	}
	c.teardown()
	return nil
}

func (c *Channel) sendClose() error {
	c.mu.Lock()
	if c.sentClose {
		c.mu.Unlock()
		return nil
	}
	c.sentClose = true
	remote := c.remote
	c.mu.Unlock()

	b := wire.New(4)
	b.PutUint32(remote)
	return c.mux.conn.WritePacket(append([]byte{transport.MsgChannelClose}, b.Bytes()...))
}

// CloseWrite sends EOF without closing the channel for reading, the
// half-close RFC 4254 §5.3 documents for e.g. a shell's stdin pipe.
func (c *Channel) CloseWrite() error {
	c.mu.Lock()
	if c.sentEOF {
		c.mu.Unlock()
		return nil
	}
	c.sentEOF = true
	remote := c.remote
	c.mu.Unlock()

	b := wire.New(4)
	b.PutUint32(remote)
	return c.mux.conn.WritePacket(append([]byte{transport.MsgChannelEOF}, b.Bytes()...))
}

// Close sends CLOSE (if not already sent) and tears down local state once
// both directions have closed.
func (c *Channel) Close() error {
	if err := c.sendClose(); err != nil {
		return err
	}
	c.mu.Lock()
	bothClosed := c.recvClose
	c.mu.Unlock()
	if bothClosed {
		c.teardown()
	}
	return nil
}

func (c *Channel) teardown() {
	c.closeOnce.Do(func() {
		if c.chanType.Close != nil {
			c.chanType.Close(c)
		}
		close(c.closed)
		c.mux.freeSlot(c.index)
	})
}
