// Package session implements the L4 cooperative event loop per spec.md
// §4.5: one goroutine per connection, driving everything — transport
// reads, KEX/rekey, auth dispatch, and channel/global-request dispatch —
// serially, exactly like Dropbear's single-threaded select() loop.
//
// Grounded on _examples/isgasho-xs/hkexshd/hkexshd.go's main() accept
// loop and its per-connection goroutine. Dropbear's select() with a
// timeout against rekey/keepalive/idle deadlines is realized here with
// Conn.SetReadDeadline plus a plain blocking ReadPacket call: a read
// that times out is the goroutine equivalent of select() returning with
// no fds ready, at which point the loop checks its timers and loops
// again. This keeps exactly one goroutine ever reading the connection,
// matching §5's "one connection = one event loop, no shared state"
// concurrency model — no reader-goroutine/handshake race to reason
// about, unlike a design that fans the read out over a channel. Channel
// pump goroutines (muxer.Channel.Write) do write concurrently with this
// loop, but rekey() and rekeyFromPeerInit() close Mux's rekey gate
// around hs.Run()/hs.RunRekey() — the Dropbear dataallowed pattern — so
// no CHANNEL_DATA frame is ever interleaved with a KEX exchange.
package session

import (
	stderrors "errors"
	"math/rand"
	"net"
	"time"

	"github.com/pkg/errors"

	"blitter.com/go/xssh/algo"
	"blitter.com/go/xssh/auth"
	"blitter.com/go/xssh/logger"
	"blitter.com/go/xssh/muxer"
	"blitter.com/go/xssh/transport"
	"blitter.com/go/xssh/wire"
)

// Config wires up one connection's policy: negotiated algorithms, host
// key material, accepted auth methods, and registered channel types. The
// core never hardcodes any of this — callers (cmd/xsshd, cmd/xssh) supply
// it, matching spec.md §6's "the core only calls through interfaces"
// boundary.
type Config struct {
	Registry   algo.Registry
	IsServer   bool
	Signer     transport.Signer        // required on the server side
	VerifyHost func(blob []byte) error // required on the client side

	AuthRegistry *auth.Registry
	ChanTypes    muxer.Registry

	// AuthCtx supplies the auth boundary's OS-facing dependencies
	// (shadow-file reads, account lookups). Nil defaults to auth.NewCtx();
	// tests substitute a Ctx with fake ReadFile/UserLookup functions, the
	// same seam the teacher's AuthCtx gave AuthUserByPasswd.
	AuthCtx *auth.Ctx

	// ClientAuth drives the client side's outbound USERAUTH_REQUESTs; nil
	// on the server side, required on the client side.
	ClientAuth *ClientAuth

	// GlobalHandler answers SSH_MSG_GLOBAL_REQUEST names this side
	// doesn't originate itself (e.g. a server answering
	// "keepalive@xssh"). May be nil.
	GlobalHandler muxer.GlobalRequestHandler

	// VersionComment is appended to this core's identification string.
	VersionComment string

	IdleTimeout        time.Duration // 0 disables idle disconnect
	KeepaliveInterval  time.Duration // 0 disables keepalive
	RekeyCheckInterval time.Duration

	// ChaffEnabled starts a background goroutine, once auth completes,
	// that sends SSH_MSG_IGNORE packets of random size at randomized
	// intervals to obscure real traffic's timing and size. A passive
	// observer otherwise learns a great deal from packet timing alone
	// (an interactive shell's keystroke-echo rhythm, a file transfer's
	// steady burst) even through the L2 cipher.
	ChaffEnabled bool
	// ChaffFreqMin/Max bound the random interval between chaff packets.
	// Zero defaults to 100ms/5s, the teacher's own defaults.
	ChaffFreqMin, ChaffFreqMax time.Duration
	// ChaffMaxBytes bounds each chaff packet's random payload size.
	// Zero defaults to 64.
	ChaffMaxBytes int
}

func (c Config) chaffFreqMin() time.Duration {
	if c.ChaffFreqMin <= 0 {
		return 100 * time.Millisecond
	}
	return c.ChaffFreqMin
}

func (c Config) chaffFreqMax() time.Duration {
	if c.ChaffFreqMax <= 0 {
		return 5 * time.Second
	}
	return c.ChaffFreqMax
}

func (c Config) chaffMaxBytes() int {
	if c.ChaffMaxBytes <= 0 {
		return 64
	}
	return c.ChaffMaxBytes
}

func (c Config) idleTimeout() time.Duration {
	if c.IdleTimeout <= 0 {
		return 0
	}
	return c.IdleTimeout
}

func (c Config) keepaliveInterval() time.Duration {
	if c.KeepaliveInterval <= 0 {
		return 0
	}
	return c.KeepaliveInterval
}

func (c Config) rekeyCheckInterval() time.Duration {
	if c.RekeyCheckInterval <= 0 {
		return 30 * time.Second
	}
	return c.RekeyCheckInterval
}

// ClientAuth is the client-side half of the auth boundary: Next is called
// once right after the first KEX, and again after every
// SSH_MSG_USERAUTH_FAILURE, until it returns ok=false (no more attempts
// left) or the server replies with SUCCESS. This mirrors the publickey
// probe-then-sign retry RFC 4252 §7 expects — a caller's Next can return
// the unsigned probe first, see it reflected back as a FAILURE that still
// lists "publickey" among the continuable methods, and retry signed.
type ClientAuth struct {
	Username string
	Service  string
	Next     func(remainingMethods []string, partialSuccess bool) (method string, methodData []byte, ok bool)
}

// Session drives one connection end to end: version exchange, first KEX,
// the auth boundary, and then the steady-state dispatch loop feeding the
// muxer.
type Session struct {
	cfg  Config
	conn *transport.Conn
	hs   *transport.Handshake
	mux  *muxer.Mux
	auth *auth.Session

	lastActivity      time.Time
	lastKeepaliveSent time.Time

	// authCompleted gates channel/global-request dispatch on both sides.
	// auth.Session.Done() only ever flips on the side that processes
	// incoming USERAUTH_REQUESTs (the server); the client learns of
	// completion from USERAUTH_SUCCESS instead, so the session tracks its
	// own side-agnostic flag rather than asking s.auth.
	authCompleted bool
	authComplete  chan error

	chaffStop chan struct{}
}

// New wraps conn (already past the bare TCP connect, cleartext) ready to
// run the handshake and session loop.
func New(cfg Config, conn *transport.Conn) *Session {
	mux := muxer.NewMux(conn, cfg.ChanTypes)
	mux.GlobalHandler = cfg.GlobalHandler

	return &Session{
		cfg:          cfg,
		conn:         conn,
		hs:           transport.NewHandshake(conn, cfg.Registry, cfg.IsServer),
		mux:          mux,
		authComplete: make(chan error, 1),
		chaffStop:    make(chan struct{}),
	}
}

// Mux exposes the channel multiplexer so callers can open outbound
// channels (client) or wait on inbound opens their ChanType.Init
// handlers were given (server) once the session is past auth.
func (s *Session) Mux() *muxer.Mux { return s.mux }

// Username returns the authenticated account name; only valid once Run
// has reported the auth boundary cleared to channel types it invokes.
func (s *Session) Username() string {
	if s.auth == nil {
		return ""
	}
	return s.auth.Username()
}

// AuthComplete returns a channel that receives once: nil on successful
// auth (server side: USERAUTH_SUCCESS sent; client side: USERAUTH_SUCCESS
// received), or an error if auth fails or the attempts are exhausted.
// Callers (cmd/xsshd, cmd/xssh) run Run in a goroutine and block on this
// before using Mux() to open or accept channels.
func (s *Session) AuthComplete() <-chan error { return s.authComplete }

// SessionID returns the frozen KEX session identifier (valid once Run has
// completed the first handshake), needed by a client's ClientAuth.Next to
// sign a "publickey" USERAUTH_REQUEST per RFC 4252 §7.
func (s *Session) SessionID() []byte {
	if s.hs == nil {
		return nil
	}
	return s.hs.State().SessionID
}

func (s *Session) signalAuthComplete(err error) {
	select {
	case s.authComplete <- err:
	default:
	}
}

// Run performs version exchange, the first KEX, and then the dispatch
// loop, returning when the connection ends: peer disconnect, idle
// timeout, or a fatal protocol error. rw is the raw byte stream
// (typically the net.Conn already wrapped by conn); it is used directly
// only for the version-string exchange, which runs before any cipher is
// installed.
func (s *Session) Run(rw net.Conn) error {
	local, remote, err := transport.ExchangeVersions(rw, s.cfg.VersionComment)
	if err != nil {
		return errors.Wrap(err, "session: version exchange")
	}
	s.hs.SetVersions(local, remote)
	s.hs.Signer = s.cfg.Signer
	s.hs.VerifyHost = s.cfg.VerifyHost

	if err := s.hs.Run(); err != nil {
		return errors.Wrap(err, "session: initial kex")
	}

	authCtx := s.cfg.AuthCtx
	if authCtx == nil {
		authCtx = auth.NewCtx()
	}
	authCtx.SessionID = s.hs.State().SessionID
	s.auth = auth.NewSession(authCtx, s.cfg.AuthRegistry)

	if !s.cfg.IsServer {
		if s.cfg.ClientAuth == nil || s.cfg.ClientAuth.Next == nil {
			return errors.New("session: client session requires ClientAuth.Next")
		}
		if err := s.sendNextAuthAttempt(nil, false); err != nil {
			return errors.Wrap(err, "session: sending initial auth request")
		}
	}

	s.lastActivity = time.Now()
	s.lastKeepaliveSent = time.Now()
	defer close(s.chaffStop)

	for {
		deadline := s.nextDeadline()
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return errors.Wrap(err, "session: setting read deadline")
		}

		payload, err := s.conn.ReadPacket()
		if err != nil {
			if isTimeout(err) {
				if action, terr := s.checkTimers(); terr != nil {
					return terr
				} else if action == actionDisconnected {
					return errors.New("session: idle timeout")
				}
				continue
			}
			return err
		}

		s.lastActivity = time.Now()
		if err := s.dispatchRecovered(payload); err != nil {
			if ferr, ok := err.(*transport.FatalError); ok {
				s.disconnect(ferr.Reason, ferr.Error())
			} else {
				s.conn.Close()
			}
			return err
		}
	}
}

// dispatchRecovered wraps dispatch with a panic recovery per §9's "panic
// only for true invariant violations" — a handler panic (a malformed
// channel-type extra field indexing past the end of a buffer, say) still
// produces a clean DISCONNECT instead of taking the whole process down.
func (s *Session) dispatchRecovered(payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = transport.NewFatalError(transport.DisconnectProtocolError, errors.Errorf("session: recovered panic: %v", r))
		}
	}()
	return s.dispatch(payload)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

// nextDeadline computes the earliest of the rekey-check, keepalive, and
// idle deadlines, per §4.5 step 2's select timeout.
func (s *Session) nextDeadline() time.Time {
	now := time.Now()
	deadline := now.Add(s.cfg.rekeyCheckInterval())
	if iv := s.cfg.keepaliveInterval(); iv > 0 {
		if d := s.lastKeepaliveSent.Add(iv); d.Before(deadline) {
			deadline = d
		}
	}
	if iv := s.cfg.idleTimeout(); iv > 0 {
		if d := s.lastActivity.Add(iv); d.Before(deadline) {
			deadline = d
		}
	}
	return deadline
}

type timerAction int

const (
	actionNone timerAction = iota
	actionDisconnected
)

// checkTimers runs §4.5 step 6 after a read-deadline expiry: idle
// disconnect first, then the rekey trigger, then the keepalive send.
func (s *Session) checkTimers() (timerAction, error) {
	now := time.Now()

	if iv := s.cfg.idleTimeout(); iv > 0 && now.Sub(s.lastActivity) >= iv {
		logger.Notice("session: idle timeout, disconnecting")
		s.disconnect(transport.DisconnectProtocolError, "idle timeout")
		return actionDisconnected, nil
	}

	if s.conn.NeedRekey() {
		if err := s.rekey(); err != nil {
			return actionNone, errors.Wrap(err, "session: rekey")
		}
	}

	if iv := s.cfg.keepaliveInterval(); iv > 0 && now.Sub(s.lastKeepaliveSent) >= iv {
		if _, _, err := s.mux.GlobalRequest("keepalive@xssh", true, nil); err != nil {
			return actionNone, errors.Wrap(err, "session: keepalive")
		}
		s.lastKeepaliveSent = now
	}

	return actionNone, nil
}

// startChaffIfEnabled launches the chaff goroutine once, right after
// auth completes — grounded on hkexnet.go's chaffHelper, translated
// from its enabled/shutdown boolean flags (set from outside the
// goroutine, read from inside it without synchronization) into a
// stop-channel select, since chaffStop is closed exactly once by Run's
// deferred cleanup.
func (s *Session) startChaffIfEnabled() {
	if !s.cfg.ChaffEnabled {
		return
	}
	go func() {
		min, max := s.cfg.chaffFreqMin(), s.cfg.chaffFreqMax()
		span := int64(max - min)
		if span <= 0 {
			span = 1
		}
		for {
			n := rand.Intn(s.cfg.chaffMaxBytes() + 1)
			buf := make([]byte, n)
			_, _ = rand.Read(buf)
			if err := s.conn.WritePacket(append([]byte{transport.MsgIgnore}, buf...)); err != nil {
				return
			}
			wait := min + time.Duration(rand.Int63n(span))
			select {
			case <-time.After(wait):
			case <-s.chaffStop:
				return
			}
		}
	}()
}

func (s *Session) rekey() error {
	s.mux.BeginRekey()
	defer s.mux.EndRekey()
	if err := s.hs.Run(); err != nil {
		return err
	}
	s.conn.ResetRekeyAccounting()
	return nil
}

// dispatch routes one decoded packet to the KEX, auth, or channel/global
// request layer by message number, per §4.5 step 3.
func (s *Session) dispatch(payload []byte) error {
	if len(payload) == 0 {
		return transport.ErrProtocol
	}
	msgID := payload[0]

	switch msgID {
	case transport.MsgDisconnect:
		return errors.New("session: peer disconnected")
	case transport.MsgIgnore, transport.MsgDebug, transport.MsgUnimplemented:
		return nil
	case transport.MsgKexInit:
		// A peer-initiated rekey: this packet was already read by the
		// loop above, so RunRekey continues the handshake from here
		// rather than issuing its own read of it.
		return s.rekeyFromPeerInit(payload)
	}

	if !s.cfg.IsServer {
		switch msgID {
		case transport.MsgUserAuthSuccess:
			s.authCompleted = true
			s.signalAuthComplete(nil)
			s.startChaffIfEnabled()
			return nil
		case transport.MsgUserAuthFailure:
			return s.handleClientAuthFailure(payload)
		case transport.MsgUserAuthBanner:
			return nil
		}
	}

	// s.auth.Gate only ever sees its internal done flag flip on the
	// server side (HandleRequest is never called for a client, which
	// never receives USERAUTH_REQUEST), so on the client it just enforces
	// the pre-auth allow-list below — exactly what's needed here since
	// completion is tracked via s.authCompleted instead.
	if !s.authCompleted {
		if err := s.auth.Gate(msgID); err != nil {
			return err
		}
		if s.cfg.IsServer && msgID == transport.MsgUserAuthRequest {
			reply, err := s.auth.HandleRequest(payload)
			if err != nil {
				return err
			}
			if err := s.conn.WritePacket(reply); err != nil {
				return err
			}
			if s.auth.Done() {
				s.authCompleted = true
				s.signalAuthComplete(nil)
				s.startChaffIfEnabled()
			}
			return nil
		}
		return nil
	}

	if msgID >= transport.MsgGlobalRequest && msgID <= transport.MsgChannelFailure {
		return s.mux.Dispatch(payload)
	}
	return transport.ErrProtocol
}

// sendNextAuthAttempt asks cfg.ClientAuth.Next for the next method to try
// and sends it as a fresh USERAUTH_REQUEST. ok=false from Next means no
// methods remain; that's reported as the final auth failure.
func (s *Session) sendNextAuthAttempt(remaining []string, partial bool) error {
	method, data, ok := s.cfg.ClientAuth.Next(remaining, partial)
	if !ok {
		err := errors.New("session: auth methods exhausted")
		s.signalAuthComplete(err)
		return err
	}
	req := encodeAuthRequest(s.cfg.ClientAuth.Username, s.cfg.ClientAuth.Service, method, data)
	return s.conn.WritePacket(req)
}

// handleClientAuthFailure decodes RFC 4252 §5.1's failure reply
// (continuable-methods name-list, partial-success flag) and asks
// ClientAuth.Next what to try next.
func (s *Session) handleClientAuthFailure(payload []byte) error {
	b := wire.NewFromBytes(payload[1:])
	remaining := b.GetNameList()
	partial := b.GetBool()
	return s.sendNextAuthAttempt(remaining, partial)
}

func encodeAuthRequest(username, service, method string, methodData []byte) []byte {
	b := wire.New(64 + len(username) + len(service) + len(method) + len(methodData))
	b.PutString([]byte(username))
	b.PutString([]byte(service))
	b.PutString([]byte(method))
	b.PutBytes(methodData)
	return append([]byte{transport.MsgUserAuthRequest}, b.Bytes()...)
}

func (s *Session) rekeyFromPeerInit(peerInit []byte) error {
	s.mux.BeginRekey()
	defer s.mux.EndRekey()
	if err := s.hs.RunRekey(peerInit); err != nil {
		return err
	}
	s.conn.ResetRekeyAccounting()
	return nil
}

// disconnect sends SSH_MSG_DISCONNECT with reason and msg, best-effort,
// and closes the connection; per RFC 4253 §11.1 the reason/description
// fields are a uint32 then a string, followed by an empty language tag.
func (s *Session) disconnect(reason uint32, msg string) {
	b := wire.New(16 + len(msg))
	b.PutUint32(reason)
	b.PutString([]byte(msg))
	b.PutString(nil)
	_ = s.conn.WritePacket(append([]byte{transport.MsgDisconnect}, b.Bytes()...))
	s.conn.Close()
}
