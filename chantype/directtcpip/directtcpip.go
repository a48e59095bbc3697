// Package directtcpip implements RFC 4254 §7.2's "direct-tcpip" channel
// type: a TCP forwarding tunnel carried inside one multiplexed SSH
// channel, dialled out by whichever side accepts the CHANNEL_OPEN (the
// server, for a client's "-L" forward).
//
// Grounded on _examples/isgasho-xs/hkexnet/hkextun.go's startServerTunnel:
// a net.Dial to the requested destination, then a pair of pump
// goroutines shuttling bytes between that raw TCP socket and the
// encrypted side. hkextun.go built its own ad-hoc tunnel protocol on
// top of hkexnet.Conn's WritePacket/opcode framing (CSOTunReq/
// CSOTunAck/CSOTunData/CSOTunClose) because the teacher has no generic
// channel multiplexer; here the muxer package already gives each
// forwarded connection its own flow-controlled channel, so the pump
// goroutines are a plain io.Copy in each direction instead of
// hand-rolled packet framing.
package directtcpip

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"blitter.com/go/xssh/logger"
	"blitter.com/go/xssh/muxer"
	"blitter.com/go/xssh/wire"
)

// forwardTable maps a channel to the outbound socket Init dialled for
// it, so Close can tear the socket down once the channel itself closes.
type forwardTable struct {
	mu    sync.Mutex
	conns map[*muxer.Channel]net.Conn
}

func (t *forwardTable) set(ch *muxer.Channel, conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns == nil {
		t.conns = make(map[*muxer.Channel]net.Conn)
	}
	t.conns[ch] = conn
}

func (t *forwardTable) pop(ch *muxer.Channel) (net.Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, ok := t.conns[ch]
	delete(t.conns, ch)
	return conn, ok
}

// Config wires the dependencies direct-tcpip needs to decide whether a
// requested destination is reachable/permitted.
type Config struct {
	// Dial opens the outbound connection; defaults to
	// net.DialTimeout("tcp", ..., DialTimeout).
	Dial func(network, addr string) (net.Conn, error)

	// DialTimeout bounds the default Dial. Zero uses 10s.
	DialTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Dial == nil {
		timeout := c.DialTimeout
		c.Dial = func(network, addr string) (net.Conn, error) {
			return net.DialTimeout(network, addr, timeout)
		}
	}
}

// ChanType returns a muxer.ChanType registration for "direct-tcpip".
func ChanType(cfg Config) muxer.ChanType {
	cfg.setDefaults()

	var table forwardTable

	return muxer.ChanType{
		Init: func(ch *muxer.Channel, extra []byte) error {
			b := wire.NewFromBytes(extra)
			destHost := string(b.GetString())
			destPort := b.GetUint32()
			origHost := string(b.GetString())
			origPort := b.GetUint32()

			addr := fmt.Sprintf("%s:%d", destHost, destPort)
			conn, err := cfg.Dial("tcp", addr)
			if err != nil {
				return fmt.Errorf("directtcpip: dial %s: %w", addr, err)
			}

			_ = logger.Notice(fmt.Sprintf("[direct-tcpip %s:%d -> %s opened]", origHost, origPort, addr))
			table.set(ch, conn)

			go func() {
				if _, err := io.Copy(conn, ch); err != nil {
					_ = logger.Debug(fmt.Sprintf("directtcpip: channel->dial ended: %v", err))
				}
				if tc, ok := conn.(interface{ CloseWrite() error }); ok {
					_ = tc.CloseWrite()
				}
			}()

			go func() {
				if _, err := io.Copy(ch, conn); err != nil {
					_ = logger.Debug(fmt.Sprintf("directtcpip: dial->channel ended: %v", err))
				}
				_ = ch.CloseWrite()
				_ = ch.Close()
			}()

			return nil
		},
		Close: func(ch *muxer.Channel) {
			if conn, ok := table.pop(ch); ok {
				_ = conn.Close()
			}
		},
	}
}
