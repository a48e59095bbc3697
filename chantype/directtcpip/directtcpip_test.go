package directtcpip

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"blitter.com/go/xssh/muxer"
	"blitter.com/go/xssh/wire"
)

// pairedMux wires two Mux instances together over a pair of in-memory
// channels, standing in for the transport.Conn packet stream the real
// session event loop feeds Dispatch from — the same harness the muxer
// package's own tests use.
type pairedMux struct {
	out chan []byte
}

func (p *pairedMux) WritePacket(payload []byte) error {
	cp := append([]byte(nil), payload...)
	p.out <- cp
	return nil
}

func newLinkedMuxes(t *testing.T, clientTypes, serverTypes muxer.Registry) (*muxer.Mux, *muxer.Mux) {
	t.Helper()
	c2s := make(chan []byte, 64)
	s2c := make(chan []byte, 64)

	client := muxer.NewMux(&pairedMux{out: c2s}, clientTypes)
	server := muxer.NewMux(&pairedMux{out: s2c}, serverTypes)

	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })

	go pump(t, c2s, stop, server.Dispatch)
	go pump(t, s2c, stop, client.Dispatch)

	return client, server
}

func pump(t *testing.T, ch chan []byte, stop chan struct{}, dispatch func([]byte) error) {
	for {
		select {
		case payload := <-ch:
			if err := dispatch(payload); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func encodeOpenExtra(destHost string, destPort uint32, origHost string, origPort uint32) []byte {
	b := wire.New(64 + len(destHost) + len(origHost))
	b.PutString([]byte(destHost))
	b.PutUint32(destPort)
	b.PutString([]byte(origHost))
	b.PutUint32(origPort)
	return b.Bytes()
}

// TestDirectTCPIPEndToEnd opens a direct-tcpip channel against a local
// echo listener and confirms data written on the client side comes back
// through the tunnel, the way a forwarded "ssh -L" connection would.
func TestDirectTCPIPEndToEnd(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(c, c) // nolint: errcheck
		}
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	portInt, err := strconv.Atoi(port)
	require.NoError(t, err)
	portNum := uint32(portInt)

	serverTypes := muxer.NewRegistry()
	serverTypes.Register("direct-tcpip", ChanType(Config{}))

	client, _ := newLinkedMuxes(t, muxer.NewRegistry(), serverTypes)

	extra := encodeOpenExtra(host, portNum, "127.0.0.1", 0)
	ch, err := client.OpenChannel("direct-tcpip", 1<<20, 1<<15, extra)
	require.NoError(t, err)

	_, err = ch.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	done := make(chan error, 1)
	go func() {
		_, e := io.ReadFull(ch, buf)
		done <- e
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("never got echoed data back through the tunnel")
	}
	require.Equal(t, "ping", string(buf))

	require.NoError(t, ch.Close())
}
