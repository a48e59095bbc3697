package muxer

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"blitter.com/go/xssh/wire"
)

// pairedMux wires two Mux instances together over a pair of in-memory
// channels, standing in for the transport.Conn packet stream the real
// session event loop feeds Dispatch from. Each WritePacket is delivered to
// the peer's Dispatch on its own goroutine so neither side can stall the
// other — the same shape as two independent readers pumping an
// established transport.Conn.
type pairedMux struct {
	out chan []byte
}

func (p *pairedMux) WritePacket(payload []byte) error {
	cp := append([]byte(nil), payload...)
	p.out <- cp
	return nil
}

func newLinkedMuxes(t *testing.T, clientTypes, serverTypes Registry) (*Mux, *Mux) {
	t.Helper()
	c2s := make(chan []byte, 64)
	s2c := make(chan []byte, 64)

	clientConn := &pairedMux{out: c2s}
	serverConn := &pairedMux{out: s2c}

	client := NewMux(clientConn, clientTypes)
	server := NewMux(serverConn, serverTypes)

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

func TestOpenChannelConfirmed(t *testing.T) {
	serverTypes := NewRegistry()
	opened := make(chan *Channel, 1)
	serverTypes.Register("session", ChanType{
		Init: func(ch *Channel, extra []byte) error {
			opened <- ch
			return nil
		},
	})

	client, _ := newLinkedMuxes(t, NewRegistry(), serverTypes)

	ch, err := client.OpenChannel("session", 1024, 256, nil)
	require.NoError(t, err)
	require.NotNil(t, ch)

	select {
	case serverCh := <-opened:
		require.Equal(t, "session", serverCh.Type())
	case <-time.After(time.Second):
		t.Fatal("server never saw channel open")
	}
}

func TestOpenChannelUnknownType(t *testing.T) {
	client, _ := newLinkedMuxes(t, NewRegistry(), NewRegistry())
	_, err := client.OpenChannel("unknown-type", 1024, 256, nil)
	require.Error(t, err)
}

func TestOpenChannelInitRejects(t *testing.T) {
	serverTypes := NewRegistry()
	serverTypes.Register("direct-tcpip", ChanType{
		Init: func(ch *Channel, extra []byte) error {
			return io.ErrUnexpectedEOF
		},
	})
	client, _ := newLinkedMuxes(t, NewRegistry(), serverTypes)
	_, err := client.OpenChannel("direct-tcpip", 1024, 256, nil)
	require.Error(t, err)
}

// TestFlowControlWindowAdjust reproduces spec.md's worked flow-control
// example: a 1024-byte receive window with a 256-byte max packet lets
// exactly four packets through before the sender must wait for a
// WINDOW_ADJUST.
func TestFlowControlWindowAdjust(t *testing.T) {
	serverTypes := NewRegistry()
	serverChReady := make(chan *Channel, 1)
	serverTypes.Register("session", ChanType{
		Init: func(ch *Channel, extra []byte) error {
			serverChReady <- ch
			return nil
		},
	})

	client, _ := newLinkedMuxes(t, NewRegistry(), serverTypes)

	clientCh, err := client.OpenChannel("session", 1024, 256, nil)
	require.NoError(t, err)
	serverCh := <-serverChReady

	const packetSize = 256
	payload := make([]byte, packetSize)

	var wg sync.WaitGroup
	writeErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 8; i++ {
			if _, err := serverCh.Write(payload); err != nil {
				writeErr <- err
				return
			}
		}
		writeErr <- nil
	}()

	recvBuf := make([]byte, packetSize)
	for i := 0; i < 4; i++ {
		n, err := io.ReadFull(clientCh, recvBuf)
		require.NoError(t, err)
		require.Equal(t, packetSize, n)
	}

	// The server blocks once its transWindow is exhausted (after four
	// packets); every second client Read has drained 512 bytes, half the
	// initial window, and grants it back with WINDOW_ADJUST(512),
	// releasing two more packets at a time until all eight have flowed
	// through.
	for i := 0; i < 4; i++ {
		n, err := io.ReadFull(clientCh, recvBuf)
		require.NoError(t, err)
		require.Equal(t, packetSize, n)
	}

	require.NoError(t, <-writeErr)
	wg.Wait()
}

func TestHalfCloseThenFullClose(t *testing.T) {
	serverTypes := NewRegistry()
	serverChReady := make(chan *Channel, 1)
	serverTypes.Register("session", ChanType{
		Init: func(ch *Channel, extra []byte) error {
			serverChReady <- ch
			return nil
		},
	})
	client, _ := newLinkedMuxes(t, NewRegistry(), serverTypes)

	clientCh, err := client.OpenChannel("session", 1024, 256, nil)
	require.NoError(t, err)
	serverCh := <-serverChReady

	_, err = serverCh.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(clientCh, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	require.NoError(t, serverCh.CloseWrite())
	_, err = clientCh.Read(buf)
	require.Equal(t, io.EOF, err)

	require.NoError(t, clientCh.Close())
	require.NoError(t, serverCh.Close())
}

func TestChannelRequestSuccessReply(t *testing.T) {
	serverTypes := NewRegistry()
	serverChReady := make(chan *Channel, 1)
	serverTypes.Register("session", ChanType{
		Init: func(ch *Channel, extra []byte) error {
			serverChReady <- ch
			return nil
		},
		HandleRequest: func(ch *Channel, reqType string, wantReply bool, data []byte) {
			if wantReply {
				_ = ch.Reply(reqType == "shell")
			}
		},
	})
	client, _ := newLinkedMuxes(t, NewRegistry(), serverTypes)

	clientCh, err := client.OpenChannel("session", 1024, 256, nil)
	require.NoError(t, err)
	<-serverChReady

	ok, err := clientCh.SendRequest("shell", true, nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = clientCh.SendRequest("exec", true, nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGlobalRequestRoundTrip(t *testing.T) {
	client, server := newLinkedMuxes(t, NewRegistry(), NewRegistry())
	server.GlobalHandler = func(name string, data []byte) (bool, []byte) {
		if name == "keepalive@xssh" {
			return true, []byte("pong")
		}
		return false, nil
	}

	ok, reply, err := client.GlobalRequest("keepalive@xssh", true, nil)
	require.NoError(t, err)
	require.True(t, ok)
	b := wire.NewFromBytes(reply)
	require.Equal(t, "pong", string(b.GetBytes(b.Remaining())))

	ok, _, err = client.GlobalRequest("unknown@xssh", true, nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExtendedDataStderr(t *testing.T) {
	serverTypes := NewRegistry()
	serverChReady := make(chan *Channel, 1)
	serverTypes.Register("session", ChanType{
		Init: func(ch *Channel, extra []byte) error {
			serverChReady <- ch
			return nil
		},
	})
	client, _ := newLinkedMuxes(t, NewRegistry(), serverTypes)

	clientCh, err := client.OpenChannel("session", 1024, 256, nil)
	require.NoError(t, err)
	serverCh := <-serverChReady

	_, err = serverCh.WriteExtended([]byte("stderr line"), extendedDataStderr)
	require.NoError(t, err)

	buf := make([]byte, len("stderr line"))
	_, err = io.ReadFull(clientCh.Stderr(), buf)
	require.NoError(t, err)
	require.Equal(t, "stderr line", string(buf))
}
