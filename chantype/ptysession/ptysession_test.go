package ptysession

import (
	"io"
	"os/user"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"blitter.com/go/xssh/muxer"
	"blitter.com/go/xssh/wire"
)

// pairedMux mirrors the muxer package's own test harness: two Mux
// instances linked by a pair of in-memory queues standing in for the
// transport.Conn packet stream.
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

func encodeExecData(cmdline string) []byte {
	b := wire.New(8 + len(cmdline))
	b.PutString([]byte(cmdline))
	return b.Bytes()
}

// TestPtySessionExec runs a one-shot "exec" command under the current
// process's own account (SysProcAttr.Credential set to the caller's own
// uid/gid, which needs no elevated privilege) and confirms its stdout
// reaches the channel, the way a non-interactive "ssh host cmd" session
// would.
func TestPtySessionExec(t *testing.T) {
	me, err := user.Current()
	require.NoError(t, err)

	serverTypes := muxer.NewRegistry()
	serverTypes.Register("session", ChanType(Config{
		Username:   func() string { return me.Username },
		UserLookup: func(string) (*user.User, error) { return me, nil },
		Shell:      "/bin/sh",
	}))

	client, _ := newLinkedMuxes(t, muxer.NewRegistry(), serverTypes)

	ch, err := client.OpenChannel("session", 1<<20, 1<<15, nil)
	require.NoError(t, err)

	ok, err := ch.SendRequest("exec", true, encodeExecData("echo hello-from-pty"))
	require.NoError(t, err)
	require.True(t, ok)

	buf := make([]byte, 0, 64)
	readDone := make(chan error, 1)
	go func() {
		tmp := make([]byte, 64)
		for {
			n, e := ch.Read(tmp)
			buf = append(buf, tmp[:n]...)
			if e != nil {
				readDone <- e
				return
			}
		}
	}()

	select {
	case err := <-readDone:
		require.True(t, err == nil || err == io.EOF)
	case <-time.After(5 * time.Second):
		t.Fatal("never saw command output end")
	}
	require.Contains(t, string(buf), "hello-from-pty")
}
