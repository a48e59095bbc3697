package session

import (
	cryptorand "crypto/rand"
	"crypto/ed25519"
	"io"
	"net"
	"os/user"
	"testing"
	"time"

	passlib "gopkg.in/hlandau/passlib.v1"

	"github.com/stretchr/testify/require"

	"blitter.com/go/xssh/algo"
	"blitter.com/go/xssh/auth"
	"blitter.com/go/xssh/muxer"
	"blitter.com/go/xssh/transport"
	"blitter.com/go/xssh/wire"
)

func passlibHashForTest(t *testing.T, password string) string {
	t.Helper()
	passlib.UseDefaults(passlib.Defaults20180601)
	hash, err := passlib.Hash(password)
	require.NoError(t, err)
	return hash
}

func passwordMethodData(password string) []byte {
	b := wire.New(8 + len(password))
	b.PutBool(false)
	b.PutString([]byte(password))
	return b.Bytes()
}

// TestSessionHandshakeAuthAndChannel drives a real client/server pair
// through version exchange, the first KEX, password auth, and an
// end-to-end channel open with data flowing both ways — the session
// package's equivalent of hkexshd.go's whole per-connection lifecycle.
func TestSessionHandshakeAuthAndChannel(t *testing.T) {
	clientNetConn, serverNetConn := net.Pipe()

	pub, priv, err := ed25519.GenerateKey(cryptorand.Reader)
	require.NoError(t, err)
	_ = pub

	shadow := "alice:" + passlibHashForTest(t, "hunter2") + ":18000:0:99999:7:::\n"

	serverAuthReg := auth.NewRegistry("password")
	serverAuthReg.Register("password", auth.PasswordMethod("/etc/shadow"))

	opened := make(chan *muxer.Channel, 1)
	serverChanTypes := muxer.NewRegistry()
	serverChanTypes.Register("session", muxer.ChanType{
		Init: func(ch *muxer.Channel, extra []byte) error {
			opened <- ch
			return nil
		},
	})

	serverCfg := Config{
		Registry:     algo.DefaultRegistry(),
		IsServer:     true,
		Signer:       &transport.Ed25519Signer{Priv: priv},
		AuthRegistry: serverAuthReg,
		ChanTypes:    serverChanTypes,
		AuthCtx: &auth.Ctx{
			ReadFile:   func(string) ([]byte, error) { return []byte(shadow), nil },
			UserLookup: func(u string) (*user.User, error) { return &user.User{Username: u}, nil },
		},
	}
	serverSess := New(serverCfg, transport.NewConn(serverNetConn))

	attempted := false
	clientCfg := Config{
		Registry:     algo.DefaultRegistry(),
		IsServer:     false,
		VerifyHost:   func(blob []byte) error { return nil },
		AuthRegistry: auth.NewRegistry("password"),
		ChanTypes:    muxer.NewRegistry(),
		ClientAuth: &ClientAuth{
			Username: "alice",
			Service:  "ssh-connection",
			Next: func(remaining []string, partial bool) (string, []byte, bool) {
				if attempted {
					return "", nil, false
				}
				attempted = true
				return "password", passwordMethodData("hunter2"), true
			},
		},
	}
	clientSess := New(clientCfg, transport.NewConn(clientNetConn))

	serverDone := make(chan error, 1)
	go func() { serverDone <- serverSess.Run(serverNetConn) }()

	clientDone := make(chan error, 1)
	go func() { clientDone <- clientSess.Run(clientNetConn) }()

	select {
	case err := <-clientSess.AuthComplete():
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client auth never completed")
	}
	select {
	case err := <-serverSess.AuthComplete():
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server auth never completed")
	}
	require.Equal(t, "alice", serverSess.Username())

	clientCh, err := clientSess.Mux().OpenChannel("session", 1<<20, 1<<15, nil)
	require.NoError(t, err)

	var serverCh *muxer.Channel
	select {
	case serverCh = <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw channel open")
	}

	_, err = serverCh.Write([]byte("hello from server"))
	require.NoError(t, err)
	buf := make([]byte, len("hello from server"))
	_, err = io.ReadFull(clientCh, buf)
	require.NoError(t, err)
	require.Equal(t, "hello from server", string(buf))

	require.NoError(t, clientCh.Close())
	require.NoError(t, serverCh.Close())

	clientNetConn.Close()
	serverNetConn.Close()
}
