package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"blitter.com/go/xssh/algo"
)

// pipeConn wraps a pair of io.Pipe halves into one io.ReadWriteCloser. It
// blocks a Read until the peer actually Writes, unlike packet_test.go's
// bytes.Buffer-backed loopback — required here since Handshake.Run drives
// a genuine two-party back-and-forth across separate goroutines.
type pipeConn struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeConn) Close() error {
	_ = p.r.Close()
	return p.w.Close()
}

func pipePairedConns() (*Conn, *Conn) {
	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()
	c1 := NewConn(&pipeConn{r: s2cR, w: c2sW})
	c2 := NewConn(&pipeConn{r: c2sR, w: s2cW})
	return c1, c2
}

func registryWithOnlyKex(kexAlgo string) algo.Registry {
	reg := algo.DefaultRegistry()
	reg.Kex = algo.List{{Name: kexAlgo, Usable: true}}
	return reg
}

func runHandshakePair(t *testing.T, kexAlgo string) (*Handshake, *Handshake) {
	t.Helper()
	c1, c2 := pipePairedConns()

	const clientBanner = "SSH-2.0-xssh_1.0 client"
	const serverBanner = "SSH-2.0-xssh_1.0 server"

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_ = pub

	clientHS := NewHandshake(c1, registryWithOnlyKex(kexAlgo), false)
	clientHS.SetVersions(clientBanner, serverBanner)

	serverHS := NewHandshake(c2, registryWithOnlyKex(kexAlgo), true)
	serverHS.Signer = &Ed25519Signer{Priv: priv}
	serverHS.SetVersions(serverBanner, clientBanner)

	var verifiedBlob []byte
	clientHS.VerifyHost = func(blob []byte) error {
		verifiedBlob = blob
		return nil
	}

	clientErr := make(chan error, 1)
	serverErr := make(chan error, 1)
	go func() {
		err := clientHS.Run()
		if err == nil {
			// The client always advertises ext-info-c, so the server
			// always follows its first NEWKEYS with SSH_MSG_EXT_INFO;
			// drain it here so the server's blocking pipe write can
			// return instead of waiting on a reader that never comes.
			_, err = c1.ReadPacket()
		}
		clientErr <- err
	}()
	go func() { serverErr <- serverHS.Run() }()

	require.NoError(t, <-clientErr)
	require.NoError(t, <-serverErr)
	require.NotEmpty(t, verifiedBlob)
	return clientHS, serverHS
}

func TestHandshakeRunDerivesMatchingSessionKeysCurve25519(t *testing.T) {
	client, server := runHandshakePair(t, algo.KexCurve25519SHA256)
	require.Equal(t, client.State().SessionID, server.State().SessionID)
	require.True(t, client.State().DoneFirstKex)
	require.True(t, server.State().DoneFirstKex)
}

func TestHandshakeRunDHGroup14(t *testing.T) {
	runHandshakePair(t, algo.KexDHGroup14SHA256)
}

func TestHandshakeRunHybrid(t *testing.T) {
	runHandshakePair(t, algo.KexHybridSNTRUPLikeX25519)
}

func TestHandshakeRunHerradura(t *testing.T) {
	runHandshakePair(t, algo.KexHerradura)
}

func TestHandshakeRunECDHNistP256(t *testing.T) {
	runHandshakePair(t, algo.KexECDHSHA2NistP256)
}

// TestPostHandshakePacketsFlow exercises ReadPacket/WritePacket with the
// keys Handshake.Run installed, end to end over the same pipe transport.
func TestPostHandshakePacketsFlow(t *testing.T) {
	c1, c2 := pipePairedConns()
	const clientBanner = "SSH-2.0-xssh_1.0 client"
	const serverBanner = "SSH-2.0-xssh_1.0 server"

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	clientHS := NewHandshake(c1, registryWithOnlyKex(algo.KexCurve25519SHA256), false)
	clientHS.SetVersions(clientBanner, serverBanner)
	serverHS := NewHandshake(c2, registryWithOnlyKex(algo.KexCurve25519SHA256), true)
	serverHS.Signer = &Ed25519Signer{Priv: priv}
	serverHS.SetVersions(serverBanner, clientBanner)

	clientErr := make(chan error, 1)
	serverErr := make(chan error, 1)
	go func() {
		err := clientHS.Run()
		if err == nil {
			_, err = c1.ReadPacket() // drain the server's post-NEWKEYS EXT_INFO
		}
		clientErr <- err
	}()
	go func() { serverErr <- serverHS.Run() }()
	require.NoError(t, <-clientErr)
	require.NoError(t, <-serverErr)

	payload := []byte("ssh_msg_channel_data payload after newkeys")
	sent := make(chan error, 1)
	go func() { sent <- c1.WritePacket(payload) }()
	got, err := c2.ReadPacket()
	require.NoError(t, <-sent)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}
