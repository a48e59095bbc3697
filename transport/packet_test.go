package transport

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"blitter.com/go/xssh/algo"
)

// loopback is an io.ReadWriteCloser backed by two independent byte
// pipes, letting a single Conn round-trip WritePacket into ReadPacket
// without a real socket.
type loopback struct {
	out *bytes.Buffer
	in  *bytes.Buffer
}

func (l *loopback) Write(p []byte) (int, error) { return l.out.Write(p) }
func (l *loopback) Read(p []byte) (int, error)  { return l.in.Read(p) }
func (l *loopback) Close() error                { return nil }

func pairedConns() (*Conn, *Conn) {
	a := &bytes.Buffer{}
	b := &bytes.Buffer{}
	c1 := NewConn(&loopback{out: a, in: b})
	c2 := NewConn(&loopback{out: b, in: a})
	return c1, c2
}

func TestWriteReadPacketAEADRoundTrip(t *testing.T) {
	c1, c2 := pairedConns()
	key := bytes.Repeat([]byte{0x11}, 32)

	wc, err := newCipherContext(algo.CipherChaCha20Poly1305, "", key, nil, nil, true)
	require.NoError(t, err)
	rc, err := newCipherContext(algo.CipherChaCha20Poly1305, "", key, nil, nil, false)
	require.NoError(t, err)
	c1.SetWriteCipher(wc, noComp(t))
	c2.SetReadCipher(rc, noComp(t))

	payload := []byte("ssh-userauth request payload")
	require.NoError(t, c1.WritePacket(payload))
	got, err := c2.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestWriteReadPacketMACRoundTrip(t *testing.T) {
	c1, c2 := pairedConns()
	key := bytes.Repeat([]byte{0x22}, 32)
	iv := bytes.Repeat([]byte{0x33}, 16)
	macKey := bytes.Repeat([]byte{0x44}, 32)

	wc, err := newCipherContext(algo.CipherAES256CTR, algo.MACHMACSHA256, key, iv, macKey, true)
	require.NoError(t, err)
	rc, err := newCipherContext(algo.CipherAES256CTR, algo.MACHMACSHA256, key, iv, macKey, false)
	require.NoError(t, err)
	c1.SetWriteCipher(wc, noComp(t))
	c2.SetReadCipher(rc, noComp(t))

	payload := []byte("channel data payload, somewhat longer to cross a block boundary")
	require.NoError(t, c1.WritePacket(payload))
	got, err := c2.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestReadPacketRejectsBadMAC(t *testing.T) {
	c1, c2 := pairedConns()
	key := bytes.Repeat([]byte{0x55}, 32)
	iv := bytes.Repeat([]byte{0x66}, 16)
	macKey1 := bytes.Repeat([]byte{0x77}, 32)
	macKey2 := bytes.Repeat([]byte{0x88}, 32)

	wc, err := newCipherContext(algo.CipherAES256CTR, algo.MACHMACSHA256, key, iv, macKey1, true)
	require.NoError(t, err)
	rc, err := newCipherContext(algo.CipherAES256CTR, algo.MACHMACSHA256, key, iv, macKey2, false)
	require.NoError(t, err)
	c1.SetWriteCipher(wc, noComp(t))
	c2.SetReadCipher(rc, noComp(t))

	require.NoError(t, c1.WritePacket([]byte("hello")))
	_, err = c2.ReadPacket()
	require.ErrorIs(t, err, ErrMAC)
}

func TestWriteReadPacketCBCRoundTrip(t *testing.T) {
	c1, c2 := pairedConns()
	key := bytes.Repeat([]byte{0xaa}, 32)
	iv := bytes.Repeat([]byte{0xbb}, 16)
	macKey := bytes.Repeat([]byte{0xcc}, 32)

	wc, err := newCipherContext(algo.CipherAES256CBC, algo.MACHMACSHA256, key, iv, macKey, true)
	require.NoError(t, err)
	rc, err := newCipherContext(algo.CipherAES256CBC, algo.MACHMACSHA256, key, iv, macKey, false)
	require.NoError(t, err)
	c1.SetWriteCipher(wc, noComp(t))
	c2.SetReadCipher(rc, noComp(t))

	for _, payload := range [][]byte{
		[]byte("short"),
		bytes.Repeat([]byte("x"), 100),
		[]byte("a"),
	} {
		require.NoError(t, c1.WritePacket(payload))
		got, err := c2.ReadPacket()
		require.NoError(t, err)
		require.Equal(t, payload, got)
	}
}

func TestCompressorRoundTrip(t *testing.T) {
	c1, c2 := pairedConns()
	key := bytes.Repeat([]byte{0x99}, 32)
	wc, err := newCipherContext(algo.CipherChaCha20Poly1305, "", key, nil, nil, true)
	require.NoError(t, err)
	rc, err := newCipherContext(algo.CipherChaCha20Poly1305, "", key, nil, nil, false)
	require.NoError(t, err)
	wz, err := newCompressor(algo.CompZlib)
	require.NoError(t, err)
	rz, err := newCompressor(algo.CompZlib)
	require.NoError(t, err)
	c1.SetWriteCipher(wc, wz)
	c2.SetReadCipher(rc, rz)

	payload := bytes.Repeat([]byte("compress me please "), 50)
	require.NoError(t, c1.WritePacket(payload))
	got, err := c2.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, payload, got)

	// second packet through the same Compressor pair exercises the
	// per-packet reset of the deflate writer and reader.
	payload2 := bytes.Repeat([]byte("more data "), 80)
	require.NoError(t, c1.WritePacket(payload2))
	got2, err := c2.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, payload2, got2)
}

func noComp(t *testing.T) *Compressor {
	t.Helper()
	c, err := newCompressor(algo.CompNone)
	require.NoError(t, err)
	return c
}

var _ io.ReadWriteCloser = (*loopback)(nil)
