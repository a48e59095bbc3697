package transport

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"blitter.com/go/xssh/algo"
	"blitter.com/go/xssh/rnd"
)

// Rekey thresholds per §4.3: after either this many bytes transferred in
// one direction, or this much wall time since the last KEX, the next
// packet sets needRekey.
const (
	rekeyDataThreshold = 1 << 30 // 1 GiB
	rekeyTimeThreshold = time.Hour
)

const (
	minPacketLen = 5
	maxPacketLen = 35000
)

// ErrMAC is returned when inbound MAC/tag verification fails; always
// fatal to the connection per §4.3's error policy.
var ErrMAC = errors.New("transport: MAC verification failed")

// ErrProtocol marks a malformed frame (bad length, bad message ordering);
// also always fatal.
var ErrProtocol = errors.New("transport: protocol error")

// FatalError distinguishes a connection-ending error from the recoverable
// per-request/per-channel failures §7 also names, carrying the
// disconnect reason code the session loop sends before tearing down.
type FatalError struct {
	Reason uint32 // one of the Disconnect* constants in msg.go
	Err    error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// NewFatalError wraps err with reason, the disconnect code sent to the peer.
func NewFatalError(reason uint32, err error) *FatalError {
	return &FatalError{Reason: reason, Err: err}
}

// cipherContext holds one direction's live symmetric state: either an AEAD
// (aead != nil) or a classical stream cipher plus separate MAC. Sequence
// number and byte counters drive rekey accounting (§4.3) and strict-kex
// sequence resets (§4.4 step 7 / invariant 7).
type cipherContext struct {
	aead      ciphAEAD
	stream    ciphStream
	macKey    []byte
	macFn     macFunc
	macLen    int
	blockSize int
	seq       uint32
	bytesXfer uint64
}

// ciphAEAD/ciphStream alias the stdlib interfaces without importing
// crypto/cipher twice under different names in this file; kept as named
// interfaces so cipherContext's zero value (nil, nil) cleanly means
// "uninitialized" for tests.
type ciphAEAD interface {
	NonceSize() int
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

type ciphStream interface {
	XORKeyStream(dst, src []byte)
}

// identityStream is the "none" cipher used before the first NEWKEYS:
// XORKeyStream is a plain copy, per RFC 4253 §6's initial algorithm state.
type identityStream struct{}

func (identityStream) XORKeyStream(dst, src []byte) { copy(dst, src) }

// newClearContext is the "none"/"none" cipher-and-MAC pair RFC 4253 §6
// starts a connection with: macLen 0 means computeMAC never calls macFn,
// so it can stay nil.
func newClearContext() *cipherContext {
	return &cipherContext{blockSize: 8, stream: identityStream{}}
}

// newCipherContext builds a direction's cipher state from negotiated
// algorithm names and derived key material. encrypt must be true when
// this context will be installed as a write (outgoing) context and false
// for a read (incoming) context — only CBC-mode ciphers care.
func newCipherContext(cipherName, macName string, key, iv, macKey []byte, encrypt bool) (*cipherContext, error) {
	cc := &cipherContext{blockSize: blockSizeFor(cipherName)}
	if isAEAD(cipherName) {
		a, err := newAEAD(cipherName, key)
		if err != nil {
			return nil, err
		}
		cc.aead = a
		cc.blockSize = 8
		return cc, nil
	}
	s, err := newCipherStream(cipherName, key, iv, encrypt)
	if err != nil {
		return nil, err
	}
	cc.stream = s
	mf, mlen, err := macFuncFor(macName)
	if err != nil {
		return nil, err
	}
	cc.macFn = mf
	cc.macLen = mlen
	cc.macKey = macKey
	return cc, nil
}

// nonceFor derives a len(base)-byte nonce by XORing the big-endian
// sequence number into the low four bytes of base. Both callers pass an
// all-zero base of aead.NonceSize() bytes, so the nonce is the sequence
// number alone, as in chacha20-poly1305@openssh.com.
func nonceFor(base []byte, seq uint32) []byte {
	n := make([]byte, len(base))
	copy(n, base)
	var seqBytes [4]byte
	binary.BigEndian.PutUint32(seqBytes[:], seq)
	for i := 0; i < 4; i++ {
		n[len(n)-4+i] ^= seqBytes[i]
	}
	return n
}

// Compressor bundles the deflate reader/writer for one direction. Each
// packet is compressed as its own sync-flushed raw-deflate chunk: the
// writer and the reader are reset for every packet, so no dictionary
// state carries over from one packet to the next.
type Compressor struct {
	enabled bool
	zw      *flate.Writer
	zr      io.ReadCloser
	zrBuf   *bytes.Buffer
}

func newCompressor(name string) (*Compressor, error) {
	c := &Compressor{enabled: name == algo.CompZlib}
	return c, nil
}

func (c *Compressor) compress(p []byte) ([]byte, error) {
	if !c.enabled {
		return p, nil
	}
	var buf bytes.Buffer
	if c.zw == nil {
		zw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		c.zw = zw
	} else {
		c.zw.Reset(&buf)
	}
	if _, err := c.zw.Write(p); err != nil {
		return nil, err
	}
	if err := c.zw.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Compressor) decompress(p []byte) ([]byte, error) {
	if !c.enabled {
		return p, nil
	}
	if c.zrBuf == nil {
		c.zrBuf = bytes.NewBuffer(nil)
	}
	c.zrBuf.Reset()
	c.zrBuf.Write(p)
	if c.zr == nil {
		c.zr = flate.NewReader(c.zrBuf)
	} else {
		if r, ok := c.zr.(flate.Resetter); ok {
			if err := r.Reset(c.zrBuf, nil); err != nil {
				return nil, err
			}
		}
	}
	out, err := io.ReadAll(c.zr)
	if err == io.ErrUnexpectedEOF {
		// the chunk ends at compress's sync flush, not at a final block
		err = nil
	}
	return out, err
}

// Conn is the L2 packet engine: it frames, encrypts/decrypts, MACs or
// AEAD-seals, optionally compresses, and tracks rekey accounting for one
// underlying transport stream. It is transport-agnostic (§4.3 [ADD]) —
// rw may be a raw net.Conn or a kcp-go session.
type Conn struct {
	rw io.ReadWriteCloser

	writeMu sync.Mutex
	write   *cipherContext
	writeZ  *Compressor

	read  *cipherContext
	readZ *Compressor

	rnd *rnd.Source

	lastKexTime time.Time
	needRekey   bool
	strictKex   bool
}

// NewConn wraps rw with cleartext (identity) read/write contexts; used
// before the first NEWKEYS and replaced by SetWriteCipher/SetReadCipher
// afterward.
func NewConn(rw io.ReadWriteCloser) *Conn {
	noComp, _ := newCompressor(algo.CompNone)
	return &Conn{
		rw:          rw,
		write:       newClearContext(),
		writeZ:      noComp,
		read:        newClearContext(),
		readZ:       noComp,
		rnd:         rnd.Default(),
		lastKexTime: time.Time{},
	}
}

// SetWriteCipher installs the outgoing direction's cipher state; called on
// NEWKEYS send per §4.4 step 7 ("on send, outgoing contexts flip").
func (c *Conn) SetWriteCipher(cc *cipherContext, z *Compressor) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.strictKex {
		cc.seq = 0
	}
	c.write = cc
	c.writeZ = z
}

// SetReadCipher installs the incoming direction's cipher state; called on
// NEWKEYS receive.
func (c *Conn) SetReadCipher(cc *cipherContext, z *Compressor) {
	if c.strictKex {
		cc.seq = 0
	}
	c.read = cc
	c.readZ = z
}

// SetStrictKex enables strict-kex sequence-number reset semantics for all
// subsequent SetWriteCipher/SetReadCipher calls (§4.4 step 2 / invariant 7).
func (c *Conn) SetStrictKex(v bool) { c.strictKex = v }

// NeedRekey reports whether a rekey threshold has been crossed since the
// last KEX.
func (c *Conn) NeedRekey() bool { return c.needRekey }

// ResetRekeyAccounting clears needRekey and restarts the time threshold;
// called once a fresh KEX completes.
func (c *Conn) ResetRekeyAccounting() {
	c.needRekey = false
	c.lastKexTime = time.Now()
}

func (c *Conn) accountTransfer(cc *cipherContext, n int) {
	cc.bytesXfer += uint64(n)
	if cc.bytesXfer > rekeyDataThreshold {
		c.needRekey = true
	}
	if !c.lastKexTime.IsZero() && time.Since(c.lastKexTime) > rekeyTimeThreshold {
		c.needRekey = true
	}
}

// WritePacket frames, compresses, encrypts/MACs, and sends one payload.
// Outbound framing follows §4.3 steps 1-5 exactly.
func (c *Conn) WritePacket(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	comp, err := c.writeZ.compress(payload)
	if err != nil {
		return errors.Wrap(err, "transport: compressing outbound payload")
	}

	bs := c.write.blockSize
	padLen := bs - ((5 + len(comp)) % bs)
	if padLen < 4 {
		padLen += bs
	}
	for padLen > 255 {
		padLen -= bs
	}

	packetLen := 1 + len(comp) + padLen
	frame := make([]byte, 4+packetLen)
	binary.BigEndian.PutUint32(frame[0:4], uint32(packetLen))
	frame[4] = byte(padLen)
	copy(frame[5:5+len(comp)], comp)
	pad := c.rnd.Padding(padLen)
	copy(frame[5+len(comp):], pad)

	var wire []byte
	if c.write.aead != nil {
		nonce := nonceFor(make([]byte, c.write.aead.NonceSize()), c.write.seq)
		sealed := c.write.aead.Seal(nil, nonce, frame[4:], frame[0:4])
		wire = make([]byte, 4+len(sealed))
		copy(wire[0:4], frame[0:4])
		copy(wire[4:], sealed)
	} else {
		// Non-AEAD ciphers encrypt the length field too (RFC 4253 §6);
		// the MAC alone authenticates it. The whole frame is one
		// block-aligned unit by construction (4+packetLen is a multiple
		// of bs), so CBC-mode ciphers can run a single CryptBlocks call.
		mac := c.computeMAC(c.write, c.write.seq, frame)
		ct := make([]byte, len(frame))
		c.write.stream.XORKeyStream(ct, frame)
		wire = make([]byte, len(ct)+len(mac))
		copy(wire, ct)
		copy(wire[len(ct):], mac)
	}

	if _, err := c.rw.Write(wire); err != nil {
		return errors.Wrap(err, "transport: writing packet")
	}
	c.accountTransfer(c.write, len(wire))
	c.write.seq++
	return nil
}

func (c *Conn) computeMAC(cc *cipherContext, seq uint32, cleartextFrame []byte) []byte {
	if cc.macLen == 0 {
		return nil
	}
	h := cc.macFn(cc.macKey)
	var seqBytes [4]byte
	binary.BigEndian.PutUint32(seqBytes[:], seq)
	h.Write(seqBytes[:])
	h.Write(cleartextFrame)
	return h.Sum(nil)
}

// ReadPacket receives, decrypts/verifies, decompresses, and returns one
// payload. Length bounds are checked first. For MAC ciphers the rest of
// the frame is then decrypted and the MAC, which covers the cleartext
// frame, is checked on the decrypted bytes; the MAC is not checked before
// decryption. For AEAD ciphers Open decrypts and authenticates in one
// step. Padding is stripped and the payload decompressed last.
func (c *Conn) ReadPacket() ([]byte, error) {
	if c.read.aead != nil {
		return c.readAEADPacket()
	}
	return c.readMACPacket()
}

func (c *Conn) readAEADPacket() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.rw, lenBuf[:]); err != nil {
		return nil, errors.Wrap(err, "transport: reading packet length")
	}
	packetLen := binary.BigEndian.Uint32(lenBuf[:])
	if err := validatePacketLen(packetLen, c.read.blockSize); err != nil {
		return nil, err
	}

	sealed := make([]byte, int(packetLen)+c.read.aead.Overhead())
	if _, err := io.ReadFull(c.rw, sealed); err != nil {
		return nil, errors.Wrap(err, "transport: reading packet body")
	}
	nonce := nonceFor(make([]byte, c.read.aead.NonceSize()), c.read.seq)
	opened, err := c.read.aead.Open(nil, nonce, sealed, lenBuf[:])
	if err != nil {
		return nil, ErrMAC
	}
	c.accountTransfer(c.read, 4+len(sealed))
	c.read.seq++
	return c.stripAndDecompress(opened)
}

// readMACPacket decrypts in exactly two block-aligned XORKeyStream calls:
// the first block (which contains the length field) to learn packetLen,
// then the rest of the frame in one call. Both calls are guaranteed
// multiples of the cipher's block size by the padding invariant enforced
// in WritePacket, so CBC-mode ciphers can use genuine whole-block
// CryptBlocks semantics (see cbcStream in vendor_cipher.go's neighbor,
// cipher.go's newStream).
func (c *Conn) readMACPacket() ([]byte, error) {
	bs := c.read.blockSize
	firstCipher := make([]byte, bs)
	if _, err := io.ReadFull(c.rw, firstCipher); err != nil {
		return nil, errors.Wrap(err, "transport: reading first cipher block")
	}
	firstClear := make([]byte, bs)
	c.read.stream.XORKeyStream(firstClear, firstCipher)
	packetLen := binary.BigEndian.Uint32(firstClear[0:4])
	if err := validatePacketLen(packetLen, bs); err != nil {
		return nil, err
	}

	remaining := int(packetLen) - (bs - 4)
	if remaining < 0 {
		return nil, ErrProtocol
	}
	restCipher := make([]byte, remaining)
	if _, err := io.ReadFull(c.rw, restCipher); err != nil {
		return nil, errors.Wrap(err, "transport: reading packet body")
	}
	mac := make([]byte, c.read.macLen)
	if _, err := io.ReadFull(c.rw, mac); err != nil {
		return nil, errors.Wrap(err, "transport: reading mac")
	}

	restClear := make([]byte, remaining)
	if remaining > 0 {
		c.read.stream.XORKeyStream(restClear, restCipher)
	}

	clearFrame := make([]byte, 4+int(packetLen))
	copy(clearFrame, firstClear)
	copy(clearFrame[bs:], restClear)

	want := c.computeMAC(c.read, c.read.seq, clearFrame)
	if !hmacEqual(want, mac) {
		return nil, ErrMAC
	}

	c.accountTransfer(c.read, bs+len(restCipher)+len(mac))
	c.read.seq++
	return c.stripAndDecompress(clearFrame[4:])
}

func (c *Conn) stripAndDecompress(body []byte) ([]byte, error) {
	if len(body) < 1 {
		return nil, ErrProtocol
	}
	padLen := int(body[0])
	if padLen+1 > len(body) {
		return nil, ErrProtocol
	}
	payload := body[1 : len(body)-padLen]
	return c.readZ.decompress(payload)
}

func validatePacketLen(packetLen uint32, blockSize int) error {
	if packetLen < minPacketLen || packetLen > maxPacketLen {
		return ErrProtocol
	}
	if int(packetLen+4)%blockSize != 0 {
		return ErrProtocol
	}
	return nil
}

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// Close tears down the underlying transport.
func (c *Conn) Close() error { return c.rw.Close() }

// deadlineSetter is the subset of net.Conn the session loop uses to give
// ReadPacket a bounded wait, matching §4.5 step 2's select-with-timeout
// against rekey/keepalive/idle deadlines. Not every io.ReadWriteCloser
// supports it (an in-memory pipe in a test, say), so SetReadDeadline is a
// best-effort no-op when c.rw doesn't implement it.
type deadlineSetter interface {
	SetReadDeadline(t time.Time) error
}

// SetReadDeadline forwards to the underlying connection's deadline, if it
// supports one. Returns nil when the underlying stream has no deadline
// concept.
func (c *Conn) SetReadDeadline(t time.Time) error {
	if ds, ok := c.rw.(deadlineSetter); ok {
		return ds.SetReadDeadline(t)
	}
	return nil
}
