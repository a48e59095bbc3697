package transport

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha512"

	kyber "git.schwanenlied.me/yawning/kyber.git"
	"github.com/pkg/errors"

	"blitter.com/go/xssh/wire"
)

// PQ-hybrid KEX combines a Kyber768 KEM with an X25519 exchange, per
// spec.md's "client sends C_PK2 || C_PK1 ... shared secret =
// KDF_hash(KEM_shared || X25519_shared)". Grounded on xsnet/net.go's
// Kyber*DialSetup/AcceptSetup flow (KEMEncrypt/KEMDecrypt/GenerateKeyPair),
// adapted from that package's ad-hoc fmt.Fscanf wire framing to this
// core's length-prefixed wire.Buffer encoding.
type hybridClientState struct {
	kyberPriv *kyber.PrivateKey
	kyberPub  *kyber.PublicKey
	x25519    *ecdh.PrivateKey
}

// newHybridClientInit generates the client's ephemeral Kyber768 keypair and X25519
// keypair and returns the wire blob C_PK2 || C_PK1 to send in the KEX
// init message.
func newHybridClientInit() (*hybridClientState, []byte, error) {
	pub, priv, err := kyber.Kyber768.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "transport: generating kyber768 keypair")
	}
	xPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "transport: generating x25519 keypair")
	}
	b := wire.New(4096)
	b.PutString(pub.Bytes())
	b.PutString(xPriv.PublicKey().Bytes())
	return &hybridClientState{kyberPriv: priv, kyberPub: pub, x25519: xPriv}, b.Bytes(), nil
}

// clientFinish consumes the server's S_CT2 || S_PK1 reply and derives the
// combined shared secret.
func (h *hybridClientState) clientFinish(reply []byte) ([]byte, error) {
	b := wire.NewFromBytes(reply)
	ct := b.GetString()
	serverX25519Pub := b.GetString()

	kemShared := h.kyberPriv.KEMDecrypt(ct)

	peerPub, err := ecdh.X25519().NewPublicKey(serverX25519Pub)
	if err != nil {
		return nil, errors.Wrap(err, "transport: invalid server x25519 public key")
	}
	xShared, err := h.x25519.ECDH(peerPub)
	if err != nil {
		return nil, errors.Wrap(err, "transport: x25519 agreement failed")
	}
	return hybridKDF(kemShared, xShared), nil
}

// serverRespondHybrid consumes the client's C_PK2 || C_PK1 init blob, performs
// Kyber encapsulation and X25519 agreement, and returns (S_CT2||S_PK1,
// sharedSecret).
func serverRespondHybrid(clientInit []byte) (reply []byte, shared []byte, err error) {
	b := wire.NewFromBytes(clientInit)
	clientKyberPub := b.GetString()
	clientX25519Pub := b.GetString()

	peerKyberPub, err := kyber.Kyber768.PublicKeyFromBytes(clientKyberPub)
	if err != nil {
		return nil, nil, errors.Wrap(err, "transport: invalid client kyber768 public key")
	}
	ct, kemShared, err := peerKyberPub.KEMEncrypt(rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "transport: kyber768 encapsulation failed")
	}

	xPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "transport: generating x25519 keypair")
	}
	peerX25519Pub, err := ecdh.X25519().NewPublicKey(clientX25519Pub)
	if err != nil {
		return nil, nil, errors.Wrap(err, "transport: invalid client x25519 public key")
	}
	xShared, err := xPriv.ECDH(peerX25519Pub)
	if err != nil {
		return nil, nil, errors.Wrap(err, "transport: x25519 agreement failed")
	}

	rb := wire.New(4096)
	rb.PutString(ct)
	rb.PutString(xPriv.PublicKey().Bytes())
	reply = rb.Bytes()
	shared = hybridKDF(kemShared, xShared)
	return reply, shared, nil
}

// hybridKDF combines the two shared secrets. Per §4.4 [ADD], the result
// is fed into the exchange hash via writeString, never writeMPInt — it is
// not a big-endian integer, just a KDF output octet string.
func hybridKDF(kemShared, xShared []byte) []byte {
	h := sha512.New()
	h.Write(kemShared)
	h.Write(xShared)
	return h.Sum(nil)
}
