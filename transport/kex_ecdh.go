package transport

import (
	"crypto/ecdh"
	"crypto/rand"

	"github.com/pkg/errors"

	"blitter.com/go/xssh/algo"
)

// ecdhCurveFor picks the crypto/ecdh curve for a negotiated KEX algorithm,
// unifying NIST P-256/384/521 and curve25519 behind one interface — the
// stdlib's crypto/ecdh package collapses what client.go's older snapshot
// did separately via crypto/elliptic.
func ecdhCurveFor(kexAlgo string) (ecdh.Curve, error) {
	switch kexAlgo {
	case algo.KexCurve25519SHA256:
		return ecdh.X25519(), nil
	case algo.KexECDHSHA2NistP256:
		return ecdh.P256(), nil
	case algo.KexECDHSHA2NistP384:
		return ecdh.P384(), nil
	case algo.KexECDHSHA2NistP521:
		return ecdh.P521(), nil
	default:
		return nil, errors.Errorf("transport: %q is not an ECDH-shaped kex algorithm", kexAlgo)
	}
}

// ecdhResult is the local half of an ECDH/curve25519 exchange: an
// ephemeral keypair and, once the peer's public key is known, the raw
// shared secret.
type ecdhResult struct {
	curve   ecdh.Curve
	priv    *ecdh.PrivateKey
	pubBlob []byte
}

func newEcdhExchange(kexAlgo string) (*ecdhResult, error) {
	curve, err := ecdhCurveFor(kexAlgo)
	if err != nil {
		return nil, err
	}
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "transport: generating ephemeral ecdh key")
	}
	return &ecdhResult{curve: curve, priv: priv, pubBlob: priv.PublicKey().Bytes()}, nil
}

// sharedSecret computes K from the peer's raw public-key bytes. Per spec
// step 3, an all-zero curve25519 output must be rejected (a low-order
// point attack); crypto/ecdh already rejects non-canonical/low-order
// X25519 inputs, so the explicit all-zero check here is defense in depth.
func (e *ecdhResult) sharedSecret(peerPub []byte) ([]byte, error) {
	pub, err := e.curve.NewPublicKey(peerPub)
	if err != nil {
		return nil, errors.Wrap(err, "transport: invalid peer ecdh public key")
	}
	secret, err := e.priv.ECDH(pub)
	if err != nil {
		return nil, errors.Wrap(err, "transport: ecdh agreement failed")
	}
	allZero := true
	for _, b := range secret {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return nil, errors.New("transport: ecdh produced all-zero shared secret")
	}
	return secret, nil
}
