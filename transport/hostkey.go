package transport

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"io"
	"math/big"

	"github.com/pkg/errors"

	"blitter.com/go/xssh/algo"
	"blitter.com/go/xssh/wire"
)

// Signer is the host-key signing capability the KEX machine calls through.
// The KEX code uses only this interface; the concrete Ed25519Signer,
// ECDSASigner and RSASigner adapters below wrap key material that callers
// (cmd/xsshd) load or generate and hand in.
type Signer interface {
	// PublicKeyBlob returns K_S in SSH wire format (algo name || key fields).
	PublicKeyBlob() []byte
	// Algorithm is the negotiated signature algorithm name this signer
	// produces, one of algo.Sig*.
	Algorithm() string
	// Sign returns a wire-format signature blob over data.
	Sign(rand io.Reader, data []byte) ([]byte, error)
}

// Verifier checks a signature against a parsed public key blob.
type Verifier interface {
	Verify(data, sigBlob []byte) error
}

// ParsePublicKey parses an SSH wire-format public key blob (as received in
// a KEX reply's K_S field) into a Verifier, grounded on certs.go's
// length-prefixed blob layout.
func ParsePublicKey(blob []byte) (Verifier, error) {
	b := wire.NewFromBytes(blob)
	name := string(b.GetString())
	switch name {
	case algo.SigEd25519:
		keyBytes := b.GetString()
		if len(keyBytes) != ed25519.PublicKeySize {
			return nil, errors.New("transport: bad ed25519 public key length")
		}
		return &ed25519Verifier{pub: ed25519.PublicKey(keyBytes)}, nil
	case algo.SigECDSANistP256, algo.SigECDSANistP384, algo.SigECDSANistP521:
		curveName := string(b.GetString())
		point := b.GetString()
		curve, err := curveFor(name)
		if err != nil {
			return nil, err
		}
		if expected := ecdsaCurveName(name); curveName != expected {
			return nil, errors.Errorf("transport: ecdsa curve name mismatch: got %q want %q", curveName, expected)
		}
		x, y := elliptic.Unmarshal(curve, point)
		if x == nil {
			return nil, errors.New("transport: invalid ecdsa point")
		}
		return &ecdsaVerifier{pub: &ecdsa.PublicKey{Curve: curve, X: x, Y: y}}, nil
	case algo.SigRSASHA256, algo.SigRSASHA512:
		eBytes := b.GetMPInt()
		nBytes := b.GetMPInt()
		return &rsaVerifier{pub: &rsa.PublicKey{E: int(eBytes.Int64()), N: nBytes}, algo: name}, nil
	default:
		return nil, errors.Errorf("transport: unsupported host key algorithm %q", name)
	}
}

func curveFor(sigAlgo string) (elliptic.Curve, error) {
	switch sigAlgo {
	case algo.SigECDSANistP256:
		return elliptic.P256(), nil
	case algo.SigECDSANistP384:
		return elliptic.P384(), nil
	case algo.SigECDSANistP521:
		return elliptic.P521(), nil
	default:
		return nil, errors.Errorf("transport: unknown ecdsa algorithm %q", sigAlgo)
	}
}

func ecdsaCurveName(sigAlgo string) string {
	switch sigAlgo {
	case algo.SigECDSANistP256:
		return "nistp256"
	case algo.SigECDSANistP384:
		return "nistp384"
	case algo.SigECDSANistP521:
		return "nistp521"
	default:
		return ""
	}
}

// ed25519Verifier / ed25519Signer

type ed25519Verifier struct{ pub ed25519.PublicKey }

func (v *ed25519Verifier) Verify(data, sigBlob []byte) error {
	b := wire.NewFromBytes(sigBlob)
	name := string(b.GetString())
	if name != algo.SigEd25519 {
		return errors.Errorf("transport: signature algorithm mismatch: got %q want %q", name, algo.SigEd25519)
	}
	sig := b.GetString()
	if !ed25519.Verify(v.pub, data, sig) {
		return errors.New("transport: ed25519 signature verification failed")
	}
	return nil
}

// Ed25519Signer adapts a standard ed25519 private key to the Signer
// interface; exported so cmd/xsshd can wrap a loaded host key without
// the core needing to know about key files.
type Ed25519Signer struct {
	Priv ed25519.PrivateKey
}

func (s *Ed25519Signer) Algorithm() string { return algo.SigEd25519 }

func (s *Ed25519Signer) PublicKeyBlob() []byte {
	b := wire.New(256)
	b.PutString([]byte(algo.SigEd25519))
	b.PutString([]byte(s.Priv.Public().(ed25519.PublicKey)))
	return b.Bytes()
}

func (s *Ed25519Signer) Sign(rnd io.Reader, data []byte) ([]byte, error) {
	sig := ed25519.Sign(s.Priv, data)
	b := wire.New(256)
	b.PutString([]byte(algo.SigEd25519))
	b.PutString(sig)
	return b.Bytes(), nil
}

// ecdsaVerifier / ECDSASigner

type ecdsaVerifier struct{ pub *ecdsa.PublicKey }

func (v *ecdsaVerifier) Verify(data, sigBlob []byte) error {
	b := wire.NewFromBytes(sigBlob)
	name := string(b.GetString())
	rsBuf := wire.NewFromBytes(b.GetString())
	r := rsBuf.GetMPInt()
	s := rsBuf.GetMPInt()
	if !ecdsa.Verify(v.pub, ecdsaDigest(name, data), r, s) {
		return errors.New("transport: ecdsa signature verification failed")
	}
	return nil
}

func ecdsaDigest(sigAlgo string, data []byte) []byte {
	switch sigAlgo {
	case algo.SigECDSANistP256:
		d := sha256.Sum256(data)
		return d[:]
	case algo.SigECDSANistP384:
		d := sha512.Sum384(data)
		return d[:]
	default:
		d := sha512.Sum512(data)
		return d[:]
	}
}

// ECDSASigner adapts a standard ecdsa private key.
type ECDSASigner struct {
	Priv *ecdsa.PrivateKey
	Name string // algo.SigECDSANistP256/384/521
}

func (s *ECDSASigner) Algorithm() string { return s.Name }

func (s *ECDSASigner) PublicKeyBlob() []byte {
	b := wire.New(256)
	b.PutString([]byte(s.Name))
	b.PutString([]byte(ecdsaCurveName(s.Name)))
	b.PutString(elliptic.Marshal(s.Priv.Curve, s.Priv.X, s.Priv.Y))
	return b.Bytes()
}

func (s *ECDSASigner) Sign(rnd io.Reader, data []byte) ([]byte, error) {
	r, sVal, err := ecdsa.Sign(rand.Reader, s.Priv, ecdsaDigest(s.Name, data))
	if err != nil {
		return nil, err
	}
	rs := wire.New(256)
	rs.PutMPInt(r)
	rs.PutMPInt(sVal)

	b := wire.New(256)
	b.PutString([]byte(s.Name))
	b.PutString(rs.Bytes())
	return b.Bytes(), nil
}

// rsaVerifier / RSASigner — ssh-rsa host keys signed with SHA-256/512
// (RFC 8332 rsa-sha2-256/512; this core never negotiates the legacy
// SHA-1 ssh-rsa signature scheme).

type rsaVerifier struct {
	pub  *rsa.PublicKey
	algo string
}

func (v *rsaVerifier) Verify(data, sigBlob []byte) error {
	b := wire.NewFromBytes(sigBlob)
	name := string(b.GetString())
	sig := b.GetString()
	h, hashID := rsaHash(name)
	h.Write(data)
	digest := h.Sum(nil)
	if err := rsa.VerifyPKCS1v15(v.pub, hashID, digest, sig); err != nil {
		return errors.Wrap(err, "transport: rsa signature verification failed")
	}
	return nil
}

func rsaHash(sigAlgo string) (hash.Hash, crypto.Hash) {
	if sigAlgo == algo.SigRSASHA512 {
		return sha512.New(), crypto.SHA512
	}
	return sha256.New(), crypto.SHA256
}

// RSASigner adapts a standard rsa private key.
type RSASigner struct {
	Priv *rsa.PrivateKey
	Name string // algo.SigRSASHA256/512
}

func (s *RSASigner) Algorithm() string { return s.Name }

func (s *RSASigner) PublicKeyBlob() []byte {
	b := wire.New(512)
	b.PutString([]byte(algo.SigRSASHA256)) // key blob algorithm name is fixed; signature algorithm is negotiated separately
	b.PutMPInt(big.NewInt(int64(s.Priv.PublicKey.E)))
	b.PutMPInt(s.Priv.PublicKey.N)
	return b.Bytes()
}

func (s *RSASigner) Sign(rnd io.Reader, data []byte) ([]byte, error) {
	h, hashID := rsaHash(s.Name)
	h.Write(data)
	digest := h.Sum(nil)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.Priv, hashID, digest)
	if err != nil {
		return nil, err
	}
	b := wire.New(512)
	b.PutString([]byte(s.Name))
	b.PutString(sig)
	return b.Bytes(), nil
}
