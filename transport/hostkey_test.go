package transport

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/require"

	"blitter.com/go/xssh/algo"
)

func TestEd25519SignerVerifierRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer := &Ed25519Signer{Priv: priv}

	data := []byte("exchange hash H goes here")
	sig, err := signer.Sign(rand.Reader, data)
	require.NoError(t, err)

	verifier, err := ParsePublicKey(signer.PublicKeyBlob())
	require.NoError(t, err)
	require.NoError(t, verifier.Verify(data, sig))

	_ = pub
}

func TestEd25519VerifyRejectsTamperedData(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer := &Ed25519Signer{Priv: priv}

	data := []byte("original")
	sig, err := signer.Sign(rand.Reader, data)
	require.NoError(t, err)

	verifier, err := ParsePublicKey(signer.PublicKeyBlob())
	require.NoError(t, err)
	require.Error(t, verifier.Verify([]byte("tampered"), sig))
}

func TestECDSASignerVerifierRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		curve elliptic.Curve
		name  string
	}{
		{elliptic.P256(), algo.SigECDSANistP256},
		{elliptic.P384(), algo.SigECDSANistP384},
		{elliptic.P521(), algo.SigECDSANistP521},
	} {
		priv, err := ecdsa.GenerateKey(tc.curve, rand.Reader)
		require.NoError(t, err)
		signer := &ECDSASigner{Priv: priv, Name: tc.name}

		data := []byte("exchange hash H for " + tc.name)
		sig, err := signer.Sign(rand.Reader, data)
		require.NoError(t, err)

		verifier, err := ParsePublicKey(signer.PublicKeyBlob())
		require.NoError(t, err)
		require.NoError(t, verifier.Verify(data, sig))
	}
}

func TestRSASignerVerifierRoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	for _, name := range []string{algo.SigRSASHA256, algo.SigRSASHA512} {
		signer := &RSASigner{Priv: priv, Name: name}
		data := []byte("exchange hash H for " + name)
		sig, err := signer.Sign(rand.Reader, data)
		require.NoError(t, err)

		verifier, err := ParsePublicKey(signer.PublicKeyBlob())
		require.NoError(t, err)
		require.NoError(t, verifier.Verify(data, sig))
	}
}

func TestParsePublicKeyRejectsUnknownAlgorithm(t *testing.T) {
	_, err := ParsePublicKey([]byte{0, 0, 0, 6, 's', 's', 'h', '-', 'd', 's'})
	require.Error(t, err)
}
