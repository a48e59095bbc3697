package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"blitter.com/go/xssh/algo"
)

func TestECDHSharedSecretSymmetricAllCurves(t *testing.T) {
	for _, kexAlgo := range []string{
		algo.KexCurve25519SHA256,
		algo.KexECDHSHA2NistP256,
		algo.KexECDHSHA2NistP384,
		algo.KexECDHSHA2NistP521,
	} {
		client, err := newEcdhExchange(kexAlgo)
		require.NoError(t, err)
		server, err := newEcdhExchange(kexAlgo)
		require.NoError(t, err)

		clientShared, err := client.sharedSecret(server.pubBlob)
		require.NoError(t, err)
		serverShared, err := server.sharedSecret(client.pubBlob)
		require.NoError(t, err)

		require.Equal(t, clientShared, serverShared)
	}
}

func TestECDHRejectsInvalidPeerKey(t *testing.T) {
	client, err := newEcdhExchange(algo.KexCurve25519SHA256)
	require.NoError(t, err)
	_, err = client.sharedSecret([]byte{0x01, 0x02})
	require.Error(t, err)
}

func TestEcdhCurveForUnknownAlgorithm(t *testing.T) {
	_, err := ecdhCurveFor("not-a-kex-algorithm")
	require.Error(t, err)
}
