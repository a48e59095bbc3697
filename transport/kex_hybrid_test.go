package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHybridKEXSharedSecretSymmetric(t *testing.T) {
	clientState, initBlob, err := newHybridClientInit()
	require.NoError(t, err)

	replyBlob, serverShared, err := serverRespondHybrid(initBlob)
	require.NoError(t, err)

	clientShared, err := clientState.clientFinish(replyBlob)
	require.NoError(t, err)

	require.Equal(t, serverShared, clientShared)
	require.Len(t, clientShared, 64) // sha512 output
}

func TestHybridKDFDiffersOnDifferentInputs(t *testing.T) {
	a := hybridKDF([]byte("kem-one"), []byte("x25519-one"))
	b := hybridKDF([]byte("kem-two"), []byte("x25519-one"))
	require.NotEqual(t, a, b)
}
