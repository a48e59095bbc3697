package transport

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHerraduraSharedSecretSymmetric(t *testing.T) {
	client := newHerraduraExchange()
	server := newHerraduraExchange()

	clientShared, err := client.sharedSecret(server.publicValue())
	require.NoError(t, err)
	serverShared, err := server.sharedSecret(client.publicValue())
	require.NoError(t, err)

	require.Equal(t, 0, clientShared.Cmp(serverShared))
}

func TestHerraduraRejectsNonPositivePeerValue(t *testing.T) {
	client := newHerraduraExchange()
	_, err := client.sharedSecret(big.NewInt(0))
	require.Error(t, err)

	_, err = client.sharedSecret(big.NewInt(-5))
	require.Error(t, err)
}
