package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"blitter.com/go/xssh/rnd"
)

func TestDHGroup14SharedSecretSymmetric(t *testing.T) {
	client := newDHExchange(rnd.Default())
	server := newDHExchange(rnd.Default())

	clientK, err := client.sharedSecret(server.pub)
	require.NoError(t, err)
	serverK, err := server.sharedSecret(client.pub)
	require.NoError(t, err)

	require.Equal(t, 0, clientK.Cmp(serverK))
}

func TestDHGroup14RejectsOutOfRangePeerValue(t *testing.T) {
	client := newDHExchange(rnd.Default())
	_, err := client.sharedSecret(dhGroup14.p)
	require.Error(t, err)
}
