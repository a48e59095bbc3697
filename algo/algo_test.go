package algo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListNamesSkipsUnusable(t *testing.T) {
	l := List{
		{Name: "a", Usable: true},
		{Name: "b", Usable: false},
		{Name: "c", Usable: true},
	}
	assert.Equal(t, []string{"a", "c"}, l.Names())
}

func TestNegotiatePicksFirstClientMatch(t *testing.T) {
	server := List{
		{Name: KexDHGroup14SHA256, Usable: true},
		{Name: KexCurve25519SHA256, Usable: true},
	}
	got, ok := Negotiate([]string{KexCurve25519SHA256, KexDHGroup14SHA256}, server)
	require.True(t, ok)
	assert.Equal(t, KexCurve25519SHA256, got)
}

func TestNegotiateSkipsUnusableServerEntry(t *testing.T) {
	server := List{
		{Name: KexCurve25519SHA256, Usable: false},
		{Name: KexDHGroup14SHA256, Usable: true},
	}
	got, ok := Negotiate([]string{KexCurve25519SHA256, KexDHGroup14SHA256}, server)
	require.True(t, ok)
	assert.Equal(t, KexDHGroup14SHA256, got)
}

func TestNegotiateNoCommonAlgorithm(t *testing.T) {
	server := List{{Name: KexDHGroup14SHA256, Usable: true}}
	_, ok := Negotiate([]string{KexCurve25519SHA256}, server)
	assert.False(t, ok)
}

func TestGuessMatches(t *testing.T) {
	assert.True(t, GuessMatches(KexCurve25519SHA256, KexCurve25519SHA256))
	assert.False(t, GuessMatches(KexCurve25519SHA256, KexDHGroup14SHA256))
}

func TestNegotiateAllAEADSkipsMAC(t *testing.T) {
	local := DefaultRegistry()
	n, err := NegotiateAll(local,
		local.Kex.Names(), local.HostKey.Names(),
		[]string{CipherChaCha20Poly1305}, []string{CipherChaCha20Poly1305},
		nil, nil,
		[]string{CompNone}, []string{CompNone},
	)
	require.NoError(t, err)
	assert.Equal(t, CipherChaCha20Poly1305, n.CipherC2S)
	assert.Equal(t, MACImplicit, n.MACC2S)
	assert.Equal(t, MACImplicit, n.MACS2C)
}

func TestNegotiateAllNonAEADRequiresMAC(t *testing.T) {
	local := DefaultRegistry()
	_, err := NegotiateAll(local,
		local.Kex.Names(), local.HostKey.Names(),
		[]string{CipherAES256CTR}, []string{CipherAES256CTR},
		nil, nil,
		[]string{CompNone}, []string{CompNone},
	)
	assert.Error(t, err)
}

func TestNegotiateAllFullRoundTrip(t *testing.T) {
	local := DefaultRegistry()
	n, err := NegotiateAll(local,
		local.Kex.Names(), local.HostKey.Names(),
		local.CipherC2S.Names(), local.CipherS2C.Names(),
		local.MACC2S.Names(), local.MACS2C.Names(),
		local.CompC2S.Names(), local.CompS2C.Names(),
	)
	require.NoError(t, err)
	assert.Equal(t, KexCurve25519SHA256, n.Kex)
	assert.Equal(t, SigEd25519, n.HostKey)
}
