package wire

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetByte(t *testing.T) {
	b := New(16)
	b.PutByte(0x42)
	b.PutBool(true)
	b.SetPos(0)
	assert.Equal(t, byte(0x42), b.GetByte())
	assert.True(t, b.GetBool())
}

func TestPutGetUint32(t *testing.T) {
	b := New(16)
	b.PutUint32(0xdeadbeef)
	b.SetPos(0)
	assert.Equal(t, uint32(0xdeadbeef), b.GetUint32())
}

func TestPutGetString(t *testing.T) {
	b := New(64)
	b.PutString([]byte("ssh-userauth"))
	b.SetPos(0)
	assert.Equal(t, []byte("ssh-userauth"), b.GetString())
}

func TestPutGetNameList(t *testing.T) {
	b := New(64)
	names := []string{"curve25519-sha256", "diffie-hellman-group14-sha256"}
	b.PutNameList(names)
	b.SetPos(0)
	assert.Equal(t, names, b.GetNameList())
}

func TestNameListEmpty(t *testing.T) {
	b := New(16)
	b.PutNameList(nil)
	b.SetPos(0)
	assert.Nil(t, b.GetNameList())
}

func TestMPIntZero(t *testing.T) {
	b := New(16)
	b.PutMPInt(new(big.Int))
	b.SetPos(0)
	assert.Equal(t, 0, b.GetMPInt().Sign())
}

func TestMPIntPadding(t *testing.T) {
	// 0x80 alone would look negative; encoder must insert a padding byte.
	v := big.NewInt(0x80)
	b := New(16)
	b.PutMPInt(v)
	b.SetPos(0)
	n := b.GetUint32()
	require.Equal(t, uint32(2), n)
	b.SetPos(0)
	got := b.GetMPInt()
	assert.Equal(t, 0, v.Cmp(got))
}

func TestMPIntRoundTrip(t *testing.T) {
	v := new(big.Int)
	v.SetString("123456789012345678901234567890123456789012345678901234567890", 10)
	b := New(128)
	b.PutMPInt(v)
	b.SetPos(0)
	got := b.GetMPInt()
	assert.Equal(t, 0, v.Cmp(got))
}

func TestMPIntRejectsNegative(t *testing.T) {
	b := New(16)
	b.PutUint32(1)
	b.PutByte(0x80)
	b.SetPos(0)
	assert.Panics(t, func() { b.GetMPInt() })
}

func TestOverflowReadPanics(t *testing.T) {
	b := New(4)
	b.PutUint32(1)
	b.SetPos(0)
	b.GetUint32()
	assert.Panics(t, func() { b.GetByte() })
}

func TestOverflowWritePanics(t *testing.T) {
	b := New(2)
	assert.Panics(t, func() { b.PutUint32(1) })
}

func TestBurnZeroesData(t *testing.T) {
	b := New(16)
	b.PutString([]byte("s3cr3t"))
	b.Burn()
	for _, v := range b.data {
		require.Equal(t, byte(0), v)
	}
	assert.Equal(t, 0, b.Len())
}

func TestNewFromBytes(t *testing.T) {
	b := NewFromBytes([]byte{1, 2, 3, 4})
	assert.Equal(t, 4, b.Len())
	assert.Equal(t, byte(1), b.GetByte())
	assert.Equal(t, 3, b.Remaining())
}
