package rnd

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadFillsRequestedLength(t *testing.T) {
	s := New()
	buf := make([]byte, 37)
	n, err := s.Read(buf)
	assert.NoError(t, err)
	assert.Equal(t, 37, n)
}

func TestReadReseedsAcrossCounterBoundary(t *testing.T) {
	s := New()
	s.counter = maxCounter + 1
	s.seeded = true
	before := s.pool
	buf := make([]byte, 8)
	_, _ = s.Read(buf)
	assert.NotEqual(t, before, s.pool)
}

func TestGenMPIntWithinBounds(t *testing.T) {
	s := New()
	max := big.NewInt(1000)
	for i := 0; i < 50; i++ {
		v := s.GenMPInt(max)
		assert.True(t, v.Sign() > 0)
		assert.True(t, v.Cmp(max) < 0)
	}
}

func TestGenMPIntPanicsOnNonPositiveMax(t *testing.T) {
	s := New()
	assert.Panics(t, func() { s.GenMPInt(big.NewInt(0)) })
}

func TestPaddingLength(t *testing.T) {
	s := New()
	p := s.Padding(16)
	assert.Len(t, p, 16)
}

func TestDefaultIsSharedSingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}
