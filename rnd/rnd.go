// Package rnd implements the hash-chain random source used to generate
// session keys, padding, and KEX private values.
//
// Copyright (c) 2017-2019 Russell Magee
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
//
// golang implementation by Russ Magee (rmagee_at_gmail.com)
package rnd

import (
	"crypto/rand"
	"crypto/sha256"
	"math/big"
	"sync"
)

// maxCounter bounds how many hash-chain outputs are drawn from one pool
// before it is reseeded from the OS, mirroring dbrandom.c's MAX_COUNTER
// (1<<30) backstop against a pool ever being exhausted predictably.
const maxCounter = 1 << 30

const poolSize = sha256.Size

// Source is a hash-chain PRNG: a fixed-size pool is seeded once from the
// OS CSPRNG, then each output is hash(pool || counter), counter
// incrementing every call and triggering a reseed once it crosses
// maxCounter. This mirrors Dropbear's genrandom()/seedrandom() design,
// adapted to draw all entropy from crypto/rand rather than scraping
// /dev/urandom and /proc directly — Go's crypto/rand already gives strong
// OS entropy, so the pool-seed step collapses to one Read call.
type Source struct {
	mu      sync.Mutex
	pool    [poolSize]byte
	counter uint32
	seeded  bool
}

// New returns an unseeded Source; it seeds itself lazily on first use so
// that construction never fails.
func New() *Source {
	return &Source{}
}

func (s *Source) seedLocked() {
	if _, err := rand.Read(s.pool[:]); err != nil {
		panic("rnd: OS entropy source failed: " + err.Error())
	}
	s.counter = 0
	s.seeded = true
}

// Read fills p with hash-chain output, reseeding the pool from the OS as
// needed. It never returns an error, matching io.Reader but always
// succeeding (a failed OS entropy read is fatal, as in dbrandom.c).
func (s *Source) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for n < len(p) {
		if !s.seeded || s.counter > maxCounter {
			s.seedLocked()
		}
		h := sha256.New()
		h.Write(s.pool[:])
		var ctr [4]byte
		putUint32(ctr[:], s.counter)
		h.Write(ctr[:])
		s.counter++
		out := h.Sum(nil)
		n += copy(p[n:], out)
		for i := range out {
			out[i] = 0
		}
	}
	return n, nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// maskTable masks off high bits so a byte-aligned random draw can be
// rejection-sampled down to an arbitrary bit length, mirroring dbrandom.c's
// masks[] table in gen_random_mpint.
var maskTable = [8]byte{0x00, 0x01, 0x03, 0x07, 0x0f, 0x1f, 0x3f, 0x7f}

// GenMPInt returns a uniformly random value in (0, max) via rejection
// sampling: draw len(max)-bytes worth of random bytes, mask the top byte
// down to max's bit length, and retry on a draw that is zero or >= max.
// Mirrors dbrandom.c's gen_random_mpint exactly.
func (s *Source) GenMPInt(max *big.Int) *big.Int {
	if max.Sign() <= 0 {
		panic("rnd: GenMPInt requires a positive max")
	}
	bitlen := max.BitLen()
	nbytes := (bitlen + 7) / 8
	buf := make([]byte, nbytes)
	topMask := maskTable[bitlen%8]
	if topMask == 0 {
		topMask = 0xff
	}

	for {
		if _, err := s.Read(buf); err != nil {
			panic("rnd: GenMPInt read failed: " + err.Error())
		}
		buf[0] &= topMask
		v := new(big.Int).SetBytes(buf)
		if v.Sign() > 0 && v.Cmp(max) < 0 {
			for i := range buf {
				buf[i] = 0
			}
			return v
		}
	}
}

// Padding returns n bytes of random padding, used by the packet engine for
// SSH padding bytes and by NewKexInit for the KEXINIT cookie.
func (s *Source) Padding(n int) []byte {
	b := make([]byte, n)
	_, _ = s.Read(b)
	return b
}

// shared is the process-wide default Source, lazily seeded on first use.
var shared = New()

// Default returns the process-wide hash-chain random source.
func Default() *Source { return shared }
