// Package wire implements the length-checked byte cursor used to encode
// and decode SSH wire format values (RFC 4251 §5).
//
// Copyright (c) 2017-2019 Russell Magee
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
//
// golang implementation by Russ Magee (rmagee_at_gmail.com)
package wire

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"
)

// maxIncr is an overflow backstop on any single length increment, mirroring
// Dropbear's BUF_MAX_INCR/BUF_MAX_SIZE.
const maxIncr = 1000000000

// maxSize is the hard cap on a Buffer's backing allocation.
const maxSize = 1000000000

// maxMPIntBytes rejects mpints over ~8192 bits (BUF_MAX_MPINT).
const maxMPIntBytes = 8240 / 8

// maxStringLen rejects absurd length-prefixed strings before allocating.
const maxStringLen = 1024 * 1024 * 256

// Error is the value any accessor panics with when an operation would
// violate the buffer's invariant (pos <= len <= size). It is always fatal
// to the caller: the session loop recovers the panic and sends a clean
// DISCONNECT.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("wire: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func fail(op string, format string, args ...interface{}) error {
	return &Error{Op: op, Err: fmt.Errorf(format, args...)}
}

// Buffer is an owned byte region with three cursors: size (capacity), len
// (valid bytes) and pos (read/write head), satisfying pos <= len <= size at
// all times. Reads advance pos; writes may advance len.
type Buffer struct {
	data []byte
	size int
	len  int
	pos  int
}

// New allocates a Buffer with the given capacity.
func New(size int) *Buffer {
	if size > maxSize {
		panic(fail("New", "size %d exceeds maximum", size))
	}
	return &Buffer{data: make([]byte, size), size: size}
}

// NewFromBytes wraps an existing slice as a full (len==size) Buffer
// positioned at 0, for decoding an already-received payload.
func NewFromBytes(b []byte) *Buffer {
	return &Buffer{data: b, size: len(b), len: len(b)}
}

// Resize grows or shrinks the backing allocation; pos and len are clamped
// down if the buffer shrinks below them.
func (b *Buffer) Resize(newSize int) {
	if newSize > maxSize {
		panic(fail("Resize", "size %d exceeds maximum", newSize))
	}
	nd := make([]byte, newSize)
	copy(nd, b.data)
	b.data = nd
	b.size = newSize
	if b.len > newSize {
		b.len = newSize
	}
	if b.pos > b.len {
		b.pos = b.len
	}
}

// Burn zeroes the backing array. Use in place of Free for buffers that
// have held key material, passwords, or mpint scratch (§9's mandatory
// secret-wiping contract).
func (b *Buffer) Burn() {
	for i := range b.data {
		b.data[i] = 0
	}
	b.len = 0
	b.pos = 0
}

// Copy returns a deep copy sized to the source's current length.
func (b *Buffer) Copy() *Buffer {
	n := New(b.len)
	copy(n.data, b.data[:b.len])
	n.len = b.len
	return n
}

// Len returns the number of valid bytes.
func (b *Buffer) Len() int { return b.len }

// Pos returns the current cursor position.
func (b *Buffer) Pos() int { return b.pos }

// Size returns the backing capacity.
func (b *Buffer) Size() int { return b.size }

// Remaining returns the number of unread bytes from pos to len.
func (b *Buffer) Remaining() int { return b.len - b.pos }

// Bytes returns the valid (0..len) region. Callers must not retain it past
// a Burn/Resize.
func (b *Buffer) Bytes() []byte { return b.data[:b.len] }

// SetLen sets the valid length, clamping pos down if necessary.
func (b *Buffer) SetLen(n int) {
	if n > b.size {
		panic(fail("SetLen", "len %d exceeds size %d", n, b.size))
	}
	b.len = n
	if b.pos > b.len {
		b.pos = b.len
	}
}

// IncrLen grows the valid length by incr.
func (b *Buffer) IncrLen(incr int) {
	if incr > maxIncr || b.len+incr > b.size {
		panic(fail("IncrLen", "incr %d overflows (len=%d size=%d)", incr, b.len, b.size))
	}
	b.len += incr
}

// SetPos moves the cursor to an absolute position within [0, len].
func (b *Buffer) SetPos(pos int) {
	if pos > b.len {
		panic(fail("SetPos", "pos %d exceeds len %d", pos, b.len))
	}
	b.pos = pos
}

// IncrPos advances the read cursor by incr, which must remain within len.
func (b *Buffer) IncrPos(incr int) {
	if incr > maxIncr || b.pos+incr > b.len {
		panic(fail("IncrPos", "incr %d overflows (pos=%d len=%d)", incr, b.pos, b.len))
	}
	b.pos += incr
}

// IncrWritePos advances pos by incr, growing len if the new pos exceeds it
// (but never past size).
func (b *Buffer) IncrWritePos(incr int) {
	if incr > maxIncr || b.pos+incr > b.size {
		panic(fail("IncrWritePos", "incr %d overflows (pos=%d size=%d)", incr, b.pos, b.size))
	}
	b.pos += incr
	if b.pos > b.len {
		b.len = b.pos
	}
}

// DecrPos rewinds the cursor by decr.
func (b *Buffer) DecrPos(decr int) {
	if decr > b.pos {
		panic(fail("DecrPos", "decr %d exceeds pos %d", decr, b.pos))
	}
	b.pos -= decr
}

func (b *Buffer) getPtr(n int) []byte {
	if n > maxIncr || b.pos+n > b.len {
		panic(fail("getPtr", "read of %d overflows (pos=%d len=%d)", n, b.pos, b.len))
	}
	return b.data[b.pos : b.pos+n]
}

func (b *Buffer) getWritePtr(n int) []byte {
	if n > maxIncr || b.pos+n > b.size {
		panic(fail("getWritePtr", "write of %d overflows (pos=%d size=%d)", n, b.pos, b.size))
	}
	return b.data[b.pos : b.pos+n]
}

// GetByte reads a single byte and advances pos.
func (b *Buffer) GetByte() byte {
	p := b.getPtr(1)
	b.pos++
	return p[0]
}

// PutByte writes a single byte, growing len if required.
func (b *Buffer) PutByte(v byte) {
	if b.pos >= b.len {
		b.IncrLen(1)
	}
	b.getWritePtr(1)[0] = v
	b.pos++
}

// GetBool reads a byte as a boolean: any nonzero value maps to true.
func (b *Buffer) GetBool() bool {
	return b.GetByte() != 0
}

// PutBool writes a boolean as a single 0/1 byte.
func (b *Buffer) PutBool(v bool) {
	if v {
		b.PutByte(1)
	} else {
		b.PutByte(0)
	}
}

// GetUint32 reads a big-endian uint32 and advances pos by 4.
func (b *Buffer) GetUint32() uint32 {
	v := binary.BigEndian.Uint32(b.getPtr(4))
	b.pos += 4
	return v
}

// PutUint32 writes a big-endian uint32, growing len if required.
func (b *Buffer) PutUint32(v uint32) {
	binary.BigEndian.PutUint32(b.getWritePtr(4), v)
	b.IncrWritePos(4)
}

// GetBytes returns a copy of the next n bytes and advances pos.
func (b *Buffer) GetBytes(n int) []byte {
	p := b.getPtr(n)
	out := make([]byte, n)
	copy(out, p)
	b.pos += n
	return out
}

// PutBytes appends raw bytes, growing len if required.
func (b *Buffer) PutBytes(p []byte) {
	copy(b.getWritePtr(len(p)), p)
	b.IncrWritePos(len(p))
}

// GetString reads an SSH length-prefixed string (u32 len || bytes).
func (b *Buffer) GetString() []byte {
	n := int(b.GetUint32())
	if n < 0 || n > maxStringLen {
		panic(fail("GetString", "length %d exceeds maximum", n))
	}
	return b.GetBytes(n)
}

// PutString writes an SSH length-prefixed string.
func (b *Buffer) PutString(s []byte) {
	b.PutUint32(uint32(len(s)))
	b.PutBytes(s)
}

// GetMPInt reads an SSH mpint: u32 len || two's-complement big-endian bytes,
// zero-padded when the MSB is set. Negative values and oversize values are
// rejected (§4.1).
func (b *Buffer) GetMPInt() *big.Int {
	n := int(b.GetUint32())
	if n == 0 {
		return new(big.Int)
	}
	if n > maxMPIntBytes {
		panic(fail("GetMPInt", "length %d exceeds maximum mpint size", n))
	}
	p := b.getPtr(1)
	if p[0]&0x80 != 0 {
		panic(fail("GetMPInt", "negative mpint rejected"))
	}
	raw := b.GetBytes(n)
	return new(big.Int).SetBytes(raw)
}

// PutMPInt writes a non-negative big.Int in SSH mpint format: zero yields a
// 4-byte zero length field; values whose MSB would be set in their raw
// big-endian form gain exactly one leading zero padding byte.
func (b *Buffer) PutMPInt(v *big.Int) {
	if v.Sign() < 0 {
		panic(fail("PutMPInt", "negative bignum"))
	}
	if v.Sign() == 0 {
		b.PutUint32(0)
		return
	}
	raw := v.Bytes()
	pad := raw[0]&0x80 != 0
	n := len(raw)
	if pad {
		n++
	}
	b.PutUint32(uint32(n))
	if pad {
		b.PutByte(0x00)
	}
	b.PutBytes(raw)
}

// GetNameList reads a comma-joined name-list string and splits it.
func (b *Buffer) GetNameList() []string {
	s := string(b.GetString())
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// PutNameList writes names as a comma-joined SSH name-list string.
func (b *Buffer) PutNameList(names []string) {
	b.PutString([]byte(strings.Join(names, ",")))
}
