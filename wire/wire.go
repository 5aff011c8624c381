// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package wire provides the low-level encoding primitives shared by the
// request and reply formats: a Builder that appends values to a buffer, a
// Scanner that consumes them, the self-framing Vint30 length encoding, and the
// version-tagged Encapsulation that carries operation parameters.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/creachadair/mds/value"
)

// A Builder is a buffer that accumulates encoded values. The zero value is
// ready for use as an empty builder.
type Builder struct {
	buf []byte
}

// Bool appends a Boolean to b. The encoding is a single byte with value 0 or 1.
func (b *Builder) Bool(ok bool) { b.Put(value.Cond[byte](ok, 1, 0)) }

// Put appends the specified bytes to b in order.
func (b *Builder) Put(vs ...byte) { b.buf = append(b.buf, vs...) }

// PutString appends the bytes of s to b without framing.
func (b *Builder) PutString(s string) { b.buf = append(b.buf, s...) }

// VPut appends a length-prefixed byte string to b. The length is a [Vint30].
func (b *Builder) VPut(vs []byte) {
	b.Grow(VLen(len(vs)))
	b.Vint30(uint32(len(vs)))
	b.buf = append(b.buf, vs...)
}

// VPutString appends a length-prefixed string to b. The length is a [Vint30].
func (b *Builder) VPutString(s string) {
	b.Grow(VLen(len(s)))
	b.Vint30(uint32(len(s)))
	b.buf = append(b.buf, s...)
}

// Dict appends a string dictionary to b. The encoding is a [Vint30] count
// followed by that many key/value pairs, each a length-prefixed string, in
// lexicographic order by key so that equal maps encode identically.
func (b *Builder) Dict(m map[string]string) {
	b.Vint30(uint32(len(m)))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		b.VPutString(k)
		b.VPutString(m[k])
	}
}

// Encaps appends an encapsulation of data tagged with enc.
func (b *Builder) Encaps(enc Encoding, data []byte) {
	b.Grow(EncapsHeaderLen + len(data))
	b.Uint32(uint32(EncapsHeaderLen + len(data)))
	b.Put(enc.Major, enc.Minor)
	b.buf = append(b.buf, data...)
}

// Uint16 appends v to b in big-endian order.
func (b *Builder) Uint16(v uint16) { b.buf = binary.BigEndian.AppendUint16(b.buf, v) }

// Uint32 appends v to b in big-endian order.
func (b *Builder) Uint32(v uint32) { b.buf = binary.BigEndian.AppendUint32(b.buf, v) }

// Vint30 appends a [Vint30] value to b.
func (b *Builder) Vint30(v uint32) { b.buf = Vint30(v).Append(b.buf) }

// Len reports the number of bytes currently in the buffer.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes reports the current contents of the buffer. The builder retains
// ownership of the slice; the caller must not retain or modify it unless b
// will no longer be used.
func (b *Builder) Bytes() []byte { return b.buf }

// Reset discards the contents of b and leaves it empty.
func (b *Builder) Reset() { b.buf = b.buf[:0] }

// Grow ensures that at least n more bytes can be added to b without another
// allocation.
func (b *Builder) Grow(n int) {
	want := len(b.buf) + n
	if cap(b.buf) < want {
		r := make([]byte, len(b.buf), max(want, 2*cap(b.buf)))
		copy(r, b.buf)
		b.buf = r
	}
}

// A Scanner consumes encoded values from the front of an input buffer.
// Incomplete values report [io.ErrUnexpectedEOF].
type Scanner struct {
	rest   []byte
	offset int
}

// NewScanner constructs a [Scanner] that consumes data from input. Values
// returned as slices alias input, so the caller must not modify it while the
// scanner or its results are in use.
func NewScanner[Str ~string | ~[]byte](input Str) *Scanner {
	return &Scanner{rest: []byte(input)}
}

// Bool scans a single byte and reports whether it is non-zero.
func (s *Scanner) Bool() (bool, error) {
	b, err := s.Byte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// Byte scans a single byte from the head of the input.
func (s *Scanner) Byte() (byte, error) {
	if len(s.rest) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	s.offset++
	out := s.rest[0]
	s.rest = s.rest[1:]
	return out, nil
}

// Vint30 parses a single [Vint30] value from the head of the input.
// It reports [io.EOF] if no input remains.
func (s *Scanner) Vint30() (int, error) {
	if len(s.rest) == 0 {
		return 0, io.EOF
	}
	nb := int(s.rest[0]%4) + 1
	if len(s.rest) < nb {
		return 0, io.ErrUnexpectedEOF
	}
	var w uint32
	for i := nb - 1; i >= 0; i-- {
		w = (w * 256) + uint32(s.rest[i])
	}
	s.offset += nb
	s.rest = s.rest[nb:]
	return int(w >> 2), nil
}

// Uint16 parses a big-endian uint16 value from the head of the input.
func (s *Scanner) Uint16() (uint16, error) {
	if len(s.rest) < 2 {
		return 0, fmt.Errorf("value truncated (%d < 2 bytes): %w", len(s.rest), io.ErrUnexpectedEOF)
	}
	s.offset += 2
	out := binary.BigEndian.Uint16(s.rest[:2])
	s.rest = s.rest[2:]
	return out, nil
}

// Uint32 parses a big-endian uint32 value from the head of the input.
func (s *Scanner) Uint32() (uint32, error) {
	if len(s.rest) < 4 {
		return 0, fmt.Errorf("value truncated (%d < 4 bytes): %w", len(s.rest), io.ErrUnexpectedEOF)
	}
	s.offset += 4
	out := binary.BigEndian.Uint32(s.rest[:4])
	s.rest = s.rest[4:]
	return out, nil
}

// Dict parses a string dictionary written by [Builder.Dict]. An empty
// dictionary is reported as nil.
func (s *Scanner) Dict() (map[string]string, error) {
	n, err := s.Vint30()
	if err != nil {
		return nil, fmt.Errorf("dictionary size: %w", noEOF(err))
	} else if n == 0 {
		return nil, nil
	}
	m := make(map[string]string, min(n, 64))
	for i := range n {
		k, err := VGet[string](s)
		if err != nil {
			return nil, fmt.Errorf("dictionary key %d: %w", i+1, noEOF(err))
		}
		v, err := VGet[string](s)
		if err != nil {
			return nil, fmt.Errorf("dictionary value %q: %w", k, noEOF(err))
		}
		m[k] = v
	}
	return m, nil
}

// Encaps parses an encapsulation from the head of the input, and returns its
// encoding and payload. The payload aliases the input.
func (s *Scanner) Encaps() (Encoding, []byte, error) {
	size, err := s.Uint32()
	if err != nil {
		return Encoding{}, nil, fmt.Errorf("encapsulation size: %w", err)
	}
	if size < EncapsHeaderLen {
		return Encoding{}, nil, fmt.Errorf("invalid encapsulation size %d", size)
	}
	vers, err := Get[[]byte](s, 2)
	if err != nil {
		return Encoding{}, nil, fmt.Errorf("encapsulation version: %w", err)
	}
	data, err := Get[[]byte](s, int(size)-EncapsHeaderLen)
	if err != nil {
		return Encoding{}, nil, fmt.Errorf("encapsulation payload: %w", err)
	}
	return Encoding{Major: vers[0], Minor: vers[1]}, data, nil
}

// Len reports the number of remaining unconsumed input bytes in s.
func (s *Scanner) Len() int { return len(s.rest) }

// Offset reports the offset (0-based) of the next unconsumed input byte in s.
func (s *Scanner) Offset() int { return s.offset }

// Rest returns the remaining unconsumed input of s. The caller must not
// modify its contents.
func (s *Scanner) Rest() []byte { return s.rest }

// VGet parses a single length-prefixed string from the head of s. When the
// result is a slice, it aliases the input.
func VGet[Str ~string | ~[]byte](s *Scanner) (out Str, err error) {
	nb, err := s.Vint30()
	if err != nil {
		return out, err
	}
	if len(s.rest) < nb {
		return out, fmt.Errorf("value truncated (%d < %d bytes): %w", len(s.rest), nb, io.ErrUnexpectedEOF)
	}
	s.offset += nb
	out = Str(s.rest[:nb])
	s.rest = s.rest[nb:]
	return out, nil
}

// Get returns exactly n bytes from the head of the input. If fewer are
// available, the remainder is returned along with an error. When the result
// is a slice, it aliases the input.
func Get[Str ~string | ~[]byte](s *Scanner, n int) (Str, error) {
	if len(s.rest) < n {
		return Str(s.rest), fmt.Errorf("value truncated (%d < %d bytes): %w", len(s.rest), n, io.ErrUnexpectedEOF)
	}
	s.offset += n
	out := Str(s.rest[:n])
	s.rest = s.rest[n:]
	return out, nil
}

// noEOF converts a clean EOF into an unexpected one, for values that must be
// present.
func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// VLen reports the encoded size in bytes of an n-byte string with a [Vint30]
// length prefix.
func VLen(n int) int { return Vint30(n).Size() + n }

// Vint30 is an unsigned 30-bit integer that uses a variable-width encoding
// from 1 to 4 bytes.
//
//   - Values v < 64 are encoded as 1 byte.
//   - Values 64 ≤ v < 16384 are encoded as 2 bytes.
//   - Values 16384 ≤ v < 4194304 are encoded as 3 bytes.
//   - Values 4194304 ≤ v < 1073741824 are encoded as 4 bytes.
//
// The value is stored as a little-endian 32-bit word whose two lowest bits
// hold the number of additional bytes, so a decoder learns the length of the
// encoding from its first byte.
type Vint30 uint32

// MaxVint30 is the maximum value that can be encoded by a Vint30.
const MaxVint30 = 1<<30 - 1

// Size reports the number of bytes required to encode v, or -1 if v is too
// large to be encoded.
func (v Vint30) Size() int {
	switch {
	case v < (1 << 6):
		return 1
	case v < (1 << 14):
		return 2
	case v < (1 << 22):
		return 3
	case v < (1 << 30):
		return 4
	default:
		return -1
	}
}

// Append appends the encoded value of v to buf, and returns the updated slice.
// It panics if v is out of range.
func (v Vint30) Append(buf []byte) []byte {
	s := v.Size()
	if s < 0 {
		panic("value out of range")
	}
	w := uint32(v)*4 + uint32(s-1)
	var tmp [4]byte
	for i := range s {
		tmp[i] = byte(w % 256)
		w /= 256
	}
	return append(buf, tmp[:s]...)
}

// EncapsHeaderLen is the size in bytes of an encapsulation header: a 4-byte
// total size followed by the major and minor encoding version.
const EncapsHeaderLen = 6

// Encoding is the version tag of an encapsulation.
type Encoding struct {
	Major, Minor byte
}

// Encoding11 is the default encoding version for new encapsulations.
var Encoding11 = Encoding{Major: 1, Minor: 1}

func (e Encoding) String() string { return fmt.Sprintf("%d.%d", e.Major, e.Minor) }

// ParseEncoding parses a version string of the form "major.minor".
func ParseEncoding(s string) (Encoding, error) {
	var e Encoding
	if _, err := fmt.Sscanf(s, "%d.%d", &e.Major, &e.Minor); err != nil {
		return Encoding{}, fmt.Errorf("invalid encoding %q: %w", s, err)
	}
	return e, nil
}

// Encapsulate returns a new encapsulation of data tagged with enc.
func Encapsulate(enc Encoding, data []byte) []byte {
	var b Builder
	b.Encaps(enc, data)
	return b.Bytes()
}

// Decapsulate parses a complete encapsulation, and reports an error if any
// input remains after it.
func Decapsulate(buf []byte) (Encoding, []byte, error) {
	s := NewScanner(buf)
	enc, data, err := s.Encaps()
	if err != nil {
		return enc, nil, err
	} else if s.Len() != 0 {
		return enc, nil, fmt.Errorf("extra data after encapsulation (%d bytes)", s.Len())
	}
	return enc, data, nil
}
