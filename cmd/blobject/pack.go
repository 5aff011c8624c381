package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/creachadair/blobject/wire"
	"github.com/creachadair/command"
)

var packCmd = &command.C{
	Name:  "pack",
	Usage: "<pattern> <argument>...",
	Help: `Pack arguments into binary parameters.

The pattern specifies the sequence of values to concatenate into the output.
Whitespace in the pattern is ignored; otherwise the pattern specifies how the
corresponding argument is processed:

  q  : a quoted literal string (Go style) without framing
  r  : a raw literal string encoded without framing
  s  : a string encoded with a vint30 length prefix
  %  : a Boolean constant (true or false)
  v  : a vint30 value (unsigned)
  1  : a uint8 value (1 byte)
  2  : a uint16 value (2 bytes)
  4  : a uint32 value (4 bytes)
  8  : a uint64 value (8 bytes)

By default, fixed-width integer values are packed in big-endian order, but the
following symbols modify the byte order for future values:

  <  : encode as little-endian
  >  : encode as big-endian (this is the default)

A "(" begins a subpattern, which goes until a matching ")". Each subpattern
is encoded according to its contents, with a length prefix prepended. By
default, the length prefix is a vint30, but the following symbols modify the
length encoding for future subpatterns:

  @  : encode length as a uint16 (2 bytes)
  $  : encode length as a uint32 (4 bytes)
  *  : encode length as a uint64 (8 bytes)
  ?  : encode length as a vint30 (this is the default)

A "[" begins a subpattern, which goes until a matching "]", whose contents
are wrapped in an encapsulation with encoding 1.1.

Subpatterns may be nested.`,
	Run: func(env *command.Env) error {
		if len(env.Args) == 0 {
			return env.Usagef("missing pattern argument")
		}
		enc, rest, err := formatData(env.Args[0], env.Args[1:])
		if err != nil {
			return err
		} else if len(rest) != 0 {
			return fmt.Errorf("extra arguments: %q", rest)
		}
		os.Stdout.Write(enc)
		return nil
	},
}

// formatData encodes args according to pat, and returns the encoding along
// with any arguments not consumed by the pattern.
func formatData(pat string, args []string) ([]byte, []string, error) {
	size := byte('?')
	var byteOrder binary.AppendByteOrder = binary.BigEndian
	var b wire.Builder
	packSize := func(n int) {
		switch size {
		case '?':
			b.Vint30(uint32(n))
		case '@':
			b.Put(byteOrder.AppendUint16(nil, uint16(n))...)
		case '$':
			b.Put(byteOrder.AppendUint32(nil, uint32(n))...)
		case '*':
			b.Put(byteOrder.AppendUint64(nil, uint64(n))...)
		default:
			panic("invalid size type: " + string(size))
		}
	}
	for i := 0; i < len(pat); i++ {
		c := pat[i]
		switch c {
		case 'q', 'r', 's', '%', 'v', '1', '2', '4', '8':
			// OK, these need an argument (see below)
		case ' ', '\t', '\n':
			continue
		case '@', '$', '*', '?':
			size = c
			continue
		case '<':
			byteOrder = binary.LittleEndian
			continue
		case '>':
			byteOrder = binary.BigEndian
			continue
		case '(', '[':
			rc := byte(')')
			if c == '[' {
				rc = ']'
			}
			sub, ok := cutParen(pat[i+1:], c, rc)
			if !ok {
				return nil, nil, fmt.Errorf("missing close %c", rc)
			}
			sd, sa, err := formatData(sub, args)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid subpattern: %w", err)
			}
			if c == '(' {
				if size == '?' && len(sd) > wire.MaxVint30 {
					return nil, nil, errors.New("subpattern too long for vint30")
				}
				packSize(len(sd))
				b.Put(sd...)
			} else {
				b.Encaps(wire.Encoding11, sd)
			}
			args = sa
			i += len(sub) + 1
			continue
		default:
			return nil, nil, fmt.Errorf("invalid pattern word %c", c)
		}

		if len(args) == 0 {
			return nil, nil, fmt.Errorf("missing argument for %c", c)
		}
		switch c {
		case 'q':
			dec, err := strconv.Unquote(`"` + args[0] + `"`)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid string: %w", err)
			}
			b.PutString(dec)
		case 'r':
			b.PutString(args[0])
		case 's':
			b.VPutString(args[0])
		case '%':
			v, err := strconv.ParseBool(args[0])
			if err != nil {
				return nil, nil, fmt.Errorf("invalid bool: %w", err)
			}
			b.Bool(v)
		case 'v':
			v, err := strconv.ParseUint(args[0], 10, 30)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid vint30: %w", err)
			}
			b.Vint30(uint32(v))
		case '1':
			v, err := strconv.ParseUint(args[0], 10, 8)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid byte: %w", err)
			}
			b.Put(byte(v))
		case '2':
			v, err := strconv.ParseUint(args[0], 10, 16)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid uint16: %w", err)
			}
			b.Put(byteOrder.AppendUint16(nil, uint16(v))...)
		case '4':
			v, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid uint32: %w", err)
			}
			b.Put(byteOrder.AppendUint32(nil, uint32(v))...)
		case '8':
			v, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid uint64: %w", err)
			}
			b.Put(byteOrder.AppendUint64(nil, v)...)
		default:
			panic("invalid code: " + string(c))
		}
		args = args[1:]
	}
	return b.Bytes(), args, nil
}

// cutParen returns the prefix of s up to the close bracket r that matches an
// open bracket l preceding s.
func cutParen(s string, l, r byte) (string, bool) {
	d := 1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case l:
			d++
		case r:
			d--
			if d == 0 {
				return s[:i], true
			}
		}
	}
	return s, false
}
