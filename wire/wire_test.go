// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package wire_test

import (
	"strings"
	"testing"

	"github.com/creachadair/blobject/wire"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestVint30(t *testing.T) {
	tests := []struct {
		input wire.Vint30
		want  string
	}{
		// Single-byte encodings.
		{0, "\x00"},
		{1, "\x04"},
		{63, "\xfc"},

		// Two-byte encodings.
		{64, "\x01\x01"},
		{100, "\x91\x01"},
		{500, "\xd1\x07"},
		{16383, "\xfd\xff"},

		// Three-byte encodings.
		{16384, "\x02\x00\x01"},
		{65000, "\xa2\xf7\x03"},
		{1048576, "\x02\x00\x40"},

		// Four-byte encodings.
		{62830181, "\x97\xd9\xfa\x0e"},
		{536896023, "\x5f\x88\x01\x80"},
		{1073741823, "\xff\xff\xff\xff"}, // maximum supported value
	}

	var packed []byte
	for _, tc := range tests {
		got := tc.input.Append(nil)
		if string(got) != tc.want {
			t.Errorf("Encode %d: got %v, want %v", tc.input, got, []byte(tc.want))
		}
		packed = tc.input.Append(packed) // see below

		// Make sure the value round-trips individually.
		s := wire.NewScanner(got)
		cmp, err := s.Vint30()
		if err != nil {
			t.Errorf("Scan: unexpected error: %v", err)
		} else if wire.Vint30(cmp) != tc.input {
			t.Errorf("Scan: got %v, want %v", cmp, tc.input)
		}
	}

	// Now decode the accumulated results to verify self-framing.
	t.Logf("Packed: %v", packed)
	s := wire.NewScanner(packed)
	var i int
	for s.Len() != 0 {
		got, err := s.Vint30()
		if err != nil {
			t.Fatalf("Invalid encoding at offset %d (%v)", s.Offset(), s.Rest())
		} else if i > len(tests) {
			t.Errorf("Index %d: got extra value %d (%v)", i, got, s.Rest())
		} else if wire.Vint30(got) != tests[i].input {
			t.Errorf("Index %d: got %v, want %v", i, got, tests[i].input)
		}
		i++
	}
}

func TestBuilder(t *testing.T) {
	var b wire.Builder
	b.Bool(true)
	b.Put(5, 9, 100)
	b.Uint16(5000)
	b.Uint32(0xfc009a01)
	b.Vint30(999)
	b.VPutString("apple")
	b.VPut([]byte("pear"))
	b.PutString("xyzzy")

	const want = "\x01\x05\x09\x64\x13\x88\xfc\x00\x9a\x01\x9d\x0f\x14apple\x10pearxyzzy"
	//             ^   ^---^---^-- ^-----  ^-------------- ^-----  ^------- ^------^----
	//          bool  byte*3        uint16  uint32          vint30  string   bytes literal

	if n := b.Len(); n != len(want) {
		t.Errorf("Len = %d, want %d", n, len(want))
	}
	if string(b.Bytes()) != want {
		t.Errorf("Bytes = %q, want %q", b.Bytes(), want)
	}

	s := wire.NewScanner(b.Bytes())
	check(t, "Bool", s.Bool, true)
	check(t, "Byte 1", s.Byte, 5)
	check(t, "Byte 2", s.Byte, 9)
	check(t, "Byte 3", s.Byte, 100)
	check(t, "Uint16", s.Uint16, 5000)
	check(t, "Uint32", s.Uint32, 0xfc009a01)
	check(t, "Vint30", s.Vint30, 999)
	check(t, "VString", func() (string, error) { return wire.VGet[string](s) }, "apple")
	check(t, "VBytes", func() ([]byte, error) { return wire.VGet[[]byte](s) }, []byte("pear"))
	check(t, "Literal", func() (string, error) { return wire.Get[string](s, 5) }, "xyzzy")

	if s.Len() != 0 {
		t.Errorf("Extra data at EOF (%d bytes): %q", s.Len(), s.Rest())
	}
}

func check[T any](t *testing.T, label string, f func() (T, error), want T) {
	t.Helper()

	got, err := f()
	if err != nil {
		t.Errorf("%s: unexpected error: %v", label, err)
	} else if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("%s result (-got, +want):\n%s", label, diff)
	}
}

func TestDict(t *testing.T) {
	tests := []struct {
		input map[string]string
		want  string
	}{
		{nil, "\x00"},
		{map[string]string{}, "\x00"},
		{map[string]string{"a": "1"}, "\x04\x04a\x041"},
		{map[string]string{"b": "", "a": "xy"}, "\x08\x04a\x08xy\x04b\x00"},
	}
	for _, tc := range tests {
		var b wire.Builder
		b.Dict(tc.input)
		if got := string(b.Bytes()); got != tc.want {
			t.Errorf("Dict %v: got %q, want %q", tc.input, got, tc.want)
		}

		got, err := wire.NewScanner(b.Bytes()).Dict()
		if err != nil {
			t.Errorf("Scan dict %q: unexpected error: %v", tc.want, err)
		} else if diff := cmp.Diff(got, tc.input, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("Scan dict (-got, +want):\n%s", diff)
		}
	}

	t.Run("Truncated", func(t *testing.T) {
		for _, bad := range []string{"", "\x04", "\x04\x04a", "\x08\x04a\x041"} {
			if m, err := wire.NewScanner(bad).Dict(); err == nil {
				t.Errorf("Dict %q: got %v, want error", bad, m)
			}
		}
	})
}

func TestEncaps(t *testing.T) {
	for _, payload := range []string{"", "x", "hello, world", strings.Repeat("z", 70000)} {
		buf := wire.Encapsulate(wire.Encoding11, []byte(payload))
		if got, want := len(buf), wire.EncapsHeaderLen+len(payload); got != want {
			t.Errorf("Encapsulate: got %d bytes, want %d", got, want)
		}
		enc, data, err := wire.Decapsulate(buf)
		if err != nil {
			t.Fatalf("Decapsulate: unexpected error: %v", err)
		}
		if enc != wire.Encoding11 {
			t.Errorf("Decapsulate encoding: got %v, want %v", enc, wire.Encoding11)
		}
		if string(data) != payload {
			t.Errorf("Decapsulate payload: got %d bytes, want %d", len(data), len(payload))
		}
	}

	t.Run("Invalid", func(t *testing.T) {
		for _, bad := range []string{
			"",                        // no header
			"\x00\x00\x00\x05\x01\x01", // size smaller than header
			"\x00\x00\x00\x08\x01\x01a",  // short payload
			"\x00\x00\x00\x06\x01",     // short version
			"\x00\x00\x00\x06\x01\x01?", // trailing data
		} {
			if _, data, err := wire.Decapsulate([]byte(bad)); err == nil {
				t.Errorf("Decapsulate %q: got %q, want error", bad, data)
			}
		}
	})
}

func TestParseEncoding(t *testing.T) {
	if enc, err := wire.ParseEncoding("1.1"); err != nil || enc != wire.Encoding11 {
		t.Errorf("ParseEncoding(1.1): got %v, %v; want %v", enc, err, wire.Encoding11)
	}
	if got := (wire.Encoding{Major: 2, Minor: 0}).String(); got != "2.0" {
		t.Errorf("String: got %q, want 2.0", got)
	}
	if enc, err := wire.ParseEncoding("bogus"); err == nil {
		t.Errorf("ParseEncoding(bogus): got %v, want error", enc)
	}
}
