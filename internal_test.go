package blobject

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"unicode/utf8"

	"github.com/creachadair/blobject/wire"
	"github.com/google/go-cmp/cmp"
)

func TestUTF8Truncation(t *testing.T) {
	tests := []struct {
		input string
		size  int
		want  string
	}{
		{"", 1000, ""},                 // n > length
		{"abc", 4, "abc"},              // n > length
		{"abc", 3, "abc"},              // n == length
		{"abcdefg", 4, "abcd"},         // n < length, safe
		{"abcdefg", 0, ""},             // n < length, safe
		{"abc\U0001fc2d", 3, "abc"},    // n < length, at boundary
		{"abc\U0001fc2d", 4, "abc"},    // n < length, mid-rune
		{"abc\U0001fc2d", 5, "abc"},    // n < length, mid-rune
		{"abc\U0001fc2d", 6, "abc"},    // n < length, mid-rune
		{"abc\U0001fc2defg", 7, "abc"}, // n < length, cut multibyte
	}

	for _, tc := range tests {
		got := truncate(tc.input, tc.size)
		if got != tc.want {
			t.Errorf("truncate(%q, %d): got %q, want %q", tc.input, tc.size, got, tc.want)
		}

		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d): result %q is not valid UTF-8", tc.input, tc.size, got)
		}
	}
}

func TestReplyFor(t *testing.T) {
	cur := NewCurrent(&Request{
		RequestID: 7,
		Identity:  Identity{Name: "obj", Category: "cat"},
		Facet:     "f",
		Operation: "op",
	}, nil)
	ue := &UserException{TypeID: "::Test::Oops", Data: []byte("data")}
	uenc, _ := ue.MarshalBinary()

	var p Peer
	tests := []struct {
		name     string
		body     []byte
		err      error
		canceled bool
		want     Reply
	}{
		{"OK", []byte("\x00\x00\x00\x00\x08\x01\x01hi"), nil, false,
			Reply{RequestID: 7, Status: StatusOK, Data: []byte("\x00\x00\x00\x08\x01\x01hi")}},
		{"UserException", nil, ue, false,
			Reply{RequestID: 7, Status: StatusUserException, Data: wire.Encapsulate(wire.Encoding11, uenc)}},
		{"WrappedUserException", nil, fmt.Errorf("wrapped: %w", ue), false,
			Reply{RequestID: 7, Status: StatusUserException, Data: wire.Encapsulate(wire.Encoding11, uenc)}},
		{"NoTypeID", nil, &UserException{}, false,
			Reply{RequestID: 7, Status: StatusUnknownUserException, Data: encodeMessage("user exception has no type ID")}},
		{"ObjectNotExist", nil, Failed(ObjectNotExist, cur), false,
			Reply{RequestID: 7, Status: StatusObjectNotExist, Data: encodeTarget(cur.Identity(), "f", "op")}},
		{"FacetNotExist", nil, Failed(FacetNotExist, cur), false,
			Reply{RequestID: 7, Status: StatusFacetNotExist, Data: encodeTarget(cur.Identity(), "f", "op")}},
		{"OperationNotExist", nil, Failed(OperationNotExist, cur), false,
			Reply{RequestID: 7, Status: StatusOperationNotExist, Data: encodeTarget(cur.Identity(), "f", "op")}},
		{"Local", nil, &localError{errors.New("bad")}, false,
			Reply{RequestID: 7, Status: StatusUnknownLocalException, Data: encodeMessage("bad")}},
		{"Unknown", nil, errors.New("whatever"), false,
			Reply{RequestID: 7, Status: StatusUnknownException, Data: encodeMessage("whatever")}},
		{"UnknownException", nil, &UnknownException{Message: "boom"}, false,
			Reply{RequestID: 7, Status: StatusUnknownException, Data: encodeMessage("boom")}},
		{"ContextCanceled", nil, context.Canceled, false,
			Reply{RequestID: 7, Status: StatusCanceled}},
		{"CanceledWithResult", []byte("\x00\x00\x00\x00\x06\x01\x01"), nil, true,
			Reply{RequestID: 7, Status: StatusCanceled}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := p.replyFor(cur, tc.body, tc.err, tc.canceled)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Reply (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestIncoming(t *testing.T) {
	in := NewIncoming(&Request{Params: []byte("abc"), Encoding: wire.Encoding{Major: 1, Minor: 0}})

	got, err := in.ReadParamEncaps()
	if err != nil || string(got) != "abc" {
		t.Errorf("ReadParamEncaps: got (%q, %v), want (abc, nil)", got, err)
	}
	if got, err := in.ReadParamEncaps(); err == nil {
		t.Errorf("ReadParamEncaps again: got %q, want error", got)
	}

	// Results are encapsulated in the encoding of the request.
	if diff := cmp.Diff(in.WriteParamEncaps([]byte("xy"), true), []byte("\x00\x00\x00\x00\x08\x01\x00xy")); diff != "" {
		t.Errorf("WriteParamEncaps ok (-got, +want):\n%s", diff)
	}
	if diff := cmp.Diff(in.WriteParamEncaps(nil, false), []byte("\x01\x00\x00\x00\x06\x01\x00")); diff != "" {
		t.Errorf("WriteParamEncaps user exception (-got, +want):\n%s", diff)
	}
}
