// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package blobject

import (
	"errors"
	"fmt"

	"github.com/creachadair/blobject/wire"
)

// InvokeResult is the outcome of a completed dynamic dispatch.
//
// If ReturnValue is true, the operation completed normally and OutParams holds
// its encoded results. If ReturnValue is false, the operation raised a
// declared user exception and OutParams holds the encoding of that exception,
// as produced by [UserException.MarshalBinary].
type InvokeResult struct {
	ReturnValue bool
	OutParams   []byte
}

// UserException decodes the user exception carried by a result with
// ReturnValue == false. It reports an error if r is a normal result, or if
// its OutParams do not contain a valid exception.
func (r InvokeResult) UserException() (*UserException, error) {
	if r.ReturnValue {
		return nil, errors.New("result is not a user exception")
	}
	ue := new(UserException)
	if err := ue.UnmarshalBinary(r.OutParams); err != nil {
		return nil, err
	}
	return ue, nil
}

// A UserException is a declared application failure. It is part of the
// contract of an operation and is delivered to the caller through the normal
// reply channel, flagged as a failure.
//
// A Blobject may report a UserException either by returning (or failing its
// future with) a *UserException, or by resolving its future with an
// InvokeResult whose ReturnValue is false and whose OutParams are the
// encoding of the exception. The caller observes the same outcome either way.
type UserException struct {
	TypeID string // type identity of the exception, e.g. "::Demo::NotFound"
	Data   []byte // encoded exception members
}

// Error satisfies the error interface.
func (u *UserException) Error() string {
	if len(u.Data) == 0 {
		return fmt.Sprintf("user exception %s", u.TypeID)
	}
	return fmt.Sprintf("user exception %s [%d bytes]", u.TypeID, len(u.Data))
}

// MarshalBinary encodes u in binary format. It never reports an error.
// It implements encoding.BinaryMarshaler.
func (u *UserException) MarshalBinary() ([]byte, error) {
	var b wire.Builder
	b.Grow(wire.VLen(len(u.TypeID)) + len(u.Data))
	b.VPutString(u.TypeID)
	b.Put(u.Data...)
	return b.Bytes(), nil
}

// UnmarshalBinary decodes data into u. It implements encoding.BinaryUnmarshaler.
func (u *UserException) UnmarshalBinary(data []byte) error {
	s := wire.NewScanner(data)
	id, err := wire.VGet[string](s)
	if err != nil {
		return fmt.Errorf("invalid user exception: %w", err)
	} else if id == "" {
		return errors.New("invalid user exception: empty type ID")
	}
	u.TypeID = id
	if rest := s.Rest(); len(rest) != 0 {
		u.Data = rest
	} else {
		u.Data = nil
	}
	return nil
}

// Result returns the InvokeResult that reports u through the success channel.
func (u *UserException) Result() InvokeResult {
	out, _ := u.MarshalBinary()
	return InvokeResult{ReturnValue: false, OutParams: out}
}

// An UnknownException reports a failure that is not part of the declared
// contract of an operation. Any error reported by a Blobject that is not a
// *UserException or a *RequestFailedError is treated as unknown; this type
// lets a handler supply its own diagnostic explicitly.
type UnknownException struct {
	Message string
	Err     error // optional underlying cause
}

// Error satisfies the error interface.
func (u *UnknownException) Error() string {
	if u.Err != nil && u.Message == "" {
		return "unknown exception: " + u.Err.Error()
	} else if u.Err != nil {
		return fmt.Sprintf("unknown exception: %s: %v", u.Message, u.Err)
	}
	return "unknown exception: " + u.Message
}

// Unwrap reports the underlying cause of u, if any.
func (u *UnknownException) Unwrap() error { return u.Err }

// FailureKind identifies why a request could not be routed to a servant.
type FailureKind byte

const (
	ObjectNotExist    FailureKind = 1 + iota // no servant for the identity
	FacetNotExist                            // identity known, facet not
	OperationNotExist                        // servant does not implement the operation
)

func (k FailureKind) String() string {
	switch k {
	case ObjectNotExist:
		return "object does not exist"
	case FacetNotExist:
		return "facet does not exist"
	case OperationNotExist:
		return "operation does not exist"
	default:
		return fmt.Sprintf("failure kind %d", byte(k))
	}
}

// A RequestFailedError reports that a request could not be delivered to an
// operation of a servant. A Locator reports these when it cannot find a
// servant, and a Blobject may report OperationNotExist for an operation it
// does not recognize.
type RequestFailedError struct {
	Kind      FailureKind
	Identity  Identity
	Facet     string
	Operation string
}

// Error satisfies the error interface.
func (r *RequestFailedError) Error() string {
	target := r.Identity.String()
	if r.Facet != "" {
		target += " -f " + r.Facet
	}
	return fmt.Sprintf("%v: %s %q", r.Kind, target, r.Operation)
}

// Failed constructs a *RequestFailedError of the given kind for the target of
// cur.
func Failed(kind FailureKind, cur *Current) *RequestFailedError {
	return &RequestFailedError{
		Kind:      kind,
		Identity:  cur.Identity(),
		Facet:     cur.Facet(),
		Operation: cur.Operation(),
	}
}

// IsUserException reports whether err is, or wraps, a *UserException, and if
// so returns it. This is the test the transport uses to separate declared
// failures from unexpected ones.
func IsUserException(err error) (*UserException, bool) {
	var ue *UserException
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// ErrAlreadyResolved is reported by an attempt to resolve a [Future] that has
// already been resolved. The first outcome is retained.
var ErrAlreadyResolved = errors.New("completion handle already resolved")
