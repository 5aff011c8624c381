// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package blobject

import (
	"fmt"
	"maps"
	"strings"

	"github.com/creachadair/blobject/wire"
)

// Identity names a remote object. The category is optional and is used by
// locators to select a default servant for a group of objects.
type Identity struct {
	Name     string
	Category string
}

// String renders the identity in "category/name" form, or as the bare name
// when the category is empty. Slashes in either part are escaped.
func (id Identity) String() string {
	name := escapeIdent(id.Name)
	if id.Category == "" {
		return name
	}
	return escapeIdent(id.Category) + "/" + name
}

// ParseIdentity parses a string in the format produced by [Identity.String].
func ParseIdentity(s string) (Identity, error) {
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			if i+1 == len(s) {
				return Identity{}, fmt.Errorf("invalid identity %q: trailing escape", s)
			}
			i++
			cur.WriteByte(s[i])
		case '/':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	parts = append(parts, cur.String())

	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return Identity{}, fmt.Errorf("invalid identity %q: empty name", s)
		}
		return Identity{Name: parts[0]}, nil
	case 2:
		if parts[1] == "" {
			return Identity{}, fmt.Errorf("invalid identity %q: empty name", s)
		}
		return Identity{Category: parts[0], Name: parts[1]}, nil
	default:
		return Identity{}, fmt.Errorf("invalid identity %q: too many separators", s)
	}
}

func escapeIdent(s string) string {
	if !strings.ContainsAny(s, `/\`) {
		return s
	}
	return strings.NewReplacer(`\`, `\\`, `/`, `\/`).Replace(s)
}

// OperationMode describes the retry semantics declared for an operation.
type OperationMode byte

const (
	Normal     OperationMode = 0 // the operation may change state
	Idempotent OperationMode = 2 // repeating the operation has no further effect
)

func (m OperationMode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Idempotent:
		return "idempotent"
	default:
		return fmt.Sprintf("mode %d", byte(m))
	}
}

// Current carries the metadata of a single inbound request: its target, the
// operation, the request context and the encoding of its parameters.
//
// A Current is immutable once constructed and may be shared freely among
// goroutines. Its lifetime is that of one dispatch.
type Current struct {
	id    Identity
	facet string
	op    string
	mode  OperationMode
	ctx   map[string]string
	enc   wire.Encoding
	reqID uint32
	peer  *Peer
}

// NewCurrent constructs a Current describing req as received by p, which may
// be nil for a dispatch not associated with a peer. The context dictionary of
// req is copied, so later changes to req do not affect the result.
func NewCurrent(req *Request, p *Peer) *Current {
	return &Current{
		id:    req.Identity,
		facet: req.Facet,
		op:    req.Operation,
		mode:  req.Mode,
		ctx:   maps.Clone(req.Context),
		enc:   req.encodingOrDefault(),
		reqID: req.RequestID,
		peer:  p,
	}
}

// Identity returns the identity of the target object.
func (c *Current) Identity() Identity { return c.id }

// Facet returns the facet name of the target, or "" for the default facet.
func (c *Current) Facet() string { return c.facet }

// Operation returns the name of the operation being invoked.
func (c *Current) Operation() string { return c.op }

// Mode returns the declared mode of the operation.
func (c *Current) Mode() OperationMode { return c.mode }

// Context returns a copy of the request context dictionary.
func (c *Current) Context() map[string]string { return maps.Clone(c.ctx) }

// ContextValue returns the value of key in the request context, and reports
// whether it was present.
func (c *Current) ContextValue(key string) (string, bool) {
	v, ok := c.ctx[key]
	return v, ok
}

// Encoding returns the encoding version of the input parameters.
func (c *Current) Encoding() wire.Encoding { return c.enc }

// RequestID returns the transport's request ID, which is 0 for a oneway
// request or a local dispatch.
func (c *Current) RequestID() uint32 { return c.reqID }

// Peer returns the peer that received the request, or nil.
func (c *Current) Peer() *Peer { return c.peer }

// String returns a human-friendly rendering of the request target.
func (c *Current) String() string {
	return fmt.Sprintf("Current(ID=%d, %v, facet=%q, op=%q, %v)", c.reqID, c.id, c.facet, c.op, c.mode)
}
