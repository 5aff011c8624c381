// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package servants provides a table of servants keyed by identity and facet,
// for use as the locator of a blobject.Peer.
//
// # Usage
//
// Construct a new empty map and add servants to it:
//
//	m := servants.New()
//	m.Add(blobject.Identity{Name: "printer"}, printer)
//	m.AddFacet(blobject.Identity{Name: "printer"}, "admin", printerAdmin)
//
// To register a servant under a fresh unique name, use AddWithUUID:
//
//	id, err := m.AddWithUUID("jobs", job)
//
// A default servant handles every identity of a category that has no servant
// of its own:
//
//	m.AddDefault("files", fileServant)
//
// Serve the map from a peer:
//
//	peer.Serve(m)
//
// A Map can also describe its own contents. The Lister method returns a
// servant that replies with the encoded [Listing] of the map, which the
// caller can decode:
//
//	m.Add(blobject.Identity{Name: "directory"}, m.Lister())
//	...
//	res, err := peer.Call(ctx, blobject.Identity{Name: "directory"}, "list", nil)
//	var ls servants.Listing
//	err = ls.Decode(res.OutParams)
package servants

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/creachadair/blobject"
	"github.com/creachadair/blobject/wire"
	"github.com/google/uuid"
)

// ErrAlreadyRegistered is reported when adding a servant for a target that
// already has one.
var ErrAlreadyRegistered = errors.New("servant already registered")

type key struct {
	id    blobject.Identity
	facet string
}

// A Map associates identities and facets with servants. It implements the
// [blobject.Locator] interface. A Map is safe for concurrent use, and servants
// may be added and removed while a peer is serving it.
type Map struct {
	μ        sync.RWMutex
	servants map[key]blobject.Blobject
	defaults map[string]blobject.Blobject // category → default servant
}

// New creates a new empty servant map.
func New() *Map {
	return &Map{
		servants: make(map[key]blobject.Blobject),
		defaults: make(map[string]blobject.Blobject),
	}
}

// Add registers b as the servant for the default facet of id.
func (m *Map) Add(id blobject.Identity, b blobject.Blobject) error { return m.AddFacet(id, "", b) }

// AddFacet registers b as the servant for the given facet of id.
// It reports ErrAlreadyRegistered if that target already has a servant.
func (m *Map) AddFacet(id blobject.Identity, facet string, b blobject.Blobject) error {
	if id.Name == "" {
		return errors.New("identity has an empty name")
	} else if b == nil {
		return errors.New("servant is nil")
	}
	m.μ.Lock()
	defer m.μ.Unlock()
	k := key{id, facet}
	if _, ok := m.servants[k]; ok {
		return fmt.Errorf("%w: %v facet %q", ErrAlreadyRegistered, id, facet)
	}
	m.servants[k] = b
	return nil
}

// AddWithUUID registers b for the default facet of a new identity in the
// given category, whose name is a fresh UUID, and returns that identity.
func (m *Map) AddWithUUID(category string, b blobject.Blobject) (blobject.Identity, error) {
	id := blobject.Identity{Name: uuid.NewString(), Category: category}
	if err := m.Add(id, b); err != nil {
		return blobject.Identity{}, err
	}
	return id, nil
}

// AddDefault registers b as the default servant for category. The default
// servant handles requests for identities in the category that have no
// servant of their own. The empty category designates a default for all
// identities not otherwise matched.
func (m *Map) AddDefault(category string, b blobject.Blobject) error {
	if b == nil {
		return errors.New("servant is nil")
	}
	m.μ.Lock()
	defer m.μ.Unlock()
	if _, ok := m.defaults[category]; ok {
		return fmt.Errorf("%w: default for category %q", ErrAlreadyRegistered, category)
	}
	m.defaults[category] = b
	return nil
}

// Remove removes the servant for the given facet of id, and reports the
// servant that was removed, if any.
func (m *Map) Remove(id blobject.Identity, facet string) (blobject.Blobject, bool) {
	m.μ.Lock()
	defer m.μ.Unlock()
	k := key{id, facet}
	b, ok := m.servants[k]
	delete(m.servants, k)
	return b, ok
}

// RemoveDefault removes the default servant for category, and reports the
// servant that was removed, if any.
func (m *Map) RemoveDefault(category string) (blobject.Blobject, bool) {
	m.μ.Lock()
	defer m.μ.Unlock()
	b, ok := m.defaults[category]
	delete(m.defaults, category)
	return b, ok
}

// Locate implements the [blobject.Locator] interface.
//
// An exact match of identity and facet wins. Otherwise, if the identity has
// servants for other facets the request fails with FacetNotExist. Otherwise
// the default servant for the category of the identity is used, then the
// default servant for the empty category. If none is found the request fails
// with ObjectNotExist.
func (m *Map) Locate(cur *blobject.Current) (blobject.Blobject, error) {
	m.μ.RLock()
	defer m.μ.RUnlock()
	id := cur.Identity()
	if b, ok := m.servants[key{id, cur.Facet()}]; ok {
		return b, nil
	}
	for k := range m.servants {
		if k.id == id {
			return nil, blobject.Failed(blobject.FacetNotExist, cur)
		}
	}
	if b, ok := m.defaults[id.Category]; ok {
		return b, nil
	} else if b, ok := m.defaults[""]; ok {
		return b, nil
	}
	return nil, blobject.Failed(blobject.ObjectNotExist, cur)
}

// Len reports the number of servants in m, not counting default servants.
func (m *Map) Len() int {
	m.μ.RLock()
	defer m.μ.RUnlock()
	return len(m.servants)
}

// Identities returns a listing of the targets registered in m, in order.
func (m *Map) Identities() Listing {
	m.μ.RLock()
	ls := make(Listing, 0, len(m.servants))
	for k := range m.servants {
		ls = append(ls, Entry{Identity: k.id, Facet: k.facet})
	}
	m.μ.RUnlock()
	slices.SortFunc(ls, compareEntry)
	return ls
}

// Lister returns a servant that replies to every request with the encoded
// listing of m at the time of the request.
func (m *Map) Lister() blobject.Blobject {
	return blobject.BlobjectFunc(func(context.Context, []byte, *blobject.Current) (*blobject.Future[blobject.InvokeResult], error) {
		return blobject.Resolved(blobject.InvokeResult{ReturnValue: true, OutParams: m.Identities().Encode()}), nil
	})
}

// An Entry is a single target in a listing.
type Entry struct {
	Identity blobject.Identity
	Facet    string
}

func compareEntry(a, b Entry) int {
	if c := cmp.Compare(a.Identity.Category, b.Identity.Category); c != 0 {
		return c
	} else if c := cmp.Compare(a.Identity.Name, b.Identity.Name); c != 0 {
		return c
	}
	return cmp.Compare(a.Facet, b.Facet)
}

// A Listing is a sequence of targets.
type Listing []Entry

// Encode encodes ls in binary format.
//
// The wire format of a listing is a count of entries followed by that many
// entries, each comprising the name, category, and facet. The count and the
// lengths of the strings are encoded as a [wire.Vint30].
func (ls Listing) Encode() []byte {
	var b wire.Builder
	b.Vint30(uint32(len(ls)))
	for _, e := range ls {
		b.VPutString(e.Identity.Name)
		b.VPutString(e.Identity.Category)
		b.VPutString(e.Facet)
	}
	return b.Bytes()
}

// Decode decodes data as a listing, replacing the contents of ls.
func (ls *Listing) Decode(data []byte) error {
	s := wire.NewScanner(data)
	n, err := s.Vint30()
	if err != nil {
		return fmt.Errorf("invalid listing count: %w", err)
	}
	out := make(Listing, 0, min(n, len(data)))
	for i := range n {
		var fields [3]string
		for j := range fields {
			fields[j], err = wire.VGet[string](s)
			if err != nil {
				return fmt.Errorf("truncated entry %d at offset %d", i, s.Offset())
			}
		}
		out = append(out, Entry{
			Identity: blobject.Identity{Name: fields[0], Category: fields[1]},
			Facet:    fields[2],
		})
	}
	if s.Len() != 0 {
		return fmt.Errorf("extra data after listing (%d bytes)", s.Len())
	}
	*ls = out
	return nil
}
