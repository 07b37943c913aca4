// Copyright 2024 The Mirage Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memmap defines interfaces for memory-backing objects that can be
// mapped into application address spaces.
package memmap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"mirage.dev/mirage/pkg/hostarch"
)

// MappingIdentity controls the lifetime of a Mappable and provides
// information about the Mappable for /proc/[pid]/maps-like introspection. It
// is distinct from Mappable because all Mappables are MappingIdentities, but
// the converse does not hold.
type MappingIdentity interface {
	// IncRef increments the MappingIdentity's reference count.
	IncRef()

	// DecRef decrements the MappingIdentity's reference count.
	DecRef()

	// MappedName returns the application-visible name shown for the mapping.
	MappedName() string
}

// Mappable is the shared backing resource of a mapping. Two mappings (in the
// same or different address spaces) refer to the same underlying memory iff
// they have the same Mappable, compared by pointer identity, and overlapping
// offsets into it.
type Mappable interface {
	MappingIdentity

	// Frame returns the backing frame for the page at the given page-aligned
	// offset, allocating it zero-filled if it does not yet exist. The
	// returned slice is hostarch.PageSize long and remains valid for the
	// lifetime of the Mappable.
	//
	// Preconditions: offset is page-aligned and within the Mappable's span.
	Frame(offset uint64) ([]byte, error)

	// Span returns the length of the Mappable in bytes.
	Span() uint64
}

// SharedAnon is an anonymous shared-memory Mappable, the backing used for
// MAP_SHARED|MAP_ANONYMOUS mappings. Pages are allocated lazily on first
// touch.
type SharedAnon struct {
	refs atomic.Int64

	mu   sync.Mutex
	span uint64
	// pages maps page-aligned offsets to frames.
	pages map[uint64][]byte
}

// NewSharedAnon returns a SharedAnon covering span bytes, rounded up to a
// whole number of pages, with a single reference held by the caller.
func NewSharedAnon(span uint64) *SharedAnon {
	rounded, ok := hostarch.PageRoundUp(span)
	if !ok {
		panic(fmt.Sprintf("memmap.NewSharedAnon: span %#x rounds past the end of the address space", span))
	}
	s := &SharedAnon{
		span:  rounded,
		pages: make(map[uint64][]byte),
	}
	s.refs.Store(1)
	return s
}

// IncRef implements MappingIdentity.IncRef.
func (s *SharedAnon) IncRef() {
	s.refs.Add(1)
}

// DecRef implements MappingIdentity.DecRef.
func (s *SharedAnon) DecRef() {
	if refs := s.refs.Add(-1); refs < 0 {
		panic("memmap.SharedAnon: reference count underflow")
	}
}

// MappedName implements MappingIdentity.MappedName.
func (s *SharedAnon) MappedName() string {
	return "/dev/zero (deleted)"
}

// Span implements Mappable.Span.
func (s *SharedAnon) Span() uint64 {
	return s.span
}

// Frame implements Mappable.Frame.
func (s *SharedAnon) Frame(offset uint64) ([]byte, error) {
	if offset&hostarch.PageMask != 0 || offset >= s.span {
		return nil, fmt.Errorf("memmap.SharedAnon: invalid frame offset %#x", offset)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.pages[offset]
	if !ok {
		f = make([]byte, hostarch.PageSize)
		s.pages[offset] = f
	}
	return f, nil
}
