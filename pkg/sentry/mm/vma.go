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

package mm

import (
	"mirage.dev/mirage/pkg/hostarch"
	"mirage.dev/mirage/pkg/sentry/memmap"
)

// vma represents a virtual memory area: a page-aligned range of addresses
// mapped with uniform permissions and backing.
type vma struct {
	// ar is the range of addresses the vma covers. ar is page-aligned and
	// never empty.
	ar hostarch.AddrRange

	// realPerms are the permissions specified by the application.
	realPerms hostarch.AccessType

	// effectivePerms are the permissions enforced on accesses,
	// realPerms.Effective().
	effectivePerms hostarch.AccessType

	// mappable is the shared backing of the vma, or nil for a private
	// anonymous mapping.
	mappable memmap.Mappable

	// off is the offset into mappable at which the vma begins. Meaningless
	// if mappable is nil.
	off uint64

	// id tracks the reference this vma holds on its backing. May be nil.
	id memmap.MappingIdentity
}

// private returns true if the vma is a private anonymous mapping.
func (v *vma) private() bool {
	return v.mappable == nil
}

// mappableOffsetAt returns the offset into v.mappable corresponding to addr.
//
// Preconditions: v.ar.Contains(addr). v.mappable != nil.
func (v *vma) mappableOffsetAt(addr hostarch.Addr) uint64 {
	return v.off + uint64(addr-v.ar.Start)
}

func vmaLess(a, b vma) bool {
	return a.ar.Start < b.ar.Start
}

// findVMALocked returns the vma containing addr.
//
// Preconditions: mm.mappingMu must be locked.
func (mm *MemoryManager) findVMALocked(addr hostarch.Addr) (vma, bool) {
	var found vma
	ok := false
	mm.vmas.DescendLessOrEqual(vma{ar: hostarch.AddrRange{Start: addr}}, func(v vma) bool {
		found = v
		ok = true
		return false
	})
	if !ok || !found.ar.Contains(addr) {
		return vma{}, false
	}
	return found, true
}

// vmasOverlappingLocked returns the vmas intersecting ar, in ascending
// order.
//
// Preconditions: mm.mappingMu must be locked.
func (mm *MemoryManager) vmasOverlappingLocked(ar hostarch.AddrRange) []vma {
	var vs []vma
	// The first overlapping vma may start before ar.
	if v, ok := mm.findVMALocked(ar.Start); ok {
		vs = append(vs, v)
	}
	mm.vmas.AscendGreaterOrEqual(vma{ar: hostarch.AddrRange{Start: ar.Start}}, func(v vma) bool {
		if v.ar.Start >= ar.End {
			return false
		}
		if len(vs) == 0 || vs[len(vs)-1].ar.Start != v.ar.Start {
			vs = append(vs, v)
		}
		return true
	})
	return vs
}

// splitVMALocked splits the vma containing addr, if any, so that no vma
// crosses addr.
//
// Preconditions: mm.mappingMu must be locked. addr.IsPageAligned().
func (mm *MemoryManager) splitVMALocked(addr hostarch.Addr) {
	v, ok := mm.findVMALocked(addr)
	if !ok || v.ar.Start == addr {
		return
	}
	mm.vmas.Delete(v)

	head := v
	head.ar.End = addr
	tail := v
	tail.ar.Start = addr
	if v.mappable != nil {
		tail.off = v.mappableOffsetAt(addr)
	}
	// Both pieces now reference the backing.
	if v.id != nil {
		v.id.IncRef()
	}
	mm.vmas.ReplaceOrInsert(head)
	mm.vmas.ReplaceOrInsert(tail)
}

// unmapLocked removes all vmas intersecting ar, trimming partial overlaps,
// and discards the affected pages.
//
// Preconditions: mm.mappingMu must be locked for writing. ar is
// page-aligned.
func (mm *MemoryManager) unmapLocked(ar hostarch.AddrRange) {
	mm.splitVMALocked(ar.Start)
	mm.splitVMALocked(ar.End)
	for _, v := range mm.vmasOverlappingLocked(ar) {
		// After splitting, every overlapping vma lies entirely inside ar.
		mm.vmas.Delete(v)
		if v.id != nil {
			v.id.DecRef()
		}
	}

	mm.activeMu.Lock()
	mm.as.UnmapPages(ar)
	for page := ar.Start; page < ar.End; page += hostarch.PageSize {
		delete(mm.privatePages, page)
	}
	mm.activeMu.Unlock()
}

// addVMALocked inserts v, which must not overlap any existing vma.
//
// Preconditions: mm.mappingMu must be locked for writing.
func (mm *MemoryManager) addVMALocked(v vma) {
	mm.vmas.ReplaceOrInsert(v)
}

// minMapAddr is the lowest address at which a non-fixed mapping may be
// placed, matching the usual mmap_min_addr protection against null-page
// mappings.
const minMapAddr = hostarch.Addr(0x10000)

// findAvailableLocked returns the start of the lowest gap of at least
// length bytes at or above minMapAddr.
//
// Preconditions: mm.mappingMu must be locked. length is page-aligned and
// non-zero.
func (mm *MemoryManager) findAvailableLocked(length uint64) (hostarch.Addr, bool) {
	gap := minMapAddr
	found := false
	mm.vmas.Ascend(func(v vma) bool {
		if v.ar.End <= gap {
			return true
		}
		if v.ar.Start >= gap && uint64(v.ar.Start-gap) >= length {
			found = true
			return false
		}
		gap = v.ar.End
		return true
	})
	if found {
		return gap, true
	}
	// Gap after the last vma.
	if end, ok := gap.AddLength(length); ok && end <= mm.layout.MaxAddr {
		return gap, true
	}
	return 0, false
}
