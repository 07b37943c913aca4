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

// Package mm provides a memory management subsystem.
//
// Lock order:
//
//	mm.MemoryManager.mappingMu
//	  mm.MemoryManager.activeMu
//
// The futex and usermem packages may call into mm while holding their own
// locks; mm never calls back into them, so no cycle exists.
package mm

import (
	"sync"

	"github.com/google/btree"

	"mirage.dev/mirage/pkg/context"
	"mirage.dev/mirage/pkg/errors/linuxerr"
	"mirage.dev/mirage/pkg/hostarch"
)

// Layout describes the fixed part of an address space's geometry.
type Layout struct {
	// MaxAddr is the first address that can never be mapped.
	MaxAddr hostarch.Addr
}

// DefaultLayout returns the Layout used when no explicit geometry is
// requested.
func DefaultLayout() Layout {
	return Layout{MaxAddr: hostarch.MaxUserAddr}
}

// MemoryManager implements a virtual address space, deciding which addresses
// are mapped, with which permissions, and supplying backing pages on demand.
type MemoryManager struct {
	layout Layout

	// mappingMu is analogous to Linux's struct mm_struct::mmap_sem.
	mappingMu sync.RWMutex

	// vmas is the set of mapped regions, ordered by start address and
	// non-overlapping. vmas is protected by mappingMu.
	vmas *btree.BTreeG[vma]

	// activeMu protects privatePages and the page tables in as.
	activeMu sync.Mutex

	// privatePages holds the backing frames of private anonymous pages,
	// keyed by page-aligned virtual address. Frames outlive their page
	// table entries so that mprotect can invalidate mappings without
	// losing contents. privatePages is protected by activeMu.
	privatePages map[hostarch.Addr][]byte

	// as simulates the hardware page tables.
	as *addressSpace
}

// NewMemoryManager returns a new, empty MemoryManager.
func NewMemoryManager(layout Layout) *MemoryManager {
	return &MemoryManager{
		layout:       layout,
		vmas:         btree.NewG(8, vmaLess),
		privatePages: make(map[hostarch.Addr][]byte),
		as:           newAddressSpace(),
	}
}

// CheckIORange validates the range [addr, addr+length) against the layout
// and returns it as an AddrRange.
func (mm *MemoryManager) CheckIORange(addr hostarch.Addr, length int64) (hostarch.AddrRange, bool) {
	if length < 0 {
		return hostarch.AddrRange{}, false
	}
	ar, ok := addr.ToRange(uint64(length))
	if !ok || ar.End > mm.layout.MaxAddr {
		return hostarch.AddrRange{}, false
	}
	return ar, true
}

// CanAccessRange returns true if every byte of ar lies in a mapping whose
// permissions admit accesses of type at.
func (mm *MemoryManager) CanAccessRange(ar hostarch.AddrRange, at hostarch.AccessType) bool {
	if !ar.WellFormed() || ar.End > mm.layout.MaxAddr {
		return false
	}
	if ar.Length() == 0 {
		return true
	}
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	return mm.checkRangeLocked(ar, at, false)
}

// checkRangeLocked returns true if vmas cover ar without gaps and, unless
// ignorePerms, each covering vma's effective permissions admit at.
//
// Preconditions: mm.mappingMu must be locked. ar.Length() > 0.
func (mm *MemoryManager) checkRangeLocked(ar hostarch.AddrRange, at hostarch.AccessType, ignorePerms bool) bool {
	addr := ar.Start
	for addr < ar.End {
		v, ok := mm.findVMALocked(addr)
		if !ok {
			return false
		}
		if !ignorePerms && !v.effectivePerms.SupersetOf(at) {
			return false
		}
		addr = v.ar.End
	}
	return true
}

// Populate makes every page of ar resident with access type at, allocating
// zeroed backing frames for pages that have never been touched. Population
// happens for logically read-only operations too; a caller that only reads
// may still cause backing to be allocated and charged.
func (mm *MemoryManager) Populate(ctx context.Context, ar hostarch.AddrRange, at hostarch.AccessType) error {
	return mm.populate(ctx, ar, at, false)
}

func (mm *MemoryManager) populate(ctx context.Context, ar hostarch.AddrRange, at hostarch.AccessType, ignorePerms bool) error {
	if !ar.WellFormed() || ar.End > mm.layout.MaxAddr {
		return linuxerr.EFAULT
	}
	if ar.Length() == 0 {
		return nil
	}
	pr, ok := ar.PageRoundOut()
	if !ok {
		return linuxerr.EFAULT
	}

	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	if !mm.checkRangeLocked(ar, at, ignorePerms) {
		return linuxerr.EFAULT
	}

	mm.activeMu.Lock()
	defer mm.activeMu.Unlock()
	for page := pr.Start; page < pr.End; page += hostarch.PageSize {
		if err := mm.mapPageLocked(page); err != nil {
			return err
		}
	}
	return nil
}

// mapPageLocked installs the page containing page into the address space,
// allocating or locating its backing frame. The installed entry always
// carries the vma's effective permissions; permission-ignoring accesses
// never go through the page tables (see io.go), so entries are never
// widened.
//
// Preconditions: mm.mappingMu and mm.activeMu must be locked.
// page.IsPageAligned(). A vma covers page.
func (mm *MemoryManager) mapPageLocked(page hostarch.Addr) error {
	v, ok := mm.findVMALocked(page)
	if !ok {
		return linuxerr.EFAULT
	}

	var frame []byte
	if v.mappable != nil {
		f, err := v.mappable.Frame(v.off + uint64(page-v.ar.Start))
		if err != nil {
			return linuxerr.ENOMEM
		}
		frame = f
	} else {
		f, ok := mm.privatePages[page]
		if !ok {
			f = make([]byte, hostarch.PageSize)
			mm.privatePages[page] = f
		}
		frame = f
	}

	mm.as.MapPage(page, frame, v.effectivePerms)
	return nil
}

// ResolveFault attempts to resolve a page fault at addr with access type at:
// if some mapping admits the access, the page is made resident and true is
// returned. ResolveFault takes no state from any enclosing access; it
// acquires the locks it needs on each entry.
func (mm *MemoryManager) ResolveFault(addr hostarch.Addr, at hostarch.AccessType) bool {
	if addr >= mm.layout.MaxAddr {
		return false
	}
	page := addr.RoundDown()

	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	v, ok := mm.findVMALocked(page)
	if !ok {
		return false
	}
	if !v.effectivePerms.SupersetOf(at) {
		return false
	}

	mm.activeMu.Lock()
	defer mm.activeMu.Unlock()
	return mm.mapPageLocked(page) == nil
}
