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
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"mirage.dev/mirage/pkg/hostarch"
	"mirage.dev/mirage/pkg/sentry/platform"
)

// mapping is a page table entry: a backing frame plus the permissions it
// was installed with.
type mapping struct {
	frame []byte
	at    hostarch.AccessType
}

// addressSpace implements platform.AddressSpace with a per-page table of
// installed frames. Raw accesses succeed only on pages previously installed
// with MapPage and with sufficient permissions; everything else surfaces as
// a SegmentationFault for the fault arbitrator to examine.
type addressSpace struct {
	// mu protects pages. Raw accesses take it shared; MapPage/UnmapPages
	// take it exclusively.
	mu    sync.RWMutex
	pages map[hostarch.Addr]mapping
}

func newAddressSpace() *addressSpace {
	return &addressSpace{
		pages: make(map[hostarch.Addr]mapping),
	}
}

// MapPage implements platform.AddressSpace.MapPage.
func (as *addressSpace) MapPage(addr hostarch.Addr, frame []byte, at hostarch.AccessType) {
	if !addr.IsPageAligned() || len(frame) != hostarch.PageSize {
		panic(fmt.Sprintf("MapPage(%#x, %d bytes): malformed mapping", addr, len(frame)))
	}
	as.mu.Lock()
	as.pages[addr] = mapping{frame: frame, at: at}
	as.mu.Unlock()
}

// UnmapPages implements platform.AddressSpace.UnmapPages.
func (as *addressSpace) UnmapPages(ar hostarch.AddrRange) {
	as.mu.Lock()
	for page := ar.Start.RoundDown(); page < ar.End; page += hostarch.PageSize {
		delete(as.pages, page)
	}
	as.mu.Unlock()
}

// lookupLocked returns the mapping of the page containing addr, failing
// with a SegmentationFault if the page is not installed or does not admit
// at.
//
// Preconditions: as.mu must be locked.
func (as *addressSpace) lookupLocked(addr hostarch.Addr, at hostarch.AccessType) (mapping, error) {
	m, ok := as.pages[addr.RoundDown()]
	if !ok || !m.at.SupersetOf(at) {
		return mapping{}, platform.SegmentationFault{Addr: addr, Access: at}
	}
	return m, nil
}

// CopyOut implements platform.AddressSpace.CopyOut.
func (as *addressSpace) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	var done int
	for done < len(src) {
		cur := addr + hostarch.Addr(done)
		m, err := as.lookupLocked(cur, hostarch.Write)
		if err != nil {
			return done, err
		}
		done += copy(m.frame[cur.PageOffset():], src[done:])
	}
	return done, nil
}

// CopyIn implements platform.AddressSpace.CopyIn.
func (as *addressSpace) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	var done int
	for done < len(dst) {
		cur := addr + hostarch.Addr(done)
		m, err := as.lookupLocked(cur, hostarch.Read)
		if err != nil {
			return done, err
		}
		done += copy(dst[done:], m.frame[cur.PageOffset():])
	}
	return done, nil
}

// uint32Ptr returns a pointer through which the uint32 at addr can be
// accessed atomically.
//
/// Preconditions: as.mu must be locked. addr is 4-byte aligned, so the value
// cannot straddle a page boundary.
func (as *addressSpace) uint32Ptr(addr hostarch.Addr, at hostarch.AccessType) (*uint32, error) {
	m, err := as.lookupLocked(addr, at)
	if err != nil {
		return nil, err
	}
	return (*uint32)(unsafe.Pointer(&m.frame[addr.PageOffset()])), nil
}

// LoadUint32 implements platform.AddressSpace.LoadUint32.
func (as *addressSpace) LoadUint32(addr hostarch.Addr) (uint32, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	ptr, err := as.uint32Ptr(addr, hostarch.Read)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(ptr), nil
}

// SwapUint32 implements platform.AddressSpace.SwapUint32.
func (as *addressSpace) SwapUint32(addr hostarch.Addr, new uint32) (uint32, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	ptr, err := as.uint32Ptr(addr, hostarch.ReadWrite)
	if err != nil {
		return 0, err
	}
	return atomic.SwapUint32(ptr, new), nil
}

// CompareAndSwapUint32 implements platform.AddressSpace.CompareAndSwapUint32.
func (as *addressSpace) CompareAndSwapUint32(addr hostarch.Addr, old, new uint32) (uint32, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	ptr, err := as.uint32Ptr(addr, hostarch.ReadWrite)
	if err != nil {
		return 0, err
	}
	for {
		if atomic.CompareAndSwapUint32(ptr, old, new) {
			return old, nil
		}
		if cur := atomic.LoadUint32(ptr); cur != old {
			return cur, nil
		}
	}
}

// The direct accessors below reach installed frames without permission
// checks. They back permission-ignoring IO and the debug interface; going
// around the page table entries keeps those entries at the vma's effective
// permissions, so ordinary accesses still fault where they should.

func (as *addressSpace) readDirect(addr hostarch.Addr, dst []byte) error {
	as.mu.RLock()
	defer as.mu.RUnlock()
	var done int
	for done < len(dst) {
		cur := addr + hostarch.Addr(done)
		m, ok := as.pages[cur.RoundDown()]
		if !ok {
			return platform.SegmentationFault{Addr: cur, Access: hostarch.Read}
		}
		done += copy(dst[done:], m.frame[cur.PageOffset():])
	}
	return nil
}

func (as *addressSpace) writeDirect(addr hostarch.Addr, src []byte) error {
	as.mu.RLock()
	defer as.mu.RUnlock()
	var done int
	for done < len(src) {
		cur := addr + hostarch.Addr(done)
		m, ok := as.pages[cur.RoundDown()]
		if !ok {
			return platform.SegmentationFault{Addr: cur, Access: hostarch.Write}
		}
		done += copy(m.frame[cur.PageOffset():], src[done:])
	}
	return nil
}

// uint32PtrDirect is uint32Ptr without the permission check.
//
// Preconditions: as.mu must be locked. addr is 4-byte aligned.
func (as *addressSpace) uint32PtrDirect(addr hostarch.Addr) (*uint32, error) {
	m, ok := as.pages[addr.RoundDown()]
	if !ok {
		return nil, platform.SegmentationFault{Addr: addr, Access: hostarch.Read}
	}
	return (*uint32)(unsafe.Pointer(&m.frame[addr.PageOffset()])), nil
}

func (as *addressSpace) loadUint32Direct(addr hostarch.Addr) (uint32, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	ptr, err := as.uint32PtrDirect(addr)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(ptr), nil
}

func (as *addressSpace) swapUint32Direct(addr hostarch.Addr, new uint32) (uint32, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	ptr, err := as.uint32PtrDirect(addr)
	if err != nil {
		return 0, err
	}
	return atomic.SwapUint32(ptr, new), nil
}

func (as *addressSpace) compareAndSwapUint32Direct(addr hostarch.Addr, old, new uint32) (uint32, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	ptr, err := as.uint32PtrDirect(addr)
	if err != nil {
		return 0, err
	}
	for {
		if atomic.CompareAndSwapUint32(ptr, old, new) {
			return old, nil
		}
		if cur := atomic.LoadUint32(ptr); cur != old {
			return cur, nil
		}
	}
}

var _ platform.AddressSpace = (*addressSpace)(nil)
