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

// Package platform provides the interface between the kernel and the
// mechanism that executes and faults application memory accesses.
package platform

import (
	"fmt"

	"mirage.dev/mirage/pkg/hostarch"
)

// AddressSpace represents a virtual address space in which an application can
// run, restricted to the IO surface the kernel needs. All accesses touch only
// pages that have previously been mapped with MapPage; touching any other
// page fails with a SegmentationFault carrying the first faulting address.
type AddressSpace interface {
	// MapPage makes the page-sized frame visible at the page-aligned address
	// addr with the given effective permissions, replacing any previous
	// mapping of that page.
	//
	// Preconditions: addr.IsPageAligned(). len(frame) == hostarch.PageSize.
	MapPage(addr hostarch.Addr, frame []byte, at hostarch.AccessType)

	// UnmapPages removes any mappings of pages intersecting ar.
	//
	// Preconditions: ar is page-aligned.
	UnmapPages(ar hostarch.AddrRange)

	// CopyOut copies len(src) bytes from src to the memory mapped at addr.
	// It returns the number of bytes copied; if this is less than len(src),
	// it returns a non-nil error explaining why.
	CopyOut(addr hostarch.Addr, src []byte) (int, error)

	// CopyIn copies len(dst) bytes from the memory mapped at addr to dst. It
	// returns the number of bytes copied; if this is less than len(dst), it
	// returns a non-nil error explaining why.
	CopyIn(addr hostarch.Addr, dst []byte) (int, error)

	// LoadUint32 atomically loads the uint32 value at addr and returns it.
	//
	// Preconditions: addr must be aligned to a 4-byte boundary.
	LoadUint32(addr hostarch.Addr) (uint32, error)

	// SwapUint32 atomically sets the uint32 value at addr to new and returns
	// the previous value.
	//
	// Preconditions: addr must be aligned to a 4-byte boundary.
	SwapUint32(addr hostarch.Addr, new uint32) (uint32, error)

	// CompareAndSwapUint32 atomically compares the uint32 value at addr to
	// old; if they are equal, the value in memory is replaced by new. In
	// either case, the previous value stored in memory is returned.
	//
	// Preconditions: addr must be aligned to a 4-byte boundary.
	CompareAndSwapUint32(addr hostarch.Addr, old, new uint32) (uint32, error)
}

// SegmentationFault is an error returned by AddressSpace methods when IO
// fails due to an access of an unmapped page, or a mapped page with
// insufficient permissions.
type SegmentationFault struct {
	// Addr is the address at which the fault occurred.
	Addr hostarch.Addr

	// Access is the access type that faulted.
	Access hostarch.AccessType
}

// Error implements error.Error.
func (f SegmentationFault) Error() string {
	return fmt.Sprintf("segmentation fault at %#x (%s)", f.Addr, f.Access)
}
