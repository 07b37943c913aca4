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

package hostarch

import "fmt"

// Addr represents a generic virtual address in an application address space.
// An Addr carries no validity guarantee of any kind; it must not be
// dereferenced, only handed to accessors that validate it.
type Addr uintptr

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
//
// Note: This function is usually used to get the end of an address range
// defined by its start address and length. Since an "end" is one byte past
// the range, an Addr of 0 may technically be a valid end, and ok will be true.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v && length <= uint64(^Addr(0))
	return
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v &^ Addr(PageMask)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = (v + PageMask).RoundDown()
	ok = addr >= v
	return
}

// MustRoundUp is equivalent to RoundUp, but panics if rounding up wraps
// around.
func (v Addr) MustRoundUp() Addr {
	addr, ok := v.RoundUp()
	if !ok {
		panic(fmt.Sprintf("hostarch.Addr(%d).RoundUp() wraps", v))
	}
	return addr
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & PageMask)
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// IsAligned returns true if v is a multiple of alignment.
//
// Preconditions: alignment is a power of two.
func (v Addr) IsAligned(alignment int) bool {
	return v&Addr(alignment-1) == 0
}

// AddrRange is a range of Addrs. Start is inclusive, End is exclusive.
type AddrRange struct {
	Start Addr
	End   Addr
}

// ToRange returns [v, v+length). If this range would wrap around, ok is
// false.
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// WellFormed returns true if ar.Start <= ar.End. All other methods on
// AddrRange require this.
func (ar AddrRange) WellFormed() bool {
	return ar.Start <= ar.End
}

// Length returns the length of the range.
func (ar AddrRange) Length() uint64 {
	return uint64(ar.End - ar.Start)
}

// Contains returns true if ar contains addr.
func (ar AddrRange) Contains(addr Addr) bool {
	return ar.Start <= addr && addr < ar.End
}

// IsSupersetOf returns true if ar contains every address in other.
func (ar AddrRange) IsSupersetOf(other AddrRange) bool {
	return ar.Start <= other.Start && other.End <= ar.End
}

// Overlaps returns true if ar and other share any addresses.
func (ar AddrRange) Overlaps(other AddrRange) bool {
	return ar.Start < other.End && other.Start < ar.End
}

// Intersect returns the subrange of ar that is also in other.
func (ar AddrRange) Intersect(other AddrRange) AddrRange {
	if ar.Start < other.Start {
		ar.Start = other.Start
	}
	if ar.End > other.End {
		ar.End = other.End
	}
	if ar.End < ar.Start {
		ar.End = ar.Start
	}
	return ar
}

// String implements fmt.Stringer.String.
func (ar AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", ar.Start, ar.End)
}

// PageRoundOut returns ar, with Start rounded down and End rounded up to page
// boundaries. ok is true iff rounding End up did not wrap around.
func (ar AddrRange) PageRoundOut() (AddrRange, bool) {
	end, ok := ar.End.RoundUp()
	return AddrRange{ar.Start.RoundDown(), end}, ok
}
