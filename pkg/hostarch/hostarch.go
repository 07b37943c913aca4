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

// Package hostarch contains host architecture properties: virtual address
// representation, access permissions, and page arithmetic.
package hostarch

import "encoding/binary"

const (
	// PageShift is log2(PageSize).
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// PageMask is the mask of the low-order page offset bits.
	PageMask = PageSize - 1

	// MaxUserAddr is the first address past the application-mappable part
	// of the canonical lower half of the address space.
	MaxUserAddr = Addr(1) << 47
)

// ByteOrder is the native byte order of user memory.
var ByteOrder = binary.LittleEndian

// PageRoundDown returns x rounded down to the nearest page boundary.
func PageRoundDown(x uint64) uint64 {
	return x &^ uint64(PageMask)
}

// PageRoundUp returns x rounded up to the nearest page boundary. ok is true
// iff rounding up did not wrap around.
func PageRoundUp(x uint64) (addr uint64, ok bool) {
	addr = PageRoundDown(x + PageMask)
	ok = addr >= x
	return
}
