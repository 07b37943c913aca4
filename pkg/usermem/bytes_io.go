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

package usermem

import (
	"sync/atomic"
	"unsafe"

	"mirage.dev/mirage/pkg/context"
	"mirage.dev/mirage/pkg/errors/linuxerr"
	"mirage.dev/mirage/pkg/hostarch"
)

const maxInt = int(^uint(0) >> 1)

// BytesIO implements IO using a byte slice. Addresses are offsets into the
// slice. BytesIO ignores access permissions; it exists for testing IO
// consumers without a full address space.
type BytesIO struct {
	Bytes []byte
}

// CopyOut implements IO.CopyOut.
func (b *BytesIO) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte, opts IOOpts) (int, error) {
	rngN, rngErr := b.rangeCheck(addr, len(src))
	if rngN == 0 {
		return 0, rngErr
	}
	return copy(b.Bytes[int(addr):], src[:rngN]), rngErr
}

// CopyIn implements IO.CopyIn.
func (b *BytesIO) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte, opts IOOpts) (int, error) {
	rngN, rngErr := b.rangeCheck(addr, len(dst))
	if rngN == 0 {
		return 0, rngErr
	}
	return copy(dst[:rngN], b.Bytes[int(addr):]), rngErr
}

// ZeroOut implements IO.ZeroOut.
func (b *BytesIO) ZeroOut(ctx context.Context, addr hostarch.Addr, toZero int64, opts IOOpts) (int64, error) {
	if toZero > int64(maxInt) {
		return 0, linuxerr.EINVAL
	}
	rngN, rngErr := b.rangeCheck(addr, int(toZero))
	if rngN == 0 {
		return 0, rngErr
	}
	zeroes := b.Bytes[int(addr) : int(addr)+rngN]
	for i := range zeroes {
		zeroes[i] = 0
	}
	return int64(rngN), rngErr
}

// EnsureRange implements IO.EnsureRange.
func (b *BytesIO) EnsureRange(ctx context.Context, addr hostarch.Addr, length int64, at hostarch.AccessType, opts IOOpts) error {
	if length == 0 {
		return nil
	}
	if length > int64(maxInt) {
		return linuxerr.EFAULT
	}
	rngN, rngErr := b.rangeCheck(addr, int(length))
	if int64(rngN) != length {
		return rngErr
	}
	return nil
}

// LoadUint32 implements IO.LoadUint32.
func (b *BytesIO) LoadUint32(ctx context.Context, addr hostarch.Addr, opts IOOpts) (uint32, error) {
	ptr, err := b.uint32Ptr(addr)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(ptr), nil
}

// SwapUint32 implements IO.SwapUint32.
func (b *BytesIO) SwapUint32(ctx context.Context, addr hostarch.Addr, new uint32, opts IOOpts) (uint32, error) {
	ptr, err := b.uint32Ptr(addr)
	if err != nil {
		return 0, err
	}
	return atomic.SwapUint32(ptr, new), nil
}

// CompareAndSwapUint32 implements IO.CompareAndSwapUint32.
func (b *BytesIO) CompareAndSwapUint32(ctx context.Context, addr hostarch.Addr, old, new uint32, opts IOOpts) (uint32, error) {
	ptr, err := b.uint32Ptr(addr)
	if err != nil {
		return 0, err
	}
	for {
		cur := atomic.LoadUint32(ptr)
		if cur != old {
			return cur, nil
		}
		if atomic.CompareAndSwapUint32(ptr, old, new) {
			return old, nil
		}
	}
}

func (b *BytesIO) rangeCheck(addr hostarch.Addr, length int) (int, error) {
	if length == 0 {
		return 0, nil
	}
	max := hostarch.Addr(len(b.Bytes))
	if addr >= max {
		return 0, linuxerr.EFAULT
	}
	end, ok := addr.AddLength(uint64(length))
	if !ok || end > max {
		return int(max - addr), linuxerr.EFAULT
	}
	return length, nil
}

func (b *BytesIO) uint32Ptr(addr hostarch.Addr) (*uint32, error) {
	if !addr.IsAligned(4) {
		return nil, linuxerr.EINVAL
	}
	if _, err := b.rangeCheck(addr, 4); err != nil {
		return nil, err
	}
	return (*uint32)(unsafe.Pointer(&b.Bytes[int(addr)])), nil
}

func newBytesIOString(s string) *BytesIO {
	return &BytesIO{[]byte(s)}
}
