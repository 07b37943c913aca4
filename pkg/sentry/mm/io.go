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
	"mirage.dev/mirage/pkg/context"
	"mirage.dev/mirage/pkg/errors/linuxerr"
	"mirage.dev/mirage/pkg/hostarch"
	"mirage.dev/mirage/pkg/sentry/fault"
	"mirage.dev/mirage/pkg/sentry/platform"
	"mirage.dev/mirage/pkg/usermem"
)

// There are two supported ways to copy data to/from application virtual
// memory:
//
// 1. Access the memory through the simulated page tables (as), relying on
// the fault arbitrator to populate pages mid-copy. This is the normal path;
// it is what makes a fault on a deliberately-touched user buffer
// recoverable while a stray kernel dereference stays fatal.
//
// 2. Populate the whole range up front (EnsureRange), then access it. This
// is used by callers that must not fault mid-operation, such as typed
// object copies that promise all-or-nothing behavior.
//
// Permission-ignoring IO takes neither path through the page tables: it
// populates the range (skipping the vma permission check) and then accesses
// the backing frames directly. Installing widened page table entries instead
// would let subsequent ordinary accesses bypass mprotect.

// beginUserAccess opens a user-access span on the context's task, if any.
// IO through a context with no task (tests driving the MemoryManager
// directly) proceeds without arbitration state.
func (mm *MemoryManager) beginUserAccess(ctx context.Context) func() {
	if fc := fault.FromContext(ctx); fc != nil {
		return fc.BeginUserAccess()
	}
	return func() {}
}

// handleASIOFault decides the fate of a SegmentationFault taken at addr
// during IO: it returns nil if the page was populated and the access should
// be retried, and a translated error otherwise.
func (mm *MemoryManager) handleASIOFault(ctx context.Context, f platform.SegmentationFault) error {
	if fault.Handle(ctx, f.Addr, f.Access) {
		return nil
	}
	return linuxerr.EFAULT
}

// populateUint32 makes the page containing the word at addr resident without
// checking vma permissions, for permission-ignoring atomic ops.
//
// Preconditions: addr is 4-byte aligned and within the user address range.
func (mm *MemoryManager) populateUint32(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType) error {
	ar, ok := addr.ToRange(4)
	if !ok {
		return linuxerr.EFAULT
	}
	return mm.populate(ctx, ar, at, true)
}

// CopyOut implements usermem.IO.CopyOut.
func (mm *MemoryManager) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte, opts usermem.IOOpts) (int, error) {
	if _, ok := mm.CheckIORange(addr, int64(len(src))); !ok {
		return 0, linuxerr.EFAULT
	}
	if len(src) == 0 {
		return 0, nil
	}
	if opts.IgnorePermissions {
		ar, _ := mm.CheckIORange(addr, int64(len(src)))
		if err := mm.populate(ctx, ar, hostarch.Write, true); err != nil {
			return 0, err
		}
		if err := mm.as.writeDirect(addr, src); err != nil {
			return 0, linuxerr.EFAULT
		}
		return len(src), nil
	}
	end := mm.beginUserAccess(ctx)
	defer end()

	var done int
	for {
		n, err := mm.as.CopyOut(addr+hostarch.Addr(done), src[done:])
		done += n
		if err == nil {
			return done, nil
		}
		f, ok := err.(platform.SegmentationFault)
		if !ok {
			return done, err
		}
		if err := mm.handleASIOFault(ctx, f); err != nil {
			return done, err
		}
	}
}

// CopyIn implements usermem.IO.CopyIn.
func (mm *MemoryManager) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte, opts usermem.IOOpts) (int, error) {
	if _, ok := mm.CheckIORange(addr, int64(len(dst))); !ok {
		return 0, linuxerr.EFAULT
	}
	if len(dst) == 0 {
		return 0, nil
	}
	if opts.IgnorePermissions {
		ar, _ := mm.CheckIORange(addr, int64(len(dst)))
		if err := mm.populate(ctx, ar, hostarch.Read, true); err != nil {
			return 0, err
		}
		if err := mm.as.readDirect(addr, dst); err != nil {
			return 0, linuxerr.EFAULT
		}
		return len(dst), nil
	}
	end := mm.beginUserAccess(ctx)
	defer end()

	var done int
	for {
		n, err := mm.as.CopyIn(addr+hostarch.Addr(done), dst[done:])
		done += n
		if err == nil {
			return done, nil
		}
		f, ok := err.(platform.SegmentationFault)
		if !ok {
			return done, err
		}
		if err := mm.handleASIOFault(ctx, f); err != nil {
			return done, err
		}
	}
}

// zeroBufSize is the granularity at which ZeroOut writes.
const zeroBufSize = 4 * hostarch.PageSize

var zeroBuf [zeroBufSize]byte

// ZeroOut implements usermem.IO.ZeroOut.
func (mm *MemoryManager) ZeroOut(ctx context.Context, addr hostarch.Addr, toZero int64, opts usermem.IOOpts) (int64, error) {
	if _, ok := mm.CheckIORange(addr, toZero); !ok {
		return 0, linuxerr.EFAULT
	}
	var done int64
	for done < toZero {
		chunk := toZero - done
		if chunk > zeroBufSize {
			chunk = zeroBufSize
		}
		n, err := mm.CopyOut(ctx, addr+hostarch.Addr(done), zeroBuf[:chunk], opts)
		done += int64(n)
		if err != nil {
			return done, err
		}
	}
	return done, nil
}

// EnsureRange implements usermem.IO.EnsureRange.
func (mm *MemoryManager) EnsureRange(ctx context.Context, addr hostarch.Addr, length int64, at hostarch.AccessType, opts usermem.IOOpts) error {
	if length == 0 {
		return nil
	}
	ar, ok := mm.CheckIORange(addr, length)
	if !ok {
		return linuxerr.EFAULT
	}
	return mm.populate(ctx, ar, at, opts.IgnorePermissions)
}

// LoadUint32 implements usermem.IO.LoadUint32.
func (mm *MemoryManager) LoadUint32(ctx context.Context, addr hostarch.Addr, opts usermem.IOOpts) (uint32, error) {
	if _, ok := mm.CheckIORange(addr, 4); !ok {
		return 0, linuxerr.EFAULT
	}
	if !addr.IsAligned(4) {
		return 0, linuxerr.EINVAL
	}
	if opts.IgnorePermissions {
		if err := mm.populateUint32(ctx, addr, hostarch.Read); err != nil {
			return 0, err
		}
		v, err := mm.as.loadUint32Direct(addr)
		if err != nil {
			return 0, linuxerr.EFAULT
		}
		return v, nil
	}
	end := mm.beginUserAccess(ctx)
	defer end()

	for {
		v, err := mm.as.LoadUint32(addr)
		if err == nil {
			return v, nil
		}
		f, ok := err.(platform.SegmentationFault)
		if !ok {
			return 0, err
		}
		if err := mm.handleASIOFault(ctx, f); err != nil {
			return 0, err
		}
	}
}

// SwapUint32 implements usermem.IO.SwapUint32.
func (mm *MemoryManager) SwapUint32(ctx context.Context, addr hostarch.Addr, new uint32, opts usermem.IOOpts) (uint32, error) {
	if _, ok := mm.CheckIORange(addr, 4); !ok {
		return 0, linuxerr.EFAULT
	}
	if !addr.IsAligned(4) {
		return 0, linuxerr.EINVAL
	}
	if opts.IgnorePermissions {
		if err := mm.populateUint32(ctx, addr, hostarch.ReadWrite); err != nil {
			return 0, err
		}
		v, err := mm.as.swapUint32Direct(addr, new)
		if err != nil {
			return 0, linuxerr.EFAULT
		}
		return v, nil
	}
	end := mm.beginUserAccess(ctx)
	defer end()

	for {
		v, err := mm.as.SwapUint32(addr, new)
		if err == nil {
			return v, nil
		}
		f, ok := err.(platform.SegmentationFault)
		if !ok {
			return 0, err
		}
		if err := mm.handleASIOFault(ctx, f); err != nil {
			return 0, err
		}
	}
}

// CompareAndSwapUint32 implements usermem.IO.CompareAndSwapUint32.
func (mm *MemoryManager) CompareAndSwapUint32(ctx context.Context, addr hostarch.Addr, old, new uint32, opts usermem.IOOpts) (uint32, error) {
	if _, ok := mm.CheckIORange(addr, 4); !ok {
		return 0, linuxerr.EFAULT
	}
	if !addr.IsAligned(4) {
		return 0, linuxerr.EINVAL
	}
	if opts.IgnorePermissions {
		if err := mm.populateUint32(ctx, addr, hostarch.ReadWrite); err != nil {
			return 0, err
		}
		v, err := mm.as.compareAndSwapUint32Direct(addr, old, new)
		if err != nil {
			return 0, linuxerr.EFAULT
		}
		return v, nil
	}
	end := mm.beginUserAccess(ctx)
	defer end()

	for {
		v, err := mm.as.CompareAndSwapUint32(addr, old, new)
		if err == nil {
			return v, nil
		}
		f, ok := err.(platform.SegmentationFault)
		if !ok {
			return 0, err
		}
		if err := mm.handleASIOFault(ctx, f); err != nil {
			return 0, err
		}
	}
}

var (
	_ usermem.IO     = (*MemoryManager)(nil)
	_ fault.Resolver = (*MemoryManager)(nil)
)
