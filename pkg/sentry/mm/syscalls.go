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
	"mirage.dev/mirage/pkg/sentry/kernel/futex"
	"mirage.dev/mirage/pkg/sentry/memmap"
)

// MMapOpts specifies a request to create a memory mapping.
type MMapOpts struct {
	// Length is the length of the mapping.
	Length uint64

	// Addr is the suggested address for the mapping, or the required
	// address if Fixed is true.
	Addr hostarch.Addr

	// Fixed specifies whether this is a MAP_FIXED mapping: Addr is
	// mandatory, and any existing mappings in the way are replaced.
	Fixed bool

	// Perms is the set of permissions requested for the mapping.
	Perms hostarch.AccessType

	// Mappable is the shared backing of the mapping. If nil, the mapping
	// is private anonymous.
	Mappable memmap.Mappable

	// Offset is the offset into Mappable at which the mapping begins.
	// Ignored if Mappable is nil.
	Offset uint64
}

// MMap establishes a mapping and returns its address.
func (mm *MemoryManager) MMap(ctx context.Context, opts MMapOpts) (hostarch.Addr, error) {
	if opts.Length == 0 {
		return 0, linuxerr.EINVAL
	}
	length, ok := hostarch.PageRoundUp(opts.Length)
	if !ok {
		return 0, linuxerr.ENOMEM
	}
	if opts.Mappable != nil {
		if opts.Offset&hostarch.PageMask != 0 {
			return 0, linuxerr.EINVAL
		}
		end := opts.Offset + length
		if end < opts.Offset || end > opts.Mappable.Span() {
			return 0, linuxerr.EINVAL
		}
	}

	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()

	var ar hostarch.AddrRange
	if opts.Fixed {
		if !opts.Addr.IsPageAligned() {
			return 0, linuxerr.EINVAL
		}
		ar, ok = opts.Addr.ToRange(length)
		if !ok || ar.End > mm.layout.MaxAddr {
			return 0, linuxerr.ENOMEM
		}
		// MAP_FIXED replaces anything in the way.
		mm.unmapLocked(ar)
	} else {
		addr, ok := mm.findAvailableLocked(length)
		if !ok {
			return 0, linuxerr.ENOMEM
		}
		ar, _ = addr.ToRange(length)
	}

	v := vma{
		ar:             ar,
		realPerms:      opts.Perms,
		effectivePerms: opts.Perms.Effective(),
		mappable:       opts.Mappable,
		off:            opts.Offset,
	}
	if opts.Mappable != nil {
		opts.Mappable.IncRef()
		v.id = opts.Mappable
	}
	mm.addVMALocked(v)

	ctx.Debugf("mmap: [%#x, %#x) %s", ar.Start, ar.End, v.effectivePerms)
	return ar.Start, nil
}

// MProtect changes the permissions of the mappings covering
// [addr, addr+length). The whole range must be mapped; a hole fails the
// call with ENOMEM and leaves all permissions unchanged.
func (mm *MemoryManager) MProtect(addr hostarch.Addr, length uint64, realPerms hostarch.AccessType) error {
	if !addr.IsPageAligned() {
		return linuxerr.EINVAL
	}
	if length == 0 {
		return nil
	}
	rlength, ok := hostarch.PageRoundUp(length)
	if !ok {
		return linuxerr.ENOMEM
	}
	ar, ok := addr.ToRange(rlength)
	if !ok || ar.End > mm.layout.MaxAddr {
		return linuxerr.ENOMEM
	}

	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	if !mm.checkRangeLocked(ar, hostarch.NoAccess, true) {
		return linuxerr.ENOMEM
	}

	mm.splitVMALocked(ar.Start)
	mm.splitVMALocked(ar.End)
	for _, v := range mm.vmasOverlappingLocked(ar) {
		v.realPerms = realPerms
		v.effectivePerms = realPerms.Effective()
		mm.vmas.ReplaceOrInsert(v)
	}

	// Drop page table entries in the range so the next access faults and
	// re-installs them with the new permissions. Backing frames survive in
	// privatePages and the mappables.
	mm.activeMu.Lock()
	mm.as.UnmapPages(ar)
	mm.activeMu.Unlock()
	return nil
}

// MUnmap removes the mappings covering [addr, addr+length).
func (mm *MemoryManager) MUnmap(ctx context.Context, addr hostarch.Addr, length uint64) error {
	if !addr.IsPageAligned() || length == 0 {
		return linuxerr.EINVAL
	}
	rlength, ok := hostarch.PageRoundUp(length)
	if !ok {
		return linuxerr.EINVAL
	}
	ar, ok := addr.ToRange(rlength)
	if !ok || ar.End > mm.layout.MaxAddr {
		return linuxerr.EINVAL
	}

	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	mm.unmapLocked(ar)

	ctx.Debugf("munmap: [%#x, %#x)", ar.Start, ar.End)
	return nil
}

// GetSharedFutexKey returns a futex.Key for a non-private futex word at
// addr: for a word in a shared mapping, the key names the backing mappable
// and the offset into it, so that every address space mapping the same
// backing derives the same key.
func (mm *MemoryManager) GetSharedFutexKey(ctx context.Context, addr hostarch.Addr) (futex.Key, error) {
	ar, ok := mm.CheckIORange(addr, 4) // sizeof(int32).
	if !ok {
		return futex.Key{}, linuxerr.EFAULT
	}

	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	v, ok := mm.findVMALocked(addr)
	if !ok || !v.ar.IsSupersetOf(ar) || !v.effectivePerms.Read {
		return futex.Key{}, linuxerr.EFAULT
	}

	if v.private() {
		return futex.Key{
			Kind:   futex.KindSharedPrivate,
			Offset: uint64(addr),
		}, nil
	}

	if v.id != nil {
		v.id.IncRef()
	}
	return futex.Key{
		Kind:            futex.KindSharedMappable,
		Mappable:        v.mappable,
		MappingIdentity: v.id,
		Offset:          v.mappableOffsetAt(addr),
	}, nil
}
