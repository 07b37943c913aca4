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

// Package usermem governs access to user memory.
package usermem

import (
	"bytes"
	"encoding/binary"
	"reflect"

	"mirage.dev/mirage/pkg/context"
	"mirage.dev/mirage/pkg/errors/linuxerr"
	"mirage.dev/mirage/pkg/hostarch"
)

// IO provides access to the contents of a virtual memory space.
type IO interface {
	// CopyOut copies len(src) bytes from src to the memory mapped at addr.
	// It returns the number of bytes copied. If the number of bytes copied
	// is < len(src), it returns a non-nil error explaining why.
	CopyOut(ctx context.Context, addr hostarch.Addr, src []byte, opts IOOpts) (int, error)

	// CopyIn copies len(dst) bytes from the memory mapped at addr to dst. It
	// returns the number of bytes copied. If the number of bytes copied is <
	// len(dst), it returns a non-nil error explaining why.
	CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte, opts IOOpts) (int, error)

	// ZeroOut sets toZero bytes to 0 starting at addr. It returns the number
	// of bytes zeroed. If the number of bytes zeroed is < toZero, it returns
	// a non-nil error explaining why.
	//
	// Preconditions: toZero >= 0.
	ZeroOut(ctx context.Context, addr hostarch.Addr, toZero int64, opts IOOpts) (int64, error)

	// EnsureRange verifies that [addr, addr+length) supports accesses of
	// type at and populates backing for the covering pages. Note that this
	// may allocate physical backing even for a logically read-only
	// operation; callers relying on resource accounting must expect the
	// charge.
	//
	// A length of zero always succeeds, regardless of the validity of addr.
	EnsureRange(ctx context.Context, addr hostarch.Addr, length int64, at hostarch.AccessType, opts IOOpts) error

	// LoadUint32 atomically loads the uint32 value at addr and returns it.
	//
	// Preconditions: addr must be aligned to a 4-byte boundary.
	LoadUint32(ctx context.Context, addr hostarch.Addr, opts IOOpts) (uint32, error)

	// SwapUint32 atomically sets the uint32 value at addr to new and
	// returns the previous value.
	//
	// Preconditions: addr must be aligned to a 4-byte boundary.
	SwapUint32(ctx context.Context, addr hostarch.Addr, new uint32, opts IOOpts) (uint32, error)

	// CompareAndSwapUint32 atomically compares the uint32 value at addr to
	// old; if they are equal, the value in memory is replaced by new. In
	// either case, the previous value stored in memory is returned.
	//
	// Preconditions: addr must be aligned to a 4-byte boundary.
	CompareAndSwapUint32(ctx context.Context, addr hostarch.Addr, old, new uint32, opts IOOpts) (uint32, error)
}

// IOOpts contains options applicable to all IO methods.
type IOOpts struct {
	// If IgnorePermissions is true, application-defined memory protections
	// set by mmap(2) or mprotect(2) will be ignored. (Memory protections
	// required by the target of the mapping are never ignored.)
	IgnorePermissions bool
}

// ByteOrder is the byte order of user memory.
var ByteOrder = hostarch.ByteOrder

// objectLayout returns the encoded size and required alignment of obj, which
// must be a pointer to a fixed-size value or a fixed-size value.
func objectLayout(obj any) (size int, align int, err error) {
	size = binary.Size(obj)
	if size < 0 {
		return 0, 0, linuxerr.EINVAL
	}
	t := reflect.TypeOf(obj)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return size, t.Align(), nil
}

// CopyObjectIn copies a fixed-size value from the memory mapped at addr in
// uio to dst, which must be a pointer. It returns the number of bytes
// copied.
//
// Unlike raw CopyIn, typed reads enforce the element type's natural
// alignment; a misaligned addr fails with EFAULT before any access. The copy
// is all-or-nothing: on error no bytes are delivered.
//
// CopyObjectIn must use reflection to decode dst; performance-sensitive
// clients should use uio.CopyIn directly and do decoding manually.
func CopyObjectIn(ctx context.Context, uio IO, addr hostarch.Addr, dst any, opts IOOpts) (int, error) {
	size, align, err := objectLayout(dst)
	if err != nil {
		return 0, err
	}
	if !addr.IsAligned(align) {
		return 0, linuxerr.EFAULT
	}
	if err := uio.EnsureRange(ctx, addr, int64(size), hostarch.Read, opts); err != nil {
		return 0, err
	}
	buf := make([]byte, size)
	if _, err := uio.CopyIn(ctx, addr, buf, opts); err != nil {
		return 0, err
	}
	if err := binary.Read(bytes.NewReader(buf), ByteOrder, dst); err != nil {
		return 0, linuxerr.EINVAL
	}
	return size, nil
}

// CopyObjectOut copies a fixed-size value src to the memory mapped at addr
// in uio. It returns the number of bytes copied.
//
// Typed writes demand both read and write access to the region and enforce
// the element type's natural alignment, as CopyObjectIn does.
//
// CopyObjectOut must use reflection to encode src; performance-sensitive
// clients should do encoding manually and use uio.CopyOut directly.
func CopyObjectOut(ctx context.Context, uio IO, addr hostarch.Addr, src any, opts IOOpts) (int, error) {
	size, align, err := objectLayout(src)
	if err != nil {
		return 0, err
	}
	if !addr.IsAligned(align) {
		return 0, linuxerr.EFAULT
	}
	if err := uio.EnsureRange(ctx, addr, int64(size), hostarch.ReadWrite, opts); err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, ByteOrder, src); err != nil {
		return 0, linuxerr.EINVAL
	}
	if _, err := uio.CopyOut(ctx, addr, buf.Bytes(), opts); err != nil {
		return 0, err
	}
	return size, nil
}

// copyStringIncrement is the maximum number of bytes that are copied from
// virtual memory at a time by CopyStringIn.
const copyStringIncrement = 64

// CopyStringIn copies a NUL-terminated string of unknown length from the
// memory mapped at addr in uio and returns it as a string (not including the
// trailing NUL). Since the true length is under application control, the
// scan extends validated coverage one page at a time, re-validating each
// newly entered page before reading it; discovering an unmapped page
// mid-scan fails the whole read with EFAULT. If the length of the string,
// including the terminating NUL, would exceed maxlen, CopyStringIn returns
// ENAMETOOLONG.
//
// No partial string is ever returned alongside an error.
//
// Preconditions: maxlen >= 0.
func CopyStringIn(ctx context.Context, uio IO, addr hostarch.Addr, maxlen int, opts IOOpts) (string, error) {
	buf := make([]byte, maxlen)
	var done int
	for done < maxlen {
		start, ok := addr.AddLength(uint64(done))
		if !ok {
			// Last page of the address space. The application can't use
			// this anyway.
			return "", linuxerr.EFAULT
		}
		// Read up to copyStringIncrement bytes at a time.
		readlen := copyStringIncrement
		if readlen > maxlen-done {
			readlen = maxlen - done
		}
		end, ok := start.AddLength(uint64(readlen))
		if !ok {
			return "", linuxerr.EFAULT
		}
		// Shorten the read to avoid crossing page boundaries, since each
		// newly entered page must be validated separately, and faulting in a
		// page unnecessarily is expensive.
		if start.RoundDown() != end.RoundDown() {
			end = end.RoundDown()
		}
		n, err := uio.CopyIn(ctx, start, buf[done:done+int(end-start)], opts)
		// Look for the terminating zero byte, which may have occurred before
		// hitting err.
		if i := bytes.IndexByte(buf[done:done+n], byte(0)); i >= 0 {
			return string(buf[:done+i]), nil
		}
		done += n
		if err != nil {
			return "", err
		}
	}
	return "", linuxerr.ENAMETOOLONG
}
