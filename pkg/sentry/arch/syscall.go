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

// Package arch carries the architecture-dependent shapes of the syscall
// boundary.
package arch

import (
	"mirage.dev/mirage/pkg/hostarch"
)

// SyscallArgument is an argument supplied to a system call.
type SyscallArgument struct {
	// Value is the raw register value.
	Value uintptr
}

// SyscallArguments are the set of registers a system call receives.
type SyscallArguments [6]SyscallArgument

// Pointer returns the argument as an untrusted application address.
func (a SyscallArgument) Pointer() hostarch.Addr {
	return hostarch.Addr(a.Value)
}

// Int returns the argument as a signed 32-bit value.
func (a SyscallArgument) Int() int32 {
	return int32(a.Value)
}

// Uint returns the argument as an unsigned 32-bit value.
func (a SyscallArgument) Uint() uint32 {
	return uint32(a.Value)
}

// Int64 returns the argument as a signed 64-bit value.
func (a SyscallArgument) Int64() int64 {
	return int64(a.Value)
}

// Uint64 returns the argument as an unsigned 64-bit value.
func (a SyscallArgument) Uint64() uint64 {
	return uint64(a.Value)
}

// SizeT returns the argument as a size_t.
func (a SyscallArgument) SizeT() uint {
	return uint(a.Value)
}
