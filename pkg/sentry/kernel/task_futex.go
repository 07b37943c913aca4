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

package kernel

import (
	"mirage.dev/mirage/pkg/hostarch"
	"mirage.dev/mirage/pkg/sentry/kernel/futex"
	"mirage.dev/mirage/pkg/usermem"
)

// futexTarget adapts a Task's address space to the futex.Target interface.
// Accesses go through the ordinary IO path, so they respect mapping
// permissions and may populate the word's page on demand.
type futexTarget struct {
	t *Task
}

// LoadUint32 implements futex.Target.LoadUint32.
func (ft futexTarget) LoadUint32(addr hostarch.Addr) (uint32, error) {
	return ft.t.memory.LoadUint32(ft.t, addr, usermem.IOOpts{})
}

// SwapUint32 implements futex.Target.SwapUint32.
func (ft futexTarget) SwapUint32(addr hostarch.Addr, new uint32) (uint32, error) {
	return ft.t.memory.SwapUint32(ft.t, addr, new, usermem.IOOpts{})
}

// CompareAndSwapUint32 implements futex.Target.CompareAndSwapUint32.
func (ft futexTarget) CompareAndSwapUint32(addr hostarch.Addr, old, new uint32) (uint32, error) {
	return ft.t.memory.CompareAndSwapUint32(ft.t, addr, old, new, usermem.IOOpts{})
}

// GetSharedKey implements futex.Target.GetSharedKey.
func (ft futexTarget) GetSharedKey(addr hostarch.Addr) (futex.Key, error) {
	return ft.t.memory.GetSharedFutexKey(ft.t, addr)
}

// FutexTarget returns the futex.Target through which futex operations
// access t's memory.
func (t *Task) FutexTarget() futex.Target {
	return futexTarget{t: t}
}
