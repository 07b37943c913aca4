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
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"mirage.dev/mirage/pkg/context"
	"mirage.dev/mirage/pkg/hostarch"
	"mirage.dev/mirage/pkg/sentry/fault"
	"mirage.dev/mirage/pkg/sentry/kernel/futex"
	"mirage.dev/mirage/pkg/sentry/mm"
)

// Task represents a thread of execution in the kernel. It carries the
// thread's address space, futex state, and logging identity, and is the
// context.Context passed through every kernel operation the thread
// performs.
type Task struct {
	// Entry is the task's logging entry, tagged with its tid.
	*logrus.Entry

	k  *Kernel
	id ThreadID

	// memory is the task's address space. Immutable.
	memory *mm.MemoryManager

	// futexes is the task's futex manager. Immutable.
	futexes *futex.Manager

	// userAccess counts the open user-access spans of the task. A page
	// fault on a user address is only resolvable while it is non-zero.
	userAccess atomic.Int32

	// robustMu protects robustList.
	robustMu sync.Mutex

	// robustList is the address of the task's robust futex list head, or 0.
	robustList hostarch.Addr
}

// ID returns the task's thread ID.
func (t *Task) ID() ThreadID {
	return t.id
}

// Kernel returns the kernel the task belongs to.
func (t *Task) Kernel() *Kernel {
	return t.k
}

// MemoryManager returns the task's address space.
func (t *Task) MemoryManager() *mm.MemoryManager {
	return t.memory
}

// Futexes returns the task's futex manager.
func (t *Task) Futexes() *futex.Manager {
	return t.futexes
}

// Value implements context.Context.Value.
func (t *Task) Value(key any) any {
	switch key {
	case CtxTask:
		return t
	case fault.CtxContext:
		return t
	default:
		return nil
	}
}

// contextID is the kernel package's type for context.Context.Value keys.
type contextID int

// CtxTask is the request to extract the Task from a context.Context.
const CtxTask contextID = iota

// TaskFromContext returns the Task associated with ctx, or nil.
func TaskFromContext(ctx context.Context) *Task {
	if v := ctx.Value(CtxTask); v != nil {
		return v.(*Task)
	}
	return nil
}

var _ context.Context = (*Task)(nil)

// FaultResolver implements fault.Context.FaultResolver.
func (t *Task) FaultResolver() fault.Resolver {
	return t.memory
}

// InUserAccess implements fault.Context.InUserAccess.
func (t *Task) InUserAccess() bool {
	return t.userAccess.Load() > 0
}

// BeginUserAccess implements fault.Context.BeginUserAccess. It opens a
// user-access span and returns the function ending it. The returned
// function may be called any number of times; only the first call ends the
// span.
func (t *Task) BeginUserAccess() func() {
	t.userAccess.Add(1)
	var ended atomic.Bool
	return func() {
		if ended.CompareAndSwap(false, true) {
			t.userAccess.Add(-1)
		}
	}
}

var _ fault.Context = (*Task)(nil)
