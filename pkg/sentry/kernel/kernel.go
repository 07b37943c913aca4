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

// Package kernel provides the tasks that tie address spaces, futexes, and
// the syscall surface together.
package kernel

import (
	"sync"

	"github.com/sirupsen/logrus"

	"mirage.dev/mirage/pkg/errors/linuxerr"
	"mirage.dev/mirage/pkg/sentry/kernel/futex"
	"mirage.dev/mirage/pkg/sentry/mm"
)

// Kernel is the top-level object holding global kernel state.
type Kernel struct {
	log *logrus.Logger

	mu     sync.Mutex
	nextID ThreadID
	tasks  map[ThreadID]*Task
}

// ThreadID identifies a task, in the sense of Linux's tid.
type ThreadID int32

// NewKernel returns an initialized Kernel.
func NewKernel(log *logrus.Logger) *Kernel {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Kernel{
		log:    log,
		nextID: 1,
		tasks:  make(map[ThreadID]*Task),
	}
}

// TaskConfig covers the properties of a new task.
type TaskConfig struct {
	// MemoryManager is the new task's address space. If nil, a fresh one
	// with the default layout is created.
	MemoryManager *mm.MemoryManager

	// Futexes is the new task's futex manager. If nil, a fresh one is
	// created. Tasks sharing an address space should share a manager;
	// forked tasks should use Fork() of the parent's.
	Futexes *futex.Manager
}

// NewTask creates and registers a task.
func (k *Kernel) NewTask(cfg TaskConfig) *Task {
	memory := cfg.MemoryManager
	if memory == nil {
		memory = mm.NewMemoryManager(mm.DefaultLayout())
	}
	futexes := cfg.Futexes
	if futexes == nil {
		futexes = futex.NewManager()
	}

	k.mu.Lock()
	id := k.nextID
	k.nextID++
	t := &Task{
		Entry:   logrus.NewEntry(k.log).WithField("tid", id),
		k:       k,
		id:      id,
		memory:  memory,
		futexes: futexes,
	}
	k.tasks[id] = t
	k.mu.Unlock()
	return t
}

// TaskWithID returns the task with the given ID, or nil.
func (k *Kernel) TaskWithID(id ThreadID) *Task {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tasks[id]
}

// unregisterTask removes t from the task table.
func (k *Kernel) unregisterTask(t *Task) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.tasks[t.id] != t {
		return linuxerr.ESRCH
	}
	delete(k.tasks, t.id)
	return nil
}
