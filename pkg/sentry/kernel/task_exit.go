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
	"mirage.dev/mirage/pkg/abi/linux"
	"mirage.dev/mirage/pkg/errors/linuxerr"
	"mirage.dev/mirage/pkg/hostarch"
)

// SetRobustList registers addr as the head of the task's robust futex
// list. size must be the size of struct robust_list_head.
func (t *Task) SetRobustList(addr hostarch.Addr, size uint64) error {
	if size != linux.SizeOfRobustListHead {
		return linuxerr.EINVAL
	}
	t.robustMu.Lock()
	t.robustList = addr
	t.robustMu.Unlock()
	return nil
}

// RobustList returns the registered robust list head address, or 0.
func (t *Task) RobustList() hostarch.Addr {
	t.robustMu.Lock()
	defer t.robustMu.Unlock()
	return t.robustList
}

// Exit tears the task down: robust futexes held by the task are marked
// owner-died and their waiters notified, and the task is removed from the
// kernel's task table.
func (t *Task) Exit() {
	t.ExitRobustList()
	if err := t.k.unregisterTask(t); err != nil {
		t.Warnf("exiting task was not registered: %v", err)
	}
}

// ExitRobustList walks the task's robust futex list, marking each lock
// word still owned by the task with FUTEX_OWNER_DIED and waking one waiter
// on it. The walk gives up silently on any fault and visits at most
// ROBUST_LIST_LIMIT entries, so a corrupted or cyclic list cannot wedge
// task exit.
func (t *Task) ExitRobustList() {
	t.robustMu.Lock()
	addr := t.robustList
	t.robustList = 0
	t.robustMu.Unlock()
	if addr == 0 {
		return
	}

	var head linux.RobustListHead
	if _, err := t.CopyInObject(addr, &head); err != nil {
		return
	}

	done := 0
	for entry := hostarch.Addr(head.List); entry != addr && done < linux.ROBUST_LIST_LIMIT; done++ {
		// Read the next pointer before touching the lock word: marking the
		// word may wake a thread that immediately frees the entry.
		var next uint64
		if _, err := t.CopyInObject(entry, &next); err != nil {
			return
		}
		if uint64(entry) != head.ListOpPending {
			t.handleRobustDeath(entry + hostarch.Addr(head.FutexOffset))
		}
		entry = hostarch.Addr(next)
	}

	// An operation interrupted mid-flight is recorded in ListOpPending and
	// may not be linked into the list yet.
	if head.ListOpPending != 0 {
		t.handleRobustDeath(hostarch.Addr(head.ListOpPending) + hostarch.Addr(head.FutexOffset))
	}
}

// handleRobustDeath marks the lock word at addr with FUTEX_OWNER_DIED if it
// is still owned by t, and wakes one waiter. Robust futexes are always
// handled as shared, whatever flags their waiters used in userspace; glibc
// registers all robust mutexes that way.
func (t *Task) handleRobustDeath(addr hostarch.Addr) {
	ft := t.FutexTarget()
	for {
		word, err := ft.LoadUint32(addr)
		if err != nil {
			return
		}
		if ThreadID(word&linux.FUTEX_TID_MASK) != t.id {
			// Not held by the dying task.
			return
		}
		next := (word & linux.FUTEX_WAITERS) | linux.FUTEX_OWNER_DIED
		prev, err := ft.CompareAndSwapUint32(addr, word, next)
		if err != nil {
			return
		}
		if prev != word {
			// The word changed under us; reevaluate ownership.
			continue
		}
		if word&linux.FUTEX_WAITERS != 0 {
			if err := t.futexes.SetOwnerDied(ft, addr, false); err != nil {
				return
			}
			if _, err := t.futexes.Wake(ft, addr, false, linux.FUTEX_BITSET_MATCH_ANY, 1); err != nil {
				t.Debugf("robust wake at %#x failed: %v", addr, err)
			}
		}
		return
	}
}
