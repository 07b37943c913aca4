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

package linux

import (
	"time"

	"mirage.dev/mirage/pkg/abi/linux"
	"mirage.dev/mirage/pkg/errors/linuxerr"
	"mirage.dev/mirage/pkg/hostarch"
	"mirage.dev/mirage/pkg/sentry/arch"
	"mirage.dev/mirage/pkg/sentry/kernel"
	"mirage.dev/mirage/pkg/sentry/kernel/futex"
)

// futexWaitDuration returns the duration of a futex wait whose timespec
// lives at timeoutAddr, or a negative duration (wait forever) if
// timeoutAddr is null.
func futexWaitDuration(t *kernel.Task, timeoutAddr hostarch.Addr) (time.Duration, error) {
	if timeoutAddr == 0 {
		return -1, nil
	}
	var ts linux.Timespec
	if _, err := t.CopyInObject(timeoutAddr, &ts); err != nil {
		return 0, err
	}
	if !ts.Valid() {
		return 0, linuxerr.EINVAL
	}
	return ts.ToDuration(), nil
}

// futexWait performs a FUTEX_WAIT or FUTEX_WAIT_BITSET: it atomically
// checks the futex word against val, sleeps until woken or timed out, and
// reports an owner-death wakeup as EOWNERDEAD.
func futexWait(t *kernel.Task, addr hostarch.Addr, private bool, val uint32, bitmask uint32, timeout time.Duration) error {
	w := futex.NewWaiter()
	if err := t.Futexes().WaitPrepare(w, t.FutexTarget(), addr, private, val, bitmask); err != nil {
		// Includes the EAGAIN fast path: a mismatched value never
		// suspends the task.
		return err
	}

	blockErr := t.Block(w.C, timeout)
	t.Futexes().WaitComplete(w)
	if blockErr != nil && !w.Woken() {
		return blockErr
	}

	// Woken, possibly racing with the timeout; the wakeup wins.
	if w.ConsumeOwnerDeath() {
		return linuxerr.EOWNERDEAD
	}
	return nil
}

// Futex implements the futex(2) system call.
func Futex(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	uaddr := args[0].Pointer()
	futexOp := args[1].Uint()
	val := args[2].Int()
	timeoutAddr := args[3].Pointer()
	uaddr2 := args[4].Pointer()
	val3 := args[5].Uint()

	cmd := futexOp &^ (linux.FUTEX_PRIVATE_FLAG | linux.FUTEX_CLOCK_REALTIME)
	private := futexOp&linux.FUTEX_PRIVATE_FLAG != 0

	t.Debugf("futex: uaddr=%#x op=%#x val=%d uaddr2=%#x val3=%#x", uaddr, futexOp, val, uaddr2, val3)

	switch cmd {
	case linux.FUTEX_WAIT, linux.FUTEX_WAIT_BITSET:
		bitmask := uint32(linux.FUTEX_BITSET_MATCH_ANY)
		if cmd == linux.FUTEX_WAIT_BITSET {
			if val3 == 0 {
				return 0, linuxerr.EINVAL
			}
			bitmask = val3
		}
		timeout, err := futexWaitDuration(t, timeoutAddr)
		if err != nil {
			return 0, err
		}
		return 0, futexWait(t, uaddr, private, uint32(val), bitmask, timeout)

	case linux.FUTEX_WAKE, linux.FUTEX_WAKE_BITSET:
		if val < 0 {
			return 0, linuxerr.EINVAL
		}
		bitmask := uint32(linux.FUTEX_BITSET_MATCH_ANY)
		if cmd == linux.FUTEX_WAKE_BITSET {
			if val3 == 0 {
				return 0, linuxerr.EINVAL
			}
			bitmask = val3
		}
		n, err := t.Futexes().Wake(t.FutexTarget(), uaddr, private, bitmask, int(val))
		return uintptr(n), err

	case linux.FUTEX_REQUEUE:
		nreq := args[3].Int() // Occupies the timeout argument slot.
		if val < 0 || nreq < 0 {
			return 0, linuxerr.EINVAL
		}
		woken, _, err := t.Futexes().Requeue(t.FutexTarget(), uaddr, uaddr2, private, int(val), int(nreq))
		return uintptr(woken), err

	case linux.FUTEX_CMP_REQUEUE:
		nreq := args[3].Int()
		if val < 0 || nreq < 0 {
			return 0, linuxerr.EINVAL
		}
		woken, requeued, err := t.Futexes().RequeueCmp(t.FutexTarget(), uaddr, uaddr2, private, val3, int(val), int(nreq))
		return uintptr(woken + requeued), err

	case linux.FUTEX_WAKE_OP:
		nwake2 := args[3].Int() // Occupies the timeout argument slot.
		if val < 0 || nwake2 < 0 {
			return 0, linuxerr.EINVAL
		}
		n, err := t.Futexes().WakeOp(t.FutexTarget(), uaddr, uaddr2, private, int(val), int(nwake2), val3)
		return uintptr(n), err

	default:
		t.Debugf("futex: unsupported command %d", cmd)
		return 0, linuxerr.ENOSYS
	}
}

// SetRobustList implements the set_robust_list(2) system call.
func SetRobustList(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	head := args[0].Pointer()
	size := args[1].Uint64()
	return 0, t.SetRobustList(head, size)
}

// GetRobustList implements the get_robust_list(2) system call.
func GetRobustList(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	tid := args[0].Int()
	headAddr := args[1].Pointer()
	sizeAddr := args[2].Pointer()

	if tid < 0 {
		return 0, linuxerr.EINVAL
	}
	target := t
	if tid != 0 {
		if target = t.Kernel().TaskWithID(kernel.ThreadID(tid)); target == nil {
			return 0, linuxerr.ESRCH
		}
	}

	if _, err := t.CopyOutObject(headAddr, uint64(target.RobustList())); err != nil {
		return 0, err
	}
	if _, err := t.CopyOutObject(sizeAddr, uint64(linux.SizeOfRobustListHead)); err != nil {
		return 0, err
	}
	return 0, nil
}
