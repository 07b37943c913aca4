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
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"mirage.dev/mirage/pkg/abi/linux"
	"mirage.dev/mirage/pkg/errors/linuxerr"
	"mirage.dev/mirage/pkg/hostarch"
	"mirage.dev/mirage/pkg/sentry/arch"
	"mirage.dev/mirage/pkg/sentry/kernel"
	"mirage.dev/mirage/pkg/sentry/kernel/futex"
	"mirage.dev/mirage/pkg/sentry/mm"
)

func testKernel() *kernel.Kernel {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return kernel.NewKernel(log)
}

// newTestTask returns a task with one read-write page mapped and the page's
// address.
func newTestTask(t *testing.T) (*kernel.Task, hostarch.Addr) {
	t.Helper()
	task := testKernel().NewTask(kernel.TaskConfig{})
	addr, err := task.MemoryManager().MMap(task, mm.MMapOpts{
		Length: hostarch.PageSize,
		Perms:  hostarch.ReadWrite,
	})
	if err != nil {
		t.Fatalf("MMap got err %v, want nil", err)
	}
	return task, addr
}

func futexArgs(uaddr hostarch.Addr, op uint32, val int32, timeout uintptr, uaddr2 hostarch.Addr, val3 uint32) arch.SyscallArguments {
	return arch.SyscallArguments{
		{Value: uintptr(uaddr)},
		{Value: uintptr(op)},
		{Value: uintptr(val)},
		{Value: timeout},
		{Value: uintptr(uaddr2)},
		{Value: uintptr(val3)},
	}
}

func setWord(t *testing.T, task *kernel.Task, addr hostarch.Addr, val uint32) {
	t.Helper()
	if _, err := task.CopyOutObject(addr, val); err != nil {
		t.Fatalf("CopyOutObject(%#x) got err %v, want nil", addr, err)
	}
}

// wakeUntil repeatedly issues FUTEX_WAKE at addr until n waiters have been
// woken, yielding between attempts. It fails the test if the count is not
// reached within a generous deadline.
func wakeUntil(t *testing.T, task *kernel.Task, addr hostarch.Addr, op uint32, n int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	woken := 0
	for woken < n {
		if time.Now().After(deadline) {
			t.Fatalf("woke %d waiters at %#x, want %d", woken, addr, n)
		}
		got, err := Futex(task, futexArgs(addr, op, int32(n-woken), 0, 0, 0))
		if err != nil {
			t.Fatalf("Futex(WAKE) got err %v, want nil", err)
		}
		woken += int(got)
		if woken < n {
			time.Sleep(time.Millisecond)
		}
	}
}

func TestFutexWaitMismatch(t *testing.T) {
	task, addr := newTestTask(t)
	setWord(t, task, addr, 42)
	if _, err := Futex(task, futexArgs(addr, linux.FUTEX_WAIT|linux.FUTEX_PRIVATE_FLAG, 41, 0, 0, 0)); err != linuxerr.EAGAIN {
		t.Errorf("Futex(WAIT) with mismatched value got err %v, want EAGAIN", err)
	}
}

func TestFutexWaitWakeRoundTrip(t *testing.T) {
	task, addr := newTestTask(t)
	setWord(t, task, addr, 7)

	errs := make(chan error, 1)
	go func() {
		_, err := Futex(task, futexArgs(addr, linux.FUTEX_WAIT|linux.FUTEX_PRIVATE_FLAG, 7, 0, 0, 0))
		errs <- err
	}()

	wakeUntil(t, task, addr, linux.FUTEX_WAKE|linux.FUTEX_PRIVATE_FLAG, 1)
	if err := <-errs; err != nil {
		t.Errorf("Futex(WAIT) got err %v, want nil", err)
	}
}

func TestFutexWaitTimeout(t *testing.T) {
	task, addr := newTestTask(t)
	setWord(t, task, addr, 7)
	tsAddr := addr + 64
	ts := linux.DurationToTimespec(20 * time.Millisecond)
	if _, err := task.CopyOutObject(tsAddr, &ts); err != nil {
		t.Fatalf("CopyOutObject got err %v, want nil", err)
	}
	if _, err := Futex(task, futexArgs(addr, linux.FUTEX_WAIT|linux.FUTEX_PRIVATE_FLAG, 7, uintptr(tsAddr), 0, 0)); err != linuxerr.ETIMEDOUT {
		t.Errorf("Futex(WAIT) got err %v, want ETIMEDOUT", err)
	}
}

func TestFutexWaitInvalidTimespec(t *testing.T) {
	task, addr := newTestTask(t)
	setWord(t, task, addr, 7)
	tsAddr := addr + 64
	ts := linux.Timespec{Sec: 0, Nsec: 1_000_000_000} // nsec out of range
	if _, err := task.CopyOutObject(tsAddr, &ts); err != nil {
		t.Fatalf("CopyOutObject got err %v, want nil", err)
	}
	if _, err := Futex(task, futexArgs(addr, linux.FUTEX_WAIT|linux.FUTEX_PRIVATE_FLAG, 7, uintptr(tsAddr), 0, 0)); err != linuxerr.EINVAL {
		t.Errorf("Futex(WAIT) got err %v, want EINVAL", err)
	}
}

func TestFutexWaitBitsetZeroBitset(t *testing.T) {
	task, addr := newTestTask(t)
	if _, err := Futex(task, futexArgs(addr, linux.FUTEX_WAIT_BITSET|linux.FUTEX_PRIVATE_FLAG, 0, 0, 0, 0)); err != linuxerr.EINVAL {
		t.Errorf("Futex(WAIT_BITSET) with zero bitset got err %v, want EINVAL", err)
	}
}

func TestFutexWakeBitsetZeroBitset(t *testing.T) {
	task, addr := newTestTask(t)
	if _, err := Futex(task, futexArgs(addr, linux.FUTEX_WAKE_BITSET|linux.FUTEX_PRIVATE_FLAG, 1, 0, 0, 0)); err != linuxerr.EINVAL {
		t.Errorf("Futex(WAKE_BITSET) with zero bitset got err %v, want EINVAL", err)
	}
}

func TestFutexNegativeCounts(t *testing.T) {
	task, addr := newTestTask(t)
	setWord(t, task, addr, 0)
	for _, tc := range []struct {
		name string
		args arch.SyscallArguments
	}{
		{"wake", futexArgs(addr, linux.FUTEX_WAKE|linux.FUTEX_PRIVATE_FLAG, -1, 0, 0, 0)},
		{"requeue nwake", futexArgs(addr, linux.FUTEX_REQUEUE|linux.FUTEX_PRIVATE_FLAG, -1, 1, addr+64, 0)},
		{"requeue nreq", futexArgs(addr, linux.FUTEX_REQUEUE|linux.FUTEX_PRIVATE_FLAG, 1, ^uintptr(0), addr+64, 0)},
		{"cmp_requeue nwake", futexArgs(addr, linux.FUTEX_CMP_REQUEUE|linux.FUTEX_PRIVATE_FLAG, -1, 1, addr+64, 0)},
		{"wake_op nwake2", futexArgs(addr, linux.FUTEX_WAKE_OP|linux.FUTEX_PRIVATE_FLAG, 1, ^uintptr(0), addr+64, 0)},
	} {
		if _, err := Futex(task, tc.args); err != linuxerr.EINVAL {
			t.Errorf("Futex(%s) got err %v, want EINVAL", tc.name, err)
		}
	}
}

func TestFutexUnknownCommand(t *testing.T) {
	task, addr := newTestTask(t)
	if _, err := Futex(task, futexArgs(addr, linux.FUTEX_FD, 0, 0, 0, 0)); err != linuxerr.ENOSYS {
		t.Errorf("Futex(FUTEX_FD) got err %v, want ENOSYS", err)
	}
	if _, err := Futex(task, futexArgs(addr, 13, 0, 0, 0, 0)); err != linuxerr.ENOSYS {
		t.Errorf("Futex(13) got err %v, want ENOSYS", err)
	}
}

func TestFutexCmpRequeue(t *testing.T) {
	task, addr := newTestTask(t)
	addr2 := addr + 64
	setWord(t, task, addr, 5)

	// Queue three waiters directly so the counts are deterministic.
	var ws [3]*futex.Waiter
	for i := range ws {
		ws[i] = futex.NewWaiter()
		if err := task.Futexes().WaitPrepare(ws[i], task.FutexTarget(), addr, true, 5, linux.FUTEX_BITSET_MATCH_ANY); err != nil {
			t.Fatalf("WaitPrepare got err %v, want nil", err)
		}
	}
	defer func() {
		for _, w := range ws {
			task.Futexes().WaitComplete(w)
		}
	}()

	// Wake one, requeue the rest; the syscall reports both.
	n, err := Futex(task, futexArgs(addr, linux.FUTEX_CMP_REQUEUE|linux.FUTEX_PRIVATE_FLAG, 1, 10, addr2, 5))
	if err != nil {
		t.Fatalf("Futex(CMP_REQUEUE) got err %v, want nil", err)
	}
	if n != 3 {
		t.Errorf("Futex(CMP_REQUEUE) got %d, want 3 (1 woken + 2 requeued)", n)
	}

	// The requeued waiters are now wakeable at addr2.
	n, err = Futex(task, futexArgs(addr2, linux.FUTEX_WAKE|linux.FUTEX_PRIVATE_FLAG, 10, 0, 0, 0))
	if err != nil {
		t.Fatalf("Futex(WAKE) got err %v, want nil", err)
	}
	if n != 2 {
		t.Errorf("Futex(WAKE) at requeue target got %d, want 2", n)
	}
}

func TestFutexCmpRequeueMismatch(t *testing.T) {
	task, addr := newTestTask(t)
	setWord(t, task, addr, 5)
	if _, err := Futex(task, futexArgs(addr, linux.FUTEX_CMP_REQUEUE|linux.FUTEX_PRIVATE_FLAG, 1, 10, addr+64, 6)); err != linuxerr.EAGAIN {
		t.Errorf("Futex(CMP_REQUEUE) with mismatched value got err %v, want EAGAIN", err)
	}
}

func TestFutexWakeOp(t *testing.T) {
	task, addr := newTestTask(t)
	addr2 := addr + 64
	setWord(t, task, addr, 1)
	setWord(t, task, addr2, 1)

	w := futex.NewWaiter()
	if err := task.Futexes().WaitPrepare(w, task.FutexTarget(), addr2, true, 1, linux.FUTEX_BITSET_MATCH_ANY); err != nil {
		t.Fatalf("WaitPrepare got err %v, want nil", err)
	}
	defer task.Futexes().WaitComplete(w)

	// op: *addr2 = 2; wake addr2's waiter since the old value 1 == cmparg 1.
	op := uint32(linux.FUTEX_OP_SET<<28 | 2<<12 | linux.FUTEX_OP_CMP_EQ<<24 | 1)
	n, err := Futex(task, futexArgs(addr, linux.FUTEX_WAKE_OP|linux.FUTEX_PRIVATE_FLAG, 1, 1, addr2, op))
	if err != nil {
		t.Fatalf("Futex(WAKE_OP) got err %v, want nil", err)
	}
	if n != 1 {
		t.Errorf("Futex(WAKE_OP) got %d, want 1", n)
	}
	if !w.Woken() {
		t.Error("second-address waiter not woken")
	}

	var got uint32
	if _, err := task.CopyInObject(addr2, &got); err != nil {
		t.Fatalf("CopyInObject got err %v, want nil", err)
	}
	if got != 2 {
		t.Errorf("second futex word got %d, want 2", got)
	}
}

func TestFutexOwnerDeath(t *testing.T) {
	owner, base := newTestTask(t)
	waiter := owner.Kernel().NewTask(kernel.TaskConfig{
		MemoryManager: owner.MemoryManager(),
		Futexes:       owner.Futexes(),
	})

	head := base
	node := base + 64
	wordAddr := node + 16
	word := uint32(owner.ID()) | linux.FUTEX_WAITERS

	hd := linux.RobustListHead{List: uint64(node), FutexOffset: 16}
	if _, err := owner.CopyOutObject(head, &hd); err != nil {
		t.Fatalf("CopyOutObject got err %v, want nil", err)
	}
	if _, err := owner.CopyOutObject(node, uint64(head)); err != nil {
		t.Fatalf("CopyOutObject got err %v, want nil", err)
	}
	setWord(t, owner, wordAddr, word)
	if _, err := SetRobustList(owner, arch.SyscallArguments{
		{Value: uintptr(head)},
		{Value: uintptr(linux.SizeOfRobustListHead)},
	}); err != nil {
		t.Fatalf("SetRobustList got err %v, want nil", err)
	}

	// The robust walk wakes through the shared key, so the waiter must not
	// use the private flag.
	errs := make(chan error, 1)
	go func() {
		_, err := Futex(waiter, futexArgs(wordAddr, linux.FUTEX_WAIT, int32(word), 0, 0, 0))
		errs <- err
	}()

	// Give the waiter time to queue; if the exit wins the race the wait
	// fails with EAGAIN instead, observing the already-marked word.
	time.Sleep(100 * time.Millisecond)
	owner.Exit()

	if err := <-errs; err != linuxerr.EOWNERDEAD && err != linuxerr.EAGAIN {
		t.Errorf("Futex(WAIT) got err %v, want EOWNERDEAD", err)
	} else if err == linuxerr.EAGAIN {
		t.Log("exit preceded the wait; owner death observed in the lock word")
	}

	var got uint32
	if _, err := waiter.CopyInObject(wordAddr, &got); err != nil {
		t.Fatalf("CopyInObject got err %v, want nil", err)
	}
	if got&linux.FUTEX_OWNER_DIED == 0 {
		t.Errorf("lock word got %#x, want FUTEX_OWNER_DIED set", got)
	}
}

func TestSetGetRobustList(t *testing.T) {
	task, addr := newTestTask(t)
	headAddr := addr + 256
	if _, err := SetRobustList(task, arch.SyscallArguments{
		{Value: uintptr(headAddr)},
		{Value: uintptr(linux.SizeOfRobustListHead)},
	}); err != nil {
		t.Fatalf("SetRobustList got err %v, want nil", err)
	}

	outHead := addr + 512
	outSize := addr + 520
	if _, err := GetRobustList(task, arch.SyscallArguments{
		{Value: 0}, // self
		{Value: uintptr(outHead)},
		{Value: uintptr(outSize)},
	}); err != nil {
		t.Fatalf("GetRobustList got err %v, want nil", err)
	}

	var gotHead, gotSize uint64
	if _, err := task.CopyInObject(outHead, &gotHead); err != nil {
		t.Fatalf("CopyInObject got err %v, want nil", err)
	}
	if _, err := task.CopyInObject(outSize, &gotSize); err != nil {
		t.Fatalf("CopyInObject got err %v, want nil", err)
	}
	if gotHead != uint64(headAddr) {
		t.Errorf("robust list head got %#x, want %#x", gotHead, headAddr)
	}
	if gotSize != linux.SizeOfRobustListHead {
		t.Errorf("robust list size got %d, want %d", gotSize, linux.SizeOfRobustListHead)
	}
}

func TestGetRobustListBadTid(t *testing.T) {
	task, addr := newTestTask(t)
	if _, err := GetRobustList(task, arch.SyscallArguments{
		{Value: ^uintptr(0)}, // tid -1
		{Value: uintptr(addr)},
		{Value: uintptr(addr + 8)},
	}); err != linuxerr.EINVAL {
		t.Errorf("GetRobustList(-1) got err %v, want EINVAL", err)
	}
	if _, err := GetRobustList(task, arch.SyscallArguments{
		{Value: 12345},
		{Value: uintptr(addr)},
		{Value: uintptr(addr + 8)},
	}); err != linuxerr.ESRCH {
		t.Errorf("GetRobustList(12345) got err %v, want ESRCH", err)
	}
}

func TestExtractErrno(t *testing.T) {
	task, _ := newTestTask(t)
	for _, tc := range []struct {
		err  error
		want unix.Errno
	}{
		{nil, 0},
		{unix.ENOENT, unix.ENOENT},
		{linuxerr.EAGAIN, unix.EAGAIN},
		{linuxerr.EOWNERDEAD, unix.EOWNERDEAD},
		{errors.New("unclassified"), unix.EINVAL},
	} {
		if got := ExtractErrno(task, tc.err); got != tc.want {
			t.Errorf("ExtractErrno(%v) got %v, want %v", tc.err, got, tc.want)
		}
	}
}
