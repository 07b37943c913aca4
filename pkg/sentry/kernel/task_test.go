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
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"mirage.dev/mirage/pkg/abi/linux"
	"mirage.dev/mirage/pkg/errors/linuxerr"
	"mirage.dev/mirage/pkg/hostarch"
	"mirage.dev/mirage/pkg/sentry/kernel/futex"
	"mirage.dev/mirage/pkg/sentry/mm"
)

func testKernel() *Kernel {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewKernel(log)
}

// newTestTask returns a task with a single read-write page mapped, and the
// page's address.
func newTestTask(t *testing.T) (*Task, hostarch.Addr) {
	t.Helper()
	task := testKernel().NewTask(TaskConfig{})
	addr, err := task.MemoryManager().MMap(task, mm.MMapOpts{
		Length: hostarch.PageSize,
		Perms:  hostarch.ReadWrite,
	})
	if err != nil {
		t.Fatalf("MMap got err %v, want nil", err)
	}
	return task, addr
}

func TestBlockTimeout(t *testing.T) {
	task, _ := newTestTask(t)
	C := make(chan struct{}, 1)
	if err := task.Block(C, 10*time.Millisecond); err != linuxerr.ETIMEDOUT {
		t.Errorf("Block got err %v, want ETIMEDOUT", err)
	}
}

func TestBlockWake(t *testing.T) {
	task, _ := newTestTask(t)
	C := make(chan struct{}, 1)
	C <- struct{}{}
	if err := task.Block(C, -1); err != nil {
		t.Errorf("Block got err %v, want nil", err)
	}
}

func TestBeginUserAccessEndIsIdempotent(t *testing.T) {
	task, _ := newTestTask(t)
	end := task.BeginUserAccess()
	if !task.InUserAccess() {
		t.Fatal("InUserAccess got false inside a span")
	}
	end()
	end()
	end()
	if task.InUserAccess() {
		t.Error("InUserAccess got true after the span ended")
	}
}

func TestUserAccessSpansNest(t *testing.T) {
	task, _ := newTestTask(t)
	end1 := task.BeginUserAccess()
	end2 := task.BeginUserAccess()
	end1()
	if !task.InUserAccess() {
		t.Error("InUserAccess got false with an inner span still open")
	}
	end2()
	if task.InUserAccess() {
		t.Error("InUserAccess got true after all spans ended")
	}
}

func TestCopyInOutBytes(t *testing.T) {
	task, addr := newTestTask(t)
	want := []byte("between the motion and the act")
	if _, err := task.CopyOutBytes(addr, want); err != nil {
		t.Fatalf("CopyOutBytes got err %v, want nil", err)
	}
	got := make([]byte, len(want))
	if _, err := task.CopyInBytes(addr, got); err != nil {
		t.Fatalf("CopyInBytes got err %v, want nil", err)
	}
	if string(got) != string(want) {
		t.Errorf("CopyInBytes got %q, want %q", got, want)
	}
}

func TestCopyInString(t *testing.T) {
	task, addr := newTestTask(t)
	if _, err := task.CopyOutBytes(addr, []byte("falls the shadow\x00")); err != nil {
		t.Fatalf("CopyOutBytes got err %v, want nil", err)
	}
	s, err := task.CopyInString(addr, 64)
	if err != nil {
		t.Fatalf("CopyInString got err %v, want nil", err)
	}
	if s != "falls the shadow" {
		t.Errorf("CopyInString got %q, want %q", s, "falls the shadow")
	}
}

func TestCopyInStringInvalidUTF8(t *testing.T) {
	task, addr := newTestTask(t)
	if _, err := task.CopyOutBytes(addr, []byte{0xff, 0xfe, 0x41, 0x00}); err != nil {
		t.Fatalf("CopyOutBytes got err %v, want nil", err)
	}
	if _, err := task.CopyInString(addr, 64); err != linuxerr.EILSEQ {
		t.Errorf("CopyInString got err %v, want EILSEQ", err)
	}
}

func TestTaskRegistration(t *testing.T) {
	k := testKernel()
	task := k.NewTask(TaskConfig{})
	if got := k.TaskWithID(task.ID()); got != task {
		t.Errorf("TaskWithID(%d) got %v, want the created task", task.ID(), got)
	}
	task.Exit()
	if got := k.TaskWithID(task.ID()); got != nil {
		t.Errorf("TaskWithID(%d) after Exit got %v, want nil", task.ID(), got)
	}
}

func TestSetRobustListBadSize(t *testing.T) {
	task, addr := newTestTask(t)
	if err := task.SetRobustList(addr, linux.SizeOfRobustListHead+1); err != linuxerr.EINVAL {
		t.Errorf("SetRobustList got err %v, want EINVAL", err)
	}
	if got := task.RobustList(); got != 0 {
		t.Errorf("RobustList got %#x, want 0", got)
	}
}

func TestSetRobustList(t *testing.T) {
	task, addr := newTestTask(t)
	if err := task.SetRobustList(addr, linux.SizeOfRobustListHead); err != nil {
		t.Fatalf("SetRobustList got err %v, want nil", err)
	}
	if got := task.RobustList(); got != addr {
		t.Errorf("RobustList got %#x, want %#x", got, addr)
	}
}

// robustEntry describes one lock in a robust list under construction: the
// address of its list node and the value of its futex word.
type robustEntry struct {
	node hostarch.Addr
	word uint32
}

// buildRobustList writes a robust_list_head at head and links the given
// entries after it. Futex words live at node+futexOffset.
func buildRobustList(t *testing.T, task *Task, head hostarch.Addr, futexOffset uint64, entries []robustEntry) {
	t.Helper()
	first := uint64(head)
	if len(entries) > 0 {
		first = uint64(entries[0].node)
	}
	hd := linux.RobustListHead{
		List:        first,
		FutexOffset: futexOffset,
	}
	if _, err := task.CopyOutObject(head, &hd); err != nil {
		t.Fatalf("CopyOutObject(head) got err %v, want nil", err)
	}
	for i, e := range entries {
		next := uint64(head)
		if i+1 < len(entries) {
			next = uint64(entries[i+1].node)
		}
		if _, err := task.CopyOutObject(e.node, next); err != nil {
			t.Fatalf("CopyOutObject(entry %d) got err %v, want nil", i, err)
		}
		if _, err := task.CopyOutObject(e.node+hostarch.Addr(futexOffset), e.word); err != nil {
			t.Fatalf("CopyOutObject(word %d) got err %v, want nil", i, err)
		}
	}
	if err := task.SetRobustList(head, linux.SizeOfRobustListHead); err != nil {
		t.Fatalf("SetRobustList got err %v, want nil", err)
	}
}

func wordAt(t *testing.T, task *Task, addr hostarch.Addr) uint32 {
	t.Helper()
	var w uint32
	if _, err := task.CopyInObject(addr, &w); err != nil {
		t.Fatalf("CopyInObject(%#x) got err %v, want nil", addr, err)
	}
	return w
}

const testFutexOffset = 16

func TestExitRobustListMarksOwnerDied(t *testing.T) {
	task, base := newTestTask(t)
	head := base
	node := base + 64
	tid := uint32(task.ID())
	buildRobustList(t, task, head, testFutexOffset, []robustEntry{
		{node: node, word: tid},
	})

	task.Exit()

	// The walk clears the TID and leaves only the death mark.
	if got, want := wordAt(t, task, node+testFutexOffset), uint32(linux.FUTEX_OWNER_DIED); got != want {
		t.Errorf("lock word got %#x, want %#x", got, want)
	}
}

func TestExitRobustListWakesWaiter(t *testing.T) {
	task, base := newTestTask(t)
	head := base
	node := base + 64
	wordAddr := node + testFutexOffset
	tid := uint32(task.ID())
	buildRobustList(t, task, head, testFutexOffset, []robustEntry{
		{node: node, word: tid | linux.FUTEX_WAITERS},
	})

	// Robust futexes are handled as shared at exit, so the waiter must
	// queue on the shared key.
	w := futex.NewWaiter()
	err := task.Futexes().WaitPrepare(w, task.FutexTarget(), wordAddr, false, tid|linux.FUTEX_WAITERS, linux.FUTEX_BITSET_MATCH_ANY)
	if err != nil {
		t.Fatalf("WaitPrepare got err %v, want nil", err)
	}

	task.Exit()

	select {
	case <-w.C:
	default:
		t.Fatal("waiter not woken by robust list walk")
	}
	task.Futexes().WaitComplete(w)
	if !w.ConsumeOwnerDeath() {
		t.Error("ConsumeOwnerDeath got false, want true")
	}

	got := wordAt(t, task, wordAddr)
	if got&linux.FUTEX_OWNER_DIED == 0 {
		t.Errorf("lock word got %#x, want FUTEX_OWNER_DIED set", got)
	}
}

func TestExitRobustListSkipsUnownedWords(t *testing.T) {
	task, base := newTestTask(t)
	head := base
	node := base + 64
	other := uint32(task.ID()) + 1
	buildRobustList(t, task, head, testFutexOffset, []robustEntry{
		{node: node, word: other},
	})

	task.Exit()

	if got := wordAt(t, task, node+testFutexOffset); got != other {
		t.Errorf("lock word got %#x, want %#x untouched", got, other)
	}
}

func TestExitRobustListMultipleEntries(t *testing.T) {
	task, base := newTestTask(t)
	head := base
	tid := uint32(task.ID())
	entries := []robustEntry{
		{node: base + 64, word: tid},
		{node: base + 128, word: tid + 1}, // owned by someone else
		{node: base + 192, word: tid},
	}
	buildRobustList(t, task, head, testFutexOffset, entries)

	task.Exit()

	for i, want := range []uint32{linux.FUTEX_OWNER_DIED, tid + 1, linux.FUTEX_OWNER_DIED} {
		if got := wordAt(t, task, entries[i].node+testFutexOffset); got != want {
			t.Errorf("entry %d lock word got %#x, want %#x", i, got, want)
		}
	}
}

func TestExitRobustListOpPending(t *testing.T) {
	task, base := newTestTask(t)
	head := base
	pending := base + 256
	tid := uint32(task.ID())
	buildRobustList(t, task, head, testFutexOffset, nil)

	// An entry recorded in list_op_pending but not yet linked in.
	if _, err := task.CopyOutObject(pending+testFutexOffset, tid); err != nil {
		t.Fatalf("CopyOutObject got err %v, want nil", err)
	}
	var hd linux.RobustListHead
	if _, err := task.CopyInObject(head, &hd); err != nil {
		t.Fatalf("CopyInObject got err %v, want nil", err)
	}
	hd.ListOpPending = uint64(pending)
	if _, err := task.CopyOutObject(head, &hd); err != nil {
		t.Fatalf("CopyOutObject got err %v, want nil", err)
	}

	task.Exit()

	if got, want := wordAt(t, task, pending+testFutexOffset), uint32(linux.FUTEX_OWNER_DIED); got != want {
		t.Errorf("pending lock word got %#x, want %#x", got, want)
	}
}

func TestExitRobustListCyclicListTerminates(t *testing.T) {
	task, base := newTestTask(t)
	head := base
	node := base + 64
	buildRobustList(t, task, head, testFutexOffset, []robustEntry{
		{node: node, word: 0},
	})
	// Point the entry back at itself.
	if _, err := task.CopyOutObject(node, uint64(node)); err != nil {
		t.Fatalf("CopyOutObject got err %v, want nil", err)
	}

	done := make(chan struct{})
	go func() {
		task.Exit()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Exit did not terminate on a cyclic robust list")
	}
}

func TestExitRobustListUnmappedHead(t *testing.T) {
	task, _ := newTestTask(t)
	// Register a head in an unmapped region; the walk must give up
	// silently.
	if err := task.SetRobustList(0x7000_0000_0000, linux.SizeOfRobustListHead); err != nil {
		t.Fatalf("SetRobustList got err %v, want nil", err)
	}
	task.Exit()
}

func TestFutexTargetRespectsProtections(t *testing.T) {
	task, addr := newTestTask(t)
	if err := task.MemoryManager().MProtect(addr, hostarch.PageSize, hostarch.Read); err != nil {
		t.Fatalf("MProtect got err %v, want nil", err)
	}
	ft := task.FutexTarget()
	if _, err := ft.LoadUint32(addr); err != nil {
		t.Errorf("LoadUint32 on a read-only page got err %v, want nil", err)
	}
	if _, err := ft.SwapUint32(addr, 1); err != linuxerr.EFAULT {
		t.Errorf("SwapUint32 on a read-only page got err %v, want EFAULT", err)
	}
}
