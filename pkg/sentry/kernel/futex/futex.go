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

// Package futex provides an implementation of the futex interface as found
// in the Linux kernel. It allows one to transform Wait() calls into waits on
// a channel, which is useful in a Go-based kernel.
package futex

import (
	"sync"
	"sync/atomic"

	"mirage.dev/mirage/pkg/abi/linux"
	"mirage.dev/mirage/pkg/errors/linuxerr"
	"mirage.dev/mirage/pkg/hostarch"
	"mirage.dev/mirage/pkg/sentry/memmap"
)

// KeyKind indicates the type of a Key.
type KeyKind int

const (
	// KindPrivate indicates a private futex (a futex syscall with the
	// FUTEX_PRIVATE_FLAG set).
	KindPrivate KeyKind = iota

	// KindSharedPrivate indicates a shared futex on a private memory mapping.
	// Although KindPrivate and KindSharedPrivate futexes both use memory
	// addresses to identify futexes, they do not interoperate (in Linux, the
	// two are distinguished by the FUT_OFF_MMSHARED flag, which is used in
	// key comparison).
	KindSharedPrivate

	// KindSharedMappable indicates a shared futex on a memory mapping other
	// than a private anonymous memory mapping.
	KindSharedMappable
)

// Key represents something that a futex waiter may wait on.
type Key struct {
	// Kind is the type of the Key.
	Kind KeyKind

	// Mappable is the memory-mapped object that is represented by the Key.
	// Mappable is always nil if Kind is not KindSharedMappable, and may be
	// nil even if it is.
	Mappable memmap.Mappable

	// MappingIdentity is the MappingIdentity associated with Mappable.
	// MappingIdentity is always nil if Mappable is nil, and may be nil even
	// if it isn't.
	MappingIdentity memmap.MappingIdentity

	// If Kind is KindPrivate or KindSharedPrivate, Offset is the represented
	// memory address. Otherwise, Offset is the represented offset into
	// Mappable.
	Offset uint64
}

func (k *Key) release() {
	if k.MappingIdentity != nil {
		k.MappingIdentity.DecRef()
	}
	k.Mappable = nil
	k.MappingIdentity = nil
}

func (k *Key) clone() Key {
	if k.MappingIdentity != nil {
		k.MappingIdentity.IncRef()
	}
	return *k
}

// tableKey is the identity of a Key: two Keys name the same futex iff their
// tableKeys are equal. MappingIdentity is excluded; it exists only for
// reference counting.
type tableKey struct {
	kind     KeyKind
	mappable memmap.Mappable
	offset   uint64
}

func (k *Key) tableKey() tableKey {
	return tableKey{kind: k.Kind, mappable: k.Mappable, offset: k.Offset}
}

// Target abstracts memory accesses and keys. It is the narrow capability a
// futex manager needs from an address space.
type Target interface {
	// LoadUint32 atomically loads the uint32 value at addr and returns it.
	LoadUint32(addr hostarch.Addr) (uint32, error)

	// SwapUint32 atomically sets the uint32 value at addr to new and
	// returns the previous value.
	SwapUint32(addr hostarch.Addr, new uint32) (uint32, error)

	// CompareAndSwapUint32 atomically compares the uint32 value at addr to
	// old; if they are equal, the value in memory is replaced by new. The
	// previous value stored in memory is returned.
	CompareAndSwapUint32(addr hostarch.Addr, old, new uint32) (uint32, error)

	// GetSharedKey returns a Key with kind KindSharedPrivate or
	// KindSharedMappable corresponding to the memory mapped at address addr.
	//
	// If GetSharedKey returns a Key with a non-nil MappingIdentity, a
	// reference is held on the MappingIdentity, which must be dropped by the
	// caller when the Key is no longer in use.
	GetSharedKey(addr hostarch.Addr) (Key, error)
}

// check loads the value at addr and verifies that it is val, returning
// EAGAIN on mismatch.
func check(t Target, addr hostarch.Addr, val uint32) error {
	cur, err := t.LoadUint32(addr)
	if err != nil {
		return err
	}
	if cur != val {
		return linuxerr.EAGAIN
	}
	return nil
}

// atomicOp performs the operation encoded in opIn on the value at addr, then
// applies the encoded comparison to the value's previous contents, returning
// the comparison's result.
func atomicOp(t Target, addr hostarch.Addr, opIn uint32) (bool, error) {
	opType := (opIn >> 28) & 0xf
	cmp := (opIn >> 24) & 0xf
	opArg := (opIn >> 12) & 0xfff
	cmpArg := opIn & 0xfff

	if opType&linux.FUTEX_OP_OPARG_SHIFT != 0 {
		opArg = 1 << opArg
		opType &^= linux.FUTEX_OP_OPARG_SHIFT // Clear flag.
	}

	var oldVal uint32
	var err error
	if opType == linux.FUTEX_OP_SET {
		oldVal, err = t.SwapUint32(addr, opArg)
		if err != nil {
			return false, err
		}
	} else {
		for {
			oldVal, err = t.LoadUint32(addr)
			if err != nil {
				return false, err
			}
			var newVal uint32
			switch opType {
			case linux.FUTEX_OP_ADD:
				newVal = oldVal + opArg
			case linux.FUTEX_OP_OR:
				newVal = oldVal | opArg
			case linux.FUTEX_OP_ANDN:
				newVal = oldVal &^ opArg
			case linux.FUTEX_OP_XOR:
				newVal = oldVal ^ opArg
			default:
				return false, linuxerr.ENOSYS
			}
			prev, err := t.CompareAndSwapUint32(addr, oldVal, newVal)
			if err != nil {
				return false, err
			}
			if prev == oldVal {
				break // Success.
			}
		}
	}

	switch cmp {
	case linux.FUTEX_OP_CMP_EQ:
		return oldVal == cmpArg, nil
	case linux.FUTEX_OP_CMP_NE:
		return oldVal != cmpArg, nil
	case linux.FUTEX_OP_CMP_LT:
		return oldVal < cmpArg, nil
	case linux.FUTEX_OP_CMP_LE:
		return oldVal <= cmpArg, nil
	case linux.FUTEX_OP_CMP_GT:
		return oldVal > cmpArg, nil
	case linux.FUTEX_OP_CMP_GE:
		return oldVal >= cmpArg, nil
	default:
		return false, linuxerr.ENOSYS
	}
}

// Waiter is the struct which gets enqueued into futex wait queues for wake
// up routines and requeue routines to scan and notify. Once a Waiter has
// been enqueued by WaitPrepare(), callers may listen on C for wake up
// events.
type Waiter struct {
	// Synchronization:
	//
	// - A Waiter that is not enqueued on any futex is exclusively owned (no
	// synchronization applies).
	//
	// - A Waiter is enqueued by calling WaitPrepare(). After this,
	// waiterEntry, key, and ownerDied are protected by the mu of the futex
	// the waiter is queued on, and bitmask is immutable. The queued futex is
	// mutated using atomic memory operations, so f.Load() may be called
	// without holding the futex lock, although it may change racily. See
	// WaitComplete().
	//
	// - A Waiter is only guaranteed to be no longer queued after calling
	// WaitComplete().

	// waiterEntry links Waiter into futex.waiters.
	waiterEntry

	// f is the futex this waiter is queued on. If f is nil, the waiter is
	// not waiting on anything.
	f atomic.Pointer[futex]

	// C is sent to when the Waiter is woken.
	C chan struct{}

	// key is what this waiter is waiting on.
	key Key

	// The bitmask we're waiting on.
	// This is used the case of a FUTEX_WAKE_BITSET.
	bitmask uint32

	// ownerDied is set with the wakeup when the waiter was woken because the
	// previous owner of the futex word died. Written under the futex lock
	// strictly before the send to C, so a receive from C is sufficient to
	// observe it.
	ownerDied bool
}

// NewWaiter returns a new unqueued Waiter.
func NewWaiter() *Waiter {
	return &Waiter{
		C: make(chan struct{}, 1),
	}
}

// Woken returns true if w has been woken since the last call to
// WaitPrepare, and the wakeup has not yet been received from C.
func (w *Waiter) Woken() bool {
	return len(w.C) != 0
}

// ConsumeOwnerDeath reports whether an owner-death event was delivered along
// with w's wakeup, clearing the event. At most one waiter observes true per
// delivered event.
//
// Preconditions: w has been woken (a receive from w.C completed) and
// WaitComplete has been called.
func (w *Waiter) ConsumeOwnerDeath() bool {
	died := w.ownerDied
	w.ownerDied = false
	return died
}

// futex is a single wait queue, keyed by a futex Key. Once created, a futex
// is never removed from its table; an idle futex costs one map entry and
// holds any mappable reference its key carries.
type futex struct {
	// id orders futex locks when two must be held at once.
	id uint64

	// key is a retained clone of the Key this futex was created for. It
	// keeps the key's MappingIdentity referenced for as long as the table
	// entry lives. Immutable.
	key Key

	// mu protects waiters, ownerDied, and the queued state of the Waiters
	// in waiters.
	mu sync.Mutex

	// waiters is the queue of waiting tasks, in FIFO order.
	waiters waiterList

	// ownerDied is set when a robust-futex holder died while holding the
	// futex word. It is handed to the next woken waiter.
	ownerDied bool
}

// lastFutexID is the source of futex.id.
var lastFutexID atomic.Uint64

// wakeLocked wakes up to n waiters matching the bitmask and returns the
// number of waiters woken. Wakeups are delivered in enqueue order among
// eligible waiters.
//
// If an owner-death event is pending on f, it is transferred to the first
// waiter woken.
//
// Preconditions: f.mu must be locked.
func (f *futex) wakeLocked(bitmask uint32, n int) int {
	done := 0
	for w := f.waiters.Front(); done < n && w != nil; {
		if w.bitmask&bitmask == 0 {
			// Not matching.
			w = w.Next()
			continue
		}

		// Remove from the queue and wake the waiter.
		woke := w
		w = w.Next() // Next iteration.
		f.waiters.Remove(woke)
		if f.ownerDied {
			woke.ownerDied = true
			f.ownerDied = false
		}
		woke.C <- struct{}{}

		// NOTE: The above channel write establishes a write barrier
		// according to the memory model, so nothing may be ordered around
		// it. Since we've dequeued woke and will never touch it again, we
		// can safely store nil to woke.f here and allow WaitComplete() to
		// short-circuit grabbing the futex lock. If they somehow miss the
		// store, we are still holding the lock, so we can know that they
		// won't dequeue woke, assume it's free and have the below operation
		// afterwards.
		woke.f.Store(nil)
		done++
	}
	return done
}

// requeueLocked takes up to n waiters from f and moves them to the futex to,
// rewriting their keys to nkey. Requeued waiters stay blocked; they are not
// woken.
//
// Preconditions: f.mu and to.mu must be locked.
func (f *futex) requeueLocked(to *futex, nkey *Key, n int) int {
	done := 0
	for w := f.waiters.Front(); done < n && w != nil; {
		requeued := w
		w = w.Next() // Next iteration.
		f.waiters.Remove(requeued)
		requeued.key.release()
		requeued.key = nkey.clone()
		to.waiters.PushBack(requeued)
		requeued.f.Store(to)
		done++
	}
	return done
}

// table maps Keys to futexes. Entries are created on first use and never
// removed.
type table struct {
	mu      sync.RWMutex
	futexes map[tableKey]*futex
}

func newTable() *table {
	return &table{
		futexes: make(map[tableKey]*futex),
	}
}

// get returns the futex for k, creating it if necessary.
func (t *table) get(k *Key) *futex {
	tk := k.tableKey()
	t.mu.RLock()
	f, ok := t.futexes[tk]
	t.mu.RUnlock()
	if ok {
		return f
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.futexes[tk]; ok {
		return f
	}
	f = &futex{
		id:  lastFutexID.Add(1),
		key: k.clone(),
	}
	t.futexes[tk] = f
	return f
}

// getKey returns a Key representing address addr in t.
func getKey(t Target, addr hostarch.Addr, private bool) (Key, error) {
	// Ensure the address is aligned.
	// It must be a DWORD boundary.
	if addr&0x3 != 0 {
		return Key{}, linuxerr.EINVAL
	}
	if private {
		return Key{Kind: KindPrivate, Offset: uint64(addr)}, nil
	}
	return t.GetSharedKey(addr)
}

// Manager holds futex state for a single virtual address space.
type Manager struct {
	// privateTable holds futexes for KindPrivate and KindSharedPrivate
	// keys. It is never shared with another Manager.
	privateTable *table

	// sharedTable holds futexes for KindSharedMappable keys. sharedTable
	// may be shared by multiple Managers. The sharedTable pointer is
	// immutable.
	sharedTable *table
}

// NewManager returns an initialized futex manager.
func NewManager() *Manager {
	return &Manager{
		privateTable: newTable(),
		sharedTable:  newTable(),
	}
}

// Fork returns a new Manager. Shared futex clients using the returned
// Manager may interoperate with those using m.
func (m *Manager) Fork() *Manager {
	return &Manager{
		privateTable: newTable(),
		sharedTable:  m.sharedTable,
	}
}

// futexForKey returns the futex identified by k, creating it if necessary.
func (m *Manager) futexForKey(k *Key) *futex {
	if k.Kind == KindSharedMappable {
		return m.sharedTable.get(k)
	}
	return m.privateTable.get(k)
}

// lockFutexes locks both f1 and f2, which may be the same futex, in a
// globally consistent order.
func lockFutexes(f1, f2 *futex) {
	switch {
	case f1 == f2:
		f1.mu.Lock()
	case f1.id < f2.id:
		f1.mu.Lock()
		f2.mu.Lock()
	default:
		f2.mu.Lock()
		f1.mu.Lock()
	}
}

// WaitPrepare atomically checks that addr contains val (via the Target),
// then enqueues w to be woken by a send to w.C. If WaitPrepare returns nil,
// the Waiter must be subsequently removed by calling WaitComplete, whether
// or not a wakeup is received on w.C.
//
// A value mismatch is detected before w is made visible to wakers, so an
// EAGAIN return costs no suspension.
func (m *Manager) WaitPrepare(w *Waiter, t Target, addr hostarch.Addr, private bool, val uint32, bitmask uint32) error {
	k, err := getKey(t, addr, private)
	if err != nil {
		return err
	}
	// Ownership of k is transferred to w below.

	// Unlocked fast path. Besides catching the common mismatch cheaply,
	// this access populates the futex word's page, so the locked re-check
	// below will not block on population while holding the queue lock.
	if err := check(t, addr, val); err != nil {
		k.release()
		return err
	}

	// Prepare the Waiter before taking the futex lock.
	select {
	case <-w.C:
	default:
	}
	w.key = k
	w.bitmask = bitmask
	w.ownerDied = false

	f := m.futexForKey(&k)
	f.mu.Lock()
	// This function is very hot; avoid defer.

	// Add the waiter to the queue, then re-check the value. A waker that
	// changed the value before this point sees w queued and wakes it; a
	// change we observe here makes us dequeue ourselves. Either way no
	// wakeup is lost.
	f.waiters.PushBack(w)
	w.f.Store(f)

	if err := check(t, addr, val); err != nil {
		f.waiters.Remove(w)
		w.f.Store(nil)
		f.mu.Unlock()
		w.key.release()
		return err
	}

	f.mu.Unlock()
	return nil
}

// WaitComplete must be called when a Waiter previously added by WaitPrepare
// is no longer eligible to be woken. Waiters that time out or are
// interrupted remove themselves; waiters already woken or requeued are
// handled wherever they currently are.
func (m *Manager) WaitComplete(w *Waiter) {
	// Remove w from the futex it's queued on.
	for {
		f := w.f.Load()

		// If f is nil, the waiter isn't queued anymore. This can't be racy
		// because the waiter can't be concurrently re-queued on another
		// futex.
		if f == nil {
			break
		}

		// Take the futex lock. Without holding it, the waiter is not
		// guaranteed to stay on that futex, so after locking we must
		// re-check: if the futex changed, release and retry with the new
		// one; if it hasn't, it can't change now because we hold the lock.
		f.mu.Lock()
		if f != w.f.Load() {
			f.mu.Unlock()
			continue
		}

		// Remove w from f.
		f.waiters.Remove(w)
		w.f.Store(nil)
		f.mu.Unlock()
		break
	}

	// Release references held by the waiter.
	w.key.release()
}

// Wake wakes up to n waiters matching the bitmask on the given addr. The
// number of waiters woken is returned. Waking an address nobody waits on
// succeeds with a count of zero.
func (m *Manager) Wake(t Target, addr hostarch.Addr, private bool, bitmask uint32, n int) (int, error) {
	// This function is very hot; avoid defer.
	k, err := getKey(t, addr, private)
	if err != nil {
		return 0, err
	}

	f := m.futexForKey(&k)
	f.mu.Lock()
	r := f.wakeLocked(bitmask, n)

	f.mu.Unlock()
	k.release()
	return r, nil
}

func (m *Manager) doRequeue(t Target, addr, naddr hostarch.Addr, private bool, checkval bool, val uint32, nwake int, nreq int) (woken, requeued int, err error) {
	k1, err := getKey(t, addr, private)
	if err != nil {
		return 0, 0, err
	}
	defer k1.release()
	k2, err := getKey(t, naddr, private)
	if err != nil {
		return 0, 0, err
	}
	defer k2.release()

	f1 := m.futexForKey(&k1)
	f2 := m.futexForKey(&k2)
	lockFutexes(f1, f2)
	defer f1.mu.Unlock()
	if f2 != f1 {
		defer f2.mu.Unlock()
	}

	if checkval {
		// A mismatch fails the whole operation before any waiter is woken
		// or moved.
		if err := check(t, addr, val); err != nil {
			return 0, 0, err
		}
	}

	// Wake the number required.
	woken = f1.wakeLocked(^uint32(0), nwake)

	// Requeue the number required.
	requeued = f1.requeueLocked(f2, &k2, nreq)

	return woken, requeued, nil
}

// Requeue wakes up to nwake waiters on the given addr, and unconditionally
// requeues up to nreq waiters on naddr. It returns the number of waiters
// woken and the number requeued.
func (m *Manager) Requeue(t Target, addr, naddr hostarch.Addr, private bool, nwake int, nreq int) (int, int, error) {
	return m.doRequeue(t, addr, naddr, private, false, 0, nwake, nreq)
}

// RequeueCmp atomically checks that addr contains val (via the Target),
// wakes up to nwake waiters on addr and then requeues up to nreq waiters on
// naddr. It returns the number of waiters woken and the number requeued.
func (m *Manager) RequeueCmp(t Target, addr, naddr hostarch.Addr, private bool, val uint32, nwake int, nreq int) (int, int, error) {
	return m.doRequeue(t, addr, naddr, private, true, val, nwake, nreq)
}

// WakeOp atomically applies op to the memory address addr2, wakes up to
// nwake1 waiters unconditionally from addr1, and, based on the original
// value at addr2 and a comparison encoded in op, wakes up to nwake2 waiters
// from addr2. It returns the total number of waiters woken.
func (m *Manager) WakeOp(t Target, addr1, addr2 hostarch.Addr, private bool, nwake1 int, nwake2 int, op uint32) (int, error) {
	k1, err := getKey(t, addr1, private)
	if err != nil {
		return 0, err
	}
	defer k1.release()
	k2, err := getKey(t, addr2, private)
	if err != nil {
		return 0, err
	}
	defer k2.release()

	f1 := m.futexForKey(&k1)
	f2 := m.futexForKey(&k2)
	lockFutexes(f1, f2)
	defer f1.mu.Unlock()
	if f2 != f1 {
		defer f2.mu.Unlock()
	}

	cond, err := atomicOp(t, addr2, op)
	if err != nil {
		return 0, err
	}

	// Wake up up to nwake1 entries from the first futex.
	done := f1.wakeLocked(^uint32(0), nwake1)

	// Wake up up to nwake2 entries from the second futex if the operation
	// yielded true.
	if cond {
		done += f2.wakeLocked(^uint32(0), nwake2)
	}

	return done, nil
}

// SetOwnerDied records an owner-death event on the futex at addr: the next
// waiter woken on it observes the event through ConsumeOwnerDeath. The
// caller is expected to follow up with a Wake on the same address.
func (m *Manager) SetOwnerDied(t Target, addr hostarch.Addr, private bool) error {
	k, err := getKey(t, addr, private)
	if err != nil {
		return err
	}

	f := m.futexForKey(&k)
	f.mu.Lock()
	f.ownerDied = true
	f.mu.Unlock()
	k.release()
	return nil
}
