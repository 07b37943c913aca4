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

package futex

// waiterList is an intrusive doubly-linked list of Waiters. The zero value
// is an empty list.
type waiterList struct {
	head *Waiter
	tail *Waiter
}

// Empty returns true iff the list is empty.
func (l *waiterList) Empty() bool {
	return l.head == nil
}

// Front returns the first element of the list, or nil.
func (l *waiterList) Front() *Waiter {
	return l.head
}

// Back returns the last element of the list, or nil.
func (l *waiterList) Back() *Waiter {
	return l.tail
}

// PushBack appends w to the back of the list.
//
// Preconditions: w is not in any list.
func (l *waiterList) PushBack(w *Waiter) {
	w.waiterEntry.prev = l.tail
	w.waiterEntry.next = nil
	if l.tail != nil {
		l.tail.waiterEntry.next = w
	} else {
		l.head = w
	}
	l.tail = w
}

// Remove removes w from the list.
//
// Preconditions: w is in the list.
func (l *waiterList) Remove(w *Waiter) {
	prev := w.waiterEntry.prev
	next := w.waiterEntry.next
	if prev != nil {
		prev.waiterEntry.next = next
	} else {
		l.head = next
	}
	if next != nil {
		next.waiterEntry.prev = prev
	} else {
		l.tail = prev
	}
	w.waiterEntry.prev = nil
	w.waiterEntry.next = nil
}

// waiterEntry links a Waiter into a waiterList.
type waiterEntry struct {
	next *Waiter
	prev *Waiter
}

// Next returns the entry that follows e in its list, or nil.
func (e *waiterEntry) Next() *Waiter {
	return e.next
}

// Prev returns the entry that precedes e in its list, or nil.
func (e *waiterEntry) Prev() *Waiter {
	return e.prev
}
