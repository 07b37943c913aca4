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

// Package fault arbitrates page faults taken while the kernel accesses
// application memory.
//
// One fault path must serve two opposite needs: a fault on an accidental
// kernel dereference of garbage must stay fatal, while a fault taken while
// the kernel deliberately streams in a user-supplied buffer must be resolved
// transparently by populating the page and retrying. The arbitrator decides
// between the two using the faulting context's user-access span, so
// individual access sites never thread an explicit fallible-access
// convention through ordinary copies.
package fault

import (
	"mirage.dev/mirage/pkg/context"
	"mirage.dev/mirage/pkg/hostarch"
)

// Resolver is the fault-resolution capability of an address space: it maps
// the faulting page if some mapping permits the access, and reports whether
// it did so.
type Resolver interface {
	// ResolveFault attempts to make the page containing addr accessible with
	// the given access type. It returns true if the faulting access may be
	// retried.
	//
	// ResolveFault acquires the address space's lock itself; the fault may
	// arrive on a different re-entry than the one that began the enclosing
	// access span, so no lock state can be assumed.
	ResolveFault(addr hostarch.Addr, at hostarch.AccessType) bool
}

// Context is the execution-context state the arbitrator consults. It is
// implemented by the task-control structure.
type Context interface {
	// FaultResolver returns the resolver for the context's address space, or
	// nil if the context has no application address space attached.
	FaultResolver() Resolver

	// InUserAccess returns true if the context is inside a user-access span,
	// i.e. the kernel is deliberately touching application memory.
	InUserAccess() bool

	// BeginUserAccess enters a user-access span and returns a release
	// function. The release function is idempotent; callers must arrange for
	// it to run on every exit path, typically via defer.
	BeginUserAccess() func()
}

// ctxContext is the context.Context key under which the fault Context is
// registered.
type contextID int

// CtxContext is the request to extract a fault.Context from a
// context.Context.
const CtxContext contextID = iota

// FromContext returns the fault Context registered in ctx, or nil.
func FromContext(ctx context.Context) Context {
	if v := ctx.Value(CtxContext); v != nil {
		return v.(Context)
	}
	return nil
}

// Handle is the trap entry point for a page fault at addr with access type
// at, taken in the execution context described by ctx. It returns true if
// the fault was resolved and the faulting access should be retried, and
// false if the fault is not the arbitrator's concern: the outer dispatcher
// must then treat the fault as a kernel bug.
func Handle(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType) bool {
	fc := FromContext(ctx)
	if fc == nil {
		// Fault outside any process context.
		return false
	}
	r := fc.FaultResolver()
	if r == nil {
		return false
	}
	if !fc.InUserAccess() {
		// The kernel dereferenced an application address outside any
		// deliberate access. Never resolve these; they are bugs.
		ctx.Warnf("unhandled kernel fault on user address %#x (%s)", addr, at)
		return false
	}
	ctx.Debugf("page fault at %#x, access: %s", addr, at)
	return r.ResolveFault(addr, at)
}
