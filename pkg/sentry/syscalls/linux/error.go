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

// Package linux provides the Linux system call surface of the kernel.
package linux

import (
	"golang.org/x/sys/unix"

	"mirage.dev/mirage/pkg/errors"
	"mirage.dev/mirage/pkg/errors/linuxerr"
	"mirage.dev/mirage/pkg/sentry/kernel"
)

// checkInvariants is set during development to turn internal inconsistencies
// at the syscall boundary into panics instead of EINVAL results.
const checkInvariants = false

// ExtractErrno translates err into the errno delivered to the application.
// Every error reaching the syscall boundary must resolve to an errno; an
// error of an unexpected type degrades to EINVAL.
func ExtractErrno(t *kernel.Task, err error) unix.Errno {
	switch e := err.(type) {
	case nil:
		return 0
	case unix.Errno:
		return e
	case *errors.Error:
		return linuxerr.ToUnix(e)
	default:
		if checkInvariants {
			panic("unknown error type at syscall boundary: " + err.Error())
		}
		t.Warnf("unknown error at syscall boundary: %v", err)
		return unix.EINVAL
	}
}
