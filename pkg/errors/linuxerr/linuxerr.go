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

// Package linuxerr contains syscall error codes exported as error interface
// pointers. This allows for fast comparison and return operations comparable
// to unix.Errno constants.
package linuxerr

import (
	"fmt"

	"golang.org/x/sys/unix"

	"mirage.dev/mirage/pkg/abi/linux/errno"
	"mirage.dev/mirage/pkg/errors"
)

const maxErrno uint32 = errno.EHWPOISON + 1

// The following errors are semantically identical to Errno of type
// unix.Errno. However, since the types are distinct (these are
// *errors.Error), they are not directly comparable to unix.Errno. The Errno
// method returns a number such that unix.Errno(EPERM.Errno()) == unix.EPERM
// is true. Converting unix.Errno to these errors should be done via the
// lookup methods provided.
var (
	noError *errors.Error = nil
	EPERM                 = errors.New(errno.EPERM, "operation not permitted")
	ENOENT                = errors.New(errno.ENOENT, "no such file or directory")
	ESRCH                 = errors.New(errno.ESRCH, "no such process")
	EINTR                 = errors.New(errno.EINTR, "interrupted system call")
	EAGAIN                = errors.New(errno.EAGAIN, "try again")
	ENOMEM                = errors.New(errno.ENOMEM, "out of memory")
	EACCES                = errors.New(errno.EACCES, "permission denied")
	EFAULT                = errors.New(errno.EFAULT, "bad address")
	EBUSY                 = errors.New(errno.EBUSY, "device or resource busy")
	EEXIST                = errors.New(errno.EEXIST, "file exists")
	EINVAL                = errors.New(errno.EINVAL, "invalid argument")
	ENAMETOOLONG          = errors.New(errno.ENAMETOOLONG, "file name too long")
	ENOSYS                = errors.New(errno.ENOSYS, "invalid system call number")
	EILSEQ                = errors.New(errno.EILSEQ, "illegal byte sequence")
	ENOTSOCK              = errors.New(errno.ENOTSOCK, "socket operation on non-socket")
	EOPNOTSUPP            = errors.New(errno.EOPNOTSUPP, "operation not supported on transport endpoint")
	ETIMEDOUT             = errors.New(errno.ETIMEDOUT, "connection timed out")
	ECANCELED             = errors.New(errno.ECANCELED, "operation canceled")
	EOWNERDEAD            = errors.New(errno.EOWNERDEAD, "owner died")
	ENOTRECOVERABLE       = errors.New(errno.ENOTRECOVERABLE, "state not recoverable")

	// EWOULDBLOCK is the same as EAGAIN.
	EWOULDBLOCK = errors.New(errno.EWOULDBLOCK, "operation would block")
)

// errNotValidError is returned when an Errno maps to no known error.
var errNotValidError = errors.New(errno.Errno(maxErrno), "not a valid error")

// errnoSlice holds errors by errno value for fast lookup. Errnos with no
// error defined above map to errNotValidError.
var errnoSlice = func() []*errors.Error {
	s := make([]*errors.Error, maxErrno)
	for i := range s {
		s[i] = errNotValidError
	}
	s[0] = noError
	for _, e := range []*errors.Error{
		EPERM, ENOENT, ESRCH, EINTR, EAGAIN, ENOMEM, EACCES, EFAULT, EBUSY,
		EEXIST, EINVAL, ENAMETOOLONG, ENOSYS, EILSEQ, ENOTSOCK, EOPNOTSUPP,
		ETIMEDOUT, ECANCELED, EOWNERDEAD, ENOTRECOVERABLE,
	} {
		s[e.Errno()] = e
	}
	return s
}()

// ErrorFromErrno gets an error from the list and panics if an invalid entry
// is requested.
func ErrorFromErrno(e errno.Errno) *errors.Error {
	err := errnoSlice[e]
	if err != errNotValidError {
		return err
	}
	panic(fmt.Sprintf("invalid errno %d", e))
}

// ErrorFromUnix returns an error from a unix.Errno.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	e := errnoSlice[errno.Errno(err)]
	if e == errNotValidError {
		panic(fmt.Sprintf("unknown unix errno %d", err))
	}
	return e
}

// ToError converts a linuxerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno. This may be called with a nil
// *errors.Error, which returns unix.Errno(0).
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = unix.Errno(e.Errno())
	}
	return unixErr
}

// Equals compares a linuxerr to a given error.
func Equals(e *errors.Error, err error) bool {
	var unixErr unix.Errno
	if e != noError {
		unixErr = unix.Errno(e.Errno())
	}
	if err == nil {
		err = noError
	}
	return err == e || err == unixErr
}
