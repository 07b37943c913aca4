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
	"unicode/utf8"

	"mirage.dev/mirage/pkg/errors/linuxerr"
	"mirage.dev/mirage/pkg/hostarch"
	"mirage.dev/mirage/pkg/usermem"
)

// CopyInBytes copies len(dst) bytes from the task's memory at addr.
func (t *Task) CopyInBytes(addr hostarch.Addr, dst []byte) (int, error) {
	return t.memory.CopyIn(t, addr, dst, usermem.IOOpts{})
}

// CopyOutBytes copies src to the task's memory at addr.
func (t *Task) CopyOutBytes(addr hostarch.Addr, src []byte) (int, error) {
	return t.memory.CopyOut(t, addr, src, usermem.IOOpts{})
}

// CopyInObject copies a fixed-size value from the task's memory at addr
// into dst, which must be a pointer.
func (t *Task) CopyInObject(addr hostarch.Addr, dst any) (int, error) {
	return usermem.CopyObjectIn(t, t.memory, addr, dst, usermem.IOOpts{})
}

// CopyOutObject copies the fixed-size value src to the task's memory at
// addr.
func (t *Task) CopyOutObject(addr hostarch.Addr, src any) (int, error) {
	return usermem.CopyObjectOut(t, t.memory, addr, src, usermem.IOOpts{})
}

// CopyInString copies a NUL-terminated string of at most maxlen bytes from
// the task's memory at addr. The string must be valid UTF-8; a byte
// sequence that isn't fails with EILSEQ.
func (t *Task) CopyInString(addr hostarch.Addr, maxlen int) (string, error) {
	s, err := usermem.CopyStringIn(t, t.memory, addr, maxlen, usermem.IOOpts{})
	if err != nil {
		return "", err
	}
	if !utf8.ValidString(s) {
		return "", linuxerr.EILSEQ
	}
	return s, nil
}
