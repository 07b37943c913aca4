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

package mm

import (
	"mirage.dev/mirage/pkg/context"
	"mirage.dev/mirage/pkg/errors/linuxerr"
	"mirage.dev/mirage/pkg/hostarch"
)

// ReadBackdoor reads len(dst) bytes at addr directly from backing frames,
// bypassing permission checks and the fault arbitrator. Pages are populated
// if a mapping exists. Intended for tests and debugging.
func (mm *MemoryManager) ReadBackdoor(ctx context.Context, addr hostarch.Addr, dst []byte) error {
	ar, ok := mm.CheckIORange(addr, int64(len(dst)))
	if !ok {
		return linuxerr.EFAULT
	}
	if len(dst) == 0 {
		return nil
	}
	if err := mm.populate(ctx, ar, hostarch.NoAccess, true); err != nil {
		return err
	}
	return mm.as.readDirect(addr, dst)
}

// WriteBackdoor writes src at addr directly into backing frames, bypassing
// permission checks and the fault arbitrator. Pages are populated if a
// mapping exists. Intended for tests and debugging.
func (mm *MemoryManager) WriteBackdoor(ctx context.Context, addr hostarch.Addr, src []byte) error {
	ar, ok := mm.CheckIORange(addr, int64(len(src)))
	if !ok {
		return linuxerr.EFAULT
	}
	if len(src) == 0 {
		return nil
	}
	if err := mm.populate(ctx, ar, hostarch.NoAccess, true); err != nil {
		return err
	}
	return mm.as.writeDirect(addr, src)
}
