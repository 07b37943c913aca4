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
	"time"

	"mirage.dev/mirage/pkg/errors/linuxerr"
)

// Block suspends the task until a value is sent to C. If timeout is
// non-negative, Block gives up after that duration and returns ETIMEDOUT. A
// negative timeout blocks indefinitely.
//
// A send that races with the timeout may still be pending on C after Block
// returns; callers that need to distinguish must inspect C (the futex path
// does so through Waiter state).
func (t *Task) Block(C <-chan struct{}, timeout time.Duration) error {
	if timeout < 0 {
		<-C
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-C:
		return nil
	case <-timer.C:
		return linuxerr.ETIMEDOUT
	}
}
