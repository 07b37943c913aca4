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

import "time"

// Timespec represents struct timespec in <time.h>.
type Timespec struct {
	Sec  int64
	Nsec int64
}

// SizeOfTimespec is the size of a Timespec struct.
const SizeOfTimespec = 16

// Valid returns whether the timespec contains valid values.
func (ts Timespec) Valid() bool {
	return !(ts.Sec < 0 || ts.Nsec < 0 || ts.Nsec >= int64(time.Second))
}

// ToDuration returns the safe nanosecond representation as a time.Duration.
func (ts Timespec) ToDuration() time.Duration {
	d := time.Duration(ts.Sec) * time.Second
	d += time.Duration(ts.Nsec) * time.Nanosecond
	return d
}

// DurationToTimespec converts a time.Duration to a Timespec.
func DurationToTimespec(dur time.Duration) Timespec {
	return Timespec{
		Sec:  int64(dur / time.Second),
		Nsec: int64(dur % time.Second),
	}
}
