// Copyright 2026 The Secure Proxy Authors
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

// Package relay implements the symmetric half-duplex bidirectional copy
// described in §4.6: two independent copy loops, terminating as soon as
// either one ends.
package relay

import "io"

// Run copies bytes between a and b in both directions until either
// direction's copy completes (EOF, reset, or error). The other direction
// is then abandoned: in-flight bytes on the abandoned side are not
// drained, favoring responsiveness over completeness, per §4.6.
//
// Run blocks until termination and does not close a or b; the caller
// owns their lifecycle and is expected to close both on return (typically
// via defer), which is what unblocks whichever copy loop is still
// running.
func Run(a, b io.ReadWriter) {
	done := make(chan struct{}, 2)

	go func() {
		io.Copy(b, a) //nolint:errcheck // relay termination on error is expected, not reported
		done <- struct{}{}
	}()
	go func() {
		io.Copy(a, b) //nolint:errcheck // relay termination on error is expected, not reported
		done <- struct{}{}
	}()

	<-done
}
