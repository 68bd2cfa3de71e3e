// Copyright 2018 The gVisor Authors.
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

package tracererr_test

import (
	"errors"
	"testing"

	"github.com/corvidtrace/ltrace/pkg/tracererr"
)

func TestIsRecoverable(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"os-error", &tracererr.OSError{Op: "wait4", Pid: 1, Errno: errors.New("esrch")}, true},
		{"plt-fail", &tracererr.PLTFail{Addr: 0x1000, Err: errors.New("eio")}, true},
		{"detach-required", &tracererr.DetachRequired{Reason: "handler routed to destroyed process"}, false},
		{"wrapped detach-required", wrap(&tracererr.DetachRequired{Reason: "x"}), false},
	} {
		if got := tracererr.IsRecoverable(tc.err); got != tc.want {
			t.Errorf("%s: IsRecoverable() = %v; want %v", tc.name, got, tc.want)
		}
	}
}

func wrap(err error) error {
	return &tracererr.HandlerInstallFail{Reason: "send_sigstop", Err: err}
}

func TestErrorMessages(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want string
	}{
		{&tracererr.NoSuchBreakpoint{Addr: 0x400500}, "no-such-breakpoint: 0x400500"},
		{&tracererr.DetachRequired{Reason: "invariant violation"}, "detach-required: invariant violation"},
	} {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("Error() = %q; want %q", got, tc.want)
		}
	}
}
