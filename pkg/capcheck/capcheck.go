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

// Package capcheck performs the preflight capability check the driver
// runs before attaching to anything: ptrace(2) requires either
// CAP_SYS_PTRACE or a matching uid/ptrace-scope relationship with the
// target, and failing fast with a specific diagnostic is much friendlier
// than surfacing a bare EPERM from the kernel after the attach-list fan
// out has already started.
package capcheck

import (
	"fmt"

	"github.com/syndtr/gocapability/capability"
)

// HavePtrace reports whether the calling process holds CAP_SYS_PTRACE in
// its effective set. A process running as root, or one the admin has
// granted the capability to explicitly, passes this check even without
// being root.
func HavePtrace() (bool, error) {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return false, fmt.Errorf("capcheck: loading process capabilities: %w", err)
	}
	if err := caps.Load(); err != nil {
		return false, fmt.Errorf("capcheck: reading process capabilities: %w", err)
	}
	return caps.Get(capability.EFFECTIVE, capability.CAP_SYS_PTRACE), nil
}

// Require returns an error describing why attach would fail if the
// calling process lacks CAP_SYS_PTRACE. It is advisory only: the kernel's
// ptrace-scope sysctl and same-uid relationship can still permit an
// attach even without the capability, and Require does not attempt to
// model that; callers should treat a failed Require as a strong hint, not
// a hard gate, and still fall through to attempting the attach.
func Require() error {
	ok, err := HavePtrace()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("capcheck: process lacks CAP_SYS_PTRACE; attach may fail unless running as the target's owner with a permissive ptrace_scope")
	}
	return nil
}
