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

// Package arch is the external interface to the per-ISA architecture
// adapter. The tracing core in
// pkg/tracer never encodes architecture-specific bytes or register
// offsets itself; it calls through an Adapter.
package arch

import (
	"github.com/corvidtrace/ltrace/pkg/ptrace"
)

// SingleStepResult is the outcome of an architecture's attempt to
// single-step a tracee in software (by installing breakpoints at every
// possible next instruction) rather than in hardware.
type SingleStepResult int

const (
	// HW indicates hardware single-step is available; the stopping
	// coordinator should issue ptrace.SingleStep itself.
	HW SingleStepResult = iota
	// OK indicates the adapter has already installed transient
	// breakpoints via the supplied callback and issued continue.
	OK
	// FAIL aborts the episode; the architecture cannot single-step this
	// instruction at all (programmer error or unsupported instruction).
	FAIL
)

// AddTransientBreakpoint is supplied by the stopping coordinator to a
// software single-step implementation so it can register the addresses
// it patched, for later retraction.
type AddTransientBreakpoint func(addr uintptr) error

// Adapter is implemented once per supported ISA (currently amd64 and
// arm64; each adapter registers itself via Register in an init()
// function the way device drivers register themselves in net/http or
// database/sql).
type Adapter interface {
	// Name identifies the adapter, e.g. "amd64".
	Name() string

	// GetIP returns the tracee's current instruction pointer.
	GetIP(pid int32) (uintptr, error)

	// SetIP sets the tracee's instruction pointer.
	SetIP(pid int32, addr uintptr) error

	// TrapInstructionBytes returns the byte sequence used to patch a
	// breakpoint into the instruction stream (e.g. 0xCC on amd64).
	TrapInstructionBytes() []byte

	// TrapOffset is the distance, in bytes, between the address at which
	// a breakpoint hit is reported by the kernel and the breakpoint's own
	// address. The dispatcher rewinds the IP by this amount before
	// invoking callbacks.
	TrapOffset() uintptr

	// SWSingleStep attempts to single-step the tracee in software when
	// hardware single-step is unavailable or undesirable. bpAddr is the
	// address of the breakpoint being stepped past.
	SWSingleStep(pid int32, bpAddr uintptr, add AddTransientBreakpoint) (SingleStepResult, error)

	// PLTSymVal computes the PLT entry address for the ndx'th relocation,
	// given the base address of the PLT stub region.
	PLTSymVal(pltStubVMA uintptr, stubSize uintptr, ndx uint32) uintptr

	// WordSize is the width, in bytes, of a PLT slot word for this ISA.
	WordSize() int

	// TranslateAddress performs any .opd->text indirection needed before
	// a symbol address can be used as a breakpoint site. Most ISAs are
	// the identity function here.
	TranslateAddress(pid int32, addr uintptr) (uintptr, error)
}

var registry = map[string]Adapter{}

// Register installs an adapter under its Name(). Called from each
// adapter's init().
func Register(a Adapter) {
	registry[a.Name()] = a
}

// For returns the registered adapter for name, or nil if none is
// registered.
func For(name string) Adapter {
	return registry[name]
}

// Host is the adapter for the architecture this binary was built for.
var Host Adapter

// readRegs is a small helper shared by adapters that read the
// instruction pointer out of a raw ptrace.Regs snapshot rather than
// issuing a dedicated syscall (which Linux's ptrace interface does not
// provide; GETREGS/SETREGS always transfer the whole register file).
func readRegs(pid int32) (ptrace.Regs, error) {
	var regs ptrace.Regs
	err := ptrace.ReadRegs(pid, &regs)
	return regs, err
}
