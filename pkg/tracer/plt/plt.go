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

// Package plt holds the per-symbol bookkeeping for the PLT resolution
// state machine: the STUB/UNRESOLVED/RESOLVED states a
// library_symbol moves through as the dynamic linker races the tracer to
// fill in a lazily-bound PLT slot. pkg/tracer consumes these types to
// drive the stopping coordinator's keep_stepping_p predicate; it does not
// itself know how a slot is read or written.
package plt

import (
	"github.com/corvidtrace/ltrace/pkg/ptrace"
	"github.com/corvidtrace/ltrace/pkg/tracererr"
)

// State is a PLT symbol's position in the resolution state machine.
type State int

const (
	// Stub marks a symbol on platforms where each PLT call site has its
	// own private stub symbol (e.g. secure-PLT PowerPC). It is treated as
	// an ordinary breakpoint and never transitions.
	Stub State = iota
	// Unresolved marks a symbol whose PLT slot has not yet been
	// overwritten by the dynamic linker.
	Unresolved
	// Resolved marks a symbol whose callee address is known.
	Resolved
)

func (s State) String() string {
	switch s {
	case Stub:
		return "stub"
	case Unresolved:
		return "unresolved"
	case Resolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// LibrarySymbol is the per-symbol record of PLT symbol state. PLTEntryAddr
// is the breakpoint's own address (stable across
// the symbol's lifetime); PLTSlotAddr is the address in tracee memory the
// dynamic linker writes the resolved callee into (for many ABIs this is a
// GOT cell addressed indirectly from the PLT stub at PLTEntryAddr).
type LibrarySymbol struct {
	Name          string
	Kind          State
	PLTEntryAddr  uintptr
	PLTSlotAddr   uintptr
	ResolvedValue uintptr
}

// NewUnresolved constructs a symbol in the UNRESOLVED state, with
// resolved_value initialized to the PLT entry address itself.
func NewUnresolved(name string, pltEntryAddr, pltSlotAddr uintptr) *LibrarySymbol {
	return &LibrarySymbol{
		Name:          name,
		Kind:          Unresolved,
		PLTEntryAddr:  pltEntryAddr,
		PLTSlotAddr:   pltSlotAddr,
		ResolvedValue: pltEntryAddr,
	}
}

// NewStub constructs a symbol in the STUB state: an ordinary breakpoint
// site that never participates in PLT slot resolution.
func NewStub(name string, stubAddr uintptr) *LibrarySymbol {
	return &LibrarySymbol{Name: name, Kind: Stub, PLTEntryAddr: stubAddr}
}

// KeepStepping implements the UNRESOLVED state's keep_stepping_p
// predicate: called by the stopping coordinator after each
// single-step while re-arming sym's breakpoint. It returns true while the
// tracer should keep single-stepping (the dynamic linker has not written
// the slot yet), and false once resolution completes.
//
// A slot reading as zero is treated as unresolved (the binary has not yet
// been relocated).
func (sym *LibrarySymbol) KeepStepping(pid int32, wordSize int) (bool, error) {
	buf := make([]byte, wordSize)
	if _, err := ptrace.ReadMemory(pid, sym.PLTSlotAddr, buf); err != nil {
		return false, &tracererr.PLTFail{Addr: sym.PLTSlotAddr, Err: err}
	}
	val := decodeWord(buf)

	if val == 0 || val == sym.PLTEntryAddr {
		// Still unresolved (or not yet relocated): keep stepping.
		return true, nil
	}

	// The dynamic linker has written the real callee. Rewrite the slot
	// back to the PLT entry address so the breakpoint keeps firing for
	// later callers, record the callee, and transition to RESOLVED.
	orig := encodeWord(sym.PLTEntryAddr, wordSize)
	if _, err := ptrace.WriteMemory(pid, sym.PLTSlotAddr, orig); err != nil {
		return false, &tracererr.PLTFail{Addr: sym.PLTSlotAddr, Err: err}
	}
	sym.ResolvedValue = val
	sym.Kind = Resolved
	return false, nil
}

func decodeWord(b []byte) uintptr {
	var v uintptr
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uintptr(b[i])
	}
	return v
}

func encodeWord(v uintptr, size int) []byte {
	b := make([]byte, size)
	for i := 0; i < size; i++ {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
