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

package tracer

import (
	"github.com/google/btree"

	"github.com/corvidtrace/ltrace/pkg/arch"
	"github.com/corvidtrace/ltrace/pkg/ptrace"
	"github.com/corvidtrace/ltrace/pkg/tracererr"
)

// Symbol is the weak back-reference a Breakpoint may carry to whatever
// symbol bookkeeping owns it (e.g. a pkg/tracer/plt.LibrarySymbol). The
// tracing core never dereferences the contents; it is opaque here.
type Symbol any

// Callbacks is the per-breakpoint behavior hook set. The default,
// zero-value Callbacks re-arms the breakpoint through the stopping
// coordinator on every hit; PLT-aware breakpoints override OnContinue
// (and sometimes OnHit) the way ppc64's on_continue does in the original
// implementation.
type Callbacks struct {
	// OnHit runs once per breakpoint event, before OnContinue, with the
	// tracee's instruction pointer already rewound to Addr.
	OnHit func(t *Tracer, pid int32, bp *Breakpoint)
	// OnContinue decides how tracing resumes past the breakpoint. The
	// default (nil) installs the stopping coordinator.
	OnContinue func(t *Tracer, pid int32, bp *Breakpoint)
	// OnInsert runs once, right after a breakpoint's original bytes are
	// first read and the trap is written.
	OnInsert func(bp *Breakpoint)
	// OnRetract runs once, when the breakpoint is forcibly removed by
	// Retract (including process teardown). Delete does not invoke it.
	OnRetract func(bp *Breakpoint)
}

// Breakpoint is one entry in a leader's breakpoint dictionary.
type Breakpoint struct {
	Addr        uintptr
	Original    []byte
	EnableCount int
	Symbol      Symbol
	Callbacks   Callbacks

	// installed tracks whether the trap bytes are currently present in
	// the tracee (false only transiently, while the stopping coordinator
	// has disabled the breakpoint to single-step past it).
	installed bool
}

// bpItem adapts *Breakpoint to btree.Item, ordering entries by address.
type bpItem struct {
	addr uintptr
	bp   *Breakpoint
}

func (a bpItem) Less(than btree.Item) bool {
	return a.addr < than.(bpItem).addr
}

// BreakpointDict is the per-leader address->Breakpoint dictionary.
// It is backed by a google/btree.BTree rather than a plain map so that
// the stopping coordinator and diagnostics can iterate breakpoints in
// address order (e.g. "is there a real breakpoint at this address,"
// range queries when validating software single-step transient sites).
type BreakpointDict struct {
	tree *btree.BTree
	pid  int32 // any live tid in the leader's group; memory is shared
}

// NewBreakpointDict returns an empty dictionary. SetPid must be called
// before Insert/Enable/Disable/Delete can touch tracee memory.
func NewBreakpointDict() *BreakpointDict {
	return &BreakpointDict{tree: btree.New(8)}
}

// SetPid records a live tid in the owning leader's thread group to use
// for memory reads/writes. Any tid in the group works: ptrace memory
// access is address-space-wide, not per-thread.
func (d *BreakpointDict) SetPid(pid int32) { d.pid = pid }

// Lookup returns the breakpoint at addr, if any.
func (d *BreakpointDict) Lookup(addr uintptr) (*Breakpoint, bool) {
	item := d.tree.Get(bpItem{addr: addr})
	if item == nil {
		return nil, false
	}
	return item.(bpItem).bp, true
}

// Len returns the number of distinct breakpoint addresses.
func (d *BreakpointDict) Len() int { return d.tree.Len() }

// Ascend calls fn for every breakpoint in address order, stopping early
// if fn returns false.
func (d *BreakpointDict) Ascend(fn func(bp *Breakpoint) bool) {
	d.tree.Ascend(func(i btree.Item) bool {
		return fn(i.(bpItem).bp)
	})
}

// Insert installs a breakpoint at addr. If one already exists
// there, its enable count is incremented and it is returned unchanged.
// Otherwise a new record is allocated: original bytes are read exactly
// once here (data-model invariant (b)) and trap bytes are written in
// their place.
func (d *BreakpointDict) Insert(addr uintptr, sym Symbol, cb Callbacks) (*Breakpoint, error) {
	if existing, ok := d.Lookup(addr); ok {
		existing.EnableCount++
		return existing, nil
	}

	trap := arch.Host.TrapInstructionBytes()
	original := make([]byte, len(trap))
	if _, err := ptrace.ReadMemory(d.pid, addr, original); err != nil {
		return nil, err
	}
	if _, err := ptrace.WriteMemory(d.pid, addr, trap); err != nil {
		return nil, err
	}

	bp := &Breakpoint{
		Addr:        addr,
		Original:    original,
		EnableCount: 1,
		Symbol:      sym,
		Callbacks:   cb,
		installed:   true,
	}
	d.tree.ReplaceOrInsert(bpItem{addr: addr, bp: bp})
	if bp.Callbacks.OnInsert != nil {
		bp.Callbacks.OnInsert(bp)
	}
	return bp, nil
}

// Enable writes the trap bytes back into the tracee at bp.Addr without
// changing EnableCount. Idempotent with respect to the installed flag:
// calling it twice in a row performs exactly one write.
func (d *BreakpointDict) Enable(bp *Breakpoint) error {
	if bp.installed {
		return nil
	}
	trap := arch.Host.TrapInstructionBytes()
	if _, err := ptrace.WriteMemory(d.pid, bp.Addr, trap); err != nil {
		return err
	}
	bp.installed = true
	return nil
}

// Disable restores bp's original bytes in the tracee without changing
// EnableCount. Used transiently by the stopping coordinator while a
// thread single-steps past this exact address.
func (d *BreakpointDict) Disable(bp *Breakpoint) error {
	if !bp.installed {
		return nil
	}
	if _, err := ptrace.WriteMemory(d.pid, bp.Addr, bp.Original); err != nil {
		return err
	}
	bp.installed = false
	return nil
}

// Delete decrements bp's enable count and, once it reaches zero, restores
// the original bytes and removes the entry from the dictionary.
func (d *BreakpointDict) Delete(addr uintptr) error {
	bp, ok := d.Lookup(addr)
	if !ok {
		return &tracererr.NoSuchBreakpoint{Addr: addr}
	}
	bp.EnableCount--
	if bp.EnableCount > 0 {
		return nil
	}
	err := d.Disable(bp)
	d.tree.Delete(bpItem{addr: addr})
	return err
}

// Retract forcibly removes bp regardless of EnableCount, restoring
// original bytes if still installed and invoking OnRetract. Used when a
// PLT slot read/write fails (plt-fail propagates as a retract) and
// during exiting-handler teardown.
func (d *BreakpointDict) Retract(addr uintptr) error {
	bp, ok := d.Lookup(addr)
	if !ok {
		return &tracererr.NoSuchBreakpoint{Addr: addr}
	}
	err := d.Disable(bp)
	d.tree.Delete(bpItem{addr: addr})
	if bp.Callbacks.OnRetract != nil {
		bp.Callbacks.OnRetract(bp)
	}
	return err
}

// DisableAll restores original bytes for every breakpoint in the
// dictionary, without removing any entries.
func (d *BreakpointDict) DisableAll() error {
	var first error
	d.Ascend(func(bp *Breakpoint) bool {
		if err := d.Disable(bp); err != nil && first == nil {
			first = err
		}
		return true
	})
	return first
}

// RetractAll disables and invokes OnRetract for every breakpoint, then
// empties the dictionary.
func (d *BreakpointDict) RetractAll() {
	var addrs []uintptr
	d.Ascend(func(bp *Breakpoint) bool {
		addrs = append(addrs, bp.Addr)
		return true
	})
	for _, a := range addrs {
		_ = d.Retract(a)
	}
}
