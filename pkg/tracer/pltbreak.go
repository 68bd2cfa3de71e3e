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
	"github.com/corvidtrace/ltrace/pkg/arch"
	"github.com/corvidtrace/ltrace/pkg/log"
	"github.com/corvidtrace/ltrace/pkg/tracer/plt"
)

// InsertPLTBreakpoint installs a breakpoint at sym's PLT entry, wiring
// its callbacks to drive the symbol through plt's resolution state
// machine: while sym is UNRESOLVED, a hit installs the stopping
// coordinator with sym.KeepStepping as the keep_stepping_p predicate, so
// the coordinator single-steps the callee until the dynamic linker has
// written the real target into the PLT slot. Once RESOLVED, a hit
// redirects the instruction pointer straight to the callee and resumes
// without a stopping episode, since nothing needs to be re-armed.
func (t *Tracer) InsertPLTBreakpoint(pid int32, sym *plt.LibrarySymbol) (*Breakpoint, error) {
	cb := Callbacks{
		OnHit: func(t *Tracer, pid int32, bp *Breakpoint) {
			if sym.Kind != plt.Resolved {
				return
			}
			if err := arch.Host.SetIP(pid, sym.ResolvedValue); err != nil {
				log.Warningf("redirecting pid %d to resolved PLT callee %#x: %v", pid, sym.ResolvedValue, err)
			}
		},
		OnContinue: func(t *Tracer, pid int32, bp *Breakpoint) {
			if sym.Kind == plt.Resolved {
				t.continueProcess(pid)
				return
			}
			leader, ok := t.dir.Leader(pid)
			if !ok {
				return
			}
			if sym.Kind == plt.Stub {
				// A stub symbol never transitions; it is re-armed like
				// any ordinary breakpoint, with no keep_stepping_p.
				installStopping(t, leader, pid, bp, nil, false, nil)
				return
			}
			installStopping(t, leader, pid, bp, func(t *Tracer) (bool, error) {
				return sym.KeepStepping(pid, arch.Host.WordSize())
			}, false, nil)
		},
		OnRetract: func(bp *Breakpoint) {
			log.WarningfThrottled("plt-retract", "PLT breakpoint for %q at %#x retracted", sym.Name, bp.Addr)
		},
	}
	return t.InsertBreakpoint(pid, sym.PLTEntryAddr, sym, cb)
}
