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

import "github.com/corvidtrace/ltrace/pkg/log"

// vforkHandler models a vforked child sharing its parent's
// address space until the child execs or exits, so breakpoints in that
// window must not be re-armed by the parent (it is frozen by the kernel
// anyway) and must not be independently tracked by the child's own,
// not-yet-existent breakpoint dictionary. The handler folds the child
// into the parent's thread-group for the duration of the window and
// unfolds it once the window closes.
type vforkHandler struct {
	parentPid int32
	childPid  int32

	// resumeAddr is the address of the vfork-return breakpoint: where
	// the parent was stopped when it produced the vfork event.
	resumeAddr uintptr

	// bp is the breakpoint recorded at resumeAddr, if any, at the moment
	// the vfork event was first seen. It was disabled by whatever
	// stopping episode led up to this point (a breakpoint's trap bytes
	// are never present while a thread is being single-stepped past
	// them), so it must be re-inserted once the vfork window closes,
	// before the parent resumes.
	bp *Breakpoint
}

// isVforkHandler reports whether h is a *vforkHandler. pkg/tracer's
// taskSet.bootstrap uses this to recognize a vfork parent and skip
// SIGSTOPping it (a vfork parent is already blocked in the kernel until
// its child execs or exits).
func isVforkHandler(h Handler) bool {
	_, ok := h.(*vforkHandler)
	return ok
}

// installVfork is called from the tracer's default event processing when
// a KindVfork event is observed: it folds childPid into
// parentPid's thread group and installs a vforkHandler on the parent.
func installVfork(t *Tracer, parent *Process, childPid int32, resumeAddr uintptr) {
	child := t.dir.AddSibling(parent.Pid, childPid)
	if child != nil {
		child.State = Running
		child.Arch = parent.Arch
	}

	vh := &vforkHandler{
		parentPid:  parent.Pid,
		childPid:   childPid,
		resumeAddr: resumeAddr,
	}
	if parent.Breakpoints != nil {
		if bp, ok := parent.Breakpoints.Lookup(resumeAddr); ok {
			vh.bp = bp
		}
	}
	installHandler(t, parent, vh)
}

// OnEvent implements Handler. Only events for the vforked child matter;
// everything else (most importantly, anything for the parent, which the
// kernel guarantees cannot produce events during the window) is routed
// to default processing unchanged.
func (vh *vforkHandler) OnEvent(t *Tracer, ev Event) (Event, bool) {
	if ev.Pid != vh.childPid {
		return ev, true
	}

	switch ev.Kind {
	case KindExec, KindExit, KindExitSignal:
		vh.unwind(t)
		return ev, true
	default:
		// Anything else the child does during the window (signals,
		// breakpoints it happens to trip on its own stack) is handled
		// normally; the vfork window only constrains the parent.
		return ev, true
	}
}

// unwind re-inserts the vfork-return breakpoint into the parent's
// address space, gives the child back its own identity as a
// thread-group leader, and destroys the vfork handler on the parent
// before letting it resume.
func (vh *vforkHandler) unwind(t *Tracer) {
	parent, ok := t.dir.Leader(vh.parentPid)
	if !ok {
		log.Warningf("vfork unwind: parent pid %d no longer in directory", vh.parentPid)
		return
	}

	if vh.bp != nil && parent.Breakpoints != nil {
		if err := parent.Breakpoints.Enable(vh.bp); err != nil {
			log.Warningf("vfork unwind: re-inserting breakpoint at %#x: %v", vh.resumeAddr, err)
		}
	}

	t.dir.RemoveFromGroup(vh.parentPid, vh.childPid)
	t.dir.ChangeLeader(vh.childPid, vh.childPid)

	uninstallHandler(t, parent)
	t.continueProcess(vh.parentPid)
}

// OnDestroy implements Handler; a vforkHandler owns no resources beyond
// the directory edits unwind already performs.
func (vh *vforkHandler) OnDestroy(t *Tracer) {}
