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
	"github.com/corvidtrace/ltrace/pkg/ptrace"
)

// exitingHandler detaches cleanly from a thread group.
// It reuses the exact bootstrap taskSet logic the stopping coordinator
// uses, but its
// completion action is detachProcess rather than re-arming a single
// breakpoint, and any breakpoint events observed along the way are
// unwound in place (IP rewind only) instead of driving a full episode.
type exitingHandler struct {
	leaderPid int32
	set       *taskSet
	bootstrapped bool
}

// installExiting replaces leader's handler with an exitingHandler and
// begins the teardown bootstrap. Called both for a single explicit
// detach request and, fanned out over every leader, when the tracer
// itself is asked to shut down (e.g. on SIGINT).
//
// If leader already has a stopping episode in flight (a breakpoint was
// being re-armed when shutdown was requested), that episode is not
// replaced out from under itself: it is told to route through the ugly
// workaround once it finishes re-arming, then hand off to detachProcess.
// An exiting-triggered completion always passes through the ugly
// workaround before the group is actually detached, never straight from
// a raw single-step.
func installExiting(t *Tracer, leader *Process) {
	if sh, ok := leader.Handler.(*stoppingHandler); ok && !sh.detachAfter {
		eh := &exitingHandler{leaderPid: leader.Pid, set: sh.set, bootstrapped: true}
		sh.detachAfter = true
		sh.onDone = eh.detachProcess
		return
	}

	eh := &exitingHandler{leaderPid: leader.Pid, set: newTaskSet()}
	installHandler(t, leader, eh)

	if err := eh.set.bootstrap(t, leader.Pid); err != nil {
		log.Warningf("exiting bootstrap for pid %d: %v", leader.Pid, err)
		// Even a failed bootstrap must not leave the process
		// un-detached: fall straight through to best-effort teardown.
		eh.detachProcess(t)
		return
	}
	eh.bootstrapped = true

	if eh.set.allStopped() {
		eh.detachProcess(t)
	}
}

// OnEvent implements Handler.
func (eh *exitingHandler) OnEvent(t *Tracer, ev Event) (Event, bool) {
	if !eh.bootstrapped {
		return ev, true
	}

	if ev.Kind == KindBreakpoint {
		eh.undoBreakpoint(t, ev)
	}

	if sunk := eh.set.observe(ev); sunk {
		if eh.set.allStopped() {
			eh.detachProcess(t)
		}
		return Event{}, false
	}

	if ev.Kind == KindExit || ev.Kind == KindExitSignal {
		if eh.set.allStopped() {
			eh.detachProcess(t)
		}
		return ev, true
	}

	if eh.set.allStopped() {
		eh.detachProcess(t)
	}
	return Event{}, false
}

// undoBreakpoint implements the exiting handler's alternative to a full
// stopping episode: rewind
// the tracee's IP past the trap byte it just executed, without
// re-arming anything, since the breakpoint is about to be retracted
// anyway.
func (eh *exitingHandler) undoBreakpoint(t *Tracer, ev Event) {
	ip, err := arch.Host.GetIP(ev.Pid)
	if err != nil {
		log.Warningf("exiting: reading IP of pid %d: %v", ev.Pid, err)
		return
	}
	rewound := ip - arch.Host.TrapOffset()
	if err := arch.Host.SetIP(ev.Pid, rewound); err != nil {
		log.Warningf("exiting: rewinding IP of pid %d: %v", ev.Pid, err)
	}
}

// detachProcess implements the teardown: drain any queued breakpoint
// events for the group and restore every breakpoint's original bytes,
// then either PTRACE_DETACH every task and drop the group (leaders that
// came from the "-p" attach list) or simply let a spawned leader's tasks
// continue running under trace, since the tracer did not attach them and
// must instead wait for their normal termination.
func (eh *exitingHandler) detachProcess(t *Tracer) {
	leader, ok := t.dir.Leader(eh.leaderPid)
	if !ok {
		return
	}

	for _, pid := range t.dir.GroupPids(leader.Pid) {
		for _, ev := range t.queue.TakeAllFor(pid) {
			if ev.Kind == KindBreakpoint {
				eh.undoBreakpoint(t, ev)
			}
		}
	}

	if leader.Breakpoints != nil {
		leader.Breakpoints.RetractAll()
	}

	if !leader.Attached {
		uninstallHandler(t, leader)
		for _, pid := range t.dir.GroupPids(leader.Pid) {
			t.continueProcess(pid)
		}
		return
	}

	for _, pid := range t.dir.GroupPids(leader.Pid) {
		if err := ptrace.Detach(pid, 0); err != nil {
			log.Warningf("detaching pid %d: %v", pid, err)
		}
	}

	uninstallHandler(t, leader)
	t.dir.RemoveGroup(leader.Pid)
}

// OnDestroy implements Handler.
func (eh *exitingHandler) OnDestroy(t *Tracer) {}
