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
	"golang.org/x/sys/unix"

	"github.com/corvidtrace/ltrace/pkg/arch"
	"github.com/corvidtrace/ltrace/pkg/log"
	"github.com/corvidtrace/ltrace/pkg/ptrace"
)

// episodeState is the stopping coordinator's own state.
type episodeState int

const (
	stateStopping episodeState = iota
	stateSingleStep
	stateUglyWorkaround
)

// keepSteppingFunc is keep_stepping_p: called after every single-step
// while re-arming a breakpoint. true means "step again" (used by PLT
// resolution to wait out the dynamic linker); false means "stop,
// proceed to re-enable and release".
type keepSteppingFunc func(t *Tracer) (bool, error)

// stoppingHandler is process_stopping: the central state machine that
// brings every sibling thread to a known stopped state, single-steps one
// thread past a temporarily-removed breakpoint, re-inserts it, and
// releases the group.
type stoppingHandler struct {
	leaderPid int32
	trigger   int32 // T: the thread re-arming the breakpoint
	bp        *Breakpoint

	set   *taskSet
	state episodeState

	keepStepping keepSteppingFunc

	hwSingleStep bool      // true once on_all_stopped chose the hardware path
	swBPAddrs    []uintptr // transient software-single-step breakpoint addresses

	// detachAfter marks an episode that was already in flight when
	// installExiting ran on its leader: it finishes re-arming its
	// breakpoint and then hands off to the exiting handler's detach. Per the open
	// question on process_stopping_done's goto target, such episodes
	// always enter UGLY_WORKAROUND before completing, to dodge kernels
	// that mis-signal a tracee detached immediately after a single-step.
	detachAfter bool
	onDone      func(t *Tracer) // invoked once, when the handler is destroyed

	uglyAddr     uintptr
	uglyOriginal []byte
}

// installStopping creates and installs a stopping coordinator on
// triggerPid's leader to re-arm bp, then runs the bootstrap
// synchronously. triggerPid is already ptrace-stopped (it is the thread
// that just hit bp), so this cannot race the rest of the initialization.
func installStopping(t *Tracer, leader *Process, triggerPid int32, bp *Breakpoint, keepStepping keepSteppingFunc, detachAfter bool, onDone func(t *Tracer)) {
	sh := &stoppingHandler{
		leaderPid:    leader.Pid,
		trigger:      triggerPid,
		bp:           bp,
		set:          newTaskSet(),
		state:        stateStopping,
		keepStepping: keepStepping,
		detachAfter:  detachAfter,
		onDone:       onDone,
	}
	if sh.keepStepping == nil {
		sh.keepStepping = func(t *Tracer) (bool, error) { return false, nil }
	}

	installHandler(t, leader, sh)

	if err := sh.set.bootstrap(t, leader.Pid); err != nil {
		log.Warningf("stopping episode for pid %d: %v", triggerPid, err)
		uninstallHandler(t, leader)
		return
	}

	// Step 2: deliver a synthetic none-kind event so that if every task
	// happened to already be stopped, the episode advances immediately
	// instead of waiting for an event that will never come.
	sh.dispatch(t, Event{Kind: KindNone, Pid: leader.Pid})
}

// OnEvent implements Handler.
func (sh *stoppingHandler) OnEvent(t *Tracer, ev Event) (Event, bool) {
	return sh.dispatch(t, ev)
}

// OnDestroy implements Handler. The stopping coordinator owns no
// resources beyond its taskSet rows and any still-armed transient
// breakpoints, both of which are cleaned up along every exit path before
// the handler is ever uninstalled; OnDestroy is a no-op safety net.
func (sh *stoppingHandler) OnDestroy(t *Tracer) {}

// dispatch routes ev to the phase-appropriate handler and returns the
// (Event, routeToDefault) pair OnEvent must return.
func (sh *stoppingHandler) dispatch(t *Tracer, ev Event) (Event, bool) {
	switch sh.state {
	case stateStopping:
		return sh.onStopping(t, ev)
	case stateSingleStep:
		return sh.onSingleStep(t, ev)
	case stateUglyWorkaround:
		return sh.onUglyWorkaround(t, ev)
	default:
		return ev, true
	}
}

// onStopping implements the STOPPING phase of the stopping episode.
func (sh *stoppingHandler) onStopping(t *Tracer, ev Event) (Event, bool) {
	if ev.Kind != KindNone {
		if sunk := sh.set.observe(ev); sunk {
			return Event{}, false
		}
		if ev.Kind == KindExit || ev.Kind == KindExitSignal {
			// Let default processing remove it from the directory; our
			// row was already zeroed by observe.
			return ev, true
		}
		if sh.set.rowFor(ev.Pid) != nil && ev.Pid != sh.trigger {
			// An event for a task we're waiting on, other than a plain
			// SIGSTOP echo: queue it for replay once the episode ends
			// (sink/queue policy).
			t.queue.Push(ev)
		} else if sh.set.rowFor(ev.Pid) == nil {
			// Not part of this episode at all (race with an unrelated
			// pid): pass straight through.
			return ev, true
		}
	}

	if sh.set.allStopped() {
		sh.onAllStopped(t)
	}
	return Event{}, false
}

// onAllStopped is the default on_all_stopped action: disable the
// breakpoint, then single-step T in hardware or, failing that, in
// software via the architecture adapter.
func (sh *stoppingHandler) onAllStopped(t *Tracer) {
	leader, _ := t.dir.Leader(sh.leaderPid)
	if err := leader.Breakpoints.Disable(sh.bp); err != nil {
		log.Warningf("disabling breakpoint %#x: %v", sh.bp.Addr, err)
		leader.Breakpoints.Retract(sh.bp.Addr)
		uninstallHandler(t, leader)
		return
	}

	result, err := arch.Host.SWSingleStep(sh.trigger, sh.bp.Addr, func(addr uintptr) error {
		sh.swBPAddrs = append(sh.swBPAddrs, addr)
		return nil
	})
	if err != nil || result == arch.FAIL {
		log.Warningf("single-step past %#x failed: %v", sh.bp.Addr, err)
		uninstallHandler(t, leader)
		return
	}

	if result == arch.HW {
		sh.hwSingleStep = true
		if err := ptrace.SingleStep(sh.trigger, 0); err != nil {
			log.Warningf("single-step past %#x failed: %v", sh.bp.Addr, err)
			uninstallHandler(t, leader)
			return
		}
	}
	// result == arch.OK: the adapter already installed transient
	// breakpoints and issued continue itself.

	sh.state = stateSingleStep
}

// onSingleStep implements the SINGLESTEP phase of the stopping episode.
func (sh *stoppingHandler) onSingleStep(t *Tracer, ev Event) (Event, bool) {
	if ev.Pid != sh.trigger {
		if ev.Kind == KindExit || ev.Kind == KindExitSignal {
			sh.set.observe(ev)
			return ev, true
		}
		sh.set.observe(ev)
		t.queue.Push(ev)
		return Event{}, false
	}

	switch ev.Kind {
	case KindSignal:
		if sh.hwSingleStep {
			// Keep T paused and re-issue the step with the signal
			// attached: the kernel delivers it as T resumes, so the step
			// may stop at the signal handler's first instruction. The
			// signal is not held back until the step completes.
			if err := ptrace.SingleStep(sh.trigger, ev.Signal); err != nil {
				log.Warningf("re-stepping pid %d after signal: %v", sh.trigger, err)
				sh.abort(t)
			}
			return Event{}, false
		}
		// Software single-step path: forward the signal is not
		// meaningful mid-step; drop it and keep waiting.
		return Event{}, false

	case KindBreakpoint:
		sh.retractTransientSW(t)

		leader, _ := t.dir.Leader(sh.leaderPid)
		if ip, err := arch.Host.GetIP(sh.trigger); err == nil {
			rewound := ip - arch.Host.TrapOffset()
			if real, ok := leader.Breakpoints.Lookup(rewound); ok && real != sh.bp {
				arch.Host.SetIP(sh.trigger, rewound)
				if real.Callbacks.OnHit != nil {
					real.Callbacks.OnHit(t, sh.trigger, real)
				}
			}
		}

		cont, err := sh.keepStepping(t)
		if err != nil {
			log.Warningf("keep_stepping_p for breakpoint %#x: %v", sh.bp.Addr, err)
			leader, _ := t.dir.Leader(sh.leaderPid)
			leader.Breakpoints.Retract(sh.bp.Addr)
			sh.abort(t)
			return Event{}, false
		}
		if cont {
			if sh.hwSingleStep {
				ptrace.SingleStep(sh.trigger, 0)
			} else {
				arch.Host.SWSingleStep(sh.trigger, sh.bp.Addr, func(addr uintptr) error {
					sh.swBPAddrs = append(sh.swBPAddrs, addr)
					return nil
				})
			}
			return Event{}, false
		}

		sh.release(t)
		return Event{}, false

	default:
		t.queue.Push(ev)
		return Event{}, false
	}
}

// retractTransientSW removes any software-single-step transient
// breakpoints installed by onAllStopped/onSingleStep.
func (sh *stoppingHandler) retractTransientSW(t *Tracer) {
	if len(sh.swBPAddrs) == 0 {
		return
	}
	leader, _ := t.dir.Leader(sh.leaderPid)
	for _, a := range sh.swBPAddrs {
		if a == sh.bp.Addr {
			continue // the real breakpoint is re-enabled separately
		}
		leader.Breakpoints.Retract(a)
	}
	sh.swBPAddrs = nil
}

// release implements the SINKING phase: re-enable B, resume every
// suspended sibling, release the group, and decide whether the episode
// must pass through UGLY_WORKAROUND before completing.
func (sh *stoppingHandler) release(t *Tracer) {
	leader, _ := t.dir.Leader(sh.leaderPid)
	if err := leader.Breakpoints.Enable(sh.bp); err != nil {
		log.Warningf("re-enabling breakpoint %#x: %v", sh.bp.Addr, err)
		leader.Breakpoints.Retract(sh.bp.Addr)
	}

	for _, row := range sh.set.rows {
		if row.pid == 0 {
			continue
		}
		if row.delivered || row.sysret {
			t.continueProcess(row.pid)
		}
	}
	if sh.detachAfter {
		// T stays stopped: the ugly workaround reads its IP and
		// continues it itself.
		sh.enterUglyWorkaround(t)
		return
	}
	t.continueProcess(sh.trigger)
	sh.finish(t)
}

// enterUglyWorkaround implements the UGLY_WORKAROUND state: insert a
// temporary breakpoint at T's current IP and continue T, so that the
// tracer can force a clean, ordinary breakpoint stop before detaching
// (some kernels otherwise kill a tracee with SIGTRAP if it is detached
// immediately after a single-step).
func (sh *stoppingHandler) enterUglyWorkaround(t *Tracer) {
	ip, err := arch.Host.GetIP(sh.trigger)
	if err != nil {
		log.Warningf("ugly workaround: reading IP of pid %d: %v", sh.trigger, err)
		sh.finish(t)
		return
	}
	trap := arch.Host.TrapInstructionBytes()
	original := make([]byte, len(trap))
	if _, err := ptrace.ReadMemory(sh.trigger, ip, original); err != nil {
		log.Warningf("ugly workaround: reading original bytes at %#x: %v", ip, err)
		sh.finish(t)
		return
	}
	if _, err := ptrace.WriteMemory(sh.trigger, ip, trap); err != nil {
		log.Warningf("ugly workaround: writing trap at %#x: %v", ip, err)
		sh.finish(t)
		return
	}
	sh.uglyAddr = ip
	sh.uglyOriginal = original
	sh.state = stateUglyWorkaround
	ptrace.Continue(sh.trigger, 0)
}

// onUglyWorkaround waits for T to trip over the temporary breakpoint,
// retracts it, and completes the episode.
func (sh *stoppingHandler) onUglyWorkaround(t *Tracer, ev Event) (Event, bool) {
	if ev.Pid != sh.trigger {
		if ev.Kind == KindExit || ev.Kind == KindExitSignal || ev.Kind == KindNone {
			return ev, true
		}
		t.queue.Push(ev)
		return Event{}, false
	}

	if ev.Kind != KindBreakpoint {
		t.queue.Push(ev)
		return Event{}, false
	}

	if _, err := ptrace.WriteMemory(sh.trigger, sh.uglyAddr, sh.uglyOriginal); err != nil {
		log.Warningf("ugly workaround: retracting trap at %#x: %v", sh.uglyAddr, err)
	}
	if ip, err := arch.Host.GetIP(sh.trigger); err == nil {
		arch.Host.SetIP(sh.trigger, ip-arch.Host.TrapOffset())
	}

	sh.finish(t)
	return Event{}, false
}

// finish uninstalls the coordinator and invokes onDone, if any, e.g. the
// exiting handler's actual detach_process call.
func (sh *stoppingHandler) finish(t *Tracer) {
	leader, ok := t.dir.Leader(sh.leaderPid)
	if ok {
		uninstallHandler(t, leader)
	}
	if sh.onDone != nil {
		sh.onDone(t)
	}
}

// abort tears the episode down after an unrecoverable failure mid-step;
// the breakpoint has already been retracted by the caller.
func (sh *stoppingHandler) abort(t *Tracer) {
	leader, ok := t.dir.Leader(sh.leaderPid)
	if ok {
		uninstallHandler(t, leader)
	}
}

// sigstopEcho reports whether ev is a SIGSTOP signal stop. It does not
// tell a SIGSTOP this package sent from one delivered from outside; that
// distinction is made per row by taskSet.observe. Nothing calls it at
// present.
func sigstopEcho(ev Event) bool {
	return ev.Kind == KindSignal && ev.Signal == unix.SIGSTOP
}
