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
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"github.com/corvidtrace/ltrace/pkg/arch"
	"github.com/corvidtrace/ltrace/pkg/log"
	"github.com/corvidtrace/ltrace/pkg/ptrace"
)

// Tracer is the tracing core's entry point: the process directory, the
// event queue, and the main dispatch loop. A Tracer
// traces one or more independent thread-group leaders to completion (or
// until every one detaches).
type Tracer struct {
	dir   *Directory
	queue *Queue

	// sigint is set by the owning CLI's SIGINT handler: a single
	// installed signal handler for SIGINT sets a flag. It is read with
	// an atomic load from the main loop after every wait, never from the
	// signal handler itself touching the queue or directory directly.
	sigint atomic.Bool

	// anyObserved records whether at least one tracee was ever
	// successfully attached (or spawned) and registered, for the
	// exit-code policy. It is set by finishAttach and does not record
	// whether that tracee later ran to completion. atomic because finishAttach runs
	// concurrently across attach-list pids before the single-threaded
	// event loop starts.
	anyObserved atomic.Bool
}

// New returns an empty Tracer, ready to receive Attach/Spawn calls.
func New() *Tracer {
	return &Tracer{
		dir:   NewDirectory(),
		queue: NewQueue(),
	}
}

// RequestShutdown is the non-blocking half of SIGINT handling: it
// only sets a flag. The main loop notices it between events and installs
// the exiting handler on every leader.
func (t *Tracer) RequestShutdown() {
	t.sigint.Store(true)
}

// Attach starts tracing an already-running process (PTRACE_ATTACH),
// waits for its first stop, enumerates its threads, and registers it as
// a new thread-group leader.
func (t *Tracer) Attach(pid int32) error {
	if err := ptrace.Attach(pid); err != nil {
		return err
	}
	if _, _, err := ptrace.Wait(pid, 0); err != nil {
		return err
	}
	return t.finishAttach(pid, true)
}

// Spawn starts a fresh process (already PTRACE_TRACEME'd and stopped by
// the caller's exec, per the standard fork/traceme/exec dance) and waits
// for its initial stop with bounded exponential backoff: the child may
// not have reached its stop yet when the first wait is issued, so a
// tight retry loop would busy-spin on ESRCH.
func (t *Tracer) Spawn(pid int32) error {
	op := func() error {
		_, _, err := ptrace.Wait(pid, unix.WUNTRACED)
		return err
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Millisecond
	policy.MaxInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = 2 * time.Second
	if err := backoff.Retry(op, policy); err != nil {
		return err
	}
	return t.finishAttach(pid, false)
}

// finishAttach is the common tail of Attach and Spawn: set follow-fork
// options, enumerate threads, and register the leader and its siblings.
// attached records whether pid came from the "-p" attach list, as
// opposed to being spawned by the tracer; see Process.Attached.
func (t *Tracer) finishAttach(pid int32, attached bool) error {
	if err := ptrace.SetFollowFork(pid); err != nil {
		return err
	}

	leader := &Process{
		Pid:         pid,
		LeaderPid:   pid,
		State:       Stopped,
		Arch:        arch.Host.Name(),
		Breakpoints: NewBreakpointDict(),
		Attached:    attached,
	}
	leader.Breakpoints.SetPid(pid)
	t.dir.Add(leader)

	tids, err := ptrace.EnumThreads(pid)
	if err != nil {
		return err
	}
	for _, tid := range tids {
		if tid == pid {
			continue
		}
		if err := ptrace.Attach(tid); err != nil {
			log.Warningf("attaching to sibling thread %d of %d: %v", tid, pid, err)
			continue
		}
		t.dir.AddSibling(pid, tid)
	}

	t.anyObserved.Store(true)
	return nil
}

// InsertBreakpoint installs a breakpoint at addr in pid's leader,
// passing cb through to BreakpointDict.Insert. A cb with a nil
// OnContinue gets the default behavior on hit (re-arm through the
// stopping coordinator).
func (t *Tracer) InsertBreakpoint(pid int32, addr uintptr, sym Symbol, cb Callbacks) (*Breakpoint, error) {
	leader, ok := t.dir.Leader(pid)
	if !ok {
		return nil, nil
	}
	return leader.Breakpoints.Insert(addr, sym, cb)
}

// Run drives the main event loop until the directory is empty.
// It returns once every tracee has exited or been detached.
func (t *Tracer) Run() {
	for !t.dir.Empty() {
		if t.sigint.Load() {
			t.sigint.Store(false)
			for _, leader := range t.dir.Leaders() {
				installExiting(t, leader)
			}
		}

		ev, ok := t.nextEvent()
		if !ok {
			continue
		}
		t.route(ev)
	}
}

// nextEvent pops a queued event for a pid that
// is not currently blocked behind a handler's dequeue-forbidding state,
// or else block on the OS wait primitive and decode the result.
func (t *Tracer) nextEvent() (Event, bool) {
	if t.queue.Len() > 0 {
		if ev, ok := t.queue.TakeMatching(func(ev Event) bool {
			return !t.handlerForbidsDequeue(ev.Pid)
		}); ok {
			return ev, true
		}
	}
	return t.waitAndDecode()
}

// handlerForbidsDequeue reports whether pid's leader currently has a
// stopping-coordinator episode in flight that must finish before queued
// events for this pid are replayed (the coordinator is itself the only
// consumer of such events; replaying them early would race its own
// dispatch).
func (t *Tracer) handlerForbidsDequeue(pid int32) bool {
	leader, ok := t.dir.Leader(pid)
	if !ok {
		return false
	}
	_, ok = leader.Handler.(*stoppingHandler)
	return ok
}

// waitAndDecode blocks on the OS wait primitive and classifies the
// result into a typed Event.
func (t *Tracer) waitAndDecode() (Event, bool) {
	pid, ws, err := ptrace.Wait(-1, 0)
	if err != nil {
		log.Warningf("wait4: %v", err)
		return Event{}, false
	}

	if _, ok := t.dir.Get(pid); !ok {
		log.WarningfThrottled("unknown-pid", "wait4 returned unexpected pid %d", pid)
		return Event{}, false
	}

	ev := decodeWaitStatus(pid, ws)
	if proc, ok := t.dir.Get(pid); ok {
		proc.State = Stopped
		if ev.Kind == KindBreakpoint {
			if ip, err := arch.Host.GetIP(pid); err == nil {
				proc.SavedIP = ip - arch.Host.TrapOffset()
			}
		}
	}
	return ev, true
}

// decodeWaitStatus classifies a raw wait4 status into the event model.
// PTRACE_O_TRACESYSGOOD is always set (SetFollowFork), so a
// syscall-stop SIGTRAP is disambiguated from an ordinary trap by the
// 0x80 bit the kernel ORs into the reported signal.
func decodeWaitStatus(pid int32, ws unix.WaitStatus) Event {
	switch {
	case ws.Exited():
		return Event{Kind: KindExit, Pid: pid, ExitCode: ws.ExitStatus()}

	case ws.Signaled():
		return Event{Kind: KindExitSignal, Pid: pid, Signal: ws.Signal()}

	case ws.Stopped():
		sig := ws.StopSignal()

		if trap, ok := ptraceEventTrap(ws); ok {
			switch trap {
			case unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_CLONE:
				msg, _ := ptrace.GetEventMsg(pid)
				return Event{Kind: KindFork, Pid: pid, ChildPid: int32(msg)}
			case unix.PTRACE_EVENT_VFORK:
				msg, _ := ptrace.GetEventMsg(pid)
				// The parent is stopped at its vfork-return site; record
				// it as the vfork-return breakpoint address so the
				// handler can re-insert whatever breakpoint sits there
				// once the vfork window closes.
				addr, _ := arch.Host.GetIP(pid)
				return Event{Kind: KindVfork, Pid: pid, ChildPid: int32(msg), Addr: addr}
			case unix.PTRACE_EVENT_EXEC:
				return Event{Kind: KindExec, Pid: pid}
			case unix.PTRACE_EVENT_EXIT:
				return Event{Kind: KindExit, Pid: pid}
			}
		}

		if sig == unix.SIGTRAP|0x80 {
			return Event{Kind: KindSyscallReturn, Pid: pid}
		}
		if sig == unix.SIGTRAP {
			return Event{Kind: KindBreakpoint, Pid: pid}
		}
		return Event{Kind: KindSignal, Pid: pid, Signal: sig}

	default:
		return Event{Kind: KindNone, Pid: pid}
	}
}

// ptraceEventTrap extracts the PTRACE_EVENT_* code the kernel places in
// bits 16-23 of the wait status of a SIGTRAP event stop, following the
// status>>16 convention documented in ptrace(2).
func ptraceEventTrap(ws unix.WaitStatus) (int, bool) {
	if ws.StopSignal() != unix.SIGTRAP {
		return 0, false
	}
	code := int(ws) >> 16
	if code == 0 {
		return 0, false
	}
	return code, true
}

// route implements the routing rule: if the event's leader has an
// installed handler, give it first refusal; otherwise, and for anything
// the handler returns for default processing, run defaultProcess.
func (t *Tracer) route(ev Event) {
	leader, ok := t.dir.Leader(ev.Pid)
	if !ok {
		return
	}

	if leader.Handler != nil {
		out, toDefault := leader.Handler.OnEvent(t, ev)
		if !toDefault {
			return
		}
		ev = out
	}
	t.defaultProcess(ev)
}

// defaultProcess implements the default per-event-kind logic:
// breakpoint-hit callbacks, fork/vfork bookkeeping, exit cleanup, and
// finally continue_process for the event's pid.
func (t *Tracer) defaultProcess(ev Event) {
	switch ev.Kind {
	case KindExit, KindExitSignal:
		leader, _ := t.dir.Leader(ev.Pid)
		if leader != nil && leader.IsLeader() {
			t.dir.RemoveGroup(leader.Pid)
		} else {
			t.dir.Remove(ev.Pid)
		}
		return

	case KindBreakpoint:
		leader, ok := t.dir.Leader(ev.Pid)
		if !ok || leader.Breakpoints == nil {
			return
		}
		proc, _ := t.dir.Get(ev.Pid)
		if proc != nil {
			arch.Host.SetIP(ev.Pid, proc.SavedIP)
		}
		bp, found := leader.Breakpoints.Lookup(proc.SavedIP)
		if !found {
			// A trap we didn't expect at this address: nothing to do
			// but resume.
			break
		}
		if bp.Callbacks.OnHit != nil {
			bp.Callbacks.OnHit(t, ev.Pid, bp)
		}
		if bp.Callbacks.OnContinue != nil {
			bp.Callbacks.OnContinue(t, ev.Pid, bp)
			return
		}
		installStopping(t, leader, ev.Pid, bp, nil, false, nil)
		return

	case KindVfork:
		leader, ok := t.dir.Leader(ev.Pid)
		if ok && ev.ChildPid != 0 {
			installVfork(t, leader, ev.ChildPid, ev.Addr)
			return
		}

	case KindFork:
		// An ordinary fork child gets its own independent address space
		// and is traced as an entirely separate leader once it reports
		// its own initial stop; no bookkeeping needed here beyond
		// resuming the parent.
	}

	t.continueProcess(ev.Pid)
}

// continueProcess implements the continue_process policy: a pid with
// events still queued must not be resumed (those events are snapshots of
// its current stop and must be drained first); otherwise resume in
// syscall-stop mode so syscall boundaries remain observable.
func (t *Tracer) continueProcess(pid int32) {
	if t.queue.HasPending(pid) {
		return
	}
	proc, ok := t.dir.Get(pid)
	if !ok {
		return
	}
	proc.State = Running
	if err := ptrace.ContinueSyscall(pid, 0); err != nil {
		log.Warningf("continuing pid %d: %v", pid, err)
	}
}

// AnyObserved reports whether at least one tracee was successfully
// attached or spawned and registered, for the CLI's exit-code policy; it
// does not report whether that tracee was traced to completion.
func (t *Tracer) AnyObserved() bool { return t.anyObserved.Load() }

// Shutdown installs the exiting handler on every currently-attached
// leader and runs the loop to completion; used for an explicit,
// synchronous "detach everything" request distinct from the
// asynchronous SIGINT path.
func (t *Tracer) Shutdown() {
	for _, leader := range t.dir.Leaders() {
		installExiting(t, leader)
	}
	t.Run()
}
