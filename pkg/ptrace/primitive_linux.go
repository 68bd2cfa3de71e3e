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

//go:build linux
// +build linux

// Package ptrace is a thin wrapper over the Linux process-control
// syscall (ptrace(2), together with waitpid(2) and tgkill(2)). It is the
// debug-interface primitive described in the tracing core's design: every
// other package in this module drives tracees exclusively through this
// surface, never issuing PTRACE_* requests directly.
package ptrace

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/corvidtrace/ltrace/pkg/tracererr"
)

// Regs is the full register snapshot exchanged with the tracee. It
// aliases the architecture-specific struct provided by x/sys/unix so
// callers never need to reach past this package for register layout.
type Regs = unix.PtraceRegs

// Attach causes the tracee to receive a stop signal. The caller must wait
// for the stop (via Wait) before issuing any further operation on pid.
func Attach(pid int32) error {
	if err := unix.PtraceAttach(int(pid)); err != nil {
		return &tracererr.OSError{Op: "attach", Pid: pid, Errno: err}
	}
	return nil
}

// Seize is the PTRACE_SEIZE counterpart to Attach: it does not stop the
// tracee immediately, but (unlike Attach) does not generate a spurious
// group-stop either. Nothing in the tracing core calls it at present:
// Attach is used for the "-p" list and Spawn waits on a PTRACE_TRACEME
// child instead.
func Seize(pid int32) error {
	if err := unix.PtraceSeize(int(pid)); err != nil {
		return &tracererr.OSError{Op: "seize", Pid: pid, Errno: err}
	}
	return nil
}

// Detach releases control of pid, optionally delivering sig (0 for none)
// as the tracee resumes.
func Detach(pid int32, sig unix.Signal) error {
	if _, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_DETACH, uintptr(pid), 0, uintptr(sig), 0, 0); errno != 0 {
		return &tracererr.OSError{Op: "detach", Pid: pid, Errno: errno}
	}
	return nil
}

// Continue resumes the tracee (PTRACE_CONT), stopping it again at the
// next signal or ptrace event; unlike ContinueSyscall it does not stop at
// syscall entry/exit boundaries.
func Continue(pid int32, sig unix.Signal) error {
	if err := unix.PtraceCont(int(pid), int(sig)); err != nil {
		return &tracererr.OSError{Op: "continue", Pid: pid, Errno: err}
	}
	return nil
}

// ContinueSyscall resumes the tracee in PTRACE_SYSCALL mode, stopping it
// again at the next syscall entry or exit boundary as well as at any
// ordinary signal. The tracing core uses this instead of Continue
// whenever it needs to observe syscall boundaries rather than running
// free until the next signal.
func ContinueSyscall(pid int32, sig unix.Signal) error {
	if err := unix.PtraceSyscall(int(pid), int(sig)); err != nil {
		return &tracererr.OSError{Op: "ptrace-syscall", Pid: pid, Errno: err}
	}
	return nil
}

// SingleStep executes exactly one instruction in the tracee, then stops
// it again, delivering sig (0 for none) as the tracee resumes.
func SingleStep(pid int32, sig unix.Signal) error {
	if _, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_SINGLESTEP, uintptr(pid), 0, uintptr(sig), 0, 0); errno != 0 {
		return &tracererr.OSError{Op: "singlestep", Pid: pid, Errno: errno}
	}
	return nil
}

// ReadMemory performs a bulk read from the tracee's address space into
// buf, returning the number of bytes actually read. Partial reads are not
// an error: the caller observes the returned length.
func ReadMemory(pid int32, addr uintptr, buf []byte) (int, error) {
	n, err := unix.PtracePeekData(int(pid), addr, buf)
	if err != nil {
		return n, &tracererr.MemoryError{Op: "read", Pid: pid, Addr: addr, Err: err}
	}
	return n, nil
}

// WriteMemory performs a word-granular write into the tracee's address
// space. Breakpoint patching always goes through this call so that
// partial-word writes never corrupt neighboring instructions.
func WriteMemory(pid int32, addr uintptr, data []byte) (int, error) {
	n, err := unix.PtracePokeData(int(pid), addr, data)
	if err != nil {
		return n, &tracererr.MemoryError{Op: "write", Pid: pid, Addr: addr, Err: err}
	}
	return n, nil
}

// ReadRegs takes a full register snapshot of the tracee.
func ReadRegs(pid int32, regs *Regs) error {
	if err := unix.PtraceGetRegs(int(pid), regs); err != nil {
		return &tracererr.OSError{Op: "getregs", Pid: pid, Errno: err}
	}
	return nil
}

// WriteRegs installs a full register snapshot into the tracee.
func WriteRegs(pid int32, regs *Regs) error {
	if err := unix.PtraceSetRegs(int(pid), regs); err != nil {
		return &tracererr.OSError{Op: "setregs", Pid: pid, Errno: err}
	}
	return nil
}

// SetFollowFork requests that the kernel automatically ptrace-attach any
// child created by fork, vfork or clone.
func SetFollowFork(pid int32) error {
	opts := unix.PTRACE_O_TRACESYSGOOD |
		unix.PTRACE_O_TRACEFORK |
		unix.PTRACE_O_TRACEVFORK |
		unix.PTRACE_O_TRACEVFORKDONE |
		unix.PTRACE_O_TRACECLONE |
		unix.PTRACE_O_TRACEEXEC |
		unix.PTRACE_O_TRACEEXIT
	if err := unix.PtraceSetOptions(int(pid), opts); err != nil {
		return &tracererr.OSError{Op: "setoptions", Pid: pid, Errno: err}
	}
	return nil
}

// SuspendThread freezes a single LWP without disturbing its siblings, by
// delivering SIGSTOP directly to the thread (tgkill, not kill: kill would
// be delivered to an arbitrary thread in the group). Used as send_sigstop
// by the bootstrap that the stopping coordinator and the exiting handler
// share.
func SuspendThread(tgid, tid int32) error {
	if err := unix.Tgkill(int(tgid), int(tid), unix.SIGSTOP); err != nil {
		return &tracererr.OSError{Op: "tgkill(SIGSTOP)", Pid: tid, Errno: err}
	}
	return nil
}

// ResumeThread releases a single LWP suspended by SuspendThread.
func ResumeThread(pid int32) error {
	return Continue(pid, 0)
}

// EnumThreads returns the sorted list of LWP ids belonging to pid's
// thread group, read from /proc/<pid>/task.
func EnumThreads(pid int32) ([]int32, error) {
	dir := fmt.Sprintf("/proc/%d/task", pid)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &tracererr.OSError{Op: "enum-threads", Pid: pid, Errno: err}
	}
	tids := make([]int32, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.ParseInt(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		tids = append(tids, int32(tid))
	}
	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })
	return tids, nil
}

// GetEventMsg retrieves the auxiliary value attached to a PTRACE_EVENT_*
// stop: the new child's pid for FORK/VFORK/CLONE, the exit status for
// EXIT.
func GetEventMsg(pid int32) (uint, error) {
	msg, err := unix.PtraceGetEventMsg(int(pid))
	if err != nil {
		return 0, &tracererr.OSError{Op: "geteventmsg", Pid: pid, Errno: err}
	}
	return uint(msg), nil
}

// Wait blocks for the next stop of pid (or any child if pid <= 0),
// returning the raw wait status for the caller to classify into a typed
// event.
func Wait(pid int32, opts int) (stoppedPid int32, status unix.WaitStatus, err error) {
	var ws unix.WaitStatus
	got, werr := unix.Wait4(int(pid), &ws, opts, nil)
	if werr != nil {
		return 0, 0, &tracererr.OSError{Op: "wait4", Pid: pid, Errno: werr}
	}
	return int32(got), ws, nil
}
