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
	"testing"

	"golang.org/x/sys/unix"
)

// newTestTaskSet builds a taskSet directly, bypassing bootstrap (which
// issues real tgkill/SIGSTOP syscalls), so the observe/allStopped state
// machine can be exercised without a live tracee.
func newTestTaskSet(rows ...*taskRow) *taskSet {
	s := newTaskSet()
	s.rows = append(s.rows, rows...)
	return s
}

func TestAllStoppedRequiresEverySigstoppedRowDelivered(t *testing.T) {
	s := newTestTaskSet(
		&taskRow{pid: 1, sigstopped: true},
		&taskRow{pid: 2, sigstopped: true},
	)
	if s.allStopped() {
		t.Fatalf("allStopped() = true before either SIGSTOP was observed")
	}

	s.observe(Event{Kind: KindSignal, Pid: 1, Signal: unix.SIGSTOP})
	if s.allStopped() {
		t.Fatalf("allStopped() = true with pid 2 still unaccounted for")
	}

	s.observe(Event{Kind: KindSignal, Pid: 2, Signal: unix.SIGSTOP})
	if !s.allStopped() {
		t.Fatalf("allStopped() = false after both SIGSTOPs observed")
	}
}

func TestAllStoppedSkipsVforkedAndAlreadyStopped(t *testing.T) {
	s := newTestTaskSet(
		&taskRow{pid: 1, vforked: true},
		&taskRow{pid: 2, alreadyStopped: true},
	)
	if !s.allStopped() {
		t.Fatalf("allStopped() = false; vfork parent and already-stopped rows need no SIGSTOP")
	}
}

func TestObserveSinksOnlyTheFirstSigstopEcho(t *testing.T) {
	s := newTestTaskSet(&taskRow{pid: 1, sigstopped: true})

	if sunk := s.observe(Event{Kind: KindSignal, Pid: 1, Signal: unix.SIGSTOP}); !sunk {
		t.Fatalf("observe() first SIGSTOP echo: sunk = false; want true")
	}
	if sunk := s.observe(Event{Kind: KindSignal, Pid: 1, Signal: unix.SIGSTOP}); sunk {
		t.Fatalf("observe() second SIGSTOP echo: sunk = true; want false (already delivered)")
	}
}

func TestObserveExitZeroesRow(t *testing.T) {
	s := newTestTaskSet(&taskRow{pid: 1, sigstopped: true})

	s.observe(Event{Kind: KindExit, Pid: 1})

	row := s.rowFor(0)
	if row == nil {
		t.Fatalf("rowFor(0): row.pid was not zeroed by an exit event")
	}
	if !s.allStopped() {
		t.Fatalf("allStopped() = false; an exited task must not block completion")
	}
}

func TestObserveIgnoresUnknownPid(t *testing.T) {
	s := newTestTaskSet(&taskRow{pid: 1, sigstopped: true})
	if sunk := s.observe(Event{Kind: KindSignal, Pid: 99, Signal: unix.SIGSTOP}); sunk {
		t.Fatalf("observe() for an untracked pid: sunk = true; want false")
	}
}
