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

	"github.com/corvidtrace/ltrace/pkg/ptrace"
	"github.com/corvidtrace/ltrace/pkg/tracererr"
)

// taskRow is a row in a pid_set: the per-task bookkeeping a stopping
// episode keeps while it SIGSTOPs siblings. It is also reused, unmodified,
// by the exiting handler's teardown bootstrap, since that is explicitly
// the same bootstrap applied with a different completion action.
type taskRow struct {
	pid            int32
	sigstopped     bool
	delivered      bool
	gotEvent       bool
	vforked        bool
	sysret         bool
	alreadyStopped bool
}

// taskSet is the pid_set: a small arena of taskRows, grown by doubling
// from an initial capacity of 4 (design notes, "Arena for pid-sets").
type taskSet struct {
	rows []*taskRow
}

func newTaskSet() *taskSet {
	return &taskSet{rows: make([]*taskRow, 0, 4)}
}

func (s *taskSet) rowFor(pid int32) *taskRow {
	for _, r := range s.rows {
		if r.pid == pid {
			return r
		}
	}
	return nil
}

// bootstrap performs the stopping episode's initialization step 1: walk
// every task in the leader's thread group, skip what should be skipped,
// and SIGSTOP the rest. It returns a HandlerInstallFail if any
// send_sigstop call fails, which aborts the whole episode.
func (s *taskSet) bootstrap(t *Tracer, leaderPid int32) error {
	for _, pid := range t.dir.GroupPids(leaderPid) {
		proc, ok := t.dir.Get(pid)
		if !ok {
			continue
		}
		row := &taskRow{pid: pid}

		switch {
		case proc.State == BeingCreated:
			// Skipped entirely: no row, does not block completion.
			continue
		case proc.State == Stopped:
			row.alreadyStopped = true
		case isVforkHandler(proc.Handler):
			row.vforked = true
		default:
			if err := ptrace.SuspendThread(leaderPid, pid); err != nil {
				return &tracererr.HandlerInstallFail{Reason: "send_sigstop", Err: err}
			}
			row.sigstopped = true
		}
		s.rows = append(s.rows, row)
	}
	return nil
}

// observe updates the matching row's got_event flag and sinks the event
// if it is the echo of our own SIGSTOP. It returns true if ev was sunk.
func (s *taskSet) observe(ev Event) (sunk bool) {
	row := s.rowFor(ev.Pid)
	if row == nil {
		return false
	}
	row.gotEvent = true

	switch ev.Kind {
	case KindExit, KindExitSignal:
		row.pid = 0
		return false
	case KindSignal:
		if ev.Signal == unix.SIGSTOP && row.sigstopped && !row.delivered {
			row.delivered = true
			return true
		}
	case KindSyscallReturn:
		row.sysret = true
	}
	return false
}

// allStopped implements the predicate "every task in L's group is
// blocked or is a vfork parent". A row counts as accounted for once its
// SIGSTOP has been delivered, it was already stopped at bootstrap time,
// it is a vfork parent (never SIGSTOPped), or it has exited (pid zeroed
// by observe).
func (s *taskSet) allStopped() bool {
	for _, r := range s.rows {
		if r.pid == 0 || r.vforked || r.alreadyStopped || r.delivered {
			continue
		}
		return false
	}
	return true
}

