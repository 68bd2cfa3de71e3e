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

import "testing"

func TestDirectoryGroupPidsAndSiblings(t *testing.T) {
	d := NewDirectory()
	d.Add(&Process{Pid: 100, LeaderPid: 100, Breakpoints: NewBreakpointDict()})

	child := d.AddSibling(100, 101)
	if child == nil || child.LeaderPid != 100 {
		t.Fatalf("AddSibling: got %+v; want a Process with LeaderPid 100", child)
	}

	pids := d.GroupPids(100)
	if len(pids) != 2 || pids[0] != 100 || pids[1] != 101 {
		t.Fatalf("GroupPids(100) = %v; want [100 101]", pids)
	}

	leader, ok := d.Leader(101)
	if !ok || leader.Pid != 100 {
		t.Fatalf("Leader(101) = %+v, %v; want leader pid 100", leader, ok)
	}
}

func TestDirectoryChangeLeaderRestoresSelfLeadership(t *testing.T) {
	d := NewDirectory()
	d.Add(&Process{Pid: 100, LeaderPid: 100, Breakpoints: NewBreakpointDict()})
	d.AddSibling(100, 200) // e.g. a vforked child folded into the parent's group

	d.RemoveFromGroup(100, 200)
	d.ChangeLeader(200, 200)

	child, ok := d.Get(200)
	if !ok {
		t.Fatalf("Get(200) not found after ChangeLeader")
	}
	if !child.IsLeader() {
		t.Fatalf("child.IsLeader() = false after ChangeLeader(200, 200)")
	}
	if child.Breakpoints == nil {
		t.Fatalf("child.Breakpoints is nil after restoring self-leadership")
	}

	pids := d.GroupPids(100)
	for _, p := range pids {
		if p == 200 {
			t.Fatalf("GroupPids(100) still contains 200 after RemoveFromGroup")
		}
	}
}

func TestDirectoryRemoveGroupAndEmpty(t *testing.T) {
	d := NewDirectory()
	d.Add(&Process{Pid: 1, LeaderPid: 1, Breakpoints: NewBreakpointDict()})
	d.AddSibling(1, 2)
	d.AddSibling(1, 3)

	if d.Empty() {
		t.Fatalf("Empty() = true before any removal")
	}

	d.RemoveGroup(1)

	if !d.Empty() {
		t.Fatalf("Empty() = false after RemoveGroup of the only group")
	}
	for _, pid := range []int32{1, 2, 3} {
		if _, ok := d.Get(pid); ok {
			t.Fatalf("Get(%d) found after RemoveGroup", pid)
		}
	}
}

func TestDirectoryLeaders(t *testing.T) {
	d := NewDirectory()
	d.Add(&Process{Pid: 1, LeaderPid: 1, Breakpoints: NewBreakpointDict()})
	d.Add(&Process{Pid: 5, LeaderPid: 5, Breakpoints: NewBreakpointDict()})
	d.AddSibling(1, 2)

	leaders := d.Leaders()
	if len(leaders) != 2 {
		t.Fatalf("Leaders() returned %d entries; want 2", len(leaders))
	}
	for _, l := range leaders {
		if !l.IsLeader() {
			t.Errorf("Leaders() returned non-leader pid %d", l.Pid)
		}
	}
}
