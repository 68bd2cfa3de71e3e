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

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	q.Push(Event{Kind: KindSignal, Pid: 1})
	q.Push(Event{Kind: KindBreakpoint, Pid: 2})

	ev, ok := q.PopFront()
	if !ok || ev.Pid != 1 {
		t.Fatalf("PopFront() = %+v, %v; want pid 1", ev, ok)
	}
	ev, ok = q.PopFront()
	if !ok || ev.Pid != 2 {
		t.Fatalf("PopFront() = %+v, %v; want pid 2", ev, ok)
	}
	if _, ok := q.PopFront(); ok {
		t.Fatalf("PopFront() on empty queue returned ok")
	}
}

func TestQueueTakeMatching(t *testing.T) {
	q := NewQueue()
	q.Push(Event{Kind: KindSignal, Pid: 1})
	q.Push(Event{Kind: KindBreakpoint, Pid: 2})
	q.Push(Event{Kind: KindSignal, Pid: 3})

	ev, ok := q.TakeMatching(func(ev Event) bool { return ev.Kind == KindBreakpoint })
	if !ok || ev.Pid != 2 {
		t.Fatalf("TakeMatching() = %+v, %v; want pid 2", ev, ok)
	}
	if q.Len() != 2 {
		t.Fatalf("Len() = %d; want 2", q.Len())
	}

	if _, ok := q.TakeMatching(func(ev Event) bool { return ev.Kind == KindExec }); ok {
		t.Fatalf("TakeMatching() found a KindExec event that was never pushed")
	}
}

func TestQueueHasPendingAndTakeAllFor(t *testing.T) {
	q := NewQueue()
	q.Push(Event{Kind: KindSignal, Pid: 7})
	q.Push(Event{Kind: KindBreakpoint, Pid: 7})
	q.Push(Event{Kind: KindSignal, Pid: 9})

	if !q.HasPending(7) {
		t.Fatalf("HasPending(7) = false; want true")
	}
	if q.HasPending(42) {
		t.Fatalf("HasPending(42) = true; want false")
	}

	got := q.TakeAllFor(7)
	if len(got) != 2 {
		t.Fatalf("TakeAllFor(7) returned %d events; want 2", len(got))
	}
	if q.HasPending(7) {
		t.Fatalf("HasPending(7) = true after TakeAllFor; want false")
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d; want 1 (only pid 9 left)", q.Len())
	}
}
