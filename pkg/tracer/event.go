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

import "golang.org/x/sys/unix"

// Kind tags an Event with which of the data model's event variants it
// carries.
type Kind int

const (
	KindNone Kind = iota
	KindSignal
	KindBreakpoint
	KindSyscallEntry
	KindSyscallReturn
	KindExec
	KindFork
	KindVfork
	KindExit
	KindExitSignal
	KindNew
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindSignal:
		return "signal"
	case KindBreakpoint:
		return "breakpoint"
	case KindSyscallEntry:
		return "syscall-entry"
	case KindSyscallReturn:
		return "syscall-return"
	case KindExec:
		return "exec"
	case KindFork:
		return "fork"
	case KindVfork:
		return "vfork"
	case KindExit:
		return "exit"
	case KindExitSignal:
		return "exit-signal"
	case KindNew:
		return "new"
	default:
		return "unknown"
	}
}

// Event is a single item the main loop routes, either fresh off the OS
// wait primitive or replayed out of the queue.
type Event struct {
	Kind Kind
	Pid  int32

	Signal   unix.Signal // KindSignal
	Addr     uintptr     // KindVfork: the parent's IP at the vfork stop (breakpoint hits use Process.SavedIP)
	Syscall  uintptr     // KindSyscallEntry / KindSyscallReturn
	ChildPid int32       // KindFork / KindVfork / KindNew
	ExitCode int         // KindExit
}

// Queue is the FIFO of pending events. Events placed
// here by the stopping coordinator's sink/queue policy are replayed
// in order once the episode that queued them ends; nothing queued is
// ever dropped, and nothing is delivered out of order for the same pid.
type Queue struct {
	items []Event
}

// NewQueue returns an empty event queue.
func NewQueue() *Queue { return &Queue{} }

// Push appends ev to the back of the queue.
func (q *Queue) Push(ev Event) {
	q.items = append(q.items, ev)
}

// Len reports how many events are currently queued.
func (q *Queue) Len() int { return len(q.items) }

// PopFront removes and returns the oldest queued event.
func (q *Queue) PopFront() (Event, bool) {
	if len(q.items) == 0 {
		return Event{}, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev, true
}

// TakeMatching is each_queued_event(predicate): it scans the queue for
// the first event matching pred, removes it, and returns it.
func (q *Queue) TakeMatching(pred func(Event) bool) (Event, bool) {
	for i, ev := range q.items {
		if pred(ev) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return ev, true
		}
	}
	return Event{}, false
}

// HasPending reports whether any event for pid currently sits in the
// queue. continue_process consults this: a pid with pending queued
// events must not be resumed, because those events are snapshots of its
// current stop that have not been drained yet.
func (q *Queue) HasPending(pid int32) bool {
	for _, ev := range q.items {
		if ev.Pid == pid {
			return true
		}
	}
	return false
}

// TakeAllFor removes and returns every currently-queued event for pid, in
// order. Used by the exiting handler to drain queued breakpoint events
// before detaching.
func (q *Queue) TakeAllFor(pid int32) []Event {
	var out []Event
	kept := q.items[:0]
	for _, ev := range q.items {
		if ev.Pid == pid {
			out = append(out, ev)
		} else {
			kept = append(kept, ev)
		}
	}
	q.items = kept
	return out
}
