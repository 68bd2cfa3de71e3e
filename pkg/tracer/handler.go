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

// Handler is the per-thread-group-leader event handler described in the
// design notes: a variant over {Stopping, Vfork, Exiting}, expressed here
// as an interface rather than a C-style function-pointer table or tagged
// union, since Go has no sum types. A leader's handler slot is a
// single-item stack, replaced atomically: installing a new handler always
// fully replaces whatever was there.
type Handler interface {
	// OnEvent processes ev. Returning (ev, true) routes ev on to default
	// processing; returning (Event{}, false) sinks it — the handler has
	// fully consumed it and no further action should be taken.
	OnEvent(t *Tracer, ev Event) (Event, bool)

	// OnDestroy runs once, when this handler is replaced or uninstalled,
	// releasing whatever per-episode state (pid-set rows, transient
	// breakpoints) the handler owns. A leader removed from the directory
	// on exit does not have OnDestroy called.
	OnDestroy(t *Tracer)
}

// installHandler replaces leader's handler, destroying whatever was
// there first.
func installHandler(t *Tracer, leader *Process, h Handler) {
	if leader.Handler != nil {
		leader.Handler.OnDestroy(t)
	}
	leader.Handler = h
}

// uninstallHandler destroys and clears leader's handler, if any.
func uninstallHandler(t *Tracer, leader *Process) {
	if leader.Handler == nil {
		return
	}
	leader.Handler.OnDestroy(t)
	leader.Handler = nil
}
