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

package plt

import "testing"

func TestNewUnresolvedInitializesResolvedValueToEntry(t *testing.T) {
	sym := NewUnresolved("puts", 0x401000, 0x600100)
	if sym.Kind != Unresolved {
		t.Fatalf("Kind = %v; want Unresolved", sym.Kind)
	}
	if sym.ResolvedValue != sym.PLTEntryAddr {
		t.Fatalf("ResolvedValue = %#x; want PLTEntryAddr %#x", sym.ResolvedValue, sym.PLTEntryAddr)
	}
}

func TestNewStubNeverTransitions(t *testing.T) {
	sym := NewStub("puts", 0x401080)
	if sym.Kind != Stub {
		t.Fatalf("Kind = %v; want Stub", sym.Kind)
	}
	if sym.PLTEntryAddr != 0x401080 {
		t.Fatalf("PLTEntryAddr = %#x; want 0x401080", sym.PLTEntryAddr)
	}
}

func TestStateString(t *testing.T) {
	for _, tc := range []struct {
		s    State
		want string
	}{
		{Stub, "stub"},
		{Unresolved, "unresolved"},
		{Resolved, "resolved"},
		{State(99), "unknown"},
	} {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q; want %q", tc.s, got, tc.want)
		}
	}
}

func TestEncodeDecodeWordRoundTrip(t *testing.T) {
	for _, v := range []uintptr{0, 1, 0x401000, 0x7fffffffffff} {
		b := encodeWord(v, 8)
		if got := decodeWord(b); got != v {
			t.Errorf("decodeWord(encodeWord(%#x)) = %#x; want %#x", v, got, v)
		}
	}
}
