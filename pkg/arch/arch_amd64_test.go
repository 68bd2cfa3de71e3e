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

//go:build amd64
// +build amd64

package arch

import "testing"

func TestAmd64TrapInstructionBytes(t *testing.T) {
	a := &amd64Adapter{}
	got := a.TrapInstructionBytes()
	want := []byte{0xCC}
	if len(got) != len(want) || got[0] != want[0] {
		t.Fatalf("TrapInstructionBytes() = %v; want %v", got, want)
	}

	// The returned slice must be a copy: mutating it must not corrupt the
	// adapter's own trap template for the next caller.
	got[0] = 0x00
	if again := a.TrapInstructionBytes(); again[0] != 0xCC {
		t.Fatalf("TrapInstructionBytes() returned an aliased slice; second call = %v", again)
	}
}

func TestAmd64TrapOffset(t *testing.T) {
	if got := (&amd64Adapter{}).TrapOffset(); got != 1 {
		t.Fatalf("TrapOffset() = %d; want 1", got)
	}
}

func TestAmd64PLTSymVal(t *testing.T) {
	a := &amd64Adapter{}
	for _, tc := range []struct {
		vma, size uintptr
		ndx       uint32
		want      uintptr
	}{
		{0x401000, 16, 0, 0x401000},
		{0x401000, 16, 3, 0x401030},
	} {
		if got := a.PLTSymVal(tc.vma, tc.size, tc.ndx); got != tc.want {
			t.Errorf("PLTSymVal(%#x, %d, %d) = %#x; want %#x", tc.vma, tc.size, tc.ndx, got, tc.want)
		}
	}
}

func TestAmd64SWSingleStepAlwaysHW(t *testing.T) {
	a := &amd64Adapter{}
	result, err := a.SWSingleStep(0, 0, func(uintptr) error { return nil })
	if err != nil {
		t.Fatalf("SWSingleStep() error = %v", err)
	}
	if result != HW {
		t.Fatalf("SWSingleStep() = %v; want HW", result)
	}
}
