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

//go:build arm64
// +build arm64

package arch

import "testing"

func TestArm64TrapInstructionBytes(t *testing.T) {
	a := &arm64Adapter{}
	got := a.TrapInstructionBytes()
	want := []byte{0x00, 0x00, 0x20, 0xd4} // BRK #0, little-endian
	if len(got) != len(want) {
		t.Fatalf("TrapInstructionBytes() = %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("TrapInstructionBytes() = %v; want %v", got, want)
		}
	}
}

func TestArm64TrapOffset(t *testing.T) {
	// Unlike amd64's INT3, BRK does not advance the PC past itself.
	if got := (&arm64Adapter{}).TrapOffset(); got != 0 {
		t.Fatalf("TrapOffset() = %d; want 0", got)
	}
}

func TestArm64PLTSymVal(t *testing.T) {
	a := &arm64Adapter{}
	if got := a.PLTSymVal(0x500000, 32, 2); got != 0x500040 {
		t.Fatalf("PLTSymVal(0x500000, 32, 2) = %#x; want 0x500040", got)
	}
}
