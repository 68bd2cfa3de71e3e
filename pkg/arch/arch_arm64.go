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

import (
	"encoding/binary"

	"github.com/corvidtrace/ltrace/pkg/ptrace"
)

func init() {
	Host = &arm64Adapter{}
	Register(Host)
}

// arm64Adapter implements Adapter for AArch64. Like amd64, hardware
// single-step is always available, via the single-step debug bit in
// Pstate rather than a dedicated ptrace request, but x/sys/unix's
// PtraceSingleStep already hides that distinction.
type arm64Adapter struct{}

func (*arm64Adapter) Name() string { return "arm64" }

func (*arm64Adapter) GetIP(pid int32) (uintptr, error) {
	regs, err := readRegs(pid)
	if err != nil {
		return 0, err
	}
	return uintptr(regs.Pc), nil
}

func (*arm64Adapter) SetIP(pid int32, addr uintptr) error {
	regs, err := readRegs(pid)
	if err != nil {
		return err
	}
	regs.Pc = uint64(addr)
	return ptrace.WriteRegs(pid, &regs)
}

// trapInstruction is BRK #0, the AArch64 software breakpoint
// instruction, little-endian encoded.
var trapInstruction = func() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, 0xd4200000)
	return b
}()

func (*arm64Adapter) TrapInstructionBytes() []byte {
	b := make([]byte, len(trapInstruction))
	copy(b, trapInstruction)
	return b
}

// TrapOffset is 0 on arm64: BRK traps with the PC still pointing at the
// trapping instruction, unlike amd64's INT3.
func (*arm64Adapter) TrapOffset() uintptr { return 0 }

func (*arm64Adapter) SWSingleStep(pid int32, bpAddr uintptr, add AddTransientBreakpoint) (SingleStepResult, error) {
	return HW, nil
}

func (*arm64Adapter) PLTSymVal(pltStubVMA uintptr, stubSize uintptr, ndx uint32) uintptr {
	return pltStubVMA + stubSize*uintptr(ndx)
}

func (*arm64Adapter) WordSize() int { return 8 }

func (*arm64Adapter) TranslateAddress(pid int32, addr uintptr) (uintptr, error) {
	return addr, nil
}
