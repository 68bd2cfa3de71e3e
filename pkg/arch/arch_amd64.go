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

import (
	"github.com/corvidtrace/ltrace/pkg/ptrace"
)

func init() {
	Host = &amd64Adapter{}
	Register(Host)
}

// amd64Adapter implements Adapter for x86-64. Hardware single-step is
// always available on this ISA, so SWSingleStep never installs transient
// breakpoints; it exists solely to satisfy the Adapter interface.
type amd64Adapter struct{}

func (*amd64Adapter) Name() string { return "amd64" }

func (*amd64Adapter) GetIP(pid int32) (uintptr, error) {
	regs, err := readRegs(pid)
	if err != nil {
		return 0, err
	}
	return uintptr(regs.Rip), nil
}

func (*amd64Adapter) SetIP(pid int32, addr uintptr) error {
	regs, err := readRegs(pid)
	if err != nil {
		return err
	}
	regs.Rip = uint64(addr)
	return ptrace.WriteRegs(pid, &regs)
}

// trapByte is the one-byte INT3 instruction.
var trapByte = []byte{0xCC}

func (*amd64Adapter) TrapInstructionBytes() []byte {
	b := make([]byte, len(trapByte))
	copy(b, trapByte)
	return b
}

// TrapOffset is 1: the kernel reports the stop with IP already past the
// single-byte INT3, at address+1.
func (*amd64Adapter) TrapOffset() uintptr { return 1 }

func (*amd64Adapter) SWSingleStep(pid int32, bpAddr uintptr, add AddTransientBreakpoint) (SingleStepResult, error) {
	return HW, nil
}

func (*amd64Adapter) PLTSymVal(pltStubVMA uintptr, stubSize uintptr, ndx uint32) uintptr {
	return pltStubVMA + stubSize*uintptr(ndx)
}

func (*amd64Adapter) WordSize() int { return 8 }

func (*amd64Adapter) TranslateAddress(pid int32, addr uintptr) (uintptr, error) {
	return addr, nil
}
