// Copyright 2026 The gVisor Authors.
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

package scenario

import (
	"golang.org/x/arch/x86/x86asm"
	"gvisor.dev/x86core/pkg/cpu"
	"gvisor.dev/x86core/pkg/log"
)

// Disassemble decodes the instruction at the start of code in the given
// mode (16, 32 or 64 bits), returning it in GNU syntax and its length.
func Disassemble(code []byte, bits int, pc uint64) (string, int, error) {
	inst, err := x86asm.Decode(code, bits)
	if err != nil {
		return "", 0, err
	}
	return x86asm.GNUSyntax(inst, pc, nil), inst.Len, nil
}

// CodeBits returns the default operand size of the code c is executing,
// in bits.
func CodeBits(c *cpu.State) int {
	switch {
	case c.Is64():
		return 64
	case c.Protected() && c.Segs[cpu.CS].Attr.Big():
		return 32
	default:
		return 16
	}
}

// decode traces the instruction bytes of step i, if any, and takes the
// instruction length from them when the step does not give one.
func (v *vcpu) decode(i int, s *compiled) {
	if len(s.code) == 0 {
		return
	}
	text, n, err := Disassemble(s.code, CodeBits(v.state), v.state.RIP)
	if err != nil {
		log.Warningf("%v: step %d: cannot decode %x: %v", log.VCPU(v.id), i, s.code, err)
		return
	}
	if s.Len == 0 {
		s.Len = uint8(n)
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("%v: step %d: %#x: %s", log.VCPU(v.id), i, v.state.RIP, text)
	}
}
