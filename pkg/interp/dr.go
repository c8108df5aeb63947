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

package interp

import (
	"gvisor.dev/x86core/pkg/cpu"
	"gvisor.dev/x86core/pkg/intercept"
	"gvisor.dev/x86core/pkg/x86"
)

// checkDR applies the checks shared by debug register reads and writes and
// returns the register actually accessed.
func checkDR(c *cpu.State, n int) (int, error) {
	if n < 0 || n > 7 {
		return 0, cpu.UD()
	}
	if c.CPL != 0 {
		return 0, cpu.GP0()
	}
	if n == 4 || n == 5 {
		if c.CR4&x86.CR4_DE != 0 {
			return 0, cpu.UD()
		}
		n += 2
	}
	if c.DR[7]&x86.DR7_GD != 0 {
		// General detect. The processor reports it in DR6 and clears
		// GD so that the handler can access the registers.
		c.DR[6] |= x86.DR6_BD
		c.DR[7] &^= x86.DR7_GD
		c.InvalidateBreakpoints()
		return 0, cpu.DB()
	}
	return n, nil
}

// WriteDR executes MOV to debug register n.
func (e *Engine) WriteDR(c *cpu.State, in Insn, n int, v uint64) cpu.Outcome {
	return e.run(c, OpWriteDR, in, func(t *txn) error {
		r, err := checkDR(c, n)
		if err != nil {
			return err
		}
		if !c.Is64() {
			v &= 0xffffffff
		}
		switch r {
		case 6:
			if v&x86.DR_HighMustBeZero != 0 {
				return cpu.GP0()
			}
			v = (v | x86.DR6_MustBeOne) &^ x86.DR6_MustBeZero
		case 7:
			if v&x86.DR_HighMustBeZero != 0 {
				return cpu.GP0()
			}
			v = (v | x86.DR7_MustBeOne) &^ x86.DR7_MustBeZero
		}
		t.interceptOn(intercept.Request{Kind: intercept.WriteDR, Index: r, Value: v, Old: c.DR[r]})
		t.then(func() {
			c.DR[r] = v
			if r == 7 {
				c.InvalidateBreakpoints()
			}
		})
		return nil
	})
}

// ReadDR executes MOV from debug register n into dst.
func (e *Engine) ReadDR(c *cpu.State, in Insn, n int, dst cpu.GPR) cpu.Outcome {
	return e.run(c, OpReadDR, in, func(t *txn) error {
		r, err := checkDR(c, n)
		if err != nil {
			return err
		}
		t.interceptOn(intercept.Request{Kind: intercept.ReadDR, Index: r})
		if c.Is64() {
			t.setGPR(dst, c.DR[r])
		} else {
			t.setGPRSized(dst, c.DR[r], 4)
		}
		return nil
	})
}
