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

package guestmem

// MSRs is a model-specific register file. Absent registers read as zero.
type MSRs map[uint32]uint64

// ReadMSR returns the value of MSR idx.
func (m MSRs) ReadMSR(idx uint32) (uint64, error) {
	return m[idx], nil
}

// WriteMSR sets MSR idx.
func (m MSRs) WriteMSR(idx uint32, v uint64) error {
	m[idx] = v
	return nil
}

// APIC holds a local interrupt controller's task-priority register.
type APIC struct {
	tpr uint8
}

// TPR returns the task priority.
func (a *APIC) TPR() uint8 {
	return a.tpr
}

// SetTPR sets the task priority.
func (a *APIC) SetTPR(v uint8) {
	a.tpr = v
}
