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

package cpu

import "fmt"

// AccessType tags a guest memory access.
type AccessType int

// Access types.
const (
	AccessData AccessType = iota
	AccessStack
	AccessCode

	// AccessSystem is an implicit supervisor access to a descriptor table
	// or TSS. It ignores page write protection.
	AccessSystem
)

// String implements fmt.Stringer.
func (a AccessType) String() string {
	switch a {
	case AccessData:
		return "data"
	case AccessStack:
		return "stack"
	case AccessCode:
		return "code"
	case AccessSystem:
		return "system"
	default:
		return fmt.Sprintf("access%d", int(a))
	}
}
