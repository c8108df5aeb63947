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

package descriptor

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Memory reads and writes descriptor tables. Addresses are linear; accesses
// are implicitly supervisor accesses to system structures.
type Memory interface {
	ReadSystem(addr uint64, dst []byte) error
	WriteSystem(addr uint64, src []byte) error
}

// Table is a descriptor table register.
type Table struct {
	Base  uint64
	Limit uint32

	// Loaded is false for an LDTR holding a null selector.
	Loaded bool
}

// Tables are the tables a selector may reference.
type Tables struct {
	GDT Table
	LDT Table
}

// FetchReason classifies a fetch failure.
type FetchReason int

const (
	// OutOfBounds means the selector's entry lies beyond the table limit.
	OutOfBounds FetchReason = iota

	// LDTNotLoaded means the selector references an unusable LDT.
	LDTNotLoaded

	// MemoryFault means the table itself could not be read.
	MemoryFault
)

// FetchError is returned by Fetch.
type FetchError struct {
	Selector Selector
	Reason   FetchReason

	// Err is the memory error for MemoryFault.
	Err error
}

// Error implements error.Error.
func (e *FetchError) Error() string {
	switch e.Reason {
	case OutOfBounds:
		return fmt.Sprintf("selector %v beyond table limit", e.Selector)
	case LDTNotLoaded:
		return fmt.Sprintf("selector %v references unloaded ldt", e.Selector)
	default:
		return fmt.Sprintf("reading descriptor for %v: %v", e.Selector, e.Err)
	}
}

// Unwrap returns the memory error, if any.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsFetchError reports whether err is a bounds or LDT failure, as opposed to
// a memory fault that must be forwarded.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Reason != MemoryFault
}

// table returns the table referenced by sel.
func (t *Tables) table(sel Selector) (Table, error) {
	if !sel.Local() {
		return t.GDT, nil
	}
	if !t.LDT.Loaded {
		return Table{}, &FetchError{Selector: sel, Reason: LDTNotLoaded}
	}
	return t.LDT, nil
}

// entryAddr validates that size bytes at sel lie within the table and
// returns their address.
func (t *Tables) entryAddr(sel Selector, size uint32) (uint64, error) {
	tbl, err := t.table(sel)
	if err != nil {
		return 0, err
	}
	off := uint32(sel & SelectorIndex)
	if off+size-1 > tbl.Limit {
		return 0, &FetchError{Selector: sel, Reason: OutOfBounds}
	}
	return tbl.Base + uint64(off), nil
}

// FetchRaw reads the table entry for sel. In long mode a system descriptor
// is 16 bytes and the second quadword is read as well, subject to its own
// bounds check.
func FetchRaw(mem Memory, t *Tables, sel Selector, long bool) (Raw, error) {
	addr, err := t.entryAddr(sel, 8)
	if err != nil {
		return Raw{}, err
	}
	var buf [8]byte
	if err := mem.ReadSystem(addr, buf[:]); err != nil {
		return Raw{}, &FetchError{Selector: sel, Reason: MemoryFault, Err: err}
	}
	raw := Raw{Lo: binary.LittleEndian.Uint64(buf[:])}
	if long && raw.Attributes().System() {
		if _, err := t.entryAddr(sel, 16); err != nil {
			return Raw{}, err
		}
		if err := mem.ReadSystem(addr+8, buf[:]); err != nil {
			return Raw{}, &FetchError{Selector: sel, Reason: MemoryFault, Err: err}
		}
		raw.Hi = binary.LittleEndian.Uint64(buf[:])
	}
	return raw, nil
}

// Fetch reads and decodes the descriptor for sel. The null selector is not
// special-cased; callers apply their own null-selector rules first.
func Fetch(mem Memory, t *Tables, sel Selector, long bool) (Descriptor, error) {
	raw, err := FetchRaw(mem, t, sel, long)
	if err != nil {
		return nil, err
	}
	return Decode(raw, long), nil
}

// typeByte returns the address of the access-rights byte of sel.
func (t *Tables) typeByte(mem Memory, sel Selector) (uint64, byte, error) {
	addr, err := t.entryAddr(sel, 8)
	if err != nil {
		return 0, 0, err
	}
	addr += 5
	var b [1]byte
	if err := mem.ReadSystem(addr, b[:]); err != nil {
		return 0, 0, &FetchError{Selector: sel, Reason: MemoryFault, Err: err}
	}
	return addr, b[0], nil
}

// MarkAccessed sets the accessed bit of a code or data descriptor in table
// memory. It is idempotent and does not write if the bit is already set.
func MarkAccessed(mem Memory, t *Tables, sel Selector) error {
	addr, b, err := t.typeByte(mem, sel)
	if err != nil {
		return err
	}
	if b&TypeAccessed != 0 {
		return nil
	}
	b |= TypeAccessed
	if err := mem.WriteSystem(addr, []byte{b}); err != nil {
		return &FetchError{Selector: sel, Reason: MemoryFault, Err: err}
	}
	return nil
}

// SetBusy sets or clears the busy bit of the TSS descriptor for sel.
func SetBusy(mem Memory, t *Tables, sel Selector, busy bool) error {
	addr, b, err := t.typeByte(mem, sel)
	if err != nil {
		return err
	}
	if busy {
		b |= SysTSSBusyBit
	} else {
		b &^= SysTSSBusyBit
	}
	if err := mem.WriteSystem(addr, []byte{b}); err != nil {
		return &FetchError{Selector: sel, Reason: MemoryFault, Err: err}
	}
	return nil
}
