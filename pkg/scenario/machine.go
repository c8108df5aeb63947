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
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/mohae/deepcopy"
	"gvisor.dev/x86core/pkg/config"
	"gvisor.dev/x86core/pkg/cpu"
	"gvisor.dev/x86core/pkg/descriptor"
	"gvisor.dev/x86core/pkg/guestmem"
	"gvisor.dev/x86core/pkg/intercept"
	"gvisor.dev/x86core/pkg/interp"
	"gvisor.dev/x86core/pkg/x86"
)

// machine is the state shared by the vCPUs of a scenario.
type machine struct {
	mem      *guestmem.Memory
	gate     *intercept.Config
	features *cpu.Features
	msrs     guestmem.MSRs
}

func (r *Region) contents() ([]byte, error) {
	var b []byte
	for _, q := range r.Quads {
		b = binary.LittleEndian.AppendUint64(b, q)
	}
	for _, d := range r.Dwords {
		b = binary.LittleEndian.AppendUint32(b, d)
	}
	if r.Bytes != "" {
		raw, err := hex.DecodeString(strings.Join(strings.Fields(r.Bytes), ""))
		if err != nil {
			return nil, fmt.Errorf("bytes: %w", err)
		}
		b = append(b, raw...)
	}
	return b, nil
}

var entryFlags = map[string]bool{
	"accessed":     true,
	"busy":         true,
	"conforming":   true,
	"db":           true,
	"execute-only": true,
	"expand-down":  true,
	"long":         true,
	"not-present":  true,
	"read-only":    true,
	"wide":         true,
}

// encode returns the quadwords of the descriptor: one, or two for a wide
// entry.
func (e *Entry) encode() ([]uint64, error) {
	flags := make(map[string]bool)
	for _, f := range e.Flags {
		if !entryFlags[f] {
			return nil, fmt.Errorf("selector %#x: unknown flag %q", e.Selector, f)
		}
		flags[f] = true
	}
	var attr descriptor.Flags
	if flags["db"] {
		attr |= descriptor.AttrDB
	}
	if flags["long"] {
		attr |= descriptor.AttrL
	}
	var typ uint8
	if flags["accessed"] {
		typ |= descriptor.TypeAccessed
	}
	base := uint32(e.Base)
	hi := e.Base >> 32

	var lo uint64
	switch e.Kind {
	case "code":
		typ |= descriptor.TypeCode | descriptor.TypeRead
		if flags["execute-only"] {
			typ &^= descriptor.TypeRead
		}
		if flags["conforming"] {
			typ |= descriptor.TypeConforming
		}
		lo = descriptor.EncodeSegment(base, e.Limit, typ, e.DPL, attr)
	case "data":
		typ |= descriptor.TypeWrite
		if flags["read-only"] {
			typ &^= descriptor.TypeWrite
		}
		if flags["expand-down"] {
			typ |= descriptor.TypeExpandDown
		}
		lo = descriptor.EncodeSegment(base, e.Limit, typ, e.DPL, attr)
	case "ldt":
		lo = descriptor.EncodeSystem(base, e.Limit, descriptor.SysLDT, e.DPL)
	case "tss", "tss16":
		typ = descriptor.SysTSS32Avail
		if e.Kind == "tss16" {
			typ = descriptor.SysTSS16Avail
		}
		if flags["busy"] {
			typ |= descriptor.SysTSSBusyBit
		}
		lo = descriptor.EncodeSystem(base, e.Limit, typ, e.DPL)
	case "call-gate", "call-gate16", "interrupt-gate", "trap-gate":
		typ = gateTypes[e.Kind]
		lo = descriptor.EncodeCallGate(descriptor.Selector(e.Target), e.Offset, typ, e.DPL, e.Params)
		hi = e.Offset >> 32
	case "task-gate":
		lo = descriptor.EncodeTaskGate(descriptor.Selector(e.Target), e.DPL)
	case "raw":
		if len(e.Raw) == 0 || len(e.Raw) > 2 {
			return nil, fmt.Errorf("selector %#x: raw entry needs one or two quadwords", e.Selector)
		}
		return e.Raw, nil
	default:
		return nil, fmt.Errorf("selector %#x: unknown kind %q", e.Selector, e.Kind)
	}
	if flags["not-present"] {
		lo = descriptor.EncodeNotPresent(lo)
	}
	if flags["wide"] {
		return []uint64{lo, hi}, nil
	}
	return []uint64{lo}, nil
}

// Decoded is a table entry as the processor sees it.
type Decoded struct {
	Selector   descriptor.Selector
	Raw        descriptor.Raw
	Descriptor descriptor.Descriptor
}

// Decode encodes the entries of t and decodes them again. long selects the
// 16-byte system descriptor layout.
func (t *Table) Decode(long bool) ([]Decoded, error) {
	out := make([]Decoded, 0, len(t.Entries))
	for _, e := range t.Entries {
		qs, err := e.encode()
		if err != nil {
			return nil, err
		}
		raw := descriptor.Raw{Lo: qs[0]}
		if len(qs) > 1 {
			raw.Hi = qs[1]
		}
		out = append(out, Decoded{
			Selector:   descriptor.Selector(e.Selector),
			Raw:        raw,
			Descriptor: descriptor.Decode(raw, long),
		})
	}
	return out, nil
}

var gateTypes = map[string]uint8{
	"call-gate":      descriptor.SysCallGate32,
	"call-gate16":    descriptor.SysCallGate16,
	"interrupt-gate": descriptor.SysIntGate32,
	"trap-gate":      descriptor.SysTrapGate32,
}

// tssFormat gives the offsets of the fields of a TSS image. Zero offsets
// other than link are absent from the format.
type tssFormat struct {
	size   int
	sp     int
	ss     int
	stride int
	spSize int
	cr3    int
	ip     int
	flags  int
	regs   int
	segs   int
	nsegs  int
	ldt    int
	trap   int
	field  int
	iomap  int
}

var tssFormats = map[int]*tssFormat{
	16: {size: 0x2c, sp: 2, ss: 4, stride: 4, spSize: 2, ip: 0x0e, flags: 0x10, regs: 0x12, segs: 0x22, nsegs: 4, ldt: 0x2a, field: 2},
	32: {size: 0x68, sp: 4, ss: 8, stride: 8, spSize: 4, cr3: 0x1c, ip: 0x20, flags: 0x24, regs: 0x28, segs: 0x48, nsegs: 6, ldt: 0x60, trap: 0x64, field: 4, iomap: 0x66},
	64: {size: 0x68, sp: 4, stride: 8, spSize: 8, iomap: 0x66},
}

// image lays out the TSS.
func (t *TSS) image() ([]byte, error) {
	format := t.Format
	if format == 0 {
		format = 32
	}
	f, ok := tssFormats[format]
	if !ok {
		return nil, fmt.Errorf("unknown format %d", t.Format)
	}
	b := make([]byte, f.size)
	put := func(off int, v uint64, n int) {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], v)
		copy(b[off:off+n], buf[:n])
	}
	absent := func(set bool, off int, what string) error {
		if set && off == 0 {
			return fmt.Errorf("a %d-bit tss has no %s", format, what)
		}
		return nil
	}

	if len(t.Stacks) > 3 {
		return nil, fmt.Errorf("%d stacks, want at most 3", len(t.Stacks))
	}
	for i, st := range t.Stacks {
		put(f.sp+i*f.stride, st.SP, f.spSize)
		if err := absent(st.SS != 0, f.ss, "stack selectors"); err != nil {
			return nil, err
		}
		if f.ss != 0 {
			put(f.ss+i*f.stride, uint64(st.SS), 2)
		}
	}
	if format == 64 {
		if t.Link != 0 || t.RIP != 0 || t.RFLAGS != 0 || len(t.Regs) != 0 || len(t.Segs) != 0 || t.LDT != 0 || t.Trap || t.CR3 != 0 {
			return nil, fmt.Errorf("a 64-bit tss holds only stacks")
		}
	} else {
		put(0, uint64(t.Link), 2)
		put(f.ip, t.RIP, f.field)
		put(f.flags, t.RFLAGS, f.field)
		put(f.ldt, uint64(t.LDT), 2)
	}
	if err := absent(t.CR3 != 0, f.cr3, "cr3"); err != nil {
		return nil, err
	}
	if f.cr3 != 0 {
		put(f.cr3, t.CR3, 4)
	}
	if err := absent(t.Trap, f.trap, "trap bit"); err != nil {
		return nil, err
	}
	if t.Trap {
		put(f.trap, 1, 2)
	}
	for name, v := range t.Regs {
		r, err := parseGPR(name)
		if err != nil {
			return nil, err
		}
		if r > cpu.RDI {
			return nil, fmt.Errorf("%v is not saved in a tss", r)
		}
		put(f.regs+int(r)*f.field, v, f.field)
	}
	for name, sel := range t.Segs {
		r, err := parseSegReg(name)
		if err != nil {
			return nil, err
		}
		if int(r) >= f.nsegs {
			return nil, fmt.Errorf("%v is not saved in a %d-bit tss", r, format)
		}
		put(f.segs+int(r)*f.field, uint64(sel), 2)
	}
	if f.iomap != 0 {
		put(f.iomap, uint64(f.size), 2)
	}
	return b, nil
}

var msrNames = map[string]uint32{
	"sysenter_cs":    x86.MSR_SYSENTER_CS,
	"sysenter_esp":   x86.MSR_SYSENTER_ESP,
	"sysenter_eip":   x86.MSR_SYSENTER_EIP,
	"star":           x86.MSR_STAR,
	"lstar":          x86.MSR_LSTAR,
	"cstar":          x86.MSR_CSTAR,
	"sfmask":         x86.MSR_SFMASK,
	"fs_base":        x86.MSR_FS_BASE,
	"gs_base":        x86.MSR_GS_BASE,
	"kernel_gs_base": x86.MSR_KERNEL_GS_BASE,
}

func parseMSR(s string) (uint32, error) {
	if idx, ok := msrNames[s]; ok {
		return idx, nil
	}
	idx, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("unknown msr %q", s)
	}
	return uint32(idx), nil
}

func parseGPR(s string) (cpu.GPR, error) {
	return cpu.ParseGPR(strings.ToLower(s))
}

func parseSegReg(s string) (cpu.SegReg, error) {
	return cpu.ParseSegReg(strings.ToLower(s))
}

// build lays out guest memory and the shared collaborators.
func (s *Scenario) build() (*machine, error) {
	p := s.CPU
	if p == nil {
		p = config.Default()
	}
	f, err := p.CPU()
	if err != nil {
		return nil, err
	}
	m := &machine{
		mem:      guestmem.NewMemory(),
		gate:     &intercept.Config{},
		features: f,
		msrs:     guestmem.MSRs{},
	}
	for _, spec := range s.Intercepts {
		if err := m.gate.Enable(spec); err != nil {
			return nil, err
		}
	}
	for name, v := range s.MSRs {
		idx, err := parseMSR(name)
		if err != nil {
			return nil, err
		}
		m.msrs[idx] = v
	}

	var readOnly []Region
	for _, r := range s.Memory {
		if r.Size != 0 {
			m.mem.Map(r.Addr, r.Size)
		}
		b, err := r.contents()
		if err != nil {
			return nil, err
		}
		if len(b) != 0 {
			m.mem.Store(r.Addr, b)
		}
		if r.ReadOnly {
			readOnly = append(readOnly, r)
		}
	}
	for _, t := range append([]Table{s.GDT}, s.LDTs...) {
		for _, e := range t.Entries {
			qs, err := e.encode()
			if err != nil {
				return nil, err
			}
			addr := t.Base + uint64(descriptor.Selector(e.Selector)&descriptor.SelectorIndex)
			var b []byte
			for _, q := range qs {
				b = binary.LittleEndian.AppendUint64(b, q)
			}
			m.mem.Store(addr, b)
		}
	}
	for i := range s.TSSs {
		b, err := s.TSSs[i].image()
		if err != nil {
			return nil, fmt.Errorf("tss %#x: %w", s.TSSs[i].Base, err)
		}
		m.mem.Store(s.TSSs[i].Base, b)
	}

	// Protection and contention apply to the finished image.
	for _, r := range readOnly {
		size := r.Size
		if size == 0 {
			b, _ := r.contents()
			size = uint64(len(b))
		}
		m.mem.SetReadOnly(r.Addr, size, true)
	}
	for _, r := range s.Memory {
		if r.Busy != 0 {
			m.mem.SetBusy(r.Addr, r.Busy)
		}
	}
	return m, nil
}

var modes = map[string]func(c *cpu.State){
	"":          protectedMode,
	"protected": protectedMode,
	"real":      func(c *cpu.State) {},
	"v86": func(c *cpu.State) {
		c.CR0 = x86.CR0_PE | x86.CR0_ET
		c.RFLAGS |= x86.RFLAGS_VM
		c.CPL = 3
	},
	"long": func(c *cpu.State) {
		c.CR0 = x86.CR0_PE | x86.CR0_ET | x86.CR0_PG
		c.CR4 = x86.CR4_PAE
		c.EFER = x86.EFER_LME | x86.EFER_LMA | x86.EFER_SCE
	},
}

func protectedMode(c *cpu.State) {
	c.CR0 = x86.CR0_PE | x86.CR0_ET
}

// newState builds the initial state of a vCPU.
func (m *machine) newState(s *Scenario, st *State) (*cpu.State, error) {
	c := &cpu.State{}
	c.Reset()
	c.GDTR = cpu.DescriptorTable{Base: s.GDT.Base, Limit: uint16(s.GDT.Limit)}
	if st.IDT.Base != 0 || st.IDT.Limit != 0 {
		c.IDTR = cpu.DescriptorTable{Base: st.IDT.Base, Limit: uint16(st.IDT.Limit)}
	}
	modes[st.Mode](c)
	if st.CR0 != nil {
		c.CR0 = *st.CR0
	}
	if st.CR4 != nil {
		c.CR4 = *st.CR4
	}
	if st.EFER != nil {
		c.EFER = *st.EFER
	}
	c.CR3 = st.CR3
	for n, v := range st.DR {
		if n < 0 || n > 7 || n == 4 || n == 5 {
			return nil, fmt.Errorf("dr%d cannot be set", n)
		}
		c.DR[n] = v
	}
	if st.RIP != 0 {
		c.RIP = st.RIP
	}
	c.RFLAGS |= st.RFLAGS | x86.RFLAGS_Reserved
	for name, v := range st.Regs {
		r, err := parseGPR(name)
		if err != nil {
			return nil, err
		}
		c.Regs[r] = v
	}

	segs := make(map[cpu.SegReg]descriptor.Selector)
	for name, sel := range st.Segs {
		r, err := parseSegReg(name)
		if err != nil {
			return nil, err
		}
		segs[r] = descriptor.Selector(sel)
	}
	if !c.Protected() {
		v86 := c.Mode() == cpu.ModeV86
		for r := cpu.ES; r < cpu.NumSegRegs; r++ {
			if sel, ok := segs[r]; ok || v86 {
				c.Segs[r].SetReal(sel, v86)
			}
		}
		return c, nil
	}

	if err := m.loadSystem(c, &c.LDTR, descriptor.Selector(st.LDTR)); err != nil {
		return nil, fmt.Errorf("ldtr: %w", err)
	}
	if err := m.loadSystem(c, &c.TR, descriptor.Selector(st.TR)); err != nil {
		return nil, fmt.Errorf("tr: %w", err)
	}
	cs, ok := segs[cpu.CS]
	if !ok {
		return nil, fmt.Errorf("protected mode vcpu needs a cs selector")
	}
	for r := cpu.ES; r < cpu.NumSegRegs; r++ {
		sel, ok := segs[r]
		if !ok || sel.IsNull() {
			c.Segs[r].SetNull(sel)
			continue
		}
		d, err := descriptor.Fetch(m.mem, c.Tables(), sel, c.LongMode())
		if err != nil {
			return nil, fmt.Errorf("%v: %w", r, err)
		}
		seg, ok := d.(*descriptor.Segment)
		if !ok {
			return nil, fmt.Errorf("%v: %v is %v", r, sel, descriptor.Describe(d))
		}
		c.Segs[r] = cpu.Segment{
			Selector: sel,
			Base:     seg.Base,
			Limit:    seg.Limit,
			Attr:     seg.Attr() | descriptor.TypeAccessed,
		}
	}
	c.CPL = cs.RPL()
	return c, nil
}

// loadSystem loads an LDT or TSS descriptor into a hidden register. A
// null selector leaves the register unusable.
func (m *machine) loadSystem(c *cpu.State, reg *cpu.Segment, sel descriptor.Selector) error {
	if sel.IsNull() {
		reg.SetNull(sel)
		return nil
	}
	d, err := descriptor.Fetch(m.mem, c.Tables(), sel, c.LongMode())
	if err != nil {
		return err
	}
	sys, ok := d.(*descriptor.SystemSegment)
	if !ok {
		return fmt.Errorf("%v is %v", sel, descriptor.Describe(d))
	}
	*reg = cpu.Segment{Selector: sel, Base: sys.Base, Limit: sys.Limit, Attr: sys.Attr()}
	return nil
}

// vcpu is one running virtual CPU.
type vcpu struct {
	id     int
	name   string
	state  *cpu.State
	mem    *guestmem.Memory
	paging *guestmem.Paging
	engine *interp.Engine
	steps  []*compiled
}

// vcpus instantiates every vCPU of the scenario. Templates with a count
// are cloned so that replicas share no mutable state.
func (m *machine) vcpus(s *Scenario, metrics *interp.Metrics) ([]*vcpu, error) {
	var out []*vcpu
	for i := range s.VCPUs {
		for n := 0; n < s.VCPUs[i].instances(); n++ {
			tmpl := deepcopy.Copy(s.VCPUs[i]).(VCPU)
			name := tmpl.Name
			if name == "" {
				name = fmt.Sprintf("vcpu%d", len(out))
			}
			if tmpl.instances() > 1 {
				name = fmt.Sprintf("%s/%d", name, n)
			}
			c, err := m.newState(s, &tmpl.State)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			steps := make([]*compiled, len(tmpl.Steps))
			for j := range tmpl.Steps {
				if steps[j], err = compile(&tmpl.Steps[j]); err != nil {
					return nil, fmt.Errorf("%s step %d: %w", name, j, err)
				}
			}
			paging := guestmem.NewPaging(m.mem, m.features.PhysAddrBits)
			mach := interp.Machine{
				Memory:   m.mem,
				Paging:   paging,
				MSRs:     deepcopy.Copy(m.msrs).(guestmem.MSRs),
				APIC:     &guestmem.APIC{},
				Gate:     m.gate,
				Features: m.features,
				Metrics:  metrics,
			}
			if tmpl.State.VirtualTPR {
				mach.VirtualTPR = &guestmem.APIC{}
			}
			out = append(out, &vcpu{
				id:     len(out),
				name:   name,
				state:  c,
				mem:    m.mem,
				paging: paging,
				engine: interp.New(mach),
				steps:  steps,
			})
		}
	}
	return out, nil
}
