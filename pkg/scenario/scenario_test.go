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
	"context"
	"encoding/binary"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/x86core/pkg/cpu"
	"gvisor.dev/x86core/pkg/descriptor"
	"gvisor.dev/x86core/pkg/interp"
	"gvisor.dev/x86core/pkg/metric"
)

func load(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := Load("testdata/" + name)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

func run(t *testing.T, s *Scenario, opts Options) *Report {
	t.Helper()
	r, err := Run(context.Background(), s, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return r
}

func TestCallGate(t *testing.T) {
	r := run(t, load(t, "callgate.yaml"), Options{})
	if err := r.Err(); err != nil {
		t.Fatal(err)
	}
	if len(r.Results) != 3 {
		t.Fatalf("got %d results, want 3", len(r.Results))
	}
	var ops []string
	for _, res := range r.Results {
		ops = append(ops, res.Op)
	}
	if diff := cmp.Diff([]string{"far_jmp", "far_call", "far_ret"}, ops); diff != "" {
		t.Errorf("ops mismatch (-want +got):\n%s", diff)
	}
	c := r.States["user"]
	if c == nil || c.CPL != 3 || c.RIP != 0x1007 {
		t.Errorf("final state %v, want cpl 3 at 0x1007", c)
	}
}

func TestFastCallReplicas(t *testing.T) {
	metrics, err := interp.NewMetrics(metric.NewRegistry())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	r := run(t, load(t, "fastcall.yaml"), Options{Metrics: metrics})
	if err := r.Err(); err != nil {
		t.Fatal(err)
	}
	var names []string
	for name := range r.States {
		names = append(names, name)
	}
	sort.Strings(names)
	if diff := cmp.Diff([]string{"user/0", "user/1"}, names); diff != "" {
		t.Errorf("vcpu names mismatch (-want +got):\n%s", diff)
	}
	if len(r.Results) != 10 {
		t.Errorf("got %d results, want 10", len(r.Results))
	}
	if r.Intercepts != 2 {
		t.Errorf("intercepts = %d, want 2", r.Intercepts)
	}
	for _, tc := range []struct {
		fields []string
		want   uint64
	}{
		{[]string{"syscall", "completed"}, 2},
		{[]string{"sysret", "completed"}, 2},
		{[]string{"swapgs", "deferred"}, 2},
		{[]string{"mov_to_dr", "faulted"}, 2},
	} {
		if got := metrics.Ops.Value(tc.fields...); got != tc.want {
			t.Errorf("ops%v = %d, want %d", tc.fields, got, tc.want)
		}
	}
	if got := metrics.Exits.Value("swapgs"); got != 2 {
		t.Errorf("swapgs exits = %d, want 2", got)
	}
}

const retryScenario = `
name: retry
memory:
  - {addr: 0x0, size: 0x20000}
  - {addr: 0x7ff0, dwords: [0x202]}
  - {addr: 0x7000, busy: %BUSY%}
retries: 2
gdt:
  base: 0x10000
  limit: 0xff
  entries:
    - {selector: 0x08, kind: code, limit: 0xffffffff, flags: [db]}
    - {selector: 0x10, kind: data, limit: 0xffffffff, flags: [db]}
vcpus:
  - state:
      regs: {rsp: 0x7ff0}
      segs: {cs: 0x08, ss: 0x10}
    steps:
      - op: popf
        len: 1
        expect:
          outcome: %OUTCOME%
`

func TestRetry(t *testing.T) {
	for _, tc := range []struct {
		name    string
		busy    string
		outcome string
		retries int
	}{
		{"recovers", "2", "completed", 2},
		{"exhausted", "10", "aborted", 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			src := strings.NewReplacer("%BUSY%", tc.busy, "%OUTCOME%", tc.outcome).Replace(retryScenario)
			s, err := Parse([]byte(src))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			r := run(t, s, Options{})
			if err := r.Err(); err != nil {
				t.Fatal(err)
			}
			res := r.Results[0]
			if res.Retries != tc.retries {
				t.Errorf("retries = %d, want %d", res.Retries, tc.retries)
			}
			if tc.outcome == "completed" {
				c := r.States["vcpu0"]
				if c.RFLAGS != 0x202 || c.Regs[cpu.RSP] != 0x7ff4 {
					t.Errorf("rflags %#x rsp %#x, want 0x202 0x7ff4", c.RFLAGS, c.Regs[cpu.RSP])
				}
			}
		})
	}
}

func TestExpectationMismatch(t *testing.T) {
	s := load(t, "callgate.yaml")
	s.VCPUs[0].Steps[0].Expect = Expect{}
	s.VCPUs[0].Steps = s.VCPUs[0].Steps[:1]
	r := run(t, s, Options{})
	failed := r.Failed()
	if len(failed) != 1 {
		t.Fatalf("got %d failures, want 1", len(failed))
	}
	if !strings.Contains(failed[0].Err.Error(), "want completed") {
		t.Errorf("failure %q does not name the expected outcome", failed[0].Err)
	}
	if err := r.Err(); err == nil || !strings.Contains(err.Error(), "1 of 1 steps failed") {
		t.Errorf("Err() = %v", err)
	}
}

func TestParseErrors(t *testing.T) {
	const base = `
name: bad
vcpus:
  - state: {segs: {cs: 0x08}}
    steps:
`
	for _, tc := range []struct {
		name string
		src  string
		want string
	}{
		{"unknown key", "name: x\nvcpu: []\n", "field vcpu not found"},
		{"no vcpus", "name: empty\n", "no vcpus"},
		{"unknown op", base + "      - op: hlt\n", "unknown op"},
		{"bad gpr", base + "      - {op: lar, gpr: eax}\n", "unknown register"},
		{"bad sreg", base + "      - {op: mov_sreg, sreg: ts}\n", "unknown segment register"},
		{"bad outcome", base + "      - {op: cli, expect: {outcome: ok}}\n", "unknown outcome"},
		{"bad vector", base + "      - {op: cli, expect: {fault: \"#XX\"}}\n", "unknown vector"},
		{"cr8 check", base + "      - {op: cli, expect: {cr: {8: 0}}}\n", "cr8 cannot be checked"},
		{"bad bytes", base + "      - {op: cli, bytes: zz}\n", "bytes"},
		{"bad mode", "vcpus:\n  - state: {mode: smm}\n", "unknown mode"},
		{"bad flag", "gdt: {entries: [{kind: code, flags: [fast]}]}\nvcpus: [{}]\n", "unknown flag"},
		{"bad kind", "gdt: {entries: [{kind: door}]}\nvcpus: [{}]\n", "unknown kind"},
		{"bad msr", "msrs: {tsc_aux: 1}\nvcpus: [{}]\n", "unknown msr"},
		{"bad intercept", "intercepts: [hlt]\nvcpus: [{}]\n", "unknown intercept"},
		{"bad tss", "tss: [{format: 16, cr3: 0x1000}]\nvcpus: [{}]\n", "no cr3"},
		{"bad cpu", "cpu: {vendor: via}\nvcpus: [{}]\n", "cpu"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.src))
			if err == nil {
				t.Fatalf("Parse succeeded, want error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Parse error %q does not contain %q", err, tc.want)
			}
		})
	}
}

func TestBuildErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		src  string
		want string
	}{
		{"no cs", "memory: [{addr: 0, size: 0x1000}]\nvcpus: [{}]\n", "needs a cs"},
		{"cs beyond gdt", "gdt: {limit: 0x7}\nvcpus: [{state: {segs: {cs: 0x08}}}]\n", "beyond table limit"},
		{"tr not a tss", `
memory: [{addr: 0, size: 0x1000}]
gdt: {limit: 0xff, entries: [{selector: 0x08, kind: code}]}
vcpus: [{state: {tr: 0x08, segs: {cs: 0x08}}}]
`, "tr:"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, err := Parse([]byte(tc.src))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if _, err := Run(context.Background(), s, Options{}); err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Run error %v, want one containing %q", err, tc.want)
			}
		})
	}
}

func TestEveryOpHasHandler(t *testing.T) {
	names := interp.OpNames()
	for _, name := range names {
		if _, ok := handlers[name]; !ok {
			t.Errorf("no handler for %q", name)
		}
	}
	if len(handlers) != len(names) {
		t.Errorf("%d handlers for %d ops", len(handlers), len(names))
	}
}

func TestEncodeEntry(t *testing.T) {
	for _, tc := range []struct {
		name  string
		entry Entry
		want  []uint64
	}{
		{
			"user code",
			Entry{Kind: "code", DPL: 3, Limit: 0xffffffff, Flags: []string{"db"}},
			[]uint64{descriptor.EncodeSegment(0, 0xffffffff, descriptor.TypeCode|descriptor.TypeRead, 3, descriptor.AttrDB)},
		},
		{
			"read-only expand-down data",
			Entry{Kind: "data", Limit: 0xfff, Flags: []string{"read-only", "expand-down", "accessed"}},
			[]uint64{descriptor.EncodeSegment(0, 0xfff, descriptor.TypeExpandDown|descriptor.TypeAccessed, 0, 0)},
		},
		{
			"not present conforming code",
			Entry{Kind: "code", Flags: []string{"conforming", "execute-only", "not-present"}},
			[]uint64{descriptor.EncodeNotPresent(descriptor.EncodeSegment(0, 0, descriptor.TypeCode|descriptor.TypeConforming, 0, 0))},
		},
		{
			"wide busy tss",
			Entry{Kind: "tss", Base: 0xffff800000001000, Limit: 0x67, Flags: []string{"busy", "wide"}},
			[]uint64{descriptor.EncodeSystem(0x1000, 0x67, descriptor.SysTSS64Busy, 0), 0xffff8000},
		},
		{
			"wide call gate",
			Entry{Kind: "call-gate", Target: 0x08, Offset: 0x123456789, DPL: 3, Flags: []string{"wide"}},
			[]uint64{descriptor.EncodeCallGate(0x08, 0x123456789, descriptor.SysCallGate64, 3, 0), 0x1},
		},
		{
			"task gate",
			Entry{Kind: "task-gate", Target: 0x38},
			[]uint64{descriptor.EncodeTaskGate(0x38, 0)},
		},
		{
			"raw",
			Entry{Kind: "raw", Raw: []uint64{0x1234, 0x5678}},
			[]uint64{0x1234, 0x5678},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.entry.encode()
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("encoding mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTableDecode(t *testing.T) {
	tbl := Table{Entries: []Entry{
		{Selector: 0x08, Kind: "code", Limit: 0xfffff, Flags: []string{"long"}},
		{Selector: 0x2b, Kind: "call-gate", Target: 0x08, Offset: 0xffffffff81000000, DPL: 3, Flags: []string{"wide"}},
	}}
	got, err := tbl.Decode(true)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	seg, ok := got[0].Descriptor.(*descriptor.Segment)
	if !ok || !seg.Attr().Long() || !seg.Attr().Code() {
		t.Errorf("entry 0x08 = %s, want a long code segment", descriptor.Describe(got[0].Descriptor))
	}
	g, ok := got[1].Descriptor.(*descriptor.CallGate)
	if !ok {
		t.Fatalf("entry 0x2b = %s, want a call gate", descriptor.Describe(got[1].Descriptor))
	}
	if g.Selector != 0x08 || g.Offset != 0xffffffff81000000 || g.DPL() != 3 || got[1].Selector != 0x2b {
		t.Errorf("gate = %s at %v", descriptor.Describe(g), got[1].Selector)
	}
	if _, err := (&Table{Entries: []Entry{{Kind: "bogus"}}}).Decode(false); err == nil {
		t.Errorf("Decode of an unknown kind succeeded")
	}
}

func TestTSSImage(t *testing.T) {
	tss := TSS{
		Link:   0x30,
		Stacks: []Stack{{SS: 0x10, SP: 0x8000}, {SS: 0x19, SP: 0x7000}},
		CR3:    0x5000,
		RIP:    0x2000,
		RFLAGS: 0x2,
		Regs:   map[string]uint64{"rsp": 0x9000, "rdi": 0x77},
		Segs:   map[string]uint16{"cs": 0x23, "gs": 0x2b},
		LDT:    0x60,
		Trap:   true,
	}
	b, err := tss.image()
	if err != nil {
		t.Fatalf("image: %v", err)
	}
	u16 := func(off int) uint64 { return uint64(binary.LittleEndian.Uint16(b[off:])) }
	u32 := func(off int) uint64 { return uint64(binary.LittleEndian.Uint32(b[off:])) }
	for _, tc := range []struct {
		field     string
		got, want uint64
	}{
		{"size", uint64(len(b)), 0x68},
		{"link", u16(0), 0x30},
		{"esp0", u32(4), 0x8000},
		{"ss0", u16(8), 0x10},
		{"esp1", u32(0xc), 0x7000},
		{"ss1", u16(0x10), 0x19},
		{"cr3", u32(0x1c), 0x5000},
		{"eip", u32(0x20), 0x2000},
		{"eflags", u32(0x24), 0x2},
		{"esp", u32(0x38), 0x9000},
		{"edi", u32(0x44), 0x77},
		{"cs", u16(0x4c), 0x23},
		{"gs", u16(0x5c), 0x2b},
		{"ldt", u16(0x60), 0x60},
		{"trap", u16(0x64), 1},
		{"iomap", u16(0x66), 0x68},
	} {
		if tc.got != tc.want {
			t.Errorf("%s = %#x, want %#x", tc.field, tc.got, tc.want)
		}
	}

	b, err = (&TSS{Format: 16, Stacks: []Stack{{SS: 0x10, SP: 0x800}}, Segs: map[string]uint16{"ds": 0x2b}}).image()
	if err != nil {
		t.Fatalf("16-bit image: %v", err)
	}
	if len(b) != 0x2c || binary.LittleEndian.Uint16(b[2:]) != 0x800 || binary.LittleEndian.Uint16(b[4:]) != 0x10 || binary.LittleEndian.Uint16(b[0x28:]) != 0x2b {
		t.Errorf("16-bit image %x", b)
	}

	b, err = (&TSS{Format: 64, Stacks: []Stack{{SP: 0xffff800000008000}}}).image()
	if err != nil {
		t.Fatalf("64-bit image: %v", err)
	}
	if got := binary.LittleEndian.Uint64(b[4:]); got != 0xffff800000008000 {
		t.Errorf("rsp0 = %#x", got)
	}

	for _, bad := range []TSS{
		{Format: 64, RIP: 1},
		{Format: 64, Stacks: []Stack{{SS: 0x10}}},
		{Format: 16, Segs: map[string]uint16{"fs": 0x10}},
		{Format: 16, Trap: true},
		{Regs: map[string]uint64{"r8": 1}},
		{Stacks: make([]Stack, 4)},
		{Format: 8},
	} {
		if _, err := bad.image(); err == nil {
			t.Errorf("image of %+v succeeded", bad)
		}
	}
}

func TestDisassemble(t *testing.T) {
	for _, tc := range []struct {
		code []byte
		bits int
		want string
		n    int
	}{
		{[]byte{0xfa}, 32, "cli", 1},
		{[]byte{0x0f, 0x05}, 64, "syscall", 2},
		{[]byte{0x0f, 0x01, 0xf8}, 64, "swapgs", 3},
	} {
		got, n, err := Disassemble(tc.code, tc.bits, 0x1000)
		if err != nil {
			t.Errorf("Disassemble(%x): %v", tc.code, err)
			continue
		}
		if got != tc.want || n != tc.n {
			t.Errorf("Disassemble(%x) = %q, %d; want %q, %d", tc.code, got, n, tc.want, tc.n)
		}
	}
	if _, _, err := Disassemble(nil, 64, 0); err == nil {
		t.Errorf("Disassemble(nil) succeeded")
	}
}

func TestCodeBits(t *testing.T) {
	s := load(t, "callgate.yaml")
	m, err := s.build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	c, err := m.newState(s, &s.VCPUs[0].State)
	if err != nil {
		t.Fatalf("newState: %v", err)
	}
	if got := CodeBits(c); got != 32 {
		t.Errorf("protected CodeBits = %d, want 32", got)
	}
	c.Reset()
	if got := CodeBits(c); got != 16 {
		t.Errorf("real CodeBits = %d, want 16", got)
	}
}

func TestRealAndV86States(t *testing.T) {
	s, err := Parse([]byte(`
vcpus:
  - state: {mode: real, rip: 0x10, segs: {cs: 0x100, ds: 0x200}}
  - state: {mode: v86, rflags: 0x3000, segs: {cs: 0x100}}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	m, err := s.build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	real, err := m.newState(s, &s.VCPUs[0].State)
	if err != nil {
		t.Fatalf("real: %v", err)
	}
	if real.Mode() != cpu.ModeReal || real.Segs[cpu.CS].Base != 0x1000 || real.Segs[cpu.DS].Base != 0x2000 || real.RIP != 0x10 {
		t.Errorf("real state %v cs %v ds %v", real, real.Segs[cpu.CS], real.Segs[cpu.DS])
	}
	v86, err := m.newState(s, &s.VCPUs[1].State)
	if err != nil {
		t.Fatalf("v86: %v", err)
	}
	if v86.Mode() != cpu.ModeV86 || v86.CPL != 3 || v86.Segs[cpu.SS].Attr.DPL() != 3 || v86.Segs[cpu.CS].Base != 0x1000 {
		t.Errorf("v86 state %v cs %v ss %v", v86, v86.Segs[cpu.CS], v86.Segs[cpu.SS])
	}
}
