// Copyright 2024 The svmhook Authors.
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

package vmm

import (
	"fmt"

	"svmhook.dev/svmhook/pkg/hook"
	"svmhook.dev/svmhook/pkg/npt"
	"svmhook.dev/svmhook/pkg/physmem"
)

// HandleExit dispatches the intercept recorded in the VMCB.
func (p *Processor) HandleExit() error {
	c := &p.VMCB.Control
	switch c.ExitCode {
	case ExitCPUID:
		return p.handleCPUID()
	case ExitMSR:
		return p.handleMSR()
	case ExitVMRUN:
		// Nested virtualization is not offered; the guest sees the
		// instruction fault.
		c.InjectGP()
		return nil
	case ExitExceptionBP:
		return p.handleBreakpoint()
	case ExitNPF:
		return p.hooks.HandleNestedPageFault(c)
	default:
		return fmt.Errorf("vmm: unhandled exit code %#x", c.ExitCode)
	}
}

// handleBreakpoint services #BP. A breakpoint at a hooked address is
// ours: execution is diverted to the handler. Any other breakpoint
// belongs to the guest and is reflected back, leaving RIP at the int3
// as a guest debugger expects.
func (p *Processor) handleBreakpoint() error {
	if entry, ok := p.machine.registry.EntryByAddress(p.VMCB.State.Rip); ok {
		entry.RecordCall()
		p.VMCB.State.Rip = entry.HandlerVA
		return nil
	}
	p.VMCB.Control.InjectBP()
	return nil
}

// handleMSR services RDMSR/WRMSR. EFER writes are screened so the guest
// cannot clear SVME out from under the hypervisor; other registers pass
// through a shadow table.
func (p *Processor) handleMSR() error {
	msr := uint32(p.Regs.Rcx)
	write := p.VMCB.Control.ExitInfo1&1 != 0
	if write {
		value := p.VMCB.State.Rax&0xffffffff | p.Regs.Rdx<<32
		if msr == MSREFER {
			if value&EferSVME == 0 {
				p.VMCB.Control.InjectGP()
				return nil
			}
			p.VMCB.State.Efer = value
		} else {
			p.msrs[msr] = value
		}
	} else {
		var value uint64
		switch msr {
		case MSREFER:
			value = p.VMCB.State.Efer
		case MSRAPICBase:
			value = p.machine.apicBase | p.msrs[msr]&npt.PageMask
		default:
			value = p.msrs[msr]
		}
		p.VMCB.State.Rax = value & 0xffffffff
		p.Regs.Rdx = value >> 32
	}
	p.advanceRIP()
	return nil
}

func (p *Processor) advanceRIP() {
	p.VMCB.State.Rip = p.VMCB.Control.NRip
}

// Execute simulates the guest fetching the instruction at va, servicing
// nested page faults and breakpoints the way hardware would re-execute
// after each intercept. It returns the RIP execution continues at:
// va itself, or the hook handler when the fetch hit a planted
// breakpoint.
func (p *Processor) Execute(va uint64) (uint64, error) {
	pa := physmem.PhysicalFor(va)
	for attempts := 0; attempts < 8; attempts++ {
		tables := p.hooks.Tables()
		leaf := tables.Find(pa)
		if leaf == nil {
			p.VMCB.Control.SetNPF(pa, false, true)
			if err := p.HandleExit(); err != nil {
				return 0, err
			}
			continue
		}
		if !tables.Executable(pa) {
			p.VMCB.Control.SetNPF(pa, true, true)
			if err := p.HandleExit(); err != nil {
				return 0, err
			}
			continue
		}

		backing := p.machine.space.Page(npt.PAForPFN(leaf.PFN()))
		if backing == nil {
			// Mapped but not RAM (device window); nothing to fetch.
			return va, nil
		}
		if backing[npt.PageOffset(pa)] == hook.Breakpoint {
			p.VMCB.State.Rip = va
			p.VMCB.Control.ExitCode = ExitExceptionBP
			p.VMCB.Control.NRip = va + 1
			if err := p.HandleExit(); err != nil {
				return 0, err
			}
			return p.VMCB.State.Rip, nil
		}
		return va, nil
	}
	return 0, fmt.Errorf("vmm: fetch at %#x did not settle", va)
}

// Read simulates the guest reading physical memory through the nested
// page tables, seeing whatever backing the current visibility state
// maps.
func (p *Processor) Read(va uint64, b []byte) error {
	pa := physmem.PhysicalFor(va)
	for len(b) > 0 {
		leaf := p.hooks.Tables().Find(pa)
		if leaf == nil {
			p.VMCB.Control.SetNPF(pa, false, false)
			if err := p.HandleExit(); err != nil {
				return err
			}
			continue
		}
		backing := p.machine.space.Page(npt.PAForPFN(leaf.PFN()))
		if backing == nil {
			return fmt.Errorf("vmm: read from unbacked address %#x", pa)
		}
		off := npt.PageOffset(pa)
		n := copy(b, backing[off:])
		b = b[n:]
		pa += uint64(n)
	}
	return nil
}
