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
	"encoding/binary"

	"svmhook.dev/svmhook/pkg/physmem"
)

// The guest talks to the hypervisor through CPUID with a leaf no
// hardware uses; the subleaf selects the command. Only kernel-mode
// callers are honored.
const HypercallLeaf = 0x41414141

// Command is a hypercall subleaf.
type Command uint32

// Hypercall commands.
const (
	CommandUnload       Command = 0x41414141
	CommandEnableHooks  Command = 0x41414142
	CommandDisableHooks Command = 0x41414143
)

// Synthetic CPUID leaves every hypervisor answers.
const (
	leafHvVendor    = 0x4000_0000
	leafHvInterface = 0x4000_0001

	// CPUID.1:ECX hypervisor-present bit.
	cpuidHvPresent = 1 << 31
)

// hvVendorID is the 12-byte vendor string returned on leafHvVendor.
var hvVendorID = [12]byte{'S', 'v', 'm', 'H', 'o', 'o', 'k', 'V', 'm', 'm', ' ', ' '}

// handleCPUID services the CPUID intercept: hypercalls from kernel
// mode, synthetic hypervisor leaves, and pass-through for the rest.
func (p *Processor) handleCPUID() error {
	leaf := uint32(p.VMCB.State.Rax)
	subleaf := uint32(p.Regs.Rcx)

	if leaf == HypercallLeaf && p.VMCB.State.DPL() == 0 {
		if err := p.handleHypercall(Command(subleaf)); err != nil {
			return err
		}
		p.advanceRIP()
		return nil
	}

	eax, ebx, ecx, edx := p.machine.hostCPUID(leaf, subleaf)
	switch leaf {
	case 1:
		ecx |= cpuidHvPresent
	case leafHvVendor:
		eax = leafHvInterface
		ebx = binary.LittleEndian.Uint32(hvVendorID[0:4])
		ecx = binary.LittleEndian.Uint32(hvVendorID[4:8])
		edx = binary.LittleEndian.Uint32(hvVendorID[8:12])
	case leafHvInterface:
		// No paravirtualization interface is offered.
		eax, ebx, ecx, edx = 0, 0, 0, 0
	}
	p.VMCB.State.Rax = uint64(eax)
	p.Regs.Rbx = uint64(ebx)
	p.Regs.Rcx = uint64(ecx)
	p.Regs.Rdx = uint64(edx)
	p.advanceRIP()
	return nil
}

func (p *Processor) handleHypercall(cmd Command) error {
	switch cmd {
	case CommandEnableHooks:
		if err := p.hooks.EnableHooks(); err != nil {
			p.log.WithError(err).Warn("Enable hooks hypercall ignored")
		}
	case CommandDisableHooks:
		if err := p.hooks.DisableHooks(); err != nil {
			p.log.WithError(err).Warn("Disable hooks hypercall ignored")
		}
	case CommandUnload:
		// Hand the loader the host state area so it can be reclaimed
		// once the processor leaves guest mode. CPUID outputs are
		// 32-bit, so the address goes back split across EAX:EBX.
		hostVA := physmem.VirtualFor(p.hostStatePA)
		p.VMCB.State.Rax = hostVA >> 32
		p.Regs.Rbx = hostVA & 0xffffffff
		p.unloaded = true
		p.log.Info("Unload requested")
	default:
		p.log.WithField("command", uint32(cmd)).Warn("Unknown hypercall")
		p.VMCB.Control.InjectGP()
	}
	return nil
}

// Hypercall issues a hypercall from kernel mode on this processor, the
// way a loader running in the guest would.
func (p *Processor) Hypercall(cmd Command) error {
	p.VMCB.State.Rax = HypercallLeaf
	p.Regs.Rcx = uint64(cmd)
	p.VMCB.Control.ExitCode = ExitCPUID
	p.VMCB.Control.NRip = p.VMCB.State.Rip + 2 // CPUID is two bytes
	return p.HandleExit()
}
