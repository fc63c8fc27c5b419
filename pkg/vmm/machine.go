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

// Package vmm virtualizes the running machine under a thin hypervisor
// whose only job is to hide breakpoint hooks.
//
// Each processor gets its own nested page tables translating guest
// physical addresses 1:1, and a visibility state machine that decides
// which backing a hooked page shows: pristine bytes to readers, a
// breakpoint-patched copy to execution. Guests control the hypervisor
// through a CPUID-based call interface.
package vmm

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"svmhook.dev/svmhook/pkg/hook"
	"svmhook.dev/svmhook/pkg/physmem"
)

// DefaultAPICBase is the architectural reset value of the local APIC
// window.
const DefaultAPICBase = 0xfee0_0000

// CPUIDFunc answers CPUID leaves the hypervisor does not own.
type CPUIDFunc func(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// Config describes the machine to virtualize.
type Config struct {
	// Space is the machine's physical memory.
	Space *physmem.Space

	// Registry holds the installed hooks.
	Registry *hook.Registry

	// Processors is the number of logical processors. Each one carries
	// its own nested page tables.
	Processors int

	// APICBase overrides the local APIC window; zero means
	// DefaultAPICBase.
	APICBase uint64

	// HostCPUID answers pass-through CPUID leaves; nil returns zeros.
	HostCPUID CPUIDFunc

	// Log is the root log entry; per-processor entries derive from it.
	Log *logrus.Entry
}

// Machine is the virtualized machine.
type Machine struct {
	space      *physmem.Space
	registry   *hook.Registry
	apicBase   uint64
	hostCPUID  CPUIDFunc
	log        *logrus.Entry
	processors []*Processor
}

// Processor is one virtualized logical processor.
type Processor struct {
	machine *Machine
	id      int
	log     *logrus.Entry

	// VMCB is the processor's control block. Exit handlers read the
	// intercept fields and write guest state back through it.
	VMCB VMCB

	// Regs carries the general registers not shadowed in the VMCB.
	Regs Registers

	hooks       *HookData
	msrs        map[uint32]uint64
	hostStatePA uint64
	unloaded    bool
}

// Registers are the guest general registers the intercept handlers
// exchange data through.
type Registers struct {
	Rbx uint64
	Rcx uint64
	Rdx uint64
}

// New builds a machine from the config. Virtualize must be called
// before any exits are handled.
func New(cfg Config) (*Machine, error) {
	if cfg.Space == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("vmm: config needs a memory space and a hook registry")
	}
	if cfg.Processors <= 0 {
		return nil, fmt.Errorf("vmm: processor count %d", cfg.Processors)
	}
	if cfg.APICBase == 0 {
		cfg.APICBase = DefaultAPICBase
	}
	if cfg.HostCPUID == nil {
		cfg.HostCPUID = func(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
			return 0, 0, 0, 0
		}
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	m := &Machine{
		space:     cfg.Space,
		registry:  cfg.Registry,
		apicBase:  cfg.APICBase,
		hostCPUID: cfg.HostCPUID,
		log:       cfg.Log,
	}
	for i := 0; i < cfg.Processors; i++ {
		m.processors = append(m.processors, &Processor{
			machine: m,
			id:      i,
			log:     cfg.Log.WithField("processor", i),
			msrs:    make(map[uint32]uint64),
		})
	}
	return m, nil
}

// Processors returns the machine's processors.
func (m *Machine) Processors() []*Processor {
	return m.processors
}

// Virtualize brings every processor under the hypervisor. Processors
// are prepared concurrently; each builds its own nested page tables
// from a private copy of the memory descriptor. On any failure all
// processors are torn back down.
func (m *Machine) Virtualize(ctx context.Context) error {
	m.space.Descriptor().DumpRanges(m.log)

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range m.processors {
		p := p
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return p.virtualize()
		})
	}
	if err := g.Wait(); err != nil {
		m.Devirtualize()
		return err
	}
	m.log.WithField("processors", len(m.processors)).Info("Machine virtualized")
	return nil
}

func (p *Processor) virtualize() error {
	hostStatePA, err := p.machine.space.AllocPage()
	if err != nil {
		return fmt.Errorf("processor %d: host state area: %w", p.id, err)
	}
	hooks, err := NewHookData(p.machine.space.Descriptor(), p.machine.registry, p.machine.apicBase, p.log)
	if err != nil {
		p.machine.space.FreePage(hostStatePA)
		return fmt.Errorf("processor %d: nested page tables: %w", p.id, err)
	}

	p.hostStatePA = hostStatePA
	p.hooks = hooks
	p.VMCB.Control.NestedCR3 = hooks.Tables().RootPhysical()
	p.VMCB.State.Efer = EferSVME
	p.log.WithField("nCR3", fmt.Sprintf("%#x", p.VMCB.Control.NestedCR3)).Debug("Processor virtualized")
	return nil
}

// Devirtualize reports hook activity and releases every processor's
// tables and host pages. Safe to call after a partial Virtualize.
func (m *Machine) Devirtualize() {
	m.registry.ReportActivity(m.log)
	if !m.registry.AllInvisible() {
		m.log.Error("A breakpoint leaked into a pristine page")
	}
	for _, p := range m.processors {
		if p.hooks != nil {
			p.hooks.Release()
			p.hooks = nil
		}
		if p.hostStatePA != 0 {
			m.space.FreePage(p.hostStatePA)
			p.hostStatePA = 0
		}
	}
	m.log.Info("Machine devirtualized")
}

// ID returns the processor number.
func (p *Processor) ID() int {
	return p.id
}

// Hooks returns the processor's visibility state machine.
func (p *Processor) Hooks() *HookData {
	return p.hooks
}

// Unloaded reports whether the guest asked this processor's hypervisor
// to unload.
func (p *Processor) Unloaded() bool {
	return p.unloaded
}
