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

// ControlArea is the control half of a VMCB: what intercepted, why, and
// what to inject back into the guest.
type ControlArea struct {
	ExitCode  uint64
	ExitInfo1 uint64
	ExitInfo2 uint64

	// NRip is the address of the instruction following the intercepted
	// one.
	NRip uint64

	// EventInj injects an event into the guest on the next entry.
	EventInj uint64

	// NestedCR3 is the physical address of the nested page table root.
	NestedCR3 uint64
}

// StateSaveArea is the guest state half of a VMCB. Only the fields the
// intercept handlers consult are carried.
type StateSaveArea struct {
	Rip    uint64
	Rsp    uint64
	Rax    uint64
	Rflags uint64
	Efer   uint64

	// SsAttrib is the compressed SS segment attribute word; its DPL
	// field identifies the privilege the guest ran at.
	SsAttrib uint16
}

// VMCB is one processor's virtual machine control block.
type VMCB struct {
	Control ControlArea
	State   StateSaveArea
}

// Intercept exit codes.
const (
	ExitExceptionBP = 0x43 // 0x40 + vector 3
	ExitCPUID       = 0x72
	ExitMSR         = 0x7c
	ExitVMRUN       = 0x80
	ExitNPF         = 0x400
)

// EXITINFO1 bits of a nested page fault.
const (
	npfPresent = 1 << 0 // translation was valid; this is a permission fault
	npfExecute = 1 << 4 // fault was an instruction fetch
)

// NPFPresent reports whether the faulting translation was valid.
func (c *ControlArea) NPFPresent() bool {
	return c.ExitInfo1&npfPresent != 0
}

// NPFExecute reports whether the fault was caused by an instruction
// fetch.
func (c *ControlArea) NPFExecute() bool {
	return c.ExitInfo1&npfExecute != 0
}

// SetNPF fills the control area as hardware would for a nested page
// fault at pa.
func (c *ControlArea) SetNPF(pa uint64, present, execute bool) {
	c.ExitCode = ExitNPF
	c.ExitInfo1 = 0
	if present {
		c.ExitInfo1 |= npfPresent
	}
	if execute {
		c.ExitInfo1 |= npfExecute
	}
	c.ExitInfo2 = pa
}

// EVENTINJ encoding.
const (
	eventTypeException  = 3 << 8
	eventErrorCodeValid = 1 << 11
	eventValid          = 1 << 31
)

// Exception vectors the handlers inject.
const (
	vectorBP = 3
	vectorGP = 13
)

// exceptionEvent encodes an exception injection, with or without an
// error code.
func exceptionEvent(vector uint8, errorCode uint32, hasErrorCode bool) uint64 {
	event := uint64(vector) | eventTypeException | eventValid
	if hasErrorCode {
		event |= eventErrorCodeValid | uint64(errorCode)<<32
	}
	return event
}

// InjectBP arranges for #BP to be delivered to the guest on the next
// entry. RIP is left at the breakpoint, as the guest's own debugger
// expects.
func (c *ControlArea) InjectBP() {
	c.EventInj = exceptionEvent(vectorBP, 0, false)
}

// InjectGP arranges for #GP(0) to be delivered to the guest on the next
// entry.
func (c *ControlArea) InjectGP() {
	c.EventInj = exceptionEvent(vectorGP, 0, true)
}

// DPL returns the privilege level the guest was running at, out of the
// SS attribute word.
func (s *StateSaveArea) DPL() int {
	return int((s.SsAttrib >> 5) & 3)
}

// EFER bits.
const (
	EferSVME = 1 << 12
)

// MSR numbers the intercept handlers know.
const (
	MSRAPICBase = 0x0000_001b
	MSREFER     = 0xc000_0080
)
