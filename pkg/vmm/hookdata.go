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

	"github.com/sirupsen/logrus"

	"svmhook.dev/svmhook/pkg/hook"
	"svmhook.dev/svmhook/pkg/npt"
	"svmhook.dev/svmhook/pkg/physmem"
)

// HookData is one processor's nested page tables plus the visibility
// state machine that drives backing swaps and permission changes.
//
// Invariant: active is non-nil exactly when state is Visible.
type HookData struct {
	log      *logrus.Entry
	registry *hook.Registry

	pt   *npt.PageTables
	pool *npt.PoolAllocator

	maxPDPTIndex uint16
	state        Visibility
	active       *hook.Entry
}

// NewHookData builds a processor's identity-mapped nested page tables
// covering every RAM page of the descriptor plus the APIC base page,
// then swaps in the pre-allocated pool so that construction during
// intercepts never takes a general allocation. The descriptor is
// duplicated; the caller's copy is not retained.
func NewHookData(desc *physmem.Descriptor, registry *hook.Registry, apicBase uint64, log *logrus.Entry) (*HookData, error) {
	desc = desc.Duplicate()

	runtime := npt.NewRuntimeAllocator()
	pt, err := npt.New(runtime)
	if err != nil {
		return nil, err
	}
	for _, r := range desc.Runs {
		for pfn := r.BasePage; pfn < r.BasePage+r.PageCount; pfn++ {
			if pt.Build(npt.PAForPFN(pfn)) == nil {
				pt.Release()
				return nil, npt.ErrNoMemory
			}
		}
	}
	// The APIC page sits in a hole of the descriptor but is touched on
	// every interrupt; map it up front rather than faulting on it.
	if pt.Build(npt.PageAlign(apicBase)) == nil {
		pt.Release()
		return nil, npt.ErrNoMemory
	}

	pool := npt.NewPoolAllocator(runtime, npt.PoolCapacity)
	if pool == nil {
		pt.Release()
		return nil, npt.ErrNoMemory
	}
	pt.SetAllocator(pool)

	return &HookData{
		log:          log,
		registry:     registry,
		pt:           pt,
		pool:         pool,
		maxPDPTIndex: desc.MaxPDPTIndex(),
		state:        Default,
	}, nil
}

// Release frees the page table tree and the unconsumed pool entries.
func (h *HookData) Release() {
	h.log.WithFields(logrus.Fields{
		"poolUsed":     h.pool.Used(),
		"poolCapacity": h.pool.Capacity(),
	}).Debug("Releasing nested page tables")
	h.pt.Release()
	h.pool.Release()
}

// Tables returns the processor's nested page tables.
func (h *HookData) Tables() *npt.PageTables {
	return h.pt
}

// State returns the current visibility state.
func (h *HookData) State() Visibility {
	return h.state
}

// ActiveHook returns the hook whose execution page is currently mapped,
// or nil outside the Visible state.
func (h *HookData) ActiveHook() *hook.Entry {
	return h.active
}

func (h *HookData) checkInvariant() {
	if (h.active != nil) != (h.state == Visible) {
		panic(fmt.Sprintf("visibility state %v with active hook %v", h.state, h.active))
	}
}

// EnableHooks moves Default to Invisible: every hooked page becomes
// non-executable while keeping its original backing.
func (h *HookData) EnableHooks() error {
	if h.state != Default {
		return fmt.Errorf("vmm: hooks already enabled (state %v)", h.state)
	}
	for _, page := range h.registry.HookedPages() {
		h.pt.ChangePermissionOfPage(page, true)
	}
	h.state = Invisible
	h.checkInvariant()
	h.log.Debug("Hooks enabled")
	return nil
}

// DisableHooks returns to Default: original backings everywhere and all
// pages executable. Disabling from Visible is tolerated but logged; it
// indicates the guest turned hooks off while one was mid-flight.
func (h *HookData) DisableHooks() error {
	switch h.state {
	case Default:
		return fmt.Errorf("vmm: hooks already disabled")
	case Visible:
		h.log.WithField("hook", h.active.Name).Warn("Disabling hooks while a hook is visible")
		h.switchToInvisible()
	}
	for _, page := range h.registry.HookedPages() {
		if leaf := h.pt.Find(page); leaf != nil {
			leaf.SetPFN(npt.PFNForPA(page))
		}
		h.pt.ChangePermissionOfPage(page, false)
	}
	h.state = Default
	h.checkInvariant()
	h.log.Debug("Hooks disabled")
	return nil
}

// switchToVisible maps entry's execution page in place of its original
// page and leaves it as the only executable page.
func (h *HookData) switchToVisible(entry *hook.Entry) {
	page := entry.PagePA
	leaf := h.pt.Find(page)
	if leaf == nil {
		panic(fmt.Sprintf("hooked page %#x is not mapped", page))
	}
	leaf.SetPFN(npt.PFNForPA(entry.ExecPagePA))
	h.pt.ChangePermissionsOfAllPages(page, true, h.maxPDPTIndex)
	h.pt.ChangePermissionOfPage(page, false)
	h.active = entry
	h.state = Visible
	h.checkInvariant()
}

// switchToInvisible restores the active hook's original backing and
// makes everything executable again except the hooked pages.
func (h *HookData) switchToInvisible() {
	page := h.active.PagePA
	leaf := h.pt.Find(page)
	if leaf == nil {
		panic(fmt.Sprintf("hooked page %#x is not mapped", page))
	}
	leaf.SetPFN(npt.PFNForPA(page))
	h.pt.ChangePermissionsOfAllPages(page, false, h.maxPDPTIndex)
	for _, hooked := range h.registry.HookedPages() {
		h.pt.ChangePermissionOfPage(hooked, true)
	}
	h.active = nil
	h.state = Invisible
	h.checkInvariant()
}

// HandleNestedPageFault services a #NPF intercept.
//
// An absent translation is demand-built 1:1 from the pre-allocated
// pool; device memory outside the descriptor shows up this way. An
// execute violation drives the visibility state machine. Anything else
// is a bug: all pages are mapped writable.
func (h *HookData) HandleNestedPageFault(c *ControlArea) error {
	pa := c.ExitInfo2
	if !c.NPFPresent() {
		if h.pt.Build(npt.PageAlign(pa)) == nil {
			panic(fmt.Sprintf("demand map of %#x failed", pa))
		}
		return nil
	}
	if !c.NPFExecute() {
		return fmt.Errorf("vmm: non-execute permission fault at %#x", pa)
	}

	entry, hooked := h.registry.EntryByPhysicalPage(pa)
	switch h.state {
	case Invisible:
		if !hooked {
			return fmt.Errorf("vmm: execute fault at %#x outside any hooked page in state %v", pa, h.state)
		}
		h.switchToVisible(entry)
	case Visible:
		switch {
		case !hooked:
			h.switchToInvisible()
		case entry.PagePA != h.active.PagePA:
			h.switchToInvisible()
			h.switchToVisible(entry)
		default:
			return fmt.Errorf("vmm: execute fault on the visible hooked page %#x", pa)
		}
	default:
		return fmt.Errorf("vmm: execute fault at %#x with hooks disabled", pa)
	}
	return nil
}
