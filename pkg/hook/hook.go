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

// Package hook installs invisible breakpoint hooks on kernel functions.
//
// A hook never patches the function itself. Instead, a copy of the
// function's page is made (the execution page), a breakpoint is planted
// in the copy, and the nested page tables decide which backing the guest
// sees: reads and unrelated execution see the pristine page, execution
// of a hooked page is steered to the patched copy. The registry here
// owns the pages and the bookkeeping; the page-table side lives in the
// vmm package.
package hook

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"svmhook.dev/svmhook/pkg/cleanup"
	"svmhook.dev/svmhook/pkg/npt"
	"svmhook.dev/svmhook/pkg/physmem"
)

// Resolver turns an exported symbol name into its virtual address.
type Resolver interface {
	Resolve(name string) (uint64, error)
}

// ErrNotFound is returned when a symbol cannot be resolved.
var ErrNotFound = fmt.Errorf("hook: symbol not found")

// StaticResolver resolves names from a fixed table.
type StaticResolver map[string]uint64

// Resolve implements Resolver.
func (r StaticResolver) Resolve(name string) (uint64, error) {
	va, ok := r[name]
	if !ok {
		return 0, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return va, nil
}

// Registration asks for one function to be hooked.
type Registration struct {
	// Name is the symbol to hook.
	Name string

	// Handler is the virtual address control is diverted to when the
	// hooked function is called.
	Handler uint64
}

// Entry is one installed hook.
type Entry struct {
	// Name is the hooked symbol.
	Name string

	// HookVA is the virtual address of the hooked function.
	HookVA uint64

	// HandlerVA is where the breakpoint diverts execution to.
	HandlerVA uint64

	// PagePA is the physical page containing the hooked function. The
	// page is pinned for the lifetime of the registry.
	PagePA uint64

	// ExecPagePA is the breakpoint-patched copy of PagePA. Hooks on the
	// same page share one execution page.
	ExecPagePA uint64

	// StubVA runs the original function: the lifted prologue
	// instruction followed by a jump past the hooked address.
	StubVA uint64

	stubPagePA uint64
	calls      atomic.Uint64
}

// RecordCall counts one diversion to the handler.
func (e *Entry) RecordCall() {
	e.calls.Add(1)
}

// Calls returns how many times the hook fired.
func (e *Entry) Calls() uint64 {
	return e.calls.Load()
}

// Registry owns all installed hooks and their backing pages.
type Registry struct {
	space   *physmem.Space
	entries []*Entry

	byPage    map[uint64]*Entry
	byVA      map[uint64]*Entry
	byHandler map[uint64]*Entry

	// execPages maps a hooked page to its shared execution page.
	execPages map[uint64]uint64
}

// NewRegistry resolves and installs every registration. On any failure
// all pages allocated so far are released and pins dropped.
func NewRegistry(space *physmem.Space, resolver Resolver, regs []Registration, log *logrus.Entry) (*Registry, error) {
	r := &Registry{
		space:     space,
		byPage:    make(map[uint64]*Entry),
		byVA:      make(map[uint64]*Entry),
		byHandler: make(map[uint64]*Entry),
		execPages: make(map[uint64]uint64),
	}
	cu := cleanup.Make(func() { r.release() })
	defer cu.Clean()

	for _, reg := range regs {
		entry, err := r.install(resolver, reg, log)
		if err != nil {
			return nil, fmt.Errorf("installing hook %q: %w", reg.Name, err)
		}
		r.entries = append(r.entries, entry)
	}

	cu.Release()
	return r, nil
}

func (r *Registry) install(resolver Resolver, reg Registration, log *logrus.Entry) (*Entry, error) {
	va, err := resolver.Resolve(reg.Name)
	if err != nil {
		return nil, err
	}
	if _, dup := r.byVA[va]; dup {
		return nil, fmt.Errorf("address %#x already hooked", va)
	}
	if _, dup := r.byHandler[reg.Handler]; dup {
		return nil, fmt.Errorf("handler %#x already registered", reg.Handler)
	}

	pa := physmem.PhysicalFor(va)
	page := npt.PageAlign(pa)
	offset := npt.PageOffset(pa)
	original := r.space.Page(page)
	if original == nil {
		return nil, fmt.Errorf("address %#x is not backed by RAM", va)
	}

	// The prologue must be measured before the page is hidden behind a
	// hook; hooks too close to the page end cannot lift a whole
	// instruction.
	if offset+MaxInstructionLength > npt.PageSize {
		return nil, fmt.Errorf("page offset %#x: %w", offset, ErrStraddlesPage)
	}
	length, err := FirstInstructionLength(original[offset : offset+MaxInstructionLength])
	if err != nil {
		return nil, err
	}

	// Hooks on the same page share one execution page; the first hook on
	// a page copies the pristine contents and pins the original so its
	// frame cannot move while translations reference it.
	execPage, shared := r.execPages[page]
	if !shared {
		execPage, err = r.space.AllocPage()
		if err != nil {
			return nil, err
		}
		copy(r.space.Page(execPage), original)
		r.space.Pin(page)
		r.execPages[page] = execPage
	}
	r.space.Page(execPage)[offset] = Breakpoint

	stubPage, err := r.space.AllocPage()
	if err != nil {
		return nil, err
	}
	stub := BuildStub(original[offset:offset+uint64(length)], va+uint64(length))
	copy(r.space.Page(stubPage), stub)

	entry := &Entry{
		Name:       reg.Name,
		HookVA:     va,
		HandlerVA:  reg.Handler,
		PagePA:     page,
		ExecPagePA: execPage,
		StubVA:     physmem.VirtualFor(stubPage),
		stubPagePA: stubPage,
	}
	if _, taken := r.byPage[page]; !taken {
		r.byPage[page] = entry
	}
	r.byVA[va] = entry
	r.byHandler[reg.Handler] = entry

	log.WithFields(logrus.Fields{
		"hook":     reg.Name,
		"address":  fmt.Sprintf("%#x", va),
		"execPage": fmt.Sprintf("%#x", execPage),
		"stub":     fmt.Sprintf("%#x", entry.StubVA),
	}).Debug("Hook installed")
	return entry, nil
}

// Release unpins the hooked pages and frees the execution and stub
// pages. The registry must not be used afterwards.
func (r *Registry) Release() {
	r.release()
}

func (r *Registry) release() {
	for page := range r.execPages {
		r.space.Unpin(page)
		r.space.FreePage(r.execPages[page])
	}
	r.execPages = map[uint64]uint64{}
	for _, e := range r.entries {
		if e.stubPagePA != 0 {
			r.space.FreePage(e.stubPagePA)
			e.stubPagePA = 0
		}
	}
	r.entries = nil
}

// Entries returns the installed hooks in registration order.
func (r *Registry) Entries() []*Entry {
	return r.entries
}

// HookedPages returns the distinct hooked pages in ascending order.
func (r *Registry) HookedPages() []uint64 {
	pages := make([]uint64, 0, len(r.execPages))
	for page := range r.execPages {
		pages = append(pages, page)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	return pages
}

// EntryByPhysicalPage returns a hook installed on the page containing
// pa. When several hooks share the page, the first registered one is
// returned; they share the execution page, so the backing swap is the
// same for all of them.
func (r *Registry) EntryByPhysicalPage(pa uint64) (*Entry, bool) {
	e, ok := r.byPage[npt.PageAlign(pa)]
	return e, ok
}

// EntryByAddress returns the hook whose hooked address is exactly va.
// This is the breakpoint dispatch lookup.
func (r *Registry) EntryByAddress(va uint64) (*Entry, bool) {
	e, ok := r.byVA[va]
	return e, ok
}

// StubForHandler returns the original-function stub for a handler
// address. Handlers call through this to reach the function they hooked.
func (r *Registry) StubForHandler(handler uint64) (uint64, bool) {
	e, ok := r.byHandler[handler]
	if !ok {
		return 0, false
	}
	return e.StubVA, true
}

// AllInvisible reports whether every hooked address still shows its
// original bytes through the pristine page, i.e. no breakpoint ever
// leaked out of an execution page.
func (r *Registry) AllInvisible() bool {
	for _, e := range r.entries {
		page := r.space.Page(e.PagePA)
		if page == nil || page[npt.PageOffset(e.HookVA)] == Breakpoint {
			return false
		}
	}
	return true
}

// ReportActivity logs how often each hook fired.
func (r *Registry) ReportActivity(log *logrus.Entry) {
	for _, e := range r.entries {
		log.WithFields(logrus.Fields{
			"hook":  e.Name,
			"calls": e.Calls(),
		}).Info("Hook activity")
	}
}
