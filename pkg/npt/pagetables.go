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

package npt

import (
	"fmt"
)

// PageTables is one processor's nested page table tree.
//
// The tree owns every node beneath its root; Release frees them all. The
// Allocator may be swapped exactly once, via SetAllocator, when the
// processor enters guest mode and further construction must come from its
// pre-allocated pool.
type PageTables struct {
	// Allocator provides nodes for Build and resolves entries back to
	// nodes during walks.
	Allocator Allocator

	root         *PTEs
	rootPhysical uint64
}

// New returns empty PageTables rooted in a node from the allocator.
func New(a Allocator) (*PageTables, error) {
	root := a.NewPTEs()
	if root == nil {
		return nil, ErrNoMemory
	}
	return &PageTables{
		Allocator:    a,
		root:         root,
		rootPhysical: a.PhysicalFor(root),
	}, nil
}

// ErrNoMemory is returned when table construction cannot allocate a node.
var ErrNoMemory = fmt.Errorf("npt: out of memory for table nodes")

// RootPhysical returns the physical address of the PML4. This is the value
// programmed into the VMCB's nested CR3.
func (p *PageTables) RootPhysical() uint64 {
	return p.rootPhysical
}

// SetAllocator swaps the allocator used for subsequent Build operations.
func (p *PageTables) SetAllocator(a Allocator) {
	p.Allocator = a
}

// next descends one level through entry. With alloc set, an invalid entry
// gets a fresh node installed valid/writable/user; without it, an invalid
// entry stops the walk.
func (p *PageTables) next(entry *PTE, alloc bool) *PTEs {
	if !entry.Valid() {
		if !alloc {
			return nil
		}
		ptes := p.Allocator.NewPTEs()
		if ptes == nil {
			return nil
		}
		entry.Set(PFNForPA(p.Allocator.PhysicalFor(ptes)))
		return ptes
	}
	return p.Allocator.LookupPTEs(PAForPFN(entry.PFN()))
}

// walk returns the leaf entry for the physical address, descending with or
// without allocation.
func (p *PageTables) walk(pa uint64, alloc bool) *PTE {
	pdpt := p.next(&p.root[PML4Index(pa)], alloc)
	if pdpt == nil {
		return nil
	}
	pdt := p.next(&pdpt[PDPTIndex(pa)], alloc)
	if pdt == nil {
		return nil
	}
	pt := p.next(&pdt[PDTIndex(pa)], alloc)
	if pt == nil {
		return nil
	}
	return &pt[PTIndex(pa)]
}

// Find returns the leaf entry translating the physical address, or nil if
// any level of the walk is invalid. It never allocates.
func (p *PageTables) Find(pa uint64) *PTE {
	return p.walk(pa, false)
}

// Build installs a valid leaf entry translating the physical address 1:1,
// allocating any missing intermediate tables from the current Allocator.
// It returns nil when allocation fails; that is recoverable only during
// initialization.
//
// The leaf must not already be valid.
func (p *PageTables) Build(pa uint64) *PTE {
	entry := p.walk(pa, true)
	if entry == nil {
		return nil
	}
	if entry.Valid() {
		panic(fmt.Sprintf("Build of already-valid leaf for %#x", pa))
	}
	entry.Set(PFNForPA(pa))
	return entry
}

// Table levels, named by what the table at that level is.
const (
	levelPT = iota + 1
	levelPDT
	levelPDPT
	levelPML4
)

// Release frees every valid sub-table bottom-up, then the root. The walk is
// an explicit level-tagged post-order traversal rather than per-level
// recursion.
func (p *PageTables) Release() {
	type frame struct {
		table *PTEs
		level int
		index int
	}
	stack := []frame{{table: p.root, level: levelPML4}}
	for len(stack) > 0 {
		f := &stack[len(stack)-1]
		if f.index == entriesPerTable {
			p.Allocator.FreePTEs(f.table)
			stack = stack[:len(stack)-1]
			continue
		}
		entry := &f.table[f.index]
		f.index++
		if !entry.Valid() {
			continue
		}
		sub := p.Allocator.LookupPTEs(PAForPFN(entry.PFN()))
		if f.level == levelPDT {
			// Children of a PDT are PTs; their entries translate
			// guest frames, not tables.
			p.Allocator.FreePTEs(sub)
			continue
		}
		stack = append(stack, frame{table: sub, level: f.level - 1})
	}
	p.root = nil
}
