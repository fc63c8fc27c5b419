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

// mustNext descends one level and panics if the entry is invalid. The
// permission engine only operates on translations that were built during
// initialization.
func (p *PageTables) mustNext(entry *PTE, pa uint64) *PTEs {
	if !entry.Valid() {
		panic(fmt.Sprintf("permission change through invalid entry for %#x", pa))
	}
	return p.Allocator.LookupPTEs(PAForPFN(entry.PFN()))
}

// ChangePermissionOfPage flips execute permission of a single 4-KB page.
//
// Permission changes never touch the PML4 level; the top level changed is
// the PDPT. When making a page executable while its 1-GB PDPT range is
// non-executable, clearing NX on the PDPT entry alone would make the whole
// range executable (execute permission is the AND over all levels), so the
// PDPT entry is cleared and every PDT entry beneath it is marked
// non-executable first. The same applies one level down for the 2-MB PDT
// range. Each push-down is 512 iterations, which makes this function the
// slow path it is documented to be.
func (p *PageTables) ChangePermissionOfPage(pa uint64, disallowExecution bool) {
	pdpt := p.mustNext(&p.root[PML4Index(pa)], pa)

	pdptEntry := &pdpt[PDPTIndex(pa)]
	pdt := p.mustNext(pdptEntry, pa)
	if !disallowExecution && pdptEntry.NoExecute() {
		pdptEntry.SetNoExecute(false)
		for i := 0; i < entriesPerTable; i++ {
			pdt[i].SetNoExecute(true)
		}
	}

	pdtEntry := &pdt[PDTIndex(pa)]
	pt := p.mustNext(pdtEntry, pa)
	if !disallowExecution && pdtEntry.NoExecute() {
		pdtEntry.SetNoExecute(false)
		for i := 0; i < entriesPerTable; i++ {
			pt[i].SetNoExecute(true)
		}
	}

	pt[PTIndex(pa)].SetNoExecute(disallowExecution)
}

// ChangePermissionsOfAllPages flips execute permission of all physical
// memory at once by sweeping PDPT entries [0, maxPDPTIndex). The sweep
// assumes no more than 512 GB of physical memory, so only the first PML4
// entry is consulted; maxPDPTIndex bounds the sweep to ranges that actually
// contain RAM.
//
// When re-enabling execution, the PDT and PT covering activeHookPA may
// carry stale no-execute bits left behind by ChangePermissionOfPage's
// push-down, so both tables are swept clean as well. That is 2x512
// iterations and slow, acceptable because it runs only on state
// transitions, not per instruction.
func (p *PageTables) ChangePermissionsOfAllPages(activeHookPA uint64, disallowExecution bool, maxPDPTIndex uint16) {
	pdpt := p.mustNext(&p.root[0], 0)
	for i := uint16(0); i < maxPDPTIndex; i++ {
		pdpt[i].SetNoExecute(disallowExecution)
	}
	if !disallowExecution {
		p.makeAllSubTablesExecutable(pdpt, activeHookPA)
	}
}

// Executable reports whether pa can be fetched from: the address must be
// mapped and no level of the walk may carry the no-execute bit.
func (p *PageTables) Executable(pa uint64) bool {
	entry := &p.root[PML4Index(pa)]
	for _, index := range []uint16{PDPTIndex(pa), PDTIndex(pa), PTIndex(pa)} {
		if !entry.Valid() || entry.NoExecute() {
			return false
		}
		entry = &p.Allocator.LookupPTEs(PAForPFN(entry.PFN()))[index]
	}
	return entry.Valid() && !entry.NoExecute()
}

// makeAllSubTablesExecutable clears no-execute on every entry of the PDT
// and PT that translate activeHookPA.
func (p *PageTables) makeAllSubTablesExecutable(pdpt *PTEs, activeHookPA uint64) {
	pdt := p.mustNext(&pdpt[PDPTIndex(activeHookPA)], activeHookPA)
	for i := 0; i < entriesPerTable; i++ {
		pdt[i].SetNoExecute(false)
	}

	pt := p.mustNext(&pdt[PDTIndex(activeHookPA)], activeHookPA)
	for i := 0; i < entriesPerTable; i++ {
		pt[i].SetNoExecute(false)
	}
}
