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
	"testing"
)

// buildTestTree maps a handful of pages spread over the first two 1-GB
// ranges and returns the tables.
func buildTestTree(t *testing.T) (*PageTables, []uint64) {
	t.Helper()
	pt, err := New(NewRuntimeAllocator())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pages := []uint64{
		0x1000,
		0x2000,
		0x201000,   // second PT of the first PDT
		0x40123000, // second 1-GB range
	}
	for _, pa := range pages {
		if pt.Build(pa) == nil {
			t.Fatalf("Build(%#x) = nil", pa)
		}
	}
	return pt, pages
}

// executable reports whether pa is executable through the whole walk, the
// way the hardware would evaluate it.
func executable(pt *PageTables, pa uint64) bool {
	pml4e := &pt.root[PML4Index(pa)]
	if pml4e.NoExecute() {
		return false
	}
	pdpt := pt.Allocator.LookupPTEs(PAForPFN(pml4e.PFN()))
	pdpte := &pdpt[PDPTIndex(pa)]
	if pdpte.NoExecute() {
		return false
	}
	pdt := pt.Allocator.LookupPTEs(PAForPFN(pdpte.PFN()))
	pdte := &pdt[PDTIndex(pa)]
	if pdte.NoExecute() {
		return false
	}
	ptable := pt.Allocator.LookupPTEs(PAForPFN(pdte.PFN()))
	return !ptable[PTIndex(pa)].NoExecute()
}

func TestChangePermissionOfPage(t *testing.T) {
	pt, pages := buildTestTree(t)
	defer pt.Release()

	hooked := pages[0]
	pt.ChangePermissionOfPage(hooked, true)
	if executable(pt, hooked) {
		t.Error("hooked page still executable")
	}
	for _, pa := range pages[1:] {
		if !executable(pt, pa) {
			t.Errorf("unrelated page %#x lost execute permission", pa)
		}
	}

	pt.ChangePermissionOfPage(hooked, false)
	for _, pa := range pages {
		if !executable(pt, pa) {
			t.Errorf("page %#x not executable after re-enable", pa)
		}
	}
}

func TestChangePermissionPushDown(t *testing.T) {
	pt, pages := buildTestTree(t)
	defer pt.Release()

	target := pages[0] // 0x1000
	sibling := pages[1] // 0x2000, same PT
	cousin := pages[2]  // 0x201000, same PDT, different PT

	// Mark the whole first 1-GB range non-executable at the PDPT level,
	// the way a global sweep does.
	pt.ChangePermissionsOfAllPages(0, true, 2)

	// Making one page executable again must not open up the range: the
	// NX is pushed down to the PDT and PT levels.
	pt.ChangePermissionOfPage(target, false)

	if !executable(pt, target) {
		t.Error("target page not executable")
	}
	if executable(pt, sibling) {
		t.Error("sibling page in the same PT became executable")
	}
	if executable(pt, cousin) {
		t.Error("page in a sibling PT became executable")
	}
	if executable(pt, pages[3]) {
		t.Error("page in the other 1-GB range became executable")
	}
}

func TestSweepSymmetry(t *testing.T) {
	pt, pages := buildTestTree(t)
	defer pt.Release()

	active := pages[0]

	// Leave stale NX bits under the active page's subtree first, the way
	// a 1->2 transition does.
	pt.ChangePermissionsOfAllPages(0, true, 2)
	pt.ChangePermissionOfPage(active, false)

	// Sweeping non-executable and back must leave every mapped page
	// executable again, including the pages whose PT entries carry stale
	// NX from the push-down.
	pt.ChangePermissionsOfAllPages(0, true, 2)
	pt.ChangePermissionsOfAllPages(active, false, 2)

	for _, pa := range pages {
		if !executable(pt, pa) {
			t.Errorf("page %#x not executable after sweep round trip", pa)
		}
	}
}

func TestSweepBoundedByMaxIndex(t *testing.T) {
	pt, pages := buildTestTree(t)
	defer pt.Release()

	// Sweeping only the first 1-GB range must leave the second alone.
	pt.ChangePermissionsOfAllPages(0, true, 1)
	if executable(pt, pages[0]) {
		t.Error("page in swept range still executable")
	}
	if !executable(pt, pages[3]) {
		t.Error("page beyond maxPDPTIndex lost execute permission")
	}
}
