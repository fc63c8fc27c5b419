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

// Page and table geometry.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1

	ptShift   = 12
	pdtShift  = 21
	pdptShift = 30
	pml4Shift = 39

	indexMask = 0x1ff

	entriesPerTable = 512

	// PDPTRangeSize is the amount of physical address space a single PDPT
	// entry translates.
	PDPTRangeSize = 1 << pdptShift
)

// PFNForPA returns the page frame number containing the physical address.
//
//go:nosplit
func PFNForPA(pa uint64) uint64 {
	return pa >> PageShift
}

// PAForPFN returns the base physical address of the page frame.
//
//go:nosplit
func PAForPFN(pfn uint64) uint64 {
	return pfn << PageShift
}

// PageAlign rounds the address down to its 4-KB page base.
//
//go:nosplit
func PageAlign(pa uint64) uint64 {
	return pa &^ PageMask
}

// PageOffset returns the offset of the address within its page.
//
//go:nosplit
func PageOffset(pa uint64) uint64 {
	return pa & PageMask
}

// PML4Index returns the PML4 entry index for the address (bits [39:47]).
//
//go:nosplit
func PML4Index(pa uint64) uint16 {
	return uint16((pa >> pml4Shift) & indexMask)
}

// PDPTIndex returns the PDPT entry index for the address (bits [30:38]).
//
//go:nosplit
func PDPTIndex(pa uint64) uint16 {
	return uint16((pa >> pdptShift) & indexMask)
}

// PDTIndex returns the PDT entry index for the address (bits [21:29]).
//
//go:nosplit
func PDTIndex(pa uint64) uint16 {
	return uint16((pa >> pdtShift) & indexMask)
}

// PTIndex returns the PT entry index for the address (bits [12:20]).
//
//go:nosplit
func PTIndex(pa uint64) uint16 {
	return uint16((pa >> ptShift) & indexMask)
}
