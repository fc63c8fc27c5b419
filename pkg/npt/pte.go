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
	"sync/atomic"
)

// Bits in page table entries, per the long-mode 4-KB entry format.
const (
	present  = 0x001 // [0]
	writable = 0x002 // [1]
	user     = 0x004 // [2]
	accessed = 0x020 // [5]
	dirty    = 0x040 // [6]

	// executeDisable is bit [63]. A page is executable only if this bit is
	// clear on the leaf and on every parent level of its walk.
	executeDisable = uint64(1) << 63

	// pfnMask covers the page frame number field, bits [12:51].
	pfnMask = uint64(0x000ffffffffff000)
)

// PTE is a single page table entry at any level of the tree.
//
// All accesses are atomic: the VM-exit path of one processor never touches
// another processor's tables, but entries are also read while being logged.
type PTE uint64

// PTEs is a single page worth of entries, one table node.
type PTEs [entriesPerTable]PTE

// Clear zeroes this entry.
//
//go:nosplit
func (p *PTE) Clear() {
	atomic.StoreUint64((*uint64)(p), 0)
}

// Valid returns true iff this entry is present.
//
//go:nosplit
func (p *PTE) Valid() bool {
	return atomic.LoadUint64((*uint64)(p))&present != 0
}

// Writable returns true iff this entry allows write access.
//
//go:nosplit
func (p *PTE) Writable() bool {
	return atomic.LoadUint64((*uint64)(p))&writable != 0
}

// User returns true iff this entry allows user-mode access.
//
//go:nosplit
func (p *PTE) User() bool {
	return atomic.LoadUint64((*uint64)(p))&user != 0
}

// NoExecute returns true iff execution is disallowed through this entry.
//
//go:nosplit
func (p *PTE) NoExecute() bool {
	return atomic.LoadUint64((*uint64)(p))&executeDisable != 0
}

// SetNoExecute sets or clears the no-execute bit, leaving everything else
// untouched.
//
//go:nosplit
func (p *PTE) SetNoExecute(disallowExecution bool) {
	v := atomic.LoadUint64((*uint64)(p))
	if disallowExecution {
		v |= executeDisable
	} else {
		v &^= executeDisable
	}
	atomic.StoreUint64((*uint64)(p), v)
}

// PFN returns the page frame number this entry translates to.
//
// This should only be used if Valid returns true.
//
//go:nosplit
func (p *PTE) PFN() uint64 {
	return (atomic.LoadUint64((*uint64)(p)) & pfnMask) >> PageShift
}

// SetPFN atomically switches the backing page frame of this entry,
// preserving all permission bits. This is how a hooked page's physical
// backing flips between the original page and the exec page.
//
//go:nosplit
func (p *PTE) SetPFN(pfn uint64) {
	v := atomic.LoadUint64((*uint64)(p))
	v = (v &^ pfnMask) | (PAForPFN(pfn) & pfnMask)
	atomic.StoreUint64((*uint64)(p), v)
}

// Set makes the entry valid, writable and user-accessible, translating to
// the given page frame. The no-execute bit starts clear.
//
//go:nosplit
func (p *PTE) Set(pfn uint64) {
	v := (PAForPFN(pfn) & pfnMask) | present | writable | user
	atomic.StoreUint64((*uint64)(p), v)
}
