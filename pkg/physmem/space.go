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

package physmem

import (
	"fmt"
	"sort"
	"sync"

	"svmhook.dev/svmhook/pkg/npt"
)

// DirectMapBase is the virtual address at which physical address 0 is
// mapped. Every RAM page is visible at DirectMapBase plus its physical
// address.
const DirectMapBase = 0xffff_8800_0000_0000

// VirtualFor returns the direct-map virtual address of a physical address.
//
//go:nosplit
func VirtualFor(pa uint64) uint64 {
	return DirectMapBase + pa
}

// PhysicalFor returns the physical address behind a direct-map virtual
// address.
//
//go:nosplit
func PhysicalFor(va uint64) uint64 {
	return va - DirectMapBase
}

// ErrNoMemory is returned when no free page can be found for AllocPage.
var ErrNoMemory = fmt.Errorf("physmem: out of free pages")

// Space is the machine's physical memory. Pages materialize zero-filled
// on first access; AllocPage reserves untouched frames from the top of
// RAM downward for callers that need pages of their own.
//
// All methods are safe for concurrent use.
type Space struct {
	mu sync.Mutex

	desc     *Descriptor
	index    *RunIndex
	frames   map[uint64][]byte
	reserved map[uint64]bool
	pins     map[uint64]int
}

// NewSpace returns a Space over the descriptor's RAM.
func NewSpace(d *Descriptor) *Space {
	return &Space{
		desc:     d,
		index:    NewRunIndex(d),
		frames:   make(map[uint64][]byte),
		reserved: make(map[uint64]bool),
		pins:     make(map[uint64]int),
	}
}

// Descriptor returns the descriptor the space was built from.
func (s *Space) Descriptor() *Descriptor {
	return s.desc
}

// Contains reports whether the physical address lies within RAM.
func (s *Space) Contains(pa uint64) bool {
	return s.index.Contains(pa)
}

// Page returns the 4-KB backing slice of the page containing pa, or nil
// if the address is not RAM. The slice stays valid for the lifetime of
// the space.
func (s *Space) Page(pa uint64) []byte {
	if !s.index.Contains(pa) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageLocked(npt.PageAlign(pa))
}

func (s *Space) pageLocked(page uint64) []byte {
	frame, ok := s.frames[page]
	if !ok {
		frame = make([]byte, npt.PageSize)
		s.frames[page] = frame
	}
	return frame
}

// ReadAt copies len(b) bytes of physical memory starting at pa into b,
// crossing page boundaries as needed.
func (s *Space) ReadAt(pa uint64, b []byte) error {
	return s.copyAt(pa, b, false)
}

// WriteAt copies b into physical memory starting at pa, crossing page
// boundaries as needed.
func (s *Space) WriteAt(pa uint64, b []byte) error {
	return s.copyAt(pa, b, true)
}

func (s *Space) copyAt(pa uint64, b []byte, write bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(b) > 0 {
		if !s.index.Contains(pa) {
			return fmt.Errorf("physmem: address %#x is not RAM", pa)
		}
		frame := s.pageLocked(npt.PageAlign(pa))
		off := npt.PageOffset(pa)
		n := copy(b, frame[off:])
		if write {
			n = copy(frame[off:], b)
		}
		b = b[n:]
		pa += uint64(n)
	}
	return nil
}

// AllocPage reserves an untouched RAM page and returns its physical
// address. The page is zero-filled and will not be handed out again
// until freed. Scanning runs from the top of RAM downward keeps the
// reservations away from low memory, which the guest workloads touch
// first.
func (s *Space) AllocPage() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.desc.Runs) - 1; i >= 0; i-- {
		r := s.desc.Runs[i]
		for pfn := r.BasePage + r.PageCount; pfn > r.BasePage; pfn-- {
			page := npt.PAForPFN(pfn - 1)
			if s.reserved[page] {
				continue
			}
			if _, touched := s.frames[page]; touched {
				continue
			}
			s.reserved[page] = true
			s.frames[page] = make([]byte, npt.PageSize)
			return page, nil
		}
	}
	return 0, ErrNoMemory
}

// FreePage releases a page previously returned by AllocPage.
func (s *Space) FreePage(pa uint64) {
	page := npt.PageAlign(pa)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reserved[page] {
		panic(fmt.Sprintf("FreePage of unreserved page %#x", page))
	}
	delete(s.reserved, page)
	delete(s.frames, page)
}

// Pin locks the page containing pa so that its backing cannot be
// repurposed while a translation references it. Pins nest.
func (s *Space) Pin(pa uint64) {
	page := npt.PageAlign(pa)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[page]++
}

// Unpin drops one pin from the page containing pa.
func (s *Space) Unpin(pa uint64) {
	page := npt.PageAlign(pa)
	s.mu.Lock()
	defer s.mu.Unlock()
	count, ok := s.pins[page]
	if !ok {
		panic(fmt.Sprintf("Unpin of unpinned page %#x", page))
	}
	if count == 1 {
		delete(s.pins, page)
		return
	}
	s.pins[page] = count - 1
}

// Pinned reports whether the page containing pa holds any pins.
func (s *Space) Pinned(pa uint64) bool {
	page := npt.PageAlign(pa)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins[page] > 0
}

// PinnedPages returns the sorted physical addresses of all pinned pages.
func (s *Space) PinnedPages() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	pages := make([]uint64, 0, len(s.pins))
	for page := range s.pins {
		pages = append(pages, page)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	return pages
}
