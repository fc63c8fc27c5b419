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
	"sync"
	"sync/atomic"
)

// Allocator provides table nodes for the page table tree.
//
// Note that allocators may be called concurrently.
type Allocator interface {
	// NewPTEs returns a new zero-filled table node, or nil when no memory
	// is available.
	NewPTEs() *PTEs

	// PhysicalFor returns the physical address of a node previously
	// returned by NewPTEs.
	PhysicalFor(ptes *PTEs) uint64

	// LookupPTEs returns the node at the given physical address.
	LookupPTEs(physical uint64) *PTEs

	// FreePTEs releases a node.
	FreePTEs(ptes *PTEs)
}

// tableBase is the synthetic physical address at which table nodes are
// placed. It sits far above any RAM run so table frames never collide with
// translated guest frames.
const tableBase = uint64(1) << 45

// tableRegionSize is the synthetic address space carved out per allocator,
// so nodes of different allocators (one per processor) never alias.
const tableRegionSize = uint64(1) << 33

var tableRegions atomic.Uint64

// RuntimeAllocator is a general-purpose allocator backed by the Go heap.
// It serves initialization-time table construction, where allocation
// failure is recoverable and surfaces as a nil return.
type RuntimeAllocator struct {
	mu sync.Mutex

	// limit bounds the number of live nodes; zero means unlimited. Used
	// to exercise allocation-failure paths.
	limit int

	// nodes maps the synthetic physical address to the node.
	nodes map[uint64]*PTEs

	// physical maps the node back to its synthetic physical address.
	physical map[*PTEs]uint64

	next uint64
}

// NewRuntimeAllocator returns a RuntimeAllocator with no node limit.
func NewRuntimeAllocator() *RuntimeAllocator {
	region := tableRegions.Add(1) - 1
	return &RuntimeAllocator{
		nodes:    make(map[uint64]*PTEs),
		physical: make(map[*PTEs]uint64),
		next:     tableBase + region*tableRegionSize,
	}
}

// NewBoundedRuntimeAllocator returns a RuntimeAllocator that fails (returns
// nil from NewPTEs) once limit nodes are live.
func NewBoundedRuntimeAllocator(limit int) *RuntimeAllocator {
	a := NewRuntimeAllocator()
	a.limit = limit
	return a
}

// NewPTEs implements Allocator.NewPTEs.
func (a *RuntimeAllocator) NewPTEs() *PTEs {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.limit != 0 && len(a.nodes) >= a.limit {
		return nil
	}
	ptes := new(PTEs)
	pa := a.next
	a.next += PageSize
	a.nodes[pa] = ptes
	a.physical[ptes] = pa
	return ptes
}

// PhysicalFor implements Allocator.PhysicalFor.
func (a *RuntimeAllocator) PhysicalFor(ptes *PTEs) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	pa, ok := a.physical[ptes]
	if !ok {
		panic(fmt.Sprintf("PhysicalFor of unknown node %p", ptes))
	}
	return pa
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *RuntimeAllocator) LookupPTEs(physical uint64) *PTEs {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nodes[physical]
}

// FreePTEs implements Allocator.FreePTEs.
func (a *RuntimeAllocator) FreePTEs(ptes *PTEs) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pa, ok := a.physical[ptes]
	if !ok {
		panic(fmt.Sprintf("FreePTEs of unknown node %p", ptes))
	}
	delete(a.nodes, pa)
	delete(a.physical, ptes)
}

// Live returns the number of nodes currently allocated.
func (a *RuntimeAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.nodes)
}

// PoolAllocator serves table construction inside VM-exit handling, where
// ordinary blocking allocation is not possible. It hands out nodes
// pre-allocated from an underlying RuntimeAllocator; lookups and frees
// delegate to that allocator so the tree remains uniformly addressable.
//
// Exhausting the pool is deliberately fatal: table construction mid-fault
// cannot unwind safely, so the allocator panics rather than returning nil.
// The capacity is an empirically chosen upper bound on simultaneous
// demand-mapped pages between quiesce points.
type PoolAllocator struct {
	backing *RuntimeAllocator
	entries []*PTEs
	used    atomic.Int32
}

// PoolCapacity is the number of nodes pre-allocated per processor.
const PoolCapacity = 50

// NewPoolAllocator pre-allocates capacity nodes from the backing allocator.
// It returns nil if the backing allocator cannot satisfy the pool.
func NewPoolAllocator(backing *RuntimeAllocator, capacity int) *PoolAllocator {
	p := &PoolAllocator{
		backing: backing,
		entries: make([]*PTEs, 0, capacity),
	}
	for i := 0; i < capacity; i++ {
		ptes := backing.NewPTEs()
		if ptes == nil {
			p.Release()
			return nil
		}
		p.entries = append(p.entries, ptes)
	}
	return p
}

// NewPTEs implements Allocator.NewPTEs. It never returns nil; it panics on
// exhaustion.
func (p *PoolAllocator) NewPTEs() *PTEs {
	used := p.used.Add(1)
	if int(used) > len(p.entries) {
		panic(fmt.Sprintf("pre-allocated NPT entries exhausted: %d in use, capacity %d", used, len(p.entries)))
	}
	return p.entries[used-1]
}

// PhysicalFor implements Allocator.PhysicalFor.
func (p *PoolAllocator) PhysicalFor(ptes *PTEs) uint64 {
	return p.backing.PhysicalFor(ptes)
}

// LookupPTEs implements Allocator.LookupPTEs.
func (p *PoolAllocator) LookupPTEs(physical uint64) *PTEs {
	return p.backing.LookupPTEs(physical)
}

// FreePTEs implements Allocator.FreePTEs.
func (p *PoolAllocator) FreePTEs(ptes *PTEs) {
	p.backing.FreePTEs(ptes)
}

// Used returns how many pool entries have been consumed.
func (p *PoolAllocator) Used() int {
	used := int(p.used.Load())
	if used > len(p.entries) {
		return len(p.entries)
	}
	return used
}

// Capacity returns the pool capacity.
func (p *PoolAllocator) Capacity() int {
	return len(p.entries)
}

// Release frees every pool entry not yet handed out. Consumed entries are
// referenced from the tree and freed by PageTables.Release.
func (p *PoolAllocator) Release() {
	for i := p.Used(); i < len(p.entries); i++ {
		p.backing.FreePTEs(p.entries[i])
	}
	p.entries = p.entries[:p.Used()]
}
