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

func TestBuildThenFind(t *testing.T) {
	pt, err := New(NewRuntimeAllocator())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pt.Release()

	addrs := []uint64{
		0x0,
		0x1000,
		0x200000,  // new PT
		0x40000000, // new PDT
		0x40001000,
		0x7ffff000,
	}
	for _, pa := range addrs {
		built := pt.Build(pa)
		if built == nil {
			t.Fatalf("Build(%#x) = nil", pa)
		}
		found := pt.Find(pa)
		if found != built {
			t.Errorf("Find(%#x) = %p, want the built leaf %p", pa, found, built)
		}
		if got := found.PFN(); got != PFNForPA(pa) {
			t.Errorf("leaf PFN for %#x = %#x, want %#x", pa, got, PFNForPA(pa))
		}
		if !found.Valid() || !found.Writable() || !found.User() {
			t.Errorf("leaf for %#x missing valid/writable/user: %#x", pa, uint64(*found))
		}
	}
}

func TestFindNeverAllocates(t *testing.T) {
	a := NewRuntimeAllocator()
	pt, err := New(a)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pt.Release()

	live := a.Live()
	if entry := pt.Find(0x123456000); entry != nil {
		t.Errorf("Find of never-built address = %p, want nil", entry)
	}
	if got := a.Live(); got != live {
		t.Errorf("Find allocated: %d nodes live, was %d", got, live)
	}

	// A partially built path still returns nil from the first invalid
	// intermediate entry.
	if pt.Build(0x1000) == nil {
		t.Fatal("Build(0x1000) = nil")
	}
	if entry := pt.Find(0x200000); entry != nil {
		t.Errorf("Find(0x200000) after building only 0x1000 = %p, want nil", entry)
	}
}

func TestBuildTwicePanics(t *testing.T) {
	pt, err := New(NewRuntimeAllocator())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pt.Release()

	if pt.Build(0x1000) == nil {
		t.Fatal("Build(0x1000) = nil")
	}
	defer func() {
		if recover() == nil {
			t.Error("second Build of the same leaf did not panic")
		}
	}()
	pt.Build(0x1000)
}

func TestBuildAllocationFailure(t *testing.T) {
	// Root plus one full walk is 4 nodes; a limit of 2 fails mid-walk.
	a := NewBoundedRuntimeAllocator(2)
	pt, err := New(a)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pt.Release()

	if entry := pt.Build(0x1000); entry != nil {
		t.Errorf("Build under exhausted allocator = %p, want nil", entry)
	}
}

func TestRelease(t *testing.T) {
	a := NewRuntimeAllocator()
	pt, err := New(a)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Spread leaves across several tables at every level.
	for _, pa := range []uint64{0x0, 0x1000, 0x200000, 0x40000000, 0x8000000000} {
		if pt.Build(pa) == nil {
			t.Fatalf("Build(%#x) = nil", pa)
		}
	}
	if a.Live() == 0 {
		t.Fatal("no nodes live after builds")
	}
	pt.Release()
	if got := a.Live(); got != 0 {
		t.Errorf("%d nodes leaked after Release", got)
	}
}

func TestPoolAllocator(t *testing.T) {
	backing := NewRuntimeAllocator()
	pool := NewPoolAllocator(backing, 4)
	if pool == nil {
		t.Fatal("NewPoolAllocator = nil")
	}
	if got := pool.Capacity(); got != 4 {
		t.Fatalf("Capacity = %d, want 4", got)
	}

	seen := make(map[*PTEs]bool)
	for i := 0; i < 4; i++ {
		ptes := pool.NewPTEs()
		if ptes == nil {
			t.Fatalf("pool NewPTEs #%d = nil", i)
		}
		if seen[ptes] {
			t.Fatalf("pool NewPTEs #%d returned a node twice", i)
		}
		seen[ptes] = true
		if got := pool.LookupPTEs(pool.PhysicalFor(ptes)); got != ptes {
			t.Errorf("pool lookup of own node failed")
		}
	}
	if got := pool.Used(); got != 4 {
		t.Errorf("Used = %d, want 4", got)
	}

	defer func() {
		if recover() == nil {
			t.Error("pool exhaustion did not panic")
		}
	}()
	pool.NewPTEs()
}

func TestPoolAllocatorRelease(t *testing.T) {
	backing := NewRuntimeAllocator()
	pool := NewPoolAllocator(backing, 8)
	if pool == nil {
		t.Fatal("NewPoolAllocator = nil")
	}
	for i := 0; i < 3; i++ {
		pool.NewPTEs()
	}

	// Release frees only the 5 unconsumed entries; the 3 consumed ones
	// stay live (they would be referenced from the tree).
	pool.Release()
	if got := backing.Live(); got != 3 {
		t.Errorf("%d nodes live after pool Release, want 3", got)
	}
}

func TestAllocatorSwap(t *testing.T) {
	backing := NewRuntimeAllocator()
	pt, err := New(backing)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if pt.Build(0x1000) == nil {
		t.Fatal("Build(0x1000) = nil")
	}

	pool := NewPoolAllocator(backing, 4)
	pt.SetAllocator(pool)

	// Walking through nodes built before the swap still works, and new
	// tables come from the pool.
	if pt.Find(0x1000) == nil {
		t.Error("Find(0x1000) = nil after allocator swap")
	}
	if pt.Build(0x40000000) == nil {
		t.Error("Build(0x40000000) = nil after allocator swap")
	}
	// A fresh PDT and PT; the PML4 entry and PDPT already existed.
	if got := pool.Used(); got != 2 {
		t.Errorf("pool Used = %d after building a fresh walk, want 2", got)
	}

	pt.Release()
	pool.Release()
	if got := backing.Live(); got != 0 {
		t.Errorf("%d nodes leaked", got)
	}
}
