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
	"bytes"
	"testing"
)

func testSpace(t *testing.T) *Space {
	t.Helper()
	d, err := NewDescriptor(testRuns())
	if err != nil {
		t.Fatalf("NewDescriptor: %v", err)
	}
	return NewSpace(d)
}

func TestReadWriteCrossesPages(t *testing.T) {
	s := testSpace(t)

	data := make([]byte, 0x2000)
	for i := range data {
		data[i] = byte(i)
	}
	// Start mid-page so the copy spans three frames.
	const pa = 0x1800
	if err := s.WriteAt(pa, data); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(data))
	if err := s.ReadAt(pa, got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("read back different bytes")
	}

	// Untouched memory reads as zero.
	zero := make([]byte, 16)
	if err := s.ReadAt(0x500000, zero); err != nil {
		t.Fatalf("ReadAt untouched: %v", err)
	}
	if !bytes.Equal(zero, make([]byte, 16)) {
		t.Error("untouched memory not zero-filled")
	}
}

func TestAccessOutsideRAM(t *testing.T) {
	s := testSpace(t)
	if err := s.WriteAt(0x1000000, []byte{1}); err == nil {
		t.Error("WriteAt into the memory hole succeeded")
	}
	// A copy that starts in RAM but runs off the end of the run fails too.
	if err := s.ReadAt(0xffffff0, make([]byte, 0x20)); err == nil {
		t.Error("ReadAt spanning past the run end succeeded")
	}
	if s.Page(0x1000000) != nil {
		t.Error("Page of a non-RAM address is not nil")
	}
}

func TestPageIsStable(t *testing.T) {
	s := testSpace(t)
	page := s.Page(0x2345)
	if page == nil {
		t.Fatal("Page = nil for RAM address")
	}
	if len(page) != 0x1000 {
		t.Fatalf("Page length = %d", len(page))
	}
	page[0x345] = 0xaa
	var b [1]byte
	if err := s.ReadAt(0x2345, b[:]); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if b[0] != 0xaa {
		t.Error("write through Page slice not visible to ReadAt")
	}
}

func TestAllocPage(t *testing.T) {
	s := testSpace(t)
	first, err := s.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	// Allocation comes off the top of the last run.
	if want := uint64(0x71eff000); first != want {
		t.Errorf("first AllocPage = %#x, want %#x", first, want)
	}
	second, err := s.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if second == first {
		t.Error("AllocPage returned the same page twice")
	}

	s.FreePage(first)
	again, err := s.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage after free: %v", err)
	}
	if again != first {
		t.Errorf("freed page not reused: got %#x, want %#x", again, first)
	}
}

func TestAllocPageExhaustion(t *testing.T) {
	d, err := NewDescriptor([]Run{{BasePage: 0x100, PageCount: 2}})
	if err != nil {
		t.Fatalf("NewDescriptor: %v", err)
	}
	s := NewSpace(d)
	// One page is already in use by the guest.
	s.WriteAt(0x100000, []byte{1})

	if _, err := s.AllocPage(); err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if _, err := s.AllocPage(); err != ErrNoMemory {
		t.Errorf("AllocPage on full space = %v, want ErrNoMemory", err)
	}
}

func TestPinNesting(t *testing.T) {
	s := testSpace(t)
	s.Pin(0x3010)
	s.Pin(0x3ff0) // same page
	if !s.Pinned(0x3000) {
		t.Fatal("page not pinned")
	}
	s.Unpin(0x3000)
	if !s.Pinned(0x3000) {
		t.Error("page unpinned while a pin remains")
	}
	s.Unpin(0x3000)
	if s.Pinned(0x3000) {
		t.Error("page still pinned")
	}
	if got := len(s.PinnedPages()); got != 0 {
		t.Errorf("%d pinned pages remain", got)
	}

	defer func() {
		if recover() == nil {
			t.Error("Unpin of an unpinned page did not panic")
		}
	}()
	s.Unpin(0x3000)
}
