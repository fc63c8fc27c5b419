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
	"math/rand"
	"testing"
)

func TestIndexRoundTrip(t *testing.T) {
	// Reassembling an address from its four indices and page offset must
	// reproduce the address exactly, for any address below the 48-bit
	// translation limit.
	addrs := []uint64{
		0x0,
		0x1000,
		0xfff,
		0x1fffff,
		0x200000,
		0x3fffffff,
		0x40000000,
		0x7fffffffff,
		0xffffffffffff,
	}
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		addrs = append(addrs, r.Uint64()&0xffffffffffff)
	}
	for _, pa := range addrs {
		got := uint64(PML4Index(pa))<<39 |
			uint64(PDPTIndex(pa))<<30 |
			uint64(PDTIndex(pa))<<21 |
			uint64(PTIndex(pa))<<12 |
			PageOffset(pa)
		if got != pa {
			t.Errorf("index round trip of %#x = %#x", pa, got)
		}
	}
}

func TestPFNRoundTrip(t *testing.T) {
	for _, pa := range []uint64{0, 0x1000, 0x12345000, 0xffffff000} {
		if got := PAForPFN(PFNForPA(pa)); got != pa {
			t.Errorf("PAForPFN(PFNForPA(%#x)) = %#x", pa, got)
		}
	}
	// A non-aligned address maps to its page's frame.
	if got := PAForPFN(PFNForPA(0x1234)); got != 0x1000 {
		t.Errorf("PAForPFN(PFNForPA(0x1234)) = %#x, want 0x1000", got)
	}
}

func TestPageAlign(t *testing.T) {
	cases := []struct {
		pa   uint64
		want uint64
	}{
		{0, 0},
		{0xfff, 0},
		{0x1000, 0x1000},
		{0x1001, 0x1000},
		{0x12345678, 0x12345000},
	}
	for _, c := range cases {
		if got := PageAlign(c.pa); got != c.want {
			t.Errorf("PageAlign(%#x) = %#x, want %#x", c.pa, got, c.want)
		}
	}
}

func TestPTESize(t *testing.T) {
	// The entry format is a hardware layout; 8 bytes, 512 to a page.
	var ptes PTEs
	if size := len(ptes) * 8; size != PageSize {
		t.Errorf("PTEs size = %d, want %d", size, PageSize)
	}
}

func TestPTEFields(t *testing.T) {
	var pte PTE
	if pte.Valid() {
		t.Error("zero PTE is valid")
	}
	pte.Set(0x1234)
	if !pte.Valid() || !pte.Writable() || !pte.User() {
		t.Errorf("Set did not set valid/writable/user: %#x", uint64(pte))
	}
	if pte.NoExecute() {
		t.Error("Set left no-execute set")
	}
	if got := pte.PFN(); got != 0x1234 {
		t.Errorf("PFN = %#x, want 0x1234", got)
	}

	pte.SetNoExecute(true)
	if !pte.NoExecute() {
		t.Error("SetNoExecute(true) did not stick")
	}
	if got := pte.PFN(); got != 0x1234 {
		t.Errorf("PFN changed by SetNoExecute: %#x", got)
	}

	pte.SetPFN(0x5678)
	if got := pte.PFN(); got != 0x5678 {
		t.Errorf("SetPFN: PFN = %#x, want 0x5678", got)
	}
	if !pte.NoExecute() || !pte.Valid() || !pte.Writable() {
		t.Errorf("SetPFN clobbered permission bits: %#x", uint64(pte))
	}

	pte.Clear()
	if pte.Valid() {
		t.Error("Clear left the entry valid")
	}
}
