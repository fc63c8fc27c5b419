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
	"testing"

	"github.com/google/go-cmp/cmp"
)

// testRuns is 16 MB at zero, a hole, then RAM from 1 MB below 1 GB up to
// 800 MB past it, roughly the shape firmware hands back.
func testRuns() []Run {
	return []Run{
		{BasePage: 0x0, PageCount: 0x1000},
		{BasePage: 0x3ff00, PageCount: 0x32000},
	}
}

func TestNewDescriptorRejectsBadRuns(t *testing.T) {
	cases := []struct {
		name string
		runs []Run
	}{
		{"empty run", []Run{{BasePage: 0x100, PageCount: 0}}},
		{"out of order", []Run{{BasePage: 0x200, PageCount: 1}, {BasePage: 0x100, PageCount: 1}}},
		{"overlap", []Run{{BasePage: 0x100, PageCount: 0x10}, {BasePage: 0x105, PageCount: 1}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := NewDescriptor(c.runs); err == nil {
				t.Error("NewDescriptor accepted invalid runs")
			}
		})
	}
}

func TestDuplicateIsIndependent(t *testing.T) {
	d, err := NewDescriptor(testRuns())
	if err != nil {
		t.Fatalf("NewDescriptor: %v", err)
	}
	dup := d.Duplicate()
	if diff := cmp.Diff(d, dup); diff != "" {
		t.Fatalf("Duplicate differs (-orig +dup):\n%s", diff)
	}
	dup.Runs[0].PageCount = 1
	if d.Runs[0].PageCount == 1 {
		t.Error("mutating the duplicate changed the original")
	}
}

func TestMaxPDPTIndex(t *testing.T) {
	cases := []struct {
		name string
		runs []Run
		want uint16
	}{
		{"empty", nil, 0},
		{"under 1GB", []Run{{BasePage: 0, PageCount: 0x100}}, 1},
		{"exactly 1GB", []Run{{BasePage: 0, PageCount: 0x40000}}, 1},
		{"1800MB", []Run{{BasePage: 0, PageCount: 0x70800}}, 2},
		{"hole past 2GB", []Run{{BasePage: 0, PageCount: 0x100}, {BasePage: 0x80000, PageCount: 0x100}}, 3},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := &Descriptor{Runs: c.runs}
			if got := d.MaxPDPTIndex(); got != c.want {
				t.Errorf("MaxPDPTIndex = %d, want %d", got, c.want)
			}
		})
	}
}

func TestRunIndexContains(t *testing.T) {
	d, err := NewDescriptor(testRuns())
	if err != nil {
		t.Fatalf("NewDescriptor: %v", err)
	}
	x := NewRunIndex(d)
	cases := []struct {
		pa   uint64
		want bool
	}{
		{0x0, true},
		{0xfff, true},
		{0xfff000, true},       // last page of the first run
		{0x1000000, false},     // first byte of the hole
		{0x3feff000, false},    // last page of the hole
		{0x3ff00000, true},     // first page of the second run
		{0x71eff000, true},     // last page of the second run
		{0x71f00000, false},    // past the end of RAM
		{0xffffffffffff, false},
	}
	for _, c := range cases {
		if got := x.Contains(c.pa); got != c.want {
			t.Errorf("Contains(%#x) = %t, want %t", c.pa, got, c.want)
		}
	}
}
