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
	"github.com/google/btree"

	"svmhook.dev/svmhook/pkg/npt"
)

// RunIndex answers "is this physical address RAM" against a descriptor.
// Descriptors on real machines carry dozens of runs; the lookup runs on
// every demand-built translation, so it is indexed rather than scanned.
type RunIndex struct {
	tree *btree.BTreeG[Run]
}

// NewRunIndex builds an index over the descriptor's runs.
func NewRunIndex(d *Descriptor) *RunIndex {
	tree := btree.NewG[Run](8, func(a, b Run) bool {
		return a.BasePage < b.BasePage
	})
	for _, r := range d.Runs {
		tree.ReplaceOrInsert(r)
	}
	return &RunIndex{tree: tree}
}

// Contains reports whether the physical address lies within RAM.
func (x *RunIndex) Contains(pa uint64) bool {
	pfn := npt.PFNForPA(pa)
	found := false
	x.tree.DescendLessOrEqual(Run{BasePage: pfn}, func(r Run) bool {
		found = r.ContainsPage(pfn)
		return false
	})
	return found
}

// RunFor returns the run containing the physical address, if any.
func (x *RunIndex) RunFor(pa uint64) (Run, bool) {
	pfn := npt.PFNForPA(pa)
	var run Run
	found := false
	x.tree.DescendLessOrEqual(Run{BasePage: pfn}, func(r Run) bool {
		if r.ContainsPage(pfn) {
			run, found = r, true
		}
		return false
	})
	return run, found
}
