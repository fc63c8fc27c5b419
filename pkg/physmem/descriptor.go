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

	"github.com/mohae/deepcopy"
	"github.com/sirupsen/logrus"

	"svmhook.dev/svmhook/pkg/npt"
)

// Run is a contiguous range of physical page frames.
type Run struct {
	// BasePage is the first page frame number of the run.
	BasePage uint64

	// PageCount is the number of 4-KB pages in the run.
	PageCount uint64
}

// Base returns the physical address of the run's first byte.
func (r Run) Base() uint64 {
	return npt.PAForPFN(r.BasePage)
}

// Limit returns the physical address one past the run's last byte.
func (r Run) Limit() uint64 {
	return npt.PAForPFN(r.BasePage + r.PageCount)
}

// ContainsPage reports whether the page frame pfn lies in the run.
func (r Run) ContainsPage(pfn uint64) bool {
	return pfn >= r.BasePage && pfn < r.BasePage+r.PageCount
}

// Descriptor describes all RAM in the machine as a set of runs. Runs are
// sorted by base and do not overlap.
type Descriptor struct {
	Runs []Run
}

// NewDescriptor validates and adopts the given runs.
func NewDescriptor(runs []Run) (*Descriptor, error) {
	var prevLimit uint64
	for i, r := range runs {
		if r.PageCount == 0 {
			return nil, fmt.Errorf("physmem: run %d is empty", i)
		}
		if r.BasePage < prevLimit {
			return nil, fmt.Errorf("physmem: run %d (base page %#x) overlaps or is out of order", i, r.BasePage)
		}
		prevLimit = r.BasePage + r.PageCount
	}
	return &Descriptor{Runs: runs}, nil
}

// Duplicate returns a deep copy of the descriptor. Each processor works
// from its own copy so that table construction never shares state.
func (d *Descriptor) Duplicate() *Descriptor {
	return deepcopy.Copy(d).(*Descriptor)
}

// PageCount returns the total number of RAM pages across all runs.
func (d *Descriptor) PageCount() uint64 {
	var total uint64
	for _, r := range d.Runs {
		total += r.PageCount
	}
	return total
}

// HighestPhysical returns the address of the last byte of RAM.
func (d *Descriptor) HighestPhysical() uint64 {
	if len(d.Runs) == 0 {
		return 0
	}
	return d.Runs[len(d.Runs)-1].Limit() - 1
}

// MaxPDPTIndex returns the number of 1-GB translation ranges needed to
// cover all RAM, rounded up. Permission sweeps over the nested page
// tables stop at this index.
func (d *Descriptor) MaxPDPTIndex() uint16 {
	if len(d.Runs) == 0 {
		return 0
	}
	limit := d.Runs[len(d.Runs)-1].Limit()
	return uint16((limit + npt.PDPTRangeSize - 1) / npt.PDPTRangeSize)
}

// DumpRanges logs each run of the descriptor.
func (d *Descriptor) DumpRanges(log *logrus.Entry) {
	for i, r := range d.Runs {
		log.WithFields(logrus.Fields{
			"run":   i,
			"base":  fmt.Sprintf("%#012x", r.Base()),
			"limit": fmt.Sprintf("%#012x", r.Limit()),
			"pages": r.PageCount,
		}).Debug("Physical memory range")
	}
	log.WithFields(logrus.Fields{
		"totalPages":   d.PageCount(),
		"maxPDPTIndex": d.MaxPDPTIndex(),
	}).Info("Physical memory described")
}
