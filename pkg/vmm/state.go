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

package vmm

import "fmt"

// Visibility is the hook visibility state of one processor's nested
// page tables.
type Visibility int

const (
	// Default: hooks disabled, every page executable with its original
	// backing.
	Default Visibility = iota

	// Invisible: hooks enabled, hooked pages non-executable with their
	// original backing. Reads see pristine memory; execution of a
	// hooked page faults.
	Invisible

	// Visible: one hooked page is backed by its patched execution page
	// and is the only executable page. Execution anywhere else faults
	// back to Invisible.
	Visible
)

// String implements fmt.Stringer.
func (v Visibility) String() string {
	switch v {
	case Default:
		return "default"
	case Invisible:
		return "invisible"
	case Visible:
		return "visible"
	default:
		return fmt.Sprintf("Visibility(%d)", int(v))
	}
}
