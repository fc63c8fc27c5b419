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

// Package physmem models the machine's physical memory.
//
// Physical memory is described by a Descriptor: a sorted list of runs of
// page frames, with holes between them for device windows and firmware
// reservations. A Space materializes the RAM pages of a descriptor on
// demand and hands out their backing bytes, tracks page pins, and serves
// page allocations for callers that need fresh frames (execution pages,
// host state areas).
//
// Virtual addresses follow a direct-map convention: the page at physical
// address pa is mapped at DirectMapBase+pa.
package physmem
