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

// Package npt implements the nested page tables (NPT) used to map
// guest-physical to system-physical addresses.
//
// The tables are a standard 4-level radix tree (PML4, PDPT, PDT, PT) with
// 4-KB leaves only. Two operations walk the tree: Find, which never
// allocates, and Build, which allocates missing intermediate tables from an
// Allocator. The execute permission of a page is the logical AND of the
// no-execute bits on every level of its walk, which is what the permission
// engine in this package exploits to make individual pages, or whole 1-GB
// ranges, non-executable.
package npt
