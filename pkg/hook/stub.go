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

package hook

import (
	"encoding/binary"
)

// Breakpoint is the int3 opcode planted at the hooked address of the
// execution page.
const Breakpoint = 0xcc

// JumpCodeSize is the size of an absolute indirect jump built by
// AppendJumpCode.
const JumpCodeSize = 15

// AppendJumpCode appends an absolute jump to target:
//
//	nop
//	jmp qword ptr [rip+0]
//	dq target
//
// The nop keeps the jump off the very first stub byte, so a stub is
// never mistaken for a hooked prologue.
func AppendJumpCode(b []byte, target uint64) []byte {
	b = append(b, 0x90, 0xff, 0x25, 0x00, 0x00, 0x00, 0x00)
	return binary.LittleEndian.AppendUint64(b, target)
}

// BuildStub builds the code that runs the original function: the
// prologue instruction lifted from the unpatched page, then a jump to
// the instruction after it.
func BuildStub(prologue []byte, continueAt uint64) []byte {
	stub := make([]byte, 0, len(prologue)+JumpCodeSize)
	stub = append(stub, prologue...)
	return AppendJumpCode(stub, continueAt)
}
