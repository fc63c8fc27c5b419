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
	"bytes"
	"fmt"
)

// MaxInstructionLength is the architectural limit on one instruction.
const MaxInstructionLength = 15

// ErrUnsupportedPattern is returned when the first instruction of a
// function does not match any known prologue pattern.
var ErrUnsupportedPattern = fmt.Errorf("hook: unrecognized prologue instruction")

// ErrStraddlesPage is returned when a hook sits so close to its page end
// that the first instruction cannot be lifted whole.
var ErrStraddlesPage = fmt.Errorf("hook: prologue instruction straddles a page boundary")

// prologuePattern matches one known first instruction of a hookable
// function. A match on the prefix bytes implies the full instruction
// length; no general decoder is carried.
type prologuePattern struct {
	prefix []byte
	length int
}

var prologuePatterns = []prologuePattern{
	{prefix: []byte{0x40, 0x53}, length: 2},                   // push rbx
	{prefix: []byte{0x40, 0x55}, length: 2},                   // push rbp
	{prefix: []byte{0x40, 0x57}, length: 2},                   // push rdi
	{prefix: []byte{0x48, 0x83, 0xec}, length: 4},             // sub rsp, imm8
	{prefix: []byte{0x48, 0x89, 0x54, 0x24}, length: 5},       // mov [rsp+imm8], rdx
	{prefix: []byte{0x48, 0x89, 0x5c, 0x24}, length: 5},       // mov [rsp+imm8], rbx
	{prefix: []byte{0x48, 0x8b, 0xc4}, length: 3},             // mov rax, rsp
	{prefix: []byte{0x33, 0xd2}, length: 2},                   // xor edx, edx
}

// FirstInstructionLength returns the byte length of the instruction at
// the start of code, by matching against the prologue patterns above.
// Hooking a function whose prologue is not in the table is an error at
// registration time, not a crash later.
func FirstInstructionLength(code []byte) (int, error) {
	for _, p := range prologuePatterns {
		if len(code) >= len(p.prefix) && bytes.Equal(code[:len(p.prefix)], p.prefix) {
			return p.length, nil
		}
	}
	return 0, ErrUnsupportedPattern
}
