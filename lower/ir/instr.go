// Copyright 2025 go-highway Authors
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

package ir

// Opcode identifies an instruction.
type Opcode int

const (
	OpInvalid Opcode = iota

	// Integer arithmetic and logic.
	OpAnd
	OpOr
	OpXor
	OpAdd
	OpMul
	OpShl
	OpLShr
	OpICmpEQ
	OpICmpNE
	OpICmpULT
	OpSelect

	// Conversions and aggregates.
	OpUndef
	OpBitcast
	OpSExt
	OpZExt
	OpTrunc
	OpInsertElement
	OpExtractElement
	OpExtractValue

	// Memory.
	OpGEP
	OpLoad
	OpStore
	OpSharedScratch
	OpAtomicRMW

	// Thread identity.
	OpReadSpecial

	// Synchronization.
	OpBarrier
	OpClusterArrive
	OpClusterWait

	// Control flow.
	OpBr
	OpCondBr

	// Inline target assembly.
	OpInlineAsm

	// Asynchronous copy completion.
	OpAsyncCommitGroup
	OpAsyncWaitGroup
	OpMbarrierArrive
	OpBulkCommitGroup
	OpBulkWaitGroup
)

var opcodeNames = map[Opcode]string{
	OpAnd:              "and",
	OpOr:               "or",
	OpXor:              "xor",
	OpAdd:              "add",
	OpMul:              "mul",
	OpShl:              "shl",
	OpLShr:             "lshr",
	OpICmpEQ:           "icmp.eq",
	OpICmpNE:           "icmp.ne",
	OpICmpULT:          "icmp.ult",
	OpSelect:           "select",
	OpUndef:            "undef",
	OpBitcast:          "bitcast",
	OpSExt:             "sext",
	OpZExt:             "zext",
	OpTrunc:            "trunc",
	OpInsertElement:    "insertelement",
	OpExtractElement:   "extractelement",
	OpExtractValue:     "extractvalue",
	OpGEP:              "gep",
	OpLoad:             "load",
	OpStore:            "store",
	OpSharedScratch:    "shared.scratch",
	OpAtomicRMW:        "atomicrmw",
	OpReadSpecial:      "read.special",
	OpBarrier:          "barrier",
	OpClusterArrive:    "cluster.arrive",
	OpClusterWait:      "cluster.wait",
	OpBr:               "br",
	OpCondBr:           "condbr",
	OpInlineAsm:        "asm",
	OpAsyncCommitGroup: "async.commit_group",
	OpAsyncWaitGroup:   "async.wait_group",
	OpMbarrierArrive:   "mbarrier.arrive",
	OpBulkCommitGroup:  "bulk.commit_group",
	OpBulkWaitGroup:    "bulk.wait_group",
}

func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}
	return "invalid"
}

// Special registers readable with OpReadSpecial.
const (
	SpecialLaneID       = "laneid"
	SpecialWarpID       = "warpid"
	SpecialThreadID     = "tid.x"
	SpecialClusterCTAID = "cluster.ctarank"
)

// Attr is a named instruction attribute.
type Attr struct {
	Key   string
	Value string
}

// Instr is one instruction. Result is nil for instructions without a value.
type Instr struct {
	Op     Opcode
	Result *Value
	Args   []*Value
	Attrs  []Attr

	// Succs and SuccArgs hold branch targets and the values passed to
	// each target's block arguments.
	Succs    []*Block
	SuccArgs [][]*Value

	// Payload carries structured data for OpInlineAsm.
	Payload any

	Block *Block
}

// Attr returns the value of the named attribute.
func (in *Instr) Attr(key string) (string, bool) {
	for _, a := range in.Attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// Block is a basic block with optional arguments.
type Block struct {
	Name   string
	Args   []*Value
	Instrs []*Instr
}

// Terminated reports whether the block ends in a branch.
func (b *Block) Terminated() bool {
	if len(b.Instrs) == 0 {
		return false
	}
	op := b.Instrs[len(b.Instrs)-1].Op
	return op == OpBr || op == OpCondBr
}

// Region is an ordered list of blocks; the first is the entry.
type Region struct {
	Blocks []*Block
}

// Instrs returns every instruction in block order.
func (r *Region) Instrs() []*Instr {
	var out []*Instr
	for _, b := range r.Blocks {
		out = append(out, b.Instrs...)
	}
	return out
}

// Count returns how many instructions use opcode op.
func (r *Region) Count(op Opcode) int {
	n := 0
	for _, b := range r.Blocks {
		for _, in := range b.Instrs {
			if in.Op == op {
				n++
			}
		}
	}
	return n
}
