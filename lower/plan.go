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

package lower

import (
	"fmt"

	"github.com/ajroetker/go-simtlower/lower/layout"
)

const maxAccessBits = 128

// PlanVectorWidth returns the number of consecutive elements one lane moves
// per instruction: the largest power of two no greater than contiguity,
// maskAlignment and the number of elements that fit in 128 bits. A
// maskAlignment of 0 means the access is unmasked.
func PlanVectorWidth(contiguity, maskAlignment, elemBits int) int {
	limit := maxAccessBits / max(8, elemBits)
	limit = min(limit, max(1, contiguity))
	if maskAlignment > 0 {
		limit = min(limit, maskAlignment)
	}
	return floorPow2(max(1, limit))
}

func floorPow2(n int) int {
	p := 1
	for p*2 <= n {
		p *= 2
	}
	return p
}

// fitWidth shrinks w until it divides n.
func fitWidth(w, n int) int {
	for w > 1 && n%w != 0 {
		w /= 2
	}
	return w
}

// VectorPlan is the word split for one vector group.
type VectorPlan struct {
	Vec       int // elements per group
	ElemBits  int
	Width     int // bits per word
	NWords    int
	WordElems int // elements per word
	MovWidth  int // width of fill movs
}

// planWords splits a group of vec elements into words of at most
// max(32, elemBits) bits.
func planWords(elemBits, vec int) VectorPlan {
	maxWord := max(32, elemBits)
	total := elemBits * vec
	width := min(total, maxWord)
	return VectorPlan{
		Vec:       vec,
		ElemBits:  elemBits,
		Width:     width,
		NWords:    max(1, total/width),
		WordElems: max(1, width/elemBits),
		MovWidth:  max(16, width),
	}
}

// wordConstraint returns the register constraint for a word of the given
// width.
func wordConstraint(width int) string {
	switch width {
	case 64:
		return "l"
	case 32:
		return "r"
	case 16:
		return "h"
	case 8:
		return "c"
	}
	internalf("unsupported word width %d", width)
	return ""
}

// FreeVarMasks records, per hierarchy level, the index bits that do not
// change which element is addressed. A set bit means lanes (or registers,
// warps, blocks) differing only in that bit hold the same element.
type FreeVarMasks struct {
	Register uint32
	Lane     uint32
	Warp     uint32
	Block    uint32
}

// replicated marks every index bit free at every level.
var replicated = FreeVarMasks{Register: ^uint32(0), Lane: ^uint32(0), Warp: ^uint32(0), Block: ^uint32(0)}

// MasksOf derives the free-variable masks of a distribution.
func MasksOf(l layout.Layout) FreeVarMasks {
	m := l.FreeVariableMasks()
	return FreeVarMasks{
		Register: m[layout.Register],
		Lane:     m[layout.Lane],
		Warp:     m[layout.Warp],
		Block:    m[layout.Block],
	}
}

// Canonical returns the representative register index for i.
func (m FreeVarMasks) Canonical(i int) int {
	return i &^ int(m.Register)
}

// IsCanonical reports whether register index i is its own representative.
func (m FreeVarMasks) IsCanonical(i int) bool {
	return m.Canonical(i) == i
}

func (m FreeVarMasks) String() string {
	return fmt.Sprintf("reg=%#x lane=%#x warp=%#x block=%#x", m.Register, m.Lane, m.Warp, m.Block)
}

// maskAlignmentOf returns the alignment used for planning, 0 when unmasked.
func maskAlignmentOf(mask *Tensor) int {
	if mask == nil {
		return 0
	}
	if mask.IsScalar() {
		return mask.Len()
	}
	return max(1, mask.Alignment)
}

func contiguityOf(ptr *Tensor) int {
	if ptr.IsScalar() {
		return 1
	}
	return max(1, ptr.Contiguity)
}

// degraded returns the remark for a plan that fell back to scalar access.
func degraded(op Op, vec, origVec, elems int, mask *Tensor) (Remark, bool) {
	if vec != 1 || elems <= 1 {
		return Remark{}, false
	}
	align := -1
	if mask != nil {
		align = maskAlignmentOf(mask)
	}
	return Remark{
		Op: op.Name(),
		Message: fmt.Sprintf("vectorization degraded: vec = 1, origin vec = %d, elems per lane = %d, mask alignment = %d",
			origVec, elems, align),
		VecWidth:      vec,
		OrigVecWidth:  origVec,
		ElemsPerLane:  elems,
		MaskAlignment: align,
	}, true
}
