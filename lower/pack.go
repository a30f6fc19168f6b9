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
	"github.com/samber/lo"

	"github.com/ajroetker/go-simtlower/lower/ir"
)

func lowBits(width int) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return 1<<width - 1
}

// packBits places elems little-endian into one word, element 0 in the low
// bits.
func packBits(elems []uint64, elemBits int) uint64 {
	var w uint64
	for i, e := range elems {
		w |= (e & lowBits(elemBits)) << (i * elemBits)
	}
	return w
}

// unpackBits splits a word packed by packBits back into n elements.
func unpackBits(word uint64, elemBits, n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = word >> (i * elemBits) & lowBits(elemBits)
	}
	return out
}

// replicateSplat fills a width-bit immediate with copies of an elemBits-wide
// value.
func replicateSplat(splat uint64, elemBits, width int) uint64 {
	splat &= lowBits(elemBits)
	var rep uint64
	for s := 0; s < width; s += elemBits {
		rep |= splat << s
	}
	return rep & lowBits(width)
}

// splatBits returns the shared bit pattern when every value is the same
// integer constant.
func splatBits(vals []*ir.Value) (uint64, bool) {
	if len(vals) == 0 || !vals[0].Const || !vals[0].Type.IsInt() {
		return 0, false
	}
	first := vals[0].Bits
	ok := lo.EveryBy(vals, func(v *ir.Value) bool {
		return v.Const && v.Bits == first
	})
	return first, ok
}

// packWord builds one width-bit integer from elems of type elem. i1 values
// are sign-extended to bytes first.
func packWord(b *ir.Builder, elems []*ir.Value, elem ir.Type, width int) *ir.Value {
	vt := ir.VecOf(elem, width/elem.Bits)
	vec := b.Undef(vt)
	for i, e := range elems {
		if e.Type == ir.I1 {
			e = b.SExt(e, ir.I8)
		}
		vec = b.InsertElement(vec, b.Bitcast(e, elem), i)
	}
	return b.Bitcast(vec, ir.Int(width))
}

// unpackWords splits the result of a word load back into elements.
func unpackWords(b *ir.Builder, ret *ir.Value, plan VectorPlan, elem ir.Type) []*ir.Value {
	out := make([]*ir.Value, 0, plan.Vec)
	for w := range plan.NWords {
		word := ret
		if plan.NWords > 1 {
			word = b.ExtractValue(ret, w)
		}
		vec := b.Bitcast(word, ir.VecOf(elem, plan.WordElems))
		for e := 0; e < plan.WordElems && len(out) < plan.Vec; e++ {
			out = append(out, b.ExtractElement(vec, e))
		}
	}
	return out
}

// memType returns the in-memory element type; i1 occupies a byte.
func memType(t ir.Type) ir.Type {
	if t.IsInt() && t.Bits < 8 {
		return ir.I8
	}
	return t
}
