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

	"github.com/ajroetker/go-simtlower/lower/ir"
	"github.com/ajroetker/go-simtlower/lower/layout"
	"github.com/ajroetker/go-simtlower/lower/ptx"
)

// checkOperands verifies that every optional tensor lines up with ptr.
func (lw *lowering) checkOperands(ptr *Tensor, named map[string]*Tensor) error {
	if ptr == nil || ptr.Len() == 0 {
		return lw.validationErr(fmt.Errorf("%w: empty pointer operand", ErrMalformedOperand))
	}
	if !ptr.IsScalar() {
		if regs := ptr.Layout.InDimSize(layout.Register); regs != ptr.Len() {
			return lw.validationErr(fmt.Errorf("%w: pointer holds %d elements per lane, layout has %d registers",
				ErrMalformedOperand, ptr.Len(), regs))
		}
	}
	for name, t := range named {
		if t != nil && t.Len() != ptr.Len() {
			return lw.validationErr(fmt.Errorf("%w: %s holds %d elements per lane, pointer holds %d",
				ErrMalformedOperand, name, t.Len(), ptr.Len()))
		}
	}
	return nil
}

// masksOf returns the free-variable masks of a pointer operand. A scalar is
// held by every lane, warp and block.
func masksOf(ptr *Tensor) FreeVarMasks {
	if ptr.IsScalar() {
		return replicated
	}
	return MasksOf(ptr.Layout)
}

// planAccess picks the vector width of a masked global access and reports a
// degraded plan.
func (lw *lowering) planAccess(ptr, mask *Tensor, elemBits int) (vec int) {
	n := ptr.Len()
	orig := fitWidth(PlanVectorWidth(contiguityOf(ptr), 0, elemBits), n)
	vec = fitWidth(PlanVectorWidth(contiguityOf(ptr), maskAlignmentOf(mask), elemBits), n)
	lw.remark(degraded(lw.op, vec, orig, n, mask))
	return vec
}

// cachePolicy creates the L2 eviction policy register for evict-first and
// evict-last accesses on targets that support fractional policies.
func (lw *lowering) cachePolicy(evict EvictionPolicy) *ir.Value {
	if evict != EvictFirst && evict != EvictLast || !lw.cfg.Target.FractionalL2Policy() {
		return nil
	}
	pb := ptx.NewBuilder()
	dst := pb.NewOutput("l", false)
	pb.Create("createpolicy.fractional").
		O("L2::evict_first", evict == EvictFirst).
		O("L2::evict_last", evict == EvictLast).
		B(64).
		Call(dst, pb.NewConst("1.0"))
	return pb.Launch(lw.b, ir.I64)
}

func (lw *lowering) lowerLoad(op *LoadOp) error {
	if err := lw.checkOperands(op.Ptr, map[string]*Tensor{"mask": op.Mask, "other": op.Fill}); err != nil {
		return err
	}
	b := lw.b
	n := op.Ptr.Len()
	elem := memType(op.Elem)
	vec := lw.planAccess(op.Ptr, op.Mask, elem.Bits)
	plan := planWords(elem.Bits, vec)
	masks := masksOf(op.Ptr)
	lw.debugf("elems=%d vec=%d width=%d words=%d masks={%s}", n, vec, plan.Width, plan.NWords, masks)

	splat, isSplat := uint64(0), false
	if op.Fill != nil && elem.IsInt() {
		splat, isSplat = splatBits(op.Fill.Elems)
	}

	var policy *ir.Value
	loaded := make([]*ir.Value, 0, n)
	for start := 0; start < n; start += vec {
		if c := masks.Canonical(start); c != start {
			loaded = append(loaded, loaded[c:c+vec]...)
			continue
		}
		if policy == nil {
			policy = lw.cachePolicy(op.Evict)
		}

		pb := ptx.NewBuilder()
		dsts := pb.NewList()
		for range plan.NWords {
			dsts.Append(pb.NewOutput(wordConstraint(plan.Width), op.Fill == nil))
		}
		if op.Fill != nil {
			for w := range plan.NWords {
				var src *ptx.Operand
				if isSplat {
					src = pb.NewConstInt(replicateSplat(splat, elem.Bits, plan.MovWidth))
				} else {
					lo := start + w*plan.WordElems
					word := packWord(b, op.Fill.Elems[lo:lo+plan.WordElems], elem, plan.Width)
					src = pb.NewOperand(word, wordConstraint(plan.Width))
				}
				pb.Create("mov").Mod(fmt.Sprintf("u%d", plan.MovWidth)).Call(dsts.At(w), src)
			}
		}

		args := []*ptx.Operand{dsts, pb.NewAddr(op.Ptr.Elems[start], "l", 0)}
		if policy != nil {
			args = append(args, pb.NewOperand(policy, "l"))
		}
		pb.Create("ld").
			O("volatile", op.Volatile).
			Global().
			O("ca", op.Cache == CacheCA).
			O("cg", op.Cache == CacheCG).
			O("L1::evict_first", op.Evict == EvictFirst).
			O("L1::evict_last", op.Evict == EvictLast).
			O("L2::cache_hint", policy != nil).
			V(plan.NWords).
			B(plan.Width).
			Call(args...).
			Predicate(op.Mask.elem(start))

		retTy := ir.Int(plan.Width)
		if plan.NWords > 1 {
			retTy = ir.StructOf(retTy, plan.NWords)
		}
		ret := pb.Launch(b, retTy)
		for _, v := range unpackWords(b, ret, plan, elem) {
			if elem != op.Elem {
				v = b.Trunc(v, op.Elem)
			}
			loaded = append(loaded, v)
		}
	}
	lw.exp.Results = loaded
	return nil
}

func (lw *lowering) lowerStore(op *StoreOp) error {
	if err := lw.checkOperands(op.Ptr, map[string]*Tensor{"value": op.Value, "mask": op.Mask}); err != nil {
		return err
	}
	if op.Value == nil {
		return lw.validationErr(fmt.Errorf("%w: missing value", ErrMalformedOperand))
	}
	n := op.Ptr.Len()
	elem := memType(op.Elem)
	vec := lw.planAccess(op.Ptr, op.Mask, elem.Bits)
	plan := planWords(elem.Bits, vec)
	masks := masksOf(op.Ptr)
	threadPred := lw.redundancyGuard(masks)
	lw.debugf("elems=%d vec=%d width=%d words=%d masks={%s}", n, vec, plan.Width, plan.NWords, masks)

	var policy *ir.Value
	for start := 0; start < n; start += vec {
		if !masks.IsCanonical(start) {
			continue
		}
		if policy == nil {
			policy = lw.cachePolicy(op.Evict)
		}

		pb := ptx.NewBuilder()
		words := pb.NewList()
		for w := range plan.NWords {
			lo := start + w*plan.WordElems
			word := packWord(lw.b, op.Value.Elems[lo:lo+plan.WordElems], elem, plan.Width)
			words.Append(pb.NewOperand(word, wordConstraint(plan.Width)))
		}
		args := []*ptx.Operand{pb.NewAddr(op.Ptr.Elems[start], "l", 0), words}
		if policy != nil {
			args = append(args, pb.NewOperand(policy, "l"))
		}
		pred := threadPred.And(op.Mask.elem(start))
		pb.Create("st").
			Global().
			O("wb", op.Cache == CacheWB).
			O("cg", op.Cache == CacheCG).
			O("cs", op.Cache == CacheCS).
			O("wt", op.Cache == CacheWT).
			O("L1::evict_first", op.Evict == EvictFirst).
			O("L1::evict_last", op.Evict == EvictLast).
			O("L2::cache_hint", policy != nil).
			V(plan.NWords).
			B(plan.Width).
			Call(args...).
			Predicate(lw.g.materialize(pred))
		pb.Launch(lw.b, ir.Void)
	}
	return nil
}
