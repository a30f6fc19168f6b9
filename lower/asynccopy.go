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

	"github.com/samber/lo"

	"github.com/ajroetker/go-simtlower/lower/ir"
	"github.com/ajroetker/go-simtlower/lower/layout"
	"github.com/ajroetker/go-simtlower/lower/ptx"
)

// copySlot pairs a source pointer with its mask bit.
type copySlot struct {
	ptr  *ir.Value
	mask *ir.Value
}

// sharedRun returns how many leading registers of cvt map to consecutive
// shared offsets, as a power of two.
func sharedRun(cvt layout.Layout) int {
	run := 1
	for bit := range cvt.InDimBits(layout.Register) {
		if cvt.Basis(layout.Register, bit)[0] != run {
			break
		}
		run *= 2
	}
	return run
}

func (lw *lowering) lowerAsyncCopy(op *AsyncCopyOp) error {
	if err := lw.checkOperands(op.Src, map[string]*Tensor{"mask": op.Mask, "other": op.Fill}); err != nil {
		return err
	}
	if op.Dst == nil || op.Dst.Base == nil {
		return lw.validationErr(fmt.Errorf("%w: missing shared destination", ErrMalformedOperand))
	}
	if op.Src.IsScalar() {
		return lw.validationErr(fmt.Errorf("%w: source must be a distributed pointer tensor", ErrMalformedOperand))
	}
	if op.Fill != nil && !lo.EveryBy(op.Fill.Elems, isZeroConst) {
		return lw.configErr(ErrUnsupportedFill)
	}
	b := lw.b
	elemBits := op.Elem.Bits

	slots := make([]copySlot, op.Src.Len())
	for i, p := range op.Src.Elems {
		slots[i] = copySlot{ptr: p, mask: op.Mask.elem(i)}
	}
	action := layout.RemoveBroadcastedRegs(op.Src.Layout)
	srcLayout := action.Apply(op.Src.Layout)
	slots = layout.ApplyRegs(action, slots)

	maxVec := PlanVectorWidth(contiguityOf(op.Src), maskAlignmentOf(op.Mask), elemBits)
	if bytes := maxVec * elemBits / 8; bytes < 4 {
		return lw.configErr(fmt.Errorf("%w; calculated this as %d bytes", ErrTransferTooNarrow, bytes))
	}

	masks := MasksOf(op.Src.Layout)
	masks.Block = 0
	threadPred := lw.g.materialize(lw.redundancyGuard(masks))

	cvt, err := srcLayout.InvertAndCompose(op.Dst.Layout)
	if err != nil {
		return lw.validationErr(fmt.Errorf("%w: %v", ErrMalformedOperand, err))
	}
	if !cvt.IsTrivialOver([]string{layout.Block}) {
		return lw.configErr(ErrBlockNotTrivial)
	}
	cvt = cvt.Sublayout([]string{layout.Register, layout.Lane, layout.Warp}, []string{layout.Offset})

	vec := fitWidth(min(maxVec, sharedRun(cvt)), len(slots))
	nBytes := vec * elemBits / 8
	if nBytes < 4 {
		return lw.configErr(fmt.Errorf("%w; calculated this as %d bytes", ErrTransferTooNarrow, nBytes))
	}
	cache := "ca"
	if nBytes == 16 {
		cache = "cg"
	}
	lw.debugf("elems=%d vec=%d bytes=%d masks={%s}", len(slots), vec, nBytes, masks)

	for r := 0; r < len(slots); r += vec {
		offs := lw.applyLayout(cvt, map[string]*ir.Value{
			layout.Register: b.I32(r),
			layout.Lane:     lw.lane(),
			layout.Warp:     lw.warp(),
		})
		dst := b.GEP(op.Dst.Base, offs[layout.Offset], op.Elem)

		pb := ptx.NewBuilder()
		dstAddr := pb.NewAddr(dst, "r", 0)
		srcAddr := pb.NewAddr(slots[r].ptr, "l", 0)
		copySize := pb.NewConstInt(uint64(nBytes))
		srcSize := copySize
		if m := slots[r].mask; m != nil {
			srcSize = pb.NewOperand(b.Select(m, b.I32(nBytes), b.I32(0)), "r")
		}
		pb.Create("cp.async").
			Mod(cache).
			Shared().
			Global().
			Call(dstAddr, srcAddr, copySize, srcSize).
			Predicate(threadPred)
		pb.Launch(b, ir.Void)
	}
	lw.token()
	return nil
}
