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
	"strings"

	"github.com/ajroetker/go-simtlower/lower/ir"
	"github.com/ajroetker/go-simtlower/lower/layout"
	"github.com/ajroetker/go-simtlower/lower/ptx"
)

// MsgToPackedOffset maps (msg, block) to the packed tensor coordinates each
// bulk message starts at: messages walk the boxes of the per-block shape,
// blocks walk the block split in CTA order.
func MsgToPackedOffset(s *SharedMem) layout.Layout {
	shape := s.ShapePerCTA()
	l := layout.Empty()
	for d := range shape {
		box := s.BoxShape[d]
		l = layout.Multiply(l, layout.Strided1D(shape[d]/box, box, layout.Msg, layout.DimName(d)))
	}
	for _, d := range s.ctaOrder() {
		l = layout.Multiply(l, layout.Identity1D(s.split(d), layout.Block, layout.DimName(d)))
	}
	return l
}

// msgToUnpackedOffset doubles the last dim of a packed buffer.
func msgToUnpackedOffset(packed layout.Layout, s *SharedMem) layout.Layout {
	if !s.Packed {
		return packed
	}
	last := layout.DimName(s.Rank() - 1)
	return layout.Multiply(layout.Zeros1D(1, layout.Msg, last, 2), packed)
}

func (lw *lowering) checkBulk(s *SharedMem, coords []*ir.Value, desc *ir.Value) error {
	if !lw.cfg.Target.BulkTensorCopy() {
		return lw.configErr(fmt.Errorf("%w: %s needs sm90, have %s",
			ErrUnsupportedTarget, lw.op.Name(), lw.cfg.Target.Name))
	}
	if s == nil || s.Base == nil || desc == nil {
		return lw.validationErr(fmt.Errorf("%w: missing descriptor or shared buffer", ErrMalformedOperand))
	}
	if len(coords) != s.Rank() || len(s.BoxShape) != s.Rank() {
		return lw.validationErr(fmt.Errorf("%w: rank %d buffer with %d coordinates and %d box dims",
			ErrMalformedOperand, s.Rank(), len(coords), len(s.BoxShape)))
	}
	shape := s.ShapePerCTA()
	for d, box := range s.BoxShape {
		if box <= 0 || shape[d]%box != 0 || !isPow2(shape[d]/box) {
			return lw.validationErr(fmt.Errorf("%w: box %d does not tile dim %d of size %d",
				ErrMalformedOperand, box, d, shape[d]))
		}
	}
	return nil
}

// bulkMessage is one descriptor transfer: the shared address and the global
// coordinates, innermost dim first.
type bulkMessage struct {
	pred   *ir.Value
	shared *ir.Value
	coords []*ir.Value
}

// forEachMessage walks the messages of a descriptor copy in batches of one
// message per warp and calls emit for each batch.
func (lw *lowering) forEachMessage(s *SharedMem, coords []*ir.Value, pred Predicate, emit func(bulkMessage)) error {
	b := lw.b
	packed := MsgToPackedOffset(s)
	msgToShared, err := packed.InvertAndCompose(s.Layout)
	if err != nil {
		return lw.validationErr(fmt.Errorf("%w: shared layout does not cover the messages: %v", ErrMalformedOperand, err))
	}
	msgToOffset := msgToUnpackedOffset(packed, s)

	numCopies := msgToOffset.InDimSize(layout.Msg)
	numWarps := lw.cfg.NumWarps
	warpSize := lw.cfg.Target.WarpSize
	warpID := lw.warp()
	tid := lw.thread()
	ctaID := lw.clusterCTA()
	rank := s.Rank()
	lw.debugf("messages=%d warps=%d", numCopies, numWarps)

	for copyIdx := 0; copyIdx < numCopies; copyIdx += numWarps {
		n := min(numCopies-copyIdx, numWarps)
		if n == 1 {
			warpID = b.I32(0)
		}
		boxPred := lw.g.orTrue(pred.And(b.ICmpULT(tid, b.I32(n*warpSize))))
		msg := b.Add(warpID, b.I32(copyIdx))

		shOff := lw.applyLayout(msgToShared, map[string]*ir.Value{
			layout.Msg:   msg,
			layout.Block: b.I32(0),
		})[layout.Offset]
		offs := lw.applyLayout(msgToOffset, map[string]*ir.Value{
			layout.Msg:   msg,
			layout.Block: ctaID,
		})
		inner := make([]*ir.Value, rank)
		for i := range rank {
			d := rank - 1 - i
			c := coords[d]
			if off, ok := offs[layout.DimName(d)]; ok {
				c = b.Add(c, off)
			}
			inner[i] = c
		}
		emit(bulkMessage{
			pred:   boxPred,
			shared: b.GEP(s.Base, shOff, s.Elem),
			coords: inner,
		})
	}
	return nil
}

// placeholders returns "$first, $first+1, ..." for n operands.
func placeholders(first, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", first+i)
	}
	return strings.Join(parts, ", ")
}

func (lw *lowering) lowerBulkLoad(op *BulkLoadOp) error {
	if op.Cache != CacheNone || op.Evict != EvictNormal || op.Volatile {
		return lw.configErr(ErrUnsupportedModifier)
	}
	if err := lw.checkBulk(op.Dst, op.Coords, op.Desc); err != nil {
		return err
	}
	if op.Barrier == nil {
		return lw.validationErr(fmt.Errorf("%w: missing completion barrier", ErrMalformedOperand))
	}
	b := lw.b
	pred := Predicate{}.And(op.Pred).And(lw.elect())
	rank := op.Dst.Rank()
	mnemonic := fmt.Sprintf("cp.async.bulk.tensor.%dd.shared::cluster.global.mbarrier::complete_tx::bytes", rank)
	text := fmt.Sprintf("@$0 %s [$1], [$2, {%s}], [$%d];", mnemonic, placeholders(3, rank), 3+rank)

	return lw.forEachMessage(op.Dst, op.Coords, pred, func(m bulkMessage) {
		pb := ptx.NewBuilder()
		in := pb.CreateTemplate(mnemonic, text)
		in.Guard = pb.NewOperand(m.pred, "b")
		ops := []*ptx.Operand{in.Guard, pb.NewOperand(m.shared, "r"), pb.NewOperand(op.Desc, "l")}
		for _, c := range m.coords {
			ops = append(ops, pb.NewOperand(c, "r"))
		}
		ops = append(ops, pb.NewOperand(op.Barrier, "r"))
		in.Call(ops...)
		pb.Launch(b, ir.Void)
	})
}

func (lw *lowering) lowerBulkStore(op *BulkStoreOp) error {
	if op.Cache != CacheNone || op.Evict != EvictNormal {
		return lw.configErr(ErrUnsupportedModifier)
	}
	if op.Reduce < ReduceNone || op.Reduce > ReduceXor {
		return lw.configErr(fmt.Errorf("%w: %s", ErrUnsupportedRMW, op.Reduce))
	}
	if err := lw.checkBulk(op.Src, op.Coords, op.Desc); err != nil {
		return err
	}
	b := lw.b
	rank := op.Src.Rank()
	mnemonic := fmt.Sprintf("cp.async.bulk.tensor.%dd.global.shared::cta.bulk_group", rank)
	if op.Reduce != ReduceNone {
		mnemonic = fmt.Sprintf("cp.reduce.async.bulk.tensor.%dd.global.shared::cta.%s.bulk_group", rank, op.Reduce)
	}
	text := fmt.Sprintf("@$0 %s [$1, {%s}], [$%d];", mnemonic, placeholders(2, rank), 2+rank)

	pred := Predicate{}.And(lw.elect())
	err := lw.forEachMessage(op.Src, op.Coords, pred, func(m bulkMessage) {
		pb := ptx.NewBuilder()
		in := pb.CreateTemplate(mnemonic, text)
		in.Guard = pb.NewOperand(m.pred, "b")
		ops := []*ptx.Operand{in.Guard, pb.NewOperand(op.Desc, "l")}
		for _, c := range m.coords {
			ops = append(ops, pb.NewOperand(c, "r"))
		}
		ops = append(ops, pb.NewOperand(m.shared, "r"))
		in.Call(ops...)
		pb.Launch(b, ir.Void)
	})
	if err != nil {
		return err
	}
	b.Emit(ir.OpBulkCommitGroup, ir.Void, nil)
	return nil
}
