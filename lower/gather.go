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
	"slices"

	"github.com/samber/lo"

	"github.com/ajroetker/go-simtlower/lower/ir"
	"github.com/ajroetker/go-simtlower/lower/layout"
	"github.com/ajroetker/go-simtlower/lower/ptx"
)

// rowsPerMessage is the number of x offsets one gather4 or scatter4 message
// carries.
const rowsPerMessage = 4

// rowMessage is one four-row transfer.
type rowMessage struct {
	pred   *ir.Value
	shared *ir.Value
	y      *ir.Value
	rows   []*ir.Value
}

// forEachRowMessage validates the x offsets of a gather or scatter and calls
// emit once per (row group, column message) pair.
func (lw *lowering) forEachRowMessage(desc *ir.Value, x *Tensor, y *ir.Value, s *SharedMem, pred Predicate, emit func(rowMessage)) error {
	if !lw.cfg.Target.GatherScatter4() {
		return lw.configErr(fmt.Errorf("%w: %s needs sm100, have %s",
			ErrUnsupportedTarget, lw.op.Name(), lw.cfg.Target.Name))
	}
	if desc == nil || y == nil || s == nil || s.Base == nil {
		return lw.validationErr(fmt.Errorf("%w: missing descriptor, y offset or shared buffer", ErrMalformedOperand))
	}
	if err := lw.checkOperands(x, nil); err != nil {
		return err
	}
	xl := x.Layout
	if xl.InDimSize(layout.Register) < rowsPerMessage {
		return lw.validationErr(fmt.Errorf("%w: need at least %d x offsets per lane, have %d",
			ErrOffsetsNotGrouped, rowsPerMessage, xl.InDimSize(layout.Register)))
	}
	for bit := range 2 {
		if xl.Basis(layout.Register, bit)[0] != 1<<bit {
			return lw.validationErr(fmt.Errorf("%w: register bit %d does not step dim0 by %d",
				ErrOffsetsNotGrouped, bit, 1<<bit))
		}
	}
	if n := len(s.AllocShape); n < 2 || !slices.Equal(s.Shape, s.AllocShape[n-2:]) {
		return lw.validationErr(fmt.Errorf("%w: shape %v, alloc shape %v", ErrShapeMismatch, s.Shape, s.AllocShape))
	}
	if s.Encoding != EncodingNVMMA {
		return lw.validationErr(ErrEncoding)
	}
	if len(s.BoxShape) != 2 || s.BoxShape[1] <= 0 {
		return lw.validationErr(fmt.Errorf("%w: box %v", ErrMalformedOperand, s.BoxShape))
	}

	free := xl.FreeVariableMasks()
	lanes := xl.InDimSize(layout.Lane)
	if free[layout.Lane] != uint32(lanes-1) {
		return lw.validationErr(ErrOffsetsNotBroadcast)
	}
	regMask, warpMask := free[layout.Register], free[layout.Warp]

	inner := s.ShapePerCTA()[1]
	numMsgs := (inner + s.BoxShape[1] - 1) / s.BoxShape[1]
	if inner%numMsgs != 0 || !isPow2(numMsgs) {
		return lw.validationErr(fmt.Errorf("%w: %d columns do not split into %d messages",
			ErrMalformedOperand, inner, numMsgs))
	}
	msgSize := inner / numMsgs
	msgLayout := layout.Multiply(xl, layout.Strided1D(numMsgs, msgSize, layout.Msg, layout.DimName(1)))
	msgToShared, err := msgLayout.InvertAndCompose(s.unswizzled())
	if err != nil {
		return lw.validationErr(fmt.Errorf("%w: shared layout does not cover the rows: %v", ErrMalformedOperand, err))
	}
	lw.debugf("rows=%d messages=%d size=%d regMask=%#x warpMask=%#x", x.Len(), numMsgs, msgSize, regMask, warpMask)

	b := lw.b
	warpID, blockID := lw.warp(), lw.clusterCTA()
	guard := lw.g.orTrue(pred.And(lw.levelGuard(lw.warp, warpMask)).And(lw.elect()))

	for g, rows := range lo.Chunk(x.Elems, rowsPerMessage) {
		regID := g * rowsPerMessage
		if uint32(regID)&regMask != 0 {
			continue
		}
		for msg := range numMsgs {
			off := lw.applyLayout(msgToShared, map[string]*ir.Value{
				layout.Register: b.I32(regID),
				layout.Lane:     b.I32(0),
				layout.Warp:     warpID,
				layout.Block:    blockID,
				layout.Msg:      b.I32(msg),
			})[layout.Offset]
			emit(rowMessage{
				pred:   guard,
				shared: b.GEP(s.Base, off, s.Elem),
				y:      b.Add(y, b.I32(msg*msgSize)),
				rows:   rows,
			})
		}
	}
	return nil
}

func (lw *lowering) lowerGather(op *GatherOp) error {
	if op.Barrier == nil {
		return lw.validationErr(fmt.Errorf("%w: missing completion barrier", ErrMalformedOperand))
	}
	const (
		mnemonic = "cp.async.bulk.tensor.2d.tile::gather4.shared::cluster.global.mbarrier::complete_tx::bytes"
		text     = "@$0 " + mnemonic + " [$1], [$2, {$3, $4, $5, $6, $7}], [$8];"
	)
	pred := Predicate{}.And(op.Pred)
	return lw.forEachRowMessage(op.Desc, op.XOffsets, op.YOffset, op.Dst, pred, func(m rowMessage) {
		pb := ptx.NewBuilder()
		in := pb.CreateTemplate(mnemonic, text)
		in.Guard = pb.NewOperand(m.pred, "b")
		ops := []*ptx.Operand{in.Guard, pb.NewOperand(m.shared, "r"), pb.NewOperand(op.Desc, "l"), pb.NewOperand(m.y, "r")}
		for _, r := range m.rows {
			ops = append(ops, pb.NewOperand(r, "r"))
		}
		ops = append(ops, pb.NewOperand(op.Barrier, "r"))
		in.Call(ops...)
		pb.Launch(lw.b, ir.Void)
	})
}

func (lw *lowering) lowerScatter(op *ScatterOp) error {
	const (
		mnemonic = "cp.async.bulk.tensor.2d.tile::scatter4.global.shared::cta.bulk_group"
		text     = "@$0 " + mnemonic + " [$1, {$2, $3, $4, $5, $6}], [$7];"
	)
	err := lw.forEachRowMessage(op.Desc, op.XOffsets, op.YOffset, op.Src, Predicate{}, func(m rowMessage) {
		pb := ptx.NewBuilder()
		in := pb.CreateTemplate(mnemonic, text)
		in.Guard = pb.NewOperand(m.pred, "b")
		ops := []*ptx.Operand{in.Guard, pb.NewOperand(op.Desc, "l"), pb.NewOperand(m.y, "r")}
		for _, r := range m.rows {
			ops = append(ops, pb.NewOperand(r, "r"))
		}
		ops = append(ops, pb.NewOperand(m.shared, "r"))
		in.Call(ops...)
		pb.Launch(lw.b, ir.Void)
	})
	if err != nil {
		return err
	}
	lw.b.Emit(ir.OpBulkCommitGroup, ir.Void, nil)
	return nil
}
