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
	"strconv"

	"github.com/ajroetker/go-simtlower/lower/ir"
	"github.com/ajroetker/go-simtlower/lower/ptx"
)

// scratch returns the shared scratch slot for a scalar result. A barrier is
// placed first when an earlier expansion may still be reading the slot.
func (lw *lowering) scratch() *ir.Value {
	if lw.scratchLive {
		lw.barrier()
	}
	lw.exp.UsesScratch = true
	return lw.b.SharedScratch()
}

// storeShared writes v to the shared address ptr under pred.
func (lw *lowering) storeShared(ptr, v, pred *ir.Value) {
	bits := v.Type.SizeInBits()
	pb := ptx.NewBuilder()
	pb.Create("st").Shared().B(bits).
		Call(pb.NewAddr(ptr, "r", 0), pb.NewOperand(v, wordConstraint(bits))).
		Predicate(pred)
	pb.Launch(lw.b, ir.Void)
}

// readBack waits for the writer and loads the published value in every lane.
func (lw *lowering) readBack(t ir.Type, slot *ir.Value) *ir.Value {
	lw.barrier()
	return lw.b.Load(t, slot)
}

// publish makes a value produced by the lane satisfying pred visible to all
// lanes of the block or cluster.
func (lw *lowering) publish(v, pred *ir.Value) *ir.Value {
	slot := lw.scratch()
	lw.storeShared(slot, v, pred)
	return lw.readBack(v.Type, slot)
}

func (lw *lowering) token() {
	lw.exp.Results = []*ir.Value{lw.b.I32(0)}
}

func (lw *lowering) lowerAsyncCommitGroup() error {
	lw.b.Emit(ir.OpAsyncCommitGroup, ir.Void, nil)
	lw.token()
	return nil
}

func (lw *lowering) lowerAsyncWait(op *AsyncWaitOp) error {
	if op.Num < 0 {
		return lw.validationErr(fmt.Errorf("%w: negative group count %d", ErrMalformedOperand, op.Num))
	}
	lw.b.Emit(ir.OpAsyncWaitGroup, ir.Void, nil, ir.Attr{Key: "num", Value: strconv.Itoa(op.Num)})
	lw.token()
	return nil
}

func (lw *lowering) lowerMbarrierArrive(op *MbarrierArriveOp) error {
	if op.Barrier == nil {
		return lw.validationErr(fmt.Errorf("%w: missing barrier", ErrMalformedOperand))
	}
	lw.b.Emit(ir.OpMbarrierArrive, ir.Void, []*ir.Value{op.Barrier},
		ir.Attr{Key: "noinc", Value: strconv.FormatBool(op.NoIncrement)})
	return nil
}

func (lw *lowering) lowerBulkWait(op *BulkWaitOp) error {
	if op.Pending < 0 {
		return lw.validationErr(fmt.Errorf("%w: negative group count %d", ErrMalformedOperand, op.Pending))
	}
	lw.b.Emit(ir.OpBulkWaitGroup, ir.Void, nil,
		ir.Attr{Key: "pending", Value: strconv.Itoa(op.Pending)},
		ir.Attr{Key: "read", Value: "true"})
	return nil
}
