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

// Package lower expands tensor-level memory operations into per-lane target
// instruction sequences. Each operation is lowered into its own ir.Region
// together with the values that replace its results.
package lower

import (
	"fmt"

	"github.com/ajroetker/go-simtlower/lower/ir"
	"github.com/ajroetker/go-simtlower/lower/layout"
	"github.com/ajroetker/go-simtlower/lower/ptx"
)

// Expansion is the lowering of one operation.
type Expansion struct {
	Op     Op
	Region *ir.Region

	// Results replaces the operation's per-lane results in order. It is
	// nil when the operation has no used result.
	Results []*ir.Value

	Remarks []Remark

	// UsesScratch reports whether the expansion wrote the shared scratch
	// slot.
	UsesScratch bool
}

// Lowerer lowers operations for one kernel configuration.
type Lowerer struct {
	cfg Config
}

// New validates cfg and returns a Lowerer.
func New(cfg Config) (*Lowerer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Lowerer{cfg: cfg}, nil
}

// Config returns the configuration the Lowerer was built with.
func (l *Lowerer) Config() Config { return l.cfg }

// Lower expands op. Values created for the expansion are allocated from ctx,
// which must be the context the operands were created in.
func (l *Lowerer) Lower(ctx *ir.Context, op Op) (*Expansion, error) {
	return l.lower(ctx, op, false)
}

func (l *Lowerer) lower(ctx *ir.Context, op Op, scratchLive bool) (*Expansion, error) {
	b := ir.NewBuilder(ctx)
	lw := &lowering{
		cfg:         &l.cfg,
		op:          op,
		b:           b,
		g:           newGuards(b),
		exp:         &Expansion{Op: op, Region: b.Region()},
		scratchLive: scratchLive,
	}
	var err error
	switch op := op.(type) {
	case *LoadOp:
		err = lw.lowerLoad(op)
	case *StoreOp:
		err = lw.lowerStore(op)
	case *AtomicCASOp:
		err = lw.lowerCAS(op)
	case *AtomicRMWOp:
		err = lw.lowerRMW(op)
	case *AsyncCopyOp:
		err = lw.lowerAsyncCopy(op)
	case *BulkLoadOp:
		err = lw.lowerBulkLoad(op)
	case *BulkStoreOp:
		err = lw.lowerBulkStore(op)
	case *GatherOp:
		err = lw.lowerGather(op)
	case *ScatterOp:
		err = lw.lowerScatter(op)
	case *AsyncCommitGroupOp:
		err = lw.lowerAsyncCommitGroup()
	case *AsyncWaitOp:
		err = lw.lowerAsyncWait(op)
	case *MbarrierArriveOp:
		err = lw.lowerMbarrierArrive(op)
	case *BulkWaitOp:
		err = lw.lowerBulkWait(op)
	default:
		internalf("unknown operation %T", op)
	}
	if err != nil {
		return nil, err
	}
	return lw.exp, nil
}

// lowering is the state of one operation's expansion.
type lowering struct {
	cfg *Config
	op  Op
	b   *ir.Builder
	g   *guards
	exp *Expansion

	// scratchLive is set when an earlier expansion in the same pass
	// published through the scratch slot.
	scratchLive bool

	laneID, warpID, tid, ctaID *ir.Value
}

func (lw *lowering) debugf(format string, args ...any) {
	if lw.cfg.Debug == nil {
		return
	}
	fmt.Fprintf(lw.cfg.Debug, "%s: "+format+"\n", append([]any{lw.op.Name()}, args...)...)
}

func (lw *lowering) remark(r Remark, ok bool) {
	if ok {
		lw.exp.Remarks = append(lw.exp.Remarks, r)
		lw.debugf("%s", r.Message)
	}
}

func (lw *lowering) configErr(err error) error     { return configError(lw.op, err) }
func (lw *lowering) validationErr(err error) error { return validationError(lw.op, err) }

func (lw *lowering) lane() *ir.Value {
	if lw.laneID == nil {
		lw.laneID = lw.b.ReadSpecial(ir.SpecialLaneID)
	}
	return lw.laneID
}

func (lw *lowering) warp() *ir.Value {
	if lw.warpID == nil {
		lw.warpID = lw.b.ReadSpecial(ir.SpecialWarpID)
	}
	return lw.warpID
}

func (lw *lowering) thread() *ir.Value {
	if lw.tid == nil {
		lw.tid = lw.b.ReadSpecial(ir.SpecialThreadID)
	}
	return lw.tid
}

func (lw *lowering) clusterCTA() *ir.Value {
	if lw.ctaID == nil {
		lw.ctaID = lw.b.ReadSpecial(ir.SpecialClusterCTAID)
	}
	return lw.ctaID
}

// levelGuard returns (id & mask) == 0, or nil for a zero mask.
func (lw *lowering) levelGuard(id func() *ir.Value, mask uint32) *ir.Value {
	if mask == 0 {
		return nil
	}
	b := lw.b
	return b.ICmpEQ(b.And(id(), b.I32(int(mask))), b.I32(0))
}

// redundancyGuard admits only the canonical lane, warp and block of each
// group of duplicates. A single-block cluster has no block level.
func (lw *lowering) redundancyGuard(m FreeVarMasks) Predicate {
	var p Predicate
	p = p.And(lw.levelGuard(lw.lane, m.Lane))
	p = p.And(lw.levelGuard(lw.warp, m.Warp))
	if lw.cfg.NumCTAs > 1 {
		p = p.And(lw.levelGuard(lw.clusterCTA, m.Block))
	}
	return p
}

// elect returns a predicate true for exactly one lane of the warp.
func (lw *lowering) elect() *ir.Value {
	pb := ptx.NewBuilder()
	dst := pb.NewOutput("b", false)
	pb.CreateTemplate("elect.sync", "elect.sync _|$0, 0xffffffff;").Call(dst)
	return pb.Launch(lw.b, ir.I1)
}

// barrier emits a full barrier across the cooperating threads.
func (lw *lowering) barrier() {
	if lw.cfg.NumCTAs > 1 {
		lw.b.ClusterArrive()
		lw.b.ClusterWait()
		return
	}
	lw.b.Barrier()
}

// applyLayout evaluates l at the given inputs. Missing inputs are zero.
// Every output is computed as the XOR of the bases of the set input bits.
func (lw *lowering) applyLayout(l layout.Layout, ins map[string]*ir.Value) map[string]*ir.Value {
	b := lw.b
	outs := make(map[string]*ir.Value)
	for j, out := range l.OutDimNames() {
		acc := b.I32(0)
		for _, in := range l.InDimNames() {
			v, ok := ins[in]
			if !ok {
				continue
			}
			for bit := range l.InDimBits(in) {
				basis := l.Basis(in, bit)[j]
				if basis == 0 {
					continue
				}
				set := b.And(b.LShr(v, b.I32(bit)), b.I32(1))
				acc = b.Xor(acc, b.Mul(set, b.I32(basis)))
			}
		}
		outs[out] = acc
	}
	return outs
}
