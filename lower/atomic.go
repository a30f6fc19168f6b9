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
	"github.com/ajroetker/go-simtlower/lower/ptx"
)

func atomicElemOK(t ir.Type) bool {
	return (t.IsInt() || t.IsFloat()) && (t.Bits == 16 || t.Bits == 32 || t.Bits == 64)
}

// guardedRegion is a conditional block: entry branches to body when the
// guard holds and straight to merge otherwise, passing undef.
type guardedRegion struct {
	body  *ir.Block
	merge *ir.Block
}

// openGuarded ends the current block with a conditional branch on pred and
// positions the builder in the guarded body.
func (lw *lowering) openGuarded(pred *ir.Value, t ir.Type) *guardedRegion {
	b := lw.b
	g := &guardedRegion{
		body:  b.NewBlock("atomic"),
		merge: b.NewBlock("merge", t),
	}
	b.CondBr(pred, g.body, nil, g.merge, []*ir.Value{b.Undef(t)})
	b.SetBlock(g.body)
	return g
}

// close branches from the body to merge with v and returns the merged value.
func (g *guardedRegion) close(b *ir.Builder, v *ir.Value) *ir.Value {
	b.Br(g.merge, v)
	b.SetBlock(g.merge)
	return g.merge.Args[0]
}

func (lw *lowering) lowerCAS(op *AtomicCASOp) error {
	if err := lw.checkOperands(op.Ptr, map[string]*Tensor{"cmp": op.Cmp, "val": op.Val}); err != nil {
		return err
	}
	if op.Cmp == nil || op.Val == nil {
		return lw.validationErr(fmt.Errorf("%w: compare-and-swap needs cmp and val", ErrMalformedOperand))
	}
	if !atomicElemOK(op.Elem) {
		return lw.configErr(fmt.Errorf("%w: %s for atomic_cas", ErrUnsupportedElement, op.Elem))
	}
	b := lw.b
	n := op.Ptr.Len()
	tensor := !op.Ptr.IsScalar()

	vecOrig := fitWidth(PlanVectorWidth(contiguityOf(op.Ptr), 0, op.Elem.Bits), n)
	vec := 1
	if tensor && op.Elem.IsF16() {
		vec = min(vecOrig, 2)
	}
	lw.remark(degraded(lw.op, vec, vecOrig, n, nil))

	masks := masksOf(op.Ptr)
	guard := lw.g.materialize(lw.redundancyGuard(masks))
	tyID := wordConstraint(op.Elem.Bits)
	lw.debugf("elems=%d vec=%d masks={%s}", n, vec, masks)

	results := make([]*ir.Value, n)
	for i := 0; i < n; i += vec {
		if c := masks.Canonical(i); c != i {
			copy(results[i:i+vec], results[c:c+vec])
			continue
		}
		for j := i; j < i+vec; j++ {
			pb := ptx.NewBuilder()
			dst := pb.NewOutput(tyID, true)
			pb.Create("atom").
				Global().
				Mod(op.Sem.String()).
				Mod(op.Scope.String()).
				Mod("cas").
				Mod(fmt.Sprintf("b%d", op.Elem.Bits)).
				Call(dst,
					pb.NewAddr(op.Ptr.Elems[j], "l", 0),
					pb.NewOperand(op.Cmp.Elems[j], tyID),
					pb.NewOperand(op.Val.Elems[j], tyID)).
				Predicate(guard)
			old := pb.Launch(b, op.Elem)
			if tensor {
				results[j] = old
				continue
			}
			if op.ResultUsed {
				results[j] = lw.publish(old, guard)
			}
		}
	}
	if tensor || op.ResultUsed {
		lw.exp.Results = results
	}
	return nil
}

// rmwPlan is the per-operation state shared by the read-modify-write rules.
type rmwPlan struct {
	op     *AtomicRMWOp
	tensor bool
	vec    int // .vN width
	packed int // elements per packed operand, e.g. f16x2
	masks  FreeVarMasks
	thread Predicate
}

func (p *rmwPlan) step() int { return p.vec * p.packed }

// rmwRule is one row of the read-modify-write strategy table. Rules are
// tried in order and the first match lowers the operation.
type rmwRule struct {
	Name  string
	Match func(lw *lowering, p *rmwPlan) bool
	Emit  func(lw *lowering, p *rmwPlan, i int, pred *ir.Value) []*ir.Value
}

var rmwRules = []rmwRule{
	{
		Name:  "LoadAcquire",
		Match: matchLoadAcquire,
		Emit:  emitLoadAcquire,
	},
	{
		Name: "Vectorized",
		Match: func(lw *lowering, p *rmwPlan) bool {
			return p.vec > 1
		},
		Emit: emitNativeRMW,
	},
	{
		Name:  "BranchFallback",
		Match: matchBranchFallback,
		Emit:  emitBranchRMW,
	},
	{
		Name:  "Native",
		Match: func(*lowering, *rmwPlan) bool { return true },
		Emit:  emitNativeRMW,
	},
}

// supportsVectorized reports whether .vN float-add atomics apply.
func supportsVectorized(t Target, kind RMWOp, elem ir.Type) bool {
	if !t.VectorizedAtomics() || kind != RMWFAdd {
		return false
	}
	return elem.IsF16() || elem.IsBF16() || elem == ir.F32
}

// matchLoadAcquire reports whether a scalar atomic add of zero can be
// replaced by an acquire or relaxed load.
func matchLoadAcquire(lw *lowering, p *rmwPlan) bool {
	op := p.op
	if lw.cfg.DisableLoadAcquire || p.tensor || p.step() != 1 {
		return false
	}
	if op.Kind != RMWAdd && op.Kind != RMWFAdd {
		return false
	}
	if op.Sem != Acquire && op.Sem != Relaxed {
		return false
	}
	switch op.Scope {
	case ScopeCTA, ScopeGPU, ScopeSystem:
	default:
		return false
	}
	return isZeroConst(op.Val.Elems[0])
}

// isZeroConst reports whether v is an integer zero or a float zero of
// either sign.
func isZeroConst(v *ir.Value) bool {
	if !v.Const {
		return false
	}
	if v.Type.IsFloat() {
		return v.Bits&^(1<<(v.Type.Bits-1)) == 0
	}
	return v.Bits == 0
}

func matchBranchFallback(lw *lowering, p *rmwPlan) bool {
	t := lw.cfg.Target
	e := p.op.Elem
	return e.IsBF16() && !t.NativeBF16Atomics() || e.IsF16() && !t.NativeF16Atomics()
}

func (lw *lowering) lowerRMW(op *AtomicRMWOp) error {
	if err := lw.checkOperands(op.Ptr, map[string]*Tensor{"val": op.Val, "mask": op.Mask}); err != nil {
		return err
	}
	if op.Val == nil {
		return lw.validationErr(fmt.Errorf("%w: missing val", ErrMalformedOperand))
	}
	if _, _, err := rmwMnemonic(op.Kind, op.Elem, 1); err != nil {
		return lw.configErr(err)
	}
	if !atomicElemOK(op.Elem) {
		return lw.configErr(fmt.Errorf("%w: %s for atomic_rmw", ErrUnsupportedElement, op.Elem))
	}

	n := op.Ptr.Len()
	p := &rmwPlan{op: op, tensor: !op.Ptr.IsScalar(), vec: 1, packed: 1}
	vecOrig := 1
	if p.tensor {
		p.vec = fitWidth(PlanVectorWidth(contiguityOf(op.Ptr), maskAlignmentOf(op.Mask), op.Elem.Bits), n)
		vecOrig = p.vec
		if !supportsVectorized(lw.cfg.Target, op.Kind, op.Elem) {
			p.packed = 1
			if op.Elem.IsF16() {
				p.packed = min(vecOrig, 2)
			}
			p.vec = 1
		}
	}
	if p.step() == 1 {
		lw.remark(degraded(lw.op, 1, vecOrig, n, op.Mask))
	}
	p.masks = masksOf(op.Ptr)
	p.thread = lw.redundancyGuard(p.masks)

	rule := rmwRules[len(rmwRules)-1]
	for _, r := range rmwRules {
		if r.Match(lw, p) {
			rule = r
			break
		}
	}
	lw.debugf("kind=%s elems=%d vec=%d packed=%d rule=%s", op.Kind, n, p.vec, p.packed, rule.Name)

	results := make([]*ir.Value, n)
	for i := 0; i < n; i += p.step() {
		if c := p.masks.Canonical(i); c != i {
			copy(results[i:i+p.step()], results[c:c+p.step()])
			continue
		}
		pred := lw.g.materialize(p.thread.And(op.Mask.elem(i)))
		vals := rule.Emit(lw, p, i, pred)
		copy(results[i:], vals)
	}
	if p.tensor || op.ResultUsed {
		lw.exp.Results = results
	}
	return nil
}

// scalarResult finishes a scalar atomic: the value is published when used.
func (lw *lowering) scalarResult(p *rmwPlan, old, pred *ir.Value) []*ir.Value {
	if !p.op.ResultUsed {
		return nil
	}
	return []*ir.Value{lw.publish(old, pred)}
}

func emitLoadAcquire(lw *lowering, p *rmwPlan, i int, pred *ir.Value) []*ir.Value {
	op := p.op
	bits := op.Elem.Bits
	pb := ptx.NewBuilder()
	dst := pb.NewOutput(wordConstraint(bits), true)
	pb.Create("ld").
		Global().
		Mod(op.Sem.String()).
		Mod(op.Scope.String()).
		B(bits).
		Call(dst, pb.NewAddr(op.Ptr.Elems[i], "l", 0)).
		Predicate(pred)
	old := pb.Launch(lw.b, op.Elem)
	return lw.scalarResult(p, old, pred)
}

// rmwMnemonic returns the operation and type suffix of an atom instruction.
func rmwMnemonic(kind RMWOp, elem ir.Type, packed int) (string, string, error) {
	bits := fmt.Sprint(elem.Bits)
	switch kind {
	case RMWAnd, RMWOr, RMWXor:
		return kind.String(), "b" + bits, nil
	case RMWXchg:
		return "exch", "b" + bits, nil
	case RMWAdd:
		return "add", "u" + bits, nil
	case RMWFAdd:
		opName, ty := "add", "f"+bits
		if elem.Bits == 16 {
			opName += ".noftz"
		}
		if elem.IsBF16() {
			ty = "bf" + bits
		}
		if packed == 2 && elem.Bits == 16 {
			ty += "x2"
		}
		return opName, ty, nil
	case RMWMax, RMWMin:
		return kind.String(), "s" + bits, nil
	case RMWUMax:
		return "max", "u" + bits, nil
	case RMWUMin:
		return "min", "u" + bits, nil
	}
	return "", "", fmt.Errorf("%w: %s", ErrUnsupportedRMW, kind)
}

func emitNativeRMW(lw *lowering, p *rmwPlan, i int, pred *ir.Value) []*ir.Value {
	op := p.op
	b := lw.b
	elem := op.Elem
	rmwOp, sTy, err := rmwMnemonic(op.Kind, elem, p.packed)
	if err != nil {
		internalf("%v", err)
	}
	tyID := wordConstraint(elem.Bits * p.packed)

	pb := ptx.NewBuilder()
	var dst, val *ptx.Operand
	switch {
	case p.vec > 1:
		dst, val = pb.NewList(), pb.NewList()
		for j := range p.vec {
			dst.Append(pb.NewOutput(tyID, true))
			val.Append(pb.NewOperand(op.Val.Elems[i+j], tyID))
		}
	case p.packed > 1:
		dst = pb.NewOutput(tyID, true)
		packed := b.Undef(ir.VecOf(elem, p.packed))
		for j := range p.packed {
			packed = b.InsertElement(packed, op.Val.Elems[i+j], j)
		}
		val = pb.NewOperand(packed, tyID)
	default:
		dst = pb.NewOutput(tyID, true)
		val = pb.NewOperand(op.Val.Elems[i], tyID)
	}
	pb.Create("atom").
		Global().
		Mod(op.Sem.String()).
		Mod(op.Scope.String()).
		Mod(rmwOp).
		V(p.vec).
		Mod(sTy).
		Call(dst, pb.NewAddr(op.Ptr.Elems[i], "l", 0), val).
		Predicate(pred)

	switch {
	case !p.tensor:
		old := pb.Launch(b, elem)
		return lw.scalarResult(p, old, pred)
	case p.vec > 1:
		ret := pb.Launch(b, ir.StructOf(elem, p.vec))
		out := make([]*ir.Value, p.vec)
		for j := range out {
			out[j] = b.ExtractValue(ret, j)
		}
		return out
	case p.packed > 1:
		ret := pb.Launch(b, ir.VecOf(elem, p.packed))
		out := make([]*ir.Value, p.packed)
		for j := range out {
			out[j] = b.ExtractElement(ret, j)
		}
		return out
	}
	return []*ir.Value{pb.Launch(b, elem)}
}

// emitBranchRMW guards a generic atomic with a branch for element types
// without a native instruction.
func emitBranchRMW(lw *lowering, p *rmwPlan, i int, pred *ir.Value) []*ir.Value {
	op := p.op
	b := lw.b
	if pred == nil {
		pred = b.Bool(true)
	}
	kind := op.Kind.String()
	if op.Kind == RMWXchg {
		kind = "xchg"
	}
	ordering, scope := op.Sem.ordering(), op.Scope.syncScope()

	resTy := op.Elem
	if p.packed > 1 {
		resTy = ir.VecOf(op.Elem, p.packed)
	}
	publish := !p.tensor && op.ResultUsed
	var slot *ir.Value
	if publish {
		slot = lw.scratch()
	}

	g := lw.openGuarded(pred, resTy)
	atom := b.AtomicRMW(kind, op.Ptr.Elems[i], op.Val.Elems[i], ordering, scope)
	if p.packed > 1 {
		vec := b.InsertElement(b.Undef(resTy), atom, 0)
		for j := 1; j < p.packed; j++ {
			next := b.AtomicRMW(kind, op.Ptr.Elems[i+j], op.Val.Elems[i+j], ordering, scope)
			vec = b.InsertElement(vec, next, j)
		}
		atom = vec
	}
	if publish {
		b.Store(atom, slot)
	}
	ret := g.close(b, atom)

	switch {
	case p.tensor && p.packed > 1:
		out := make([]*ir.Value, p.packed)
		for j := range out {
			out[j] = b.ExtractElement(ret, j)
		}
		return out
	case p.tensor:
		return []*ir.Value{ret}
	case publish:
		return []*ir.Value{lw.readBack(op.Elem, slot)}
	}
	return nil
}
