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

import (
	"fmt"
	"strconv"
)

// Builder appends instructions to a Region. Integer operations on constant
// operands fold to constants instead of emitting instructions.
type Builder struct {
	ctx    *Context
	region *Region
	cur    *Block
}

// NewBuilder returns a builder positioned in the entry block of a new region.
func NewBuilder(ctx *Context) *Builder {
	entry := &Block{Name: "entry"}
	return &Builder{
		ctx:    ctx,
		region: &Region{Blocks: []*Block{entry}},
		cur:    entry,
	}
}

// Context returns the id allocator shared with the builder's inputs.
func (b *Builder) Context() *Context { return b.ctx }

// Region returns the region under construction.
func (b *Builder) Region() *Region { return b.region }

// Block returns the current insertion block.
func (b *Builder) Block() *Block { return b.cur }

// SetBlock moves the insertion point to the end of blk.
func (b *Builder) SetBlock(blk *Block) { b.cur = blk }

// NewBlock appends a block with arguments of the given types.
func (b *Builder) NewBlock(name string, argTypes ...Type) *Block {
	blk := &Block{Name: fmt.Sprintf("%s%d", name, len(b.region.Blocks))}
	for _, t := range argTypes {
		blk.Args = append(blk.Args, b.ctx.newValue(t, "arg"))
	}
	b.region.Blocks = append(b.region.Blocks, blk)
	return blk
}

// Const returns a constant of type t.
func (b *Builder) Const(t Type, bits uint64) *Value { return b.ctx.Const(t, bits) }

// I32 returns an i32 constant.
func (b *Builder) I32(v int) *Value { return b.ctx.Const(I32, uint64(int64(v))) }

// Bool returns an i1 constant.
func (b *Builder) Bool(v bool) *Value { return b.ctx.Bool(v) }

// Undef returns an undefined value of type t.
func (b *Builder) Undef(t Type) *Value { return b.ctx.Undef(t) }

// Emit appends an instruction and returns its result, or nil when t is Void.
func (b *Builder) Emit(op Opcode, t Type, args []*Value, attrs ...Attr) *Value {
	in := &Instr{Op: op, Args: args, Attrs: attrs, Block: b.cur}
	if t.Kind != KindVoid {
		in.Result = b.ctx.newValue(t, "")
		in.Result.Def = in
	}
	b.cur.Instrs = append(b.cur.Instrs, in)
	return in.Result
}

// EmitInstr appends a prepared instruction and allocates its result.
func (b *Builder) EmitInstr(in *Instr, t Type) *Value {
	in.Block = b.cur
	if t.Kind != KindVoid {
		in.Result = b.ctx.newValue(t, "")
		in.Result.Def = in
	}
	b.cur.Instrs = append(b.cur.Instrs, in)
	return in.Result
}

func allOnes(v *Value) bool {
	return v.IsConst(^uint64(0))
}

// And returns x & y.
func (b *Builder) And(x, y *Value) *Value {
	switch {
	case x.Const && y.Const:
		return b.Const(x.Type, x.Bits&y.Bits)
	case x.IsZero() || allOnes(y):
		return x
	case y.IsZero() || allOnes(x):
		return y
	}
	return b.Emit(OpAnd, x.Type, []*Value{x, y})
}

// Or returns x | y.
func (b *Builder) Or(x, y *Value) *Value {
	switch {
	case x.Const && y.Const:
		return b.Const(x.Type, x.Bits|y.Bits)
	case x.IsZero():
		return y
	case y.IsZero():
		return x
	}
	return b.Emit(OpOr, x.Type, []*Value{x, y})
}

// Xor returns x ^ y.
func (b *Builder) Xor(x, y *Value) *Value {
	switch {
	case x.Const && y.Const:
		return b.Const(x.Type, x.Bits^y.Bits)
	case x.IsZero():
		return y
	case y.IsZero():
		return x
	}
	return b.Emit(OpXor, x.Type, []*Value{x, y})
}

// Add returns x + y.
func (b *Builder) Add(x, y *Value) *Value {
	switch {
	case x.Const && y.Const:
		return b.Const(x.Type, x.Bits+y.Bits)
	case x.IsZero():
		return y
	case y.IsZero():
		return x
	}
	return b.Emit(OpAdd, x.Type, []*Value{x, y})
}

// Mul returns x * y.
func (b *Builder) Mul(x, y *Value) *Value {
	switch {
	case x.Const && y.Const:
		return b.Const(x.Type, x.Bits*y.Bits)
	case x.IsZero() || y.IsConst(1):
		return x
	case y.IsZero() || x.IsConst(1):
		return y
	}
	return b.Emit(OpMul, x.Type, []*Value{x, y})
}

// Shl returns x << y.
func (b *Builder) Shl(x, y *Value) *Value {
	switch {
	case x.Const && y.Const:
		return b.Const(x.Type, x.Bits<<y.Bits)
	case y.IsZero() || x.IsZero():
		return x
	}
	return b.Emit(OpShl, x.Type, []*Value{x, y})
}

// LShr returns the logical right shift x >> y.
func (b *Builder) LShr(x, y *Value) *Value {
	switch {
	case x.Const && y.Const:
		return b.Const(x.Type, x.Bits>>y.Bits)
	case y.IsZero() || x.IsZero():
		return x
	}
	return b.Emit(OpLShr, x.Type, []*Value{x, y})
}

// ICmpEQ returns x == y as i1.
func (b *Builder) ICmpEQ(x, y *Value) *Value {
	if x.Const && y.Const {
		return b.Bool(x.Bits == y.Bits)
	}
	return b.Emit(OpICmpEQ, I1, []*Value{x, y})
}

// ICmpNE returns x != y as i1.
func (b *Builder) ICmpNE(x, y *Value) *Value {
	if x.Const && y.Const {
		return b.Bool(x.Bits != y.Bits)
	}
	return b.Emit(OpICmpNE, I1, []*Value{x, y})
}

// ICmpULT returns the unsigned comparison x < y as i1.
func (b *Builder) ICmpULT(x, y *Value) *Value {
	if x.Const && y.Const {
		return b.Bool(x.Bits < y.Bits)
	}
	return b.Emit(OpICmpULT, I1, []*Value{x, y})
}

// Select returns c ? x : y.
func (b *Builder) Select(c, x, y *Value) *Value {
	switch {
	case c.Const && c.Bits != 0:
		return x
	case c.Const:
		return y
	case x == y:
		return x
	}
	return b.Emit(OpSelect, x.Type, []*Value{c, x, y})
}

// Bitcast reinterprets v as type t. Both types must have the same width.
func (b *Builder) Bitcast(v *Value, t Type) *Value {
	if v.Type == t {
		return v
	}
	if v.Type.SizeInBits() != t.SizeInBits() {
		panic(fmt.Sprintf("ir: bitcast %s to %s changes width", v.Type, t))
	}
	if v.Const {
		return b.Const(t, v.Bits)
	}
	if v.Undef {
		return b.Undef(t)
	}
	return b.Emit(OpBitcast, t, []*Value{v})
}

// SExt sign-extends v to type t.
func (b *Builder) SExt(v *Value, t Type) *Value {
	if v.Const {
		return b.Const(t, uint64(v.SignedBits()))
	}
	return b.Emit(OpSExt, t, []*Value{v})
}

// ZExt zero-extends v to type t.
func (b *Builder) ZExt(v *Value, t Type) *Value {
	if v.Const {
		return b.Const(t, v.Bits)
	}
	return b.Emit(OpZExt, t, []*Value{v})
}

// Trunc truncates v to type t.
func (b *Builder) Trunc(v *Value, t Type) *Value {
	if v.Const {
		return b.Const(t, v.Bits)
	}
	return b.Emit(OpTrunc, t, []*Value{v})
}

func foldableVector(t Type) bool {
	return t.Kind == KindVector && t.SizeInBits() <= 64
}

// InsertElement returns vec with lane idx replaced by elem. Undefined lanes
// of a constant fold are zero.
func (b *Builder) InsertElement(vec, elem *Value, idx int) *Value {
	if (vec.Const || vec.Undef) && elem.Const && foldableVector(vec.Type) {
		bits := vec.Bits
		if vec.Undef {
			bits = 0
		}
		w := vec.Type.Bits
		mask := truncate(^uint64(0), w) << (idx * w)
		bits = bits&^mask | elem.Bits<<(idx*w)
		return b.Const(vec.Type, bits)
	}
	return b.Emit(OpInsertElement, vec.Type, []*Value{vec, elem},
		Attr{"index", strconv.Itoa(idx)})
}

// ExtractElement returns lane idx of vec.
func (b *Builder) ExtractElement(vec *Value, idx int) *Value {
	et := vec.Type.ElemType()
	if vec.Const && foldableVector(vec.Type) {
		return b.Const(et, vec.Bits>>(idx*vec.Type.Bits))
	}
	if def := vec.Def; def != nil && def.Op == OpInsertElement {
		if a, _ := def.Attr("index"); a == strconv.Itoa(idx) {
			return def.Args[1]
		}
	}
	return b.Emit(OpExtractElement, et, []*Value{vec}, Attr{"index", strconv.Itoa(idx)})
}

// ExtractValue returns member idx of a struct value.
func (b *Builder) ExtractValue(agg *Value, idx int) *Value {
	return b.Emit(OpExtractValue, agg.Type.ElemType(), []*Value{agg}, Attr{"index", strconv.Itoa(idx)})
}

// GEP offsets base by idx elements of type elem.
func (b *Builder) GEP(base, idx *Value, elem Type) *Value {
	if idx.IsZero() {
		return base
	}
	return b.Emit(OpGEP, base.Type, []*Value{base, idx}, Attr{"elem", elem.String()})
}

// Load reads a value of type t from ptr.
func (b *Builder) Load(t Type, ptr *Value) *Value {
	return b.Emit(OpLoad, t, []*Value{ptr})
}

// Store writes v to ptr.
func (b *Builder) Store(v, ptr *Value) {
	b.Emit(OpStore, Void, []*Value{v, ptr})
}

// SharedScratch returns the address of the operation's shared scratch slot.
func (b *Builder) SharedScratch() *Value {
	return b.Emit(OpSharedScratch, Ptr(AddrShared), nil)
}

// AtomicRMW emits a generic atomic read-modify-write.
func (b *Builder) AtomicRMW(kind string, ptr, val *Value, ordering, scope string) *Value {
	return b.Emit(OpAtomicRMW, val.Type, []*Value{ptr, val},
		Attr{"kind", kind}, Attr{"ordering", ordering}, Attr{"scope", scope})
}

// ReadSpecial reads a special register as i32.
func (b *Builder) ReadSpecial(name string) *Value {
	return b.Emit(OpReadSpecial, I32, nil, Attr{"reg", name})
}

// Barrier emits a block-wide barrier.
func (b *Builder) Barrier() {
	b.Emit(OpBarrier, Void, nil)
}

// ClusterArrive emits a cluster barrier arrive.
func (b *Builder) ClusterArrive() {
	b.Emit(OpClusterArrive, Void, nil)
}

// ClusterWait emits a cluster barrier wait.
func (b *Builder) ClusterWait() {
	b.Emit(OpClusterWait, Void, nil)
}

// Br branches unconditionally to dst, passing args to its block arguments.
func (b *Builder) Br(dst *Block, args ...*Value) {
	in := &Instr{Op: OpBr, Block: b.cur, Succs: []*Block{dst}, SuccArgs: [][]*Value{args}}
	b.cur.Instrs = append(b.cur.Instrs, in)
}

// CondBr branches to t when c holds and to f otherwise.
func (b *Builder) CondBr(c *Value, t *Block, targs []*Value, f *Block, fargs []*Value) {
	in := &Instr{
		Op:       OpCondBr,
		Args:     []*Value{c},
		Block:    b.cur,
		Succs:    []*Block{t, f},
		SuccArgs: [][]*Value{targs, fargs},
	}
	b.cur.Instrs = append(b.cur.Instrs, in)
}
