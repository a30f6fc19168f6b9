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

package main

import (
	"fmt"
	"io"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/ajroetker/go-simtlower/lower"
	"github.com/ajroetker/go-simtlower/lower/ir"
	"github.com/ajroetker/go-simtlower/lower/layout"
)

// Kernel is the YAML description of one kernel's memory operations.
type Kernel struct {
	Target string   `yaml:"target"`
	Warps  int      `yaml:"warps"`
	CTAs   int      `yaml:"ctas"`
	Ops    []OpDesc `yaml:"ops"`
}

// LayoutDesc gives the bases of a distributed layout over a 1-D or 2-D
// tensor. Each basis has one entry per shape dim.
type LayoutDesc struct {
	Shape    []int   `yaml:"shape"`
	Register [][]int `yaml:"register"`
	Lane     [][]int `yaml:"lane"`
	Warp     [][]int `yaml:"warp"`
	Block    [][]int `yaml:"block"`
}

// SharedDesc describes a shared-memory buffer.
type SharedDesc struct {
	Shape      []int   `yaml:"shape"`
	AllocShape []int   `yaml:"alloc_shape"`
	Offset     [][]int `yaml:"offset"`
	Block      [][]int `yaml:"block"`
	Box        []int   `yaml:"box"`
	Split      []int   `yaml:"split"`
	Order      []int   `yaml:"order"`
	Encoding   string  `yaml:"encoding"`
	Packed     bool    `yaml:"packed"`
}

// OpDesc describes one operation. Operand values are created as kernel
// parameters; only fills and RMW operands may be constants.
type OpDesc struct {
	Kind       string      `yaml:"kind"`
	Elem       string      `yaml:"elem"`
	Layout     *LayoutDesc `yaml:"layout"`
	Contiguity int         `yaml:"contiguity"`
	Mask       *int        `yaml:"mask"`
	Fill       *uint64     `yaml:"fill"`
	Val        *uint64     `yaml:"val"`
	Cache      string      `yaml:"cache"`
	Evict      string      `yaml:"evict"`
	Volatile   bool        `yaml:"volatile"`
	RMW        string      `yaml:"rmw"`
	Sem        string      `yaml:"sem"`
	Scope      string      `yaml:"scope"`
	Used       bool        `yaml:"used"`
	Shared     *SharedDesc `yaml:"shared"`
	Reduce     string      `yaml:"reduce"`
	Pred       bool        `yaml:"pred"`
	Num        int         `yaml:"num"`
	NoInc      bool        `yaml:"noinc"`
}

// ReadKernel decodes a kernel description.
func ReadKernel(r io.Reader) (*Kernel, error) {
	var k Kernel
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&k); err != nil {
		return nil, fmt.Errorf("decoding kernel: %w", err)
	}
	if len(k.Ops) == 0 {
		return nil, fmt.Errorf("kernel has no ops")
	}
	return &k, nil
}

var elemTypes = map[string]ir.Type{
	"i1":   ir.I1,
	"i8":   ir.I8,
	"i16":  ir.I16,
	"i32":  ir.I32,
	"i64":  ir.I64,
	"f16":  ir.F16,
	"bf16": ir.BF16,
	"f32":  ir.F32,
	"f64":  ir.F64,
}

// parseEnum looks name up among values by their String form. An empty name
// selects the first value.
func parseEnum[T fmt.Stringer](what, name string, values []T) (T, error) {
	if name == "" {
		return values[0], nil
	}
	v, ok := lo.Find(values, func(v T) bool { return v.String() == name })
	if !ok {
		names := lo.Map(values, func(v T, _ int) string { return v.String() })
		return v, fmt.Errorf("unknown %s %q (valid: %v)", what, name, names)
	}
	return v, nil
}

var (
	cacheModifiers = []lower.CacheModifier{lower.CacheNone, lower.CacheCA, lower.CacheCG, lower.CacheWB, lower.CacheCS, lower.CacheWT}
	evictPolicies  = []lower.EvictionPolicy{lower.EvictNormal, lower.EvictFirst, lower.EvictLast}
	semantics      = []lower.MemSemantic{lower.Relaxed, lower.Acquire, lower.Release, lower.AcqRel}
	scopes         = []lower.MemScope{lower.ScopeGPU, lower.ScopeCTA, lower.ScopeSystem, lower.ScopeCluster}
	rmwKinds       = []lower.RMWOp{
		lower.RMWAdd, lower.RMWAnd, lower.RMWOr, lower.RMWXor, lower.RMWFAdd,
		lower.RMWMax, lower.RMWMin, lower.RMWUMax, lower.RMWUMin, lower.RMWXchg,
	}
	reduceKinds = []lower.ReduceKind{
		lower.ReduceNone, lower.ReduceAdd, lower.ReduceMin, lower.ReduceMax, lower.ReduceInc,
		lower.ReduceDec, lower.ReduceAnd, lower.ReduceOr, lower.ReduceXor,
	}
)

// opBuilder turns descriptions into operations whose operands are fresh
// parameters of one context.
type opBuilder struct {
	ctx *ir.Context
}

func (b *opBuilder) param(t ir.Type, name string, n int) []*ir.Value {
	return lo.Times(n, func(int) *ir.Value { return b.ctx.Param(t, name) })
}

func inDim(name string, bases [][]int) layout.InDim {
	return layout.InDim{Name: name, Bases: bases}
}

func outDims(shape []int) []layout.OutDim {
	return lo.Map(shape, func(n int, d int) layout.OutDim {
		return layout.OutDim{Name: layout.DimName(d), Size: n}
	})
}

func (d *LayoutDesc) build() (layout.Layout, error) {
	if len(d.Shape) == 0 {
		return layout.Layout{}, fmt.Errorf("layout has no shape")
	}
	ins := []layout.InDim{inDim(layout.Register, d.Register), inDim(layout.Lane, d.Lane)}
	if len(d.Warp) > 0 {
		ins = append(ins, inDim(layout.Warp, d.Warp))
	}
	if len(d.Block) > 0 {
		ins = append(ins, inDim(layout.Block, d.Block))
	}
	return layout.New(ins, outDims(d.Shape))
}

// tensor returns a tensor of n fresh parameters of type t distributed by the
// op's layout, or a scalar parameter when the op has none.
func (b *opBuilder) tensor(d OpDesc, t ir.Type, name string) (*lower.Tensor, error) {
	if d.Layout == nil {
		return lower.Scalar(b.ctx.Param(t, name)), nil
	}
	l, err := d.Layout.build()
	if err != nil {
		return nil, err
	}
	return &lower.Tensor{Elems: b.param(t, name, l.InDimSize(layout.Register)), Layout: l}, nil
}

func (b *opBuilder) pointers(d OpDesc) (*lower.Tensor, error) {
	t, err := b.tensor(d, ir.Ptr(ir.AddrGlobal), "ptr")
	if err != nil {
		return nil, err
	}
	t.Contiguity = d.Contiguity
	return t, nil
}

func (b *opBuilder) mask(d OpDesc) (*lower.Tensor, error) {
	if d.Mask == nil {
		return nil, nil
	}
	t, err := b.tensor(d, ir.I1, "mask")
	if err != nil {
		return nil, err
	}
	t.Alignment = *d.Mask
	return t, nil
}

// constOrParam returns a tensor of constants when bits is set and of
// parameters otherwise.
func (b *opBuilder) constOrParam(d OpDesc, t ir.Type, bits *uint64, name string) (*lower.Tensor, error) {
	v, err := b.tensor(d, t, name)
	if err != nil || bits == nil {
		return v, err
	}
	for i := range v.Elems {
		v.Elems[i] = b.ctx.Const(t, *bits)
	}
	return v, nil
}

func (b *opBuilder) shared(d *SharedDesc, elem ir.Type) (*lower.SharedMem, error) {
	if d == nil {
		return nil, fmt.Errorf("missing shared buffer")
	}
	ins := []layout.InDim{inDim(layout.Offset, d.Offset)}
	if len(d.Block) > 0 {
		ins = append(ins, inDim(layout.Block, d.Block))
	}
	l, err := layout.New(ins, outDims(d.Shape))
	if err != nil {
		return nil, fmt.Errorf("shared layout: %w", err)
	}
	enc := lower.EncodingSwizzled
	switch d.Encoding {
	case "", "swizzled":
	case "nvmma":
		enc = lower.EncodingNVMMA
	default:
		return nil, fmt.Errorf("unknown encoding %q", d.Encoding)
	}
	return &lower.SharedMem{
		Base:       b.ctx.Param(ir.Ptr(ir.AddrShared), "smem"),
		Elem:       elem,
		Shape:      d.Shape,
		AllocShape: d.AllocShape,
		Layout:     l,
		BoxShape:   d.Box,
		CTASplit:   d.Split,
		CTAOrder:   d.Order,
		Encoding:   enc,
		Packed:     d.Packed,
	}, nil
}

func (b *opBuilder) pred(d OpDesc) *ir.Value {
	if !d.Pred {
		return nil
	}
	return b.ctx.Param(ir.I1, "pred")
}

// build returns the operation d describes.
func (b *opBuilder) build(d OpDesc) (lower.Op, error) {
	elem := ir.I32
	if d.Elem != "" {
		t, ok := elemTypes[d.Elem]
		if !ok {
			return nil, fmt.Errorf("unknown element type %q", d.Elem)
		}
		elem = t
	}
	cache, err := parseEnum("cache modifier", d.Cache, cacheModifiers)
	if err != nil {
		return nil, err
	}
	evict, err := parseEnum("eviction policy", d.Evict, evictPolicies)
	if err != nil {
		return nil, err
	}
	sem, err := parseEnum("memory semantic", d.Sem, semantics)
	if err != nil {
		return nil, err
	}
	scope, err := parseEnum("memory scope", d.Scope, scopes)
	if err != nil {
		return nil, err
	}

	switch d.Kind {
	case "load":
		ptr, err := b.pointers(d)
		if err != nil {
			return nil, err
		}
		mask, err := b.mask(d)
		if err != nil {
			return nil, err
		}
		var fill *lower.Tensor
		if d.Fill != nil {
			if fill, err = b.constOrParam(d, elem, d.Fill, "other"); err != nil {
				return nil, err
			}
		}
		return &lower.LoadOp{Ptr: ptr, Mask: mask, Fill: fill, Elem: elem, Cache: cache, Evict: evict, Volatile: d.Volatile}, nil

	case "store":
		ptr, err := b.pointers(d)
		if err != nil {
			return nil, err
		}
		mask, err := b.mask(d)
		if err != nil {
			return nil, err
		}
		val, err := b.constOrParam(d, elem, d.Val, "value")
		if err != nil {
			return nil, err
		}
		return &lower.StoreOp{Ptr: ptr, Value: val, Mask: mask, Elem: elem, Cache: cache, Evict: evict}, nil

	case "atomic_cas":
		ptr, err := b.pointers(d)
		if err != nil {
			return nil, err
		}
		cmp, err := b.tensor(d, elem, "cmp")
		if err != nil {
			return nil, err
		}
		val, err := b.tensor(d, elem, "val")
		if err != nil {
			return nil, err
		}
		return &lower.AtomicCASOp{Ptr: ptr, Cmp: cmp, Val: val, Elem: elem, Sem: sem, Scope: scope, ResultUsed: d.Used}, nil

	case "atomic_rmw":
		kind, err := parseEnum("rmw kind", d.RMW, rmwKinds)
		if err != nil {
			return nil, err
		}
		ptr, err := b.pointers(d)
		if err != nil {
			return nil, err
		}
		mask, err := b.mask(d)
		if err != nil {
			return nil, err
		}
		val, err := b.constOrParam(d, elem, d.Val, "val")
		if err != nil {
			return nil, err
		}
		return &lower.AtomicRMWOp{Kind: kind, Ptr: ptr, Val: val, Mask: mask, Elem: elem, Sem: sem, Scope: scope, ResultUsed: d.Used}, nil

	case "async_copy":
		src, err := b.pointers(d)
		if err != nil {
			return nil, err
		}
		mask, err := b.mask(d)
		if err != nil {
			return nil, err
		}
		var fill *lower.Tensor
		if d.Fill != nil {
			if fill, err = b.constOrParam(d, elem, d.Fill, "other"); err != nil {
				return nil, err
			}
		}
		dst, err := b.shared(d.Shared, elem)
		if err != nil {
			return nil, err
		}
		return &lower.AsyncCopyOp{Src: src, Mask: mask, Fill: fill, Dst: dst, Elem: elem}, nil

	case "bulk_load", "bulk_store":
		s, err := b.shared(d.Shared, elem)
		if err != nil {
			return nil, err
		}
		desc := b.ctx.Param(ir.Ptr(ir.AddrGlobal), "desc")
		coords := b.param(ir.I32, "coord", len(d.Shared.Shape))
		if d.Kind == "bulk_load" {
			return &lower.BulkLoadOp{
				Desc: desc, Coords: coords, Dst: s,
				Barrier: b.ctx.Param(ir.Ptr(ir.AddrShared), "bar"),
				Pred:    b.pred(d), Cache: cache, Evict: evict, Volatile: d.Volatile,
			}, nil
		}
		reduce, err := parseEnum("reduce kind", d.Reduce, reduceKinds)
		if err != nil {
			return nil, err
		}
		return &lower.BulkStoreOp{Desc: desc, Coords: coords, Src: s, Reduce: reduce, Cache: cache, Evict: evict}, nil

	case "gather", "scatter":
		x, err := b.tensor(d, ir.I32, "x")
		if err != nil {
			return nil, err
		}
		s, err := b.shared(d.Shared, elem)
		if err != nil {
			return nil, err
		}
		desc := b.ctx.Param(ir.Ptr(ir.AddrGlobal), "desc")
		y := b.ctx.Param(ir.I32, "y")
		if d.Kind == "gather" {
			return &lower.GatherOp{
				Desc: desc, XOffsets: x, YOffset: y, Dst: s,
				Barrier: b.ctx.Param(ir.Ptr(ir.AddrShared), "bar"),
				Pred:    b.pred(d),
			}, nil
		}
		return &lower.ScatterOp{Desc: desc, XOffsets: x, YOffset: y, Src: s}, nil

	case "commit_group":
		return &lower.AsyncCommitGroupOp{}, nil
	case "wait_group":
		return &lower.AsyncWaitOp{Num: d.Num}, nil
	case "mbarrier_arrive":
		return &lower.MbarrierArriveOp{Barrier: b.ctx.Param(ir.Ptr(ir.AddrShared), "bar"), NoIncrement: d.NoInc}, nil
	case "bulk_wait":
		return &lower.BulkWaitOp{Pending: d.Num}, nil
	}
	return nil, fmt.Errorf("unknown op kind %q", d.Kind)
}

// Build converts every op of k, creating operands in ctx.
func (k *Kernel) Build(ctx *ir.Context) ([]lower.Op, error) {
	b := &opBuilder{ctx: ctx}
	ops := make([]lower.Op, len(k.Ops))
	for i, d := range k.Ops {
		op, err := b.build(d)
		if err != nil {
			return nil, fmt.Errorf("op %d (%s): %w", i, d.Kind, err)
		}
		ops[i] = op
	}
	return ops, nil
}
