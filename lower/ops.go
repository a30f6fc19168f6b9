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
)

// Op is a tensor-level memory operation. The set of kinds is closed.
type Op interface {
	Name() string
	isOp()
}

// CacheModifier selects the cache qualifier of a global access.
type CacheModifier int

const (
	CacheNone CacheModifier = iota
	CacheCA                 // cache at all levels (loads)
	CacheCG                 // cache globally (loads and stores)
	CacheWB                 // write back (stores)
	CacheCS                 // streaming (stores)
	CacheWT                 // write through (stores)
)

var cacheNames = []string{"none", "ca", "cg", "wb", "cs", "wt"}

func (c CacheModifier) String() string {
	if int(c) < len(cacheNames) {
		return cacheNames[c]
	}
	return fmt.Sprintf("CacheModifier(%d)", int(c))
}

// EvictionPolicy is the eviction hint of a global access.
type EvictionPolicy int

const (
	EvictNormal EvictionPolicy = iota
	EvictFirst
	EvictLast
)

var evictNames = []string{"evict_normal", "evict_first", "evict_last"}

func (e EvictionPolicy) String() string {
	if int(e) < len(evictNames) {
		return evictNames[e]
	}
	return fmt.Sprintf("EvictionPolicy(%d)", int(e))
}

// MemSemantic is the memory ordering of an atomic.
type MemSemantic int

const (
	Relaxed MemSemantic = iota
	Acquire
	Release
	AcqRel
)

var semNames = []string{"relaxed", "acquire", "release", "acq_rel"}

func (s MemSemantic) String() string {
	if int(s) < len(semNames) {
		return semNames[s]
	}
	return fmt.Sprintf("MemSemantic(%d)", int(s))
}

// ordering returns the generic atomic ordering name.
func (s MemSemantic) ordering() string {
	if s == Relaxed {
		return "monotonic"
	}
	return s.String()
}

// MemScope is the synchronization scope of an atomic.
type MemScope int

const (
	ScopeGPU MemScope = iota
	ScopeCTA
	ScopeSystem
	ScopeCluster
)

var scopeNames = []string{"gpu", "cta", "sys", "cluster"}

func (s MemScope) String() string {
	if int(s) < len(scopeNames) {
		return scopeNames[s]
	}
	return fmt.Sprintf("MemScope(%d)", int(s))
}

// syncScope returns the generic atomic sync scope name.
func (s MemScope) syncScope() string {
	switch s {
	case ScopeCTA:
		return "block"
	case ScopeSystem:
		return ""
	case ScopeCluster:
		return "cluster"
	}
	return "agent"
}

// RMWOp is the combining function of an atomic read-modify-write.
type RMWOp int

const (
	RMWAnd RMWOp = iota
	RMWOr
	RMWXor
	RMWAdd
	RMWFAdd
	RMWMax
	RMWMin
	RMWUMax
	RMWUMin
	RMWXchg
)

var rmwNames = []string{"and", "or", "xor", "add", "fadd", "max", "min", "umax", "umin", "exch"}

func (k RMWOp) String() string {
	if k >= 0 && int(k) < len(rmwNames) {
		return rmwNames[k]
	}
	return fmt.Sprintf("RMWOp(%d)", int(k))
}

// ReduceKind is the combining function of a descriptor reduce. ReduceNone
// is a plain store.
type ReduceKind int

const (
	ReduceNone ReduceKind = iota
	ReduceAdd
	ReduceMin
	ReduceMax
	ReduceInc
	ReduceDec
	ReduceAnd
	ReduceOr
	ReduceXor
)

var reduceNames = []string{"", "add", "min", "max", "inc", "dec", "and", "or", "xor"}

func (k ReduceKind) String() string {
	if k >= 0 && int(k) < len(reduceNames) {
		return reduceNames[k]
	}
	return fmt.Sprintf("ReduceKind(%d)", int(k))
}

// Encoding names the shared-memory layout family.
type Encoding int

const (
	EncodingSwizzled Encoding = iota
	EncodingNVMMA
)

// Tensor is the per-lane view of a distributed operand: the values one lane
// holds and the distribution mapping (register, lane, warp, block) to tensor
// coordinates. A tensor with an empty layout is a scalar.
type Tensor struct {
	Elems  []*ir.Value
	Layout layout.Layout

	// Contiguity is the longest run of consecutive addresses along the
	// per-lane elements of a pointer tensor.
	Contiguity int

	// Alignment is the longest run of equal values along the per-lane
	// elements of a mask tensor.
	Alignment int
}

// Scalar wraps a single value.
func Scalar(v *ir.Value) *Tensor {
	return &Tensor{Elems: []*ir.Value{v}, Layout: layout.Empty()}
}

// IsScalar reports whether t has no distribution.
func (t *Tensor) IsScalar() bool {
	return len(t.Layout.InDimNames()) == 0
}

// Len returns the number of per-lane elements.
func (t *Tensor) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Elems)
}

func (t *Tensor) elem(i int) *ir.Value {
	if t == nil {
		return nil
	}
	return t.Elems[i]
}

// SharedMem describes a shared-memory buffer.
type SharedMem struct {
	Base *ir.Value
	Elem ir.Type

	// Shape is the logical shape across the whole cluster; AllocShape is
	// the shape of the allocation, which may carry leading buffer dims.
	Shape      []int
	AllocShape []int

	// Layout maps (offset, block) to the tensor dims dim0..dimN-1.
	Layout layout.Layout

	// Unswizzled is Layout without the bank swizzle. Gather and scatter
	// address rows through it; it defaults to Layout.
	Unswizzled layout.Layout

	// BoxShape is the descriptor box per dim.
	BoxShape []int

	// CTASplit is the number of blocks each dim is split across, and
	// CTAOrder the order blocks are laid out in.
	CTASplit []int
	CTAOrder []int

	Encoding Encoding

	// Packed marks a sub-byte padded buffer whose last dim is addressed at
	// half density.
	Packed bool
}

// Rank returns the number of tensor dims.
func (s *SharedMem) Rank() int { return len(s.Shape) }

func (s *SharedMem) split(d int) int {
	if d < len(s.CTASplit) && s.CTASplit[d] > 0 {
		return s.CTASplit[d]
	}
	return 1
}

// ShapePerCTA returns the per-block shape.
func (s *SharedMem) ShapePerCTA() []int {
	out := make([]int, len(s.Shape))
	for d, n := range s.Shape {
		out[d] = n / s.split(d)
	}
	return out
}

func (s *SharedMem) ctaOrder() []int {
	if len(s.CTAOrder) == len(s.Shape) {
		return s.CTAOrder
	}
	order := make([]int, len(s.Shape))
	for i := range order {
		order[i] = len(s.Shape) - 1 - i
	}
	return order
}

func (s *SharedMem) unswizzled() layout.Layout {
	if len(s.Unswizzled.InDimNames()) > 0 {
		return s.Unswizzled
	}
	return s.Layout
}

// LoadOp reads global memory into registers.
type LoadOp struct {
	Ptr      *Tensor
	Mask     *Tensor // optional
	Fill     *Tensor // optional value for masked-off elements
	Elem     ir.Type
	Cache    CacheModifier
	Evict    EvictionPolicy
	Volatile bool
}

// StoreOp writes registers to global memory.
type StoreOp struct {
	Ptr   *Tensor
	Value *Tensor
	Mask  *Tensor // optional
	Elem  ir.Type
	Cache CacheModifier
	Evict EvictionPolicy
}

// AtomicCASOp is a compare-and-swap.
type AtomicCASOp struct {
	Ptr   *Tensor
	Cmp   *Tensor
	Val   *Tensor
	Elem  ir.Type
	Sem   MemSemantic
	Scope MemScope

	// ResultUsed reports whether a scalar result has consumers.
	ResultUsed bool
}

// AtomicRMWOp is an atomic read-modify-write.
type AtomicRMWOp struct {
	Kind  RMWOp
	Ptr   *Tensor
	Val   *Tensor
	Mask  *Tensor // optional
	Elem  ir.Type
	Sem   MemSemantic
	Scope MemScope

	// ResultUsed reports whether a scalar result has consumers.
	ResultUsed bool
}

// AsyncCopyOp copies global memory into shared memory with per-lane
// cp.async transfers.
type AsyncCopyOp struct {
	Src  *Tensor
	Mask *Tensor // optional
	Fill *Tensor // optional, must be zero
	Dst  *SharedMem
	Elem ir.Type
}

// BulkLoadOp copies a box described by a tensor descriptor into shared
// memory, completing on an mbarrier.
type BulkLoadOp struct {
	Desc     *ir.Value
	Coords   []*ir.Value
	Dst      *SharedMem
	Barrier  *ir.Value
	Pred     *ir.Value // optional
	Cache    CacheModifier
	Evict    EvictionPolicy
	Volatile bool
}

// BulkStoreOp copies shared memory out through a tensor descriptor, or
// reduces into the destination when Reduce is set.
type BulkStoreOp struct {
	Desc   *ir.Value
	Coords []*ir.Value
	Src    *SharedMem
	Reduce ReduceKind
	Cache  CacheModifier
	Evict  EvictionPolicy
}

// GatherOp loads rows selected by per-lane x offsets into shared memory.
type GatherOp struct {
	Desc     *ir.Value
	XOffsets *Tensor
	YOffset  *ir.Value
	Dst      *SharedMem
	Barrier  *ir.Value
	Pred     *ir.Value // optional
}

// ScatterOp stores shared memory rows to the rows selected by x offsets.
type ScatterOp struct {
	Desc     *ir.Value
	XOffsets *Tensor
	YOffset  *ir.Value
	Src      *SharedMem
}

// AsyncCommitGroupOp closes the current group of cp.async transfers.
type AsyncCommitGroupOp struct{}

// AsyncWaitOp waits until at most Num cp.async groups are pending.
type AsyncWaitOp struct {
	Num int
}

// MbarrierArriveOp arrives on Barrier once the lane's pending cp.async
// transfers complete.
type MbarrierArriveOp struct {
	Barrier     *ir.Value
	NoIncrement bool
}

// BulkWaitOp waits until at most Pending bulk groups have unread sources.
type BulkWaitOp struct {
	Pending int
}

func (*LoadOp) Name() string             { return "load" }
func (*StoreOp) Name() string            { return "store" }
func (*AtomicCASOp) Name() string        { return "atomic_cas" }
func (*AtomicRMWOp) Name() string        { return "atomic_rmw" }
func (*AsyncCopyOp) Name() string        { return "async_copy_global_to_local" }
func (*BulkLoadOp) Name() string         { return "async_tma_copy_global_to_local" }
func (*GatherOp) Name() string           { return "async_tma_gather" }
func (*ScatterOp) Name() string          { return "async_tma_scatter" }
func (*AsyncCommitGroupOp) Name() string { return "async_commit_group" }
func (*AsyncWaitOp) Name() string        { return "async_wait" }
func (*MbarrierArriveOp) Name() string   { return "async_copy_mbarrier_arrive" }
func (*BulkWaitOp) Name() string         { return "async_tma_store_wait" }

func (op *BulkStoreOp) Name() string {
	if op.Reduce != ReduceNone {
		return "async_tma_reduce"
	}
	return "async_tma_copy_local_to_global"
}

func (*LoadOp) isOp()             {}
func (*StoreOp) isOp()            {}
func (*AtomicCASOp) isOp()        {}
func (*AtomicRMWOp) isOp()        {}
func (*AsyncCopyOp) isOp()        {}
func (*BulkLoadOp) isOp()         {}
func (*BulkStoreOp) isOp()        {}
func (*GatherOp) isOp()           {}
func (*ScatterOp) isOp()          {}
func (*AsyncCommitGroupOp) isOp() {}
func (*AsyncWaitOp) isOp()        {}
func (*MbarrierArriveOp) isOp()   {}
func (*BulkWaitOp) isOp()         {}
