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

// Package layout implements linear offset maps: functions from named index
// dimensions to named output dimensions that are linear over GF(2).
//
// Every input bit owns a basis vector holding one value per output
// dimension. Applying the map XORs together the basis vectors of all set
// input bits. Because the maps are linear they compose, and injective or
// surjective maps can be inverted, which is how per-lane register indices are
// translated into shared-memory offsets and how bulk-copy message indices are
// translated into coordinates.
//
// A Layout is an immutable value. All operations return new layouts.
package layout

import (
	"errors"
	"fmt"
	"math/bits"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// Standard dimension names shared by the lowering passes.
const (
	Register = "register"
	Lane     = "lane"
	Warp     = "warp"
	Block    = "block"
	Offset   = "offset"
	Msg      = "msg"
)

// DimName returns the conventional name of logical tensor dimension i.
func DimName(i int) string {
	return fmt.Sprintf("dim%d", i)
}

// ErrNotInvertible is returned when a layout cannot be inverted or when the
// image of one layout is not reachable through another.
var ErrNotInvertible = errors.New("layout: not invertible")

// ErrUnknownDim is returned when a dimension name is not part of a layout.
var ErrUnknownDim = errors.New("layout: unknown dimension")

// InDim describes one input dimension: the basis vector of each input bit.
// Bases[i][j] is the contribution of bit i to output dimension j.
type InDim struct {
	Name  string
	Bases [][]int
}

// OutDim describes one output dimension. Size must be a power of two.
type OutDim struct {
	Name string
	Size int
}

// Coord is a (dimension, value) pair.
type Coord struct {
	Dim   string
	Value int
}

// Layout is a linear map over GF(2) from input to output dimensions.
type Layout struct {
	ins  []InDim
	outs []OutDim
}

// New builds a layout from explicit bases. Every basis must have one entry
// per output dimension and each entry must fit in its output dimension.
func New(ins []InDim, outs []OutDim) (Layout, error) {
	for _, o := range outs {
		if o.Size <= 0 || !isPow2(o.Size) {
			return Layout{}, fmt.Errorf("layout: output dim %q size %d is not a power of two", o.Name, o.Size)
		}
	}
	l := Layout{outs: slices.Clone(outs)}
	for _, in := range ins {
		cp := InDim{Name: in.Name, Bases: make([][]int, len(in.Bases))}
		for i, b := range in.Bases {
			if len(b) != len(outs) {
				return Layout{}, fmt.Errorf("layout: basis %d of %q has %d entries, want %d", i, in.Name, len(b), len(outs))
			}
			for j, v := range b {
				if v < 0 || v >= outs[j].Size {
					return Layout{}, fmt.Errorf("layout: basis %d of %q out of range for %q: %d", i, in.Name, outs[j].Name, v)
				}
			}
			cp.Bases[i] = slices.Clone(b)
		}
		l.ins = append(l.ins, cp)
	}
	return l, nil
}

// MustNew is like New but panics on error. It is meant for fixed layouts.
func MustNew(ins []InDim, outs []OutDim) Layout {
	l, err := New(ins, outs)
	if err != nil {
		panic(err)
	}
	return l
}

// Empty returns the layout with no dimensions. It is the identity for Multiply.
func Empty() Layout {
	return Layout{}
}

// Identity1D maps in to out one to one over size elements.
func Identity1D(size int, in, out string) Layout {
	return Strided1D(size, 1, in, out)
}

// Strided1D maps index i of in to i*stride in out.
func Strided1D(size, stride int, in, out string) Layout {
	n := log2(size)
	bases := make([][]int, n)
	for i := range n {
		bases[i] = []int{stride << i}
	}
	return Layout{
		ins:  []InDim{{Name: in, Bases: bases}},
		outs: []OutDim{{Name: out, Size: size * stride}},
	}
}

// Zeros1D maps every index of in to zero in an output dimension of outSize.
func Zeros1D(size int, in, out string, outSize int) Layout {
	n := log2(size)
	bases := make([][]int, n)
	for i := range n {
		bases[i] = []int{0}
	}
	return Layout{
		ins:  []InDim{{Name: in, Bases: bases}},
		outs: []OutDim{{Name: out, Size: outSize}},
	}
}

// InDimNames returns the input dimension names in order.
func (l Layout) InDimNames() []string {
	return lo.Map(l.ins, func(d InDim, _ int) string { return d.Name })
}

// OutDimNames returns the output dimension names in order.
func (l Layout) OutDimNames() []string {
	return lo.Map(l.outs, func(d OutDim, _ int) string { return d.Name })
}

// HasInDim reports whether name is an input dimension.
func (l Layout) HasInDim(name string) bool {
	return l.inIndex(name) >= 0
}

// HasOutDim reports whether name is an output dimension.
func (l Layout) HasOutDim(name string) bool {
	return l.outIndex(name) >= 0
}

// InDimSize returns the number of distinct indices of input dimension name,
// or 1 if the dimension does not exist.
func (l Layout) InDimSize(name string) int {
	if i := l.inIndex(name); i >= 0 {
		return 1 << len(l.ins[i].Bases)
	}
	return 1
}

// InDimBits returns log2 of InDimSize.
func (l Layout) InDimBits(name string) int {
	if i := l.inIndex(name); i >= 0 {
		return len(l.ins[i].Bases)
	}
	return 0
}

// OutDimSize returns the size of output dimension name, or 1 if absent.
func (l Layout) OutDimSize(name string) int {
	if i := l.outIndex(name); i >= 0 {
		return l.outs[i].Size
	}
	return 1
}

// Basis returns the basis vector of bit of input dimension in, one value per
// output dimension in OutDimNames order.
func (l Layout) Basis(in string, bit int) []int {
	i := l.inIndex(in)
	if i < 0 || bit >= len(l.ins[i].Bases) {
		return make([]int, len(l.outs))
	}
	return slices.Clone(l.ins[i].Bases[bit])
}

// TotalInSize is the product of all input dimension sizes.
func (l Layout) TotalInSize() int {
	n := 0
	for _, d := range l.ins {
		n += len(d.Bases)
	}
	return 1 << n
}

// Equal reports structural equality, including dimension order.
func (l Layout) Equal(o Layout) bool {
	if !slices.Equal(l.outs, o.outs) || len(l.ins) != len(o.ins) {
		return false
	}
	for i := range l.ins {
		if l.ins[i].Name != o.ins[i].Name {
			return false
		}
		if !slices.EqualFunc(l.ins[i].Bases, o.ins[i].Bases, slices.Equal[[]int]) {
			return false
		}
	}
	return true
}

// Apply evaluates the layout. Input dimensions that are not given are zero.
// The result lists every output dimension in order.
func (l Layout) Apply(ins ...Coord) ([]Coord, error) {
	acc := make([]int, len(l.outs))
	for _, c := range ins {
		i := l.inIndex(c.Dim)
		if i < 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownDim, c.Dim)
		}
		if c.Value < 0 || c.Value >= 1<<len(l.ins[i].Bases) {
			return nil, fmt.Errorf("layout: value %d out of range for %q", c.Value, c.Dim)
		}
		for bit, b := range l.ins[i].Bases {
			if c.Value&(1<<bit) == 0 {
				continue
			}
			for j := range acc {
				acc[j] ^= b[j]
			}
		}
	}
	out := make([]Coord, len(l.outs))
	for j, o := range l.outs {
		out[j] = Coord{Dim: o.Name, Value: acc[j]}
	}
	return out, nil
}

// Multiply returns the product l × r. Input and output dimensions of r that
// l already has are stacked above l's bits; new dimensions are appended.
func Multiply(l, r Layout) Layout {
	outs := slices.Clone(l.outs)
	shift := make([]int, len(r.outs)) // per r out dim: log2 of l's size
	rToRes := make([]int, len(r.outs))
	for j, o := range r.outs {
		if k := l.outIndex(o.Name); k >= 0 {
			shift[j] = log2(l.outs[k].Size)
			outs[k].Size *= o.Size
			rToRes[j] = k
			continue
		}
		outs = append(outs, o)
		rToRes[j] = len(outs) - 1
	}

	widen := func(b []int, from []int) []int {
		res := make([]int, len(outs))
		for j, v := range b {
			res[from[j]] = v
		}
		return res
	}
	lToRes := make([]int, len(l.outs))
	for j := range l.outs {
		lToRes[j] = j
	}

	res := Layout{outs: outs}
	for _, d := range l.ins {
		nd := InDim{Name: d.Name}
		for _, b := range d.Bases {
			nd.Bases = append(nd.Bases, widen(b, lToRes))
		}
		res.ins = append(res.ins, nd)
	}
	for _, d := range r.ins {
		idx := res.inIndex(d.Name)
		if idx < 0 {
			res.ins = append(res.ins, InDim{Name: d.Name})
			idx = len(res.ins) - 1
		}
		for _, b := range d.Bases {
			sb := make([]int, len(b))
			for j, v := range b {
				sb[j] = v << shift[j]
			}
			res.ins[idx].Bases = append(res.ins[idx].Bases, widen(sb, rToRes))
		}
	}
	return res
}

// Compose returns outer ∘ l. Every output dimension of l must be an input
// dimension of outer.
func (l Layout) Compose(outer Layout) (Layout, error) {
	res := Layout{outs: slices.Clone(outer.outs)}
	for _, o := range l.outs {
		if !outer.HasInDim(o.Name) {
			return Layout{}, fmt.Errorf("%w: compose: %q is not an input of the outer layout", ErrUnknownDim, o.Name)
		}
		if o.Size > outer.InDimSize(o.Name) {
			return Layout{}, fmt.Errorf("layout: compose: %q has size %d, outer accepts %d", o.Name, o.Size, outer.InDimSize(o.Name))
		}
	}
	for _, d := range l.ins {
		nd := InDim{Name: d.Name}
		for _, b := range d.Bases {
			coords := make([]Coord, len(b))
			for j, v := range b {
				coords[j] = Coord{Dim: l.outs[j].Name, Value: v}
			}
			applied, err := outer.Apply(coords...)
			if err != nil {
				return Layout{}, err
			}
			nd.Bases = append(nd.Bases, lo.Map(applied, func(c Coord, _ int) int { return c.Value }))
		}
		res.ins = append(res.ins, nd)
	}
	return res, nil
}

// InvertAndCompose returns C with outer(C(x)) == l(x) for every x. The output
// dimensions of l must all be output dimensions of outer and every value l
// produces must be reachable through outer. When outer is not injective,
// earlier input dimensions of outer are preferred.
func (l Layout) InvertAndCompose(outer Layout) (Layout, error) {
	for _, o := range l.outs {
		k := outer.outIndex(o.Name)
		if k < 0 {
			return Layout{}, fmt.Errorf("%w: invert: %q is not an output of the outer layout", ErrUnknownDim, o.Name)
		}
		if o.Size > outer.outs[k].Size {
			return Layout{}, fmt.Errorf("%w: %q has size %d, outer covers %d", ErrNotInvertible, o.Name, o.Size, outer.outs[k].Size)
		}
	}
	total := 0
	for _, d := range outer.ins {
		total += len(d.Bases)
	}
	if total > 64 {
		return Layout{}, fmt.Errorf("layout: invert: %d input bits exceed 64", total)
	}

	var basis eliminator
	col := 0
	for _, d := range outer.ins {
		for _, b := range d.Bases {
			basis.insert(outer.flatten(b), uint64(1)<<col)
			col++
		}
	}

	res := Layout{outs: lo.Map(outer.ins, func(d InDim, _ int) OutDim {
		return OutDim{Name: d.Name, Size: 1 << len(d.Bases)}
	})}
	for _, d := range l.ins {
		nd := InDim{Name: d.Name}
		for bit, b := range d.Bases {
			target := make([]int, len(outer.outs))
			for j, v := range b {
				target[outer.outIndex(l.outs[j].Name)] = v
			}
			combo, ok := basis.solve(outer.flatten(target))
			if !ok {
				return Layout{}, fmt.Errorf("%w: bit %d of %q has no preimage", ErrNotInvertible, bit, d.Name)
			}
			nd.Bases = append(nd.Bases, outer.splitInBits(combo))
		}
		res.ins = append(res.ins, nd)
	}
	return res, nil
}

// Invert returns the inverse of a surjective layout: a map from l's output
// dimensions back to its input dimensions.
func (l Layout) Invert() (Layout, error) {
	id := Empty()
	for _, o := range l.outs {
		id = Multiply(id, Identity1D(o.Size, o.Name, o.Name))
	}
	return id.InvertAndCompose(l)
}

// Sublayout keeps only the named input and output dimensions.
func (l Layout) Sublayout(ins, outs []string) Layout {
	keepOut := make([]int, 0, len(outs))
	res := Layout{}
	for j, o := range l.outs {
		if slices.Contains(outs, o.Name) {
			keepOut = append(keepOut, j)
			res.outs = append(res.outs, o)
		}
	}
	for _, d := range l.ins {
		if !slices.Contains(ins, d.Name) {
			continue
		}
		nd := InDim{Name: d.Name}
		for _, b := range d.Bases {
			nd.Bases = append(nd.Bases, lo.Map(keepOut, func(j int, _ int) int { return b[j] }))
		}
		res.ins = append(res.ins, nd)
	}
	return res
}

// IsTrivialOver reports whether each named dimension maps identically onto
// the output dimension of the same name and no other input touches it.
func (l Layout) IsTrivialOver(dims []string) bool {
	for _, name := range dims {
		k := l.outIndex(name)
		for _, d := range l.ins {
			for bit, b := range d.Bases {
				if d.Name == name {
					if k < 0 {
						return false
					}
					for j, v := range b {
						want := 0
						if j == k {
							want = 1 << bit
						}
						if v != want {
							return false
						}
					}
					continue
				}
				if k >= 0 && b[k] != 0 {
					return false
				}
			}
		}
	}
	return true
}

// FreeVariableMasks returns, per input dimension, the bits that do not change
// the output once every earlier bit is accounted for. Setting or clearing a
// free bit addresses an element that some index with that bit cleared already
// addresses.
func (l Layout) FreeVariableMasks() map[string]uint32 {
	masks := make(map[string]uint32, len(l.ins))
	var basis eliminator
	for _, d := range l.ins {
		var m uint32
		for bit, b := range d.Bases {
			if !basis.insert(l.flatten(b), 0) {
				m |= 1 << bit
			}
		}
		masks[d.Name] = m
	}
	return masks
}

func (l Layout) String() string {
	var sb strings.Builder
	for _, d := range l.ins {
		fmt.Fprintf(&sb, "%s:", d.Name)
		for _, b := range d.Bases {
			fmt.Fprintf(&sb, " %v", b)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("->")
	for _, o := range l.outs {
		fmt.Fprintf(&sb, " %s[%d]", o.Name, o.Size)
	}
	return sb.String()
}

func (l Layout) inIndex(name string) int {
	return slices.IndexFunc(l.ins, func(d InDim) bool { return d.Name == name })
}

func (l Layout) outIndex(name string) int {
	return slices.IndexFunc(l.outs, func(d OutDim) bool { return d.Name == name })
}

// flatten packs a per-output basis into one bit vector, out dim 0 lowest.
func (l Layout) flatten(b []int) uint64 {
	var v uint64
	shift := 0
	for j, o := range l.outs {
		v |= uint64(b[j]) << shift
		shift += log2(o.Size)
	}
	return v
}

// splitInBits turns a bit set over all input bits into one value per input dim.
func (l Layout) splitInBits(combo uint64) []int {
	res := make([]int, len(l.ins))
	shift := 0
	for i, d := range l.ins {
		n := len(d.Bases)
		res[i] = int((combo >> shift) & (1<<n - 1))
		shift += n
	}
	return res
}

// eliminator is an XOR basis kept in echelon form by leading bit. Each row
// remembers which inserted columns it is a combination of.
type eliminator struct {
	rows [64]struct {
		vec, combo uint64
		ok         bool
	}
}

// insert adds vec; it reports false if vec is already in the span.
func (e *eliminator) insert(vec, combo uint64) bool {
	for vec != 0 {
		p := 63 - bits.LeadingZeros64(vec)
		if !e.rows[p].ok {
			e.rows[p].vec, e.rows[p].combo, e.rows[p].ok = vec, combo, true
			return true
		}
		vec ^= e.rows[p].vec
		combo ^= e.rows[p].combo
	}
	return false
}

func (e *eliminator) solve(target uint64) (uint64, bool) {
	var combo uint64
	for target != 0 {
		p := 63 - bits.LeadingZeros64(target)
		if !e.rows[p].ok {
			return 0, false
		}
		target ^= e.rows[p].vec
		combo ^= e.rows[p].combo
	}
	return combo, true
}

func isPow2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func log2(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n)) - 1
}
