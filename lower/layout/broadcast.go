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

package layout

import "slices"

// BroadcastAction drops register bits whose basis is entirely zero. Such
// registers hold copies of a register with the bit cleared.
type BroadcastAction struct {
	zeroMask uint32
}

// RemoveBroadcastedRegs returns the action that removes broadcast register
// bits from l. The action is a no-op when l has none.
func RemoveBroadcastedRegs(l Layout) BroadcastAction {
	var a BroadcastAction
	i := l.inIndex(Register)
	if i < 0 {
		return a
	}
	for bit, b := range l.ins[i].Bases {
		if !slices.ContainsFunc(b, func(v int) bool { return v != 0 }) {
			a.zeroMask |= 1 << bit
		}
	}
	return a
}

// IsIdentity reports whether the action changes nothing.
func (a BroadcastAction) IsIdentity() bool {
	return a.zeroMask == 0
}

// Mask returns the dropped register bits.
func (a BroadcastAction) Mask() uint32 {
	return a.zeroMask
}

// Apply removes the broadcast register bits from l.
func (a BroadcastAction) Apply(l Layout) Layout {
	if a.IsIdentity() {
		return l
	}
	res := Layout{outs: slices.Clone(l.outs)}
	for _, d := range l.ins {
		nd := InDim{Name: d.Name}
		for bit, b := range d.Bases {
			if d.Name == Register && a.zeroMask&(1<<bit) != 0 {
				continue
			}
			nd.Bases = append(nd.Bases, slices.Clone(b))
		}
		res.ins = append(res.ins, nd)
	}
	return res
}

// ApplyRegs keeps the per-register values whose index has no dropped bit set,
// preserving order. The result lines up with the registers of a.Apply(l).
func ApplyRegs[T any](a BroadcastAction, vals []T) []T {
	if a.IsIdentity() {
		return vals
	}
	out := make([]T, 0, len(vals))
	for i, v := range vals {
		if uint32(i)&a.zeroMask == 0 {
			out = append(out, v)
		}
	}
	return out
}
