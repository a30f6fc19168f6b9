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
	"math"
)

// Context allocates value ids. Inputs created by a caller and the values
// produced while lowering share one Context so ids never collide.
type Context struct {
	nextID int
}

// NewContext returns an empty Context.
func NewContext() *Context {
	return &Context{}
}

// Value is an SSA value: a constant, an argument, a block argument, or the
// result of an instruction.
type Value struct {
	ID    int
	Type  Type
	Name  string
	Def   *Instr
	Const bool
	Undef bool
	Bits  uint64
}

func (c *Context) newValue(t Type, name string) *Value {
	c.nextID++
	return &Value{ID: c.nextID, Type: t, Name: name}
}

// Param returns a fresh opaque value of type t, such as a kernel argument or
// the result of code outside the lowering.
func (c *Context) Param(t Type, name string) *Value {
	return c.newValue(t, name)
}

// Const returns a constant of type t with the given bit pattern, truncated
// to the type width.
func (c *Context) Const(t Type, bits uint64) *Value {
	v := c.newValue(t, "")
	v.Const = true
	v.Bits = truncate(bits, t.SizeInBits())
	return v
}

// Undef returns an undefined value of type t.
func (c *Context) Undef(t Type) *Value {
	v := c.newValue(t, "")
	v.Undef = true
	return v
}

// Bool returns an i1 constant.
func (c *Context) Bool(b bool) *Value {
	if b {
		return c.Const(I1, 1)
	}
	return c.Const(I1, 0)
}

// Float32 returns an f32 constant.
func (c *Context) Float32(f float32) *Value {
	return c.Const(F32, uint64(math.Float32bits(f)))
}

// IsConst reports whether v is a constant with exactly the given bits.
func (v *Value) IsConst(bits uint64) bool {
	return v != nil && v.Const && v.Bits == truncate(bits, v.Type.SizeInBits())
}

// IsTrue reports whether v is the i1 constant 1.
func (v *Value) IsTrue() bool {
	return v.Type == I1 && v.IsConst(1)
}

// IsZero reports whether v is a constant with all bits clear.
func (v *Value) IsZero() bool {
	return v.IsConst(0)
}

// SignedBits returns the constant sign-extended from the type width.
func (v *Value) SignedBits() int64 {
	w := v.Type.SizeInBits()
	if w == 0 || w >= 64 {
		return int64(v.Bits)
	}
	shift := 64 - w
	return int64(v.Bits<<shift) >> shift
}

func (v *Value) String() string {
	if v == nil {
		return "<nil>"
	}
	if v.Undef {
		return "undef"
	}
	if v.Const {
		if v.Type == I1 {
			return fmt.Sprintf("%t", v.Bits != 0)
		}
		if v.Type.IsInt() {
			return fmt.Sprintf("%d", v.SignedBits())
		}
		return fmt.Sprintf("0x%x", v.Bits)
	}
	if v.Name != "" {
		return fmt.Sprintf("%%%s.%d", v.Name, v.ID)
	}
	return fmt.Sprintf("%%%d", v.ID)
}

func truncate(bits uint64, width int) uint64 {
	if width <= 0 || width >= 64 {
		return bits
	}
	return bits & (1<<width - 1)
}
