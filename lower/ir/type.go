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

// Package ir is the target-level intermediate representation produced by the
// lowering passes: typed SSA values, instructions, and basic blocks.
package ir

import "fmt"

// Kind classifies a Type.
type Kind uint8

const (
	KindVoid Kind = iota
	KindInt
	KindFloat
	KindBFloat
	KindPtr
	KindVector
	KindStruct
)

// Address spaces used by pointers.
const (
	AddrGeneric = 0
	AddrGlobal  = 1
	AddrShared  = 3
)

// Type is a small comparable description of an IR type. Vector and struct
// types are homogeneous: Elem and Bits describe each of the Lanes members.
type Type struct {
	Kind      Kind
	Bits      int
	Elem      Kind
	Lanes     int
	AddrSpace int
}

var (
	Void = Type{Kind: KindVoid}
	I1   = Int(1)
	I8   = Int(8)
	I16  = Int(16)
	I32  = Int(32)
	I64  = Int(64)
	F16  = Type{Kind: KindFloat, Bits: 16}
	BF16 = Type{Kind: KindBFloat, Bits: 16}
	F32  = Type{Kind: KindFloat, Bits: 32}
	F64  = Type{Kind: KindFloat, Bits: 64}
)

// Int returns the integer type of the given width.
func Int(bits int) Type {
	return Type{Kind: KindInt, Bits: bits}
}

// Ptr returns a pointer type in the given address space.
func Ptr(addrSpace int) Type {
	return Type{Kind: KindPtr, Bits: 64, AddrSpace: addrSpace}
}

// VecOf returns a vector of n elements of scalar type t.
func VecOf(t Type, n int) Type {
	return Type{Kind: KindVector, Bits: t.Bits, Elem: t.Kind, Lanes: n}
}

// StructOf returns a literal struct of n members of scalar type t.
func StructOf(t Type, n int) Type {
	return Type{Kind: KindStruct, Bits: t.Bits, Elem: t.Kind, Lanes: n}
}

// ElemType returns the member type of a vector or struct, or t itself.
func (t Type) ElemType() Type {
	if t.Kind == KindVector || t.Kind == KindStruct {
		return Type{Kind: t.Elem, Bits: t.Bits}
	}
	return t
}

// SizeInBits returns the total width of the type.
func (t Type) SizeInBits() int {
	switch t.Kind {
	case KindVoid:
		return 0
	case KindVector, KindStruct:
		return t.Bits * t.Lanes
	}
	return t.Bits
}

// IsInt reports whether t is a scalar integer.
func (t Type) IsInt() bool { return t.Kind == KindInt }

// IsFloat reports whether t is an IEEE or brain floating point scalar.
func (t Type) IsFloat() bool { return t.Kind == KindFloat || t.Kind == KindBFloat }

// IsBF16 reports whether t is bfloat16.
func (t Type) IsBF16() bool { return t.Kind == KindBFloat && t.Bits == 16 }

// IsF16 reports whether t is IEEE half precision.
func (t Type) IsF16() bool { return t.Kind == KindFloat && t.Bits == 16 }

// IsScalar reports whether t is an int or float scalar.
func (t Type) IsScalar() bool { return t.IsInt() || t.IsFloat() }

func (t Type) String() string {
	switch t.Kind {
	case KindVoid:
		return "void"
	case KindInt:
		return fmt.Sprintf("i%d", t.Bits)
	case KindFloat:
		return fmt.Sprintf("f%d", t.Bits)
	case KindBFloat:
		return fmt.Sprintf("bf%d", t.Bits)
	case KindPtr:
		return fmt.Sprintf("ptr<%d>", t.AddrSpace)
	case KindVector:
		return fmt.Sprintf("<%d x %s>", t.Lanes, t.ElemType())
	case KindStruct:
		return fmt.Sprintf("{%d x %s}", t.Lanes, t.ElemType())
	}
	return "?"
}
