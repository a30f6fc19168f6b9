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

// Package ptx assembles inline PTX programs. A Builder collects instructions
// and their operands, numbers the operands ($0 for the first output, inputs
// after all outputs) and launches the program as a single inline-asm
// instruction in the target IR.
package ptx

import (
	"fmt"
	"strings"

	"github.com/ajroetker/go-simtlower/lower/ir"
)

// OperandKind classifies an Operand.
type OperandKind int

const (
	OperandReg OperandKind = iota
	OperandAddr
	OperandConst
	OperandList
)

// Operand is an argument of an Instr.
type Operand struct {
	Kind OperandKind

	// Value is the IR value bound to a register or address operand. It is
	// nil for outputs.
	Value *ir.Value

	// Constraint is the inline-asm constraint letter, prefixed with "=" for
	// outputs.
	Constraint string

	// Offset is the byte displacement of an address operand.
	Offset int

	// Imm is the literal text of a constant operand.
	Imm string

	// List holds the members of a braced operand list.
	List []*Operand

	idx int
}

// IsOutput reports whether the operand is written by the program.
func (o *Operand) IsOutput() bool {
	return strings.HasPrefix(o.Constraint, "=")
}

// Index returns the $n number assigned to the operand by the builder.
func (o *Operand) Index() int { return o.idx }

// Len returns the number of members of a list operand.
func (o *Operand) Len() int { return len(o.List) }

// At returns member i of a list operand.
func (o *Operand) At(i int) *Operand { return o.List[i] }

// Append adds members to a list operand.
func (o *Operand) Append(ops ...*Operand) *Operand {
	o.List = append(o.List, ops...)
	return o
}

func (o *Operand) render() string {
	switch o.Kind {
	case OperandConst:
		return o.Imm
	case OperandAddr:
		if o.Offset != 0 {
			return fmt.Sprintf("[ $%d + %d ]", o.idx, o.Offset)
		}
		return fmt.Sprintf("[ $%d ]", o.idx)
	case OperandList:
		if len(o.List) == 1 {
			return o.List[0].render()
		}
		parts := make([]string, len(o.List))
		for i, m := range o.List {
			parts[i] = m.render()
		}
		return "{ " + strings.Join(parts, ", ") + " }"
	}
	return fmt.Sprintf("$%d", o.idx)
}

// Instr is one instruction of a program.
type Instr struct {
	Opcode   string
	Mods     []string
	Operands []*Operand

	// Guard is the predicate operand, or nil for an unguarded instruction.
	Guard *Operand

	// Template, when set, is the literal instruction text with $n
	// placeholders already written by the caller.
	Template string

	b *Builder
}

// O appends the modifier when cond holds.
func (in *Instr) O(mod string, cond bool) *Instr {
	if cond {
		in.Mods = append(in.Mods, mod)
	}
	return in
}

// Mod appends a modifier unconditionally.
func (in *Instr) Mod(mod string) *Instr { return in.O(mod, true) }

// Global adds the .global state space.
func (in *Instr) Global() *Instr { return in.Mod("global") }

// Shared adds the .shared state space.
func (in *Instr) Shared() *Instr { return in.Mod("shared") }

// V adds the .vN vector qualifier when n > 1.
func (in *Instr) V(n int) *Instr { return in.O(fmt.Sprintf("v%d", n), n > 1) }

// B adds the .bN untyped width qualifier.
func (in *Instr) B(width int) *Instr { return in.Mod(fmt.Sprintf("b%d", width)) }

// Call sets the operands of the instruction.
func (in *Instr) Call(ops ...*Operand) *Instr {
	in.Operands = append(in.Operands, ops...)
	return in
}

// Predicate guards the instruction with pred. A nil pred leaves it
// unguarded.
func (in *Instr) Predicate(pred *ir.Value) *Instr {
	if pred == nil || pred.IsTrue() {
		return in
	}
	in.Guard = in.b.NewOperand(pred, "b")
	return in
}

// HasMod reports whether mod is among the modifiers.
func (in *Instr) HasMod(mod string) bool {
	for _, m := range in.Mods {
		if m == mod {
			return true
		}
	}
	return false
}

// Mnemonic returns the opcode joined with its modifiers.
func (in *Instr) Mnemonic() string {
	if len(in.Mods) == 0 {
		return in.Opcode
	}
	return in.Opcode + "." + strings.Join(in.Mods, ".")
}

func (in *Instr) render() string {
	if in.Template != "" {
		return in.Template
	}
	var sb strings.Builder
	if in.Guard != nil {
		fmt.Fprintf(&sb, "@$%d ", in.Guard.idx)
	}
	sb.WriteString(in.Mnemonic())
	for i, o := range in.Operands {
		if i == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(o.render())
	}
	sb.WriteByte(';')
	return sb.String()
}

// Builder collects the instructions and operands of one inline program.
type Builder struct {
	instrs   []*Instr
	operands []*Operand
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Create starts a new instruction with the given base opcode.
func (b *Builder) Create(opcode string) *Instr {
	in := &Instr{Opcode: opcode, b: b}
	b.instrs = append(b.instrs, in)
	return in
}

// CreateTemplate adds an instruction whose text is given literally.
// mnemonic names it for inspection; operands are attached with Call in $n
// order.
func (b *Builder) CreateTemplate(mnemonic, template string) *Instr {
	in := &Instr{Opcode: mnemonic, Template: template, b: b}
	b.instrs = append(b.instrs, in)
	return in
}

// NewOperand binds v as an input with the given constraint.
func (b *Builder) NewOperand(v *ir.Value, constraint string) *Operand {
	o := &Operand{Kind: OperandReg, Value: v, Constraint: constraint}
	b.operands = append(b.operands, o)
	return o
}

// NewOutput creates an output operand. With init the output is zeroed by a
// mov before any other instruction of the program.
func (b *Builder) NewOutput(constraint string, init bool) *Operand {
	o := &Operand{Kind: OperandReg, Constraint: "=" + constraint}
	b.operands = append(b.operands, o)
	if init {
		zero := &Instr{Opcode: "mov", Mods: []string{movType(constraint)}, b: b}
		zero.Operands = []*Operand{o, b.NewConst("0x0")}
		b.instrs = append([]*Instr{zero}, b.instrs...)
	}
	return o
}

// NewAddr binds v as an address operand.
func (b *Builder) NewAddr(v *ir.Value, constraint string, offset int) *Operand {
	o := &Operand{Kind: OperandAddr, Value: v, Constraint: constraint, Offset: offset}
	b.operands = append(b.operands, o)
	return o
}

// NewConst returns an immediate operand.
func (b *Builder) NewConst(imm string) *Operand {
	return &Operand{Kind: OperandConst, Imm: imm}
}

// NewConstInt returns an integer immediate operand in hex.
func (b *Builder) NewConstInt(v uint64) *Operand {
	return b.NewConst(fmt.Sprintf("0x%x", v))
}

// NewList returns a braced operand list.
func (b *Builder) NewList(ops ...*Operand) *Operand {
	return &Operand{Kind: OperandList, List: ops}
}

// Instrs returns the instructions in program order.
func (b *Builder) Instrs() []*Instr { return b.instrs }

func movType(constraint string) string {
	switch constraint {
	case "h":
		return "u16"
	case "l":
		return "u64"
	case "c":
		return "u8"
	}
	return "u32"
}

// number assigns $n to every register and address operand: outputs first in
// creation order, then inputs.
func (b *Builder) number() (ins []*ir.Value, constraints []string) {
	n := 0
	for _, o := range b.operands {
		if o.IsOutput() {
			o.idx = n
			n++
			constraints = append(constraints, o.Constraint)
		}
	}
	for _, o := range b.operands {
		if !o.IsOutput() {
			o.idx = n
			n++
			constraints = append(constraints, o.Constraint)
			ins = append(ins, o.Value)
		}
	}
	return ins, constraints
}

// Program is the payload attached to the launched inline-asm instruction.
type Program struct {
	Instrs      []*Instr
	Operands    []*Operand
	Text        string
	Constraints string
}

// Find returns the first instruction whose mnemonic starts with prefix.
func (p *Program) Find(prefix string) *Instr {
	for _, in := range p.Instrs {
		if strings.HasPrefix(in.Mnemonic(), prefix) {
			return in
		}
	}
	return nil
}

// Launch numbers the operands, renders the program and appends it to ib as
// one OpInlineAsm instruction returning a value of type ret.
func (b *Builder) Launch(ib *ir.Builder, ret ir.Type) *ir.Value {
	ins, constraints := b.number()
	lines := make([]string, len(b.instrs))
	for i, in := range b.instrs {
		lines[i] = in.render()
	}
	p := &Program{
		Instrs:      b.instrs,
		Operands:    b.operands,
		Text:        strings.Join(lines, "\n"),
		Constraints: strings.Join(constraints, ","),
	}
	in := &ir.Instr{
		Op:      ir.OpInlineAsm,
		Args:    ins,
		Payload: p,
		Attrs: []ir.Attr{
			{Key: "asm", Value: p.Text},
			{Key: "constraints", Value: p.Constraints},
		},
	}
	return ib.EmitInstr(in, ret)
}

// ProgramOf returns the program of an inline-asm instruction.
func ProgramOf(in *ir.Instr) (*Program, bool) {
	if in.Op != ir.OpInlineAsm {
		return nil, false
	}
	p, ok := in.Payload.(*Program)
	return p, ok
}

// Programs returns every inline program in r in order.
func Programs(r *ir.Region) []*Program {
	var out []*Program
	for _, in := range r.Instrs() {
		if p, ok := ProgramOf(in); ok {
			out = append(out, p)
		}
	}
	return out
}
