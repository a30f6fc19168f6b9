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
	"io"
	"strings"
)

// Fprint writes a textual form of r to w.
func Fprint(w io.Writer, r *Region) error {
	_, err := io.WriteString(w, r.String())
	return err
}

func (r *Region) String() string {
	var sb strings.Builder
	for _, blk := range r.Blocks {
		sb.WriteString(blk.header())
		sb.WriteString(":\n")
		for _, in := range blk.Instrs {
			sb.WriteString("  ")
			sb.WriteString(in.String())
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

func (b *Block) header() string {
	if len(b.Args) == 0 {
		return b.Name
	}
	args := make([]string, len(b.Args))
	for i, a := range b.Args {
		args[i] = fmt.Sprintf("%s: %s", a, a.Type)
	}
	return fmt.Sprintf("%s(%s)", b.Name, strings.Join(args, ", "))
}

func joinValues(vs []*Value) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return strings.Join(parts, ", ")
}

func (in *Instr) String() string {
	var sb strings.Builder
	if in.Result != nil {
		fmt.Fprintf(&sb, "%s = ", in.Result)
	}
	sb.WriteString(in.Op.String())
	if in.Result != nil {
		fmt.Fprintf(&sb, " %s", in.Result.Type)
	}
	if len(in.Args) > 0 {
		fmt.Fprintf(&sb, " %s", joinValues(in.Args))
	}
	for i, s := range in.Succs {
		fmt.Fprintf(&sb, " ^%s", s.Name)
		if args := in.SuccArgs[i]; len(args) > 0 {
			fmt.Fprintf(&sb, "(%s)", joinValues(args))
		}
	}
	for _, a := range in.Attrs {
		fmt.Fprintf(&sb, " %s=%q", a.Key, a.Value)
	}
	return sb.String()
}
