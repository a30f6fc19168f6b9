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
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/ajroetker/go-simtlower/lower"
	"github.com/ajroetker/go-simtlower/lower/ptx"
)

var titleCaser = cases.Title(language.English)

// heading turns an op name such as "async_tma_copy_global_to_local" into
// "Async Tma Copy Global To Local".
func heading(name string) string {
	return titleCaser.String(strings.ReplaceAll(name, "_", " "))
}

// writeReport prints each expansion: a heading, the region, the inline
// programs, remarks and the result count.
func writeReport(w io.Writer, cfg lower.Config, exps []*lower.Expansion, asmOnly bool) {
	fmt.Fprintf(w, "target %s (cc %d), %d warps, %d blocks per cluster\n",
		cfg.Target.Name, cfg.Target.ComputeCapability, cfg.NumWarps, cfg.NumCTAs)
	for i, exp := range exps {
		fmt.Fprintf(w, "\n== %d: %s ==\n", i, heading(exp.Op.Name()))
		if asmOnly {
			for _, p := range ptx.Programs(exp.Region) {
				fmt.Fprintf(w, "%s\n", p.Text)
			}
		} else {
			fmt.Fprint(w, exp.Region)
		}
		for _, r := range exp.Remarks {
			fmt.Fprintf(w, "remark: %s\n", r)
		}
		switch {
		case exp.Results == nil:
			fmt.Fprintln(w, "results: none")
		default:
			fmt.Fprintf(w, "results: %d\n", len(exp.Results))
		}
		if exp.UsesScratch {
			fmt.Fprintln(w, "scratch: used")
		}
	}
}
