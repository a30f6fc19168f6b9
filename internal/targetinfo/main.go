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

// Package main provides a diagnostic tool to print the host the lowering runs
// on and the device features each target enables.
package main

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/sys/cpu"

	"github.com/ajroetker/go-simtlower/lower"
)

func main() {
	var target string
	cmd := &cobra.Command{
		Use:   "targetinfo",
		Short: "Print host details and device capability tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			printHost(w)
			fmt.Fprintln(w)
			if target != "" {
				t, err := lower.GetTarget(target)
				if err != nil {
					return err
				}
				printTarget(w, t)
				return nil
			}
			for _, name := range lower.TargetNames() {
				t, _ := lower.GetTarget(name)
				printTarget(w, t)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "", "print only this target")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func printHost(w io.Writer) {
	fmt.Fprintf(w, "GOOS: %s\n", runtime.GOOS)
	fmt.Fprintf(w, "GOARCH: %s\n", runtime.GOARCH)
	fmt.Fprintf(w, "NumCPU: %d\n", runtime.NumCPU())

	switch runtime.GOARCH {
	case "arm64":
		fmt.Fprintln(w, "=== golang.org/x/sys/cpu.ARM64 ===")
		fmt.Fprintf(w, "  HasASIMD:   %v\n", cpu.ARM64.HasASIMD)
		fmt.Fprintf(w, "  HasATOMICS: %v (Large System Extensions)\n", cpu.ARM64.HasATOMICS)
	case "amd64":
		fmt.Fprintln(w, "=== golang.org/x/sys/cpu.X86 ===")
		fmt.Fprintf(w, "  HasAVX2:    %v\n", cpu.X86.HasAVX2)
		fmt.Fprintf(w, "  HasAVX512F: %v\n", cpu.X86.HasAVX512F)
		fmt.Fprintf(w, "  HasBMI2:    %v\n", cpu.X86.HasBMI2)
	}
}

func printTarget(w io.Writer, t lower.Target) {
	fmt.Fprintf(w, "=== %s (cc %d) ===\n", t.Name, t.ComputeCapability)
	fmt.Fprintf(w, "  WarpSize:           %d\n", t.WarpSize)
	fmt.Fprintf(w, "  MaxVectorBits:      %d\n", t.MaxVectorBits)
	fmt.Fprintf(w, "  FractionalL2Policy: %v (createpolicy.fractional)\n", t.FractionalL2Policy())
	fmt.Fprintf(w, "  NativeF16Atomics:   %v\n", t.NativeF16Atomics())
	fmt.Fprintf(w, "  NativeBF16Atomics:  %v\n", t.NativeBF16Atomics())
	fmt.Fprintf(w, "  VectorizedAtomics:  %v (atom.add.v4.f32)\n", t.VectorizedAtomics())
	fmt.Fprintf(w, "  BulkTensorCopy:     %v (cp.async.bulk.tensor)\n", t.BulkTensorCopy())
	fmt.Fprintf(w, "  GatherScatter4:     %v (tile::gather4)\n", t.GatherScatter4())
}
