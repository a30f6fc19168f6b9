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

// Command simtlower reads a YAML description of a kernel's memory operations
// and prints their per-lane lowering.
//
// Usage:
//
//	simtlower [flags] [kernel.yaml]
//
// The kernel is read from standard input when no file is given. Flags
// override the target, warp count and cluster size named in the file.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ajroetker/go-simtlower/lower"
	"github.com/ajroetker/go-simtlower/lower/ir"
)

type options struct {
	target             string
	warps              int
	ctas               int
	asmOnly            bool
	debug              bool
	disableLoadAcquire bool
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "simtlower [kernel.yaml]",
		Short:         "Lower tensor memory operations to per-lane instructions",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return run(cmd, in, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.target, "target", "t", "sm90", "target architecture ("+fmt.Sprint(lower.TargetNames())+")")
	f.IntVarP(&opts.warps, "warps", "w", 4, "warps per block")
	f.IntVar(&opts.ctas, "ctas", 1, "blocks per cluster")
	f.BoolVar(&opts.asmOnly, "asm", false, "print only the inline programs")
	f.BoolVar(&opts.debug, "debug", false, "trace planning decisions to stderr")
	f.BoolVar(&opts.disableLoadAcquire, "no-load-acquire", false, "never promote read-only atomics to loads")
	return cmd
}

// applyFlags fills the settings k leaves unset and overrides those given
// explicitly on the command line.
func applyFlags(k *Kernel, flags *pflag.FlagSet, opts options) {
	if k.Target == "" || flags.Changed("target") {
		k.Target = opts.target
	}
	if k.Warps == 0 || flags.Changed("warps") {
		k.Warps = opts.warps
	}
	if k.CTAs == 0 || flags.Changed("ctas") {
		k.CTAs = opts.ctas
	}
}

func run(cmd *cobra.Command, in io.Reader, opts options) error {
	k, err := ReadKernel(in)
	if err != nil {
		return err
	}
	applyFlags(k, cmd.Flags(), opts)
	tgt, err := lower.GetTarget(k.Target)
	if err != nil {
		return err
	}
	cfg := lower.DefaultConfig(tgt)
	cfg.NumWarps = k.Warps
	cfg.NumCTAs = k.CTAs
	cfg.DisableLoadAcquire = opts.disableLoadAcquire
	if opts.debug {
		cfg.Debug = cmd.ErrOrStderr()
	}

	ctx := ir.NewContext()
	ops, err := k.Build(ctx)
	if err != nil {
		return err
	}
	pass, err := lower.NewPass(cfg)
	if err != nil {
		return err
	}
	exps, err := pass.Run(ctx, ops)
	if err != nil {
		return err
	}
	writeReport(cmd.OutOrStdout(), cfg, exps, opts.asmOnly)
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "simtlower: %v\n", err)
		os.Exit(1)
	}
}
