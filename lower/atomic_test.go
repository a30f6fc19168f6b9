package lower

import (
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ajroetker/go-simtlower/lower/ir"
)

func TestCASHalfTensorUnused(t *testing.T) {
	ctx := ir.NewContext()
	cfg := testConfig(t, "sm80")
	var trace strings.Builder
	cfg.Debug = &trace
	l := blocked(8, 32, 4)
	exp := lowerOK(t, cfg, ctx, &AtomicCASOp{
		Ptr:  ptrTensor(ctx, l, 8),
		Cmp:  valTensor(ctx, l, ir.F16, "cmp"),
		Val:  valTensor(ctx, l, ir.F16, "val"),
		Elem: ir.F16,
	})
	if !strings.Contains(trace.String(), "vec=2") {
		t.Errorf("width not capped at 2: %q", trace.String())
	}
	if n := countAsm(exp, "atom.global.relaxed.gpu.cas.b16"); n != 8 {
		t.Errorf("issued %d cas, want one per element", n)
	}
	for _, op := range []ir.Opcode{ir.OpSharedScratch, ir.OpBarrier, ir.OpLoad, ir.OpClusterArrive} {
		if n := exp.Region.Count(op); n != 0 {
			t.Errorf("tensor cas emitted %d %s", n, op)
		}
	}
	if n := countAsm(exp, "st.shared"); n != 0 {
		t.Errorf("tensor cas published %d values", n)
	}
	if exp.UsesScratch {
		t.Error("tensor cas reports scratch use")
	}
	if len(exp.Results) != 8 {
		t.Errorf("got %d results, want 8", len(exp.Results))
	}
	if len(exp.Remarks) != 0 {
		t.Errorf("remarks = %v", exp.Remarks)
	}
}

func TestCASRedundantRegisters(t *testing.T) {
	ctx := ir.NewContext()
	l := registerBroadcast()
	exp := lowerOK(t, testConfig(t, "sm80"), ctx, &AtomicCASOp{
		Ptr:  ptrTensor(ctx, l, 1),
		Cmp:  valTensor(ctx, l, ir.I32, "cmp"),
		Val:  valTensor(ctx, l, ir.I32, "val"),
		Elem: ir.I32,
		Sem:  AcqRel,
	})
	if n := countAsm(exp, "atom.global.acq_rel.gpu.cas.b32"); n != 4 {
		t.Errorf("issued %d cas, want 4", n)
	}
	if exp.Results[5] != exp.Results[1] {
		t.Error("redundant register does not reuse the canonical result")
	}
}

func scalarCAS(ctx *ir.Context, used bool) *AtomicCASOp {
	return &AtomicCASOp{
		Ptr:        Scalar(ctx.Param(ir.Ptr(ir.AddrGlobal), "ptr")),
		Cmp:        Scalar(ctx.Param(ir.I32, "cmp")),
		Val:        Scalar(ctx.Param(ir.I32, "val")),
		Elem:       ir.I32,
		Sem:        Acquire,
		Scope:      ScopeCTA,
		ResultUsed: used,
	}
}

func TestCASScalarPublication(t *testing.T) {
	tests := []struct {
		name     string
		used     bool
		ctas     int
		want     map[ir.Opcode]int
		wantSync bool
	}{
		{"unused", false, 1, map[ir.Opcode]int{ir.OpSharedScratch: 0, ir.OpBarrier: 0, ir.OpLoad: 0}, false},
		{"used", true, 1, map[ir.Opcode]int{ir.OpSharedScratch: 1, ir.OpBarrier: 1, ir.OpLoad: 1}, true},
		{"used in cluster", true, 2, map[ir.Opcode]int{
			ir.OpSharedScratch: 1, ir.OpBarrier: 0, ir.OpClusterArrive: 1, ir.OpClusterWait: 1, ir.OpLoad: 1,
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ir.NewContext()
			cfg := testConfig(t, "sm90")
			cfg.NumCTAs = tt.ctas
			exp := lowerOK(t, cfg, ctx, scalarCAS(ctx, tt.used))

			got := make(map[ir.Opcode]int)
			for op := range tt.want {
				got[op] = exp.Region.Count(op)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("instruction counts (-want +got):\n%s", diff)
			}
			if n := countAsm(exp, "atom.global.acquire.cta.cas.b32"); n != 1 {
				t.Errorf("issued %d cas, want 1", n)
			}
			// Lane and warp ids, plus the block id in a cluster.
			if n, want := exp.Region.Count(ir.OpReadSpecial), 1+tt.ctas; n != want {
				t.Errorf("read %d special registers, want %d", n, want)
			}
			if exp.UsesScratch != tt.wantSync {
				t.Errorf("UsesScratch = %v, want %v", exp.UsesScratch, tt.wantSync)
			}
			if !tt.used {
				if exp.Results != nil {
					t.Errorf("unused result published as %v", exp.Results)
				}
				return
			}
			atom := findAsm(t, exp, "atom.global")
			st := findAsm(t, exp, "st.shared.b32")
			if atom.Guard == nil || st.Guard == nil || st.Guard.Value != atom.Guard.Value {
				t.Error("publication store does not share the atomic's guard")
			}
			if len(exp.Results) != 1 || exp.Results[0].Def == nil || exp.Results[0].Def.Op != ir.OpLoad {
				t.Errorf("result is not read back from the scratch slot: %v", exp.Results)
			}
		})
	}
}

func scalarRMW(ctx *ir.Context, val *ir.Value) *AtomicRMWOp {
	return &AtomicRMWOp{
		Kind:       RMWAdd,
		Ptr:        Scalar(ctx.Param(ir.Ptr(ir.AddrGlobal), "ptr")),
		Val:        Scalar(val),
		Elem:       val.Type,
		Sem:        Acquire,
		Scope:      ScopeGPU,
		ResultUsed: true,
	}
}

func TestRMWPromotionToLoad(t *testing.T) {
	negZero := float32(math.Copysign(0, -1))
	tests := []struct {
		name    string
		build   func(ctx *ir.Context) *AtomicRMWOp
		disable bool
		want    bool
	}{
		{"add zero", func(ctx *ir.Context) *AtomicRMWOp {
			return scalarRMW(ctx, ctx.Const(ir.I32, 0))
		}, false, true},
		{"fadd negative zero", func(ctx *ir.Context) *AtomicRMWOp {
			op := scalarRMW(ctx, ctx.Float32(negZero))
			op.Kind = RMWFAdd
			return op
		}, false, true},
		{"relaxed system", func(ctx *ir.Context) *AtomicRMWOp {
			op := scalarRMW(ctx, ctx.Const(ir.I64, 0))
			op.Sem, op.Scope = Relaxed, ScopeSystem
			return op
		}, false, true},
		{"cta scope", func(ctx *ir.Context) *AtomicRMWOp {
			op := scalarRMW(ctx, ctx.Const(ir.I32, 0))
			op.Scope = ScopeCTA
			return op
		}, false, true},

		{"nonzero addend", func(ctx *ir.Context) *AtomicRMWOp {
			return scalarRMW(ctx, ctx.Const(ir.I32, 1))
		}, false, false},
		{"fadd one", func(ctx *ir.Context) *AtomicRMWOp {
			op := scalarRMW(ctx, ctx.Float32(1))
			op.Kind = RMWFAdd
			return op
		}, false, false},
		{"runtime addend", func(ctx *ir.Context) *AtomicRMWOp {
			return scalarRMW(ctx, ctx.Param(ir.I32, "v"))
		}, false, false},
		{"release", func(ctx *ir.Context) *AtomicRMWOp {
			op := scalarRMW(ctx, ctx.Const(ir.I32, 0))
			op.Sem = Release
			return op
		}, false, false},
		{"acq_rel", func(ctx *ir.Context) *AtomicRMWOp {
			op := scalarRMW(ctx, ctx.Const(ir.I32, 0))
			op.Sem = AcqRel
			return op
		}, false, false},
		{"cluster scope", func(ctx *ir.Context) *AtomicRMWOp {
			op := scalarRMW(ctx, ctx.Const(ir.I32, 0))
			op.Scope = ScopeCluster
			return op
		}, false, false},
		{"or", func(ctx *ir.Context) *AtomicRMWOp {
			op := scalarRMW(ctx, ctx.Const(ir.I32, 0))
			op.Kind = RMWOr
			return op
		}, false, false},
		{"max", func(ctx *ir.Context) *AtomicRMWOp {
			op := scalarRMW(ctx, ctx.Const(ir.I32, 0))
			op.Kind = RMWMax
			return op
		}, false, false},
		{"tensor result", func(ctx *ir.Context) *AtomicRMWOp {
			op := scalarRMW(ctx, ctx.Const(ir.I32, 0))
			l := blocked(1, 32, 4)
			op.Ptr = ptrTensor(ctx, l, 1)
			op.Val = &Tensor{Elems: op.Val.Elems, Layout: l}
			return op
		}, false, false},
		{"disabled", func(ctx *ir.Context) *AtomicRMWOp {
			return scalarRMW(ctx, ctx.Const(ir.I32, 0))
		}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ir.NewContext()
			cfg := testConfig(t, "sm90")
			cfg.DisableLoadAcquire = tt.disable
			op := tt.build(ctx)
			exp := lowerOK(t, cfg, ctx, op)

			loads, atoms := countAsm(exp, "ld.global"), countAsm(exp, "atom.global")
			if got := loads == 1 && atoms == 0; got != tt.want {
				t.Errorf("promoted = %v (loads %d, atoms %d), want %v", got, loads, atoms, tt.want)
			}
			if tt.want {
				ld := findAsm(t, exp, "ld.global")
				if !ld.HasMod(op.Sem.String()) || !ld.HasMod(op.Scope.String()) {
					t.Errorf("%s does not keep the ordering and scope", ld.Mnemonic())
				}
				if len(exp.Results) != 1 || exp.Results[0].Def.Op != ir.OpLoad {
					t.Errorf("promoted result is not published: %v", exp.Results)
				}
			}
		})
	}
}

func TestRMWStrategies(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		kind    RMWOp
		elem    ir.Type
		regs    int
		contig  int
		want    string
		wantN   int
		results ir.Opcode
	}{
		{"vectorized f32", "sm90", RMWFAdd, ir.F32, 4, 4, "atom.global.relaxed.gpu.add.v4.f32", 1, ir.OpExtractValue},
		{"vectorized bf16", "sm90", RMWFAdd, ir.BF16, 8, 8, "atom.global.relaxed.gpu.add.noftz.v8.bf16", 1, ir.OpExtractValue},
		{"packed f16", "sm80", RMWFAdd, ir.F16, 4, 4, "atom.global.relaxed.gpu.add.noftz.f16x2", 2, ir.OpExtractElement},
		{"native f32", "sm80", RMWFAdd, ir.F32, 4, 4, "atom.global.relaxed.gpu.add.f32", 4, ir.OpInlineAsm},
		{"umin", "sm80", RMWUMin, ir.I32, 2, 2, "atom.global.relaxed.gpu.min.u32", 2, ir.OpInlineAsm},
		{"max", "sm80", RMWMax, ir.I64, 2, 2, "atom.global.relaxed.gpu.max.s64", 2, ir.OpInlineAsm},
		{"xchg", "sm80", RMWXchg, ir.I32, 1, 1, "atom.global.relaxed.gpu.exch.b32", 1, ir.OpInlineAsm},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ir.NewContext()
			l := blocked(tt.regs, 32, 4)
			exp := lowerOK(t, testConfig(t, tt.target), ctx, &AtomicRMWOp{
				Kind: tt.kind,
				Ptr:  ptrTensor(ctx, l, tt.contig),
				Val:  valTensor(ctx, l, tt.elem, "val"),
				Elem: tt.elem,
			})
			if n := countAsm(exp, tt.want); n != tt.wantN {
				t.Errorf("issued %d %s, want %d\n%s", n, tt.want, tt.wantN, exp.Region)
			}
			if n := countAsm(exp, "atom"); n != tt.wantN {
				t.Errorf("issued %d atomics in total, want %d", n, tt.wantN)
			}
			if len(exp.Results) != tt.regs {
				t.Fatalf("got %d results, want %d", len(exp.Results), tt.regs)
			}
			for i, v := range exp.Results {
				if v.Def == nil || v.Def.Op != tt.results {
					t.Errorf("result %d = %v, want a %s", i, v, tt.results)
				}
			}
		})
	}
}

func TestRMWBranchFallback(t *testing.T) {
	ctx := ir.NewContext()
	op := &AtomicRMWOp{
		Kind:       RMWFAdd,
		Ptr:        Scalar(ctx.Param(ir.Ptr(ir.AddrGlobal), "ptr")),
		Val:        Scalar(ctx.Param(ir.BF16, "val")),
		Elem:       ir.BF16,
		Sem:        Relaxed,
		Scope:      ScopeCTA,
		ResultUsed: true,
	}
	exp := lowerOK(t, testConfig(t, "sm80"), ctx, op)

	if n := countAsm(exp, "atom"); n != 0 {
		t.Errorf("bf16 on sm80 issued %d native atomics", n)
	}
	want := map[ir.Opcode]int{
		ir.OpCondBr:        1,
		ir.OpBr:            1,
		ir.OpAtomicRMW:     1,
		ir.OpSharedScratch: 1,
		ir.OpStore:         1,
		ir.OpBarrier:       1,
		ir.OpLoad:          1,
	}
	got := make(map[ir.Opcode]int)
	for k := range want {
		got[k] = exp.Region.Count(k)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("instruction counts (-want +got):\n%s", diff)
	}
	if len(exp.Region.Blocks) != 3 {
		t.Errorf("got %d blocks, want entry, atomic and merge", len(exp.Region.Blocks))
	}

	var atom *ir.Instr
	for _, in := range exp.Region.Instrs() {
		if in.Op == ir.OpAtomicRMW {
			atom = in
		}
	}
	for key, want := range map[string]string{"kind": "fadd", "ordering": "monotonic", "scope": "block"} {
		if got, _ := atom.Attr(key); got != want {
			t.Errorf("atomicrmw %s = %q, want %q", key, got, want)
		}
	}
	if atom.Block.Name == exp.Region.Blocks[0].Name {
		t.Error("generic atomic is not inside the guarded block")
	}
	if len(exp.Results) != 1 || exp.Results[0].Def.Op != ir.OpLoad {
		t.Errorf("fallback result is not published: %v", exp.Results)
	}
}

func TestRMWBranchFallbackTensor(t *testing.T) {
	ctx := ir.NewContext()
	l := blocked(2, 32, 4)
	exp := lowerOK(t, testConfig(t, "sm86"), ctx, &AtomicRMWOp{
		Kind:  RMWFAdd,
		Ptr:   ptrTensor(ctx, l, 1),
		Val:   valTensor(ctx, l, ir.BF16, "val"),
		Mask:  maskTensor(ctx, l, 1),
		Elem:  ir.BF16,
		Scope: ScopeSystem,
	})
	if n := exp.Region.Count(ir.OpCondBr); n != 2 {
		t.Errorf("got %d guarded regions, want one per element", n)
	}
	if n := exp.Region.Count(ir.OpSharedScratch); n != 0 {
		t.Error("tensor fallback used the scratch slot")
	}
	merges := make(map[*ir.Value]bool)
	for _, blk := range exp.Region.Blocks {
		for _, arg := range blk.Args {
			merges[arg] = true
		}
	}
	for i, v := range exp.Results {
		if !merges[v] || v.Type != ir.BF16 {
			t.Errorf("result %d = %v is not a merge argument", i, v)
		}
	}
	if len(exp.Remarks) != 1 {
		t.Errorf("remarks = %v, want one degraded remark", exp.Remarks)
	}
}

func TestRMWUnsupported(t *testing.T) {
	ctx := ir.NewContext()
	cfg := testConfig(t, "sm90")

	op := scalarRMW(ctx, ctx.Param(ir.I32, "v"))
	op.Kind = RMWOp(42)
	wantErrs(t, lowerErr(t, cfg, ctx, op), ErrConfiguration, ErrUnsupportedRMW)

	op = scalarRMW(ctx, ctx.Param(ir.I8, "v"))
	wantErrs(t, lowerErr(t, cfg, ctx, op), ErrConfiguration, ErrUnsupportedElement)

	cas := scalarCAS(ctx, true)
	cas.Elem = ir.I8
	wantErrs(t, lowerErr(t, cfg, ctx, cas), ErrConfiguration, ErrUnsupportedElement)

	cas = scalarCAS(ctx, true)
	cas.Cmp = nil
	wantErrs(t, lowerErr(t, cfg, ctx, cas), ErrValidation, ErrMalformedOperand)
}
