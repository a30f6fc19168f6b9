package lower

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ajroetker/go-simtlower/lower/ir"
)

func TestLoadContiguousInt32(t *testing.T) {
	ctx := ir.NewContext()
	l := blocked(256, 32, 4)
	exp := lowerOK(t, testConfig(t, "sm80"), ctx, &LoadOp{Ptr: ptrTensor(ctx, l, 4), Elem: ir.I32})

	if n := countAsm(exp, "ld.global.v4.b32"); n != 64 {
		t.Errorf("issued %d ld.global.v4.b32, want 64", n)
	}
	if n := countAsm(exp, "ld."); n != 64 {
		t.Errorf("issued %d loads in total, want 64", n)
	}
	if len(exp.Remarks) != 0 {
		t.Errorf("remarks = %v, want none", exp.Remarks)
	}
	if len(exp.Results) != 256 {
		t.Fatalf("got %d results, want 256", len(exp.Results))
	}
	for i, v := range exp.Results {
		if v == nil || v.Type != ir.I32 {
			t.Fatalf("result %d = %v", i, v)
		}
	}
}

func TestLoadRedundantRegisters(t *testing.T) {
	ctx := ir.NewContext()
	l := registerBroadcast()
	exp := lowerOK(t, testConfig(t, "sm80"), ctx, &LoadOp{Ptr: ptrTensor(ctx, l, 1), Elem: ir.F32})

	if n := countAsm(exp, "ld.global"); n != 4 {
		t.Errorf("issued %d loads, want one per canonical register (4)", n)
	}
	for i := 4; i < 8; i++ {
		if exp.Results[i] != exp.Results[i&^4] {
			t.Errorf("result %d is not the result of register %d", i, i&^4)
		}
	}
	for i := range 4 {
		if exp.Results[i] == exp.Results[(i+1)%4] {
			t.Errorf("canonical results %d and %d alias", i, (i+1)%4)
		}
	}
}

func TestLoadSplatFill(t *testing.T) {
	ctx := ir.NewContext()
	l := blocked(4, 32, 4)
	exp := lowerOK(t, testConfig(t, "sm80"), ctx, &LoadOp{
		Ptr:  ptrTensor(ctx, l, 4),
		Mask: maskTensor(ctx, l, 4),
		Fill: &Tensor{Elems: consts(ctx, ir.I8, 0xff, 4), Layout: l},
		Elem: ir.I8,
	})
	progs := programs(exp)
	if len(progs) != 1 {
		t.Fatalf("got %d programs, want 1", len(progs))
	}
	want := "mov.u32 $0, 0xffffffff;\n@$2 ld.global.b32 $0, [ $1 ];"
	if diff := cmp.Diff(want, progs[0].Text); diff != "" {
		t.Errorf("program mismatch (-want +got):\n%s", diff)
	}
	if progs[0].Constraints != "=r,l,b" {
		t.Errorf("constraints = %q", progs[0].Constraints)
	}
	if len(exp.Results) != 4 || exp.Results[3].Type != ir.I8 {
		t.Errorf("results = %v, want four i8 values", exp.Results)
	}
}

func TestLoadPerElementFill(t *testing.T) {
	ctx := ir.NewContext()
	l := blocked(2, 32, 4)
	fill := valTensor(ctx, l, ir.F16, "other")
	exp := lowerOK(t, testConfig(t, "sm80"), ctx, &LoadOp{
		Ptr:  ptrTensor(ctx, l, 2),
		Mask: maskTensor(ctx, l, 2),
		Fill: fill,
		Elem: ir.F16,
	})
	text := programs(exp)[0].Text
	if !strings.Contains(text, "mov.u32 $0, $") {
		t.Errorf("fill is not moved from a register:\n%s", text)
	}
	if strings.Contains(text, "0x0") {
		t.Errorf("filled load also zero-initializes:\n%s", text)
	}
	if n := exp.Region.Count(ir.OpInsertElement); n != 2 {
		t.Errorf("packed the fill with %d inserts, want 2", n)
	}
}

func TestLoadCachePolicy(t *testing.T) {
	tests := []struct {
		target     string
		evict      EvictionPolicy
		wantPolicy bool
	}{
		{"sm80", EvictFirst, true},
		{"sm90", EvictLast, true},
		{"sm75", EvictFirst, false},
		{"sm80", EvictNormal, false},
	}
	for _, tt := range tests {
		t.Run(tt.target+"_"+tt.evict.String(), func(t *testing.T) {
			ctx := ir.NewContext()
			l := blocked(8, 32, 4)
			exp := lowerOK(t, testConfig(t, tt.target), ctx, &LoadOp{
				Ptr:   ptrTensor(ctx, l, 4),
				Elem:  ir.I32,
				Cache: CacheCG,
				Evict: tt.evict,
			})
			policies := countAsm(exp, "createpolicy.fractional")
			if tt.wantPolicy && policies != 1 {
				t.Errorf("created %d policies, want 1 for two groups", policies)
			}
			if !tt.wantPolicy && policies != 0 {
				t.Errorf("created %d policies, want none", policies)
			}
			ld := findAsm(t, exp, "ld.global")
			if ld.HasMod("L2::cache_hint") != tt.wantPolicy {
				t.Errorf("%s: cache hint = %v, want %v", ld.Mnemonic(), ld.HasMod("L2::cache_hint"), tt.wantPolicy)
			}
			if !ld.HasMod("cg") {
				t.Errorf("%s: missing cache modifier", ld.Mnemonic())
			}
			if want := tt.evict == EvictFirst; ld.HasMod("L1::evict_first") != want {
				t.Errorf("%s: L1::evict_first = %v, want %v", ld.Mnemonic(), !want, want)
			}
		})
	}
}

func TestLoadBoolElements(t *testing.T) {
	ctx := ir.NewContext()
	l := blocked(4, 32, 4)
	exp := lowerOK(t, testConfig(t, "sm80"), ctx, &LoadOp{Ptr: ptrTensor(ctx, l, 4), Elem: ir.I1})
	if n := countAsm(exp, "ld.global.b32"); n != 1 {
		t.Errorf("issued %d byte-packed loads, want 1", n)
	}
	if n := exp.Region.Count(ir.OpTrunc); n != 4 {
		t.Errorf("truncated %d results to i1, want 4", n)
	}
	for i, v := range exp.Results {
		if v.Type != ir.I1 {
			t.Errorf("result %d has type %s, want i1", i, v.Type)
		}
	}
}

func TestStoreMaskedInt8(t *testing.T) {
	ctx := ir.NewContext()
	l := blocked(8, 32, 4)
	exp := lowerOK(t, testConfig(t, "sm80"), ctx, &StoreOp{
		Ptr:   ptrTensor(ctx, l, 8),
		Value: valTensor(ctx, l, ir.I8, "v"),
		Mask:  maskTensor(ctx, l, 1),
		Elem:  ir.I8,
	})
	if n := countAsm(exp, "st.global.b8"); n != 8 {
		t.Errorf("issued %d st.global.b8, want 8", n)
	}
	want := []Remark{{
		Op:            "store",
		Message:       "vectorization degraded: vec = 1, origin vec = 8, elems per lane = 8, mask alignment = 1",
		VecWidth:      1,
		OrigVecWidth:  8,
		ElemsPerLane:  8,
		MaskAlignment: 1,
	}}
	if diff := cmp.Diff(want, exp.Remarks); diff != "" {
		t.Errorf("remarks mismatch (-want +got):\n%s", diff)
	}
	if exp.Results != nil {
		t.Errorf("store produced results %v", exp.Results)
	}
}

func TestStoreSkipsRedundantRegisters(t *testing.T) {
	ctx := ir.NewContext()
	l := registerBroadcast()
	exp := lowerOK(t, testConfig(t, "sm80"), ctx, &StoreOp{
		Ptr:   ptrTensor(ctx, l, 1),
		Value: valTensor(ctx, l, ir.I64, "v"),
		Elem:  ir.I64,
		Cache: CacheWT,
	})
	if n := countAsm(exp, "st.global.wt.b64"); n != 4 {
		t.Errorf("issued %d stores, want 4", n)
	}
}

func TestLoadStoreMalformed(t *testing.T) {
	ctx := ir.NewContext()
	l := blocked(4, 32, 4)
	cfg := testConfig(t, "sm80")
	short := &Tensor{Elems: params(ctx, ir.I1, "mask", 2), Layout: blocked(2, 32, 4)}

	tests := []struct {
		name string
		op   Op
	}{
		{"empty pointer", &LoadOp{Ptr: &Tensor{Layout: l}, Elem: ir.I32}},
		{"register count", &LoadOp{Ptr: &Tensor{Elems: params(ctx, ir.Ptr(ir.AddrGlobal), "p", 3), Layout: l}, Elem: ir.I32}},
		{"short mask", &LoadOp{Ptr: ptrTensor(ctx, l, 4), Mask: short, Elem: ir.I32}},
		{"missing value", &StoreOp{Ptr: ptrTensor(ctx, l, 4), Elem: ir.I32}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := lowerErr(t, cfg, ctx, tt.op)
			wantErrs(t, err, ErrValidation, ErrMalformedOperand)
		})
	}
}
