package lower

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ajroetker/go-simtlower/lower/ir"
	"github.com/ajroetker/go-simtlower/lower/layout"
)

// rowMajorShared maps offsets one to one onto dim0 of size n.
func rowMajorShared(ctx *ir.Context, n int, elem ir.Type) *SharedMem {
	return &SharedMem{
		Base:   ctx.Param(ir.Ptr(ir.AddrShared), "smem"),
		Elem:   elem,
		Shape:  []int{n},
		Layout: layout.Identity1D(n, layout.Offset, layout.DimName(0)),
	}
}

func TestAsyncCopyVector(t *testing.T) {
	ctx := ir.NewContext()
	l := blocked(4, 32, 4)
	exp := lowerOK(t, testConfig(t, "sm80"), ctx, &AsyncCopyOp{
		Src:  ptrTensor(ctx, l, 4),
		Dst:  rowMajorShared(ctx, 512, ir.F32),
		Elem: ir.F32,
	})
	progs := programs(exp)
	if len(progs) != 1 {
		t.Fatalf("got %d programs, want 1", len(progs))
	}
	if diff := cmp.Diff("cp.async.cg.shared.global [ $0 ], [ $1 ], 0x10, 0x10;", progs[0].Text); diff != "" {
		t.Errorf("program mismatch (-want +got):\n%s", diff)
	}
	if len(exp.Results) != 1 || !exp.Results[0].IsZero() {
		t.Errorf("results = %v, want the zero token", exp.Results)
	}
}

func TestAsyncCopyMaskedHalf(t *testing.T) {
	ctx := ir.NewContext()
	l := blocked(8, 32, 4)
	mask := maskTensor(ctx, l, 2)
	exp := lowerOK(t, testConfig(t, "sm80"), ctx, &AsyncCopyOp{
		Src:  ptrTensor(ctx, l, 8),
		Mask: mask,
		Fill: &Tensor{Elems: consts(ctx, ir.F16, 0, 8), Layout: l},
		Dst:  rowMajorShared(ctx, 2048, ir.F16),
		Elem: ir.F16,
	})
	progs := programs(exp)
	if len(progs) != 4 {
		t.Fatalf("got %d programs, want 4 two-element copies", len(progs))
	}
	want := "cp.async.ca.shared.global [ $0 ], [ $1 ], 0x4, $2;"
	if diff := cmp.Diff(want, progs[0].Text); diff != "" {
		t.Errorf("program mismatch (-want +got):\n%s", diff)
	}
	if n := exp.Region.Count(ir.OpSelect); n != 4 {
		t.Errorf("built %d source sizes, want 4", n)
	}
}

func TestAsyncCopyLimitedBySharedRun(t *testing.T) {
	ctx := ir.NewContext()
	// Registers step by 1 in global memory, but the shared buffer places
	// element 2 at offset 64.
	src := blocked(4, 32, 1)
	dst := &SharedMem{
		Base:  ctx.Param(ir.Ptr(ir.AddrShared), "smem"),
		Elem:  ir.I32,
		Shape: []int{128},
		Layout: layout.MustNew([]layout.InDim{{Name: layout.Offset, Bases: [][]int{
			{1}, {4}, {8}, {16}, {32}, {64}, {2},
		}}}, []layout.OutDim{{Name: layout.DimName(0), Size: 128}}),
	}
	exp := lowerOK(t, testConfig(t, "sm80"), ctx, &AsyncCopyOp{Src: ptrTensor(ctx, src, 4), Dst: dst, Elem: ir.I32})
	if n := countAsm(exp, "cp.async.ca.shared.global"); n != 2 {
		t.Errorf("issued %d eight-byte copies, want 2\n%s", n, exp.Region)
	}
}

func TestAsyncCopyBroadcastRegisters(t *testing.T) {
	ctx := ir.NewContext()
	exp := lowerOK(t, testConfig(t, "sm80"), ctx, &AsyncCopyOp{
		Src:  ptrTensor(ctx, registerBroadcast(), 4),
		Dst:  rowMajorShared(ctx, 128, ir.I32),
		Elem: ir.I32,
	})
	if n := countAsm(exp, "cp.async.cg"); n != 1 {
		t.Errorf("issued %d copies, want one for the four distinct registers", n)
	}
}

func TestAsyncCopyErrors(t *testing.T) {
	tests := []struct {
		name string
		op   func(ctx *ir.Context) *AsyncCopyOp
		want []error
	}{
		{"two byte transfer", func(ctx *ir.Context) *AsyncCopyOp {
			l := blocked(8, 32, 4)
			return &AsyncCopyOp{Src: ptrTensor(ctx, l, 2), Dst: rowMajorShared(ctx, 1024, ir.I8), Elem: ir.I8}
		}, []error{ErrConfiguration, ErrTransferTooNarrow}},
		{"narrow shared run", func(ctx *ir.Context) *AsyncCopyOp {
			l := blocked(4, 32, 1)
			dst := &SharedMem{
				Base:  ctx.Param(ir.Ptr(ir.AddrShared), "smem"),
				Elem:  ir.I16,
				Shape: []int{128},
				Layout: layout.MustNew([]layout.InDim{{Name: layout.Offset, Bases: [][]int{
					{2}, {4}, {8}, {16}, {32}, {64}, {1},
				}}}, []layout.OutDim{{Name: layout.DimName(0), Size: 128}}),
			}
			// Consecutive elements are 64 offsets apart, so each copy moves
			// one i16.
			return &AsyncCopyOp{Src: ptrTensor(ctx, l, 4), Dst: dst, Elem: ir.I16}
		}, []error{ErrConfiguration, ErrTransferTooNarrow}},
		{"nonzero fill", func(ctx *ir.Context) *AsyncCopyOp {
			l := blocked(4, 32, 4)
			return &AsyncCopyOp{
				Src:  ptrTensor(ctx, l, 4),
				Mask: maskTensor(ctx, l, 4),
				Fill: &Tensor{Elems: consts(ctx, ir.I32, 1, 4), Layout: l},
				Dst:  rowMajorShared(ctx, 512, ir.I32),
				Elem: ir.I32,
			}
		}, []error{ErrConfiguration, ErrUnsupportedFill}},
		{"scalar source", func(ctx *ir.Context) *AsyncCopyOp {
			return &AsyncCopyOp{
				Src:  Scalar(ctx.Param(ir.Ptr(ir.AddrGlobal), "p")),
				Dst:  rowMajorShared(ctx, 4, ir.I32),
				Elem: ir.I32,
			}
		}, []error{ErrValidation, ErrMalformedOperand}},
		{"missing destination", func(ctx *ir.Context) *AsyncCopyOp {
			return &AsyncCopyOp{Src: ptrTensor(ctx, blocked(4, 32, 4), 4), Elem: ir.I32}
		}, []error{ErrValidation, ErrMalformedOperand}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ir.NewContext()
			err := lowerErr(t, testConfig(t, "sm80"), ctx, tt.op(ctx))
			wantErrs(t, err, tt.want...)
		})
	}
}

func TestSharedRun(t *testing.T) {
	tests := []struct {
		name  string
		bases [][]int
		want  int
	}{
		{"contiguous", [][]int{{1}, {2}, {4}}, 8},
		{"split", [][]int{{1}, {8}, {2}}, 2},
		{"strided", [][]int{{2}, {4}}, 1},
		{"none", nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cvt := layout.MustNew([]layout.InDim{{Name: layout.Register, Bases: tt.bases}},
				[]layout.OutDim{{Name: layout.Offset, Size: 16}})
			if got := sharedRun(cvt); got != tt.want {
				t.Errorf("sharedRun = %d, want %d", got, tt.want)
			}
		})
	}
}
