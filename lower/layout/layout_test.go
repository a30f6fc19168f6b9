package layout

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// blocked builds the usual register × lane × warp distribution over dim0.
func blocked(regs, lanes, warps int) Layout {
	l := Identity1D(regs, Register, DimName(0))
	l = Multiply(l, Identity1D(lanes, Lane, DimName(0)))
	return Multiply(l, Identity1D(warps, Warp, DimName(0)))
}

func TestApply(t *testing.T) {
	l := blocked(4, 32, 2)

	tests := []struct {
		name string
		ins  []Coord
		want int
	}{
		{"origin", nil, 0},
		{"register", []Coord{{Register, 3}}, 3},
		{"lane", []Coord{{Lane, 1}}, 4},
		{"warp", []Coord{{Warp, 1}}, 128},
		{"mixed", []Coord{{Register, 2}, {Lane, 5}, {Warp, 1}}, 2 + 20 + 128},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.Apply(tt.ins...)
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			want := []Coord{{DimName(0), tt.want}}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("Apply mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if _, err := l.Apply(Coord{"bogus", 1}); !errors.Is(err, ErrUnknownDim) {
		t.Errorf("Apply(bogus) error = %v, want ErrUnknownDim", err)
	}
	if _, err := l.Apply(Coord{Register, 4}); err == nil {
		t.Error("Apply with out-of-range register should fail")
	}
}

func TestMultiplySizes(t *testing.T) {
	l := blocked(4, 32, 2)
	if got := l.OutDimSize(DimName(0)); got != 256 {
		t.Errorf("OutDimSize = %d, want 256", got)
	}
	if got := l.InDimSize(Lane); got != 32 {
		t.Errorf("InDimSize(lane) = %d, want 32", got)
	}
	if got := l.TotalInSize(); got != 256 {
		t.Errorf("TotalInSize = %d, want 256", got)
	}

	// Two output dims: msg walks dim1 by 16, block walks dim0.
	m := Multiply(Strided1D(4, 16, Msg, DimName(1)), Identity1D(2, Block, DimName(0)))
	if diff := cmp.Diff([]string{DimName(1), DimName(0)}, m.OutDimNames()); diff != "" {
		t.Errorf("OutDimNames mismatch (-want +got):\n%s", diff)
	}
	got, err := m.Apply(Coord{Msg, 3}, Coord{Block, 1})
	if err != nil {
		t.Fatal(err)
	}
	want := []Coord{{DimName(1), 48}, {DimName(0), 1}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Apply mismatch (-want +got):\n%s", diff)
	}
}

func TestFreeVariableMasks(t *testing.T) {
	tests := []struct {
		name string
		l    Layout
		want map[string]uint32
	}{
		{
			name: "no redundancy",
			l:    blocked(4, 32, 4),
			want: map[string]uint32{Register: 0, Lane: 0, Warp: 0},
		},
		{
			name: "broadcast register bit",
			l: MustNew([]InDim{
				{Name: Register, Bases: [][]int{{1}, {0}}},
				{Name: Lane, Bases: [][]int{{2}, {4}}},
			}, []OutDim{{Name: DimName(0), Size: 8}}),
			want: map[string]uint32{Register: 0b10, Lane: 0},
		},
		{
			name: "lane duplicates register",
			l: MustNew([]InDim{
				{Name: Register, Bases: [][]int{{1}}},
				{Name: Lane, Bases: [][]int{{1}, {2}}},
			}, []OutDim{{Name: DimName(0), Size: 4}}),
			want: map[string]uint32{Register: 0, Lane: 0b01},
		},
		{
			name: "warps all compute the same tile",
			l: Multiply(Identity1D(4, Register, DimName(0)),
				Zeros1D(4, Warp, DimName(0), 1)),
			want: map[string]uint32{Register: 0, Warp: 0b11},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.l.FreeVariableMasks()); diff != "" {
				t.Errorf("FreeVariableMasks mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCompose(t *testing.T) {
	inner := Strided1D(4, 2, "x", "y")
	outer := Strided1D(8, 4, "y", "z")
	c, err := inner.Compose(outer)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	for x := range 4 {
		got, _ := c.Apply(Coord{"x", x})
		mid, _ := inner.Apply(Coord{"x", x})
		want, _ := outer.Apply(Coord{"y", mid[0].Value})
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("x=%d (-want +got):\n%s", x, diff)
		}
	}

	if _, err := inner.Compose(Identity1D(8, "w", "z")); !errors.Is(err, ErrUnknownDim) {
		t.Errorf("Compose with mismatched dims error = %v, want ErrUnknownDim", err)
	}
}

func TestInvertAndCompose(t *testing.T) {
	// Registers are contiguous in shared memory; lanes stride by 4.
	src := blocked(4, 8, 1)
	smem := Identity1D(32, Offset, DimName(0))
	cvt, err := src.InvertAndCompose(smem)
	if err != nil {
		t.Fatalf("InvertAndCompose: %v", err)
	}
	for reg := range 4 {
		for lane := range 8 {
			got, _ := cvt.Apply(Coord{Register, reg}, Coord{Lane, lane})
			if got[0].Dim != Offset || got[0].Value != reg+4*lane {
				t.Errorf("reg=%d lane=%d: got %v, want offset %d", reg, lane, got, reg+4*lane)
			}
		}
	}

	// The composition must satisfy smem(cvt(x)) == src(x) for a transposed
	// shared layout as well.
	swapped := MustNew([]InDim{
		{Name: Offset, Bases: [][]int{{8}, {16}, {1}, {2}, {4}}},
	}, []OutDim{{Name: DimName(0), Size: 32}})
	cvt, err = src.InvertAndCompose(swapped)
	if err != nil {
		t.Fatalf("InvertAndCompose(swapped): %v", err)
	}
	round, err := cvt.Compose(swapped)
	if err != nil {
		t.Fatal(err)
	}
	if !round.Equal(src) {
		t.Errorf("swapped round trip:\n got %v\nwant %v", round, src)
	}

	if _, err := src.InvertAndCompose(Zeros1D(32, Offset, DimName(0), 32)); !errors.Is(err, ErrNotInvertible) {
		t.Errorf("InvertAndCompose onto zeros error = %v, want ErrNotInvertible", err)
	}
}

func TestInvert(t *testing.T) {
	perm := MustNew([]InDim{
		{Name: "i", Bases: [][]int{{2}, {4}, {1}}},
	}, []OutDim{{Name: "o", Size: 8}})
	inv, err := perm.Invert()
	if err != nil {
		t.Fatalf("Invert: %v", err)
	}
	id, err := perm.Compose(inv)
	if err != nil {
		t.Fatal(err)
	}
	if !id.Equal(Identity1D(8, "i", "i")) {
		t.Errorf("perm ∘ inverse is not the identity: %v", id)
	}
}

func TestSublayoutAndTrivial(t *testing.T) {
	l := Multiply(blocked(2, 4, 1), Identity1D(2, Block, Block))
	if !l.IsTrivialOver([]string{Block}) {
		t.Error("block should be trivial")
	}
	if l.IsTrivialOver([]string{Lane}) {
		t.Error("lane has no lane output and is not trivial")
	}

	leaky := MustNew([]InDim{
		{Name: Register, Bases: [][]int{{1, 1}}},
		{Name: Block, Bases: [][]int{{0, 1}}},
	}, []OutDim{{Name: Offset, Size: 2}, {Name: Block, Size: 2}})
	if leaky.IsTrivialOver([]string{Block}) {
		t.Error("register feeds block output; block must not be trivial")
	}

	sub := l.Sublayout([]string{Register, Lane}, []string{DimName(0)})
	if diff := cmp.Diff([]string{Register, Lane}, sub.InDimNames()); diff != "" {
		t.Errorf("Sublayout in dims (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{DimName(0)}, sub.OutDimNames()); diff != "" {
		t.Errorf("Sublayout out dims (-want +got):\n%s", diff)
	}
}

func TestRemoveBroadcastedRegs(t *testing.T) {
	l := MustNew([]InDim{
		{Name: Register, Bases: [][]int{{1}, {0}, {2}}},
		{Name: Lane, Bases: [][]int{{4}}},
	}, []OutDim{{Name: DimName(0), Size: 8}})

	a := RemoveBroadcastedRegs(l)
	if a.Mask() != 0b010 {
		t.Fatalf("Mask = %03b, want 010", a.Mask())
	}
	got := a.Apply(l)
	want := MustNew([]InDim{
		{Name: Register, Bases: [][]int{{1}, {2}}},
		{Name: Lane, Bases: [][]int{{4}}},
	}, []OutDim{{Name: DimName(0), Size: 8}})
	if !got.Equal(want) {
		t.Errorf("Apply:\n got %v\nwant %v", got, want)
	}

	vals := []string{"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7"}
	if diff := cmp.Diff([]string{"r0", "r1", "r4", "r5"}, ApplyRegs(a, vals)); diff != "" {
		t.Errorf("ApplyRegs (-want +got):\n%s", diff)
	}

	if id := RemoveBroadcastedRegs(blocked(4, 2, 1)); !id.IsIdentity() {
		t.Error("layout without broadcast should give an identity action")
	}
}

func TestEqual(t *testing.T) {
	a := blocked(4, 32, 2)
	b := blocked(4, 32, 2)
	if !a.Equal(b) {
		t.Error("identical construction should be equal")
	}
	if a.Equal(blocked(2, 32, 4)) {
		t.Error("different register counts should differ")
	}
}
