package cpu

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/jmorganca/sdvae/ml"
)

var approx = cmpopts.EquateApprox(0, 1e-5)

func fromSlice(t *testing.T, ctx ml.Context, s []float32, shape ...int) ml.Tensor {
	t.Helper()

	tt, err := ctx.FromFloatSlice(s, shape...)
	require.NoError(t, err)
	return tt
}

func random(r *rand.Rand, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = r.Float32()*2 - 1
	}
	return s
}

func TestFromFloatSlice(t *testing.T) {
	ctx := NewContext()

	_, err := ctx.FromFloatSlice([]float32{1, 2, 3}, 2, 2)
	require.Error(t, err)

	_, err = ctx.FromFloatSlice([]float32{1, 2, 3})
	require.Error(t, err)

	s := []float32{1, 2, 3, 4}
	tt := fromSlice(t, ctx, s, 2, 2)
	s[0] = 100

	require.Equal(t, []int{2, 2}, tt.Shape())
	require.Equal(t, 2, tt.Dim(1))
	require.Equal(t, []float32{1, 2, 3, 4}, tt.Floats(), "tensor must not alias its input")
	require.Equal(t, int64(16), ctx.Allocated())
}

func TestZeros(t *testing.T) {
	ctx := NewContext()
	z := ctx.Zeros(ml.DTypeF32, 1, 2, 3)
	require.Equal(t, []int{1, 2, 3}, z.Shape())
	require.Equal(t, make([]float32, 6), z.Floats())
	require.Panics(t, func() { ctx.Zeros(ml.DTypeOther, 1) })
}

func TestAddBroadcast(t *testing.T) {
	ctx := NewContext()
	x := fromSlice(t, ctx, []float32{1, 2, 3, 4, 5, 6, 7, 8}, 1, 2, 2, 2)
	bias := fromSlice(t, ctx, []float32{10, 20}, 1, 2, 1, 1)

	got := x.Add(ctx, bias)
	require.Equal(t, []int{1, 2, 2, 2}, got.Shape())
	if diff := cmp.Diff([]float32{11, 12, 13, 14, 25, 26, 27, 28}, got.Floats()); diff != "" {
		t.Errorf("add mismatch (-want +got):\n%s", diff)
	}

	got = x.Mul(ctx, bias)
	if diff := cmp.Diff([]float32{10, 20, 30, 40, 100, 120, 140, 160}, got.Floats()); diff != "" {
		t.Errorf("mul mismatch (-want +got):\n%s", diff)
	}

	require.Panics(t, func() { x.Add(ctx, fromSlice(t, ctx, []float32{1, 2, 3}, 1, 3, 1, 1)) })
	require.Panics(t, func() { x.Add(ctx, fromSlice(t, ctx, []float32{1, 2}, 2)) })
}

func TestElementwise(t *testing.T) {
	ctx := NewContext()
	x := fromSlice(t, ctx, []float32{-40, -1, 0, 1, 4, 25}, 1, 6)

	cases := []struct {
		name string
		fn   func(ml.Tensor) ml.Tensor
		want []float32
	}{
		{"scale", func(t ml.Tensor) ml.Tensor { return t.Scale(ctx, 0.5) }, []float32{-20, -0.5, 0, 0.5, 2, 12.5}},
		{"clamp", func(t ml.Tensor) ml.Tensor { return t.Clamp(ctx, -30, 20) }, []float32{-30, -1, 0, 1, 4, 20}},
		{"exp", func(t ml.Tensor) ml.Tensor { return t.Clamp(ctx, -1, 1).Exp(ctx) }, []float32{1 / math.E, 1 / math.E, 1, math.E, math.E, math.E}},
		{"sqrt", func(t ml.Tensor) ml.Tensor { return t.Clamp(ctx, 0, 25).Sqrt(ctx) }, []float32{0, 0, 0, 1, 2, 5}},
		{"silu", func(t ml.Tensor) ml.Tensor { return t.SILU(ctx) }, []float32{0, -0.26894142, 0, 0.7310586, 3.928055, 25}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.fn(x).Floats(), approx); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}

	require.Equal(t, []float32{-40, -1, 0, 1, 4, 25}, x.Floats(), "operations must not modify their receiver")
}

func TestSoftmax(t *testing.T) {
	ctx := NewContext()
	x := fromSlice(t, ctx, []float32{1, 2, 3, 0, 0, 0}, 2, 3)

	got := x.Softmax(ctx).Floats()
	want := []float32{0.09003057, 0.24472848, 0.66524094, 1. / 3, 1. / 3, 1. / 3}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("softmax mismatch (-want +got):\n%s", diff)
	}
}

func TestPad(t *testing.T) {
	ctx := NewContext()
	x := fromSlice(t, ctx, []float32{1, 2, 3, 4}, 1, 1, 2, 2)

	got := x.Pad(ctx, 0, 0, 1, 1)
	require.Equal(t, []int{1, 1, 3, 3}, got.Shape())
	if diff := cmp.Diff([]float32{1, 2, 0, 3, 4, 0, 0, 0, 0}, got.Floats()); diff != "" {
		t.Errorf("pad mismatch (-want +got):\n%s", diff)
	}

	require.Panics(t, func() { x.Pad(ctx, 1, 1) })
}

func TestChunk(t *testing.T) {
	ctx := NewContext()
	x := fromSlice(t, ctx, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}, 2, 4, 1, 2)

	chunks := x.Chunk(ctx, 1, 2)
	require.Len(t, chunks, 2)
	require.Equal(t, []int{2, 2, 1, 2}, chunks[0].Shape())
	require.Equal(t, []int{2, 2, 1, 2}, chunks[1].Shape())

	if diff := cmp.Diff([]float32{1, 2, 3, 4, 9, 10, 11, 12}, chunks[0].Floats()); diff != "" {
		t.Errorf("first chunk mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]float32{5, 6, 7, 8, 13, 14, 15, 16}, chunks[1].Floats()); diff != "" {
		t.Errorf("second chunk mismatch (-want +got):\n%s", diff)
	}

	require.Panics(t, func() { x.Chunk(ctx, 1, 3) })
}

func TestConcat(t *testing.T) {
	ctx := NewContext()
	a := fromSlice(t, ctx, []float32{1, 2, 3, 4}, 2, 2)
	b := fromSlice(t, ctx, []float32{5, 6}, 2, 1)

	got := a.Concat(ctx, b, 1)
	require.Equal(t, []int{2, 3}, got.Shape())
	require.Equal(t, []float32{1, 2, 5, 3, 4, 6}, got.Floats())
}

func TestReshapePermute(t *testing.T) {
	ctx := NewContext()
	x := fromSlice(t, ctx, []float32{1, 2, 3, 4, 5, 6}, 2, 3)

	got := x.Permute(ctx, 1, 0)
	require.Equal(t, []int{3, 2}, got.Shape())
	require.Equal(t, []float32{1, 4, 2, 5, 3, 6}, got.Floats())

	got = x.Reshape(ctx, 3, 1, 2)
	require.Equal(t, []int{3, 1, 2}, got.Shape())
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, got.Floats())

	require.Panics(t, func() { x.Reshape(ctx, 4, 2) })
}

func TestBytes(t *testing.T) {
	ctx := NewContext()
	x := fromSlice(t, ctx, []float32{1}, 1)
	require.Equal(t, []byte{0, 0, 0x80, 0x3f}, x.Bytes())
}
