package cpu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/pdevine/tensor"

	"github.com/jmorganca/sdvae/ml"
)

// Tensor is an immutable float32 tensor. Operations always allocate their result
// so weights can be shared between concurrent contexts.
type Tensor struct {
	t *tensor.Dense
}

func fromFloats(s []float32, shape ...int) *Tensor {
	return &Tensor{tensor.New(tensor.WithShape(shape...), tensor.WithBacking(s))}
}

func checkShape(s []float32, shape ...int) error {
	if len(shape) == 0 {
		return fmt.Errorf("empty shape")
	}

	for _, d := range shape {
		if d <= 0 {
			return fmt.Errorf("invalid shape %v", shape)
		}
	}

	if n := ml.Elements(shape...); n != len(s) {
		return fmt.Errorf("shape %v requires %d values, got %d", shape, n, len(s))
	}

	return nil
}

// dense materializes views so every Tensor owns contiguous row-major data.
func dense(t tensor.Tensor) *Tensor {
	t = tensor.Materialize(t)
	d, ok := t.(*tensor.Dense)
	if !ok {
		panic(fmt.Sprintf("cpu: unexpected tensor type %T", t))
	}

	return &Tensor{d}
}

func must(t tensor.Tensor, err error) tensor.Tensor {
	if err != nil {
		panic(err)
	}

	return t
}

func (t *Tensor) floats() []float32 {
	switch v := t.t.Data().(type) {
	case []float32:
		return v
	case float32:
		return []float32{v}
	default:
		panic(fmt.Sprintf("cpu: unexpected data type %T", v))
	}
}

func (t *Tensor) Dim(n int) int {
	return t.t.Shape()[n]
}

func (t *Tensor) Shape() []int {
	return slices.Clone([]int(t.t.Shape()))
}

func (t *Tensor) DType() ml.DType {
	return ml.DTypeF32
}

func (t *Tensor) Floats() []float32 {
	return slices.Clone(t.floats())
}

func (t *Tensor) Bytes() []byte {
	var b bytes.Buffer
	if err := binary.Write(&b, binary.LittleEndian, t.floats()); err != nil {
		panic(err)
	}

	return b.Bytes()
}

func (t *Tensor) String() string {
	return ml.Dump(t)
}

// broadcast expands t2 to shape. Dimensions of t2 must equal shape or be 1.
func broadcast(t2 *Tensor, shape []int) *tensor.Dense {
	src := t2.Shape()
	if slices.Equal(src, shape) {
		return t2.t
	}

	if len(src) != len(shape) {
		panic(fmt.Sprintf("cpu: cannot broadcast %v to %v", src, shape))
	}

	for i := range src {
		if src[i] != shape[i] && src[i] != 1 {
			panic(fmt.Sprintf("cpu: cannot broadcast %v to %v", src, shape))
		}
	}

	// strides of t2 with zero stride on broadcast dimensions
	strides := make([]int, len(src))
	stride := 1
	for i := len(src) - 1; i >= 0; i-- {
		if src[i] != 1 {
			strides[i] = stride
		}
		stride *= src[i]
	}

	in := t2.floats()
	out := make([]float32, ml.Elements(shape...))
	index := make([]int, len(shape))
	for i := range out {
		var offset int
		for j := range index {
			offset += index[j] * strides[j]
		}
		out[i] = in[offset]

		for j := len(index) - 1; j >= 0; j-- {
			index[j]++
			if index[j] < shape[j] {
				break
			}
			index[j] = 0
		}
	}

	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out))
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return track(ctx, must(tensor.Add(t.t, broadcast(t2.(*Tensor), t.Shape()))))
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return track(ctx, must(tensor.Mul(t.t, broadcast(t2.(*Tensor), t.Shape()))))
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	return track(ctx, must(tensor.Mul(t.t, float32(s))))
}

func (t *Tensor) Exp(ctx ml.Context) ml.Tensor {
	return track(ctx, must(tensor.Exp(t.t)))
}

func (t *Tensor) Sqrt(ctx ml.Context) ml.Tensor {
	return track(ctx, must(tensor.Sqrt(t.t)))
}

func (t *Tensor) Clamp(ctx ml.Context, min, max float32) ml.Tensor {
	return track(ctx, must(tensor.Clamp(t.t, min, max)))
}

// SILU computes x / (1 + exp(-x)).
func (t *Tensor) SILU(ctx ml.Context) ml.Tensor {
	neg := must(tensor.Mul(t.t, float32(-1)))
	exp := must(tensor.Exp(neg))
	denom := must(tensor.Add(exp, float32(1)))
	return track(ctx, must(tensor.Div(t.t, denom)))
}

func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	return track(ctx, must(tensor.SoftMax(t.t, len(t.t.Shape())-1)))
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	if err := checkShape(t.floats(), shape...); err != nil {
		panic(fmt.Sprintf("cpu: reshape %v: %v", t.Shape(), err))
	}

	// data is shared since tensors are never modified in place
	return fromFloats(t.floats(), shape...)
}

func (t *Tensor) Permute(ctx ml.Context, order ...int) ml.Tensor {
	return track(ctx, must(tensor.Transpose(t.t, order...)))
}

func (t *Tensor) Pad(ctx ml.Context, shape ...int) ml.Tensor {
	if len(shape) != len(t.t.Shape()) {
		panic(fmt.Sprintf("cpu: pad %v with %v", t.Shape(), shape))
	}

	out := t.t
	for dim, n := range shape {
		if n == 0 {
			continue
		}

		zshape := slices.Clone([]int(out.Shape()))
		zshape[dim] = n
		zeros := tensor.New(tensor.WithShape(zshape...), tensor.WithBacking(make([]float32, ml.Elements(zshape...))))
		out = dense(must(tensor.Concat(dim, out, zeros))).t
	}

	return track(ctx, out)
}

// Chunk splits the tensor into n equal parts along dim.
func (t *Tensor) Chunk(ctx ml.Context, dim, n int) []ml.Tensor {
	shape := t.Shape()
	if shape[dim]%n != 0 {
		panic(fmt.Sprintf("cpu: cannot split %v into %d chunks along %d", shape, n, dim))
	}

	size := shape[dim] / n
	chunk := slices.Clone(shape)
	chunk[dim] = size

	chunks := make([]ml.Tensor, n)
	for i := range chunks {
		s := make([]tensor.Slice, len(shape))
		s[dim] = tensor.S(i*size, (i+1)*size)

		// slicing drops unit dimensions
		view := dense(must(t.t.Slice(s...)))
		chunks[i] = track(ctx, fromFloats(view.floats(), chunk...).t)
	}

	return chunks
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	return track(ctx, must(tensor.Concat(dim, t.t, t2.(*Tensor).t)))
}
