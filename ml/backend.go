package ml

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

type Backend interface {
	// Get returns the named weight or nil if the backend does not have it.
	Get(name string) Tensor
	Names() []string
	// Shape returns the shape of the named weight without reading its data.
	Shape(name string) ([]int, bool)
	// Err reports weights that exist but could not be read by Get.
	Err() error
	NewContext() Context
	Close() error
}

var backends = make(map[string]func(string) (Backend, error))

func RegisterBackend(name string, f func(string) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

// NewBackend opens the weights at path with the named backend.
func NewBackend(name, path string) (Backend, error) {
	if backend, ok := backends[name]; ok {
		return backend(path)
	}

	return nil, fmt.Errorf("unsupported backend %q", name)
}

type Context interface {
	Zeros(dtype DType, shape ...int) Tensor
	FromFloatSlice(s []float32, shape ...int) (Tensor, error)

	Close() error
}

// Tensor is a dense row-major tensor. Image tensors use the NCHW layout.
// Operations panic when their operands have incompatible shapes.
type Tensor interface {
	Dim(n int) int
	Shape() []int
	DType() DType

	Bytes() []byte
	Floats() []float32

	// Add and Mul broadcast dimensions of size 1 in t2.
	Add(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	// Matmul multiplies the last two dimensions: (..., M, K) x (..., K, N).
	Matmul(ctx Context, t2 Tensor) Tensor
	Scale(ctx Context, s float64) Tensor

	Exp(ctx Context) Tensor
	Sqrt(ctx Context) Tensor
	Clamp(ctx Context, min, max float32) Tensor
	SILU(ctx Context) Tensor
	// Softmax normalizes along the last dimension.
	Softmax(ctx Context) Tensor

	// Conv2D convolves t2 (N, Cin, H, W) with the receiver as kernel (Cout, Cin, KH, KW).
	Conv2D(ctx Context, t2 Tensor, s0, s1, p0, p1, d0, d1 int) Tensor
	// GroupNorm normalizes (N, C, H, W) over groups of channels without an affine transform.
	GroupNorm(ctx Context, groups int, eps float32) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	Permute(ctx Context, order ...int) Tensor
	// Pad appends shape[i] zeros at the end of dimension i.
	Pad(ctx Context, shape ...int) Tensor
	Chunk(ctx Context, dim, n int) []Tensor
	Concat(ctx Context, t2 Tensor, dim int) Tensor
}

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

func mul[T number](s ...T) T {
	p := T(1)
	for _, v := range s {
		p *= v
	}

	return p
}

// Elements returns the number of values in a tensor of the given shape.
func Elements(shape ...int) int {
	return mul(shape...)
}

type DumpOptions struct {
	// Items is the number of elements to print at the beginning and end of each dimension.
	Items int

	// Precision is the number of decimal places to print.
	Precision int
}

func Dump(t Tensor, opts ...DumpOptions) string {
	if len(opts) < 1 {
		opts = append(opts, DumpOptions{
			Items:     3,
			Precision: 4,
		})
	}

	switch t.DType() {
	case DTypeF32:
		return dump[[]float32](t, opts[0])
	default:
		return "<unsupported>"
	}
}

func dump[S ~[]E, E float32 | float64](t Tensor, opts DumpOptions) string {
	bts := t.Bytes()
	if bts == nil {
		return "<nil>"
	}

	s := make(S, mul(t.Shape()...))
	if err := binary.Read(bytes.NewBuffer(bts), binary.LittleEndian, &s); err != nil {
		panic(err)
	}

	shape := t.Shape()

	var sb strings.Builder
	var f func([]int, int)
	f = func(dims []int, stride int) {
		prefix := strings.Repeat(" ", len(shape)-len(dims)+1)
		fmt.Fprint(&sb, "[")
		defer func() { fmt.Fprint(&sb, "]") }()
		for i := 0; i < dims[0]; i++ {
			if i >= opts.Items && i < dims[0]-opts.Items {
				fmt.Fprint(&sb, "..., ")
				// skip to next printable element
				skip := dims[0] - 2*opts.Items
				if len(dims) > 1 {
					stride += mul(append(dims[1:], skip)...)
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i += skip - 1
			} else if len(dims) > 1 {
				f(dims[1:], stride)
				stride += mul(dims[1:]...)
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				fmt.Fprint(&sb, strconv.FormatFloat(float64(s[stride+i]), 'f', opts.Precision, 32))
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ", ")
				}
			}
		}
	}
	f(shape, 0)

	return sb.String()
}

type DType int

const (
	DTypeF32 DType = iota
	DTypeOther
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	default:
		return "other"
	}
}
