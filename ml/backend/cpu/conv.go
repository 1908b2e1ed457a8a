package cpu

import (
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/jmorganca/sdvae/envconfig"
	"github.com/jmorganca/sdvae/logutil"
	"github.com/jmorganca/sdvae/ml"
)

// tileElements bounds the size of the im2col buffer of a single convolution tile.
var tileElements = 1 << 22

// parallel runs fn for every i in [0, n) on at most envconfig.NumThreads goroutines.
// Callers must only write to disjoint regions of their output so results do not
// depend on scheduling.
func parallel(n int, fn func(i int)) {
	var g errgroup.Group
	g.SetLimit(max(1, envconfig.NumThreads))
	for i := range n {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}

	// fn never returns an error
	_ = g.Wait()
}

// Conv2D convolves t2 with the receiver as kernel. s0, p0 and d0 apply to the
// width, s1, p1 and d1 to the height.
func (t *Tensor) Conv2D(ctx ml.Context, t2 ml.Tensor, s0, s1, p0, p1, d0, d1 int) ml.Tensor {
	in := t2.(*Tensor)
	if len(t.t.Shape()) != 4 || len(in.t.Shape()) != 4 {
		panic(fmt.Sprintf("cpu: conv2d kernel %v input %v", t.Shape(), in.Shape()))
	}

	cout, cin, kh, kw := t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3)
	n, c, h, w := in.Dim(0), in.Dim(1), in.Dim(2), in.Dim(3)
	if c != cin {
		panic(fmt.Sprintf("cpu: conv2d kernel %v does not match input %v", t.Shape(), in.Shape()))
	}

	oh := (h+2*p1-d1*(kh-1)-1)/s1 + 1
	ow := (w+2*p0-d0*(kw-1)-1)/s0 + 1
	if oh <= 0 || ow <= 0 {
		panic(fmt.Sprintf("cpu: conv2d kernel %v too large for input %v", t.Shape(), in.Shape()))
	}

	defer logutil.Elapsed(time.Now(), "conv2d", "kernel", t.Shape(), "input", in.Shape())

	k := cin * kh * kw
	rows := max(1, min(oh, tileElements/(k*ow)))
	tiles := (oh + rows - 1) / rows

	kernel := blas32.General{Rows: cout, Cols: k, Stride: k, Data: t.floats()}
	src := in.floats()
	out := make([]float32, n*cout*oh*ow)

	parallel(n*tiles, func(i int) {
		b, tile := i/tiles, i%tiles
		y0 := tile * rows
		y1 := min(oh, y0+rows)
		cols := (y1 - y0) * ow

		// im2col: one column per output pixel of this tile
		buf := make([]float32, k*cols)
		for ci := range cin {
			plane := src[(b*cin+ci)*h*w:]
			for ky := range kh {
				for kx := range kw {
					row := buf[((ci*kh+ky)*kw+kx)*cols:]
					for y := y0; y < y1; y++ {
						iy := y*s1 - p1 + ky*d1
						for x := range ow {
							ix := x*s0 - p0 + kx*d0
							if iy >= 0 && iy < h && ix >= 0 && ix < w {
								row[(y-y0)*ow+x] = plane[iy*w+ix]
							}
						}
					}
				}
			}
		}

		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			kernel,
			blas32.General{Rows: k, Cols: cols, Stride: cols, Data: buf},
			0,
			blas32.General{Rows: cout, Cols: cols, Stride: oh * ow, Data: out[b*cout*oh*ow+y0*ow:]},
		)
	})

	return track(ctx, fromFloats(out, n, cout, oh, ow).t)
}

// Matmul multiplies the trailing matrices of t and t2. Leading dimensions must match.
func (t *Tensor) Matmul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	other := t2.(*Tensor)
	a, b := t.Shape(), other.Shape()
	if len(a) < 2 || len(a) != len(b) {
		panic(fmt.Sprintf("cpu: matmul %v x %v", a, b))
	}

	r := len(a)
	m, k, n := a[r-2], a[r-1], b[r-1]
	if b[r-2] != k {
		panic(fmt.Sprintf("cpu: matmul %v x %v", a, b))
	}

	for i := range r - 2 {
		if a[i] != b[i] {
			panic(fmt.Sprintf("cpu: matmul %v x %v", a, b))
		}
	}

	batch := ml.Elements(a[:r-2]...)
	x, y := t.floats(), other.floats()
	out := make([]float32, batch*m*n)

	parallel(batch, func(i int) {
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			blas32.General{Rows: m, Cols: k, Stride: k, Data: x[i*m*k : (i+1)*m*k]},
			blas32.General{Rows: k, Cols: n, Stride: n, Data: y[i*k*n : (i+1)*k*n]},
			0,
			blas32.General{Rows: m, Cols: n, Stride: n, Data: out[i*m*n : (i+1)*m*n]},
		)
	})

	shape := append(a[:r-1:r-1], n)
	return track(ctx, fromFloats(out, shape...).t)
}

// GroupNorm normalizes each group of channels of every batch item to zero mean and
// unit variance.
func (t *Tensor) GroupNorm(ctx ml.Context, groups int, eps float32) ml.Tensor {
	shape := t.Shape()
	if len(shape) != 4 || shape[1]%groups != 0 {
		panic(fmt.Sprintf("cpu: group norm %v with %d groups", shape, groups))
	}

	size := shape[1] / groups * shape[2] * shape[3]
	src := t.floats()
	out := make([]float32, len(src))

	parallel(shape[0]*groups, func(i int) {
		x := src[i*size : (i+1)*size]

		var sum float64
		for _, v := range x {
			sum += float64(v)
		}
		mean := sum / float64(size)

		var variance float64
		for _, v := range x {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(size)

		inv := 1 / math.Sqrt(variance+float64(eps))
		y := out[i*size : (i+1)*size]
		for j, v := range x {
			y[j] = float32((float64(v) - mean) * inv)
		}
	})

	return track(ctx, fromFloats(out, shape...).t)
}
