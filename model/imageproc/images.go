package imageproc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Stable Diffusion maps pixels from [0,1] to [-1,1].
var (
	StandardMean = [3]float32{0.5, 0.5, 0.5}
	StandardSTD  = [3]float32{0.5, 0.5, 0.5}
)

const (
	ResizeBilinear = iota
	ResizeNearestNeighbor
	ResizeApproxBilinear
	ResizeCatmullrom
)

// MaxPixels bounds the width times height of images accepted by Load.
const MaxPixels = 64 << 20

var ErrTooLarge = errors.New("image too large")

// Load decodes a png, jpeg, gif, bmp, tiff or webp image. The header is checked
// against MaxPixels before any pixels are decoded.
func Load(r io.Reader) (image.Image, string, error) {
	var header bytes.Buffer
	c, _, err := image.DecodeConfig(io.TeeReader(r, &header))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}

	if int64(c.Width)*int64(c.Height) > MaxPixels {
		return nil, "", fmt.Errorf("decode image: %w: %dx%d exceeds %d pixels", ErrTooLarge, c.Width, c.Height, MaxPixels)
	}

	img, format, err := image.Decode(io.MultiReader(&header, r))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}

	return img, format, nil
}

// Composite returns an image with the alpha channel removed by drawing over a white background.
func Composite(img image.Image) image.Image {
	white := color.RGBA{255, 255, 255, 255}
	return CompositeColor(img, white)
}

// CompositeColor returns an image with the alpha channel removed by drawing over color.
func CompositeColor(img image.Image, color color.Color) image.Image {
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

// Resize returns an image which has been scaled to a new size.
func Resize(img image.Image, newSize image.Point, method int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, newSize.X, newSize.Y))

	kernels := map[int]draw.Interpolator{
		ResizeBilinear:        draw.BiLinear,
		ResizeNearestNeighbor: draw.NearestNeighbor,
		ResizeApproxBilinear:  draw.ApproxBiLinear,
		ResizeCatmullrom:      draw.CatmullRom,
	}

	kernel, ok := kernels[method]
	if !ok {
		panic("no resizing method found")
	}

	kernel.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)

	return dst
}

// Pad returns an image which has been resized to fit within a new size, preserving aspect ratio, and padded with a color.
func Pad(img image.Image, newSize image.Point, color color.Color, kernel draw.Interpolator) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, newSize.X, newSize.Y))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color}, image.Point{}, draw.Src)

	var minPoint, maxPoint image.Point
	if img.Bounds().Dx() > img.Bounds().Dy() {
		// landscape
		height := newSize.X * img.Bounds().Dy() / img.Bounds().Dx()
		minPoint = image.Point{0, (newSize.Y - height) / 2}
		maxPoint = image.Point{newSize.X, height + minPoint.Y}
	} else {
		// portrait
		width := newSize.Y * img.Bounds().Dx() / img.Bounds().Dy()
		minPoint = image.Point{(newSize.X - width) / 2, 0}
		maxPoint = image.Point{minPoint.X + width, newSize.Y}
	}

	kernel.Scale(dst, image.Rectangle{
		Min: minPoint,
		Max: maxPoint,
	}, img, img.Bounds(), draw.Over, nil)
	return dst
}

// Normalize returns the r, g, b values of img scaled to [0,1] and normalized by mean
// and std. channelFirst lays out all red values, then green, then blue.
func Normalize(img image.Image, mean, std [3]float32, channelFirst bool) []float32 {
	bounds := img.Bounds()
	n := bounds.Dx() * bounds.Dy()
	pixelVals := make([]float32, 3*n)

	var i int
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			rgb := [3]float32{float32(r>>8) / 255, float32(g>>8) / 255, float32(b>>8) / 255}
			for c, v := range rgb {
				v = (v - mean[c]) / std[c]
				if channelFirst {
					pixelVals[c*n+i] = v
				} else {
					pixelVals[3*i+c] = v
				}
			}

			i++
		}
	}

	return pixelVals
}

type Fit string

const (
	FitStretch Fit = "stretch"
	FitPad     Fit = "pad"
)

// Prepare composites img over white, scales it to size x size and returns its
// channel-first pixels in [-1,1].
func Prepare(img image.Image, size int, fit Fit) ([]float32, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid size %d", size)
	}

	if fit != FitStretch && fit != FitPad && fit != "" {
		return nil, fmt.Errorf("unknown fit %q", fit)
	}

	img = Composite(img)

	if newSize := (image.Point{size, size}); img.Bounds().Size() != newSize {
		if fit == FitPad {
			img = Pad(img, newSize, color.White, draw.BiLinear)
		} else {
			img = Resize(img, newSize, ResizeBilinear)
		}
	}

	return Normalize(img, StandardMean, StandardSTD, true), nil
}
