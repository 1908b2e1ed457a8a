package vae

import "github.com/jmorganca/sdvae/ml"

// Padding is the padding applied to the input of a stage before it runs.
type Padding int

const (
	PadNone Padding = iota
	// PadBottomRight appends one zero row at the bottom and one zero column at the
	// right. It marks a stride 2 convolution that halves the spatial size.
	PadBottomRight
)

func (p Padding) String() string {
	switch p {
	case PadNone:
		return "none"
	case PadBottomRight:
		return "bottom_right"
	default:
		return "unknown"
	}
}

// Stage is one step of the encoder. Padding is decided when the stage list is
// built, never by inspecting the stage at run time.
type Stage struct {
	Name    string
	Pad     Padding
	Forward func(ml.Context, ml.Tensor) ml.Tensor
}

// Downsample returns the factor by which stages reduce height and width.
func Downsample(stages []Stage) int {
	factor := 1
	for _, s := range stages {
		if s.Pad == PadBottomRight {
			factor *= 2
		}
	}

	return factor
}
