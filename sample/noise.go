// Package sample draws the Gaussian noise used to sample latents and summarizes
// the values of a latent.
package sample

import (
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Noise draws standard normal values.
type Noise struct {
	dist distuv.Normal
}

// NewNoise returns a Noise seeded with seed, or with the current time when seed is nil.
func NewNoise(seed *uint64) *Noise {
	var src rand.Source
	if seed != nil {
		src = rand.NewSource(*seed)
	} else {
		src = rand.NewSource(uint64(time.Now().UnixNano()))
	}

	return &Noise{dist: distuv.Normal{Mu: 0, Sigma: 1, Src: src}}
}

func (n *Noise) Sample(count int) []float32 {
	s := make([]float32, count)
	for i := range s {
		s[i] = float32(n.dist.Rand())
	}
	return s
}

// Normal returns count standard normal values drawn from seed.
func Normal(seed uint64, count int) []float32 {
	return NewNoise(&seed).Sample(count)
}

type Summary struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// Summarize returns the mean, standard deviation and range of s.
func Summarize(s []float32) Summary {
	if len(s) == 0 {
		return Summary{}
	}

	x := make([]float64, len(s))
	for i, v := range s {
		x[i] = float64(v)
	}

	mean, std := stat.PopMeanStdDev(x, nil)
	return Summary{
		Mean: mean,
		Std:  std,
		Min:  floats.Min(x),
		Max:  floats.Max(x),
	}
}
