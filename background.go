package gmmis

import (
	"golang.org/x/exp/rand"
)

// Background is a uniform contaminant population co-fit with the mixture.
// Its support is the rectangular footprint [Lower, Upper] in each
// dimension, and its density is 1/volume of that footprint. The footprint
// must be large enough to cover every non-cluster sample.
type Background struct {
	// Amp is the mixing amplitude of the background relative to the
	// whole model. The M-step adjusts it when AdjustAmp is true.
	Amp float64

	// Lower and Upper bound the rectangular footprint per dimension.
	Lower, Upper []float64

	// AdjustAmp lets the fit update Amp from the expected background
	// count; AmpMax caps the adjusted value.
	AdjustAmp bool
	AmpMax    float64
}

// NewBackground creates a background with the given footprint,
// amplitude adjustment enabled, and AmpMax = 1.
func NewBackground(lower, upper []float64) *Background {
	return &Background{
		Lower:     lower,
		Upper:     upper,
		AdjustAmp: true,
		AmpMax:    1,
	}
}

// Density returns the uniform density 1/volume of the footprint.
func (b *Background) Density() float64 {
	vol := 1.0
	for d := range b.Lower {
		vol *= b.Upper[d] - b.Lower[d]
	}
	return 1 / vol
}

// Draw samples n points uniformly over the footprint.
func (b *Background) Draw(n int, rng *rand.Rand) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		p := make([]float64, len(b.Lower))
		for d := range p {
			p[d] = b.Lower[d] + (b.Upper[d]-b.Lower[d])*rng.Float64()
		}
		out[i] = p
	}
	return out
}
