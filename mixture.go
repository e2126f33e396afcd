package gmmis

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// GMM is a Gaussian mixture model with K weighted components in D
// dimensions. Amp holds the mixing amplitudes (summing to 1), Mean the
// component centers, and Covar the component covariance matrices.
//
// The fields are exported so that initialization callbacks and tests can
// set parameters directly; Fit mutates them in place.
type GMM struct {
	Amp   []float64
	Mean  [][]float64
	Covar []*mat.SymDense
}

// NewGMM allocates a mixture with k components in d dimensions.
// All parameters are zero; use an InitFunc or set them directly.
func NewGMM(k, d int) *GMM {
	g := &GMM{
		Amp:   make([]float64, k),
		Mean:  make([][]float64, k),
		Covar: make([]*mat.SymDense, k),
	}
	for i := range g.Mean {
		g.Mean[i] = make([]float64, d)
		g.Covar[i] = mat.NewSymDense(d, nil)
	}
	return g
}

// K returns the number of components.
func (g *GMM) K() int { return len(g.Amp) }

// D returns the dimensionality of the feature space.
func (g *GMM) D() int {
	if len(g.Mean) == 0 {
		return 0
	}
	return len(g.Mean[0])
}

// Clone returns a deep copy, used for snapshots during fitting.
func (g *GMM) Clone() *GMM {
	c := NewGMM(g.K(), g.D())
	c.copyFrom(g)
	return c
}

func (g *GMM) copyFrom(src *GMM) {
	copy(g.Amp, src.Amp)
	for k := range g.Mean {
		copy(g.Mean[k], src.Mean[k])
		g.Covar[k].CopySym(src.Covar[k])
	}
}

// SetComponent sets the parameters of component k. The covariance is
// copied; amp is not renormalized.
func (g *GMM) SetComponent(k int, amp float64, mean []float64, covar *mat.SymDense) {
	g.Amp[k] = amp
	copy(g.Mean[k], mean)
	g.Covar[k].CopySym(covar)
}

// normalizeAmp rescales the amplitudes to sum to exactly 1, absorbing
// floating-point drift from repeated updates.
func (g *GMM) normalizeAmp() {
	sum := floats.Sum(g.Amp)
	if sum != 0 {
		floats.Scale(1/sum, g.Amp)
	}
}

// Draw samples n points from the mixture. The number of points drawn per
// component is proportional to its amplitude.
func (g *GMM) Draw(n int, rng *rand.Rand) ([][]float64, error) {
	counts := make([]int, g.K())
	ampSum := floats.Sum(g.Amp)
	for i := 0; i < n; i++ {
		r := rng.Float64() * ampSum
		acc := 0.0
		k := g.K() - 1
		for j, a := range g.Amp {
			acc += a
			if r < acc {
				k = j
				break
			}
		}
		counts[k]++
	}

	out := make([][]float64, 0, n)
	for k, c := range counts {
		if c == 0 {
			continue
		}
		norm, ok := distmv.NewNormal(g.Mean[k], g.Covar[k], rng)
		if !ok {
			return nil, fmt.Errorf("gmmis: covariance of component %d is not positive definite", k)
		}
		for i := 0; i < c; i++ {
			out = append(out, norm.Rand(nil))
		}
	}
	return out, nil
}

// LogProb evaluates the log of the mixture density at every point,
// optionally convolved with measurement covariance. Components are
// processed in parallel chunks across workers goroutines (0 = NumCPU).
func (g *GMM) LogProb(points [][]float64, covar NoiseCovar, workers int) ([]float64, error) {
	n := len(points)
	perComp := make([][]float64, g.K())
	err := runComponents(g.K(), workers, func(k int) error {
		ec, err := eSum(k, nil, g, points, covar, 0)
		if err != nil {
			return err
		}
		perComp[k] = ec.logP
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]float64, n)
	col := make([]float64, g.K())
	for i := 0; i < n; i++ {
		for k := range perComp {
			col[k] = perComp[k][i]
		}
		out[i] = floats.LogSumExp(col)
	}
	return out, nil
}

// LogProbComp evaluates the amplitude-weighted log density of component k
// alone at every point, optionally convolved with measurement covariance.
func (g *GMM) LogProbComp(k int, points [][]float64, covar NoiseCovar) ([]float64, error) {
	ec, err := eSum(k, nil, g, points, covar, 0)
	if err != nil {
		return nil, err
	}
	return ec.logP, nil
}

// Prob evaluates the mixture density at every point. See LogProb.
func (g *GMM) Prob(points [][]float64, covar NoiseCovar, workers int) ([]float64, error) {
	lp, err := g.LogProb(points, covar, workers)
	if err != nil {
		return nil, err
	}
	for i, v := range lp {
		lp[i] = math.Exp(v)
	}
	return lp, nil
}
