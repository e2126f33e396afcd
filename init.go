package gmmis

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// dataBounds returns the per-dimension min and max of the data.
func dataBounds(data [][]float64) (lo, hi []float64) {
	d := len(data[0])
	lo = append([]float64(nil), data[0]...)
	hi = append([]float64(nil), data[0]...)
	for _, x := range data[1:] {
		for c := 0; c < d; c++ {
			lo[c] = math.Min(lo[c], x[c])
			hi[c] = math.Max(hi[c], x[c])
		}
	}
	return lo, hi
}

// fillRadius is the sphere radius s for which K spheres of radius s
// (volume s^D pi^(D/2) / Gamma(D/2+1)) completely fill the volume
// spanned by the data.
func fillRadius(data [][]float64, k int) float64 {
	lo, hi := dataBounds(data)
	vol := 1.0
	for c := range lo {
		vol *= hi[c] - lo[c]
	}
	d := float64(len(lo))
	return math.Pow(vol/float64(k)*math.Gamma(d/2+1), 1/d) / math.Sqrt(math.Pi)
}

func componentList(g *GMM, comps []int) []int {
	if comps != nil {
		return comps
	}
	all := make([]int, g.K())
	for i := range all {
		all[i] = i
	}
	return all
}

func isoCovar(d int, s float64) *mat.SymDense {
	c := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		c.SetSym(i, i, s*s)
	}
	return c
}

// RandomInit returns an initializer that places component means uniformly
// at random over the box spanned by the data, with amplitude 1/K and
// isotropic covariance s^2 I. s <= 0 picks the volume-filling radius.
func RandomInit(s float64) InitFunc {
	return func(g *GMM, data [][]float64, _ NoiseCovar, comps []int, rng *rand.Rand) {
		lo, hi := dataBounds(data)
		r := s
		if r <= 0 {
			r = fillRadius(data, g.K())
		}
		cov := isoCovar(g.D(), r)
		for _, k := range componentList(g, comps) {
			g.Amp[k] = 1 / float64(g.K())
			for c := range g.Mean[k] {
				g.Mean[k][c] = lo[c] + (hi[c]-lo[c])*rng.Float64()
			}
			g.Covar[k].CopySym(cov)
		}
	}
}

// RandomDataInit returns an initializer that anchors each component mean
// at a randomly chosen data point plus isotropic scatter of scale s, with
// amplitude 1/K and covariance s^2 I. s <= 0 picks the volume-filling
// radius. Means follow the data distribution on scales larger than s.
func RandomDataInit(s float64) InitFunc {
	return func(g *GMM, data [][]float64, _ NoiseCovar, comps []int, rng *rand.Rand) {
		r := s
		if r <= 0 {
			r = fillRadius(data, g.K())
		}
		cov := isoCovar(g.D(), r)
		for _, k := range componentList(g, comps) {
			g.Amp[k] = 1 / float64(g.K())
			ref := data[rng.Intn(len(data))]
			for c := range g.Mean[k] {
				g.Mean[k][c] = ref[c] + rng.NormFloat64()*r
			}
			g.Covar[k].CopySym(cov)
		}
	}
}

// KMeansInit returns an initializer that bootstraps the components from a
// k-means clustering of the data (Lloyd iterations from random data
// points): amplitudes from cluster occupancy, means from cluster centers,
// covariances from the cluster scatter. The component subset is ignored;
// k-means assigns all components at once.
func KMeansInit(iters int) InitFunc {
	if iters <= 0 {
		iters = 20
	}
	return func(g *GMM, data [][]float64, _ NoiseCovar, _ []int, rng *rand.Rand) {
		k := g.K()
		d := g.D()
		n := len(data)

		centers := make([][]float64, k)
		for j := range centers {
			centers[j] = append([]float64(nil), data[rng.Intn(n)]...)
		}

		labels := make([]int, n)
		for it := 0; it < iters; it++ {
			changed := false
			for i, x := range data {
				best, bestD := labels[i], math.Inf(1)
				for j, c := range centers {
					dist := floats.Distance(x, c, 2)
					if dist < bestD {
						best, bestD = j, dist
					}
				}
				if best != labels[i] {
					labels[i] = best
					changed = true
				}
			}
			counts := make([]int, k)
			next := make([][]float64, k)
			for j := range next {
				next[j] = make([]float64, d)
			}
			for i, x := range data {
				counts[labels[i]]++
				floats.Add(next[labels[i]], x)
			}
			for j := range centers {
				if counts[j] > 0 {
					floats.Scale(1/float64(counts[j]), next[j])
					centers[j] = next[j]
				}
			}
			if !changed && it > 0 {
				break
			}
		}

		counts := make([]int, k)
		for _, l := range labels {
			counts[l]++
		}
		for j := 0; j < k; j++ {
			g.Amp[j] = float64(counts[j]) / float64(n)
			copy(g.Mean[j], centers[j])
			scatter := mat.NewSymDense(d, nil)
			for i, x := range data {
				if labels[i] != j {
					continue
				}
				for r := 0; r < d; r++ {
					for c := r; c < d; c++ {
						scatter.SetSym(r, c, scatter.At(r, c)+(x[r]-centers[j][r])*(x[c]-centers[j][c]))
					}
				}
			}
			scatter.ScaleSym(1/float64(n), scatter)
			g.Covar[j].CopySym(scatter)
		}
	}
}
