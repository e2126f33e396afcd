package gmmis

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// maxResizeAttempts bounds the population-size search; a selection
// function that never stabilizes (e.g. one accepting nothing) fails
// instead of looping forever.
const maxResizeAttempts = 100

// drawModel samples size points from the mixture, or from the mixture
// plus background in proportion to the background amplitude, and adds
// measurement noise from covarFn if given. For per-point noise the
// samples are generated from unit normals and rotated through the
// eigendecomposition of each covariance, which is much cheaper than one
// multivariate draw per matrix.
func drawModel(g *GMM, size int, covarFn CovarFunc, bg *Background, rng *rand.Rand) ([][]float64, NoiseCovar, error) {
	var data [][]float64
	var err error
	if bg == nil {
		data, err = g.Draw(size, rng)
	} else {
		bgSize := int(bg.Amp * float64(size))
		data, err = g.Draw(size-bgSize, rng)
		if err == nil {
			data = append(data, bg.Draw(bgSize, rng)...)
		}
	}
	if err != nil {
		return nil, nil, err
	}
	if covarFn == nil {
		return data, nil, nil
	}

	d := g.D()
	covar := covarFn(data)
	if covar.IsShared() {
		zero := make([]float64, d)
		norm, ok := distmv.NewNormal(zero, covar.At(0), rng)
		if !ok {
			return nil, nil, fmt.Errorf("gmmis: noise covariance is not positive definite")
		}
		noise := make([]float64, d)
		for _, x := range data {
			norm.Rand(noise)
			for c := 0; c < d; c++ {
				x[c] += noise[c]
			}
		}
		return data, covar, nil
	}

	// n' = R sqrt(V) n with covar = R V R^T
	var es mat.EigenSym
	n := make([]float64, d)
	for i, x := range data {
		if !es.Factorize(covar.At(i), true) {
			return nil, nil, fmt.Errorf("gmmis: eigendecomposition of noise covariance %d failed", i)
		}
		vals := es.Values(nil)
		var vecs mat.Dense
		es.VectorsTo(&vecs)
		for c := 0; c < d; c++ {
			n[c] = rng.NormFloat64() * math.Sqrt(math.Max(vals[c], 0))
		}
		for r := 0; r < d; r++ {
			s := 0.0
			for c := 0; c < d; c++ {
				s += vecs.At(r, c) * n[c]
			}
			x[r] += s
		}
	}
	return data, covar, nil
}

// drawImputed draws synthetic data from the model under the same noise
// and selection mechanism as the observations. origSize is the current
// estimate of the true population size; it is rescaled until the number
// of selected synthetic points falls inside the 68% Poisson interval
// around obsSize. With invert set, the points failing the selection are
// returned, standing in for the unobserved population.
func drawImputed(g *GMM, obsSize int, sel SelectFunc, invert bool, origSize int, covarFn CovarFunc, bg *Background, rng *rand.Rand) ([][]float64, NoiseCovar, int, error) {
	if origSize <= 0 {
		origSize = obsSize
	}

	data, covar, err := drawModel(g, origSize, covarFn, bg, rng)
	if err != nil {
		return nil, nil, origSize, err
	}
	if sel == nil {
		return data, covar, origSize, nil
	}

	mask := sel(data)
	selected := countTrue(mask)
	lower, upper := poissonInterval(obsSize)

	attempts := 0
	for float64(selected) < lower || float64(selected) > upper {
		if attempts++; attempts > maxResizeAttempts {
			return nil, nil, origSize, fmt.Errorf("gmmis: population size search did not stabilize after %d resizes (selected %d of %d, want [%.0f, %.0f])",
				maxResizeAttempts, selected, origSize, lower, upper)
		}
		if selected == 0 {
			origSize *= 2
		} else {
			origSize = origSize * obsSize / selected
		}
		data, covar, err = drawModel(g, origSize, covarFn, bg, rng)
		if err != nil {
			return nil, nil, origSize, err
		}
		mask = sel(data)
		selected = countTrue(mask)
	}

	if invert {
		for i := range mask {
			mask[i] = !mask[i]
		}
	}

	kept := make([][]float64, 0, len(data))
	var keptCov []*mat.SymDense
	perPoint := covar != nil && !covar.IsShared()
	if perPoint {
		keptCov = make([]*mat.SymDense, 0, len(data))
	}
	for i, keep := range mask {
		if keep {
			kept = append(kept, data[i])
			if perPoint {
				keptCov = append(keptCov, covar.At(i))
			}
		}
	}
	if perPoint {
		covar = PointCovar(keptCov)
	}
	return kept, covar, origSize, nil
}

func countTrue(mask []bool) int {
	n := 0
	for _, b := range mask {
		if b {
			n++
		}
	}
	return n
}
