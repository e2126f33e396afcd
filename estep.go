package gmmis

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

const log2Pi = 1.8378770664093453 // log(2*pi)

// tinvSet holds the inverse of the total covariance T_ik = C_k + noise_i
// for one component: a single matrix when the noise is shared by all
// points, or one per neighborhood entry. Both nil when no noise is set.
type tinvSet struct {
	shared *mat.SymDense
	per    []*mat.SymDense
}

func (t tinvSet) at(j int) *mat.SymDense {
	if t.shared != nil {
		return t.shared
	}
	if t.per != nil {
		return t.per[j]
	}
	return nil
}

func (t tinvSet) empty() bool { return t.shared == nil && t.per == nil }

// emState is the shared working state of one EM run: per-component log
// densities and neighborhoods, the accumulated log evidence, and the
// membership mask. Workers fill the per-component slots; only the
// coordinating goroutine touches logS and h.
type emState struct {
	logP [][]float64
	u    [][]int // neighborhood indices, ascending; nil = all points
	tinv []tinvSet
	logS []float64
	h    []bool
}

func newEMState(k, n int) *emState {
	return &emState{
		logP: make([][]float64, k),
		u:    make([][]int, k),
		tinv: make([]tinvSet, k),
		logS: make([]float64, n),
		h:    make([]bool, n),
	}
}

// eComp is the E-step result for one component.
type eComp struct {
	logP []float64
	u    []int
	tinv tinvSet
}

// eSum computes log p(x|k) for every point of component k's neighborhood
// (uk nil = all points), applying the chi-squared cutoff when positive and
// recording the surviving neighborhood. The normalization uses a
// sign-aware log-determinant of the component covariance; a non-positive
// sign means the covariance has degenerated and is reported as an error.
func eSum(k int, uk []int, g *GMM, data [][]float64, covar NoiseCovar, cutoff float64) (eComp, error) {
	d := g.D()
	n := len(uk)
	if uk == nil {
		n = len(data)
	}
	at := func(j int) []float64 {
		if uk == nil {
			return data[j]
		}
		return data[uk[j]]
	}

	var tinv tinvSet
	var cinv *mat.SymDense
	var err error
	switch {
	case covar == nil:
		cinv, err = invSym(g.Covar[k])
		if err != nil {
			return eComp{}, fmt.Errorf("component %d: %w", k, err)
		}
	case covar.IsShared():
		tinv.shared, err = invSym(addSym(g.Covar[k], covar.At(0)))
		if err != nil {
			return eComp{}, fmt.Errorf("component %d: %w", k, err)
		}
	default:
		tinv.per = make([]*mat.SymDense, n)
		for j := 0; j < n; j++ {
			i := j
			if uk != nil {
				i = uk[j]
			}
			tinv.per[j], err = invSym(addSym(g.Covar[k], covar.At(i)))
			if err != nil {
				return eComp{}, fmt.Errorf("component %d, point %d: %w", k, i, err)
			}
		}
	}

	chi2 := make([]float64, n)
	dx := make([]float64, d)
	for j := 0; j < n; j++ {
		x := at(j)
		for c := 0; c < d; c++ {
			dx[c] = x[c] - g.Mean[k][c]
		}
		m := cinv
		if m == nil {
			m = tinv.at(j)
		}
		chi2[j] = quadForm(m, dx)
	}

	u := uk
	if cutoff > 0 {
		kept := make([]int, 0, n)
		keptChi2 := chi2[:0]
		var keptTinv []*mat.SymDense
		if tinv.per != nil {
			keptTinv = tinv.per[:0]
		}
		for j := 0; j < n; j++ {
			if chi2[j] < cutoff {
				i := j
				if uk != nil {
					i = uk[j]
				}
				kept = append(kept, i)
				keptChi2 = append(keptChi2, chi2[j])
				if tinv.per != nil {
					keptTinv = append(keptTinv, tinv.per[j])
				}
			}
		}
		u = kept
		chi2 = keptChi2
		tinv.per = keptTinv
	}

	logdet, sign := mat.LogDet(g.Covar[k])
	if sign <= 0 {
		return eComp{}, fmt.Errorf("gmmis: non-positive determinant sign for covariance of component %d", k)
	}

	logAmp := math.Log(g.Amp[k])
	logP := make([]float64, len(chi2))
	for j, c2 := range chi2 {
		logP[j] = logAmp - 0.5*float64(d)*log2Pi - sign*logdet/2 - c2/2
	}
	return eComp{logP: logP, u: u, tinv: tinv}, nil
}

// eStep runs the expectation step: per-component log densities in
// parallel, then the sequential reduction into the shared evidence and
// membership mask. Returns the mean log-likelihood.
//
// With a background model, no cutoff is applied; each point is assigned
// to signal or background by comparing its posterior background
// probability against a uniform draw, and all components share the
// signal indices as their neighborhood.
func eStep(g *GMM, s *emState, data [][]float64, covar NoiseCovar, bg *Background, cutoff float64, workers int, rng *rand.Rand, logf logFunc, it int) (float64, error) {
	n := len(data)
	k := g.K()

	if bg != nil {
		cutoff = 0
		for j := 0; j < k; j++ {
			s.u[j] = nil
		}
	}

	res := make([]eComp, k)
	err := runComponents(k, workers, func(j int) error {
		ec, err := eSum(j, s.u[j], g, data, covar, cutoff)
		if err != nil {
			return err
		}
		res[j] = ec
		return nil
	})
	if err != nil {
		return 0, err
	}

	// Reduction. logS first accumulates S = sum_k p(x|k) in linear space
	// and is converted to log form at the end.
	for i := range s.logS {
		s.logS[i] = 0
		s.h[i] = false
	}

	if bg == nil {
		for j := 0; j < k; j++ {
			s.logP[j] = res[j].logP
			s.u[j] = res[j].u
			s.tinv[j] = res[j].tinv
			for x, lp := range res[j].logP {
				i := x
				if res[j].u != nil {
					i = res[j].u[x]
				}
				s.logS[i] += math.Exp(lp)
				s.h[i] = true
			}
		}
		sum := 0.0
		cnt := 0
		for i := range s.logS {
			if s.h[i] {
				s.logS[i] = math.Log(s.logS[i])
				sum += s.logS[i]
				cnt++
			}
		}
		if cnt == 0 {
			return 0, fmt.Errorf("gmmis: no point within any component neighborhood")
		}
		return sum / float64(cnt), nil
	}

	// Background branch: every component evaluated every point.
	for j := 0; j < k; j++ {
		for i, lp := range res[j].logP {
			s.logS[i] += math.Exp(lp)
		}
	}

	pBG := bg.Amp * bg.Density()
	sig := make([]int, 0, n)
	for i := 0; i < n; i++ {
		qBG := pBG / (pBG + (1-bg.Amp)*s.logS[i])
		if qBG < rng.Float64() {
			s.h[i] = true
			sig = append(sig, i)
		}
	}

	sum := 0.0
	for i := 0; i < n; i++ {
		sum += math.Log((1-bg.Amp)*s.logS[i] + pBG)
	}
	logL := sum / float64(n)
	for i := range s.logS {
		s.logS[i] = math.Log(s.logS[i])
	}

	// Restrict every component to the signal points. The index slice is
	// deliberately shared between components.
	for j := 0; j < k; j++ {
		lp := make([]float64, len(sig))
		var per []*mat.SymDense
		if res[j].tinv.per != nil {
			per = make([]*mat.SymDense, len(sig))
		}
		for x, i := range sig {
			lp[x] = res[j].logP[i]
			if per != nil {
				per[x] = res[j].tinv.per[i]
			}
		}
		s.logP[j] = lp
		s.u[j] = sig
		s.tinv[j] = tinvSet{shared: res[j].tinv.shared, per: per}
	}

	logf("BG%d\t%d\t%d\t%.3f", it, n, n-len(sig), bg.Amp)
	return logL, nil
}
