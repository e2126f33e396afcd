package gmmis

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// CVFit cross-validates a fit: the data is split into folds interleaved
// subsets, the model is fit on all but one fold, and the held-out fold is
// scored under the fitted model. Returns the held-out log-likelihood per
// point.
//
// cfg.Init must be nil (a data-dependent initialization would differ per
// fold) and cfg.RNG must be nil: every fold re-derives its generator from
// cfg.Seed so all folds see identical random behavior. The model is
// restored to its input parameters before returning.
func CVFit(g *GMM, data [][]float64, folds int, cfg FitConfig) ([]float64, error) {
	if folds < 2 {
		return nil, fmt.Errorf("gmmis: cross-validation needs at least 2 folds, got %d", folds)
	}
	if cfg.Init != nil {
		return nil, fmt.Errorf("gmmis: cross-validation requires Init = nil")
	}
	if cfg.RNG != nil {
		return nil, fmt.Errorf("gmmis: cross-validation requires RNG = nil; set Seed instead")
	}

	n := len(data)
	lcv := make([]float64, n)

	g0 := g.Clone()
	var bgAmp0 float64
	if cfg.Background != nil {
		bgAmp0 = cfg.Background.Amp
	}

	perPoint := cfg.Covar != nil && !cfg.Covar.IsShared()

	for fold := 0; fold < folds; fold++ {
		cfg.RNG = rand.New(rand.NewSource(cfg.Seed))

		var train, test [][]float64
		var testIdx []int
		var trainCov, testCov []*mat.SymDense
		for i := 0; i < n; i++ {
			if i%folds == fold {
				test = append(test, data[i])
				testIdx = append(testIdx, i)
				if perPoint {
					testCov = append(testCov, cfg.Covar.At(i))
				}
			} else {
				train = append(train, data[i])
				if perPoint {
					trainCov = append(trainCov, cfg.Covar.At(i))
				}
			}
		}

		foldCfg := cfg
		if perPoint {
			foldCfg.Covar = PointCovar(trainCov)
		}
		if _, err := Fit(g, train, foldCfg); err != nil {
			return nil, err
		}

		heldCov := cfg.Covar
		if perPoint {
			heldCov = PointCovar(testCov)
		}
		lp, err := g.LogProb(test, heldCov, cfg.Workers)
		if err != nil {
			return nil, err
		}
		for x, i := range testIdx {
			lcv[i] = lp[x]
		}

		g.copyFrom(g0)
		if cfg.Background != nil {
			cfg.Background.Amp = bgAmp0
		}
		cfg.RNG = nil
	}
	return lcv, nil
}

// Stack combines several mixtures into one, scaling each model's
// amplitudes by its weight and renormalizing.
func Stack(gmms []*GMM, weights []float64) *GMM {
	k := 0
	for _, g := range gmms {
		k += g.K()
	}
	out := NewGMM(k, gmms[0].D())
	j := 0
	for m, g := range gmms {
		for i := 0; i < g.K(); i++ {
			out.SetComponent(j, weights[m]*g.Amp[i], g.Mean[i], g.Covar[i])
			j++
		}
	}
	out.normalizeAmp()
	return out
}

// StackFit fits every model to the data, determines the stacking weights
// that maximize the cross-validated likelihood of the combined estimator
// (a small EM over the weights), and returns the stacked model.
// cfgs[m] configures the fit of gmms[m]; the same fold count is used for
// every model.
func StackFit(gmms []*GMM, data [][]float64, cfgs []FitConfig, folds int, tol float64) (*GMM, error) {
	if len(gmms) != len(cfgs) {
		return nil, fmt.Errorf("gmmis: %d models but %d configs", len(gmms), len(cfgs))
	}
	if tol <= 0 {
		tol = 1e-5
	}
	m := len(gmms)
	n := len(data)

	lcvs := make([][]float64, m)
	for i := range gmms {
		lcv, err := CVFit(gmms[i], data, folds, cfgs[i])
		if err != nil {
			return nil, err
		}
		lcvs[i] = lcv
		if _, err := Fit(gmms[i], data, cfgs[i]); err != nil {
			return nil, err
		}
	}

	// tiny EM over the stacking weights beta
	beta := make([]float64, m)
	for i := range beta {
		beta[i] = 1 / float64(m)
	}
	logPK := make([][]float64, m)
	for i := range logPK {
		logPK[i] = make([]float64, n)
	}
	col := make([]float64, m)

	var logL float64
	for it := 0; it < 20; it++ {
		for i := 0; i < m; i++ {
			lb := math.Log(beta[i])
			for x := 0; x < n; x++ {
				logPK[i][x] = lcvs[i][x] + lb
			}
		}
		sum := 0.0
		for x := 0; x < n; x++ {
			for i := 0; i < m; i++ {
				col[i] = logPK[i][x]
			}
			ls := floats.LogSumExp(col)
			sum += ls
			for i := 0; i < m; i++ {
				logPK[i][x] -= ls
			}
		}
		for i := 0; i < m; i++ {
			beta[i] = math.Exp(floats.LogSumExp(logPK[i])) / float64(n)
		}
		logLNext := sum / float64(n)
		if it > 0 && logLNext-logL < tol {
			break
		}
		logL = logLNext
	}
	return Stack(gmms, beta), nil
}
