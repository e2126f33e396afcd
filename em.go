package gmmis

import (
	"math"

	"golang.org/x/exp/rand"
)

// logFunc receives progress lines; the default discards them.
type logFunc func(format string, args ...any)

func nopLog(string, ...any) {}

// emRun bundles everything one EM sequence needs. It is assembled once
// per Fit call and shared by the main run and the split-and-merge runs.
type emRun struct {
	data        [][]float64
	covar       NoiseCovar
	bg          *Background
	w           float64
	tol         float64
	cutoffND    float64 // chi-squared neighborhood cutoff; 0 = none
	shiftCutoff float64 // chi-squared threshold for component movement
	sel         SelectFunc
	covarFn     CovarFunc
	oversample  int
	workers     int
	rng         *rand.Rand
	logf        logFunc
}

// emStep performs one E/M cycle: expectation, moment sums, the optional
// imputation E/M on synthetic data, and the in-place parameter update.
// n0 is the running estimate of the true (pre-selection) population size;
// the updated estimate is returned.
func (r *emRun) emStep(g *GMM, s *emState, n0 int, altered []int, it int) (logL, n, n2 float64, n0out int, err error) {
	logL, err = eStep(g, s, r.data, r.covar, r.bg, r.cutoffND, r.workers, r.rng, r.logf, it)
	if err != nil {
		return 0, 0, 0, n0, err
	}
	m, err := mStep(g, s, r.data, r.bg, r.workers)
	if err != nil {
		return 0, 0, 0, n0, err
	}

	var m2 *moments
	nH2 := 0
	if r.sel != nil {
		// Synthetic sample from the current model, with the selection
		// inverted: the non-observable part stands in for the missing
		// population.
		over := r.oversample
		data2, covar2, n0Drawn, derr := drawImputed(g, len(r.data)*over, r.sel, true, n0*over, r.covarFn, r.bg, r.rng)
		if derr != nil {
			return 0, 0, 0, n0, derr
		}
		n0 = n0Drawn / over

		if len(data2) > 0 {
			s2 := newEMState(g.K(), len(data2))
			if _, err = eStep(g, s2, data2, covar2, r.bg, r.cutoffND, r.workers, r.rng, r.logf, it); err != nil {
				return 0, 0, 0, n0, err
			}
			if m2, err = mStep(g, s2, data2, r.bg, r.workers); err != nil {
				return 0, 0, 0, n0, err
			}
			m2.scale(float64(over))
			nH2 = len(data2)
		}
	}

	update(g, m, m2, len(r.data), nH2, r.w, altered, r.bg)

	if m2 != nil {
		n2 = m2.N
	}
	return logL, m.N, n2, n0, nil
}

// run drives the EM loop to convergence, divergence rollback, or the
// iteration cap max(100, K).
//
// Each iteration snapshots the model. A component whose center moves, in
// Mahalanobis distance under its previous covariance, beyond shiftCutoff
// has its neighborhood invalidated. A drop of the mean log-likelihood by
// more than tol restores the snapshot and stops; an improvement below tol
// with no moving components means convergence.
func (r *emRun) run(g *GMM, s *emState, n0 int, altered []int, prefix string) (logL, n, n2 float64, n0out int, err error) {
	k := g.K()
	maxIter := 100
	if k > maxIter {
		maxIter = k
	}

	snapshot := g.Clone()
	r.logf("%s", "ITER\tPOINTS\tIMPUTED\tORIG\tLOG_L\tSTABLE")

	var logLNext float64
	for it := 0; it < maxIter; it++ {
		logLNext, n, n2, n0, err = r.emStep(g, s, n0, altered, it)
		if err != nil {
			return 0, 0, 0, n0, err
		}

		// Mahalanobis shift of each center under its previous covariance.
		var moved []int
		dx := make([]float64, g.D())
		for j := 0; j < k; j++ {
			inv, ierr := invSym(snapshot.Covar[j])
			if ierr != nil {
				return 0, 0, 0, n0, ierr
			}
			for c := range dx {
				dx[c] = g.Mean[j][c] - snapshot.Mean[j][c]
			}
			if quadForm(inv, dx) > r.shiftCutoff {
				moved = append(moved, j)
			}
		}

		r.logf("%s%d\t%.0f\t%.0f\t%d\t%.3f\t%d", prefix, it, n, n2, n0, logLNext, k-len(moved))

		if it > 0 && logLNext < logL+r.tol {
			if logLNext < logL-r.tol {
				// Likelihood regressed beyond tolerance: restore the last
				// good parameters and stop. Not an error.
				g.copyFrom(snapshot)
				r.logf("likelihood decreased: reverting to previous model")
				break
			}
			if len(moved) == 0 {
				logL = logLNext
				r.logf("likelihood converged within tolerance %g", r.tol)
				break
			}
		}

		if r.cutoffND > 0 {
			for _, j := range moved {
				s.u[j] = nil
			}
		}

		logL = logLNext
		snapshot.copyFrom(g)
	}

	return logL, n, n2, n0, nil
}

// shiftTolerance returns the chi-squared thresholds for the neighborhood
// cutoff and the component-shift test, both derived from the 1-D sigma
// cutoff (0 = no truncation).
func shiftTolerance(d int, cutoff float64) (cutoffND, shiftCutoff float64) {
	if cutoff > 0 {
		cutoffND = chi2Cutoff(d, cutoff)
		shiftCutoff = chi2Cutoff(d, math.Min(0.25, cutoff/2))
		return cutoffND, shiftCutoff
	}
	return 0, chi2Cutoff(d, 0.25)
}
