package gmmis

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// moments holds the weighted sufficient statistics of one M-step:
// per-component zeroth (A), first (M) and second (C) moments, the count
// of points in the fit (N), and the expected background count (B).
type moments struct {
	A []float64
	M [][]float64
	C []*mat.SymDense
	N float64
	B float64
}

func newMoments(k, d int) *moments {
	m := &moments{
		A: make([]float64, k),
		M: make([][]float64, k),
		C: make([]*mat.SymDense, k),
	}
	for i := range m.M {
		m.M[i] = make([]float64, d)
		m.C[i] = mat.NewSymDense(d, nil)
	}
	return m
}

// scale divides every sum by f, compensating for imputation oversampling.
func (m *moments) scale(f float64) {
	floats.Scale(1/f, m.A)
	for k := range m.M {
		floats.Scale(1/f, m.M[k])
		m.C[k].ScaleSym(1/f, m.C[k])
	}
	m.N /= f
	m.B /= f
}

// mSums accumulates the moment sums of component k over its neighborhood.
// The responsibility of point i is exp(log p(x_i|k) - logS_i). With
// measurement noise (tinv set), the mean and covariance contributions use
// the extreme-deconvolution estimates
//
//	b_ik = mu_k + C_k T_ik^-1 (x_i - mu_k)
//	B_ik = C_k - C_k T_ik^-1 C_k
//
// in place of the raw data (Bovy, Hogg & Roweis 2011).
func mSums(k int, g *GMM, s *emState, data [][]float64) (aK float64, mK []float64, cK *mat.SymDense) {
	d := g.D()
	mK = make([]float64, d)
	cK = mat.NewSymDense(d, nil)

	logP := s.logP[k]
	if len(logP) == 0 {
		return 0, mK, cK
	}
	u := s.u[k]
	tinv := s.tinv[k]

	logQ := make([]float64, len(logP))
	for j, lp := range logP {
		i := j
		if u != nil {
			i = u[j]
		}
		logQ[j] = lp - s.logS[i]
	}
	aK = math.Exp(floats.LogSumExp(logQ))

	mean := g.Mean[k]
	dx := make([]float64, d)
	tmp := make([]float64, d)
	b := make([]float64, d)

	// Shared noise: the correction matrix B_ik is identical for all i.
	var bShared *mat.SymDense
	if tinv.shared != nil {
		bShared = deconvCorrection(g.Covar[k], tinv.shared)
	}

	for j := range logQ {
		q := math.Exp(logQ[j])
		i := j
		if u != nil {
			i = u[j]
		}
		x := data[i]
		for c := 0; c < d; c++ {
			dx[c] = x[c] - mean[c]
		}

		if tinv.empty() {
			for c := 0; c < d; c++ {
				mK[c] += q * x[c]
			}
			for r := 0; r < d; r++ {
				for c := r; c < d; c++ {
					cK.SetSym(r, c, cK.At(r, c)+q*dx[r]*dx[c])
				}
			}
			continue
		}

		ti := tinv.at(j)
		mulSymVec(ti, dx, tmp)
		mulSymVec(g.Covar[k], tmp, b) // b = C_k T^-1 dx
		for c := 0; c < d; c++ {
			mK[c] += q * (mean[c] + b[c])
		}
		bik := bShared
		if bik == nil {
			bik = deconvCorrection(g.Covar[k], ti)
		}
		for r := 0; r < d; r++ {
			for c := r; c < d; c++ {
				cK.SetSym(r, c, cK.At(r, c)+q*(b[r]*b[c]+bik.At(r, c)))
			}
		}
	}
	return aK, mK, cK
}

// deconvCorrection computes B = C - C T^-1 C, the part of the component
// covariance not explained by the total (component + noise) covariance.
func deconvCorrection(c, tinv *mat.SymDense) *mat.SymDense {
	d, _ := c.Dims()
	ctc := sandwichSym(c, tinv)
	out := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			out.SetSym(i, j, c.At(i, j)-ctc.At(i, j))
		}
	}
	return out
}

// mStep gathers the moment sums of all components in parallel and, when a
// background is active, the expected background count over all points.
func mStep(g *GMM, s *emState, data [][]float64, bg *Background, workers int) (*moments, error) {
	k := g.K()
	m := newMoments(k, g.D())
	for _, in := range s.h {
		if in {
			m.N++
		}
	}

	err := runComponents(k, workers, func(j int) error {
		m.A[j], m.M[j], m.C[j] = mSums(j, g, s, data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if bg != nil {
		pBG := bg.Amp * bg.Density()
		for i := range s.logS {
			m.B += pBG / (pBG + (1-bg.Amp)*math.Exp(s.logS[i]))
		}
	}
	return m, nil
}

// update folds the observed and imputed moment sums into the model.
// n2 is the (fractional, oversampling-corrected) imputed point count and
// nH/nH2 the raw observed/imputed sample sizes used for the background
// amplitude. When altered is non-nil, only those components are updated
// and their amplitudes are renormalized against the untouched remainder
// (Bovy et al. 2011, eq. 31).
func update(g *GMM, m, m2 *moments, nH, nH2 int, w float64, altered []int, bg *Background) {
	k := g.K()
	d := g.D()

	a := make([]float64, k)
	copy(a, m.A)
	n2 := 0.0
	if m2 != nil {
		floats.Add(a, m2.A)
		n2 = m2.N
	}

	changed := altered
	if changed == nil {
		changed = make([]int, k)
		for i := range changed {
			changed[i] = i
		}
		for _, j := range changed {
			g.Amp[j] = a[j] / (m.N + n2)
		}
	} else {
		unalteredAmp := 0.0
		alteredSet := make(map[int]bool, len(altered))
		for _, j := range altered {
			alteredSet[j] = true
		}
		for j := 0; j < k; j++ {
			if !alteredSet[j] {
				unalteredAmp += g.Amp[j]
			}
		}
		aSum := 0.0
		for _, j := range altered {
			aSum += a[j]
		}
		for _, j := range altered {
			g.Amp[j] = a[j] / aSum * (1 - unalteredAmp)
		}
	}
	// finite-precision guard after imputation
	g.normalizeAmp()

	for _, j := range changed {
		for c := 0; c < d; c++ {
			sum := m.M[j][c]
			if m2 != nil {
				sum += m2.M[j][c]
			}
			g.Mean[j][c] = sum / a[j]
		}
	}

	// Covariance, with the optional isotropic floor w. The floor weight is
	// scaled by the mean points-per-component so its pull is independent
	// of the neighborhood size (cf. Bovy et al. 2011, eq. 38).
	wEff := 0.0
	if w > 0 {
		wEff = w * w * ((m.N+n2)/float64(k) + 1)
	}
	for _, j := range changed {
		denom := a[j]
		if w > 0 {
			denom = a[j] + 1
		}
		for r := 0; r < d; r++ {
			for c := r; c < d; c++ {
				sum := m.C[j].At(r, c)
				if m2 != nil {
					sum += m2.C[j].At(r, c)
				}
				if w > 0 && r == c {
					sum += wEff
				}
				g.Covar[j].SetSym(r, c, sum/denom)
			}
		}
	}

	if bg != nil && bg.AdjustAmp {
		b := m.B
		total := float64(nH)
		if nH2 > 0 {
			if m2 != nil {
				b += m2.B
			}
			total += float64(nH2)
		}
		bg.Amp = math.Min(b/total, bg.AmpMax)
	}
}
