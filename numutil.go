package gmmis

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// chi2Cutoff converts a 1-D "n sigma" cut into the equivalent chi-squared
// limit in d dimensions, so that the cut keeps the same fraction of
// probability mass as the 68-95-99.7 rule does for a 1-D normal.
func chi2Cutoff(d int, sigma float64) float64 {
	cdf := distuv.UnitNormal.CDF(sigma)
	confidence := 1 - 2*(1-cdf)
	return distuv.ChiSquared{K: float64(d)}.Quantile(confidence)
}

// poissonInterval returns the central 68% confidence interval for the mean
// of a Poisson variate observed as n, via the chi-squared representation
// lower = chi2(2n).Quantile(alpha/2)/2, upper = chi2(2n+2).Quantile(1-alpha/2)/2.
func poissonInterval(n int) (lower, upper float64) {
	const alpha = 0.32
	if n > 0 {
		lower = 0.5 * distuv.ChiSquared{K: float64(2 * n)}.Quantile(alpha/2)
	}
	upper = 0.5 * distuv.ChiSquared{K: float64(2*n + 2)}.Quantile(1 - alpha/2)
	return lower, upper
}

// invSym inverts a symmetric matrix, symmetrizing the result to absorb
// round-off asymmetry from the general-purpose solver.
func invSym(a *mat.SymDense) (*mat.SymDense, error) {
	d, _ := a.Dims()
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return nil, fmt.Errorf("gmmis: singular covariance: %w", err)
	}
	out := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			out.SetSym(i, j, 0.5*(inv.At(i, j)+inv.At(j, i)))
		}
	}
	return out, nil
}

// addSym returns a + b as a fresh symmetric matrix.
func addSym(a, b *mat.SymDense) *mat.SymDense {
	d, _ := a.Dims()
	out := mat.NewSymDense(d, nil)
	out.AddSym(a, b)
	return out
}

// quadForm computes dx' A dx for symmetric A.
func quadForm(a *mat.SymDense, dx []float64) float64 {
	d := len(dx)
	sum := 0.0
	for i := 0; i < d; i++ {
		row := a.At(i, i) * dx[i]
		for j := i + 1; j < d; j++ {
			row += 2 * a.At(i, j) * dx[j]
		}
		sum += row * dx[i]
	}
	return sum
}

// mulSymVec computes A x for symmetric A into dst.
func mulSymVec(a *mat.SymDense, x, dst []float64) {
	d := len(x)
	for i := 0; i < d; i++ {
		s := 0.0
		for j := 0; j < d; j++ {
			s += a.At(i, j) * x[j]
		}
		dst[i] = s
	}
}

// sandwichSym computes A B A for symmetric A and B.
func sandwichSym(a, b *mat.SymDense) *mat.SymDense {
	d, _ := a.Dims()
	var ab, aba mat.Dense
	ab.Mul(a, b)
	aba.Mul(&ab, a)
	out := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			out.SetSym(i, j, 0.5*(aba.At(i, j)+aba.At(j, i)))
		}
	}
	return out
}

// intersectSorted returns the positions ia, ib of the common values of two
// ascending index lists, so that a[ia[x]] == b[ib[x]] for all x.
func intersectSorted(a, b []int) (ia, ib []int) {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			ia = append(ia, i)
			ib = append(ib, j)
			i++
			j++
		}
	}
	return ia, ib
}

// unionSorted merges two ascending index lists without duplicates.
func unionSorted(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] > b[j]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
