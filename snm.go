package gmmis

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// findSNMComponents picks the two most redundant components to merge and
// the most overloaded one to split.
//
// Redundancy is the overlap of normalized posteriors on the intersection
// of two components' neighborhoods. If no pair overlaps (all
// neighborhoods disjoint), the two smallest-amplitude components are
// merged instead and cleanup mode is flagged: their parameters are
// presumed meaningless and are not averaged.
//
// The split candidate is the component with the largest
// amplitude-weighted leading covariance eigenvalue; a very extended
// component is often an ill-fitting merger of sub-populations, while a
// near-empty one should be merged, hence the amplitude weight. Collisions
// with the merge pair are resolved from the next-ranked candidates.
func findSNMComponents(g *GMM, s *emState) (altered [3]int, cleanup bool) {
	k := g.K()
	n := len(s.logS)

	logQ := make([][]float64, k)
	for j := 0; j < k; j++ {
		lq := make([]float64, len(s.logP[j]))
		logAmp := math.Log(g.Amp[j])
		for x, lp := range s.logP[j] {
			i := x
			if s.u[j] != nil {
				i = s.u[j][x]
			}
			lq[x] = lp - s.logS[i] - logAmp
		}
		logQ[j] = lq
	}

	bestVal := 0.0
	merge := [2]int{0, 0}
	for a := 0; a < k; a++ {
		for b := a + 1; b < k; b++ {
			ia, ib := overlapPositions(s.u[a], s.u[b], n)
			v := 0.0
			for x := range ia {
				v += math.Exp(logQ[a][ia[x]]) * math.Exp(logQ[b][ib[x]])
			}
			if v > bestVal {
				bestVal = v
				merge = [2]int{a, b}
			}
		}
	}
	if bestVal <= 0 {
		// all neighborhoods disjoint: merge the two weakest components
		order := ampOrder(g.Amp)
		merge = [2]int{order[0], order[1]}
		cleanup = true
	}

	// rank by amplitude-weighted leading eigenvalue, best first
	score := make([]float64, k)
	var es mat.EigenSym
	for j := 0; j < k; j++ {
		if es.Factorize(g.Covar[j], false) {
			vals := es.Values(nil)
			score[j] = vals[len(vals)-1] * g.Amp[j]
		}
	}
	rank := make([]int, k)
	for i := range rank {
		rank[i] = i
	}
	sort.Slice(rank, func(a, b int) bool { return score[rank[a]] > score[rank[b]] })

	split := rank[0]
	for _, cand := range rank {
		if cand != merge[0] && cand != merge[1] {
			split = cand
			break
		}
	}
	return [3]int{merge[0], merge[1], split}, cleanup
}

// overlapPositions returns aligned positions into two neighborhood lists
// for their common points; nil means the full point range.
func overlapPositions(ua, ub []int, n int) (ia, ib []int) {
	switch {
	case ua == nil && ub == nil:
		ia = make([]int, n)
		ib = make([]int, n)
		for i := 0; i < n; i++ {
			ia[i], ib[i] = i, i
		}
		return ia, ib
	case ua == nil:
		ia = make([]int, len(ub))
		ib = make([]int, len(ub))
		for x, i := range ub {
			ia[x], ib[x] = i, x
		}
		return ia, ib
	case ub == nil:
		ia = make([]int, len(ua))
		ib = make([]int, len(ua))
		for x, i := range ua {
			ia[x], ib[x] = x, i
		}
		return ia, ib
	default:
		return intersectSorted(ua, ub)
	}
}

func ampOrder(amp []float64) []int {
	order := make([]int, len(amp))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return amp[order[a]] < amp[order[b]] })
	return order
}

// updateSNM restructures the model in place: altered[0] and altered[1]
// are merged into altered[0], and altered[2] is split across altered[1]
// and altered[2]. n is the effective sample size used to reconstruct the
// absolute responsibilities from the amplitudes.
//
// The merge amplitude-averages means and covariances (Bovy et al. 2011,
// eq. 39); in cleanup mode the second component's parameters are adopted
// unchanged. The split follows Zhang et al. (2003): centers offset by a
// quarter standard deviation along the leading eigenvector, replacement
// covariance |Sigma|^(1/D) I to preserve the hyper-volume.
func updateSNM(g *GMM, altered [3]int, s *emState, n float64, cleanup bool) {
	d := g.D()
	a0, a1, sp := altered[0], altered[1], altered[2]

	w0 := g.Amp[a0] * n
	w1 := g.Amp[a1] * n
	g.Amp[a0] += g.Amp[a1]
	if !cleanup {
		for c := 0; c < d; c++ {
			g.Mean[a0][c] = (g.Mean[a0][c]*w0 + g.Mean[a1][c]*w1) / (w0 + w1)
		}
		for r := 0; r < d; r++ {
			for c := r; c < d; c++ {
				g.Covar[a0].SetSym(r, c, (g.Covar[a0].At(r, c)*w0+g.Covar[a1].At(r, c)*w1)/(w0+w1))
			}
		}
		if s.u[a0] != nil && s.u[a1] != nil {
			s.u[a0] = unionSorted(s.u[a0], s.u[a1])
		} else {
			s.u[a0] = nil
		}
	} else {
		copy(g.Mean[a0], g.Mean[a1])
		g.Covar[a0].CopySym(g.Covar[a1])
		s.u[a0] = s.u[a1]
	}

	g.Amp[a1] = g.Amp[sp] / 2
	g.Amp[sp] = g.Amp[a1]

	var es mat.EigenSym
	es.Factorize(g.Covar[sp], true)
	vals := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	lead := len(vals) - 1

	dl := make([]float64, d)
	for c := 0; c < d; c++ {
		dl[c] = math.Sqrt(vals[lead]) * vecs.At(c, lead) / 4
	}
	for c := 0; c < d; c++ {
		g.Mean[a1][c] = g.Mean[sp][c] - dl[c]
		g.Mean[sp][c] += dl[c]
	}

	logdet, _ := mat.LogDet(g.Covar[sp])
	scale := math.Exp(logdet / float64(d))
	for r := 0; r < d; r++ {
		for c := r; c < d; c++ {
			v := 0.0
			if r == c {
				v = scale
			}
			g.Covar[a1].SetSym(r, c, v)
			g.Covar[sp].SetSym(r, c, v)
		}
	}

	if s.u[sp] != nil {
		s.u[a1] = append([]int(nil), s.u[sp]...)
	} else {
		s.u[a1] = nil
	}
}
