package gmmis

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// NoiseCovar supplies the measurement covariance of each data point.
// Implementations are SharedCovar (one matrix for all points) and
// PointCovar (one matrix per point).
type NoiseCovar interface {
	// At returns the covariance of point i.
	At(i int) *mat.SymDense
	// IsShared reports whether all points share one covariance.
	IsShared() bool
	// Len returns the number of per-point entries, or 0 when shared.
	Len() int
}

type sharedCovar struct {
	sigma *mat.SymDense
}

// SharedCovar wraps a single covariance used for every data point.
func SharedCovar(sigma *mat.SymDense) NoiseCovar { return sharedCovar{sigma} }

func (s sharedCovar) At(int) *mat.SymDense { return s.sigma }
func (s sharedCovar) IsShared() bool       { return true }
func (s sharedCovar) Len() int             { return 0 }

type pointCovar []*mat.SymDense

// PointCovar wraps per-point covariances; sigmas[i] belongs to point i.
func PointCovar(sigmas []*mat.SymDense) NoiseCovar { return pointCovar(sigmas) }

func (p pointCovar) At(i int) *mat.SymDense { return p[i] }
func (p pointCovar) IsShared() bool         { return false }
func (p pointCovar) Len() int               { return len(p) }

// SelectFunc reports, for each point, whether the observation process
// would have kept it.
type SelectFunc func(points [][]float64) []bool

// CovarFunc returns the measurement covariance of freshly generated
// points, shared or per point.
type CovarFunc func(points [][]float64) NoiseCovar

// InitFunc populates the parameters of the listed components (all when
// comps is nil) before fitting starts.
type InitFunc func(g *GMM, data [][]float64, covar NoiseCovar, comps []int, rng *rand.Rand)
