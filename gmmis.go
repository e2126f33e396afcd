package gmmis

import (
	"fmt"
	"log"

	"golang.org/x/exp/rand"
)

// FitConfig controls the fit. Start with [DefaultFitConfig] and override
// the fields you need.
type FitConfig struct {
	// Covar is the measurement covariance of the data, shared or per
	// point. Nil means noise-free data.
	Covar NoiseCovar

	// W is a lower bound on the isotropic dispersion of each component,
	// regularizing the covariance update. 0 disables the floor.
	W float64

	// Cutoff truncates each component's neighborhood at this many 1-D
	// equivalent sigmas (converted internally to a D-dimensional
	// chi-squared limit). <= 0 disables truncation. Ignored when a
	// Background is set.
	Cutoff float64

	// Select reports which points the observation process would keep.
	// When set, the fit imputes the unobserved population. Requires
	// CovarFn if Covar is also set.
	Select SelectFunc

	// CovarFn supplies the measurement covariance of imputation samples.
	CovarFn CovarFunc

	// Init populates the component parameters before the first E-step.
	// Nil means the model is already initialized.
	Init InitFunc

	// Background co-fits a uniform contaminant population.
	Background *Background

	// Tol is the convergence tolerance of the mean log-likelihood. The
	// same value bounds the tolerated decrease before a rollback.
	// Default: 1e-3.
	Tol float64

	// SplitNMerge is the number of split-and-merge attempts between full
	// EM runs. 0 disables the optimizer. Requires K >= 3.
	SplitNMerge int

	// Oversampling is the imputation sample size per observed sample.
	// 1 works but can be unstable; set as high as feasible. Default: 4.
	Oversampling int

	// Workers is the number of goroutines for the per-component E and M
	// computations. 0 means runtime.NumCPU().
	Workers int

	// Seed seeds the generator when RNG is nil. Two fits with the same
	// seed, data, and config produce identical results.
	Seed uint64

	// RNG is the explicit random source threaded through every
	// stochastic operation. Nil means a fresh generator from Seed.
	RNG *rand.Rand

	// Logger receives per-iteration progress lines. Nil means silent.
	Logger *log.Logger
}

// FitResult is the output of a fit.
type FitResult struct {
	// LogL is the final mean log-likelihood per point.
	LogL float64

	// Neighborhoods[k] lists the indices of the points supporting
	// component k, ascending; nil means all points.
	Neighborhoods [][]int
}

// DefaultFitConfig returns a FitConfig with reasonable defaults.
func DefaultFitConfig() FitConfig {
	return FitConfig{
		Tol:          1e-3,
		Oversampling: 4,
	}
}

func applyFitDefaults(cfg *FitConfig) {
	if cfg.Tol == 0 {
		cfg.Tol = 1e-3
	}
	if cfg.Oversampling == 0 {
		cfg.Oversampling = 4
	}
	if cfg.RNG == nil {
		cfg.RNG = rand.New(rand.NewSource(cfg.Seed))
	}
}

func validateFitConfig(g *GMM, data [][]float64, cfg *FitConfig) error {
	if g.K() < 1 || g.D() < 1 {
		return fmt.Errorf("gmmis: model must have K >= 1 and D >= 1, got K=%d D=%d", g.K(), g.D())
	}
	if len(data) == 0 {
		return fmt.Errorf("gmmis: no data")
	}
	if len(data[0]) != g.D() {
		return fmt.Errorf("gmmis: data dimensionality %d does not match model D=%d", len(data[0]), g.D())
	}
	if cfg.Tol <= 0 {
		return fmt.Errorf("gmmis: Tol must be > 0, got %g", cfg.Tol)
	}
	if cfg.W < 0 {
		return fmt.Errorf("gmmis: W must be >= 0, got %g", cfg.W)
	}
	if cfg.Oversampling < 1 {
		return fmt.Errorf("gmmis: Oversampling must be >= 1, got %d", cfg.Oversampling)
	}
	if cfg.Covar != nil && !cfg.Covar.IsShared() && cfg.Covar.Len() != len(data) {
		return fmt.Errorf("gmmis: per-point covariance count %d does not match %d data points", cfg.Covar.Len(), len(data))
	}
	if cfg.Covar != nil && cfg.Select != nil && cfg.CovarFn == nil {
		return fmt.Errorf("gmmis: Covar with Select requires CovarFn, or imputation samples would be noise-free")
	}
	return nil
}

// Fit runs the EM sequence on data until the mean log-likelihood
// converges within cfg.Tol, then performs up to cfg.SplitNMerge
// split-and-merge rounds. The model is mutated in place; on a likelihood
// regression the last good parameters are restored before returning.
func Fit(g *GMM, data [][]float64, cfg FitConfig) (*FitResult, error) {
	applyFitDefaults(&cfg)
	if err := validateFitConfig(g, data, &cfg); err != nil {
		return nil, err
	}

	logf := logFunc(nopLog)
	if cfg.Logger != nil {
		logf = cfg.Logger.Printf
	}

	// truncation and background co-fitting define "neighborhood"
	// incompatibly; background wins
	if cfg.Background != nil && cfg.Cutoff > 0 {
		logf("adjusting Cutoff = 0 for background model fit")
		cfg.Cutoff = 0
	}

	if cfg.Init != nil {
		cfg.Init(g, data, cfg.Covar, nil, cfg.RNG)
	}

	cutoffND, shiftCutoff := shiftTolerance(g.D(), cfg.Cutoff)
	run := &emRun{
		data:        data,
		covar:       cfg.Covar,
		bg:          cfg.Background,
		w:           cfg.W,
		tol:         cfg.Tol,
		cutoffND:    cutoffND,
		shiftCutoff: shiftCutoff,
		sel:         cfg.Select,
		covarFn:     cfg.CovarFn,
		oversample:  cfg.Oversampling,
		workers:     cfg.Workers,
		rng:         cfg.RNG,
		logf:        logf,
	}

	s := newEMState(g.K(), len(data))
	logL, n, n2, _, err := run.run(g, s, len(data), nil, "")
	if err != nil {
		return nil, err
	}

	for attempts := cfg.SplitNMerge; attempts > 0 && g.K() >= 3; {
		snapshot := g.Clone()
		uBackup := make([][]int, g.K())
		for j, u := range s.u {
			if u != nil {
				uBackup[j] = append([]int(nil), u...)
			}
		}

		altered, cleanup := findSNMComponents(g, s)
		logf("merging %d and %d, splitting %d", altered[0], altered[1], altered[2])
		updateSNM(g, altered, s, n+n2, cleanup)

		// A partial run still performs full E and M steps: neighborhoods
		// of the altered components are stale, and the imputation sample
		// depends on the whole mixture. Only the parameter update is
		// restricted, and the population estimate restarts from the
		// observed count like any other run.
		if _, _, _, _, err = run.run(g, s, len(data), altered[:], "SNM_P"); err != nil {
			return nil, err
		}
		var logLNext float64
		if logLNext, n, n2, _, err = run.run(g, s, len(data), nil, "SNM_F"); err != nil {
			return nil, err
		}

		if logL >= logLNext {
			g.copyFrom(snapshot)
			s.u = uBackup
			logf("split'n'merge likelihood decreased: reverting to previous model")
			break
		}
		logL = logLNext
		attempts--
	}

	return &FitResult{LogL: logL, Neighborhoods: s.u}, nil
}
