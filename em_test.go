package gmmis

import (
	"bytes"
	"log"
	"math"
	"strconv"
	"strings"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

func normData1D(rng *rand.Rand, n int, mean, sd float64) [][]float64 {
	data := make([][]float64, n)
	for i := range data {
		data[i] = []float64{mean + sd*rng.NormFloat64()}
	}
	return data
}

func TestFitTwoGaussians(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	data := append(normData1D(rng, 5000, -5, 1), normData1D(rng, 5000, 5, 1)...)

	g := gauss1D([3]float64{0.5, -3, 4}, [3]float64{0.5, 3, 4})
	res, err := Fit(g, data, DefaultFitConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.IsNaN(res.LogL) || math.IsInf(res.LogL, 0) {
		t.Fatalf("LogL = %v", res.LogL)
	}
	if len(res.Neighborhoods) != 2 {
		t.Fatalf("got %d neighborhoods, expected 2", len(res.Neighborhoods))
	}

	if math.Abs(g.Mean[0][0]+5) > 0.1 {
		t.Errorf("mean[0] = %v, expected about -5", g.Mean[0][0])
	}
	if math.Abs(g.Mean[1][0]-5) > 0.1 {
		t.Errorf("mean[1] = %v, expected about 5", g.Mean[1][0])
	}
	for k := 0; k < 2; k++ {
		if v := g.Covar[k].At(0, 0); math.Abs(v-1) > 0.1 {
			t.Errorf("covar[%d] = %v, expected about 1", k, v)
		}
		if math.Abs(g.Amp[k]-0.5) > 0.05 {
			t.Errorf("amp[%d] = %v, expected about 0.5", k, g.Amp[k])
		}
	}
	if sum := g.Amp[0] + g.Amp[1]; math.Abs(sum-1) > 1e-12 {
		t.Errorf("amplitudes sum to %v, expected 1", sum)
	}
}

func TestFitTruncatedNeighborhoods(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	data := append(normData1D(rng, 2000, -6, 1), normData1D(rng, 2000, 6, 1)...)

	g := gauss1D([3]float64{0.5, -4, 4}, [3]float64{0.5, 4, 4})
	cfg := DefaultFitConfig()
	cfg.Cutoff = 3
	res, err := Fit(g, data, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for k, u := range res.Neighborhoods {
		if u == nil {
			t.Fatalf("component %d neighborhood is nil despite truncation", k)
		}
		if len(u) == 0 || len(u) >= len(data) {
			t.Errorf("component %d supported by %d of %d points", k, len(u), len(data))
		}
	}
	if math.Abs(g.Mean[0][0]+6) > 0.15 {
		t.Errorf("mean[0] = %v, expected about -6", g.Mean[0][0])
	}
	if math.Abs(g.Mean[1][0]-6) > 0.15 {
		t.Errorf("mean[1] = %v, expected about 6", g.Mean[1][0])
	}
}

func TestFitParallelMatchesSequential(t *testing.T) {
	rng := rand.New(rand.NewSource(15))
	data := append(normData1D(rng, 800, -3, 1), normData1D(rng, 800, 3, 1)...)

	fit := func(workers int) *GMM {
		g := gauss1D([3]float64{0.5, -2, 3}, [3]float64{0.5, 2, 3})
		cfg := DefaultFitConfig()
		cfg.Workers = workers
		if _, err := Fit(g, data, cfg); err != nil {
			t.Fatalf("workers=%d: unexpected error: %v", workers, err)
		}
		return g
	}

	seq := fit(1)
	par := fit(3)
	for k := 0; k < 2; k++ {
		if par.Amp[k] != seq.Amp[k] || par.Mean[k][0] != seq.Mean[k][0] ||
			par.Covar[k].At(0, 0) != seq.Covar[k].At(0, 0) {
			t.Errorf("component %d differs between 1 and 3 workers (bitwise)", k)
		}
	}
}

func TestFitDeterministicWithSeed(t *testing.T) {
	rng := rand.New(rand.NewSource(30))
	data := normData1D(rng, 1500, 0, 1)
	data = append(data, NewBackground([]float64{-6}, []float64{6}).Draw(300, rng)...)

	fit := func() (*GMM, *Background) {
		g := gauss1D([3]float64{1, 0.5, 2})
		bg := NewBackground([]float64{-6}, []float64{6})
		bg.Amp = 0.3
		cfg := DefaultFitConfig()
		cfg.Background = bg
		cfg.Seed = 12
		if _, err := Fit(g, data, cfg); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return g, bg
	}

	g1, bg1 := fit()
	g2, bg2 := fit()
	if g1.Amp[0] != g2.Amp[0] || g1.Mean[0][0] != g2.Mean[0][0] ||
		g1.Covar[0].At(0, 0) != g2.Covar[0].At(0, 0) {
		t.Error("same seed produced different component parameters")
	}
	if bg1.Amp != bg2.Amp {
		t.Errorf("same seed produced different background amplitudes: %v vs %v", bg1.Amp, bg2.Amp)
	}
}

func TestFitRandomInit(t *testing.T) {
	rng := rand.New(rand.NewSource(77))
	data := append(normData1D(rng, 1000, -4, 1), normData1D(rng, 1000, 4, 1)...)

	g := NewGMM(2, 1)
	cfg := DefaultFitConfig()
	cfg.Init = RandomInit(0)
	cfg.Seed = 77
	res, err := Fit(g, data, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.IsNaN(res.LogL) || math.IsInf(res.LogL, 0) {
		t.Errorf("LogL = %v", res.LogL)
	}
	if sum := g.Amp[0] + g.Amp[1]; math.Abs(sum-1) > 1e-9 {
		t.Errorf("amplitudes sum to %v, expected 1", sum)
	}
}

func TestFitRevertsOnLikelihoodDrop(t *testing.T) {
	rng := rand.New(rand.NewSource(27))
	data := append(normData1D(rng, 500, -3, 1), normData1D(rng, 500, 3, 1)...)

	// start at the observed optimum; a selection claiming only the left
	// half is observable makes the imputation inject the entire right
	// cluster as "missing" mass, so the first update drags the model
	// downhill and the controller must revert
	g := gauss1D([3]float64{0.5, -3, 1}, [3]float64{0.5, 3, 1})
	lp, err := g.LogProb(data, nil, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logL0 := 0.0
	for _, v := range lp {
		logL0 += v
	}
	logL0 /= float64(len(lp))

	cfg := DefaultFitConfig()
	cfg.Select = func(pts [][]float64) []bool {
		mask := make([]bool, len(pts))
		for i, p := range pts {
			mask[i] = p[0] < 0
		}
		return mask
	}
	cfg.Seed = 27
	var buf bytes.Buffer
	cfg.Logger = log.New(&buf, "", 0)

	res, err := Fit(g, data, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "reverting to previous model") {
		t.Fatal("expected the likelihood regression to trigger a revert")
	}
	// the reported likelihood is the last accepted one
	if math.Abs(res.LogL-logL0) > 1e-9 {
		t.Errorf("LogL = %v, expected the pre-drop value %v", res.LogL, logL0)
	}
	sum := 0.0
	for k, a := range g.Amp {
		if a < 0 || math.IsNaN(a) {
			t.Errorf("amp[%d] = %v after revert", k, a)
		}
		sum += a
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Errorf("amplitudes sum to %v after revert, expected 1", sum)
	}
	for k := range g.Mean {
		if math.IsNaN(g.Mean[k][0]) || math.IsNaN(g.Covar[k].At(0, 0)) {
			t.Errorf("component %d not finite after revert", k)
		}
	}
}

func TestFitLogsMaskedPointCount(t *testing.T) {
	rng := rand.New(rand.NewSource(31))
	data := normData1D(rng, 800, 0, 1)
	footprint := NewBackground([]float64{-50}, []float64{50})
	data = append(data, footprint.Draw(200, rng)...)

	g := gauss1D([3]float64{1, 0, 1})
	bg := NewBackground([]float64{-50}, []float64{50})
	bg.Amp = 0.2

	cfg := DefaultFitConfig()
	cfg.Background = bg
	cfg.Seed = 31
	var buf bytes.Buffer
	cfg.Logger = log.New(&buf, "", 0)
	if _, err := Fit(g, data, cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// the POINTS column reports the signal-assigned count, not the raw
	// sample size
	sawSignalCount := false
	for _, line := range strings.Split(buf.String(), "\n") {
		f := strings.Split(line, "\t")
		if len(f) != 6 {
			continue
		}
		if _, err := strconv.Atoi(f[0]); err != nil {
			continue
		}
		pts, err := strconv.Atoi(f[1])
		if err != nil {
			t.Fatalf("unparseable POINTS column in %q", line)
		}
		if pts > len(data) {
			t.Fatalf("logged %d points for %d samples", pts, len(data))
		}
		if pts < len(data) {
			sawSignalCount = true
		}
	}
	if !sawSignalCount {
		t.Error("POINTS column never reflects the background assignment")
	}
}

func TestFitConfigValidation(t *testing.T) {
	okData := [][]float64{{0}, {1}}
	tests := []struct {
		name string
		g    *GMM
		data [][]float64
		mod  func(*FitConfig)
	}{
		{name: "no data", g: gauss1D([3]float64{1, 0, 1}), data: nil, mod: func(*FitConfig) {}},
		{name: "dimension mismatch", g: NewGMM(1, 2), data: okData, mod: func(*FitConfig) {}},
		{name: "negative tolerance", g: gauss1D([3]float64{1, 0, 1}), data: okData,
			mod: func(c *FitConfig) { c.Tol = -1 }},
		{name: "negative floor", g: gauss1D([3]float64{1, 0, 1}), data: okData,
			mod: func(c *FitConfig) { c.W = -0.5 }},
		{name: "negative oversampling", g: gauss1D([3]float64{1, 0, 1}), data: okData,
			mod: func(c *FitConfig) { c.Oversampling = -2 }},
		{name: "per-point covar count mismatch", g: gauss1D([3]float64{1, 0, 1}), data: okData,
			mod: func(c *FitConfig) {
				c.Covar = PointCovar([]*mat.SymDense{isoCovar(1, 0.5)})
			}},
		{name: "selection with noise but no covar fn", g: gauss1D([3]float64{1, 0, 1}), data: okData,
			mod: func(c *FitConfig) {
				c.Covar = SharedCovar(isoCovar(1, 1))
				c.Select = func(pts [][]float64) []bool { return make([]bool, len(pts)) }
			}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultFitConfig()
			tc.mod(&cfg)
			if _, err := Fit(tc.g, tc.data, cfg); err == nil {
				t.Error("expected a config error")
			}
		})
	}
}

func TestShiftTolerance(t *testing.T) {
	cutoffND, shift := shiftTolerance(2, 3)
	if math.Abs(cutoffND-chi2Cutoff(2, 3)) > 1e-12 {
		t.Errorf("cutoffND = %v, expected %v", cutoffND, chi2Cutoff(2, 3))
	}
	// cutoff/2 exceeds 0.25, so the shift threshold caps at 0.25 sigma
	if math.Abs(shift-chi2Cutoff(2, 0.25)) > 1e-12 {
		t.Errorf("shift = %v, expected %v", shift, chi2Cutoff(2, 0.25))
	}

	_, shift = shiftTolerance(2, 0.3)
	if math.Abs(shift-chi2Cutoff(2, 0.15)) > 1e-12 {
		t.Errorf("shift = %v, expected %v", shift, chi2Cutoff(2, 0.15))
	}

	cutoffND, shift = shiftTolerance(2, 0)
	if cutoffND != 0 {
		t.Errorf("cutoffND = %v, expected 0 without truncation", cutoffND)
	}
	if math.Abs(shift-chi2Cutoff(2, 0.25)) > 1e-12 {
		t.Errorf("shift = %v, expected %v", shift, chi2Cutoff(2, 0.25))
	}
}
