package gmmis

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"
)

func TestCVFitArgumentChecks(t *testing.T) {
	g := gauss1D([3]float64{1, 0, 1})
	data := [][]float64{{0}, {1}, {2}, {3}}

	if _, err := CVFit(g, data, 1, DefaultFitConfig()); err == nil {
		t.Error("expected an error for folds < 2")
	}

	cfg := DefaultFitConfig()
	cfg.Init = RandomInit(1)
	if _, err := CVFit(g, data, 2, cfg); err == nil {
		t.Error("expected an error for a data-dependent Init")
	}

	cfg = DefaultFitConfig()
	cfg.RNG = rand.New(rand.NewSource(1))
	if _, err := CVFit(g, data, 2, cfg); err == nil {
		t.Error("expected an error for an explicit RNG")
	}
}

func TestCVFitRestoresModel(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	data := normData1D(rng, 90, 0, 1)

	g := gauss1D([3]float64{1, 0.3, 2})
	cfg := DefaultFitConfig()
	cfg.Seed = 5
	lcv, err := CVFit(g, data, 3, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lcv) != len(data) {
		t.Fatalf("got %d held-out scores, expected %d", len(lcv), len(data))
	}
	for i, l := range lcv {
		if math.IsNaN(l) || math.IsInf(l, 0) || l == 0 {
			t.Errorf("held-out score %d = %v", i, l)
		}
	}

	if g.Amp[0] != 1 || g.Mean[0][0] != 0.3 || g.Covar[0].At(0, 0) != 2 {
		t.Error("model not restored to its input parameters")
	}
}

func TestStackWeights(t *testing.T) {
	a := gauss1D([3]float64{1, -2, 1})
	b := gauss1D([3]float64{1, 2, 4})
	out := Stack([]*GMM{a, b}, []float64{0.25, 0.75})

	if out.K() != 2 {
		t.Fatalf("stacked K = %d, expected 2", out.K())
	}
	if math.Abs(out.Amp[0]-0.25) > 1e-12 || math.Abs(out.Amp[1]-0.75) > 1e-12 {
		t.Errorf("stacked amplitudes = %v, expected [0.25 0.75]", out.Amp)
	}
	if out.Mean[0][0] != -2 || out.Mean[1][0] != 2 {
		t.Error("stacked means differ from the inputs")
	}
	if out.Covar[1].At(0, 0) != 4 {
		t.Error("stacked covariance differs from the input")
	}
}

func TestStackFit(t *testing.T) {
	rng := rand.New(rand.NewSource(40))
	data := normData1D(rng, 120, 0, 1)

	gmms := []*GMM{
		gauss1D([3]float64{1, -0.5, 2}),
		gauss1D([3]float64{1, 0.5, 2}),
	}
	cfgs := []FitConfig{DefaultFitConfig(), DefaultFitConfig()}
	cfgs[0].Seed = 40
	cfgs[1].Seed = 41

	out, err := StackFit(gmms, data, cfgs, 2, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.K() != 2 {
		t.Fatalf("stacked K = %d, expected 2", out.K())
	}
	sum := 0.0
	for _, a := range out.Amp {
		if a < 0 {
			t.Errorf("negative stacked amplitude %v", a)
		}
		sum += a
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("stacked amplitudes sum to %v, expected 1", sum)
	}
}
