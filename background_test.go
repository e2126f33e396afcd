package gmmis

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"
)

func TestBackgroundDensity(t *testing.T) {
	bg := NewBackground([]float64{-2, 0}, []float64{2, 1})
	if d := bg.Density(); math.Abs(d-0.25) > 1e-15 {
		t.Errorf("density = %v, expected 0.25", d)
	}
}

func TestBackgroundDraw(t *testing.T) {
	bg := NewBackground([]float64{-1, 3}, []float64{1, 5})
	rng := rand.New(rand.NewSource(1))
	pts := bg.Draw(200, rng)
	if len(pts) != 200 {
		t.Fatalf("drew %d points, expected 200", len(pts))
	}
	for _, p := range pts {
		for d := range p {
			if p[d] < bg.Lower[d] || p[d] > bg.Upper[d] {
				t.Fatalf("point %v outside footprint", p)
			}
		}
	}
}

func TestNewBackgroundDefaults(t *testing.T) {
	bg := NewBackground([]float64{0}, []float64{1})
	if !bg.AdjustAmp {
		t.Error("amplitude adjustment should default to on")
	}
	if bg.AmpMax != 1 {
		t.Errorf("AmpMax = %v, expected 1", bg.AmpMax)
	}
}

func TestFitWithBackground(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	data := make([][]float64, 0, 2000)
	for i := 0; i < 1600; i++ {
		data = append(data, []float64{rng.NormFloat64(), rng.NormFloat64()})
	}
	footprint := NewBackground([]float64{-8, -8}, []float64{8, 8})
	data = append(data, footprint.Draw(400, rng)...)

	g := NewGMM(1, 2)
	g.SetComponent(0, 1, []float64{0, 0}, isoCovar(2, 1))

	bg := NewBackground([]float64{-8, -8}, []float64{8, 8})
	bg.Amp = 0.3

	cfg := DefaultFitConfig()
	cfg.Background = bg
	cfg.Cutoff = 3 // ignored: a background fit evaluates every point
	cfg.Seed = 23
	res, err := Fit(g, data, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.IsNaN(res.LogL) || math.IsInf(res.LogL, 0) {
		t.Fatalf("LogL = %v", res.LogL)
	}

	if bg.Amp < 0.12 || bg.Amp > 0.28 {
		t.Errorf("background amplitude = %v, expected about 0.2", bg.Amp)
	}
	for c := 0; c < 2; c++ {
		if math.Abs(g.Mean[0][c]) > 0.15 {
			t.Errorf("mean[%d] = %v, expected about 0", c, g.Mean[0][c])
		}
		if v := g.Covar[0].At(c, c); v < 0.6 || v > 1.5 {
			t.Errorf("covar[%d,%d] = %v, expected about 1", c, c, v)
		}
	}
	if off := g.Covar[0].At(0, 1); math.Abs(off) > 0.3 {
		t.Errorf("covar[0,1] = %v, expected about 0", off)
	}
}

func TestBackgroundAmpCapped(t *testing.T) {
	g := gauss1D([3]float64{1, 0, 1})
	data := [][]float64{{-4}, {-2}, {2}, {4}}
	s := newEMState(1, len(data))
	rng := rand.New(rand.NewSource(3))

	bg := NewBackground([]float64{-5}, []float64{5})
	bg.Amp = 0.9
	bg.AmpMax = 0.5

	if _, err := eStep(g, s, data, nil, bg, 0, 1, rng, nopLog, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, err := mStep(g, s, data, bg, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	update(g, m, nil, len(data), 0, 0, nil, bg)
	if bg.Amp > 0.5 {
		t.Errorf("background amplitude = %v, expected capped at 0.5", bg.Amp)
	}
}

func TestBackgroundFixedAmp(t *testing.T) {
	g := gauss1D([3]float64{1, 0, 1})
	data := [][]float64{{-1}, {0}, {1}}
	s := newEMState(1, len(data))
	rng := rand.New(rand.NewSource(3))

	bg := NewBackground([]float64{-5}, []float64{5})
	bg.Amp = 0.25
	bg.AdjustAmp = false

	if _, err := eStep(g, s, data, nil, bg, 0, 1, rng, nopLog, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, err := mStep(g, s, data, bg, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	update(g, m, nil, len(data), 0, 0, nil, bg)
	if bg.Amp != 0.25 {
		t.Errorf("background amplitude = %v, expected to stay 0.25", bg.Amp)
	}
}
