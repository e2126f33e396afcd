package gmmis

import (
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"gonum.org/v1/gonum/mat"
)

// modelFile is the on-disk form of a GMM: the three parameter arrays plus
// arbitrary caller-supplied auxiliary arrays. Gob preserves float64 bits
// exactly, so a round-trip reproduces the parameters bit for bit.
type modelFile struct {
	Amp   []float64
	Mean  [][]float64
	Covar [][]float64 // row-major D*D per component
	Aux   map[string][]float64
}

// Save writes the model parameters and optional auxiliary data as
// gzipped gob.
func (g *GMM) Save(w io.Writer, aux map[string][]float64) error {
	d := g.D()
	mf := modelFile{
		Amp:   g.Amp,
		Mean:  g.Mean,
		Covar: make([][]float64, g.K()),
		Aux:   aux,
	}
	for k := range mf.Covar {
		row := make([]float64, d*d)
		for i := 0; i < d; i++ {
			for j := 0; j < d; j++ {
				row[i*d+j] = g.Covar[k].At(i, j)
			}
		}
		mf.Covar[k] = row
	}

	zw := gzip.NewWriter(w)
	if err := gob.NewEncoder(zw).Encode(&mf); err != nil {
		return fmt.Errorf("gmmis: encoding model: %w", err)
	}
	return zw.Close()
}

// SaveFile saves the model to path. See Save.
func (g *GMM) SaveFile(path string, aux map[string][]float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := g.Save(f, aux); err != nil {
		return err
	}
	return f.Close()
}

// Load reads a model written by Save. Auxiliary data is ignored; exactly
// the amplitude, mean, and covariance arrays are restored.
func Load(r io.Reader) (*GMM, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("gmmis: reading model: %w", err)
	}
	defer zr.Close()

	var mf modelFile
	if err := gob.NewDecoder(zr).Decode(&mf); err != nil {
		return nil, fmt.Errorf("gmmis: decoding model: %w", err)
	}

	k := len(mf.Amp)
	d := 0
	if k > 0 {
		d = len(mf.Mean[0])
	}
	g := NewGMM(k, d)
	copy(g.Amp, mf.Amp)
	for j := 0; j < k; j++ {
		copy(g.Mean[j], mf.Mean[j])
		g.Covar[j] = mat.NewSymDense(d, nil)
		for r := 0; r < d; r++ {
			for c := r; c < d; c++ {
				g.Covar[j].SetSym(r, c, mf.Covar[j][r*d+c])
			}
		}
	}
	return g, nil
}

// LoadFile loads a model from path. See Load.
func LoadFile(path string) (*GMM, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}
