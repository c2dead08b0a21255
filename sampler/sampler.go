// Package sampler defines the sampling collaborator consumed by the
// EP moment-estimation core, and a Gaussian reference implementation.
package sampler

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/yincheng/ep-stan/gauss"
)

// Sampler draws from the tilted distribution described by the given
// natural parameters and reports the log-density at each draw. The
// core treats implementations as opaque; an external MCMC backend
// satisfies the same contract.
type Sampler interface {
	Sample(q blas64.Symmetric, r []float64, n int) (samp blas64.General, logp []float64, err error)
}

// Gaussian samples from exactly the normal distribution the natural
// parameters describe. It stands in for an external backend in tests
// and realizes the case where every importance ratio equals one.
type Gaussian struct {
	// Src seeds the draws; nil uses the global source.
	Src rand.Source
}

var _ Sampler = (*Gaussian)(nil)

func (g *Gaussian) Sample(q blas64.Symmetric, r []float64, n int) (blas64.General, []float64, error) {
	d := q.N
	s, m, err := gauss.InvertParams(q, r, gauss.InvertOpts{})
	if err != nil {
		return blas64.General{}, nil, fmt.Errorf("sampler: tilted parameters: %w", err)
	}
	dist, ok := distmv.NewNormal(m, mat.NewSymDense(d, s.Data), g.Src)
	if !ok {
		return blas64.General{}, nil, fmt.Errorf("sampler: tilted covariance: %w", gauss.ErrNotPosDef)
	}
	samp := blas64.General{Rows: n, Cols: d, Stride: d, Data: make([]float64, n*d)}
	logp := make([]float64, n)
	for i := 0; i < n; i++ {
		x := dist.Rand(samp.Data[i*d : i*d+d])
		logp[i] = dist.LogProb(x)
	}
	return samp, logp, nil
}
