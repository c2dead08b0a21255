// Package site holds the per-site state of a distributed EP
// approximation. Each site owns its contribution to the global
// posterior in natural form and refines it by sampling its tilted
// distribution and matching moments, with damping.
package site

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas/blas64"

	"github.com/yincheng/ep-stan/cv"
	"github.com/yincheng/ep-stan/gauss"
	"github.com/yincheng/ep-stan/sampler"
	"github.com/yincheng/ep-stan/utils"
)

var ErrBadDamping = errors.New("site: damping must be in (0, 1]")

// Site is one site's contribution (q, r) to the global approximation.
// Orchestration across sites and convergence policy belong to the
// caller.
type Site struct {
	dim     int
	sampler sampler.Sampler
	nDraws  int
	opts    *cv.Options

	q blas64.Symmetric
	r []float64
}

// New returns a site with a zero contribution. opts configures the
// control-variate moment estimation; nil uses the defaults.
func New(dim int, s sampler.Sampler, nDraws int, opts *cv.Options) *Site {
	return &Site{
		dim:     dim,
		sampler: s,
		nDraws:  nDraws,
		opts:    opts,
		q:       utils.NewSym(dim),
		r:       make([]float64, dim),
	}
}

// NaturalParams returns the site's current contribution. The returned
// buffers are owned by the site.
func (s *Site) NaturalParams() (blas64.Symmetric, []float64) {
	return s.q, s.r
}

// Cavity subtracts the site contribution from the global natural
// parameters, yielding the cavity distribution the tilted update is
// relative to.
func (s *Site) Cavity(qGlobal blas64.Symmetric, rGlobal []float64) (blas64.Symmetric, []float64) {
	qCav := utils.NewSym(s.dim)
	for i := 0; i < s.dim; i++ {
		for j := i; j < s.dim; j++ {
			qCav.Data[i*s.dim+j] = qGlobal.Data[i*qGlobal.Stride+j] - s.q.Data[i*s.q.Stride+j]
		}
	}
	utils.MirrorUpper(qCav)
	rCav := make([]float64, s.dim)
	for j := 0; j < s.dim; j++ {
		rCav[j] = rGlobal[j] - s.r[j]
	}
	return qCav, rCav
}

// Update runs one damped EP update: sample the tilted distribution
// seen through the cavity, estimate its moments, convert back to
// natural form and move the site contribution toward the difference
// between the tilted and the cavity parameters:
//
//	new = (1-damping)·old + damping·(tilted - cavity)
//
// Returns the largest absolute parameter change, for the caller's
// convergence bookkeeping.
func (s *Site) Update(qCav blas64.Symmetric, rCav []float64, damping float64) (float64, error) {
	if damping <= 0 || damping > 1 {
		return 0, fmt.Errorf("%w: got %v", ErrBadDamping, damping)
	}
	samp, logp, err := s.sampler.Sample(qCav, rCav, s.nDraws)
	if err != nil {
		return 0, fmt.Errorf("site: sampling tilted distribution: %w", err)
	}
	res, err := cv.Moments(samp, logp, qCav, rCav, s.opts)
	if err != nil {
		return 0, fmt.Errorf("site: estimating tilted moments: %w", err)
	}
	qTilted, rTilted, err := gauss.InvertParams(res.S, res.M, gauss.InvertOpts{})
	if err != nil {
		return 0, fmt.Errorf("site: tilted moments to natural form: %w", err)
	}

	diff := 0.0
	for i := 0; i < s.dim; i++ {
		for j := i; j < s.dim; j++ {
			target := qTilted.Data[i*qTilted.Stride+j] - qCav.Data[i*qCav.Stride+j]
			next := (1-damping)*s.q.Data[i*s.dim+j] + damping*target
			diff = math.Max(diff, math.Abs(next-s.q.Data[i*s.dim+j]))
			s.q.Data[i*s.dim+j] = next
		}
	}
	utils.MirrorUpper(s.q)
	for j := 0; j < s.dim; j++ {
		target := rTilted[j] - rCav[j]
		next := (1-damping)*s.r[j] + damping*target
		diff = math.Max(diff, math.Abs(next-s.r[j]))
		s.r[j] = next
	}
	return diff, nil
}
