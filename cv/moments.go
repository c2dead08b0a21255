// Package cv estimates the mean and covariance of a tilted
// distribution from weighted samples, using a tractable normal
// distribution as a control variate to reduce Monte-Carlo variance.
package cv

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/lapack/lapack64"

	"github.com/yincheng/ep-stan/gauss"
	"github.com/yincheng/ep-stan/utils"
)

var ErrSingular = errors.New("cv: singular control-variate system")
var ErrBadShape = errors.New("cv: mismatched sample dimensions")

var log2Pi = math.Log(2 * math.Pi)

// Options controls the control-variate regression. The zero value uses
// multiple-CV mode with no shrinkage and no clamping, deriving the
// moment parameters of the control-variate distribution internally.
type Options struct {
	// STilde and MTilde optionally supply the precomputed moment
	// parameters of the control-variate distribution, avoiding an
	// internal inversion. Both must be set to take effect.
	STilde *blas64.Symmetric
	MTilde []float64

	// HalfLogDetQ optionally supplies half of the log-determinant of
	// the precision matrix, i.e. the sum of the logarithms of the
	// diagonal of its Cholesky factor.
	HalfLogDetQ *float64

	// SingleCV regresses each target dimension only on its own
	// matching control dimension. The default lets every control
	// dimension linearly explain every target dimension.
	SingleCV bool

	// RegulateA multiplies each estimated regression coefficient,
	// shrinking it toward zero. Zero or one means no shrinkage.
	RegulateA float64

	// MaxA clamps coefficients elementwise to [-MaxA, MaxA] after
	// shrinkage. Zero means no clamp.
	MaxA float64

	// ReturnA records the estimated coefficients in the result.
	ReturnA bool

	// SHat and MHat optionally provide output buffers for the
	// estimates. They are overwritten.
	SHat *blas64.Symmetric
	MHat []float64
}

// Coeff holds a regression coefficient in one of its two shapes:
// one scalar per dimension in single-CV mode, or a full square matrix
// in multiple-CV mode.
type Coeff struct {
	Diag []float64
	Mat  blas64.General
}

// Result holds the estimated moment parameters, and the regression
// coefficients for the mean (AM) and covariance (AS) when requested.
// S has both triangles populated.
type Result struct {
	S  blas64.Symmetric
	M  []float64
	AM Coeff
	AS Coeff
}

// Moments estimates the mean and covariance of the distribution the
// samples were drawn from. samp holds n draws of dimension d, logp the
// log-density of the target distribution at each draw, and (qTilde,
// rTilde) the natural parameters of the control-variate normal.
//
// If every importance ratio between the control-variate density and
// the target density underflows, the correction is unreliable and the
// plain sample mean and biased sample covariance are returned instead,
// with zero coefficients.
//
// Returns ErrNotPosDef (wrapped) if qTilde fails factorization and
// ErrSingular if the multiple-CV cross-covariance system is singular.
func Moments(samp blas64.General, logp []float64, qTilde blas64.Symmetric, rTilde []float64, opts *Options) (Result, error) {
	if opts == nil {
		opts = &Options{}
	}
	n, d := samp.Rows, samp.Cols
	switch {
	case n < 2:
		return Result{}, fmt.Errorf("%w: need at least 2 samples, got %d", ErrBadShape, n)
	case len(logp) != n:
		return Result{}, fmt.Errorf("%w: %d log-densities for %d samples", ErrBadShape, len(logp), n)
	case qTilde.N != d || len(rTilde) != d:
		return Result{}, fmt.Errorf("%w: %d-dimensional reference for %d-dimensional samples",
			ErrBadShape, qTilde.N, d)
	case opts.MHat != nil && len(opts.MHat) != d:
		return Result{}, fmt.Errorf("%w: mean output buffer has length %d, want %d",
			ErrBadShape, len(opts.MHat), d)
	case opts.SHat != nil && opts.SHat.N != d:
		return Result{}, fmt.Errorf("%w: covariance output buffer has order %d, want %d",
			ErrBadShape, opts.SHat.N, d)
	}

	// Moment parameters of the control-variate distribution, derived
	// through the Cholesky factor of qTilde when not supplied.
	var (
		sTilde     blas64.Symmetric
		mTilde     []float64
		halfLogDet float64
		u          blas64.Triangular
	)
	haveMoment := opts.STilde != nil && opts.MTilde != nil
	if !haveMoment || opts.HalfLogDetQ == nil {
		var err error
		u, err = gauss.CholFactor(qTilde)
		if err != nil {
			return Result{}, fmt.Errorf("cv: tilted precision: %w", err)
		}
	}
	if haveMoment {
		sTilde, mTilde = *opts.STilde, opts.MTilde
	} else {
		uSym := blas64.Symmetric{N: u.N, Stride: u.Stride, Data: u.Data, Uplo: blas.Upper}
		var err error
		sTilde, mTilde, err = gauss.InvertParams(uSym, rTilde, gauss.InvertOpts{CholForm: true})
		if err != nil {
			return Result{}, fmt.Errorf("cv: tilted moments: %w", err)
		}
	}
	if opts.HalfLogDetQ != nil {
		halfLogDet = *opts.HalfLogDetQ
	} else {
		halfLogDet = gauss.HalfLogDet(u)
	}

	// Tilted log-density at each sample:
	//     const - (x - m̃)ᵀ Q̃ (x - m̃) / 2
	konst := halfLogDet - 0.5*float64(d)*log2Pi
	devT := blas64.General{Rows: n, Cols: d, Stride: d, Data: make([]float64, n*d)}
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			devT.Data[i*d+j] = samp.Data[i*samp.Stride+j] - mTilde[j]
		}
	}
	pr := make([]float64, n)
	tmp := blas64.Vector{N: d, Inc: 1, Data: make([]float64, d)}
	degenerate := true
	eps := math.Nextafter(1, 2) - 1
	for i := 0; i < n; i++ {
		row := blas64.Vector{N: d, Inc: 1, Data: devT.Data[i*d : i*d+d]}
		blas64.Symv(1.0, qTilde, row, 0.0, tmp)
		lpTilde := konst - 0.5*blas64.Dot(row, tmp)
		pr[i] = math.Exp(lpTilde - logp[i])
		if pr[i] >= eps {
			degenerate = false
		}
	}
	if degenerate {
		return fallback(samp, opts), nil
	}

	// Mean: target statistic f = samp, control statistic h = pr·samp
	// centered at its known expectation m̃.
	h := blas64.General{Rows: n, Cols: d, Stride: d, Data: make([]float64, n*d)}
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			h.Data[i*d+j] = pr[i]*samp.Data[i*samp.Stride+j] - mTilde[j]
		}
	}
	mHat := opts.MHat
	if mHat == nil {
		mHat = make([]float64, d)
	}
	aM, err := cvEstim(samp, h, 0, opts, mHat)
	if err != nil {
		return Result{}, err
	}

	// Covariance: target statistic is the outer product of each sample
	// centered at the new mean estimate; control statistic is the
	// pr-weighted outer product of each sample centered at m̃, with
	// known expectation S̃. Outer products of symmetric matrices carry
	// redundant entries, so the regression runs on the packed upper
	// triangle.
	d2 := utils.TriuLen(d)
	sPacked := utils.PackTriu(sTilde, nil)
	fS := blas64.General{Rows: n, Cols: d2, Stride: d2, Data: make([]float64, n*d2)}
	hS := blas64.General{Rows: n, Cols: d2, Stride: d2, Data: make([]float64, n*d2)}
	for i := 0; i < n; i++ {
		idx := 0
		for p := 0; p < d; p++ {
			dp := samp.Data[i*samp.Stride+p] - mHat[p]
			tp := devT.Data[i*d+p]
			for q := p; q < d; q++ {
				fS.Data[i*d2+idx] = dp * (samp.Data[i*samp.Stride+q] - mHat[q])
				hS.Data[i*d2+idx] = pr[i]*tp*devT.Data[i*d+q] - sPacked[idx]
				idx++
			}
		}
	}
	packed := make([]float64, d2)
	aS, err := cvEstim(fS, hS, 1, opts, packed)
	if err != nil {
		return Result{}, err
	}
	var sHat blas64.Symmetric
	if opts.SHat != nil {
		sHat = *opts.SHat
	} else {
		sHat = utils.NewSym(d)
	}
	utils.UnpackTriu(packed, sHat)

	res := Result{S: sHat, M: mHat}
	if opts.ReturnA {
		res.AM, res.AS = aM, aS
	}
	return res, nil
}

// cvEstim runs the control-variate regression shared by the mean and
// covariance estimates. f holds the target statistic (n×k) and hc the
// control statistic centered at its known expectation. The corrected
// per-sample statistic f - a·hc is averaged over n - ddof and written
// into out.
func cvEstim(f, hc blas64.General, ddof int, opts *Options, out []float64) (Coeff, error) {
	n, k := f.Rows, f.Cols
	fMean := make([]float64, k)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			fMean[j] += f.Data[i*f.Stride+j]
		}
	}
	for j := 0; j < k; j++ {
		fMean[j] /= float64(n)
	}

	var a Coeff
	norm := float64(n - ddof)
	if opts.SingleCV {
		// Elementwise coefficient: covariance over n-1, variance over
		// n. The asymmetric normalization is kept as a convention.
		a.Diag = make([]float64, k)
		for j := 0; j < k; j++ {
			var varH, covFH float64
			for i := 0; i < n; i++ {
				hij := hc.Data[i*hc.Stride+j]
				varH += hij * hij
				covFH += (f.Data[i*f.Stride+j] - fMean[j]) * hij
			}
			if varH == 0 {
				continue
			}
			a.Diag[j] = shrink(covFH*float64(n)/(varH*float64(n-1)), opts)
		}
		for j := 0; j < k; j++ {
			s := 0.0
			for i := 0; i < n; i++ {
				s += f.Data[i*f.Stride+j] - a.Diag[j]*hc.Data[i*hc.Stride+j]
			}
			out[j] = s / norm
		}
		return a, nil
	}

	// Full matrix regression: solve (hcᵀhc·(n-1))·X = hcᵀfc·n, so that
	// the corrected statistic is f - hc·X. The coefficient reported to
	// the caller is a = Xᵀ.
	fc := blas64.General{Rows: n, Cols: k, Stride: k, Data: make([]float64, n*k)}
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			fc.Data[i*k+j] = f.Data[i*f.Stride+j] - fMean[j]
		}
	}
	m := blas64.General{Rows: k, Cols: k, Stride: k, Data: make([]float64, k*k)}
	x := blas64.General{Rows: k, Cols: k, Stride: k, Data: make([]float64, k*k)}
	blas64.Gemm(blas.Trans, blas.NoTrans, float64(n-1), hc, hc, 0.0, m)
	blas64.Gemm(blas.Trans, blas.NoTrans, float64(n), hc, fc, 0.0, x)
	ipiv := make([]int, k)
	if ok := lapack64.Getrf(m, ipiv); !ok {
		return Coeff{}, fmt.Errorf("cv: regression coefficients: %w", ErrSingular)
	}
	lapack64.Getrs(blas.NoTrans, m, x, ipiv)
	for i := range x.Data {
		x.Data[i] = shrink(x.Data[i], opts)
	}

	corr := blas64.General{Rows: n, Cols: k, Stride: k, Data: make([]float64, n*k)}
	for i := 0; i < n; i++ {
		copy(corr.Data[i*k:i*k+k], f.Data[i*f.Stride:i*f.Stride+k])
	}
	blas64.Gemm(blas.NoTrans, blas.NoTrans, -1.0, hc, x, 1.0, corr)
	for j := 0; j < k; j++ {
		out[j] = 0
	}
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			out[j] += corr.Data[i*k+j]
		}
	}
	for j := 0; j < k; j++ {
		out[j] /= norm
	}

	a.Mat = blas64.General{Rows: k, Cols: k, Stride: k, Data: make([]float64, k*k)}
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			a.Mat.Data[i*k+j] = x.Data[j*k+i]
		}
	}
	return a, nil
}

func shrink(a float64, opts *Options) float64 {
	if opts.RegulateA != 0 {
		a *= opts.RegulateA
	}
	if opts.MaxA != 0 {
		a = math.Min(math.Max(a, -opts.MaxA), opts.MaxA)
	}
	return a
}

// fallback returns the plain empirical mean and the biased, n-divisor
// empirical covariance of the samples. Used when every importance
// ratio underflows and the regression would be meaningless.
func fallback(samp blas64.General, opts *Options) Result {
	n, d := samp.Rows, samp.Cols
	mHat := opts.MHat
	if mHat == nil {
		mHat = make([]float64, d)
	}
	for j := 0; j < d; j++ {
		mHat[j] = 0
	}
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			mHat[j] += samp.Data[i*samp.Stride+j]
		}
	}
	for j := 0; j < d; j++ {
		mHat[j] /= float64(n)
	}

	var sHat blas64.Symmetric
	if opts.SHat != nil {
		sHat = *opts.SHat
		for i := 0; i < d; i++ {
			row := sHat.Data[i*sHat.Stride : i*sHat.Stride+d]
			for j := range row {
				row[j] = 0
			}
		}
	} else {
		sHat = utils.NewSym(d)
	}
	dev := blas64.Vector{N: d, Inc: 1, Data: make([]float64, d)}
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			dev.Data[j] = samp.Data[i*samp.Stride+j] - mHat[j]
		}
		blas64.Syr(1.0/float64(n), dev, sHat)
	}
	utils.MirrorUpper(sHat)

	res := Result{S: sHat, M: mHat}
	if opts.ReturnA {
		d2 := utils.TriuLen(d)
		if opts.SingleCV {
			res.AM = Coeff{Diag: make([]float64, d)}
			res.AS = Coeff{Diag: make([]float64, d2)}
		} else {
			res.AM = Coeff{Mat: blas64.General{Rows: d, Cols: d, Stride: d, Data: make([]float64, d*d)}}
			res.AS = Coeff{Mat: blas64.General{Rows: d2, Cols: d2, Stride: d2, Data: make([]float64, d2*d2)}}
		}
	}
	return res
}
