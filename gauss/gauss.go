// Package gauss converts between the two standard parameterizations of
// a multivariate normal distribution: the moment parameters (S, m),
// covariance and mean, and the natural parameters (Q, r), precision and
// precision-weighted mean. The two forms are mutually inverse, so a
// single Cholesky-based routine serves both directions.
package gauss

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/lapack/lapack64"

	"github.com/yincheng/ep-stan/utils"
)

var ErrNotPosDef = errors.New("gauss: matrix not positive definite")
var ErrBadLayout = errors.New("gauss: incompatible matrix layout")

// Placement selects where a routine writes one of its results.
type Placement int

const (
	// NewBuffer allocates a fresh buffer for the result.
	NewBuffer Placement = iota
	// InPlace overwrites the input buffer with the result.
	InPlace
	// Provided writes the result into a caller-supplied buffer.
	Provided
)

// InvertOpts controls output placement and input interpretation for
// InvertParams. The zero value allocates new buffers for both outputs
// and treats the input matrix as a full symmetric matrix.
type InvertOpts struct {
	AOut Placement
	BOut Placement

	// ABuf and BBuf receive the outputs when the corresponding
	// placement is Provided. They are overwritten.
	ABuf blas64.Symmetric
	BBuf []float64

	// CholForm indicates that a already holds the upper Cholesky
	// factor of the true S or Q, skipping factorization.
	CholForm bool
}

// InvertParams switches between the moment parameters (S, m) and the
// natural parameters (Q, r) of a multivariate normal. Providing (S, m)
// yields (Q, r) and vice versa. b may be nil, in which case only the
// matrix is converted and the returned vector is nil.
//
// With InPlace or Provided placements the corresponding buffer is
// overwritten; the caller must own it exclusively for the duration of
// the call. The returned matrix has both triangles populated.
//
// Returns ErrNotPosDef if a fails Cholesky factorization and
// ErrBadLayout if an input or output buffer is inconsistently shaped.
func InvertParams(a blas64.Symmetric, b []float64, opts InvertOpts) (blas64.Symmetric, []float64, error) {
	if err := checkSym(a); err != nil {
		return blas64.Symmetric{}, nil, err
	}
	if b != nil && len(b) != a.N {
		return blas64.Symmetric{}, nil, fmt.Errorf(
			"%w: vector length %d does not match matrix order %d",
			ErrBadLayout, len(b), a.N)
	}

	outA, err := placeSym(a, opts.AOut, opts.ABuf)
	if err != nil {
		return blas64.Symmetric{}, nil, err
	}
	var outB []float64
	if b != nil {
		outB, err = placeVec(b, opts.BOut, opts.BBuf)
		if err != nil {
			return blas64.Symmetric{}, nil, err
		}
	}

	// Upper Cholesky factor, sharing outA's buffer.
	u := blas64.Triangular{
		N:      outA.N,
		Stride: outA.Stride,
		Data:   outA.Data,
		Uplo:   blas.Upper,
		Diag:   blas.NonUnit,
	}
	if !opts.CholForm {
		var ok bool
		u, ok = lapack64.Potrf(outA)
		if !ok {
			return blas64.Symmetric{}, nil, fmt.Errorf(
				"factorizing %d×%d input: %w", a.N, a.N, ErrNotPosDef)
		}
	}

	// Solve A·x = b using the factor, converting m to r or r to m.
	if outB != nil {
		rhs := blas64.General{Rows: a.N, Cols: 1, Stride: 1, Data: outB}
		lapack64.Potrs(u, rhs)
	}

	// Invert through the factor. Potri only fails on a zero diagonal
	// entry, which Potrf already rejects.
	inv, ok := lapack64.Potri(u)
	if !ok {
		return blas64.Symmetric{}, nil, fmt.Errorf(
			"inverting Cholesky factor: %w", ErrNotPosDef)
	}
	// Potri fills the upper triangle only.
	utils.MirrorUpper(inv)
	return inv, outB, nil
}

// CholFactor returns the upper Cholesky factor of a in a fresh buffer.
// Returns ErrNotPosDef if a is not positive definite.
func CholFactor(a blas64.Symmetric) (blas64.Triangular, error) {
	if err := checkSym(a); err != nil {
		return blas64.Triangular{}, err
	}
	c, err := placeSym(a, NewBuffer, blas64.Symmetric{})
	if err != nil {
		return blas64.Triangular{}, err
	}
	u, ok := lapack64.Potrf(c)
	if !ok {
		return blas64.Triangular{}, fmt.Errorf(
			"factorizing %d×%d input: %w", a.N, a.N, ErrNotPosDef)
	}
	return u, nil
}

// HalfLogDet returns half of the log-determinant of the matrix whose
// upper Cholesky factor is u, i.e. the sum of the logarithms of the
// diagonal of u.
func HalfLogDet(u blas64.Triangular) float64 {
	ldet := 0.0
	for i := 0; i < u.N; i++ {
		ldet += math.Log(u.Data[i*u.Stride+i])
	}
	return ldet
}

// checkSym rejects inconsistent buffers before any computation runs.
func checkSym(a blas64.Symmetric) error {
	switch {
	case a.N < 1:
		return fmt.Errorf("%w: empty matrix", ErrBadLayout)
	case a.Uplo != blas.Upper:
		return fmt.Errorf("%w: matrix must be stored in the upper triangle", ErrBadLayout)
	case a.Stride < a.N:
		return fmt.Errorf("%w: stride %d smaller than order %d", ErrBadLayout, a.Stride, a.N)
	case len(a.Data) < (a.N-1)*a.Stride+a.N:
		return fmt.Errorf("%w: data length %d too short for order %d stride %d",
			ErrBadLayout, len(a.Data), a.N, a.Stride)
	}
	return nil
}

func placeSym(a blas64.Symmetric, p Placement, buf blas64.Symmetric) (blas64.Symmetric, error) {
	switch p {
	case InPlace:
		return a, nil
	case Provided:
		if err := checkSym(buf); err != nil {
			return blas64.Symmetric{}, err
		}
		if buf.N != a.N {
			return blas64.Symmetric{}, fmt.Errorf(
				"%w: output order %d does not match input order %d",
				ErrBadLayout, buf.N, a.N)
		}
		copySym(buf, a)
		return buf, nil
	default:
		out := utils.NewSym(a.N)
		copySym(out, a)
		return out, nil
	}
}

func placeVec(b []float64, p Placement, buf []float64) ([]float64, error) {
	switch p {
	case InPlace:
		return b, nil
	case Provided:
		if len(buf) != len(b) {
			return nil, fmt.Errorf(
				"%w: output length %d does not match input length %d",
				ErrBadLayout, len(buf), len(b))
		}
		copy(buf, b)
		return buf, nil
	default:
		out := make([]float64, len(b))
		copy(out, b)
		return out, nil
	}
}

func copySym(dst, src blas64.Symmetric) {
	for i := 0; i < src.N; i++ {
		copy(dst.Data[i*dst.Stride:i*dst.Stride+src.N],
			src.Data[i*src.Stride:i*src.Stride+src.N])
	}
}
