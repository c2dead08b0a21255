package utils

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// Identity matrix.
func Eye(n int) blas64.General {
	out := blas64.General{
		Rows:   n,
		Cols:   n,
		Stride: n,
		Data:   make([]float64, n*n),
	}
	for i := 0; i < n; i++ {
		out.Data[i*n+i] = 1.0
	}
	return out
}

// NewSym returns a fresh n×n upper-stored symmetric matrix.
func NewSym(n int) blas64.Symmetric {
	return blas64.Symmetric{
		N:      n,
		Stride: n,
		Data:   make([]float64, n*n),
		Uplo:   blas.Upper,
	}
}

// TriuLen returns the number of elements in the upper triangle of a
// d×d matrix, diagonal included, i.e. d(d+1)/2.
func TriuLen(d int) int {
	if d%2 == 0 {
		return (d / 2) * (d + 1)
	}
	return ((d + 1) / 2) * d
}

// PackTriu flattens the upper triangle of a (diagonal included) into
// dst in row-major order. dst must have TriuLen(a.N) elements; if nil,
// a new slice is allocated.
func PackTriu(a blas64.Symmetric, dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, TriuLen(a.N))
	}
	idx := 0
	for i := 0; i < a.N; i++ {
		for j := i; j < a.N; j++ {
			dst[idx] = a.Data[i*a.Stride+j]
			idx++
		}
	}
	return dst
}

// UnpackTriu expands a packed upper triangle back into the symmetric
// matrix a, filling both triangles.
func UnpackTriu(src []float64, a blas64.Symmetric) {
	idx := 0
	for i := 0; i < a.N; i++ {
		for j := i; j < a.N; j++ {
			a.Data[i*a.Stride+j] = src[idx]
			idx++
		}
	}
	MirrorUpper(a)
}

// MirrorUpper copies the upper triangle of a into the lower triangle,
// so that the raw data holds the full symmetric matrix. LAPACK
// routines on Uplo == Upper values leave the lower triangle stale.
func MirrorUpper(a blas64.Symmetric) {
	for i := 1; i < a.N; i++ {
		for j := 0; j < i; j++ {
			a.Data[i*a.Stride+j] = a.Data[j*a.Stride+i]
		}
	}
}
