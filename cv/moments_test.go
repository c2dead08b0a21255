package cv_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/yincheng/ep-stan/cv"
	"github.com/yincheng/ep-stan/gauss"
	"github.com/yincheng/ep-stan/sampler"
	"github.com/yincheng/ep-stan/utils"
)

// identityRef returns the natural parameters of N(m, I).
func identityRef(m []float64) (blas64.Symmetric, []float64) {
	d := len(m)
	q := utils.NewSym(d)
	for i := 0; i < d; i++ {
		q.Data[i*d+i] = 1.0
	}
	r := append([]float64(nil), m...)
	return q, r
}

// stdNormLogProb is the log-density of N(m, I) at x.
func stdNormLogProb(x, m []float64) float64 {
	lp := -0.5 * float64(len(m)) * math.Log(2*math.Pi)
	for j := range m {
		dev := x[j] - m[j]
		lp -= 0.5 * dev * dev
	}
	return lp
}

// drawFrom fills an n×d sample matrix from N(m, I) with exact
// log-densities, so every importance ratio equals one.
func drawFrom(m []float64, n int, rng *rand.Rand) (blas64.General, []float64) {
	d := len(m)
	samp := blas64.General{Rows: n, Cols: d, Stride: d, Data: make([]float64, n*d)}
	logp := make([]float64, n)
	for i := 0; i < n; i++ {
		row := samp.Data[i*d : i*d+d]
		for j := 0; j < d; j++ {
			row[j] = m[j] + rng.NormFloat64()
		}
		logp[i] = stdNormLogProb(row, m)
	}
	return samp, logp
}

func TestShapes(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 4))
	for _, d := range []int{3, 4} {
		m := make([]float64, d)
		q, r := identityRef(m)
		samp, logp := drawFrom(m, 40, rng)
		res, err := cv.Moments(samp, logp, q, r, &cv.Options{ReturnA: true})
		require.NoError(t, err)
		require.Equal(t, d, res.S.N)
		require.Len(t, res.M, d)
		d2 := utils.TriuLen(d)
		require.Equal(t, d, res.AM.Mat.Rows)
		require.Equal(t, d2, res.AS.Mat.Rows)
		require.Equal(t, d2, res.AS.Mat.Cols)
	}
}

func TestDegenerateWeightsFallback(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	d, n := 3, 25
	m := []float64{1, -2, 0.5}
	q, r := identityRef(m)
	samp, _ := drawFrom(m, n, rng)
	// Log-densities far above the tilted density drive every
	// importance ratio to zero.
	logp := make([]float64, n)
	for i := range logp {
		logp[i] = 1000.0
	}

	res, err := cv.Moments(samp, logp, q, r, &cv.Options{ReturnA: true})
	require.NoError(t, err)

	// Plain sample mean.
	wantM := make([]float64, d)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			wantM[j] += samp.Data[i*d+j]
		}
	}
	for j := 0; j < d; j++ {
		wantM[j] /= float64(n)
		require.InDelta(t, wantM[j], res.M[j], 1e-12)
	}
	// Biased (n-divisor) sample covariance.
	for p := 0; p < d; p++ {
		for s := 0; s < d; s++ {
			want := 0.0
			for i := 0; i < n; i++ {
				want += (samp.Data[i*d+p] - wantM[p]) * (samp.Data[i*d+s] - wantM[s])
			}
			want /= float64(n)
			require.InDelta(t, want, res.S.Data[p*res.S.Stride+s], 1e-12)
		}
	}
	// Coefficients must be reported as zero.
	for _, v := range res.AM.Mat.Data {
		require.Zero(t, v)
	}
	for _, v := range res.AS.Mat.Data {
		require.Zero(t, v)
	}
}

func TestClamping(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 10))
	n := 60
	m := []float64{0.3, -0.7}
	q, r := identityRef(m)
	samp, logp := drawFrom(m, n, rng)

	const maxA = 0.01
	for _, single := range []bool{false, true} {
		res, err := cv.Moments(samp, logp, q, r, &cv.Options{
			SingleCV: single,
			MaxA:     maxA,
			ReturnA:  true,
		})
		require.NoError(t, err)
		for _, c := range []cv.Coeff{res.AM, res.AS} {
			for _, v := range c.Diag {
				require.LessOrEqual(t, math.Abs(v), maxA)
			}
			for _, v := range c.Mat.Data {
				require.LessOrEqual(t, math.Abs(v), maxA)
			}
		}
	}
}

// With samples drawn exactly from the control-variate distribution the
// importance ratios are identically one and the corrected estimates
// collapse onto the reference moments far more tightly than the plain
// Monte-Carlo estimates do.
func TestExactSamplesVarianceReduction(t *testing.T) {
	d, n, trials := 2, 100, 100
	m := []float64{1.0, -0.5}
	q, r := identityRef(m)

	var cvErr, mcErr float64
	for trial := 0; trial < trials; trial++ {
		rng := rand.New(rand.NewPCG(42, uint64(trial)))
		samp, logp := drawFrom(m, n, rng)
		res, err := cv.Moments(samp, logp, q, r, nil)
		require.NoError(t, err)
		for j := 0; j < d; j++ {
			mc := 0.0
			for i := 0; i < n; i++ {
				mc += samp.Data[i*d+j]
			}
			mc /= float64(n)
			cvErr += (res.M[j] - m[j]) * (res.M[j] - m[j])
			mcErr += (mc - m[j]) * (mc - m[j])
		}
	}
	require.Less(t, cvErr, mcErr)
	// The reduction should be dramatic, not marginal.
	require.Less(t, cvErr, mcErr/10)
}

func TestSingleCVZeroVarianceGuard(t *testing.T) {
	rng := rand.New(rand.NewPCG(21, 22))
	d, n := 2, 30
	c := 1.5
	m := []float64{0, c}
	q, r := identityRef(m)
	samp := blas64.General{Rows: n, Cols: d, Stride: d, Data: make([]float64, n*d)}
	logp := make([]float64, n)
	for i := 0; i < n; i++ {
		samp.Data[i*d] = rng.NormFloat64()
		samp.Data[i*d+1] = c // constant, so its control statistic has zero variance
		logp[i] = stdNormLogProb(samp.Data[i*d:i*d+d], m)
	}

	res, err := cv.Moments(samp, logp, q, r, &cv.Options{SingleCV: true, ReturnA: true})
	require.NoError(t, err)
	require.Zero(t, res.AM.Diag[1])
	require.InDelta(t, c, res.M[1], 1e-12)
}

func TestSingularSystem(t *testing.T) {
	rng := rand.New(rand.NewPCG(31, 32))
	d, n := 2, 20
	m := []float64{0, 0}
	q, r := identityRef(m)
	samp := blas64.General{Rows: n, Cols: d, Stride: d, Data: make([]float64, n*d)}
	logp := make([]float64, n)
	for i := 0; i < n; i++ {
		// Duplicated dimensions make the cross-covariance singular.
		v := rng.NormFloat64()
		samp.Data[i*d] = v
		samp.Data[i*d+1] = v
		logp[i] = stdNormLogProb(samp.Data[i*d:i*d+d], m)
	}
	_, err := cv.Moments(samp, logp, q, r, nil)
	require.ErrorIs(t, err, cv.ErrSingular)
}

func TestSuppliedMomentsMatchDerived(t *testing.T) {
	rng := rand.New(rand.NewPCG(51, 52))
	d, n := 3, 50
	m := []float64{0.2, -0.1, 0.4}
	q, r := identityRef(m)
	samp, logp := drawFrom(m, n, rng)

	derived, err := cv.Moments(samp, logp, q, r, nil)
	require.NoError(t, err)

	u, err := gauss.CholFactor(q)
	require.NoError(t, err)
	sTilde, mTilde, err := gauss.InvertParams(
		blas64.Symmetric{N: u.N, Stride: u.Stride, Data: u.Data, Uplo: q.Uplo},
		r, gauss.InvertOpts{CholForm: true})
	require.NoError(t, err)
	hld := gauss.HalfLogDet(u)

	supplied, err := cv.Moments(samp, logp, q, r, &cv.Options{
		STilde:      &sTilde,
		MTilde:      mTilde,
		HalfLogDetQ: &hld,
	})
	require.NoError(t, err)

	for j := 0; j < d; j++ {
		require.InDelta(t, derived.M[j], supplied.M[j], 1e-12)
	}
	for i := 0; i < d*d; i++ {
		require.InDelta(t, derived.S.Data[i], supplied.S.Data[i], 1e-12)
	}
}

func TestNotPosDefReference(t *testing.T) {
	bad := utils.NewSym(2)
	copy(bad.Data, []float64{1, 2, 2, 1})
	samp := blas64.General{Rows: 3, Cols: 2, Stride: 2, Data: make([]float64, 6)}
	_, err := cv.Moments(samp, make([]float64, 3), bad, []float64{0, 0}, nil)
	require.ErrorIs(t, err, gauss.ErrNotPosDef)
}

func TestTooFewSamples(t *testing.T) {
	q, r := identityRef([]float64{0})
	samp := blas64.General{Rows: 1, Cols: 1, Stride: 1, Data: []float64{0.5}}
	_, err := cv.Moments(samp, []float64{0}, q, r, nil)
	require.ErrorIs(t, err, cv.ErrBadShape)
}

// The estimator also accepts samples produced by the sampler package,
// which realizes the same pr ≡ 1 setting through distmv.
func TestWithGaussianSampler(t *testing.T) {
	d := 2
	rng := rand.New(rand.NewPCG(61, 62))
	m := []float64{2.0, -1.0}
	q, r := identityRef(m)
	g := sampler.Gaussian{Src: rng}
	samp, logp, err := g.Sample(q, r, 500)
	require.NoError(t, err)
	res, err := cv.Moments(samp, logp, q, r, nil)
	require.NoError(t, err)
	for j := 0; j < d; j++ {
		require.InDelta(t, m[j], res.M[j], 0.05)
	}
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			require.InDelta(t, want, res.S.Data[i*res.S.Stride+j], 0.1)
		}
	}
}
