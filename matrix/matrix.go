// Package matrix holds the numeric helpers shared by the calibration code:
// IEEE-754 wire encoding and small least-squares problems on top of gonum.
package matrix

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrRankDeficient is returned when a design matrix does not have full
// column rank, e.g. when every x value of a fit is identical.
var ErrRankDeficient = errors.New("matrix: rank deficient")

// rankTolerance is the relative singular value below which a column is
// treated as linearly dependent.
const rankTolerance = 1e-10

// Vandermonde builds the len(xs) x (degree+1) matrix whose row i is
// [1, x_i, x_i^2, ... x_i^degree].
func Vandermonde(xs []float64, degree int) *mat.Dense {
	m := mat.NewDense(len(xs), degree+1, nil)
	for i, x := range xs {
		p := 1.0
		for j := 0; j <= degree; j++ {
			m.Set(i, j, p)
			p *= x
		}
	}
	return m
}

// Rank returns the numerical rank of a using its singular values.
func Rank(a mat.Matrix) (int, error) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDNone); !ok {
		return 0, fmt.Errorf("SVD factorization failed")
	}
	values := svd.Values(nil)
	if len(values) == 0 {
		return 0, nil
	}
	rank := 0
	for _, v := range values {
		if v > values[0]*rankTolerance {
			rank++
		}
	}
	return rank, nil
}

// PseudoInverse returns the Moore-Penrose pseudo-inverse of a computed
// through its thin SVD.
func PseudoInverse(a *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, fmt.Errorf("SVD factorization failed")
	}
	values := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	r, c := a.Dims()
	k := len(values)
	sinv := mat.NewDense(k, k, nil)
	for i, s := range values {
		if s > values[0]*rankTolerance {
			sinv.Set(i, i, 1/s)
		}
	}

	var tmp mat.Dense
	tmp.Mul(&v, sinv)
	out := mat.NewDense(c, r, nil)
	out.Mul(&tmp, u.T())
	return out, nil
}

// PolyFit returns the least-squares coefficients [c0, c1, ... c_degree] of
// y = c0 + c1*x + ... + c_degree*x^degree.
func PolyFit(xs, ys []float64, degree int) ([]float64, error) {
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("polyfit: %d x values but %d y values", len(xs), len(ys))
	}
	if degree < 0 {
		return nil, fmt.Errorf("polyfit: invalid degree %d", degree)
	}
	if len(xs) < degree+1 {
		return nil, fmt.Errorf("polyfit: need at least %d points, got %d", degree+1, len(xs))
	}
	for i := range xs {
		if math.IsNaN(xs[i]) || math.IsNaN(ys[i]) || math.IsInf(xs[i], 0) || math.IsInf(ys[i], 0) {
			return nil, fmt.Errorf("polyfit: point %d is not finite", i)
		}
	}

	a := Vandermonde(xs, degree)
	rank, err := Rank(a)
	if err != nil {
		return nil, err
	}
	if rank < degree+1 {
		return nil, ErrRankDeficient
	}

	b := mat.NewVecDense(len(ys), append([]float64(nil), ys...))
	var beta mat.VecDense
	if err := beta.SolveVec(a, b); err != nil {
		// Fall back to the pseudo-inverse when QR reports ill-conditioning.
		pinv, perr := PseudoInverse(a)
		if perr != nil {
			return nil, fmt.Errorf("polyfit: %v; pseudo-inverse: %w", err, perr)
		}
		beta.MulVec(pinv, b)
	}

	coeffs := make([]float64, degree+1)
	for i := range coeffs {
		coeffs[i] = beta.AtVec(i)
	}
	return coeffs, nil
}

// PolyEval evaluates the polynomial with the given ascending coefficients.
func PolyEval(coeffs []float64, x float64) float64 {
	y := 0.0
	for i := len(coeffs) - 1; i >= 0; i-- {
		y = y*x + coeffs[i]
	}
	return y
}
