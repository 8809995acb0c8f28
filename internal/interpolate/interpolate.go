// Package interpolate implements the monic-roots polynomial and Newton
// divided-difference interpolation used to build a BinBundle's matching and
// label-interpolation polynomials (spec §4.3), grounded directly on the
// original APSI util/interpolate.cpp algorithm.
package interpolate

import (
	"errors"
	"fmt"

	"github.com/auroradata-ai/apsi-engine/internal/field"
)

// ErrRepeatedPoint is returned by NewtonInterpolate when two input points
// coincide (a zero denominator appears in the divided-difference table).
var ErrRepeatedPoint = errors.New("interpolate: repeated point")

// ErrSizeMismatch is returned when points and values have different lengths.
var ErrSizeMismatch = errors.New("interpolate: points/values size mismatch")

// PolynWithRoots returns the coefficients, degree-ascending (constant term
// first), of the unique monic polynomial whose roots are exactly `roots`
// (with multiplicity). Empty input yields [1].
func PolynWithRoots(roots []field.Felt, f *field.Field) []field.Felt {
	polyn := make([]field.Felt, 1, len(roots)+1)
	polyn[0] = 1

	for _, root := range roots {
		mulMonicMonomialInPlace(&polyn, root, f)
	}
	return polyn
}

// mulMonicMonomialInPlace multiplies the polynomial P (coefficients in
// degree-ascending order) by (x - a) in place, processing right to left so
// no auxiliary copy of the coefficient vector is needed:
//
//	P' = x*P - a*P
//	P'[i] = P[i-1] - a*P[i]   (P'[0] handled separately, P[-1] := 0)
func mulMonicMonomialInPlace(polyn *[]field.Felt, a field.Felt, f *field.Field) {
	p := *polyn
	p = append(p, 0)
	negA := f.Neg(a)

	for i := len(p) - 1; i > 0; i-- {
		p[i] = f.Add(p[i-1], f.Mul(negA, p[i]))
	}
	p[0] = f.Mul(negA, p[0])
	*polyn = p
}

// NewtonInterpolate returns the degree-ascending coefficients of the unique
// polynomial P of degree < len(points) such that P(points[i]) == values[i]
// for all i. points must be pairwise distinct.
func NewtonInterpolate(points, values []field.Felt, f *field.Field) ([]field.Felt, error) {
	if len(points) != len(values) {
		return nil, fmt.Errorf("%w: %d points, %d values", ErrSizeMismatch, len(points), len(values))
	}
	n := len(points)
	if n == 0 {
		return []field.Felt{0}, nil
	}

	seen := make(map[field.Felt]int, n)
	for i, pt := range points {
		if j, ok := seen[pt]; ok {
			return nil, fmt.Errorf("%w: points[%d] == points[%d]", ErrRepeatedPoint, j, i)
		}
		seen[pt] = i
	}

	allZero := true
	for _, v := range values {
		if v != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return make([]field.Felt, n), nil
	}

	// dd[i][j] holds the divided difference [y_i, ..., y_{i+j}].
	dd := make([][]field.Felt, n)
	for i := range dd {
		dd[i] = make([]field.Felt, n-i)
		dd[i][0] = values[i]
	}

	for j := 1; j < n; j++ {
		for i := 0; i < n-j; i++ {
			num := f.Sub(dd[i+1][j-1], dd[i][j-1])
			den := f.Sub(points[i+j], points[i])
			if den == 0 {
				return nil, fmt.Errorf("%w: points[%d] == points[%d]", ErrRepeatedPoint, i, i+j)
			}
			denInv, err := f.Inverse(den)
			if err != nil {
				return nil, fmt.Errorf("%w: points[%d] == points[%d]", ErrRepeatedPoint, i, i+j)
			}
			dd[i][j] = f.Mul(num, denInv)
		}
	}

	// Combine via Horner from the innermost nested form:
	//   P(x) = dd[0][0] + (x-p0)(dd[0][1] + (x-p1)(dd[0][2] + ...))
	// Build up the coefficient vector starting from the highest-order
	// divided difference and multiplying in each (x - p_k) monomial.
	result := []field.Felt{dd[0][n-1]}
	for k := n - 2; k >= 0; k-- {
		mulMonicMonomialInPlace(&result, points[k], f)
		result[0] = f.Add(result[0], dd[0][k])
	}
	return result, nil
}

// EvalPolyn evaluates the degree-ascending polynomial coeffs at x using
// Horner's method.
func EvalPolyn(coeffs []field.Felt, x field.Felt, f *field.Field) field.Felt {
	var acc field.Felt
	for i := len(coeffs) - 1; i >= 0; i-- {
		acc = f.Add(f.Mul(acc, x), coeffs[i])
	}
	return acc
}
