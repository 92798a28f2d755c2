// Package linalg holds the dense solves shared by the smearing-matrix
// unfolding and the flux matcher.
package linalg

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// DefaultRCond is the relative singular-value cutoff below which directions
// are treated as null space.
const DefaultRCond = 1e-12

// ErrFactorize is returned when the SVD fails to converge.
var ErrFactorize = errors.New("linalg: SVD factorisation failed")

// LeastSquares returns the minimum-norm x minimising ||a*x - b||, using a
// truncated SVD. Singular values below rcond times the largest are dropped,
// so a need not be square or of full rank. The effective rank is returned
// alongside x.
func LeastSquares(a mat.Matrix, b mat.Vector, rcond float64) (*mat.VecDense, int, error) {
	r, c := a.Dims()
	if b.Len() != r {
		return nil, 0, fmt.Errorf("linalg: %d-row matrix with %d-element rhs", r, b.Len())
	}
	if rcond <= 0 {
		rcond = DefaultRCond
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, 0, ErrFactorize
	}
	rank := svd.Rank(rcond)
	if rank == 0 {
		return mat.NewVecDense(c, nil), 0, nil
	}

	var x mat.VecDense
	svd.SolveVecTo(&x, b, rank)
	return &x, rank, nil
}

// FirstDifference returns the n x n Tikhonov operator penalising
// neighbouring differences: row i holds reg at i and -reg at i+1, and the
// last row holds reg alone.
func FirstDifference(n int, reg float64) *mat.Dense {
	g := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		g.Set(i, i, reg)
		if i+1 < n {
			g.Set(i, i+1, -reg)
		}
	}
	return g
}

// Tikhonov solves min ||a*x - b||^2 + ||gamma*x||^2 by stacking gamma under a
// and a zero block under b, then solving the stacked system in the
// least-squares sense. A nil gamma reduces to LeastSquares.
func Tikhonov(a mat.Matrix, b mat.Vector, gamma mat.Matrix, rcond float64) (*mat.VecDense, int, error) {
	if gamma == nil {
		return LeastSquares(a, b, rcond)
	}
	r, c := a.Dims()
	gr, gc := gamma.Dims()
	if gc != c {
		return nil, 0, fmt.Errorf("linalg: regulariser has %d columns, design has %d", gc, c)
	}

	stacked := mat.NewDense(r+gr, c, nil)
	stacked.Slice(0, r, 0, c).(*mat.Dense).Copy(a)
	stacked.Slice(r, r+gr, 0, c).(*mat.Dense).Copy(gamma)

	rhs := mat.NewVecDense(r+gr, nil)
	for i := 0; i < r; i++ {
		rhs.SetVec(i, b.AtVec(i))
	}
	return LeastSquares(stacked, rhs, rcond)
}

// Residual returns ||a*x - b||.
func Residual(a mat.Matrix, x, b mat.Vector) float64 {
	var res mat.VecDense
	res.MulVec(a, x)
	res.SubVec(&res, b)
	return mat.Norm(&res, 2)
}
