// Package ndfd unfolds a near-detector reconstructed spectrum to true energy
// through the near-detector smearing matrix and folds it back through the
// far-detector one.
package ndfd

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/AlexWilkinsonnn/lblpwgtools/internal/hist"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/linalg"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/logging"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/metrics"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/store"
)

// TypeTag identifies a saved Matrix.
const TypeTag = "NDFD_Matrix"

// State is the lifecycle of a Matrix.
type State int

const (
	// Built matrices hold raw simulated counts.
	Built State = iota
	// Normalized matrices are column-stochastic smearing kernels.
	Normalized
	// Consumed matrices have been moved into an unfolding solve.
	Consumed
)

func (s State) String() string {
	switch s {
	case Built:
		return "built"
	case Normalized:
		return "normalized"
	case Consumed:
		return "consumed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Matrix holds the ND and FD smearing matrices. In each, columns follow true
// energy and rows follow reconstructed energy. Both share the true-energy
// cardinality.
//
// A Matrix is not safe for concurrent use.
type Matrix struct {
	nd, fd  *mat.Dense
	ndVar   *mat.Dense
	fdVar   *mat.Dense
	ndTrue  hist.Axis
	ndReco  hist.Axis
	fdReco  hist.Axis
	pot     float64
	state   State
	extrap  *hist.Spectrum
	rcond   float64
	metrics *metrics.Metrics
}

func logger() *zap.Logger { return logging.Named("ndfd") }

// New builds the matrices from two-dimensional spectra with axis 0 true
// energy and axis 1 reconstructed energy, evaluated at exposure pot.
func New(nd, fd *hist.Spectrum2D, pot float64) *Matrix {
	if nd.Cols() != fd.Cols() {
		logger().Panic("ND and FD smearing matrices differ in true-energy bins",
			zap.Int("nd_true_bins", nd.Cols()), zap.Int("fd_true_bins", fd.Cols()))
	}
	return &Matrix{
		nd:     nd.Matrix(pot),
		fd:     fd.Matrix(pot),
		ndVar:  nd.Variances(pot),
		fdVar:  fd.Variances(pot),
		ndTrue: nd.AnalysisAxis(),
		ndReco: nd.WeightingAxis(),
		fdReco: fd.WeightingAxis(),
		pot:    pot,
		rcond:  linalg.DefaultRCond,
	}
}

// SetMetrics attaches solve counters.
func (m *Matrix) SetMetrics(mt *metrics.Metrics) { m.metrics = mt }

// SetRCond overrides the relative singular-value cutoff of the unfolding
// solve.
func (m *Matrix) SetRCond(rcond float64) { m.rcond = rcond }

// State returns the lifecycle state.
func (m *Matrix) State() State { return m.state }

// POT returns the exposure the matrices are evaluated at.
func (m *Matrix) POT() float64 { return m.pot }

func (m *Matrix) mustNotBeConsumed(op string) {
	if m.state == Consumed {
		logger().Panic("smearing matrix used after consumption", zap.String("op", op))
	}
}

// NDMatrix returns a copy of the ND matrix (rows reco, columns true).
func (m *Matrix) NDMatrix() *mat.Dense {
	m.mustNotBeConsumed("NDMatrix")
	return mat.DenseCopyOf(m.nd)
}

// FDMatrix returns a copy of the FD matrix (rows reco, columns true).
func (m *Matrix) FDMatrix() *mat.Dense {
	m.mustNotBeConsumed("FDMatrix")
	return mat.DenseCopyOf(m.fd)
}

// NDVariances returns a copy of the ND bin variances.
func (m *Matrix) NDVariances() *mat.Dense {
	m.mustNotBeConsumed("NDVariances")
	return mat.DenseCopyOf(m.ndVar)
}

// FDVariances returns a copy of the FD bin variances.
func (m *Matrix) FDVariances() *mat.Dense {
	m.mustNotBeConsumed("FDVariances")
	return mat.DenseCopyOf(m.fdVar)
}

// Clone returns an independent, unconsumed copy. The composer clones once
// per query so the stored matrix survives repeated extrapolations.
func (m *Matrix) Clone() *Matrix {
	m.mustNotBeConsumed("Clone")
	c := *m
	c.nd = mat.DenseCopyOf(m.nd)
	c.fd = mat.DenseCopyOf(m.fd)
	c.ndVar = mat.DenseCopyOf(m.ndVar)
	c.fdVar = mat.DenseCopyOf(m.fdVar)
	c.extrap = nil
	return &c
}

// NormaliseETrue divides each true-energy column by its integral, so every
// column with non-zero integral sums to one. Variances are divided by the
// squared integral. Zero-integral columns are left unchanged. Normalising
// twice panics.
func (m *Matrix) NormaliseETrue() {
	switch m.state {
	case Normalized:
		logger().Panic("smearing matrix already normalised")
	case Consumed:
		m.mustNotBeConsumed("NormaliseETrue")
	}
	for _, pair := range [][2]*mat.Dense{{m.nd, m.ndVar}, {m.fd, m.fdVar}} {
		d, v := pair[0], pair[1]
		rows, cols := d.Dims()
		for c := 0; c < cols; c++ {
			integral := mat.Sum(d.ColView(c))
			if integral == 0 {
				continue
			}
			for r := 0; r < rows; r++ {
				d.Set(r, c, d.At(r, c)/integral)
				v.Set(r, c, v.At(r, c)/(integral*integral))
			}
		}
	}
	m.state = Normalized
}

// ExtrapolateNDtoFD consumes the matrices: it solves ND * x = nd for the
// true-energy vector x with a rank-revealing least-squares solve, and returns
// FD * x binned like nd. The input is read at the matrix exposure.
//
// Any further use of m other than Extrapolated panics.
func (m *Matrix) ExtrapolateNDtoFD(nd *hist.Spectrum) *hist.Spectrum {
	m.mustNotBeConsumed("ExtrapolateNDtoFD")

	ndMat, fdMat := m.nd, m.fd
	m.nd, m.fd = nil, nil
	m.ndVar, m.fdVar = nil, nil
	m.state = Consumed

	if nd.NDims() != 1 {
		logger().Panic("unfolding needs a one-dimensional ND spectrum", zap.Int("dims", nd.NDims()))
	}
	rows, _ := ndMat.Dims()
	if nd.NBins() != rows {
		logger().Panic("ND spectrum binning does not match ND smearing matrix",
			zap.Int("spectrum_bins", nd.NBins()), zap.Int("matrix_reco_bins", rows))
	}
	fdRows, _ := fdMat.Dims()
	if fdRows != rows {
		logger().Panic("FD reco binning must match ND reco binning for the output",
			zap.Int("fd_reco_bins", fdRows), zap.Int("nd_reco_bins", rows))
	}

	rec := mat.NewVecDense(rows, nd.Array(m.pot))
	trueE, rank, err := linalg.LeastSquares(ndMat, rec, m.rcond)
	if err != nil {
		logger().Panic("unfolding solve failed", zap.Error(err))
	}
	m.metrics.Solve("ndfd")
	_, cols := ndMat.Dims()
	if rank < cols {
		logger().Debug("rank-deficient ND smearing matrix", zap.Int("rank", rank), zap.Int("true_bins", cols))
	}

	var fdRec mat.VecDense
	fdRec.MulVec(fdMat, trueE)

	out := nd.ScaledTo(m.pot)
	for i := 0; i < out.NBins(); i++ {
		out.SetBin(i, fdRec.AtVec(i), out.Variance(i))
	}
	m.extrap = out
	return out
}

// Extrapolated returns the last extrapolated spectrum, or nil.
func (m *Matrix) Extrapolated() *hist.Spectrum { return m.extrap }

type wire struct {
	ND         *hist.Spectrum2D `json:"nd"`
	FD         *hist.Spectrum2D `json:"fd"`
	POT        float64          `json:"pot"`
	Normalized bool             `json:"normalized"`
}

// SaveTo writes the matrices under key. Saving a consumed matrix panics.
func (m *Matrix) SaveTo(ctx context.Context, s store.Store, key string) error {
	m.mustNotBeConsumed("SaveTo")
	w := wire{
		ND:         hist.FromMatrix(m.nd, m.ndVar, m.ndTrue, m.ndReco, m.pot),
		FD:         hist.FromMatrix(m.fd, m.fdVar, m.ndTrue, m.fdReco, m.pot),
		POT:        m.pot,
		Normalized: m.state == Normalized,
	}
	return store.SaveObject(ctx, s, key, TypeTag, w)
}

// LoadFrom reads a Matrix saved by SaveTo.
func LoadFrom(ctx context.Context, s store.Store, key string) (*Matrix, error) {
	var w wire
	if err := store.LoadObject(ctx, s, key, TypeTag, &w); err != nil {
		return nil, err
	}
	if w.ND == nil || w.FD == nil {
		return nil, fmt.Errorf("ndfd: %s: missing matrices", key)
	}
	m := New(w.ND, w.FD, w.POT)
	if w.Normalized {
		m.state = Normalized
	}
	return m, nil
}
