// Package extrap finds the linear combination of near-detector off-axis
// spectra that best reproduces a far-detector target spectrum, either in
// flux or in event rate.
package extrap

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/AlexWilkinsonnn/lblpwgtools/internal/hist"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/linalg"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/logging"
)

func logger() *zap.Logger { return logging.Named("extrap") }

// FluxPredSpecies names a flux prediction by neutrino species and beam mode.
type FluxPredSpecies int

const (
	NumuNumode FluxPredSpecies = iota
	NueNumode
	NumubarNumode
	NuebarNumode

	NumuNubarmode
	NueNubarmode
	NumubarNubarmode
	NuebarNubarmode

	Unhandled
)

var speciesNames = [...]string{
	NumuNumode:       "numu_numode",
	NueNumode:        "nue_numode",
	NumubarNumode:    "numubar_numode",
	NuebarNumode:     "nuebar_numode",
	NumuNubarmode:    "numu_nubarmode",
	NueNubarmode:     "nue_nubarmode",
	NumubarNubarmode: "numubar_nubarmode",
	NuebarNubarmode:  "nuebar_nubarmode",
	Unhandled:        "unhandled",
}

func (s FluxPredSpecies) String() string {
	if s < 0 || s > Unhandled {
		return fmt.Sprintf("species(%d)", int(s))
	}
	return speciesNames[s]
}

// ParseSpecies is the inverse of String. Unknown names map to Unhandled.
func ParseSpecies(name string) FluxPredSpecies {
	for i, n := range speciesNames {
		if n == name {
			return FluxPredSpecies(i)
		}
	}
	return Unhandled
}

// PDG returns the signed PDG code of the species' neutrino.
func (s FluxPredSpecies) PDG() int {
	switch s {
	case NumuNumode, NumuNubarmode:
		return 14
	case NueNumode, NueNubarmode:
		return 12
	case NumubarNumode, NumubarNubarmode:
		return -14
	case NuebarNumode, NuebarNubarmode:
		return -12
	}
	logger().Panic("no PDG code for flux species", zap.Stringer("species", s))
	return 0
}

// Conditioning controls the target window and regularisation of a match.
type Conditioning struct {
	// RegFactor scales the first-difference Tikhonov penalty. Zero solves
	// plain least squares.
	RegFactor float64 `yaml:"reg_factor" json:"reg_factor"`
	// LowECutoff and HighECutoff bound the energy window (GeV) by bin
	// centre.
	LowECutoff  float64 `yaml:"low_e_cutoff" json:"low_e_cutoff"`
	HighECutoff float64 `yaml:"high_e_cutoff" json:"high_e_cutoff"`
	// LowEGaussTail keeps bins below LowECutoff but tapers the target there
	// with a Gaussian of width 0.25*LowECutoff.
	LowEGaussTail bool `yaml:"low_e_gauss_tail" json:"low_e_gauss_tail"`
}

// DefaultConditioning is a weak regulariser over the whole energy range.
func DefaultConditioning() Conditioning {
	return Conditioning{RegFactor: 1e-8, LowECutoff: 0, HighECutoff: math.MaxFloat64}
}

// window returns the target weight of an energy bin centre, and whether the
// bin enters the fit at all.
func (c Conditioning) window(e float64) (float64, bool) {
	if e > c.HighECutoff {
		return 0, false
	}
	if e >= c.LowECutoff {
		return 1, true
	}
	if !c.LowEGaussTail {
		return 0, false
	}
	sigma := 0.25 * c.LowECutoff
	if !(sigma > 0) {
		return 1, true
	}
	d := (e - c.LowECutoff) / sigma
	return math.Exp(-0.5 * d * d), true
}

// Block is one set of candidate spectra: rows of ND are off-axis positions
// (or any other weighting variable), columns are energy. Only rows whose
// centre is at most MaxOffAxis enter the fit.
type Block struct {
	ND         *hist.Spectrum2D
	MaxOffAxis float64
}

// Solution is the result of SolveLinComb.
type Solution struct {
	// Coefficients per block, per row. Rows outside the fit are zero.
	Coefficients [][]float64
	// Target is the tapered target over the full energy axis.
	Target *hist.Spectrum
	// BestFit is the combination of every block with the coefficients.
	BestFit *hist.Spectrum
	// Rank of the stacked system.
	Rank int
}

// SolveLinComb finds coefficients c minimising
//
//	|| sum_b sum_r c_br * ND_b[r] - target ||^2 + || Gamma c ||^2
//
// over the conditioned energy window, with Gamma first-difference operators
// scaled by RegFactor, one per block. Spectra are compared per unit
// exposure. Energy binnings of the blocks and the target must agree.
func SolveLinComb(blocks []Block, target *hist.Spectrum, cond Conditioning) Solution {
	if len(blocks) == 0 {
		logger().Panic("no near-detector spectra to combine")
	}
	if target.NDims() != 1 {
		logger().Panic("match target must be one-dimensional", zap.Int("dims", target.NDims()))
	}
	eBins := target.Axis(0).Bins
	for i, b := range blocks {
		if !b.ND.AnalysisAxis().Bins.Equal(eBins, hist.EdgeTolerance) {
			logger().Panic("near-detector energy binning differs from the target's",
				zap.Int("block", i),
				zap.Stringer("nd", b.ND.AnalysisAxis().Bins),
				zap.Stringer("target", eBins))
		}
	}

	// energy window
	var eIdx []int
	var weights []float64
	for e := 0; e < eBins.NBins(); e++ {
		if w, ok := cond.window(eBins.Center(e)); ok {
			eIdx = append(eIdx, e)
			weights = append(weights, w)
		}
	}
	if len(eIdx) == 0 {
		logger().Panic("no energy bins inside the match window",
			zap.Float64("low_e", cond.LowECutoff), zap.Float64("high_e", cond.HighECutoff))
	}

	// active columns
	type col struct{ block, row int }
	var cols []col
	var blockCols []int
	for bi, b := range blocks {
		n := 0
		oa := b.ND.WeightingAxis().Bins
		for r := 0; r < b.ND.Rows(); r++ {
			if oa.Center(r) <= b.MaxOffAxis {
				cols = append(cols, col{bi, r})
				n++
			}
		}
		blockCols = append(blockCols, n)
	}
	if len(cols) == 0 {
		logger().Panic("no near-detector rows inside the off-axis limit")
	}

	perPOT := make([]*mat.Dense, len(blocks))
	for i, b := range blocks {
		perPOT[i] = b.ND.Matrix(1)
	}
	design := mat.NewDense(len(eIdx), len(cols), nil)
	for j, c := range cols {
		for i, e := range eIdx {
			design.Set(i, j, perPOT[c.block].At(c.row, e))
		}
	}

	tgt := target.Array(1)
	tapered := make([]float64, len(tgt))
	rhs := mat.NewVecDense(len(eIdx), nil)
	for i, e := range eIdx {
		tapered[e] = tgt[e] * weights[i]
		rhs.SetVec(i, tapered[e])
	}

	var gamma mat.Matrix
	if cond.RegFactor != 0 {
		g := mat.NewDense(len(cols), len(cols), nil)
		off := 0
		for _, n := range blockCols {
			if n > 0 {
				g.Slice(off, off+n, off, off+n).(*mat.Dense).Copy(linalg.FirstDifference(n, cond.RegFactor))
			}
			off += n
		}
		gamma = g
	}

	x, rank, err := linalg.Tikhonov(design, rhs, gamma, linalg.DefaultRCond)
	if err != nil {
		logger().Panic("flux match solve failed", zap.Error(err))
	}

	sol := Solution{Coefficients: make([][]float64, len(blocks)), Rank: rank}
	for i, b := range blocks {
		sol.Coefficients[i] = make([]float64, b.ND.Rows())
	}
	for j, c := range cols {
		sol.Coefficients[c.block][c.row] = x.AtVec(j)
	}

	sol.Target = hist.FromContents(tapered, nil, 1, target.Axis(0))
	sol.BestFit = hist.New(1, target.Axis(0))
	for i, b := range blocks {
		comb := b.ND.WeightedBy(sol.Coefficients[i]).Array(1)
		sol.BestFit.Add(hist.FromContents(comb, nil, 1, target.Axis(0)))
	}
	return sol
}
