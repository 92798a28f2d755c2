package hist

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Spectrum2D is a dense matrix view of a two-dimensional spectrum, indexed by
// (weighting-axis bin, analysis-axis bin). Rows follow the weighting axis
// (e.g. off-axis position or true energy), columns the analysis axis.
//
// Like Spectrum, contents are stored at the spectrum's own exposure and
// rescaled on read.
type Spectrum2D struct {
	ana, weight Axis
	contents    *mat.Dense
	variances   *mat.Dense
	pot         float64
}

// NewSpectrum2D returns an empty matrix spectrum.
func NewSpectrum2D(ana, weight Axis, pot float64) *Spectrum2D {
	checkPOT(pot)
	r, c := weight.Bins.NBins(), ana.Bins.NBins()
	if r == 0 || c == 0 {
		panic(fmt.Sprintf("hist: empty matrix spectrum (%d x %d)", r, c))
	}
	return &Spectrum2D{
		ana:       ana,
		weight:    weight,
		contents:  mat.NewDense(r, c, nil),
		variances: mat.NewDense(r, c, nil),
		pot:       pot,
	}
}

// FromMatrix wraps copies of the given matrices. A nil variance matrix means
// zero variance.
func FromMatrix(contents, variances mat.Matrix, ana, weight Axis, pot float64) *Spectrum2D {
	s := NewSpectrum2D(ana, weight, pot)
	r, c := contents.Dims()
	if r != s.Rows() || c != s.Cols() {
		panic(fmt.Sprintf("hist: %dx%d matrix for %dx%d binning", r, c, s.Rows(), s.Cols()))
	}
	s.contents.Copy(contents)
	if variances != nil {
		if vr, vc := variances.Dims(); vr != r || vc != c {
			panic(fmt.Sprintf("hist: %dx%d variance matrix for %dx%d binning", vr, vc, r, c))
		}
		s.variances.Copy(variances)
	}
	return s
}

func (s *Spectrum2D) AnalysisAxis() Axis  { return s.ana }
func (s *Spectrum2D) WeightingAxis() Axis { return s.weight }
func (s *Spectrum2D) POT() float64        { return s.pot }
func (s *Spectrum2D) Rows() int           { return s.weight.Bins.NBins() }
func (s *Spectrum2D) Cols() int           { return s.ana.Bins.NBins() }

// At returns the raw content at the stored exposure.
func (s *Spectrum2D) At(row, col int) float64 { return s.contents.At(row, col) }

// VarAt returns the raw variance at the stored exposure.
func (s *Spectrum2D) VarAt(row, col int) float64 { return s.variances.At(row, col) }

// Set overwrites one cell at the stored exposure.
func (s *Spectrum2D) Set(row, col int, content, variance float64) {
	s.contents.Set(row, col, content)
	s.variances.Set(row, col, variance)
}

// Matrix returns a copy of the contents scaled to exposure pot.
func (s *Spectrum2D) Matrix(pot float64) *mat.Dense {
	var out mat.Dense
	out.Scale(pot/s.pot, s.contents)
	return &out
}

// Variances returns a copy of the variances scaled to exposure pot.
func (s *Spectrum2D) Variances(pot float64) *mat.Dense {
	f := pot / s.pot
	var out mat.Dense
	out.Scale(f*f, s.variances)
	return &out
}

// Clone returns a deep copy.
func (s *Spectrum2D) Clone() *Spectrum2D {
	return FromMatrix(s.contents, s.variances, s.ana, s.weight, s.pot)
}

// ScaledTo returns a copy stored at exposure pot.
func (s *Spectrum2D) ScaledTo(pot float64) *Spectrum2D {
	checkPOT(pot)
	return FromMatrix(s.Matrix(pot), s.Variances(pot), s.ana, s.weight, pot)
}

func (s *Spectrum2D) sameShape(o *Spectrum2D) bool {
	return s.ana.Bins.Equal(o.ana.Bins, EdgeTolerance) && s.weight.Bins.Equal(o.weight.Bins, EdgeTolerance)
}

// Add adds o, rescaled to s's exposure, in place.
func (s *Spectrum2D) Add(o *Spectrum2D) {
	if !s.sameShape(o) {
		panic(fmt.Sprintf("hist: add of mismatched matrix spectra (%dx%d vs %dx%d)", s.Rows(), s.Cols(), o.Rows(), o.Cols()))
	}
	s.contents.Add(s.contents, o.Matrix(s.pot))
	s.variances.Add(s.variances, o.Variances(s.pot))
}

// Subtract subtracts o, rescaled to s's exposure, in place. Variances add.
func (s *Spectrum2D) Subtract(o *Spectrum2D) {
	if !s.sameShape(o) {
		panic(fmt.Sprintf("hist: subtract of mismatched matrix spectra (%dx%d vs %dx%d)", s.Rows(), s.Cols(), o.Rows(), o.Cols()))
	}
	s.contents.Sub(s.contents, o.Matrix(s.pot))
	s.variances.Add(s.variances, o.Variances(s.pot))
}

// Row returns one row as a one-dimensional spectrum over the analysis axis.
func (s *Spectrum2D) Row(r int) *Spectrum {
	out := New(s.pot, s.ana)
	for c := 0; c < s.Cols(); c++ {
		out.SetBin(c, s.contents.At(r, c), s.variances.At(r, c))
	}
	return out
}

// ProjectRows sums all rows into a spectrum over the analysis axis.
func (s *Spectrum2D) ProjectRows() *Spectrum {
	w := make([]float64, s.Rows())
	for i := range w {
		w[i] = 1
	}
	return s.WeightedBy(w)
}

// WeightedBy returns sum_r w[r]*row_r over the analysis axis, at the stored
// exposure. Variances combine as sum_r w[r]^2*var_r.
func (s *Spectrum2D) WeightedBy(w []float64) *Spectrum {
	if len(w) != s.Rows() {
		panic(fmt.Sprintf("hist: %d weights for %d rows", len(w), s.Rows()))
	}
	out := New(s.pot, s.ana)
	for c := 0; c < s.Cols(); c++ {
		var sum, v float64
		for r := 0; r < s.Rows(); r++ {
			sum += w[r] * s.contents.At(r, c)
			v += w[r] * w[r] * s.variances.At(r, c)
		}
		out.SetBin(c, sum, v)
	}
	return out
}

// ScaleRows multiplies each row r by f[r].
func (s *Spectrum2D) ScaleRows(f []float64) {
	if len(f) != s.Rows() {
		panic(fmt.Sprintf("hist: %d factors for %d rows", len(f), s.Rows()))
	}
	for r := 0; r < s.Rows(); r++ {
		for c := 0; c < s.Cols(); c++ {
			s.contents.Set(r, c, s.contents.At(r, c)*f[r])
			s.variances.Set(r, c, s.variances.At(r, c)*f[r]*f[r])
		}
	}
}

// Rebin merges every anaMerge adjacent columns and weightMerge adjacent rows.
func (s *Spectrum2D) Rebin(anaMerge, weightMerge int) *Spectrum2D {
	ana := Axis{Label: s.ana.Label, Bins: s.ana.Bins.Rebin(anaMerge)}
	weight := Axis{Label: s.weight.Label, Bins: s.weight.Bins.Rebin(weightMerge)}
	out := NewSpectrum2D(ana, weight, s.pot)
	rg, cg := s.weight.Bins.RebinGroups(weightMerge), s.ana.Bins.RebinGroups(anaMerge)
	for ri, rr := range rg {
		for ci, cr := range cg {
			var sum, v float64
			for r := rr[0]; r < rr[1]; r++ {
				for c := cr[0]; c < cr[1]; c++ {
					sum += s.contents.At(r, c)
					v += s.variances.At(r, c)
				}
			}
			out.Set(ri, ci, sum, v)
		}
	}
	return out
}

// ToSpectrum flattens back to a two-dimensional Spectrum with axes
// (analysis, weighting).
func (s *Spectrum2D) ToSpectrum() *Spectrum {
	out := New(s.pot, s.ana, s.weight)
	nc := s.Cols()
	for r := 0; r < s.Rows(); r++ {
		for c := 0; c < nc; c++ {
			out.SetBin(c+r*nc, s.contents.At(r, c), s.variances.At(r, c))
		}
	}
	return out
}

// Errors returns the per-cell standard deviations at exposure pot.
func (s *Spectrum2D) Errors(pot float64) *mat.Dense {
	v := s.Variances(pot)
	v.Apply(func(_, _ int, x float64) float64 { return math.Sqrt(x) }, v)
	return v
}

func (s *Spectrum2D) MarshalJSON() ([]byte, error) {
	return s.ToSpectrum().MarshalJSON()
}

func (s *Spectrum2D) UnmarshalJSON(data []byte) error {
	var flat Spectrum
	if err := flat.UnmarshalJSON(data); err != nil {
		return err
	}
	if flat.NDims() != 2 {
		return fmt.Errorf("hist: matrix spectrum needs 2 axes, got %d", flat.NDims())
	}
	*s = *flat.To2D()
	return nil
}
