package predict

import (
	"encoding/json"
	"fmt"

	"github.com/AlexWilkinsonnn/lblpwgtools/internal/hist"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/osc"
)

// OscillatableSpectrum is a true-energy by reconstructed-quantity matrix
// that can be reweighted by an oscillation probability evaluated at each
// true-energy bin centre. Rows follow true energy; columns follow the
// reconstructed axes, flattened with the first axis varying fastest.
type OscillatableSpectrum struct {
	m    *hist.Spectrum2D
	reco []hist.Axis
}

// NewOscillatable returns an empty oscillatable spectrum.
func NewOscillatable(trueE hist.Axis, pot float64, reco ...hist.Axis) *OscillatableSpectrum {
	return &OscillatableSpectrum{
		m:    hist.NewSpectrum2D(flatAxis(reco), trueE, pot),
		reco: append([]hist.Axis(nil), reco...),
	}
}

// OscillatableFromMatrix wraps a copy of m, whose columns are the flattened
// reco axes and whose rows are true energy.
func OscillatableFromMatrix(m *hist.Spectrum2D, reco ...hist.Axis) *OscillatableSpectrum {
	if n := flatBins(reco); n != m.Cols() {
		panic(fmt.Sprintf("predict: %d reco bins for a %d-column matrix", n, m.Cols()))
	}
	return &OscillatableSpectrum{
		m:    m.Clone(),
		reco: append([]hist.Axis(nil), reco...),
	}
}

func flatBins(reco []hist.Axis) int {
	if len(reco) == 0 {
		panic("predict: oscillatable spectrum needs a reco axis")
	}
	n := 1
	for _, a := range reco {
		n *= a.Bins.NBins()
	}
	return n
}

// flatAxis is the matrix column axis: the reco axis itself in one dimension,
// a bin-index axis otherwise.
func flatAxis(reco []hist.Axis) hist.Axis {
	n := flatBins(reco)
	if len(reco) == 1 {
		return reco[0]
	}
	return hist.NewAxis("flattened reco bin", hist.Index(n))
}

func (o *OscillatableSpectrum) POT() float64             { return o.m.POT() }
func (o *OscillatableSpectrum) TrueAxis() hist.Axis      { return o.m.WeightingAxis() }
func (o *OscillatableSpectrum) Matrix() *hist.Spectrum2D { return o.m.Clone() }

// RecoAxes returns a copy of the reconstructed axes.
func (o *OscillatableSpectrum) RecoAxes() []hist.Axis {
	return append([]hist.Axis(nil), o.reco...)
}

// Fill adds weight w at true energy trueE and the given reco coordinates.
// Out-of-range entries are dropped.
func (o *OscillatableSpectrum) Fill(w, trueE float64, reco ...float64) {
	if len(reco) != len(o.reco) {
		panic(fmt.Sprintf("predict: %d reco coordinates for %d axes", len(reco), len(o.reco)))
	}
	row := o.TrueAxis().Bins.FindBin(trueE)
	if row < 0 {
		return
	}
	col, stride := 0, 1
	for d, x := range reco {
		i := o.reco[d].Bins.FindBin(x)
		if i < 0 {
			return
		}
		col += i * stride
		stride *= o.reco[d].Bins.NBins()
	}
	o.m.Set(row, col, o.m.At(row, col)+w, o.m.VarAt(row, col)+w*w)
}

// Weights returns P(from -> to) at each true-energy bin centre.
func (o *OscillatableSpectrum) Weights(calc osc.Calculator, from, to int) []float64 {
	centers := o.TrueAxis().Bins.Centers()
	w := make([]float64, len(centers))
	for i, e := range centers {
		w[i] = calc.P(from, to, e)
	}
	return w
}

// WeightedBy collapses true energy with per-row weights w and returns the
// result over the reco axes.
func (o *OscillatableSpectrum) WeightedBy(w []float64) *hist.Spectrum {
	return o.unflatten(o.m.WeightedBy(w))
}

// Oscillated returns the spectrum reweighted by P(from -> to).
func (o *OscillatableSpectrum) Oscillated(calc osc.Calculator, from, to int) *hist.Spectrum {
	return o.WeightedBy(o.Weights(calc, from, to))
}

// Unoscillated sums over true energy with unit weights.
func (o *OscillatableSpectrum) Unoscillated() *hist.Spectrum {
	return o.unflatten(o.m.ProjectRows())
}

// TrueEnergy projects onto the true-energy axis.
func (o *OscillatableSpectrum) TrueEnergy() *hist.Spectrum {
	out := hist.New(o.POT(), o.TrueAxis())
	for r := 0; r < o.m.Rows(); r++ {
		row := o.m.Row(r)
		var v float64
		for _, x := range row.VarianceArray(o.POT()) {
			v += x
		}
		out.SetBin(r, row.Integral(o.POT()), v)
	}
	return out
}

func (o *OscillatableSpectrum) unflatten(flat *hist.Spectrum) *hist.Spectrum {
	if len(o.reco) == 1 {
		return flat
	}
	return hist.FromContents(flat.Array(flat.POT()), flat.VarianceArray(flat.POT()), flat.POT(), o.reco...)
}

// Scale multiplies every cell by f.
func (o *OscillatableSpectrum) Scale(f float64) {
	rows := make([]float64, o.m.Rows())
	for i := range rows {
		rows[i] = f
	}
	o.m.ScaleRows(rows)
}

type oscSpectrumWire struct {
	Matrix *hist.Spectrum2D `json:"matrix"`
	Reco   []hist.Axis      `json:"reco"`
}

func (o *OscillatableSpectrum) MarshalJSON() ([]byte, error) {
	return json.Marshal(oscSpectrumWire{Matrix: o.m, Reco: o.reco})
}

func (o *OscillatableSpectrum) UnmarshalJSON(data []byte) error {
	var w oscSpectrumWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Matrix == nil || len(w.Reco) == 0 {
		return fmt.Errorf("predict: malformed oscillatable spectrum")
	}
	n := 1
	for _, a := range w.Reco {
		n *= a.Bins.NBins()
	}
	if n != w.Matrix.Cols() {
		return fmt.Errorf("predict: %d reco bins for a %d-column matrix", n, w.Matrix.Cols())
	}
	*o = OscillatableSpectrum{m: w.Matrix, reco: w.Reco}
	return nil
}
