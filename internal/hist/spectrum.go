package hist

import (
	"encoding/json"
	"fmt"
	"math"
)

// Spectrum is a binned distribution over one or more axes, stored flattened
// with the first axis varying fastest (flat = i0 + i1*n0 + ...).
//
// Contents and variances are stored at the spectrum's own exposure (POT) and
// are rescaled on read: contents by pot/POT, variances by (pot/POT)^2.
type Spectrum struct {
	axes      []Axis
	contents  []float64
	variances []float64
	pot       float64
}

// New returns an empty spectrum over the given axes at exposure pot.
func New(pot float64, axes ...Axis) *Spectrum {
	if len(axes) == 0 {
		panic("hist: spectrum needs at least one axis")
	}
	checkPOT(pot)
	n := 1
	for _, a := range axes {
		if a.Bins.NBins() == 0 {
			panic(fmt.Sprintf("hist: axis %q has no bins", a.Label))
		}
		n *= a.Bins.NBins()
	}
	ax := make([]Axis, len(axes))
	copy(ax, axes)
	return &Spectrum{
		axes:      ax,
		contents:  make([]float64, n),
		variances: make([]float64, n),
		pot:       pot,
	}
}

// FromContents builds a spectrum from flattened contents. A nil variances
// slice means zero variance.
func FromContents(contents, variances []float64, pot float64, axes ...Axis) *Spectrum {
	s := New(pot, axes...)
	if len(contents) != len(s.contents) {
		panic(fmt.Sprintf("hist: %d contents for %d bins", len(contents), len(s.contents)))
	}
	copy(s.contents, contents)
	if variances != nil {
		if len(variances) != len(s.variances) {
			panic(fmt.Sprintf("hist: %d variances for %d bins", len(variances), len(s.variances)))
		}
		copy(s.variances, variances)
	}
	return s
}

func checkPOT(pot float64) {
	if !(pot > 0) || math.IsInf(pot, 0) {
		panic(fmt.Sprintf("hist: exposure must be positive and finite, got %v", pot))
	}
}

func (s *Spectrum) NDims() int     { return len(s.axes) }
func (s *Spectrum) Axis(i int) Axis { return s.axes[i] }
func (s *Spectrum) POT() float64    { return s.pot }
func (s *Spectrum) NBins() int      { return len(s.contents) }

// Axes returns a copy of the axes.
func (s *Spectrum) Axes() []Axis {
	out := make([]Axis, len(s.axes))
	copy(out, s.axes)
	return out
}

// Index flattens per-axis bin indices.
func (s *Spectrum) Index(idx ...int) int {
	if len(idx) != len(s.axes) {
		panic(fmt.Sprintf("hist: %d indices for %d axes", len(idx), len(s.axes)))
	}
	flat, stride := 0, 1
	for d, i := range idx {
		n := s.axes[d].Bins.NBins()
		if i < 0 || i >= n {
			panic(fmt.Sprintf("hist: index %d out of range on axis %d (%d bins)", i, d, n))
		}
		flat += i * stride
		stride *= n
	}
	return flat
}

// Content returns the raw content of a flat bin at the stored exposure.
func (s *Spectrum) Content(i int) float64 { return s.contents[i] }

// Variance returns the raw variance of a flat bin at the stored exposure.
func (s *Spectrum) Variance(i int) float64 { return s.variances[i] }

// SetBin overwrites a flat bin at the stored exposure.
func (s *Spectrum) SetBin(i int, content, variance float64) {
	s.contents[i] = content
	s.variances[i] = variance
}

// Fill adds weight w to the bin containing the given coordinates, with
// Poisson-like variance w^2. Out-of-range coordinates are dropped.
func (s *Spectrum) Fill(w float64, coords ...float64) {
	if len(coords) != len(s.axes) {
		panic(fmt.Sprintf("hist: %d coordinates for %d axes", len(coords), len(s.axes)))
	}
	idx := make([]int, len(coords))
	for d, x := range coords {
		idx[d] = s.axes[d].Bins.FindBin(x)
		if idx[d] < 0 {
			return
		}
	}
	i := s.Index(idx...)
	s.contents[i] += w
	s.variances[i] += w * w
}

// Array returns the contents scaled to exposure pot.
func (s *Spectrum) Array(pot float64) []float64 {
	f := pot / s.pot
	out := make([]float64, len(s.contents))
	for i, c := range s.contents {
		out[i] = c * f
	}
	return out
}

// VarianceArray returns the variances scaled to exposure pot.
func (s *Spectrum) VarianceArray(pot float64) []float64 {
	f := pot / s.pot
	out := make([]float64, len(s.variances))
	for i, v := range s.variances {
		out[i] = v * f * f
	}
	return out
}

// Errors returns the per-bin standard deviations scaled to exposure pot.
func (s *Spectrum) Errors(pot float64) []float64 {
	out := s.VarianceArray(pot)
	for i, v := range out {
		out[i] = math.Sqrt(v)
	}
	return out
}

// Integral returns the sum of contents scaled to exposure pot.
func (s *Spectrum) Integral(pot float64) float64 {
	sum := 0.0
	for _, c := range s.contents {
		sum += c
	}
	return sum * pot / s.pot
}

// Clone returns a deep copy.
func (s *Spectrum) Clone() *Spectrum {
	return FromContents(s.contents, s.variances, s.pot, s.axes...)
}

// ScaledTo returns a copy whose stored exposure is pot, with contents
// rescaled so that Array is unchanged.
func (s *Spectrum) ScaledTo(pot float64) *Spectrum {
	checkPOT(pot)
	return FromContents(s.Array(pot), s.VarianceArray(pot), pot, s.axes...)
}

// Scale multiplies contents by f and variances by f^2.
func (s *Spectrum) Scale(f float64) {
	for i := range s.contents {
		s.contents[i] *= f
		s.variances[i] *= f * f
	}
}

// SameShape reports whether both spectra have the same axes binnings.
func (s *Spectrum) SameShape(o *Spectrum) bool {
	if len(s.axes) != len(o.axes) {
		return false
	}
	for d := range s.axes {
		if !s.axes[d].Bins.Equal(o.axes[d].Bins, EdgeTolerance) {
			return false
		}
	}
	return true
}

func (s *Spectrum) mustMatch(o *Spectrum, op string) {
	if !s.SameShape(o) {
		panic(fmt.Sprintf("hist: %s of mismatched spectra (%d vs %d bins)", op, s.NBins(), o.NBins()))
	}
}

// Add adds o, rescaled to s's exposure, in place. Variances add.
func (s *Spectrum) Add(o *Spectrum) {
	s.mustMatch(o, "add")
	c, v := o.Array(s.pot), o.VarianceArray(s.pot)
	for i := range s.contents {
		s.contents[i] += c[i]
		s.variances[i] += v[i]
	}
}

// Subtract subtracts o, rescaled to s's exposure, in place. Variances add.
func (s *Spectrum) Subtract(o *Spectrum) {
	s.mustMatch(o, "subtract")
	c, v := o.Array(s.pot), o.VarianceArray(s.pot)
	for i := range s.contents {
		s.contents[i] -= c[i]
		s.variances[i] += v[i]
	}
}

// MultiplyBins multiplies each flat bin by f[i] (variance by f[i]^2).
func (s *Spectrum) MultiplyBins(f []float64) {
	if len(f) != len(s.contents) {
		panic(fmt.Sprintf("hist: %d factors for %d bins", len(f), len(s.contents)))
	}
	for i := range s.contents {
		s.contents[i] *= f[i]
		s.variances[i] *= f[i] * f[i]
	}
}

// Sum returns a+b at a's exposure without modifying either.
func Sum(a, b *Spectrum) *Spectrum {
	out := a.Clone()
	out.Add(b)
	return out
}

// Difference returns a-b at a's exposure without modifying either.
func Difference(a, b *Spectrum) *Spectrum {
	out := a.Clone()
	out.Subtract(b)
	return out
}

// Rebin1D merges every n adjacent bins of a one-dimensional spectrum.
func (s *Spectrum) Rebin1D(n int) *Spectrum {
	if s.NDims() != 1 {
		panic(fmt.Sprintf("hist: Rebin1D on %d-dimensional spectrum", s.NDims()))
	}
	bins := s.axes[0].Bins
	out := New(s.pot, Axis{Label: s.axes[0].Label, Bins: bins.Rebin(n)})
	for g, r := range bins.RebinGroups(n) {
		for i := r[0]; i < r[1]; i++ {
			out.contents[g] += s.contents[i]
			out.variances[g] += s.variances[i]
		}
	}
	return out
}

// To2D views a two-dimensional spectrum as a matrix: columns follow axis 0,
// rows follow axis 1.
func (s *Spectrum) To2D() *Spectrum2D {
	if s.NDims() != 2 {
		panic(fmt.Sprintf("hist: To2D on %d-dimensional spectrum", s.NDims()))
	}
	out := NewSpectrum2D(s.axes[0], s.axes[1], s.pot)
	nc := s.axes[0].Bins.NBins()
	for i := range s.contents {
		out.Set(i/nc, i%nc, s.contents[i], s.variances[i])
	}
	return out
}

type spectrumWire struct {
	Axes      []Axis    `json:"axes"`
	Contents  []float64 `json:"contents"`
	Variances []float64 `json:"variances"`
	POT       float64   `json:"pot"`
}

func (s *Spectrum) MarshalJSON() ([]byte, error) {
	return json.Marshal(spectrumWire{
		Axes:      s.axes,
		Contents:  s.contents,
		Variances: s.variances,
		POT:       s.pot,
	})
}

func (s *Spectrum) UnmarshalJSON(data []byte) error {
	var w spectrumWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if len(w.Axes) == 0 || !(w.POT > 0) {
		return fmt.Errorf("hist: malformed spectrum (axes=%d pot=%v)", len(w.Axes), w.POT)
	}
	n := 1
	for _, a := range w.Axes {
		n *= a.Bins.NBins()
	}
	if len(w.Contents) != n || len(w.Variances) != n {
		return fmt.Errorf("hist: spectrum has %d contents, %d variances for %d bins",
			len(w.Contents), len(w.Variances), n)
	}
	*s = Spectrum{axes: w.Axes, contents: w.Contents, variances: w.Variances, pot: w.POT}
	return nil
}
