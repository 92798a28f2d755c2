// Package syst holds systematic uncertainties, the named registry they are
// resolved from, and the shift sets that parameterise a prediction.
package syst

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/AlexWilkinsonnn/lblpwgtools/internal/osc"
	"github.com/AlexWilkinsonnn/lblpwgtools/pkg/canonical"
)

// ErrUnknownSyst is returned when a shift names a systematic that is not
// registered.
var ErrUnknownSyst = errors.New("unknown systematic")

// Syst is a named systematic uncertainty.
type Syst interface {
	ShortName() string
	LatexName() string
}

// Detector selects which detector a component belongs to.
type Detector int

const (
	AnyDetector Detector = iota
	ND
	FD
)

func (d Detector) String() string {
	switch d {
	case ND:
		return "nd"
	case FD:
		return "fd"
	}
	return "any"
}

// Component identifies one truth component of a prediction.
type Component struct {
	Detector Detector
	Flavors  osc.Flavors
	Current  osc.Current
	Sign     osc.Sign
}

// Selection is a component filter. Zero-valued mask fields select
// everything along that dimension.
type Selection struct {
	Detector Detector
	Flavors  osc.Flavors
	Current  osc.Current
	Sign     osc.Sign
}

// Matches reports whether c passes the selection.
func (s Selection) Matches(c Component) bool {
	if s.Detector != AnyDetector && c.Detector != AnyDetector && s.Detector != c.Detector {
		return false
	}
	if s.Flavors != 0 && s.Flavors&c.Flavors == 0 {
		return false
	}
	if s.Current != 0 && s.Current&c.Current == 0 {
		return false
	}
	if s.Sign != 0 && s.Sign&c.Sign == 0 {
		return false
	}
	return true
}

// ComponentScale scales one truth component of a prediction: a shift of
// sigma multiplies the component by (1+OneSigma)^sigma, so scaling between
// 1/(1+OneSigma) and (1+OneSigma) is the one-sigma range.
type ComponentScale struct {
	Name     string
	Latex    string
	Select   Selection
	OneSigma float64
}

func (c *ComponentScale) ShortName() string { return c.Name }
func (c *ComponentScale) LatexName() string { return c.Latex }

// Factor returns the scale applied at the given shift.
func (c *ComponentScale) Factor(sigma float64) float64 {
	return math.Pow(1+c.OneSigma, sigma)
}

// Scaler is implemented by systematics that scale whole truth components.
type Scaler interface {
	Syst
	Selects(c Component) bool
	Factor(sigma float64) float64
}

func (c *ComponentScale) Selects(comp Component) bool {
	return c.Select.Matches(comp)
}

// Shifts maps systematics to shift magnitudes in units of sigma. The zero
// value is the nominal (unshifted) set.
type Shifts struct {
	vals map[string]float64
	objs map[string]Syst
}

// NoShift returns the nominal shift set.
func NoShift() Shifts { return Shifts{} }

// Set sets the shift for sy. A zero shift removes the entry.
func (s *Shifts) Set(sy Syst, sigma float64) {
	if s.vals == nil {
		s.vals = make(map[string]float64)
		s.objs = make(map[string]Syst)
	}
	name := sy.ShortName()
	if sigma == 0 {
		delete(s.vals, name)
		delete(s.objs, name)
		return
	}
	s.vals[name] = sigma
	s.objs[name] = sy
}

// Shift returns the shift for sy, zero if unset.
func (s Shifts) Shift(sy Syst) float64 {
	return s.vals[sy.ShortName()]
}

// IsNominal reports whether no systematic is shifted.
func (s Shifts) IsNominal() bool { return len(s.vals) == 0 }

// Active returns the shifted systematics ordered by name.
func (s Shifts) Active() []Syst {
	names := make([]string, 0, len(s.objs))
	for n := range s.objs {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]Syst, len(names))
	for i, n := range names {
		out[i] = s.objs[n]
	}
	return out
}

// Clone returns an independent copy.
func (s Shifts) Clone() Shifts {
	var out Shifts
	for n, v := range s.vals {
		out.Set(s.objs[n], v)
	}
	return out
}

// Fingerprint digests the shift set. Equal sets digest equal regardless of
// insertion order; the nominal set has a fixed digest.
func (s Shifts) Fingerprint() canonical.Digest {
	fields := make([]canonical.Field, 0, len(s.vals))
	for n, v := range s.vals {
		fields = append(fields, canonical.Field{Name: n, Value: v})
	}
	return canonical.Sum("syst.Shifts", fields)
}

// ScaleFactor returns the product of the factors of every active Scaler
// selecting component c.
func (s Shifts) ScaleFactor(c Component) float64 {
	f := 1.0
	for _, sy := range s.Active() {
		if sc, ok := sy.(Scaler); ok && sc.Selects(c) {
			f *= sc.Factor(s.vals[sy.ShortName()])
		}
	}
	return f
}

func (s Shifts) String() string {
	if s.IsNominal() {
		return "nominal"
	}
	out := ""
	for i, sy := range s.Active() {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%s=%g", sy.ShortName(), s.vals[sy.ShortName()])
	}
	return out
}
