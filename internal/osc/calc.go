// Package osc defines the oscillation-calculator contract consumed by the
// predictions, plus a leading-order three-flavour vacuum calculator and the
// named-parameter configuration used by analysis configs.
//
// Oscillation physics is deliberately minimal here: the calculators exist so
// that predictions and caches have a concrete, fingerprintable collaborator.
// Matter effects are not applied; Rho is carried so that it enters the
// fingerprint and round-trips through configuration.
package osc

import (
	"math"

	"github.com/AlexWilkinsonnn/lblpwgtools/pkg/canonical"
)

// Calculator returns oscillation probabilities. Flavours are PDG codes
// (negative for antineutrinos); E is the true neutrino energy in GeV.
type Calculator interface {
	P(from, to int, E float64) float64
}

// Adjustable is a calculator whose parameters can be read and set. Angles
// are in radians, mass splittings in eV^2, L in km and Rho in g/cm^3.
type Adjustable interface {
	Calculator

	L() float64
	SetL(km float64)
	Rho() float64
	SetRho(rho float64)
	Dmsq21() float64
	SetDmsq21(v float64)
	Dmsq32() float64
	SetDmsq32(v float64)
	Th12() float64
	SetTh12(v float64)
	Th13() float64
	SetTh13(v float64)
	Th23() float64
	SetTh23(v float64)
	DCP() float64
	SetDCP(v float64)
}

// Fingerprint is an opaque, comparable summary of a calculator's state.
type Fingerprint = canonical.Digest

// Hasher is implemented by calculators that can fingerprint their current
// parameter values. ok is false when the calculator cannot vouch for its
// state (caching must then be skipped).
type Hasher interface {
	ParamsHash() (fp Fingerprint, ok bool)
}

// Differentiable is implemented by calculators whose parameters carry
// derivative information for gradient-based fits.
type Differentiable interface {
	Differentiable() bool
}

// FingerprintOf returns the calculator fingerprint, or ok=false if c does not
// support fingerprinting.
func FingerprintOf(c Calculator) (Fingerprint, bool) {
	if h, ok := c.(Hasher); ok {
		return h.ParamsHash()
	}
	return Fingerprint{}, false
}

// IsDifferentiable reports whether c carries derivative information.
func IsDifferentiable(c Calculator) bool {
	d, ok := c.(Differentiable)
	return ok && d.Differentiable()
}

// Baselines (km).
const (
	BaselineDUNE = 1284.9
	// RefBaseline is the canonical baseline at which L/E-binned spectra
	// are reweighted.
	RefBaseline = 1000.0
)

// NuFit 4.0 normal-ordering central values.
const (
	nufitDmsq21 = 7.39e-5
	nufitDmsq32 = 2.451e-3
	nufitSsth12 = 0.310
	nufitSsth13 = 0.02241
	nufitSsth23 = 0.582
	nufitDCPDeg = 217.0
	nufitRho    = 2.848
)

// Params holds the three-flavour parameter set.
type Params struct {
	L      float64 `json:"l"`
	Rho    float64 `json:"rho"`
	Dmsq21 float64 `json:"dmsq21"`
	Dmsq32 float64 `json:"dmsq32"`
	Th12   float64 `json:"th12"`
	Th13   float64 `json:"th13"`
	Th23   float64 `json:"th23"`
	DCP    float64 `json:"dcp"`
}

// NuFitParams returns the NuFit 4.0 normal-ordering central values at the
// DUNE baseline.
func NuFitParams() Params {
	return Params{
		L:      BaselineDUNE,
		Rho:    nufitRho,
		Dmsq21: nufitDmsq21,
		Dmsq32: nufitDmsq32,
		Th12:   math.Asin(math.Sqrt(nufitSsth12)),
		Th13:   math.Asin(math.Sqrt(nufitSsth13)),
		Th23:   math.Asin(math.Sqrt(nufitSsth23)),
		DCP:    nufitDCPDeg * math.Pi / 180,
	}
}

// ThreeFlavor is a leading-order vacuum three-flavour calculator.
type ThreeFlavor struct {
	p Params
}

// NewThreeFlavor returns a calculator with the given parameters.
func NewThreeFlavor(p Params) *ThreeFlavor {
	return &ThreeFlavor{p: p}
}

// NuFit returns a calculator at the NuFit central values.
func NuFit() *ThreeFlavor {
	return NewThreeFlavor(NuFitParams())
}

// Params returns a copy of the current parameters.
func (c *ThreeFlavor) Params() Params { return c.p }

// Copy returns an independent calculator with the same parameters.
func (c *ThreeFlavor) Copy() *ThreeFlavor { return NewThreeFlavor(c.p) }

func (c *ThreeFlavor) L() float64          { return c.p.L }
func (c *ThreeFlavor) SetL(km float64)     { c.p.L = km }
func (c *ThreeFlavor) Rho() float64        { return c.p.Rho }
func (c *ThreeFlavor) SetRho(v float64)    { c.p.Rho = v }
func (c *ThreeFlavor) Dmsq21() float64     { return c.p.Dmsq21 }
func (c *ThreeFlavor) SetDmsq21(v float64) { c.p.Dmsq21 = v }
func (c *ThreeFlavor) Dmsq32() float64     { return c.p.Dmsq32 }
func (c *ThreeFlavor) SetDmsq32(v float64) { c.p.Dmsq32 = v }
func (c *ThreeFlavor) Th12() float64       { return c.p.Th12 }
func (c *ThreeFlavor) SetTh12(v float64)   { c.p.Th12 = v }
func (c *ThreeFlavor) Th13() float64       { return c.p.Th13 }
func (c *ThreeFlavor) SetTh13(v float64)   { c.p.Th13 = v }
func (c *ThreeFlavor) Th23() float64       { return c.p.Th23 }
func (c *ThreeFlavor) SetTh23(v float64)   { c.p.Th23 = v }
func (c *ThreeFlavor) DCP() float64        { return c.p.DCP }
func (c *ThreeFlavor) SetDCP(v float64)    { c.p.DCP = v }

// ParamsHash fingerprints every parameter, the baseline included.
func (c *ThreeFlavor) ParamsHash() (Fingerprint, bool) {
	return canonical.Sum("osc.ThreeFlavor", []canonical.Field{
		{Name: "L", Value: c.p.L},
		{Name: "rho", Value: c.p.Rho},
		{Name: "dmsq21", Value: c.p.Dmsq21},
		{Name: "dmsq32", Value: c.p.Dmsq32},
		{Name: "th12", Value: c.p.Th12},
		{Name: "th13", Value: c.p.Th13},
		{Name: "th23", Value: c.p.Th23},
		{Name: "dcp", Value: c.p.DCP},
	}), true
}

// P returns the leading-order vacuum oscillation probability.
//
// Appearance between different lepton signs is zero. CP-violating terms are
// not included, so P(a->b) == P(b->a).
func (c *ThreeFlavor) P(from, to int, E float64) float64 {
	if (from > 0) != (to > 0) {
		return 0
	}
	a, b := abs(from), abs(to)
	if E <= 0 {
		return delta(a, b)
	}

	s13, s23 := math.Sin(c.p.Th13), math.Sin(c.p.Th23)
	c13sq := 1 - s13*s13
	c23sq := 1 - s23*s23
	sinSq2Th12 := math.Pow(math.Sin(2*c.p.Th12), 2)
	sinSq2Th13 := math.Pow(math.Sin(2*c.p.Th13), 2)

	d21 := phase(c.p.Dmsq21, c.p.L, E)
	d32 := phase(c.p.Dmsq32, c.p.L, E)
	d31 := phase(c.p.Dmsq32+c.p.Dmsq21, c.p.L, E)

	sq := func(x float64) float64 { return x * x }

	pee := 1 - sinSq2Th13*sq(math.Sin(d31)) - c13sq*c13sq*sinSq2Th12*sq(math.Sin(d21))
	pmm := 1 - 4*c13sq*s23*s23*(1-c13sq*s23*s23)*sq(math.Sin(d32))
	ptt := 1 - 4*c13sq*c23sq*(1-c13sq*c23sq)*sq(math.Sin(d32))
	pme := s23*s23*sinSq2Th13*sq(math.Sin(d31)) + c23sq*c13sq*sinSq2Th12*sq(math.Sin(d21))

	clamp := func(x float64) float64 { return math.Min(1, math.Max(0, x)) }

	switch {
	case a == b && a == NuE:
		return clamp(pee)
	case a == b && a == NuMu:
		return clamp(pmm)
	case a == b && a == NuTau:
		return clamp(ptt)
	case (a == NuMu && b == NuE) || (a == NuE && b == NuMu):
		return clamp(pme)
	case (a == NuE && b == NuTau) || (a == NuTau && b == NuE):
		return clamp(1 - pee - pme)
	case (a == NuMu && b == NuTau) || (a == NuTau && b == NuMu):
		return clamp(1 - pmm - pme)
	}
	return 0
}

// phase is 1.267 * dm^2[eV^2] * L[km] / E[GeV].
func phase(dmsq, L, E float64) float64 {
	return 1.267 * dmsq * L / E
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func delta(a, b int) float64 {
	if a == b {
		return 1
	}
	return 0
}

// NoOsc is the identity calculator: survival 1, appearance 0.
type NoOsc struct{}

func (NoOsc) P(from, to int, _ float64) float64 {
	if from == to {
		return 1
	}
	return 0
}

// ParamsHash returns a constant fingerprint.
func (NoOsc) ParamsHash() (Fingerprint, bool) {
	return canonical.String("osc.NoOsc"), true
}
