// Package runplan holds the near-detector run plan: the exposure taken at
// each off-axis stop and horn current, and the exposure weighting it implies.
package runplan

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/AlexWilkinsonnn/lblpwgtools/internal/hist"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/logging"
)

// Horn currents (kA).
const (
	HC293 = 293
	HC280 = 280
)

// POTPerYear converts exposure to POT-years.
const POTPerYear = 1.1e21

// DetectorStop is one off-axis stop: the half-open range [Min, Max) in
// metres, the exposure accumulated there and the horn current.
type DetectorStop struct {
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	POT         float64 `json:"pot"`
	HornCurrent int     `json:"horn_current"`
}

// Contains reports whether the stop covers offAxis at horn current kA.
func (s DetectorStop) Contains(offAxis float64, kA int) bool {
	return s.HornCurrent == kA && offAxis >= s.Min && offAxis < s.Max
}

// RunPlan is an ordered set of stops, sorted by horn current then range
// start.
type RunPlan struct {
	Stops []DetectorStop `json:"stops"`
}

func logger() *zap.Logger { return logging.Named("runplan") }

// FindStop returns the stop covering offAxis at horn current kA. A missing
// stop is a configuration bug: the plan is dumped and FindStop panics.
func (rp RunPlan) FindStop(offAxis float64, kA int) DetectorStop {
	for _, s := range rp.Stops {
		if s.Contains(offAxis, kA) {
			return s
		}
	}
	logger().Panic("failed to find run plan stop",
		zap.Float64("off_axis_m", offAxis),
		zap.Int("horn_current_ka", kA),
		zap.Any("stops", rp.Stops),
	)
	return DetectorStop{}
}

// PlanPOT returns the total exposure of the plan.
func (rp RunPlan) PlanPOT() float64 {
	sum := 0.0
	for _, s := range rp.Stops {
		sum += s.POT
	}
	return sum
}

// HasHornCurrent reports whether any stop runs at kA.
func (rp RunPlan) HasHornCurrent(kA int) bool {
	for _, s := range rp.Stops {
		if s.HornCurrent == kA {
			return true
		}
	}
	return false
}

// Weight scales a per-unit-exposure near-detector spectrum (columns: the
// analysis axis, rows: off-axis position) by the exposure of the stop each
// row falls in. With errorsFromRate the variance of each cell is its weighted
// content (Poisson); otherwise the input error is scaled by the exposure.
//
// The result is stored at the plan exposure, so rows can be summed directly
// into one combined spectrum.
func (rp RunPlan) Weight(nd *hist.Spectrum2D, kA int, errorsFromRate bool) *hist.Spectrum2D {
	perPOT := nd.Matrix(1)
	perPOTVar := nd.Variances(1)

	out := hist.NewSpectrum2D(nd.AnalysisAxis(), nd.WeightingAxis(), rp.planPOTOrPanic())
	oa := nd.WeightingAxis().Bins
	for r := 0; r < nd.Rows(); r++ {
		stop := rp.FindStop(oa.Center(r), kA)
		for c := 0; c < nd.Cols(); c++ {
			bc := perPOT.At(r, c) * stop.POT
			bvar := perPOTVar.At(r, c) * stop.POT * stop.POT
			if errorsFromRate {
				bvar = bc
			}
			out.Set(r, c, bc, bvar)
		}
	}
	return out
}

func (rp RunPlan) planPOTOrPanic() float64 {
	pot := rp.PlanPOT()
	if !(pot > 0) {
		logger().Panic("run plan has no exposure", zap.Any("stops", rp.Stops))
	}
	return pot
}

// Unweight divides each bin of a one-dimensional off-axis spectrum (content
// and error) by the exposure of its stop, recovering a per-exposure rate.
//
// Bins whose content or stop exposure is not a normal float are logged and
// divided anyway.
func (rp RunPlan) Unweight(h *hist.Spectrum, kA int) *hist.Spectrum {
	if h.NDims() != 1 {
		logger().Panic("unweight needs a one-dimensional off-axis spectrum", zap.Int("dims", h.NDims()))
	}
	out := h.Clone()
	oa := h.Axis(0).Bins
	for i := 0; i < out.NBins(); i++ {
		x := oa.Center(i)
		stop := rp.FindStop(x, kA)
		bc := out.Content(i)
		if !isNormal(bc) {
			logger().Warn("bad bin content while removing run plan weighting",
				zap.Float64("content", bc), zap.Float64("off_axis_m", x))
		}
		if !isNormal(stop.POT) {
			logger().Warn("run plan stop has bad exposure",
				zap.Float64("min", stop.Min), zap.Float64("max", stop.Max),
				zap.Float64("off_axis_m", x), zap.Float64("pot", stop.POT))
		}
		out.SetBin(i, bc/stop.POT, out.Variance(i)/(stop.POT*stop.POT))
	}
	return out
}

// UnweightRows divides every row of a plan-weighted matrix spectrum by the
// exposure of its stop. It is the inverse of Weight on contents.
func (rp RunPlan) UnweightRows(s *hist.Spectrum2D, kA int) *hist.Spectrum2D {
	out := s.Clone()
	oa := s.WeightingAxis().Bins
	f := make([]float64, s.Rows())
	for r := range f {
		stop := rp.FindStop(oa.Center(r), kA)
		if !isNormal(stop.POT) {
			logger().Warn("run plan stop has bad exposure",
				zap.Float64("min", stop.Min), zap.Float64("max", stop.Max), zap.Float64("pot", stop.POT))
		}
		f[r] = 1 / stop.POT
	}
	out.ScaleRows(f)
	return out
}

// AsSpectrum returns the plan at horn current kA as a spectrum over off-axis
// position, in POT-years.
func (rp RunPlan) AsSpectrum(kA int) *hist.Spectrum {
	var edges, pots []float64
	for _, s := range rp.Stops {
		if s.HornCurrent != kA {
			continue
		}
		if len(edges) == 0 {
			edges = append(edges, s.Min)
		}
		edges = append(edges, s.Max)
		pots = append(pots, s.POT/POTPerYear)
	}
	if len(edges) == 0 {
		logger().Panic("no run plan stops at horn current", zap.Int("horn_current_ka", kA))
	}
	return hist.FromContents(pots, nil, 1, hist.NewAxis("Off axis (m)", hist.Custom(edges)))
}

// StopConfig is one stop as written in configuration. HornCurrent defaults
// to 293 kA.
type StopConfig struct {
	XRange      []float64 `yaml:"xrange" json:"xrange"`
	Time        float64   `yaml:"time" json:"time"`
	HornCurrent *int      `yaml:"horn_current,omitempty" json:"horn_current,omitempty"`
}

// ErrEmptyPlan is returned when a plan has no stops or no relative time.
var ErrEmptyPlan = errors.New("run plan has no exposure")

// New builds a run plan from configured stops and rescales the relative
// times so the plan exposure equals totalPOT.
func New(stops []StopConfig, totalPOT float64) (RunPlan, error) {
	var rp RunPlan
	for i, sc := range stops {
		if len(sc.XRange) != 2 {
			return RunPlan{}, fmt.Errorf("stop %d: xrange needs 2 values, got %d", i, len(sc.XRange))
		}
		if sc.Time < 0 || math.IsNaN(sc.Time) {
			return RunPlan{}, fmt.Errorf("stop %d: invalid relative time %v", i, sc.Time)
		}
		hc := HC293
		if sc.HornCurrent != nil {
			hc = *sc.HornCurrent
		}
		rp.Stops = append(rp.Stops, DetectorStop{
			Min:         math.Min(sc.XRange[0], sc.XRange[1]),
			Max:         math.Max(sc.XRange[0], sc.XRange[1]),
			POT:         sc.Time,
			HornCurrent: hc,
		})
	}
	sort.SliceStable(rp.Stops, func(i, j int) bool {
		l, r := rp.Stops[i], rp.Stops[j]
		if l.HornCurrent != r.HornCurrent {
			return l.HornCurrent < r.HornCurrent
		}
		return l.Min < r.Min
	})

	sumTime := rp.PlanPOT()
	if !(sumTime > 0) {
		return RunPlan{}, ErrEmptyPlan
	}
	logger().Info("building run plan",
		zap.Float64("total_pot", totalPOT),
		zap.Float64("total_time", sumTime),
		zap.Int("stops", len(rp.Stops)),
	)
	for i := range rp.Stops {
		rp.Stops[i].POT *= totalPOT / sumTime
	}
	return rp, nil
}

// isNormal mirrors C99 isnormal: finite, non-zero and not subnormal.
func isNormal(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0) && math.Abs(x) >= 0x1p-1022
}
