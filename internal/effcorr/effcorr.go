// Package effcorr computes selection efficiencies at the near and far
// detectors from selected and unselected simulation, so that the PRISM
// combination can correct for differences in selection between detectors.
package effcorr

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/AlexWilkinsonnn/lblpwgtools/internal/hist"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/logging"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/osc"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/predict"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/runplan"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/store"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/syst"
)

// TypeTag identifies a saved MCEffCorrection.
const TypeTag = "MCEffCorrection"

func logger() *zap.Logger { return logging.Named("effcorr") }

// Ratio returns sel/unsel bin by bin. A bin with zero unselected content has
// efficiency 0.
func Ratio(sel, unsel []float64) []float64 {
	if len(sel) != len(unsel) {
		logger().Panic("efficiency of mismatched spectra",
			zap.Int("selected_bins", len(sel)), zap.Int("unselected_bins", len(unsel)))
	}
	out := make([]float64, len(sel))
	for i := range sel {
		if unsel[i] == 0 {
			continue
		}
		out[i] = sel[i] / unsel[i]
	}
	return out
}

// MCEffCorrection holds the selected and unselected predictions and the
// efficiencies last computed from them.
//
// ND predictions are two-dimensional: the analysis axis by off-axis
// position. ND efficiencies are indexed [off-axis bin][energy bin].
type MCEffCorrection struct {
	mu sync.Mutex

	ndUnsel, ndSel map[int]predict.Prediction // by horn current
	fdUnsel, fdSel predict.Prediction

	ndEff map[int][][]float64
	fdEff []float64
}

// New returns an uninitialised correction.
func New() *MCEffCorrection {
	return &MCEffCorrection{
		ndUnsel: map[int]predict.Prediction{},
		ndSel:   map[int]predict.Prediction{},
		ndEff:   map[int][][]float64{},
	}
}

// Initialize installs the predictions. The 280 kA pair may be nil when the
// analysis has no 280 kA running.
func (c *MCEffCorrection) Initialize(ndUnsel293, ndSel293, ndUnsel280, ndSel280, fdUnsel, fdSel predict.Prediction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ndUnsel293 == nil || ndSel293 == nil || fdUnsel == nil || fdSel == nil {
		logger().Panic("efficiency correction needs 293 kA ND and FD predictions")
	}
	if (ndUnsel280 == nil) != (ndSel280 == nil) {
		logger().Panic("280 kA efficiency needs both selected and unselected predictions")
	}
	c.ndUnsel[runplan.HC293], c.ndSel[runplan.HC293] = ndUnsel293, ndSel293
	if ndUnsel280 != nil {
		c.ndUnsel[runplan.HC280], c.ndSel[runplan.HC280] = ndUnsel280, ndSel280
	}
	c.fdUnsel, c.fdSel = fdUnsel, fdSel
}

// CalcEfficiency recomputes the ND and FD efficiencies on the given
// analysis axis. The same shift and truth filters apply to numerator and
// denominator. ND predictions are evaluated without oscillation; FD
// predictions with calc.
//
// A correction restored by LoadFrom has no predictions and keeps its saved
// efficiencies, which must be binned like axis.
func (c *MCEffCorrection) CalcEfficiency(calc osc.Calculator, axis hist.Axis, shift syst.Shifts,
	ndFlav, fdFlav osc.Flavors, curr osc.Current, ndSign, fdSign osc.Sign) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fdSel == nil {
		if c.fdEff == nil {
			logger().Panic("CalcEfficiency before Initialize")
		}
		if len(c.fdEff) != axis.Bins.NBins() {
			logger().Panic("saved efficiencies are not binned on the analysis axis",
				zap.Int("saved_bins", len(c.fdEff)), zap.Int("axis_bins", axis.Bins.NBins()))
		}
		return
	}

	for kA, unselP := range c.ndUnsel {
		unsel := unselP.PredictComponentSyst(osc.NoOsc{}, shift, ndFlav, curr, ndSign)
		sel := c.ndSel[kA].PredictComponentSyst(osc.NoOsc{}, shift, ndFlav, curr, ndSign)
		checkAxis(axis, sel, "nd")
		if unsel.NDims() != 2 || sel.NDims() != 2 {
			logger().Panic("ND efficiency needs energy by off-axis predictions",
				zap.Int("selected_dims", sel.NDims()), zap.Int("unselected_dims", unsel.NDims()))
		}
		s2, u2 := sel.To2D(), unsel.To2D()
		eff := make([][]float64, s2.Rows())
		for r := range eff {
			eff[r] = Ratio(s2.Row(r).Array(s2.POT()), u2.Row(r).Array(s2.POT()))
		}
		c.ndEff[kA] = eff
	}

	unsel := c.fdUnsel.PredictComponentSyst(calc, shift, fdFlav, curr, fdSign)
	sel := c.fdSel.PredictComponentSyst(calc, shift, fdFlav, curr, fdSign)
	checkAxis(axis, sel, "fd")
	c.fdEff = Ratio(sel.Array(sel.POT()), unsel.Array(sel.POT()))
}

func checkAxis(axis hist.Axis, s *hist.Spectrum, det string) {
	if !s.Axis(0).Bins.Equal(axis.Bins, hist.EdgeTolerance) {
		logger().Panic("efficiency prediction is not binned on the analysis axis",
			zap.String("detector", det),
			zap.Stringer("axis", axis.Bins),
			zap.Stringer("prediction", s.Axis(0).Bins))
	}
}

// NDEfficiency returns the ND efficiency for a horn current, indexed
// [off-axis bin][energy bin], or nil before CalcEfficiency. An unknown horn
// current is fatal.
func (c *MCEffCorrection) NDEfficiency(kA int) [][]float64 {
	if kA != runplan.HC293 && kA != runplan.HC280 {
		logger().Panic("unrecognised horn current", zap.Int("kA", kA))
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	eff := c.ndEff[kA]
	if eff == nil {
		return nil
	}
	out := make([][]float64, len(eff))
	for i, row := range eff {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

// FDEfficiency returns the FD efficiency per energy bin, or nil before
// CalcEfficiency.
func (c *MCEffCorrection) FDEfficiency() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fdEff == nil {
		return nil
	}
	return append([]float64(nil), c.fdEff...)
}

type wire struct {
	ND293 [][]float64 `json:"nd_eff_293kA"`
	ND280 [][]float64 `json:"nd_eff_280kA,omitempty"`
	FD    []float64   `json:"fd_eff"`
}

// SaveTo writes the last computed efficiencies. The predictions are not
// saved.
func (c *MCEffCorrection) SaveTo(ctx context.Context, s store.Store, key string) error {
	c.mu.Lock()
	w := wire{ND293: c.ndEff[runplan.HC293], ND280: c.ndEff[runplan.HC280], FD: c.fdEff}
	c.mu.Unlock()
	return store.SaveObject(ctx, s, key, TypeTag, w)
}

// LoadFrom reads efficiencies saved by SaveTo. The result reports the saved
// efficiencies from every CalcEfficiency call until Initialize installs
// predictions.
func LoadFrom(ctx context.Context, s store.Store, key string) (*MCEffCorrection, error) {
	var w wire
	if err := store.LoadObject(ctx, s, key, TypeTag, &w); err != nil {
		return nil, err
	}
	c := New()
	c.ndEff[runplan.HC293] = w.ND293
	if w.ND280 != nil {
		c.ndEff[runplan.HC280] = w.ND280
	}
	c.fdEff = w.FD
	return c, nil
}
