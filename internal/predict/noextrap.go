package predict

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/AlexWilkinsonnn/lblpwgtools/internal/hist"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/osc"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/store"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/syst"
)

// TypeNoExtrap identifies a saved NoExtrap prediction.
const TypeNoExtrap = "PredictionNoExtrap"

// Component is one truth component of a simulated sample.
//
// Charged-current components carry a single oscillation channel and a single
// sign and are oscillated with P(from -> to). Neutral-current components are
// flavour-summed and never oscillated.
type Component struct {
	Flavors  osc.Flavors           `json:"flavors"`
	Current  osc.Current           `json:"current"`
	Sign     osc.Sign              `json:"sign"`
	Spectrum *OscillatableSpectrum `json:"spectrum"`
}

// NoExtrap predicts directly from simulation at the detector being
// predicted, with no data-driven extrapolation.
type NoExtrap struct {
	detector syst.Detector
	comps    []Component
}

// NewNoExtrap builds a prediction from its truth components. All components
// must share the reco binning.
func NewNoExtrap(det syst.Detector, comps ...Component) *NoExtrap {
	p := &NoExtrap{detector: det}
	for _, c := range comps {
		p.Add(c)
	}
	return p
}

// Add appends a truth component.
func (p *NoExtrap) Add(c Component) {
	if c.Spectrum == nil {
		logger().Panic("nil component spectrum")
	}
	if c.Current == osc.CC {
		if len(c.Flavors.Channels()) != 1 || len(c.Sign.Signs()) != 1 {
			logger().Panic("charged-current component needs a single channel and sign",
				zap.Stringer("flavors", c.Flavors), zap.Stringer("sign", c.Sign))
		}
	} else if c.Current != osc.NC {
		logger().Panic("component needs CC or NC", zap.Stringer("current", c.Current))
	}
	if len(p.comps) > 0 && !sameReco(p.comps[0].Spectrum, c.Spectrum) {
		logger().Panic("component reco binning differs from the prediction's")
	}
	p.comps = append(p.comps, c)
}

func sameReco(a, b *OscillatableSpectrum) bool {
	ra, rb := a.RecoAxes(), b.RecoAxes()
	if len(ra) != len(rb) {
		return false
	}
	for i := range ra {
		if !ra[i].Bins.Equal(rb[i].Bins, hist.EdgeTolerance) {
			return false
		}
	}
	return true
}

// Detector returns the detector the prediction is for.
func (p *NoExtrap) Detector() syst.Detector { return p.detector }

// Components returns the truth components.
func (p *NoExtrap) Components() []Component {
	return append([]Component(nil), p.comps...)
}

func (p *NoExtrap) Predict(calc osc.Calculator) *hist.Spectrum {
	return p.PredictSyst(calc, syst.NoShift())
}

func (p *NoExtrap) PredictSyst(calc osc.Calculator, shift syst.Shifts) *hist.Spectrum {
	return p.PredictComponentSyst(calc, shift, osc.AllFlavors, osc.BothCurrents, osc.BothSigns)
}

func (p *NoExtrap) PredictComponent(calc osc.Calculator, flav osc.Flavors, curr osc.Current, sign osc.Sign) *hist.Spectrum {
	return p.PredictComponentSyst(calc, syst.NoShift(), flav, curr, sign)
}

// PredictComponentSyst sums the selected components. Flavour selection
// applies to charged-current components only. Component-scale systematics
// in shift multiply the components they select.
func (p *NoExtrap) PredictComponentSyst(calc osc.Calculator, shift syst.Shifts, flav osc.Flavors, curr osc.Current, sign osc.Sign) *hist.Spectrum {
	if len(p.comps) == 0 {
		logger().Panic("prediction has no components")
	}
	first := p.comps[0].Spectrum
	out := hist.New(first.POT(), first.RecoAxes()...)

	for _, c := range p.comps {
		if c.Current&curr == 0 || c.Sign&sign == 0 {
			continue
		}
		var s *hist.Spectrum
		if c.Current == osc.NC {
			s = c.Spectrum.Unoscillated()
		} else {
			if c.Flavors&flav == 0 {
				continue
			}
			from, to := c.Flavors.PDG(c.Sign == osc.AntiNu)
			s = c.Spectrum.Oscillated(calc, from, to)
		}
		f := shift.ScaleFactor(syst.Component{
			Detector: p.detector,
			Flavors:  c.Flavors,
			Current:  c.Current,
			Sign:     c.Sign,
		})
		if f != 1 {
			s.Scale(f)
		}
		out.Add(s)
	}
	return out
}

type noExtrapWire struct {
	Detector syst.Detector `json:"detector"`
	Comps    []Component   `json:"components"`
}

func (p *NoExtrap) SaveTo(ctx context.Context, s store.Store, key string) error {
	return store.SaveObject(ctx, s, key, TypeNoExtrap, noExtrapWire{Detector: p.detector, Comps: p.comps})
}

// LoadNoExtrap reads a NoExtrap prediction saved by SaveTo.
func LoadNoExtrap(ctx context.Context, s store.Store, key string) (*NoExtrap, error) {
	var w noExtrapWire
	if err := store.LoadObject(ctx, s, key, TypeNoExtrap, &w); err != nil {
		return nil, err
	}
	for i, c := range w.Comps {
		if c.Spectrum == nil {
			return nil, fmt.Errorf("predict: %s: component %d has no spectrum", key, i)
		}
	}
	return NewNoExtrap(w.Detector, w.Comps...), nil
}
