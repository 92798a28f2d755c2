package api

import (
	"fmt"
	"math"
	"sort"

	"github.com/AlexWilkinsonnn/lblpwgtools/internal/hist"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/osc"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/prism"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/syst"
	"github.com/AlexWilkinsonnn/lblpwgtools/pkg/canonical"
)

// PredictRequest asks for a PRISM prediction at one oscillation point.
type PredictRequest struct {
	// Osc overrides the NuFit central values, keyed as in osc.ConfigKeys.
	Osc    map[string]float64 `json:"osc,omitempty"`
	Shifts []syst.ShiftSpec   `json:"shifts,omitempty"`
	// Match is "<nd channel>-><fd channel>"; empty selects the server default.
	Match string `json:"match,omitempty"`
	// Components limits the response; empty returns every component.
	Components []string `json:"components,omitempty"`
	// POT is the exposure the spectra are reported at; zero selects the
	// server default.
	POT float64 `json:"pot,omitempty"`
}

// Axis is one histogram axis on the wire.
type Axis struct {
	Label string    `json:"label"`
	Edges []float64 `json:"edges"`
}

// Histogram is a spectrum read at a fixed exposure.
type Histogram struct {
	Axes     []Axis    `json:"axes"`
	Contents []float64 `json:"contents"`
	Errors   []float64 `json:"errors"`
}

// PredictResponse carries the requested components.
type PredictResponse struct {
	Match       string               `json:"match"`
	POT         float64              `json:"pot"`
	Fingerprint string               `json:"fingerprint,omitempty"`
	Components  map[string]Histogram `json:"components"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewHistogram reads s at pot.
func NewHistogram(s *hist.Spectrum, pot float64) Histogram {
	axes := make([]Axis, s.NDims())
	for i, a := range s.Axes() {
		axes[i] = Axis{Label: a.Label, Edges: a.Bins.Edges()}
	}
	return Histogram{Axes: axes, Contents: s.Array(pot), Errors: s.Errors(pot)}
}

// Validate performs structural validation. Oscillation keys and shift names
// are checked when they are resolved.
func (r *PredictRequest) Validate() error {
	if r.POT < 0 || math.IsNaN(r.POT) || math.IsInf(r.POT, 0) {
		return fmt.Errorf("pot must be a finite non-negative number, got %v", r.POT)
	}
	if r.Match != "" {
		if _, err := prism.ParseMatchChan(r.Match); err != nil {
			return err
		}
	}
	for _, name := range r.Components {
		if _, ok := prism.ParseComponent(name); !ok {
			return fmt.Errorf("unknown component %q", name)
		}
	}
	for k, v := range r.Osc {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("osc.%s is not finite", k)
		}
	}
	for _, s := range r.Shifts {
		if s.Name == "" {
			return fmt.Errorf("shift name is required")
		}
	}
	return nil
}

// Digest identifies the request for logs and traces. Map order does not
// enter it.
func (r *PredictRequest) Digest() canonical.Digest {
	fields := make([]canonical.Field, 0, len(r.Osc)+len(r.Shifts)+1)
	for k, v := range r.Osc {
		fields = append(fields, canonical.Field{Name: "osc." + k, Value: v})
	}
	for _, s := range r.Shifts {
		fields = append(fields, canonical.Field{Name: "shift." + s.Name, Value: s.Value})
	}
	fields = append(fields, canonical.Field{Name: "pot", Value: r.POT})
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })

	comps := append([]string(nil), r.Components...)
	sort.Strings(comps)
	parts := []canonical.Digest{canonical.Sum("predict_request", fields), canonical.String(r.Match)}
	for _, c := range comps {
		parts = append(parts, canonical.String(c))
	}
	return canonical.Combine(parts...)
}

// Resolve turns the request into a calculator and shifts.
func (r *PredictRequest) Resolve(reg *syst.Registry) (osc.Adjustable, syst.Shifts, error) {
	calc, err := osc.Configure(r.Osc, nil)
	if err != nil {
		return nil, syst.Shifts{}, err
	}
	shifts, err := syst.ParseShifts(r.Shifts, reg)
	if err != nil {
		return nil, syst.Shifts{}, err
	}
	return calc, shifts, nil
}
