package syst

import (
	"fmt"
	"sort"
	"sync"

	"github.com/AlexWilkinsonnn/lblpwgtools/internal/osc"
)

// Registry resolves systematics by short name.
type Registry struct {
	mu    sync.RWMutex
	systs map[string]Syst
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{systs: make(map[string]Syst)}
}

// Register adds sy. Registering a second systematic under the same name
// panics.
func (r *Registry) Register(sy Syst) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.systs[sy.ShortName()]; dup {
		panic(fmt.Sprintf("syst: %q registered twice", sy.ShortName()))
	}
	r.systs[sy.ShortName()] = sy
}

// Lookup returns the systematic registered under name.
func (r *Registry) Lookup(name string) (Syst, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sy, ok := r.systs[name]
	return sy, ok
}

// Names returns all registered names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.systs))
	for n := range r.systs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Keep returns the registered systematics whose names are listed, in
// registry order. Unlisted names are ignored.
func (r *Registry) Keep(names []string) []Syst {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []Syst
	for _, n := range r.Names() {
		if want[n] {
			sy, _ := r.Lookup(n)
			out = append(out, sy)
		}
	}
	return out
}

// ShiftSpec is one {name, value} shift as it appears in configuration and
// requests.
type ShiftSpec struct {
	Name  string  `yaml:"name" json:"name"`
	Value float64 `yaml:"value" json:"value"`
}

// ParseShifts resolves specs against the registry. An unknown name is an
// error wrapping ErrUnknownSyst.
func ParseShifts(specs []ShiftSpec, r *Registry) (Shifts, error) {
	var s Shifts
	for _, sp := range specs {
		sy, ok := r.Lookup(sp.Name)
		if !ok {
			return Shifts{}, fmt.Errorf("%w: %q", ErrUnknownSyst, sp.Name)
		}
		s.Set(sy, sp.Value)
	}
	return s, nil
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the registry of normalisation systematics used by the
// PRISM analysis.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultReg = NewRegistry()
		for _, sy := range defaultSysts() {
			defaultReg.Register(sy)
		}
	})
	return defaultReg
}

func defaultSysts() []Syst {
	return []Syst{
		&ComponentScale{Name: "nd_nc_norm", Latex: "ND NC normalisation",
			Select: Selection{Detector: ND, Current: osc.NC}, OneSigma: 0.2},
		&ComponentScale{Name: "fd_nc_norm", Latex: "FD NC normalisation",
			Select: Selection{Detector: FD, Current: osc.NC}, OneSigma: 0.2},
		&ComponentScale{Name: "wrong_sign_norm", Latex: "Wrong-sign normalisation",
			Select: Selection{Current: osc.CC, Sign: osc.AntiNu}, OneSigma: 0.1},
		&ComponentScale{Name: "nue_norm", Latex: "#nu_{e} CC normalisation",
			Select: Selection{Flavors: osc.AllNuE, Current: osc.CC}, OneSigma: 0.05},
		&ComponentScale{Name: "numu_norm", Latex: "#nu_{#mu} CC normalisation",
			Select: Selection{Flavors: osc.AllNuMu, Current: osc.CC}, OneSigma: 0.05},
		&ComponentScale{Name: "nutau_norm", Latex: "#nu_{#tau} CC normalisation",
			Select: Selection{Flavors: osc.AllNuTau, Current: osc.CC}, OneSigma: 0.2},
		&ComponentScale{Name: "fd_norm", Latex: "FD normalisation",
			Select: Selection{Detector: FD}, OneSigma: 0.02},
	}
}
