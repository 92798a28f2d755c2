package prism

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/AlexWilkinsonnn/lblpwgtools/internal/hist"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/predict"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/runplan"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/store"
)

// TypeTag identifies a saved PRISM prediction.
const TypeTag = "PredictionPRISM"

type planWire struct {
	Mode BeamMode        `json:"mode"`
	Plan runplan.RunPlan `json:"plan"`
}

type ndDataWire struct {
	Key  ndKey            `json:"key"`
	Data *hist.Spectrum2D `json:"data"`
}

// slotWire names one nested prediction saved under its own key.
type slotWire struct {
	Kind string   `json:"kind"`
	Chan BeamChan `json:"chan"`
	KA   int      `json:"horn_current,omitempty"`
	Key  string   `json:"key"`
}

type wire struct {
	Analysis       hist.Axis    `json:"analysis"`
	OffAxis        hist.Axis    `json:"off_axis"`
	OffAxis280     *hist.Axis   `json:"off_axis_280,omitempty"`
	RunPlans       []planWire   `json:"run_plans"`
	Corrections    Corrections  `json:"corrections"`
	ErrorsFromRate bool         `json:"nd_errors_from_rate"`
	MaxOffAxis     float64      `json:"max_off_axis"`
	DefaultMatch   MatchChan    `json:"default_match"`
	NDData         []ndDataWire `json:"nd_data,omitempty"`
	Slots          []slotWire   `json:"slots"`
}

const (
	slotNDMC     = "nd_mc"
	slotFDMC     = "fd_mc"
	slotFDSig    = "fd_sig"
	slotFDAppOsc = "fd_app_osc"
)

// SaveTo writes the axes, run plans, settings, ND data and every registered
// simulation. Nested simulations are saved under key. The matcher, smearing
// matrix and efficiency correction are saved separately by their owners.
func (p *Prediction) SaveTo(ctx context.Context, s store.Store, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w := wire{
		Analysis:       p.analysis,
		OffAxis:        p.offAxis,
		Corrections:    p.corr,
		ErrorsFromRate: p.errorsFromRate,
		MaxOffAxis:     p.maxOffAxis,
		DefaultMatch:   p.defaultMatch,
	}
	if p.offAxis280.Bins.NBins() > 0 {
		oa := p.offAxis280
		w.OffAxis280 = &oa
	}
	for mode, rp := range p.runPlans {
		w.RunPlans = append(w.RunPlans, planWire{mode, rp})
	}
	sort.Slice(w.RunPlans, func(i, j int) bool { return w.RunPlans[i].Mode < w.RunPlans[j].Mode })
	for k, d := range p.ndData {
		w.NDData = append(w.NDData, ndDataWire{k, d})
	}
	sort.Slice(w.NDData, func(i, j int) bool { return lessNDKey(w.NDData[i].Key, w.NDData[j].Key) })

	save := func(kind string, ch BeamChan, kA int, pred predict.Prediction) error {
		parts := []string{key, kind, ch.String()}
		if kA != 0 {
			parts = append(parts, strconv.Itoa(kA))
		}
		sub := store.Join(parts...)
		if err := predict.Save(ctx, s, sub, pred); err != nil {
			return fmt.Errorf("failed to save PRISM %s %s: %w", kind, ch, err)
		}
		w.Slots = append(w.Slots, slotWire{Kind: kind, Chan: ch, KA: kA, Key: sub})
		return nil
	}
	for _, k := range sortedNDKeys(p.ndMC) {
		if err := save(slotNDMC, k.Chan, k.HornCurrent, p.ndMC[k]); err != nil {
			return err
		}
	}
	for _, ch := range sortedChans(p.fdMC) {
		if err := save(slotFDMC, ch, 0, p.fdMC[ch]); err != nil {
			return err
		}
	}
	for _, ch := range sortedChans(p.fdSig) {
		if err := save(slotFDSig, ch, 0, p.fdSig[ch]); err != nil {
			return err
		}
	}
	modes := make([]BeamMode, 0, len(p.fdAppOsc))
	for mode := range p.fdAppOsc {
		modes = append(modes, mode)
	}
	sort.Slice(modes, func(i, j int) bool { return modes[i] < modes[j] })
	for _, mode := range modes {
		if err := save(slotFDAppOsc, BeamChan{Mode: mode, Chan: Numu}, 0, p.fdAppOsc[mode]); err != nil {
			return err
		}
	}
	return store.SaveObject(ctx, s, key, TypeTag, w)
}

// LoadFrom restores a composer saved by SaveTo. The returned composer is
// open: a matcher, smearing matrix or efficiency correction can still be
// attached before the first query.
func LoadFrom(ctx context.Context, s store.Store, key string) (*Prediction, error) {
	var w wire
	if err := store.LoadObject(ctx, s, key, TypeTag, &w); err != nil {
		return nil, err
	}
	var oa280 hist.Axis
	if w.OffAxis280 != nil {
		oa280 = *w.OffAxis280
	}
	p := New(w.Analysis, w.OffAxis, oa280)
	p.corr = w.Corrections
	p.errorsFromRate = w.ErrorsFromRate
	p.maxOffAxis = w.MaxOffAxis
	p.defaultMatch = w.DefaultMatch
	for _, rp := range w.RunPlans {
		p.runPlans[rp.Mode] = rp.Plan
	}
	for _, d := range w.NDData {
		if d.Data == nil {
			return nil, fmt.Errorf("prism: %s: ND data for %s has no spectrum", key, d.Key.Chan)
		}
		p.AddNDData(d.Key.Chan, d.Key.HornCurrent, d.Data)
	}
	for _, sl := range w.Slots {
		pred := predict.MustLoad(ctx, s, sl.Key)
		switch sl.Kind {
		case slotNDMC:
			p.AddNDMC(sl.Chan, sl.KA, pred)
		case slotFDMC:
			p.AddFDMC(sl.Chan, pred)
		case slotFDSig:
			p.AddFDUnOscWeightedSig(sl.Chan, pred)
		case slotFDAppOsc:
			p.AddFDNonSwapAppOsc(sl.Chan.Mode, pred)
		default:
			return nil, fmt.Errorf("prism: %s: unknown input slot %q", key, sl.Kind)
		}
	}
	return p, nil
}

func init() {
	predict.RegisterLoader(TypeTag, func(ctx context.Context, s store.Store, key string) (predict.Prediction, error) {
		p, err := LoadFrom(ctx, s, key)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

func lessNDKey(a, b ndKey) bool {
	if a.Chan.String() != b.Chan.String() {
		return a.Chan.String() < b.Chan.String()
	}
	return a.HornCurrent < b.HornCurrent
}

func sortedNDKeys(m map[ndKey]predict.Prediction) []ndKey {
	out := make([]ndKey, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return lessNDKey(out[i], out[j]) })
	return out
}

func sortedChans(m map[BeamChan]predict.Prediction) []BeamChan {
	out := make([]BeamChan, 0, len(m))
	for ch := range m {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
