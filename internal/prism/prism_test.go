package prism

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/AlexWilkinsonnn/lblpwgtools/internal/effcorr"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/extrap"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/hist"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/ndfd"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/osc"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/predict"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/runplan"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/store"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/syst"
)

var (
	anaAxis  = hist.NewAxis("Reco E (GeV)", hist.Simple(4, 0, 4))
	trueAxis = hist.NewAxis("True E (GeV)", hist.Simple(4, 0, 4))
	oaAxis   = hist.NewAxis("Off axis (m)", hist.Simple(3, 0, 3))

	ndRows = [][]float64{
		{4, 2, 1, 0},
		{1, 3, 2, 1},
		{0, 1, 2, 4},
	}

	plan = runplan.RunPlan{Stops: []runplan.DetectorStop{
		{Min: 0, Max: 1, POT: 10, HornCurrent: runplan.HC293},
		{Min: 1, Max: 2, POT: 20, HornCurrent: runplan.HC293},
		{Min: 2, Max: 3, POT: 30, HornCurrent: runplan.HC293},
	}}
)

// ndComp fills scale*ndRows on the diagonal of true and reco energy.
func ndComp(flav osc.Flavors, curr osc.Current, sign osc.Sign, scale float64) predict.Component {
	o := predict.NewOscillatable(trueAxis, 1, anaAxis, oaAxis)
	for r, row := range ndRows {
		for i, e := range trueAxis.Bins.Centers() {
			o.Fill(scale*row[i], e, e, oaAxis.Bins.Center(r))
		}
	}
	return predict.Component{Flavors: flav, Current: curr, Sign: sign, Spectrum: o}
}

func fdComp(flav osc.Flavors, curr osc.Current, sign osc.Sign, contents ...float64) predict.Component {
	o := predict.NewOscillatable(trueAxis, 5, anaAxis)
	for i, e := range trueAxis.Bins.Centers() {
		o.Fill(contents[i], e, e)
	}
	return predict.Component{Flavors: flav, Current: curr, Sign: sign, Spectrum: o}
}

func ndNumu() *predict.NoExtrap {
	return predict.NewNoExtrap(syst.ND,
		ndComp(osc.NuMuToNuMu, osc.CC, osc.Nu, 1),
		ndComp(osc.NuMuToNuMu, osc.NC, osc.Nu, 0.3),
		ndComp(osc.NuMuToNuMu, osc.CC, osc.AntiNu, 0.2),
		ndComp(osc.NuEToNuE, osc.CC, osc.Nu, 0.1),
	)
}

var (
	fdNumuSig = fdComp(osc.NuMuToNuMu, osc.CC, osc.Nu, 10, 20, 15, 5)
	fdNueSig  = fdComp(osc.NuMuToNuE, osc.CC, osc.Nu, 1, 3, 2, 1)
)

func fdNumu() *predict.NoExtrap {
	return predict.NewNoExtrap(syst.FD,
		fdNumuSig,
		fdComp(osc.NuMuToNuMu, osc.NC, osc.Nu, 1, 1, 1, 1),
		fdComp(osc.NuMuToNuMu, osc.CC, osc.AntiNu, 2, 2, 1, 1),
		fdComp(osc.NuMuToNuE, osc.CC, osc.Nu, 0.5, 0.5, 0.5, 0.5),
	)
}

func fdNue() *predict.NoExtrap {
	return predict.NewNoExtrap(syst.FD,
		fdNueSig,
		fdComp(osc.NuEToNuE, osc.CC, osc.Nu, 0.4, 0.4, 0.2, 0.1),
		fdComp(osc.NuMuToNuE, osc.NC, osc.Nu, 1, 1, 1, 1),
		fdComp(osc.NuMuToNuE, osc.CC, osc.AntiNu, 0.1, 0.2, 0.1, 0.1),
		fdComp(osc.NuMuToNuMu, osc.CC, osc.Nu, 0.3, 0.3, 0.3, 0.3),
	)
}

func fluxMatcherND() *hist.Spectrum2D {
	m := mat.NewDense(3, 4, nil)
	for r, row := range ndRows {
		m.SetRow(r, row)
	}
	return hist.FromMatrix(m, nil, anaAxis, oaAxis, 1)
}

func fluxMatcher() *extrap.Extrapolator {
	x := extrap.New(extrap.DefaultConditioning(), 0, nil)
	x.InitializeFluxMatcher(extrap.FluxInputs{
		ND293: map[extrap.FluxPredSpecies]*hist.Spectrum2D{
			extrap.NumuNumode: fluxMatcherND(),
		},
		FD: map[extrap.FluxPredSpecies]*hist.Spectrum{
			extrap.NumuNumode: hist.FromContents([]float64{2, 5, 4, 3}, nil, 1, anaAxis),
		},
	}, 1, 1, 1)
	return x
}

// numuComposer is a disappearance composer whose ND data is its simulation.
func numuComposer() *Prediction {
	p := New(anaAxis, oaAxis, hist.Axis{})
	p.SetNDRunPlan(plan, NuMode)
	p.AddNDMC(NumuNumode, runplan.HC293, ndNumu())
	p.AddFDMC(NumuNumode, fdNumu())
	p.AddFDUnOscWeightedSig(NumuNumode, predict.NewNoExtrap(syst.FD, fdNumuSig))
	p.SetFluxMatcher(fluxMatcher())
	return p
}

func TestComponentNames(t *testing.T) {
	for _, c := range Components() {
		got, ok := ParseComponent(c.String())
		require.True(t, ok, c.String())
		assert.Equal(t, c, got)
	}
	assert.Equal(t, "NDSigPred_293kA", NDSig293.String())
	assert.Equal(t, "NDData_FDExtrap", NDDataFDExtrap.String())
	_, ok := ParseComponent("NDNothing")
	assert.False(t, ok)
}

func TestChannels(t *testing.T) {
	for _, m := range []MatchChan{NumuDisappearanceNumode, NumuDisappearanceNubarmode, NueAppearanceNumode, NueAppearanceNubarmode} {
		got, err := ParseMatchChan(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	assert.Equal(t, "numu_numode->nue_numode", NueAppearanceNumode.String())
	assert.True(t, NueAppearanceNubarmode.Appearance())
	assert.False(t, NumuDisappearanceNubarmode.Appearance())
	assert.Equal(t, extrap.NuebarNubarmode, NuebarNubarmode.Species())

	assert.True(t, NumubarNumode.validND())
	assert.False(t, NumubarNumode.validFD())
	assert.False(t, BeamChan{NuMode, Nuebar}.validND())

	for _, bad := range []string{"numu", "numu_sidemode", "nutau_numode", "numu_numode->"} {
		_, err := ParseMatchChan(bad)
		assert.Error(t, err, bad)
	}
}

func TestDisappearanceClosure(t *testing.T) {
	calc := osc.NuFit()
	comps := numuComposer().PredictPRISMComponents(calc, syst.NoShift(), NumuDisappearanceNumode)

	assert.InDeltaSlice(t, comps[FDOscPred].Array(1), comps[PRISMPred].Array(1), 1e-9)
	assert.InDeltaSlice(t, comps[PRISMPred].Array(1), comps[PRISMMC].Array(1), 1e-9)
	assert.InDeltaSlice(t, comps[NDSig293].Array(1), comps[NDDataCorr293].Array(1), 1e-9)

	for _, c := range []Component{NDData293, NDDataUnweighted293, NDDataCorr2D293, NDSig2D293,
		NDNCBkg293, NDWSBkg293, NDWrongLepBkg293, NDFDWeightings293, NDLinearComb,
		FDFluxCorr, FDNCBkg, FDWSBkg, FDWrongLepBkg, FDUnOscPred} {
		assert.Contains(t, comps, c, c.String())
	}
	assert.NotContains(t, comps, FDIntrinsicBkg)
	assert.NotContains(t, comps, NDDataFDExtrap)
	assert.Equal(t, 2, comps[NDDataCorr2D293].NDims())
	assert.Equal(t, 3, comps[NDFDWeightings293].NBins())

	// stop exposures are 10, 20 and 30
	sig := comps[NDSig293].Array(comps[NDSig293].POT())
	assert.InDelta(t, 4*10+1*20, sig[0], 1e-9)
	assert.InDelta(t, 2*10+3*20+1*30, sig[1], 1e-9)
}

func TestClosureWithEfficiency(t *testing.T) {
	scaled := func(f float64) *predict.NoExtrap {
		return predict.NewNoExtrap(syst.ND, ndComp(osc.NuMuToNuMu, osc.CC, osc.Nu, f))
	}
	eff := effcorr.New()
	eff.Initialize(scaled(2), scaled(1), nil, nil,
		predict.NewNoExtrap(syst.FD, fdComp(osc.NuMuToNuMu, osc.CC, osc.Nu, 20, 40, 20, 10)),
		predict.NewNoExtrap(syst.FD, fdNumuSig))

	p := numuComposer()
	p.SetMCEffCorrection(eff)
	comps := p.PredictPRISMComponents(osc.NuFit(), syst.NoShift(), NumuDisappearanceNumode)

	assert.InDeltaSlice(t, comps[FDOscPred].Array(1), comps[PRISMPred].Array(1), 1e-9)
	// ND signal is divided by an efficiency of one half
	plain := numuComposer().PredictPRISMComponents(osc.NuFit(), syst.NoShift(), NumuDisappearanceNumode)
	want := plain[NDSig293].Array(1)
	for i := range want {
		want[i] *= 2
	}
	assert.InDeltaSlice(t, want, comps[NDSig293].Array(1), 1e-9)
}

func TestRestoredEfficiencyCorrection(t *testing.T) {
	ctx := context.Background()
	scaled := func(f float64) *predict.NoExtrap {
		return predict.NewNoExtrap(syst.ND, ndComp(osc.NuMuToNuMu, osc.CC, osc.Nu, f))
	}
	eff := effcorr.New()
	eff.Initialize(scaled(2), scaled(1), nil, nil,
		predict.NewNoExtrap(syst.FD, fdComp(osc.NuMuToNuMu, osc.CC, osc.Nu, 20, 40, 20, 10)),
		predict.NewNoExtrap(syst.FD, fdNumuSig))

	calc := osc.NuFit()
	p := numuComposer()
	p.SetMCEffCorrection(eff)
	want := p.PredictPRISMComponents(calc, syst.NoShift(), NumuDisappearanceNumode)

	s, err := store.NewMemoryStore("")
	require.NoError(t, err)
	require.NoError(t, eff.SaveTo(ctx, s, "prism/eff"))
	restored, err := effcorr.LoadFrom(ctx, s, "prism/eff")
	require.NoError(t, err)

	q := numuComposer()
	q.SetMCEffCorrection(restored)
	var got map[Component]*hist.Spectrum
	require.NotPanics(t, func() {
		got = q.PredictPRISMComponents(calc, syst.NoShift(), NumuDisappearanceNumode)
	})
	assert.InDeltaSlice(t, want[NDSig293].Array(1), got[NDSig293].Array(1), 1e-9)
	assert.InDeltaSlice(t, want[PRISMPred].Array(1), got[PRISMPred].Array(1), 1e-9)
}

func TestAppearanceClosure(t *testing.T) {
	p := New(anaAxis, oaAxis, hist.Axis{})
	p.SetNDRunPlan(plan, NuMode)
	p.AddNDMC(NumuNumode, runplan.HC293, ndNumu())
	p.AddFDMC(NueNumode, fdNue())
	p.AddFDUnOscWeightedSig(NueNumode, predict.NewNoExtrap(syst.FD, fdNueSig))
	p.AddFDNonSwapAppOsc(NuMode, predict.NewNoExtrap(syst.FD,
		fdComp(osc.NuMuToNuE, osc.CC, osc.Nu, 10, 20, 15, 5)))
	p.SetFluxMatcher(fluxMatcher())

	comps := p.PredictPRISMComponents(osc.NuFit(), syst.NoShift(), NueAppearanceNumode)
	assert.InDeltaSlice(t, comps[FDOscPred].Array(1), comps[PRISMPred].Array(1), 1e-9)
	for _, c := range []Component{FDNumuNueCorrNumu, FDNumuNueCorrNue, FDNumuNueCorr, FDIntrinsicBkg} {
		assert.Contains(t, comps, c, c.String())
	}
	assert.InDeltaSlice(t,
		hist.Difference(comps[FDNumuNueCorrNue], comps[FDNumuNueCorrNumu]).Array(1),
		comps[FDNumuNueCorr].Array(1), 1e-9)
}

func TestAppearanceNeedsAppearanceWeightedSim(t *testing.T) {
	p := New(anaAxis, oaAxis, hist.Axis{})
	p.SetNDRunPlan(plan, NuMode)
	p.AddNDMC(NumuNumode, runplan.HC293, ndNumu())
	p.AddFDMC(NueNumode, fdNue())
	p.AddFDUnOscWeightedSig(NueNumode, predict.NewNoExtrap(syst.FD, fdNueSig))
	p.SetFluxMatcher(fluxMatcher())
	assert.Panics(t, func() { p.PredictPRISMComponents(osc.NuFit(), syst.NoShift(), NueAppearanceNumode) })
}

func TestCorrectionsDisabled(t *testing.T) {
	calc := osc.NuFit()
	p := numuComposer()
	p.SetCorrections(Corrections{})
	comps := p.PredictPRISMComponents(calc, syst.NoShift(), NumuDisappearanceNumode)

	// backgrounds are still reported, but neither subtracted nor added back
	assert.Contains(t, comps, FDNCBkg)
	assert.InDeltaSlice(t, comps[NDData293].Array(1), comps[NDDataCorr293].Array(1), 1e-9)
	sigOnly := predict.NewNoExtrap(syst.FD, fdNumuSig).Predict(calc)
	assert.InDeltaSlice(t, sigOnly.Array(1), comps[PRISMMC].Array(1), 1e-9)
}

func TestMeasuredNDData(t *testing.T) {
	data := hist.NewSpectrum2D(anaAxis, oaAxis, 1)
	for r, row := range ndRows {
		for c, v := range row {
			data.Set(r, c, 3*v, 3*v)
		}
	}
	p := numuComposer()
	p.AddNDData(NumuNumode, runplan.HC293, data)
	data.Set(0, 0, 1e6, 0)

	comps := p.PredictPRISMComponents(osc.NuFit(), syst.NoShift(), NumuDisappearanceNumode)
	unweighted := comps[NDDataUnweighted293].Array(1)
	assert.InDeltaSlice(t, []float64{15, 18, 15, 15}, unweighted, 1e-9)
	assert.NotEqual(t, comps[PRISMPred].Array(1), comps[PRISMMC].Array(1))
}

func TestUnfoldedPrediction(t *testing.T) {
	id := mat.NewDiagDense(4, []float64{1, 1, 1, 1})
	twice := mat.NewDiagDense(4, []float64{2, 2, 2, 2})
	m := ndfd.New(
		hist.FromMatrix(id, nil, trueAxis, anaAxis, 1),
		hist.FromMatrix(twice, nil, trueAxis, anaAxis, 1),
		plan.PlanPOT())

	p := New(anaAxis, oaAxis, hist.Axis{})
	p.SetNDRunPlan(plan, NuMode)
	p.AddNDMC(NumuNumode, runplan.HC293, ndNumu())
	p.AddFDMC(NumuNumode, fdNumu())
	p.SetNDFDDetExtrap(m)

	calc := osc.NuFit()
	comps := p.PredictPRISMComponents(calc, syst.NoShift(), NumuDisappearanceNumode)
	comb := comps[NDLinearComb].Array(1)
	want := make([]float64, len(comb))
	bkg := hist.Sum(hist.Sum(comps[FDNCBkg], comps[FDWSBkg]), comps[FDWrongLepBkg]).Array(1)
	for i := range want {
		want[i] = 2*comb[i] + bkg[i]
	}
	assert.InDeltaSlice(t, want, comps[PRISMPred].Array(1), 1e-9)
	assert.Contains(t, comps, NDDataFDExtrap)
	assert.Equal(t, ndfd.Built, m.State(), "stored matrix is not consumed")

	// a second query unfolds again
	p.SetCorrections(AllCorrections())
	again := p.PredictPRISMComponents(calc, syst.NoShift(), NumuDisappearanceNumode)
	assert.InDeltaSlice(t, want, again[PRISMPred].Array(1), 1e-9)
}

func TestNeedsMatcherOrMatrix(t *testing.T) {
	p := New(anaAxis, oaAxis, hist.Axis{})
	p.SetNDRunPlan(plan, NuMode)
	p.AddNDMC(NumuNumode, runplan.HC293, ndNumu())
	p.AddFDMC(NumuNumode, fdNumu())
	assert.Panics(t, func() { p.Predict(osc.NuFit()) })
}

func TestMissingInputsPanic(t *testing.T) {
	tests := []struct {
		name  string
		build func() *Prediction
		match MatchChan
	}{
		{"no run plan", func() *Prediction {
			p := New(anaAxis, oaAxis, hist.Axis{})
			p.AddNDMC(NumuNumode, runplan.HC293, ndNumu())
			p.AddFDMC(NumuNumode, fdNumu())
			p.SetFluxMatcher(fluxMatcher())
			return p
		}, NumuDisappearanceNumode},
		{"no ND simulation", func() *Prediction {
			p := New(anaAxis, oaAxis, hist.Axis{})
			p.SetNDRunPlan(plan, NuMode)
			p.AddFDMC(NumuNumode, fdNumu())
			p.AddFDUnOscWeightedSig(NumuNumode, predict.NewNoExtrap(syst.FD, fdNumuSig))
			p.SetFluxMatcher(fluxMatcher())
			return p
		}, NumuDisappearanceNumode},
		{"no FD simulation", numuComposer, NueAppearanceNumode},
		{"wrong-sign FD channel", numuComposer, MatchChan{NumuNumode, NumubarNumode}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.build()
			assert.Panics(t, func() { p.PredictPRISMComponents(osc.NuFit(), syst.NoShift(), tt.match) })
		})
	}
}

func TestWriteOnce(t *testing.T) {
	p := numuComposer()
	assert.Panics(t, func() { p.AddFDMC(NumuNumode, fdNumu()) }, "duplicate")
	assert.Panics(t, func() { p.AddFDMC(NumubarNumode, fdNumu()) }, "wrong sign at the FD")
	assert.Panics(t, func() { p.AddNDMC(NumuNumode, runplan.HC280, ndNumu()) }, "no 280 kA binning")
	assert.Panics(t, func() {
		p.AddNDData(NumuNumode, runplan.HC293, hist.NewSpectrum2D(anaAxis, hist.NewAxis("oa", hist.Simple(2, 0, 3)), 1))
	}, "off-axis binning")

	p.Predict(osc.NuFit())
	assert.Panics(t, func() { p.AddFDUnOscWeightedSig(NumubarNubarmode, fdNumu()) }, "sealed")
}

func TestQueryMemo(t *testing.T) {
	calc := osc.NuFit()
	p := numuComposer()

	first := p.Predict(calc)
	first.Scale(0)
	second := p.Predict(calc)
	assert.NotEqual(t, first.Array(1), second.Array(1), "callers own returned spectra")
	assert.EqualValues(t, 1, p.Stats().Hits)
	assert.EqualValues(t, 1, p.Stats().Misses)

	shift := syst.NoShift()
	fdNorm, ok := syst.Default().Lookup("fd_norm")
	require.True(t, ok)
	shift.Set(fdNorm, 1)
	shifted := p.PredictSyst(calc, shift)
	assert.EqualValues(t, 2, p.Stats().Misses)
	assert.NotEqual(t, second.Array(1), shifted.Array(1))

	other := calc.Copy()
	other.SetDCP(1.0)
	p.Predict(other)
	assert.EqualValues(t, 3, p.Stats().Misses)
}

func TestQueryMemoFollowsMatcher(t *testing.T) {
	calc := osc.NuFit()
	cond := extrap.DefaultConditioning()
	cond.RegFactor = 10

	p := numuComposer()
	x := fluxMatcher()
	p.SetFluxMatcher(x)
	before := p.PredictPRISMComponents(calc, syst.NoShift(), NumuDisappearanceNumode)[NDLinearComb]

	x.SetTargetConditioning(cond)
	after := p.PredictPRISMComponents(calc, syst.NoShift(), NumuDisappearanceNumode)[NDLinearComb]
	assert.EqualValues(t, 0, p.Stats().Hits)
	assert.EqualValues(t, 2, p.Stats().Misses)

	fresh := numuComposer()
	fx := fluxMatcher()
	fx.SetTargetConditioning(cond)
	fresh.SetFluxMatcher(fx)
	want := fresh.PredictPRISMComponents(calc, syst.NoShift(), NumuDisappearanceNumode)[NDLinearComb]
	assert.InDeltaSlice(t, want.Array(1), after.Array(1), 1e-12)
	assert.NotEqual(t, before.Array(1), after.Array(1))

	// reinitialising the inputs also invalidates
	x.InitializeFluxMatcher(extrap.FluxInputs{
		ND293: map[extrap.FluxPredSpecies]*hist.Spectrum2D{
			extrap.NumuNumode: fluxMatcherND(),
		},
		FD: map[extrap.FluxPredSpecies]*hist.Spectrum{
			extrap.NumuNumode: hist.FromContents([]float64{1, 1, 1, 1}, nil, 1, anaAxis),
		},
	}, 1, 1, 1)
	p.PredictPRISMComponents(calc, syst.NoShift(), NumuDisappearanceNumode)
	assert.EqualValues(t, 3, p.Stats().Misses)
}

func TestPredictComponentUsesFDSimulation(t *testing.T) {
	calc := osc.NuFit()
	p := numuComposer()
	got := p.PredictComponent(calc, osc.AllNuMu, osc.CC, osc.Nu)
	assert.InDeltaSlice(t, fdNumu().PredictComponent(calc, osc.AllNuMu, osc.CC, osc.Nu).Array(1), got.Array(1), 1e-12)
}

func TestGaussianFlux(t *testing.T) {
	p := numuComposer()
	comps := p.PredictGaussianFlux(2, 0.5, syst.NoShift(), NumuNumode)
	assert.Contains(t, comps, NDLinearComb)
	assert.Contains(t, comps, NDFDWeightings293)
	assert.NotContains(t, comps, PRISMPred)

	assert.Panics(t, func() {
		New(anaAxis, oaAxis, hist.Axis{}).PredictGaussianFlux(2, 0.5, syst.NoShift(), NumuNumode)
	})
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewMemoryStore("")
	require.NoError(t, err)

	p := numuComposer()
	p.SetCorrections(Corrections{NC: true, WrongSign: true})
	p.SetMaxOffAxis(2.5)
	require.NoError(t, p.SaveTo(ctx, s, "prism/numu"))

	loaded, err := predict.LoadFrom(ctx, s, "prism/numu")
	require.NoError(t, err)
	require.IsType(t, &Prediction{}, loaded)
	lp := loaded.(*Prediction)
	assert.Equal(t, p.corr, lp.corr)
	assert.Equal(t, 2.5, lp.maxOffAxis)
	assert.True(t, lp.AnalysisAxis().Bins.Equal(anaAxis.Bins, hist.EdgeTolerance))

	lp.SetFluxMatcher(fluxMatcher())
	calc := osc.NuFit()
	assert.InDeltaSlice(t, p.Predict(calc).Array(1), lp.Predict(calc).Array(1), 1e-9)

	_, err = LoadFrom(ctx, s, "prism/none")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSaveOrderIsStable(t *testing.T) {
	ctx := context.Background()
	build := func() *Prediction {
		p := numuComposer()
		p.AddFDNonSwapAppOsc(NuBarMode, predict.NewNoExtrap(syst.FD, fdNueSig))
		p.AddFDNonSwapAppOsc(NuMode, predict.NewNoExtrap(syst.FD, fdNueSig))
		return p
	}
	var first []slotWire
	for i := 0; i < 10; i++ {
		s, err := store.NewMemoryStore("")
		require.NoError(t, err)
		require.NoError(t, build().SaveTo(ctx, s, "prism"))

		var w wire
		require.NoError(t, store.LoadObject(ctx, s, "prism", TypeTag, &w))
		if first == nil {
			first = w.Slots
			continue
		}
		assert.Equal(t, first, w.Slots)
	}
	var app []BeamMode
	for _, sl := range first {
		if sl.Kind == slotFDAppOsc {
			app = append(app, sl.Chan.Mode)
		}
	}
	assert.Equal(t, []BeamMode{NuMode, NuBarMode}, app)
}
