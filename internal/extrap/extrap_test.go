package extrap

import (
	"context"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/AlexWilkinsonnn/lblpwgtools/internal/hist"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/metrics"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/osc"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/predict"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/store"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/syst"
)

var (
	eAxis  = hist.NewAxis("E_{#nu} (GeV)", hist.Simple(4, 0, 4))
	oaAxis = hist.NewAxis("Off axis (m)", hist.Simple(3, 0, 3))

	// per-POT off-axis fluxes, rows are off-axis bins
	ndRows = [][]float64{
		{4, 2, 1, 0},
		{1, 3, 2, 1},
		{0, 1, 2, 4},
	}
	cTrue = []float64{0.5, 1, 2}
)

func ndFlux(pot float64) *hist.Spectrum2D {
	m := mat.NewDense(3, 4, nil)
	for r, row := range ndRows {
		for c, v := range row {
			m.Set(r, c, v*pot)
		}
	}
	return hist.FromMatrix(m, nil, eAxis, oaAxis, pot)
}

// combination returns sum_r c[r]*ndRows[r].
func combination(c []float64) []float64 {
	out := make([]float64, 4)
	for r, row := range ndRows {
		for i, v := range row {
			out[i] += c[r] * v
		}
	}
	return out
}

func fdFlux(pot float64) *hist.Spectrum {
	per := combination(cTrue)
	contents := make([]float64, len(per))
	for i, v := range per {
		contents[i] = v * pot
	}
	return hist.FromContents(contents, nil, pot, eAxis)
}

func exactCond() Conditioning {
	c := DefaultConditioning()
	c.RegFactor = 0
	return c
}

func fluxMatcher(t *testing.T, cond Conditioning, m *metrics.Metrics) *Extrapolator {
	t.Helper()
	x := New(cond, 0, m)
	x.InitializeFluxMatcher(FluxInputs{
		ND293: map[FluxPredSpecies]*hist.Spectrum2D{NumuNumode: ndFlux(2)},
		FD:    map[FluxPredSpecies]*hist.Spectrum{NumuNumode: fdFlux(5)},
	}, 1, 1, 1)
	return x
}

func TestSpecies(t *testing.T) {
	for sp := NumuNumode; sp < Unhandled; sp++ {
		assert.Equal(t, sp, ParseSpecies(sp.String()))
	}
	assert.Equal(t, Unhandled, ParseSpecies("numu_sideways"))
	assert.Equal(t, 14, NumuNumode.PDG())
	assert.Equal(t, -12, NuebarNubarmode.PDG())
	assert.Equal(t, 12, NueNubarmode.PDG())
	assert.Panics(t, func() { Unhandled.PDG() })
}

func TestSolveLinCombRecoversCoefficients(t *testing.T) {
	target := fdFlux(5)
	tests := []struct {
		name string
		reg  float64
		tol  float64
	}{
		{"least squares", 0, 1e-9},
		{"weak regularisation", 1e-8, 1e-6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := DefaultConditioning()
			cond.RegFactor = tt.reg
			sol := SolveLinComb([]Block{{ND: ndFlux(2), MaxOffAxis: 10}}, target, cond)
			require.Len(t, sol.Coefficients, 1)
			assert.InDeltaSlice(t, cTrue, sol.Coefficients[0], tt.tol)
			assert.Equal(t, 3, sol.Rank)
			assert.InDeltaSlice(t, target.Array(1), sol.BestFit.Array(1), 1e-6)
		})
	}
}

func TestSolveLinCombStrongRegularisationFlattens(t *testing.T) {
	cond := DefaultConditioning()
	cond.RegFactor = 1e3
	sol := SolveLinComb([]Block{{ND: ndFlux(1), MaxOffAxis: 10}}, fdFlux(1), cond)
	c := sol.Coefficients[0]
	// neighbouring coefficients are pulled together and towards zero
	assert.Less(t, math.Abs(c[2]-c[1]), math.Abs(cTrue[2]-cTrue[1]))
	assert.Less(t, math.Abs(c[2]), cTrue[2])
}

func TestSolveLinCombWindow(t *testing.T) {
	t.Run("off-axis limit zeroes rows", func(t *testing.T) {
		// only the first two rows take part
		target := hist.FromContents(combination([]float64{1, 2, 0}), nil, 1, eAxis)
		sol := SolveLinComb([]Block{{ND: ndFlux(1), MaxOffAxis: 2}}, target, exactCond())
		assert.InDeltaSlice(t, []float64{1, 2, 0}, sol.Coefficients[0], 1e-9)
	})

	t.Run("energy cutoff drops bins", func(t *testing.T) {
		cond := exactCond()
		cond.HighECutoff = 3
		target := fdFlux(1)
		// corrupt the bin outside the window
		target.SetBin(3, 1000, 0)
		sol := SolveLinComb([]Block{{ND: ndFlux(1), MaxOffAxis: 10}}, target, cond)
		assert.InDeltaSlice(t, cTrue, sol.Coefficients[0], 1e-9)
		assert.Equal(t, 0.0, sol.Target.Array(1)[3])
	})

	t.Run("gaussian tail tapers the target", func(t *testing.T) {
		cond := exactCond()
		cond.LowECutoff = 2
		cond.LowEGaussTail = true
		sol := SolveLinComb([]Block{{ND: ndFlux(1), MaxOffAxis: 10}}, fdFlux(1), cond)
		full := combination(cTrue)
		got := sol.Target.Array(1)
		// sigma = 0.5: bin centre 1.5 is one sigma below, 0.5 three
		assert.InDelta(t, full[1]*math.Exp(-0.5), got[1], 1e-12)
		assert.InDelta(t, full[0]*math.Exp(-4.5), got[0], 1e-12)
		assert.Equal(t, full[2], got[2])
	})

	t.Run("hard low cutoff", func(t *testing.T) {
		cond := exactCond()
		cond.LowECutoff = 2
		sol := SolveLinComb([]Block{{ND: ndFlux(1), MaxOffAxis: 10}}, fdFlux(1), cond)
		assert.Equal(t, 0.0, sol.Target.Array(1)[0])
		assert.Equal(t, 0.0, sol.Target.Array(1)[1])
	})
}

func TestSolveLinCombFatal(t *testing.T) {
	cond := DefaultConditioning()
	assert.Panics(t, func() { SolveLinComb(nil, fdFlux(1), cond) })

	wrong := hist.New(1, hist.NewAxis("E", hist.Simple(5, 0, 4)))
	assert.Panics(t, func() { SolveLinComb([]Block{{ND: ndFlux(1), MaxOffAxis: 10}}, wrong, cond) })

	assert.Panics(t, func() { SolveLinComb([]Block{{ND: ndFlux(1), MaxOffAxis: -1}}, fdFlux(1), cond) })

	empty := cond
	empty.LowECutoff, empty.HighECutoff = 10, 20
	assert.Panics(t, func() { SolveLinComb([]Block{{ND: ndFlux(1), MaxOffAxis: 10}}, fdFlux(1), empty) })
}

func TestFluxMatchCache(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	x := fluxMatcher(t, exactCond(), m)

	first := x.GetMatchCoefficientsFlux(osc.NoOsc{}, 10, NumuNumode, NumuNumode)
	assert.InDeltaSlice(t, cTrue, first.HC293, 1e-9)
	assert.Nil(t, first.HC280)
	assert.Equal(t, 1, x.Solves())

	second := x.GetMatchCoefficientsFlux(osc.NoOsc{}, 10, NumuNumode, NumuNumode)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, x.Solves())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Solves.WithLabelValues("flux")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("match", "hit")))

	// results are copies
	second.HC293[0] = 99
	assert.InDelta(t, cTrue[0], x.GetMatchCoefficientsFlux(osc.NoOsc{}, 10, NumuNumode, NumuNumode).HC293[0], 1e-9)

	// the off-axis limit is part of the key
	_ = x.GetMatchCoefficientsFlux(osc.NoOsc{}, 2, NumuNumode, NumuNumode)
	assert.Equal(t, 2, x.Solves())

	// so are the oscillation parameters
	calc := osc.NuFit()
	calc.SetL(osc.BaselineDUNE)
	_ = x.GetMatchCoefficientsFlux(calc, 10, NumuNumode, NumuNumode)
	assert.Equal(t, 3, x.Solves())
	calc.SetDCP(1)
	_ = x.GetMatchCoefficientsFlux(calc, 10, NumuNumode, NumuNumode)
	assert.Equal(t, 4, x.Solves())

	// a nil calculator is the unoscillated match
	_ = x.GetMatchCoefficientsFlux(nil, 10, NumuNumode, NumuNumode)
	assert.Equal(t, 4, x.Solves())

	// changing the conditioning drops the cache
	gen := x.Generation()
	x.SetTargetConditioning(DefaultConditioning())
	assert.Equal(t, gen+1, x.Generation())
	_ = x.GetMatchCoefficientsFlux(osc.NoOsc{}, 10, NumuNumode, NumuNumode)
	assert.Equal(t, 5, x.Solves())
	assert.Equal(t, gen+1, x.Generation(), "queries leave the generation alone")
}

type unhashed struct {
	osc.NoOsc
}

func (unhashed) ParamsHash() (osc.Fingerprint, bool) { return osc.Fingerprint{}, false }

func TestFluxMatchWithoutFingerprint(t *testing.T) {
	x := fluxMatcher(t, exactCond(), nil)
	a := x.GetMatchCoefficientsFlux(unhashed{}, 10, NumuNumode, NumuNumode)
	b := x.GetMatchCoefficientsFlux(unhashed{}, 10, NumuNumode, NumuNumode)
	assert.Equal(t, a, b)
	assert.Equal(t, 2, x.Solves())
}

func TestFluxMatchAppearance(t *testing.T) {
	x := fluxMatcher(t, exactCond(), nil)
	// no oscillation means no appearance flux to match
	c := x.GetMatchCoefficientsFlux(osc.NoOsc{}, 10, NumuNumode, NueNumode)
	assert.InDeltaSlice(t, []float64{0, 0, 0}, c.HC293, 1e-12)

	assert.Panics(t, func() { x.GetMatchCoefficientsFlux(osc.NoOsc{}, 10, NueNumode, NueNumode) })
}

func TestFluxMatch280(t *testing.T) {
	x := New(exactCond(), 0, nil)
	x.InitializeFluxMatcher(FluxInputs{
		ND293: map[FluxPredSpecies]*hist.Spectrum2D{NumuNumode: ndFlux(1)},
		ND280: map[FluxPredSpecies]*hist.Spectrum2D{NumuNumode: ndFlux(1)},
		FD:    map[FluxPredSpecies]*hist.Spectrum{NumuNumode: fdFlux(1)},
	}, 1, 1, 1)
	c := x.GetMatchCoefficientsFlux(osc.NoOsc{}, 10, NumuNumode, NumuNumode)
	require.Len(t, c.HC280, 3)
	// identical columns: the minimum-norm solution splits evenly
	sum := make([]float64, 3)
	for i := range sum {
		sum[i] = c.HC293[i] + c.HC280[i]
	}
	assert.InDeltaSlice(t, cTrue, sum, 1e-9)
	assert.InDeltaSlice(t, c.HC293, c.HC280, 1e-9)
}

func TestGaussianMatch(t *testing.T) {
	x := fluxMatcher(t, DefaultConditioning(), nil)
	x.SetStoreDebugMatches(true)

	_ = x.GetGaussianCoefficients(1.5, 0.5, 10, NumuNumode)
	_ = x.GetGaussianCoefficients(1.5, 0.5, 10, NumuNumode)
	assert.Equal(t, 1, x.Solves())

	keys := x.DebugKeys()
	require.Len(t, keys, 1)
	target, bestFit, ok := x.DebugMatch(keys[0])
	require.True(t, ok)
	// peak of the on-axis flux, per POT
	assert.InDelta(t, 4.0, target.Array(1)[1], 1e-12)
	assert.Equal(t, target.NBins(), bestFit.NBins())

	assert.Panics(t, func() { x.GetGaussianCoefficients(1.5, 0, 10, NumuNumode) })
}

func TestCheckOffAxisBinningConsistency(t *testing.T) {
	x := fluxMatcher(t, exactCond(), nil)
	tests := []struct {
		name     string
		expected hist.Binning
		want     bool
	}{
		{"identical", hist.Simple(3, 0, 3), true},
		{"extra ND bins ignored", hist.Simple(2, 0, 2), true},
		{"edge mismatch", hist.Simple(3, 0, 3.3), false},
		{"analysis wider than ND", hist.Simple(4, 0, 4), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, x.CheckOffAxisBinningConsistency(tt.expected))
		})
	}

	assert.Panics(t, func() { New(exactCond(), 0, nil).CheckOffAxisBinningConsistency(hist.Simple(3, 0, 3)) })
}

func TestInitializeMergesBins(t *testing.T) {
	x := New(exactCond(), 0, nil)
	x.InitializeFluxMatcher(FluxInputs{
		ND293: map[FluxPredSpecies]*hist.Spectrum2D{NumuNumode: ndFlux(1)},
		FD:    map[FluxPredSpecies]*hist.Spectrum{NumuNumode: fdFlux(1)},
	}, 3, 2, 2)
	assert.True(t, x.CheckOffAxisBinningConsistency(hist.Simple(1, 0, 3)))

	c := x.GetMatchCoefficientsFlux(osc.NoOsc{}, 10, NumuNumode, NumuNumode)
	require.Len(t, c.HC293, 1)

	assert.Panics(t, func() { x.InitializeFluxMatcher(FluxInputs{}, 1, 1, 1) })
}

func eventRateInputs() (nd, fd predict.Prediction) {
	ndSpec := predict.NewOscillatable(eAxis, 1, eAxis, oaAxis)
	for r, row := range ndRows {
		for i, v := range row {
			e := eAxis.Bins.Center(i)
			ndSpec.Fill(v, e, e, oaAxis.Bins.Center(r))
		}
	}
	fdSpec := predict.NewOscillatable(eAxis, 1, eAxis)
	for i, v := range combination(cTrue) {
		e := eAxis.Bins.Center(i)
		fdSpec.Fill(v, e, e)
	}
	comp := func(s *predict.OscillatableSpectrum) predict.Component {
		return predict.Component{Flavors: osc.NuMuToNuMu, Current: osc.CC, Sign: osc.Nu, Spectrum: s}
	}
	return predict.NewNoExtrap(syst.ND, comp(ndSpec)), predict.NewNoExtrap(syst.FD, comp(fdSpec))
}

func TestEventRateMatch(t *testing.T) {
	x := New(exactCond(), 0, nil)
	nd, fd := eventRateInputs()
	x.InitializeEventRateMatcher(nd, fd)
	assert.Equal(t, EventRateMatch, x.Mode())
	assert.True(t, x.CheckOffAxisBinningConsistency(hist.Simple(3, 0, 3)))

	c := x.GetMatchCoefficients(osc.NoOsc{}, syst.NoShift(), 10, Unhandled, Unhandled)
	assert.InDeltaSlice(t, cTrue, c.HC293, 1e-9)
	_ = x.GetMatchCoefficientsEventRate(osc.NoOsc{}, syst.NoShift(), 10)
	assert.Equal(t, 1, x.Solves())

	// the shift is part of the key and reaches the FD prediction
	fdNorm, ok := syst.Default().Lookup("fd_norm")
	require.True(t, ok)
	var shift syst.Shifts
	shift.Set(fdNorm, 1)
	shifted := x.GetMatchCoefficientsEventRate(osc.NoOsc{}, shift, 10)
	assert.Equal(t, 2, x.Solves())
	for i := range cTrue {
		assert.InDelta(t, cTrue[i]*1.02, shifted.HC293[i], 1e-9)
	}

	// flux matches need flux inputs
	assert.Panics(t, func() { x.GetMatchCoefficientsFlux(osc.NoOsc{}, 10, NumuNumode, NumuNumode) })
}

func TestUninitialised(t *testing.T) {
	x := New(DefaultConditioning(), 0, nil)
	assert.Equal(t, Uninitialised, x.Mode())
	assert.Panics(t, func() {
		x.GetMatchCoefficients(osc.NoOsc{}, syst.NoShift(), 10, NumuNumode, NumuNumode)
	})
	assert.Panics(t, func() { x.InitializeEventRateMatcher(nil, nil) })
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewMemoryStore("")
	require.NoError(t, err)

	cond := exactCond()
	cond.LowECutoff = 0.25
	x := fluxMatcher(t, cond, nil)
	want := x.GetMatchCoefficientsFlux(osc.NoOsc{}, 10, NumuNumode, NumuNumode)
	require.NoError(t, x.SaveTo(ctx, s, "matcher"))

	loaded, err := LoadFrom(ctx, s, "matcher", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, cond, loaded.Conditioning())

	// cached matches are served without inputs
	got := loaded.GetMatchCoefficientsFlux(osc.NoOsc{}, 10, NumuNumode, NumuNumode)
	assert.Equal(t, want, got)
	assert.Equal(t, 0, loaded.Solves())

	// inputs are restored too
	assert.Equal(t, FluxMatch, loaded.Mode())
	fresh := x.GetMatchCoefficientsFlux(osc.NoOsc{}, 5, NumuNumode, NumuNumode)
	assert.InDeltaSlice(t, fresh.HC293, loaded.GetMatchCoefficients(osc.NoOsc{}, syst.NoShift(), 5, NumuNumode, NumuNumode).HC293, 1e-9)
	assert.Equal(t, 1, loaded.Solves())

	// an uninitialised matcher round-trips as uninitialised
	require.NoError(t, New(cond, 0, nil).SaveTo(ctx, s, "empty"))
	empty, err := LoadFrom(ctx, s, "empty", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, Uninitialised, empty.Mode())

	_, err = LoadFrom(ctx, s, "missing", 0, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
