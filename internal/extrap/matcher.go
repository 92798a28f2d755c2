package extrap

import (
	"context"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/AlexWilkinsonnn/lblpwgtools/internal/cache"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/hist"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/metrics"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/osc"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/predict"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/store"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/syst"
	"github.com/AlexWilkinsonnn/lblpwgtools/pkg/canonical"
)

// TypeTag identifies a saved Extrapolator.
const TypeTag = "PRISMExtrapolation"

// Mode is the kind of inputs a matcher was initialised with.
type Mode int

const (
	Uninitialised Mode = iota
	FluxMatch
	EventRateMatch
)

func (m Mode) String() string {
	switch m {
	case FluxMatch:
		return "flux"
	case EventRateMatch:
		return "eventrate"
	}
	return "uninitialised"
}

// Coefficients are the per-off-axis-bin weights of one match. HC280 is nil
// when no 280 kA near-detector input took part.
type Coefficients struct {
	HC293 []float64 `json:"hc293"`
	HC280 []float64 `json:"hc280,omitempty"`
}

func (c Coefficients) clone() Coefficients {
	out := Coefficients{HC293: append([]float64(nil), c.HC293...)}
	if c.HC280 != nil {
		out.HC280 = append([]float64(nil), c.HC280...)
	}
	return out
}

// FluxInputs are the fluxes a flux matcher combines. ND spectra have energy
// on the analysis axis and off-axis position on the weighting axis; FD
// spectra are one-dimensional in energy. All are per unit exposure on read.
type FluxInputs struct {
	ND293 map[FluxPredSpecies]*hist.Spectrum2D
	ND280 map[FluxPredSpecies]*hist.Spectrum2D
	FD    map[FluxPredSpecies]*hist.Spectrum
}

type debugMatch struct {
	target, bestFit *hist.Spectrum
}

// Extrapolator finds near-detector linear combinations matching far-detector
// targets. Matches are cached by a key built from the oscillation
// fingerprint, the off-axis limit and the channel. A calculator without a
// fingerprint is always re-solved.
//
// The cache is unbounded unless a size is set; its key space is bounded by
// the number of oscillation and systematic points an analysis explores.
type Extrapolator struct {
	mu sync.Mutex

	mode  Mode
	cond  Conditioning
	flux  FluxInputs
	ndEvr predict.Prediction
	fdEvr predict.Prediction

	matches    *cache.Memo[string, Coefficients]
	storeDebug bool
	debug      *cache.Memo[string, debugMatch]

	solves  int
	gen     uint64
	metrics *metrics.Metrics
}

// New returns an uninitialised extrapolator. cacheSize <= 0 keeps every
// match.
func New(cond Conditioning, cacheSize int, m *metrics.Metrics) *Extrapolator {
	return &Extrapolator{
		cond:    cond,
		matches: cache.MustMemo[string, Coefficients](cacheSize),
		debug:   cache.MustMemo[string, debugMatch](0),
		metrics: m,
	}
}

// Mode returns the kind of inputs installed.
func (x *Extrapolator) Mode() Mode {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.mode
}

// Solves returns how many linear solves this extrapolator has performed.
func (x *Extrapolator) Solves() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.solves
}

// Generation counts the changes to inputs or conditioning. Callers that cache
// results built from matches key them on it.
func (x *Extrapolator) Generation() uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.gen
}

// Conditioning returns the current target conditioning.
func (x *Extrapolator) Conditioning() Conditioning {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.cond
}

// SetTargetConditioning replaces the conditioning and drops cached matches,
// which were solved under the old one.
func (x *Extrapolator) SetTargetConditioning(c Conditioning) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.cond = c
	x.gen++
	x.matches.Clear()
	x.debug.Clear()
}

// SetStoreDebugMatches keeps the conditioned target and best-fit spectrum of
// every subsequent solve, retrievable with DebugMatch.
func (x *Extrapolator) SetStoreDebugMatches(on bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.storeDebug = on
}

// DebugMatch returns the target and best fit stored for a match key.
func (x *Extrapolator) DebugMatch(key string) (target, bestFit *hist.Spectrum, ok bool) {
	d, ok := x.debug.Get(key)
	if !ok {
		return nil, nil, false
	}
	return d.target.Clone(), d.bestFit.Clone(), true
}

// DebugKeys lists the stored debug match keys in order.
func (x *Extrapolator) DebugKeys() []string { return cache.SortedKeys(x.debug) }

// InitializeFluxMatcher installs flux inputs, merging adjacent bins first:
// oaMerge off-axis bins and ndEMerge energy bins in the ND fluxes, fdEMerge
// energy bins in the FD fluxes. Values of 0 or 1 leave a binning unchanged.
func (x *Extrapolator) InitializeFluxMatcher(in FluxInputs, oaMerge, ndEMerge, fdEMerge int) {
	if len(in.ND293) == 0 || len(in.FD) == 0 {
		logger().Panic("flux matcher needs 293 kA ND and FD fluxes",
			zap.Int("nd_293", len(in.ND293)), zap.Int("fd", len(in.FD)))
	}
	rebinND := func(m map[FluxPredSpecies]*hist.Spectrum2D) map[FluxPredSpecies]*hist.Spectrum2D {
		if m == nil {
			return nil
		}
		out := make(map[FluxPredSpecies]*hist.Spectrum2D, len(m))
		for sp, s := range m {
			out[sp] = s.Rebin(ndEMerge, oaMerge)
		}
		return out
	}
	fd := make(map[FluxPredSpecies]*hist.Spectrum, len(in.FD))
	for sp, s := range in.FD {
		fd[sp] = s.Rebin1D(fdEMerge)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.mode = FluxMatch
	x.flux = FluxInputs{ND293: rebinND(in.ND293), ND280: rebinND(in.ND280), FD: fd}
	x.ndEvr, x.fdEvr = nil, nil
	x.gen++
	x.matches.Clear()
	x.debug.Clear()
	logger().Info("flux matcher initialised",
		zap.Int("nd_293_species", len(in.ND293)),
		zap.Int("nd_280_species", len(in.ND280)),
		zap.Int("fd_species", len(in.FD)))
}

// InitializeEventRateMatcher installs event-rate inputs: nd predicts
// energy by off-axis spectra, fd the far-detector energy spectrum.
func (x *Extrapolator) InitializeEventRateMatcher(nd, fd predict.Prediction) {
	if nd == nil || fd == nil {
		logger().Panic("event-rate matcher needs ND and FD predictions")
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.mode = EventRateMatch
	x.ndEvr, x.fdEvr = nd, fd
	x.flux = FluxInputs{}
	x.gen++
	x.matches.Clear()
	x.debug.Clear()
}

// ndOffAxisBinning returns the off-axis binning of the installed 293 kA ND
// input.
func (x *Extrapolator) ndOffAxisBinning() hist.Binning {
	switch x.mode {
	case FluxMatch:
		for sp := NumuNumode; sp < Unhandled; sp++ {
			if s, ok := x.flux.ND293[sp]; ok {
				return s.WeightingAxis().Bins
			}
		}
	case EventRateMatch:
		s := x.ndEvr.Predict(osc.NoOsc{})
		if s.NDims() == 2 {
			return s.Axis(1).Bins
		}
		logger().Panic("event-rate ND prediction is not energy by off-axis", zap.Int("dims", s.NDims()))
	}
	logger().Panic("matcher used before initialisation")
	return hist.Binning{}
}

// CheckOffAxisBinningConsistency reports whether the ND off-axis binning
// agrees with expected over expected's range. ND bins beyond that range are
// ignored.
func (x *Extrapolator) CheckOffAxisBinningConsistency(expected hist.Binning) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	nd := x.ndOffAxisBinning().Edges()
	want := expected.Edges()
	if len(nd) < len(want) {
		logger().Warn("ND off-axis binning is shorter than the analysis binning",
			zap.Int("nd_bins", len(nd)-1), zap.Int("analysis_bins", len(want)-1))
		return false
	}
	for i, e := range want {
		if math.Abs(nd[i]-e) > hist.EdgeTolerance {
			logger().Warn("ND off-axis bin edge differs from the analysis binning",
				zap.Int("edge", i), zap.Float64("nd", nd[i]), zap.Float64("analysis", e))
			return false
		}
	}
	return true
}

// GetMatchCoefficients dispatches on the installed inputs. For flux matches
// the shift is ignored; for event-rate matches the channel is.
func (x *Extrapolator) GetMatchCoefficients(calc osc.Calculator, shift syst.Shifts, maxOffAxis float64,
	ndMode, fdMode FluxPredSpecies) Coefficients {
	switch x.Mode() {
	case FluxMatch:
		return x.GetMatchCoefficientsFlux(calc, maxOffAxis, ndMode, fdMode)
	case EventRateMatch:
		return x.GetMatchCoefficientsEventRate(calc, shift, maxOffAxis)
	}
	logger().Panic("matcher used before initialisation")
	return Coefficients{}
}

// GetMatchCoefficientsFlux matches the FD flux of ndMode's neutrino,
// oscillated into fdMode's, using the ND fluxes of ndMode. A nil calc
// matches the unoscillated flux.
func (x *Extrapolator) GetMatchCoefficientsFlux(calc osc.Calculator, maxOffAxis float64,
	ndMode, fdMode FluxPredSpecies) Coefficients {
	x.mu.Lock()
	defer x.mu.Unlock()
	if calc == nil {
		calc = osc.NoOsc{}
	}

	key, cacheable := matchKey("flux", calc, nil, maxOffAxis, ndMode.String(), fdMode.String())
	return x.cached(key, cacheable, "flux", func() ([]Block, *hist.Spectrum) {
		x.requireMode(FluxMatch)
		nd293, ok := x.flux.ND293[ndMode]
		if !ok {
			logger().Panic("no 293 kA ND flux for species", zap.Stringer("species", ndMode))
		}
		fd, ok := x.flux.FD[ndMode]
		if !ok {
			logger().Panic("no FD flux for species", zap.Stringer("species", ndMode))
		}

		from, to := ndMode.PDG(), fdMode.PDG()
		target := fd.Clone()
		probs := make([]float64, target.NBins())
		for i, e := range target.Axis(0).Bins.Centers() {
			probs[i] = calc.P(from, to, e)
		}
		target.MultiplyBins(probs)

		blocks := []Block{{ND: nd293, MaxOffAxis: maxOffAxis}}
		if nd280, ok := x.flux.ND280[ndMode]; ok {
			blocks = append(blocks, Block{ND: nd280, MaxOffAxis: maxOffAxis})
		}
		return blocks, target
	})
}

// GetMatchCoefficientsEventRate matches the FD event rate predicted with
// calc and shift, using the unoscillated ND event rates under the same
// shift.
func (x *Extrapolator) GetMatchCoefficientsEventRate(calc osc.Calculator, shift syst.Shifts, maxOffAxis float64) Coefficients {
	x.mu.Lock()
	defer x.mu.Unlock()

	key, cacheable := matchKey("evr", calc, &shift, maxOffAxis)
	return x.cached(key, cacheable, "eventrate", func() ([]Block, *hist.Spectrum) {
		x.requireMode(EventRateMatch)
		nd := x.ndEvr.PredictSyst(osc.NoOsc{}, shift)
		if nd.NDims() != 2 {
			logger().Panic("event-rate ND prediction is not energy by off-axis", zap.Int("dims", nd.NDims()))
		}
		return []Block{{ND: nd.To2D(), MaxOffAxis: maxOffAxis}}, x.fdEvr.PredictSyst(calc, shift)
	})
}

// GetGaussianCoefficients matches a Gaussian of the given mean and width
// (GeV), scaled to the peak of the on-axis ND flux of ndMode. It needs flux
// inputs.
func (x *Extrapolator) GetGaussianCoefficients(mean, width, maxOffAxis float64, ndMode FluxPredSpecies) Coefficients {
	if !(width > 0) {
		logger().Panic("gaussian target needs a positive width", zap.Float64("width", width))
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	key := fmt.Sprintf("gauss_%s_%s_%s_%s", canonical.F(mean), canonical.F(width), canonical.F(maxOffAxis), ndMode)
	return x.cached(key, true, "gauss", func() ([]Block, *hist.Spectrum) {
		x.requireMode(FluxMatch)
		nd293, ok := x.flux.ND293[ndMode]
		if !ok {
			logger().Panic("no 293 kA ND flux for species", zap.Stringer("species", ndMode))
		}
		peak := 0.0
		for _, v := range nd293.Row(0).Array(1) {
			peak = math.Max(peak, v)
		}
		ana := nd293.AnalysisAxis()
		target := hist.New(1, ana)
		for i, e := range ana.Bins.Centers() {
			d := (e - mean) / width
			target.SetBin(i, peak*math.Exp(-0.5*d*d), 0)
		}
		return []Block{{ND: nd293, MaxOffAxis: maxOffAxis}}, target
	})
}

func (x *Extrapolator) requireMode(m Mode) {
	if x.mode != m {
		logger().Panic("match needs inputs the matcher was not initialised with",
			zap.Stringer("need", m), zap.Stringer("have", x.mode))
	}
}

// matchKey builds the cache key of a match. ok is false when the calculator
// has no fingerprint.
func matchKey(kind string, calc osc.Calculator, shift *syst.Shifts, maxOffAxis float64, channel ...string) (string, bool) {
	fp, ok := osc.FingerprintOf(calc)
	if !ok {
		return "", false
	}
	key := fmt.Sprintf("%s_%s", kind, fp.Hex())
	if shift != nil {
		key += "_" + shift.Fingerprint().Short()
	}
	key += "_" + canonical.F(maxOffAxis)
	for _, c := range channel {
		key += "_" + c
	}
	return key, true
}

// cached returns the match under key, solving the inputs from build on a
// miss. Callers hold x.mu.
func (x *Extrapolator) cached(key string, cacheable bool, kind string, build func() ([]Block, *hist.Spectrum)) Coefficients {
	if cacheable {
		if c, hit := x.matches.Get(key); hit {
			x.metrics.Lookup("match", true)
			return c.clone()
		}
		x.metrics.Lookup("match", false)
	}

	blocks, target := build()
	sol := SolveLinComb(blocks, target, x.cond)
	x.solves++
	x.metrics.Solve(kind)

	c := Coefficients{HC293: sol.Coefficients[0]}
	if len(sol.Coefficients) > 1 {
		c.HC280 = sol.Coefficients[1]
	}
	logger().Debug("match solved",
		zap.String("key", key), zap.Int("rank", sol.Rank), zap.Bool("cached", cacheable))

	if cacheable {
		x.matches.Set(key, c.clone())
		if x.storeDebug {
			x.debug.Set(key, debugMatch{target: sol.Target, bestFit: sol.BestFit})
		}
	}
	return c
}

type wire struct {
	Conditioning Conditioning                `json:"conditioning"`
	Mode         Mode                        `json:"mode"`
	ND293        map[string]*hist.Spectrum2D `json:"nd_293,omitempty"`
	ND280        map[string]*hist.Spectrum2D `json:"nd_280,omitempty"`
	FD           map[string]*hist.Spectrum   `json:"fd,omitempty"`
	Matches      map[string]Coefficients     `json:"matches"`
}

func bySpeciesName[V any](m map[FluxPredSpecies]V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for sp, v := range m {
		out[sp.String()] = v
	}
	return out
}

func bySpecies[V any](m map[string]V) (map[FluxPredSpecies]V, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[FluxPredSpecies]V, len(m))
	for name, v := range m {
		sp := ParseSpecies(name)
		if sp == Unhandled {
			return nil, fmt.Errorf("unknown flux species %q", name)
		}
		out[sp] = v
	}
	return out, nil
}

// SaveTo writes the conditioning, the installed inputs and every cached
// match. Flux inputs are saved after bin merging; event-rate predictions are
// saved under key/nd_evr and key/fd_evr.
func (x *Extrapolator) SaveTo(ctx context.Context, s store.Store, key string) error {
	x.mu.Lock()
	w := wire{
		Conditioning: x.cond,
		Mode:         x.mode,
		ND293:        bySpeciesName(x.flux.ND293),
		ND280:        bySpeciesName(x.flux.ND280),
		FD:           bySpeciesName(x.flux.FD),
		Matches:      x.matches.Snapshot(),
	}
	nd, fd := x.ndEvr, x.fdEvr
	x.mu.Unlock()

	if w.Mode == EventRateMatch {
		if err := predict.Save(ctx, s, store.Join(key, "nd_evr"), nd); err != nil {
			return fmt.Errorf("failed to save ND event-rate prediction: %w", err)
		}
		if err := predict.Save(ctx, s, store.Join(key, "fd_evr"), fd); err != nil {
			return fmt.Errorf("failed to save FD event-rate prediction: %w", err)
		}
	}
	return store.SaveObject(ctx, s, key, TypeTag, w)
}

// LoadFrom restores an extrapolator saved by SaveTo, inputs and cached
// matches included.
func LoadFrom(ctx context.Context, s store.Store, key string, cacheSize int, m *metrics.Metrics) (*Extrapolator, error) {
	var w wire
	if err := store.LoadObject(ctx, s, key, TypeTag, &w); err != nil {
		return nil, err
	}
	x := New(w.Conditioning, cacheSize, m)
	switch w.Mode {
	case FluxMatch:
		var err error
		if x.flux.ND293, err = bySpecies(w.ND293); err != nil {
			return nil, fmt.Errorf("extrap: %s: %w", key, err)
		}
		if x.flux.ND280, err = bySpecies(w.ND280); err != nil {
			return nil, fmt.Errorf("extrap: %s: %w", key, err)
		}
		if x.flux.FD, err = bySpecies(w.FD); err != nil {
			return nil, fmt.Errorf("extrap: %s: %w", key, err)
		}
		if len(x.flux.ND293) == 0 || len(x.flux.FD) == 0 {
			return nil, fmt.Errorf("extrap: %s: flux matcher saved without inputs", key)
		}
	case EventRateMatch:
		x.ndEvr = predict.MustLoad(ctx, s, store.Join(key, "nd_evr"))
		x.fdEvr = predict.MustLoad(ctx, s, store.Join(key, "fd_evr"))
	}
	x.mode = w.Mode
	for k, c := range w.Matches {
		x.matches.Set(k, c)
	}
	return x, nil
}
