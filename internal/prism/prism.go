// Package prism composes far-detector predictions from linear combinations
// of near-detector off-axis samples.
//
// A Prediction is assembled once: axes, run plans and per-channel inputs are
// registered, then queried. The first query seals the composer; registering
// another input afterwards is fatal. Queries are memoized by the
// fingerprint of the oscillation parameters, the systematic shift, the
// match channel and the generation of the attached matcher.
//
// Composition for a query:
//  1. predict every needed ND and FD input;
//  2. weight ND samples by the run plan and subtract the enabled
//     backgrounds;
//  3. combine off-axis rows with the matcher coefficients, or unfold the
//     summed ND sample through the smearing matrix when no matcher is set;
//  4. add the FD flux correction, the appearance correction and the FD
//     backgrounds that were subtracted at the ND.
package prism

import (
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/AlexWilkinsonnn/lblpwgtools/internal/cache"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/effcorr"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/extrap"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/hist"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/logging"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/metrics"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/ndfd"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/osc"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/predict"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/runplan"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/syst"
	"github.com/AlexWilkinsonnn/lblpwgtools/pkg/canonical"
)

// DefaultMemoSize bounds the number of composed queries a Prediction keeps.
const DefaultMemoSize = 32

func logger() *zap.Logger { return logging.Named("prism") }

// Corrections selects which backgrounds are subtracted at the ND and added
// back from FD simulation.
type Corrections struct {
	NC          bool `yaml:"nc" json:"nc"`
	WrongSign   bool `yaml:"wrong_sign" json:"wrong_sign"`
	WrongLepton bool `yaml:"wrong_lepton" json:"wrong_lepton"`
	Intrinsic   bool `yaml:"intrinsic" json:"intrinsic"`
}

// AllCorrections enables every background correction.
func AllCorrections() Corrections {
	return Corrections{NC: true, WrongSign: true, WrongLepton: true, Intrinsic: true}
}

type ndKey struct {
	Chan        BeamChan `json:"chan"`
	HornCurrent int      `json:"horn_current"`
}

// Prediction is the PRISM composer.
type Prediction struct {
	mu sync.Mutex

	analysis   hist.Axis
	offAxis    hist.Axis
	offAxis280 hist.Axis

	runPlans map[BeamMode]runplan.RunPlan

	ndData   map[ndKey]*hist.Spectrum2D
	ndMC     map[ndKey]predict.Prediction
	fdMC     map[BeamChan]predict.Prediction
	fdSig    map[BeamChan]predict.Prediction
	fdAppOsc map[BeamMode]predict.Prediction

	matcher *extrap.Extrapolator
	matrix  *ndfd.Matrix
	eff     *effcorr.MCEffCorrection

	corr           Corrections
	errorsFromRate bool
	maxOffAxis     float64
	defaultMatch   MatchChan

	sealed         bool
	binningChecked bool

	memo    *cache.Memo[canonical.Digest, map[Component]*hist.Spectrum]
	metrics *metrics.Metrics
}

// New returns an empty composer. analysis is the reconstructed-energy axis
// of every prediction; offAxis and offAxis280 bin the ND samples at 293 kA
// and 280 kA. A zero offAxis280 disables 280 kA inputs.
func New(analysis, offAxis, offAxis280 hist.Axis) *Prediction {
	if analysis.Bins.NBins() == 0 || offAxis.Bins.NBins() == 0 {
		logger().Panic("PRISM prediction needs analysis and off-axis binnings")
	}
	return &Prediction{
		analysis:     analysis,
		offAxis:      offAxis,
		offAxis280:   offAxis280,
		runPlans:     map[BeamMode]runplan.RunPlan{},
		ndData:       map[ndKey]*hist.Spectrum2D{},
		ndMC:         map[ndKey]predict.Prediction{},
		fdMC:         map[BeamChan]predict.Prediction{},
		fdSig:        map[BeamChan]predict.Prediction{},
		fdAppOsc:     map[BeamMode]predict.Prediction{},
		corr:         AllCorrections(),
		maxOffAxis:   offAxis.Bins.Max(),
		defaultMatch: NumuDisappearanceNumode,
		memo:         cache.MustMemo[canonical.Digest, map[Component]*hist.Spectrum](DefaultMemoSize),
	}
}

// AnalysisAxis returns the reconstructed-energy axis.
func (p *Prediction) AnalysisAxis() hist.Axis { return p.analysis }

// OffAxis returns the ND off-axis axis at horn current kA.
func (p *Prediction) OffAxis(kA int) hist.Axis {
	switch kA {
	case runplan.HC293:
		return p.offAxis
	case runplan.HC280:
		if p.offAxis280.Bins.NBins() == 0 {
			logger().Panic("PRISM prediction has no 280 kA off-axis binning")
		}
		return p.offAxis280
	}
	logger().Panic("unrecognised horn current", zap.Int("kA", kA))
	return hist.Axis{}
}

// Stats returns the query memo statistics.
func (p *Prediction) Stats() cache.Stats { return p.memo.Stats() }

// mustBeOpen guards registration. Callers hold p.mu.
func (p *Prediction) mustBeOpen(op string) {
	if p.sealed {
		logger().Panic("PRISM input registered after the first query", zap.String("op", op))
	}
}

// AddNDData registers measured ND data for a channel and horn current:
// analysis axis by off-axis position, at the data exposure. Without it the
// ND simulation stands in for data.
func (p *Prediction) AddNDData(ch BeamChan, kA int, data *hist.Spectrum2D) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mustBeOpen("AddNDData")
	p.mustBeND(ch)
	p.checkND2D(data, kA)
	key := ndKey{ch, kA}
	if _, dup := p.ndData[key]; dup {
		logger().Panic("ND data registered twice", zap.Stringer("channel", ch), zap.Int("kA", kA))
	}
	p.ndData[key] = data.Clone()
}

// AddNDMC registers the ND simulation for a channel and horn current. It
// must predict analysis by off-axis spectra.
func (p *Prediction) AddNDMC(ch BeamChan, kA int, pred predict.Prediction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mustBeOpen("AddNDMC")
	p.mustBeND(ch)
	p.OffAxis(kA)
	key := ndKey{ch, kA}
	if _, dup := p.ndMC[key]; dup {
		logger().Panic("ND simulation registered twice", zap.Stringer("channel", ch), zap.Int("kA", kA))
	}
	p.ndMC[key] = pred
}

// AddFDMC registers the full FD simulation of a channel, signal and
// backgrounds.
func (p *Prediction) AddFDMC(ch BeamChan, pred predict.Prediction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mustBeOpen("AddFDMC")
	p.mustBeFD(ch)
	if _, dup := p.fdMC[ch]; dup {
		logger().Panic("FD simulation registered twice", zap.Stringer("channel", ch))
	}
	p.fdMC[ch] = pred
}

// AddFDUnOscWeightedSig registers the FD selected-signal simulation of a
// channel, used for the flux correction.
func (p *Prediction) AddFDUnOscWeightedSig(ch BeamChan, pred predict.Prediction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mustBeOpen("AddFDUnOscWeightedSig")
	p.mustBeFD(ch)
	if _, dup := p.fdSig[ch]; dup {
		logger().Panic("FD signal simulation registered twice", zap.Stringer("channel", ch))
	}
	p.fdSig[ch] = pred
}

// AddFDNonSwapAppOsc registers the FD muon-neutrino selection oscillated
// with appearance probabilities, used by appearance matches.
func (p *Prediction) AddFDNonSwapAppOsc(mode BeamMode, pred predict.Prediction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mustBeOpen("AddFDNonSwapAppOsc")
	if _, dup := p.fdAppOsc[mode]; dup {
		logger().Panic("FD appearance-weighted simulation registered twice", zap.Stringer("mode", mode))
	}
	p.fdAppOsc[mode] = pred
}

func (p *Prediction) mustBeND(ch BeamChan) {
	if !ch.validND() {
		logger().Panic("not a near-detector PRISM channel", zap.Stringer("channel", ch))
	}
}

func (p *Prediction) mustBeFD(ch BeamChan) {
	if !ch.validFD() {
		logger().Panic("not a far-detector PRISM channel", zap.Stringer("channel", ch))
	}
}

// checkND2D panics unless s is binned analysis by off-axis at kA.
func (p *Prediction) checkND2D(s *hist.Spectrum2D, kA int) {
	oa := p.OffAxis(kA)
	if !s.AnalysisAxis().Bins.Equal(p.analysis.Bins, hist.EdgeTolerance) ||
		!s.WeightingAxis().Bins.Equal(oa.Bins, hist.EdgeTolerance) {
		logger().Panic("ND spectrum is not binned analysis by off-axis",
			zap.Int("kA", kA),
			zap.Stringer("analysis", s.AnalysisAxis().Bins),
			zap.Stringer("off_axis", s.WeightingAxis().Bins),
			zap.Stringer("want_analysis", p.analysis.Bins),
			zap.Stringer("want_off_axis", oa.Bins))
	}
}

// SetNDRunPlan sets the run plan of a beam mode.
func (p *Prediction) SetNDRunPlan(rp runplan.RunPlan, mode BeamMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runPlans[mode] = rp
	p.memo.Clear()
}

// SetFluxMatcher attaches the matcher whose coefficients combine ND rows.
func (p *Prediction) SetFluxMatcher(x *extrap.Extrapolator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.matcher = x
	p.binningChecked = false
	p.memo.Clear()
}

// SetNDFDDetExtrap attaches the smearing matrix. Each query unfolds a copy,
// so the stored matrix is never consumed.
func (p *Prediction) SetNDFDDetExtrap(m *ndfd.Matrix) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.matrix = m
	p.memo.Clear()
}

// SetMCEffCorrection attaches a selection-efficiency correction. An
// initialised correction is recomputed for every composed query; one
// restored by effcorr.LoadFrom applies its saved efficiencies.
func (p *Prediction) SetMCEffCorrection(e *effcorr.MCEffCorrection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eff = e
	p.memo.Clear()
}

// SetCorrections selects the background corrections.
func (p *Prediction) SetCorrections(c Corrections) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.corr = c
	p.memo.Clear()
}

// SetNDDataErrorsFromRate makes weighted ND data errors Poisson in the
// weighted rate instead of scaled input errors.
func (p *Prediction) SetNDDataErrorsFromRate(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errorsFromRate = v
	p.memo.Clear()
}

// SetMaxOffAxis limits the off-axis positions (m) entering a match.
func (p *Prediction) SetMaxOffAxis(m float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxOffAxis = m
	p.memo.Clear()
}

// SetDefaultMatch sets the match channel used by Predict and PredictSyst.
func (p *Prediction) SetDefaultMatch(m MatchChan) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaultMatch = m
}

// SetMetrics attaches counters.
func (p *Prediction) SetMetrics(m *metrics.Metrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = m
}

// Predict returns the PRISM prediction of the default match channel.
func (p *Prediction) Predict(calc osc.Calculator) *hist.Spectrum {
	return p.PredictSyst(calc, syst.NoShift())
}

// PredictSyst is Predict under a systematic shift.
func (p *Prediction) PredictSyst(calc osc.Calculator, shift syst.Shifts) *hist.Spectrum {
	p.mu.Lock()
	match := p.defaultMatch
	p.mu.Unlock()
	return p.PredictPRISMComponents(calc, shift, match)[PRISMPred]
}

// PredictComponent is PredictComponentSyst without a shift.
func (p *Prediction) PredictComponent(calc osc.Calculator, flav osc.Flavors, curr osc.Current, sign osc.Sign) *hist.Spectrum {
	return p.PredictComponentSyst(calc, syst.NoShift(), flav, curr, sign)
}

// PredictComponentSyst returns the truth component from the FD simulation of
// the default match. A PRISM prediction is not decomposed by truth.
func (p *Prediction) PredictComponentSyst(calc osc.Calculator, shift syst.Shifts, flav osc.Flavors, curr osc.Current, sign osc.Sign) *hist.Spectrum {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sealed = true
	return p.fdPrediction(p.defaultMatch.FD).PredictComponentSyst(calc, shift, flav, curr, sign)
}

// PredictPRISMComponents composes the prediction for match and returns every
// component produced along the way. The map and its spectra belong to the
// caller.
func (p *Prediction) PredictPRISMComponents(calc osc.Calculator, shift syst.Shifts, match MatchChan) map[Component]*hist.Spectrum {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sealed = true

	fp, ok := osc.FingerprintOf(calc)
	if !ok {
		return p.compose(calc, shift, match)
	}
	parts := []canonical.Digest{fp, shift.Fingerprint(), canonical.String(match.String())}
	if p.matcher != nil {
		// the matcher can be reconditioned or reinitialised after it is attached
		parts = append(parts, canonical.String("matcher/"+strconv.FormatUint(p.matcher.Generation(), 10)))
	}
	key := canonical.Combine(parts...)
	if comps, hit := p.memo.Get(key); hit {
		p.metrics.Lookup("prism", true)
		return cloneComponents(comps)
	}
	p.metrics.Lookup("prism", false)
	comps := p.compose(calc, shift, match)
	p.memo.Set(key, cloneComponents(comps))
	return comps
}

// PredictGaussianFlux combines the ND data of ch to match a Gaussian flux of
// the given mean and width (GeV). It needs a flux matcher.
func (p *Prediction) PredictGaussianFlux(mean, width float64, shift syst.Shifts, ch BeamChan) map[Component]*hist.Spectrum {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sealed = true

	if p.matcher == nil {
		logger().Panic("gaussian PRISM prediction needs a flux matcher")
	}
	p.checkMatcherBinning()
	out := map[Component]*hist.Spectrum{}
	rp := p.runPlan(ch.Mode)
	side := p.buildND(shift, ch, runplan.HC293, rp, nil, out)
	c := p.matcher.GetGaussianCoefficients(mean, width, p.maxOffAxis, ch.Species())
	comb, _ := p.combine(side, c.HC293, rp, out)
	out[NDLinearComb] = comb
	return out
}

func cloneComponents(in map[Component]*hist.Spectrum) map[Component]*hist.Spectrum {
	out := make(map[Component]*hist.Spectrum, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}

func (p *Prediction) runPlan(mode BeamMode) runplan.RunPlan {
	rp, ok := p.runPlans[mode]
	if !ok || len(rp.Stops) == 0 {
		logger().Panic("no ND run plan for beam mode", zap.Stringer("mode", mode))
	}
	return rp
}

func (p *Prediction) fdPrediction(ch BeamChan) predict.Prediction {
	pred, ok := p.fdMC[ch]
	if !ok {
		logger().Panic("no FD simulation for channel", zap.Stringer("channel", ch))
	}
	return pred
}

func (p *Prediction) checkMatcherBinning() {
	if p.binningChecked {
		return
	}
	if !p.matcher.CheckOffAxisBinningConsistency(p.offAxis.Bins) {
		logger().Panic("flux matcher off-axis binning differs from the PRISM off-axis binning",
			zap.Stringer("prism", p.offAxis.Bins))
	}
	p.binningChecked = true
}
