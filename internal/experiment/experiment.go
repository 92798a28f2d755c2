// Package experiment compares a prediction with observed data: a Poisson
// log-likelihood chi2, or a covariance-matrix chi2 when a covariance is
// supplied.
package experiment

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/AlexWilkinsonnn/lblpwgtools/internal/hist"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/logging"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/osc"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/predict"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/store"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/syst"
	"github.com/AlexWilkinsonnn/lblpwgtools/pkg/otel"
)

// TypeTag identifies a saved SingleSample.
const TypeTag = "SingleSampleExperiment"

func logger() *zap.Logger { return logging.Named("experiment") }

// Statistic selects the test statistic.
type Statistic int

const (
	PoissonLL Statistic = iota
	// CovMxChiSq treats the covariance as fractional: it is scaled by the
	// prediction of every evaluation and the Poisson variance is added on
	// the diagonal before inverting.
	CovMxChiSq
	// CovMxChiSqPreInvert scales the fractional covariance by the nominal
	// prediction once, adds its Poisson variance and inverts at
	// construction.
	CovMxChiSqPreInvert
)

func (s Statistic) String() string {
	switch s {
	case PoissonLL:
		return "poisson_ll"
	case CovMxChiSq:
		return "covmx_chisq"
	case CovMxChiSqPreInvert:
		return "covmx_chisq_preinvert"
	}
	return fmt.Sprintf("statistic(%d)", int(s))
}

// minExpected floors expected counts in the log-likelihood so that an empty
// prediction under observed events stays finite.
const minExpected = 1e-40

// LogLikelihood returns the Poisson -2 log likelihood ratio of observed o
// given expected e, summed over bins.
func LogLikelihood(e, o []float64) float64 {
	if len(e) != len(o) {
		logger().Panic("log likelihood of mismatched arrays", zap.Int("expected", len(e)), zap.Int("observed", len(o)))
	}
	chi := 0.0
	for i := range e {
		chi += binLL(e[i], o[i])
	}
	return chi
}

func binLL(e, o float64) float64 {
	if e < minExpected {
		e = minExpected
	}
	if o <= 0 {
		return 2 * e
	}
	return 2 * (e - o + o*math.Log(o/e))
}

// SingleSample is one predicted sample compared with one data spectrum.
type SingleSample struct {
	mc   predict.Prediction
	data *hist.Spectrum
	stat Statistic

	frac   *mat.SymDense // fractional covariance
	preInv *mat.Dense    // CovMxChiSqPreInvert inverse on unmasked bins

	mask []float64
}

// New returns a Poisson log-likelihood experiment.
func New(mc predict.Prediction, data *hist.Spectrum) *SingleSample {
	return &SingleSample{mc: mc, data: data.Clone(), stat: PoissonLL}
}

// NewWithCovariance returns a covariance chi2 experiment. cov is the
// fractional covariance over the flattened data bins.
func NewWithCovariance(mc predict.Prediction, data *hist.Spectrum, cov mat.Symmetric, stat Statistic) *SingleSample {
	if stat != CovMxChiSq && stat != CovMxChiSqPreInvert {
		logger().Panic("unknown covariance test statistic", zap.Stringer("statistic", stat))
	}
	if n := cov.SymmetricDim(); n != data.NBins() {
		logger().Panic("covariance does not match the data binning",
			zap.Int("covariance_dim", n), zap.Int("bins", data.NBins()))
	}
	e := &SingleSample{mc: mc, data: data.Clone(), stat: stat}
	e.frac = mat.NewSymDense(cov.SymmetricDim(), nil)
	e.frac.CopySym(cov)
	if stat == CovMxChiSqPreInvert {
		e.preInvert()
	}
	return e
}

// Statistic returns the configured test statistic.
func (e *SingleSample) Statistic() Statistic { return e.stat }

// Data returns a copy of the data spectrum.
func (e *SingleSample) Data() *hist.Spectrum { return e.data.Clone() }

func (e *SingleSample) preInvert() {
	nominal := e.mc.Predict(osc.NoOsc{}).Array(e.data.POT())
	inv, err := e.invert(nominal)
	if err != nil {
		logger().Panic("covariance matrix is singular", zap.Error(err))
	}
	e.preInv = inv
}

// SetMaskHist keeps only the bins whose centres lie in [xmin, xmax] on the
// first axis and [ymin, ymax] on the second. A range with min >= max does
// not restrict its axis.
func (e *SingleSample) SetMaskHist(xmin, xmax, ymin, ymax float64) {
	e.mask = MaskArray(e.data, xmin, xmax, ymin, ymax)
	if e.stat == CovMxChiSqPreInvert {
		e.preInvert()
	}
}

// MaskArray returns 1 for every flattened bin of s inside the ranges and 0
// elsewhere.
func MaskArray(s *hist.Spectrum, xmin, xmax, ymin, ymax float64) []float64 {
	if s.NDims() > 2 {
		logger().Panic("masks support one- and two-dimensional spectra", zap.Int("dims", s.NDims()))
	}
	inside := func(x, lo, hi float64) bool { return lo >= hi || (x >= lo && x <= hi) }
	xb := s.Axis(0).Bins
	out := make([]float64, s.NBins())
	for i := range out {
		ok := inside(xb.Center(i%xb.NBins()), xmin, xmax)
		if s.NDims() == 2 {
			ok = ok && inside(s.Axis(1).Bins.Center(i/xb.NBins()), ymin, ymax)
		}
		if ok {
			out[i] = 1
		}
	}
	return out
}

// unmasked returns the indices of bins the statistic uses.
func (e *SingleSample) unmasked() []int {
	var idx []int
	for i := 0; i < e.data.NBins(); i++ {
		if e.mask == nil || e.mask[i] != 0 {
			idx = append(idx, i)
		}
	}
	return idx
}

// invert builds the absolute covariance for pred on the unmasked bins and
// inverts it.
func (e *SingleSample) invert(pred []float64) (*mat.Dense, error) {
	idx := e.unmasked()
	cov := mat.NewDense(len(idx), len(idx), nil)
	for a, i := range idx {
		for b, j := range idx {
			v := e.frac.At(i, j) * pred[i] * pred[j]
			if a == b {
				v += pred[i]
			}
			cov.Set(a, b, v)
		}
	}
	var inv mat.Dense
	if err := inv.Inverse(cov); err != nil {
		return nil, fmt.Errorf("failed to invert %dx%d covariance: %w", len(idx), len(idx), err)
	}
	return &inv, nil
}

// ChiSq evaluates the test statistic at calc and shift, with the prediction
// read at the data exposure. A covariance statistic with a differentiable
// calculator is fatal.
func (e *SingleSample) ChiSq(ctx context.Context, calc osc.Calculator, shift syst.Shifts) float64 {
	masked := e.data.NBins() - len(e.unmasked())
	_, span := otel.StartSpan(ctx, "experiment", "experiment.ChiSq",
		otel.ExperimentAttributes(e.stat.String(), e.data.NBins(), masked)...)
	defer span.End()

	if e.stat != PoissonLL && osc.IsDifferentiable(calc) {
		logger().Panic("covariance test statistics do not support differentiable calculators")
	}
	pred := e.mc.PredictSyst(calc, shift).Array(e.data.POT())
	data := e.data.Array(e.data.POT())
	if len(pred) != len(data) {
		logger().Panic("prediction does not match the data binning", zap.Int("prediction", len(pred)), zap.Int("data", len(data)))
	}

	var chi float64
	switch e.stat {
	case PoissonLL:
		if e.mask != nil {
			for i, m := range e.mask {
				pred[i] *= m
				data[i] *= m
			}
		}
		chi = LogLikelihood(pred, data)
	default:
		inv := e.preInv
		if inv == nil {
			var err error
			if inv, err = e.invert(pred); err != nil {
				otel.RecordError(span, err, "covariance inversion")
				logger().Panic("covariance matrix is singular", zap.Error(err))
			}
		}
		idx := e.unmasked()
		diff := mat.NewVecDense(len(idx), nil)
		for a, i := range idx {
			diff.SetVec(a, data[i]-pred[i])
		}
		chi = mat.Inner(diff, inv, diff)
	}
	span.SetAttributes(otel.AttrChiSq.Float64(chi))
	return chi
}

// LogLikelihood returns -chi2/2 of the Poisson statistic. It is for
// gradient-based fits and is fatal with a covariance.
func (e *SingleSample) LogLikelihood(ctx context.Context, calc osc.Calculator, shift syst.Shifts) float64 {
	if e.stat != PoissonLL {
		logger().Panic("log likelihood does not support covariance test statistics", zap.Stringer("statistic", e.stat))
	}
	return e.ChiSq(ctx, calc, shift) / -2
}

type wire struct {
	Data *hist.Spectrum `json:"data"`
	Mask []float64      `json:"mask,omitempty"`
}

// SaveTo writes the data and mask under key and the prediction under
// key/mc. A covariance is not saved.
func (e *SingleSample) SaveTo(ctx context.Context, s store.Store, key string) error {
	if err := predict.Save(ctx, s, store.Join(key, "mc"), e.mc); err != nil {
		return fmt.Errorf("failed to save experiment prediction: %w", err)
	}
	return store.SaveObject(ctx, s, key, TypeTag, wire{Data: e.data, Mask: e.mask})
}

// LoadFrom restores a Poisson experiment saved by SaveTo.
func LoadFrom(ctx context.Context, s store.Store, key string) (*SingleSample, error) {
	var w wire
	if err := store.LoadObject(ctx, s, key, TypeTag, &w); err != nil {
		return nil, err
	}
	if w.Data == nil {
		return nil, fmt.Errorf("experiment: %s: no data spectrum", key)
	}
	mc := predict.MustLoad(ctx, s, store.Join(key, "mc"))
	e := New(mc, w.Data)
	if w.Mask != nil {
		if len(w.Mask) != w.Data.NBins() {
			return nil, fmt.Errorf("experiment: %s: %d mask entries for %d bins", key, len(w.Mask), w.Data.NBins())
		}
		e.mask = w.Mask
	}
	return e, nil
}
