// Package predict defines the prediction contract shared by every spectrum
// producer in the analysis, and the simple producers: a fixed spectrum and
// an oscillatable simulation with no extrapolation.
package predict

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/AlexWilkinsonnn/lblpwgtools/internal/hist"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/logging"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/osc"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/store"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/syst"
)

// Prediction produces a spectrum for an oscillation hypothesis, optionally
// under a systematic shift and restricted to a truth component.
//
// Implementations memoize freely but must return spectra the caller owns.
type Prediction interface {
	Predict(calc osc.Calculator) *hist.Spectrum
	PredictSyst(calc osc.Calculator, shift syst.Shifts) *hist.Spectrum
	PredictComponent(calc osc.Calculator, flav osc.Flavors, curr osc.Current, sign osc.Sign) *hist.Spectrum
	PredictComponentSyst(calc osc.Calculator, shift syst.Shifts, flav osc.Flavors, curr osc.Current, sign osc.Sign) *hist.Spectrum
}

// Saver is implemented by predictions that can be persisted.
type Saver interface {
	SaveTo(ctx context.Context, s store.Store, key string) error
}

// Loader reads a prediction saved under key.
type Loader func(ctx context.Context, s store.Store, key string) (Prediction, error)

var (
	loadersMu sync.RWMutex
	loaders   = map[string]Loader{}
)

func logger() *zap.Logger { return logging.Named("predict") }

// RegisterLoader installs the loader for a type tag. Registering a tag twice
// panics.
func RegisterLoader(typeTag string, l Loader) {
	loadersMu.Lock()
	defer loadersMu.Unlock()
	if _, dup := loaders[typeTag]; dup {
		panic(fmt.Sprintf("predict: loader for %q registered twice", typeTag))
	}
	loaders[typeTag] = l
}

// RegisteredTypes lists the type tags LoadFrom can dispatch on.
func RegisteredTypes() []string {
	loadersMu.RLock()
	defer loadersMu.RUnlock()
	out := make([]string, 0, len(loaders))
	for t := range loaders {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// LoadFrom reads whichever prediction type is saved under key. A type tag
// with no registered loader is fatal.
func LoadFrom(ctx context.Context, s store.Store, key string) (Prediction, error) {
	tag, err := store.TypeOf(ctx, s, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load prediction %q: %w", key, err)
	}
	loadersMu.RLock()
	l, ok := loaders[tag]
	loadersMu.RUnlock()
	if !ok {
		logger().Panic("no loader for stored prediction type",
			zap.String("key", key), zap.String("type", tag), zap.Strings("known", RegisteredTypes()))
	}
	return l(ctx, s, key)
}

// Save persists p under key. It fails if p cannot be saved.
func Save(ctx context.Context, s store.Store, key string, p Prediction) error {
	sv, ok := p.(Saver)
	if !ok {
		return fmt.Errorf("prediction %T cannot be saved", p)
	}
	return sv.SaveTo(ctx, s, key)
}

// MustLoad is LoadFrom for sub-components of a composite object: a missing
// sub-component is a broken save and is fatal.
func MustLoad(ctx context.Context, s store.Store, key string) Prediction {
	p, err := LoadFrom(ctx, s, key)
	if err != nil {
		logger().Panic("failed to load prediction component", zap.String("key", key), zap.Error(err))
	}
	return p
}

func init() {
	RegisterLoader(TypeFixed, func(ctx context.Context, s store.Store, key string) (Prediction, error) {
		return LoadFixed(ctx, s, key)
	})
	RegisterLoader(TypeNoExtrap, func(ctx context.Context, s store.Store, key string) (Prediction, error) {
		return LoadNoExtrap(ctx, s, key)
	})
}

// TypeFixed identifies a saved Fixed prediction.
const TypeFixed = "PredictionFixed"

// Fixed is a prediction that ignores oscillations and shifts, e.g. a data
// spectrum or an externally computed flux. It has no truth breakdown:
// component queries return the whole spectrum.
type Fixed struct {
	spec *hist.Spectrum
}

// NewFixed wraps a copy of s.
func NewFixed(s *hist.Spectrum) *Fixed {
	return &Fixed{spec: s.Clone()}
}

func (f *Fixed) Predict(osc.Calculator) *hist.Spectrum { return f.spec.Clone() }

func (f *Fixed) PredictSyst(osc.Calculator, syst.Shifts) *hist.Spectrum { return f.spec.Clone() }

func (f *Fixed) PredictComponent(osc.Calculator, osc.Flavors, osc.Current, osc.Sign) *hist.Spectrum {
	return f.spec.Clone()
}

func (f *Fixed) PredictComponentSyst(osc.Calculator, syst.Shifts, osc.Flavors, osc.Current, osc.Sign) *hist.Spectrum {
	return f.spec.Clone()
}

func (f *Fixed) SaveTo(ctx context.Context, s store.Store, key string) error {
	return store.SaveObject(ctx, s, key, TypeFixed, f.spec)
}

// LoadFixed reads a Fixed prediction saved by SaveTo.
func LoadFixed(ctx context.Context, s store.Store, key string) (*Fixed, error) {
	var spec hist.Spectrum
	if err := store.LoadObject(ctx, s, key, TypeFixed, &spec); err != nil {
		return nil, err
	}
	return &Fixed{spec: &spec}, nil
}
