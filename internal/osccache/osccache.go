// Package osccache caches oscillated spectra and predictions by the
// fingerprint of the oscillation parameters (and systematic shift) that
// produced them.
//
// A calculator that cannot fingerprint itself disables caching: every
// query recomputes.
package osccache

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/AlexWilkinsonnn/lblpwgtools/internal/cache"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/hist"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/logging"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/metrics"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/osc"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/predict"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/store"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/syst"
	"github.com/AlexWilkinsonnn/lblpwgtools/pkg/canonical"
)

func logger() *zap.Logger { return logging.Named("osccache") }

// Single holds at most one value, tagged with the fingerprint it was
// computed for. A lookup under a different fingerprint replaces it.
type Single[T any] struct {
	mu       sync.Mutex
	key      canonical.Digest
	val      T
	valid    bool
	name     string
	metrics  *metrics.Metrics
	computes int
}

// NewSingle returns an empty cache reporting lookups as name.
func NewSingle[T any](name string, m *metrics.Metrics) *Single[T] {
	return &Single[T]{name: name, metrics: m}
}

// Get returns the cached value for key, or computes, stores and returns it.
// hit reports whether compute was skipped.
func (c *Single[T]) Get(key canonical.Digest, compute func() T) (v T, hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valid && c.key == key {
		c.metrics.Lookup(c.name, true)
		return c.val, true
	}
	c.metrics.Lookup(c.name, false)
	c.computes++
	c.val = compute()
	c.key = key
	c.valid = true
	return c.val, false
}

// Invalidate drops the cached value.
func (c *Single[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	c.val, c.valid = zero, false
}

// Computes returns how many times a value was computed.
func (c *Single[T]) Computes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.computes
}

// AtmosSpect is an oscillatable spectrum whose weighting axis is defined at
// the reference baseline (1000 x true E / L). Oscillated results are cached
// by calculator fingerprint and channel.
type AtmosSpect struct {
	spec  *predict.OscillatableSpectrum
	cache *Single[*hist.Spectrum]
}

// NewAtmosSpect wraps spec. Its true-energy axis must be expressed at
// osc.RefBaseline.
func NewAtmosSpect(spec *predict.OscillatableSpectrum, m *metrics.Metrics) *AtmosSpect {
	return &AtmosSpect{spec: spec, cache: NewSingle[*hist.Spectrum]("osc", m)}
}

// Spectrum returns the wrapped oscillatable spectrum.
func (a *AtmosSpect) Spectrum() *predict.OscillatableSpectrum { return a.spec }

// Computes returns how many times the oscillated spectrum was computed.
func (a *AtmosSpect) Computes() int { return a.cache.Computes() }

// Oscillated returns the spectrum oscillated from -> to. The calculator's
// baseline is set to osc.RefBaseline before it is fingerprinted or
// evaluated, so it is left at the reference baseline on return.
//
// The returned spectrum is shared with the cache and must not be modified.
func (a *AtmosSpect) Oscillated(calc osc.Adjustable, from, to int) *hist.Spectrum {
	calc.SetL(osc.RefBaseline)

	compute := func() *hist.Spectrum { return a.spec.Oscillated(calc, from, to) }

	fp, ok := osc.FingerprintOf(calc)
	if !ok {
		return compute()
	}
	key := canonical.Combine(fp, canonical.String(fmt.Sprintf("%d->%d", from, to)))
	s, hit := a.cache.Get(key, compute)
	if !hit {
		logger().Debug("oscillated spectrum recomputed",
			zap.String("fingerprint", fp.Short()), zap.Int("from", from), zap.Int("to", to))
	}
	return s
}

// DefaultPredictionCacheSize bounds the entries a CachedPrediction keeps.
const DefaultPredictionCacheSize = 64

// CachedPrediction memoizes an inner prediction by the fingerprint of the
// calculator, the shift and the requested component. Results are copied out,
// so callers may modify them.
type CachedPrediction struct {
	inner   predict.Prediction
	memo    *cache.Memo[canonical.Digest, *hist.Spectrum]
	metrics *metrics.Metrics
}

// NewCachedPrediction wraps p with an LRU of size entries (size <= 0 means
// unbounded).
func NewCachedPrediction(p predict.Prediction, size int, m *metrics.Metrics) *CachedPrediction {
	return &CachedPrediction{
		inner:   p,
		memo:    cache.MustMemo[canonical.Digest, *hist.Spectrum](size),
		metrics: m,
	}
}

// Inner returns the wrapped prediction.
func (c *CachedPrediction) Inner() predict.Prediction { return c.inner }

// Stats returns the memo statistics.
func (c *CachedPrediction) Stats() cache.Stats { return c.memo.Stats() }

func (c *CachedPrediction) Predict(calc osc.Calculator) *hist.Spectrum {
	return c.PredictComponentSyst(calc, syst.NoShift(), osc.AllFlavors, osc.BothCurrents, osc.BothSigns)
}

func (c *CachedPrediction) PredictSyst(calc osc.Calculator, shift syst.Shifts) *hist.Spectrum {
	return c.PredictComponentSyst(calc, shift, osc.AllFlavors, osc.BothCurrents, osc.BothSigns)
}

func (c *CachedPrediction) PredictComponent(calc osc.Calculator, flav osc.Flavors, curr osc.Current, sign osc.Sign) *hist.Spectrum {
	return c.PredictComponentSyst(calc, syst.NoShift(), flav, curr, sign)
}

func (c *CachedPrediction) PredictComponentSyst(calc osc.Calculator, shift syst.Shifts, flav osc.Flavors, curr osc.Current, sign osc.Sign) *hist.Spectrum {
	fp, ok := osc.FingerprintOf(calc)
	if !ok {
		return c.inner.PredictComponentSyst(calc, shift, flav, curr, sign)
	}
	key := canonical.Combine(fp, shift.Fingerprint(),
		canonical.String(fmt.Sprintf("%d/%d/%d", int(flav), int(curr), int(sign))))

	if s, hit := c.memo.Get(key); hit {
		c.metrics.Lookup("prediction", true)
		return s.Clone()
	}
	c.metrics.Lookup("prediction", false)
	s := c.inner.PredictComponentSyst(calc, shift, flav, curr, sign)
	c.memo.Set(key, s.Clone())
	return s
}

// SaveTo saves the inner prediction. The cache itself is not persisted.
func (c *CachedPrediction) SaveTo(ctx context.Context, s store.Store, key string) error {
	return predict.Save(ctx, s, key, c.inner)
}
