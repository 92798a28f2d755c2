package ndfd

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/AlexWilkinsonnn/lblpwgtools/internal/hist"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/metrics"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/store"
)

var (
	trueAxis = hist.NewAxis("E_{#nu} (GeV)", hist.Simple(3, 0, 3))
	recoAxis = hist.NewAxis("E_{reco} (GeV)", hist.Simple(3, 0, 3))
)

// smearing builds a reco x true matrix spectrum at exposure 1.
func smearing(t *testing.T, rows [][]float64) *hist.Spectrum2D {
	t.Helper()
	var flat []float64
	for _, r := range rows {
		flat = append(flat, r...)
	}
	return hist.FromMatrix(mat.NewDense(len(rows), len(rows[0]), flat), nil, trueAxis, recoAxis, 1)
}

func TestNormaliseETrue(t *testing.T) {
	nd := smearing(t, [][]float64{
		{4, 0, 1},
		{4, 0, 1},
		{2, 0, 2},
	})
	m := New(nd, nd.Clone(), 1)
	m.NormaliseETrue()
	assert.Equal(t, Normalized, m.State())

	got := m.NDMatrix()
	for _, c := range []int{0, 2} {
		assert.InDelta(t, 1.0, mat.Sum(got.ColView(c)), 1e-12, "column %d", c)
	}
	// zero-integral column is untouched
	assert.Equal(t, 0.0, mat.Sum(got.ColView(1)))
	assert.InDelta(t, 0.4, got.At(0, 0), 1e-12)
	assert.InDelta(t, 0.5, got.At(2, 2), 1e-12)

	assert.Panics(t, m.NormaliseETrue)
}

func TestNormalisePropagatesVariances(t *testing.T) {
	ctx := context.Background()
	counts := mat.NewDense(3, 3, []float64{
		4, 0, 1,
		4, 0, 1,
		2, 0, 2,
	})
	// Poisson variances at exposure 1, read at exposure 2
	nd := hist.FromMatrix(counts, counts, trueAxis, recoAxis, 1)
	m := New(nd, nd.Clone(), 2)
	assert.InDelta(t, 16.0, m.NDVariances().At(0, 0), 1e-12)

	m.NormaliseETrue()
	v := m.NDVariances()
	// column integrals are 20 and 8 at exposure 2
	assert.InDelta(t, 16.0/400, v.At(0, 0), 1e-12)
	assert.InDelta(t, 8.0/64, v.At(2, 2), 1e-12)
	assert.Equal(t, 0.0, v.At(1, 1), "zero-integral column is untouched")
	assert.True(t, mat.EqualApprox(v, m.FDVariances(), 1e-12))

	s, err := store.NewMemoryStore("")
	require.NoError(t, err)
	require.NoError(t, m.SaveTo(ctx, s, "ndfd/var"))
	loaded, err := LoadFrom(ctx, s, "ndfd/var")
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(v, loaded.NDVariances(), 1e-12))

	c := m.Clone()
	_ = m.ExtrapolateNDtoFD(hist.FromContents([]float64{1, 1, 1}, nil, 2, recoAxis))
	assert.Panics(t, func() { m.NDVariances() })
	assert.True(t, mat.EqualApprox(v, c.NDVariances(), 1e-12))
}

func TestExtrapolateIdentity(t *testing.T) {
	nd := smearing(t, [][]float64{
		{0.8, 0.1, 0.0},
		{0.2, 0.8, 0.1},
		{0.0, 0.1, 0.9},
	})
	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)

	m := New(nd, nd.Clone(), 1)
	m.SetMetrics(mt)

	in := hist.FromContents([]float64{120, 80, 40}, []float64{120, 80, 40}, 1, recoAxis)
	out := m.ExtrapolateNDtoFD(in)

	require.Equal(t, in.NBins(), out.NBins())
	want := in.Array(1)
	got := out.Array(1)
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-9, "bin %d", i)
	}
	assert.True(t, out.SameShape(in))
	assert.Same(t, out, m.Extrapolated())
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.Solves.WithLabelValues("ndfd")))
}

func TestExtrapolateRescalesExposure(t *testing.T) {
	nd := smearing(t, [][]float64{
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
	})
	m := New(nd, nd.Clone(), 2)

	// stored at exposure 1, read at the matrix exposure 2
	in := hist.FromContents([]float64{1, 2, 3}, nil, 1, recoAxis)
	out := m.ExtrapolateNDtoFD(in)
	assert.Equal(t, 2.0, out.POT())
	assert.InDeltaSlice(t, []float64{2, 4, 6}, out.Array(2), 1e-9)
}

func TestConsumedMatrixPanics(t *testing.T) {
	nd := smearing(t, [][]float64{
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
	})
	m := New(nd, nd.Clone(), 1)
	c := m.Clone()

	_ = m.ExtrapolateNDtoFD(hist.FromContents([]float64{1, 1, 1}, nil, 1, recoAxis))
	assert.Equal(t, Consumed, m.State())

	assert.Panics(t, func() { m.NDMatrix() })
	assert.Panics(t, func() { m.Clone() })
	assert.Panics(t, m.NormaliseETrue)
	assert.Panics(t, func() { m.ExtrapolateNDtoFD(hist.FromContents([]float64{1, 1, 1}, nil, 1, recoAxis)) })

	// the clone is independent
	assert.Equal(t, Built, c.State())
	assert.NotPanics(t, func() { c.FDMatrix() })
}

func TestMismatchedTrueBinsPanics(t *testing.T) {
	nd := smearing(t, [][]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}})
	fd := hist.NewSpectrum2D(hist.NewAxis("E", hist.Simple(2, 0, 3)), recoAxis, 1)
	assert.Panics(t, func() { New(nd, fd, 1) })
}

func TestExtrapolateWrongBinningPanics(t *testing.T) {
	nd := smearing(t, [][]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}})
	m := New(nd, nd.Clone(), 1)
	in := hist.New(1, hist.NewAxis("E", hist.Simple(4, 0, 4)))
	assert.Panics(t, func() { m.ExtrapolateNDtoFD(in) })
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewMemoryStore("")
	require.NoError(t, err)

	nd := smearing(t, [][]float64{
		{3, 1, 0},
		{1, 3, 1},
		{0, 0, 3},
	})
	m := New(nd, nd.Clone(), 5)
	m.NormaliseETrue()
	require.NoError(t, m.SaveTo(ctx, s, "ndfd/numu"))

	loaded, err := LoadFrom(ctx, s, "ndfd/numu")
	require.NoError(t, err)
	assert.Equal(t, Normalized, loaded.State())
	assert.Equal(t, 5.0, loaded.POT())
	assert.True(t, mat.EqualApprox(m.NDMatrix(), loaded.NDMatrix(), 1e-12))
	assert.True(t, mat.EqualApprox(m.FDMatrix(), loaded.FDMatrix(), 1e-12))

	_, err = LoadFrom(ctx, s, "ndfd/missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
