package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexWilkinsonnn/lblpwgtools/internal/hist"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/metrics"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/osc"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/prism"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/syst"
)

var ana = hist.NewAxis("E_reco (GeV)", hist.Simple(2, 0, 2))

// fakeComposer returns per-POT spectra and records its last inputs.
type fakeComposer struct {
	mu    sync.Mutex
	match prism.MatchChan
	shift syst.Shifts
	calc  osc.Calculator
	fatal bool
}

func (f *fakeComposer) PredictPRISMComponents(calc osc.Calculator, shift syst.Shifts, match prism.MatchChan) map[prism.Component]*hist.Spectrum {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fatal {
		panic("no FD MC for channel")
	}
	f.calc, f.shift, f.match = calc, shift, match
	return map[prism.Component]*hist.Spectrum{
		prism.PRISMPred: hist.FromContents([]float64{1, 2}, []float64{1, 4}, 1, ana),
		prism.FDOscPred: hist.FromContents([]float64{3, 4}, nil, 1, ana),
	}
}

func post(t *testing.T, h http.Handler, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/predict", bytes.NewReader(raw)))
	return rec
}

func newTestServer(c Composer, opts Options) (*Server, *metrics.Metrics) {
	m := metrics.New(prometheus.NewRegistry())
	opts.Metrics = m
	return NewServer(c, opts), m
}

func TestPredict(t *testing.T) {
	fc := &fakeComposer{}
	srv, m := newTestServer(fc, Options{DefaultMatch: prism.NumuDisappearanceNumode, DefaultPOT: 10})

	rec := post(t, srv.Routes(), PredictRequest{
		Osc:    map[string]float64{"deltapi": 1},
		Shifts: []syst.ShiftSpec{{Name: "fd_norm", Value: -1}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp PredictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "numu_numode->numu_numode", resp.Match)
	assert.Equal(t, 10.0, resp.POT)
	assert.NotEmpty(t, resp.Fingerprint)
	require.Len(t, resp.Components, 2)

	pred := resp.Components[prism.PRISMPred.String()]
	assert.Equal(t, []float64{10, 20}, pred.Contents, "read at the default exposure")
	assert.InDeltaSlice(t, []float64{10, 20}, pred.Errors, 1e-12)
	require.Len(t, pred.Axes, 1)
	assert.Equal(t, []float64{0, 1, 2}, pred.Axes[0].Edges)

	assert.Equal(t, prism.NumuDisappearanceNumode, fc.match)
	assert.False(t, fc.shift.IsNominal())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("200")))
}

func TestPredictSelectsMatchAndComponents(t *testing.T) {
	fc := &fakeComposer{}
	srv, _ := newTestServer(fc, Options{DefaultMatch: prism.NumuDisappearanceNumode})

	rec := post(t, srv.Routes(), PredictRequest{
		Match:      prism.NueAppearanceNumode.String(),
		Components: []string{prism.FDOscPred.String()},
		POT:        2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp PredictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, prism.NueAppearanceNumode, fc.match)
	require.Len(t, resp.Components, 1)
	assert.Equal(t, []float64{6, 8}, resp.Components[prism.FDOscPred.String()].Contents)
}

func TestPredictErrors(t *testing.T) {
	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"unknown field", map[string]interface{}{"calc": "nufit"}, http.StatusBadRequest},
		{"negative pot", PredictRequest{POT: -1}, http.StatusBadRequest},
		{"bad match", PredictRequest{Match: "numu->nue"}, http.StatusBadRequest},
		{"unknown component", PredictRequest{Components: []string{"NoSuchThing"}}, http.StatusBadRequest},
		{"unknown osc key", PredictRequest{Osc: map[string]float64{"theta": 1}}, http.StatusBadRequest},
		{"unknown shift", PredictRequest{Shifts: []syst.ShiftSpec{{Name: "no_such_syst", Value: 1}}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(&fakeComposer{}, Options{})
			rec := post(t, srv.Routes(), tt.body)
			assert.Equal(t, tt.want, rec.Code)
			var e ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
			assert.NotEmpty(t, e.Error)
		})
	}
}

func TestPredictComposerFailure(t *testing.T) {
	srv, m := newTestServer(&fakeComposer{fatal: true}, Options{})
	rec := post(t, srv.Routes(), PredictRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "no FD MC")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("422")))
}

func TestMethodAndRateLimit(t *testing.T) {
	srv, m := newTestServer(&fakeComposer{}, Options{TokenRate: 1})
	h := srv.Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/predict", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	codes := map[int]int{}
	for i := 0; i < 5; i++ {
		codes[post(t, h, PredictRequest{}).Code]++
	}
	assert.Equal(t, 2, codes[http.StatusOK], "burst of twice the rate")
	assert.Equal(t, 3, codes[http.StatusTooManyRequests])
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RateLimited))
}

func TestHealthAndMetricsAuth(t *testing.T) {
	srv, _ := newTestServer(&fakeComposer{}, Options{MetricsUser: "prism", MetricsPass: "secret"})
	h := srv.Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("prism", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestDigest(t *testing.T) {
	a := PredictRequest{Osc: map[string]float64{"th13": 0.1, "rho": 2.8}, Components: []string{"FDOscPred", "PRISMPred"}}
	b := PredictRequest{Osc: map[string]float64{"rho": 2.8, "th13": 0.1}, Components: []string{"PRISMPred", "FDOscPred"}}
	assert.Equal(t, a.Digest(), b.Digest())

	b.POT = 5
	assert.NotEqual(t, a.Digest(), b.Digest())
}
