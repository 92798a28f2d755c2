package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/AlexWilkinsonnn/lblpwgtools/internal/hist"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/logging"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/metrics"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/osc"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/prism"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/syst"
	"github.com/AlexWilkinsonnn/lblpwgtools/pkg/otel"
)

const maxBody = 1 << 20

// Composer is the part of the PRISM composer the server needs.
type Composer interface {
	PredictPRISMComponents(calc osc.Calculator, shift syst.Shifts, match prism.MatchChan) map[prism.Component]*hist.Spectrum
}

// Options configures a Server.
type Options struct {
	DefaultMatch prism.MatchChan
	// DefaultPOT is used when a request gives no exposure.
	DefaultPOT float64
	// TokenRate is the sustained request rate; the burst is twice this.
	TokenRate int
	Registry  *syst.Registry
	Metrics   *metrics.Metrics

	MetricsUser string
	MetricsPass string
}

// Server answers prediction requests from one composer.
type Server struct {
	composer Composer
	opts     Options
	limiter  *rate.Limiter
	log      *zap.Logger
}

// NewServer returns a server over c. Zero options take defaults: one POT,
// 100 requests per second and the default systematics registry.
func NewServer(c Composer, opts Options) *Server {
	if opts.DefaultPOT <= 0 {
		opts.DefaultPOT = 1
	}
	if opts.TokenRate <= 0 {
		opts.TokenRate = 100
	}
	if opts.Registry == nil {
		opts.Registry = syst.Default()
	}
	return &Server{
		composer: c,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Limit(opts.TokenRate), opts.TokenRate*2),
		log:      logging.Named("api"),
	}
}

// Routes returns the HTTP handler of every endpoint.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/predict", s.handlePredict)
	mux.Handle("/metrics", s.metricsHandler())
	mux.HandleFunc("/health", handleHealth)
	return mux
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusOK
	defer func() {
		if m := s.opts.Metrics; m != nil {
			m.RequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
			m.PredictLatency.Observe(time.Since(start).Seconds())
		}
	}()
	fail := func(code int, err error) {
		status = code
		respondWithError(w, code, err)
	}

	if r.Method != http.MethodPost {
		fail(http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if !s.limiter.Allow() {
		if m := s.opts.Metrics; m != nil {
			m.RateLimited.Inc()
		}
		w.Header().Set("Retry-After", "1")
		fail(http.StatusTooManyRequests, errors.New("too many requests"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		fail(http.StatusBadRequest, errors.New("failed to read body"))
		return
	}
	var req PredictRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		fail(http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if err := req.Validate(); err != nil {
		fail(http.StatusBadRequest, err)
		return
	}
	calc, shifts, err := req.Resolve(s.opts.Registry)
	if err != nil {
		fail(http.StatusBadRequest, err)
		return
	}
	match := s.opts.DefaultMatch
	if req.Match != "" {
		match, _ = prism.ParseMatchChan(req.Match)
	}
	pot := req.POT
	if pot == 0 {
		pot = s.opts.DefaultPOT
	}

	fingerprint := ""
	if fp, ok := osc.FingerprintOf(calc); ok {
		fingerprint = fp.Short()
	}
	_, span := otel.StartSpan(r.Context(), "api", "prism.Predict",
		otel.PredictionAttributes(match.String(), fingerprint, shifts.String())...)
	defer span.End()

	comps, err := s.predict(calc, shifts, match)
	if err != nil {
		otel.RecordError(span, err, "prediction failed")
		s.log.Warn("prediction failed",
			zap.String("request", req.Digest().Short()),
			zap.Stringer("match", match),
			zap.Error(err),
		)
		fail(http.StatusUnprocessableEntity, err)
		return
	}

	resp := PredictResponse{
		Match:       match.String(),
		POT:         pot,
		Fingerprint: fingerprint,
		Components:  map[string]Histogram{},
	}
	wanted := req.Components
	if len(wanted) == 0 {
		for c := range comps {
			wanted = append(wanted, c.String())
		}
	}
	for _, name := range wanted {
		c, _ := prism.ParseComponent(name)
		if spec, ok := comps[c]; ok && spec != nil {
			resp.Components[name] = NewHistogram(spec, pot)
		}
	}
	span.SetAttributes(otel.AttrLatencyMs.Int64(time.Since(start).Milliseconds()))
	s.log.Debug("prediction served",
		zap.String("request", req.Digest().Short()),
		zap.Stringer("match", match),
		zap.Int("components", len(resp.Components)),
	)
	respondWithJSON(w, http.StatusOK, resp)
}

// predict runs the composer, turning its fatal conditions into errors.
func (s *Server) predict(calc osc.Calculator, shifts syst.Shifts, match prism.MatchChan) (comps map[prism.Component]*hist.Spectrum, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return s.composer.PredictPRISMComponents(calc, shifts, match), nil
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()
	if s.opts.MetricsUser == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.opts.MetricsUser || pass != s.opts.MetricsPass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func respondWithError(w http.ResponseWriter, code int, err error) {
	respondWithJSON(w, code, ErrorResponse{Error: err.Error()})
}

func respondWithJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
