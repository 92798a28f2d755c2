package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/AlexWilkinsonnn/lblpwgtools/internal/api"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/config"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/extrap"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/logging"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/metrics"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/ndfd"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/predict"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/prism"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/store"
	"github.com/AlexWilkinsonnn/lblpwgtools/pkg/otel"
)

func main() {
	cfg, err := config.Load(getEnv("PRISM_CONFIG", "prism.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(getEnv("LOG_LEVEL", cfg.LogLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	logging.Set(log)
	defer func() { _ = log.Sync() }()

	ctx := context.Background()

	var tp interface{ Shutdown(context.Context) error }
	if endpoint := getEnv("OTEL_COLLECTOR", ""); endpoint != "" {
		tcfg := otel.DefaultConfig("prism-server")
		tcfg.CollectorEndpoint = endpoint
		provider, err := otel.InitTracer(ctx, tcfg)
		if err != nil {
			log.Fatal("failed to initialise tracing", zap.Error(err))
		}
		tp = provider
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		log.Fatal("failed to open store", zap.String("backend", cfg.Store.Backend), zap.Error(err))
	}

	m := metrics.Default()
	composer, err := loadComposer(ctx, st, cfg, m)
	if err != nil {
		log.Fatal("failed to load PRISM composer", zap.Error(err))
	}

	defaultMatch := prism.NumuDisappearanceNumode
	if s := getEnv("PRISM_MATCH", ""); s != "" {
		if defaultMatch, err = prism.ParseMatchChan(s); err != nil {
			log.Fatal("invalid PRISM_MATCH", zap.Error(err))
		}
	}

	srv := api.NewServer(composer, api.Options{
		DefaultMatch: defaultMatch,
		DefaultPOT:   getEnvFloat("DEFAULT_POT", cfg.TotalPOT),
		TokenRate:    getEnvInt("TOKEN_RATE", 100),
		Metrics:      m,
		MetricsUser:  getEnv("METRICS_USER", ""),
		MetricsPass:  getEnv("METRICS_PASS", ""),
	})

	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      srv.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("starting server", zap.String("port", port), zap.Stringer("default_match", defaultMatch))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-shutdown
	log.Info("shutting down server")

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(sctx); err != nil {
		log.Warn("server shutdown error", zap.Error(err))
	}
	if tp != nil {
		if err := tp.Shutdown(sctx); err != nil {
			log.Warn("tracer shutdown error", zap.Error(err))
		}
	}
	if err := st.Close(); err != nil {
		log.Warn("error closing store", zap.Error(err))
	}
	log.Info("server stopped")
}

// loadComposer restores the composer saved under PRISM_KEY and attaches the
// matcher and ND->FD matrix saved beside it, when present.
func loadComposer(ctx context.Context, st store.Store, cfg *config.Config, m *metrics.Metrics) (*prism.Prediction, error) {
	key := getEnv("PRISM_KEY", "prism")
	loaded, err := predict.LoadFrom(ctx, st, key)
	if err != nil {
		return nil, err
	}
	p, ok := loaded.(*prism.Prediction)
	if !ok {
		return nil, fmt.Errorf("%s holds a %T, not a PRISM prediction", key, loaded)
	}
	if err := cfg.Configure(p); err != nil {
		return nil, err
	}
	p.SetMetrics(m)

	if mk := getEnv("PRISM_MATCHER_KEY", store.Join(key, "matcher")); mk != "" {
		x, err := extrap.LoadFrom(ctx, st, mk, cfg.Matcher.CacheSize, m)
		switch {
		case err == nil:
			if x.Conditioning() != cfg.Conditioning() {
				logging.L().Warn("configured conditioning differs from the saved matcher; cached matches dropped",
					zap.String("key", mk))
				x.SetTargetConditioning(cfg.Conditioning())
			}
			p.SetFluxMatcher(x)
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}
	if nk := getEnv("PRISM_NDFD_KEY", store.Join(key, "ndfd")); nk != "" {
		mx, err := ndfd.LoadFrom(ctx, st, nk)
		switch {
		case err == nil:
			mx.SetMetrics(m)
			p.SetNDFDDetExtrap(mx)
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}
	return p, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
