// Package config loads the YAML analysis configuration: exposure and run
// plans, oscillation overrides, systematic shifts, matcher conditioning,
// background corrections and the store backend.
//
// Documents are validated against an embedded JSON schema before being
// decoded; unknown keys are rejected by both.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/AlexWilkinsonnn/lblpwgtools/internal/extrap"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/metrics"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/osc"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/prism"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/runplan"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/store"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/syst"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "prism-config.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
	})
	return schema, schemaErr
}

// Beam mode keys of the plan section.
const (
	PlanNu    = "nu"
	PlanNubar = "nubar"
)

// Matcher configures the flux matcher.
type Matcher struct {
	extrap.Conditioning `yaml:",inline"`
	// MaxOffAxis limits the off-axis positions (m) entering a match. Zero
	// means the whole off-axis binning.
	MaxOffAxis float64 `yaml:"max_off_axis" json:"max_off_axis"`
	// CacheSize bounds the match cache; zero is unbounded.
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// Config is one analysis configuration.
type Config struct {
	TotalPOT         float64                         `yaml:"total_pot" json:"total_pot"`
	Plan             map[string][]runplan.StopConfig `yaml:"plan" json:"plan"`
	Osc              map[string]float64              `yaml:"osc" json:"osc,omitempty"`
	Shifts           []syst.ShiftSpec                `yaml:"shifts" json:"shifts,omitempty"`
	Matcher          Matcher                         `yaml:"matcher" json:"matcher"`
	Corrections      prism.Corrections               `yaml:"corrections" json:"corrections"`
	NDErrorsFromRate bool                            `yaml:"nd_errors_from_rate" json:"nd_errors_from_rate"`
	Store            store.Config                    `yaml:"store" json:"store"`
	LogLevel         string                          `yaml:"log_level" json:"log_level"`
}

// Default returns the values used for keys a document leaves out.
func Default() *Config {
	return &Config{
		Matcher: Matcher{
			Conditioning: extrap.DefaultConditioning(),
		},
		Corrections: prism.AllCorrections(),
		Store:       store.Config{Backend: "memory"},
		LogLevel:    "info",
	}
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates a YAML document and decodes it over Default.
func Parse(data []byte) (*Config, error) {
	if err := validate(data); err != nil {
		return nil, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty configuration")
		}
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	var extra interface{}
	if err := dec.Decode(&extra); err == nil {
		return nil, errors.New("multiple YAML documents are not supported")
	}
	return cfg, nil
}

// validate checks the document against the schema. YAML is round-tripped
// through JSON so the validator sees JSON types.
func validate(data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if doc == nil {
		return errors.New("empty configuration")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config is not representable as JSON: %w", err)
	}
	var payload interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if err := s.Validate(payload); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RunPlan builds the run plan of a beam mode (PlanNu or PlanNubar), scaled to
// the total exposure.
func (c *Config) RunPlan(mode string) (runplan.RunPlan, error) {
	stops, ok := c.Plan[mode]
	if !ok {
		return runplan.RunPlan{}, fmt.Errorf("no run plan for beam mode %q", mode)
	}
	rp, err := runplan.New(stops, c.TotalPOT)
	if err != nil {
		return runplan.RunPlan{}, fmt.Errorf("run plan %q: %w", mode, err)
	}
	return rp, nil
}

// Calc returns a calculator at the NuFit central values with the osc
// overrides applied.
func (c *Config) Calc() (osc.Adjustable, error) {
	return osc.Configure(c.Osc, nil)
}

// SystShifts resolves the configured shifts against the default registry.
func (c *Config) SystShifts() (syst.Shifts, error) {
	return syst.ParseShifts(c.Shifts, syst.Default())
}

// Conditioning returns the matcher conditioning. A missing upper cutoff
// means no upper cutoff.
func (c *Config) Conditioning() extrap.Conditioning {
	cond := c.Matcher.Conditioning
	if cond.HighECutoff == 0 {
		cond.HighECutoff = math.MaxFloat64
	}
	return cond
}

// NewMatcher returns an uninitialised matcher with the configured
// conditioning and cache bound.
func (c *Config) NewMatcher(m *metrics.Metrics) *extrap.Extrapolator {
	return extrap.New(c.Conditioning(), c.Matcher.CacheSize, m)
}

// Configure applies the run plans, corrections, ND error model and off-axis
// limit to a composer.
func (c *Config) Configure(p *prism.Prediction) error {
	modes := map[string]prism.BeamMode{PlanNu: prism.NuMode, PlanNubar: prism.NuBarMode}
	for key, mode := range modes {
		if _, ok := c.Plan[key]; !ok {
			continue
		}
		rp, err := c.RunPlan(key)
		if err != nil {
			return err
		}
		p.SetNDRunPlan(rp, mode)
	}
	p.SetCorrections(c.Corrections)
	p.SetNDDataErrorsFromRate(c.NDErrorsFromRate)
	if c.Matcher.MaxOffAxis != 0 {
		p.SetMaxOffAxis(c.Matcher.MaxOffAxis)
	}
	return nil
}
