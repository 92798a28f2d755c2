package osc

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrUnknownKey is returned for an oscillation configuration key outside
	// ConfigKeys.
	ErrUnknownKey = errors.New("unknown oscillation configuration key")
	// ErrUnknownParam is returned by CalcValue for an unrecognised name.
	ErrUnknownParam = errors.New("unknown oscillation parameter")
)

// ConfigKeys are the recognised oscillation configuration keys.
//
//	th13    theta13 in radians
//	dmsq32  eV^2
//	ssth23  sin^2(theta23)
//	deltapi deltaCP in units of pi
//	dmsq21  eV^2
//	ssth12  sin^2(theta12)
//	rho     g/cm^3
var ConfigKeys = []string{"th13", "dmsq32", "ssth23", "deltapi", "dmsq21", "ssth12", "rho"}

func isConfigKey(k string) bool {
	for _, c := range ConfigKeys {
		if c == k {
			return true
		}
	}
	return false
}

// Configure applies named overrides to calc. A nil calc starts from the NuFit
// central values. Keys are validated before anything is applied, so an error
// leaves calc untouched.
func Configure(overrides map[string]float64, calc Adjustable) (Adjustable, error) {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		if !isConfigKey(k) {
			return nil, fmt.Errorf("%w: %q (allowed: %v)", ErrUnknownKey, k, ConfigKeys)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range []string{"ssth12", "ssth23"} {
		if v, ok := overrides[k]; ok && (v < 0 || v > 1) {
			return nil, fmt.Errorf("%s = %v outside [0, 1]", k, v)
		}
	}

	if calc == nil {
		calc = NuFit()
	}
	for _, k := range keys {
		v := overrides[k]
		switch k {
		case "rho":
			calc.SetRho(v)
		case "dmsq21":
			calc.SetDmsq21(v)
		case "dmsq32":
			calc.SetDmsq32(v)
		case "th13":
			calc.SetTh13(v)
		case "ssth12":
			calc.SetTh12(math.Asin(math.Sqrt(v)))
		case "ssth23":
			calc.SetTh23(math.Asin(math.Sqrt(v)))
		case "deltapi":
			calc.SetDCP(v * math.Pi)
		}
	}
	return calc, nil
}

// CalcValue reads a parameter back in configuration units, inverting the
// transforms applied by Configure. A nil calc yields 0.
func CalcValue(calc Adjustable, name string) (float64, error) {
	if calc == nil {
		return 0, nil
	}
	switch name {
	case "rho":
		return calc.Rho(), nil
	case "dmsq21":
		return calc.Dmsq21(), nil
	case "dmsq32":
		return calc.Dmsq32(), nil
	case "th13":
		return calc.Th13(), nil
	case "ssth12":
		return math.Pow(math.Sin(calc.Th12()), 2), nil
	case "ssth23":
		return math.Pow(math.Sin(calc.Th23()), 2), nil
	case "deltapi":
		return calc.DCP() / math.Pi, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownParam, name)
}

// Values reads every configuration key back, keyed by name.
func Values(calc Adjustable) map[string]float64 {
	out := make(map[string]float64, len(ConfigKeys))
	for _, k := range ConfigKeys {
		// every ConfigKeys entry is handled by CalcValue
		out[k], _ = CalcValue(calc, k)
	}
	return out
}
