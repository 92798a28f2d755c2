// Package canonical provides canonical float payloads and digests used to
// fingerprint oscillation parameters, systematic shifts and cache keys.
//
// Key requirements:
//   - Floats are formatted with the shortest representation that round-trips
//     exactly, so two parameter sets digest equal only if they are bit-equal
//   - Field ordering is stable (keys sorted)
//   - No whitespace in the payload
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strconv"
)

// Digest is a sha256 digest of a canonical payload.
type Digest [sha256.Size]byte

// Hex returns the lowercase hex encoding of the digest.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 8 bytes of the digest in hex, for log lines and
// human-readable cache keys.
func (d Digest) Short() string {
	return hex.EncodeToString(d[:8])
}

// Field is one named value entering a payload.
type Field struct {
	Name  string
	Value float64
}

// F formats a float64 exactly.
//
// Negative zero is folded into zero and NaN is spelled "NaN", so that
// numerically identical states produce identical payloads.
//
// Example:
//
//	F(0.5)    // "0.5"
//	F(2.5e-3) // "0.0025"
func F(x float64) string {
	switch {
	case math.IsNaN(x):
		return "NaN"
	case x == 0:
		return "0"
	}
	return strconv.FormatFloat(x, 'g', -1, 64)
}

// F9 formats a float64 to exactly 9 decimal places. Used for display only.
func F9(x float64) string {
	return strconv.FormatFloat(x, 'f', 9, 64)
}

// Payload generates canonical JSON bytes for a set of named values.
//
// Rules:
//   - Values formatted with F
//   - Keys sorted alphabetically (json.Marshal sorts map keys)
//   - A later field with a duplicate name replaces the earlier one
func Payload(kind string, fields []Field) ([]byte, error) {
	normalized := make(map[string]string, len(fields)+1)
	for _, f := range fields {
		normalized[f.Name] = F(f.Value)
	}
	doc := map[string]interface{}{
		"kind":   kind,
		"fields": normalized,
	}
	return json.Marshal(doc)
}

// Sum digests a canonical payload.
func Sum(kind string, fields []Field) Digest {
	payload, err := Payload(kind, fields)
	if err != nil {
		// map[string]string always marshals
		panic(err)
	}
	return sha256.Sum256(payload)
}

// Combine digests an ordered list of digests into one.
func Combine(parts ...Digest) Digest {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p[:])
	}
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

// String digests a plain label, for folding discrete choices (flavour
// channels, match modes) into a combined key.
func String(s string) Digest {
	return sha256.Sum256([]byte(s))
}
