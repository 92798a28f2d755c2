// Package hist holds binned spectra: a binning, an N-dimensional flattened
// spectrum normalised per unit exposure, and a two-dimensional matrix view used
// for reweighting along one axis.
package hist

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// EdgeTolerance is the absolute tolerance used when comparing bin edges.
const EdgeTolerance = 1e-6

// Binning is an ordered list of strictly increasing bin edges. There are no
// under- or overflow bins.
type Binning struct {
	edges []float64
}

// Custom builds a binning from explicit edges. It panics if there are fewer
// than two edges or they are not strictly increasing.
func Custom(edges []float64) Binning {
	if len(edges) < 2 {
		panic(fmt.Sprintf("hist: binning needs at least two edges, got %d", len(edges)))
	}
	for i := 1; i < len(edges); i++ {
		if !(edges[i] > edges[i-1]) {
			panic(fmt.Sprintf("hist: bin edges not increasing at %d: %v <= %v", i, edges[i], edges[i-1]))
		}
	}
	out := make([]float64, len(edges))
	copy(out, edges)
	return Binning{edges: out}
}

// Simple builds n equal-width bins over [lo, hi).
func Simple(n int, lo, hi float64) Binning {
	if n < 1 {
		panic(fmt.Sprintf("hist: simple binning needs n >= 1, got %d", n))
	}
	edges := make([]float64, n+1)
	w := (hi - lo) / float64(n)
	for i := range edges {
		edges[i] = lo + float64(i)*w
	}
	edges[n] = hi
	return Custom(edges)
}

// Index returns an n-bin binning over [0, n), used as a flat index axis.
func Index(n int) Binning {
	return Simple(n, 0, float64(n))
}

// NBins returns the number of bins.
func (b Binning) NBins() int {
	if len(b.edges) == 0 {
		return 0
	}
	return len(b.edges) - 1
}

// Edges returns a copy of the bin edges.
func (b Binning) Edges() []float64 {
	out := make([]float64, len(b.edges))
	copy(out, b.edges)
	return out
}

func (b Binning) Min() float64 { return b.edges[0] }
func (b Binning) Max() float64 { return b.edges[len(b.edges)-1] }

func (b Binning) LowEdge(i int) float64  { return b.edges[i] }
func (b Binning) HighEdge(i int) float64 { return b.edges[i+1] }
func (b Binning) Width(i int) float64    { return b.edges[i+1] - b.edges[i] }
func (b Binning) Center(i int) float64   { return 0.5 * (b.edges[i] + b.edges[i+1]) }

// Centers returns all bin centres.
func (b Binning) Centers() []float64 {
	out := make([]float64, b.NBins())
	for i := range out {
		out[i] = b.Center(i)
	}
	return out
}

// FindBin returns the bin containing x, with bins half-open [lo, hi), or -1
// when x is outside the binning.
func (b Binning) FindBin(x float64) int {
	if b.NBins() == 0 || x < b.Min() || x >= b.Max() || math.IsNaN(x) {
		return -1
	}
	// first edge strictly greater than x
	i := sort.SearchFloat64s(b.edges, x)
	if i < len(b.edges) && b.edges[i] == x {
		return i
	}
	return i - 1
}

// Equal reports whether both binnings have the same edges within tol.
func (b Binning) Equal(o Binning, tol float64) bool {
	if len(b.edges) != len(o.edges) {
		return false
	}
	for i := range b.edges {
		if math.Abs(b.edges[i]-o.edges[i]) > tol {
			return false
		}
	}
	return true
}

// Rebin merges every n adjacent bins. A trailing group of fewer than n bins is
// merged into one final bin.
func (b Binning) Rebin(n int) Binning {
	if n <= 1 {
		return b
	}
	edges := []float64{b.edges[0]}
	for i := n; i < b.NBins(); i += n {
		edges = append(edges, b.edges[i])
	}
	edges = append(edges, b.Max())
	return Custom(edges)
}

// RebinGroups returns, for each bin of b.Rebin(n), the half-open range of
// original bins it covers.
func (b Binning) RebinGroups(n int) [][2]int {
	if n < 1 {
		n = 1
	}
	var groups [][2]int
	for lo := 0; lo < b.NBins(); lo += n {
		hi := lo + n
		if hi > b.NBins() {
			hi = b.NBins()
		}
		groups = append(groups, [2]int{lo, hi})
	}
	return groups
}

func (b Binning) String() string {
	return fmt.Sprintf("Binning%v", b.edges)
}

func (b Binning) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.edges)
}

func (b *Binning) UnmarshalJSON(data []byte) error {
	var edges []float64
	if err := json.Unmarshal(data, &edges); err != nil {
		return err
	}
	if len(edges) < 2 {
		return fmt.Errorf("hist: binning needs at least two edges, got %d", len(edges))
	}
	for i := 1; i < len(edges); i++ {
		if !(edges[i] > edges[i-1]) {
			return fmt.Errorf("hist: bin edges not increasing at %d", i)
		}
	}
	b.edges = edges
	return nil
}

// Axis is a labelled binning.
type Axis struct {
	Label string  `json:"label"`
	Bins  Binning `json:"bins"`
}

// NewAxis is shorthand for Axis{Label: label, Bins: bins}.
func NewAxis(label string, bins Binning) Axis {
	return Axis{Label: label, Bins: bins}
}

// Analysis binnings used by the PRISM analysis.
var (
	// PRISMEdges is the reconstructed-energy binning for PRISM predictions (GeV).
	PRISMEdges = []float64{0, 0.5, 1, 1.25, 1.5, 1.75, 2, 2.25, 2.5, 2.75, 3, 3.25,
		3.5, 3.75, 4, 4.5, 5, 6, 10, 15}
	// TrueEnergyEdges is the fine true-energy binning used for smearing matrices
	// and flux matching (GeV): 0.25 GeV bins to 10 GeV.
	TrueEnergyEdges = equalEdges(40, 0, 10)
	// OffAxisEdges covers the ND off-axis stops in 0.5 m steps (m).
	OffAxisEdges = equalEdges(66, -2, 31)
)

func equalEdges(n int, lo, hi float64) []float64 {
	edges := make([]float64, n+1)
	for i := range edges {
		edges[i] = lo + float64(i)*(hi-lo)/float64(n)
	}
	return edges
}
