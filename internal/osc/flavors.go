package osc

import (
	"fmt"
	"strings"
)

// PDG codes of the neutrino flavours. Antineutrinos carry the negative code.
const (
	NuE   = 12
	NuMu  = 14
	NuTau = 16
)

// Flavors is a bitmask over oscillation channels (initial -> final flavour).
type Flavors int

const (
	NuEToNuE Flavors = 1 << iota
	NuEToNuMu
	NuEToNuTau
	NuMuToNuE
	NuMuToNuMu
	NuMuToNuTau

	AllNuE   = NuEToNuE | NuMuToNuE
	AllNuMu  = NuEToNuMu | NuMuToNuMu
	AllNuTau = NuEToNuTau | NuMuToNuTau

	AllFlavors = AllNuE | AllNuMu | AllNuTau
)

var channelPDG = map[Flavors][2]int{
	NuEToNuE:    {NuE, NuE},
	NuEToNuMu:   {NuE, NuMu},
	NuEToNuTau:  {NuE, NuTau},
	NuMuToNuE:   {NuMu, NuE},
	NuMuToNuMu:  {NuMu, NuMu},
	NuMuToNuTau: {NuMu, NuTau},
}

var channelName = map[Flavors]string{
	NuEToNuE:    "nue_to_nue",
	NuEToNuMu:   "nue_to_numu",
	NuEToNuTau:  "nue_to_nutau",
	NuMuToNuE:   "numu_to_nue",
	NuMuToNuMu:  "numu_to_numu",
	NuMuToNuTau: "numu_to_nutau",
}

// Channels splits a mask into its single-channel bits, in bit order.
func (f Flavors) Channels() []Flavors {
	var out []Flavors
	for b := NuEToNuE; b <= NuMuToNuTau; b <<= 1 {
		if f&b != 0 {
			out = append(out, b)
		}
	}
	return out
}

// PDG returns the (from, to) flavour codes of a single channel, negated for
// antineutrinos.
func (f Flavors) PDG(anti bool) (from, to int) {
	p, ok := channelPDG[f]
	if !ok {
		panic(fmt.Sprintf("osc: PDG of non-single channel mask %d", int(f)))
	}
	if anti {
		return -p[0], -p[1]
	}
	return p[0], p[1]
}

func (f Flavors) String() string {
	if f == AllFlavors {
		return "all"
	}
	var parts []string
	for _, c := range f.Channels() {
		parts = append(parts, channelName[c])
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Current selects charged-current and/or neutral-current interactions.
type Current int

const (
	CC Current = 1 << iota
	NC

	BothCurrents = CC | NC
)

func (c Current) String() string {
	switch c {
	case CC:
		return "cc"
	case NC:
		return "nc"
	case BothCurrents:
		return "cc|nc"
	}
	return fmt.Sprintf("current(%d)", int(c))
}

// Sign selects neutrinos and/or antineutrinos.
type Sign int

const (
	Nu Sign = 1 << iota
	AntiNu

	BothSigns = Nu | AntiNu
)

// Signs splits a mask into Nu and/or AntiNu.
func (s Sign) Signs() []Sign {
	var out []Sign
	if s&Nu != 0 {
		out = append(out, Nu)
	}
	if s&AntiNu != 0 {
		out = append(out, AntiNu)
	}
	return out
}

func (s Sign) String() string {
	switch s {
	case Nu:
		return "nu"
	case AntiNu:
		return "nubar"
	case BothSigns:
		return "nu|nubar"
	}
	return fmt.Sprintf("sign(%d)", int(s))
}
