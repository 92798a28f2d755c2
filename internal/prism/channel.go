package prism

import (
	"fmt"
	"strings"

	"github.com/AlexWilkinsonnn/lblpwgtools/internal/extrap"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/osc"
)

// BeamMode is the horn polarity.
type BeamMode int

const (
	NuMode BeamMode = iota
	NuBarMode
)

func (m BeamMode) String() string {
	if m == NuBarMode {
		return "nubarmode"
	}
	return "numode"
}

// NuChan is the selected lepton flavour and sign.
type NuChan int

const (
	Numu NuChan = iota
	Numubar
	Nue
	Nuebar
)

func (c NuChan) String() string {
	switch c {
	case Numu:
		return "numu"
	case Numubar:
		return "numubar"
	case Nue:
		return "nue"
	case Nuebar:
		return "nuebar"
	}
	return fmt.Sprintf("nuchan(%d)", int(c))
}

// flavors returns the final-state flavour mask of the channel.
func (c NuChan) flavors() osc.Flavors {
	if c == Nue || c == Nuebar {
		return osc.AllNuE
	}
	return osc.AllNuMu
}

// otherLepton returns the final-state flavour mask of the other lepton.
func (c NuChan) otherLepton() osc.Flavors {
	if c == Nue || c == Nuebar {
		return osc.AllNuMu
	}
	return osc.AllNuE
}

func (c NuChan) sign() osc.Sign {
	if c == Numubar || c == Nuebar {
		return osc.AntiNu
	}
	return osc.Nu
}

func (c NuChan) wrongSign() osc.Sign {
	if c.sign() == osc.Nu {
		return osc.AntiNu
	}
	return osc.Nu
}

func (c NuChan) electron() bool { return c == Nue || c == Nuebar }

// BeamChan is a selected channel in a beam mode.
type BeamChan struct {
	Mode BeamMode `json:"mode"`
	Chan NuChan   `json:"chan"`
}

// The channels a composer can hold.
var (
	NumuNumode       = BeamChan{NuMode, Numu}
	NumubarNumode    = BeamChan{NuMode, Numubar}
	NueNumode        = BeamChan{NuMode, Nue}
	NumuNubarmode    = BeamChan{NuBarMode, Numu}
	NumubarNubarmode = BeamChan{NuBarMode, Numubar}
	NuebarNubarmode  = BeamChan{NuBarMode, Nuebar}
)

func (b BeamChan) String() string { return b.Chan.String() + "_" + b.Mode.String() }

// ParseBeamChan is the inverse of String.
func ParseBeamChan(s string) (BeamChan, error) {
	i := strings.LastIndex(s, "_")
	if i < 0 {
		return BeamChan{}, fmt.Errorf("malformed beam channel %q", s)
	}
	var b BeamChan
	switch s[i+1:] {
	case "numode":
		b.Mode = NuMode
	case "nubarmode":
		b.Mode = NuBarMode
	default:
		return BeamChan{}, fmt.Errorf("unknown beam mode in %q", s)
	}
	for c := Numu; c <= Nuebar; c++ {
		if c.String() == s[:i] {
			b.Chan = c
			return b, nil
		}
	}
	return BeamChan{}, fmt.Errorf("unknown neutrino channel in %q", s)
}

// Species returns the flux species matched for this channel.
func (b BeamChan) Species() extrap.FluxPredSpecies { return extrap.ParseSpecies(b.String()) }

// rightSign reports whether the channel is the beam mode's dominant sign.
func (b BeamChan) rightSign() bool {
	return (b.Mode == NuMode) == (b.Chan.sign() == osc.Nu)
}

// validND reports whether b is a near-detector sample the composer accepts:
// right- and wrong-sign muon selections in both modes, and the right-sign
// electron selection.
func (b BeamChan) validND() bool {
	if b.Chan.electron() {
		return b.rightSign()
	}
	return true
}

// validFD reports whether b is a far-detector sample the composer accepts:
// the right-sign selections.
func (b BeamChan) validFD() bool { return b.rightSign() }

// MatchChan pairs the ND channel whose spectra are combined with the FD
// channel predicted.
type MatchChan struct {
	ND BeamChan `json:"nd"`
	FD BeamChan `json:"fd"`
}

// Standard matches.
var (
	NumuDisappearanceNumode    = MatchChan{NumuNumode, NumuNumode}
	NumuDisappearanceNubarmode = MatchChan{NumubarNubarmode, NumubarNubarmode}
	NueAppearanceNumode        = MatchChan{NumuNumode, NueNumode}
	NueAppearanceNubarmode     = MatchChan{NumubarNubarmode, NuebarNubarmode}
)

func (m MatchChan) String() string { return m.ND.String() + "->" + m.FD.String() }

// ParseMatchChan is the inverse of String.
func ParseMatchChan(s string) (MatchChan, error) {
	nd, fd, ok := strings.Cut(s, "->")
	if !ok {
		return MatchChan{}, fmt.Errorf("malformed match channel %q", s)
	}
	var m MatchChan
	var err error
	if m.ND, err = ParseBeamChan(nd); err != nil {
		return MatchChan{}, err
	}
	if m.FD, err = ParseBeamChan(fd); err != nil {
		return MatchChan{}, err
	}
	return m, nil
}

// Appearance reports whether the FD channel's lepton differs from the ND's.
func (m MatchChan) Appearance() bool { return m.ND.Chan.electron() != m.FD.Chan.electron() }
