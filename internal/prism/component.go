package prism

import "fmt"

// Component names one spectrum produced while composing a PRISM prediction.
type Component int

const (
	NDData293 Component = iota
	NDDataCorr293
	NDDataCorr2D293
	NDSig293
	NDSig2D293
	NDWSBkg293
	NDNCBkg293
	NDWrongLepBkg293
	NDFDWeightings293

	NDData280
	NDDataCorr280
	NDDataCorr2D280
	NDSig280
	NDSig2D280
	NDWSBkg280
	NDNCBkg280
	NDWrongLepBkg280
	NDFDWeightings280

	NDLinearComb
	FDNumuNueCorrNumu
	FDNumuNueCorrNue
	FDNumuNueCorr
	FDFluxCorr
	FDNCBkg
	FDWSBkg
	FDWrongLepBkg
	FDIntrinsicBkg
	FDUnOscPred
	FDOscPred
	PRISMPred
	PRISMMC

	NDDataUnweighted293
	NDDataUnweighted280

	NDDataFDExtrap

	numComponents
)

var componentNames = [numComponents]string{
	NDData293:         "NDData_293kA",
	NDDataCorr293:     "NDDataCorr_293kA",
	NDDataCorr2D293:   "NDDataCorr2D_293kA",
	NDSig293:          "NDSigPred_293kA",
	NDSig2D293:        "NDSigPred2D_293kA",
	NDWSBkg293:        "NDWSBkg_293kA",
	NDNCBkg293:        "NDNCBkg_293kA",
	NDWrongLepBkg293:  "NDWrongLepBkg_293kA",
	NDFDWeightings293: "NDFDWeightings_293kA",

	NDData280:         "NDData_280kA",
	NDDataCorr280:     "NDDataCorr_280kA",
	NDDataCorr2D280:   "NDDataCorr2D_280kA",
	NDSig280:          "NDSigPred_280kA",
	NDSig2D280:        "NDSigPred2D_280kA",
	NDWSBkg280:        "NDWSBkg_280kA",
	NDNCBkg280:        "NDNCBkg_280kA",
	NDWrongLepBkg280:  "NDWrongLepBkg_280kA",
	NDFDWeightings280: "NDFDWeightings_280kA",

	NDLinearComb:      "NDLinearComb",
	FDNumuNueCorrNumu: "FD_NumuNueCorr_Numu",
	FDNumuNueCorrNue:  "FD_NumuNueCorr_Nue",
	FDNumuNueCorr:     "FD_NumuNueCorr",
	FDFluxCorr:        "FDFluxCorr",
	FDNCBkg:           "FDNCBkg",
	FDWSBkg:           "FDWSBkg",
	FDWrongLepBkg:     "FDWrongLepBkg",
	FDIntrinsicBkg:    "FDIntrinsicBkg",
	FDUnOscPred:       "FDUnOscPred",
	FDOscPred:         "FDOscPred",
	PRISMPred:         "PRISMPred",
	PRISMMC:           "PRISMMC",

	NDDataUnweighted293: "NDData_unweighted_293kA",
	NDDataUnweighted280: "NDData_unweighted_280kA",

	NDDataFDExtrap: "NDData_FDExtrap",
}

func (c Component) String() string {
	if c < 0 || c >= numComponents {
		return fmt.Sprintf("component(%d)", int(c))
	}
	return componentNames[c]
}

// ParseComponent is the inverse of String.
func ParseComponent(name string) (Component, bool) {
	for i, n := range componentNames {
		if n == name {
			return Component(i), true
		}
	}
	return 0, false
}

// Components lists every component in order.
func Components() []Component {
	out := make([]Component, numComponents)
	for i := range out {
		out[i] = Component(i)
	}
	return out
}

// ndComponents are the per-horn-current ND components.
type ndComponents struct {
	data, dataCorr, dataCorr2D, sig, sig2D, ws, nc, wrongLep, weightings, unweighted Component
}

var ndComps = map[int]ndComponents{
	293: {NDData293, NDDataCorr293, NDDataCorr2D293, NDSig293, NDSig2D293,
		NDWSBkg293, NDNCBkg293, NDWrongLepBkg293, NDFDWeightings293, NDDataUnweighted293},
	280: {NDData280, NDDataCorr280, NDDataCorr2D280, NDSig280, NDSig2D280,
		NDWSBkg280, NDNCBkg280, NDWrongLepBkg280, NDFDWeightings280, NDDataUnweighted280},
}
