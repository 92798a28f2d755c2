package prism

import (
	"go.uber.org/zap"

	"github.com/AlexWilkinsonnn/lblpwgtools/internal/hist"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/osc"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/runplan"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/syst"
)

// ndSide is one horn current's plan-weighted ND input to a combination.
type ndSide struct {
	kA       int
	dataCorr *hist.Spectrum2D
	sig      *hist.Spectrum2D
}

type selection struct {
	on   bool
	comp Component
	flav osc.Flavors
	curr osc.Current
	sign osc.Sign
}

// compose runs one uncached query. Callers hold p.mu.
func (p *Prediction) compose(calc osc.Calculator, shift syst.Shifts, match MatchChan) map[Component]*hist.Spectrum {
	if !match.ND.validND() || !match.FD.validFD() {
		logger().Panic("invalid PRISM match channel", zap.Stringer("match", match))
	}
	out := map[Component]*hist.Spectrum{}
	rp := p.runPlan(match.ND.Mode)
	fdMC := p.fdPrediction(match.FD)

	fdSigFlav := match.FD.Chan.flavors()
	if match.Appearance() {
		fdSigFlav = osc.NuMuToNuE
	}

	nb := p.analysis.Bins.NBins()
	fdEff := ones(nb)
	var ndEff map[int][][]float64
	if p.eff != nil {
		p.eff.CalcEfficiency(calc, p.analysis, shift,
			match.ND.Chan.flavors(), fdSigFlav, osc.CC, match.ND.Chan.sign(), match.FD.Chan.sign())
		fdEff = p.eff.FDEfficiency()
		ndEff = map[int][][]float64{runplan.HC293: p.eff.NDEfficiency(runplan.HC293)}
		if p.offAxis280.Bins.NBins() > 0 {
			ndEff[runplan.HC280] = p.eff.NDEfficiency(runplan.HC280)
		}
	}

	sides := []*ndSide{p.buildND(shift, match.ND, runplan.HC293, rp, ndEff[runplan.HC293], out)}
	if p.offAxis280.Bins.NBins() > 0 {
		if s := p.buildND(shift, match.ND, runplan.HC280, rp, ndEff[runplan.HC280], out); s != nil {
			sides = append(sides, s)
		}
	}

	out[FDOscPred] = fdMC.PredictSyst(calc, shift)
	out[FDUnOscPred] = fdMC.PredictSyst(osc.NoOsc{}, shift)

	fdChan := match.FD.Chan
	bkgSel := []selection{
		{p.corr.NC, FDNCBkg, osc.AllFlavors, osc.NC, osc.BothSigns},
		{p.corr.WrongSign, FDWSBkg, fdChan.flavors(), osc.CC, fdChan.wrongSign()},
		{p.corr.WrongLepton, FDWrongLepBkg, fdChan.otherLepton(), osc.CC, fdChan.sign()},
	}
	if match.Appearance() {
		bkgSel = append(bkgSel, selection{p.corr.Intrinsic, FDIntrinsicBkg, osc.NuEToNuE, osc.CC, fdChan.sign()})
	}
	bkg := hist.New(1, p.analysis)
	for _, b := range bkgSel {
		s := fdMC.PredictComponentSyst(calc, shift, b.flav, b.curr, b.sign)
		out[b.comp] = s
		if b.on {
			bkg.Add(s)
		}
	}

	if p.matcher == nil {
		p.composeUnfolded(sides[0], fdEff, bkg, out)
		p.metrics.Predicted()
		return out
	}

	p.checkMatcherBinning()
	coeffs := p.matcher.GetMatchCoefficients(calc, shift, p.maxOffAxis, match.ND.Species(), match.FD.Species())
	comb := hist.New(1, p.analysis)
	sigComb := hist.New(1, p.analysis)
	for _, side := range sides {
		c := coeffs.HC293
		if side.kA == runplan.HC280 {
			if coeffs.HC280 == nil {
				logger().Debug("no 280 kA match coefficients; 280 kA ND samples unused")
				continue
			}
			c = coeffs.HC280
		}
		d, s := p.combine(side, c, rp, out)
		comb.Add(d)
		sigComb.Add(s)
	}
	out[NDLinearComb] = comb

	var fluxTarget, numuNue *hist.Spectrum
	if match.Appearance() {
		app, ok := p.fdAppOsc[match.FD.Mode]
		if !ok {
			logger().Panic("appearance match needs the FD appearance-weighted simulation", zap.Stringer("mode", match.FD.Mode))
		}
		numu := app.PredictSyst(calc, shift)
		nue := p.fdSignal(match.FD).PredictSyst(calc, shift)
		numuNue = hist.Difference(nue, numu)
		out[FDNumuNueCorrNumu] = numu
		out[FDNumuNueCorrNue] = nue
		out[FDNumuNueCorr] = numuNue
		fluxTarget = numu
	} else {
		fluxTarget = p.fdSignal(match.FD).PredictSyst(calc, shift)
	}

	// ND terms are efficiency-corrected; bring FD signal terms to the same
	// footing before differencing and restore the FD efficiency at the end.
	fluxCorr := fluxTarget.ScaledTo(1)
	divideBins(fluxCorr, fdEff)
	fluxCorr.Subtract(sigComb)
	out[FDFluxCorr] = fluxCorr

	finish := func(nd *hist.Spectrum) *hist.Spectrum {
		s := nd.Clone()
		s.Add(fluxCorr)
		if numuNue != nil {
			nn := numuNue.ScaledTo(1)
			divideBins(nn, fdEff)
			s.Add(nn)
		}
		s.MultiplyBins(fdEff)
		s.Add(bkg)
		return s
	}
	out[PRISMPred] = finish(comb)
	out[PRISMMC] = finish(sigComb)

	if p.matrix != nil {
		out[NDDataFDExtrap] = p.matrix.Clone().ExtrapolateNDtoFD(comb)
	}
	p.metrics.Predicted()
	return out
}

// composeUnfolded predicts by unfolding the run-plan summed 293 kA ND sample
// through the smearing matrix.
func (p *Prediction) composeUnfolded(side *ndSide, fdEff []float64, bkg *hist.Spectrum, out map[Component]*hist.Spectrum) {
	if p.matrix == nil {
		logger().Panic("PRISM prediction needs a flux matcher or an ND to FD smearing matrix")
	}
	finish := func(nd *hist.Spectrum) *hist.Spectrum {
		s := p.matrix.Clone().ExtrapolateNDtoFD(nd).ScaledTo(1)
		s.MultiplyBins(fdEff)
		s.Add(bkg)
		return s
	}
	comb := side.dataCorr.ProjectRows()
	out[NDLinearComb] = comb
	out[NDDataFDExtrap] = p.matrix.Clone().ExtrapolateNDtoFD(comb)
	out[PRISMPred] = finish(comb)
	out[PRISMMC] = finish(side.sig.ProjectRows())
}

func (p *Prediction) fdSignal(ch BeamChan) interface {
	PredictSyst(osc.Calculator, syst.Shifts) *hist.Spectrum
} {
	pred, ok := p.fdSig[ch]
	if !ok {
		logger().Panic("no FD signal simulation for channel", zap.Stringer("channel", ch))
	}
	return pred
}

// buildND predicts, weights and background-corrects the ND sample of ch at
// horn current kA, recording its components in out. It returns nil for a
// 280 kA sample that has no simulation or no stops; both are required at
// 293 kA.
func (p *Prediction) buildND(shift syst.Shifts, ch BeamChan, kA int, rp runplan.RunPlan,
	eff [][]float64, out map[Component]*hist.Spectrum) *ndSide {
	key := ndKey{ch, kA}
	mc, ok := p.ndMC[key]
	if !ok || !rp.HasHornCurrent(kA) {
		if kA == runplan.HC293 {
			logger().Panic("PRISM needs 293 kA ND simulation and run plan stops",
				zap.Stringer("channel", ch), zap.Bool("have_simulation", ok))
		}
		return nil
	}
	names := ndComps[kA]

	pred2D := func(s *hist.Spectrum) *hist.Spectrum2D {
		if s.NDims() != 2 {
			logger().Panic("ND prediction is not analysis by off-axis",
				zap.Stringer("channel", ch), zap.Int("dims", s.NDims()))
		}
		m := s.To2D()
		p.checkND2D(m, kA)
		return m
	}
	predSel := func(flav osc.Flavors, curr osc.Current, sign osc.Sign) *hist.Spectrum2D {
		return pred2D(mc.PredictComponentSyst(osc.NoOsc{}, shift, flav, curr, sign))
	}

	sig := rp.Weight(predSel(ch.Chan.flavors(), osc.CC, ch.Chan.sign()), kA, false)

	data, measured := p.ndData[key]
	if !measured {
		data = pred2D(mc.PredictSyst(osc.NoOsc{}, shift))
	}
	out[names.unweighted] = data.ProjectRows()
	weighted := rp.Weight(data, kA, p.errorsFromRate)
	out[names.data] = weighted.ProjectRows()

	corr := weighted.Clone()
	for _, b := range []selection{
		{p.corr.NC, names.nc, osc.AllFlavors, osc.NC, osc.BothSigns},
		{p.corr.WrongSign, names.ws, ch.Chan.flavors(), osc.CC, ch.Chan.wrongSign()},
		{p.corr.WrongLepton, names.wrongLep, ch.Chan.otherLepton(), osc.CC, ch.Chan.sign()},
	} {
		w := rp.Weight(predSel(b.flav, b.curr, b.sign), kA, false)
		out[b.comp] = w.ProjectRows()
		if b.on {
			corr.Subtract(w)
		}
	}

	if eff != nil {
		divideCells(corr, eff)
		divideCells(sig, eff)
	}
	out[names.dataCorr2D] = corr.ToSpectrum()
	out[names.dataCorr] = corr.ProjectRows()
	out[names.sig2D] = sig.ToSpectrum()
	out[names.sig] = sig.ProjectRows()
	return &ndSide{kA: kA, dataCorr: corr, sig: sig}
}

// combine applies match coefficients c to the corrected data and signal of
// side, returning per-unit-exposure spectra. Coefficients beyond the PRISM
// off-axis binning are ignored.
func (p *Prediction) combine(side *ndSide, c []float64, rp runplan.RunPlan, out map[Component]*hist.Spectrum) (data, sig *hist.Spectrum) {
	rows := side.dataCorr.Rows()
	if len(c) < rows {
		logger().Panic("fewer match coefficients than ND off-axis bins",
			zap.Int("coefficients", len(c)), zap.Int("rows", rows), zap.Int("kA", side.kA))
	}
	c = c[:rows]
	out[ndComps[side.kA].weightings] = hist.FromContents(c, nil, 1, p.OffAxis(side.kA))

	// dividing out the stop exposures leaves per-exposure rows at the plan
	// exposure, so the stored combination is already per unit exposure
	perPOT := func(s *hist.Spectrum2D) *hist.Spectrum {
		comb := rp.UnweightRows(s, side.kA).WeightedBy(c)
		return hist.FromContents(comb.Array(comb.POT()), comb.VarianceArray(comb.POT()), 1, p.analysis)
	}
	return perPOT(side.dataCorr), perPOT(side.sig)
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

// divideCells divides each cell by its efficiency, skipping zero
// efficiencies.
func divideCells(s *hist.Spectrum2D, eff [][]float64) {
	if len(eff) != s.Rows() {
		logger().Panic("ND efficiency does not match the off-axis binning",
			zap.Int("efficiency_rows", len(eff)), zap.Int("rows", s.Rows()))
	}
	for r, row := range eff {
		if len(row) != s.Cols() {
			logger().Panic("ND efficiency does not match the analysis binning",
				zap.Int("efficiency_bins", len(row)), zap.Int("bins", s.Cols()))
		}
		for c, e := range row {
			if e == 0 {
				continue
			}
			s.Set(r, c, s.At(r, c)/e, s.VarAt(r, c)/(e*e))
		}
	}
}

// divideBins divides each bin by f, skipping zeros.
func divideBins(s *hist.Spectrum, f []float64) {
	if len(f) != s.NBins() {
		logger().Panic("efficiency does not match the analysis binning",
			zap.Int("efficiency_bins", len(f)), zap.Int("bins", s.NBins()))
	}
	inv := make([]float64, len(f))
	for i, v := range f {
		inv[i] = 1
		if v != 0 {
			inv[i] = 1 / v
		}
	}
	s.MultiplyBins(inv)
}
