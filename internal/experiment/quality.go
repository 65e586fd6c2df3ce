package experiment

// QualityScore reduces one direction's Results to a single number in
// [0,10], published through the server's metrics (§8 "Quality score"). The spec leaves
// the exact formula open beyond two monotonicity requirements:
//
//   - increasing loss with everything else equal strictly decreases
//     the score;
//   - increasing mean delay past 500ms strictly decreases the score.
//
// The formula below uses saturating (never flat) multiplicative
// factors, minus additive penalties, clamped to [0,10]. Both
// properties hold while the unclamped score is above 0; once the
// penalties push it to 0 or below, the result stays at 0 and further
// loss or delay no longer lowers it — see DESIGN.md for the Open
// Question decision.
func (r *Results) QualityScore() float64 {
	lm := &r.LossModel
	dm := &r.DelayModel

	// lossFactor in (0,1], strictly decreasing in LossProb.
	lossFactor := 1.0 / (1.0 + 12.0*lm.LossProb)

	// delayFactor is 1 up to 500ms, then strictly decreasing.
	delayFactor := 1.0
	if dm.MeanDelayMs > 500 {
		delayFactor = 1.0 / (1.0 + (dm.MeanDelayMs-500)/500.0)
	}

	sendSidePenalty := min(1.0, lm.SendSideLoss*5.0)
	latchPenalty := min(2.0, (r.Latchiness()+r.AbruptDecrease())/20.0)

	score := 10.0*lossFactor*delayFactor - sendSidePenalty - latchPenalty
	return clamp(score, 0, 10)
}

func clamp(x, lo, hi float64) float64 {
	switch {
	case x < lo:
		return lo
	case x > hi:
		return hi
	default:
		return x
	}
}
