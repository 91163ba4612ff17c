package definition

import (
	"math"

	"github.com/c360studio/conductor/workflow"
)

// progressAt computes the progress record for the stage at idx. The
// weighted percentage is the base; linear, exponential, and custom
// post-process it. All outputs are clamped to [0,100].
func (e *Engine) progressAt(def *workflow.Definition, idx int) *Progress {
	total := len(def.Stages)
	totalWeight := def.TotalWeight()

	cumulative := 0
	for i := 0; i <= idx && i < total; i++ {
		cumulative += def.Stages[i].ProgressWeight
	}

	base := 0
	if totalWeight > 0 {
		base = int(math.Round(100 * float64(cumulative) / float64(totalWeight)))
	}

	pct := base
	switch def.ProgressCalculation {
	case workflow.ProgressLinear:
		pct = int(math.Round(100 * float64(idx+1) / float64(total)))
	case workflow.ProgressExponential:
		pct = int(math.Round(100 * math.Pow(float64(idx+1)/float64(total), 0.8)))
	case workflow.ProgressCustom:
		// Pass-through of the weighted base.
	default:
		// Weighted is the default.
	}

	return &Progress{
		StageIndex:         idx,
		TotalStages:        total,
		ProgressPercentage: clamp(pct),
		CumulativeWeight:   cumulative,
		TotalWeight:        totalWeight,
	}
}

func clamp(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
