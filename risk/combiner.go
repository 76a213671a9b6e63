package risk

import (
	"deepaudit/analysis"
)

// Structural floors applied on top of the max-combined score. Floors are
// monotonic: they can only raise the result, never lower it.
const (
	MaxScore = 100

	alwaysTrueFloor  = 100
	ddlFloor         = 80
	deepNestingFloor = 60
	wideJoinFloor    = 50

	deepNestingLevel = 3
	wideJoinCount    = 3
)

// Combine merges the independent scoring signals into one incoming score
// for the state machine. Signals do not stack: the combined base is the
// maximum of the DLP, rule and anomaly scores, so a statement touching two
// sensitive tables is no riskier than one touching the single worst table.
// Structural overrides then floor the result for patterns the model is not
// trusted to catch on its own. destructive marks statements carrying a DDL
// or grant-like keyword anywhere in their text (analysis.IsDDL on the full
// statement, so ALTER ... DROP COLUMN floors the same as a bare DROP).
func Combine(feats *analysis.Features, destructive bool, dlpScore, ruleScore, anomalyScore float64) float64 {
	score := dlpScore
	if ruleScore > score {
		score = ruleScore
	}
	if anomalyScore > score {
		score = anomalyScore
	}

	if feats != nil {
		if feats.HasAlwaysTrue && score < alwaysTrueFloor {
			score = alwaysTrueFloor
		}
		if feats.NestedLevel >= deepNestingLevel && score < deepNestingFloor {
			score = deepNestingFloor
		}
		if feats.JoinCount >= wideJoinCount && score < wideJoinFloor {
			score = wideJoinFloor
		}
	}
	if destructive && score < ddlFloor {
		score = ddlFloor
	}

	if score < 0 {
		return 0
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
