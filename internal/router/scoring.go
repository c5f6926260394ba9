package router

import "math/rand"

// latencyNormCapMs is the latency value above which norm_lat saturates at 1.0,
// grounded on original_source's scheduler.py _normalise_latency (cap 4000ms).
const latencyNormCapMs = 4000.0

// referenceCostUSD is the cost ceiling used to normalize cost_score when the
// request carries no explicit budget.
const referenceCostUSD = 0.05

// resolveStrategy looks up a named SchedulingStrategy, falling back to
// "balanced" for unknown or empty names (spec §4.1's default strategy).
func resolveStrategy(name string) SchedulingStrategy {
	if s, ok := Strategies[name]; ok {
		return s
	}
	return Strategies["balanced"]
}

// scoreCandidate implements spec §4.1's selection formula:
//
//	score = base − α·norm_lat − β·err − γ·cost_score − δ·quota_pen
//
// Higher score is better; base is the candidate's dynamic weight.
func scoreCandidate(strat SchedulingStrategy, base float64, metrics *RoutingMetrics, costScore, quotaPen float64) float64 {
	normLat, errRate := 0.0, 0.0
	if metrics != nil {
		normLat = clamp(metrics.LatencyP95Ms/latencyNormCapMs, 0, 1)
		errRate = clamp(metrics.ErrorRate, 0, 1)
	}
	return base - strat.Alpha*normLat - strat.Beta*errRate - strat.Gamma*costScore - strat.Delta*quotaPen
}

// costScoreFor normalizes an estimated request cost against the caller's
// budget ceiling, or a fixed reference ceiling when no budget was given.
func costScoreFor(estCostUSD, budgetUSD float64) float64 {
	ref := budgetUSD
	if ref <= 0 {
		ref = referenceCostUSD
	}
	return clamp(estCostUSD/ref, 0, 1)
}

// quotaPenaltyFor derives the quota/health penalty term from cached health
// status and failure-cooldown pressure, whichever is worse.
func quotaPenaltyFor(status string, cooldown FailureCooldownStatus) float64 {
	pen := 0.0
	switch status {
	case "down":
		pen = 1.0
	case "degraded":
		pen = 0.5
	}
	if cooldown.Threshold > 0 {
		pressure := clamp(float64(cooldown.Count)/float64(cooldown.Threshold), 0, 1)
		if pressure > pen {
			pen = pressure
		}
	}
	return pen
}

// sortCandidatesDescending orders candidates by score, highest first.
func sortCandidatesDescending(cands []CandidateScore) {
	// insertion sort: candidate lists are small (single-digit upstream counts)
	for i := 1; i < len(cands); i++ {
		for j := i; j > 0 && cands[j].Score > cands[j-1].Score; j-- {
			cands[j], cands[j-1] = cands[j-1], cands[j]
		}
	}
}

// weightedChoice picks an index via weighted-random sampling proportional to
// score. When every score is <= 0 it falls back to a uniform draw (spec
// Testable Properties: routing never deadlocks when all candidates score
// non-positive).
func weightedChoice(scores []float64) int {
	if len(scores) == 0 {
		return -1
	}
	var total float64
	for _, s := range scores {
		if s > 0 {
			total += s
		}
	}
	if total <= 0 {
		return rand.Intn(len(scores))
	}
	r := rand.Float64() * total
	var cum float64
	for i, s := range scores {
		if s <= 0 {
			continue
		}
		cum += s
		if r <= cum {
			return i
		}
	}
	return len(scores) - 1
}
