package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// applyDefaults fills unset Policy fields from the engine's runtime defaults.
func (e *Engine) applyDefaults(p Policy) Policy {
	if p.Strategy == "" {
		p.Strategy = e.cfg.DefaultStrategy
	}
	if p.MaxBudgetUSD == 0 {
		p.MaxBudgetUSD = e.cfg.DefaultMaxBudgetUSD
	}
	if p.MaxLatencyMs == 0 {
		p.MaxLatencyMs = e.cfg.DefaultMaxLatencyMs
	}
	return p
}

func estimatedOutputTokens(p Policy) int {
	if p.EstimatedOutputTokens > 0 {
		return p.EstimatedOutputTokens
	}
	return 512
}

func nzBase(v float64) float64 {
	if v <= 0 {
		return 1.0
	}
	return v
}

func containsStr(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// candidatesForRequest returns the eligible model pool for a request: right
// logical model (when the caller named one), enabled, registered adapter,
// within context headroom, and authorized under EffectiveProviderIDs.
func (e *Engine) candidatesForRequest(req Request, p Policy, tokensNeeded int) []Model {
	var pool []Model
	for _, m := range e.models {
		if !m.Enabled || m.Disabled {
			continue
		}
		if req.LogicalModelID != "" && m.LogicalID != "" && m.LogicalID != req.LogicalModelID {
			continue
		}
		if p.MinWeight > 0 && m.Weight < p.MinWeight {
			continue
		}
		// Reserve 15% headroom for context estimation.
		contextWithHeadroom := int(float64(tokensNeeded) * 1.15)
		if m.MaxContextTokens > 0 && contextWithHeadroom > 0 && contextWithHeadroom > m.MaxContextTokens {
			continue
		}
		if _, ok := e.adapters[m.ProviderID]; !ok {
			continue // skip models without a registered adapter
		}
		if len(req.EffectiveProviderIDs) > 0 && !containsStr(req.EffectiveProviderIDs, m.ProviderID) {
			continue // caller not authorized for this provider
		}
		pool = append(pool, m)
	}
	return pool
}

func (e *Engine) cachedHealthStatus(ctx context.Context, providerID string) string {
	if e.state == nil {
		return ""
	}
	h, err := e.state.GetCachedHealth(ctx, providerID)
	if err != nil || h == nil {
		return ""
	}
	return h.Status
}

func (e *Engine) cooldownStatus(ctx context.Context, providerID string) FailureCooldownStatus {
	if e.state == nil {
		return FailureCooldownStatus{}
	}
	return e.state.GetFailureCooldownStatus(ctx, providerID, e.cfg.FailureCooldownThreshold, e.cfg.FailureCooldownSeconds)
}

func (e *Engine) routingMetricsFor(ctx context.Context, logicalModel, providerID string) *RoutingMetrics {
	if e.state == nil {
		return nil
	}
	m, err := e.state.GetRoutingMetrics(ctx, logicalModel, providerID)
	if err != nil {
		return nil
	}
	return m
}

func (e *Engine) dynamicWeightsFor(ctx context.Context, logicalModel string, pool []Model) map[string]float64 {
	if e.state == nil {
		out := make(map[string]float64, len(pool))
		for _, m := range pool {
			out[m.ProviderID] = nzBase(m.BaseWeight)
		}
		return out
	}
	w, err := e.state.LoadDynamicWeights(ctx, logicalModel, pool)
	if err != nil {
		return map[string]float64{}
	}
	return w
}

// rankCandidates scores and orders the candidate pool per spec §4.1,
// consulting the routing-state store for dynamic weights, cached health, and
// failure cooldowns. Candidates whose cached health is "down" are skipped;
// "degraded" ones are skipped unless p.AllowDegraded is set. Candidates whose
// cooldown has tripped are skipped unless p.AllowCooldownBypass is set and the
// pool holds that one candidate only. The second return value is the count
// skipped this way.
func (e *Engine) rankCandidates(ctx context.Context, logicalModel string, pool []Model, p Policy, tokensNeeded int) ([]Model, int) {
	if len(pool) == 0 {
		return nil, 0
	}
	strat := resolveStrategy(p.Strategy)

	if p.Strategy == "bandit" && e.bandit != nil {
		return e.rankByBandit(pool, tokensNeeded), 0
	}

	weights := e.dynamicWeightsFor(ctx, logicalModel, pool)
	skipped := 0
	var cands []CandidateScore
	for _, m := range pool {
		status := e.cachedHealthStatus(ctx, m.ProviderID)
		if status == "down" || (status == "degraded" && !p.AllowDegraded) {
			skipped++
			continue
		}
		cooldown := e.cooldownStatus(ctx, m.ProviderID)
		if cooldown.ShouldSkip && !(p.AllowCooldownBypass && len(pool) == 1) {
			skipped++
			continue
		}
		base, ok := weights[m.ProviderID]
		if !ok || e.state == nil {
			base = nzBase(m.BaseWeight)
		}
		metrics := e.routingMetricsFor(ctx, logicalModel, m.ProviderID)
		cost := estimateCostUSD(tokensNeeded, estimatedOutputTokens(p), m.InputPer1K, m.OutputPer1K)
		score := scoreCandidate(strat, base, metrics, costScoreFor(cost, p.MaxBudgetUSD), quotaPenaltyFor(status, cooldown))
		cands = append(cands, CandidateScore{Upstream: m, Metrics: metrics, Score: score})
	}
	if len(cands) == 0 {
		return nil, skipped
	}

	sortCandidatesDescending(cands)

	// Spec invariant: routing never deadlocks when every surviving candidate
	// scores at or below the strategy's floor -- fall back to weighted-random
	// choice (uniform when every score is <= 0) instead of a frozen ordering.
	if cands[0].Score <= strat.MinScore {
		scores := make([]float64, len(cands))
		for i, c := range cands {
			scores[i] = c.Score
		}
		if pick := weightedChoice(scores); pick > 0 {
			cands[0], cands[pick] = cands[pick], cands[0]
		}
	}

	out := make([]Model, len(cands))
	for i, c := range cands {
		out[i] = c.Upstream
	}
	return out, skipped
}

func (e *Engine) rankByBandit(pool []Model, tokensNeeded int) []Model {
	bucket := TokenBucketLabel(tokensNeeded)
	ids := make([]string, len(pool))
	for i, m := range pool {
		ids[i] = m.ID
	}
	ranked := e.bandit.Sample(ids, bucket)
	idx := make(map[string]int, len(ranked))
	for i, id := range ranked {
		idx[id] = i
	}
	out := make([]Model, len(pool))
	copy(out, pool)
	sort.Slice(out, func(i, j int) bool { return idx[out[i].ID] < idx[out[j].ID] })
	return out
}

func promoteSticky(ranked []Model, providerID, modelID string) {
	for i, m := range ranked {
		if m.ProviderID == providerID && m.ID == modelID {
			if i != 0 {
				ranked[i], ranked[0] = ranked[0], ranked[i]
			}
			return
		}
	}
}

func prependModel(ranked []Model, m Model) []Model {
	out := make([]Model, 0, len(ranked)+1)
	out = append(out, m)
	for _, r := range ranked {
		if r.ID == m.ID {
			continue
		}
		out = append(out, r)
	}
	return out
}

// SelectModel performs pure model selection (eligible models + scoring +
// session stickiness) without making any provider calls. Returns the top
// pick Decision and a ranked fallback list for the caller (or RouteAndSend)
// to walk through.
func (e *Engine) SelectModel(ctx context.Context, req Request, p Policy) (Decision, []Model, error) {
	p = e.applyDefaults(p)

	e.mu.RLock()
	defer e.mu.RUnlock()

	tokensNeeded := EstimateTokens(req)
	pool := e.candidatesForRequest(req, p, tokensNeeded)

	// Honor an explicit model hint: it is tried first, but the scored
	// fallback list still backs it up if it fails downstream.
	if req.ModelHint != "" {
		if hinted, ok := e.models[req.ModelHint]; ok && hinted.Enabled && !hinted.Disabled {
			if _, hasAdapter := e.adapters[hinted.ProviderID]; hasAdapter {
				estCost := estimateCostUSD(tokensNeeded, estimatedOutputTokens(p), hinted.InputPer1K, hinted.OutputPer1K)
				ranked, skipped := e.rankCandidates(ctx, req.LogicalModelID, pool, p, tokensNeeded)
				ranked = prependModel(ranked, hinted)
				return Decision{
					ModelID:          hinted.ID,
					ProviderID:       hinted.ProviderID,
					EstimatedCostUSD: estCost,
					Reason:           "model-hint",
					Skipped:          skipped,
				}, ranked, nil
			}
		}
	}

	if len(pool) == 0 {
		return Decision{}, nil, errors.New("no eligible models registered")
	}

	strat := resolveStrategy(p.Strategy)
	ranked, skipped := e.rankCandidates(ctx, req.LogicalModelID, pool, p, tokensNeeded)
	if len(ranked) == 0 {
		return Decision{}, nil, errors.New("no eligible models registered")
	}

	if req.ConversationID != "" && strat.EnableStickiness && e.state != nil {
		if sess, err := e.state.GetSession(ctx, req.ConversationID); err == nil && sess != nil {
			promoteSticky(ranked, sess.ProviderID, sess.ModelID)
		}
	}

	top := ranked[0]
	estCost := estimateCostUSD(tokensNeeded, estimatedOutputTokens(p), top.InputPer1K, top.OutputPer1K)
	return Decision{
		ModelID:          top.ID,
		ProviderID:       top.ProviderID,
		EstimatedCostUSD: estCost,
		Reason:           fmt.Sprintf("routed-%s", strat.Name),
		Skipped:          skipped,
	}, ranked, nil
}

// GetAdapter returns the registered provider adapter for the given provider ID.
func (e *Engine) GetAdapter(providerID string) Sender {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.adapters[providerID]
}

// GetModel returns a registered model by ID.
func (e *Engine) GetModel(modelID string) (Model, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.models[modelID]
	return m, ok
}

// FindLargerContextModel finds the smallest model with context larger than needed.
// Exported for use by Temporal activities.
func (e *Engine) FindLargerContextModel(current Model, tokensNeeded int) *Model {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.findLargerContextModel(current, tokensNeeded)
}

func (e *Engine) findLargerContextModel(current Model, tokensNeeded int) *Model {
	var best *Model
	for _, m := range e.models {
		if !m.Enabled || m.ID == current.ID {
			continue
		}
		if _, ok := e.adapters[m.ProviderID]; !ok {
			continue
		}
		if m.MaxContextTokens >= tokensNeeded && m.MaxContextTokens > current.MaxContextTokens {
			if best == nil || m.MaxContextTokens < best.MaxContextTokens {
				cp := m
				best = &cp
			}
		}
	}
	return best
}
