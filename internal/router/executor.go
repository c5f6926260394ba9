package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// recordOutcome feeds a dispatch outcome back into the ambient health
// tracker (if attached) and the routing-state store (if attached): success
// nudges the dynamic weight up and clears any failure cooldown; failure
// nudges it down (retryable vs fatal factor) and advances the cooldown
// counter (spec §4.3's adjust_provider_weight / increment_provider_failure).
func (e *Engine) recordOutcome(ctx context.Context, logicalModel string, m Model, latencyMs float64, success, retryable bool, errMsg string) {
	if e.health != nil {
		if success {
			e.health.RecordSuccess(m.ProviderID, latencyMs)
		} else {
			e.health.RecordError(m.ProviderID, errMsg)
		}
	}
	if e.state == nil {
		return
	}
	base := nzBase(m.BaseWeight)
	if success {
		e.state.RecordSuccess(ctx, logicalModel, m.ProviderID, base)
		e.state.ClearProviderFailure(ctx, m.ProviderID)
		return
	}
	e.state.RecordFailure(ctx, logicalModel, m.ProviderID, base, retryable)
	e.state.IncrementProviderFailure(ctx, m.ProviderID, e.cfg.FailureCooldownSeconds)
}

// RouteAndSend selects the best candidate and dispatches the unary request,
// walking the ranked candidate list on failure per spec §4.2's try_unary: a
// rate-limited or fatal error skips straight to the next candidate; a
// transient error retries the same candidate with backoff before skipping;
// a context-overflow error escalates to a larger-context model when one is
// registered. A successful dispatch binds conversation-id stickiness when
// the request carries one.
func (e *Engine) RouteAndSend(ctx context.Context, req Request, p Policy) (Decision, ProviderResponse, error) {
	p = e.applyDefaults(p)
	if p.MaxLatencyMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.MaxLatencyMs)*time.Millisecond)
		defer cancel()
	}

	decision, ranked, err := e.SelectModel(ctx, req, p)
	if err != nil {
		return Decision{}, nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	logicalModel := req.LogicalModelID
	tokensNeeded := EstimateTokens(req)
	attempted := 0

	for i, m := range ranked {
		adapter := e.adapters[m.ProviderID]
		if adapter == nil {
			continue
		}
		attempted++
		estCost := estimateCostUSD(tokensNeeded, estimatedOutputTokens(p), m.InputPer1K, m.OutputPer1K)

		slog.Info("routing request",
			slog.String("provider", m.ProviderID),
			slog.String("model", m.ID),
			slog.Int("attempt", i+1),
			slog.Int("total", len(ranked)),
		)

		sendStart := time.Now()
		resp, sendErr := adapter.Send(ctx, m.ID, req)
		sendMs := float64(time.Since(sendStart).Milliseconds())

		if sendErr == nil {
			e.recordOutcome(ctx, logicalModel, m, sendMs, true, false, "")
			e.bindStickySession(ctx, req, m)
			return Decision{
				ModelID:          m.ID,
				ProviderID:       m.ProviderID,
				EstimatedCostUSD: estCost,
				Reason:           decision.Reason,
				Skipped:          decision.Skipped,
				Attempted:        attempted,
			}, resp, nil
		}

		classified := adapter.ClassifyError(sendErr)
		e.recordOutcome(ctx, logicalModel, m, sendMs, false, classified.Class != ErrFatal, sendErr.Error())

		slog.Warn("provider failed",
			slog.String("provider", m.ProviderID),
			slog.String("model", m.ID),
			slog.String("error", sendErr.Error()),
			slog.String("class", string(classified.Class)),
		)

		switch classified.Class {
		case ErrContextOverflow:
			if larger := e.findLargerContextModel(m, tokensNeeded*2); larger != nil {
				if a2 := e.adapters[larger.ProviderID]; a2 != nil {
					attempted++
					resp2, err2 := a2.Send(ctx, larger.ID, req)
					if err2 == nil {
						e.recordOutcome(ctx, logicalModel, *larger, 0, true, false, "")
						e.bindStickySession(ctx, req, *larger)
						return Decision{
							ModelID:          larger.ID,
							ProviderID:       larger.ProviderID,
							EstimatedCostUSD: estimateCostUSD(tokensNeeded, estimatedOutputTokens(p), larger.InputPer1K, larger.OutputPer1K),
							Reason:           "escalated-context-overflow",
							Skipped:          decision.Skipped,
							Attempted:        attempted,
						}, resp2, nil
					}
				}
			}
			// Fall through to try the next eligible model.

		case ErrRateLimited:
			if classified.RetryAfter > 0 {
				slog.Info("rate limited, retry-after reported", slog.Int("retry_after_sec", classified.RetryAfter))
			}
			continue

		case ErrTransient:
			var resp2 ProviderResponse
			retryErr := backoffRetry(ctx, func() error {
				var sendErr2 error
				resp2, sendErr2 = adapter.Send(ctx, m.ID, req)
				return sendErr2
			}, 2, 100*time.Millisecond)
			if retryErr == nil {
				e.recordOutcome(ctx, logicalModel, m, 0, true, false, "")
				e.bindStickySession(ctx, req, m)
				return Decision{
					ModelID:          m.ID,
					ProviderID:       m.ProviderID,
					EstimatedCostUSD: estCost,
					Reason:           "retried-transient",
					Skipped:          decision.Skipped,
					Attempted:        attempted,
				}, resp2, nil
			}
			continue

		case ErrFatal:
			continue
		}
	}

	return Decision{Skipped: decision.Skipped, Attempted: attempted}, nil, errors.New("all providers failed")
}

// RouteAndStream selects a model and opens a streaming connection, falling
// back through the ranked candidate list when the chosen upstream's stream
// open fails.
func (e *Engine) RouteAndStream(ctx context.Context, req Request, p Policy) (Decision, io.ReadCloser, error) {
	decision, ranked, err := e.SelectModel(ctx, req, p)
	if err != nil {
		return Decision{}, nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	attempted := 0
	for _, m := range ranked {
		streamer, ok := e.adapters[m.ProviderID].(StreamSender)
		if !ok {
			continue
		}
		attempted++
		body, err := streamer.SendStream(ctx, m.ID, req)
		if err == nil {
			e.recordOutcome(ctx, req.LogicalModelID, m, 0, true, false, "")
			e.bindStickySession(ctx, req, m)
			decision.ModelID = m.ID
			decision.ProviderID = m.ProviderID
			decision.Attempted = attempted
			return decision, body, nil
		}
		e.recordOutcome(ctx, req.LogicalModelID, m, 0, false, true, err.Error())
	}

	return Decision{Skipped: decision.Skipped, Attempted: attempted}, nil, fmt.Errorf("all providers failed for streaming")
}

// bindStickySession records the winning (provider, model) against the
// request's conversation-id, if any, so subsequent turns prefer it (spec
// §4.4 session stickiness).
func (e *Engine) bindStickySession(ctx context.Context, req Request, m Model) {
	if req.ConversationID == "" || e.state == nil {
		return
	}
	_, _ = e.state.BindSession(ctx, req.ConversationID, req.LogicalModelID, m.ProviderID, m.ID, time.Now())
}
