package routingstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tokenhub/gateway/internal/router"
)

func TestMemoryClampInvariant(t *testing.T) {
	for _, base := range []float64{0, 0.5, 1.0, 10.0} {
		lower := base
		if lower <= 0 {
			lower = 1.0
		}
		min := lower * MinFactor
		if min < AbsoluteMinWeight {
			min = AbsoluteMinWeight
		}
		max := lower * MaxFactor
		got := ClampWeight(1000, base)
		require.LessOrEqual(t, got, max)
		got = ClampWeight(-1000, base)
		require.GreaterOrEqual(t, got, min)
	}
}

func TestMemoryRecordSuccessAndFailureAdjustWeight(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	upstreams := []router.Model{{ProviderID: "p1", BaseWeight: 1.0}}

	weights, err := store.LoadDynamicWeights(ctx, "gpt-x", upstreams)
	require.NoError(t, err)
	require.Equal(t, 1.0, weights["p1"])

	store.RecordSuccess(ctx, "gpt-x", "p1", 1.0)
	weights, _ = store.LoadDynamicWeights(ctx, "gpt-x", upstreams)
	require.InDelta(t, 1.05, weights["p1"], 1e-9)

	store.RecordFailure(ctx, "gpt-x", "p1", 1.0, true)
	weights, _ = store.LoadDynamicWeights(ctx, "gpt-x", upstreams)
	require.InDelta(t, 0.85, weights["p1"], 1e-9)
}

func TestMemorySessionBindIdempotence(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	now := time.Now()

	first, err := store.BindSession(ctx, "c1", "gpt-x", "p1", "m1", now)
	require.NoError(t, err)

	second, err := store.BindSession(ctx, "c1", "gpt-x", "p1", "m1", now.Add(time.Second))
	require.NoError(t, err)

	require.Equal(t, first.CreatedAt, second.CreatedAt)
	require.Equal(t, first.ProviderID, second.ProviderID)
	require.Equal(t, first.ModelID, second.ModelID)
	require.GreaterOrEqual(t, second.LastAccessed, first.LastAccessed)
}

func TestMemoryFailureCooldownTTLExpires(t *testing.T) {
	store := NewMemory().(*memState)
	ctx := context.Background()
	store.IncrementProviderFailure(ctx, "p1", 1)
	status := store.GetFailureCooldownStatus(ctx, "p1", 1, 1)
	require.True(t, status.ShouldSkip)

	// Force expiry by rewriting the entry in the past.
	store.mu.Lock()
	e := store.failures["p1"]
	e.expiresAt = time.Now().Add(-time.Second)
	store.failures["p1"] = e
	store.mu.Unlock()

	status = store.GetFailureCooldownStatus(ctx, "p1", 1, 1)
	require.False(t, status.ShouldSkip)
}
