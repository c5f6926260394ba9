package routingstate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tokenhub/gateway/internal/router"
)

// redisState is the production Store backed by Redis, realizing spec §6.2's
// key layout literally: sorted sets for dynamic weights, INCR+EXPIRE for
// failure cooldowns, SET...EX for health/metrics/session snapshots.
type redisState struct {
	client *redis.Client
}

// NewRedis constructs a Redis-backed Store. addr is host:port.
func NewRedis(addr, password string, db int) (Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("routingstate: connect redis: %w", err)
	}
	return &redisState{client: client}, nil
}

// newRedisFromClient wraps an existing client (used by tests with miniredis).
func newRedisFromClient(c *redis.Client) Store {
	return &redisState{client: c}
}

func (s *redisState) GetCachedHealth(ctx context.Context, providerID string) (*router.ProviderHealth, error) {
	raw, err := s.client.Get(ctx, fmt.Sprintf(keyProviderHlth, providerID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		slog.Warn("routingstate: get_cached_health failed", slog.String("provider", providerID), slog.String("error", err.Error()))
		return nil, nil
	}
	var h router.ProviderHealth
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, nil
	}
	return &h, nil
}

func (s *redisState) SetCachedHealth(ctx context.Context, h router.ProviderHealth, ttl time.Duration) error {
	buf, err := json.Marshal(h)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, fmt.Sprintf(keyProviderHlth, h.ProviderID), buf, ttl).Err(); err != nil {
		slog.Warn("routingstate: set_cached_health failed", slog.String("provider", h.ProviderID), slog.String("error", err.Error()))
	}
	return nil
}

func (s *redisState) GetRoutingMetrics(ctx context.Context, logicalModel, providerID string) (*router.RoutingMetrics, error) {
	raw, err := s.client.Get(ctx, fmt.Sprintf(keyMetrics, logicalModel, providerID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		slog.Warn("routingstate: get_routing_metrics failed", slog.String("error", err.Error()))
		return nil, nil
	}
	var m router.RoutingMetrics
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, nil
	}
	return &m, nil
}

func (s *redisState) SetRoutingMetrics(ctx context.Context, logicalModel, providerID string, m router.RoutingMetrics, ttl time.Duration) error {
	buf, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, fmt.Sprintf(keyMetrics, logicalModel, providerID), buf, ttl).Err(); err != nil {
		slog.Warn("routingstate: set_routing_metrics failed", slog.String("error", err.Error()))
	}
	return nil
}

func (s *redisState) LoadDynamicWeights(ctx context.Context, logicalModel string, upstreams []router.Model) (map[string]float64, error) {
	if len(upstreams) == 0 {
		return map[string]float64{}, nil
	}
	key := fmt.Sprintf(keyWeights, logicalModel)
	baseByProvider := make(map[string]float64, len(upstreams))
	members := make(map[string]float64, len(upstreams))
	providerIDs := make([]string, 0, len(upstreams))
	for _, u := range upstreams {
		base := u.BaseWeight
		if base <= 0 {
			base = 1.0
		}
		if _, seen := baseByProvider[u.ProviderID]; seen {
			continue
		}
		baseByProvider[u.ProviderID] = base
		members[u.ProviderID] = base
		providerIDs = append(providerIDs, u.ProviderID)
	}

	// Seed defaults without clobbering existing values (ZADD NX).
	z := make([]redis.Z, 0, len(members))
	for pid, base := range members {
		z = append(z, redis.Z{Score: base, Member: pid})
	}
	if err := s.client.ZAddNX(ctx, key, z...).Err(); err != nil {
		slog.Warn("routingstate: load_dynamic_weights seed failed", slog.String("logical_model", logicalModel), slog.String("error", err.Error()))
		return map[string]float64{}, nil
	}

	scores, err := s.client.ZMScore(ctx, key, providerIDs...).Result()
	if err != nil {
		slog.Warn("routingstate: load_dynamic_weights read failed", slog.String("logical_model", logicalModel), slog.String("error", err.Error()))
		return map[string]float64{}, nil
	}

	out := make(map[string]float64, len(providerIDs))
	for i, pid := range providerIDs {
		base := baseByProvider[pid]
		raw := scores[i]
		clamped := ClampWeight(raw, base)
		out[pid] = clamped
		if clamped != raw {
			_ = s.client.ZAdd(ctx, key, redis.Z{Score: clamped, Member: pid}).Err()
		}
	}
	return out, nil
}

func (s *redisState) adjust(ctx context.Context, logicalModel, providerID string, baseWeight, delta float64) {
	key := fmt.Sprintf(keyWeights, logicalModel)
	base := baseWeight
	if base <= 0 {
		base = 1.0
	}
	current, err := s.client.ZScore(ctx, key, providerID).Result()
	if err == redis.Nil {
		current = base
	} else if err != nil {
		slog.Warn("routingstate: adjust_weight read failed", slog.String("error", err.Error()))
		return
	}
	next := ClampWeight(current+delta, base)
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: next, Member: providerID}).Err(); err != nil {
		slog.Warn("routingstate: adjust_weight write failed", slog.String("error", err.Error()))
	}
}

func (s *redisState) RecordSuccess(ctx context.Context, logicalModel, providerID string, baseWeight float64) {
	base := baseWeight
	if base <= 0 {
		base = 1.0
	}
	s.adjust(ctx, logicalModel, providerID, baseWeight, SuccessFactor*base)
}

func (s *redisState) RecordFailure(ctx context.Context, logicalModel, providerID string, baseWeight float64, retryable bool) {
	base := baseWeight
	if base <= 0 {
		base = 1.0
	}
	factor := FatalFailFactor
	if retryable {
		factor = RetryableFailFactor
	}
	s.adjust(ctx, logicalModel, providerID, baseWeight, factor*base)
}

func (s *redisState) GetFailureCooldownStatus(ctx context.Context, providerID string, threshold, cooldownSeconds int) FailureCooldownStatus {
	raw, err := s.client.Get(ctx, fmt.Sprintf(keyProviderFail, providerID)).Int()
	count := 0
	if err == nil {
		count = raw
	} else if err != redis.Nil {
		slog.Warn("routingstate: get_failure_cooldown_status failed", slog.String("error", err.Error()))
	}
	return FailureCooldownStatus{
		Count:           count,
		Threshold:       threshold,
		CooldownSeconds: cooldownSeconds,
		ShouldSkip:      count >= threshold,
	}
}

func (s *redisState) IncrementProviderFailure(ctx context.Context, providerID string, cooldownSeconds int) {
	key := fmt.Sprintf(keyProviderFail, providerID)
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, time.Duration(cooldownSeconds)*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("routingstate: increment_provider_failure failed", slog.String("provider", providerID), slog.String("error", err.Error()))
		return
	}
	_ = incr
}

func (s *redisState) ClearProviderFailure(ctx context.Context, providerID string) {
	if err := s.client.Del(ctx, fmt.Sprintf(keyProviderFail, providerID)).Err(); err != nil {
		slog.Warn("routingstate: clear_provider_failure failed", slog.String("provider", providerID), slog.String("error", err.Error()))
	}
}

func (s *redisState) GetSession(ctx context.Context, conversationID string) (*router.Session, error) {
	raw, err := s.client.Get(ctx, fmt.Sprintf(keySession, conversationID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		slog.Warn("routingstate: get_session failed", slog.String("error", err.Error()))
		return nil, nil
	}
	var sess router.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, nil
	}
	return &sess, nil
}

func (s *redisState) BindSession(ctx context.Context, conversationID, logicalModel, providerID, modelID string, now time.Time) (router.Session, error) {
	existing, _ := s.GetSession(ctx, conversationID)
	sess := router.Session{
		ConversationID: conversationID,
		LogicalModel:   logicalModel,
		ProviderID:     providerID,
		ModelID:        modelID,
		LastAccessed:   now.Unix(),
	}
	if existing != nil {
		sess.CreatedAt = existing.CreatedAt
		sess.MessageCount = existing.MessageCount
	} else {
		sess.CreatedAt = now.Unix()
	}
	buf, err := json.Marshal(sess)
	if err != nil {
		return sess, err
	}
	if err := s.client.Set(ctx, fmt.Sprintf(keySession, conversationID), buf, SessionTTL).Err(); err != nil {
		slog.Warn("routingstate: bind_session failed", slog.String("error", err.Error()))
	}
	return sess, nil
}

func (s *redisState) TouchSession(ctx context.Context, conversationID string, deltaMessages int, now time.Time) (*router.Session, error) {
	existing, _ := s.GetSession(ctx, conversationID)
	if existing == nil {
		return nil, nil
	}
	existing.LastAccessed = now.Unix()
	if deltaMessages > 0 {
		existing.MessageCount += deltaMessages
	}
	buf, err := json.Marshal(existing)
	if err != nil {
		return existing, err
	}
	if err := s.client.Set(ctx, fmt.Sprintf(keySession, conversationID), buf, SessionTTL).Err(); err != nil {
		slog.Warn("routingstate: touch_session failed", slog.String("error", err.Error()))
	}
	return existing, nil
}

func (s *redisState) DeleteSession(ctx context.Context, conversationID string) (bool, error) {
	n, err := s.client.Del(ctx, fmt.Sprintf(keySession, conversationID)).Result()
	if err != nil {
		slog.Warn("routingstate: delete_session failed", slog.String("error", err.Error()))
		return false, nil
	}
	return n > 0, nil
}

func (s *redisState) Close() error {
	return s.client.Close()
}
