package routingstate

import (
	"context"
	"sync"
	"time"

	"github.com/tokenhub/gateway/internal/router"
)

// memState is the in-process fallback implementation of Store, used when
// GATEWAY_REDIS_ENABLED=false or no Redis endpoint is reachable, so the
// gateway remains runnable standalone. Generalizes the mutex-guarded-map +
// TTL idiom the teacher uses for its provider health tracker to every spec
// §6.2 key family.
type memState struct {
	mu sync.Mutex

	health   map[string]ttlEntry[router.ProviderHealth]
	metrics  map[string]ttlEntry[router.RoutingMetrics]
	weights  map[string]map[string]float64 // logicalModel -> providerID -> weight
	failures map[string]ttlEntry[int]
	sessions map[string]router.Session
}

type ttlEntry[T any] struct {
	val       T
	expiresAt time.Time // zero = no expiry
}

func (e ttlEntry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemory constructs an in-process Store.
func NewMemory() Store {
	return &memState{
		health:   make(map[string]ttlEntry[router.ProviderHealth]),
		metrics:  make(map[string]ttlEntry[router.RoutingMetrics]),
		weights:  make(map[string]map[string]float64),
		failures: make(map[string]ttlEntry[int]),
		sessions: make(map[string]router.Session),
	}
}

func (s *memState) GetCachedHealth(_ context.Context, providerID string) (*router.ProviderHealth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.health[providerID]
	if !ok || e.expired(time.Now()) {
		return nil, nil
	}
	h := e.val
	return &h, nil
}

func (s *memState) SetCachedHealth(_ context.Context, h router.ProviderHealth, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.health[h.ProviderID] = ttlEntry[router.ProviderHealth]{val: h, expiresAt: exp}
	return nil
}

func metricsKeyOf(logicalModel, providerID string) string { return logicalModel + "\x00" + providerID }

func (s *memState) GetRoutingMetrics(_ context.Context, logicalModel, providerID string) (*router.RoutingMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.metrics[metricsKeyOf(logicalModel, providerID)]
	if !ok || e.expired(time.Now()) {
		return nil, nil
	}
	m := e.val
	return &m, nil
}

func (s *memState) SetRoutingMetrics(_ context.Context, logicalModel, providerID string, m router.RoutingMetrics, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.metrics[metricsKeyOf(logicalModel, providerID)] = ttlEntry[router.RoutingMetrics]{val: m, expiresAt: exp}
	return nil
}

func (s *memState) LoadDynamicWeights(_ context.Context, logicalModel string, upstreams []router.Model) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.weights[logicalModel]
	if !ok {
		m = make(map[string]float64)
		s.weights[logicalModel] = m
	}
	out := make(map[string]float64, len(upstreams))
	for _, u := range upstreams {
		base := u.BaseWeight
		if base <= 0 {
			base = 1.0
		}
		if _, exists := m[u.ProviderID]; !exists {
			m[u.ProviderID] = base
		}
		out[u.ProviderID] = m[u.ProviderID]
	}
	return out, nil
}

func (s *memState) adjust(logicalModel, providerID string, baseWeight, delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.weights[logicalModel]
	if !ok {
		m = make(map[string]float64)
		s.weights[logicalModel] = m
	}
	current, exists := m[providerID]
	if !exists {
		current = baseWeight
		if current <= 0 {
			current = 1.0
		}
	}
	m[providerID] = ClampWeight(current+delta, baseWeight)
}

func (s *memState) RecordSuccess(_ context.Context, logicalModel, providerID string, baseWeight float64) {
	s.adjust(logicalModel, providerID, baseWeight, SuccessFactor*nz(baseWeight))
}

func (s *memState) RecordFailure(_ context.Context, logicalModel, providerID string, baseWeight float64, retryable bool) {
	factor := FatalFailFactor
	if retryable {
		factor = RetryableFailFactor
	}
	s.adjust(logicalModel, providerID, baseWeight, factor*nz(baseWeight))
}

func nz(v float64) float64 {
	if v <= 0 {
		return 1.0
	}
	return v
}

func (s *memState) GetFailureCooldownStatus(_ context.Context, providerID string, threshold, cooldownSeconds int) FailureCooldownStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.failures[providerID]
	count := 0
	if ok && !e.expired(time.Now()) {
		count = e.val
	}
	return FailureCooldownStatus{
		Count:           count,
		Threshold:       threshold,
		CooldownSeconds: cooldownSeconds,
		ShouldSkip:      count >= threshold,
	}
}

func (s *memState) IncrementProviderFailure(_ context.Context, providerID string, cooldownSeconds int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.failures[providerID]
	count := 0
	now := time.Now()
	if ok && !e.expired(now) {
		count = e.val
	}
	count++
	var exp time.Time
	if cooldownSeconds > 0 {
		exp = now.Add(time.Duration(cooldownSeconds) * time.Second)
	}
	s.failures[providerID] = ttlEntry[int]{val: count, expiresAt: exp}
}

func (s *memState) ClearProviderFailure(_ context.Context, providerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, providerID)
}

func (s *memState) GetSession(_ context.Context, conversationID string) (*router.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[conversationID]
	if !ok {
		return nil, nil
	}
	if time.Since(time.Unix(sess.LastAccessed, 0)) > SessionTTL {
		delete(s.sessions, conversationID)
		return nil, nil
	}
	cp := sess
	return &cp, nil
}

func (s *memState) BindSession(_ context.Context, conversationID, logicalModel, providerID, modelID string, now time.Time) (router.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[conversationID]
	sess := router.Session{
		ConversationID: conversationID,
		LogicalModel:   logicalModel,
		ProviderID:     providerID,
		ModelID:        modelID,
		LastAccessed:   now.Unix(),
	}
	if ok {
		sess.CreatedAt = existing.CreatedAt
		sess.MessageCount = existing.MessageCount
	} else {
		sess.CreatedAt = now.Unix()
		sess.MessageCount = 0
	}
	s.sessions[conversationID] = sess
	return sess, nil
}

func (s *memState) TouchSession(_ context.Context, conversationID string, deltaMessages int, now time.Time) (*router.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[conversationID]
	if !ok {
		return nil, nil
	}
	sess.LastAccessed = now.Unix()
	if deltaMessages > 0 {
		sess.MessageCount += deltaMessages
	}
	s.sessions[conversationID] = sess
	cp := sess
	return &cp, nil
}

func (s *memState) DeleteSession(_ context.Context, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.sessions[conversationID]
	delete(s.sessions, conversationID)
	return existed, nil
}

func (s *memState) Close() error { return nil }
