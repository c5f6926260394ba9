package router

import (
	"context"
	"encoding/json"
	"time"
)

// Request is a provider-agnostic envelope. Provider adapters translate this
// into provider-specific API calls.
type Request struct {
	ID string `json:"id,omitempty"`

	// Chat-style messages (OpenAI-ish envelope). Provider adapters can map.
	Messages []Message `json:"messages"`

	// LogicalModelID is the client-facing model identifier (the "model" field
	// on the wire) that fans out to one or more PhysicalModel upstreams.
	LogicalModelID string `json:"logical_model_id,omitempty"`

	// Optional model hint from client; router may ignore.
	ModelHint string `json:"model_hint,omitempty"`

	// Optional: known/estimated token count from client.
	EstimatedInputTokens int `json:"estimated_input_tokens,omitempty"`

	// ConversationID enables session stickiness when non-empty. It is read
	// from the JSON body; no handler sets it from an X-Session-Id header.
	ConversationID string `json:"conversation_id,omitempty"`

	// EffectiveProviderIDs restricts which providers the caller is
	// authorized to use. Empty means "no restriction" at the transport
	// layer, but callers SHOULD always populate this from auth context.
	EffectiveProviderIDs []string `json:"-"`

	// APIStyle selects which upstream wire-format family the request
	// targets: openai | claude | responses | gemini | vertex-sdk.
	APIStyle string `json:"-"`

	// BudgetCredits is carried on the request but candidate selection does
	// not read it; the cost ceiling used in scoring is Policy.MaxBudgetUSD.
	BudgetCredits float64 `json:"-"`

	// Tools holds the client's tool definitions. Candidate selection does
	// not read it; no tool-use capability requirement is derived from it.
	Tools json.RawMessage `json:"tools,omitempty"`

	// Arbitrary metadata for policy & tracing; NOT forwarded to providers.
	Meta map[string]any `json:"meta,omitempty"`

	// Optional JSON Schema that the orchestration output should conform to.
	// Used for structured output from LLMs.
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`

	// Parameters forwarded to the provider (temperature, max_tokens, top_p, etc.)
	// These are merged directly into the provider request payload.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Stream requests SSE streaming from the provider.
	Stream bool `json:"stream,omitempty"`
}

// Message represents a single chat message with a role and content.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Policy specifies routing constraints such as strategy, budget, latency.
type Policy struct {
	// Strategy names the SchedulingStrategy used to score candidates:
	// balanced | latency_first | cost_first | reliability_first | bandit.
	Strategy     string
	MaxBudgetUSD float64
	MaxLatencyMs int
	MinWeight    int
	OutputSchema string

	// AllowDegraded includes candidates cached as "degraded" (not "down").
	AllowDegraded bool

	// AllowCooldownBypass permits a candidate in failure cooldown to be
	// tried anyway when it is the only candidate in the pool.
	AllowCooldownBypass bool

	// EstimatedOutputTokens is the caller's estimate of how many output tokens the
	// request will produce. Used for cost estimation and budget enforcement.
	// Defaults to 512 when zero.
	EstimatedOutputTokens int
}

// Decision captures the routing outcome: which model and provider were selected.
type Decision struct {
	ModelID          string
	ProviderID       string
	EstimatedCostUSD float64
	Reason           string
	Skipped          int
	Attempted        int
}

// Model describes a registered LLM with its provider, pricing, and capabilities.
// It doubles as spec's PhysicalModel.
type Model struct {
	ID               string   `json:"id"`
	LogicalID        string   `json:"logical_id"`
	ProviderID       string   `json:"provider_id"`
	Endpoint         string   `json:"endpoint,omitempty"`
	Weight           int      `json:"weight"`
	BaseWeight       float64  `json:"base_weight"`
	MaxContextTokens int      `json:"max_context_tokens"`
	InputPer1K       float64  `json:"input_per_1k"`
	OutputPer1K      float64  `json:"output_per_1k"`
	Enabled          bool     `json:"enabled"`
	Disabled         bool     `json:"disabled"`
	PricingSource    string   `json:"pricing_source,omitempty"`
	APIStyle         string   `json:"api_style,omitempty"` // openai|claude|responses|gemini|vertex-sdk
	Transport        string   `json:"transport,omitempty"` // http|sdk
	Region           string   `json:"region,omitempty"`
	MaxQPS           int      `json:"max_qps,omitempty"`
	Capabilities     []string `json:"capabilities,omitempty"`
}

// LogicalModel is the client-visible model identifier that fans out to
// PhysicalModel upstreams, materialized into a process-wide cache.
type LogicalModel struct {
	LogicalID    string
	Capabilities map[string]bool
	Upstreams    []Model
	Enabled      bool
}

// RoutingMetrics is the per-(logical_model, provider) health/latency snapshot
// read by the scorer and written by the metrics pipeline.
type RoutingMetrics struct {
	LatencyP95Ms float64
	ErrorRate    float64
	Status       string // healthy | degraded | down
}

// SchedulingStrategy names a coefficient tuple for the scorer (spec §4.1).
type SchedulingStrategy struct {
	Name             string
	Alpha            float64 // latency coefficient
	Beta             float64 // error-rate coefficient
	Gamma            float64 // cost coefficient
	Delta            float64 // quota/health-penalty coefficient
	MinScore         float64
	EnableStickiness bool
}

// Strategies is the normative table of named SchedulingStrategy records
// from spec §4.1.
var Strategies = map[string]SchedulingStrategy{
	"balanced": {
		Name: "balanced", Alpha: 0.3, Beta: 0.3, Gamma: 0.2, Delta: 0.2,
		MinScore: 0, EnableStickiness: true,
	},
	"latency_first": {
		Name: "latency_first", Alpha: 0.6, Beta: 0.2, Gamma: 0.1, Delta: 0.1,
		MinScore: 0, EnableStickiness: true,
	},
	"cost_first": {
		Name: "cost_first", Alpha: 0.2, Beta: 0.2, Gamma: 0.5, Delta: 0.1,
		MinScore: 0, EnableStickiness: true,
	},
	"reliability_first": {
		Name: "reliability_first", Alpha: 0.3, Beta: 0.5, Gamma: 0.1, Delta: 0.1,
		MinScore: 0, EnableStickiness: true,
	},
}

// CandidateScore is a transient (upstream, metrics, score) tuple.
type CandidateScore struct {
	Upstream Model
	Metrics  *RoutingMetrics
	Score    float64
}

// ProviderHealth is the cached, TTL-bounded health sample for a provider.
type ProviderHealth struct {
	ProviderID           string  `json:"provider_id"`
	Status               string  `json:"status"`
	Timestamp            int64   `json:"timestamp"`
	ResponseTimeMs       float64 `json:"response_time_ms"`
	ErrorMessage         string  `json:"error_message,omitempty"`
	LastSuccessfulCheck  int64   `json:"last_successful_check,omitempty"`
}

// Session binds a conversation_id to the chosen (provider, model) for
// stickiness across turns.
type Session struct {
	ConversationID string `json:"conversation_id"`
	LogicalModel   string `json:"logical_model"`
	ProviderID     string `json:"provider_id"`
	ModelID        string `json:"model_id"`
	CreatedAt      int64  `json:"created_at"`
	LastAccessed   int64  `json:"last_accessed"`
	MessageCount   int    `json:"message_count"`
}

// FailureCooldownStatus is the result of a routing-state cooldown check
// (spec §4.3's get_failure_cooldown_status).
type FailureCooldownStatus struct {
	Count           int
	Threshold       int
	CooldownSeconds int
	ShouldSkip      bool
}

// RoutingStateStore is the facade the engine uses for dynamic weights,
// failure cooldowns, cached health/metrics, and session stickiness (spec
// §4.3/§6.2). Declared here rather than importing internal/routingstate to
// avoid an import cycle; internal/routingstate's memory and Redis
// implementations satisfy this interface structurally.
type RoutingStateStore interface {
	GetCachedHealth(ctx context.Context, providerID string) (*ProviderHealth, error)
	SetCachedHealth(ctx context.Context, h ProviderHealth, ttl time.Duration) error

	GetRoutingMetrics(ctx context.Context, logicalModel, providerID string) (*RoutingMetrics, error)
	SetRoutingMetrics(ctx context.Context, logicalModel, providerID string, m RoutingMetrics, ttl time.Duration) error

	LoadDynamicWeights(ctx context.Context, logicalModel string, upstreams []Model) (map[string]float64, error)
	RecordSuccess(ctx context.Context, logicalModel, providerID string, baseWeight float64)
	RecordFailure(ctx context.Context, logicalModel, providerID string, baseWeight float64, retryable bool)

	GetFailureCooldownStatus(ctx context.Context, providerID string, threshold, cooldownSeconds int) FailureCooldownStatus
	IncrementProviderFailure(ctx context.Context, providerID string, cooldownSeconds int)
	ClearProviderFailure(ctx context.Context, providerID string)

	GetSession(ctx context.Context, conversationID string) (*Session, error)
	BindSession(ctx context.Context, conversationID, logicalModel, providerID, modelID string, now time.Time) (Session, error)
	TouchSession(ctx context.Context, conversationID string, deltaMessages int, now time.Time) (*Session, error)
	DeleteSession(ctx context.Context, conversationID string) (bool, error)

	Close() error
}

// OrchestrationDirective configures multi-model orchestration (adversarial, vote, refine).
type OrchestrationDirective struct {
	Mode string `json:"mode"` // planning|adversarial|vote|refine

	PrimaryMinWeight int `json:"primary_min_weight,omitempty"`
	ReviewMinWeight  int `json:"review_min_weight,omitempty"`
	Iterations       int `json:"iterations,omitempty"`

	// Optional explicit model IDs
	PrimaryModelID string `json:"primary_model_id,omitempty"`
	ReviewModelID  string `json:"review_model_id,omitempty"`

	// Output shaping (non-forwarded)
	ReturnPlanOnly bool   `json:"return_plan_only,omitempty"`
	OutputSchema   string `json:"output_schema,omitempty"`
}

// OutputFormat specifies how the response should be shaped before returning to the client.
type OutputFormat struct {
	Type       string `json:"type,omitempty"`       // json, markdown, text, xml
	Schema     string `json:"schema,omitempty"`     // JSON schema to enforce (for type=json)
	MaxTokens  int    `json:"max_tokens,omitempty"` // Truncate response beyond this
	StripThink bool   `json:"strip_think,omitempty"`
}

type ProviderResponse = json.RawMessage
