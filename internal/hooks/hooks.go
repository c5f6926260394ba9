// Package hooks defines the narrow external-collaborator interfaces of spec
// §4.6: moderation, billing, and session-write hooks the gateway calls at
// well-defined points in the request lifecycle but does not implement itself
// (spec §1 places their concrete policies out of scope). Each interface ships
// a no-op default so the core is runnable standalone, following the
// teacher's own pattern of nil-able optional collaborators in
// httpapi.Dependencies (APIKeyMgr, BudgetChecker, TemporalClient).
package hooks

import "context"

// Moderation screens requests before dispatch and responses before they
// reach the client.
type Moderation interface {
	// ApplyRequest inspects an inbound request. A non-nil error blocks
	// dispatch entirely.
	ApplyRequest(ctx context.Context, logicalModel string, messages []string) error
	// ApplyResponse inspects an upstream response before it is relayed. A
	// non-nil error causes the gateway to return a moderation failure
	// instead of the upstream content.
	ApplyResponse(ctx context.Context, logicalModel string, content string) error
}

// Billing records usage for unary and (pre-charge) streaming requests.
type Billing interface {
	// RecordUnary records a completed unary request's cost.
	RecordUnary(ctx context.Context, apiKeyID, logicalModel, providerID string, inputTokens, outputTokens int, costUSD float64) error
	// RecordStreamPrecharge reserves budget before a streaming request
	// begins, since final token counts are not known until the stream ends.
	RecordStreamPrecharge(ctx context.Context, apiKeyID, logicalModel string, estimatedCostUSD float64) error
}

// Session is notified as assistant content is written back to a
// conversation, independent of the routing-state session stickiness record.
type Session interface {
	OnMessageAssistantWritten(ctx context.Context, conversationID, logicalModel, content string) error
}

// NoopModeration allows every request and response through unexamined.
type NoopModeration struct{}

func (NoopModeration) ApplyRequest(ctx context.Context, logicalModel string, messages []string) error {
	return nil
}

func (NoopModeration) ApplyResponse(ctx context.Context, logicalModel string, content string) error {
	return nil
}

// NoopBilling discards all usage without recording it.
type NoopBilling struct{}

func (NoopBilling) RecordUnary(ctx context.Context, apiKeyID, logicalModel, providerID string, inputTokens, outputTokens int, costUSD float64) error {
	return nil
}

func (NoopBilling) RecordStreamPrecharge(ctx context.Context, apiKeyID, logicalModel string, estimatedCostUSD float64) error {
	return nil
}

// NoopSession ignores assistant-message write notifications.
type NoopSession struct{}

func (NoopSession) OnMessageAssistantWritten(ctx context.Context, conversationID, logicalModel, content string) error {
	return nil
}
