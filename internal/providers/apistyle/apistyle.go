// Package apistyle implements the neutral-payload-to-wire-format transport
// adapters for the HTTP-based api_styles (spec §4.2.1): openai, responses,
// claude, and the claude-cli decorator over claude. The gemini/vertex-sdk
// styles talk to their vendor SDK directly instead of raw HTTP and live in
// internal/providers/gemini.
package apistyle

import "github.com/tokenhub/gateway/internal/router"

// Style names one of the upstream wire-format families.
type Style string

const (
	StyleOpenAI    Style = "openai"
	StyleResponses Style = "responses"
	StyleClaude    Style = "claude"
	StyleClaudeCLI Style = "claude-cli"
)

// TransportAdapter converts a neutral router.Request into an upstream wire
// payload, builds auth/identity headers, and parses the upstream body back
// into a router.ProviderResponse. One implementation per api_style, matching
// spec §4.2.1's "adapter.unary(client, endpoint, auth, payload)" shape minus
// the HTTP plumbing, which providers.DoRequest/DoStreamRequest supply.
type TransportAdapter interface {
	Style() Style
	Endpoint() string
	BuildPayload(model, apiKey string, req router.Request) (any, error)
	Headers(apiKey string) map[string]string
	ParseResponse(body []byte) (router.ProviderResponse, error)
}
