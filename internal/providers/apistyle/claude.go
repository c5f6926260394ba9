package apistyle

import "github.com/tokenhub/gateway/internal/router"

// Claude implements the Anthropic messages wire format: content is an array
// of typed parts, system prompts are lifted into a top-level `system` array,
// and auth uses x-api-key plus anthropic-version instead of Bearer (spec
// §4.2.1).
type Claude struct{}

func (Claude) Style() Style     { return StyleClaude }
func (Claude) Endpoint() string { return "/v1/messages" }

type claudeContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type claudeMessage struct {
	Role    string              `json:"role"`
	Content []claudeContentPart `json:"content"`
}

func (Claude) BuildPayload(model, _ string, req router.Request) (any, error) {
	var system []claudeContentPart
	messages := make([]claudeMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		part := claudeContentPart{Type: "text", Text: m.Content}
		if m.Role == "system" {
			system = append(system, part)
			continue
		}
		messages = append(messages, claudeMessage{Role: m.Role, Content: []claudeContentPart{part}})
	}

	payload := map[string]any{
		"model":      model,
		"messages":   messages,
		"max_tokens": 4096,
	}
	if len(system) > 0 {
		payload["system"] = system
	}
	if mt, ok := req.Parameters["max_tokens"].(int); ok && mt > 0 {
		payload["max_tokens"] = mt
	}
	return payload, nil
}

func (Claude) Headers(apiKey string) map[string]string {
	h := map[string]string{"anthropic-version": "2023-06-01"}
	if apiKey != "" {
		h["x-api-key"] = apiKey
	}
	return h
}

func (Claude) ParseResponse(body []byte) (router.ProviderResponse, error) {
	return router.ProviderResponse(body), nil
}
