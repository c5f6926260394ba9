package apistyle

import "github.com/tokenhub/gateway/internal/router"

// OpenAI is the chat/completions wire format: pass-through messages array,
// Bearer auth, response shape is choices[0].message.content (spec §4.2.1).
type OpenAI struct{}

func (OpenAI) Style() Style     { return StyleOpenAI }
func (OpenAI) Endpoint() string { return "/v1/chat/completions" }

func (OpenAI) BuildPayload(model, _ string, req router.Request) (any, error) {
	messages := make([]map[string]string, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = map[string]string{"role": m.Role, "content": m.Content}
	}
	payload := map[string]any{
		"model":    model,
		"messages": messages,
	}
	for k, v := range req.Parameters {
		payload[k] = v
	}
	return payload, nil
}

func (OpenAI) Headers(apiKey string) map[string]string {
	if apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + apiKey}
}

func (OpenAI) ParseResponse(body []byte) (router.ProviderResponse, error) {
	return router.ProviderResponse(body), nil
}
