package apistyle

import (
	"encoding/json"
	"fmt"

	"github.com/tokenhub/gateway/internal/router"
)

// Responses implements the OpenAI responses API wire format: an `input`
// array instead of `messages`, and an `output[]` response shape instead of
// `choices[]` (spec §4.2.1). Grounded on BaSui01-agentflow's
// llm/providers/openai.completionWithResponsesAPI, which frames the same
// request/response pair against the same upstream route.
type Responses struct{}

func (Responses) Style() Style     { return StyleResponses }
func (Responses) Endpoint() string { return "/v1/responses" }

type responsesInput struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responsesRequest struct {
	Model              string           `json:"model"`
	Input              []responsesInput `json:"input"`
	MaxOutputTokens    int              `json:"max_output_tokens,omitempty"`
	Store              bool             `json:"store"`
	PreviousResponseID string           `json:"previous_response_id,omitempty"`
}

func (Responses) BuildPayload(model, _ string, req router.Request) (any, error) {
	input := make([]responsesInput, len(req.Messages))
	for i, m := range req.Messages {
		input[i] = responsesInput{Role: m.Role, Content: m.Content}
	}
	body := responsesRequest{
		Model: model,
		Input: input,
		Store: true,
	}
	if mt, ok := req.Parameters["max_tokens"].(int); ok {
		body.MaxOutputTokens = mt
	}
	if pid, ok := req.Meta["previous_response_id"].(string); ok {
		body.PreviousResponseID = pid
	}
	return body, nil
}

func (Responses) Headers(apiKey string) map[string]string {
	if apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + apiKey}
}

type responsesOutputContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type responsesOutput struct {
	Type    string                   `json:"type"`
	Role    string                   `json:"role"`
	Content []responsesOutputContent `json:"content"`
}

type responsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type responsesBody struct {
	ID     string            `json:"id"`
	Model  string            `json:"model"`
	Output []responsesOutput `json:"output"`
	Usage  *responsesUsage   `json:"usage,omitempty"`
}

// ParseResponse flattens the responses-API output[] shape back into an
// OpenAI-style choices[] envelope so callers downstream of the transport
// layer (buildCompletionsResponse, extractUsage) stay api_style-agnostic.
func (Responses) ParseResponse(body []byte) (router.ProviderResponse, error) {
	var parsed responsesBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse responses api body: %w", err)
	}

	var text string
	for _, out := range parsed.Output {
		if out.Type != "message" {
			continue
		}
		for _, c := range out.Content {
			if c.Type == "output_text" {
				text += c.Text
			}
		}
	}

	choice := map[string]any{
		"index":         0,
		"message":       map[string]string{"role": "assistant", "content": text},
		"finish_reason": "stop",
	}
	out := map[string]any{
		"id":      parsed.ID,
		"model":   parsed.Model,
		"choices": []any{choice},
	}
	if parsed.Usage != nil {
		out["usage"] = map[string]int{
			"prompt_tokens":     parsed.Usage.InputTokens,
			"completion_tokens": parsed.Usage.OutputTokens,
			"total_tokens":      parsed.Usage.TotalTokens,
		}
	}
	return json.Marshal(out)
}
