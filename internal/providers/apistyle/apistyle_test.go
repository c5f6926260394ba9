package apistyle

import (
	"encoding/json"
	"testing"

	"github.com/tokenhub/gateway/internal/router"
)

func TestOpenAIBuildPayload(t *testing.T) {
	o := OpenAI{}
	payload, err := o.BuildPayload("gpt-4", "key", router.Request{
		Messages:   []router.Message{{Role: "user", Content: "hi"}},
		Parameters: map[string]any{"temperature": 0.5},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := payload.(map[string]any)
	if m["model"] != "gpt-4" {
		t.Errorf("expected model gpt-4, got %v", m["model"])
	}
	if m["temperature"] != 0.5 {
		t.Errorf("expected temperature passthrough, got %v", m["temperature"])
	}
}

func TestOpenAIHeadersEmptyKey(t *testing.T) {
	if h := (OpenAI{}).Headers(""); h != nil {
		t.Errorf("expected nil headers for empty key, got %v", h)
	}
}

func TestClaudeBuildPayloadSplitsSystem(t *testing.T) {
	c := Claude{}
	payload, err := c.BuildPayload("claude-opus", "key", router.Request{
		Messages: []router.Message{
			{Role: "system", Content: "be nice"},
			{Role: "user", Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := payload.(map[string]any)
	if m["max_tokens"] != 4096 {
		t.Errorf("expected default max_tokens 4096, got %v", m["max_tokens"])
	}
	system, ok := m["system"].([]claudeContentPart)
	if !ok || len(system) != 1 || system[0].Text != "be nice" {
		t.Errorf("expected system prompt lifted to top-level array, got %v", m["system"])
	}
	messages := m["messages"].([]claudeMessage)
	if len(messages) != 1 || messages[0].Role != "user" {
		t.Errorf("expected single user message, got %v", messages)
	}
}

func TestClaudeHeaders(t *testing.T) {
	h := (Claude{}).Headers("sk-test")
	if h["x-api-key"] != "sk-test" {
		t.Errorf("expected x-api-key header, got %v", h)
	}
	if h["anthropic-version"] != "2023-06-01" {
		t.Errorf("expected anthropic-version header, got %v", h)
	}
}

func TestResponsesBuildPayloadAndParse(t *testing.T) {
	r := Responses{}
	payload, err := r.BuildPayload("gpt-4o", "key", router.Request{
		Messages: []router.Message{{Role: "user", Content: "hi"}},
		Meta:     map[string]any{"previous_response_id": "resp_123"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := payload.(responsesRequest)
	if body.PreviousResponseID != "resp_123" {
		t.Errorf("expected previous_response_id threaded through, got %q", body.PreviousResponseID)
	}
	if !body.Store {
		t.Errorf("expected store=true")
	}

	raw, _ := json.Marshal(responsesBody{
		ID:    "resp_456",
		Model: "gpt-4o",
		Output: []responsesOutput{
			{Type: "message", Role: "assistant", Content: []responsesOutputContent{{Type: "output_text", Text: "hello"}}},
		},
		Usage: &responsesUsage{InputTokens: 3, OutputTokens: 5, TotalTokens: 8},
	})
	parsed, err := r.ParseResponse(raw)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(parsed, &out); err != nil {
		t.Fatalf("unexpected unmarshal error: %v", err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content != "hello" {
		t.Errorf("expected flattened output_text, got %+v", out)
	}
	if out.Usage.TotalTokens != 8 {
		t.Errorf("expected total_tokens 8, got %d", out.Usage.TotalTokens)
	}
}

func TestClaudeCLIInjectsUserID(t *testing.T) {
	cli := NewClaudeCLI()
	payload, err := cli.BuildPayload("claude-opus", "sk-abc", router.Request{
		Messages: []router.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := payload.(map[string]any)
	meta, ok := m["metadata"].(map[string]string)
	if !ok {
		t.Fatalf("expected metadata map, got %v", m["metadata"])
	}
	userID := meta["user_id"]
	if userID == "" {
		t.Fatalf("expected non-empty user_id")
	}
	if !containsAccountSession(userID) {
		t.Errorf("expected user_%%s_account__session_%%s shape, got %q", userID)
	}
}

func TestClaudeCLIHeadersOverrideUserAgent(t *testing.T) {
	cli := NewClaudeCLI()
	h := cli.Headers("sk-abc")
	if h["User-Agent"] != claudeCLIUserAgent {
		t.Errorf("expected masqueraded User-Agent, got %q", h["User-Agent"])
	}
	if h["x-api-key"] != "sk-abc" {
		t.Errorf("expected x-api-key preserved from Claude.Headers, got %v", h)
	}
}

func TestClaudeCLIHashCacheStableForSameKey(t *testing.T) {
	cli := NewClaudeCLI()
	h1 := cli.hashes.hash("sk-same")
	h2 := cli.hashes.hash("sk-same")
	if h1 != h2 {
		t.Errorf("expected stable hash for repeated key, got %q vs %q", h1, h2)
	}
	if cli.hashes.hash("sk-other") == h1 {
		t.Errorf("expected distinct hash for distinct key")
	}
}

func TestClaudeCLIHashCacheBounded(t *testing.T) {
	c := newKeyHashCache(4)
	for i := 0; i < 100; i++ {
		c.hash(string(rune('a' + i%26)))
	}
	if c.cache.Len() > 4 {
		t.Errorf("expected cache bounded to 4 entries, got %d", c.cache.Len())
	}
}

func containsAccountSession(userID string) bool {
	const prefix = "user_"
	const marker = "_account__session_"
	if len(userID) < len(prefix)+len(marker) {
		return false
	}
	return userID[:len(prefix)] == prefix && indexOf(userID, marker) > 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
