package gemini

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tokenhub/gateway/internal/router"
)

func TestBuildContentsSplitsSystemAndMapsAssistantRole(t *testing.T) {
	system, contents := buildContents(router.Request{
		Messages: []router.Message{
			{Role: "system", Content: "be concise"},
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
	})
	if system == nil || len(system.Parts) != 1 || system.Parts[0].Text != "be concise" {
		t.Fatalf("expected system instruction extracted, got %+v", system)
	}
	if len(contents) != 2 {
		t.Fatalf("expected 2 non-system contents, got %d", len(contents))
	}
	if contents[0].Role != "user" {
		t.Errorf("expected first content role user, got %s", contents[0].Role)
	}
	if contents[1].Role != "model" {
		t.Errorf("expected assistant role mapped to model, got %s", contents[1].Role)
	}
}

func TestBuildContentsNoSystemMessage(t *testing.T) {
	system, contents := buildContents(router.Request{
		Messages: []router.Message{{Role: "user", Content: "hi"}},
	})
	if system != nil {
		t.Errorf("expected nil system instruction when no system message present, got %+v", system)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
}

func TestResolveKeyPrefersKeyFunc(t *testing.T) {
	a := New("gemini", "static-key", WithKeyFunc(func() string { return "dynamic-key" }))
	if got := a.resolveKey(); got != "dynamic-key" {
		t.Errorf("expected keyFunc to take precedence, got %q", got)
	}
}

func TestResolveKeyFallsBackToStatic(t *testing.T) {
	a := New("gemini", "static-key", WithKeyFunc(func() string { return "" }))
	if got := a.resolveKey(); got != "static-key" {
		t.Errorf("expected fallback to static key, got %q", got)
	}
}

func TestWithVertexSetsBackendFields(t *testing.T) {
	a := New("vertex", "", WithVertex("my-project", "us-central1"))
	if !a.vertex || a.project != "my-project" || a.location != "us-central1" {
		t.Errorf("expected vertex backend configured, got %+v", a)
	}
}

func TestChoicesEnvelopeShapeParses(t *testing.T) {
	// Constructing a full genai response requires the SDK's internal types,
	// so this test does not call toProviderResponse; it checks that the
	// choices envelope that function builds parses back to its content.
	out := map[string]any{
		"choices": []any{map[string]any{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": "hi there"},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 1, "completion_tokens": 2, "total_tokens": 3},
	}
	raw, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("unexpected marshal error: %v", err)
	}
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("unexpected unmarshal error: %v", err)
	}
	if parsed.Choices[0].Message.Content != "hi there" {
		t.Errorf("unexpected content: %+v", parsed)
	}
}

func TestClassifyErrorDeadlineExceeded(t *testing.T) {
	a := New("gemini", "key")
	classified := a.ClassifyError(context.DeadlineExceeded)
	if classified.Class != router.ErrTransient {
		t.Errorf("expected ErrTransient for deadline exceeded, got %s", classified.Class)
	}
}

func TestClassifyErrorUnknownIsFatal(t *testing.T) {
	a := New("gemini", "key")
	classified := a.ClassifyError(context.Canceled)
	if classified.Class != router.ErrFatal {
		t.Errorf("expected ErrFatal for unclassified error, got %s", classified.Class)
	}
}

func TestNewDefaultsTimeout(t *testing.T) {
	a := New("gemini", "key")
	if a.timeout != 60*time.Second {
		t.Errorf("expected default 60s timeout, got %v", a.timeout)
	}
}

func TestIDReturnsConfiguredID(t *testing.T) {
	a := New("gemini-primary", "key")
	if a.ID() != "gemini-primary" {
		t.Errorf("expected ID gemini-primary, got %s", a.ID())
	}
}
