// Package gemini implements router.Sender for Google's Gemini API and
// Vertex AI backends via the official google.golang.org/genai SDK, per spec
// §4.2.1's "Gemini/Vertex SDK: use the vendor SDK in a blocking-call-on-
// worker-thread pattern" note — unlike the HTTP-based api_styles in
// internal/providers/apistyle, the SDK owns its own transport, so the
// adapter runs the call on a worker goroutine and selects between its
// result and ctx.Done() to keep the executor's cancellation semantics.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/genai"

	"github.com/tokenhub/gateway/internal/router"
)

// Adapter implements router.Sender for Gemini/Vertex.
type Adapter struct {
	id       string
	apiKey   string
	keyFunc  func() string
	vertex   bool
	project  string
	location string
	timeout  time.Duration
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout bounds each GenerateContent call; the gateway's own request
// timeout (spec §5) still applies on top via ctx.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.timeout = d }
}

// WithKeyFunc resolves the Gemini API key dynamically (e.g. from a vault).
// Not used for the Vertex AI backend, which authenticates via ADC.
func WithKeyFunc(f func() string) Option {
	return func(a *Adapter) { a.keyFunc = f }
}

// WithVertex switches the adapter to the Vertex AI backend, authenticating
// via application-default credentials instead of an API key.
func WithVertex(project, location string) Option {
	return func(a *Adapter) {
		a.vertex = true
		a.project = project
		a.location = location
	}
}

// New creates a new Gemini adapter. Each call is bounded by 60s unless
// WithTimeout sets another value (zero means no per-call bound).
func New(id, apiKey string, opts ...Option) *Adapter {
	a := &Adapter{id: id, apiKey: apiKey, timeout: 60 * time.Second}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) resolveKey() string {
	if a.keyFunc != nil {
		if k := a.keyFunc(); k != "" {
			return k
		}
	}
	return a.apiKey
}

func (a *Adapter) newClient(ctx context.Context) (*genai.Client, error) {
	cc := &genai.ClientConfig{}
	if a.vertex {
		cc.Backend = genai.BackendVertexAI
		cc.Project = a.project
		cc.Location = a.location
	} else {
		cc.Backend = genai.BackendGeminiAPI
		cc.APIKey = a.resolveKey()
	}
	return genai.NewClient(ctx, cc)
}

// buildContents splits system-role messages into a SystemInstruction and
// translates the rest into genai.Content, mapping the "assistant" role to
// Gemini's "model" role (spec §4.2.1: "contents[{role, parts:[{text}]}]").
func buildContents(req router.Request) (*genai.Content, []*genai.Content) {
	var systemText string
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			systemText += m.Content
			continue
		}
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}
	var system *genai.Content
	if systemText != "" {
		system = &genai.Content{Parts: []*genai.Part{{Text: systemText}}}
	}
	return system, contents
}

type sdkResult struct {
	resp *genai.GenerateContentResponse
	err  error
}

func (a *Adapter) Send(ctx context.Context, model string, req router.Request) (router.ProviderResponse, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	client, err := a.newClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}

	system, contents := buildContents(req)
	cfg := &genai.GenerateContentConfig{}
	if system != nil {
		cfg.SystemInstruction = system
	}
	if mt, ok := req.Parameters["max_tokens"].(int); ok && mt > 0 {
		cfg.MaxOutputTokens = int32(mt)
	}

	resultCh := make(chan sdkResult, 1)
	go func() {
		resp, err := client.Models.GenerateContent(ctx, model, contents, cfg)
		resultCh <- sdkResult{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			return nil, r.err
		}
		return toProviderResponse(r.resp)
	}
}

func toProviderResponse(resp *genai.GenerateContentResponse) (router.ProviderResponse, error) {
	choice := map[string]any{
		"index":         0,
		"message":       map[string]string{"role": "assistant", "content": resp.Text()},
		"finish_reason": "stop",
	}
	out := map[string]any{"choices": []any{choice}}
	if resp.UsageMetadata != nil {
		out["usage"] = map[string]int{
			"prompt_tokens":     int(resp.UsageMetadata.PromptTokenCount),
			"completion_tokens": int(resp.UsageMetadata.CandidatesTokenCount),
			"total_tokens":      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return json.Marshal(out)
}

func (a *Adapter) ClassifyError(err error) *router.ClassifiedError {
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return &router.ClassifiedError{Err: err, Class: router.ErrRateLimited}
		case apiErr.Code >= 500:
			return &router.ClassifiedError{Err: err, Class: router.ErrTransient}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &router.ClassifiedError{Err: err, Class: router.ErrTransient}
	}
	return &router.ClassifiedError{Err: err, Class: router.ErrFatal}
}
