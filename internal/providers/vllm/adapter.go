package vllm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tokenhub/gateway/internal/providers"
	"github.com/tokenhub/gateway/internal/providers/apistyle"
	"github.com/tokenhub/gateway/internal/router"
)

// Adapter implements router.Sender for self-hosted vLLM instances. vLLM's
// OpenAI-compatible server exposes the openai api_style (spec §3: `Type ∈
// {..., vllm, ...}` is a provider kind, not a separate wire format), so the
// adapter delegates wire framing to apistyle.OpenAI and adds round-robin
// across multiple endpoints on top.
type Adapter struct {
	id        string
	endpoints []string
	counter   atomic.Uint64
	apiKey    string
	keyFunc   func() string
	client    *http.Client
	wire      apistyle.TransportAdapter
}

// New creates a new vLLM adapter with one or more endpoints.
// The HTTP client timeout is 30s unless WithTimeout sets another value
// (zero means no timeout).
func New(id string, endpoint string, opts ...Option) *Adapter {
	a := &Adapter{
		id:        id,
		endpoints: []string{endpoint},
		client:    &http.Client{Timeout: 30 * time.Second},
		wire:      apistyle.OpenAI{},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		a.client.Timeout = d
	}
}

// WithEndpoints adds additional endpoints for round-robin balancing.
func WithEndpoints(endpoints ...string) Option {
	return func(a *Adapter) {
		a.endpoints = append(a.endpoints, endpoints...)
	}
}

// WithAPIKey sets a static bearer token; most vLLM deployments run with auth
// disabled but some front it with a shared token.
func WithAPIKey(key string) Option {
	return func(a *Adapter) {
		a.apiKey = key
	}
}

// WithKeyFunc resolves the API key dynamically (e.g. from a vault) on every
// request instead of using a fixed key captured at construction time.
func WithKeyFunc(f func() string) Option {
	return func(a *Adapter) {
		a.keyFunc = f
	}
}

func (a *Adapter) ID() string { return a.id }

// nextEndpoint returns the next endpoint in round-robin order.
func (a *Adapter) nextEndpoint() string {
	idx := a.counter.Add(1) - 1
	return a.endpoints[idx%uint64(len(a.endpoints))]
}

func (a *Adapter) resolveKey() string {
	if a.keyFunc != nil {
		if k := a.keyFunc(); k != "" {
			return k
		}
	}
	return a.apiKey
}

func (a *Adapter) Send(ctx context.Context, model string, req router.Request) (router.ProviderResponse, error) {
	apiKey := a.resolveKey()
	payload, err := a.wire.BuildPayload(model, apiKey, req)
	if err != nil {
		return nil, err
	}
	headers := a.wire.Headers(apiKey)
	body, err := providers.DoRequest(ctx, a.client, a.nextEndpoint()+a.wire.Endpoint(), payload, headers)
	if err != nil {
		return nil, err
	}
	return a.wire.ParseResponse(body)
}

func (a *Adapter) SendStream(ctx context.Context, model string, req router.Request) (io.ReadCloser, error) {
	apiKey := a.resolveKey()
	payload, err := a.wire.BuildPayload(model, apiKey, req)
	if err != nil {
		return nil, err
	}
	if m, ok := payload.(map[string]any); ok {
		m["stream"] = true
	}
	headers := a.wire.Headers(apiKey)
	return providers.DoStreamRequest(ctx, a.client, a.nextEndpoint()+a.wire.Endpoint(), payload, headers)
}

func (a *Adapter) ClassifyError(err error) *router.ClassifiedError {
	var se *providers.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == 429:
			ce := &router.ClassifiedError{Err: err, Class: router.ErrRateLimited}
			if se.RetryAfterSecs > 0 {
				ce.RetryAfter = se.RetryAfterSecs
			}
			return ce
		case se.StatusCode >= 500:
			return &router.ClassifiedError{Err: err, Class: router.ErrTransient}
		}
	}
	return &router.ClassifiedError{Err: err, Class: router.ErrFatal}
}
