package openai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tokenhub/gateway/internal/providers"
	"github.com/tokenhub/gateway/internal/providers/apistyle"
	"github.com/tokenhub/gateway/internal/router"
)

// Adapter implements router.Sender for OpenAI-compatible endpoints, talking
// either the classic chat/completions wire format or the newer responses
// API (spec §4.2.1), selected at construction time via WithResponsesAPI.
type Adapter struct {
	id       string
	apiKey   string
	keyFunc  func() string
	baseURL  string
	client   *http.Client
	wire     apistyle.TransportAdapter
}

// New creates a new OpenAI adapter. The HTTP client timeout is 30s unless
// WithTimeout sets another value (zero means no timeout).
func New(id, apiKey, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		id:      id,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		wire:    apistyle.OpenAI{},
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

// WithKeyFunc resolves the API key dynamically (e.g. from a vault) on every
// request instead of using a fixed key captured at construction time.
func WithKeyFunc(f func() string) Option {
	return func(a *Adapter) {
		a.keyFunc = f
	}
}

// WithResponsesAPI switches the adapter to the responses api_style
// (/v1/responses, input array framing) instead of chat/completions.
func WithResponsesAPI() Option {
	return func(a *Adapter) {
		a.wire = apistyle.Responses{}
	}
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

func (a *Adapter) Send(ctx context.Context, model string, req router.Request) (router.ProviderResponse, error) {
	body, err := a.doRequest(ctx, model, req)
	if err != nil {
		return nil, err
	}
	return a.wire.ParseResponse(body)
}

// SendStream implements router.StreamSender. Only the chat/completions payload
// (a map) gets "stream": true; the responses api_style payload is a struct,
// so it is sent unchanged and the upstream body is returned as-is.
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
	return providers.DoStreamRequest(ctx, a.client, a.baseURL+a.wire.Endpoint(), payload, headers)
}

func (a *Adapter) doRequest(ctx context.Context, model string, req router.Request) ([]byte, error) {
	apiKey := a.resolveKey()
	payload, err := a.wire.BuildPayload(model, apiKey, req)
	if err != nil {
		return nil, err
	}
	headers := a.wire.Headers(apiKey)
	return providers.DoRequest(ctx, a.client, a.baseURL+a.wire.Endpoint(), payload, headers)
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
		case strings.Contains(se.Body, "context_length_exceeded"):
			return &router.ClassifiedError{Err: err, Class: router.ErrContextOverflow}
		}
	}
	return &router.ClassifiedError{Err: err, Class: router.ErrFatal}
}
