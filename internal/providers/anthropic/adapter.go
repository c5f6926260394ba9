package anthropic

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

// Adapter implements router.Sender for Anthropic, either talking the plain
// claude api_style or masquerading as the Claude CLI when WithClaudeCLI is
// set (spec §4.2.1, §9).
type Adapter struct {
	id      string
	apiKey  string
	keyFunc func() string
	baseURL string
	client  *http.Client
	wire    apistyle.TransportAdapter
}

// New creates a new Anthropic adapter. The HTTP client timeout is 30s unless
// WithTimeout sets another value (zero means no timeout).
func New(id, apiKey, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		id:      id,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		wire:    apistyle.Claude{},
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

// WithClaudeCLI switches the adapter to the claude-cli api_style: identical
// wire format, but with a masqueraded User-Agent and metadata.user_id.
func WithClaudeCLI() Option {
	return func(a *Adapter) {
		a.wire = apistyle.NewClaudeCLI()
	}
}

func (a *Adapter) ID() string { return a.id }

// HealthEndpoint returns a URL for health probing. A GET to the messages
// endpoint returns 405 (Method Not Allowed) which proves reachability.
func (a *Adapter) HealthEndpoint() string {
	return a.baseURL + a.wire.Endpoint()
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
	body, err := a.doRequest(ctx, model, req)
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
		case se.StatusCode == 429 || se.StatusCode == 529:
			ce := &router.ClassifiedError{Err: err, Class: router.ErrRateLimited}
			if se.RetryAfterSecs > 0 {
				ce.RetryAfter = se.RetryAfterSecs
			}
			return ce
		case se.StatusCode >= 500:
			return &router.ClassifiedError{Err: err, Class: router.ErrTransient}
		case strings.Contains(se.Body, "prompt is too long") || strings.Contains(se.Body, "prompt_too_long"):
			return &router.ClassifiedError{Err: err, Class: router.ErrContextOverflow}
		}
	}
	return &router.ClassifiedError{Err: err, Class: router.ErrFatal}
}
