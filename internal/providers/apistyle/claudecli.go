package apistyle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"

	"github.com/tokenhub/gateway/internal/router"
)

// claudeCLIUserAgent is injected in place of whatever User-Agent the HTTP
// client would otherwise send, masquerading as the official Claude CLI.
const claudeCLIUserAgent = "claude-cli/1.0.50 (external, cli)"

// claudeCLICacheCap bounds the in-process sha256(api_key) cache so a
// long-running process never grows it unbounded (spec §9).
const claudeCLICacheCap = 4096

// keyHashCache caches sha256(api_key) hex digests, never the full
// constructed user_id, keyed by the raw api_key (spec §9: "a bounded
// in-process cache of SHA-256 of api_key only").
type keyHashCache struct {
	cache *lru.Cache[string, string]
}

func newKeyHashCache(cap int) *keyHashCache {
	c, _ := lru.New[string, string](cap)
	return &keyHashCache{cache: c}
}

func (c *keyHashCache) hash(apiKey string) string {
	if h, ok := c.cache.Get(apiKey); ok {
		return h
	}
	sum := sha256.Sum256([]byte(apiKey))
	h := hex.EncodeToString(sum[:])
	c.cache.Add(apiKey, h)
	return h
}

// ClaudeCLI decorates Claude: identical wire format, but rewrites the
// User-Agent header and injects a metadata.user_id constructed as
// user_{sha256(api_key)}_account__session_{uuid}, masquerading as an
// interactive Claude CLI session rather than an API integration (spec
// §4.2.1, §9). The session uuid is freshly generated per request; only the
// api_key hash is cached.
type ClaudeCLI struct {
	Claude
	hashes *keyHashCache
}

// NewClaudeCLI constructs a ClaudeCLI transport adapter with its own bounded
// hash cache.
func NewClaudeCLI() *ClaudeCLI {
	return &ClaudeCLI{hashes: newKeyHashCache(claudeCLICacheCap)}
}

func (c *ClaudeCLI) Style() Style { return StyleClaudeCLI }

func (c *ClaudeCLI) BuildPayload(model, apiKey string, req router.Request) (any, error) {
	payload, err := c.Claude.BuildPayload(model, apiKey, req)
	if err != nil {
		return nil, err
	}
	m, ok := payload.(map[string]any)
	if !ok {
		return payload, nil
	}
	userID := fmt.Sprintf("user_%s_account__session_%s", c.hashes.hash(apiKey), uuid.NewString())
	m["metadata"] = map[string]string{"user_id": userID}
	return m, nil
}

func (c *ClaudeCLI) Headers(apiKey string) map[string]string {
	h := c.Claude.Headers(apiKey)
	h["User-Agent"] = claudeCLIUserAgent
	return h
}
