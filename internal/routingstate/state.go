// Package routingstate is the facade hiding the key-value layout behind
// the gateway's dynamic weights, failure cooldowns, cached health, routing
// metrics snapshots, and conversation sessions (spec §4.3/§6.2). It is the
// exclusive writer of these namespaces: no other package may write them.
package routingstate

import (
	"time"

	"github.com/tokenhub/gateway/internal/router"
)

// Key templates, normative per spec §6.2.
const (
	keyLogical       = "llm:logical:%s"
	keyVendorModels  = "llm:vendor:%s:models"
	keyMetrics       = "llm:metrics:%s:%s"
	keySession       = "llm:session:%s"
	keyProviderHlth  = "llm:provider:health:%s"
	keyWeights       = "routing:%s:provider_weights"
	keyProviderFail  = "provider:failure:%s"
)

// Clamp factors and nudge factors, grounded on the original Python source's
// routing/provider_weight.py (app.routing.provider_weight): success bumps a
// provider's dynamic weight by +5% of base weight, a retryable failure by
// -20%, a fatal failure by -50%, always clamped into [base*0.2, base*3.0]
// with an absolute floor of 0.01.
const (
	MinFactor           = 0.2
	MaxFactor           = 3.0
	AbsoluteMinWeight   = 0.01
	SuccessFactor       = 0.05
	RetryableFailFactor = -0.2
	FatalFailFactor     = -0.5

	SessionTTL = 7200 * time.Second
)

// FailureCooldownStatus is the result of get_failure_cooldown_status.
type FailureCooldownStatus = router.FailureCooldownStatus

// Store is the Routing State Service contract (spec §4.3). Every operation
// tolerates state-store unavailability: a read failure yields "empty /
// missing", a write failure is logged and dropped. Implementations MUST NOT
// return an error that would cause a caller to fail the request solely
// because of a state-store outage — callers treat a non-nil error as
// "proceed as if state were empty", never as fatal.
//
// Store is a type alias for router.RoutingStateStore: the engine consumes
// this contract without importing this package (avoiding a cycle), and any
// Store implementation is usable directly as a router.RoutingStateStore.
type Store = router.RoutingStateStore

// ClampWeight enforces the invariant from spec §3: for all provider p,
// stored weight w satisfies max(base*0.2, 0.01) <= w <= max(base*3.0, lower).
func ClampWeight(value, baseWeight float64) float64 {
	safeBase := baseWeight
	if safeBase <= 0 {
		safeBase = 1.0
	}
	lower := safeBase * MinFactor
	if lower < AbsoluteMinWeight {
		lower = AbsoluteMinWeight
	}
	upper := safeBase * MaxFactor
	if upper < lower {
		upper = lower
	}
	if value < lower {
		return lower
	}
	if value > upper {
		return upper
	}
	return value
}
