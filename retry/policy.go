package retry

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"krai.services/engine/config"
)

// Policy bounds retry behavior for one stage.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// FromStagePolicy converts a configured stage policy.
func FromStagePolicy(p config.StagePolicy) Policy {
	return Policy{
		MaxRetries: p.MaxRetries,
		BaseDelay:  p.BaseDelay,
		MaxDelay:   p.MaxDelay,
	}
}

// Backoff returns the delay before retry number k (zero-based), using
// exponential backoff with full jitter: min(max, random(0, base*2^k)).
func (p Policy) Backoff(k int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	max := p.MaxDelay
	if max <= 0 {
		max = 60 * time.Second
	}

	bound := base
	for i := 0; i < k; i++ {
		bound *= 2
		if bound >= max || bound <= 0 {
			bound = max
			break
		}
	}

	delay := time.Duration(rand.Int64N(int64(bound) + 1))
	if delay > max {
		delay = max
	}
	return delay
}

// Exhausted reports whether a failure at the given retry attempt leaves
// no attempts remaining.
func (p Policy) Exhausted(retryAttempt int) bool {
	return retryAttempt >= p.MaxRetries
}

// NewRequestID returns a fresh request identifier of form req_<8hex>.
func NewRequestID() string {
	return "req_" + uuid.NewString()[:8]
}

// CorrelationID builds the per-attempt tracing identifier
// <request>.<stage>.retry_<attempt>.
func CorrelationID(requestID, stageName string, attempt int) string {
	if requestID == "" {
		requestID = NewRequestID()
	}
	return fmt.Sprintf("%s.%s.retry_%d", requestID, stageName, attempt)
}
