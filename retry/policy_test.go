package retry

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"krai.services/engine/config"
)

// TestPolicy_Backoff tests full-jitter bounds across attempts
func TestPolicy_Backoff(t *testing.T) {
	policy := Policy{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second}

	tests := []struct {
		name  string
		k     int
		bound time.Duration
	}{
		{name: "FirstRetry", k: 0, bound: 2 * time.Second},
		{name: "SecondRetry", k: 1, bound: 4 * time.Second},
		{name: "ThirdRetry", k: 2, bound: 8 * time.Second},
		{name: "CappedByMaxDelay", k: 10, bound: 60 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 50; i++ {
				delay := policy.Backoff(tt.k)
				assert.GreaterOrEqual(t, delay, time.Duration(0))
				assert.LessOrEqual(t, delay, tt.bound)
			}
		})
	}
}

// TestPolicy_BackoffDefaults tests zero-valued policies get sane bounds
func TestPolicy_BackoffDefaults(t *testing.T) {
	var policy Policy
	for i := 0; i < 20; i++ {
		delay := policy.Backoff(0)
		assert.GreaterOrEqual(t, delay, time.Duration(0))
		assert.LessOrEqual(t, delay, time.Second)
	}
}

// TestPolicy_Exhausted tests the attempt ceiling
func TestPolicy_Exhausted(t *testing.T) {
	policy := Policy{MaxRetries: 3}
	assert.False(t, policy.Exhausted(0))
	assert.False(t, policy.Exhausted(2))
	assert.True(t, policy.Exhausted(3))
	assert.True(t, policy.Exhausted(4))
}

// TestFromStagePolicy tests config conversion
func TestFromStagePolicy(t *testing.T) {
	policy := FromStagePolicy(config.StagePolicy{
		Critical:   true,
		MaxRetries: 5,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	})
	assert.Equal(t, 5, policy.MaxRetries)
	assert.Equal(t, time.Second, policy.BaseDelay)
	assert.Equal(t, 30*time.Second, policy.MaxDelay)
}

// TestCorrelationID tests the tracing identifier format
func TestCorrelationID(t *testing.T) {
	requestID := NewRequestID()
	assert.Regexp(t, regexp.MustCompile(`^req_[0-9a-f]{8}$`), requestID)

	corr := CorrelationID(requestID, "text_extraction", 2)
	assert.Regexp(t, regexp.MustCompile(`^req_[0-9a-f]{8}\.text_extraction\.retry_2$`), corr)

	// Empty request ids are backfilled, never emitted blank.
	generated := CorrelationID("", "upload", 0)
	assert.Regexp(t, regexp.MustCompile(`^req_[0-9a-f]{8}\.upload\.retry_0$`), generated)
}

// TestNewRequestID_Unique tests request ids do not collide trivially
func TestNewRequestID_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewRequestID()
		assert.False(t, seen[id], "request id %s repeated", id)
		seen[id] = true
	}
}
