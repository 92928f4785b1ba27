package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_NextDelay(t *testing.T) {
	policy := DefaultRetryPolicy()

	tests := []struct {
		name     string
		attempt  int
		expected time.Duration
	}{
		{"zero clamps to first", 0, 60 * time.Second},
		{"first retry", 1, 60 * time.Second},
		{"second retry", 2, 120 * time.Second},
		{"third retry", 3, 240 * time.Second},
		{"fourth retry", 4, 480 * time.Second},
		{"fifth retry", 5, 960 * time.Second},
		{"capped", 7, time.Hour},
		{"far beyond cap", 100, time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, policy.NextDelay(tt.attempt))
		})
	}
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	policy := DefaultRetryPolicy()

	for attempts := 0; attempts < policy.MaxAttempts; attempts++ {
		assert.False(t, policy.Exhausted(attempts), "attempts=%d", attempts)
	}
	assert.True(t, policy.Exhausted(5))
	assert.True(t, policy.Exhausted(6))
}

func TestRetryPolicy_SmallCap(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 10 * time.Second, MaxDelay: 15 * time.Second, MaxAttempts: 3}

	assert.Equal(t, 10*time.Second, policy.NextDelay(1))
	assert.Equal(t, 15*time.Second, policy.NextDelay(2))
	assert.Equal(t, 15*time.Second, policy.NextDelay(3))
}
