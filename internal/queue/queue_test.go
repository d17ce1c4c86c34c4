package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelay(t *testing.T) {
	t.Run("grows exponentially within the jitter envelope", func(t *testing.T) {
		expected := []time.Duration{
			1 * time.Minute,
			2 * time.Minute,
			4 * time.Minute,
			8 * time.Minute,
			16 * time.Minute,
		}
		for attempt, base := range expected {
			d := RetryDelay(attempt + 1)
			assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.8)-time.Millisecond, "attempt %d", attempt+1)
			assert.LessOrEqual(t, d, time.Duration(float64(base)*1.2)+time.Millisecond, "attempt %d", attempt+1)
		}
	})

	t.Run("caps at the maximum", func(t *testing.T) {
		for _, attempt := range []int{7, 10, 100} {
			d := RetryDelay(attempt)
			assert.LessOrEqual(t, d, time.Duration(float64(retryMaxDelay)*1.2)+time.Millisecond)
			assert.GreaterOrEqual(t, d, time.Duration(float64(retryMaxDelay)*0.8)-time.Millisecond)
		}
	})

	t.Run("never returns less than a second", func(t *testing.T) {
		for attempt := 1; attempt <= 20; attempt++ {
			assert.GreaterOrEqual(t, RetryDelay(attempt), time.Second)
		}
	})
}

func TestBackoffDelayClaimPacing(t *testing.T) {
	// The consumer's claim loop runs the same curve on second-scale inputs
	t.Run("first failure stays near the poll interval", func(t *testing.T) {
		d := backoffDelay(time.Second, claimBackoffLimit, 1)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	})

	t.Run("repeated failures saturate at the limit", func(t *testing.T) {
		for _, attempt := range []int{7, 15} {
			d := backoffDelay(time.Second, claimBackoffLimit, attempt)
			assert.GreaterOrEqual(t, d, time.Duration(float64(claimBackoffLimit)*0.8)-time.Millisecond)
			assert.LessOrEqual(t, d, time.Duration(float64(claimBackoffLimit)*1.2)+time.Millisecond)
		}
	})
}
