package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConstantRetry(t *testing.T) {
	p := ConstantRetry(2 * time.Second)
	for i := 1; i <= 5; i++ {
		d, ok := p.Next(i)
		assert.True(t, ok)
		assert.Equal(t, 2*time.Second, d)
	}
}

func TestCappedExponentialRetry(t *testing.T) {
	p := RetryPolicy{Delay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second, MaxAttempts: 4}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, w := range want {
		d, ok := p.Next(i + 1)
		assert.True(t, ok)
		assert.Equal(t, w, d)
	}
	_, ok := p.Next(5)
	assert.False(t, ok)
}

func TestRetryJitterStaysInBounds(t *testing.T) {
	p := RetryPolicy{Delay: time.Second, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		d, _ := p.Next(1)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}
