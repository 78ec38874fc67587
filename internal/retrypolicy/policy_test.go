package retrypolicy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_DoublesUpToCap(t *testing.T) {
	p := New(500*time.Millisecond, 8*time.Second, 3)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, 1 * time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
		{5, 8 * time.Second},
		{6, 8 * time.Second},
		{100, 8 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoff_AttemptBelowOneClamped(t *testing.T) {
	p := New(time.Second, 10*time.Second, 3)
	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, time.Second, p.Backoff(-5))
}

func TestExhausted(t *testing.T) {
	p := New(time.Second, 10*time.Second, 3)
	assert.False(t, p.Exhausted(1))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
	assert.Equal(t, 3, p.MaxAttempts())
}

func TestNew_SanitizesInputs(t *testing.T) {
	p := New(0, 0, 0)
	assert.Equal(t, 500*time.Millisecond, p.Backoff(1), "zero base falls back to default")
	assert.Equal(t, 1, p.MaxAttempts())
	assert.True(t, p.Exhausted(1))

	// Cap below base is raised to base.
	p = New(2*time.Second, time.Second, 2)
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(5))
}
