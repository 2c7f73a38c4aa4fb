package indexer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesUntilCap(t *testing.T) {
	base := 1000 * time.Millisecond
	max := 60 * time.Second

	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		32000 * time.Millisecond,
		60 * time.Second, // 64s capped
		60 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, backoffDelay(i+1, base, max), "attempt %d", i+1)
	}
}

func TestBackoffDegenerateInputs(t *testing.T) {
	assert.Equal(t, time.Second, backoffDelay(0, time.Second, time.Minute))
	assert.Equal(t, time.Minute, backoffDelay(100, time.Second, time.Minute), "large attempts must not overflow")
	assert.Equal(t, time.Second, backoffDelay(1, 0, time.Minute), "zero base falls back to 1s")
	assert.Equal(t, 2*time.Second, backoffDelay(3, 2*time.Second, time.Second), "cap below base yields base")
}
