package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(0.001, 2, time.Minute)

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"), "burst exhausted")
	assert.True(t, rl.Allow("10.0.0.2"), "buckets are per client")
	assert.Equal(t, 2, rl.Clients())

	rl.SetLimit(1000, 5)
	assert.True(t, rl.Allow("10.0.0.3"), "new buckets use the new limit")

	assert.Equal(t, 0, rl.Cleanup(time.Now()))
	assert.Equal(t, 3, rl.Cleanup(time.Now().Add(2*time.Minute)))
	assert.Equal(t, 0, rl.Clients())
}
