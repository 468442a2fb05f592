package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRateLimiter(t *testing.T) {
	t.Run("limits concurrent requests", func(t *testing.T) {
		rl := NewClientRateLimiterWithLimits(100, 2)
		require.Nil(t, rl.Acquire())
		require.Nil(t, rl.Acquire())

		rpcErr := rl.Acquire()
		require.NotNil(t, rpcErr)
		assert.Equal(t, TooManyConcurrent, rpcErr.Code)

		rl.Release()
		assert.Nil(t, rl.Acquire())
	})

	t.Run("limits requests per minute", func(t *testing.T) {
		rl := NewClientRateLimiterWithLimits(2, 10)
		now := time.Now()
		rl.now = func() time.Time { return now }

		require.Nil(t, rl.Acquire())
		require.Nil(t, rl.Acquire())
		rpcErr := rl.Acquire()
		require.NotNil(t, rpcErr)
		assert.Equal(t, RateLimitExceeded, rpcErr.Code)

		now = now.Add(61 * time.Second)
		assert.Nil(t, rl.Acquire())

		requests, inFlight := rl.Stats()
		assert.Equal(t, 1, requests)
		assert.Equal(t, 3, inFlight)
	})

	t.Run("release never goes negative", func(t *testing.T) {
		rl := NewClientRateLimiter()
		rl.Release()
		_, inFlight := rl.Stats()
		assert.Equal(t, 0, inFlight)
	})
}
