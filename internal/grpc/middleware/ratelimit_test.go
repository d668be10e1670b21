package middleware

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestRateLimiter_Allow(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(1, 2)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"), "burst exhausted")
	assert.True(t, rl.Allow("10.0.0.2"), "clients are independent")

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("10.0.0.1"), "token refilled")
	assert.Equal(t, 2, rl.Clients())
}

func TestRateLimiter_EvictsIdleClients(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(10, 10)
	rl.now = func() time.Time { return now }

	for i := 0; i < maxTrackedClients; i++ {
		rl.Allow(fmt.Sprintf("c-%d", i))
	}
	assert.Equal(t, maxTrackedClients, rl.Clients())

	now = now.Add(2 * time.Minute)
	rl.Allow("fresh")
	assert.Equal(t, 1, rl.Clients())
}

func TestUnaryRateLimitInterceptor(t *testing.T) {
	t.Parallel()

	interceptor := UnaryRateLimitInterceptor(NewRateLimiter(0.001, 1))
	handler := func(context.Context, interface{}) (interface{}, error) { return "ok", nil }

	// different ports on the same host share a limiter
	_, err := interceptor(peerContext("10.1.1.1:5000"), nil, testInfo, handler)
	assert.NoError(t, err)
	_, err = interceptor(peerContext("10.1.1.1:5001"), nil, testInfo, handler)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	_, err = interceptor(peerContext("10.1.1.2:5000"), nil, testInfo, handler)
	assert.NoError(t, err)
}

func TestClientHost(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "unknown", clientHost(context.Background()))
	assert.Equal(t, "192.168.0.3", clientHost(peerContext("192.168.0.3:1234")))
}
