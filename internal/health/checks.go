package health

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrorCheck adapts fn to a CheckFunc. A non-nil error is unhealthy, or
// degraded when degradeOnly is set.
func ErrorCheck(fn func(ctx context.Context) error, degradeOnly bool) CheckFunc {
	return func(ctx context.Context) Check {
		if err := fn(ctx); err != nil {
			status := StatusUnhealthy
			if degradeOnly {
				status = StatusDegraded
			}
			return Check{Status: status, Message: err.Error()}
		}
		return Check{Status: StatusHealthy}
	}
}

// ConditionCheck reports unhealthy with message while ok returns false.
func ConditionCheck(ok func() bool, message string) CheckFunc {
	return func(context.Context) Check {
		if !ok() {
			return Check{Status: StatusUnhealthy, Message: message}
		}
		return Check{Status: StatusHealthy}
	}
}

// TCPCheck dials address.
func TCPCheck(address string, timeout time.Duration) CheckFunc {
	return ErrorCheck(func(ctx context.Context) error {
		dialer := &net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		return conn.Close()
	}, false)
}

// CachedCheck reuses the last result of check for ttl. Use it for checks
// that call remote systems.
func CachedCheck(check CheckFunc, ttl time.Duration) CheckFunc {
	var (
		mu        sync.Mutex
		lastCheck time.Time
		last      Check
	)
	return func(ctx context.Context) Check {
		mu.Lock()
		defer mu.Unlock()
		if !lastCheck.IsZero() && time.Since(lastCheck) < ttl {
			return last
		}
		last = check(ctx)
		lastCheck = time.Now()
		return last
	}
}
