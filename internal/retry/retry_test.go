package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func fastConfig(retries int) *Config {
	return &Config{
		MaxRetries:     retries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestConfig_Getters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     *Config
		retries int
		initial time.Duration
		max     time.Duration
		jitter  float64
	}{
		{name: "nil", cfg: nil, retries: 3, initial: 100 * time.Millisecond, max: 30 * time.Second, jitter: 0.25},
		{name: "zero", cfg: &Config{}, retries: 3, initial: 100 * time.Millisecond, max: 30 * time.Second, jitter: 0.25},
		{name: "negative", cfg: &Config{MaxRetries: -1, JitterFactor: -0.5}, retries: 3, initial: 100 * time.Millisecond, max: 30 * time.Second, jitter: 0.25},
		{
			name:    "custom",
			cfg:     &Config{MaxRetries: 5, InitialBackoff: time.Second, MaxBackoff: time.Minute, JitterFactor: 0.5},
			retries: 5, initial: time.Second, max: time.Minute, jitter: 0.5,
		},
		{name: "jitter capped", cfg: &Config{JitterFactor: 1.5}, retries: 3, initial: 100 * time.Millisecond, max: 30 * time.Second, jitter: 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.retries, tt.cfg.GetMaxRetries())
			assert.Equal(t, tt.initial, tt.cfg.GetInitialBackoff())
			assert.Equal(t, tt.max, tt.cfg.GetMaxBackoff())
			assert.Equal(t, tt.jitter, tt.cfg.GetJitterFactor())
		})
	}
}

func TestDo(t *testing.T) {
	t.Parallel()

	errUnavailable := status.Error(codes.Unavailable, "authority unreachable")
	errNotFound := status.Error(codes.NotFound, "certificate not found")

	tests := []struct {
		name      string
		retries   int
		results   []error
		opts      *Options
		wantErr   error
		wantCalls int
	}{
		{name: "first attempt succeeds", retries: 3, results: []error{nil}, wantCalls: 1},
		{name: "succeeds after retries", retries: 3, results: []error{errUnavailable, errUnavailable, nil}, wantCalls: 3},
		{
			name:      "budget exhausted",
			retries:   2,
			results:   []error{errUnavailable, errUnavailable, errUnavailable, nil},
			wantErr:   errUnavailable,
			wantCalls: 3,
		},
		{
			name:      "non-retryable stops immediately",
			retries:   3,
			results:   []error{errUnavailable, errNotFound, nil},
			opts:      &Options{ShouldRetry: OnGRPCCodes(codes.Unavailable)},
			wantErr:   errNotFound,
			wantCalls: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			calls := 0
			err := Do(context.Background(), fastConfig(tt.retries), func() error {
				res := tt.results[calls]
				calls++
				return res
			}, tt.opts)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestDo_OnRetry(t *testing.T) {
	t.Parallel()

	var attempts []int
	err := Do(context.Background(), fastConfig(2), func() error {
		return errors.New("boom")
	}, &Options{
		OnRetry: func(attempt int, _ error, backoff time.Duration) {
			attempts = append(attempts, attempt)
			assert.LessOrEqual(t, backoff, 5*time.Millisecond)
		},
	})

	assert.Error(t, err)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDo_Context(t *testing.T) {
	t.Parallel()

	t.Run("canceled before first attempt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		calls := 0
		err := Do(ctx, nil, func() error {
			calls++
			return nil
		}, nil)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, calls)
	})

	t.Run("deadline during backoff", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := Do(ctx, &Config{MaxRetries: 10, InitialBackoff: time.Second, MaxBackoff: time.Second}, func() error {
			return errors.New("boom")
		}, nil)

		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestDo_Metrics(t *testing.T) {
	t.Parallel()

	op := fmt.Sprintf("test_%d", time.Now().UnixNano())
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, &Options{Operation: op})
	require.NoError(t, err)

	m := getRetryMetrics()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.attempts.WithLabelValues(op)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues(op, "success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.outcomes.WithLabelValues(op, "failure")))
}

func TestCalculateBackoff(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 100*time.Millisecond, CalculateBackoff(0, 100*time.Millisecond, 10*time.Second, 0))
	assert.Equal(t, 200*time.Millisecond, CalculateBackoff(1, 100*time.Millisecond, 10*time.Second, 0))
	assert.Equal(t, 400*time.Millisecond, CalculateBackoff(2, 100*time.Millisecond, 10*time.Second, 0))
	assert.Equal(t, time.Second, CalculateBackoff(10, 100*time.Millisecond, time.Second, 0.25))

	for i := 0; i < 20; i++ {
		b := CalculateBackoff(1, 100*time.Millisecond, 10*time.Second, 0.5)
		assert.GreaterOrEqual(t, b, 200*time.Millisecond)
		assert.LessOrEqual(t, b, 300*time.Millisecond)
	}
}

func TestOnGRPCCodes(t *testing.T) {
	t.Parallel()

	fn := OnGRPCCodes(codes.Unavailable, codes.Aborted)

	assert.True(t, fn(status.Error(codes.Unavailable, "")))
	assert.True(t, fn(fmt.Errorf("wrapped: %w", status.Error(codes.Aborted, ""))))
	assert.False(t, fn(status.Error(codes.NotFound, "")))
	assert.False(t, fn(errors.New("plain")))
	assert.False(t, fn(nil))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "timeout", err: timeoutErr{}, want: true},
		{name: "op error", err: &net.OpError{Op: "dial", Err: errors.New("x")}, want: true},
		{name: "connection refused", err: fmt.Errorf("dial: %w", syscall.ECONNREFUSED), want: true},
		{name: "connection reset", err: syscall.ECONNRESET, want: true},
		{name: "eof", err: io.EOF, want: true},
		{name: "unexpected eof", err: io.ErrUnexpectedEOF, want: true},
		{name: "other", err: errors.New("secret not found"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestAny(t *testing.T) {
	t.Parallel()

	fn := Any(IsTransient, OnGRPCCodes(codes.Unavailable))
	assert.True(t, fn(io.EOF))
	assert.True(t, fn(status.Error(codes.Unavailable, "")))
	assert.False(t, fn(errors.New("x")))
}
