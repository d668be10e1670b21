package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	authgrpc "github.com/vyrodovalexey/cacsi/internal/authority/grpc"
	"github.com/vyrodovalexey/cacsi/internal/authority/service"
	"github.com/vyrodovalexey/cacsi/internal/node/binding"
	"github.com/vyrodovalexey/cacsi/internal/observability"
)

var epoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type chanTicks struct {
	ch      chan time.Time
	stopped chan struct{}
	once    sync.Once
}

func newChanTicks() *chanTicks {
	return &chanTicks{ch: make(chan time.Time), stopped: make(chan struct{})}
}

func (t *chanTicks) Ticks() <-chan time.Time { return t.ch }
func (t *chanTicks) Stop()                   { t.once.Do(func() { close(t.stopped) }) }

type fakeRenewer struct {
	mu     sync.Mutex
	errs   map[string]error
	calls  []string
	called chan string
	clock  *fakeClock
}

func newFakeRenewer(clock *fakeClock) *fakeRenewer {
	return &fakeRenewer{errs: map[string]error{}, called: make(chan string, 16), clock: clock}
}

func (r *fakeRenewer) Renew(_ context.Context, id string) (*authgrpc.CertificateResponse, error) {
	r.mu.Lock()
	r.calls = append(r.calls, id)
	err := r.errs[id]
	r.mu.Unlock()

	now := r.clock.Now()
	defer func() {
		select {
		case r.called <- id:
		default:
		}
	}()

	if err != nil {
		return nil, err
	}
	return &authgrpc.CertificateResponse{
		CertificateID:  id,
		CertificatePEM: "cert-" + id,
		PrivateKeyPEM:  "key-" + id,
		Serial:         "2",
		NotBefore:      now,
		NotAfter:       now.Add(100 * time.Hour),
	}, nil
}

func (r *fakeRenewer) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeWriter struct {
	mu      sync.Mutex
	written map[string]string
	err     error
}

func (w *fakeWriter) Replace(dir string, certPEM, _ []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if w.written == nil {
		w.written = map[string]string{}
	}
	w.written[dir] = string(certPEM)
	return nil
}

func testMetrics() *monitorMetrics {
	return newMonitorMetricsWithFactory(promauto.With(prometheus.NewRegistry()))
}

func addBinding(t *testing.T, table *binding.Table, volumeID string) {
	t.Helper()
	require.NoError(t, table.Add(binding.Binding{
		VolumeID:      volumeID,
		CertificateID: "default-web-" + volumeID,
		TargetPath:    "/targets/" + volumeID,
		Validity:      100 * time.Hour,
		NotBefore:     epoch,
		NotAfter:      epoch.Add(100 * time.Hour),
	}))
}

func TestRunOnce_Threshold(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		elapsed   time.Duration
		wantRenew bool
	}{
		{name: "fresh", elapsed: time.Hour, wantRenew: false},
		{name: "just above threshold", elapsed: 80*time.Hour - time.Second, wantRenew: false},
		{name: "exactly at threshold", elapsed: 80 * time.Hour, wantRenew: false},
		{name: "just below threshold", elapsed: 80*time.Hour + time.Second, wantRenew: true},
		{name: "expired", elapsed: 120 * time.Hour, wantRenew: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			clock := &fakeClock{now: epoch.Add(tt.elapsed)}
			table := binding.NewTable()
			addBinding(t, table, "vol-1")
			renewer := newFakeRenewer(clock)
			writer := &fakeWriter{}

			m := New(table, renewer, writer, WithClock(clock))
			m.metrics = testMetrics()

			res, err := m.RunOnce(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, res.Scanned)

			if !tt.wantRenew {
				assert.Empty(t, renewer.Calls())
				assert.Zero(t, res.Renewed)
				return
			}

			assert.Equal(t, []string{"default-web-vol-1"}, renewer.Calls())
			assert.Equal(t, 1, res.Renewed)
			assert.Equal(t, "cert-default-web-vol-1", writer.written["/targets/vol-1"])

			b, ok := table.Get("vol-1")
			require.True(t, ok)
			assert.Equal(t, clock.Now(), b.NotBefore)
			assert.Equal(t, clock.Now().Add(100*time.Hour), b.NotAfter)
		})
	}
}

func TestRunOnce_PartialFailureIsolation(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: epoch.Add(90 * time.Hour)}
	table := binding.NewTable()
	for _, id := range []string{"vol-a", "vol-b", "vol-c", "vol-d"} {
		addBinding(t, table, id)
	}

	renewer := newFakeRenewer(clock)
	renewer.errs["default-web-vol-a"] = fmt.Errorf("authority: %w", authgrpc.ErrUnavailable)
	renewer.errs["default-web-vol-b"] = fmt.Errorf("%w: default-web-vol-b", service.ErrNotFound)
	renewer.errs["default-web-vol-c"] = fmt.Errorf("%w: default-web-vol-c", service.ErrAlreadyIssuing)
	writer := &fakeWriter{}

	m := New(table, renewer, writer, WithClock(clock))
	m.metrics = testMetrics()

	res, err := m.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, authgrpc.ErrUnavailable)
	assert.NotErrorIs(t, err, service.ErrNotFound)

	assert.Equal(t, Result{Scanned: 4, Renewed: 1, Orphaned: 1, Busy: 1, Failed: 1}, res)
	assert.Len(t, renewer.Calls(), 4)
	assert.Equal(t, map[string]string{"/targets/vol-d": "cert-default-web-vol-d"}, writer.written)

	orphan, ok := table.Get("vol-b")
	require.True(t, ok, "orphaned bindings are left for unpublish")
	assert.Equal(t, epoch, orphan.NotBefore)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.renewals.WithLabelValues(ResultFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.renewals.WithLabelValues(ResultRenewed)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.metrics.bindings))
}

func TestRunOnce_WriteFailureKeepsWindow(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: epoch.Add(95 * time.Hour)}
	table := binding.NewTable()
	addBinding(t, table, "vol-1")

	m := New(table, newFakeRenewer(clock), &fakeWriter{err: errors.New("disk full")}, WithClock(clock))
	m.metrics = testMetrics()

	res, err := m.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, res.Failed)

	b, _ := table.Get("vol-1")
	assert.Equal(t, epoch.Add(100*time.Hour), b.NotAfter, "window unchanged so the next tick retries")
}

func TestRunOnce_ExpiryWarning(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	logger := observability.NewZapAdapter(zap.New(core))

	nb := epoch
	table := binding.NewTable()
	require.NoError(t, table.Add(binding.Binding{
		VolumeID: "long", CertificateID: "long", NotBefore: nb, NotAfter: nb.Add(1000 * time.Hour),
	}))
	require.NoError(t, table.Add(binding.Binding{
		VolumeID: "short", CertificateID: "short", NotBefore: nb, NotAfter: nb.Add(200 * time.Hour),
	}))

	// 40h left on "short" is exactly at the threshold, so it is not renewed
	// but falls inside the warning window.
	clock := &fakeClock{now: nb.Add(160 * time.Hour)}
	renewer := newFakeRenewer(clock)

	m := New(table, renewer, &fakeWriter{}, WithClock(clock), WithLogger(logger))
	m.metrics = testMetrics()

	_, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, renewer.Calls())

	warnings := logs.FilterMessage("certificate expires soon").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "short", warnings[0].ContextMap()["volume_id"])
	assert.InDelta(t, 40*3600, testutil.ToFloat64(m.metrics.nearestExpiry), 1)
}

func TestRun_ScansAtStartAndOnTicks(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: epoch.Add(90 * time.Hour)}
	table := binding.NewTable()
	addBinding(t, table, "vol-1")
	renewer := newFakeRenewer(clock)
	ticks := newChanTicks()

	m := New(table, renewer, &fakeWriter{}, WithClock(clock), WithTickSource(ticks))
	m.metrics = testMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case <-renewer.called:
	case <-time.After(5 * time.Second):
		t.Fatal("no scan at startup")
	}

	// The renewal moved the window forward; advance the clock past the
	// threshold again and tick.
	clock.Set(clock.Now().Add(90 * time.Hour))
	ticks.ch <- clock.Now()

	select {
	case <-renewer.called:
	case <-time.After(5 * time.Second):
		t.Fatal("no scan on tick")
	}

	cancel()
	require.NoError(t, <-done)

	select {
	case <-ticks.stopped:
	default:
		t.Fatal("tick source not stopped")
	}
	assert.Len(t, renewer.Calls(), 2)
}

func TestRunOnce_ContextCanceled(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: epoch.Add(90 * time.Hour)}
	table := binding.NewTable()
	addBinding(t, table, "vol-1")
	renewer := newFakeRenewer(clock)

	m := New(table, renewer, &fakeWriter{}, WithClock(clock))
	m.metrics = testMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, renewer.Calls())
}

func TestRunOnce_WaitsForVolumeLock(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: epoch.Add(90 * time.Hour)}
	table := binding.NewTable()
	addBinding(t, table, "vol-1")
	renewer := newFakeRenewer(clock)
	writer := &fakeWriter{}

	m := New(table, renewer, writer, WithClock(clock))
	m.metrics = testMetrics()

	// Simulates an unpublish that removes the binding and the files while
	// the renewal is in flight.
	unlock, err := table.LockVolume(context.Background(), "vol-1")
	require.NoError(t, err)

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := m.RunOnce(context.Background())
		done <- outcome{res, err}
	}()

	select {
	case <-renewer.called:
	case <-time.After(2 * time.Second):
		t.Fatal("renewal not started")
	}
	select {
	case <-done:
		t.Fatal("renewal finished while the volume was locked")
	case <-time.After(50 * time.Millisecond):
	}

	_, removed := table.Remove("vol-1")
	require.True(t, removed)
	unlock()

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, 1, out.res.Renewed)
	case <-time.After(2 * time.Second):
		t.Fatal("renewal did not finish")
	}
	assert.Empty(t, writer.written, "no files written for a removed binding")
}

func TestRunOnce_CanceledWhileWaitingForLock(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: epoch.Add(90 * time.Hour)}
	table := binding.NewTable()
	addBinding(t, table, "vol-1")
	writer := &fakeWriter{}

	m := New(table, newFakeRenewer(clock), writer, WithClock(clock))
	m.metrics = testMetrics()

	unlock, err := table.LockVolume(context.Background(), "vol-1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := m.RunOnce(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, res.Failed)
	assert.Empty(t, writer.written)
}
